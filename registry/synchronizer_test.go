package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"
)

// scriptedFetcher returns a snapshot whose block equals the call number. The
// calls listed in failOn fail instead.
type scriptedFetcher struct {
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
	sizes  []int
	block  func(ctx context.Context) error
}

func (f *scriptedFetcher) FetchSnapshot(ctx context.Context, networkID uint16, self string) (*Snapshot, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	fail := f.failOn[call]
	size := 3
	if len(f.sizes) > 0 {
		size = f.sizes[call%len(f.sizes)]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		if err := block(ctx); err != nil {
			return nil, err
		}
	}
	if fail {
		return nil, errors.New("chain unavailable")
	}
	stakes := make([]float64, size)
	for i := range stakes {
		stakes[i] = float64(i + 1)
	}
	return NewSnapshot(networkID, uint64(call), testNodes(stakes...), self)
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *scriptedFetcher) failCalls(calls ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == nil {
		f.failOn = make(map[int]bool)
	}
	for _, c := range calls {
		f.failOn[c] = true
	}
}

func TestSynchronizerStartFailsWithoutSnapshot(t *testing.T) {
	fetcher := &scriptedFetcher{}
	fetcher.failCalls(1)
	s := NewSynchronizer(fetcher, 7, hotkey(0), WithLogger(slogt.New(t)), WithClock(clock.NewMock()))

	err := s.Start(context.Background())
	require.Error(t, err)
	require.Nil(t, s.Current())
	require.False(t, s.Ready())

	// Stop on a synchronizer that never started must not block.
	s.Stop()
}

func TestSynchronizerStartInstallsAndStops(t *testing.T) {
	fetcher := &scriptedFetcher{}
	s := NewSynchronizer(fetcher, 7, hotkey(1), WithLogger(slogt.New(t)), WithClock(clock.NewMock()))

	require.NoError(t, s.Start(context.Background()))
	require.True(t, s.Ready())
	snap := s.Current()
	require.NotNil(t, snap)
	require.Equal(t, uint64(1), snap.Block())
	uid, ok := snap.SelfUID()
	require.True(t, ok)
	require.Equal(t, uint16(1), uid)

	require.Error(t, s.Start(context.Background()))

	s.Stop()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after Stop")
	}
	s.Stop()
}

func TestSynchronizerRejectsWrongNetwork(t *testing.T) {
	fetcher := FetcherFunc(func(ctx context.Context, _ uint16, self string) (*Snapshot, error) {
		return NewSnapshot(99, 1, testNodes(1), self)
	})
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(clock.NewMock()))
	require.Error(t, s.Start(context.Background()))
	require.Nil(t, s.Current())
}

func TestSynchronizerPeriodicRefresh(t *testing.T) {
	mock := clock.NewMock()
	fetcher := &scriptedFetcher{}
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(mock),
		WithInterval(2*time.Minute), WithRetryInterval(30*time.Second))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		mock.Add(2 * time.Minute)
		return s.Current().Block() >= 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSynchronizerRetriesOnShortIntervalAndKeepsStaleSnapshot(t *testing.T) {
	mock := clock.NewMock()
	fetcher := &scriptedFetcher{}
	fetcher.failCalls(2, 3, 4, 5, 6)

	const steady = 24 * time.Hour
	const retry = 30 * time.Second
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(mock),
		WithInterval(steady), WithRetryInterval(retry))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.Eventually(t, func() bool {
		mock.Add(steady)
		return fetcher.Calls() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	// Failures leave the startup snapshot in place.
	require.Equal(t, uint64(1), s.Current().Block())

	failedAt := mock.Now()
	require.Eventually(t, func() bool {
		mock.Add(retry)
		return s.Current().Block() > 1
	}, 5*time.Second, 5*time.Millisecond)

	// Recovery came from the retry cadence, far sooner than a steady period.
	require.Less(t, mock.Now().Sub(failedAt), steady)
	require.GreaterOrEqual(t, fetcher.Calls(), 7)
}

func TestSynchronizerRefreshNow(t *testing.T) {
	fetcher := &scriptedFetcher{}
	fetcher.failCalls(3)
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(clock.NewMock()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	require.NoError(t, s.RefreshNow(context.Background()))
	require.Equal(t, uint64(2), s.Current().Block())

	require.Error(t, s.RefreshNow(context.Background()))
	require.Equal(t, uint64(2), s.Current().Block())
}

func TestSynchronizerStopAbandonsInFlightFetch(t *testing.T) {
	mock := clock.NewMock()
	entered := make(chan struct{}, 1)
	fetcher := &scriptedFetcher{}
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(mock),
		WithInterval(time.Minute), WithFetchTimeout(time.Hour))
	require.NoError(t, s.Start(context.Background()))

	fetcher.mu.Lock()
	fetcher.block = func(ctx context.Context) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return ctx.Err()
	}
	fetcher.mu.Unlock()

	require.Eventually(t, func() bool {
		mock.Add(time.Minute)
		select {
		case <-entered:
			return true
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a fetch was in flight")
	}
	require.Equal(t, uint64(1), s.Current().Block())
}

func TestSynchronizerNoTornReads(t *testing.T) {
	fetcher := &scriptedFetcher{sizes: []int{3, 5, 8, 1}}
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(clock.NewMock()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	stop := make(chan struct{})
	var refreshes atomic.Int64
	var writers sync.WaitGroup
	for w := 0; w < 4; w++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for {
				if s.RefreshNow(context.Background()) == nil {
					refreshes.Add(1)
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}()
	}

	var readers sync.WaitGroup
	var torn atomic.Int64
	for r := 0; r < 1000; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			snap := s.Current()
			n := snap.Len()
			nodes := snap.Nodes()
			permits := snap.ValidatorPermits()
			uids, axons := snap.Axons(nil)
			if len(nodes) != n || len(permits) != n || len(uids) != n || len(axons) != n {
				torn.Add(1)
				return
			}
			for i, node := range nodes {
				if int(node.UID) != i {
					torn.Add(1)
					return
				}
			}
		}()
	}
	readers.Wait()
	close(stop)
	writers.Wait()

	require.Zero(t, torn.Load())
	require.Positive(t, refreshes.Load())
}

func TestSynchronizerInstallsLowerHeightAfterChainReset(t *testing.T) {
	var calls atomic.Int64
	fetcher := FetcherFunc(func(ctx context.Context, networkID uint16, self string) (*Snapshot, error) {
		if calls.Add(1) == 1 {
			return NewSnapshot(networkID, 100, testNodes(1, 2, 3), self)
		}
		return NewSnapshot(networkID, 5, testNodes(1, 2, 3, 4), self)
	})
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(clock.NewMock()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.Equal(t, uint64(100), s.Current().Block())

	require.NoError(t, s.RefreshNow(context.Background()))
	require.Equal(t, uint64(5), s.Current().Block())
	require.Equal(t, 4, s.Current().Len())
}

func TestSynchronizerOverlappingFetchesInstallInStartOrder(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var calls atomic.Int64
	fetcher := FetcherFunc(func(ctx context.Context, networkID uint16, self string) (*Snapshot, error) {
		switch calls.Add(1) {
		case 1:
			return NewSnapshot(networkID, 1, testNodes(1), self)
		case 2:
			// Slow fetch that began first and finishes last.
			close(entered)
			<-release
			return NewSnapshot(networkID, 2, testNodes(1, 2), self)
		default:
			return NewSnapshot(networkID, 3, testNodes(1, 2, 3), self)
		}
	})
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(clock.NewMock()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	slow := make(chan error, 1)
	go func() { slow <- s.RefreshNow(context.Background()) }()
	<-entered

	require.NoError(t, s.RefreshNow(context.Background()))
	require.Equal(t, uint64(3), s.Current().Block())

	close(release)
	require.NoError(t, <-slow)
	require.Equal(t, uint64(3), s.Current().Block())
}

func TestSynchronizerStampsFetchTimeFromClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	fetcher := &scriptedFetcher{}
	s := NewSynchronizer(fetcher, 7, "", WithLogger(slogt.New(t)), WithClock(mock))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	require.True(t, s.Current().FetchedAt().Equal(mock.Now()))

	mock.Add(45 * time.Second)
	require.NoError(t, s.RefreshNow(context.Background()))
	require.True(t, s.Current().FetchedAt().Equal(time.Date(2026, 3, 1, 12, 0, 45, 0, time.UTC)))
}
