package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"stakesidecar/observability"
)

const (
	// DefaultSyncInterval is the steady-state refresh period.
	DefaultSyncInterval = 120 * time.Second
	// DefaultRetryInterval is the delay before retrying a failed refresh.
	DefaultRetryInterval = 30 * time.Second
	// DefaultFetchTimeout bounds a single fetch from the chain.
	DefaultFetchTimeout = 60 * time.Second
)

// Fetcher loads a registry snapshot from the chain. self is the identity
// address the snapshot should derive its self uid from.
type Fetcher interface {
	FetchSnapshot(ctx context.Context, networkID uint16, self string) (*Snapshot, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, networkID uint16, self string) (*Snapshot, error)

// FetchSnapshot implements Fetcher.
func (f FetcherFunc) FetchSnapshot(ctx context.Context, networkID uint16, self string) (*Snapshot, error) {
	return f(ctx, networkID, self)
}

// Synchronizer owns the current snapshot and keeps it fresh. Readers call
// Current at any time; the loop and RefreshNow are the only writers.
type Synchronizer struct {
	fetcher   Fetcher
	networkID uint16
	self      string

	interval      time.Duration
	retryInterval time.Duration
	fetchTimeout  time.Duration
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *observability.SidecarMetrics

	current atomic.Pointer[Snapshot]

	// Fetches are numbered when they begin. A fetch installs unless one that
	// began after it has already been installed.
	fetchSeq    atomic.Uint64
	installMu   sync.Mutex
	installedAt uint64

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// SyncOption customises a Synchronizer.
type SyncOption func(*Synchronizer)

// WithInterval sets the steady-state refresh period.
func WithInterval(d time.Duration) SyncOption {
	return func(s *Synchronizer) { s.interval = d }
}

// WithRetryInterval sets the delay used after a failed refresh.
func WithRetryInterval(d time.Duration) SyncOption {
	return func(s *Synchronizer) { s.retryInterval = d }
}

// WithFetchTimeout bounds each fetch.
func WithFetchTimeout(d time.Duration) SyncOption {
	return func(s *Synchronizer) { s.fetchTimeout = d }
}

// WithClock overrides the clock driving the refresh loop.
func WithClock(c clock.Clock) SyncOption {
	return func(s *Synchronizer) { s.clock = c }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) SyncOption {
	return func(s *Synchronizer) { s.logger = l }
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SidecarMetrics) SyncOption {
	return func(s *Synchronizer) { s.metrics = m }
}

// NewSynchronizer constructs a synchronizer for networkID on behalf of the
// identity address self.
func NewSynchronizer(fetcher Fetcher, networkID uint16, self string, opts ...SyncOption) *Synchronizer {
	s := &Synchronizer{
		fetcher:       fetcher,
		networkID:     networkID,
		self:          self,
		interval:      DefaultSyncInterval,
		retryInterval: DefaultRetryInterval,
		fetchTimeout:  DefaultFetchTimeout,
		clock:         clock.New(),
		logger:        slog.Default(),
		metrics:       observability.Sidecar(),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		s.interval = DefaultSyncInterval
	}
	if s.retryInterval <= 0 {
		s.retryInterval = DefaultRetryInterval
	}
	if s.fetchTimeout <= 0 {
		s.fetchTimeout = DefaultFetchTimeout
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "synchronizer", "netuid", networkID)
	return s
}

// Start installs the first snapshot synchronously and then launches the
// refresh loop. A failure of the first fetch is returned and no loop is
// started.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("registry: synchronizer already started")
	}
	if err := s.refresh(ctx, "startup"); err != nil {
		return fmt.Errorf("initial registry sync: %w", err)
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.started = true
	go s.run(loopCtx)
	return nil
}

// Stop cancels the refresh loop and waits for it to exit. An in-flight fetch
// is abandoned through its context, so Stop returns within one fetch timeout.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.cancel = nil
	s.mu.Unlock()
	if !started {
		return
	}
	if cancel != nil {
		cancel()
	}
	<-s.done
}

// Done is closed once the refresh loop has exited.
func (s *Synchronizer) Done() <-chan struct{} { return s.done }

// Current returns the latest installed snapshot, or nil before Start.
func (s *Synchronizer) Current() *Snapshot {
	return s.current.Load()
}

// Ready reports whether a snapshot has been installed.
func (s *Synchronizer) Ready() bool {
	return s.current.Load() != nil
}

// RefreshNow performs one out-of-band fetch. On failure the current snapshot
// is left untouched and the error is returned after being logged.
func (s *Synchronizer) RefreshNow(ctx context.Context) error {
	return s.refresh(ctx, "on_demand")
}

func (s *Synchronizer) run(ctx context.Context) {
	defer close(s.done)
	timer := s.clock.Timer(s.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("registry sync loop stopped")
			return
		case <-timer.C:
		}
		next := s.interval
		if err := s.refresh(ctx, "periodic"); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("registry sync loop stopped")
				return
			}
			next = s.retryInterval
		}
		timer.Reset(next)
	}
}

func (s *Synchronizer) refresh(ctx context.Context, trigger string) error {
	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()

	ticket := s.fetchSeq.Add(1)
	start := s.clock.Now()
	s.logger.Debug("syncing registry", "trigger", trigger)
	snap, err := s.fetcher.FetchSnapshot(fetchCtx, s.networkID, s.self)
	if err == nil && snap == nil {
		err = errors.New("fetcher returned no snapshot")
	}
	if err == nil && snap.NetworkID() != s.networkID {
		err = fmt.Errorf("fetcher returned network %d, want %d", snap.NetworkID(), s.networkID)
	}
	s.metrics.ObserveSync(trigger, s.clock.Since(start), err)
	if err != nil {
		s.logger.Error("registry sync failed", "trigger", trigger, "error", err)
		return err
	}
	snap = snap.stamped(s.clock.Now())
	previous, installed := s.install(ticket, snap)
	if !installed {
		s.logger.Debug("fetch superseded by a later one", "trigger", trigger, "block", snap.Block())
		return nil
	}
	if previous != nil && snap.Block() < previous.Block() {
		s.logger.Warn("registry height went backwards",
			"trigger", trigger,
			"previous_block", previous.Block(),
			"block", snap.Block(),
		)
	}
	s.metrics.RecordSnapshot(snap.Block(), snap.Len())
	_, registered := snap.SelfUID()
	s.logger.Info("registry sync complete",
		"trigger", trigger,
		"block", snap.Block(),
		"nodes", snap.Len(),
		"registered", registered,
	)
	return nil
}

// install stores snap fetched under ticket and returns the snapshot it
// replaced. Completed fetches win in the order they began, whatever block
// they report, so a chain reset or a lagging node is still mirrored.
func (s *Synchronizer) install(ticket uint64, snap *Snapshot) (*Snapshot, bool) {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	if ticket < s.installedAt {
		return nil, false
	}
	s.installedAt = ticket
	return s.current.Swap(snap), true
}
