package weights

import (
	"context"
	"fmt"

	"stakesidecar/registry"
)

// DefaultTempo is the number of blocks that must elapse between submissions.
const DefaultTempo = 360

// BlockReader reports the chain head height.
type BlockReader interface {
	CurrentBlock(ctx context.Context) (uint64, error)
}

// Decision is the outcome of a throttle check.
type Decision struct {
	Admitted     bool
	CurrentBlock uint64
	LastUpdate   uint64
	Tempo        uint64
	// Remaining is the number of blocks still to wait when not admitted.
	Remaining uint64
	// Lagging is set when the block read was behind LastUpdate. Remaining is
	// then a full tempo and says nothing about when to retry.
	Lagging bool
}

// Admit applies the tempo rule: a submission is admitted only when strictly
// more than tempo blocks have passed since lastUpdate. A current block behind
// lastUpdate is treated as no time having passed.
func Admit(currentBlock, lastUpdate, tempo uint64) Decision {
	d := Decision{CurrentBlock: currentBlock, LastUpdate: lastUpdate, Tempo: tempo}
	var elapsed uint64
	if currentBlock > lastUpdate {
		elapsed = currentBlock - lastUpdate
	} else if currentBlock < lastUpdate {
		d.Lagging = true
	}
	if elapsed > tempo {
		d.Admitted = true
		return d
	}
	d.Remaining = tempo - elapsed
	return d
}

// Throttle gates submissions by the identity's last update height.
type Throttle struct {
	blocks BlockReader
	tempo  uint64
}

// NewThrottle returns a throttle reading the live block from blocks.
func NewThrottle(blocks BlockReader, tempo uint64) *Throttle {
	return &Throttle{blocks: blocks, tempo: tempo}
}

// Tempo returns the configured tempo.
func (t *Throttle) Tempo() uint64 {
	if t == nil {
		return 0
	}
	return t.tempo
}

// Check reads the current block and decides against the identity's last
// update in snap. The block is read on every call.
func (t *Throttle) Check(ctx context.Context, snap *registry.Snapshot) (Decision, error) {
	if snap == nil {
		return Decision{}, registry.ErrNoSnapshot
	}
	self, err := snap.Self()
	if err != nil {
		return Decision{}, err
	}
	current, err := t.blocks.CurrentBlock(ctx)
	if err != nil {
		return Decision{}, fmt.Errorf("read current block: %w", err)
	}
	return Admit(current, self.LastUpdate, t.tempo), nil
}
