package registry

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

var (
	// ErrNotRegistered is returned when the sidecar identity has no uid in the snapshot.
	ErrNotRegistered = errors.New("registry: identity not registered")
	// ErrZeroStake is returned when a normalisation would divide by a zero total stake.
	ErrZeroStake = errors.New("registry: total stake is zero")
	// ErrNodeNotFound is returned when an address lookup has no match.
	ErrNodeNotFound = errors.New("registry: node not found")
	// ErrNoSnapshot is returned before the first snapshot has been installed.
	ErrNoSnapshot = errors.New("registry: no snapshot installed")
)

// Node is one uid slot of the registry.
type Node struct {
	UID             uint16
	Hotkey          string
	Coldkey         string
	Axon            string
	Stake           float64
	ValidatorPermit bool
	LastUpdate      uint64
	Incentive       float64
	Active          bool
}

// Snapshot is an immutable view of the registry at one block height. All
// accessors return copies so readers can share a snapshot freely.
type Snapshot struct {
	networkID uint16
	block     uint64
	fetchedAt time.Time
	nodes     []Node
	self      string
	selfUID   int
}

// NewSnapshot validates nodes and builds a snapshot. Nodes must be ordered by
// uid with no gaps. self is the identity address used to derive SelfUID; an
// empty self leaves the snapshot without a self uid.
func NewSnapshot(networkID uint16, block uint64, nodes []Node, self string) (*Snapshot, error) {
	if len(nodes) > math.MaxUint16+1 {
		return nil, fmt.Errorf("registry: %d nodes exceed the uid space", len(nodes))
	}
	copied := make([]Node, len(nodes))
	for i, node := range nodes {
		if int(node.UID) != i {
			return nil, fmt.Errorf("registry: node at index %d has uid %d", i, node.UID)
		}
		if math.IsNaN(node.Stake) || math.IsInf(node.Stake, 0) || node.Stake < 0 {
			return nil, fmt.Errorf("registry: uid %d has invalid stake %v", i, node.Stake)
		}
		copied[i] = node
	}
	snap := &Snapshot{
		networkID: networkID,
		block:     block,
		fetchedAt: time.Now(),
		nodes:     copied,
	}
	return snap.withSelf(self), nil
}

// stamped returns a copy of s fetched at the given time. Node data is shared
// since it is never mutated.
func (s *Snapshot) stamped(at time.Time) *Snapshot {
	c := *s
	c.fetchedAt = at
	return &c
}

func (s *Snapshot) withSelf(self string) *Snapshot {
	s.self = strings.TrimSpace(self)
	s.selfUID = -1
	if s.self == "" {
		return s
	}
	for i := range s.nodes {
		if s.nodes[i].Hotkey == s.self {
			s.selfUID = i
			break
		}
	}
	return s
}

// NetworkID returns the network the snapshot was fetched for.
func (s *Snapshot) NetworkID() uint16 { return s.networkID }

// Block returns the block height the snapshot was fetched at.
func (s *Snapshot) Block() uint64 { return s.block }

// FetchedAt returns the local time the snapshot was built, or installed when
// it came through a Synchronizer.
func (s *Snapshot) FetchedAt() time.Time { return s.fetchedAt }

// Len returns the number of uid slots.
func (s *Snapshot) Len() int { return len(s.nodes) }

// Node returns the record for uid.
func (s *Snapshot) Node(uid uint16) (Node, bool) {
	if int(uid) >= len(s.nodes) {
		return Node{}, false
	}
	return s.nodes[uid], true
}

// Nodes returns a copy of every node in uid order.
func (s *Snapshot) Nodes() []Node {
	out := make([]Node, len(s.nodes))
	copy(out, s.nodes)
	return out
}

// SelfUID reports the uid of the sidecar identity.
func (s *Snapshot) SelfUID() (uint16, bool) {
	if s.selfUID < 0 {
		return 0, false
	}
	return uint16(s.selfUID), true
}

// Self returns the node of the sidecar identity or ErrNotRegistered.
func (s *Snapshot) Self() (Node, error) {
	uid, ok := s.SelfUID()
	if !ok {
		return Node{}, fmt.Errorf("%w: %s", ErrNotRegistered, s.self)
	}
	return s.nodes[uid], nil
}

// LookupHotkey finds the node registered under address.
func (s *Snapshot) LookupHotkey(address string) (Node, bool) {
	address = strings.TrimSpace(address)
	if address == "" {
		return Node{}, false
	}
	for _, node := range s.nodes {
		if node.Hotkey == address {
			return node, true
		}
	}
	return Node{}, false
}

// Axons returns axon wire-strings for uids. An empty request selects every
// uid in order. Out-of-range and repeated uids are dropped, which is why the
// filtered uid list is returned alongside.
func (s *Snapshot) Axons(uids []uint16) ([]uint16, []string) {
	if len(uids) == 0 {
		outUIDs := make([]uint16, len(s.nodes))
		axons := make([]string, len(s.nodes))
		for i, node := range s.nodes {
			outUIDs[i] = node.UID
			axons[i] = node.Axon
		}
		return outUIDs, axons
	}
	seen := make(map[uint16]struct{}, len(uids))
	outUIDs := make([]uint16, 0, len(uids))
	axons := make([]string, 0, len(uids))
	for _, uid := range uids {
		if int(uid) >= len(s.nodes) {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		outUIDs = append(outUIDs, uid)
		axons = append(axons, s.nodes[uid].Axon)
	}
	return outUIDs, axons
}

// ValidatorPermits returns the permit vector indexed by uid.
func (s *Snapshot) ValidatorPermits() []bool {
	out := make([]bool, len(s.nodes))
	for i, node := range s.nodes {
		out[i] = node.ValidatorPermit
	}
	return out
}

// TotalStake sums the stake of every node.
func (s *Snapshot) TotalStake() float64 {
	var total float64
	for _, node := range s.nodes {
		total += node.Stake
	}
	return total
}

// NormalizedStake returns the share of total stake held by uid.
func (s *Snapshot) NormalizedStake(uid uint16) (float64, error) {
	node, ok := s.Node(uid)
	if !ok {
		return 0, fmt.Errorf("%w: uid %d", ErrNodeNotFound, uid)
	}
	total := s.TotalStake()
	if total <= 0 {
		return 0, ErrZeroStake
	}
	return node.Stake / total, nil
}
