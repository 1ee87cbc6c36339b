package sidecar

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"stakesidecar/crypto"
	"stakesidecar/observability"
	"stakesidecar/registry"
	"stakesidecar/weights"
)

// ErrWrongNetwork is returned for a weight submission aimed at a network this
// sidecar does not serve.
var ErrWrongNetwork = errors.New("network not served by this sidecar")

// SnapshotSource exposes the currently installed registry snapshot.
type SnapshotSource interface {
	Current() *registry.Snapshot
}

// Service answers every API operation from one registry mirror on behalf of
// one signing identity.
type Service struct {
	networkID uint16
	snapshots SnapshotSource
	throttle  *weights.Throttle
	pipeline  *weights.Pipeline
	estimator *registry.RateLimitEstimator
	signer    *crypto.Keypair
	identity  string
	nonce     func() string
	logger    *slog.Logger
	metrics   *observability.SidecarMetrics
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	NetworkID uint16
	Snapshots SnapshotSource
	Throttle  *weights.Throttle
	Pipeline  *weights.Pipeline
	Estimator *registry.RateLimitEstimator
	Signer    *crypto.Keypair
	Logger    *slog.Logger
	Metrics   *observability.SidecarMetrics
	// Nonce overrides the signature-header nonce source. Defaults to the
	// current time in nanoseconds.
	Nonce func() string
}

// NewService validates cfg and builds the service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Snapshots == nil {
		return nil, errors.New("snapshot source required")
	}
	if cfg.Throttle == nil || cfg.Pipeline == nil {
		return nil, errors.New("throttle and pipeline required")
	}
	if cfg.Signer == nil {
		return nil, errors.New("signer required")
	}
	if cfg.Estimator == nil {
		cfg.Estimator = registry.NewRateLimitEstimator(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Nonce == nil {
		cfg.Nonce = func() string { return strconv.FormatInt(time.Now().UnixNano(), 10) }
	}
	return &Service{
		networkID: cfg.NetworkID,
		snapshots: cfg.Snapshots,
		throttle:  cfg.Throttle,
		pipeline:  cfg.Pipeline,
		estimator: cfg.Estimator,
		signer:    cfg.Signer,
		identity:  cfg.Signer.Address().String(),
		nonce:     cfg.Nonce,
		logger:    cfg.Logger.With("component", "service"),
		metrics:   cfg.Metrics,
	}, nil
}

// NetworkID returns the served network.
func (s *Service) NetworkID() uint16 { return s.networkID }

// Identity returns the signing identity address.
func (s *Service) Identity() string { return s.identity }

func (s *Service) snapshot() (*registry.Snapshot, error) {
	snap := s.snapshots.Current()
	if snap == nil {
		return nil, registry.ErrNoSnapshot
	}
	return snap, nil
}

// Axons returns the axon wire strings for uids, or for every uid when uids is
// empty. The returned uid list is the filtered request.
func (s *Service) Axons(uids []uint16) ([]uint16, []string, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, nil, err
	}
	outUIDs, axons := snap.Axons(uids)
	return outUIDs, axons, nil
}

// LastUpdate returns the block of the identity's last weight update.
func (s *Service) LastUpdate() (uint64, error) {
	snap, err := s.snapshot()
	if err != nil {
		return 0, err
	}
	self, err := snap.Self()
	if err != nil {
		return 0, err
	}
	return self.LastUpdate, nil
}

// NormalizedStake returns the identity's share of total stake.
func (s *Service) NormalizedStake() (float64, error) {
	snap, err := s.snapshot()
	if err != nil {
		return 0, err
	}
	uid, ok := snap.SelfUID()
	if !ok {
		return 0, registry.ErrNotRegistered
	}
	return snap.NormalizedStake(uid)
}

// ValidatorPermits returns the permit vector indexed by uid.
func (s *Service) ValidatorPermits() ([]bool, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return snap.ValidatorPermits(), nil
}

// SetWeights throttles and then submits req. The error return is reserved for
// conditions that prevent the throttle from deciding at all: no snapshot, the
// identity not being registered, or the block read failing. Denials and
// submission failures are reported in the Result.
func (s *Service) SetWeights(ctx context.Context, req weights.Request) (weights.Result, error) {
	if req.NetworkID != s.networkID {
		err := fmt.Errorf("%w: requested %d, serving %d", ErrWrongNetwork, req.NetworkID, s.networkID)
		s.metrics.RecordSubmission(weights.OutcomeFailed.String())
		return weights.Result{Outcome: weights.OutcomeFailed, Message: err.Error()}, nil
	}
	snap, err := s.snapshot()
	if err != nil {
		return weights.Result{}, err
	}
	decision, err := s.throttle.Check(ctx, snap)
	if err != nil {
		return weights.Result{}, err
	}
	s.metrics.RecordRemainingBlocks(decision.Remaining)
	if !decision.Admitted {
		res := weights.Denied(decision)
		s.metrics.RecordSubmission(res.Outcome.String())
		s.logger.Info("weight submission throttled",
			"current_block", decision.CurrentBlock,
			"last_update", decision.LastUpdate,
			"remaining", decision.Remaining,
			"lagging", decision.Lagging,
		)
		return res, nil
	}
	return s.pipeline.Run(ctx, snap, req), nil
}

// RateLimits returns the request budget of every node with at least minStake.
func (s *Service) RateLimits(minStake float64) (map[uint16]int, error) {
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	return s.estimator.Estimate(snap, minStake), nil
}

// MinerInfo looks up a node by address.
func (s *Service) MinerInfo(address string) (uint16, float64, error) {
	snap, err := s.snapshot()
	if err != nil {
		return 0, 0, err
	}
	node, ok := snap.LookupHotkey(address)
	if !ok {
		return 0, 0, fmt.Errorf("%w: %s", registry.ErrNodeNotFound, address)
	}
	return node.UID, node.Incentive, nil
}

// SignatureHeaders authenticate the identity to peers.
type SignatureHeaders struct {
	ValidatorAddress string `json:"validator_address"`
	Signature        string `json:"signature"`
	Nonce            string `json:"nonce"`
	NetUID           uint16 `json:"netuid"`
}

// SignatureHeaders signs a fresh nonce with the identity key.
func (s *Service) SignatureHeaders() (SignatureHeaders, error) {
	nonce := s.nonce()
	sig, err := s.signer.Sign([]byte(nonce))
	if err != nil {
		return SignatureHeaders{}, fmt.Errorf("sign nonce: %w", err)
	}
	return SignatureHeaders{
		ValidatorAddress: s.identity,
		Signature:        "0x" + hex.EncodeToString(sig),
		Nonce:            nonce,
		NetUID:           s.networkID,
	}, nil
}

// SnapshotInfo summarises the installed snapshot.
type SnapshotInfo struct {
	NetUID     uint16    `json:"netuid"`
	Block      uint64    `json:"block"`
	Nodes      int       `json:"nodes"`
	SelfUID    *uint16   `json:"self_uid,omitempty"`
	Registered bool      `json:"registered"`
	FetchedAt  time.Time `json:"fetched_at"`
	TotalStake float64   `json:"total_stake"`
	Tempo      uint64    `json:"tempo"`
}

// SnapshotInfo describes the installed snapshot.
func (s *Service) SnapshotInfo() (SnapshotInfo, error) {
	snap, err := s.snapshot()
	if err != nil {
		return SnapshotInfo{}, err
	}
	info := SnapshotInfo{
		NetUID:     snap.NetworkID(),
		Block:      snap.Block(),
		Nodes:      snap.Len(),
		FetchedAt:  snap.FetchedAt(),
		TotalStake: snap.TotalStake(),
		Tempo:      s.throttle.Tempo(),
	}
	if uid, ok := snap.SelfUID(); ok {
		info.SelfUID = &uid
		info.Registered = true
	}
	return info, nil
}
