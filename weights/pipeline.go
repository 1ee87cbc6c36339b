package weights

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"stakesidecar/observability"
	"stakesidecar/registry"
)

const previewEntries = 16

// Normalizer applies network constraints to a raw weight vector.
type Normalizer interface {
	NormalizeWeights(ctx context.Context, snap *registry.Snapshot, uids []uint16, weights []float64) ([]uint16, []float64, error)
}

// Submitter sends a normalized vector to the chain. accepted=false with a nil
// error is a refusal by the chain; a non-nil error is a failure to submit.
type Submitter interface {
	SubmitWeights(ctx context.Context, networkID uint16, uids []uint16, weights []float64, version uint64) (accepted bool, message string, err error)
}

// Refresher reloads the registry snapshot.
type Refresher interface {
	RefreshNow(ctx context.Context) error
}

// Outcome classifies a pipeline result.
type Outcome int

const (
	OutcomeSubmitted Outcome = iota + 1
	OutcomeRejected
	OutcomeThrottled
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeThrottled:
		return "throttled"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Request is a raw weight vector to submit.
type Request struct {
	UIDs      []uint16
	Weights   []float64
	NetworkID uint16
	Version   uint64
}

// Validate checks the request is well formed.
func (r Request) Validate() error {
	if len(r.UIDs) != len(r.Weights) {
		return fmt.Errorf("uids and weights differ in length: %d != %d", len(r.UIDs), len(r.Weights))
	}
	for i, w := range r.Weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("weight for uid %d must be a finite non-negative number", r.UIDs[i])
		}
	}
	return nil
}

// Result is what a submission attempt reports back to the caller.
type Result struct {
	Outcome   Outcome
	Accepted  bool
	Message   string
	Remaining uint64
}

// Denied builds the result for a submission refused by the throttle.
func Denied(d Decision) Result {
	msg := fmt.Sprintf("Not enough time has passed to set weights. %d blocks remaining.", d.Remaining)
	if d.Lagging {
		msg = fmt.Sprintf("Not enough time has passed to set weights. Chain head %d is behind the last update at block %d; retry once the node catches up.",
			d.CurrentBlock, d.LastUpdate)
	}
	return Result{
		Outcome:   OutcomeThrottled,
		Message:   msg,
		Remaining: d.Remaining,
	}
}

// Pipeline normalizes, submits and, on success, refreshes the registry.
type Pipeline struct {
	normalizer Normalizer
	submitter  Submitter
	refresher  Refresher
	logger     *slog.Logger
	metrics    *observability.SidecarMetrics
}

// PipelineOption customises a Pipeline.
type PipelineOption func(*Pipeline)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.SidecarMetrics) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

// NewPipeline wires the pipeline collaborators.
func NewPipeline(normalizer Normalizer, submitter Submitter, refresher Refresher, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		normalizer: normalizer,
		submitter:  submitter,
		refresher:  refresher,
		logger:     slog.Default(),
		metrics:    observability.Sidecar(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "weights")
	return p
}

// Run executes one submission against snap. It never returns an error and
// never panics: every failure is folded into the Result.
func (p *Pipeline) Run(ctx context.Context, snap *registry.Snapshot, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("weight submission panicked", "panic", r)
			res = failed(fmt.Errorf("internal error: %v", r))
		}
		p.metrics.RecordSubmission(res.Outcome.String())
	}()

	if err := req.Validate(); err != nil {
		return failed(err)
	}
	if snap == nil {
		return failed(registry.ErrNoSnapshot)
	}
	uids, weights, err := p.normalizer.NormalizeWeights(ctx, snap, req.UIDs, req.Weights)
	if err != nil {
		p.logger.Error("weight normalization failed", "error", err)
		return failed(fmt.Errorf("normalize weights: %w", err))
	}
	if len(uids) != len(weights) {
		return failed(errors.New("normalize weights: uids and weights differ in length"))
	}
	p.logger.Info("submitting weights",
		"netuid", req.NetworkID,
		"version", req.Version,
		"count", len(uids),
		"preview", preview(uids, weights),
	)

	accepted, msg, err := p.submitter.SubmitWeights(ctx, req.NetworkID, uids, weights, req.Version)
	if err != nil {
		p.logger.Error("weight submission failed", "error", err)
		return failed(err)
	}
	if !accepted {
		p.logger.Warn("weight submission rejected", "message", msg)
		return Result{Outcome: OutcomeRejected, Message: msg}
	}

	// The submission landed; a failed refresh only leaves the snapshot stale
	// until the next periodic sync.
	if err := p.refresher.RefreshNow(context.WithoutCancel(ctx)); err != nil {
		p.logger.Warn("registry refresh after submission failed", "error", err)
	}
	return Result{Outcome: OutcomeSubmitted, Accepted: true, Message: msg}
}

func failed(err error) Result {
	return Result{Outcome: OutcomeFailed, Message: err.Error()}
}

func preview(uids []uint16, weights []float64) string {
	n := len(uids)
	if n > previewEntries {
		n = previewEntries
	}
	parts := make([]string, 0, n+1)
	for i := 0; i < n; i++ {
		parts = append(parts, strconv.Itoa(int(uids[i]))+"="+strconv.FormatFloat(weights[i], 'f', 6, 64))
	}
	if len(uids) > n {
		parts = append(parts, fmt.Sprintf("... +%d more", len(uids)-n))
	}
	return strings.Join(parts, " ")
}
