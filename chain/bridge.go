package chain

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakesidecar/crypto"
	"stakesidecar/observability"
	"stakesidecar/registry"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultRetries   = 3
	defaultBackoff   = 250 * time.Millisecond
	defaultJitter    = 100 * time.Millisecond
	maxResponseBytes = 32 << 20
)

var errMalformed = errors.New("malformed bridge response")

// BridgeClient talks to a chain bridge over JSON/HTTP. It serves registry
// snapshots, the current block and hyperparameters, and submits signed
// weight vectors.
type BridgeClient struct {
	baseURL *url.URL
	http    *http.Client
	signer  *crypto.Keypair
	hotkey  string

	retries uint64
	backoff time.Duration
	jitter  time.Duration
	nonce   func() string

	logger  *slog.Logger
	metrics *observability.ChainMetrics
}

// Option customises a BridgeClient.
type Option func(*BridgeClient)

// WithHTTPClient replaces the HTTP client. The caller owns its transport
// instrumentation.
func WithHTTPClient(c *http.Client) Option {
	return func(b *BridgeClient) {
		if c != nil {
			b.http = c
		}
	}
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(b *BridgeClient) {
		if d > 0 {
			b.http.Timeout = d
		}
	}
}

// WithRetries sets how many times idempotent reads are retried.
func WithRetries(n uint64) Option {
	return func(b *BridgeClient) { b.retries = n }
}

// WithBackoff sets the Fibonacci base delay and jitter between retries.
func WithBackoff(base, jitter time.Duration) Option {
	return func(b *BridgeClient) {
		if base > 0 {
			b.backoff = base
		}
		if jitter >= 0 {
			b.jitter = jitter
		}
	}
}

// WithNonceSource overrides the submission nonce generator.
func WithNonceSource(fn func() string) Option {
	return func(b *BridgeClient) {
		if fn != nil {
			b.nonce = fn
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *BridgeClient) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.ChainMetrics) Option {
	return func(b *BridgeClient) { b.metrics = m }
}

// NewBridgeClient builds a client for the bridge at endpoint. signer may be
// nil for a read-only client; submissions then fail.
func NewBridgeClient(endpoint string, signer *crypto.Keypair, opts ...Option) (*BridgeClient, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil, errors.New("chain: bridge endpoint required")
	}
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("chain: parse bridge endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("chain: unsupported bridge scheme %q", base.Scheme)
	}
	c := &BridgeClient{
		baseURL: base,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		signer:  signer,
		retries: defaultRetries,
		backoff: defaultBackoff,
		jitter:  defaultJitter,
		nonce:   func() string { return strconv.FormatInt(time.Now().UnixNano(), 10) },
		logger:  slog.Default(),
		metrics: observability.Chain(),
	}
	if signer != nil {
		c.hotkey = signer.Address().String()
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "chain_bridge")
	return c, nil
}

// Identity returns the address submissions are signed for, or "" for a
// read-only client.
func (c *BridgeClient) Identity() string { return c.hotkey }

// CurrentBlock returns the chain head height.
func (c *BridgeClient) CurrentBlock(ctx context.Context) (uint64, error) {
	head, err := fetch[LatestBlock](ctx, c, "latest_block", "/chain/latest-block", nil)
	if err != nil {
		return 0, err
	}
	return head.BlockNumber, nil
}

// Hyperparams returns the weight-related parameters of a network.
func (c *BridgeClient) Hyperparams(ctx context.Context, networkID uint16) (Hyperparams, error) {
	return fetch[Hyperparams](ctx, c, "hyperparams", "/subnet/hyperparams", netuidQuery(networkID))
}

// FetchSnapshot loads the registry of networkID and derives the self uid from
// the self address.
func (c *BridgeClient) FetchSnapshot(ctx context.Context, networkID uint16, self string) (*registry.Snapshot, error) {
	mg, err := fetch[Metagraph](ctx, c, "metagraph", "/subnet/metagraph", netuidQuery(networkID))
	if err != nil {
		return nil, err
	}
	if mg.Netuid != networkID {
		return nil, fmt.Errorf("%w: metagraph for netuid %d, requested %d", errMalformed, mg.Netuid, networkID)
	}
	nodes, err := NodesFromMetagraph(mg)
	if err != nil {
		return nil, err
	}
	return registry.NewSnapshot(networkID, mg.Block, nodes, self)
}

// NormalizeWeights applies the network's weight constraints to a raw vector.
func (c *BridgeClient) NormalizeWeights(ctx context.Context, snap *registry.Snapshot, uids []uint16, weights []float64) ([]uint16, []float64, error) {
	if snap == nil {
		return nil, nil, registry.ErrNoSnapshot
	}
	params, err := c.Hyperparams(ctx, snap.NetworkID())
	if err != nil {
		return nil, nil, err
	}
	return Normalize(snap.Len(), uids, weights, params.MinAllowedWeights, params.MaxWeight())
}

// SubmitWeights signs and submits a normalized weight vector. A refusal by
// the chain is reported as accepted=false with the chain's message and a nil
// error. Transport failures return an error. Submissions are never retried.
func (c *BridgeClient) SubmitWeights(ctx context.Context, networkID uint16, uids []uint16, weights []float64, version uint64) (bool, string, error) {
	if c.signer == nil {
		return false, "", errors.New("chain: no signing key configured")
	}
	dests, values, err := ToEmit(uids, weights)
	if err != nil {
		return false, "", err
	}
	nonce := c.nonce()
	sig, err := c.signer.Sign(SubmissionMessage(networkID, version, nonce, dests, values))
	if err != nil {
		return false, "", fmt.Errorf("sign weights: %w", err)
	}
	params := SetWeightsParams{
		Netuid:     networkID,
		Dests:      dests,
		Weights:    values,
		VersionKey: version,
		Hotkey:     c.hotkey,
		Nonce:      nonce,
		Signature:  "0x" + hex.EncodeToString(sig),
	}

	start := time.Now()
	hash, err := call[string](ctx, c, http.MethodPost, "/subnet/set-weights", nil, params)
	c.metrics.Observe("set_weights", time.Since(start), err)
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) && !bridgeErr.Temporary() {
		c.logger.Warn("weight submission refused", "netuid", networkID, "status", bridgeErr.StatusCode, "message", bridgeErr.Message)
		return false, bridgeErr.Message, nil
	}
	if err != nil {
		return false, "", fmt.Errorf("set weights: %w", err)
	}
	msg := "Successfully set weights."
	if hash = strings.TrimSpace(hash); hash != "" {
		msg = fmt.Sprintf("Successfully set weights in extrinsic %s.", hash)
	}
	c.logger.Info("weights submitted", "netuid", networkID, "uids", len(dests), "version", version, "extrinsic", hash)
	return true, msg, nil
}

// SubmissionMessage is the byte string a weight submission signs. Keypair.Sign
// hashes it with keccak256.
func SubmissionMessage(networkID uint16, version uint64, nonce string, dests, weights []uint16) []byte {
	buf := make([]byte, 0, 2+8+4+len(nonce)+4+4*len(dests))
	buf = binary.BigEndian.AppendUint16(buf, networkID)
	buf = binary.BigEndian.AppendUint64(buf, version)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(nonce)))
	buf = append(buf, nonce...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(dests)))
	for i := range dests {
		buf = binary.BigEndian.AppendUint16(buf, dests[i])
		buf = binary.BigEndian.AppendUint16(buf, weights[i])
	}
	return buf
}

// NodesFromMetagraph flattens the index-aligned metagraph vectors into nodes.
func NodesFromMetagraph(mg Metagraph) ([]registry.Node, error) {
	n := len(mg.Hotkeys)
	required := map[string]int{
		"axons":      len(mg.Axons),
		"lastUpdate": len(mg.LastUpdate),
		"totalStake": len(mg.TotalStake),
	}
	for field, got := range required {
		if got != n {
			return nil, fmt.Errorf("%w: %s has %d entries for %d hotkeys", errMalformed, field, got, n)
		}
	}
	optional := map[string]int{
		"coldkeys":        len(mg.Coldkeys),
		"active":          len(mg.Active),
		"validatorPermit": len(mg.ValidatorPermit),
		"incentive":       len(mg.Incentive),
	}
	for field, got := range optional {
		if got != 0 && got != n {
			return nil, fmt.Errorf("%w: %s has %d entries for %d hotkeys", errMalformed, field, got, n)
		}
	}

	nodes := make([]registry.Node, n)
	for i := 0; i < n; i++ {
		stake, err := DecodeStake(mg.TotalStake[i])
		if err != nil {
			return nil, fmt.Errorf("%w: uid %d: %v", errMalformed, i, err)
		}
		node := registry.Node{
			UID:        uint16(i),
			Hotkey:     mg.Hotkeys[i],
			Axon:       FormatAxon(mg.Axons[i]),
			Stake:      stake,
			LastUpdate: mg.LastUpdate[i],
			Active:     true,
		}
		if len(mg.Coldkeys) == n {
			node.Coldkey = mg.Coldkeys[i]
		}
		if len(mg.Active) == n {
			node.Active = mg.Active[i]
		}
		if len(mg.ValidatorPermit) == n {
			node.ValidatorPermit = mg.ValidatorPermit[i]
		}
		if len(mg.Incentive) == n {
			node.Incentive = mg.Incentive[i]
		}
		nodes[i] = node
	}
	return nodes, nil
}

func netuidQuery(networkID uint16) url.Values {
	return url.Values{"netuid": {strconv.FormatUint(uint64(networkID), 10)}}
}

func (c *BridgeClient) readBackoff() retry.Backoff {
	b := retry.NewFibonacci(c.backoff)
	if c.jitter > 0 {
		b = retry.WithJitter(c.jitter, b)
	}
	return retry.WithMaxRetries(c.retries, b)
}

// fetch performs an idempotent GET, retrying transient failures.
func fetch[T any](ctx context.Context, c *BridgeClient, op, path string, query url.Values) (T, error) {
	var out T
	start := time.Now()
	attempt := 0
	err := retry.Do(ctx, c.readBackoff(), func(ctx context.Context) error {
		attempt++
		data, err := call[T](ctx, c, http.MethodGet, path, query, nil)
		if err == nil {
			out = data
			return nil
		}
		if retryable(ctx, err) {
			c.logger.Debug("chain bridge call failed, retrying", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
	c.metrics.Observe(op, time.Since(start), err)
	if err != nil {
		return out, fmt.Errorf("chain %s: %w", op, err)
	}
	return out, nil
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, errMalformed) {
		return false
	}
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Temporary()
	}
	return true
}

func call[T any](ctx context.Context, c *BridgeClient, method, path string, query url.Values, body any) (T, error) {
	var zero T
	endpoint := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return zero, err
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return zero, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return zero, err
	}

	var env Response[T]
	if err := json.Unmarshal(raw, &env); err != nil {
		if resp.StatusCode >= http.StatusMultipleChoices {
			return zero, &BridgeError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		}
		return zero, fmt.Errorf("%w: %s: %v", errMalformed, path, err)
	}
	if env.StatusCode == 0 {
		env.StatusCode = resp.StatusCode
	}
	if !env.Success {
		return zero, env.Err()
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return zero, &BridgeError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	}
	return env.Data, nil
}
