// Package client is a Go client for the sidecar HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakesidecar/chain"
)

// Config represents the client configuration.
type Config struct {
	// BaseURL is the sidecar root, for example http://127.0.0.1:9100.
	BaseURL string
	Timeout time.Duration
	// Hotkey is sent in the caller header so the sidecar can apply the
	// caller's stake-weighted request budget.
	Hotkey string
	// CallerHeader overrides the header carrying Hotkey.
	CallerHeader string
	// Token is a bearer token for endpoints that require authorization.
	Token      string
	HTTPClient *http.Client
}

// Client calls a sidecar over HTTP.
type Client struct {
	baseURL      string
	hotkey       string
	callerHeader string
	token        string
	httpClient   *http.Client
}

// New constructs a client targeting cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("client: base url required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	header := strings.TrimSpace(cfg.CallerHeader)
	if header == "" {
		header = "X-Caller-Hotkey"
	}
	return &Client{
		baseURL:      base,
		hotkey:       strings.TrimSpace(cfg.Hotkey),
		callerHeader: header,
		token:        strings.TrimSpace(cfg.Token),
		httpClient:   httpClient,
	}, nil
}

// APIError is a non-2xx answer from the sidecar.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("sidecar: http %d", e.StatusCode)
	}
	return fmt.Sprintf("sidecar: http %d: %s", e.StatusCode, e.Message)
}

// Axon is one uid's advertised endpoint. Info is the zero value when the slot
// has never served.
type Axon struct {
	UID  uint16
	Raw  string
	Info chain.AxonInfo
}

// Axons returns the axons of uids, or of every uid when uids is empty.
func (c *Client) Axons(ctx context.Context, uids []uint16) ([]Axon, error) {
	var resp struct {
		UIDs  []uint16 `json:"uids"`
		Axons []string `json:"axons"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/metagraph/axons", map[string][]uint16{"uids": uids}, &resp); err != nil {
		return nil, err
	}
	if len(resp.UIDs) != len(resp.Axons) {
		return nil, fmt.Errorf("sidecar: %d uids for %d axons", len(resp.UIDs), len(resp.Axons))
	}
	out := make([]Axon, len(resp.UIDs))
	for i, uid := range resp.UIDs {
		info, err := chain.ParseAxon(resp.Axons[i])
		if err != nil {
			return nil, fmt.Errorf("uid %d: %w", uid, err)
		}
		out[i] = Axon{UID: uid, Raw: resp.Axons[i], Info: info}
	}
	return out, nil
}

// LastUpdate returns the block of the sidecar identity's last weight update.
func (c *Client) LastUpdate(ctx context.Context) (uint64, error) {
	var resp struct {
		LastUpdate uint64 `json:"last_update"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/metagraph/last-update", nil, &resp); err != nil {
		return 0, err
	}
	return resp.LastUpdate, nil
}

// NormalizedStake returns the identity's share of total stake.
func (c *Client) NormalizedStake(ctx context.Context) (float64, error) {
	var resp struct {
		NormalizedStake float64 `json:"normalized_stake"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/metagraph/normalized-stake", nil, &resp); err != nil {
		return 0, err
	}
	return resp.NormalizedStake, nil
}

// ValidatorPermits returns the permit vector indexed by uid.
func (c *Client) ValidatorPermits(ctx context.Context) ([]bool, error) {
	var resp struct {
		Permits []bool `json:"v_permits"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/metagraph/validator-permit", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Permits, nil
}

// SetWeightsRequest is a weight vector to submit. Nil NetUID targets the
// network the sidecar serves; nil Version submits version 1.
type SetWeightsRequest struct {
	UIDs    []uint16  `json:"uids"`
	Weights []float64 `json:"weights"`
	NetUID  *uint16   `json:"netuid,omitempty"`
	Version *uint64   `json:"version,omitempty"`
}

// SetWeights submits req. A throttled or refused submission is reported as
// accepted=false with the sidecar's message and a nil error.
func (c *Client) SetWeights(ctx context.Context, req SetWeightsRequest) (bool, string, error) {
	if len(req.UIDs) != len(req.Weights) {
		return false, "", fmt.Errorf("uids and weights differ in length: %d != %d", len(req.UIDs), len(req.Weights))
	}
	var resp struct {
		Result bool   `json:"result"`
		Msg    string `json:"msg"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/set-weights", req, &resp); err != nil {
		return false, "", err
	}
	return resp.Result, resp.Msg, nil
}

// RateLimits returns the request budget per uid for nodes with at least
// minStake.
func (c *Client) RateLimits(ctx context.Context, minStake float64) (map[uint16]int, error) {
	var resp struct {
		RateLimits map[uint16]int `json:"rate_limits"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/metagraph/rate-limits", map[string]float64{"min_stake": minStake}, &resp); err != nil {
		return nil, err
	}
	if resp.RateLimits == nil {
		resp.RateLimits = map[uint16]int{}
	}
	return resp.RateLimits, nil
}

// MinerInfo looks up the uid and incentive registered under address.
func (c *Client) MinerInfo(ctx context.Context, address string) (uint16, float64, error) {
	var resp struct {
		UID       uint16  `json:"uid"`
		Incentive float64 `json:"incentive"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/metagraph/miner-info", map[string]string{"address": address}, &resp); err != nil {
		return 0, 0, err
	}
	return resp.UID, resp.Incentive, nil
}

// SignatureHeaders authenticate the sidecar identity to a peer.
type SignatureHeaders struct {
	ValidatorAddress string `json:"validator_address"`
	Signature        string `json:"signature"`
	Nonce            string `json:"nonce"`
	NetUID           uint16 `json:"netuid"`
}

// Header renders the values as HTTP request headers.
func (h SignatureHeaders) Header() http.Header {
	out := http.Header{}
	out.Set("X-Validator-Address", h.ValidatorAddress)
	out.Set("X-Signature", h.Signature)
	out.Set("X-Nonce", h.Nonce)
	out.Set("X-Netuid", fmt.Sprint(h.NetUID))
	return out
}

// SignatureHeaders asks the sidecar to sign a fresh nonce.
func (c *Client) SignatureHeaders(ctx context.Context) (SignatureHeaders, error) {
	var resp SignatureHeaders
	if err := c.do(ctx, http.MethodGet, "/api/signature-headers", nil, &resp); err != nil {
		return SignatureHeaders{}, err
	}
	return resp, nil
}

// SnapshotInfo summarises the sidecar's registry mirror.
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

// Snapshot describes the registry snapshot the sidecar is serving from.
func (c *Client) Snapshot(ctx context.Context) (SnapshotInfo, error) {
	var resp SnapshotInfo
	if err := c.do(ctx, http.MethodGet, "/api/metagraph/snapshot", nil, &resp); err != nil {
		return SnapshotInfo{}, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.hotkey != "" {
		req.Header.Set(c.callerHeader, c.hotkey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &envelope) == nil {
			apiErr.Message = envelope.Error
		}
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(raw))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
