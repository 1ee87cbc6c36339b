package chain

import (
	"fmt"
	"strings"
)

// Response is the envelope every bridge endpoint wraps its payload in.
type Response[T any] struct {
	StatusCode int            `json:"statusCode"`
	Success    bool           `json:"success"`
	Data       T              `json:"data"`
	Error      map[string]any `json:"error"`
}

// Err converts an unsuccessful envelope into an error. It returns nil for a
// successful response.
func (r Response[T]) Err() error {
	if r.Success {
		return nil
	}
	return &BridgeError{StatusCode: r.StatusCode, Message: envelopeMessage(r.Error)}
}

// BridgeError reports a request the bridge answered but refused.
type BridgeError struct {
	StatusCode int
	Message    string
}

func (e *BridgeError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("chain bridge: %s", e.Message)
	}
	return fmt.Sprintf("chain bridge: status=%d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the same request could succeed.
func (e *BridgeError) Temporary() bool {
	return e.StatusCode == 0 || e.StatusCode == 429 || e.StatusCode >= 500
}

func envelopeMessage(fields map[string]any) string {
	for _, key := range []string{"message", "error", "detail", "reason"} {
		if v, ok := fields[key]; ok {
			if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
				return s
			}
		}
	}
	if len(fields) == 0 {
		return "request failed"
	}
	return fmt.Sprint(fields)
}

// LatestBlock is the payload of the latest block endpoint.
type LatestBlock struct {
	BlockNumber uint64 `json:"blockNumber"`
	ParentHash  string `json:"parentHash,omitempty"`
	StateRoot   string `json:"stateRoot,omitempty"`
}

// AxonInfo is the advertised network endpoint of a node.
type AxonInfo struct {
	Block    uint64 `json:"block"`
	Version  uint32 `json:"version"`
	IP       string `json:"ip"`
	Port     uint16 `json:"port"`
	IPType   uint8  `json:"ipType"`
	Protocol uint8  `json:"protocol"`
}

// Metagraph is the registry payload for one network. Per-uid vectors are
// index aligned; optional vectors may be empty.
type Metagraph struct {
	Netuid          uint16     `json:"netuid"`
	Block           uint64     `json:"block"`
	Tempo           uint64     `json:"tempo"`
	Hotkeys         []string   `json:"hotkeys"`
	Coldkeys        []string   `json:"coldkeys"`
	Axons           []AxonInfo `json:"axons"`
	Active          []bool     `json:"active"`
	LastUpdate      []uint64   `json:"lastUpdate"`
	TotalStake      []string   `json:"totalStake"`
	ValidatorPermit []bool     `json:"validatorPermit"`
	Incentive       []float64  `json:"incentive"`
}

// Hyperparams are the network parameters that shape weight submissions.
type Hyperparams struct {
	Tempo             uint64 `json:"tempo"`
	WeightsVersion    uint64 `json:"weightsVersion"`
	WeightsRateLimit  uint64 `json:"weightsRateLimit"`
	MinAllowedWeights int    `json:"minAllowedWeights"`
	// MaxWeightsLimit is the largest share one uid may receive, scaled so
	// 65535 means 1.0. Zero disables the cap.
	MaxWeightsLimit uint16 `json:"maxWeightsLimit"`
}

// MaxWeight returns MaxWeightsLimit as a fraction in (0, 1].
func (h Hyperparams) MaxWeight() float64 {
	if h.MaxWeightsLimit == 0 {
		return 1
	}
	return float64(h.MaxWeightsLimit) / float64(maxEmit)
}

// SetWeightsParams is the signed submission body.
type SetWeightsParams struct {
	Netuid     uint16   `json:"netuid"`
	Dests      []uint16 `json:"dests"`
	Weights    []uint16 `json:"weights"`
	VersionKey uint64   `json:"versionKey"`
	Hotkey     string   `json:"hotkey"`
	Nonce      string   `json:"nonce"`
	Signature  string   `json:"signature"`
}
