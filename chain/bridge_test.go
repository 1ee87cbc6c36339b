package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/neilotoole/slogt"
	"github.com/stretchr/testify/require"

	"stakesidecar/crypto"
	"stakesidecar/registry"
)

func writeEnvelope(w http.ResponseWriter, status int, success bool, data any, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]any{"statusCode": status, "success": success, "data": data}
	if message != "" {
		body["error"] = map[string]any{"message": message}
	}
	_ = json.NewEncoder(w).Encode(body)
}

func newTestClient(t *testing.T, url string, signer *crypto.Keypair, opts ...Option) *BridgeClient {
	t.Helper()
	base := []Option{
		WithBackoff(time.Millisecond, 0),
		WithLogger(slogt.New(t)),
		WithHTTPClient(&http.Client{Timeout: 5 * time.Second}),
	}
	client, err := NewBridgeClient(url, signer, append(base, opts...)...)
	require.NoError(t, err)
	return client
}

func sampleMetagraph() Metagraph {
	return Metagraph{
		Netuid:  47,
		Block:   4321,
		Hotkeys: []string{"hk-0", "hk-1", "hk-2"},
		Axons: []AxonInfo{
			{IP: "10.0.0.1", Port: 8091, IPType: 4},
			{},
			{IP: "10.0.0.3", Port: 8093, IPType: 4},
		},
		LastUpdate:      []uint64{10, 20, 30},
		TotalStake:      []string{"1000000000", "5500000000", "0"},
		ValidatorPermit: []bool{true, false, true},
		Incentive:       []float64{0.1, 0.2, 0.7},
	}
}

func TestFetchSnapshot(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subnet/metagraph", r.URL.Path)
		require.Equal(t, "47", r.URL.Query().Get("netuid"))
		writeEnvelope(w, http.StatusOK, true, sampleMetagraph(), "")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	snap, err := client.FetchSnapshot(context.Background(), 47, "hk-1")
	require.NoError(t, err)
	require.Equal(t, uint64(4321), snap.Block())
	require.Equal(t, 3, snap.Len())

	uid, ok := snap.SelfUID()
	require.True(t, ok)
	require.Equal(t, uint16(1), uid)

	self, err := snap.Self()
	require.NoError(t, err)
	require.InDelta(t, 5.5, self.Stake, 1e-12)
	require.Equal(t, uint64(20), self.LastUpdate)
	require.Empty(t, self.Axon)
	require.True(t, self.Active)

	node, _ := snap.Node(0)
	axon, err := ParseAxon(node.Axon)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1:8091", axon.Endpoint())
	require.Equal(t, []bool{true, false, true}, snap.ValidatorPermits())
}

func TestFetchSnapshotRejectsMisalignedVectors(t *testing.T) {
	mg := sampleMetagraph()
	mg.LastUpdate = mg.LastUpdate[:2]
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusOK, true, mg, "")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, nil)
	_, err := client.FetchSnapshot(context.Background(), 47, "")
	require.Error(t, err)
	require.Contains(t, err.Error(), "lastUpdate")
	require.EqualValues(t, 1, hits.Load())
}

func TestFetchSnapshotRejectsWrongNetwork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, true, sampleMetagraph(), "")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).FetchSnapshot(context.Background(), 3, "")
	require.Error(t, err)
}

func TestCurrentBlockRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chain/latest-block", r.URL.Path)
		if hits.Add(1) < 3 {
			writeEnvelope(w, http.StatusServiceUnavailable, false, nil, "node syncing")
			return
		}
		writeEnvelope(w, http.StatusOK, true, LatestBlock{BlockNumber: 1000}, "")
	}))
	defer srv.Close()

	block, err := newTestClient(t, srv.URL, nil).CurrentBlock(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(1000), block)
	require.EqualValues(t, 3, hits.Load())
}

func TestCurrentBlockGivesUpAfterRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil, WithRetries(2)).CurrentBlock(context.Background())
	var bridgeErr *BridgeError
	require.True(t, errors.As(err, &bridgeErr))
	require.Equal(t, http.StatusBadGateway, bridgeErr.StatusCode)
	require.EqualValues(t, 3, hits.Load())
}

func TestCurrentBlockDoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusBadRequest, false, nil, "bad request")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, nil).CurrentBlock(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "bad request")
	require.EqualValues(t, 1, hits.Load())
}

func TestNormalizeWeightsUsesHyperparams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/subnet/hyperparams", r.URL.Path)
		writeEnvelope(w, http.StatusOK, true, Hyperparams{Tempo: 360, MinAllowedWeights: 1, MaxWeightsLimit: 32768}, "")
	}))
	defer srv.Close()

	snap, err := registry.NewSnapshot(47, 1, []registry.Node{{UID: 0}, {UID: 1}, {UID: 2}}, "")
	require.NoError(t, err)

	uids, weights, err := newTestClient(t, srv.URL, nil).NormalizeWeights(context.Background(), snap, []uint16{0, 1, 2}, []float64{8, 1, 1})
	require.NoError(t, err)
	require.Equal(t, []uint16{0, 1, 2}, uids)
	require.InDelta(t, 32768.0/65535, weights[0], 1e-9)
	require.InDelta(t, 1.0, weights[0]+weights[1]+weights[2], 1e-9)
	require.InDelta(t, weights[1], weights[2], 1e-12)
}

func TestSubmitWeightsSignsPayload(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)

	var got SetWeightsParams
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/subnet/set-weights", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeEnvelope(w, http.StatusOK, true, "0xfeed", "")
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL, kp, WithNonceSource(func() string { return "42" }))
	require.Equal(t, kp.Address().String(), client.Identity())

	ok, msg, err := client.SubmitWeights(context.Background(), 47, []uint16{3, 5, 9}, []float64{0.5, 0.25, 0.25}, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, msg, "0xfeed")

	require.Equal(t, uint16(47), got.Netuid)
	require.Equal(t, []uint16{3, 5, 9}, got.Dests)
	require.Equal(t, []uint16{65535, 32768, 32768}, got.Weights)
	require.Equal(t, uint64(7), got.VersionKey)
	require.Equal(t, "42", got.Nonce)
	require.Equal(t, kp.Address().String(), got.Hotkey)

	sig, err := hex.DecodeString(strings.TrimPrefix(got.Signature, "0x"))
	require.NoError(t, err)
	signer, err := crypto.RecoverAddress(SubmissionMessage(got.Netuid, got.VersionKey, got.Nonce, got.Dests, got.Weights), sig)
	require.NoError(t, err)
	require.Equal(t, kp.Address().String(), signer.String())
}

func TestSubmitWeightsRefusedByChain(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, false, nil, "weights rate limit exceeded")
	}))
	defer srv.Close()

	ok, msg, err := newTestClient(t, srv.URL, kp).SubmitWeights(context.Background(), 47, []uint16{0}, []float64{1}, 0)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, "weights rate limit exceeded", msg)
}

func TestSubmitWeightsIsNotRetried(t *testing.T) {
	kp, err := crypto.GenerateKeypair()
	require.NoError(t, err)
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		writeEnvelope(w, http.StatusServiceUnavailable, false, nil, "try later")
	}))
	defer srv.Close()

	ok, _, err := newTestClient(t, srv.URL, kp).SubmitWeights(context.Background(), 47, []uint16{0}, []float64{1}, 0)
	require.Error(t, err)
	require.False(t, ok)
	require.EqualValues(t, 1, hits.Load())
}

func TestSubmitWeightsWithoutSigner(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1", nil)
	_, _, err := client.SubmitWeights(context.Background(), 1, []uint16{0}, []float64{1}, 0)
	require.Error(t, err)
}

func TestNewBridgeClientValidatesEndpoint(t *testing.T) {
	_, err := NewBridgeClient("", nil)
	require.Error(t, err)
	_, err = NewBridgeClient("ftp://bridge", nil)
	require.Error(t, err)
}
