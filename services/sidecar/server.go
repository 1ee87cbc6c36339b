package sidecar

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stakesidecar/api/middleware"
	"stakesidecar/registry"
	"stakesidecar/weights"
)

const (
	// ScopeWeightsWrite is required on weight submissions when auth is on.
	ScopeWeightsWrite = "weights:write"
	// ScopeIdentitySign is required to obtain signature headers.
	ScopeIdentitySign = "identity:sign"

	maxBodyBytes = 1 << 20
)

// ServerConfig captures the dependencies of the HTTP surface.
type ServerConfig struct {
	Service       *Service
	Ready         func() bool
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.StakeRateLimiter
	Observability *middleware.Observability
	Logger        *slog.Logger
}

// Server exposes the service over HTTP.
type Server struct {
	svc     *Service
	ready   func() bool
	auth    *middleware.Authenticator
	limiter *middleware.StakeRateLimiter
	obs     *middleware.Observability
	logger  *slog.Logger

	router http.Handler
}

// NewServer builds the router.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Observability == nil {
		cfg.Observability = middleware.NewObservability(middleware.ObservabilityConfig{}, cfg.Logger)
	}
	if cfg.Ready == nil {
		cfg.Ready = func() bool { return true }
	}
	s := &Server{
		svc:     cfg.Service,
		ready:   cfg.Ready,
		auth:    cfg.Auth,
		limiter: cfg.RateLimiter,
		obs:     cfg.Observability,
		logger:  cfg.Logger.With("component", "api"),
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(echoRequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.obs.Middleware)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(
		prometheus.Gatherers{prometheus.DefaultGatherer, s.obs.Registry()},
		promhttp.HandlerOpts{},
	))

	r.Route("/api", func(api chi.Router) {
		api.Use(s.limiter.Middleware)

		api.Route("/metagraph", func(mg chi.Router) {
			mg.Post("/axons", s.handleAxons)
			mg.Get("/last-update", s.handleLastUpdate)
			mg.Get("/normalized-stake", s.handleNormalizedStake)
			mg.Get("/validator-permit", s.handleValidatorPermit)
			mg.Post("/validator-permit", s.handleValidatorPermit)
			mg.Post("/rate-limits", s.handleRateLimits)
			mg.Post("/miner-info", s.handleMinerInfo)
			mg.Get("/snapshot", s.handleSnapshot)
		})
		api.With(s.auth.Middleware(ScopeWeightsWrite)).Post("/set-weights", s.handleSetWeights)
		api.With(s.auth.Middleware(ScopeIdentitySign)).Get("/signature-headers", s.handleSignatureHeaders)
	})
	return r
}

// echoRequestID returns the id chi assigned, or the caller's own, in the
// response headers.
func echoRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := chimw.GetReqID(r.Context()); id != "" {
			w.Header().Set(chimw.RequestIDHeader, id)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready() {
		middleware.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "waiting for registry snapshot"})
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type axonsRequest struct {
	UIDs []uint16 `json:"uids"`
}

type axonsResponse struct {
	UIDs  []uint16 `json:"uids"`
	Axons []string `json:"axons"`
}

func (s *Server) handleAxons(w http.ResponseWriter, r *http.Request) {
	var req axonsRequest
	if !s.decode(w, r, &req) {
		return
	}
	uids, axons, err := s.svc.Axons(req.UIDs)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if uids == nil {
		uids = []uint16{}
		axons = []string{}
	}
	middleware.WriteJSON(w, http.StatusOK, axonsResponse{UIDs: uids, Axons: axons})
}

func (s *Server) handleLastUpdate(w http.ResponseWriter, r *http.Request) {
	block, err := s.svc.LastUpdate()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]uint64{"last_update": block})
}

func (s *Server) handleNormalizedStake(w http.ResponseWriter, r *http.Request) {
	share, err := s.svc.NormalizedStake()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]float64{"normalized_stake": share})
}

func (s *Server) handleValidatorPermit(w http.ResponseWriter, r *http.Request) {
	permits, err := s.svc.ValidatorPermits()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string][]bool{"v_permits": permits})
}

type setWeightsRequest struct {
	UIDs    []uint16  `json:"uids"`
	Weights []float64 `json:"weights"`
	NetUID  *uint16   `json:"netuid"`
	Version *uint64   `json:"version"`
}

type setWeightsResponse struct {
	Result bool   `json:"result"`
	Msg    string `json:"msg"`
}

func (s *Server) handleSetWeights(w http.ResponseWriter, r *http.Request) {
	var body setWeightsRequest
	if !s.decode(w, r, &body) {
		return
	}
	req := weights.Request{
		UIDs:      body.UIDs,
		Weights:   body.Weights,
		NetworkID: s.svc.NetworkID(),
		Version:   1,
	}
	if body.NetUID != nil {
		req.NetworkID = *body.NetUID
	}
	if body.Version != nil {
		req.Version = *body.Version
	}
	if err := req.Validate(); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	res, err := s.svc.SetWeights(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.logger.Info("set weights request handled",
		"subject", middleware.Subject(r.Context()),
		"request_id", chimw.GetReqID(r.Context()),
		"outcome", res.Outcome.String(),
		"uids", len(req.UIDs),
	)
	middleware.WriteJSON(w, http.StatusOK, setWeightsResponse{Result: res.Accepted, Msg: res.Message})
}

type rateLimitsRequest struct {
	MinStake float64 `json:"min_stake"`
}

func (s *Server) handleRateLimits(w http.ResponseWriter, r *http.Request) {
	var req rateLimitsRequest
	if !s.decode(w, r, &req) {
		return
	}
	limits, err := s.svc.RateLimits(req.MinStake)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]map[uint16]int{"rate_limits": limits})
}

type minerInfoRequest struct {
	Address     string `json:"address"`
	SS58Address string `json:"ss58_address"`
}

type minerInfoResponse struct {
	UID       uint16  `json:"uid"`
	Incentive float64 `json:"incentive"`
}

func (s *Server) handleMinerInfo(w http.ResponseWriter, r *http.Request) {
	var req minerInfoRequest
	if !s.decode(w, r, &req) {
		return
	}
	address := strings.TrimSpace(req.Address)
	if address == "" {
		address = strings.TrimSpace(req.SS58Address)
	}
	if address == "" {
		middleware.WriteError(w, http.StatusBadRequest, "address required")
		return
	}
	uid, incentive, err := s.svc.MinerInfo(address)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, minerInfoResponse{UID: uid, Incentive: incentive})
}

func (s *Server) handleSignatureHeaders(w http.ResponseWriter, r *http.Request) {
	headers, err := s.svc.SignatureHeaders()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, headers)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	info, err := s.svc.SnapshotInfo()
	if err != nil {
		s.fail(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, info)
}

// decode reads an optional JSON body into dst. An empty body leaves dst at
// its zero value.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteError(w, http.StatusBadRequest, "invalid payload: "+err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("request failed",
			"path", r.URL.Path,
			"status", status,
			"request_id", chimw.GetReqID(r.Context()),
			"error", err,
		)
	}
	middleware.WriteError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotRegistered), errors.Is(err, registry.ErrNodeNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrZeroStake):
		return http.StatusBadRequest
	case errors.Is(err, registry.ErrNoSnapshot):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}
