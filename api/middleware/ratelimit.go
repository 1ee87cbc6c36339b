package middleware

import (
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"stakesidecar/observability"
	"stakesidecar/registry"
)

// DefaultCallerHeader carries the caller's registry address.
const DefaultCallerHeader = "X-Caller-Hotkey"

// RateLimitConfig controls stake-weighted request limiting. Budgets are
// requests per minute.
type RateLimitConfig struct {
	Enabled            bool
	Header             string
	MinStake           float64
	AnonymousPerMinute int
	IdleTTL            time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	budget   int
	lastSeen time.Time
}

// StakeRateLimiter throttles each caller at the request budget the registry
// grants its stake. Callers that are unknown, unstaked below MinStake, or
// anonymous share the anonymous budget per client address.
type StakeRateLimiter struct {
	cfg       RateLimitConfig
	estimator *registry.RateLimitEstimator
	snapshots func() *registry.Snapshot
	logger    *slog.Logger
	metrics   *observability.RateLimitMetrics

	mu        sync.Mutex
	visitors  map[string]*visitor
	lastSweep time.Time
	clockNow  func() time.Time
}

// NewStakeRateLimiter builds a limiter reading the live snapshot through
// snapshots on every request.
func NewStakeRateLimiter(cfg RateLimitConfig, estimator *registry.RateLimitEstimator, snapshots func() *registry.Snapshot, logger *slog.Logger) *StakeRateLimiter {
	if cfg.Header == "" {
		cfg.Header = DefaultCallerHeader
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if estimator == nil {
		estimator = registry.NewRateLimitEstimator(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StakeRateLimiter{
		cfg:       cfg,
		estimator: estimator,
		snapshots: snapshots,
		logger:    logger.With("component", "ratelimit"),
		metrics:   observability.RateLimit(),
		visitors:  make(map[string]*visitor),
		clockNow:  time.Now,
	}
}

// Middleware enforces the caller's budget.
func (l *StakeRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if l == nil || !l.cfg.Enabled {
			next.ServeHTTP(w, r)
			return
		}
		key, budget := l.resolve(r)
		caller := "anonymous"
		if strings.HasPrefix(key, "hotkey:") {
			caller = "staked"
		}
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(budget))
		if budget <= 0 {
			l.metrics.RecordDecision(caller, false)
			w.Header().Set("Retry-After", "60")
			WriteError(w, http.StatusTooManyRequests, "request budget exhausted")
			return
		}
		allowed := l.allow(key, budget)
		l.metrics.RecordDecision(caller, allowed)
		if !allowed {
			retry := int(math.Ceil(60 / float64(budget)))
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			l.logger.Debug("request throttled", "caller", key, "budget", budget)
			WriteError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (l *StakeRateLimiter) resolve(r *http.Request) (string, int) {
	hotkey := strings.TrimSpace(r.Header.Get(l.cfg.Header))
	if hotkey != "" && l.snapshots != nil {
		if snap := l.snapshots(); snap != nil {
			if node, ok := snap.LookupHotkey(hotkey); ok && node.Stake >= l.cfg.MinStake {
				if budget, ok := l.estimator.BudgetFor(snap, hotkey); ok {
					return "hotkey:" + hotkey, budget
				}
			}
		}
	}
	return "ip:" + clientID(r), l.cfg.AnonymousPerMinute
}

func (l *StakeRateLimiter) allow(key string, budget int) bool {
	now := l.clockNow()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	perSecond := rate.Limit(float64(budget) / 60)
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(perSecond, budget), budget: budget}
		l.visitors[key] = v
	} else if v.budget != budget {
		// Stake moved between snapshots.
		v.limiter.SetLimitAt(now, perSecond)
		v.limiter.SetBurstAt(now, budget)
		v.budget = budget
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func (l *StakeRateLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.cfg.IdleTTL {
		return
	}
	l.lastSweep = now
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.cfg.IdleTTL {
			delete(l.visitors, key)
		}
	}
}

func clientID(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if parsed := net.ParseIP(strings.TrimSpace(first)); parsed != nil {
			return parsed.String()
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
