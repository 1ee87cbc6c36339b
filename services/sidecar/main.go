package sidecar

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"stakesidecar/api/middleware"
	"stakesidecar/chain"
	"stakesidecar/crypto"
	"stakesidecar/observability"
	"stakesidecar/observability/logging"
	telemetry "stakesidecar/observability/otel"
	"stakesidecar/registry"
	"stakesidecar/weights"
)

const serviceName = "sidecard"

// PassphraseFunc resolves the keystore passphrase, consulting envVar first.
type PassphraseFunc func(envVar string) (string, error)

// Main initialises and runs the sidecar daemon until SIGINT or SIGTERM.
func Main(passphrase PassphraseFunc) error {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "sidecar.yaml", "path to sidecar configuration (.yaml or .toml)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := logging.Setup(serviceName, cfg.Environment, logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer func() { _ = closeLog() }()

	telemetryCfg := telemetry.Config{
		ServiceName: serviceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Metrics:     cfg.Telemetry.Enabled && cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Enabled && cfg.Telemetry.Traces,
		SampleRatio: cfg.Telemetry.SampleRatio,
	}
	telemetryCfg.ApplyEnv()
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetryCfg)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	signer, err := loadSigner(cfg.Wallet, passphrase)
	if err != nil {
		return err
	}

	bridge, err := chain.NewBridgeClient(cfg.Chain.Endpoint, signer,
		chain.WithTimeout(cfg.Chain.Timeout.Duration),
		chain.WithRetries(*cfg.Chain.Retries),
		chain.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("init chain client: %w", err)
	}

	metrics := observability.Sidecar()
	syncer := registry.NewSynchronizer(bridge, cfg.NetworkID, bridge.Identity(),
		registry.WithInterval(cfg.Sync.Interval.Duration),
		registry.WithRetryInterval(cfg.Sync.RetryInterval.Duration),
		registry.WithFetchTimeout(cfg.Sync.FetchTimeout.Duration),
		registry.WithLogger(logger),
		registry.WithMetrics(metrics),
	)

	policy, err := cfg.RateLimit.RatePolicy()
	if err != nil {
		return err
	}
	estimator := registry.NewRateLimitEstimator(policy)

	svc, err := NewService(ServiceConfig{
		NetworkID: cfg.NetworkID,
		Snapshots: syncer,
		Throttle:  weights.NewThrottle(bridge, cfg.Tempo),
		Pipeline:  weights.NewPipeline(bridge, bridge, syncer, weights.WithLogger(logger), weights.WithMetrics(metrics)),
		Estimator: estimator,
		Signer:    signer,
		Logger:    logger,
		Metrics:   metrics,
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	auth, err := middleware.NewAuthenticator(middleware.AuthConfig{
		Enabled:    cfg.Auth.Enabled,
		HMACSecret: cfg.Auth.HMACSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
	}, logger)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	limiter := middleware.NewStakeRateLimiter(middleware.RateLimitConfig{
		Enabled:            cfg.RateLimit.Enabled,
		Header:             cfg.RateLimit.Header,
		MinStake:           cfg.RateLimit.MinStake,
		AnonymousPerMinute: cfg.RateLimit.AnonymousPerMinute,
	}, estimator, syncer.Current, logger)

	logger.Info("starting sidecar",
		"listen", cfg.ListenAddress,
		"netuid", cfg.NetworkID,
		"identity", svc.Identity(),
		"endpoint", cfg.Chain.Endpoint,
		"tempo", cfg.Tempo,
		"sync_interval", cfg.Sync.Interval.String(),
		"retry_interval", cfg.Sync.RetryInterval.String(),
		"rate_limit_policy", cfg.RateLimit.Policy,
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"auth_enabled", cfg.Auth.Enabled,
		"keystore", cfg.Wallet.Keystore,
		logging.Presence("signer_key", cfg.Wallet.SignerKey),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret),
		"telemetry", cfg.Telemetry.Enabled,
	)

	stopCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := syncer.Start(stopCtx); err != nil {
		return err
	}
	defer syncer.Stop()

	server := NewServer(ServerConfig{
		Service:     svc,
		Ready:       syncer.Ready,
		Auth:        auth,
		RateLimiter: limiter,
		Observability: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: serviceName,
			LogRequests: true,
		}, logger),
		Logger: logger,
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           otelhttp.NewHandler(server.Handler(), serviceName),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      90 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info("sidecar listening", "listen", cfg.ListenAddress)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case <-stopCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			_ = httpServer.Close()
			return err
		}
		return nil
	case err := <-errs:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

func loadSigner(cfg WalletConfig, passphrase PassphraseFunc) (*crypto.Keypair, error) {
	if cfg.Keystore != "" {
		if passphrase == nil {
			return nil, errors.New("keystore configured but no passphrase source available")
		}
		pass, err := passphrase(cfg.PassphraseEnv)
		if err != nil {
			return nil, fmt.Errorf("keystore passphrase: %w", err)
		}
		key, err := crypto.LoadKeystore(cfg.Keystore, pass)
		if err != nil {
			return nil, fmt.Errorf("load keystore: %w", err)
		}
		return key, nil
	}
	key, err := crypto.KeypairFromHex(cfg.SignerKey)
	if err != nil {
		return nil, fmt.Errorf("load signer key: %w", err)
	}
	return key, nil
}
