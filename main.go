package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/railgate/gateway/audit"
	"github.com/railgate/gateway/balancer"
	"github.com/railgate/gateway/budget"
	"github.com/railgate/gateway/config"
	"github.com/railgate/gateway/contextvalidator"
	"github.com/railgate/gateway/credential"
	"github.com/railgate/gateway/handler"
	"github.com/railgate/gateway/logger"
	gwmw "github.com/railgate/gateway/middleware"
	"github.com/railgate/gateway/modelcache"
	"github.com/railgate/gateway/proxyengine"
	"github.com/railgate/gateway/ratelimit"
	"github.com/railgate/gateway/redisclient"
	"github.com/railgate/gateway/registry"
	"github.com/railgate/gateway/router"
	"github.com/railgate/gateway/store"
	"github.com/railgate/gateway/usage"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gateway starting")

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("database connected")

	rc, err := redisclient.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to configure redis client")
	}
	if err := rc.Ping(); err != nil {
		log.Fatal().Err(err).Msg("redis ping failed")
	}
	log.Info().Msg("redis connected")
	defer rc.Close()

	// Endpoint registry + health poller.
	reg := registry.New()
	models := modelcache.New()
	if err := reloadModelsAndEndpoints(ctx, db, reg, models); err != nil {
		log.Fatal().Err(err).Msg("failed to load initial model/endpoint configuration")
	}
	go modelRefreshLoop(ctx, db, reg, models, 5*time.Minute, log)

	poller := registry.NewPoller(reg, log, cfg.HealthCheckDefaultInterval)
	poller.Start()
	defer poller.Stop()

	// Load balancer + dispatch engine.
	inFlight := balancer.NewInFlightCounter()
	lb := balancer.New(reg, models, inFlight)
	engine := proxyengine.New(lb, reg, inFlight, log, cfg.MaxDispatchRetries)

	// Credential verification + principal resolution.
	verifier := credential.NewVerifier(db, rc.Raw(), log, cfg.GatewaySharedSecret, cfg.BearerKeyPrefix,
		credential.WithCacheTTLs(cfg.CredentialCacheTTL, cfg.CredentialNegativeTTL))
	authMW := gwmw.NewAuthMiddleware(verifier, log)

	// Rate limiting and budget reservation.
	limiter := ratelimit.NewLimiter(rc.Raw(), cfg.RateLimitDelegationDefaultRPM)
	reserver := budget.NewReserver(rc.Raw(), cfg.ReservationTTLPad, cfg.BudgetSoftLimitRatio)
	auditSink := audit.NewLogSink(log)
	reserver.OnSoftLimit(func(ctx context.Context, apiKeyID string, ratio float64) {
		auditSink.Publish(ctx, audit.Event{At: time.Now(), Kind: audit.KindBudgetSoftLimit, APIKeyID: apiKeyID})
		postWebhook(ctx, cfg.BudgetWebhookURL, apiKeyID, ratio, log)
	})

	estimator := contextvalidator.NewEstimator(0)

	usageW, err := usage.NewWriter(db, log, cfg.UsageSpoolDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize usage writer")
	}
	usageW.StartDrain(cfg.UsageDrainInterval)
	defer usageW.Stop()

	costEngine := usage.NewCostEngine()

	chatHandler := handler.New(db, models, limiter, reserver, estimator, engine, usageW, costEngine, auditSink,
		cfg.RateLimitDelegationDefaultRPM, log)

	r := router.NewRouter(cfg, log, authMW, chatHandler)

	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.AdmissionTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}
}

// reloadModelsAndEndpoints refreshes the model cache and, for each
// active model, reloads its endpoint set into the registry.
func reloadModelsAndEndpoints(ctx context.Context, db *store.Store, reg *registry.Registry, models *modelcache.Cache) error {
	active, err := db.ListActiveModels(ctx)
	if err != nil {
		return err
	}
	models.Replace(active)

	for _, m := range active {
		eps, err := db.ListEndpointsForModel(ctx, m.ID)
		if err != nil {
			return err
		}
		reg.Load(m.ID, eps)
	}
	return nil
}

func modelRefreshLoop(ctx context.Context, db *store.Store, reg *registry.Registry, models *modelcache.Cache, interval time.Duration, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if err := reloadModelsAndEndpoints(ctx, db, reg, models); err != nil {
			log.Warn().Err(err).Msg("periodic model/endpoint reload failed")
		}
	}
}

func postWebhook(ctx context.Context, url, apiKeyID string, ratio float64, log zerolog.Logger) {
	if url == "" {
		return
	}
	log.Info().Str("api_key_id", apiKeyID).Float64("ratio", ratio).Str("webhook", url).
		Msg("budget soft limit crossed, notifying webhook")
	payload, _ := json.Marshal(map[string]any{"event": "budget_soft_limit", "api_key_id": apiKeyID, "ratio": ratio})
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err == nil {
		req.Header.Set("Content-Type", "application/json")
		var resp *http.Response
		if resp, err = http.DefaultClient.Do(req); err == nil {
			resp.Body.Close()
		}
	}
	if err != nil {
		log.Warn().Err(err).Str("api_key_id", apiKeyID).Msg("budget webhook delivery failed")
	}
}
