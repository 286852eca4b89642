// Package store is the gateway's Postgres persistence layer. It is
// read-mostly: Users, ApiKeys, Apps, Models, and ModelEndpoints are
// administered elsewhere and only read here, while UsageRecord is the
// one row type this process writes, partitioned by calendar month.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/railgate/gateway/domain"
)

// Store wraps a pgx connection pool and exposes the repositories the
// admission pipeline needs.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres using dsn and verifies connectivity.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() { s.pool.Close() }

// Ping checks the pool is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// GetUserByOID loads a User by its opaque identifier.
func (s *Store) GetUserByOID(ctx context.Context, oid string) (domain.User, error) {
	var u domain.User
	var validUntil *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT oid, email, payment_status, payment_valid_until, total_cost_cache
		FROM users WHERE oid = $1`, oid).
		Scan(&u.OID, &u.Email, &u.PaymentStatus, &validUntil, &u.TotalCostCache)
	if err != nil {
		return domain.User{}, translateNotFound(err, "user")
	}
	if validUntil != nil {
		u.PaymentValidUntil = *validUntil
	}
	return u, nil
}

// GetAPIKeyByHash loads an ApiKey row by lookupHash, the unsalted
// sha256 of the presented secret stored in the indexed lookup_hash
// column. This only narrows the query to a candidate row — the caller
// still must verify the presented secret against the row's salted
// SecretHash using its Salt before trusting the key.
func (s *Store) GetAPIKeyByHash(ctx context.Context, lookupHash string) (domain.ApiKey, error) {
	var k domain.ApiKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_oid, secret_hash, salt, display_prefix, rate_limit_rpm,
		       budget_monthly_jpy, usage_current_month, last_reset_month,
		       allowed_models, allowed_ips, is_active, expires_at
		FROM api_keys WHERE lookup_hash = $1`, lookupHash).
		Scan(&k.ID, &k.OwnerOID, &k.SecretHash, &k.Salt, &k.DisplayPrefix, &k.RateLimitRPM,
			&k.BudgetMonthlyJPY, &k.UsageCurrentMonth, &k.LastResetMonth,
			&k.AllowedModels, &k.AllowedIPs, &k.IsActive, &k.ExpiresAt)
	if err != nil {
		return domain.ApiKey{}, translateNotFound(err, "api_key")
	}
	return k, nil
}

// GetAPIKeyByID loads an ApiKey row by its primary key, used after
// credential verification to read rate-limit and budget configuration.
func (s *Store) GetAPIKeyByID(ctx context.Context, id string) (domain.ApiKey, error) {
	var k domain.ApiKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_oid, secret_hash, salt, display_prefix, rate_limit_rpm,
		       budget_monthly_jpy, usage_current_month, last_reset_month,
		       allowed_models, allowed_ips, is_active, expires_at
		FROM api_keys WHERE id = $1`, id).
		Scan(&k.ID, &k.OwnerOID, &k.SecretHash, &k.Salt, &k.DisplayPrefix, &k.RateLimitRPM,
			&k.BudgetMonthlyJPY, &k.UsageCurrentMonth, &k.LastResetMonth,
			&k.AllowedModels, &k.AllowedIPs, &k.IsActive, &k.ExpiresAt)
	if err != nil {
		return domain.ApiKey{}, translateNotFound(err, "api_key")
	}
	return k, nil
}

// GetAppByID loads an App (delegation identity) by its ID.
func (s *Store) GetAppByID(ctx context.Context, appID string) (domain.App, error) {
	var a domain.App
	err := s.pool.QueryRow(ctx, `
		SELECT app_id, name, owner_oid, is_active FROM apps WHERE app_id = $1`, appID).
		Scan(&a.AppID, &a.Name, &a.OwnerOID, &a.IsActive)
	if err != nil {
		return domain.App{}, translateNotFound(err, "app")
	}
	return a, nil
}

// GetModelByID loads a Model's routing and pricing configuration.
func (s *Store) GetModelByID(ctx context.Context, id string) (domain.Model, error) {
	var m domain.Model
	err := s.pool.QueryRow(ctx, `
		SELECT id, upstream_name, provider, input_cost_per_m, output_cost_per_m,
		       context_window, max_output_tokens, supports_streaming,
		       supports_functions, supports_vision, traffic_weight, is_active,
		       fallback_models, max_retries
		FROM models WHERE id = $1`, id).
		Scan(&m.ID, &m.UpstreamName, &m.Provider, &m.InputCostPerM, &m.OutputCostPerM,
			&m.ContextWindow, &m.MaxOutputTokens, &m.SupportsStreaming,
			&m.SupportsFunctions, &m.SupportsVision, &m.TrafficWeight, &m.IsActive,
			&m.FallbackModels, &m.MaxRetries)
	if err != nil {
		return domain.Model{}, translateNotFound(err, "model")
	}
	return m, nil
}

// ListEndpointsForModel loads every configured endpoint row for a model,
// in priority order. Live health state is not read from here — see
// the registry package.
func (s *Store) ListEndpointsForModel(ctx context.Context, modelID string) ([]domain.ModelEndpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, model_id, endpoint_type, base_url, routing_priority, routing_strategy,
		       timeout_seconds, max_concurrent_reqs, health_check_url,
		       health_check_interval_sec, is_active
		FROM model_endpoints WHERE model_id = $1 ORDER BY routing_priority ASC`, modelID)
	if err != nil {
		return nil, fmt.Errorf("query endpoints: %w", err)
	}
	defer rows.Close()

	var out []domain.ModelEndpoint
	for rows.Next() {
		var e domain.ModelEndpoint
		var intervalSec int
		if err := rows.Scan(&e.ID, &e.ModelID, &e.EndpointType, &e.BaseURL, &e.RoutingPriority,
			&e.RoutingStrategy, &e.TimeoutSeconds, &e.MaxConcurrentReqs, &e.HealthCheckURL,
			&intervalSec, &e.IsActive); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		e.HealthCheckInterval = time.Duration(intervalSec) * time.Second
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListActiveModels returns every model flagged active, used to seed the
// endpoint registry at startup.
func (s *Store) ListActiveModels(ctx context.Context) ([]domain.Model, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, upstream_name, provider, input_cost_per_m, output_cost_per_m,
		       context_window, max_output_tokens, supports_streaming,
		       supports_functions, supports_vision, traffic_weight, is_active,
		       fallback_models, max_retries
		FROM models WHERE is_active = true`)
	if err != nil {
		return nil, fmt.Errorf("query models: %w", err)
	}
	defer rows.Close()

	var out []domain.Model
	for rows.Next() {
		var m domain.Model
		if err := rows.Scan(&m.ID, &m.UpstreamName, &m.Provider, &m.InputCostPerM, &m.OutputCostPerM,
			&m.ContextWindow, &m.MaxOutputTokens, &m.SupportsStreaming,
			&m.SupportsFunctions, &m.SupportsVision, &m.TrafficWeight, &m.IsActive,
			&m.FallbackModels, &m.MaxRetries); err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertUsageRecord writes one accounting row into usage_records.
// Routing the row to its monthly partition is left to Postgres (by
// created_at); the store does not name partitions itself.
func (s *Store) InsertUsageRecord(ctx context.Context, rec domain.UsageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO usage_records (
			id, user_oid, api_key_id, app_id, request_id, ip, user_agent,
			requested_model, actual_model, endpoint_id, input_tokens, output_tokens,
			cache_create_tokens, cache_read_tokens, cost_jpy, status, error_code,
			error_message, latency_ms, ttft_ms, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)`,
		rec.ID, rec.UserOID, nullIfEmpty(rec.APIKeyID), nullIfEmpty(rec.AppID), rec.RequestID,
		rec.IP, rec.UserAgent, rec.RequestedModel, rec.ActualModel, nullIfEmpty(rec.EndpointID),
		rec.InputTokens, rec.OutputTokens, rec.CacheCreateTokens, rec.CacheReadTokens,
		rec.CostJPY, rec.Status, nullIfEmpty(rec.ErrorCode), nullIfEmpty(rec.ErrorMessage),
		rec.LatencyMs, rec.TTFTMs, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func translateNotFound(err error, what string) error {
	if err == pgx.ErrNoRows {
		return fmt.Errorf("%s not found", what)
	}
	return fmt.Errorf("query %s: %w", what, err)
}
