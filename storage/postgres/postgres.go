// Package postgres provides a PostgreSQL implementation of the budget.Storage interface.
// This implementation uses SQL transactions with SELECT FOR UPDATE for atomic usage updates.
// The schema is managed by embedded goose migrations.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Storage implements budget.Storage using PostgreSQL
type Storage struct {
	pool   *pgxpool.Pool
	config Config

	// stopCleanup cancels the background cleanup goroutine
	stopCleanup func()
}

// Config holds PostgreSQL storage configuration
type Config struct {
	// ConnectionString is the PostgreSQL connection string
	ConnectionString string

	// Pool configuration
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// AutoMigrate applies pending schema migrations on New
	AutoMigrate bool

	// Cleanup configuration
	CleanupEnabled  bool
	CleanupInterval time.Duration // How often to run cleanup
	RecordTTL       time.Duration // Usage rows not updated for this long are deleted

	// Logger receives cleanup failures (default: NoopLogger)
	Logger budget.Logger
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		MaxConns:        10,
		MinConns:        2,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		AutoMigrate:     true,
		CleanupEnabled:  true,
		CleanupInterval: 1 * time.Hour,
		RecordTTL:       90 * 24 * time.Hour,
	}
}

// New creates a new PostgreSQL storage adapter
func New(ctx context.Context, config Config) (*Storage, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}
	if config.Logger == nil {
		config.Logger = &budget.NoopLogger{}
	}

	// Parse connection string
	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	// Apply pool settings
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}

	// Create connection pool
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Storage{
		pool:   pool,
		config: config,
	}

	if config.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	// Create context for background cleanup worker
	cleanupCtx, cancel := context.WithCancel(context.Background())
	s.stopCleanup = cancel

	// Start cleanup goroutine if enabled
	if config.CleanupEnabled && config.CleanupInterval > 0 && config.RecordTTL > 0 {
		go s.startCleanup(cleanupCtx)
	}

	return s, nil
}

// Migrate applies all pending schema migrations
func (s *Storage) Migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(s.pool)
	defer func() { _ = db.Close() }()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Close closes the PostgreSQL connection pool and stops background cleanup
func (s *Storage) Close() {
	if s.stopCleanup != nil {
		s.stopCleanup() // Stop the background cleanup routine
	}
	if s.pool != nil {
		s.pool.Close() // Close PG connection pool
	}
}

// GetLimits implements budget.Storage
func (s *Storage) GetLimits(ctx context.Context, tenantID string) (*budget.Limits, error) {
	var limits budget.Limits
	var maxAmount, iterationCost string

	err := s.pool.QueryRow(ctx,
		`SELECT daily_max_amount::text, warning_threshold_percent, auto_loop_max_iterations_per_day,
				auto_loop_max_concurrent, auto_loop_iteration_cost::text, max_calls_per_hour,
				max_calls_per_day, timezone
			FROM budget_limits WHERE tenant_id = $1`,
		tenantID).Scan(
		&maxAmount,
		&limits.WarningThresholdPercent,
		&limits.AutoLoopMaxIterationsPerDay,
		&limits.AutoLoopMaxConcurrent,
		&iterationCost,
		&limits.MaxCallsPerHour,
		&limits.MaxCallsPerDay,
		&limits.Timezone,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, budget.ErrTenantNotFound
	}
	if err != nil {
		return nil, budget.NewStorageError("get limits", err)
	}

	if limits.DailyMaxAmount, err = decimal.NewFromString(maxAmount); err != nil {
		return nil, fmt.Errorf("failed to decode daily max amount: %w", err)
	}
	if limits.AutoLoopIterationCost, err = decimal.NewFromString(iterationCost); err != nil {
		return nil, fmt.Errorf("failed to decode iteration cost: %w", err)
	}
	return &limits, nil
}

// SetLimits implements budget.Storage
func (s *Storage) SetLimits(ctx context.Context, tenantID string, limits *budget.Limits) error {
	if limits == nil || tenantID == "" {
		return fmt.Errorf("invalid limits")
	}

	timezone := limits.Timezone
	if timezone == "" {
		timezone = "UTC"
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_limits (tenant_id, daily_max_amount, warning_threshold_percent,
				auto_loop_max_iterations_per_day, auto_loop_max_concurrent, auto_loop_iteration_cost,
				max_calls_per_hour, max_calls_per_day, timezone, updated_at)
			VALUES ($1, $2::numeric, $3, $4, $5, $6::numeric, $7, $8, $9, $10)
			ON CONFLICT (tenant_id) DO UPDATE SET
				daily_max_amount = EXCLUDED.daily_max_amount,
				warning_threshold_percent = EXCLUDED.warning_threshold_percent,
				auto_loop_max_iterations_per_day = EXCLUDED.auto_loop_max_iterations_per_day,
				auto_loop_max_concurrent = EXCLUDED.auto_loop_max_concurrent,
				auto_loop_iteration_cost = EXCLUDED.auto_loop_iteration_cost,
				max_calls_per_hour = EXCLUDED.max_calls_per_hour,
				max_calls_per_day = EXCLUDED.max_calls_per_day,
				timezone = EXCLUDED.timezone,
				updated_at = EXCLUDED.updated_at`,
		tenantID, limits.DailyMaxAmount.String(), limits.WarningThresholdPercent,
		limits.AutoLoopMaxIterationsPerDay, limits.AutoLoopMaxConcurrent, limits.AutoLoopIterationCost.String(),
		limits.MaxCallsPerHour, limits.MaxCallsPerDay, timezone, time.Now().UTC(),
	)
	if err != nil {
		return budget.NewStorageError("set limits", err)
	}
	return nil
}

// GetEmergencyStop implements budget.Storage
func (s *Storage) GetEmergencyStop(ctx context.Context, tenantID string) (bool, error) {
	var enabled bool
	err := s.pool.QueryRow(ctx,
		`SELECT emergency_stop FROM budget_controls WHERE tenant_id = $1`, tenantID).Scan(&enabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, budget.NewStorageError("get emergency stop", err)
	}
	return enabled, nil
}

// SetEmergencyStop implements budget.Storage
func (s *Storage) SetEmergencyStop(ctx context.Context, tenantID string, enabled bool) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_controls (tenant_id, emergency_stop, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id) DO UPDATE SET
				emergency_stop = EXCLUDED.emergency_stop,
				updated_at = EXCLUDED.updated_at`,
		tenantID, enabled, time.Now().UTC(),
	)
	if err != nil {
		return budget.NewStorageError("set emergency stop", err)
	}
	return nil
}

// GetUsage implements budget.Storage
func (s *Storage) GetUsage(ctx context.Context, tenantID, day string) (*budget.UsageRecord, error) {
	usage, err := scanUsage(s.pool.QueryRow(ctx, selectUsage+` WHERE tenant_id = $1 AND day = $2`, tenantID, day))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil // No usage yet is not an error
	}
	if err != nil {
		return nil, budget.NewStorageError("get usage", err)
	}
	return usage, nil
}

// RecordCost implements budget.Storage
func (s *Storage) RecordCost(ctx context.Context, event *budget.CostEvent) (*budget.UsageRecord, error) {
	if event == nil || event.TenantID == "" || event.Day == "" {
		return nil, fmt.Errorf("invalid cost event")
	}
	if event.Cost.IsNegative() {
		return nil, budget.ErrInvalidAmount
	}

	// Start transaction
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, budget.NewStorageError("begin transaction", err)
	}
	defer func() {
		//nolint:errcheck // Rollback error is safe to ignore if transaction was committed
		_ = tx.Rollback(ctx)
	}()

	// Ensure row exists (creates if missing, does nothing if present)
	_, err = tx.Exec(ctx,
		`INSERT INTO budget_usage (tenant_id, day, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, day) DO NOTHING`,
		event.TenantID, event.Day, event.At,
	)
	if err != nil {
		return nil, budget.NewStorageError("ensure usage record", err)
	}

	// Row is guaranteed to exist; lock it for the read-modify-write
	usage, err := scanUsage(tx.QueryRow(ctx,
		selectUsage+` WHERE tenant_id = $1 AND day = $2 FOR UPDATE`, event.TenantID, event.Day))
	if err != nil {
		return nil, budget.NewStorageError("get usage for update", err)
	}

	event.Apply(usage)

	byAgent, err := json.Marshal(usage.CostByAgent)
	if err != nil {
		return nil, fmt.Errorf("failed to encode cost by agent: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE budget_usage
			SET total_spent = $1::numeric, llm_call_count = $2, auto_loop_iteration_count = $3,
				cost_by_agent = $4::jsonb, hour_key = $5, hourly_call_count = $6, updated_at = $7
			WHERE tenant_id = $8 AND day = $9`,
		usage.TotalSpent.String(), usage.LLMCallCount, usage.AutoLoopIterationCount,
		string(byAgent), usage.HourKey, usage.HourlyCallCount, usage.UpdatedAt,
		event.TenantID, event.Day,
	)
	if err != nil {
		return nil, budget.NewStorageError("update usage", err)
	}

	// Commit transaction
	if err = tx.Commit(ctx); err != nil {
		return nil, budget.NewStorageError("commit", err)
	}

	return usage, nil
}

// ResetUsage implements budget.Storage
func (s *Storage) ResetUsage(ctx context.Context, tenantID, day string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO budget_usage (tenant_id, day, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (tenant_id, day) DO NOTHING`,
		tenantID, day, time.Now().UTC(),
	)
	if err != nil {
		return budget.NewStorageError("reset usage", err)
	}
	return nil
}

// Now implements budget.TimeSource using the database clock
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	var now time.Time
	if err := s.pool.QueryRow(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, budget.NewStorageError("get server time", err)
	}
	return now.UTC(), nil
}

// startCleanup runs periodic cleanup of stale usage rows
func (s *Storage) startCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.config.Logger.Warn("usage cleanup failed", budget.Field{Key: "error", Value: err.Error()})
			}
		}
	}
}

// Cleanup deletes usage rows older than RecordTTL and returns the number removed
func (s *Storage) Cleanup(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.config.RecordTTL)
	tag, err := s.pool.Exec(ctx, `DELETE FROM budget_usage WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup usage records: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping checks the PostgreSQL connection
func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

const selectUsage = `SELECT tenant_id, day, total_spent::text, llm_call_count, auto_loop_iteration_count,
		cost_by_agent, hour_key, hourly_call_count, updated_at
	FROM budget_usage`

func scanUsage(row pgx.Row) (*budget.UsageRecord, error) {
	usage := budget.NewUsageRecord("", "")
	var spent string
	var byAgent []byte

	err := row.Scan(
		&usage.TenantID,
		&usage.Day,
		&spent,
		&usage.LLMCallCount,
		&usage.AutoLoopIterationCount,
		&byAgent,
		&usage.HourKey,
		&usage.HourlyCallCount,
		&usage.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if usage.TotalSpent, err = decimal.NewFromString(spent); err != nil {
		return nil, fmt.Errorf("failed to decode total spent: %w", err)
	}
	if len(byAgent) > 0 {
		if err := json.Unmarshal(byAgent, &usage.CostByAgent); err != nil {
			return nil, fmt.Errorf("failed to decode cost by agent: %w", err)
		}
	}
	usage.UpdatedAt = usage.UpdatedAt.UTC()
	return usage, nil
}
