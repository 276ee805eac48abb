// Package redis provides a Redis implementation of the budget.Storage interface.
// This implementation uses atomic operations via Lua scripts for transaction safety.
// Amounts are stored as integer micro-units so increments stay exact.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

const (
	microScale  = 6
	agentPrefix = "agent:"

	fieldLimits      = "limits"
	fieldStop        = "emergency_stop"
	fieldSpent       = "spent_micros"
	fieldLLMCalls    = "llm_calls"
	fieldIterations  = "iterations"
	fieldHourKey     = "hour_key"
	fieldHourlyCalls = "hourly_calls"
	fieldUpdatedAt   = "updated_at"
)

// Storage implements budget.Storage using Redis
type Storage struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gobudget:")
	KeyPrefix string

	// UsageTTL is the TTL for daily usage keys (0 = no expiration)
	UsageTTL time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gobudget:",
		UsageTTL:  8 * 24 * time.Hour, // a week of history plus the current day
	}
}

// New creates a new Redis storage adapter
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	if config.KeyPrefix == "" {
		config.KeyPrefix = "gobudget:"
	}

	s := &Storage{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	s.loadScripts()

	return s, nil
}

// loadScripts loads and compiles Lua scripts for atomic operations
func (s *Storage) loadScripts() {
	// Book one cost event; the hourly window resets when the hour key changes
	s.scripts["record"] = redis.NewScript(`
		local key = KEYS[1]
		local micros = tonumber(ARGV[1])
		local kind = ARGV[2]
		local agentField = ARGV[3]
		local hourKey = ARGV[4]
		local updatedAt = ARGV[5]
		local ttl = tonumber(ARGV[6])

		redis.call('HINCRBY', key, 'spent_micros', micros)
		redis.call('HINCRBY', key, agentField, micros)

		if kind == 'llm_call' then
			redis.call('HINCRBY', key, 'llm_calls', 1)
			local current = redis.call('HGET', key, 'hour_key')
			if current ~= hourKey then
				redis.call('HSET', key, 'hour_key', hourKey, 'hourly_calls', 0)
			end
			redis.call('HINCRBY', key, 'hourly_calls', 1)
		elseif kind == 'auto_loop_iteration' then
			redis.call('HINCRBY', key, 'iterations', 1)
		end

		redis.call('HSET', key, 'updated_at', updatedAt)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end

		return redis.call('HGETALL', key)
	`)

	// Create an empty day record unless one exists
	s.scripts["reset"] = redis.NewScript(`
		local key = KEYS[1]
		local updatedAt = ARGV[1]
		local ttl = tonumber(ARGV[2])

		if redis.call('EXISTS', key) == 1 then
			return 0
		end
		redis.call('HSET', key, 'spent_micros', 0, 'llm_calls', 0, 'iterations', 0, 'updated_at', updatedAt)
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 1
	`)
}

// GetLimits implements budget.Storage
func (s *Storage) GetLimits(ctx context.Context, tenantID string) (*budget.Limits, error) {
	data, err := s.client.HGet(ctx, s.tenantKey(tenantID), fieldLimits).Result()
	if errors.Is(err, redis.Nil) {
		return nil, budget.ErrTenantNotFound
	}
	if err != nil {
		return nil, budget.NewStorageError("get limits", err)
	}

	var limits budget.Limits
	if err := json.Unmarshal([]byte(data), &limits); err != nil {
		return nil, fmt.Errorf("failed to decode limits: %w", err)
	}
	return &limits, nil
}

// SetLimits implements budget.Storage
func (s *Storage) SetLimits(ctx context.Context, tenantID string, limits *budget.Limits) error {
	if limits == nil || tenantID == "" {
		return fmt.Errorf("invalid limits")
	}

	data, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("failed to encode limits: %w", err)
	}

	if err := s.client.HSet(ctx, s.tenantKey(tenantID), fieldLimits, data).Err(); err != nil {
		return budget.NewStorageError("set limits", err)
	}
	return nil
}

// GetEmergencyStop implements budget.Storage
func (s *Storage) GetEmergencyStop(ctx context.Context, tenantID string) (bool, error) {
	val, err := s.client.HGet(ctx, s.tenantKey(tenantID), fieldStop).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, budget.NewStorageError("get emergency stop", err)
	}
	return val == "1", nil
}

// SetEmergencyStop implements budget.Storage
func (s *Storage) SetEmergencyStop(ctx context.Context, tenantID string, enabled bool) error {
	val := "0"
	if enabled {
		val = "1"
	}
	if err := s.client.HSet(ctx, s.tenantKey(tenantID), fieldStop, val).Err(); err != nil {
		return budget.NewStorageError("set emergency stop", err)
	}
	return nil
}

// GetUsage implements budget.Storage
func (s *Storage) GetUsage(ctx context.Context, tenantID, day string) (*budget.UsageRecord, error) {
	fields, err := s.client.HGetAll(ctx, s.usageKey(tenantID, day)).Result()
	if err != nil {
		return nil, budget.NewStorageError("get usage", err)
	}
	if len(fields) == 0 {
		return nil, nil // No usage yet is not an error
	}
	return parseUsage(tenantID, day, fields)
}

// RecordCost implements budget.Storage
func (s *Storage) RecordCost(ctx context.Context, event *budget.CostEvent) (*budget.UsageRecord, error) {
	if event == nil || event.TenantID == "" || event.Day == "" {
		return nil, fmt.Errorf("invalid cost event")
	}
	if event.Cost.IsNegative() {
		return nil, budget.ErrInvalidAmount
	}

	key := s.usageKey(event.TenantID, event.Day)
	result, err := s.scripts["record"].Run(ctx, s.client, []string{key},
		toMicros(event.Cost),
		string(event.Kind),
		agentPrefix+event.AgentID,
		event.HourKey,
		event.At.UTC().Format(time.RFC3339Nano),
		int64(s.config.UsageTTL.Seconds()),
	).StringSlice()
	if err != nil {
		return nil, budget.NewStorageError("record cost", err)
	}

	fields := make(map[string]string, len(result)/2)
	for i := 0; i+1 < len(result); i += 2 {
		fields[result[i]] = result[i+1]
	}
	return parseUsage(event.TenantID, event.Day, fields)
}

// ResetUsage implements budget.Storage
func (s *Storage) ResetUsage(ctx context.Context, tenantID, day string) error {
	err := s.scripts["reset"].Run(ctx, s.client, []string{s.usageKey(tenantID, day)},
		time.Now().UTC().Format(time.RFC3339Nano),
		int64(s.config.UsageTTL.Seconds()),
	).Err()
	if err != nil {
		return budget.NewStorageError("reset usage", err)
	}
	return nil
}

// Now implements budget.TimeSource using the Redis TIME command
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	t, err := s.client.Time(ctx).Result()
	if err != nil {
		return time.Time{}, budget.NewStorageError("get server time", err)
	}
	return t.UTC(), nil
}

// Close closes the underlying client
func (s *Storage) Close() error {
	return s.client.Close()
}

// Ping checks connectivity
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Storage) tenantKey(tenantID string) string {
	return fmt.Sprintf("%stenant:%s", s.config.KeyPrefix, tenantID)
}

func (s *Storage) usageKey(tenantID, day string) string {
	return fmt.Sprintf("%susage:%s:%s", s.config.KeyPrefix, tenantID, day)
}

func toMicros(d decimal.Decimal) int64 {
	return d.Shift(microScale).Round(0).IntPart()
}

func fromMicros(s string) (decimal.Decimal, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(n, -microScale), nil
}

func parseUsage(tenantID, day string, fields map[string]string) (*budget.UsageRecord, error) {
	usage := budget.NewUsageRecord(tenantID, day)
	var err error
	for k, v := range fields {
		switch {
		case k == fieldSpent:
			usage.TotalSpent, err = fromMicros(v)
		case k == fieldLLMCalls:
			usage.LLMCallCount, err = strconv.ParseInt(v, 10, 64)
		case k == fieldIterations:
			usage.AutoLoopIterationCount, err = strconv.ParseInt(v, 10, 64)
		case k == fieldHourKey:
			usage.HourKey = v
		case k == fieldHourlyCalls:
			usage.HourlyCallCount, err = strconv.ParseInt(v, 10, 64)
		case k == fieldUpdatedAt:
			t, err := time.Parse(time.RFC3339Nano, v)
			if err != nil {
				return nil, fmt.Errorf("failed to decode usage timestamp: %w", err)
			}
			usage.UpdatedAt = t
		case strings.HasPrefix(k, agentPrefix):
			usage.CostByAgent[strings.TrimPrefix(k, agentPrefix)], err = fromMicros(v)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to decode usage field %s: %w", k, err)
		}
	}
	return usage, nil
}
