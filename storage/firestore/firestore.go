// Package firestore provides a Firestore implementation of the budget.Storage interface.
// This implementation uses Google Cloud Firestore transactions for usage updates.
package firestore

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// Storage implements budget.Storage using Google Cloud Firestore
type Storage struct {
	client             *firestore.Client
	limitsCollection   string
	controlsCollection string
	usageCollection    string
}

// Config holds Firestore storage configuration
type Config struct {
	// LimitsCollection is the Firestore collection for tenant limits
	// Default: "budget_limits"
	LimitsCollection string

	// ControlsCollection is the Firestore collection for emergency stop flags
	// Default: "budget_controls"
	ControlsCollection string

	// UsageCollection is the Firestore collection for daily usage
	// Default: "budget_usage"
	UsageCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	// Set defaults
	if config.LimitsCollection == "" {
		config.LimitsCollection = "budget_limits"
	}
	if config.ControlsCollection == "" {
		config.ControlsCollection = "budget_controls"
	}
	if config.UsageCollection == "" {
		config.UsageCollection = "budget_usage"
	}

	return &Storage{
		client:             client,
		limitsCollection:   config.LimitsCollection,
		controlsCollection: config.ControlsCollection,
		usageCollection:    config.UsageCollection,
	}, nil
}

// GetLimits implements budget.Storage
func (s *Storage) GetLimits(ctx context.Context, tenantID string) (*budget.Limits, error) {
	snap, err := s.client.Collection(s.limitsCollection).Doc(tenantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, budget.ErrTenantNotFound
		}
		return nil, mapError("get limits", err)
	}
	if !snap.Exists() {
		return nil, budget.ErrTenantNotFound
	}

	data := snap.Data()
	return &budget.Limits{
		DailyMaxAmount:              getDecimal(data, "dailyMaxAmount"),
		WarningThresholdPercent:     int(getInt(data, "warningThresholdPercent")),
		AutoLoopMaxIterationsPerDay: getInt(data, "autoLoopMaxIterationsPerDay"),
		AutoLoopMaxConcurrent:       getInt(data, "autoLoopMaxConcurrent"),
		AutoLoopIterationCost:       getDecimal(data, "autoLoopIterationCost"),
		MaxCallsPerHour:             getInt(data, "maxCallsPerHour"),
		MaxCallsPerDay:              getInt(data, "maxCallsPerDay"),
		Timezone:                    getString(data, "timezone"),
	}, nil
}

// SetLimits implements budget.Storage
func (s *Storage) SetLimits(ctx context.Context, tenantID string, limits *budget.Limits) error {
	if limits == nil || tenantID == "" {
		return fmt.Errorf("invalid limits")
	}

	// Decimals are stored as strings to keep them exact
	data := map[string]interface{}{
		"dailyMaxAmount":              limits.DailyMaxAmount.String(),
		"warningThresholdPercent":     int64(limits.WarningThresholdPercent),
		"autoLoopMaxIterationsPerDay": limits.AutoLoopMaxIterationsPerDay,
		"autoLoopMaxConcurrent":       limits.AutoLoopMaxConcurrent,
		"autoLoopIterationCost":       limits.AutoLoopIterationCost.String(),
		"maxCallsPerHour":             limits.MaxCallsPerHour,
		"maxCallsPerDay":              limits.MaxCallsPerDay,
		"timezone":                    limits.Timezone,
		"updatedAt":                   time.Now().UTC(),
	}

	if _, err := s.client.Collection(s.limitsCollection).Doc(tenantID).Set(ctx, data); err != nil {
		return mapError("set limits", err)
	}
	return nil
}

// GetEmergencyStop implements budget.Storage
func (s *Storage) GetEmergencyStop(ctx context.Context, tenantID string) (bool, error) {
	snap, err := s.client.Collection(s.controlsCollection).Doc(tenantID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return false, nil
		}
		return false, mapError("get emergency stop", err)
	}
	if !snap.Exists() {
		return false, nil
	}
	enabled, _ := snap.Data()["emergencyStop"].(bool)
	return enabled, nil
}

// SetEmergencyStop implements budget.Storage
func (s *Storage) SetEmergencyStop(ctx context.Context, tenantID string, enabled bool) error {
	data := map[string]interface{}{
		"emergencyStop": enabled,
		"updatedAt":     time.Now().UTC(),
	}
	if _, err := s.client.Collection(s.controlsCollection).Doc(tenantID).Set(ctx, data, firestore.MergeAll); err != nil {
		return mapError("set emergency stop", err)
	}
	return nil
}

// GetUsage implements budget.Storage
func (s *Storage) GetUsage(ctx context.Context, tenantID, day string) (*budget.UsageRecord, error) {
	snap, err := s.usageDoc(tenantID, day).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil // No usage yet is not an error
		}
		return nil, mapError("get usage", err)
	}
	if !snap.Exists() {
		return nil, nil
	}
	return decodeUsage(tenantID, day, snap.Data()), nil
}

// RecordCost implements budget.Storage
func (s *Storage) RecordCost(ctx context.Context, event *budget.CostEvent) (*budget.UsageRecord, error) {
	if event == nil || event.TenantID == "" || event.Day == "" {
		return nil, fmt.Errorf("invalid cost event")
	}
	if event.Cost.IsNegative() {
		return nil, budget.ErrInvalidAmount
	}

	doc := s.usageDoc(event.TenantID, event.Day)
	var result *budget.UsageRecord

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(doc)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}

		usage := budget.NewUsageRecord(event.TenantID, event.Day)
		if err == nil && snap.Exists() {
			usage = decodeUsage(event.TenantID, event.Day, snap.Data())
		}

		event.Apply(usage)
		result = usage

		return tx.Set(doc, encodeUsage(usage))
	})
	if err != nil {
		return nil, mapError("record cost", err)
	}

	return result, nil
}

// ResetUsage implements budget.Storage
func (s *Storage) ResetUsage(ctx context.Context, tenantID, day string) error {
	fresh := budget.NewUsageRecord(tenantID, day)
	fresh.UpdatedAt = time.Now().UTC()

	// Create fails with AlreadyExists when the day has a record; that is the wanted no-op
	_, err := s.usageDoc(tenantID, day).Create(ctx, encodeUsage(fresh))
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return mapError("reset usage", err)
	}
	return nil
}

// Now implements budget.TimeSource by reading the commit time of a server-timestamped write
func (s *Storage) Now(ctx context.Context) (time.Time, error) {
	wr, err := s.client.Collection(s.controlsCollection).Doc("_clock").
		Set(ctx, map[string]interface{}{"now": firestore.ServerTimestamp})
	if err != nil {
		return time.Time{}, mapError("get server time", err)
	}
	return wr.UpdateTime.UTC(), nil
}

func (s *Storage) usageDoc(tenantID, day string) *firestore.DocumentRef {
	// Structure: budget_usage/{tenantID}/days/{day}
	return s.client.Collection(s.usageCollection).
		Doc(tenantID).
		Collection("days").
		Doc(day)
}

// mapError converts gRPC status codes into budget sentinel errors
func mapError(op string, err error) error {
	switch status.Code(err) {
	case codes.Aborted:
		return fmt.Errorf("failed to %s: %w", op, budget.ErrConcurrencyConflict)
	case codes.NotFound:
		return budget.ErrTenantNotFound
	case codes.InvalidArgument, codes.PermissionDenied, codes.Unauthenticated:
		return fmt.Errorf("failed to %s: %w", op, err)
	default:
		return budget.NewStorageError(op, err)
	}
}

func encodeUsage(u *budget.UsageRecord) map[string]interface{} {
	byAgent := make(map[string]interface{}, len(u.CostByAgent))
	for agent, cost := range u.CostByAgent {
		byAgent[agent] = cost.String()
	}
	return map[string]interface{}{
		"totalSpent":             u.TotalSpent.String(),
		"llmCallCount":           u.LLMCallCount,
		"autoLoopIterationCount": u.AutoLoopIterationCount,
		"costByAgent":            byAgent,
		"hourKey":                u.HourKey,
		"hourlyCallCount":        u.HourlyCallCount,
		"updatedAt":              u.UpdatedAt,
	}
}

func decodeUsage(tenantID, day string, data map[string]interface{}) *budget.UsageRecord {
	usage := budget.NewUsageRecord(tenantID, day)
	usage.TotalSpent = getDecimal(data, "totalSpent")
	usage.LLMCallCount = getInt(data, "llmCallCount")
	usage.AutoLoopIterationCount = getInt(data, "autoLoopIterationCount")
	usage.HourKey = getString(data, "hourKey")
	usage.HourlyCallCount = getInt(data, "hourlyCallCount")
	usage.UpdatedAt = getTime(data, "updatedAt")

	if byAgent, ok := data["costByAgent"].(map[string]interface{}); ok {
		for agent := range byAgent {
			usage.CostByAgent[agent] = getDecimal(byAgent, agent)
		}
	}
	return usage
}

// Helper functions for type conversion

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func getInt(data map[string]interface{}, key string) int64 {
	switch v := data[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func getDecimal(data map[string]interface{}, key string) decimal.Decimal {
	switch v := data[key].(type) {
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return decimal.Zero
		}
		return d
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	default:
		return decimal.Zero
	}
}

func getTime(data map[string]interface{}, key string) time.Time {
	if v, ok := data[key].(time.Time); ok {
		return v.UTC()
	}
	return time.Time{}
}
