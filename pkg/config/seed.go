package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/gobudget/pkg/budget"
)

// Seed is a parsed limits file. Tenant entries inherit every field they omit from Defaults.
//
//	defaults:
//	  dailyMaxAmount: 50
//	  warningThresholdPercent: 80
//	tenants:
//	  acme:
//	    dailyMaxAmount: "12.50"
//	    timezone: Europe/Berlin
//	  initech:
//	    emergencyStop: true
type Seed struct {
	Defaults budget.Limits
	Tenants  map[string]budget.Limits

	// Stops holds the tenants whose entry sets emergencyStop explicitly
	Stops map[string]bool
}

type seedFile struct {
	Defaults limitsEntry            `yaml:"defaults"`
	Tenants  map[string]limitsEntry `yaml:"tenants"`
}

// limitsEntry mirrors budget.Limits with optional fields; amounts decode through
// decimal's text unmarshalling so quoted and bare numbers are both exact
type limitsEntry struct {
	DailyMaxAmount              *decimal.Decimal `yaml:"dailyMaxAmount"`
	WarningThresholdPercent     *int             `yaml:"warningThresholdPercent"`
	AutoLoopMaxIterationsPerDay *int64           `yaml:"autoLoopMaxIterationsPerDay"`
	AutoLoopMaxConcurrent       *int64           `yaml:"autoLoopMaxConcurrent"`
	AutoLoopIterationCost       *decimal.Decimal `yaml:"autoLoopIterationCost"`
	MaxCallsPerHour             *int64           `yaml:"maxCallsPerHour"`
	MaxCallsPerDay              *int64           `yaml:"maxCallsPerDay"`
	Timezone                    *string          `yaml:"timezone"`
	EmergencyStop               *bool            `yaml:"emergencyStop"`
}

func (s limitsEntry) apply(base budget.Limits) budget.Limits {
	if s.DailyMaxAmount != nil {
		base.DailyMaxAmount = *s.DailyMaxAmount
	}
	if s.WarningThresholdPercent != nil {
		base.WarningThresholdPercent = *s.WarningThresholdPercent
	}
	if s.AutoLoopMaxIterationsPerDay != nil {
		base.AutoLoopMaxIterationsPerDay = *s.AutoLoopMaxIterationsPerDay
	}
	if s.AutoLoopMaxConcurrent != nil {
		base.AutoLoopMaxConcurrent = *s.AutoLoopMaxConcurrent
	}
	if s.AutoLoopIterationCost != nil {
		base.AutoLoopIterationCost = *s.AutoLoopIterationCost
	}
	if s.MaxCallsPerHour != nil {
		base.MaxCallsPerHour = *s.MaxCallsPerHour
	}
	if s.MaxCallsPerDay != nil {
		base.MaxCallsPerDay = *s.MaxCallsPerDay
	}
	if s.Timezone != nil {
		base.Timezone = *s.Timezone
	}
	return base
}

// LoadSeed reads and validates a limits file
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes and validates limits file contents. Every entry is
// validated; the first invalid one fails the whole seed.
func ParseSeed(data []byte) (*Seed, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}

	seed := &Seed{
		Defaults: file.Defaults.apply(budget.DefaultLimits()),
		Tenants:  make(map[string]budget.Limits, len(file.Tenants)),
		Stops:    make(map[string]bool),
	}
	if err := seed.Defaults.Validate(); err != nil {
		return nil, fmt.Errorf("defaults: %w", err)
	}

	for tenantID, entry := range file.Tenants {
		if tenantID == "" {
			return nil, fmt.Errorf("seed file: %w", budget.ErrInvalidTenant)
		}
		limits := entry.apply(seed.Defaults)
		if err := limits.Validate(); err != nil {
			return nil, fmt.Errorf("tenant %s: %w", tenantID, err)
		}
		seed.Tenants[tenantID] = limits
		if entry.EmergencyStop != nil {
			seed.Stops[tenantID] = *entry.EmergencyStop
		}
	}
	return seed, nil
}

// Apply installs the defaults on the governor, then writes every tenant's
// limits and explicit emergency stops. A tenant that fails to store does not
// stop the others; all failures are returned joined.
func (s *Seed) Apply(ctx context.Context, gov *budget.Governor) error {
	if err := gov.SetDefaultLimits(s.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	var errs []error
	for _, tenantID := range s.tenantIDs() {
		if err := gov.SetLimits(ctx, tenantID, s.Tenants[tenantID]); err != nil {
			errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			continue
		}
		if stop, ok := s.Stops[tenantID]; ok {
			if err := gov.SetEmergencyStop(ctx, tenantID, stop); err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", tenantID, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (s *Seed) tenantIDs() []string {
	ids := make([]string, 0, len(s.Tenants))
	for id := range s.Tenants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
