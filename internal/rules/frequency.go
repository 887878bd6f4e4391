package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// FrequentSubmissionConfig configures FrequentSubmissionRule.
type FrequentSubmissionConfig struct {
	// MaxPerHour is the highest submission count tolerated in the trailing
	// hour before the rule fires.
	MaxPerHour int `json:"maxPerHour"`

	// MaxPerDay is the highest submission count tolerated in the trailing
	// 24 hours before the rule fires.
	MaxPerDay int `json:"maxPerDay"`
}

// DefaultFrequentSubmissionConfig returns the stock limits.
func DefaultFrequentSubmissionConfig() FrequentSubmissionConfig {
	return FrequentSubmissionConfig{
		MaxPerHour: 5,
		MaxPerDay:  10,
	}
}

// Validate checks the configuration.
func (c FrequentSubmissionConfig) Validate() error {
	if c.MaxPerHour <= 0 {
		return &configError{field: "maxPerHour", reason: "must be positive"}
	}
	if c.MaxPerDay <= 0 {
		return &configError{field: "maxPerDay", reason: "must be positive"}
	}
	if c.MaxPerDay < c.MaxPerHour {
		return &configError{field: "maxPerDay", reason: "must not be lower than maxPerHour"}
	}
	return nil
}

// FrequentSubmissionRule flags bursts of receipt submissions by the same
// driver. Counting is anchored at the receipt's own submission time, not
// wall-clock now, so batch re-runs are reproducible.
type FrequentSubmissionRule struct {
	ruleInfo
	cfg FrequentSubmissionConfig
}

// NewFrequentSubmissionRule creates the rule, failing fast on invalid config.
func NewFrequentSubmissionRule(cfg FrequentSubmissionConfig) (*FrequentSubmissionRule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: frequent-submission: %v", domain.ErrInvalidRuleConfig, err)
	}
	return &FrequentSubmissionRule{
		ruleInfo: ruleInfo{
			id:       "frequent-submission",
			name:     "Frequent Submission Detection",
			typ:      domain.AnomalyFrequentSubmissions,
			severity: domain.SeverityLow,
			enabled:  true,
		},
		cfg: cfg,
	}, nil
}

// ValidateConfig re-checks the current configuration.
func (r *FrequentSubmissionRule) ValidateConfig() error {
	return r.cfg.Validate()
}

// Config returns a copy of the rule's configuration.
func (r *FrequentSubmissionRule) Config() FrequentSubmissionConfig {
	return r.cfg
}

// Detect counts historical submissions in the (now-1h, now] and (now-24h,
// now] windows, where now is the receipt's SubmittedAt. The receipt under
// evaluation is not counted; it is never part of its own history. Fires
// when either window strictly exceeds its limit.
func (r *FrequentSubmissionRule) Detect(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	receipt := ac.Receipt
	now := receipt.SubmittedAt
	hourStart := now.Add(-time.Hour)
	dayStart := now.Add(-24 * time.Hour)

	hourCount := 0
	dayCount := 0
	for _, h := range ac.HistoricalReceipts {
		t := h.SubmittedAt
		if t.After(now) {
			continue
		}
		if t.After(dayStart) {
			dayCount++
			if t.After(hourStart) {
				hourCount++
			}
		}
	}

	hourExceeded := hourCount > r.cfg.MaxPerHour
	dayExceeded := dayCount > r.cfg.MaxPerDay
	if !hourExceeded && !dayExceeded {
		return nil, nil
	}

	hourRatio := float64(hourCount) / float64(r.cfg.MaxPerHour)
	dayRatio := float64(dayCount) / float64(r.cfg.MaxPerDay)
	overage := math.Max(dayRatio-1, hourRatio-1)
	confidence := math.Min(0.8, 0.4+overage*0.3)

	var description string
	if hourExceeded {
		description = fmt.Sprintf("Driver submitted %d receipts in the past hour (limit %d)", hourCount, r.cfg.MaxPerHour)
	} else {
		description = fmt.Sprintf("Driver submitted %d receipts in the past 24 hours (limit %d)", dayCount, r.cfg.MaxPerDay)
	}

	return r.result(receipt.ID, description, confidence, map[string]any{
		"submissionsLastHour": hourCount,
		"submissionsLastDay":  dayCount,
		"maxPerHour":          r.cfg.MaxPerHour,
		"maxPerDay":           r.cfg.MaxPerDay,
		"hourLimitExceeded":   hourExceeded,
		"dayLimitExceeded":    dayExceeded,
	}), nil
}
