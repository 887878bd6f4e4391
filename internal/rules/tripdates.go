package rules

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// OutsideTripDatesConfig configures OutsideTripDatesRule.
type OutsideTripDatesConfig struct {
	// BufferDays extends the allowed window on both sides of the trip.
	BufferDays int `json:"bufferDays"`

	// StrictMode disables the buffer entirely.
	StrictMode bool `json:"strictMode"`
}

// DefaultOutsideTripDatesConfig returns the stock configuration.
func DefaultOutsideTripDatesConfig() OutsideTripDatesConfig {
	return OutsideTripDatesConfig{
		BufferDays: 1,
		StrictMode: false,
	}
}

// Validate checks the configuration.
func (c OutsideTripDatesConfig) Validate() error {
	if c.BufferDays < 0 {
		return &configError{field: "bufferDays", reason: "must not be negative"}
	}
	return nil
}

// OutsideTripDatesRule flags receipts dated outside the associated trip's
// window. Receipts without a trip are skipped.
type OutsideTripDatesRule struct {
	ruleInfo
	cfg OutsideTripDatesConfig
}

// NewOutsideTripDatesRule creates the rule, failing fast on invalid config.
func NewOutsideTripDatesRule(cfg OutsideTripDatesConfig) (*OutsideTripDatesRule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: outside-trip-dates: %v", domain.ErrInvalidRuleConfig, err)
	}
	return &OutsideTripDatesRule{
		ruleInfo: ruleInfo{
			id:       "outside-trip-dates",
			name:     "Outside Trip Dates Detection",
			typ:      domain.AnomalyOutsideTripDates,
			severity: domain.SeverityHigh,
			enabled:  true,
		},
		cfg: cfg,
	}, nil
}

// ValidateConfig re-checks the current configuration.
func (r *OutsideTripDatesRule) ValidateConfig() error {
	return r.cfg.Validate()
}

// Config returns a copy of the rule's configuration.
func (r *OutsideTripDatesRule) Config() OutsideTripDatesConfig {
	return r.cfg
}

// Detect compares the receipt date against [trip.start - buffer,
// trip.end + buffer]. Day gaps are reported as ceilings of whole days.
func (r *OutsideTripDatesRule) Detect(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	if ac.Trip == nil {
		return nil, nil
	}
	receipt := ac.Receipt
	trip := ac.Trip

	var buffer time.Duration
	if !r.cfg.StrictMode {
		buffer = time.Duration(r.cfg.BufferDays) * 24 * time.Hour
	}
	allowedStart := trip.StartDate.Add(-buffer)
	allowedEnd := trip.EndDate.Add(buffer)

	date := receipt.ReceiptDate
	if !date.Before(allowedStart) && !date.After(allowedEnd) {
		return nil, nil
	}

	var daysBefore, daysAfter int
	if date.Before(allowedStart) {
		daysBefore = ceilDays(allowedStart.Sub(date))
	}
	if date.After(allowedEnd) {
		daysAfter = ceilDays(date.Sub(allowedEnd))
	}

	gap := daysBefore
	if daysAfter > gap {
		gap = daysAfter
	}
	confidence := math.Min(0.95, 0.6+float64(gap)*0.1)

	description := fmt.Sprintf("Receipt date %s is outside the trip period %s to %s",
		date.Format("2006-01-02"), trip.StartDate.Format("2006-01-02"), trip.EndDate.Format("2006-01-02"))

	return r.result(receipt.ID, description, confidence, map[string]any{
		"receiptDate":      date,
		"tripStartDate":    trip.StartDate,
		"tripEndDate":      trip.EndDate,
		"allowedStartDate": allowedStart,
		"allowedEndDate":   allowedEnd,
		"daysBefore":       daysBefore,
		"daysAfter":        daysAfter,
		"bufferDays":       r.cfg.BufferDays,
		"strictMode":       r.cfg.StrictMode,
	}), nil
}

// ceilDays converts a positive duration to a whole-day count, rounding up.
func ceilDays(d time.Duration) int {
	return int(math.Ceil(d.Hours() / 24))
}
