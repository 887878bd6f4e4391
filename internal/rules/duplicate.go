package rules

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// DuplicateReceiptConfig configures DuplicateReceiptRule.
type DuplicateReceiptConfig struct {
	// TimeWindowHours is the half-width of the search window around the
	// receipt's purchase date (not its submission time).
	TimeWindowHours int `json:"timeWindowHours"`

	// ExactAmountMatch requires amounts to match within float tolerance;
	// when false, AmountTolerance applies instead.
	ExactAmountMatch bool `json:"exactAmountMatch"`

	// AmountTolerance is the allowed absolute difference when
	// ExactAmountMatch is false.
	AmountTolerance float64 `json:"amountTolerance"`
}

// DefaultDuplicateReceiptConfig returns the stock configuration.
func DefaultDuplicateReceiptConfig() DuplicateReceiptConfig {
	return DuplicateReceiptConfig{
		TimeWindowHours:  24,
		ExactAmountMatch: true,
		AmountTolerance:  0.01,
	}
}

// Validate checks the configuration.
func (c DuplicateReceiptConfig) Validate() error {
	if c.TimeWindowHours <= 0 {
		return &configError{field: "timeWindowHours", reason: "must be positive"}
	}
	if c.AmountTolerance < 0 {
		return &configError{field: "amountTolerance", reason: "must not be negative"}
	}
	return nil
}

// DuplicateReceiptRule flags receipts matching a historical receipt on
// normalized merchant name and amount within the time window.
type DuplicateReceiptRule struct {
	ruleInfo
	cfg DuplicateReceiptConfig
}

// NewDuplicateReceiptRule creates the rule, failing fast on invalid config.
func NewDuplicateReceiptRule(cfg DuplicateReceiptConfig) (*DuplicateReceiptRule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: duplicate-receipt: %v", domain.ErrInvalidRuleConfig, err)
	}
	return &DuplicateReceiptRule{
		ruleInfo: ruleInfo{
			id:       "duplicate-receipt",
			name:     "Duplicate Receipt Detection",
			typ:      domain.AnomalyDuplicateReceipt,
			severity: domain.SeverityMedium,
			enabled:  true,
		},
		cfg: cfg,
	}, nil
}

// ValidateConfig re-checks the current configuration.
func (r *DuplicateReceiptRule) ValidateConfig() error {
	return r.cfg.Validate()
}

// Config returns a copy of the rule's configuration.
func (r *DuplicateReceiptRule) Config() DuplicateReceiptConfig {
	return r.cfg
}

// Detect searches historical receipts within +/-TimeWindowHours of the
// purchase date for a merchant+amount match.
func (r *DuplicateReceiptRule) Detect(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	receipt := ac.Receipt

	window := time.Duration(r.cfg.TimeWindowHours) * time.Hour
	windowStart := receipt.ReceiptDate.Add(-window)
	windowEnd := receipt.ReceiptDate.Add(window)

	var duplicates []*domain.Receipt
	for _, h := range ac.HistoricalReceipts {
		if h.ID == receipt.ID {
			continue
		}
		if h.ReceiptDate.Before(windowStart) || h.ReceiptDate.After(windowEnd) {
			continue
		}
		if !r.merchantsMatch(receipt.MerchantName, h.MerchantName) {
			continue
		}
		if !r.amountsMatch(receipt.Amount, h.Amount) {
			continue
		}
		duplicates = append(duplicates, h)
	}

	if len(duplicates) == 0 {
		return nil, nil
	}

	confidence := math.Min(0.9, 0.5+float64(len(duplicates))*0.2)

	ids := make([]string, len(duplicates))
	matches := make([]map[string]any, len(duplicates))
	for i, d := range duplicates {
		ids[i] = d.ID
		matches[i] = map[string]any{
			"id":       d.ID,
			"amount":   d.Amount,
			"merchant": d.MerchantName,
			"date":     d.ReceiptDate,
		}
	}

	description := fmt.Sprintf("Potential duplicate receipt: same merchant and amount within %d hours",
		r.cfg.TimeWindowHours)

	return r.result(receipt.ID, description, confidence, map[string]any{
		"duplicateCount":      len(duplicates),
		"duplicateReceiptIds": ids,
		"timeWindowHours":     r.cfg.TimeWindowHours,
		"merchant":            receipt.MerchantName,
		"amount":              receipt.Amount,
		"duplicates":          matches,
	}), nil
}

func (r *DuplicateReceiptRule) merchantsMatch(a, b string) bool {
	return normalizeMerchant(a) == normalizeMerchant(b)
}

func (r *DuplicateReceiptRule) amountsMatch(a, b float64) bool {
	diff := math.Abs(a - b)
	if r.cfg.ExactAmountMatch {
		return diff < 0.005
	}
	return diff <= r.cfg.AmountTolerance
}

// normalizeMerchant lowercases and strips every non-alphanumeric character
// so "SHELL #42" and "shell 42" compare equal.
func normalizeMerchant(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
