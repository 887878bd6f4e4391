package rules

import (
	"context"
	"fmt"
	"math"

	"github.com/fleetops/kestrel/internal/domain"
)

// ExcessiveAmountConfig configures ExcessiveAmountRule.
type ExcessiveAmountConfig struct {
	// Multiplier over the driver's average fuel amount above which a
	// receipt is anomalous.
	Multiplier float64 `json:"multiplier"`

	// MinSampleSize is the minimum number of historical fuel receipts
	// needed before the rule makes a determination.
	MinSampleSize int `json:"minSampleSize"`

	// FuelCategories are category substrings treated as fuel.
	FuelCategories []string `json:"fuelCategories"`

	// FuelMerchants are brand substrings that mark a merchant as a fuel
	// vendor even when the category says otherwise.
	FuelMerchants []string `json:"fuelMerchants"`
}

// DefaultExcessiveAmountConfig returns the stock configuration.
func DefaultExcessiveAmountConfig() ExcessiveAmountConfig {
	return ExcessiveAmountConfig{
		Multiplier:     3.0,
		MinSampleSize:  5,
		FuelCategories: []string{"fuel", "gas", "gasoline", "diesel"},
		FuelMerchants:  []string{"shell", "exxon", "bp", "chevron", "mobil", "texaco", "gulf"},
	}
}

// Validate checks the configuration.
func (c ExcessiveAmountConfig) Validate() error {
	if c.Multiplier <= 1 {
		return &configError{field: "multiplier", reason: "must be greater than 1"}
	}
	if c.MinSampleSize <= 0 {
		return &configError{field: "minSampleSize", reason: "must be positive"}
	}
	if len(c.FuelCategories) == 0 {
		return &configError{field: "fuelCategories", reason: "must not be empty"}
	}
	if err := validateList("fuelCategories", c.FuelCategories); err != nil {
		return err
	}
	return validateList("fuelMerchants", c.FuelMerchants)
}

// ExcessiveAmountRule flags fuel receipts whose amount is far above the
// driver's historical fuel average.
type ExcessiveAmountRule struct {
	ruleInfo
	cfg ExcessiveAmountConfig
}

// NewExcessiveAmountRule creates the rule, failing fast on invalid config.
func NewExcessiveAmountRule(cfg ExcessiveAmountConfig) (*ExcessiveAmountRule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: excessive-amount: %v", domain.ErrInvalidRuleConfig, err)
	}
	return &ExcessiveAmountRule{
		ruleInfo: ruleInfo{
			id:       "excessive-amount",
			name:     "Excessive Amount Detection",
			typ:      domain.AnomalyExcessiveAmount,
			severity: domain.SeverityHigh,
			enabled:  true,
		},
		cfg: cfg,
	}, nil
}

// ValidateConfig re-checks the current configuration.
func (r *ExcessiveAmountRule) ValidateConfig() error {
	return r.cfg.Validate()
}

// Config returns a copy of the rule's configuration.
func (r *ExcessiveAmountRule) Config() ExcessiveAmountConfig {
	return r.cfg
}

// Detect applies only to fuel receipts: category substring match or a known
// fuel-brand substring in the merchant name. It stays silent until at least
// MinSampleSize historical fuel receipts exist.
func (r *ExcessiveAmountRule) Detect(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	receipt := ac.Receipt

	if !r.isFuelReceipt(receipt) {
		return nil, nil
	}

	var fuelAmounts []float64
	for _, h := range ac.HistoricalReceipts {
		if r.isFuelReceipt(h) {
			fuelAmounts = append(fuelAmounts, h.Amount)
		}
	}
	if len(fuelAmounts) < r.cfg.MinSampleSize {
		return nil, nil
	}

	var sum float64
	for _, a := range fuelAmounts {
		sum += a
	}
	avg := sum / float64(len(fuelAmounts))
	threshold := avg * r.cfg.Multiplier

	if receipt.Amount <= threshold {
		return nil, nil
	}

	confidence := math.Min(0.95, (receipt.Amount/threshold-1)*0.5+0.6)
	observed := receipt.Amount / avg

	description := fmt.Sprintf("Receipt amount $%.2f is %.1fx the driver's average fuel expense of $%.2f",
		receipt.Amount, observed, avg)

	return r.result(receipt.ID, description, confidence, map[string]any{
		"receiptAmount":        receipt.Amount,
		"averageFuelAmount":    avg,
		"threshold":            threshold,
		"multiplier":           r.cfg.Multiplier,
		"observedMultiplier":   observed,
		"historicalSampleSize": len(fuelAmounts),
	}), nil
}

func (r *ExcessiveAmountRule) isFuelReceipt(receipt *domain.Receipt) bool {
	return anyContainsFold(receipt.Category, r.cfg.FuelCategories) ||
		anyContainsFold(receipt.MerchantName, r.cfg.FuelMerchants)
}
