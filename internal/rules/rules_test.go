package rules

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

var testBase = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func fuelReceipt(id string, amount float64, receiptDate time.Time) *domain.Receipt {
	return &domain.Receipt{
		ID:           id,
		DriverID:     "driver-1",
		Amount:       amount,
		MerchantName: "Shell Station #42",
		Category:     "Fuel",
		ReceiptDate:  receiptDate,
		SubmittedAt:  receiptDate,
		Status:       domain.ReceiptPending,
	}
}

func contextFor(receipt *domain.Receipt, history ...*domain.Receipt) *domain.AnomalyContext {
	return &domain.AnomalyContext{
		Receipt:            receipt,
		HistoricalReceipts: history,
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestExcessiveAmountRule_Detect(t *testing.T) {
	rule, err := NewExcessiveAmountRule(DefaultExcessiveAmountConfig())
	if err != nil {
		t.Fatalf("NewExcessiveAmountRule: %v", err)
	}

	history := make([]*domain.Receipt, 5)
	for i := range history {
		history[i] = fuelReceipt("hist-"+string(rune('a'+i)), 50, testBase.AddDate(0, 0, -(i+1)))
	}

	t.Run("fires above threshold", func(t *testing.T) {
		receipt := fuelReceipt("r-1", 200, testBase)
		result, err := rule.Detect(context.Background(), contextFor(receipt, history...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected an anomaly, got nil")
		}
		if result.Type != domain.AnomalyExcessiveAmount {
			t.Errorf("Expected type %s, got %s", domain.AnomalyExcessiveAmount, result.Type)
		}
		if result.Severity != domain.SeverityHigh {
			t.Errorf("Expected severity high, got %s", result.Severity)
		}
		// threshold = 50 * 3 = 150; confidence = (200/150 - 1) * 0.5 + 0.6
		want := (200.0/150.0-1)*0.5 + 0.6
		if !almostEqual(result.Confidence, want) {
			t.Errorf("Expected confidence %v, got %v", want, result.Confidence)
		}
		if got := result.Details["historicalSampleSize"]; got != 5 {
			t.Errorf("Expected sample size 5, got %v", got)
		}
		// $200 vs $50 average: description must report the observed multiple.
		if !strings.Contains(result.Description, "4.0x") {
			t.Errorf("Expected description to contain 4.0x, got %q", result.Description)
		}
	})

	t.Run("confidence capped at 0.95", func(t *testing.T) {
		receipt := fuelReceipt("r-2", 5000, testBase)
		result, err := rule.Detect(context.Background(), contextFor(receipt, history...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected an anomaly, got nil")
		}
		if result.Confidence != 0.95 {
			t.Errorf("Expected confidence 0.95, got %v", result.Confidence)
		}
	})

	t.Run("silent at or below threshold", func(t *testing.T) {
		receipt := fuelReceipt("r-3", 150, testBase)
		result, err := rule.Detect(context.Background(), contextFor(receipt, history...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected no anomaly at exactly the threshold, got %+v", result)
		}
	})

	t.Run("silent below minimum sample size", func(t *testing.T) {
		receipt := fuelReceipt("r-4", 500, testBase)
		result, err := rule.Detect(context.Background(), contextFor(receipt, history[:4]...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected no anomaly with 4 samples, got %+v", result)
		}
	})

	t.Run("ignores non-fuel receipts", func(t *testing.T) {
		receipt := fuelReceipt("r-5", 500, testBase)
		receipt.MerchantName = "Hotel Plaza"
		receipt.Category = "Lodging"
		result, err := rule.Detect(context.Background(), contextFor(receipt, history...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected no anomaly for non-fuel receipt, got %+v", result)
		}
	})

	t.Run("fuel brand in merchant name qualifies", func(t *testing.T) {
		receipt := fuelReceipt("r-6", 400, testBase)
		receipt.Category = "Travel"
		receipt.MerchantName = "Chevron Extra Mile"
		result, err := rule.Detect(context.Background(), contextFor(receipt, history...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected an anomaly for a fuel-brand merchant")
		}
	})
}

func TestExcessiveAmountConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ExcessiveAmountConfig)
		wantErr bool
	}{
		{"defaults valid", func(c *ExcessiveAmountConfig) {}, false},
		{"multiplier at 1 rejected", func(c *ExcessiveAmountConfig) { c.Multiplier = 1 }, true},
		{"zero sample size rejected", func(c *ExcessiveAmountConfig) { c.MinSampleSize = 0 }, true},
		{"empty categories rejected", func(c *ExcessiveAmountConfig) { c.FuelCategories = nil }, true},
		{"blank category rejected", func(c *ExcessiveAmountConfig) { c.FuelCategories = []string{"fuel", " "} }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultExcessiveAmountConfig()
			tt.mutate(&cfg)
			_, err := NewExcessiveAmountRule(cfg)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidRuleConfig) {
					t.Errorf("Expected ErrInvalidRuleConfig, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Expected valid config, got %v", err)
			}
		})
	}
}

func TestDuplicateReceiptRule_Detect(t *testing.T) {
	rule, err := NewDuplicateReceiptRule(DefaultDuplicateReceiptConfig())
	if err != nil {
		t.Fatalf("NewDuplicateReceiptRule: %v", err)
	}

	receipt := fuelReceipt("r-1", 45.50, testBase)
	receipt.MerchantName = "SHELL #42"

	t.Run("matches normalized merchant within window", func(t *testing.T) {
		dup := fuelReceipt("r-2", 45.50, testBase.Add(-6*time.Hour))
		dup.MerchantName = "shell 42"
		result, err := rule.Detect(context.Background(), contextFor(receipt, dup))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected a duplicate anomaly, got nil")
		}
		if !almostEqual(result.Confidence, 0.7) {
			t.Errorf("Expected confidence 0.7 for one duplicate, got %v", result.Confidence)
		}
		if got := result.Details["duplicateCount"]; got != 1 {
			t.Errorf("Expected duplicateCount 1, got %v", got)
		}
	})

	t.Run("confidence capped at 0.9", func(t *testing.T) {
		history := make([]*domain.Receipt, 3)
		for i := range history {
			d := fuelReceipt("dup-"+string(rune('a'+i)), 45.50, testBase.Add(-time.Duration(i+1)*time.Hour))
			d.MerchantName = "Shell #42"
			history[i] = d
		}
		result, err := rule.Detect(context.Background(), contextFor(receipt, history...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected a duplicate anomaly, got nil")
		}
		if result.Confidence != 0.9 {
			t.Errorf("Expected confidence 0.9, got %v", result.Confidence)
		}
	})

	t.Run("window boundary is inclusive", func(t *testing.T) {
		dup := fuelReceipt("r-3", 45.50, testBase.Add(-24*time.Hour))
		dup.MerchantName = "Shell #42"
		result, err := rule.Detect(context.Background(), contextFor(receipt, dup))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Error("expected receipt exactly 24h away to count as duplicate")
		}
	})

	t.Run("outside window ignored", func(t *testing.T) {
		dup := fuelReceipt("r-4", 45.50, testBase.Add(-25*time.Hour))
		dup.MerchantName = "Shell #42"
		result, err := rule.Detect(context.Background(), contextFor(receipt, dup))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected no anomaly for receipt outside window, got %+v", result)
		}
	})

	t.Run("different amount ignored in exact mode", func(t *testing.T) {
		dup := fuelReceipt("r-5", 45.51, testBase.Add(-time.Hour))
		dup.MerchantName = "Shell #42"
		result, err := rule.Detect(context.Background(), contextFor(receipt, dup))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected no anomaly for differing amount, got %+v", result)
		}
	})

	t.Run("tolerance mode accepts near amounts", func(t *testing.T) {
		cfg := DefaultDuplicateReceiptConfig()
		cfg.ExactAmountMatch = false
		cfg.AmountTolerance = 0.05
		tolRule, err := NewDuplicateReceiptRule(cfg)
		if err != nil {
			t.Fatalf("NewDuplicateReceiptRule: %v", err)
		}
		dup := fuelReceipt("r-6", 45.54, testBase.Add(-time.Hour))
		dup.MerchantName = "Shell #42"
		result, err := tolRule.Detect(context.Background(), contextFor(receipt, dup))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Error("expected near amount to match under tolerance")
		}
	})
}

func TestOutsideTripDatesRule_Detect(t *testing.T) {
	rule, err := NewOutsideTripDatesRule(DefaultOutsideTripDatesConfig())
	if err != nil {
		t.Fatalf("NewOutsideTripDatesRule: %v", err)
	}

	trip := &domain.Trip{
		ID:        "trip-1",
		DriverID:  "driver-1",
		StartDate: time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2025, 6, 14, 0, 0, 0, 0, time.UTC),
	}

	withTrip := func(receipt *domain.Receipt) *domain.AnomalyContext {
		ac := contextFor(receipt)
		ac.Trip = trip
		return ac
	}

	t.Run("no trip means no finding", func(t *testing.T) {
		receipt := fuelReceipt("r-1", 40, testBase)
		result, err := rule.Detect(context.Background(), contextFor(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected nil without a trip, got %+v", result)
		}
	})

	t.Run("date inside buffer is allowed", func(t *testing.T) {
		receipt := fuelReceipt("r-2", 40, time.Date(2025, 6, 14, 18, 0, 0, 0, time.UTC))
		result, err := rule.Detect(context.Background(), withTrip(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected date within one-day buffer to pass, got %+v", result)
		}
	})

	t.Run("date after buffered window fires", func(t *testing.T) {
		// Allowed end is June 15 00:00; June 17 12:00 is 2.5 days past it.
		receipt := fuelReceipt("r-3", 40, time.Date(2025, 6, 17, 12, 0, 0, 0, time.UTC))
		result, err := rule.Detect(context.Background(), withTrip(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected an anomaly for a date past the window")
		}
		if got := result.Details["daysAfter"]; got != 3 {
			t.Errorf("Expected daysAfter 3 (2.5 days rounded up), got %v", got)
		}
		want := 0.6 + 3*0.1
		if !almostEqual(result.Confidence, want) {
			t.Errorf("Expected confidence %v, got %v", want, result.Confidence)
		}
	})

	t.Run("strict mode drops the buffer", func(t *testing.T) {
		cfg := DefaultOutsideTripDatesConfig()
		cfg.StrictMode = true
		strict, err := NewOutsideTripDatesRule(cfg)
		if err != nil {
			t.Fatalf("NewOutsideTripDatesRule: %v", err)
		}
		receipt := fuelReceipt("r-4", 40, time.Date(2025, 6, 14, 18, 0, 0, 0, time.UTC))
		result, err := strict.Detect(context.Background(), withTrip(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected strict mode to flag date past the trip end")
		}
		if got := result.Details["daysAfter"]; got != 1 {
			t.Errorf("Expected daysAfter 1, got %v", got)
		}
	})

	t.Run("confidence capped at 0.95", func(t *testing.T) {
		receipt := fuelReceipt("r-5", 40, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC))
		result, err := rule.Detect(context.Background(), withTrip(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected an anomaly far past the window")
		}
		if result.Confidence != 0.95 {
			t.Errorf("Expected confidence 0.95, got %v", result.Confidence)
		}
	})
}

func TestSuspiciousMerchantRule_Detect(t *testing.T) {
	rule, err := NewSuspiciousMerchantRule(DefaultSuspiciousMerchantConfig())
	if err != nil {
		t.Fatalf("NewSuspiciousMerchantRule: %v", err)
	}

	tests := []struct {
		name           string
		merchant       string
		category       string
		wantFinding    bool
		wantConfidence float64
	}{
		{"blacklisted merchant", "Lucky Casino Resort", "Travel", true, 0.9},
		{"blacklist beats category", "Downtown Liquor Store", "Alcohol", true, 0.9},
		{"suspicious category only", "Cinema City", "Entertainment", true, 0.7},
		{"clean receipt", "Shell Station", "Fuel", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			receipt := fuelReceipt("r-1", 60, testBase)
			receipt.MerchantName = tt.merchant
			receipt.Category = tt.category
			result, err := rule.Detect(context.Background(), contextFor(receipt))
			if err != nil {
				t.Fatalf("Detect: %v", err)
			}
			if !tt.wantFinding {
				if result != nil {
					t.Errorf("Expected no anomaly, got %+v", result)
				}
				return
			}
			if result == nil {
				t.Fatal("expected an anomaly, got nil")
			}
			if !almostEqual(result.Confidence, tt.wantConfidence) {
				t.Errorf("Expected confidence %v, got %v", tt.wantConfidence, result.Confidence)
			}
		})
	}

	t.Run("allow personal expenses suppresses category hits", func(t *testing.T) {
		cfg := DefaultSuspiciousMerchantConfig()
		cfg.AllowPersonalExpenses = true
		lenient, err := NewSuspiciousMerchantRule(cfg)
		if err != nil {
			t.Fatalf("NewSuspiciousMerchantRule: %v", err)
		}

		receipt := fuelReceipt("r-2", 60, testBase)
		receipt.MerchantName = "Cinema City"
		receipt.Category = "Entertainment"
		result, err := lenient.Detect(context.Background(), contextFor(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected category-only hit to be suppressed, got %+v", result)
		}

		// Blacklist hits still fire.
		receipt.MerchantName = "Lucky Casino Resort"
		result, err = lenient.Detect(context.Background(), contextFor(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected blacklisted merchant to fire regardless of allowPersonalExpenses")
		}
		if !almostEqual(result.Confidence, 0.9) {
			t.Errorf("Expected confidence 0.9, got %v", result.Confidence)
		}
	})

	t.Run("both lists empty rejected", func(t *testing.T) {
		_, err := NewSuspiciousMerchantRule(SuspiciousMerchantConfig{})
		if !errors.Is(err, domain.ErrInvalidRuleConfig) {
			t.Errorf("Expected ErrInvalidRuleConfig, got %v", err)
		}
	})
}

func TestFrequentSubmissionRule_Detect(t *testing.T) {
	rule, err := NewFrequentSubmissionRule(DefaultFrequentSubmissionConfig())
	if err != nil {
		t.Fatalf("NewFrequentSubmissionRule: %v", err)
	}

	burst := func(n int, spacing time.Duration) []*domain.Receipt {
		out := make([]*domain.Receipt, n)
		for i := range out {
			r := fuelReceipt("burst-"+string(rune('a'+i)), 30, testBase)
			r.SubmittedAt = testBase.Add(-time.Duration(i+1) * spacing)
			out[i] = r
		}
		return out
	}

	t.Run("hourly limit exceeded", func(t *testing.T) {
		receipt := fuelReceipt("r-1", 30, testBase)
		// 6 prior submissions within the hour > limit of 5. The receipt
		// under evaluation is not counted.
		result, err := rule.Detect(context.Background(), contextFor(receipt, burst(6, 5*time.Minute)...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected an anomaly for 6 submissions in one hour")
		}
		if result.Severity != domain.SeverityLow {
			t.Errorf("Expected severity low, got %s", result.Severity)
		}
		// hourRatio = 6/5, dayRatio = 6/10; confidence = 0.4 + 0.2*0.3.
		want := 0.4 + (6.0/5.0-1)*0.3
		if !almostEqual(result.Confidence, want) {
			t.Errorf("Expected confidence %v, got %v", want, result.Confidence)
		}
		if got := result.Details["submissionsLastHour"]; got != 6 {
			t.Errorf("Expected submissionsLastHour 6, got %v", got)
		}
	})

	t.Run("daily limit exceeded", func(t *testing.T) {
		receipt := fuelReceipt("r-2", 30, testBase)
		// 11 prior submissions spread over the day, at most 1 per hour.
		result, err := rule.Detect(context.Background(), contextFor(receipt, burst(11, 2*time.Hour)...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected an anomaly for daily burst")
		}
		if got := result.Details["dayLimitExceeded"]; got != true {
			t.Errorf("Expected dayLimitExceeded true, got %v", got)
		}
	})

	t.Run("at the limit stays silent", func(t *testing.T) {
		receipt := fuelReceipt("r-3", 30, testBase)
		// Exactly 5 historical submissions equals but does not exceed the
		// hourly limit.
		result, err := rule.Detect(context.Background(), contextFor(receipt, burst(5, 5*time.Minute)...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected no anomaly at the limit, got %+v", result)
		}
	})

	t.Run("future submissions excluded", func(t *testing.T) {
		receipt := fuelReceipt("r-4", 30, testBase)
		// 5 at the limit; the sixth is after the anchor and must not tip it.
		history := burst(5, 5*time.Minute)
		future := fuelReceipt("future", 30, testBase)
		future.SubmittedAt = testBase.Add(10 * time.Minute)
		history = append(history, future)
		result, err := rule.Detect(context.Background(), contextFor(receipt, history...))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected submissions after the anchor to be ignored, got %+v", result)
		}
	})

	t.Run("day limit below hour limit rejected", func(t *testing.T) {
		_, err := NewFrequentSubmissionRule(FrequentSubmissionConfig{MaxPerHour: 10, MaxPerDay: 5})
		if !errors.Is(err, domain.ErrInvalidRuleConfig) {
			t.Errorf("Expected ErrInvalidRuleConfig, got %v", err)
		}
	})
}

func TestDefaultRules(t *testing.T) {
	stock, err := DefaultRules()
	if err != nil {
		t.Fatalf("DefaultRules: %v", err)
	}
	wantIDs := []string{
		"excessive-amount",
		"duplicate-receipt",
		"outside-trip-dates",
		"suspicious-merchant",
		"frequent-submission",
	}
	if len(stock) != len(wantIDs) {
		t.Fatalf("Expected %d rules, got %d", len(wantIDs), len(stock))
	}
	for i, want := range wantIDs {
		if stock[i].ID() != want {
			t.Errorf("rule %d: expected id %s, got %s", i, want, stock[i].ID())
		}
		if !stock[i].Enabled() {
			t.Errorf("rule %s: expected enabled by default", want)
		}
	}
}
