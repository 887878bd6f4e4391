package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubRule lets tests inject arbitrary Detect behavior.
type stubRule struct {
	ruleInfo
	detect func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error)
}

func newStubRule(id string, severity domain.Severity, detect func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error)) *stubRule {
	return &stubRule{
		ruleInfo: ruleInfo{
			id:       id,
			name:     id,
			typ:      domain.AnomalyCustomExpression,
			severity: severity,
			enabled:  true,
		},
		detect: detect,
	}
}

func (s *stubRule) Detect(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	result, err := s.detect(ctx, ac)
	if result != nil {
		result.RuleID = s.id
		result.RuleName = s.name
		result.Type = s.typ
		result.Severity = s.severity
	}
	return result, err
}

func (s *stubRule) ValidateConfig() error { return nil }

func firing(confidence float64) func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	return func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
		return &domain.AnomalyResult{
			ReceiptID:  ac.Receipt.ID,
			Confidence: confidence,
			DetectedAt: time.Now().UTC(),
		}, nil
	}
}

func silent(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	return nil, nil
}

func TestDetector_Register(t *testing.T) {
	d := NewDetector(testLogger())

	rule := newStubRule("a", domain.SeverityLow, silent)
	if err := d.Register(rule); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if err := d.Register(nil); !errors.Is(err, domain.ErrInvalidRuleConfig) {
		t.Errorf("Expected ErrInvalidRuleConfig for nil rule, got %v", err)
	}
}

func TestDetector_RegisterOverwrites(t *testing.T) {
	d := NewDetector(testLogger())
	mustRegister(t, d, newStubRule("a", domain.SeverityLow, silent))
	mustRegister(t, d, newStubRule("b", domain.SeverityLow, silent))

	// Re-registering an existing id replaces the rule at its position.
	replacement := newStubRule("a", domain.SeverityHigh, firing(0.9))
	if err := d.Register(replacement); err != nil {
		t.Fatalf("Register replacement: %v", err)
	}

	got := d.Rules()
	if len(got) != 2 {
		t.Fatalf("Expected 2 rules after overwrite, got %d", len(got))
	}
	if got[0].ID() != "a" || got[0].Severity() != domain.SeverityHigh {
		t.Errorf("Expected replacement at position 0, got %s/%s", got[0].ID(), got[0].Severity())
	}

	result := d.DetectAnomalies(context.Background(), contextFor(fuelReceipt("r-1", 50, testBase)))
	if result.TotalAnomalies != 1 {
		t.Errorf("Expected replacement rule to fire, got %d anomalies", result.TotalAnomalies)
	}
}

func TestDetector_UnregisterPreservesOrder(t *testing.T) {
	d := NewDetector(testLogger())
	for _, id := range []string{"a", "b", "c", "d"} {
		if err := d.Register(newStubRule(id, domain.SeverityLow, silent)); err != nil {
			t.Fatalf("Register %s: %v", id, err)
		}
	}

	if !d.Unregister("b") {
		t.Fatal("Unregister returned false for known id")
	}
	if d.Unregister("b") {
		t.Error("Unregister returned true for removed id")
	}

	got := d.Rules()
	want := []string{"a", "c", "d"}
	if len(got) != len(want) {
		t.Fatalf("Expected %d rules, got %d", len(want), len(got))
	}
	for i, id := range want {
		if got[i].ID() != id {
			t.Errorf("position %d: expected %s, got %s", i, id, got[i].ID())
		}
	}

	// Index must still resolve after the shift.
	if _, ok := d.Rule("d"); !ok {
		t.Error("rule d not found after unregistering b")
	}
}

func TestDetector_DetectAnomalies(t *testing.T) {
	receipt := fuelReceipt("r-1", 50, testBase)

	t.Run("aggregates findings and severity", func(t *testing.T) {
		d := NewDetector(testLogger())
		mustRegister(t, d, newStubRule("low", domain.SeverityLow, firing(0.5)))
		mustRegister(t, d, newStubRule("high", domain.SeverityHigh, firing(0.9)))
		mustRegister(t, d, newStubRule("quiet", domain.SeverityCritical, silent))

		result := d.DetectAnomalies(context.Background(), contextFor(receipt))
		if result.TotalAnomalies != 2 {
			t.Fatalf("Expected 2 anomalies, got %d", result.TotalAnomalies)
		}
		if !result.Flagged {
			t.Error("Expected Flagged true")
		}
		if result.HighestSeverity != domain.SeverityHigh {
			t.Errorf("Expected highest severity high, got %s", result.HighestSeverity)
		}
		if len(result.Errors) != 0 {
			t.Errorf("Expected no errors, got %v", result.Errors)
		}
	})

	t.Run("clean receipt has empty severity", func(t *testing.T) {
		d := NewDetector(testLogger())
		mustRegister(t, d, newStubRule("quiet", domain.SeverityCritical, silent))

		result := d.DetectAnomalies(context.Background(), contextFor(receipt))
		if result.Flagged {
			t.Error("Expected Flagged false")
		}
		if result.HighestSeverity != "" {
			t.Errorf("Expected empty severity, got %q", result.HighestSeverity)
		}
	})

	t.Run("confidence cutoff discards findings", func(t *testing.T) {
		d := NewDetector(testLogger(), WithMinConfidence(0.6))
		mustRegister(t, d, newStubRule("weak", domain.SeverityHigh, firing(0.5)))
		mustRegister(t, d, newStubRule("strong", domain.SeverityLow, firing(0.8)))

		result := d.DetectAnomalies(context.Background(), contextFor(receipt))
		if result.TotalAnomalies != 1 {
			t.Fatalf("Expected 1 anomaly after cutoff, got %d", result.TotalAnomalies)
		}
		if result.HighestSeverity != domain.SeverityLow {
			t.Errorf("Expected severity low, got %s", result.HighestSeverity)
		}
	})

	t.Run("failing rule is isolated", func(t *testing.T) {
		d := NewDetector(testLogger())
		mustRegister(t, d, newStubRule("broken", domain.SeverityLow, func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
			return nil, errors.New("boom")
		}))
		mustRegister(t, d, newStubRule("ok", domain.SeverityMedium, firing(0.7)))

		result := d.DetectAnomalies(context.Background(), contextFor(receipt))
		if result.TotalAnomalies != 1 {
			t.Fatalf("Expected surviving rule to fire, got %d anomalies", result.TotalAnomalies)
		}
		if len(result.Errors) != 1 {
			t.Fatalf("Expected 1 error, got %v", result.Errors)
		}
	})

	t.Run("panicking rule is isolated", func(t *testing.T) {
		d := NewDetector(testLogger())
		mustRegister(t, d, newStubRule("panicky", domain.SeverityLow, func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
			panic("unexpected state")
		}))
		mustRegister(t, d, newStubRule("ok", domain.SeverityMedium, firing(0.7)))

		result := d.DetectAnomalies(context.Background(), contextFor(receipt))
		if result.TotalAnomalies != 1 {
			t.Fatalf("Expected surviving rule to fire, got %d anomalies", result.TotalAnomalies)
		}
		if len(result.Errors) != 1 {
			t.Fatalf("Expected 1 error from panic, got %v", result.Errors)
		}
	})

	t.Run("slow rule times out", func(t *testing.T) {
		d := NewDetector(testLogger(), WithRuleTimeout(20*time.Millisecond))
		mustRegister(t, d, newStubRule("slow", domain.SeverityLow, func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, nil
			}
		}))

		start := time.Now()
		result := d.DetectAnomalies(context.Background(), contextFor(receipt))
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("timeout did not apply, took %s", elapsed)
		}
		if len(result.Errors) != 1 {
			t.Fatalf("Expected timeout error, got %v", result.Errors)
		}
	})

	t.Run("disabled rule skipped", func(t *testing.T) {
		d := NewDetector(testLogger())
		mustRegister(t, d, newStubRule("off", domain.SeverityHigh, firing(0.9)))
		if !d.SetRuleEnabled("off", false) {
			t.Fatal("SetRuleEnabled returned false")
		}

		result := d.DetectAnomalies(context.Background(), contextFor(receipt))
		if result.TotalAnomalies != 0 {
			t.Errorf("Expected disabled rule to be skipped, got %d anomalies", result.TotalAnomalies)
		}
		if len(d.EnabledRules()) != 0 {
			t.Errorf("Expected 0 enabled rules, got %d", len(d.EnabledRules()))
		}
	})
}

func TestDetector_DetectBatch(t *testing.T) {
	d := NewDetector(testLogger())
	mustRegister(t, d, newStubRule("flag-big", domain.SeverityMedium, func(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
		if ac.Receipt.Amount > 100 {
			return firing(0.8)(ctx, ac)
		}
		return nil, nil
	}))

	contexts := []*domain.AnomalyContext{
		contextFor(fuelReceipt("r-1", 50, testBase)),
		contextFor(fuelReceipt("r-2", 150, testBase)),
		contextFor(fuelReceipt("r-3", 200, testBase)),
	}

	batch := d.DetectBatch(context.Background(), contexts)
	if batch.TotalReceipts != 3 {
		t.Errorf("Expected TotalReceipts 3, got %d", batch.TotalReceipts)
	}
	if batch.ProcessedReceipts != 3 {
		t.Errorf("Expected ProcessedReceipts 3, got %d", batch.ProcessedReceipts)
	}
	if batch.FlaggedReceipts != 2 {
		t.Errorf("Expected FlaggedReceipts 2, got %d", batch.FlaggedReceipts)
	}
	if batch.TotalAnomalies != 2 {
		t.Errorf("Expected TotalAnomalies 2, got %d", batch.TotalAnomalies)
	}

	t.Run("cancelled context aborts", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		batch := d.DetectBatch(ctx, contexts)
		if batch.ProcessedReceipts != 0 {
			t.Errorf("Expected no receipts processed, got %d", batch.ProcessedReceipts)
		}
		if len(batch.Errors) == 0 {
			t.Error("Expected abort to be recorded in Errors")
		}
	})
}

// TestDetector_ConcurrentAccess mutates the registry from several
// goroutines while detection runs; the race detector verifies safety.
func TestDetector_ConcurrentAccess(t *testing.T) {
	d := NewDetector(testLogger())
	mustRegister(t, d, newStubRule("stable", domain.SeverityLow, firing(0.5)))

	ac := contextFor(fuelReceipt("r-1", 50, testBase))
	stop := make(chan struct{})
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			id := "churn-" + string(rune('a'+i%3))
			d.Register(newStubRule(id, domain.SeverityMedium, silent))
			d.SetRuleEnabled(id, i%2 == 0)
			d.Unregister(id)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			d.DetectAnomalies(context.Background(), ac)
			d.EnabledRules()
			d.HealthCheck()
		}
	}()

	time.Sleep(50 * time.Millisecond)
	close(stop)
	wg.Wait()

	if _, ok := d.Rule("stable"); !ok {
		t.Error("stable rule lost during concurrent churn")
	}
}

func TestDetector_HealthCheck(t *testing.T) {
	d := NewDetector(testLogger())
	mustRegister(t, d, newStubRule("ok", domain.SeverityLow, silent))
	if err := d.HealthCheck(); err != nil {
		t.Errorf("Expected healthy detector, got %v", err)
	}
}

func mustRegister(t *testing.T, d *Detector, rule Rule) {
	t.Helper()
	if err := d.Register(rule); err != nil {
		t.Fatalf("Register %s: %v", rule.ID(), err)
	}
}
