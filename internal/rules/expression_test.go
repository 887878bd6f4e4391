package rules

import (
	"context"
	"errors"
	"testing"

	"github.com/fleetops/kestrel/internal/domain"
)

func exprConfig(expression string) ExpressionRuleConfig {
	return ExpressionRuleConfig{
		ID:         "expr-1",
		Name:       "Round Amount",
		Severity:   domain.SeverityMedium,
		Expression: expression,
		Confidence: 0.6,
	}
}

func TestExpressionRule_Compile(t *testing.T) {
	tests := []struct {
		name       string
		expression string
		wantErr    bool
	}{
		{"valid comparison", "amount > 100.0", false},
		{"valid receipt field access", `receipt.category == "Fuel"`, false},
		{"syntax error", "amount >", true},
		{"unknown variable", "velocity > 1", true},
		{"non-bool output", "amount * 2.0", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewExpressionRule(exprConfig(tt.expression))
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidRuleConfig) {
					t.Errorf("Expected ErrInvalidRuleConfig, got %v", err)
				}
			} else if err != nil {
				t.Errorf("Expected compile to succeed, got %v", err)
			}
		})
	}
}

func TestExpressionRule_Detect(t *testing.T) {
	rule, err := NewExpressionRule(exprConfig(`amount > 100.0 && category == "Fuel"`))
	if err != nil {
		t.Fatalf("NewExpressionRule: %v", err)
	}

	t.Run("match produces finding", func(t *testing.T) {
		receipt := fuelReceipt("r-1", 150, testBase)
		result, err := rule.Detect(context.Background(), contextFor(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Fatal("expected a finding, got nil")
		}
		if result.Type != domain.AnomalyCustomExpression {
			t.Errorf("Expected type custom_expression, got %s", result.Type)
		}
		if result.Confidence != 0.6 {
			t.Errorf("Expected configured confidence 0.6, got %v", result.Confidence)
		}
	})

	t.Run("no match returns nil", func(t *testing.T) {
		receipt := fuelReceipt("r-2", 50, testBase)
		result, err := rule.Detect(context.Background(), contextFor(receipt))
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result != nil {
			t.Errorf("Expected no finding, got %+v", result)
		}
	})

	t.Run("stats variables available", func(t *testing.T) {
		statsRule, err := NewExpressionRule(exprConfig("avg_amount > 0.0 && recent_count >= 3"))
		if err != nil {
			t.Fatalf("NewExpressionRule: %v", err)
		}
		receipt := fuelReceipt("r-3", 50, testBase)
		ac := contextFor(receipt)
		ac.DriverStats = &domain.DriverStats{AvgReceiptAmount: 42.5, RecentReceiptCount: 4}
		result, err := statsRule.Detect(context.Background(), ac)
		if err != nil {
			t.Fatalf("Detect: %v", err)
		}
		if result == nil {
			t.Error("expected stats-based expression to match")
		}
	})
}
