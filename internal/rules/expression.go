package rules

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/fleetops/kestrel/internal/domain"
)

// ExpressionRuleConfig defines an operator-authored detection rule written
// as a CEL boolean expression over receipt and context variables.
type ExpressionRuleConfig struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Severity    domain.Severity `json:"severity"`
	Expression  string          `json:"expression"`
	Description string          `json:"description"`

	// Confidence reported when the expression evaluates true.
	Confidence float64 `json:"confidence"`
}

// Validate checks the configuration. The expression itself is validated by
// compilation in NewExpressionRule.
func (c ExpressionRuleConfig) Validate() error {
	if c.ID == "" {
		return &configError{field: "id", reason: "must not be empty"}
	}
	if c.Name == "" {
		return &configError{field: "name", reason: "must not be empty"}
	}
	if !c.Severity.Valid() {
		return &configError{field: "severity", reason: fmt.Sprintf("unknown severity %q", c.Severity)}
	}
	if c.Expression == "" {
		return &configError{field: "expression", reason: "must not be empty"}
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		return &configError{field: "confidence", reason: "must be in (0, 1]"}
	}
	return nil
}

// ExpressionRule evaluates a pre-compiled CEL program against each receipt.
// Programs are compiled once at construction; Detect only evaluates.
type ExpressionRule struct {
	ruleInfo
	cfg     ExpressionRuleConfig
	program cel.Program
}

// expressionEnv builds the CEL environment shared by all expression rules.
func expressionEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("receipt", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("merchant", cel.StringType),
		cel.Variable("category", cel.StringType),
		cel.Variable("driver_id", cel.StringType),
		cel.Variable("has_trip", cel.BoolType),
		cel.Variable("avg_amount", cel.DoubleType),
		cel.Variable("avg_fuel_amount", cel.DoubleType),
		cel.Variable("history_count", cel.IntType),
		cel.Variable("recent_count", cel.IntType),
	)
}

// NewExpressionRule compiles the expression and returns the rule. The
// expression must produce a boolean.
func NewExpressionRule(cfg ExpressionRuleConfig) (*ExpressionRule, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: expression rule %s: %v", domain.ErrInvalidRuleConfig, cfg.ID, err)
	}

	env, err := expressionEnv()
	if err != nil {
		return nil, fmt.Errorf("creating CEL environment: %w", err)
	}

	ast, issues := env.Compile(cfg.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: expression rule %s: compile: %v", domain.ErrInvalidRuleConfig, cfg.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: expression rule %s: expression must return bool, got %s",
			domain.ErrInvalidRuleConfig, cfg.ID, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("creating CEL program for rule %s: %w", cfg.ID, err)
	}

	return &ExpressionRule{
		ruleInfo: ruleInfo{
			id:       cfg.ID,
			name:     cfg.Name,
			typ:      domain.AnomalyCustomExpression,
			severity: cfg.Severity,
			enabled:  true,
		},
		cfg:     cfg,
		program: program,
	}, nil
}

// ValidateConfig re-checks the current configuration.
func (r *ExpressionRule) ValidateConfig() error {
	return r.cfg.Validate()
}

// Config returns a copy of the rule's configuration.
func (r *ExpressionRule) Config() ExpressionRuleConfig {
	return r.cfg
}

// Detect evaluates the compiled program against the receipt and its context.
func (r *ExpressionRule) Detect(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	receipt := ac.Receipt

	activation := map[string]any{
		"receipt": map[string]any{
			"id":           receipt.ID,
			"driver_id":    receipt.DriverID,
			"trip_id":      receipt.TripID,
			"amount":       receipt.Amount,
			"merchant":     receipt.MerchantName,
			"category":     receipt.Category,
			"description":  receipt.Description,
			"status":       string(receipt.Status),
			"receipt_date": receipt.ReceiptDate,
			"submitted_at": receipt.SubmittedAt,
		},
		"amount":          receipt.Amount,
		"merchant":        receipt.MerchantName,
		"category":        receipt.Category,
		"driver_id":       receipt.DriverID,
		"has_trip":        ac.Trip != nil,
		"avg_amount":      0.0,
		"avg_fuel_amount": 0.0,
		"history_count":   int64(len(ac.HistoricalReceipts)),
		"recent_count":    int64(0),
	}
	if ac.DriverStats != nil {
		activation["avg_amount"] = ac.DriverStats.AvgReceiptAmount
		activation["avg_fuel_amount"] = ac.DriverStats.AvgFuelAmount
		activation["recent_count"] = int64(ac.DriverStats.RecentReceiptCount)
	}

	out, _, err := r.program.Eval(activation)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression rule %s: %w", r.id, err)
	}

	matched, ok := out.(types.Bool)
	if !ok || !bool(matched) {
		return nil, nil
	}

	description := r.cfg.Description
	if description == "" {
		description = fmt.Sprintf("Receipt matched expression rule %q", r.cfg.Name)
	}

	return r.result(receipt.ID, description, r.cfg.Confidence, map[string]any{
		"expression": r.cfg.Expression,
	}), nil
}
