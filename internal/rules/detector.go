package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// Detector holds the registered rules and evaluates them against receipt
// contexts. Rules run in registration order so repeated runs over the same
// data produce findings in the same order. The registry is safe for
// concurrent use: the API mutates rules while scheduled and worker-driven
// detection runs read them.
type Detector struct {
	mu            sync.RWMutex
	rules         []Rule
	index         map[string]int // rule id -> position in rules
	minConfidence float64
	ruleTimeout   time.Duration
	logger        *slog.Logger
}

// DetectorOption customizes a Detector.
type DetectorOption func(*Detector)

// WithMinConfidence sets the confidence cutoff. Findings strictly below
// the cutoff are discarded.
func WithMinConfidence(min float64) DetectorOption {
	return func(d *Detector) { d.minConfidence = min }
}

// WithRuleTimeout bounds each rule's Detect call.
func WithRuleTimeout(timeout time.Duration) DetectorOption {
	return func(d *Detector) { d.ruleTimeout = timeout }
}

// NewDetector creates an empty detector.
func NewDetector(logger *slog.Logger, opts ...DetectorOption) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Detector{
		index:       make(map[string]int),
		ruleTimeout: 5 * time.Second,
		logger:      logger.With("component", "detector"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register stores a rule by ID after validating its configuration.
// Registering an ID that already exists replaces the prior rule in place,
// keeping its position in the evaluation order.
func (d *Detector) Register(rule Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is nil", domain.ErrInvalidRuleConfig)
	}
	if err := rule.ValidateConfig(); err != nil {
		return fmt.Errorf("registering rule %s: %w", rule.ID(), err)
	}

	d.mu.Lock()
	if pos, exists := d.index[rule.ID()]; exists {
		d.rules[pos] = rule
	} else {
		d.index[rule.ID()] = len(d.rules)
		d.rules = append(d.rules, rule)
	}
	d.mu.Unlock()

	d.logger.Info("rule registered",
		"rule_id", rule.ID(),
		"type", rule.Type(),
		"severity", rule.Severity())
	return nil
}

// Unregister removes a rule by ID, preserving the order of the rest.
// Returns false when the ID is unknown.
func (d *Detector) Unregister(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	pos, ok := d.index[id]
	if !ok {
		return false
	}
	d.rules = append(d.rules[:pos], d.rules[pos+1:]...)
	delete(d.index, id)
	for i := pos; i < len(d.rules); i++ {
		d.index[d.rules[i].ID()] = i
	}
	d.logger.Info("rule unregistered", "rule_id", id)
	return true
}

// Rule returns the rule with the given ID.
func (d *Detector) Rule(id string) (Rule, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pos, ok := d.index[id]
	if !ok {
		return nil, false
	}
	return d.rules[pos], true
}

// Rules returns all registered rules in registration order.
func (d *Detector) Rules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Rule, len(d.rules))
	copy(out, d.rules)
	return out
}

// EnabledRules returns the enabled subset in registration order.
func (d *Detector) EnabledRules() []Rule {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]Rule, 0, len(d.rules))
	for _, r := range d.rules {
		if r.Enabled() {
			out = append(out, r)
		}
	}
	return out
}

// SetRuleEnabled toggles a rule. Returns false when the ID is unknown.
func (d *Detector) SetRuleEnabled(id string, enabled bool) bool {
	rule, ok := d.Rule(id)
	if !ok {
		return false
	}
	rule.SetEnabled(enabled)
	d.logger.Info("rule toggled", "rule_id", id, "enabled", enabled)
	return true
}

// DetectAnomalies runs every enabled rule against the context. Rule
// failures are isolated: a failing rule contributes an entry to
// result.Errors and sibling rules keep running. Findings below the
// confidence cutoff are discarded.
func (d *Detector) DetectAnomalies(ctx context.Context, ac *domain.AnomalyContext) *domain.DetectionResult {
	start := time.Now()
	result := &domain.DetectionResult{
		ReceiptID: ac.Receipt.ID,
	}

	// Snapshot under the read lock; rules then run without holding it so
	// a slow rule cannot block registry mutation.
	rules := d.Rules()

	for _, rule := range rules {
		if !rule.Enabled() {
			continue
		}

		anomaly, err := d.runRule(ctx, rule, ac)
		if err != nil {
			execErr := &domain.RuleExecutionError{RuleID: rule.ID(), Err: err}
			result.Errors = append(result.Errors, execErr.Error())
			d.logger.Error("rule execution failed",
				"rule_id", rule.ID(),
				"receipt_id", ac.Receipt.ID,
				"error", err)
			continue
		}
		if anomaly == nil {
			continue
		}
		if anomaly.Confidence < d.minConfidence {
			d.logger.Debug("finding below confidence cutoff",
				"rule_id", rule.ID(),
				"receipt_id", ac.Receipt.ID,
				"confidence", anomaly.Confidence,
				"cutoff", d.minConfidence)
			continue
		}

		result.Anomalies = append(result.Anomalies, anomaly)
		result.HighestSeverity = domain.MaxSeverity(result.HighestSeverity, anomaly.Severity)
	}

	result.TotalAnomalies = len(result.Anomalies)
	result.Flagged = result.TotalAnomalies > 0
	result.ProcessingTime = time.Since(start)
	return result
}

// DetectBatch evaluates a slice of contexts sequentially and aggregates
// per-receipt errors at the batch level.
func (d *Detector) DetectBatch(ctx context.Context, contexts []*domain.AnomalyContext) *domain.BatchDetectionResult {
	start := time.Now()
	batch := &domain.BatchDetectionResult{
		TotalReceipts: len(contexts),
		Results:       make([]*domain.DetectionResult, 0, len(contexts)),
	}

	for _, ac := range contexts {
		if err := ctx.Err(); err != nil {
			batch.Errors = append(batch.Errors, fmt.Sprintf("batch aborted: %v", err))
			break
		}

		res := d.DetectAnomalies(ctx, ac)
		batch.Results = append(batch.Results, res)
		batch.ProcessedReceipts++
		batch.TotalAnomalies += res.TotalAnomalies
		if res.Flagged {
			batch.FlaggedReceipts++
		}
		batch.Errors = append(batch.Errors, res.Errors...)
	}

	batch.ProcessingTime = time.Since(start)
	return batch
}

// HealthCheck re-validates every registered rule's configuration.
func (d *Detector) HealthCheck() error {
	d.mu.RLock()
	rules := make(map[string]Rule, len(d.index))
	ids := make([]string, 0, len(d.index))
	for id, pos := range d.index {
		ids = append(ids, id)
		rules[id] = d.rules[pos]
	}
	d.mu.RUnlock()
	sort.Strings(ids)

	for _, id := range ids {
		if err := rules[id].ValidateConfig(); err != nil {
			return fmt.Errorf("rule %s: %w", id, err)
		}
	}
	return nil
}

// runRule executes one rule with a deadline and panic isolation. A panic
// inside Detect is converted to an error instead of crashing the run.
func (d *Detector) runRule(ctx context.Context, rule Rule, ac *domain.AnomalyContext) (*domain.AnomalyResult, error) {
	runCtx := ctx
	if d.ruleTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, d.ruleTimeout)
		defer cancel()
	}

	type outcome struct {
		anomaly *domain.AnomalyResult
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		anomaly, err := rule.Detect(runCtx, ac)
		done <- outcome{anomaly: anomaly, err: err}
	}()

	select {
	case out := <-done:
		return out.anomaly, out.err
	case <-runCtx.Done():
		return nil, fmt.Errorf("timed out after %s: %w", d.ruleTimeout, runCtx.Err())
	}
}
