// Package rules provides the anomaly detection rules and the detector
// that evaluates them against receipt contexts.
package rules

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// Rule is a self-contained detector implementing one heuristic over a
// receipt context. Rules are stateless across invocations and must never
// mutate their input context. Detect returns (nil, nil) for the ordinary
// "not anomalous" outcome; an error means genuine execution failure.
type Rule interface {
	ID() string
	Name() string
	Type() domain.AnomalyType
	Severity() domain.Severity
	Enabled() bool
	SetEnabled(enabled bool)

	Detect(ctx context.Context, ac *domain.AnomalyContext) (*domain.AnomalyResult, error)

	// ValidateConfig re-checks the rule's current configuration. It is
	// called at registration and by health checks, never skipped.
	ValidateConfig() error
}

// ruleInfo carries the identity shared by all rule implementations. The
// enabled flag is toggled at runtime while detection runs read it, so it
// is guarded.
type ruleInfo struct {
	id       string
	name     string
	typ      domain.AnomalyType
	severity domain.Severity

	mu      sync.RWMutex
	enabled bool
}

func (ri *ruleInfo) ID() string                { return ri.id }
func (ri *ruleInfo) Name() string              { return ri.name }
func (ri *ruleInfo) Type() domain.AnomalyType  { return ri.typ }
func (ri *ruleInfo) Severity() domain.Severity { return ri.severity }

func (ri *ruleInfo) Enabled() bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.enabled
}

func (ri *ruleInfo) SetEnabled(enabled bool) {
	ri.mu.Lock()
	ri.enabled = enabled
	ri.mu.Unlock()
}

// result builds an AnomalyResult stamped with the rule's identity.
func (ri *ruleInfo) result(receiptID, description string, confidence float64, details map[string]any) *domain.AnomalyResult {
	return &domain.AnomalyResult{
		RuleID:      ri.id,
		RuleName:    ri.name,
		Type:        ri.typ,
		Severity:    ri.severity,
		Description: description,
		Details:     details,
		Confidence:  confidence,
		ReceiptID:   receiptID,
		DetectedAt:  time.Now().UTC(),
	}
}

// containsFold reports whether s contains substr, case-insensitively.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// anyContainsFold reports whether s contains any of the given substrings.
func anyContainsFold(s string, substrs []string) bool {
	for _, sub := range substrs {
		if containsFold(s, sub) {
			return true
		}
	}
	return false
}

// validateList rejects blank entries; typed configs already rule out
// non-list values, so blanks are the remaining misconfiguration.
func validateList(name string, list []string) error {
	for _, entry := range list {
		if strings.TrimSpace(entry) == "" {
			return &configError{field: name, reason: "contains a blank entry"}
		}
	}
	return nil
}

// configError describes a single invalid configuration field.
type configError struct {
	field  string
	reason string
}

func (e *configError) Error() string {
	return e.field + " " + e.reason
}
