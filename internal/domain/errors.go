package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repository lookups when a record does
	// not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidRuleConfig is returned when a rule's configuration fails
	// validation at registration. Registration never silently defaults.
	ErrInvalidRuleConfig = errors.New("invalid rule configuration")

	// ErrAlreadyRunning is returned when a detection run is requested while
	// another run holds the lease. The request has no side effects.
	ErrAlreadyRunning = errors.New("detection run already in progress")

	// ErrReceiptNotFound is returned by the single-receipt path when the
	// receipt does not exist.
	ErrReceiptNotFound = errors.New("receipt not found")
)

// RuleExecutionError wraps a failure inside one rule's Detect call.
// It is isolated per rule: sibling rules keep running.
type RuleExecutionError struct {
	RuleID string
	Err    error
}

func (e *RuleExecutionError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *RuleExecutionError) Unwrap() error {
	return e.Err
}

// ContextBuildError wraps a failure while assembling one receipt's context.
// The receipt is excluded from the batch; sibling receipts proceed.
type ContextBuildError struct {
	ReceiptID string
	Err       error
}

func (e *ContextBuildError) Error() string {
	return fmt.Sprintf("context for receipt %s: %v", e.ReceiptID, e.Err)
}

func (e *ContextBuildError) Unwrap() error {
	return e.Err
}
