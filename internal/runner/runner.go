// Package runner orchestrates detection runs: candidate selection,
// context assembly, rule evaluation, finding persistence, receipt
// flagging, and anomaly notifications.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetops/kestrel/internal/contextbuild"
	"github.com/fleetops/kestrel/internal/domain"
	"github.com/fleetops/kestrel/internal/rules"
)

// Runner drives the detection pipeline. At most one run may be in flight
// at a time; both the batch and single-receipt paths take the same lease.
type Runner struct {
	repo     domain.Repository
	bus      domain.EventBus
	detector *rules.Detector
	builder  *contextbuild.Builder
	cfg      domain.DetectionConfig
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
}

// New creates a runner wired to the given components.
func New(repo domain.Repository, bus domain.EventBus, detector *rules.Detector, builder *contextbuild.Builder, cfg domain.DetectionConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.NotifyThresholds == nil {
		cfg.NotifyThresholds = domain.DefaultNotifyThresholds()
	}
	return &Runner{
		repo:     repo,
		bus:      bus,
		detector: detector,
		builder:  builder,
		cfg:      cfg,
		logger:   logger.With("component", "runner"),
	}
}

// Detector exposes the rule registry for the API layer.
func (r *Runner) Detector() *rules.Detector {
	return r.detector
}

// IsRunning reports whether a run currently holds the lease.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) acquire() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return domain.ErrAlreadyRunning
	}
	r.running = true
	return nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}

// RunDetection executes a batch run over the receipts selected by filter.
// An empty filter selects pending receipts up to the configured batch
// size. Selection failure aborts the whole run; per-receipt failures
// after selection only exclude the receipt.
func (r *Runner) RunDetection(ctx context.Context, filter domain.ReceiptFilter) (*domain.BatchDetectionResult, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	if filter.Limit <= 0 {
		filter.Limit = r.cfg.BatchSize
	}

	r.logger.Info("detection run started",
		"force_rerun", filter.ForceRerun,
		"limit", filter.Limit)

	receipts, err := r.repo.GetReceipts(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("selecting candidate receipts: %w", err)
	}
	if len(receipts) == 0 {
		r.logger.Info("detection run finished", "receipts", 0)
		return &domain.BatchDetectionResult{Results: []*domain.DetectionResult{}, Errors: []string{}}, nil
	}

	contexts, buildErrs := r.builder.BuildAll(ctx, receipts)

	batch := r.detector.DetectBatch(ctx, contexts)
	batch.TotalReceipts = len(receipts)
	for _, err := range buildErrs {
		batch.Errors = append(batch.Errors, err.Error())
	}

	batch.Errors = append(batch.Errors, r.processResults(ctx, batch.Results)...)

	r.publishRunCompleted(ctx, batch)

	r.logger.Info("detection run finished",
		"receipts", batch.TotalReceipts,
		"processed", batch.ProcessedReceipts,
		"anomalies", batch.TotalAnomalies,
		"flagged", batch.FlaggedReceipts,
		"errors", len(batch.Errors),
		"duration", batch.ProcessingTime)

	return batch, nil
}

// RunSingleReceipt evaluates one receipt, typically on upload. It takes
// the same run lease as the batch path so findings are never persisted
// concurrently. The receipt must match the default candidate criteria
// unless a prior flag is being re-examined via RunDetection with
// ForceRerun.
func (r *Runner) RunSingleReceipt(ctx context.Context, receiptID string) (*domain.DetectionResult, error) {
	if err := r.acquire(); err != nil {
		return nil, err
	}
	defer r.release()

	receipts, err := r.repo.GetReceipts(ctx, domain.ReceiptFilter{ReceiptIDs: []string{receiptID}})
	if err != nil {
		return nil, fmt.Errorf("loading receipt %s: %w", receiptID, err)
	}
	if len(receipts) == 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrReceiptNotFound, receiptID)
	}

	ac, err := r.builder.Build(ctx, receipts[0])
	if err != nil {
		return nil, err
	}
	if ac == nil {
		return nil, &domain.ContextBuildError{ReceiptID: receiptID, Err: fmt.Errorf("driver %s not found", receipts[0].DriverID)}
	}

	result := r.detector.DetectAnomalies(ctx, ac)
	result.Errors = append(result.Errors, r.processResults(ctx, []*domain.DetectionResult{result})...)

	r.logger.Info("single receipt evaluated",
		"receipt_id", receiptID,
		"anomalies", result.TotalAnomalies,
		"flagged", result.Flagged)

	return result, nil
}

// processResults persists findings, flags receipts, and emits
// notifications per the severity policy. Persistence failures never abort
// the run: each is recorded and the remaining receipts proceed.
func (r *Runner) processResults(ctx context.Context, results []*domain.DetectionResult) []string {
	var errs []string

	for _, result := range results {
		if !result.Flagged {
			continue
		}

		for _, anomaly := range result.Anomalies {
			finding, err := findingFromAnomaly(anomaly)
			if err != nil {
				errs = append(errs, fmt.Sprintf("building finding for receipt %s: %v", result.ReceiptID, err))
				r.logger.Error("building finding failed", "receipt_id", result.ReceiptID, "rule_id", anomaly.RuleID, "error", err)
				continue
			}
			if err := r.repo.CreateFinding(ctx, finding); err != nil {
				errs = append(errs, fmt.Sprintf("persisting finding for receipt %s: %v", result.ReceiptID, err))
				r.logger.Error("persisting finding failed", "receipt_id", result.ReceiptID, "rule_id", anomaly.RuleID, "error", err)
				continue
			}
		}

		reason := fmt.Sprintf("Flagged due to %d anomaly(ies) detected", result.TotalAnomalies)
		if _, err := r.repo.FlagReceipt(ctx, result.ReceiptID, reason); err != nil {
			errs = append(errs, fmt.Sprintf("flagging receipt %s: %v", result.ReceiptID, err))
			r.logger.Error("flagging receipt failed", "receipt_id", result.ReceiptID, "error", err)
			continue
		}

		r.notify(ctx, result)
	}
	return errs
}

// findingFromAnomaly converts an in-memory finding to its persisted form.
func findingFromAnomaly(a *domain.AnomalyResult) (*domain.Finding, error) {
	details, err := json.Marshal(a.Details)
	if err != nil {
		return nil, fmt.Errorf("serializing details: %w", err)
	}
	now := time.Now().UTC()
	return &domain.Finding{
		ID:          uuid.NewString(),
		ReceiptID:   a.ReceiptID,
		RuleID:      a.RuleID,
		RuleName:    a.RuleName,
		Type:        a.Type,
		Severity:    a.Severity,
		Description: a.Description,
		Details:     string(details),
		Confidence:  a.Confidence,
		Status:      domain.FindingDetected,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// notify emits an anomaly event when the receipt's findings meet the
// policy for their highest severity. Delivery failures are logged, never
// propagated: notifications must not fail a run.
func (r *Runner) notify(ctx context.Context, result *domain.DetectionResult) {
	if !r.cfg.EnableNotifications || result.TotalAnomalies == 0 {
		return
	}

	threshold := r.cfg.NotifyThresholds[result.HighestSeverity]
	if !threshold.Immediate && result.TotalAnomalies < threshold.BatchSize {
		return
	}

	ruleNames := make([]string, len(result.Anomalies))
	maxConfidence := 0.0
	for i, a := range result.Anomalies {
		ruleNames[i] = a.RuleName
		if a.Confidence > maxConfidence {
			maxConfidence = a.Confidence
		}
	}

	event := domain.AnomalyEvent{
		Type:      result.Anomalies[0].Type,
		Severity:  result.HighestSeverity,
		ReceiptID: result.ReceiptID,
		Details: map[string]any{
			"anomalyCount": result.TotalAnomalies,
			"rules":        ruleNames,
			"confidence":   maxConfidence,
		},
		Timestamp: time.Now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("serializing anomaly event", "receipt_id", result.ReceiptID, "error", err)
		return
	}
	if err := r.bus.Publish(ctx, domain.TopicAnomalyDetected, payload); err != nil {
		r.logger.Error("publishing anomaly event", "receipt_id", result.ReceiptID, "error", err)
	}
}

// publishRunCompleted emits a run summary. Fire-and-forget like notify.
func (r *Runner) publishRunCompleted(ctx context.Context, batch *domain.BatchDetectionResult) {
	payload, err := json.Marshal(map[string]any{
		"totalReceipts":     batch.TotalReceipts,
		"processedReceipts": batch.ProcessedReceipts,
		"totalAnomalies":    batch.TotalAnomalies,
		"flaggedReceipts":   batch.FlaggedReceipts,
		"errors":            len(batch.Errors),
		"processingMs":      batch.ProcessingTime.Milliseconds(),
		"completedAt":       time.Now().UTC(),
	})
	if err != nil {
		r.logger.Error("serializing run summary", "error", err)
		return
	}
	if err := r.bus.Publish(ctx, domain.TopicRunCompleted, payload); err != nil {
		r.logger.Error("publishing run summary", "error", err)
	}
}

// GetStatistics returns aggregate finding statistics for the window.
func (r *Runner) GetStatistics(ctx context.Context, dateFrom, dateTo time.Time) (*domain.FindingStatistics, error) {
	return r.repo.GetFindingStatistics(ctx, dateFrom, dateTo)
}

// HealthCheck verifies the detector configuration and backing services.
func (r *Runner) HealthCheck(ctx context.Context) error {
	if err := r.detector.HealthCheck(); err != nil {
		return fmt.Errorf("detector: %w", err)
	}
	if err := r.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if err := r.bus.Ping(ctx); err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	return nil
}
