// Package worker provides async receipt processing from the EventBus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
	"github.com/fleetops/kestrel/internal/runner"
)

// Worker triggers detection for receipts as they are uploaded.
// It subscribes to the receipt-uploaded topic and runs single-receipt
// detection for each message.
type Worker struct {
	bus    domain.EventBus
	runner *runner.Runner

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc

	retryAttempts int
	retryWait     time.Duration
}

// Config holds worker configuration.
type Config struct {
	// RetryAttempts is how many times to retry a receipt when a batch
	// run holds the detection lease.
	RetryAttempts int

	// RetryWait is the pause between retries.
	RetryWait time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, r *runner.Runner, cfg Config) *Worker {
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = 500 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:           bus,
		runner:        r,
		ctx:           ctx,
		cancel:        cancel,
		retryAttempts: cfg.RetryAttempts,
		retryWait:     cfg.RetryWait,
	}
}

// Start subscribes to the receipt-uploaded topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicReceiptUploaded, w.handleMessage)
	if err != nil {
		return err
	}
	w.subscriptions = append(w.subscriptions, sub)

	slog.Info("worker started",
		"topic", domain.TopicReceiptUploaded,
	)

	return nil
}

// ReceiptMessage is the message payload for receipt processing.
type ReceiptMessage struct {
	ReceiptID string `json:"receiptId"`
	DriverID  string `json:"driverId,omitempty"`
	TraceID   string `json:"traceId,omitempty"`
}

// handleMessage runs detection for one uploaded receipt. Stop waits for
// in-flight handlers before returning.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.wg.Add(1)
	defer w.wg.Done()

	start := time.Now()

	var rm ReceiptMessage
	if err := json.Unmarshal(msg.Payload, &rm); err != nil {
		slog.Error("failed to parse receipt message",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if rm.ReceiptID == "" {
		slog.Warn("receipt message without receiptId",
			"message_id", msg.ID,
		)
		return nil
	}

	traceID := rm.TraceID
	if traceID == "" {
		traceID = msg.ID
	}

	slog.Debug("processing uploaded receipt",
		"receipt_id", rm.ReceiptID,
		"trace_id", traceID,
	)

	var result *domain.DetectionResult
	var err error
	for attempt := 0; attempt < w.retryAttempts; attempt++ {
		result, err = w.runner.RunSingleReceipt(ctx, rm.ReceiptID)
		if !errors.Is(err, domain.ErrAlreadyRunning) {
			break
		}
		// A batch run holds the lease; wait and retry.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.retryWait):
		}
	}

	switch {
	case errors.Is(err, domain.ErrAlreadyRunning):
		slog.Warn("detection busy, dropping receipt",
			"receipt_id", rm.ReceiptID,
			"attempts", w.retryAttempts,
		)
		return nil
	case errors.Is(err, domain.ErrReceiptNotFound):
		slog.Warn("uploaded receipt not found or not pending",
			"receipt_id", rm.ReceiptID,
		)
		return nil
	case err != nil:
		slog.Error("receipt detection failed",
			"receipt_id", rm.ReceiptID,
			"error", err,
		)
		return err
	}

	slog.Info("receipt processed",
		"receipt_id", rm.ReceiptID,
		"trace_id", traceID,
		"anomalies", len(result.Anomalies),
		"flagged", result.Flagged,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return nil
}

// Stop gracefully stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	// Unsubscribe all
	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
