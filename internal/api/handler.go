package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetops/kestrel/internal/domain"
	"github.com/fleetops/kestrel/internal/rules"
	"github.com/fleetops/kestrel/internal/runner"
	"github.com/fleetops/kestrel/internal/velocity"
	"github.com/fleetops/kestrel/internal/worker"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	bus      domain.EventBus
	runner   *runner.Runner
	velocity *velocity.Service
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, bus domain.EventBus, r *runner.Runner, vel *velocity.Service, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		bus:      bus,
		runner:   r,
		velocity: vel,
		version:  version,
	}
}

func (h *Handler) detector() *rules.Detector {
	return h.runner.Detector()
}

// DetectRequest is the request body for POST /detect.
type DetectRequest struct {
	ReceiptIDs []string `json:"receiptIds,omitempty"`
	DriverIDs  []string `json:"driverIds,omitempty"`
	DateFrom   string   `json:"dateFrom,omitempty"` // RFC 3339
	DateTo     string   `json:"dateTo,omitempty"`
	ForceRerun bool     `json:"forceRerun,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

// Detect handles POST /detect: a batch detection run over candidate receipts.
func (h *Handler) Detect(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req DetectRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "invalid JSON request body",
			})
			return
		}
	}

	filter := domain.ReceiptFilter{
		ReceiptIDs: req.ReceiptIDs,
		DriverIDs:  req.DriverIDs,
		ForceRerun: req.ForceRerun,
		Limit:      req.Limit,
	}
	var err error
	if filter.DateFrom, err = parseTime(req.DateFrom); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dateFrom must be RFC 3339",
		})
		return
	}
	if filter.DateTo, err = parseTime(req.DateTo); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dateTo must be RFC 3339",
		})
		return
	}

	result, err := h.runner.RunDetection(ctx, filter)
	if err != nil {
		if errors.Is(err, domain.ErrAlreadyRunning) {
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "a detection run is already in progress",
			})
			return
		}
		slog.Error("detection run failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "detection run failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// DetectReceipt handles POST /receipts/{id}/detect: on-demand detection
// for a single receipt.
func (h *Handler) DetectReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	receiptID := chi.URLParam(r, "id")

	if receiptID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "receipt id is required",
		})
		return
	}

	result, err := h.runner.RunSingleReceipt(ctx, receiptID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyRunning):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error": "a detection run is already in progress",
			})
		case errors.Is(err, domain.ErrReceiptNotFound):
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "receipt not found",
			})
		default:
			slog.Error("single-receipt detection failed", "receipt_id", receiptID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "detection failed",
			})
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// UploadReceiptRequest is the request body for POST /receipts.
type UploadReceiptRequest struct {
	ID           string  `json:"id,omitempty"`
	DriverID     string  `json:"driverId"`
	TripID       string  `json:"tripId,omitempty"`
	Amount       float64 `json:"amount"`
	MerchantName string  `json:"merchantName"`
	Category     string  `json:"category"`
	Description  string  `json:"description,omitempty"`
	ReceiptDate  string  `json:"receiptDate"` // RFC 3339
}

// UploadReceipt handles POST /receipts: saves a pending receipt and
// publishes a receipt-uploaded event for the async worker.
func (h *Handler) UploadReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req UploadReceiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	if req.DriverID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "driverId is required",
		})
		return
	}
	if req.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "amount must be positive",
		})
		return
	}
	receiptDate, err := parseTime(req.ReceiptDate)
	if err != nil || receiptDate.IsZero() {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "receiptDate must be RFC 3339",
		})
		return
	}

	receipt := &domain.Receipt{
		ID:           req.ID,
		DriverID:     req.DriverID,
		TripID:       req.TripID,
		Amount:       req.Amount,
		MerchantName: req.MerchantName,
		Category:     req.Category,
		Description:  req.Description,
		ReceiptDate:  receiptDate,
		SubmittedAt:  time.Now().UTC(),
		Status:       domain.ReceiptPending,
	}
	if receipt.ID == "" {
		receipt.ID = uuid.New().String()
	}

	if err := h.repo.SaveReceipt(ctx, receipt); err != nil {
		slog.Error("failed to save receipt", "receipt_id", receipt.ID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to save receipt",
		})
		return
	}

	// Rate accounting is advisory; the frequency rule makes the actual call.
	if h.velocity != nil {
		if count := h.velocity.Record(ctx, receipt.DriverID, time.Hour); count > 5 {
			slog.Warn("rapid receipt submissions",
				"driver_id", receipt.DriverID,
				"submissions_last_hour", count,
			)
		}
	}

	// Fire-and-forget: upload succeeds even if the event cannot be
	// delivered; the receipt stays pending for the next batch run.
	payload, _ := json.Marshal(worker.ReceiptMessage{
		ReceiptID: receipt.ID,
		DriverID:  receipt.DriverID,
		TraceID:   GetTraceID(ctx),
	})
	if err := h.bus.Publish(ctx, domain.TopicReceiptUploaded, payload); err != nil {
		slog.Warn("failed to publish receipt-uploaded event",
			"receipt_id", receipt.ID,
			"error", err,
		)
	}

	writeJSON(w, http.StatusCreated, receipt)
}

// GetReceipt handles GET /receipts/{id}.
func (h *Handler) GetReceipt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	receiptID := chi.URLParam(r, "id")

	receipt, err := h.repo.GetReceipt(ctx, receiptID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "receipt not found",
			})
			return
		}
		slog.Error("failed to get receipt", "receipt_id", receiptID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get receipt",
		})
		return
	}

	writeJSON(w, http.StatusOK, receipt)
}

// RuleSummary is the wire form of a registered rule.
type RuleSummary struct {
	ID       string             `json:"id"`
	Name     string             `json:"name"`
	Type     domain.AnomalyType `json:"type"`
	Severity domain.Severity    `json:"severity"`
	Enabled  bool               `json:"enabled"`
}

func summarize(r rules.Rule) RuleSummary {
	return RuleSummary{
		ID:       r.ID(),
		Name:     r.Name(),
		Type:     r.Type(),
		Severity: r.Severity(),
		Enabled:  r.Enabled(),
	}
}

// ListRules returns all registered rules in registration order.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	registered := h.detector().Rules()
	summaries := make([]RuleSummary, 0, len(registered))
	for _, rule := range registered {
		summaries = append(summaries, summarize(rule))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": summaries,
		"count": len(summaries),
	})
}

// GetRule retrieves a registered rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	rule, ok := h.detector().Rule(ruleID)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	writeJSON(w, http.StatusOK, summarize(rule))
}

// UpdateRuleRequest is the request body for PUT /rules/{id}.
type UpdateRuleRequest struct {
	Enabled *bool `json:"enabled"`
}

// UpdateRule enables or disables a registered rule.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	var req UpdateRuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Enabled == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "enabled is required",
		})
		return
	}

	if !h.detector().SetRuleEnabled(ruleID, *req.Enabled) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	rule, _ := h.detector().Rule(ruleID)
	slog.Info("rule updated", "rule_id", ruleID, "enabled", *req.Enabled)
	writeJSON(w, http.StatusOK, summarize(rule))
}

// CreateRule registers a CEL expression rule. Posting an existing rule ID
// replaces that rule.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	var cfg rules.ExpressionRuleConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	rule, err := rules.NewExpressionRule(cfg)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid rule: " + err.Error(),
		})
		return
	}

	if err := h.detector().Register(rule); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "failed to register rule: " + err.Error(),
		})
		return
	}

	slog.Info("expression rule created", "rule_id", cfg.ID, "name", cfg.Name)
	writeJSON(w, http.StatusCreated, summarize(rule))
}

// DeleteRule unregisters a rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	if !h.detector().Unregister(ruleID) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "rule not found",
		})
		return
	}

	slog.Info("rule deleted", "rule_id", ruleID)
	writeJSON(w, http.StatusOK, map[string]string{
		"message": "rule deleted",
	})
}

// ListFindings handles GET /findings with optional filters.
func (h *Handler) ListFindings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := domain.FindingFilter{
		ReceiptID: q.Get("receiptId"),
		Type:      domain.AnomalyType(q.Get("type")),
		Severity:  domain.Severity(q.Get("severity")),
		Status:    domain.FindingStatus(q.Get("status")),
	}
	var err error
	if filter.DateFrom, err = parseTime(q.Get("dateFrom")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dateFrom must be RFC 3339",
		})
		return
	}
	if filter.DateTo, err = parseTime(q.Get("dateTo")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dateTo must be RFC 3339",
		})
		return
	}

	findings, err := h.repo.ListFindings(ctx, filter)
	if err != nil {
		slog.Error("failed to list findings", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to list findings",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"findings": findings,
		"count":    len(findings),
	})
}

// GetFinding handles GET /findings/{id}.
func (h *Handler) GetFinding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	findingID := chi.URLParam(r, "id")

	finding, err := h.repo.GetFinding(ctx, findingID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "finding not found",
			})
			return
		}
		slog.Error("failed to get finding", "finding_id", findingID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to get finding",
		})
		return
	}

	writeJSON(w, http.StatusOK, finding)
}

// ReviewFindingRequest is the request body for PUT /findings/{id}.
type ReviewFindingRequest struct {
	Status     domain.FindingStatus `json:"status"`
	ReviewedBy string               `json:"reviewedBy,omitempty"`
	Resolution string               `json:"resolution,omitempty"`
}

// ReviewFinding handles PUT /findings/{id}: review-state transitions.
func (h *Handler) ReviewFinding(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	findingID := chi.URLParam(r, "id")

	var req ReviewFindingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "status is required",
		})
		return
	}

	finding, err := h.repo.UpdateFinding(ctx, findingID, domain.FindingUpdate{
		Status:     req.Status,
		ReviewedBy: req.ReviewedBy,
		Resolution: req.Resolution,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "finding not found",
			})
			return
		}
		slog.Error("failed to update finding", "finding_id", findingID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to update finding",
		})
		return
	}

	writeJSON(w, http.StatusOK, finding)
}

// GetStatistics handles GET /stats: finding aggregates for a date window.
func (h *Handler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	dateFrom, err := parseTime(q.Get("dateFrom"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dateFrom must be RFC 3339",
		})
		return
	}
	dateTo, err := parseTime(q.Get("dateTo"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "dateTo must be RFC 3339",
		})
		return
	}

	stats, err := h.runner.GetStatistics(ctx, dateFrom, dateTo)
	if err != nil {
		slog.Error("failed to compute statistics", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to compute statistics",
		})
		return
	}

	writeJSON(w, http.StatusOK, stats)
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if err := h.runner.HealthCheck(r.Context()); err != nil {
		status = "degraded"
	}

	// Check cache health
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
