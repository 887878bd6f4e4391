package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/fleetops/kestrel/internal/bus"
	"github.com/fleetops/kestrel/internal/contextbuild"
	"github.com/fleetops/kestrel/internal/domain"
	"github.com/fleetops/kestrel/internal/repository"
	"github.com/fleetops/kestrel/internal/rules"
	"github.com/fleetops/kestrel/internal/runner"
	"github.com/fleetops/kestrel/internal/velocity"
)

// createTestServer wires a server on a temp sqlite store and channel bus.
func createTestServer(t *testing.T) (*Server, domain.Repository) {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api_test.db"),
	})
	if err != nil {
		t.Fatalf("failed to open repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	detector, err := rules.NewDefaultDetector(logger)
	if err != nil {
		t.Fatalf("failed to build detector: %v", err)
	}

	cfg := domain.DefaultConfig()
	builder := contextbuild.NewBuilder(repo, cfg.Detection.LookbackDays, cfg.Detection.HistoryCap, logger)
	r := runner.New(repo, eventBus, detector, builder, cfg.Detection, logger)

	return NewServer(cfg.Server, repo, nil, eventBus, r, velocity.NewService(repo, nil), "test-v1"), repo
}

func seedFleet(t *testing.T, repo domain.Repository) {
	t.Helper()
	ctx := context.Background()

	driver := &domain.Driver{
		ID:            "driver-001",
		Name:          "Jonas Leder",
		Email:         "jonas@example.com",
		LicenseNumber: "CDL-4471",
		HireDate:      time.Date(2022, 3, 1, 0, 0, 0, 0, time.UTC),
		Active:        true,
	}
	if err := repo.SaveDriver(ctx, driver); err != nil {
		t.Fatalf("failed to save driver: %v", err)
	}

	receipt := &domain.Receipt{
		ID:           "rcpt-api-001",
		DriverID:     driver.ID,
		Amount:       45.20,
		MerchantName: "Casino Royale",
		Category:     "gambling",
		ReceiptDate:  time.Now().Add(-3 * time.Hour),
		SubmittedAt:  time.Now().Add(-2 * time.Hour),
		Status:       domain.ReceiptPending,
	}
	if err := repo.SaveReceipt(ctx, receipt); err != nil {
		t.Fatalf("failed to save receipt: %v", err)
	}
}

func doRequest(server *Server, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	rr := httptest.NewRecorder()
	server.Router().ServeHTTP(rr, req)
	return rr
}

func TestDetectEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	seedFleet(t, repo)

	t.Run("BatchRun", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result domain.BatchDetectionResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if result.TotalReceipts != 1 {
			t.Errorf("expected 1 receipt, got %d", result.TotalReceipts)
		}
		if result.TotalAnomalies == 0 {
			t.Error("expected the gambling receipt to produce an anomaly")
		}
		if result.FlaggedReceipts != 1 {
			t.Errorf("expected 1 flagged receipt, got %d", result.FlaggedReceipts)
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/detect", bytes.NewBufferString("not-json"))
		req.Header.Set("Content-Type", "application/json")

		rr := httptest.NewRecorder()
		server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("InvalidDate", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{DateFrom: "yesterday"})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestSingleReceiptEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	seedFleet(t, repo)

	t.Run("NotFound", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/receipts/missing/detect", nil)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d: %s", rr.Code, rr.Body.String())
		}
	})

	t.Run("Detect", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/receipts/rcpt-api-001/detect", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var result domain.DetectionResult
		if err := json.Unmarshal(rr.Body.Bytes(), &result); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}

		if result.ReceiptID != "rcpt-api-001" {
			t.Errorf("expected receipt rcpt-api-001, got %s", result.ReceiptID)
		}
		if !result.Flagged {
			t.Error("expected the gambling receipt to be flagged")
		}
	})
}

func TestUploadReceiptEndpoint(t *testing.T) {
	server, repo := createTestServer(t)
	seedFleet(t, repo)

	t.Run("Upload", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/receipts", UploadReceiptRequest{
			DriverID:     "driver-001",
			Amount:       62.10,
			MerchantName: "Pilot Travel Center",
			Category:     "fuel",
			ReceiptDate:  time.Now().Add(-time.Hour).Format(time.RFC3339),
		})

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		var receipt domain.Receipt
		if err := json.Unmarshal(rr.Body.Bytes(), &receipt); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if receipt.ID == "" {
			t.Error("expected a generated receipt id")
		}
		if receipt.Status != domain.ReceiptPending {
			t.Errorf("expected status pending, got %s", receipt.Status)
		}

		saved, err := repo.GetReceipt(context.Background(), receipt.ID)
		if err != nil {
			t.Fatalf("uploaded receipt not persisted: %v", err)
		}
		if saved.MerchantName != "Pilot Travel Center" {
			t.Errorf("expected merchant 'Pilot Travel Center', got %q", saved.MerchantName)
		}
	})

	t.Run("MissingDriver", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/receipts", UploadReceiptRequest{
			Amount:      10,
			ReceiptDate: time.Now().Format(time.RFC3339),
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("NonPositiveAmount", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/receipts", UploadReceiptRequest{
			DriverID:    "driver-001",
			Amount:      0,
			ReceiptDate: time.Now().Format(time.RFC3339),
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("List", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/rules", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Rules []RuleSummary `json:"rules"`
			Count int           `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count != 5 {
			t.Errorf("expected 5 default rules, got %d", resp.Count)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/rules/excessive-amount", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var rule RuleSummary
		if err := json.Unmarshal(rr.Body.Bytes(), &rule); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if rule.Type != domain.AnomalyExcessiveAmount {
			t.Errorf("expected type excessive_amount, got %s", rule.Type)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/rules/nope", nil)

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Disable", func(t *testing.T) {
		enabled := false
		rr := doRequest(server, http.MethodPut, "/rules/excessive-amount", UpdateRuleRequest{Enabled: &enabled})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var rule RuleSummary
		json.Unmarshal(rr.Body.Bytes(), &rule)
		if rule.Enabled {
			t.Error("expected rule to be disabled")
		}
	})

	t.Run("CreateExpressionRule", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules", rules.ExpressionRuleConfig{
			ID:          "round-amount",
			Name:        "Suspiciously Round Amount",
			Severity:    domain.SeverityLow,
			Expression:  "amount >= 100.0 && amount == double(int(amount / 100.0)) * 100.0",
			Description: "Receipt amount is a round hundred",
			Confidence:  0.5,
		})

		if rr.Code != http.StatusCreated {
			t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
		}

		// The new rule shows up in the registry
		list := doRequest(server, http.MethodGet, "/rules/round-amount", nil)
		if list.Code != http.StatusOK {
			t.Errorf("expected created rule to be retrievable, got %d", list.Code)
		}
	})

	t.Run("CreateInvalidExpression", func(t *testing.T) {
		rr := doRequest(server, http.MethodPost, "/rules", rules.ExpressionRuleConfig{
			ID:         "broken",
			Name:       "Broken",
			Severity:   domain.SeverityLow,
			Expression: "amount >",
			Confidence: 0.5,
		})

		if rr.Code != http.StatusBadRequest {
			t.Errorf("expected status 400, got %d", rr.Code)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		rr := doRequest(server, http.MethodDelete, "/rules/round-amount", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		missing := doRequest(server, http.MethodGet, "/rules/round-amount", nil)
		if missing.Code != http.StatusNotFound {
			t.Errorf("expected 404 after delete, got %d", missing.Code)
		}
	})
}

func TestFindingEndpoints(t *testing.T) {
	server, repo := createTestServer(t)
	seedFleet(t, repo)

	// Produce findings through a real run
	rr := doRequest(server, http.MethodPost, "/detect", DetectRequest{})
	if rr.Code != http.StatusOK {
		t.Fatalf("detect run failed: %d %s", rr.Code, rr.Body.String())
	}

	var findingID string

	t.Run("List", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/findings?receiptId=rcpt-api-001", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp struct {
			Findings []*domain.Finding `json:"findings"`
			Count    int               `json:"count"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Count == 0 {
			t.Fatal("expected at least one finding")
		}
		findingID = resp.Findings[0].ID
	})

	t.Run("Get", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/findings/"+findingID, nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("Review", func(t *testing.T) {
		rr := doRequest(server, http.MethodPut, "/findings/"+findingID, ReviewFindingRequest{
			Status:     domain.FindingResolved,
			ReviewedBy: "ops@example.com",
			Resolution: "confirmed personal expense",
		})

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}

		var finding domain.Finding
		if err := json.Unmarshal(rr.Body.Bytes(), &finding); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if finding.Status != domain.FindingResolved {
			t.Errorf("expected status resolved, got %s", finding.Status)
		}
		if finding.ReviewedAt == nil {
			t.Error("expected reviewedAt to be set")
		}
	})

	t.Run("ReviewMissing", func(t *testing.T) {
		rr := doRequest(server, http.MethodPut, "/findings/nope", ReviewFindingRequest{
			Status: domain.FindingReviewed,
		})

		if rr.Code != http.StatusNotFound {
			t.Errorf("expected status 404, got %d", rr.Code)
		}
	})

	t.Run("Stats", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/stats", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var stats domain.FindingStatistics
		if err := json.Unmarshal(rr.Body.Bytes(), &stats); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if stats.TotalFindings == 0 {
			t.Error("expected nonzero total findings")
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	server, _ := createTestServer(t)

	t.Run("Health", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/health", nil)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/ready", nil)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("RequestIDHeader", func(t *testing.T) {
		rr := doRequest(server, http.MethodGet, "/health", nil)

		if rr.Header().Get(RequestIDHeader) == "" {
			t.Error("expected X-Request-ID response header")
		}
	})
}
