package domain

import (
	"time"
)

// Severity classifies the importance of a finding.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// severityRank defines the total order LOW < MEDIUM < HIGH < CRITICAL.
// The ordering is explicit rather than inferred from declaration order so
// adding a severity cannot silently reorder comparisons.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric position of s in the severity order.
// Unknown severities rank below low.
func (s Severity) Rank() int {
	return severityRank[s]
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityRank[s]
	return ok
}

// MaxSeverity returns the higher of a and b under the total order.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AnomalyType identifies the heuristic that produced a finding.
type AnomalyType string

const (
	AnomalyExcessiveAmount     AnomalyType = "excessive_amount"
	AnomalyDuplicateReceipt    AnomalyType = "duplicate_receipt"
	AnomalyOutsideTripDates    AnomalyType = "outside_trip_dates"
	AnomalySuspiciousMerchant  AnomalyType = "suspicious_merchant"
	AnomalyFrequentSubmissions AnomalyType = "frequent_submissions"
	AnomalyCustomExpression    AnomalyType = "custom_expression"
)

// AnomalyResult is one rule's finding for one receipt. Produced once and
// never mutated; persistence of findings is append-only.
type AnomalyResult struct {
	RuleID      string         `json:"ruleId"`
	RuleName    string         `json:"ruleName"`
	Type        AnomalyType    `json:"type"`
	Severity    Severity       `json:"severity"`
	Description string         `json:"description"`
	Details     map[string]any `json:"details"`
	Confidence  float64        `json:"confidence"` // [0,1]
	ReceiptID   string         `json:"receiptId"`
	DetectedAt  time.Time      `json:"detectedAt"`
}

// DetectionResult aggregates all findings for one receipt.
// HighestSeverity is the empty string iff Anomalies is empty.
type DetectionResult struct {
	ReceiptID       string           `json:"receiptId"`
	Anomalies       []*AnomalyResult `json:"anomalies"`
	Flagged         bool             `json:"flagged"`
	HighestSeverity Severity         `json:"highestSeverity,omitempty"`
	TotalAnomalies  int              `json:"totalAnomalies"`
	ProcessingTime  time.Duration    `json:"processingTime"`
	Errors          []string         `json:"errors,omitempty"` // per-rule execution failures
}

// BatchDetectionResult is the run-level aggregate over many receipts.
type BatchDetectionResult struct {
	TotalReceipts     int                `json:"totalReceipts"`
	ProcessedReceipts int                `json:"processedReceipts"`
	TotalAnomalies    int                `json:"totalAnomalies"`
	FlaggedReceipts   int                `json:"flaggedReceipts"`
	Results           []*DetectionResult `json:"results"`
	ProcessingTime    time.Duration      `json:"processingTime"`
	Errors            []string           `json:"errors"`
}

// FindingStatus tracks the review lifecycle of a persisted finding.
type FindingStatus string

const (
	FindingDetected      FindingStatus = "detected"
	FindingReviewed      FindingStatus = "reviewed"
	FindingResolved      FindingStatus = "resolved"
	FindingFalsePositive FindingStatus = "false_positive"
)

// Finding is the persisted form of an AnomalyResult plus review state.
// Detection runs only ever create findings; status transitions happen
// through the review update path.
type Finding struct {
	ID          string        `json:"id"`
	ReceiptID   string        `json:"receiptId"`
	RuleID      string        `json:"ruleId"`
	RuleName    string        `json:"ruleName"`
	Type        AnomalyType   `json:"type"`
	Severity    Severity      `json:"severity"`
	Description string        `json:"description"`
	Details     string        `json:"details"` // JSON-serialized audit bag
	Confidence  float64       `json:"confidence"`
	Status      FindingStatus `json:"status"`
	ReviewedBy  string        `json:"reviewedBy,omitempty"`
	ReviewedAt  *time.Time    `json:"reviewedAt,omitempty"`
	Resolution  string        `json:"resolution,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// RuleCount is one entry of the top-rules leaderboard.
type RuleCount struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Count    int    `json:"count"`
}

// FindingStatistics summarizes persisted findings for review dashboards.
type FindingStatistics struct {
	TotalFindings int                   `json:"totalFindings"`
	ByType        map[AnomalyType]int   `json:"byType"`
	BySeverity    map[Severity]int      `json:"bySeverity"`
	ByStatus      map[FindingStatus]int `json:"byStatus"`
	AvgConfidence float64               `json:"avgConfidence"`
	TopRules      []RuleCount           `json:"topRules"`
}

// AnomalyEvent is the payload emitted to the notification sink when a
// receipt's findings meet the notification policy.
type AnomalyEvent struct {
	Type      AnomalyType    `json:"type"`
	Severity  Severity       `json:"severity"`
	ReceiptID string         `json:"receiptId"`
	Details   map[string]any `json:"details"`
	Timestamp time.Time      `json:"timestamp"`
}
