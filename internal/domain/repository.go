package domain

import (
	"context"
	"time"
)

// ReceiptFilter selects candidate receipts for a detection run.
// By default only pending receipts are selected; ForceRerun lifts that.
type ReceiptFilter struct {
	ReceiptIDs []string
	DriverIDs  []string
	DateFrom   time.Time
	DateTo     time.Time
	ForceRerun bool
	Limit      int
}

// FindingFilter narrows finding queries for review surfaces.
type FindingFilter struct {
	ReceiptID     string
	Type          AnomalyType
	Severity      Severity
	Status        FindingStatus
	MinConfidence float64
	DateFrom      time.Time
	DateTo        time.Time
	Limit         int
}

// FindingUpdate carries review-state changes for a persisted finding.
type FindingUpdate struct {
	Status     FindingStatus
	ReviewedBy string
	Resolution string
}

// Repository defines the interface for fleet data access and finding
// persistence. Detection treats everything it reads as a snapshot.
type Repository interface {
	// Fleet record lookups
	GetDriver(ctx context.Context, driverID string) (*Driver, error)
	GetTrip(ctx context.Context, tripID string) (*Trip, error)
	GetVehicleForTrip(ctx context.Context, tripID string) (*Vehicle, error)

	// Receipt selection
	GetReceipt(ctx context.Context, receiptID string) (*Receipt, error)
	GetReceipts(ctx context.Context, filter ReceiptFilter) ([]*Receipt, error)

	// GetHistoricalReceipts returns up to cap receipts for the driver within
	// the lookback window, newest first.
	GetHistoricalReceipts(ctx context.Context, driverID string, lookbackDays, cap int) ([]*Receipt, error)

	// Receipt ingest and workflow
	SaveReceipt(ctx context.Context, r *Receipt) error
	FlagReceipt(ctx context.Context, receiptID, reason string) (bool, error)

	// Findings (append-only from detection; review updates only)
	CreateFinding(ctx context.Context, f *Finding) error
	GetFinding(ctx context.Context, id string) (*Finding, error)
	ListFindings(ctx context.Context, filter FindingFilter) ([]*Finding, error)
	UpdateFinding(ctx context.Context, id string, update FindingUpdate) (*Finding, error)
	GetFindingStatistics(ctx context.Context, dateFrom, dateTo time.Time) (*FindingStatistics, error)

	// Fleet record ingest (seed/demo and upstream sync)
	SaveDriver(ctx context.Context, d *Driver) error
	SaveVehicle(ctx context.Context, v *Vehicle) error
	SaveTrip(ctx context.Context, t *Trip) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
