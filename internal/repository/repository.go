// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// ErrInvalidInput is returned when a required argument is missing.
var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveDriver stores or updates a driver record.
func (r *SQLRepository) SaveDriver(ctx context.Context, d *domain.Driver) error {
	if d.ID == "" {
		return fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}

	active := 0
	if d.Active {
		active = 1
	}

	query := `
		INSERT INTO drivers (id, name, email, phone, license_number, hire_date, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			phone = excluded.phone,
			license_number = excluded.license_number,
			hire_date = excluded.hire_date,
			active = excluded.active
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		d.ID, d.Name, d.Email, d.Phone, d.LicenseNumber, d.HireDate, active,
	)
	return err
}

// GetDriver retrieves a driver by ID.
func (r *SQLRepository) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	query := `
		SELECT id, name, email, phone, license_number, hire_date, active
		FROM drivers
		WHERE id = ?
	`

	var d domain.Driver
	var active int

	err := r.db.QueryRowContext(ctx, r.rebind(query), driverID).Scan(
		&d.ID, &d.Name, &d.Email, &d.Phone, &d.LicenseNumber, &d.HireDate, &active,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	d.Active = active == 1
	return &d, nil
}

// SaveVehicle stores or updates a vehicle record.
func (r *SQLRepository) SaveVehicle(ctx context.Context, v *domain.Vehicle) error {
	if v.ID == "" {
		return fmt.Errorf("%w: vehicle id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO vehicles (id, license_plate, make, model, year, fuel_type, avg_fuel_consumption)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			license_plate = excluded.license_plate,
			make = excluded.make,
			model = excluded.model,
			year = excluded.year,
			fuel_type = excluded.fuel_type,
			avg_fuel_consumption = excluded.avg_fuel_consumption
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.LicensePlate, v.Make, v.Model, v.Year, v.FuelType, v.AvgFuelConsumption,
	)
	return err
}

// SaveTrip stores or updates a trip record.
func (r *SQLRepository) SaveTrip(ctx context.Context, t *domain.Trip) error {
	if t.ID == "" {
		return fmt.Errorf("%w: trip id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO trips (id, driver_id, vehicle_id, start_date, end_date, origin, destination, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			driver_id = excluded.driver_id,
			vehicle_id = excluded.vehicle_id,
			start_date = excluded.start_date,
			end_date = excluded.end_date,
			origin = excluded.origin,
			destination = excluded.destination,
			status = excluded.status
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		t.ID, t.DriverID, t.VehicleID, t.StartDate, t.EndDate, t.Origin, t.Destination, t.Status,
	)
	return err
}

// GetTrip retrieves a trip by ID.
func (r *SQLRepository) GetTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	query := `
		SELECT id, driver_id, vehicle_id, start_date, end_date, origin, destination, status
		FROM trips
		WHERE id = ?
	`

	var t domain.Trip
	err := r.db.QueryRowContext(ctx, r.rebind(query), tripID).Scan(
		&t.ID, &t.DriverID, &t.VehicleID, &t.StartDate, &t.EndDate, &t.Origin, &t.Destination, &t.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// GetVehicleForTrip retrieves the vehicle assigned to a trip.
func (r *SQLRepository) GetVehicleForTrip(ctx context.Context, tripID string) (*domain.Vehicle, error) {
	query := `
		SELECT v.id, v.license_plate, v.make, v.model, v.year, v.fuel_type, v.avg_fuel_consumption
		FROM vehicles v
		JOIN trips t ON t.vehicle_id = v.id
		WHERE t.id = ?
	`

	var v domain.Vehicle
	err := r.db.QueryRowContext(ctx, r.rebind(query), tripID).Scan(
		&v.ID, &v.LicensePlate, &v.Make, &v.Model, &v.Year, &v.FuelType, &v.AvgFuelConsumption,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

const receiptColumns = `id, driver_id, trip_id, amount, merchant_name, category, description,
	   receipt_date, submitted_at, status, flag_reason`

// SaveReceipt stores or updates a receipt.
func (r *SQLRepository) SaveReceipt(ctx context.Context, rec *domain.Receipt) error {
	if rec.ID == "" {
		return fmt.Errorf("%w: receipt id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO receipts (
			id, driver_id, trip_id, amount, merchant_name, category,
			description, receipt_date, submitted_at, status, flag_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			driver_id = excluded.driver_id,
			trip_id = excluded.trip_id,
			amount = excluded.amount,
			merchant_name = excluded.merchant_name,
			category = excluded.category,
			description = excluded.description,
			receipt_date = excluded.receipt_date,
			submitted_at = excluded.submitted_at,
			status = excluded.status,
			flag_reason = excluded.flag_reason
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.DriverID, rec.TripID, rec.Amount, rec.MerchantName, rec.Category,
		rec.Description, rec.ReceiptDate, rec.SubmittedAt, string(rec.Status), rec.FlagReason,
	)
	return err
}

// GetReceipt retrieves a receipt by ID.
func (r *SQLRepository) GetReceipt(ctx context.Context, receiptID string) (*domain.Receipt, error) {
	query := `SELECT ` + receiptColumns + ` FROM receipts WHERE id = ?`

	rec, err := scanReceipt(r.db.QueryRowContext(ctx, r.rebind(query), receiptID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rec, err
}

// GetReceipts selects candidate receipts. Without ForceRerun only pending
// receipts are returned.
func (r *SQLRepository) GetReceipts(ctx context.Context, filter domain.ReceiptFilter) ([]*domain.Receipt, error) {
	var conds []string
	var args []any

	if len(filter.ReceiptIDs) > 0 {
		conds = append(conds, "id IN ("+placeholders(len(filter.ReceiptIDs))+")")
		for _, id := range filter.ReceiptIDs {
			args = append(args, id)
		}
	}
	if len(filter.DriverIDs) > 0 {
		conds = append(conds, "driver_id IN ("+placeholders(len(filter.DriverIDs))+")")
		for _, id := range filter.DriverIDs {
			args = append(args, id)
		}
	}
	if !filter.DateFrom.IsZero() {
		conds = append(conds, "submitted_at >= ?")
		args = append(args, filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		conds = append(conds, "submitted_at <= ?")
		args = append(args, filter.DateTo)
	}
	if !filter.ForceRerun {
		conds = append(conds, "status = ?")
		args = append(args, string(domain.ReceiptPending))
	}

	query := `SELECT ` + receiptColumns + ` FROM receipts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY submitted_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectReceipts(rows)
}

// GetHistoricalReceipts returns up to cap receipts for the driver within
// the lookback window, newest first.
func (r *SQLRepository) GetHistoricalReceipts(ctx context.Context, driverID string, lookbackDays, cap int) ([]*domain.Receipt, error) {
	if driverID == "" {
		return nil, fmt.Errorf("%w: driver id is required", ErrInvalidInput)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays)

	query := `
		SELECT ` + receiptColumns + `
		FROM receipts
		WHERE driver_id = ? AND submitted_at >= ?
		ORDER BY submitted_at DESC
	`
	if cap > 0 {
		query += fmt.Sprintf(" LIMIT %d", cap)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), driverID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectReceipts(rows)
}

// FlagReceipt marks a receipt flagged with the given reason. Returns false
// when the receipt does not exist.
func (r *SQLRepository) FlagReceipt(ctx context.Context, receiptID, reason string) (bool, error) {
	query := `
		UPDATE receipts
		SET status = ?, flag_reason = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(domain.ReceiptFlagged), reason, receiptID)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

const findingColumns = `id, receipt_id, rule_id, rule_name, type, severity, description,
	   details, confidence, status, reviewed_by, reviewed_at, resolution, created_at, updated_at`

// CreateFinding stores a detection finding. Findings are append-only.
func (r *SQLRepository) CreateFinding(ctx context.Context, f *domain.Finding) error {
	if f.ID == "" {
		return fmt.Errorf("%w: finding id is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO findings (
			id, receipt_id, rule_id, rule_name, type, severity, description,
			details, confidence, status, reviewed_by, reviewed_at, resolution,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		f.ID, f.ReceiptID, f.RuleID, f.RuleName, string(f.Type), string(f.Severity),
		f.Description, f.Details, f.Confidence, string(f.Status),
		f.ReviewedBy, f.ReviewedAt, f.Resolution, f.CreatedAt, f.UpdatedAt,
	)
	return err
}

// GetFinding retrieves a finding by ID.
func (r *SQLRepository) GetFinding(ctx context.Context, id string) (*domain.Finding, error) {
	query := `SELECT ` + findingColumns + ` FROM findings WHERE id = ?`

	f, err := scanFinding(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return f, err
}

// ListFindings retrieves findings matching the filter, newest first.
func (r *SQLRepository) ListFindings(ctx context.Context, filter domain.FindingFilter) ([]*domain.Finding, error) {
	var conds []string
	var args []any

	if filter.ReceiptID != "" {
		conds = append(conds, "receipt_id = ?")
		args = append(args, filter.ReceiptID)
	}
	if filter.Type != "" {
		conds = append(conds, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Severity != "" {
		conds = append(conds, "severity = ?")
		args = append(args, string(filter.Severity))
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.MinConfidence > 0 {
		conds = append(conds, "confidence >= ?")
		args = append(args, filter.MinConfidence)
	}
	if !filter.DateFrom.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, filter.DateFrom)
	}
	if !filter.DateTo.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, filter.DateTo)
	}

	query := `SELECT ` + findingColumns + ` FROM findings`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []*domain.Finding
	for rows.Next() {
		f, err := scanFinding(rows)
		if err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

// UpdateFinding applies a review-state change and returns the updated
// finding. Detection fields are immutable; only review state moves.
func (r *SQLRepository) UpdateFinding(ctx context.Context, id string, update domain.FindingUpdate) (*domain.Finding, error) {
	if update.Status == "" {
		return nil, fmt.Errorf("%w: status is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		UPDATE findings
		SET status = ?, reviewed_by = ?, reviewed_at = ?, resolution = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query),
		string(update.Status), update.ReviewedBy, now, update.Resolution, now, id,
	)
	if err != nil {
		return nil, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrNotFound
	}

	return r.GetFinding(ctx, id)
}

// GetFindingStatistics aggregates findings in the given window. Zero
// bounds are open-ended.
func (r *SQLRepository) GetFindingStatistics(ctx context.Context, dateFrom, dateTo time.Time) (*domain.FindingStatistics, error) {
	var conds []string
	var args []any
	if !dateFrom.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, dateFrom)
	}
	if !dateTo.IsZero() {
		conds = append(conds, "created_at <= ?")
		args = append(args, dateTo)
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	stats := &domain.FindingStatistics{
		ByType:     make(map[domain.AnomalyType]int),
		BySeverity: make(map[domain.Severity]int),
		ByStatus:   make(map[domain.FindingStatus]int),
		TopRules:   []domain.RuleCount{},
	}

	var avgConfidence sql.NullFloat64
	err := r.db.QueryRowContext(ctx,
		r.rebind(`SELECT COUNT(*), AVG(confidence) FROM findings`+where), args...,
	).Scan(&stats.TotalFindings, &avgConfidence)
	if err != nil {
		return nil, err
	}
	if avgConfidence.Valid {
		stats.AvgConfidence = avgConfidence.Float64
	}

	if err := r.groupCount(ctx, "type", where, args, func(key string, count int) {
		stats.ByType[domain.AnomalyType(key)] = count
	}); err != nil {
		return nil, err
	}
	if err := r.groupCount(ctx, "severity", where, args, func(key string, count int) {
		stats.BySeverity[domain.Severity(key)] = count
	}); err != nil {
		return nil, err
	}
	if err := r.groupCount(ctx, "status", where, args, func(key string, count int) {
		stats.ByStatus[domain.FindingStatus(key)] = count
	}); err != nil {
		return nil, err
	}

	topQuery := `
		SELECT rule_id, rule_name, COUNT(*) AS cnt
		FROM findings` + where + `
		GROUP BY rule_id, rule_name
		ORDER BY cnt DESC
		LIMIT 10
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(topQuery), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var rc domain.RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.RuleName, &rc.Count); err != nil {
			return nil, err
		}
		stats.TopRules = append(stats.TopRules, rc)
	}
	return stats, rows.Err()
}

func (r *SQLRepository) groupCount(ctx context.Context, column, where string, args []any, assign func(key string, count int)) error {
	query := `SELECT ` + column + `, COUNT(*) FROM findings` + where + ` GROUP BY ` + column

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return err
		}
		assign(key, count)
	}
	return rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReceipt(row rowScanner) (*domain.Receipt, error) {
	var rec domain.Receipt
	var tripID, description, flagReason sql.NullString
	var status string

	err := row.Scan(
		&rec.ID, &rec.DriverID, &tripID, &rec.Amount, &rec.MerchantName, &rec.Category,
		&description, &rec.ReceiptDate, &rec.SubmittedAt, &status, &flagReason,
	)
	if err != nil {
		return nil, err
	}

	rec.TripID = tripID.String
	rec.Description = description.String
	rec.FlagReason = flagReason.String
	rec.Status = domain.ReceiptStatus(status)
	return &rec, nil
}

func collectReceipts(rows *sql.Rows) ([]*domain.Receipt, error) {
	var receipts []*domain.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, rec)
	}
	return receipts, rows.Err()
}

func scanFinding(row rowScanner) (*domain.Finding, error) {
	var f domain.Finding
	var typ, severity, status string
	var details, reviewedBy, resolution sql.NullString
	var reviewedAt sql.NullTime

	err := row.Scan(
		&f.ID, &f.ReceiptID, &f.RuleID, &f.RuleName, &typ, &severity, &f.Description,
		&details, &f.Confidence, &status, &reviewedBy, &reviewedAt, &resolution,
		&f.CreatedAt, &f.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	f.Type = domain.AnomalyType(typ)
	f.Severity = domain.Severity(severity)
	f.Status = domain.FindingStatus(status)
	f.Details = details.String
	f.ReviewedBy = reviewedBy.String
	f.Resolution = resolution.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		f.ReviewedAt = &t
	}
	return &f, nil
}

// placeholders returns n comma-separated ? markers.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
