package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaDrivers = `
CREATE TABLE IF NOT EXISTS drivers (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    email TEXT NOT NULL,
    phone TEXT,
    license_number TEXT,
    hire_date TIMESTAMP,
    active INTEGER NOT NULL DEFAULT 1
);
`

const schemaVehicles = `
CREATE TABLE IF NOT EXISTS vehicles (
    id TEXT PRIMARY KEY,
    license_plate TEXT NOT NULL,
    make TEXT,
    model TEXT,
    year INTEGER,
    fuel_type TEXT,
    avg_fuel_consumption REAL NOT NULL DEFAULT 0
);
`

const schemaTrips = `
CREATE TABLE IF NOT EXISTS trips (
    id TEXT PRIMARY KEY,
    driver_id TEXT NOT NULL,
    vehicle_id TEXT,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP NOT NULL,
    origin TEXT,
    destination TEXT,
    status TEXT NOT NULL DEFAULT 'scheduled'
);

CREATE INDEX IF NOT EXISTS idx_trips_driver ON trips(driver_id);
`

const schemaReceipts = `
CREATE TABLE IF NOT EXISTS receipts (
    id TEXT PRIMARY KEY,
    driver_id TEXT NOT NULL,
    trip_id TEXT,
    amount REAL NOT NULL,
    merchant_name TEXT NOT NULL,
    category TEXT NOT NULL,
    description TEXT,
    receipt_date TIMESTAMP NOT NULL,
    submitted_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    flag_reason TEXT
);

CREATE INDEX IF NOT EXISTS idx_receipts_driver ON receipts(driver_id);
CREATE INDEX IF NOT EXISTS idx_receipts_status ON receipts(status);
CREATE INDEX IF NOT EXISTS idx_receipts_submitted ON receipts(submitted_at);
CREATE INDEX IF NOT EXISTS idx_receipts_driver_submitted ON receipts(driver_id, submitted_at);
`

const schemaFindings = `
CREATE TABLE IF NOT EXISTS findings (
    id TEXT PRIMARY KEY,
    receipt_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_name TEXT NOT NULL,
    type TEXT NOT NULL,
    severity TEXT NOT NULL,
    description TEXT NOT NULL,
    details TEXT,
    confidence REAL NOT NULL,
    status TEXT NOT NULL DEFAULT 'detected',
    reviewed_by TEXT,
    reviewed_at TIMESTAMP,
    resolution TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_findings_receipt ON findings(receipt_id);
CREATE INDEX IF NOT EXISTS idx_findings_status ON findings(status);
CREATE INDEX IF NOT EXISTS idx_findings_severity ON findings(severity);
CREATE INDEX IF NOT EXISTS idx_findings_created ON findings(created_at);
CREATE INDEX IF NOT EXISTS idx_findings_rule ON findings(rule_id);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaDrivers,
		schemaVehicles,
		schemaTrips,
		schemaReceipts,
		schemaFindings,
	}
}
