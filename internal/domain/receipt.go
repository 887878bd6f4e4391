// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"time"
)

// ReceiptStatus is the approval-workflow state of a receipt.
type ReceiptStatus string

const (
	ReceiptPending  ReceiptStatus = "pending"
	ReceiptApproved ReceiptStatus = "approved"
	ReceiptRejected ReceiptStatus = "rejected"
	ReceiptFlagged  ReceiptStatus = "flagged"
)

// Receipt is an expense receipt submitted by a driver.
// It is treated as an immutable snapshot during detection; the approval
// workflow mutates status outside the engine.
type Receipt struct {
	ID           string        `json:"id"`
	DriverID     string        `json:"driverId"`
	TripID       string        `json:"tripId,omitempty"`
	Amount       float64       `json:"amount"`
	MerchantName string        `json:"merchantName"`
	Category     string        `json:"category"`
	Description  string        `json:"description"`
	ReceiptDate  time.Time     `json:"receiptDate"` // when the purchase occurred
	SubmittedAt  time.Time     `json:"submittedAt"` // when it was uploaded
	Status       ReceiptStatus `json:"status"`
	FlagReason   string        `json:"flagReason,omitempty"`
}

// Driver is a read-only input to detection rules.
type Driver struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone,omitempty"`
	LicenseNumber string    `json:"licenseNumber"`
	HireDate      time.Time `json:"hireDate"`
	Active        bool      `json:"active"`
}

// Vehicle describes the truck assigned to a trip.
type Vehicle struct {
	ID                 string  `json:"id"`
	LicensePlate       string  `json:"licensePlate"`
	Make               string  `json:"make"`
	Model              string  `json:"model"`
	Year               int     `json:"year"`
	FuelType           string  `json:"fuelType"`
	AvgFuelConsumption float64 `json:"avgFuelConsumption"`
}

// Trip is a scheduled fleet journey a receipt may be charged against.
type Trip struct {
	ID          string    `json:"id"`
	DriverID    string    `json:"driverId"`
	VehicleID   string    `json:"vehicleId"`
	StartDate   time.Time `json:"startDate"`
	EndDate     time.Time `json:"endDate"`
	Origin      string    `json:"origin"`
	Destination string    `json:"destination"`
	Status      string    `json:"status"`
}

// DriverStats holds statistics derived from a driver's historical receipts.
// Computed fresh for every run; never cached across runs.
type DriverStats struct {
	TotalReceipts      int      `json:"totalReceipts"`
	AvgReceiptAmount   float64  `json:"avgReceiptAmount"`
	AvgFuelAmount      float64  `json:"avgFuelAmount"`
	CommonMerchants    []string `json:"commonMerchants"` // top 5 by frequency
	RecentReceiptCount int      `json:"recentReceiptCount"` // submitted in last 7 days
}

// AnomalyContext is the immutable unit of work passed to the detector.
// HistoricalReceipts is bounded (lookback window plus a hard cap), ordered
// newest-first, and never contains the receipt under review.
type AnomalyContext struct {
	Receipt            *Receipt    `json:"receipt"`
	Driver             *Driver     `json:"driver"`
	Vehicle            *Vehicle    `json:"vehicle,omitempty"`
	Trip               *Trip       `json:"trip,omitempty"`
	HistoricalReceipts []*Receipt   `json:"historicalReceipts"`
	DriverStats        *DriverStats `json:"driverStats"`
}
