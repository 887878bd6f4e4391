// Package contextbuild assembles the per-receipt evaluation context:
// the receipt, its driver, trip and vehicle records, a bounded history
// window, and derived driver statistics.
package contextbuild

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// Builder assembles AnomalyContexts from repository snapshots.
type Builder struct {
	repo         domain.Repository
	lookbackDays int
	historyCap   int
	logger       *slog.Logger
}

// NewBuilder creates a context builder. lookbackDays and historyCap bound
// the history window per receipt.
func NewBuilder(repo domain.Repository, lookbackDays, historyCap int, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		repo:         repo,
		lookbackDays: lookbackDays,
		historyCap:   historyCap,
		logger:       logger.With("component", "contextbuild"),
	}
}

// Build assembles the context for one receipt. A receipt whose driver no
// longer exists yields (nil, nil): it cannot be evaluated but is not an
// error. Missing trip or vehicle records leave the fields nil. History
// retrieval failures abort the build.
func (b *Builder) Build(ctx context.Context, receipt *domain.Receipt) (*domain.AnomalyContext, error) {
	driver, err := b.repo.GetDriver(ctx, receipt.DriverID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			b.logger.Warn("driver not found, skipping receipt",
				"receipt_id", receipt.ID,
				"driver_id", receipt.DriverID)
			return nil, nil
		}
		return nil, &domain.ContextBuildError{ReceiptID: receipt.ID, Err: fmt.Errorf("loading driver: %w", err)}
	}

	ac := &domain.AnomalyContext{
		Receipt: receipt,
		Driver:  driver,
	}

	if receipt.TripID != "" {
		trip, err := b.repo.GetTrip(ctx, receipt.TripID)
		switch {
		case err == nil:
			ac.Trip = trip
		case errors.Is(err, domain.ErrNotFound):
			b.logger.Debug("trip not found", "receipt_id", receipt.ID, "trip_id", receipt.TripID)
		default:
			return nil, &domain.ContextBuildError{ReceiptID: receipt.ID, Err: fmt.Errorf("loading trip: %w", err)}
		}

		vehicle, err := b.repo.GetVehicleForTrip(ctx, receipt.TripID)
		switch {
		case err == nil:
			ac.Vehicle = vehicle
		case errors.Is(err, domain.ErrNotFound):
			b.logger.Debug("vehicle not found", "receipt_id", receipt.ID, "trip_id", receipt.TripID)
		default:
			return nil, &domain.ContextBuildError{ReceiptID: receipt.ID, Err: fmt.Errorf("loading vehicle: %w", err)}
		}
	}

	history, err := b.repo.GetHistoricalReceipts(ctx, receipt.DriverID, b.lookbackDays, b.historyCap)
	if err != nil {
		return nil, &domain.ContextBuildError{ReceiptID: receipt.ID, Err: fmt.Errorf("loading history: %w", err)}
	}

	// The receipt under evaluation never appears in its own history.
	filtered := history[:0]
	for _, h := range history {
		if h.ID != receipt.ID {
			filtered = append(filtered, h)
		}
	}
	ac.HistoricalReceipts = filtered
	ac.DriverStats = ComputeDriverStats(filtered)

	return ac, nil
}

// BuildAll assembles contexts for a batch. Per-receipt failures are
// collected and the receipt excluded; sibling receipts proceed.
func (b *Builder) BuildAll(ctx context.Context, receipts []*domain.Receipt) ([]*domain.AnomalyContext, []error) {
	contexts := make([]*domain.AnomalyContext, 0, len(receipts))
	var errs []error

	for _, receipt := range receipts {
		ac, err := b.Build(ctx, receipt)
		if err != nil {
			b.logger.Error("context build failed", "receipt_id", receipt.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ac == nil {
			continue
		}
		contexts = append(contexts, ac)
	}

	return contexts, errs
}

// ComputeDriverStats derives baseline statistics from a driver's receipt
// history. Fuel receipts are recognized by category or description.
func ComputeDriverStats(receipts []*domain.Receipt) *domain.DriverStats {
	stats := &domain.DriverStats{
		TotalReceipts: len(receipts),
	}
	if len(receipts) == 0 {
		stats.CommonMerchants = []string{}
		return stats
	}

	var totalAmount, fuelAmount float64
	var fuelCount int
	merchantCounts := make(map[string]int)
	recentCutoff := time.Now().AddDate(0, 0, -7)

	for _, r := range receipts {
		totalAmount += r.Amount
		if isFuel(r) {
			fuelAmount += r.Amount
			fuelCount++
		}
		merchantCounts[r.MerchantName]++
		if !r.SubmittedAt.Before(recentCutoff) {
			stats.RecentReceiptCount++
		}
	}

	stats.AvgReceiptAmount = totalAmount / float64(len(receipts))
	if fuelCount > 0 {
		stats.AvgFuelAmount = fuelAmount / float64(fuelCount)
	}
	stats.CommonMerchants = topMerchants(merchantCounts, 5)

	return stats
}

func isFuel(r *domain.Receipt) bool {
	category := strings.ToLower(r.Category)
	description := strings.ToLower(r.Description)
	return strings.Contains(category, "fuel") ||
		strings.Contains(description, "fuel") ||
		strings.Contains(description, "gas")
}

// topMerchants returns up to n merchant names ordered by descending
// frequency, with name as the tiebreaker so output is deterministic.
func topMerchants(counts map[string]int, n int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}
