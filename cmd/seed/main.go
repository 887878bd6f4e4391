// Seed tool: loads a deterministic sample fleet with planted anomalies
// and runs one batch detection pass over it.
//
// Usage:
//   go run cmd/seed/main.go -db ./kestrel.db
//
// This tool:
//   1. Creates drivers, vehicles, trips, and receipts (some intentionally
//      anomalous: excessive fuel, duplicates, off-trip dates, blacklisted
//      merchants, rapid-fire submissions)
//   2. Runs batch detection over the pending receipts
//   3. Prints a per-rule and per-severity summary of the findings
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fleetops/kestrel/internal/bus"
	"github.com/fleetops/kestrel/internal/contextbuild"
	"github.com/fleetops/kestrel/internal/domain"
	"github.com/fleetops/kestrel/internal/repository"
	"github.com/fleetops/kestrel/internal/rules"
	"github.com/fleetops/kestrel/internal/runner"
)

func main() {
	dbPath := flag.String("db", "./kestrel.db", "Path to the sqlite database")
	verbose := flag.Bool("verbose", false, "Print every finding")
	flag.Parse()

	logHandler := slog.NewTextHandler(io.Discard, nil)
	if *verbose {
		logHandler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	logger := slog.New(logHandler)

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: *dbPath,
	})
	if err != nil {
		fmt.Printf("ERROR: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer repo.Close()

	ctx := context.Background()

	fmt.Println("KESTREL SEED - sample fleet with planted anomalies")
	fmt.Printf("\nDatabase: %s\n\n", *dbPath)

	if err := seedFleet(ctx, repo); err != nil {
		fmt.Printf("ERROR: seeding failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Fleet seeded: 3 drivers, 2 vehicles, 2 trips, 24 receipts")

	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	detector, err := rules.NewDefaultDetector(logger)
	if err != nil {
		fmt.Printf("ERROR: failed to build detector: %v\n", err)
		os.Exit(1)
	}

	cfg := domain.DefaultConfig().Detection
	builder := contextbuild.NewBuilder(repo, cfg.LookbackDays, cfg.HistoryCap, logger)
	run := runner.New(repo, eventBus, detector, builder, cfg, logger)

	start := time.Now()
	result, err := run.RunDetection(ctx, domain.ReceiptFilter{})
	if err != nil {
		fmt.Printf("ERROR: detection run failed: %v\n", err)
		os.Exit(1)
	}

	printSummary(ctx, repo, result, time.Since(start), *verbose)
}

// seedBase anchors all seeded dates. History lookups window on wall-clock
// now, so seeded data must stay inside the lookback period.
var seedBase = time.Now().UTC().Add(-12 * time.Hour)

func seedFleet(ctx context.Context, repo domain.Repository) error {
	drivers := []*domain.Driver{
		{ID: "drv-ortiz", Name: "Elena Ortiz", Email: "elena.ortiz@example.com", LicenseNumber: "CDL-1180", HireDate: seedBase.AddDate(-3, 0, 0), Active: true},
		{ID: "drv-keller", Name: "Sam Keller", Email: "sam.keller@example.com", LicenseNumber: "CDL-2241", HireDate: seedBase.AddDate(-1, -6, 0), Active: true},
		{ID: "drv-ibarra", Name: "Noa Ibarra", Email: "noa.ibarra@example.com", LicenseNumber: "CDL-3307", HireDate: seedBase.AddDate(0, -8, 0), Active: true},
	}
	for _, d := range drivers {
		if err := repo.SaveDriver(ctx, d); err != nil {
			return err
		}
	}

	vehicles := []*domain.Vehicle{
		{ID: "veh-118", Make: "Freightliner", Model: "Cascadia", Year: 2022, LicensePlate: "FLT-118", FuelType: "diesel", AvgFuelConsumption: 10.2},
		{ID: "veh-224", Make: "Kenworth", Model: "T680", Year: 2021, LicensePlate: "FLT-224", FuelType: "diesel", AvgFuelConsumption: 9.6},
	}
	for _, v := range vehicles {
		if err := repo.SaveVehicle(ctx, v); err != nil {
			return err
		}
	}

	trips := []*domain.Trip{
		{
			ID: "trip-pdx-slc", DriverID: "drv-ortiz", VehicleID: "veh-118",
			Origin: "Portland, OR", Destination: "Salt Lake City, UT",
			StartDate: seedBase.AddDate(0, 0, -10), EndDate: seedBase.AddDate(0, 0, -6),
			Status: "completed",
		},
		{
			ID: "trip-den-kc", DriverID: "drv-keller", VehicleID: "veh-224",
			Origin: "Denver, CO", Destination: "Kansas City, MO",
			StartDate: seedBase.AddDate(0, 0, -5), EndDate: seedBase.AddDate(0, 0, -2),
			Status: "completed",
		},
	}
	for _, tr := range trips {
		if err := repo.SaveTrip(ctx, tr); err != nil {
			return err
		}
	}

	var receipts []*domain.Receipt

	// Ortiz fuel baseline: six unremarkable fills around $62.
	for i := 0; i < 6; i++ {
		receipts = append(receipts, &domain.Receipt{
			ID:           fmt.Sprintf("rcpt-ortiz-fuel-%02d", i+1),
			DriverID:     "drv-ortiz",
			TripID:       "trip-pdx-slc",
			Amount:       58.0 + float64(i)*1.5,
			MerchantName: "Pilot Travel Center",
			Category:     "fuel",
			ReceiptDate:  seedBase.AddDate(0, 0, -9).Add(time.Duration(i*12) * time.Hour),
			SubmittedAt:  seedBase.AddDate(0, 0, -9).Add(time.Duration(i*12+2) * time.Hour),
			Status:       domain.ReceiptApproved,
		})
	}

	// Planted: a fuel fill at roughly 6x Ortiz's average.
	receipts = append(receipts, &domain.Receipt{
		ID:           "rcpt-ortiz-excessive",
		DriverID:     "drv-ortiz",
		TripID:       "trip-pdx-slc",
		Amount:       380.00,
		MerchantName: "Loves Travel Stop",
		Category:     "fuel",
		ReceiptDate:  seedBase.AddDate(0, 0, -7),
		SubmittedAt:  seedBase.AddDate(0, 0, -7).Add(time.Hour),
		Status:       domain.ReceiptPending,
	})

	// Planted: the same meal submitted twice, nine hours apart.
	for i, id := range []string{"rcpt-keller-meal", "rcpt-keller-meal-dupe"} {
		receipts = append(receipts, &domain.Receipt{
			ID:           id,
			DriverID:     "drv-keller",
			TripID:       "trip-den-kc",
			Amount:       23.75,
			MerchantName: "Denny's #4411",
			Category:     "meals",
			ReceiptDate:  seedBase.AddDate(0, 0, -4).Add(time.Duration(i*9) * time.Hour),
			SubmittedAt:  seedBase.AddDate(0, 0, -4).Add(time.Duration(i*9+1) * time.Hour),
			Status:       domain.ReceiptPending,
		})
	}

	// Planted: a receipt dated three days after the trip ended.
	receipts = append(receipts, &domain.Receipt{
		ID:           "rcpt-keller-late",
		DriverID:     "drv-keller",
		TripID:       "trip-den-kc",
		Amount:       41.20,
		MerchantName: "Conoco",
		Category:     "fuel",
		ReceiptDate:  seedBase.AddDate(0, 0, 1),
		SubmittedAt:  seedBase.AddDate(0, 0, 1).Add(time.Hour),
		Status:       domain.ReceiptPending,
	})

	// Planted: a blacklisted merchant.
	receipts = append(receipts, &domain.Receipt{
		ID:           "rcpt-ibarra-casino",
		DriverID:     "drv-ibarra",
		Amount:       120.00,
		MerchantName: "Lucky Star Casino",
		Category:     "entertainment",
		ReceiptDate:  seedBase.AddDate(0, 0, -1),
		SubmittedAt:  seedBase.AddDate(0, 0, -1).Add(30 * time.Minute),
		Status:       domain.ReceiptPending,
	})

	// Planted: thirteen receipts submitted within forty minutes.
	for i := 0; i < 13; i++ {
		receipts = append(receipts, &domain.Receipt{
			ID:           fmt.Sprintf("rcpt-ibarra-burst-%02d", i+1),
			DriverID:     "drv-ibarra",
			Amount:       8.50 + float64(i),
			MerchantName: fmt.Sprintf("Quick Mart %d", i+1),
			Category:     "supplies",
			ReceiptDate:  seedBase.Add(-2 * time.Hour),
			SubmittedAt:  seedBase.Add(time.Duration(i*3) * time.Minute),
			Status:       domain.ReceiptPending,
		})
	}

	for _, r := range receipts {
		if err := repo.SaveReceipt(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func printSummary(ctx context.Context, repo domain.Repository, result *domain.BatchDetectionResult, elapsed time.Duration, verbose bool) {
	fmt.Println("\nDetection run complete")
	fmt.Printf("  Receipts:  %d processed of %d selected\n", result.ProcessedReceipts, result.TotalReceipts)
	fmt.Printf("  Anomalies: %d\n", result.TotalAnomalies)
	fmt.Printf("  Flagged:   %d receipts\n", result.FlaggedReceipts)
	fmt.Printf("  Elapsed:   %s\n", elapsed.Round(time.Millisecond))

	if len(result.Errors) > 0 {
		fmt.Printf("  Errors:    %d\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Printf("    - %s\n", e)
		}
	}

	stats, err := repo.GetFindingStatistics(ctx, time.Time{}, time.Time{})
	if err != nil {
		fmt.Printf("\nERROR: failed to load statistics: %v\n", err)
		return
	}

	fmt.Println("\nFindings by severity:")
	for _, sev := range []domain.Severity{domain.SeverityCritical, domain.SeverityHigh, domain.SeverityMedium, domain.SeverityLow} {
		if n := stats.BySeverity[sev]; n > 0 {
			fmt.Printf("  %-8s %d\n", sev, n)
		}
	}

	fmt.Println("\nTop rules:")
	for _, rc := range stats.TopRules {
		fmt.Printf("  %-22s %d\n", rc.RuleID, rc.Count)
	}

	if verbose {
		findings, err := repo.ListFindings(ctx, domain.FindingFilter{})
		if err != nil {
			fmt.Printf("\nERROR: failed to list findings: %v\n", err)
			return
		}
		fmt.Println("\nAll findings:")
		for _, f := range findings {
			fmt.Printf("  [%s] %s receipt=%s conf=%.2f %s\n",
				f.Severity, f.RuleID, f.ReceiptID, f.Confidence, f.Description)
		}
	}
}
