// Package velocity provides receipt submission-rate accounting.
package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// Service tracks how fast drivers submit receipts. The cache counter is
// the cheap live path used at upload time; the repository count is the
// authoritative one.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
}

// NewService creates a new velocity service.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
	}
}

// Record bumps the rolling submission counter for a driver and returns
// the count inside the window, including this submission. A cache failure
// degrades to a count of 1 rather than failing the upload.
func (s *Service) Record(ctx context.Context, driverID string, window time.Duration) int64 {
	if s.cache == nil || driverID == "" {
		return 1
	}
	count, err := s.cache.IncrementCounter(ctx, "velocity:"+driverID, window)
	if err != nil {
		return 1
	}
	return count
}

// GetSubmissionCount returns the number of receipts the driver submitted
// since the given time, counted from the store regardless of status.
func (s *Service) GetSubmissionCount(ctx context.Context, driverID string, since time.Time) (int64, error) {
	if driverID == "" {
		return 0, fmt.Errorf("driverID is required")
	}

	receipts, err := s.repo.GetReceipts(ctx, domain.ReceiptFilter{
		DriverIDs:  []string{driverID},
		DateFrom:   since,
		ForceRerun: true, // count all statuses, not just pending
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count receipts: %w", err)
	}
	return int64(len(receipts)), nil
}
