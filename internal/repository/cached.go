package repository

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/fleetops/kestrel/internal/domain"
)

// CachedRepository wraps a Repository with read-through caching for the
// slow-changing fleet records: drivers, trips, and vehicles. Receipts and
// findings are never cached; their staleness would corrupt detection.
type CachedRepository struct {
	domain.Repository

	cache  domain.Cache
	ttl    time.Duration
	logger *slog.Logger
}

// NewCached wraps repo with the cache. ttl bounds record staleness.
func NewCached(repo domain.Repository, cache domain.Cache, ttl time.Duration, logger *slog.Logger) *CachedRepository {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedRepository{
		Repository: repo,
		cache:      cache,
		ttl:        ttl,
		logger:     logger.With("component", "cached-repository"),
	}
}

// GetDriver reads through the cache.
func (c *CachedRepository) GetDriver(ctx context.Context, driverID string) (*domain.Driver, error) {
	key := "kestrel:driver:" + driverID
	var cached domain.Driver
	if c.fetch(ctx, key, &cached) {
		return &cached, nil
	}

	driver, err := c.Repository.GetDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, driver)
	return driver, nil
}

// GetTrip reads through the cache.
func (c *CachedRepository) GetTrip(ctx context.Context, tripID string) (*domain.Trip, error) {
	key := "kestrel:trip:" + tripID
	var cached domain.Trip
	if c.fetch(ctx, key, &cached) {
		return &cached, nil
	}

	trip, err := c.Repository.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, trip)
	return trip, nil
}

// GetVehicleForTrip reads through the cache, keyed by trip.
func (c *CachedRepository) GetVehicleForTrip(ctx context.Context, tripID string) (*domain.Vehicle, error) {
	key := "kestrel:trip-vehicle:" + tripID
	var cached domain.Vehicle
	if c.fetch(ctx, key, &cached) {
		return &cached, nil
	}

	vehicle, err := c.Repository.GetVehicleForTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	c.store(ctx, key, vehicle)
	return vehicle, nil
}

// SaveDriver writes through and invalidates the cached record.
func (c *CachedRepository) SaveDriver(ctx context.Context, d *domain.Driver) error {
	if err := c.Repository.SaveDriver(ctx, d); err != nil {
		return err
	}
	c.invalidate(ctx, "kestrel:driver:"+d.ID)
	return nil
}

// SaveTrip writes through and invalidates the cached trip and its
// vehicle association.
func (c *CachedRepository) SaveTrip(ctx context.Context, t *domain.Trip) error {
	if err := c.Repository.SaveTrip(ctx, t); err != nil {
		return err
	}
	c.invalidate(ctx, "kestrel:trip:"+t.ID)
	c.invalidate(ctx, "kestrel:trip-vehicle:"+t.ID)
	return nil
}

// fetch returns true when key was present and decoded. Cache failures are
// treated as misses; the repository remains the source of truth.
func (c *CachedRepository) fetch(ctx context.Context, key string, out any) bool {
	data, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache get failed", "key", key, "error", err)
		return false
	}
	if data == nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("cache entry corrupt", "key", key, "error", err)
		return false
	}
	return true
}

func (c *CachedRepository) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := c.cache.Set(ctx, key, data, c.ttl); err != nil {
		c.logger.Warn("cache set failed", "key", key, "error", err)
	}
}

func (c *CachedRepository) invalidate(ctx context.Context, key string) {
	if err := c.cache.Delete(ctx, key); err != nil {
		c.logger.Warn("cache delete failed", "key", key, "error", err)
	}
}
