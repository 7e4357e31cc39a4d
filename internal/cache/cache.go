package cache

import (
	"context"
	"time"

	"vetstore/backend/internal/domain"
)

// AvailabilityCache holds short-lived availability snapshots per tenant and
// product. Misses and errors both fall back to the store, so implementations
// never need to be correct, only fast.
type AvailabilityCache interface {
	Get(ctx context.Context, tenantID string, productID string) (*domain.AvailabilityResult, bool, error)
	Set(ctx context.Context, tenantID string, productID string, value *domain.AvailabilityResult, ttl time.Duration) error
	Invalidate(ctx context.Context, tenantID string, productID string) error
}

type NoopAvailabilityCache struct{}

func (NoopAvailabilityCache) Get(_ context.Context, _ string, _ string) (*domain.AvailabilityResult, bool, error) {
	return nil, false, nil
}

func (NoopAvailabilityCache) Set(_ context.Context, _ string, _ string, _ *domain.AvailabilityResult, _ time.Duration) error {
	return nil
}

func (NoopAvailabilityCache) Invalidate(_ context.Context, _ string, _ string) error {
	return nil
}
