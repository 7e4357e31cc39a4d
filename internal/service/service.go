package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vetstore/backend/internal/cache"
	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/metrics"
	"vetstore/backend/internal/store"
	"vetstore/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Service struct {
	repo    store.Repository
	cache   cache.AvailabilityCache
	metrics *metrics.Metrics
	logger  zerolog.Logger

	reservationTTL  time.Duration
	availabilityTTL time.Duration
}

func New(repo store.Repository, availability cache.AvailabilityCache, m *metrics.Metrics, logger zerolog.Logger, reservationTTL time.Duration, availabilityTTL time.Duration) *Service {
	if availability == nil {
		availability = cache.NoopAvailabilityCache{}
	}
	if m == nil {
		m = metrics.New()
	}
	if reservationTTL <= 0 {
		reservationTTL = 15 * time.Minute
	}
	if availabilityTTL <= 0 {
		availabilityTTL = 30 * time.Second
	}

	return &Service{
		repo:            repo,
		cache:           availability,
		metrics:         m,
		logger:          logger,
		reservationTTL:  reservationTTL,
		availabilityTTL: availabilityTTL,
	}
}

// requireActor resolves the caller and checks its role against the allowed
// set. An empty set means any authenticated actor.
func requireActor(ctx context.Context, roles ...string) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.TenantID == "" {
		return domain.Actor{}, fmt.Errorf("authenticated actor required")
	}
	if len(roles) == 0 {
		return actor, nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return actor, nil
		}
	}
	return domain.Actor{}, fmt.Errorf("role %s not permitted", actor.Role)
}

func (s *Service) logAudit(ctx context.Context, tenantID string, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{UserID: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:         xid.New("audit"),
		TenantID:   tenantID,
		ActorID:    actor.UserID,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  time.Now().UTC(),
	}); err != nil {
		s.logger.Warn().Err(err).Str("action", action).Str("entity", entityType+"/"+entityID).Msg("audit log write failed")
	}
}

func (s *Service) invalidateAvailability(ctx context.Context, tenantID string, productID string) {
	if err := s.cache.Invalidate(ctx, tenantID, productID); err != nil {
		s.logger.Warn().Err(err).Str("product_id", productID).Msg("availability cache invalidation failed")
	}
}
