package service

import (
	"context"
	"fmt"
	"time"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/store"
	"vetstore/backend/internal/xid"
)

const maxReservationTTL = 2 * time.Hour

// Reserve holds quantity for a cart draft. Availability drops immediately;
// on-hand stock is untouched until the draft checks out.
func (s *Service) Reserve(ctx context.Context, req domain.ReserveRequest) (*domain.Reservation, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if req.ProductID == "" || req.Quantity < 1 || req.OrderDraftID == "" {
		return nil, store.ErrValidation
	}

	ttl := s.reservationTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	if ttl > maxReservationTTL {
		ttl = maxReservationTTL
	}

	now := time.Now().UTC()
	res, err := s.repo.CreateReservation(ctx, domain.Reservation{
		ID:           xid.New("resv"),
		TenantID:     actor.TenantID,
		ProductID:    req.ProductID,
		Quantity:     req.Quantity,
		OrderDraftID: req.OrderDraftID,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
	})
	if err != nil {
		return nil, err
	}

	s.invalidateAvailability(ctx, actor.TenantID, req.ProductID)
	s.logger.Info().
		Str("tenant_id", actor.TenantID).
		Str("reservation_id", res.ID).
		Str("product_id", req.ProductID).
		Int("qty", req.Quantity).
		Time("expires_at", res.ExpiresAt).
		Msg("reservation created")

	return res, nil
}

// Release returns held quantity to availability. Releasing a hold that is
// already terminal, whether swept out or consumed by its checkout, is a
// no-op success.
func (s *Service) Release(ctx context.Context, reservationID string) (*domain.Reservation, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if reservationID == "" {
		return nil, store.ErrValidation
	}

	res, err := s.repo.ReleaseReservation(ctx, actor.TenantID, reservationID, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.invalidateAvailability(ctx, actor.TenantID, res.ProductID)
	s.logAudit(ctx, actor.TenantID, "reservation_release", "reservation", res.ID,
		fmt.Sprintf("product=%s,qty=%d", res.ProductID, res.Quantity))

	return res, nil
}

// SweepExpiredReservations releases every active reservation past its
// deadline. Called from the scheduler loop and from the authenticated cron
// endpoint; both may overlap safely.
func (s *Service) SweepExpiredReservations(ctx context.Context) (*domain.SweepResult, error) {
	now := time.Now().UTC()
	released, err := s.repo.ReleaseExpiredReservations(ctx, now)
	if err != nil {
		return nil, err
	}

	if released > 0 {
		s.metrics.ReservationsReleased.Add(float64(released))
		s.logger.Info().Int("released", released).Msg("expired reservations released")
	}
	return &domain.SweepResult{ReleasedCount: released, SweptAt: now}, nil
}
