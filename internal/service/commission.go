package service

import (
	"context"
	"math"
	"time"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/store"
	"vetstore/backend/internal/xid"
)

// Platform take-rates. New clinics pay an introductory rate for their first
// six months, enterprise contracts a negotiated flat rate.
const (
	introductoryRate   = 0.03
	standardRate       = 0.05
	enterpriseRate     = 0.02
	introductoryMonths = 6
)

// calculateCommission prices the platform's cut of one order. Shipping and
// tax are excluded from the commissionable base.
func (s *Service) calculateCommission(ctx context.Context, order domain.Order) (*domain.Commission, error) {
	billing, err := s.repo.GetTenantBilling(ctx, order.TenantID)
	if err != nil {
		return nil, err
	}

	rate := rateFor(*billing, order.CreatedAt)
	base := order.Subtotal - order.DiscountAmount
	if base < 0 {
		base = 0
	}
	amount := int64(math.Round(float64(base) * rate))

	return &domain.Commission{
		ID:                   xid.New("comm"),
		TenantID:             order.TenantID,
		OrderID:              order.ID,
		CommissionableAmount: base,
		Rate:                 rate,
		CommissionAmount:     amount,
	}, nil
}

func rateFor(billing domain.TenantBilling, at time.Time) float64 {
	if billing.Tier == domain.TierEnterprise {
		return enterpriseRate
	}
	if at.Before(billing.ActiveSince.AddDate(0, introductoryMonths, 0)) {
		return introductoryRate
	}
	return standardRate
}

func (s *Service) GetCommissionSummary(ctx context.Context, from time.Time, to time.Time) (domain.CommissionSummary, error) {
	actor, err := requireActor(ctx, domain.RoleAdmin)
	if err != nil {
		return domain.CommissionSummary{}, err
	}
	return s.repo.GetCommissionSummary(ctx, actor.TenantID, from, to)
}

// RunCommissionBatch groups every unattached commission in the period into
// one draft invoice per tenant. Invoked from the cron surface, so there is
// no actor to gate on.
func (s *Service) RunCommissionBatch(ctx context.Context, periodStart time.Time, periodEnd time.Time) (*domain.BatchResult, error) {
	if !periodStart.Before(periodEnd) {
		return nil, store.ErrValidation
	}

	created, err := s.repo.BatchCommissionInvoices(ctx, periodStart, periodEnd)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Time("period_start", periodStart).
		Time("period_end", periodEnd).
		Int("invoices_created", created).
		Msg("commission batch completed")

	return &domain.BatchResult{InvoicesCreated: created, PeriodStart: periodStart, PeriodEnd: periodEnd}, nil
}
