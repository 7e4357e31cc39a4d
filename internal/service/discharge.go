package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/saga"
	"vetstore/backend/internal/store"
)

// DischargeHospitalization settles a stay: generate the final invoice, mark
// the record discharged, free the kennel. Steps run in that fixed order. A
// stay that was already invoiced counts as success and the saga proceeds;
// any other invoicing failure aborts before the record is touched, so a
// billable stay is never lost. Kennel cleanup failure is tolerated since the
// business effects are already committed.
func (s *Service) DischargeHospitalization(ctx context.Context, hospitalizationID string) (*domain.DischargeResult, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if hospitalizationID == "" {
		return nil, store.ErrValidation
	}

	hosp, err := s.repo.GetHospitalization(ctx, actor.TenantID, hospitalizationID)
	if err != nil {
		s.metrics.DischargesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	result := &domain.DischargeResult{HospitalizationID: hosp.ID}
	logger := s.logger.With().
		Str("tenant_id", actor.TenantID).
		Str("hospitalization_id", hosp.ID).
		Logger()

	steps := []saga.Step{
		{
			Name: "generate_invoice",
			Run: func(ctx context.Context) error {
				invoice, err := s.repo.CreateHospitalizationInvoice(ctx, actor.TenantID, hosp.ID, actor.UserID)
				if errors.Is(err, store.ErrInvoiceExists) {
					result.AlreadyInvoiced = true
					if invoice != nil {
						result.Invoice = *invoice
					}
					return nil
				}
				if err != nil {
					return err
				}
				result.Invoice = *invoice
				return nil
			},
			OnError: saga.Abort,
		},
		{
			Name: "mark_discharged",
			Run: func(ctx context.Context) error {
				return s.repo.MarkDischarged(ctx, actor.TenantID, hosp.ID, time.Now().UTC())
			},
			OnError: saga.Abort,
		},
		{
			Name: "free_kennel",
			Run: func(ctx context.Context) error {
				if hosp.KennelID == "" {
					return nil
				}
				if err := s.repo.FreeKennel(ctx, actor.TenantID, hosp.KennelID); err != nil {
					return err
				}
				result.KennelFreed = true
				return nil
			},
			OnError: saga.Continue,
		},
	}

	if _, err := saga.Execute(ctx, logger, steps); err != nil {
		s.metrics.DischargesTotal.WithLabelValues("aborted").Inc()
		return nil, err
	}

	s.metrics.DischargesTotal.WithLabelValues("completed").Inc()
	s.logAudit(ctx, actor.TenantID, "hospitalization_discharge", "hospitalization", hosp.ID,
		fmt.Sprintf("invoice=%s,already_invoiced=%t,kennel_freed=%t", result.Invoice.ID, result.AlreadyInvoiced, result.KennelFreed))
	logger.Info().
		Str("invoice_id", result.Invoice.ID).
		Bool("already_invoiced", result.AlreadyInvoiced).
		Bool("kennel_freed", result.KennelFreed).
		Msg("hospitalization discharged")

	return result, nil
}
