package service

import (
	"context"
	"fmt"
	"strings"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/store"
)

func (s *Service) GetInvoice(ctx context.Context, invoiceID string) (*domain.Invoice, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if invoiceID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.GetInvoice(ctx, actor.TenantID, invoiceID)
}

func (s *Service) RecordPayment(ctx context.Context, invoiceID string, amount int64) (*domain.Invoice, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if invoiceID == "" || amount < 1 {
		return nil, store.ErrValidation
	}

	inv, err := s.repo.RecordInvoicePayment(ctx, actor.TenantID, invoiceID, amount)
	if err != nil {
		return nil, err
	}

	s.logAudit(ctx, actor.TenantID, "invoice_payment", "invoice", inv.ID,
		fmt.Sprintf("amount=%d,status=%s", amount, inv.Status))
	return inv, nil
}

// Refund returns money against an invoice. The bound is what was actually
// paid minus what was already refunded; stock is deliberately not restored,
// restocking is a separate adjustment since not every refund means a
// physical return.
func (s *Service) Refund(ctx context.Context, invoiceID string, req domain.RefundRequest) (*domain.RefundResult, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if invoiceID == "" || req.Amount < 1 || strings.TrimSpace(req.Reason) == "" {
		return nil, store.ErrValidation
	}

	result, err := s.repo.CreateRefund(ctx, domain.Refund{
		TenantID:    actor.TenantID,
		InvoiceID:   invoiceID,
		PaymentID:   req.PaymentID,
		Amount:      req.Amount,
		Reason:      strings.TrimSpace(req.Reason),
		ProcessedBy: actor.UserID,
	})
	if err != nil {
		s.metrics.RefundsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	s.metrics.RefundsTotal.WithLabelValues("processed").Inc()
	s.logAudit(ctx, actor.TenantID, "refund", "invoice", invoiceID,
		fmt.Sprintf("refund_id=%s,amount=%d,reason=%s,status=%s", result.RefundID, req.Amount, req.Reason, result.NewStatus))
	s.logger.Info().
		Str("tenant_id", actor.TenantID).
		Str("invoice_id", invoiceID).
		Str("refund_id", result.RefundID).
		Int64("amount", req.Amount).
		Str("new_status", result.NewStatus).
		Msg("refund processed")

	return result, nil
}
