package service

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/store"
	"vetstore/backend/internal/xid"
)

// Amounts are whole guaraníes; the currency has no minor unit.
const (
	freeShippingThreshold = 150000
	flatShippingCost      = 15000
	taxRate               = 0.10
)

// Checkout settles a cart in one atomic unit: availability checks,
// prescription gating, coupon resolution, totals, stock decrement, invoice
// and commission creation. Any line failing aborts the whole order.
func (s *Service) Checkout(ctx context.Context, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}

	result, err := s.checkout(ctx, actor, req)
	if err != nil {
		s.metrics.CheckoutsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	s.metrics.CheckoutsTotal.WithLabelValues("settled").Inc()
	return result, nil
}

func (s *Service) checkout(ctx context.Context, actor domain.Actor, req domain.CheckoutRequest) (*domain.CheckoutResult, error) {
	if len(req.LineItems) == 0 {
		return nil, store.ErrValidation
	}

	productIDs := make([]string, 0, len(req.LineItems))
	seen := make(map[string]bool, len(req.LineItems))
	for _, line := range req.LineItems {
		if line.ProductID == "" || line.Quantity < 1 {
			return nil, store.ErrValidation
		}
		if seen[line.ProductID] {
			return nil, store.ErrValidation
		}
		seen[line.ProductID] = true
		productIDs = append(productIDs, line.ProductID)
	}

	products, err := s.repo.GetProductsByIDs(ctx, actor.TenantID, productIDs)
	if err != nil {
		return nil, err
	}

	status := domain.OrderConfirmed
	subtotal := int64(0)
	items := make([]domain.OrderLine, 0, len(req.LineItems))
	for _, line := range req.LineItems {
		product, ok := products[line.ProductID]
		if !ok {
			return nil, store.ErrNotFound
		}
		if product.PrescriptionRequired {
			if line.PrescriptionFileID == "" {
				return nil, store.ErrPrescriptionRequired
			}
			// Attached but not yet reviewed by a vet: the order goes through
			// and waits for review instead of rejecting the sale.
			status = domain.OrderPendingPrescription
		}

		lineTotal := product.BasePrice * int64(line.Quantity)
		subtotal += lineTotal
		items = append(items, domain.OrderLine{
			ProductID:            product.ID,
			ProductName:          product.Name,
			Quantity:             line.Quantity,
			UnitPrice:            product.BasePrice,
			LineTotal:            lineTotal,
			RequiresPrescription: product.PrescriptionRequired,
			PrescriptionFileID:   line.PrescriptionFileID,
		})
	}

	var coupon *domain.Coupon
	discount := int64(0)
	couponID := ""
	couponCode := ""
	if req.CouponCode != "" {
		coupon, err = s.repo.GetCouponByCode(ctx, actor.TenantID, req.CouponCode)
		if err != nil {
			return nil, err
		}
		discount, err = resolveDiscount(coupon, subtotal, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		couponID = coupon.ID
		couponCode = coupon.Code
	}

	merchandise := subtotal - discount
	shipping := int64(flatShippingCost)
	if merchandise >= freeShippingThreshold {
		shipping = 0
	}
	tax := int64(math.Round(float64(merchandise) * taxRate))
	total := merchandise + tax + shipping

	order := domain.Order{
		ID:             xid.New("order"),
		TenantID:       actor.TenantID,
		CustomerID:     actor.UserID,
		OrderNumber:    newOrderNumber(),
		Status:         status,
		Subtotal:       subtotal,
		DiscountAmount: discount,
		CouponCode:     couponCode,
		ShippingCost:   shipping,
		TaxAmount:      tax,
		Total:          total,
		CreatedAt:      time.Now().UTC(),
		Items:          items,
	}

	commission, err := s.calculateCommission(ctx, order)
	if err != nil {
		return nil, err
	}

	result, err := s.repo.CreateCheckout(ctx, order, couponID, req.OrderDraftID, commission, actor.UserID)
	if err != nil {
		return nil, err
	}

	for _, item := range items {
		s.metrics.StockMovementsTotal.WithLabelValues(domain.MovementSale).Inc()
		s.invalidateAvailability(ctx, actor.TenantID, item.ProductID)
	}
	s.logAudit(ctx, actor.TenantID, "checkout", "order", result.Order.ID,
		fmt.Sprintf("number=%s,items=%d,total=%d,status=%s", result.Order.OrderNumber, len(items), total, status))
	s.logger.Info().
		Str("tenant_id", actor.TenantID).
		Str("order_id", result.Order.ID).
		Str("order_number", result.Order.OrderNumber).
		Int64("total", total).
		Str("status", status).
		Msg("checkout settled")

	return result, nil
}

// resolveDiscount validates the coupon window and floor, returning the
// discount amount capped at the subtotal. Usage-limit enforcement happens
// inside the checkout transaction where the counter can be bumped atomically.
func resolveDiscount(coupon *domain.Coupon, subtotal int64, now time.Time) (int64, error) {
	if !coupon.Active {
		return 0, store.ErrCouponExhausted
	}
	if now.Before(coupon.ValidFrom) || now.After(coupon.ValidUntil) {
		return 0, store.ErrCouponExhausted
	}
	if coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit {
		return 0, store.ErrCouponExhausted
	}
	if coupon.MinPurchase > 0 && subtotal < coupon.MinPurchase {
		return 0, store.ErrCouponExhausted
	}

	var discount int64
	switch coupon.DiscountType {
	case domain.CouponPercentage:
		if coupon.DiscountValue < 0 || coupon.DiscountValue > 100 {
			return 0, store.ErrValidation
		}
		discount = int64(math.Round(float64(subtotal) * float64(coupon.DiscountValue) / 100))
	case domain.CouponFixed:
		discount = coupon.DiscountValue
	default:
		return 0, store.ErrValidation
	}

	if discount > subtotal {
		discount = subtotal
	}
	if discount < 0 {
		return 0, store.ErrValidation
	}
	return discount, nil
}

func newOrderNumber() string {
	return "ORD-" + strings.ToUpper(strconv.FormatInt(time.Now().UnixMilli(), 36))
}
