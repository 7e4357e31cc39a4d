package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/store"
)

// ReceiveStock books a purchase receipt: stock goes up and the weighted
// average cost is re-blended with the incoming unit cost.
func (s *Service) ReceiveStock(ctx context.Context, req domain.ReceiveStockRequest) (*domain.ReceiveStockResult, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if req.ProductID == "" || req.Quantity < 1 || req.UnitCost < 0 {
		return nil, store.ErrValidation
	}

	result, err := s.repo.ReceiveStock(ctx, actor.TenantID, req.ProductID, req.Quantity, req.UnitCost, req.Notes, actor.UserID)
	if err != nil {
		return nil, err
	}

	s.metrics.StockMovementsTotal.WithLabelValues(domain.MovementReceive).Inc()
	s.invalidateAvailability(ctx, actor.TenantID, req.ProductID)
	s.logAudit(ctx, actor.TenantID, "stock_receive", "inventory", req.ProductID,
		fmt.Sprintf("qty=%d,unit_cost=%d", req.Quantity, req.UnitCost))
	s.logger.Info().
		Str("tenant_id", actor.TenantID).
		Str("product_id", req.ProductID).
		Int("qty", req.Quantity).
		Int("new_stock", result.NewStock).
		Float64("new_wac", result.NewWAC).
		Msg("stock received")

	return result, nil
}

// AdjustStock sets the on-hand quantity to an absolute target, recording the
// signed delta in the journal. Cost basis is untouched.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (*domain.AdjustStockResult, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if req.ProductID == "" || req.TargetQuantity < 0 || !validAdjustReason(req.Reason) {
		return nil, store.ErrValidation
	}

	result, err := s.repo.AdjustStock(ctx, actor.TenantID, req.ProductID, req.TargetQuantity, req.Reason, req.Notes, actor.UserID)
	if err != nil {
		return nil, err
	}

	if result.Delta != 0 {
		s.metrics.StockMovementsTotal.WithLabelValues(domain.MovementAdjustment).Inc()
	}
	s.invalidateAvailability(ctx, actor.TenantID, req.ProductID)
	s.logAudit(ctx, actor.TenantID, "stock_adjust", "inventory", req.ProductID,
		fmt.Sprintf("reason=%s,old=%d,new=%d", req.Reason, result.OldStock, result.NewStock))

	return result, nil
}

// GetAvailability answers "how many can a shopper take right now", serving
// from the short-lived cache when possible. Cache errors degrade to a store
// read rather than failing the request.
func (s *Service) GetAvailability(ctx context.Context, productID string) (*domain.AvailabilityResult, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	if productID == "" {
		return nil, store.ErrValidation
	}

	if cached, ok, err := s.cache.Get(ctx, actor.TenantID, productID); err != nil {
		s.logger.Warn().Err(err).Str("product_id", productID).Msg("availability cache read failed")
	} else if ok {
		cached.FromCache = true
		return cached, nil
	}

	rec, err := s.repo.GetInventory(ctx, actor.TenantID, productID)
	if err != nil {
		return nil, err
	}

	result := &domain.AvailabilityResult{ProductID: productID, Available: rec.Available()}
	if err := s.cache.Set(ctx, actor.TenantID, productID, result, s.availabilityTTL); err != nil {
		s.logger.Warn().Err(err).Str("product_id", productID).Msg("availability cache write failed")
	}
	return result, nil
}

func (s *Service) GetInventory(ctx context.Context, productID string) (*domain.InventoryRecord, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if productID == "" {
		return nil, store.ErrValidation
	}
	return s.repo.GetInventory(ctx, actor.TenantID, productID)
}

// LookupByCode resolves a scanned barcode or typed SKU within the caller's
// tenant.
func (s *Service) LookupByCode(ctx context.Context, code string) (*domain.Product, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return nil, err
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrValidation
	}
	return s.repo.FindProductByCode(ctx, actor.TenantID, code)
}

func (s *Service) ListMovements(ctx context.Context, productID string, from time.Time, to time.Time, limit int) ([]domain.MovementEntry, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	if limit < 1 || limit > 500 {
		limit = 100
	}
	return s.repo.ListMovements(ctx, actor.TenantID, productID, from, to, limit)
}

func (s *Service) ListReorderSuggestions(ctx context.Context) ([]domain.ReorderSuggestion, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.repo.ListReorderSuggestions(ctx, actor.TenantID)
}

func (s *Service) ListLowStock(ctx context.Context) ([]domain.LowStockItem, error) {
	actor, err := requireActor(ctx, domain.RoleStaff, domain.RoleAdmin)
	if err != nil {
		return nil, err
	}
	return s.repo.ListLowStock(ctx, actor.TenantID)
}

func validAdjustReason(reason string) bool {
	switch reason {
	case domain.AdjustReasonPhysicalCount, domain.AdjustReasonDamage, domain.AdjustReasonTheft,
		domain.AdjustReasonExpired, domain.AdjustReasonReturn, domain.AdjustReasonCorrection,
		domain.AdjustReasonOther:
		return true
	}
	return false
}
