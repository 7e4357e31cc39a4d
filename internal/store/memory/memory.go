package memory

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/store"
	"vetstore/backend/internal/xid"
)

// Store is a mutex-guarded in-memory repository used for dev/demo mode and
// service tests. The single mutex gives every mutating call the same
// "exclusive lock for the full read-modify-write cycle" semantics the
// postgres store gets from row locks.
type Store struct {
	mu                 sync.RWMutex
	products           map[string]domain.Product
	inventory          map[string]*domain.InventoryRecord
	movements          []domain.MovementEntry
	reservations       map[string]*domain.Reservation
	coupons            map[string]*domain.Coupon
	orders             map[string]*domain.Order
	invoices           map[string]*domain.Invoice
	invoiceByHosp      map[string]string
	refunds            map[string]domain.Refund
	commissions        map[string]*domain.Commission
	commissionInvoices map[string]domain.CommissionInvoice
	billing            map[string]domain.TenantBilling
	hospitalizations   map[string]*domain.Hospitalization
	kennels            map[string]*domain.Kennel
	auditLogs          []domain.AuditLog
	users              map[string]domain.UserAccount
}

func invKey(tenantID, productID string) string {
	return tenantID + "/" + productID
}

func New() *Store {
	return &Store{
		products:           make(map[string]domain.Product),
		inventory:          make(map[string]*domain.InventoryRecord),
		reservations:       make(map[string]*domain.Reservation),
		coupons:            make(map[string]*domain.Coupon),
		orders:             make(map[string]*domain.Order),
		invoices:           make(map[string]*domain.Invoice),
		invoiceByHosp:      make(map[string]string),
		refunds:            make(map[string]domain.Refund),
		commissions:        make(map[string]*domain.Commission),
		commissionInvoices: make(map[string]domain.CommissionInvoice),
		billing:            make(map[string]domain.TenantBilling),
		hospitalizations:   make(map[string]*domain.Hospitalization),
		kennels:            make(map[string]*domain.Kennel),
		users:              make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with two demo clinics so the server is
// usable without postgres. Seed credentials come from SEED_ADMIN_PASSWORD /
// SEED_STAFF_PASSWORD / SEED_CUSTOMER_PASSWORD; dev defaults otherwise.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()

	products := []domain.Product{
		{ID: "prod-dogfood-15kg", TenantID: "adris-vet", SKU: "ALIM-PERRO-15", Barcode: "7890123456789", Name: "Alimento Premium Perro 15kg", BasePrice: 285000, Active: true, CreatedAt: now},
		{ID: "prod-antiparasitic", TenantID: "adris-vet", SKU: "MED-ANTIPAR-01", Barcode: "7890123456796", Name: "Antiparasitario Oral", BasePrice: 95000, PrescriptionRequired: true, Active: true, CreatedAt: now},
		{ID: "prod-shampoo", TenantID: "adris-vet", SKU: "HIG-SHAMPOO-01", Barcode: "7890123456802", Name: "Shampoo Medicado 250ml", BasePrice: 48000, Active: true, CreatedAt: now},
		{ID: "prod-catfood-7kg", TenantID: "adris-vet", SKU: "ALIM-GATO-07", Barcode: "7890123456819", Name: "Alimento Gato 7kg", BasePrice: 198000, Active: true, CreatedAt: now},
		{ID: "prod-collar", TenantID: "petlife", SKU: "ACC-COLLAR-01", Barcode: "7890123456826", Name: "Collar Antipulgas", BasePrice: 65000, Active: true, CreatedAt: now},
	}
	for _, p := range products {
		s.products[p.ID] = p
	}

	seedInventory := []domain.InventoryRecord{
		{TenantID: "adris-vet", ProductID: "prod-dogfood-15kg", StockQuantity: 25, WeightedAverageCost: 150000, MinStockLevel: 5, ReorderPoint: 10, ReorderQuantity: 20, UpdatedAt: now},
		{TenantID: "adris-vet", ProductID: "prod-antiparasitic", StockQuantity: 40, WeightedAverageCost: 52000, MinStockLevel: 10, ReorderPoint: 15, ReorderQuantity: 30, UpdatedAt: now},
		{TenantID: "adris-vet", ProductID: "prod-shampoo", StockQuantity: 12, WeightedAverageCost: 26000, MinStockLevel: 4, ReorderPoint: 6, ReorderQuantity: 12, UpdatedAt: now},
		{TenantID: "adris-vet", ProductID: "prod-catfood-7kg", StockQuantity: 8, WeightedAverageCost: 110000, MinStockLevel: 3, ReorderPoint: 10, ReorderQuantity: 15, UpdatedAt: now},
		{TenantID: "petlife", ProductID: "prod-collar", StockQuantity: 30, WeightedAverageCost: 31000, MinStockLevel: 8, ReorderPoint: 12, ReorderQuantity: 24, UpdatedAt: now},
	}
	for i := range seedInventory {
		rec := seedInventory[i]
		s.inventory[invKey(rec.TenantID, rec.ProductID)] = &rec
	}

	s.coupons["coupon-bienvenida"] = &domain.Coupon{
		ID: "coupon-bienvenida", TenantID: "adris-vet", Code: "BIENVENIDA10",
		DiscountType: domain.CouponPercentage, DiscountValue: 10,
		UsageLimit: 100, ValidFrom: now.AddDate(0, -1, 0), ValidUntil: now.AddDate(0, 2, 0), Active: true,
	}

	s.billing["adris-vet"] = domain.TenantBilling{TenantID: "adris-vet", Tier: domain.TierStandard, ActiveSince: now.AddDate(0, -2, 0)}
	s.billing["petlife"] = domain.TenantBilling{TenantID: "petlife", Tier: domain.TierEnterprise, ActiveSince: now.AddDate(-1, 0, 0)}

	s.kennels["kennel-a1"] = &domain.Kennel{ID: "kennel-a1", TenantID: "adris-vet", Name: "Jaula A1", Occupied: true}
	s.kennels["kennel-a2"] = &domain.Kennel{ID: "kennel-a2", TenantID: "adris-vet", Name: "Jaula A2"}
	s.hospitalizations["hosp-001"] = &domain.Hospitalization{
		ID: "hosp-001", TenantID: "adris-vet", PatientID: "patient-firulais", KennelID: "kennel-a1",
		Status: domain.HospitalizationActive, AccruedTotal: 450000, AdmittedAt: now.AddDate(0, 0, -3),
	}

	s.users = seedUsers()
	return s
}

func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	staffPwd := envOr("SEED_STAFF_PASSWORD", "staff123")
	customerPwd := envOr("SEED_CUSTOMER_PASSWORD", "customer123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_STAFF_PASSWORD") == "" {
		log.Warn().Msg("memory store using default dev credentials; set SEED_*_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		tenantID string
		role     string
	}{
		{"admin", adminPwd, "adris-vet", domain.RoleAdmin},
		{"vet", staffPwd, "adris-vet", domain.RoleStaff},
		{"owner", customerPwd, "adris-vet", domain.RoleCustomer},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			TenantID:  u.tenantID,
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// --- Products ---

func (s *Store) GetProduct(_ context.Context, tenantID string, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[productID]
	if !ok || p.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copied := p
	return &copied, nil
}

func (s *Store) GetProductsByIDs(_ context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]domain.Product, len(productIDs))
	for _, id := range productIDs {
		if p, ok := s.products[id]; ok && p.TenantID == tenantID && p.Active {
			result[id] = p
		}
	}
	return result, nil
}

func (s *Store) FindProductByCode(_ context.Context, tenantID string, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrValidation
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Barcode match wins over SKU match.
	var bySKU *domain.Product
	for _, p := range s.products {
		if p.TenantID != tenantID || !p.Active {
			continue
		}
		if p.Barcode != "" && p.Barcode == code {
			copied := p
			return &copied, nil
		}
		if strings.EqualFold(p.SKU, code) {
			copied := p
			bySKU = &copied
		}
	}
	if bySKU != nil {
		return bySKU, nil
	}
	return nil, store.ErrNotFound
}

// --- Stock ledger ---

func (s *Store) GetInventory(_ context.Context, tenantID string, productID string) (*domain.InventoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.inventory[invKey(tenantID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *Store) ReceiveStock(_ context.Context, tenantID string, productID string, qty int, unitCost int64, notes string, performedBy string) (*domain.ReceiveStockResult, error) {
	if qty < 1 || unitCost < 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[invKey(tenantID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}

	oldStock := rec.StockQuantity
	newStock := oldStock + qty
	if oldStock == 0 || rec.WeightedAverageCost == 0 {
		rec.WeightedAverageCost = float64(unitCost)
	} else {
		rec.WeightedAverageCost = (float64(oldStock)*rec.WeightedAverageCost + float64(qty)*float64(unitCost)) / float64(newStock)
	}
	rec.StockQuantity = newStock
	rec.UpdatedAt = time.Now().UTC()

	s.appendMovement(domain.MovementEntry{
		TenantID:      tenantID,
		ProductID:     productID,
		Type:          domain.MovementReceive,
		QuantityDelta: qty,
		UnitCost:      unitCost,
		Notes:         notes,
		PerformedBy:   performedBy,
	})

	return &domain.ReceiveStockResult{ProductID: productID, NewStock: newStock, NewWAC: rec.WeightedAverageCost}, nil
}

func (s *Store) AdjustStock(_ context.Context, tenantID string, productID string, targetQty int, reason string, notes string, performedBy string) (*domain.AdjustStockResult, error) {
	if targetQty < 0 || !isValidAdjustReason(reason) {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[invKey(tenantID, productID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if targetQty < rec.ReservedQuantity {
		return nil, store.ErrInsufficientStock
	}

	oldStock := rec.StockQuantity
	delta := targetQty - oldStock
	result := &domain.AdjustStockResult{ProductID: productID, OldStock: oldStock, NewStock: targetQty, Delta: delta}
	if delta == 0 {
		return result, nil
	}

	rec.StockQuantity = targetQty
	rec.UpdatedAt = time.Now().UTC()

	entryType := domain.MovementAdjustment
	if reason == domain.AdjustReasonReturn {
		entryType = domain.MovementReturn
	}
	s.appendMovement(domain.MovementEntry{
		TenantID:      tenantID,
		ProductID:     productID,
		Type:          entryType,
		QuantityDelta: delta,
		Reason:        reason,
		Notes:         notes,
		PerformedBy:   performedBy,
	})

	return result, nil
}

func (s *Store) DecrementForSale(_ context.Context, tenantID string, productID string, qty int, performedBy string) (int, error) {
	if qty < 1 {
		return 0, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[invKey(tenantID, productID)]
	if !ok {
		return 0, store.ErrNotFound
	}
	if rec.Available() < qty {
		return 0, store.ErrInsufficientStock
	}

	rec.StockQuantity -= qty
	rec.UpdatedAt = time.Now().UTC()
	s.appendMovement(domain.MovementEntry{
		TenantID:      tenantID,
		ProductID:     productID,
		Type:          domain.MovementSale,
		QuantityDelta: -qty,
		PerformedBy:   performedBy,
	})

	return rec.StockQuantity, nil
}

func (s *Store) ListMovements(_ context.Context, tenantID string, productID string, from time.Time, to time.Time, limit int) ([]domain.MovementEntry, error) {
	if limit < 1 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MovementEntry, 0, limit)
	for _, entry := range s.movements {
		if entry.TenantID != tenantID {
			continue
		}
		if productID != "" && entry.ProductID != productID {
			continue
		}
		if !from.IsZero() && entry.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && entry.CreatedAt.After(to) {
			continue
		}
		result = append(result, entry)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListReorderSuggestions(_ context.Context, tenantID string) ([]domain.ReorderSuggestion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ReorderSuggestion, 0, 8)
	for _, rec := range s.inventory {
		if rec.TenantID != tenantID || rec.ReorderPoint < 1 || rec.StockQuantity > rec.ReorderPoint {
			continue
		}
		product, ok := s.products[rec.ProductID]
		if !ok || !product.Active {
			continue
		}
		qty := rec.ReorderQuantity
		if qty < 1 {
			qty = rec.ReorderPoint*2 - rec.StockQuantity
		}
		result = append(result, domain.ReorderSuggestion{
			ProductID:              rec.ProductID,
			Name:                   product.Name,
			SKU:                    product.SKU,
			CurrentStock:           rec.StockQuantity,
			ReorderPoint:           rec.ReorderPoint,
			RecommendedQty:         qty,
			WeightedAverageCost:    rec.WeightedAverageCost,
			EstimatedPurchaseTotal: int64(math.Round(rec.WeightedAverageCost * float64(qty))),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

func (s *Store) ListLowStock(_ context.Context, tenantID string) ([]domain.LowStockItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LowStockItem, 0, 8)
	for _, rec := range s.inventory {
		if rec.TenantID != tenantID || rec.MinStockLevel < 1 || rec.StockQuantity > rec.MinStockLevel {
			continue
		}
		product, ok := s.products[rec.ProductID]
		if !ok || !product.Active {
			continue
		}
		result = append(result, domain.LowStockItem{
			ProductID:     rec.ProductID,
			Name:          product.Name,
			SKU:           product.SKU,
			CurrentStock:  rec.StockQuantity,
			MinStockLevel: rec.MinStockLevel,
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProductID < result[j].ProductID })
	return result, nil
}

// --- Reservations ---

func (s *Store) CreateReservation(_ context.Context, res domain.Reservation) (*domain.Reservation, error) {
	if res.Quantity < 1 || res.TenantID == "" || res.ProductID == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inventory[invKey(res.TenantID, res.ProductID)]
	if !ok {
		return nil, store.ErrNotFound
	}
	if rec.Available() < res.Quantity {
		return nil, store.ErrInsufficientStock
	}

	if res.ID == "" {
		res.ID = xid.New("resv")
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	res.Status = domain.ReservationActive

	rec.ReservedQuantity += res.Quantity
	rec.UpdatedAt = time.Now().UTC()

	saved := res
	s.reservations[res.ID] = &saved
	s.appendMovement(domain.MovementEntry{
		TenantID:      res.TenantID,
		ProductID:     res.ProductID,
		Type:          domain.MovementReservation,
		QuantityDelta: -res.Quantity,
		Notes:         res.OrderDraftID,
		PerformedBy:   "reservation-hold",
	})

	copied := saved
	return &copied, nil
}

func (s *Store) GetReservation(_ context.Context, tenantID string, reservationID string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.reservations[reservationID]
	if !ok || res.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copied := *res
	return &copied, nil
}

func (s *Store) ReleaseReservation(_ context.Context, tenantID string, reservationID string, performedBy string) (*domain.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.reservations[reservationID]
	if !ok || res.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if res.Status != domain.ReservationActive {
		// Terminal states stay put: the hold's availability effect is
		// already settled, so releasing again changes nothing.
		copied := *res
		return &copied, nil
	}

	s.releaseLocked(res, performedBy)
	copied := *res
	return &copied, nil
}

// releaseLocked transitions an active reservation to released and restores
// reserved_quantity. Caller holds s.mu.
func (s *Store) releaseLocked(res *domain.Reservation, performedBy string) {
	res.Status = domain.ReservationReleased
	if rec, ok := s.inventory[invKey(res.TenantID, res.ProductID)]; ok {
		rec.ReservedQuantity -= res.Quantity
		if rec.ReservedQuantity < 0 {
			rec.ReservedQuantity = 0
		}
		rec.UpdatedAt = time.Now().UTC()
	}
	s.appendMovement(domain.MovementEntry{
		TenantID:      res.TenantID,
		ProductID:     res.ProductID,
		Type:          domain.MovementRelease,
		QuantityDelta: res.Quantity,
		PerformedBy:   performedBy,
	})
}

func (s *Store) ReleaseExpiredReservations(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, res := range s.reservations {
		if res.Status != domain.ReservationActive || res.ExpiresAt.After(now) {
			continue
		}
		s.releaseLocked(res, "reservation-sweep")
		released++
	}
	return released, nil
}

// --- Checkout ---

func (s *Store) GetCouponByCode(_ context.Context, tenantID string, code string) (*domain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, store.ErrValidation
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.coupons {
		if c.TenantID == tenantID && c.Code == code {
			copied := *c
			return &copied, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateCheckout(_ context.Context, order domain.Order, couponID string, orderDraftID string, commission *domain.Commission, performedBy string) (*domain.CheckoutResult, error) {
	if order.TenantID == "" || len(order.Items) == 0 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate everything before mutating anything, so a failed line leaves
	// no partial decrement.
	type lineApply struct {
		rec       *domain.InventoryRecord
		qty       int
		consumed  []*domain.Reservation
		heldTotal int
	}
	applies := make([]lineApply, 0, len(order.Items))
	for _, item := range order.Items {
		if item.Quantity < 1 {
			return nil, store.ErrValidation
		}
		rec, ok := s.inventory[invKey(order.TenantID, item.ProductID)]
		if !ok {
			return nil, store.ErrNotFound
		}

		held := make([]*domain.Reservation, 0, 1)
		heldTotal := 0
		if orderDraftID != "" {
			for _, res := range s.reservations {
				if res.Status == domain.ReservationActive && res.TenantID == order.TenantID &&
					res.OrderDraftID == orderDraftID && res.ProductID == item.ProductID {
					held = append(held, res)
					heldTotal += res.Quantity
				}
			}
		}
		uncovered := item.Quantity - heldTotal
		if uncovered < 0 {
			uncovered = 0
		}
		if rec.Available() < uncovered || rec.StockQuantity < item.Quantity {
			return nil, store.ErrInsufficientStock
		}
		applies = append(applies, lineApply{rec: rec, qty: item.Quantity, consumed: held, heldTotal: heldTotal})
	}

	if couponID != "" {
		coupon, ok := s.coupons[couponID]
		if !ok || coupon.TenantID != order.TenantID {
			return nil, store.ErrNotFound
		}
		if !coupon.Active || (coupon.UsageLimit > 0 && coupon.UsedCount >= coupon.UsageLimit) {
			return nil, store.ErrCouponExhausted
		}
		coupon.UsedCount++
	}

	now := time.Now().UTC()
	for i, item := range order.Items {
		apply := applies[i]
		apply.rec.StockQuantity -= apply.qty
		apply.rec.ReservedQuantity -= apply.heldTotal
		if apply.rec.ReservedQuantity < 0 {
			apply.rec.ReservedQuantity = 0
		}
		apply.rec.UpdatedAt = now
		for _, res := range apply.consumed {
			res.Status = domain.ReservationConsumed
		}
		s.appendMovement(domain.MovementEntry{
			TenantID:      order.TenantID,
			ProductID:     item.ProductID,
			Type:          domain.MovementSale,
			QuantityDelta: -apply.qty,
			Notes:         order.OrderNumber,
			PerformedBy:   performedBy,
		})
	}

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	savedOrder := order
	s.orders[order.ID] = &savedOrder

	invoice := domain.Invoice{
		ID:            xid.New("inv"),
		TenantID:      order.TenantID,
		OrderID:       order.ID,
		InvoiceNumber: fmt.Sprintf("FAC-%s", strings.ToUpper(order.OrderNumber)),
		Status:        domain.InvoicePending,
		Total:         order.Total,
		AmountDue:     order.Total,
		CreatedAt:     now,
	}
	s.invoices[invoice.ID] = &invoice

	if commission != nil {
		c := *commission
		if c.ID == "" {
			c.ID = xid.New("comm")
		}
		c.OrderID = order.ID
		c.CreatedAt = now
		s.commissions[c.ID] = &c
	}

	result := &domain.CheckoutResult{Order: savedOrder, Invoice: invoice}
	return result, nil
}

// --- Invoices and refunds ---

func (s *Store) GetInvoice(_ context.Context, tenantID string, invoiceID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copied := *inv
	return &copied, nil
}

func (s *Store) RecordInvoicePayment(_ context.Context, tenantID string, invoiceID string, amount int64) (*domain.Invoice, error) {
	if amount < 1 {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[invoiceID]
	if !ok || inv.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if inv.Status == domain.InvoiceVoid {
		return nil, store.ErrConflict
	}
	if amount > inv.AmountDue {
		return nil, store.ErrValidation
	}

	inv.AmountPaid += amount
	inv.AmountDue -= amount
	if inv.AmountDue == 0 {
		inv.Status = domain.InvoicePaid
	}
	copied := *inv
	return &copied, nil
}

func (s *Store) CreateRefund(_ context.Context, refund domain.Refund) (*domain.RefundResult, error) {
	if refund.Amount < 1 || strings.TrimSpace(refund.Reason) == "" {
		return nil, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.invoices[refund.InvoiceID]
	if !ok || inv.TenantID != refund.TenantID {
		return nil, store.ErrNotFound
	}
	if inv.Status == domain.InvoiceVoid {
		return nil, store.ErrConflict
	}

	remaining := inv.AmountPaid - inv.RefundedAmount
	if refund.Amount > remaining {
		return nil, store.ErrRefundExceedsPaid
	}

	if refund.ID == "" {
		refund.ID = xid.New("refund")
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	s.refunds[refund.ID] = refund

	inv.RefundedAmount += refund.Amount
	if inv.RefundedAmount >= inv.AmountPaid {
		inv.Status = domain.InvoiceRefundedFull
	} else {
		inv.Status = domain.InvoiceRefundedPartial
	}

	return &domain.RefundResult{
		RefundID:      refund.ID,
		InvoiceID:     inv.ID,
		NewAmountPaid: inv.AmountPaid - inv.RefundedAmount,
		NewAmountDue:  inv.AmountDue,
		NewStatus:     inv.Status,
	}, nil
}

// --- Commissions ---

func (s *Store) GetTenantBilling(_ context.Context, tenantID string) (*domain.TenantBilling, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	billing, ok := s.billing[tenantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := billing
	return &copied, nil
}

func (s *Store) GetCommissionSummary(_ context.Context, tenantID string, from time.Time, to time.Time) (domain.CommissionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summary := domain.CommissionSummary{TenantID: tenantID, PeriodStart: from, PeriodEnd: to}
	for _, c := range s.commissions {
		if c.TenantID != tenantID {
			continue
		}
		if !from.IsZero() && c.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !c.CreatedAt.Before(to) {
			continue
		}
		summary.OrderCount++
		if c.InvoiceID == "" {
			summary.PendingAmount += c.CommissionAmount
		} else {
			summary.InvoicedAmount += c.CommissionAmount
		}
	}
	return summary, nil
}

func (s *Store) BatchCommissionInvoices(_ context.Context, periodStart time.Time, periodEnd time.Time) (int, error) {
	if !periodStart.Before(periodEnd) {
		return 0, store.ErrValidation
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byTenant := make(map[string][]*domain.Commission)
	for _, c := range s.commissions {
		if c.InvoiceID != "" || c.CreatedAt.Before(periodStart) || !c.CreatedAt.Before(periodEnd) {
			continue
		}
		byTenant[c.TenantID] = append(byTenant[c.TenantID], c)
	}

	created := 0
	now := time.Now().UTC()
	for tenantID, commissions := range byTenant {
		total := int64(0)
		for _, c := range commissions {
			total += c.CommissionAmount
		}
		invoice := domain.CommissionInvoice{
			ID:          xid.New("cinv"),
			TenantID:    tenantID,
			PeriodStart: periodStart,
			PeriodEnd:   periodEnd,
			TotalAmount: total,
			Status:      domain.CommissionInvoiceDraft,
			CreatedAt:   now,
		}
		s.commissionInvoices[invoice.ID] = invoice
		for _, c := range commissions {
			c.InvoiceID = invoice.ID
		}
		created++
	}
	return created, nil
}

// --- Hospitalization discharge ---

func (s *Store) GetHospitalization(_ context.Context, tenantID string, hospitalizationID string) (*domain.Hospitalization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hospitalizations[hospitalizationID]
	if !ok || h.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	copied := *h
	return &copied, nil
}

func (s *Store) CreateHospitalizationInvoice(_ context.Context, tenantID string, hospitalizationID string, performedBy string) (*domain.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hospitalizations[hospitalizationID]
	if !ok || h.TenantID != tenantID {
		return nil, store.ErrNotFound
	}

	if existingID, ok := s.invoiceByHosp[hospitalizationID]; ok {
		if existing, ok := s.invoices[existingID]; ok {
			copied := *existing
			return &copied, store.ErrInvoiceExists
		}
	}

	now := time.Now().UTC()
	invoice := domain.Invoice{
		ID:            xid.New("inv"),
		TenantID:      tenantID,
		InvoiceNumber: fmt.Sprintf("HOS-%d-%s", now.Year(), strings.ToUpper(xid.Short())),
		Status:        domain.InvoicePending,
		Total:         h.AccruedTotal,
		AmountDue:     h.AccruedTotal,
		CreatedAt:     now,
	}
	s.invoices[invoice.ID] = &invoice
	s.invoiceByHosp[hospitalizationID] = invoice.ID
	return &invoice, nil
}

func (s *Store) MarkDischarged(_ context.Context, tenantID string, hospitalizationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.hospitalizations[hospitalizationID]
	if !ok || h.TenantID != tenantID {
		return store.ErrNotFound
	}
	if h.Status == domain.HospitalizationDischarged {
		return nil
	}
	h.Status = domain.HospitalizationDischarged
	dischargedAt := at.UTC()
	h.DischargedAt = &dischargedAt
	return nil
}

func (s *Store) FreeKennel(_ context.Context, tenantID string, kennelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.kennels[kennelID]
	if !ok || k.TenantID != tenantID {
		return store.ErrNotFound
	}
	k.Occupied = false
	return nil
}

// --- Audit ---

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.auditLogs = append(s.auditLogs, entry)
	s.mu.Unlock()
	return nil
}

// --- Users ---

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrValidation
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		result = append(result, u)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

// appendMovement stamps and appends a journal entry. Caller holds s.mu.
func (s *Store) appendMovement(entry domain.MovementEntry) {
	entry.ID = xid.New("mov")
	entry.CreatedAt = time.Now().UTC()
	s.movements = append(s.movements, entry)
}

func isValidAdjustReason(reason string) bool {
	switch reason {
	case domain.AdjustReasonPhysicalCount, domain.AdjustReasonDamage, domain.AdjustReasonTheft,
		domain.AdjustReasonExpired, domain.AdjustReasonReturn, domain.AdjustReasonCorrection,
		domain.AdjustReasonOther:
		return true
	}
	return false
}
