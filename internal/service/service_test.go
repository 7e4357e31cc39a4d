package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"vetstore/backend/internal/cache"
	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/metrics"
	"vetstore/backend/internal/store"
	"vetstore/backend/internal/store/memory"
)

func newTestService() (*Service, *memory.Store) {
	repo := memory.NewSeeded()
	svc := New(repo, cache.NoopAvailabilityCache{}, metrics.New(), zerolog.Nop(), 15*time.Minute, 30*time.Second)
	return svc, repo
}

func staffCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "vet", TenantID: "adris-vet", Role: domain.RoleStaff})
}

func customerCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "owner", TenantID: "adris-vet", Role: domain.RoleCustomer})
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{UserID: "admin", TenantID: "adris-vet", Role: domain.RoleAdmin})
}

// setStock drives a product to an exact on-hand quantity through the ledger.
func setStock(t *testing.T, svc *Service, productID string, qty int) {
	t.Helper()
	_, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{
		ProductID:      productID,
		TargetQuantity: qty,
		Reason:         domain.AdjustReasonPhysicalCount,
	})
	if err != nil {
		t.Fatalf("set stock: %v", err)
	}
}

func TestReceiveStockBlendsWeightedAverageCost(t *testing.T) {
	svc, _ := newTestService()
	setStock(t, svc, "prod-shampoo", 0)

	first, err := svc.ReceiveStock(staffCtx(), domain.ReceiveStockRequest{
		ProductID: "prod-shampoo", Quantity: 10, UnitCost: 1000,
	})
	if err != nil {
		t.Fatalf("first receive failed: %v", err)
	}
	if first.NewStock != 10 || first.NewWAC != 1000 {
		t.Fatalf("expected stock=10 wac=1000 at empty shelf, got stock=%d wac=%.2f", first.NewStock, first.NewWAC)
	}

	second, err := svc.ReceiveStock(staffCtx(), domain.ReceiveStockRequest{
		ProductID: "prod-shampoo", Quantity: 10, UnitCost: 2000,
	})
	if err != nil {
		t.Fatalf("second receive failed: %v", err)
	}
	if second.NewStock != 20 || second.NewWAC != 1500 {
		t.Fatalf("expected stock=20 wac=1500 after blend, got stock=%d wac=%.2f", second.NewStock, second.NewWAC)
	}
}

func TestAdjustStockLeavesCostBasisUntouched(t *testing.T) {
	svc, repo := newTestService()
	setStock(t, svc, "prod-shampoo", 0)
	if _, err := svc.ReceiveStock(staffCtx(), domain.ReceiveStockRequest{ProductID: "prod-shampoo", Quantity: 10, UnitCost: 1000}); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	result, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{
		ProductID: "prod-shampoo", TargetQuantity: 7, Reason: domain.AdjustReasonDamage,
	})
	if err != nil {
		t.Fatalf("adjust failed: %v", err)
	}
	if result.OldStock != 10 || result.NewStock != 7 || result.Delta != -3 {
		t.Fatalf("unexpected adjust result: %+v", result)
	}

	rec, err := repo.GetInventory(context.Background(), "adris-vet", "prod-shampoo")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.WeightedAverageCost != 1000 {
		t.Fatalf("adjust must not move WAC, got %.2f", rec.WeightedAverageCost)
	}
}

func TestLedgerLifecycleReceiveSellRecount(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	setStock(t, svc, "prod-shampoo", 10)

	result, err := svc.ReceiveStock(staffCtx(), domain.ReceiveStockRequest{
		ProductID: "prod-shampoo", Quantity: 10, UnitCost: 2000,
	})
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if result.NewStock != 20 {
		t.Fatalf("expected stock 20, got %d", result.NewStock)
	}

	newStock, err := repo.DecrementForSale(ctx, "adris-vet", "prod-shampoo", 5, "vet")
	if err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if newStock != 15 {
		t.Fatalf("expected stock 15 after sale, got %d", newStock)
	}
	rec, err := repo.GetInventory(ctx, "adris-vet", "prod-shampoo")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.WeightedAverageCost != result.NewWAC {
		t.Fatalf("sale must not move WAC: %.2f vs %.2f", rec.WeightedAverageCost, result.NewWAC)
	}

	adjusted, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{
		ProductID: "prod-shampoo", TargetQuantity: 12, Reason: domain.AdjustReasonPhysicalCount,
	})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if adjusted.Delta != -3 {
		t.Fatalf("expected recount delta -3, got %d", adjusted.Delta)
	}

	if _, err := repo.DecrementForSale(ctx, "adris-vet", "prod-shampoo", 13, "vet"); !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("overselling must fail, got %v", err)
	}
}

func TestAdjustStockRejectsNegativeTargetAndBadReason(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{
		ProductID: "prod-shampoo", TargetQuantity: -1, Reason: domain.AdjustReasonDamage,
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for negative target, got %v", err)
	}

	_, err = svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{
		ProductID: "prod-shampoo", TargetQuantity: 5, Reason: "shrinkage",
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown reason, got %v", err)
	}
}

func TestAdjustStockCannotDropBelowReservedQuantity(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Reserve(customerCtx(), domain.ReserveRequest{
		ProductID: "prod-shampoo", Quantity: 5, OrderDraftID: "draft-hold",
	}); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{
		ProductID: "prod-shampoo", TargetQuantity: 3, Reason: domain.AdjustReasonPhysicalCount,
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock below reserved, got %v", err)
	}
}

func TestJournalDeltasAccountForOnHandStock(t *testing.T) {
	svc, repo := newTestService()
	ctx := context.Background()
	setStock(t, svc, "prod-shampoo", 0)

	if _, err := svc.ReceiveStock(staffCtx(), domain.ReceiveStockRequest{ProductID: "prod-shampoo", Quantity: 10, UnitCost: 1000}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if _, err := repo.DecrementForSale(ctx, "adris-vet", "prod-shampoo", 4, "vet"); err != nil {
		t.Fatalf("decrement: %v", err)
	}
	if _, err := svc.AdjustStock(staffCtx(), domain.AdjustStockRequest{ProductID: "prod-shampoo", TargetQuantity: 8, Reason: domain.AdjustReasonReturn}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	// Holds journal availability deltas which must not count toward on-hand.
	if _, err := svc.Reserve(customerCtx(), domain.ReserveRequest{ProductID: "prod-shampoo", Quantity: 2, OrderDraftID: "draft-cons"}); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	movements, err := svc.ListMovements(staffCtx(), "prod-shampoo", time.Time{}, time.Time{}, 500)
	if err != nil {
		t.Fatalf("list movements: %v", err)
	}
	sum := 0
	for _, m := range movements {
		if m.Type == domain.MovementReservation || m.Type == domain.MovementRelease {
			continue
		}
		sum += m.QuantityDelta
	}

	rec, err := repo.GetInventory(ctx, "adris-vet", "prod-shampoo")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	// The seeded 12 units predate the journal; everything after is covered
	// by entries.
	if 12+sum != rec.StockQuantity {
		t.Fatalf("journal deltas %d do not reconcile with stock %d", sum, rec.StockQuantity)
	}
}

func TestStockMutationsRequireStaffRole(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.ReceiveStock(customerCtx(), domain.ReceiveStockRequest{ProductID: "prod-shampoo", Quantity: 1, UnitCost: 100}); err == nil {
		t.Fatalf("expected customer receive to be rejected")
	}
	if _, err := svc.AdjustStock(customerCtx(), domain.AdjustStockRequest{ProductID: "prod-shampoo", TargetQuantity: 5, Reason: domain.AdjustReasonOther}); err == nil {
		t.Fatalf("expected customer adjust to be rejected")
	}
}

func TestReserveReducesAvailabilityNotStock(t *testing.T) {
	svc, repo := newTestService()

	res, err := svc.Reserve(customerCtx(), domain.ReserveRequest{
		ProductID: "prod-shampoo", Quantity: 4, OrderDraftID: "draft-a",
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if res.Status != domain.ReservationActive {
		t.Fatalf("expected active reservation, got %s", res.Status)
	}

	rec, err := repo.GetInventory(context.Background(), "adris-vet", "prod-shampoo")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.StockQuantity != 12 {
		t.Fatalf("on-hand stock must not move on reserve, got %d", rec.StockQuantity)
	}
	if rec.Available() != 8 {
		t.Fatalf("expected availability 8 after reserving 4 of 12, got %d", rec.Available())
	}
}

func TestConcurrentReservationsNeverOversell(t *testing.T) {
	svc, repo := newTestService()
	// prod-catfood-7kg is seeded with 8 units.

	const workers = 20
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Reserve(customerCtx(), domain.ReserveRequest{
				ProductID: "prod-catfood-7kg", Quantity: 1, OrderDraftID: "draft-race",
			})
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range results {
		if err == nil {
			won++
		} else if !errors.Is(err, store.ErrInsufficientStock) {
			t.Fatalf("unexpected reserve error: %v", err)
		}
	}
	if won != 8 {
		t.Fatalf("expected exactly 8 winning reservations, got %d", won)
	}

	rec, err := repo.GetInventory(context.Background(), "adris-vet", "prod-catfood-7kg")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.Available() != 0 {
		t.Fatalf("expected zero availability after the race, got %d", rec.Available())
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc, repo := newTestService()

	res, err := svc.Reserve(customerCtx(), domain.ReserveRequest{
		ProductID: "prod-shampoo", Quantity: 3, OrderDraftID: "draft-rel",
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	if _, err := svc.Release(customerCtx(), res.ID); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	again, err := svc.Release(customerCtx(), res.ID)
	if err != nil {
		t.Fatalf("second release must be a no-op, got %v", err)
	}
	if again.Status != domain.ReservationReleased {
		t.Fatalf("expected released status, got %s", again.Status)
	}

	rec, err := repo.GetInventory(context.Background(), "adris-vet", "prod-shampoo")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.ReservedQuantity != 0 {
		t.Fatalf("double release must not double-credit, reserved=%d", rec.ReservedQuantity)
	}
}

func TestReleaseOfConsumedReservationIsNoOp(t *testing.T) {
	svc, repo := newTestService()

	res, err := svc.Reserve(customerCtx(), domain.ReserveRequest{
		ProductID: "prod-shampoo", Quantity: 2, OrderDraftID: "draft-paid",
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if _, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		OrderDraftID: "draft-paid",
		LineItems:    []domain.CheckoutLine{{ProductID: "prod-shampoo", Quantity: 2}},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	// A cancel that loses the race against its own checkout must not error
	// and must not touch the ledger.
	released, err := svc.Release(customerCtx(), res.ID)
	if err != nil {
		t.Fatalf("release of consumed reservation must be a no-op, got %v", err)
	}
	if released.Status != domain.ReservationConsumed {
		t.Fatalf("consumed hold must stay consumed, got %s", released.Status)
	}

	rec, err := repo.GetInventory(context.Background(), "adris-vet", "prod-shampoo")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.StockQuantity != 10 || rec.ReservedQuantity != 0 {
		t.Fatalf("release after consume must not move stock, got stock=%d reserved=%d", rec.StockQuantity, rec.ReservedQuantity)
	}
}

func TestSweepReleasesOnlyExpiredReservations(t *testing.T) {
	svc, repo := newTestService()

	past := time.Now().UTC().Add(-time.Minute)
	if _, err := repo.CreateReservation(context.Background(), domain.Reservation{
		TenantID: "adris-vet", ProductID: "prod-shampoo", Quantity: 2,
		OrderDraftID: "draft-old", ExpiresAt: past,
	}); err != nil {
		t.Fatalf("create expired reservation: %v", err)
	}
	fresh, err := svc.Reserve(customerCtx(), domain.ReserveRequest{
		ProductID: "prod-shampoo", Quantity: 3, OrderDraftID: "draft-fresh",
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	result, err := svc.SweepExpiredReservations(context.Background())
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if result.ReleasedCount != 1 {
		t.Fatalf("expected 1 release, got %d", result.ReleasedCount)
	}

	kept, err := repo.GetReservation(context.Background(), "adris-vet", fresh.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if kept.Status != domain.ReservationActive {
		t.Fatalf("unexpired reservation must stay active, got %s", kept.Status)
	}
}

func TestCheckoutComputesTotalsAndEmitsCommission(t *testing.T) {
	svc, repo := newTestService()

	// One 15kg dog food bag: 285000, above the free shipping threshold.
	result, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-dogfood-15kg", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	order := result.Order
	if order.Subtotal != 285000 {
		t.Fatalf("expected subtotal 285000, got %d", order.Subtotal)
	}
	if order.ShippingCost != 0 {
		t.Fatalf("expected free shipping above threshold, got %d", order.ShippingCost)
	}
	if order.TaxAmount != 28500 {
		t.Fatalf("expected 10%% tax 28500, got %d", order.TaxAmount)
	}
	if order.Total != 313500 {
		t.Fatalf("expected total 313500, got %d", order.Total)
	}
	if result.Invoice.Total != order.Total || result.Invoice.AmountDue != order.Total {
		t.Fatalf("invoice must mirror order total, got %+v", result.Invoice)
	}

	// Standard-tier tenant in its introductory window pays 3% of the
	// merchandise amount.
	summary, err := repo.GetCommissionSummary(context.Background(), "adris-vet", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("commission summary: %v", err)
	}
	if summary.OrderCount != 1 || summary.PendingAmount != 8550 {
		t.Fatalf("expected one pending commission of 8550, got %+v", summary)
	}
}

func TestCheckoutChargesShippingBelowThreshold(t *testing.T) {
	svc, _ := newTestService()

	result, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-shampoo", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if result.Order.ShippingCost != 15000 {
		t.Fatalf("expected flat shipping 15000 below threshold, got %d", result.Order.ShippingCost)
	}
	// 48000 + 4800 tax + 15000 shipping.
	if result.Order.Total != 67800 {
		t.Fatalf("expected total 67800, got %d", result.Order.Total)
	}
}

func TestCheckoutRejectsAllLinesWhenOneExceedsStock(t *testing.T) {
	svc, repo := newTestService()

	_, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{
			{ProductID: "prod-shampoo", Quantity: 1},
			{ProductID: "prod-catfood-7kg", Quantity: 50},
		},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}

	rec, err := repo.GetInventory(context.Background(), "adris-vet", "prod-shampoo")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.StockQuantity != 12 {
		t.Fatalf("failed checkout must leave zero partial decrement, stock=%d", rec.StockQuantity)
	}
}

func TestCheckoutPrescriptionGating(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-antiparasitic", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrPrescriptionRequired) {
		t.Fatalf("expected prescription required, got %v", err)
	}

	result, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{
			{ProductID: "prod-antiparasitic", Quantity: 1, PrescriptionFileID: "file-rx-001"},
		},
	})
	if err != nil {
		t.Fatalf("checkout with attached prescription failed: %v", err)
	}
	if result.Order.Status != domain.OrderPendingPrescription {
		t.Fatalf("unreviewed prescription must route to pending_prescription, got %s", result.Order.Status)
	}
}

func TestCheckoutAppliesPercentageCoupon(t *testing.T) {
	svc, _ := newTestService()

	result, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		CouponCode: "BIENVENIDA10",
		LineItems:  []domain.CheckoutLine{{ProductID: "prod-dogfood-15kg", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	if result.Order.DiscountAmount != 28500 {
		t.Fatalf("expected 10%% discount 28500, got %d", result.Order.DiscountAmount)
	}
	// merchandise 256500, tax 25650, free shipping.
	if result.Order.Total != 282150 {
		t.Fatalf("expected total 282150, got %d", result.Order.Total)
	}
}

func TestCheckoutConsumesDraftReservations(t *testing.T) {
	svc, repo := newTestService()

	res, err := svc.Reserve(customerCtx(), domain.ReserveRequest{
		ProductID: "prod-catfood-7kg", Quantity: 8, OrderDraftID: "draft-full",
	})
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	// Another shopper cannot take the held units.
	_, err = svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-catfood-7kg", Quantity: 1}},
	})
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected held stock to be unavailable, got %v", err)
	}

	// The holder checks out against the draft and the hold is consumed.
	result, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		OrderDraftID: "draft-full",
		LineItems:    []domain.CheckoutLine{{ProductID: "prod-catfood-7kg", Quantity: 8}},
	})
	if err != nil {
		t.Fatalf("draft checkout failed: %v", err)
	}
	if result.Order.Status != domain.OrderConfirmed {
		t.Fatalf("expected confirmed order, got %s", result.Order.Status)
	}

	consumed, err := repo.GetReservation(context.Background(), "adris-vet", res.ID)
	if err != nil {
		t.Fatalf("get reservation: %v", err)
	}
	if consumed.Status != domain.ReservationConsumed {
		t.Fatalf("expected consumed reservation, got %s", consumed.Status)
	}

	rec, err := repo.GetInventory(context.Background(), "adris-vet", "prod-catfood-7kg")
	if err != nil {
		t.Fatalf("get inventory: %v", err)
	}
	if rec.StockQuantity != 0 || rec.ReservedQuantity != 0 {
		t.Fatalf("expected empty shelf after consuming hold, got stock=%d reserved=%d", rec.StockQuantity, rec.ReservedQuantity)
	}
}

func TestRefundBoundsAndStatusTransitions(t *testing.T) {
	svc, _ := newTestService()

	checkout, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-dogfood-15kg", Quantity: 1}},
	})
	if err != nil {
		t.Fatalf("checkout failed: %v", err)
	}
	invoiceID := checkout.Invoice.ID

	if _, err := svc.RecordPayment(staffCtx(), invoiceID, 100000); err != nil {
		t.Fatalf("record payment failed: %v", err)
	}

	first, err := svc.Refund(staffCtx(), invoiceID, domain.RefundRequest{Amount: 60000, Reason: "producto vencido"})
	if err != nil {
		t.Fatalf("first refund failed: %v", err)
	}
	if first.NewAmountPaid != 40000 || first.NewStatus != domain.InvoiceRefundedPartial {
		t.Fatalf("unexpected first refund result: %+v", first)
	}

	_, err = svc.Refund(staffCtx(), invoiceID, domain.RefundRequest{Amount: 50000, Reason: "duplicado"})
	if !errors.Is(err, store.ErrRefundExceedsPaid) {
		t.Fatalf("refund beyond remaining paid must be rejected, got %v", err)
	}

	final, err := svc.Refund(staffCtx(), invoiceID, domain.RefundRequest{Amount: 40000, Reason: "cancelacion"})
	if err != nil {
		t.Fatalf("final refund failed: %v", err)
	}
	if final.NewAmountPaid != 0 || final.NewStatus != domain.InvoiceRefundedFull {
		t.Fatalf("unexpected final refund result: %+v", final)
	}
}

func TestRefundRequiresStaffRole(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.Refund(customerCtx(), "inv-any", domain.RefundRequest{Amount: 100, Reason: "x"})
	if err == nil {
		t.Fatalf("expected customer refund to be rejected")
	}
}

func TestCommissionRates(t *testing.T) {
	now := time.Now().UTC()

	standardNew := domain.TenantBilling{Tier: domain.TierStandard, ActiveSince: now.AddDate(0, -2, 0)}
	if rate := rateFor(standardNew, now); rate != 0.03 {
		t.Fatalf("expected introductory rate 0.03, got %v", rate)
	}

	standardOld := domain.TenantBilling{Tier: domain.TierStandard, ActiveSince: now.AddDate(0, -7, 0)}
	if rate := rateFor(standardOld, now); rate != 0.05 {
		t.Fatalf("expected standard rate 0.05, got %v", rate)
	}

	enterprise := domain.TenantBilling{Tier: domain.TierEnterprise, ActiveSince: now.AddDate(-2, 0, 0)}
	if rate := rateFor(enterprise, now); rate != 0.02 {
		t.Fatalf("expected enterprise rate 0.02, got %v", rate)
	}
}

func TestCommissionBatchGroupsPerTenant(t *testing.T) {
	svc, _ := newTestService()

	if _, err := svc.Checkout(customerCtx(), domain.CheckoutRequest{
		LineItems: []domain.CheckoutLine{{ProductID: "prod-dogfood-15kg", Quantity: 1}},
	}); err != nil {
		t.Fatalf("checkout failed: %v", err)
	}

	now := time.Now().UTC()
	batch, err := svc.RunCommissionBatch(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("batch failed: %v", err)
	}
	if batch.InvoicesCreated != 1 {
		t.Fatalf("expected one commission invoice, got %d", batch.InvoicesCreated)
	}

	summary, err := svc.GetCommissionSummary(adminCtx(), time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if summary.PendingAmount != 0 || summary.InvoicedAmount != 8550 {
		t.Fatalf("expected commission moved to invoiced, got %+v", summary)
	}

	// Second batch over the same period finds nothing unattached.
	again, err := svc.RunCommissionBatch(context.Background(), now.Add(-time.Hour), now.Add(time.Hour))
	if err != nil {
		t.Fatalf("second batch failed: %v", err)
	}
	if again.InvoicesCreated != 0 {
		t.Fatalf("expected no invoices on rerun, got %d", again.InvoicesCreated)
	}
}

func TestDischargeSagaIsIdempotent(t *testing.T) {
	svc, repo := newTestService()

	first, err := svc.DischargeHospitalization(staffCtx(), "hosp-001")
	if err != nil {
		t.Fatalf("discharge failed: %v", err)
	}
	if first.AlreadyInvoiced {
		t.Fatalf("first discharge must create the invoice")
	}
	if first.Invoice.Total != 450000 {
		t.Fatalf("expected invoice over accrued total 450000, got %d", first.Invoice.Total)
	}
	if !first.KennelFreed {
		t.Fatalf("expected kennel to be freed")
	}

	hosp, err := repo.GetHospitalization(context.Background(), "adris-vet", "hosp-001")
	if err != nil {
		t.Fatalf("get hospitalization: %v", err)
	}
	if hosp.Status != domain.HospitalizationDischarged {
		t.Fatalf("expected discharged status, got %s", hosp.Status)
	}

	second, err := svc.DischargeHospitalization(staffCtx(), "hosp-001")
	if err != nil {
		t.Fatalf("repeat discharge must succeed, got %v", err)
	}
	if !second.AlreadyInvoiced {
		t.Fatalf("repeat discharge must report the existing invoice")
	}
	if second.Invoice.ID != first.Invoice.ID {
		t.Fatalf("repeat discharge must return the same invoice, got %s vs %s", second.Invoice.ID, first.Invoice.ID)
	}
}

func TestTenantIsolation(t *testing.T) {
	svc, _ := newTestService()
	otherTenant := WithActor(context.Background(), domain.Actor{UserID: "stranger", TenantID: "petlife", Role: domain.RoleStaff})

	if _, err := svc.GetInventory(otherTenant, "prod-shampoo"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant read must look like not found, got %v", err)
	}
	if _, err := svc.DischargeHospitalization(otherTenant, "hosp-001"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("cross-tenant discharge must look like not found, got %v", err)
	}
}

func TestLookupByCodeMatchesBarcodeAndSKU(t *testing.T) {
	svc, _ := newTestService()

	byBarcode, err := svc.LookupByCode(customerCtx(), "7890123456789")
	if err != nil {
		t.Fatalf("barcode lookup failed: %v", err)
	}
	if byBarcode.ID != "prod-dogfood-15kg" {
		t.Fatalf("unexpected barcode match: %s", byBarcode.ID)
	}

	bySKU, err := svc.LookupByCode(customerCtx(), "alim-gato-07")
	if err != nil {
		t.Fatalf("sku lookup failed: %v", err)
	}
	if bySKU.ID != "prod-catfood-7kg" {
		t.Fatalf("unexpected sku match: %s", bySKU.ID)
	}

	if _, err := svc.LookupByCode(customerCtx(), "no-such-code"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestReorderAndLowStockViews(t *testing.T) {
	svc, _ := newTestService()
	// Drop cat food to 2: at or below min level 3 and reorder point 10.
	setStock(t, svc, "prod-catfood-7kg", 2)

	suggestions, err := svc.ListReorderSuggestions(staffCtx())
	if err != nil {
		t.Fatalf("reorder suggestions failed: %v", err)
	}
	found := false
	for _, sg := range suggestions {
		if sg.ProductID == "prod-catfood-7kg" {
			found = true
			if sg.RecommendedQty != 15 {
				t.Fatalf("expected configured reorder qty 15, got %d", sg.RecommendedQty)
			}
		}
	}
	if !found {
		t.Fatalf("expected cat food in reorder suggestions")
	}

	low, err := svc.ListLowStock(staffCtx())
	if err != nil {
		t.Fatalf("low stock failed: %v", err)
	}
	found = false
	for _, item := range low {
		if item.ProductID == "prod-catfood-7kg" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected cat food in low stock list")
	}
}
