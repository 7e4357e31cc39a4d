package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"vetstore/backend/internal/domain"
)

// Sentinel taxonomy. Handlers map these to HTTP statuses; callers branch
// with errors.Is. ErrNotFound deliberately covers cross-tenant rows so a
// caller cannot distinguish "missing" from "belongs to another tenant".
var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation failed")
	ErrConflict   = errors.New("conflict")

	ErrInsufficientStock    = fmt.Errorf("insufficient stock: %w", ErrConflict)
	ErrCouponExhausted      = fmt.Errorf("coupon not usable: %w", ErrConflict)
	ErrRefundExceedsPaid    = fmt.Errorf("refund exceeds paid amount: %w", ErrConflict)
	ErrReservationNotActive = fmt.Errorf("reservation not active: %w", ErrConflict)
	ErrInvoiceExists        = fmt.Errorf("invoice already exists: %w", ErrConflict)
	ErrPrescriptionRequired = fmt.Errorf("prescription file required: %w", ErrValidation)
)

// Repository is the persistence boundary. Every mutating operation is one
// atomic unit of work: implementations either commit the full
// read-validate-write cycle under a per-row exclusive lock or roll back,
// so no caller ever observes a partial mutation.
type Repository interface {
	// Products.
	GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error)
	GetProductsByIDs(ctx context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error)
	FindProductByCode(ctx context.Context, tenantID string, code string) (*domain.Product, error)

	// Stock ledger. ReceiveStock and AdjustStock append exactly one
	// movement entry each; WAC changes only on receipt.
	GetInventory(ctx context.Context, tenantID string, productID string) (*domain.InventoryRecord, error)
	ReceiveStock(ctx context.Context, tenantID string, productID string, qty int, unitCost int64, notes string, performedBy string) (*domain.ReceiveStockResult, error)
	AdjustStock(ctx context.Context, tenantID string, productID string, targetQty int, reason string, notes string, performedBy string) (*domain.AdjustStockResult, error)
	DecrementForSale(ctx context.Context, tenantID string, productID string, qty int, performedBy string) (int, error)
	ListMovements(ctx context.Context, tenantID string, productID string, from time.Time, to time.Time, limit int) ([]domain.MovementEntry, error)
	ListReorderSuggestions(ctx context.Context, tenantID string) ([]domain.ReorderSuggestion, error)
	ListLowStock(ctx context.Context, tenantID string) ([]domain.LowStockItem, error)

	// Reservations. CreateReservation checks availability under the same
	// per-product lock scope as ledger mutations. ReleaseReservation is a
	// conditional active->released transition and a no-op on terminal rows.
	CreateReservation(ctx context.Context, res domain.Reservation) (*domain.Reservation, error)
	GetReservation(ctx context.Context, tenantID string, reservationID string) (*domain.Reservation, error)
	ReleaseReservation(ctx context.Context, tenantID string, reservationID string, performedBy string) (*domain.Reservation, error)
	ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error)

	// Checkout settlement: decrements (or consumes draft reservations for)
	// every line, increments coupon usage, creates order + invoice +
	// commission, journals the sales. All or nothing.
	CreateCheckout(ctx context.Context, order domain.Order, couponID string, orderDraftID string, commission *domain.Commission, performedBy string) (*domain.CheckoutResult, error)
	GetCouponByCode(ctx context.Context, tenantID string, code string) (*domain.Coupon, error)

	// Invoices and refunds.
	GetInvoice(ctx context.Context, tenantID string, invoiceID string) (*domain.Invoice, error)
	RecordInvoicePayment(ctx context.Context, tenantID string, invoiceID string, amount int64) (*domain.Invoice, error)
	CreateRefund(ctx context.Context, refund domain.Refund) (*domain.RefundResult, error)

	// Commissions.
	GetTenantBilling(ctx context.Context, tenantID string) (*domain.TenantBilling, error)
	GetCommissionSummary(ctx context.Context, tenantID string, from time.Time, to time.Time) (domain.CommissionSummary, error)
	BatchCommissionInvoices(ctx context.Context, periodStart time.Time, periodEnd time.Time) (int, error)

	// Hospitalization discharge steps. CreateHospitalizationInvoice returns
	// the existing invoice together with ErrInvoiceExists when the stay is
	// already billed, so the saga can distinguish the duplicate case
	// structurally.
	GetHospitalization(ctx context.Context, tenantID string, hospitalizationID string) (*domain.Hospitalization, error)
	CreateHospitalizationInvoice(ctx context.Context, tenantID string, hospitalizationID string, performedBy string) (*domain.Invoice, error)
	MarkDischarged(ctx context.Context, tenantID string, hospitalizationID string, at time.Time) error
	FreeKennel(ctx context.Context, tenantID string, kennelID string) error

	// Audit trail (append-only).
	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error

	// User accounts for the auth manager.
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}
