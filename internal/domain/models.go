package domain

import "time"

type Actor struct {
	UserID   string
	TenantID string
	Role     string
}

const (
	RoleStaff    = "staff"
	RoleCustomer = "customer"
	RoleAdmin    = "admin"
)

type Product struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenant_id"`
	SKU                  string    `json:"sku"`
	Barcode              string    `json:"barcode,omitempty"`
	Name                 string    `json:"name"`
	BasePrice            int64     `json:"base_price"`
	PrescriptionRequired bool      `json:"prescription_required"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
}

// InventoryRecord is the per-tenant per-product stock ledger row. It is
// mutated only through movement-journaled repository operations.
type InventoryRecord struct {
	TenantID            string    `json:"tenant_id"`
	ProductID           string    `json:"product_id"`
	StockQuantity       int       `json:"stock_quantity"`
	ReservedQuantity    int       `json:"reserved_quantity"`
	WeightedAverageCost float64   `json:"weighted_average_cost"`
	MinStockLevel       int       `json:"min_stock_level"`
	ReorderPoint        int       `json:"reorder_point"`
	ReorderQuantity     int       `json:"reorder_quantity"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (r InventoryRecord) Available() int {
	return r.StockQuantity - r.ReservedQuantity
}

const (
	MovementReceive     = "receive"
	MovementSale        = "sale"
	MovementAdjustment  = "adjustment"
	MovementReservation = "reservation"
	MovementRelease     = "release"
	MovementReturn      = "return"
)

const (
	AdjustReasonPhysicalCount = "physical_count"
	AdjustReasonDamage        = "damage"
	AdjustReasonTheft         = "theft"
	AdjustReasonExpired       = "expired"
	AdjustReasonReturn        = "return"
	AdjustReasonCorrection    = "correction"
	AdjustReasonOther         = "other"
)

// MovementEntry is an append-only journal record. QuantityDelta is the
// on-hand stock delta for receive/sale/adjustment/return entries; for
// reservation/release entries it is the availability impact (negative on
// reserve, positive on release) and does not affect on-hand stock.
type MovementEntry struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	ProductID     string    `json:"product_id"`
	Type          string    `json:"type"`
	QuantityDelta int       `json:"quantity_delta"`
	UnitCost      int64     `json:"unit_cost,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Notes         string    `json:"notes,omitempty"`
	PerformedBy   string    `json:"performed_by"`
	CreatedAt     time.Time `json:"created_at"`
}

const (
	ReservationActive   = "active"
	ReservationConsumed = "consumed"
	ReservationReleased = "released"
)

type Reservation struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	ProductID    string    `json:"product_id"`
	Quantity     int       `json:"quantity"`
	OrderDraftID string    `json:"order_draft_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

const (
	CouponPercentage = "percentage"
	CouponFixed      = "fixed"
)

type Coupon struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Code          string    `json:"code"`
	DiscountType  string    `json:"discount_type"`
	DiscountValue int64     `json:"discount_value"`
	MinPurchase   int64     `json:"min_purchase"`
	UsageLimit    int       `json:"usage_limit"`
	UsedCount     int       `json:"used_count"`
	ValidFrom     time.Time `json:"valid_from"`
	ValidUntil    time.Time `json:"valid_until"`
	Active        bool      `json:"active"`
}

const (
	OrderPending             = "pending"
	OrderPendingPrescription = "pending_prescription"
	OrderConfirmed           = "confirmed"
	OrderCancelled           = "cancelled"
)

type OrderLine struct {
	ProductID            string `json:"product_id"`
	ProductName          string `json:"product_name"`
	Quantity             int    `json:"quantity"`
	UnitPrice            int64  `json:"unit_price"`
	LineTotal            int64  `json:"line_total"`
	RequiresPrescription bool   `json:"requires_prescription"`
	PrescriptionFileID   string `json:"prescription_file_id,omitempty"`
}

type Order struct {
	ID             string      `json:"id"`
	TenantID       string      `json:"tenant_id"`
	CustomerID     string      `json:"customer_id"`
	OrderNumber    string      `json:"order_number"`
	Status         string      `json:"status"`
	Subtotal       int64       `json:"subtotal"`
	DiscountAmount int64       `json:"discount_amount"`
	CouponCode     string      `json:"coupon_code,omitempty"`
	ShippingCost   int64       `json:"shipping_cost"`
	TaxAmount      int64       `json:"tax_amount"`
	Total          int64       `json:"total"`
	CreatedAt      time.Time   `json:"created_at"`
	Items          []OrderLine `json:"items"`
}

const (
	InvoiceDraft           = "draft"
	InvoicePending         = "pending"
	InvoicePaid            = "paid"
	InvoiceRefundedPartial = "refunded_partial"
	InvoiceRefundedFull    = "refunded_full"
	InvoiceVoid            = "void"
)

type Invoice struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	OrderID        string    `json:"order_id,omitempty"`
	InvoiceNumber  string    `json:"invoice_number"`
	Status         string    `json:"status"`
	Total          int64     `json:"total"`
	AmountPaid     int64     `json:"amount_paid"`
	RefundedAmount int64     `json:"refunded_amount"`
	AmountDue      int64     `json:"amount_due"`
	CreatedAt      time.Time `json:"created_at"`
}

type Refund struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	InvoiceID   string    `json:"invoice_id"`
	PaymentID   string    `json:"payment_id,omitempty"`
	Amount      int64     `json:"amount"`
	Reason      string    `json:"reason"`
	ProcessedBy string    `json:"processed_by"`
	CreatedAt   time.Time `json:"created_at"`
}

type Commission struct {
	ID                   string    `json:"id"`
	TenantID             string    `json:"tenant_id"`
	OrderID              string    `json:"order_id"`
	CommissionableAmount int64     `json:"commissionable_amount"`
	Rate                 float64   `json:"rate"`
	CommissionAmount     int64     `json:"commission_amount"`
	InvoiceID            string    `json:"invoice_id,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

const (
	CommissionInvoiceDraft   = "draft"
	CommissionInvoiceSent    = "sent"
	CommissionInvoicePaid    = "paid"
	CommissionInvoiceOverdue = "overdue"
	CommissionInvoiceWaived  = "waived"
)

type CommissionInvoice struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	TotalAmount int64     `json:"total_amount"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

const (
	TierStandard   = "standard"
	TierEnterprise = "enterprise"
)

// TenantBilling carries the commission-tier configuration the engine reads:
// enterprise tenants pay a negotiated flat rate, everyone else pays the
// introductory rate for their first months and the standard rate after.
type TenantBilling struct {
	TenantID    string    `json:"tenant_id"`
	Tier        string    `json:"tier"`
	ActiveSince time.Time `json:"active_since"`
}

const (
	HospitalizationActive     = "active"
	HospitalizationDischarged = "discharged"
)

type Hospitalization struct {
	ID           string     `json:"id"`
	TenantID     string     `json:"tenant_id"`
	PatientID    string     `json:"patient_id"`
	KennelID     string     `json:"kennel_id,omitempty"`
	Status       string     `json:"status"`
	AccruedTotal int64      `json:"accrued_total"`
	AdmittedAt   time.Time  `json:"admitted_at"`
	DischargedAt *time.Time `json:"discharged_at,omitempty"`
}

type Kennel struct {
	ID       string `json:"id"`
	TenantID string `json:"tenant_id"`
	Name     string `json:"name"`
	Occupied bool   `json:"occupied"`
}

type AuditLog struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	ActorID    string    `json:"actor_id"`
	ActorRole  string    `json:"actor_role"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   string    `json:"entity_id"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"created_at"`
}

type UserAccount struct {
	Username  string
	Password  string
	TenantID  string
	Role      string
	Active    bool
	CreatedAt time.Time
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	TenantID    string `json:"tenant_id"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type ReceiveStockRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitCost  int64  `json:"unit_cost"`
	Notes     string `json:"notes,omitempty"`
}

type ReceiveStockResult struct {
	ProductID string  `json:"product_id"`
	NewStock  int     `json:"new_stock"`
	NewWAC    float64 `json:"new_wac"`
}

type AdjustStockRequest struct {
	ProductID      string `json:"product_id"`
	TargetQuantity int    `json:"target_quantity"`
	Reason         string `json:"reason"`
	Notes          string `json:"notes,omitempty"`
}

type AdjustStockResult struct {
	ProductID string `json:"product_id"`
	OldStock  int    `json:"old_stock"`
	NewStock  int    `json:"new_stock"`
	Delta     int    `json:"delta"`
}

type ReserveRequest struct {
	ProductID    string `json:"product_id"`
	Quantity     int    `json:"quantity"`
	OrderDraftID string `json:"order_draft_id"`
	TTLSeconds   int    `json:"ttl_seconds,omitempty"`
}

type CheckoutLine struct {
	ProductID          string `json:"product_id"`
	Quantity           int    `json:"quantity"`
	PrescriptionFileID string `json:"prescription_file_id,omitempty"`
}

type CheckoutRequest struct {
	OrderDraftID string         `json:"order_draft_id,omitempty"`
	CouponCode   string         `json:"coupon_code,omitempty"`
	LineItems    []CheckoutLine `json:"line_items"`
}

type CheckoutResult struct {
	Order   Order   `json:"order"`
	Invoice Invoice `json:"invoice"`
}

type RefundRequest struct {
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	PaymentID string `json:"payment_id,omitempty"`
}

type RefundResult struct {
	RefundID      string `json:"refund_id"`
	InvoiceID     string `json:"invoice_id"`
	NewAmountPaid int64  `json:"new_amount_paid"`
	NewAmountDue  int64  `json:"new_amount_due"`
	NewStatus     string `json:"new_status"`
}

type ReorderSuggestion struct {
	ProductID              string  `json:"product_id"`
	Name                   string  `json:"name"`
	SKU                    string  `json:"sku"`
	CurrentStock           int     `json:"current_stock"`
	ReorderPoint           int     `json:"reorder_point"`
	RecommendedQty         int     `json:"recommended_qty"`
	WeightedAverageCost    float64 `json:"weighted_average_cost"`
	EstimatedPurchaseTotal int64   `json:"estimated_purchase_total"`
}

type LowStockItem struct {
	ProductID     string `json:"product_id"`
	Name          string `json:"name"`
	SKU           string `json:"sku"`
	CurrentStock  int    `json:"current_stock"`
	MinStockLevel int    `json:"min_stock_level"`
}

type CommissionSummary struct {
	TenantID       string    `json:"tenant_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	OrderCount     int       `json:"order_count"`
	PendingAmount  int64     `json:"pending_amount"`
	InvoicedAmount int64     `json:"invoiced_amount"`
}

type SweepResult struct {
	ReleasedCount int       `json:"released_count"`
	SweptAt       time.Time `json:"swept_at"`
}

type BatchResult struct {
	InvoicesCreated int       `json:"invoices_created"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
}

type DischargeResult struct {
	HospitalizationID string  `json:"hospitalization_id"`
	Invoice           Invoice `json:"invoice"`
	AlreadyInvoiced   bool    `json:"already_invoiced"`
	KennelFreed       bool    `json:"kennel_freed"`
}

type AvailabilityResult struct {
	ProductID string `json:"product_id"`
	Available int    `json:"available"`
	FromCache bool   `json:"-"`
}
