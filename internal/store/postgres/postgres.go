package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"vetstore/backend/internal/domain"
	"vetstore/backend/internal/store"
	"vetstore/backend/internal/xid"
)

type Store struct {
	db *sql.DB
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- Products ---

func (s *Store) GetProduct(ctx context.Context, tenantID string, productID string) (*domain.Product, error) {
	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, sku, COALESCE(barcode, ''), name, base_price, prescription_required, active, created_at
		FROM products
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, productID).Scan(&p.ID, &p.TenantID, &p.SKU, &p.Barcode, &p.Name, &p.BasePrice, &p.PrescriptionRequired, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

func (s *Store) GetProductsByIDs(ctx context.Context, tenantID string, productIDs []string) (map[string]domain.Product, error) {
	if len(productIDs) == 0 {
		return map[string]domain.Product{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, sku, COALESCE(barcode, ''), name, base_price, prescription_required, active, created_at
		FROM products
		WHERE tenant_id = $1 AND active = true AND id = ANY($2)
	`, tenantID, productIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	products := make(map[string]domain.Product, len(productIDs))
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SKU, &p.Barcode, &p.Name, &p.BasePrice, &p.PrescriptionRequired, &p.Active, &p.CreatedAt); err != nil {
			return nil, err
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

func (s *Store) FindProductByCode(ctx context.Context, tenantID string, code string) (*domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, store.ErrValidation
	}

	var p domain.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, sku, COALESCE(barcode, ''), name, base_price, prescription_required, active, created_at
		FROM products
		WHERE tenant_id = $1 AND active = true AND (barcode = $2 OR lower(sku) = lower($2))
		ORDER BY (barcode = $2) DESC
		LIMIT 1
	`, tenantID, code).Scan(&p.ID, &p.TenantID, &p.SKU, &p.Barcode, &p.Name, &p.BasePrice, &p.PrescriptionRequired, &p.Active, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// --- Stock ledger ---

func (s *Store) GetInventory(ctx context.Context, tenantID string, productID string) (*domain.InventoryRecord, error) {
	var rec domain.InventoryRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, product_id, stock_quantity, reserved_quantity, weighted_average_cost,
		       min_stock_level, reorder_point, reorder_quantity, updated_at
		FROM inventory
		WHERE tenant_id = $1 AND product_id = $2
	`, tenantID, productID).Scan(
		&rec.TenantID, &rec.ProductID, &rec.StockQuantity, &rec.ReservedQuantity, &rec.WeightedAverageCost,
		&rec.MinStockLevel, &rec.ReorderPoint, &rec.ReorderQuantity, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}

func (s *Store) ReceiveStock(ctx context.Context, tenantID string, productID string, qty int, unitCost int64, notes string, performedBy string) (*domain.ReceiveStockResult, error) {
	if qty < 1 || unitCost < 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock int
	var wac float64
	err = tx.QueryRowContext(ctx, `
		SELECT stock_quantity, weighted_average_cost
		FROM inventory
		WHERE tenant_id = $1 AND product_id = $2
		FOR UPDATE
	`, tenantID, productID).Scan(&stock, &wac)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	newStock := stock + qty
	newWAC := float64(unitCost)
	if stock > 0 && wac > 0 {
		newWAC = (float64(stock)*wac + float64(qty)*float64(unitCost)) / float64(newStock)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET stock_quantity = $3, weighted_average_cost = $4, updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2
	`, tenantID, productID, newStock, newWAC)
	if err != nil {
		return nil, err
	}

	if err := insertMovement(ctx, tx, domain.MovementEntry{
		TenantID:      tenantID,
		ProductID:     productID,
		Type:          domain.MovementReceive,
		QuantityDelta: qty,
		UnitCost:      unitCost,
		Notes:         notes,
		PerformedBy:   performedBy,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.ReceiveStockResult{ProductID: productID, NewStock: newStock, NewWAC: newWAC}, nil
}

func (s *Store) AdjustStock(ctx context.Context, tenantID string, productID string, targetQty int, reason string, notes string, performedBy string) (*domain.AdjustStockResult, error) {
	if targetQty < 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock, reserved int
	err = tx.QueryRowContext(ctx, `
		SELECT stock_quantity, reserved_quantity
		FROM inventory
		WHERE tenant_id = $1 AND product_id = $2
		FOR UPDATE
	`, tenantID, productID).Scan(&stock, &reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if targetQty < reserved {
		return nil, store.ErrInsufficientStock
	}

	delta := targetQty - stock
	result := &domain.AdjustStockResult{ProductID: productID, OldStock: stock, NewStock: targetQty, Delta: delta}
	if delta == 0 {
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return result, nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET stock_quantity = $3, updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2
	`, tenantID, productID, targetQty)
	if err != nil {
		return nil, err
	}

	entryType := domain.MovementAdjustment
	if reason == domain.AdjustReasonReturn {
		entryType = domain.MovementReturn
	}
	if err := insertMovement(ctx, tx, domain.MovementEntry{
		TenantID:      tenantID,
		ProductID:     productID,
		Type:          entryType,
		QuantityDelta: delta,
		Reason:        reason,
		Notes:         notes,
		PerformedBy:   performedBy,
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) DecrementForSale(ctx context.Context, tenantID string, productID string, qty int, performedBy string) (int, error) {
	if qty < 1 {
		return 0, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock, reserved int
	err = tx.QueryRowContext(ctx, `
		SELECT stock_quantity, reserved_quantity
		FROM inventory
		WHERE tenant_id = $1 AND product_id = $2
		FOR UPDATE
	`, tenantID, productID).Scan(&stock, &reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	if stock-reserved < qty {
		return 0, store.ErrInsufficientStock
	}

	newStock := stock - qty
	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET stock_quantity = $3, updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2
	`, tenantID, productID, newStock)
	if err != nil {
		return 0, err
	}

	if err := insertMovement(ctx, tx, domain.MovementEntry{
		TenantID:      tenantID,
		ProductID:     productID,
		Type:          domain.MovementSale,
		QuantityDelta: -qty,
		PerformedBy:   performedBy,
	}); err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newStock, nil
}

func (s *Store) ListMovements(ctx context.Context, tenantID string, productID string, from time.Time, to time.Time, limit int) ([]domain.MovementEntry, error) {
	if limit < 1 {
		limit = 100
	}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, product_id, movement_type, quantity_delta,
		       COALESCE(unit_cost, 0), COALESCE(reason, ''), COALESCE(notes, ''), performed_by, created_at
		FROM stock_movements
		WHERE tenant_id = $1
		  AND ($2 = '' OR product_id = $2)
		  AND created_at >= $3 AND created_at <= $4
		ORDER BY created_at DESC
		LIMIT $5
	`, tenantID, productID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	movements := make([]domain.MovementEntry, 0, limit)
	for rows.Next() {
		var m domain.MovementEntry
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ProductID, &m.Type, &m.QuantityDelta, &m.UnitCost, &m.Reason, &m.Notes, &m.PerformedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		movements = append(movements, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return movements, nil
}

func (s *Store) ListReorderSuggestions(ctx context.Context, tenantID string) ([]domain.ReorderSuggestion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, p.name, p.sku, i.stock_quantity, i.reorder_point, i.reorder_quantity, i.weighted_average_cost
		FROM inventory i
		JOIN products p ON p.id = i.product_id AND p.tenant_id = i.tenant_id
		WHERE i.tenant_id = $1 AND p.active = true
		  AND i.reorder_point > 0 AND i.stock_quantity <= i.reorder_point
		ORDER BY i.product_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	suggestions := make([]domain.ReorderSuggestion, 0, 16)
	for rows.Next() {
		var sg domain.ReorderSuggestion
		if err := rows.Scan(&sg.ProductID, &sg.Name, &sg.SKU, &sg.CurrentStock, &sg.ReorderPoint, &sg.RecommendedQty, &sg.WeightedAverageCost); err != nil {
			return nil, err
		}
		if sg.RecommendedQty < 1 {
			sg.RecommendedQty = sg.ReorderPoint*2 - sg.CurrentStock
		}
		sg.EstimatedPurchaseTotal = int64(math.Round(sg.WeightedAverageCost * float64(sg.RecommendedQty)))
		suggestions = append(suggestions, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return suggestions, nil
}

func (s *Store) ListLowStock(ctx context.Context, tenantID string) ([]domain.LowStockItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.product_id, p.name, p.sku, i.stock_quantity, i.min_stock_level
		FROM inventory i
		JOIN products p ON p.id = i.product_id AND p.tenant_id = i.tenant_id
		WHERE i.tenant_id = $1 AND p.active = true
		  AND i.min_stock_level > 0 AND i.stock_quantity <= i.min_stock_level
		ORDER BY i.product_id
	`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]domain.LowStockItem, 0, 16)
	for rows.Next() {
		var item domain.LowStockItem
		if err := rows.Scan(&item.ProductID, &item.Name, &item.SKU, &item.CurrentStock, &item.MinStockLevel); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return items, nil
}

// --- Reservations ---

func (s *Store) CreateReservation(ctx context.Context, res domain.Reservation) (*domain.Reservation, error) {
	if res.Quantity < 1 || res.TenantID == "" || res.ProductID == "" {
		return nil, store.ErrValidation
	}
	if res.ID == "" {
		res.ID = xid.New("resv")
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = time.Now().UTC()
	}
	res.Status = domain.ReservationActive

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var stock, reserved int
	err = tx.QueryRowContext(ctx, `
		SELECT stock_quantity, reserved_quantity
		FROM inventory
		WHERE tenant_id = $1 AND product_id = $2
		FOR UPDATE
	`, res.TenantID, res.ProductID).Scan(&stock, &reserved)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if stock-reserved < res.Quantity {
		return nil, store.ErrInsufficientStock
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved_quantity = reserved_quantity + $3, updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2
	`, res.TenantID, res.ProductID, res.Quantity)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, tenant_id, product_id, quantity, order_draft_id, status, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, res.ID, res.TenantID, res.ProductID, res.Quantity, res.OrderDraftID, res.Status, res.CreatedAt, res.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := insertMovement(ctx, tx, domain.MovementEntry{
		TenantID:      res.TenantID,
		ProductID:     res.ProductID,
		Type:          domain.MovementReservation,
		QuantityDelta: -res.Quantity,
		Notes:         res.OrderDraftID,
		PerformedBy:   "reservation-hold",
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &res, nil
}

func (s *Store) GetReservation(ctx context.Context, tenantID string, reservationID string) (*domain.Reservation, error) {
	var res domain.Reservation
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, product_id, quantity, COALESCE(order_draft_id, ''), status, created_at, expires_at
		FROM reservations
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, reservationID).Scan(&res.ID, &res.TenantID, &res.ProductID, &res.Quantity, &res.OrderDraftID, &res.Status, &res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &res, nil
}

func (s *Store) ReleaseReservation(ctx context.Context, tenantID string, reservationID string, performedBy string) (*domain.Reservation, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var res domain.Reservation
	err = tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, product_id, quantity, COALESCE(order_draft_id, ''), status, created_at, expires_at
		FROM reservations
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, reservationID).Scan(&res.ID, &res.TenantID, &res.ProductID, &res.Quantity, &res.OrderDraftID, &res.Status, &res.CreatedAt, &res.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	if res.Status != domain.ReservationActive {
		// Terminal states stay put: the hold's availability effect is
		// already settled, so releasing again changes nothing.
		return &res, nil
	}

	if err := releaseInTx(ctx, tx, &res, performedBy); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &res, nil
}

func releaseInTx(ctx context.Context, tx *sql.Tx, res *domain.Reservation, performedBy string) error {
	// Conditional transition guards against a competing release or consume
	// between read and write.
	result, err := tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = $2
		WHERE id = $1 AND status = $3
	`, res.ID, domain.ReservationReleased, domain.ReservationActive)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrReservationNotActive
	}
	res.Status = domain.ReservationReleased

	_, err = tx.ExecContext(ctx, `
		UPDATE inventory
		SET reserved_quantity = GREATEST(reserved_quantity - $3, 0), updated_at = now()
		WHERE tenant_id = $1 AND product_id = $2
	`, res.TenantID, res.ProductID, res.Quantity)
	if err != nil {
		return err
	}

	return insertMovement(ctx, tx, domain.MovementEntry{
		TenantID:      res.TenantID,
		ProductID:     res.ProductID,
		Type:          domain.MovementRelease,
		QuantityDelta: res.Quantity,
		PerformedBy:   performedBy,
	})
}

func (s *Store) ReleaseExpiredReservations(ctx context.Context, now time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, product_id, quantity, COALESCE(order_draft_id, ''), status, created_at, expires_at
		FROM reservations
		WHERE status = $1 AND expires_at <= $2
		ORDER BY expires_at
		FOR UPDATE SKIP LOCKED
	`, domain.ReservationActive, now)
	if err != nil {
		return 0, err
	}
	expired := make([]domain.Reservation, 0, 32)
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.TenantID, &res.ProductID, &res.Quantity, &res.OrderDraftID, &res.Status, &res.CreatedAt, &res.ExpiresAt); err != nil {
			_ = rows.Close()
			return 0, err
		}
		expired = append(expired, res)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	for i := range expired {
		if err := releaseInTx(ctx, tx, &expired[i], "reservation-sweep"); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// --- Checkout ---

func (s *Store) GetCouponByCode(ctx context.Context, tenantID string, code string) (*domain.Coupon, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return nil, store.ErrValidation
	}

	var c domain.Coupon
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, code, discount_type, discount_value, min_purchase, usage_limit, used_count, valid_from, valid_until, active
		FROM coupons
		WHERE tenant_id = $1 AND code = $2
	`, tenantID, code).Scan(&c.ID, &c.TenantID, &c.Code, &c.DiscountType, &c.DiscountValue, &c.MinPurchase, &c.UsageLimit, &c.UsedCount, &c.ValidFrom, &c.ValidUntil, &c.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCheckout(ctx context.Context, order domain.Order, couponID string, orderDraftID string, commission *domain.Commission, performedBy string) (*domain.CheckoutResult, error) {
	if order.TenantID == "" || len(order.Items) == 0 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	for _, item := range order.Items {
		if item.Quantity < 1 {
			return nil, store.ErrValidation
		}

		var stock, reserved int
		err = tx.QueryRowContext(ctx, `
			SELECT stock_quantity, reserved_quantity
			FROM inventory
			WHERE tenant_id = $1 AND product_id = $2
			FOR UPDATE
		`, order.TenantID, item.ProductID).Scan(&stock, &reserved)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, store.ErrNotFound
			}
			return nil, err
		}

		heldTotal := 0
		heldIDs := make([]string, 0, 1)
		if orderDraftID != "" {
			heldRows, err := tx.QueryContext(ctx, `
				SELECT id, quantity
				FROM reservations
				WHERE tenant_id = $1 AND product_id = $2 AND order_draft_id = $3 AND status = $4
				FOR UPDATE
			`, order.TenantID, item.ProductID, orderDraftID, domain.ReservationActive)
			if err != nil {
				return nil, err
			}
			for heldRows.Next() {
				var id string
				var qty int
				if err := heldRows.Scan(&id, &qty); err != nil {
					_ = heldRows.Close()
					return nil, err
				}
				heldIDs = append(heldIDs, id)
				heldTotal += qty
			}
			if err := heldRows.Err(); err != nil {
				_ = heldRows.Close()
				return nil, err
			}
			_ = heldRows.Close()
		}

		uncovered := item.Quantity - heldTotal
		if uncovered < 0 {
			uncovered = 0
		}
		if stock-reserved < uncovered || stock < item.Quantity {
			return nil, store.ErrInsufficientStock
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE inventory
			SET stock_quantity = stock_quantity - $3,
			    reserved_quantity = GREATEST(reserved_quantity - $4, 0),
			    updated_at = now()
			WHERE tenant_id = $1 AND product_id = $2
		`, order.TenantID, item.ProductID, item.Quantity, heldTotal)
		if err != nil {
			return nil, err
		}

		if len(heldIDs) > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE reservations
				SET status = $2
				WHERE id = ANY($1)
			`, heldIDs, domain.ReservationConsumed)
			if err != nil {
				return nil, err
			}
		}

		if err := insertMovement(ctx, tx, domain.MovementEntry{
			TenantID:      order.TenantID,
			ProductID:     item.ProductID,
			Type:          domain.MovementSale,
			QuantityDelta: -item.Quantity,
			Notes:         order.OrderNumber,
			PerformedBy:   performedBy,
		}); err != nil {
			return nil, err
		}
	}

	if couponID != "" {
		result, err := tx.ExecContext(ctx, `
			UPDATE coupons
			SET used_count = used_count + 1
			WHERE id = $1 AND tenant_id = $2 AND active = true
			  AND (usage_limit = 0 OR used_count < usage_limit)
		`, couponID, order.TenantID)
		if err != nil {
			return nil, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			return nil, store.ErrCouponExhausted
		}
	}

	if order.ID == "" {
		order.ID = xid.New("order")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO orders (id, tenant_id, customer_id, order_number, status, subtotal, discount_amount,
		                    coupon_code, shipping_cost, tax_amount, total, items, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, order.ID, order.TenantID, order.CustomerID, order.OrderNumber, order.Status, order.Subtotal,
		order.DiscountAmount, order.CouponCode, order.ShippingCost, order.TaxAmount, order.Total, itemsJSON, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	invoice := domain.Invoice{
		ID:            xid.New("inv"),
		TenantID:      order.TenantID,
		OrderID:       order.ID,
		InvoiceNumber: fmt.Sprintf("FAC-%s", strings.ToUpper(order.OrderNumber)),
		Status:        domain.InvoicePending,
		Total:         order.Total,
		AmountDue:     order.Total,
		CreatedAt:     order.CreatedAt,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, tenant_id, order_id, invoice_number, status, total, amount_paid, refunded_amount, amount_due, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,$7,$8)
	`, invoice.ID, invoice.TenantID, invoice.OrderID, invoice.InvoiceNumber, invoice.Status, invoice.Total, invoice.AmountDue, invoice.CreatedAt)
	if err != nil {
		return nil, err
	}

	if commission != nil {
		c := *commission
		if c.ID == "" {
			c.ID = xid.New("comm")
		}
		c.OrderID = order.ID
		c.CreatedAt = order.CreatedAt
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commissions (id, tenant_id, order_id, commissionable_amount, rate, commission_amount, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, c.ID, c.TenantID, c.OrderID, c.CommissionableAmount, c.Rate, c.CommissionAmount, c.CreatedAt)
		if err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.CheckoutResult{Order: order, Invoice: invoice}, nil
}

// --- Invoices and refunds ---

func (s *Store) GetInvoice(ctx context.Context, tenantID string, invoiceID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, COALESCE(order_id, ''), invoice_number, status, total, amount_paid, refunded_amount, amount_due, created_at
		FROM invoices
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, invoiceID).Scan(&inv.ID, &inv.TenantID, &inv.OrderID, &inv.InvoiceNumber, &inv.Status, &inv.Total, &inv.AmountPaid, &inv.RefundedAmount, &inv.AmountDue, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

func (s *Store) RecordInvoicePayment(ctx context.Context, tenantID string, invoiceID string, amount int64) (*domain.Invoice, error) {
	if amount < 1 {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := lockInvoice(ctx, tx, tenantID, invoiceID)
	if err != nil {
		return nil, err
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

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices
		SET amount_paid = $2, amount_due = $3, status = $4
		WHERE id = $1
	`, inv.ID, inv.AmountPaid, inv.AmountDue, inv.Status)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) CreateRefund(ctx context.Context, refund domain.Refund) (*domain.RefundResult, error) {
	if refund.Amount < 1 || strings.TrimSpace(refund.Reason) == "" {
		return nil, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := lockInvoice(ctx, tx, refund.TenantID, refund.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status == domain.InvoiceVoid {
		return nil, store.ErrConflict
	}
	if refund.Amount > inv.AmountPaid-inv.RefundedAmount {
		return nil, store.ErrRefundExceedsPaid
	}

	if refund.ID == "" {
		refund.ID = xid.New("refund")
	}
	if refund.CreatedAt.IsZero() {
		refund.CreatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO refunds (id, tenant_id, invoice_id, payment_id, amount, reason, processed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, refund.ID, refund.TenantID, refund.InvoiceID, refund.PaymentID, refund.Amount, refund.Reason, refund.ProcessedBy, refund.CreatedAt)
	if err != nil {
		return nil, err
	}

	inv.RefundedAmount += refund.Amount
	if inv.RefundedAmount >= inv.AmountPaid {
		inv.Status = domain.InvoiceRefundedFull
	} else {
		inv.Status = domain.InvoiceRefundedPartial
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE invoices
		SET refunded_amount = $2, status = $3
		WHERE id = $1
	`, inv.ID, inv.RefundedAmount, inv.Status)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &domain.RefundResult{
		RefundID:      refund.ID,
		InvoiceID:     inv.ID,
		NewAmountPaid: inv.AmountPaid - inv.RefundedAmount,
		NewAmountDue:  inv.AmountDue,
		NewStatus:     inv.Status,
	}, nil
}

func lockInvoice(ctx context.Context, tx *sql.Tx, tenantID string, invoiceID string) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, COALESCE(order_id, ''), invoice_number, status, total, amount_paid, refunded_amount, amount_due, created_at
		FROM invoices
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, invoiceID).Scan(&inv.ID, &inv.TenantID, &inv.OrderID, &inv.InvoiceNumber, &inv.Status, &inv.Total, &inv.AmountPaid, &inv.RefundedAmount, &inv.AmountDue, &inv.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &inv, nil
}

// --- Commissions ---

func (s *Store) GetTenantBilling(ctx context.Context, tenantID string) (*domain.TenantBilling, error) {
	var billing domain.TenantBilling
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, tier, active_since
		FROM tenant_billing
		WHERE tenant_id = $1
	`, tenantID).Scan(&billing.TenantID, &billing.Tier, &billing.ActiveSince)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &billing, nil
}

func (s *Store) GetCommissionSummary(ctx context.Context, tenantID string, from time.Time, to time.Time) (domain.CommissionSummary, error) {
	summary := domain.CommissionSummary{TenantID: tenantID, PeriodStart: from, PeriodEnd: to}
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	if to.IsZero() {
		to = time.Now().UTC().Add(time.Hour)
	}

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(commission_amount) FILTER (WHERE invoice_id IS NULL), 0),
		       COALESCE(SUM(commission_amount) FILTER (WHERE invoice_id IS NOT NULL), 0)
		FROM commissions
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
	`, tenantID, from, to).Scan(&summary.OrderCount, &summary.PendingAmount, &summary.InvoicedAmount)
	if err != nil {
		return domain.CommissionSummary{}, err
	}
	return summary, nil
}

func (s *Store) BatchCommissionInvoices(ctx context.Context, periodStart time.Time, periodEnd time.Time) (int, error) {
	if !periodStart.Before(periodEnd) {
		return 0, store.ErrValidation
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT tenant_id, SUM(commission_amount)
		FROM commissions
		WHERE invoice_id IS NULL AND created_at >= $1 AND created_at < $2
		GROUP BY tenant_id
		ORDER BY tenant_id
	`, periodStart, periodEnd)
	if err != nil {
		return 0, err
	}
	type tenantTotal struct {
		tenantID string
		total    int64
	}
	totals := make([]tenantTotal, 0, 16)
	for rows.Next() {
		var tt tenantTotal
		if err := rows.Scan(&tt.tenantID, &tt.total); err != nil {
			_ = rows.Close()
			return 0, err
		}
		totals = append(totals, tt)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	created := 0
	now := time.Now().UTC()
	for _, tt := range totals {
		invoiceID := xid.New("cinv")
		_, err = tx.ExecContext(ctx, `
			INSERT INTO commission_invoices (id, tenant_id, period_start, period_end, total_amount, status, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, invoiceID, tt.tenantID, periodStart, periodEnd, tt.total, domain.CommissionInvoiceDraft, now)
		if err != nil {
			return 0, err
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE commissions
			SET invoice_id = $1
			WHERE tenant_id = $2 AND invoice_id IS NULL AND created_at >= $3 AND created_at < $4
		`, invoiceID, tt.tenantID, periodStart, periodEnd)
		if err != nil {
			return 0, err
		}
		created++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return created, nil
}

// --- Hospitalization discharge ---

func (s *Store) GetHospitalization(ctx context.Context, tenantID string, hospitalizationID string) (*domain.Hospitalization, error) {
	var h domain.Hospitalization
	var dischargedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, patient_id, COALESCE(kennel_id, ''), status, accrued_total, admitted_at, discharged_at
		FROM hospitalizations
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, hospitalizationID).Scan(&h.ID, &h.TenantID, &h.PatientID, &h.KennelID, &h.Status, &h.AccruedTotal, &h.AdmittedAt, &dischargedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if dischargedAt.Valid {
		t := dischargedAt.Time.UTC()
		h.DischargedAt = &t
	}
	return &h, nil
}

func (s *Store) CreateHospitalizationInvoice(ctx context.Context, tenantID string, hospitalizationID string, performedBy string) (*domain.Invoice, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var accrued int64
	err = tx.QueryRowContext(ctx, `
		SELECT accrued_total
		FROM hospitalizations
		WHERE tenant_id = $1 AND id = $2
		FOR UPDATE
	`, tenantID, hospitalizationID).Scan(&accrued)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	var existing domain.Invoice
	err = tx.QueryRowContext(ctx, `
		SELECT id, tenant_id, COALESCE(order_id, ''), invoice_number, status, total, amount_paid, refunded_amount, amount_due, created_at
		FROM invoices
		WHERE tenant_id = $1 AND hospitalization_id = $2
	`, tenantID, hospitalizationID).Scan(&existing.ID, &existing.TenantID, &existing.OrderID, &existing.InvoiceNumber, &existing.Status, &existing.Total, &existing.AmountPaid, &existing.RefundedAmount, &existing.AmountDue, &existing.CreatedAt)
	if err == nil {
		return &existing, store.ErrInvoiceExists
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := time.Now().UTC()
	invoice := domain.Invoice{
		ID:            xid.New("inv"),
		TenantID:      tenantID,
		InvoiceNumber: fmt.Sprintf("HOS-%d-%s", now.Year(), strings.ToUpper(xid.Short())),
		Status:        domain.InvoicePending,
		Total:         accrued,
		AmountDue:     accrued,
		CreatedAt:     now,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (id, tenant_id, hospitalization_id, invoice_number, status, total, amount_paid, refunded_amount, amount_due, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,0,$7,$8)
	`, invoice.ID, invoice.TenantID, hospitalizationID, invoice.InvoiceNumber, invoice.Status, invoice.Total, invoice.AmountDue, invoice.CreatedAt)
	if err != nil {
		// Unique index on hospitalization_id turns the insert race into the
		// duplicate case.
		if isUniqueViolation(err) {
			return nil, store.ErrInvoiceExists
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) MarkDischarged(ctx context.Context, tenantID string, hospitalizationID string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE hospitalizations
		SET status = $3, discharged_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = $5
	`, tenantID, hospitalizationID, domain.HospitalizationDischarged, at.UTC(), domain.HospitalizationActive)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var status string
		err := s.db.QueryRowContext(ctx, `
			SELECT status FROM hospitalizations WHERE tenant_id = $1 AND id = $2
		`, tenantID, hospitalizationID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		// Already discharged: idempotent.
	}
	return nil
}

func (s *Store) FreeKennel(ctx context.Context, tenantID string, kennelID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE kennels
		SET occupied = false
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, kennelID)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Audit ---

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor_id, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, entry.ID, entry.TenantID, entry.ActorID, entry.ActorRole, entry.Action, entry.EntityType, entry.EntityID, entry.Detail, entry.CreatedAt)
	return err
}

// --- Users ---

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrValidation
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (username, password_hash, tenant_id, role, active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, username, user.Password, user.TenantID, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, password_hash, tenant_id, role, active, created_at
		FROM users
		ORDER BY username
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := make([]domain.UserAccount, 0, 16)
	for rows.Next() {
		var u domain.UserAccount
		if err := rows.Scan(&u.Username, &u.Password, &u.TenantID, &u.Role, &u.Active, &u.CreatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash = $2 WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, entry domain.MovementEntry) error {
	if entry.ID == "" {
		entry.ID = xid.New("mov")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (id, tenant_id, product_id, movement_type, quantity_delta, unit_cost, reason, notes, performed_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.TenantID, entry.ProductID, entry.Type, entry.QuantityDelta, entry.UnitCost, entry.Reason, entry.Notes, entry.PerformedBy, entry.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
