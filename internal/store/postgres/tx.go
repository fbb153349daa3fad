package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

// pgTx implements store.Tx on a SERIALIZABLE transaction. Row locks are
// taken with FOR UPDATE; callers lock ingredients in sorted id order.
type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) GetIngredientForUpdate(ctx context.Context, id string) (*domain.Ingredient, error) {
	var ing domain.Ingredient
	err := t.tx.GetContext(ctx, &ing, `
		SELECT `+ingredientColumns+`
		FROM ingredients
		WHERE id = $1 AND deleted_at IS NULL
		FOR UPDATE
	`, id)
	if err != nil {
		if err = notFoundIfNoRows(err); err == store.ErrNotFound {
			return nil, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &ing, nil
}

func (t *pgTx) LockIngredients(ctx context.Context, ids []string) (map[string]domain.Ingredient, error) {
	out := make(map[string]domain.Ingredient, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`
		SELECT `+ingredientColumns+`
		FROM ingredients
		WHERE id IN (?)
		ORDER BY id
		FOR UPDATE
	`, ids)
	if err != nil {
		return nil, err
	}
	var rows []domain.Ingredient
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(query), args...); err != nil {
		return nil, err
	}
	for _, ing := range rows {
		out[ing.ID] = ing
	}
	return out, nil
}

func (t *pgTx) AddIngredientStock(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ingredients
		SET current_stock = current_stock + $2, updated_at = $3
		WHERE id = $1
	`, id, delta, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) SetIngredientStock(ctx context.Context, id string, qty decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ingredients
		SET current_stock = $2, updated_at = $3
		WHERE id = $1
	`, id, qty, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) SetIngredientCost(ctx context.Context, id string, cost decimal.Decimal, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE ingredients
		SET cost_per_unit = $2, updated_at = $3
		WHERE id = $1
	`, id, cost, at)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) InsertLot(ctx context.Context, lot domain.StockLot) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO stock_lots (id, ingredient_id, quantity, cost_per_unit, remaining_qty, note, created_at)
		VALUES (:id, :ingredient_id, :quantity, :cost_per_unit, :remaining_qty, :note, :created_at)
	`, lot)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: lot %s", store.ErrConflict, lot.ID)
	}
	return err
}

func (t *pgTx) ListOpenLotsForUpdate(ctx context.Context, ingredientID string) ([]domain.StockLot, error) {
	out := make([]domain.StockLot, 0, 4)
	err := t.tx.SelectContext(ctx, &out, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE ingredient_id = $1 AND remaining_qty > 0
		ORDER BY created_at, seq
		FOR UPDATE
	`, ingredientID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (t *pgTx) LatestLotForUpdate(ctx context.Context, ingredientID string) (*domain.StockLot, error) {
	var lot domain.StockLot
	err := t.tx.GetContext(ctx, &lot, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE ingredient_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT 1
		FOR UPDATE
	`, ingredientID)
	if err != nil {
		return nil, notFoundIfNoRows(err)
	}
	return &lot, nil
}

func (t *pgTx) GetLotForUpdate(ctx context.Context, id string) (*domain.StockLot, error) {
	var lot domain.StockLot
	err := t.tx.GetContext(ctx, &lot, `SELECT `+lotColumns+` FROM stock_lots WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFoundIfNoRows(err)
	}
	return &lot, nil
}

func (t *pgTx) SetLotRemaining(ctx context.Context, id string, remaining decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `UPDATE stock_lots SET remaining_qty = $2 WHERE id = $1`, id, remaining)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) AppendInventoryTransaction(ctx context.Context, entry domain.InventoryTransaction) error {
	var cost any
	if entry.CostPerUnit != nil {
		cost = *entry.CostPerUnit
	}
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO inventory_transactions (
			id, ingredient_id, type, quantity, cost_per_unit, order_id, lot_id, note, created_by, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, entry.ID, entry.IngredientID, entry.Type, entry.Quantity, cost,
		nullIfEmpty(entry.OrderID), nullIfEmpty(entry.LotID), entry.Note, entry.CreatedBy, entry.CreatedAt)
	return err
}

func (t *pgTx) GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error) {
	return productsByIDs(ctx, t.tx, ids)
}

func (t *pgTx) GetToppings(ctx context.Context, ids []string) (map[string]domain.Topping, error) {
	return toppingsByIDs(ctx, t.tx, ids)
}

// NextOrderSequence increments the day's counter and returns the new value
// in one statement, so two transactions can never read the same number.
func (t *pgTx) NextOrderSequence(ctx context.Context, day time.Time) (int64, error) {
	var seq int64
	err := t.tx.GetContext(ctx, &seq, `
		INSERT INTO order_sequences (day, last_value)
		VALUES ($1, 1)
		ON CONFLICT (day) DO UPDATE SET last_value = order_sequences.last_value + 1
		RETURNING last_value
	`, dayUTC(day))
	return seq, err
}

func (t *pgTx) InsertOrder(ctx context.Context, order domain.Order) error {
	return insertOrder(ctx, t.tx, order)
}

func (t *pgTx) InsertStockDeductions(ctx context.Context, deductions []domain.OrderStockDeduction) error {
	for _, d := range deductions {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO order_stock_deductions (id, order_id, order_item_id, ingredient_id, lot_id, quantity, created_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)
		`, d.ID, d.OrderID, d.OrderItemID, d.IngredientID, nullIfEmpty(d.LotID), d.Quantity, d.CreatedAt); err != nil {
			return err
		}
	}
	return nil
}

func (t *pgTx) GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	order, err := getOrder(ctx, t.tx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id)
	if err == store.ErrNotFound {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, id)
	}
	return order, err
}

func (t *pgTx) ListStockDeductions(ctx context.Context, orderID string) ([]domain.OrderStockDeduction, error) {
	return selectDeductions(ctx, t.tx, orderID)
}

func (t *pgTx) MarkOrderCancelled(ctx context.Context, id string, by string, at time.Time) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE orders
		SET status = 'cancelled', cancelled_at = $2, cancelled_by = $3
		WHERE id = $1 AND status <> 'cancelled'
	`, id, at, by)
	if err != nil {
		return err
	}
	if err := requireAffected(res); err != nil {
		return fmt.Errorf("%w: order %s is missing or already cancelled", store.ErrInvalidState, id)
	}
	return nil
}

func (t *pgTx) GetOpenShiftByUser(ctx context.Context, userID string) (*domain.Shift, error) {
	return openShiftByUser(ctx, t.tx, userID)
}

func (t *pgTx) GetShiftForUpdate(ctx context.Context, id string) (*domain.Shift, error) {
	var shift domain.Shift
	if err := t.tx.GetContext(ctx, &shift, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1 FOR UPDATE`, id); err != nil {
		if err = notFoundIfNoRows(err); err == store.ErrNotFound {
			return nil, fmt.Errorf("%w: shift %s", store.ErrNotFound, id)
		}
		return nil, err
	}
	return &shift, nil
}

// InsertShift relies on the partial unique index over open shifts as the
// last guard against two open shifts for one user.
func (t *pgTx) InsertShift(ctx context.Context, shift domain.Shift) error {
	_, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO shifts (id, user_id, opening_cash, closing_cash, expected_cash, cash_variance, status, started_at, ended_at, note)
		VALUES (:id, :user_id, :opening_cash, :closing_cash, :expected_cash, :cash_variance, :status, :started_at, :ended_at, :note)
	`, shift)
	if err != nil && isUniqueViolation(err) {
		return fmt.Errorf("%w: user %s already has an open shift", store.ErrConflict, shift.UserID)
	}
	return err
}

func (t *pgTx) UpdateShift(ctx context.Context, shift domain.Shift) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE shifts
		SET closing_cash = :closing_cash, expected_cash = :expected_cash, cash_variance = :cash_variance,
			status = :status, ended_at = :ended_at, note = :note
		WHERE id = :id
	`, shift)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (t *pgTx) ListCompletedOrdersByUser(ctx context.Context, userID string, from time.Time, to time.Time) ([]domain.Order, error) {
	return selectOrders(ctx, t.tx, completedOrdersByUserSQL, userID, from, to)
}
