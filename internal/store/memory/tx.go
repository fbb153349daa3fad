package memory

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

// memTx writes into a private copy of the state. The store mutex is held
// for the whole transaction, so the ForUpdate reads need no extra locking.
type memTx struct {
	st *state
}

func (t *memTx) GetIngredientForUpdate(_ context.Context, id string) (*domain.Ingredient, error) {
	ing, ok := t.st.ingredients[id]
	if !ok || ing.DeletedAt != nil {
		return nil, fmt.Errorf("%w: ingredient %s", store.ErrNotFound, id)
	}
	return &ing, nil
}

func (t *memTx) LockIngredients(_ context.Context, ids []string) (map[string]domain.Ingredient, error) {
	out := make(map[string]domain.Ingredient, len(ids))
	for _, id := range ids {
		if ing, ok := t.st.ingredients[id]; ok {
			out[id] = ing
		}
	}
	return out, nil
}

func (t *memTx) AddIngredientStock(_ context.Context, id string, delta decimal.Decimal, at time.Time) error {
	ing, ok := t.st.ingredients[id]
	if !ok {
		return fmt.Errorf("%w: ingredient %s", store.ErrNotFound, id)
	}
	ing.CurrentStock = ing.CurrentStock.Add(delta)
	ing.UpdatedAt = at
	t.st.ingredients[id] = ing
	return nil
}

func (t *memTx) SetIngredientStock(_ context.Context, id string, qty decimal.Decimal, at time.Time) error {
	ing, ok := t.st.ingredients[id]
	if !ok {
		return fmt.Errorf("%w: ingredient %s", store.ErrNotFound, id)
	}
	ing.CurrentStock = qty
	ing.UpdatedAt = at
	t.st.ingredients[id] = ing
	return nil
}

func (t *memTx) SetIngredientCost(_ context.Context, id string, cost decimal.Decimal, at time.Time) error {
	ing, ok := t.st.ingredients[id]
	if !ok {
		return fmt.Errorf("%w: ingredient %s", store.ErrNotFound, id)
	}
	ing.CostPerUnit = cost
	ing.UpdatedAt = at
	t.st.ingredients[id] = ing
	return nil
}

func (t *memTx) InsertLot(_ context.Context, lot domain.StockLot) error {
	if _, exists := t.st.lots[lot.ID]; exists {
		return fmt.Errorf("%w: lot %s", store.ErrConflict, lot.ID)
	}
	t.st.lots[lot.ID] = lotRow{lot: lot, seq: t.st.seq()}
	return nil
}

func (t *memTx) ListOpenLotsForUpdate(_ context.Context, ingredientID string) ([]domain.StockLot, error) {
	return sortedLots(t.st, ingredientID, true), nil
}

func (t *memTx) LatestLotForUpdate(_ context.Context, ingredientID string) (*domain.StockLot, error) {
	lots := sortedLots(t.st, ingredientID, false)
	if len(lots) == 0 {
		return nil, store.ErrNotFound
	}
	latest := lots[len(lots)-1]
	return &latest, nil
}

func (t *memTx) GetLotForUpdate(_ context.Context, id string) (*domain.StockLot, error) {
	row, ok := t.st.lots[id]
	if !ok {
		return nil, fmt.Errorf("%w: lot %s", store.ErrNotFound, id)
	}
	lot := row.lot
	return &lot, nil
}

func (t *memTx) SetLotRemaining(_ context.Context, id string, remaining decimal.Decimal) error {
	row, ok := t.st.lots[id]
	if !ok {
		return fmt.Errorf("%w: lot %s", store.ErrNotFound, id)
	}
	row.lot.RemainingQty = remaining
	t.st.lots[id] = row
	return nil
}

func (t *memTx) AppendInventoryTransaction(_ context.Context, entry domain.InventoryTransaction) error {
	t.st.invTxs = append(t.st.invTxs, entry)
	return nil
}

func (t *memTx) GetProducts(_ context.Context, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	for _, id := range ids {
		if p, ok := t.st.products[id]; ok && p.DeletedAt == nil {
			out[id] = p
		}
	}
	return out, nil
}

func (t *memTx) GetToppings(_ context.Context, ids []string) (map[string]domain.Topping, error) {
	out := make(map[string]domain.Topping, len(ids))
	for _, id := range ids {
		if tp, ok := t.st.toppings[id]; ok && tp.DeletedAt == nil {
			out[id] = tp
		}
	}
	return out, nil
}

func (t *memTx) NextOrderSequence(_ context.Context, day time.Time) (int64, error) {
	key := day.UTC().Format("20060102")
	t.st.sequences[key]++
	return t.st.sequences[key], nil
}

func (t *memTx) InsertOrder(_ context.Context, order domain.Order) error {
	if _, exists := t.st.orders[order.ID]; exists {
		return fmt.Errorf("%w: order %s", store.ErrConflict, order.ID)
	}
	for _, row := range t.st.orders {
		if row.order.OrderNumber == order.OrderNumber {
			return fmt.Errorf("%w: order number %s", store.ErrConflict, order.OrderNumber)
		}
	}
	order.Items = slices.Clone(order.Items)
	t.st.orders[order.ID] = orderRow{order: order, seq: t.st.seq()}
	return nil
}

func (t *memTx) InsertStockDeductions(_ context.Context, deductions []domain.OrderStockDeduction) error {
	t.st.deductions = append(t.st.deductions, deductions...)
	return nil
}

func (t *memTx) GetOrderForUpdate(_ context.Context, id string) (*domain.Order, error) {
	row, ok := t.st.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", store.ErrNotFound, id)
	}
	order := row.order
	return &order, nil
}

func (t *memTx) ListStockDeductions(_ context.Context, orderID string) ([]domain.OrderStockDeduction, error) {
	return deductionsFor(t.st, orderID), nil
}

func (t *memTx) MarkOrderCancelled(_ context.Context, id string, by string, at time.Time) error {
	row, ok := t.st.orders[id]
	if !ok {
		return fmt.Errorf("%w: order %s", store.ErrNotFound, id)
	}
	if row.order.Status == domain.OrderStatusCancelled {
		return fmt.Errorf("%w: order %s already cancelled", store.ErrInvalidState, id)
	}
	row.order.Status = domain.OrderStatusCancelled
	row.order.CancelledAt = &at
	row.order.CancelledBy = by
	t.st.orders[id] = row
	return nil
}

func (t *memTx) GetOpenShiftByUser(_ context.Context, userID string) (*domain.Shift, error) {
	return openShiftFor(t.st, userID)
}

func (t *memTx) GetShiftForUpdate(_ context.Context, id string) (*domain.Shift, error) {
	shift, ok := t.st.shifts[id]
	if !ok {
		return nil, fmt.Errorf("%w: shift %s", store.ErrNotFound, id)
	}
	return &shift, nil
}

func (t *memTx) InsertShift(_ context.Context, shift domain.Shift) error {
	if shift.Status == domain.ShiftStatusOpen {
		if _, err := openShiftFor(t.st, shift.UserID); err == nil {
			return fmt.Errorf("%w: user %s already has an open shift", store.ErrConflict, shift.UserID)
		}
	}
	t.st.shifts[shift.ID] = shift
	return nil
}

func (t *memTx) UpdateShift(_ context.Context, shift domain.Shift) error {
	if _, ok := t.st.shifts[shift.ID]; !ok {
		return fmt.Errorf("%w: shift %s", store.ErrNotFound, shift.ID)
	}
	t.st.shifts[shift.ID] = shift
	return nil
}

func (t *memTx) ListCompletedOrdersByUser(_ context.Context, userID string, from time.Time, to time.Time) ([]domain.Order, error) {
	return completedOrdersBy(t.st, userID, from, to), nil
}
