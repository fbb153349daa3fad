package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
)

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrInvalidState      = errors.New("invalid state")
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientStock = fmt.Errorf("%w: insufficient stock", ErrConflict)
)

// Kind returns the machine-readable class of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrValidation):
		return "validation"
	default:
		return "internal"
	}
}

// Repository is the persistence boundary. Multi-step mutations run through
// WithinTx so that every write of one operation commits or none does.
type Repository interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	ListIngredients(ctx context.Context, includeDeleted bool) ([]domain.Ingredient, error)
	GetIngredient(ctx context.Context, id string) (*domain.Ingredient, error)
	CreateIngredient(ctx context.Context, ingredient domain.Ingredient) error
	UpdateIngredient(ctx context.Context, ingredient domain.Ingredient) error
	ListLots(ctx context.Context, ingredientID string, onlyOpen bool) ([]domain.StockLot, error)
	SumOpenLots(ctx context.Context) (map[string]decimal.Decimal, error)
	ListInventoryTransactions(ctx context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error)

	ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error)
	GetProduct(ctx context.Context, id string) (*domain.Product, error)
	SaveProduct(ctx context.Context, product domain.Product) error
	ListToppings(ctx context.Context, includeInactive bool) ([]domain.Topping, error)
	GetTopping(ctx context.Context, id string) (*domain.Topping, error)
	SaveTopping(ctx context.Context, topping domain.Topping) error

	GetOrder(ctx context.Context, id string) (*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error)
	ListStockDeductions(ctx context.Context, orderID string) ([]domain.OrderStockDeduction, error)

	GetShift(ctx context.Context, id string) (*domain.Shift, error)
	GetOpenShiftByUser(ctx context.Context, userID string) (*domain.Shift, error)
	ListShifts(ctx context.Context, status string, limit int) ([]domain.Shift, error)
	ListCompletedOrdersByUser(ctx context.Context, userID string, from time.Time, to time.Time) ([]domain.Order, error)

	CreateExpense(ctx context.Context, expense domain.Expense) error
	ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.Expense, error)

	CreateAuditLog(ctx context.Context, entry domain.AuditLog) error
	ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// Tx is the set of writes and locking reads available inside one
// transaction. Reads that end in ForUpdate hold the row until the
// transaction ends.
type Tx interface {
	GetIngredientForUpdate(ctx context.Context, id string) (*domain.Ingredient, error)
	LockIngredients(ctx context.Context, ids []string) (map[string]domain.Ingredient, error)
	AddIngredientStock(ctx context.Context, id string, delta decimal.Decimal, at time.Time) error
	SetIngredientStock(ctx context.Context, id string, qty decimal.Decimal, at time.Time) error
	SetIngredientCost(ctx context.Context, id string, cost decimal.Decimal, at time.Time) error

	InsertLot(ctx context.Context, lot domain.StockLot) error
	ListOpenLotsForUpdate(ctx context.Context, ingredientID string) ([]domain.StockLot, error)
	LatestLotForUpdate(ctx context.Context, ingredientID string) (*domain.StockLot, error)
	GetLotForUpdate(ctx context.Context, id string) (*domain.StockLot, error)
	SetLotRemaining(ctx context.Context, id string, remaining decimal.Decimal) error
	AppendInventoryTransaction(ctx context.Context, entry domain.InventoryTransaction) error

	GetProducts(ctx context.Context, ids []string) (map[string]domain.Product, error)
	GetToppings(ctx context.Context, ids []string) (map[string]domain.Topping, error)

	NextOrderSequence(ctx context.Context, day time.Time) (int64, error)
	InsertOrder(ctx context.Context, order domain.Order) error
	InsertStockDeductions(ctx context.Context, deductions []domain.OrderStockDeduction) error
	GetOrderForUpdate(ctx context.Context, id string) (*domain.Order, error)
	ListStockDeductions(ctx context.Context, orderID string) ([]domain.OrderStockDeduction, error)
	MarkOrderCancelled(ctx context.Context, id string, by string, at time.Time) error

	GetOpenShiftByUser(ctx context.Context, userID string) (*domain.Shift, error)
	GetShiftForUpdate(ctx context.Context, id string) (*domain.Shift, error)
	InsertShift(ctx context.Context, shift domain.Shift) error
	UpdateShift(ctx context.Context, shift domain.Shift) error
	ListCompletedOrdersByUser(ctx context.Context, userID string, from time.Time, to time.Time) ([]domain.Order, error)
}
