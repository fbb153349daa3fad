package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

// Column lists are shared by the pool-level reads and the transactional
// reads so both scan into the same domain structs.
const (
	ingredientColumns = `id, name, unit, cost_per_unit, current_stock, min_stock, created_at, updated_at, deleted_at`
	lotColumns        = `id, ingredient_id, quantity, cost_per_unit, remaining_qty, note, created_at`
	invTxColumns      = `id, ingredient_id, type, quantity, cost_per_unit, COALESCE(order_id, '') AS order_id, COALESCE(lot_id, '') AS lot_id, note, created_by, created_at`
	productColumns    = `id, name, name_th, price, category, active, image_url, created_at, updated_at, deleted_at`
	toppingColumns    = `id, name, name_th, price, active, created_at, updated_at, deleted_at`
	orderColumns      = `id, order_number, total_amount, discount, net_amount, received_amount, change_amount, payment_method, status, customer_name, note, created_by, created_at, cancelled_at, cancelled_by`
	orderItemColumns  = `id, order_id, product_id, product_name, quantity, unit_price, catalog_price, cost, sweetness, toppings, topping_cost, note`
	deductionColumns  = `id, order_id, order_item_id, ingredient_id, COALESCE(lot_id, '') AS lot_id, quantity, created_at`
	shiftColumns      = `id, user_id, opening_cash, closing_cash, expected_cash, cash_variance, status, started_at, ended_at, note`
)

type recipeRow struct {
	OwnerID string `db:"owner_id"`
	domain.RecipeItem
}

type orderItemRow struct {
	domain.OrderItem
	ToppingsJSON []byte `db:"toppings"`
}

func loadRecipes(ctx context.Context, q sqlx.QueryerContext, table string, ownerColumn string, ids []string) (map[string][]domain.RecipeItem, error) {
	out := make(map[string][]domain.RecipeItem, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(fmt.Sprintf(`
		SELECT %[2]s AS owner_id, ingredient_id, amount_used
		FROM %[1]s
		WHERE %[2]s IN (?)
		ORDER BY %[2]s, ingredient_id
	`, table, ownerColumn), ids)
	if err != nil {
		return nil, err
	}

	var rows []recipeRow
	if err := sqlx.SelectContext(ctx, q, &rows, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.OwnerID] = append(out[row.OwnerID], row.RecipeItem)
	}
	return out, nil
}

func productsByIDs(ctx context.Context, q sqlx.QueryerContext, ids []string) (map[string]domain.Product, error) {
	out := make(map[string]domain.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT `+productColumns+` FROM products WHERE deleted_at IS NULL AND id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var products []domain.Product
	if err := sqlx.SelectContext(ctx, q, &products, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, err
	}
	if err := attachProductRecipes(ctx, q, products); err != nil {
		return nil, err
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func attachProductRecipes(ctx context.Context, q sqlx.QueryerContext, products []domain.Product) error {
	ids := make([]string, 0, len(products))
	for _, p := range products {
		ids = append(ids, p.ID)
	}
	recipes, err := loadRecipes(ctx, q, "product_recipes", "product_id", ids)
	if err != nil {
		return err
	}
	for i := range products {
		products[i].Recipe = recipes[products[i].ID]
		if products[i].Recipe == nil {
			products[i].Recipe = []domain.RecipeItem{}
		}
	}
	return nil
}

func toppingsByIDs(ctx context.Context, q sqlx.QueryerContext, ids []string) (map[string]domain.Topping, error) {
	out := make(map[string]domain.Topping, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(`SELECT `+toppingColumns+` FROM toppings WHERE deleted_at IS NULL AND id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	var toppings []domain.Topping
	if err := sqlx.SelectContext(ctx, q, &toppings, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return nil, err
	}
	if err := attachToppingRecipes(ctx, q, toppings); err != nil {
		return nil, err
	}
	for _, t := range toppings {
		out[t.ID] = t
	}
	return out, nil
}

func attachToppingRecipes(ctx context.Context, q sqlx.QueryerContext, toppings []domain.Topping) error {
	ids := make([]string, 0, len(toppings))
	for _, t := range toppings {
		ids = append(ids, t.ID)
	}
	recipes, err := loadRecipes(ctx, q, "topping_recipes", "topping_id", ids)
	if err != nil {
		return err
	}
	for i := range toppings {
		toppings[i].Recipe = recipes[toppings[i].ID]
		if toppings[i].Recipe == nil {
			toppings[i].Recipe = []domain.RecipeItem{}
		}
	}
	return nil
}

// replaceRecipe rewrites an owner's recipe wholesale.
func replaceRecipe(ctx context.Context, e sqlx.ExecerContext, table string, ownerColumn string, ownerID string, items []domain.RecipeItem) error {
	if _, err := e.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE %s = $1`, table, ownerColumn), ownerID); err != nil {
		return err
	}
	for _, item := range items {
		if _, err := e.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %s (%s, ingredient_id, amount_used)
			VALUES ($1,$2,$3)
		`, table, ownerColumn), ownerID, item.IngredientID, item.AmountUsed); err != nil {
			return err
		}
	}
	return nil
}

func selectOrders(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]domain.Order, error) {
	orders := make([]domain.Order, 0, 32)
	if err := sqlx.SelectContext(ctx, q, &orders, query, args...); err != nil {
		return nil, err
	}
	if err := attachItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return orders, nil
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, query string, id string) (*domain.Order, error) {
	var order domain.Order
	if err := sqlx.GetContext(ctx, q, &order, query, id); err != nil {
		return nil, notFoundIfNoRows(err)
	}
	orders := []domain.Order{order}
	if err := attachItems(ctx, q, orders); err != nil {
		return nil, err
	}
	return &orders[0], nil
}

func attachItems(ctx context.Context, q sqlx.QueryerContext, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	index := make(map[string]int, len(orders))
	for i := range orders {
		ids = append(ids, orders[i].ID)
		index[orders[i].ID] = i
		orders[i].CreatedAt = orders[i].CreatedAt.UTC()
		orders[i].Items = make([]domain.OrderItem, 0, 4)
	}

	query, args, err := sqlx.In(`
		SELECT `+orderItemColumns+`
		FROM order_items
		WHERE order_id IN (?)
		ORDER BY order_id, position
	`, ids)
	if err != nil {
		return err
	}
	var rows []orderItemRow
	if err := sqlx.SelectContext(ctx, q, &rows, sqlx.Rebind(sqlx.DOLLAR, query), args...); err != nil {
		return err
	}
	for _, row := range rows {
		item := row.OrderItem
		item.Toppings = []domain.ToppingSnapshot{}
		if len(row.ToppingsJSON) > 0 {
			if err := json.Unmarshal(row.ToppingsJSON, &item.Toppings); err != nil {
				return fmt.Errorf("decode toppings of item %s: %w", item.ID, err)
			}
		}
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return nil
}

func insertOrder(ctx context.Context, e sqlx.ExtContext, order domain.Order) error {
	_, err := sqlx.NamedExecContext(ctx, e, `
		INSERT INTO orders (
			id, order_number, total_amount, discount, net_amount, received_amount, change_amount,
			payment_method, status, customer_name, note, created_by, created_at, cancelled_at, cancelled_by
		) VALUES (
			:id, :order_number, :total_amount, :discount, :net_amount, :received_amount, :change_amount,
			:payment_method, :status, :customer_name, :note, :created_by, :created_at, :cancelled_at, :cancelled_by
		)
	`, order)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: order %s", store.ErrConflict, order.OrderNumber)
		}
		return err
	}

	for pos, item := range order.Items {
		toppings := item.Toppings
		if toppings == nil {
			toppings = []domain.ToppingSnapshot{}
		}
		raw, err := json.Marshal(toppings)
		if err != nil {
			return err
		}
		if _, err := e.ExecContext(ctx, `
			INSERT INTO order_items (
				id, order_id, position, product_id, product_name, quantity, unit_price,
				catalog_price, cost, sweetness, toppings, topping_cost, note
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		`, item.ID, order.ID, pos, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice,
			item.CatalogPrice, item.Cost, item.Sweetness, string(raw), item.ToppingCost, item.Note); err != nil {
			return err
		}
	}
	return nil
}

func selectDeductions(ctx context.Context, q sqlx.QueryerContext, orderID string) ([]domain.OrderStockDeduction, error) {
	out := make([]domain.OrderStockDeduction, 0, 8)
	err := sqlx.SelectContext(ctx, q, &out, `
		SELECT `+deductionColumns+`
		FROM order_stock_deductions
		WHERE order_id = $1
		ORDER BY created_at, id
	`, orderID)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func openShiftByUser(ctx context.Context, q sqlx.QueryerContext, userID string) (*domain.Shift, error) {
	var shift domain.Shift
	err := sqlx.GetContext(ctx, q, &shift, `
		SELECT `+shiftColumns+`
		FROM shifts
		WHERE user_id = $1 AND status = 'open'
	`, userID)
	if err != nil {
		return nil, notFoundIfNoRows(err)
	}
	return &shift, nil
}
