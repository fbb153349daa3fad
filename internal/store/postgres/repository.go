package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

func (s *Store) ListIngredients(ctx context.Context, includeDeleted bool) ([]domain.Ingredient, error) {
	query := `SELECT ` + ingredientColumns + ` FROM ingredients`
	if !includeDeleted {
		query += ` WHERE deleted_at IS NULL`
	}
	query += ` ORDER BY lower(name)`

	out := make([]domain.Ingredient, 0, 32)
	if err := s.db.SelectContext(ctx, &out, query); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetIngredient(ctx context.Context, id string) (*domain.Ingredient, error) {
	var ing domain.Ingredient
	if err := s.db.GetContext(ctx, &ing, `SELECT `+ingredientColumns+` FROM ingredients WHERE id = $1`, id); err != nil {
		return nil, notFoundIfNoRows(err)
	}
	return &ing, nil
}

func (s *Store) CreateIngredient(ctx context.Context, ingredient domain.Ingredient) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO ingredients (id, name, unit, cost_per_unit, current_stock, min_stock, created_at, updated_at, deleted_at)
		VALUES (:id, :name, :unit, :cost_per_unit, :current_stock, :min_stock, :created_at, :updated_at, :deleted_at)
	`, ingredient)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: ingredient %s", store.ErrConflict, ingredient.ID)
		}
		return err
	}
	return nil
}

// UpdateIngredient never writes current_stock; stock moves only through
// transactions.
func (s *Store) UpdateIngredient(ctx context.Context, ingredient domain.Ingredient) error {
	res, err := s.db.NamedExecContext(ctx, `
		UPDATE ingredients
		SET name = :name, unit = :unit, cost_per_unit = :cost_per_unit, min_stock = :min_stock,
			updated_at = :updated_at, deleted_at = :deleted_at
		WHERE id = :id
	`, ingredient)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) ListLots(ctx context.Context, ingredientID string, onlyOpen bool) ([]domain.StockLot, error) {
	query := `SELECT ` + lotColumns + ` FROM stock_lots WHERE ingredient_id = $1`
	if onlyOpen {
		query += ` AND remaining_qty > 0`
	}
	query += ` ORDER BY created_at, seq`

	out := make([]domain.StockLot, 0, 8)
	if err := s.db.SelectContext(ctx, &out, query, ingredientID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) SumOpenLots(ctx context.Context) (map[string]decimal.Decimal, error) {
	var rows []struct {
		IngredientID string          `db:"ingredient_id"`
		Total        decimal.Decimal `db:"total"`
	}
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT ingredient_id, SUM(remaining_qty) AS total
		FROM stock_lots
		GROUP BY ingredient_id
	`); err != nil {
		return nil, err
	}

	sums := make(map[string]decimal.Decimal, len(rows))
	for _, row := range rows {
		sums[row.IngredientID] = row.Total
	}
	return sums, nil
}

func (s *Store) ListInventoryTransactions(ctx context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.IngredientID != "" {
		args = append(args, filter.IngredientID)
		conditions = append(conditions, fmt.Sprintf("ingredient_id = $%d", len(args)))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}

	query := `SELECT ` + invTxColumns + ` FROM inventory_transactions`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	out := make([]domain.InventoryTransaction, 0, 64)
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE deleted_at IS NULL`
	if !includeInactive {
		query += ` AND active = true`
	}
	query += ` ORDER BY category, name`

	products := make([]domain.Product, 0, 32)
	if err := s.db.SelectContext(ctx, &products, query); err != nil {
		return nil, err
	}
	if err := attachProductRecipes(ctx, s.db, products); err != nil {
		return nil, err
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, id string) (*domain.Product, error) {
	var product domain.Product
	if err := s.db.GetContext(ctx, &product, `SELECT `+productColumns+` FROM products WHERE id = $1`, id); err != nil {
		return nil, notFoundIfNoRows(err)
	}
	products := []domain.Product{product}
	if err := attachProductRecipes(ctx, s.db, products); err != nil {
		return nil, err
	}
	return &products[0], nil
}

// SaveProduct upserts the product row and replaces its recipe in one
// transaction.
func (s *Store) SaveProduct(ctx context.Context, product domain.Product) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO products (id, name, name_th, price, category, active, image_url, created_at, updated_at, deleted_at)
		VALUES (:id, :name, :name_th, :price, :category, :active, :image_url, :created_at, :updated_at, :deleted_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			name_th = EXCLUDED.name_th,
			price = EXCLUDED.price,
			category = EXCLUDED.category,
			active = EXCLUDED.active,
			image_url = EXCLUDED.image_url,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`, product); err != nil {
		return err
	}
	if err := replaceRecipe(ctx, tx, "product_recipes", "product_id", product.ID, product.Recipe); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) ListToppings(ctx context.Context, includeInactive bool) ([]domain.Topping, error) {
	query := `SELECT ` + toppingColumns + ` FROM toppings WHERE deleted_at IS NULL`
	if !includeInactive {
		query += ` AND active = true`
	}
	query += ` ORDER BY name`

	toppings := make([]domain.Topping, 0, 16)
	if err := s.db.SelectContext(ctx, &toppings, query); err != nil {
		return nil, err
	}
	if err := attachToppingRecipes(ctx, s.db, toppings); err != nil {
		return nil, err
	}
	return toppings, nil
}

func (s *Store) GetTopping(ctx context.Context, id string) (*domain.Topping, error) {
	var topping domain.Topping
	if err := s.db.GetContext(ctx, &topping, `SELECT `+toppingColumns+` FROM toppings WHERE id = $1`, id); err != nil {
		return nil, notFoundIfNoRows(err)
	}
	toppings := []domain.Topping{topping}
	if err := attachToppingRecipes(ctx, s.db, toppings); err != nil {
		return nil, err
	}
	return &toppings[0], nil
}

func (s *Store) SaveTopping(ctx context.Context, topping domain.Topping) error {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.NamedExecContext(ctx, `
		INSERT INTO toppings (id, name, name_th, price, active, created_at, updated_at, deleted_at)
		VALUES (:id, :name, :name_th, :price, :active, :created_at, :updated_at, :deleted_at)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			name_th = EXCLUDED.name_th,
			price = EXCLUDED.price,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at,
			deleted_at = EXCLUDED.deleted_at
	`, topping); err != nil {
		return err
	}
	if err := replaceRecipe(ctx, tx, "topping_recipes", "topping_id", topping.ID, topping.Recipe); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return getOrder(ctx, s.db, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
}

func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	conditions := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if filter.From != nil {
		args = append(args, *filter.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if filter.To != nil {
		args = append(args, *filter.To)
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", len(args)))
	}

	query := `SELECT ` + orderColumns + ` FROM orders`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY created_at DESC, seq DESC`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return selectOrders(ctx, s.db, query, args...)
}

func (s *Store) ListStockDeductions(ctx context.Context, orderID string) ([]domain.OrderStockDeduction, error) {
	return selectDeductions(ctx, s.db, orderID)
}

func (s *Store) GetShift(ctx context.Context, id string) (*domain.Shift, error) {
	var shift domain.Shift
	if err := s.db.GetContext(ctx, &shift, `SELECT `+shiftColumns+` FROM shifts WHERE id = $1`, id); err != nil {
		return nil, notFoundIfNoRows(err)
	}
	return &shift, nil
}

func (s *Store) GetOpenShiftByUser(ctx context.Context, userID string) (*domain.Shift, error) {
	return openShiftByUser(ctx, s.db, userID)
}

func (s *Store) ListShifts(ctx context.Context, status string, limit int) ([]domain.Shift, error) {
	args := make([]any, 0, 2)
	query := `SELECT ` + shiftColumns + ` FROM shifts`
	if status != "" {
		args = append(args, status)
		query += ` WHERE status = $1`
	}
	query += ` ORDER BY started_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	out := make([]domain.Shift, 0, 16)
	if err := s.db.SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListCompletedOrdersByUser(ctx context.Context, userID string, from time.Time, to time.Time) ([]domain.Order, error) {
	return selectOrders(ctx, s.db, completedOrdersByUserSQL, userID, from, to)
}

const completedOrdersByUserSQL = `
	SELECT ` + orderColumns + `
	FROM orders
	WHERE created_by = $1 AND status = 'completed' AND created_at >= $2 AND created_at <= $3
	ORDER BY created_at, seq
`

func (s *Store) CreateExpense(ctx context.Context, expense domain.Expense) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO expenses (id, category, amount, note, spent_at, created_by, created_at)
		VALUES (:id, :category, :amount, :note, :spent_at, :created_by, :created_at)
	`, expense)
	return err
}

func (s *Store) ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.Expense, error) {
	out := make([]domain.Expense, 0, 16)
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, category, amount, note, spent_at, created_by, created_at
		FROM expenses
		WHERE spent_at >= $1 AND spent_at < $2
		ORDER BY spent_at DESC
	`, from, to)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateAuditLog(ctx context.Context, entry domain.AuditLog) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at)
		VALUES (:id, :actor_username, :actor_role, :action, :entity_type, :entity_id, :detail, :created_at)
	`, entry)
	return err
}

func (s *Store) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if limit < 1 {
		limit = 200
	}
	out := make([]domain.AuditLog, 0, limit)
	err := s.db.SelectContext(ctx, &out, `
		SELECT id, actor_username, actor_role, action, entity_type, entity_id, detail, created_at
		FROM audit_logs
		WHERE created_at >= $1 AND created_at < $2
		ORDER BY created_at DESC
		LIMIT $3
	`, from, to, limit)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateUser(ctx context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_users (username, password, role, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
	`, user.Username, user.Password, user.Role, user.Active, user.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: user %s", store.ErrConflict, user.Username)
		}
		return err
	}
	return nil
}

func (s *Store) ListUsers(ctx context.Context) ([]domain.UserAccount, error) {
	users := make([]domain.UserAccount, 0, 16)
	if err := s.db.SelectContext(ctx, &users, `
		SELECT username, password, role, active, created_at
		FROM app_users
		ORDER BY username ASC
	`); err != nil {
		return nil, err
	}
	for i := range users {
		users[i].CreatedAt = users[i].CreatedAt.UTC()
	}
	return users, nil
}

func (s *Store) UpdateUserPassword(ctx context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || strings.TrimSpace(password) == "" {
		return store.ErrValidation
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE app_users
		SET password = $2, updated_at = now()
		WHERE username = $1
	`, username, password)
	if err != nil {
		return err
	}
	return requireAffected(res)
}
