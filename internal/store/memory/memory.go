package memory

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

type lotRow struct {
	lot domain.StockLot
	seq int64
}

type orderRow struct {
	order domain.Order
	seq   int64
}

// state holds everything a transaction may write. WithinTx works on a
// copy and swaps it in on success.
type state struct {
	ingredients map[string]domain.Ingredient
	lots        map[string]lotRow
	invTxs      []domain.InventoryTransaction
	products    map[string]domain.Product
	toppings    map[string]domain.Topping
	orders      map[string]orderRow
	deductions  []domain.OrderStockDeduction
	sequences   map[string]int64
	shifts      map[string]domain.Shift
	expenses    []domain.Expense
	nextSeq     int64
}

func newState() *state {
	return &state{
		ingredients: make(map[string]domain.Ingredient),
		lots:        make(map[string]lotRow),
		invTxs:      make([]domain.InventoryTransaction, 0, 128),
		products:    make(map[string]domain.Product),
		toppings:    make(map[string]domain.Topping),
		orders:      make(map[string]orderRow),
		deductions:  make([]domain.OrderStockDeduction, 0, 128),
		sequences:   make(map[string]int64),
		shifts:      make(map[string]domain.Shift),
		expenses:    make([]domain.Expense, 0, 32),
	}
}

func (s *state) clone() *state {
	return &state{
		ingredients: cloneMap(s.ingredients),
		lots:        cloneMap(s.lots),
		invTxs:      slices.Clone(s.invTxs),
		products:    cloneMap(s.products),
		toppings:    cloneMap(s.toppings),
		orders:      cloneMap(s.orders),
		deductions:  slices.Clone(s.deductions),
		sequences:   cloneMap(s.sequences),
		shifts:      cloneMap(s.shifts),
		expenses:    slices.Clone(s.expenses),
		nextSeq:     s.nextSeq,
	}
}

func (s *state) seq() int64 {
	s.nextSeq++
	return s.nextSeq
}

type Store struct {
	mu        sync.RWMutex
	st        *state
	auditLogs []domain.AuditLog
	users     map[string]domain.UserAccount
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		st:        newState(),
		auditLogs: make([]domain.AuditLog, 0, 128),
		users:     make(map[string]domain.UserAccount),
		logger:    logger,
	}
}

// seedUsers builds dev/demo accounts. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD with dev defaults.
func (s *Store) seedUsers() {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		s.logger.Warn("memory store is using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			s.logger.Fatal("failed to hash seed password", zap.String("username", u.username), zap.Error(err))
		}
		s.users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// NewSeeded returns a store with demo users and a small drinks menu. Seeded
// ingredients start at zero stock; stock only enters through lots.
func NewSeeded(logger *zap.Logger) *Store {
	s := New(logger)
	s.seedUsers()

	now := time.Now().UTC()
	d := decimal.RequireFromString
	ingredients := []domain.Ingredient{
		{ID: "ing-milk", Name: "Fresh milk", Unit: "ml", CostPerUnit: d("0.05"), MinStock: d("2000")},
		{ID: "ing-tea", Name: "Thai tea leaves", Unit: "g", CostPerUnit: d("0.40"), MinStock: d("500")},
		{ID: "ing-syrup", Name: "Sugar syrup", Unit: "ml", CostPerUnit: d("0.02"), MinStock: d("1000")},
		{ID: "ing-pearl", Name: "Tapioca pearls", Unit: "g", CostPerUnit: d("0.10"), MinStock: d("500")},
		{ID: "ing-matcha", Name: "Matcha powder", Unit: "g", CostPerUnit: d("1.20"), MinStock: d("200")},
	}
	for _, ing := range ingredients {
		ing.CreatedAt = now
		ing.UpdatedAt = now
		s.st.ingredients[ing.ID] = ing
	}

	products := []domain.Product{
		{ID: "prd-thai-tea", Name: "Thai milk tea", NameTh: "ชาไทย", Price: d("45"), Category: "tea", Active: true,
			Recipe: []domain.RecipeItem{{IngredientID: "ing-tea", AmountUsed: d("10")}, {IngredientID: "ing-milk", AmountUsed: d("150")}, {IngredientID: "ing-syrup", AmountUsed: d("20")}}},
		{ID: "prd-matcha-latte", Name: "Matcha latte", NameTh: "มัทฉะลาเต้", Price: d("60"), Category: "tea", Active: true,
			Recipe: []domain.RecipeItem{{IngredientID: "ing-matcha", AmountUsed: d("5")}, {IngredientID: "ing-milk", AmountUsed: d("200")}}},
	}
	for _, p := range products {
		p.CreatedAt = now
		p.UpdatedAt = now
		s.st.products[p.ID] = p
	}

	toppings := []domain.Topping{
		{ID: "top-pearl", Name: "Pearls", NameTh: "ไข่มุก", Price: d("10"), Active: true,
			Recipe: []domain.RecipeItem{{IngredientID: "ing-pearl", AmountUsed: d("40")}}},
	}
	for _, t := range toppings {
		t.CreatedAt = now
		t.UpdatedAt = now
		s.st.toppings[t.ID] = t
	}

	return s
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	work := s.st.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

func (s *Store) ListIngredients(_ context.Context, includeDeleted bool) ([]domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Ingredient, 0, len(s.st.ingredients))
	for _, ing := range s.st.ingredients {
		if ing.DeletedAt != nil && !includeDeleted {
			continue
		}
		out = append(out, ing)
	}
	slices.SortFunc(out, func(a, b domain.Ingredient) int {
		return strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out, nil
}

func (s *Store) GetIngredient(_ context.Context, id string) (*domain.Ingredient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ing, ok := s.st.ingredients[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ing, nil
}

func (s *Store) CreateIngredient(_ context.Context, ingredient domain.Ingredient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.st.ingredients[ingredient.ID]; exists {
		return store.ErrConflict
	}
	s.st.ingredients[ingredient.ID] = ingredient
	return nil
}

func (s *Store) UpdateIngredient(_ context.Context, ingredient domain.Ingredient) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.st.ingredients[ingredient.ID]
	if !ok {
		return store.ErrNotFound
	}
	// Stock only moves through transactions.
	ingredient.CurrentStock = existing.CurrentStock
	s.st.ingredients[ingredient.ID] = ingredient
	return nil
}

func (s *Store) ListLots(_ context.Context, ingredientID string, onlyOpen bool) ([]domain.StockLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return sortedLots(s.st, ingredientID, onlyOpen), nil
}

func (s *Store) SumOpenLots(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[string]decimal.Decimal, len(s.st.ingredients))
	for _, row := range s.st.lots {
		sums[row.lot.IngredientID] = sums[row.lot.IngredientID].Add(row.lot.RemainingQty)
	}
	return sums, nil
}

func (s *Store) ListInventoryTransactions(_ context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.InventoryTransaction, 0, 64)
	for i := len(s.st.invTxs) - 1; i >= 0; i-- {
		entry := s.st.invTxs[i]
		if filter.IngredientID != "" && entry.IngredientID != filter.IngredientID {
			continue
		}
		if filter.Type != "" && entry.Type != filter.Type {
			continue
		}
		out = append(out, entry)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) ListProducts(_ context.Context, includeInactive bool) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.st.products))
	for _, p := range s.st.products {
		if p.DeletedAt != nil {
			continue
		}
		if !p.Active && !includeInactive {
			continue
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b domain.Product) int {
		if a.Category != b.Category {
			return strings.Compare(a.Category, b.Category)
		}
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.st.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) SaveProduct(_ context.Context, product domain.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	product.Recipe = slices.Clone(product.Recipe)
	s.st.products[product.ID] = product
	return nil
}

func (s *Store) ListToppings(_ context.Context, includeInactive bool) ([]domain.Topping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Topping, 0, len(s.st.toppings))
	for _, t := range s.st.toppings {
		if t.DeletedAt != nil {
			continue
		}
		if !t.Active && !includeInactive {
			continue
		}
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b domain.Topping) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out, nil
}

func (s *Store) GetTopping(_ context.Context, id string) (*domain.Topping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.st.toppings[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) SaveTopping(_ context.Context, topping domain.Topping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	topping.Recipe = slices.Clone(topping.Recipe)
	s.st.toppings[topping.ID] = topping
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, ok := s.st.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	order := row.order
	return &order, nil
}

func (s *Store) ListOrders(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows := make([]orderRow, 0, len(s.st.orders))
	for _, row := range s.st.orders {
		if filter.From != nil && row.order.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !row.order.CreatedAt.Before(*filter.To) {
			continue
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, func(a, b orderRow) int {
		if c := b.order.CreatedAt.Compare(a.order.CreatedAt); c != 0 {
			return c
		}
		return cmpInt64(b.seq, a.seq)
	})
	if filter.Limit > 0 && len(rows) > filter.Limit {
		rows = rows[:filter.Limit]
	}

	out := make([]domain.Order, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.order)
	}
	return out, nil
}

func (s *Store) ListStockDeductions(_ context.Context, orderID string) ([]domain.OrderStockDeduction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return deductionsFor(s.st, orderID), nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	shift, ok := s.st.shifts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &shift, nil
}

func (s *Store) GetOpenShiftByUser(_ context.Context, userID string) (*domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return openShiftFor(s.st, userID)
}

func (s *Store) ListShifts(_ context.Context, status string, limit int) ([]domain.Shift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Shift, 0, len(s.st.shifts))
	for _, shift := range s.st.shifts {
		if status != "" && shift.Status != status {
			continue
		}
		out = append(out, shift)
	}
	slices.SortFunc(out, func(a, b domain.Shift) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ListCompletedOrdersByUser(_ context.Context, userID string, from time.Time, to time.Time) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return completedOrdersBy(s.st, userID, from, to), nil
}

func (s *Store) CreateExpense(_ context.Context, expense domain.Expense) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.st.expenses = append(s.st.expenses, expense)
	return nil
}

func (s *Store) ListExpenses(_ context.Context, from time.Time, to time.Time) ([]domain.Expense, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Expense, 0, len(s.st.expenses))
	for _, e := range s.st.expenses {
		if e.SpentAt.Before(from) || !e.SpentAt.Before(to) {
			continue
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b domain.Expense) int {
		return b.SpentAt.Compare(a.SpentAt)
	})
	return out, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.AuditLog, 0, 64)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if entry.CreatedAt.Before(from) || !entry.CreatedAt.Before(to) {
			continue
		}
		out = append(out, entry)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return store.ErrValidation
	}
	if _, exists := s.users[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleCashier
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	s.users[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	slices.SortFunc(out, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return out, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username = strings.ToLower(strings.TrimSpace(username))
	user, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.users[username] = user
	return nil
}

func sortedLots(st *state, ingredientID string, onlyOpen bool) []domain.StockLot {
	rows := make([]lotRow, 0, 8)
	for _, row := range st.lots {
		if row.lot.IngredientID != ingredientID {
			continue
		}
		if onlyOpen && !row.lot.RemainingQty.IsPositive() {
			continue
		}
		rows = append(rows, row)
	}
	slices.SortFunc(rows, compareLotFIFO)

	out := make([]domain.StockLot, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.lot)
	}
	return out
}

func deductionsFor(st *state, orderID string) []domain.OrderStockDeduction {
	out := make([]domain.OrderStockDeduction, 0, 8)
	for _, d := range st.deductions {
		if d.OrderID == orderID {
			out = append(out, d)
		}
	}
	return out
}

func openShiftFor(st *state, userID string) (*domain.Shift, error) {
	for _, shift := range st.shifts {
		if shift.UserID == userID && shift.Status == domain.ShiftStatusOpen {
			found := shift
			return &found, nil
		}
	}
	return nil, store.ErrNotFound
}

func completedOrdersBy(st *state, userID string, from time.Time, to time.Time) []domain.Order {
	out := make([]domain.Order, 0, 16)
	for _, row := range st.orders {
		o := row.order
		if o.CreatedBy != userID || o.Status != domain.OrderStatusCompleted {
			continue
		}
		if o.CreatedAt.Before(from) || o.CreatedAt.After(to) {
			continue
		}
		out = append(out, o)
	}
	slices.SortFunc(out, func(a, b domain.Order) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out
}

func compareLotFIFO(a lotRow, b lotRow) int {
	if c := a.lot.CreatedAt.Compare(b.lot.CreatedAt); c != 0 {
		return c
	}
	return cmpInt64(a.seq, b.seq)
}

func cmpInt64(a int64, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cloneMap[K comparable, V any](src map[K]V) map[K]V {
	dst := make(map[K]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
