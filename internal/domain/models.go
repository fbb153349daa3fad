package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	RoleAdmin   = "admin"
	RoleCashier = "cashier"
)

const (
	InvTxPurchase   = "PURCHASE"
	InvTxSale       = "SALE"
	InvTxAdjustment = "ADJUSTMENT"
	InvTxWaste      = "WASTE"
	InvTxStockTake  = "STOCK_TAKE"
	InvTxReturn     = "RETURN"
)

const (
	OrderStatusPending   = "pending"
	OrderStatusCompleted = "completed"
	OrderStatusCancelled = "cancelled"
)

const (
	PaymentCash = "cash"
	PaymentQR   = "qr"
)

const (
	ShiftStatusOpen   = "open"
	ShiftStatusClosed = "closed"
)

type Ingredient struct {
	ID           string          `json:"id" db:"id"`
	Name         string          `json:"name" db:"name"`
	Unit         string          `json:"unit" db:"unit"`
	CostPerUnit  decimal.Decimal `json:"cost_per_unit" db:"cost_per_unit"`
	CurrentStock decimal.Decimal `json:"current_stock" db:"current_stock"`
	MinStock     decimal.Decimal `json:"min_stock" db:"min_stock"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt    *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

func (i Ingredient) IsLow() bool {
	return i.CurrentStock.LessThanOrEqual(i.MinStock)
}

type IngredientCreateRequest struct {
	Name        string          `json:"name" validate:"required,max=120"`
	Unit        string          `json:"unit" validate:"required,max=20"`
	CostPerUnit decimal.Decimal `json:"cost_per_unit" validate:"gte=0"`
	MinStock    decimal.Decimal `json:"min_stock" validate:"gte=0"`
}

type IngredientUpdateRequest struct {
	Name        *string          `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	Unit        *string          `json:"unit,omitempty" validate:"omitempty,min=1,max=20"`
	CostPerUnit *decimal.Decimal `json:"cost_per_unit,omitempty" validate:"omitempty,gte=0"`
	MinStock    *decimal.Decimal `json:"min_stock,omitempty" validate:"omitempty,gte=0"`
}

// StockLot is one received batch. Quantity and CostPerUnit never change after insert.
type StockLot struct {
	ID           string          `json:"id" db:"id"`
	IngredientID string          `json:"ingredient_id" db:"ingredient_id"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	CostPerUnit  decimal.Decimal `json:"cost_per_unit" db:"cost_per_unit"`
	RemainingQty decimal.Decimal `json:"remaining_qty" db:"remaining_qty"`
	Note         string          `json:"note,omitempty" db:"note"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

type InventoryTransaction struct {
	ID           string           `json:"id" db:"id"`
	IngredientID string           `json:"ingredient_id" db:"ingredient_id"`
	Type         string           `json:"type" db:"type"`
	Quantity     decimal.Decimal  `json:"quantity" db:"quantity"`
	CostPerUnit  *decimal.Decimal `json:"cost_per_unit,omitempty" db:"cost_per_unit"`
	OrderID      string           `json:"order_id,omitempty" db:"order_id"`
	LotID        string           `json:"lot_id,omitempty" db:"lot_id"`
	Note         string           `json:"note,omitempty" db:"note"`
	CreatedBy    string           `json:"created_by" db:"created_by"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

type InventoryTransactionFilter struct {
	IngredientID string
	Type         string
	Limit        int
}

type AddStockRequest struct {
	IngredientID string          `json:"ingredient_id" validate:"required"`
	Quantity     decimal.Decimal `json:"quantity" validate:"gt=0"`
	CostPerUnit  decimal.Decimal `json:"cost_per_unit" validate:"gte=0"`
	Note         string          `json:"note,omitempty" validate:"max=500"`
}

type AddStockResponse struct {
	Ingredient  Ingredient           `json:"ingredient"`
	Lot         StockLot             `json:"lot"`
	Transaction InventoryTransaction `json:"transaction"`
}

type AdjustStockRequest struct {
	IngredientID string          `json:"ingredient_id" validate:"required"`
	Quantity     decimal.Decimal `json:"quantity"`
	Type         string          `json:"type" validate:"required,oneof=ADJUSTMENT WASTE"`
	Note         string          `json:"note,omitempty" validate:"max=500"`
}

type StockTakeRequest struct {
	IngredientID   string          `json:"ingredient_id" validate:"required"`
	ActualQuantity decimal.Decimal `json:"actual_quantity" validate:"gte=0"`
	Note           string          `json:"note,omitempty" validate:"max=500"`
}

type StockTakeResponse struct {
	Ingredient Ingredient      `json:"ingredient"`
	Previous   decimal.Decimal `json:"previous"`
	Variance   decimal.Decimal `json:"variance"`
}

type StockDiscrepancy struct {
	IngredientID string          `json:"ingredient_id"`
	Name         string          `json:"name"`
	CurrentStock decimal.Decimal `json:"current_stock"`
	LotTotal     decimal.Decimal `json:"lot_total"`
	Drift        decimal.Decimal `json:"drift"`
}

type RecipeItem struct {
	IngredientID string          `json:"ingredient_id" db:"ingredient_id" validate:"required"`
	AmountUsed   decimal.Decimal `json:"amount_used" db:"amount_used" validate:"gt=0"`
}

type Product struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	NameTh    string          `json:"name_th,omitempty" db:"name_th"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Category  string          `json:"category,omitempty" db:"category"`
	Active    bool            `json:"active" db:"active"`
	ImageURL  string          `json:"image_url,omitempty" db:"image_url"`
	Recipe    []RecipeItem    `json:"recipe" db:"-"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

type Topping struct {
	ID        string          `json:"id" db:"id"`
	Name      string          `json:"name" db:"name"`
	NameTh    string          `json:"name_th,omitempty" db:"name_th"`
	Price     decimal.Decimal `json:"price" db:"price"`
	Active    bool            `json:"active" db:"active"`
	Recipe    []RecipeItem    `json:"recipe" db:"-"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty" db:"deleted_at"`
}

type ProductCreateRequest struct {
	Name     string          `json:"name" validate:"required,max=120"`
	NameTh   string          `json:"name_th,omitempty" validate:"max=120"`
	Price    decimal.Decimal `json:"price" validate:"gt=0"`
	Category string          `json:"category,omitempty" validate:"max=60"`
	ImageURL string          `json:"image_url,omitempty" validate:"omitempty,url"`
	Recipe   []RecipeItem    `json:"recipe" validate:"dive"`
}

type ProductUpdateRequest struct {
	Name     *string          `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	NameTh   *string          `json:"name_th,omitempty" validate:"omitempty,max=120"`
	Price    *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gt=0"`
	Category *string          `json:"category,omitempty" validate:"omitempty,max=60"`
	Active   *bool            `json:"active,omitempty"`
	ImageURL *string          `json:"image_url,omitempty"`
	Recipe   *[]RecipeItem    `json:"recipe,omitempty" validate:"omitempty,dive"`
}

type ToppingCreateRequest struct {
	Name   string          `json:"name" validate:"required,max=120"`
	NameTh string          `json:"name_th,omitempty" validate:"max=120"`
	Price  decimal.Decimal `json:"price" validate:"gte=0"`
	Recipe []RecipeItem    `json:"recipe" validate:"dive"`
}

type ToppingUpdateRequest struct {
	Name   *string          `json:"name,omitempty" validate:"omitempty,min=1,max=120"`
	NameTh *string          `json:"name_th,omitempty" validate:"omitempty,max=120"`
	Price  *decimal.Decimal `json:"price,omitempty" validate:"omitempty,gte=0"`
	Active *bool            `json:"active,omitempty"`
	Recipe *[]RecipeItem    `json:"recipe,omitempty" validate:"omitempty,dive"`
}

type ToppingSnapshot struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Price decimal.Decimal `json:"price"`
}

type Order struct {
	ID             string          `json:"id" db:"id"`
	OrderNumber    string          `json:"order_number" db:"order_number"`
	TotalAmount    decimal.Decimal `json:"total_amount" db:"total_amount"`
	Discount       decimal.Decimal `json:"discount" db:"discount"`
	NetAmount      decimal.Decimal `json:"net_amount" db:"net_amount"`
	ReceivedAmount decimal.Decimal `json:"received_amount" db:"received_amount"`
	Change         decimal.Decimal `json:"change" db:"change_amount"`
	PaymentMethod  string          `json:"payment_method" db:"payment_method"`
	Status         string          `json:"status" db:"status"`
	CustomerName   string          `json:"customer_name,omitempty" db:"customer_name"`
	Note           string          `json:"note,omitempty" db:"note"`
	CreatedBy      string          `json:"created_by" db:"created_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
	CancelledBy    string          `json:"cancelled_by,omitempty" db:"cancelled_by"`
	Items          []OrderItem     `json:"items" db:"-"`
}

// OrderItem prices and costs are snapshots taken at sale time.
type OrderItem struct {
	ID           string            `json:"id" db:"id"`
	OrderID      string            `json:"order_id" db:"order_id"`
	ProductID    string            `json:"product_id" db:"product_id"`
	ProductName  string            `json:"product_name" db:"product_name"`
	Quantity     int               `json:"quantity" db:"quantity"`
	UnitPrice    decimal.Decimal   `json:"unit_price" db:"unit_price"`
	CatalogPrice decimal.Decimal   `json:"catalog_price" db:"catalog_price"`
	Cost         decimal.Decimal   `json:"cost" db:"cost"`
	Sweetness    string            `json:"sweetness,omitempty" db:"sweetness"`
	Toppings     []ToppingSnapshot `json:"toppings" db:"-"`
	ToppingCost  decimal.Decimal   `json:"topping_cost" db:"topping_cost"`
	Note         string            `json:"note,omitempty" db:"note"`
}

// LineRevenue is what the customer was charged for the line before order-level discount.
func (i OrderItem) LineRevenue() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity))).Add(i.ToppingCost)
}

// OrderStockDeduction records how much of an ingredient an order line drew
// from a given lot. LotID is empty for the part that no lot could cover.
type OrderStockDeduction struct {
	ID           string          `json:"id" db:"id"`
	OrderID      string          `json:"order_id" db:"order_id"`
	OrderItemID  string          `json:"order_item_id" db:"order_item_id"`
	IngredientID string          `json:"ingredient_id" db:"ingredient_id"`
	LotID        string          `json:"lot_id,omitempty" db:"lot_id"`
	Quantity     decimal.Decimal `json:"quantity" db:"quantity"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

type OrderItemRequest struct {
	ProductID string          `json:"id" validate:"required"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	Sweetness string          `json:"sweetness,omitempty" validate:"max=40"`
	Toppings  []string        `json:"toppings,omitempty"`
	Note      string          `json:"note,omitempty" validate:"max=500"`
}

type OrderCreateRequest struct {
	Items          []OrderItemRequest `json:"items" validate:"required,min=1,dive"`
	TotalAmount    decimal.Decimal    `json:"total_amount" validate:"gte=0"`
	Discount       decimal.Decimal    `json:"discount" validate:"gte=0"`
	NetAmount      decimal.Decimal    `json:"net_amount" validate:"gte=0"`
	ReceivedAmount decimal.Decimal    `json:"received_amount" validate:"gte=0"`
	Change         decimal.Decimal    `json:"change" validate:"gte=0"`
	PaymentMethod  string             `json:"payment_method" validate:"required,max=30"`
	CustomerName   string             `json:"customer_name,omitempty" validate:"max=120"`
	Note           string             `json:"note,omitempty" validate:"max=500"`
}

type OrderFilter struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

type Shift struct {
	ID           string           `json:"id" db:"id"`
	UserID       string           `json:"user_id" db:"user_id"`
	OpeningCash  decimal.Decimal  `json:"opening_cash" db:"opening_cash"`
	ClosingCash  *decimal.Decimal `json:"closing_cash,omitempty" db:"closing_cash"`
	ExpectedCash *decimal.Decimal `json:"expected_cash,omitempty" db:"expected_cash"`
	CashVariance *decimal.Decimal `json:"cash_variance,omitempty" db:"cash_variance"`
	Status       string           `json:"status" db:"status"`
	StartedAt    time.Time        `json:"started_at" db:"started_at"`
	EndedAt      *time.Time       `json:"ended_at,omitempty" db:"ended_at"`
	Note         string           `json:"note,omitempty" db:"note"`
}

type ShiftOpenRequest struct {
	OpeningCash decimal.Decimal `json:"opening_cash" validate:"gte=0"`
	Note        string          `json:"note,omitempty" validate:"max=500"`
}

type ShiftCloseRequest struct {
	ShiftID     string          `json:"-" validate:"required"`
	ClosingCash decimal.Decimal `json:"closing_cash" validate:"gte=0"`
	Note        string          `json:"note,omitempty" validate:"max=500"`
}

type ShiftSummary struct {
	Shift        Shift           `json:"shift"`
	CashTotal    decimal.Decimal `json:"cash_total"`
	QRTotal      decimal.Decimal `json:"qr_total"`
	OtherTotal   decimal.Decimal `json:"other_total"`
	OrderCount   int             `json:"order_count"`
	ExpectedCash decimal.Decimal `json:"expected_cash"`
}

type Expense struct {
	ID        string          `json:"id" db:"id"`
	Category  string          `json:"category" db:"category"`
	Amount    decimal.Decimal `json:"amount" db:"amount"`
	Note      string          `json:"note,omitempty" db:"note"`
	SpentAt   time.Time       `json:"spent_at" db:"spent_at"`
	CreatedBy string          `json:"created_by" db:"created_by"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

type ExpenseCreateRequest struct {
	Category string          `json:"category" validate:"required,max=60"`
	Amount   decimal.Decimal `json:"amount" validate:"gt=0"`
	Note     string          `json:"note,omitempty" validate:"max=500"`
	SpentAt  *time.Time      `json:"spent_at,omitempty"`
}

type DailySales struct {
	Date     string          `json:"date"`
	Orders   int             `json:"orders"`
	Revenue  decimal.Decimal `json:"revenue"`
	Cost     decimal.Decimal `json:"cost"`
	Profit   decimal.Decimal `json:"profit"`
	Expenses decimal.Decimal `json:"expenses"`
	Net      decimal.Decimal `json:"net"`
}

type ProductSales struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Revenue     decimal.Decimal `json:"revenue"`
	Cost        decimal.Decimal `json:"cost"`
	Profit      decimal.Decimal `json:"profit"`
}

type Dashboard struct {
	Date            string          `json:"date"`
	Orders          int             `json:"orders"`
	CancelledOrders int             `json:"cancelled_orders"`
	Revenue         decimal.Decimal `json:"revenue"`
	Cost            decimal.Decimal `json:"cost"`
	Profit          decimal.Decimal `json:"profit"`
	Expenses        decimal.Decimal `json:"expenses"`
	LowStockCount   int             `json:"low_stock_count"`
	OpenShifts      int             `json:"open_shifts"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}

type Actor struct {
	Username string
	Role     string
}

type UserAccount struct {
	Username  string    `db:"username"`
	Password  string    `db:"password"`
	Role      string    `db:"role"`
	Active    bool      `db:"active"`
	CreatedAt time.Time `db:"created_at"`
}

type CashierCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type CashierUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type AuditLog struct {
	ID            string    `json:"id" db:"id"`
	ActorUsername string    `json:"actor_username" db:"actor_username"`
	ActorRole     string    `json:"actor_role" db:"actor_role"`
	Action        string    `json:"action" db:"action"`
	EntityType    string    `json:"entity_type" db:"entity_type"`
	EntityID      string    `json:"entity_id" db:"entity_id"`
	Detail        string    `json:"detail" db:"detail"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
}
