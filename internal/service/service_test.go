package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/events"
	"brewline/backend/internal/store"
	"brewline/backend/internal/store/memory"
)

var testDay = time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, opts Options) *Service {
	t.Helper()
	repo := memory.NewSeeded(zap.NewNop())
	svc := New(repo, nil, nil, nil, zap.NewNop(), opts)
	svc.now = steppingClock(testDay)
	return svc
}

// steppingClock advances one second per reading so lots and orders created
// in sequence get distinct, increasing timestamps.
func steppingClock(start time.Time) func() time.Time {
	var mu sync.Mutex
	current := start
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(time.Second)
		return current
	}
}

func adminCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "admin", Role: domain.RoleAdmin})
}

func cashierCtx() context.Context {
	return WithActor(context.Background(), domain.Actor{Username: "cashier", Role: domain.RoleCashier})
}

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func mustAddStock(t *testing.T, svc *Service, ingredientID string, qty string, cost string) domain.AddStockResponse {
	t.Helper()
	resp, err := svc.AddStock(adminCtx(), domain.AddStockRequest{
		IngredientID: ingredientID,
		Quantity:     dec(qty),
		CostPerUnit:  dec(cost),
	})
	if err != nil {
		t.Fatalf("add stock %s: %v", ingredientID, err)
	}
	return resp
}

func mustCreateProduct(t *testing.T, svc *Service, name string, price string, recipe ...domain.RecipeItem) domain.Product {
	t.Helper()
	product, err := svc.CreateProduct(adminCtx(), domain.ProductCreateRequest{
		Name:   name,
		Price:  dec(price),
		Recipe: recipe,
	})
	if err != nil {
		t.Fatalf("create product %s: %v", name, err)
	}
	return product
}

func orderFor(productID string, qty int, price string, payment string, net string) domain.OrderCreateRequest {
	return domain.OrderCreateRequest{
		Items: []domain.OrderItemRequest{
			{ProductID: productID, Quantity: qty, Price: dec(price)},
		},
		TotalAmount:    dec(net),
		NetAmount:      dec(net),
		ReceivedAmount: dec(net),
		PaymentMethod:  payment,
	}
}

func ingredientStock(t *testing.T, svc *Service, id string) decimal.Decimal {
	t.Helper()
	ing, err := svc.repo.GetIngredient(context.Background(), id)
	if err != nil {
		t.Fatalf("get ingredient %s: %v", id, err)
	}
	return ing.CurrentStock
}

func assertNoDrift(t *testing.T, svc *Service) {
	t.Helper()
	drift, err := svc.ReconcileStock(adminCtx())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(drift) != 0 {
		t.Fatalf("expected stock to match lots, got drift %+v", drift)
	}
}

func TestFIFODeductsOldestLotFirst(t *testing.T) {
	svc := newTestService(t, Options{})
	lotA := mustAddStock(t, svc, "ing-milk", "5", "1")
	lotB := mustAddStock(t, svc, "ing-milk", "10", "1")
	product := mustCreateProduct(t, svc, "Milk shot", "20", domain.RecipeItem{IngredientID: "ing-milk", AmountUsed: dec("8")})

	if _, err := svc.CreateOrder(cashierCtx(), orderFor(product.ID, 1, "20", domain.PaymentCash, "20")); err != nil {
		t.Fatalf("create order: %v", err)
	}

	lots, err := svc.ListLots(adminCtx(), "ing-milk", false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	if len(lots) != 2 {
		t.Fatalf("expected 2 lots, got %d", len(lots))
	}
	if lots[0].ID != lotA.Lot.ID || !lots[0].RemainingQty.Equal(dec("0")) {
		t.Fatalf("expected oldest lot drained, got %s remaining %s", lots[0].ID, lots[0].RemainingQty)
	}
	if lots[1].ID != lotB.Lot.ID || !lots[1].RemainingQty.Equal(dec("7")) {
		t.Fatalf("expected newer lot at 7, got %s remaining %s", lots[1].ID, lots[1].RemainingQty)
	}
	if got := ingredientStock(t, svc, "ing-milk"); !got.Equal(dec("7")) {
		t.Fatalf("expected current stock 7, got %s", got)
	}
}

func TestAddStockThenConsumeAllLeavesZero(t *testing.T) {
	svc := newTestService(t, Options{})
	mustAddStock(t, svc, "ing-matcha", "10", "5")
	product := mustCreateProduct(t, svc, "Matcha shot", "50", domain.RecipeItem{IngredientID: "ing-matcha", AmountUsed: dec("10")})

	if _, err := svc.CreateOrder(cashierCtx(), orderFor(product.ID, 1, "50", domain.PaymentCash, "50")); err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got := ingredientStock(t, svc, "ing-matcha"); !got.IsZero() {
		t.Fatalf("expected zero stock, got %s", got)
	}
	assertNoDrift(t, svc)
}

func TestOrderCostIsSnapshotAtSaleTime(t *testing.T) {
	svc := newTestService(t, Options{})
	ing, err := svc.CreateIngredient(adminCtx(), domain.IngredientCreateRequest{
		Name:        "Cocoa",
		Unit:        "g",
		CostPerUnit: dec("3"),
	})
	if err != nil {
		t.Fatalf("create ingredient: %v", err)
	}
	product := mustCreateProduct(t, svc, "Cocoa", "40", domain.RecipeItem{IngredientID: ing.ID, AmountUsed: dec("2")})

	order, err := svc.CreateOrder(cashierCtx(), orderFor(product.ID, 3, "40", domain.PaymentCash, "120"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !order.Items[0].Cost.Equal(dec("18")) {
		t.Fatalf("expected item cost 18, got %s", order.Items[0].Cost)
	}

	newCost := dec("9")
	if _, err := svc.UpdateIngredient(adminCtx(), ing.ID, domain.IngredientUpdateRequest{CostPerUnit: &newCost}); err != nil {
		t.Fatalf("update ingredient: %v", err)
	}
	mustAddStock(t, svc, ing.ID, "100", "12")

	stored, err := svc.GetOrder(adminCtx(), order.ID)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if !stored.Items[0].Cost.Equal(dec("18")) {
		t.Fatalf("expected stored cost to stay 18, got %s", stored.Items[0].Cost)
	}
}

func TestCreateOrderStoresAmountsAsGiven(t *testing.T) {
	svc := newTestService(t, Options{})
	order, err := svc.CreateOrder(cashierCtx(), domain.OrderCreateRequest{
		Items:          []domain.OrderItemRequest{{ProductID: "prd-thai-tea", Quantity: 2, Price: dec("40")}},
		TotalAmount:    dec("100"),
		Discount:       dec("10"),
		NetAmount:      dec("95"),
		ReceivedAmount: dec("100"),
		Change:         dec("5"),
		PaymentMethod:  " CASH ",
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if !order.NetAmount.Equal(dec("95")) || !order.TotalAmount.Equal(dec("100")) || !order.Discount.Equal(dec("10")) {
		t.Fatalf("expected amounts stored as given, got total=%s discount=%s net=%s", order.TotalAmount, order.Discount, order.NetAmount)
	}
	if order.PaymentMethod != domain.PaymentCash {
		t.Fatalf("expected normalized payment method, got %q", order.PaymentMethod)
	}
	item := order.Items[0]
	if !item.UnitPrice.Equal(dec("40")) || !item.CatalogPrice.Equal(dec("45")) {
		t.Fatalf("expected client price 40 with catalog price 45, got %s / %s", item.UnitPrice, item.CatalogPrice)
	}
	if item.ProductName != "Thai milk tea" {
		t.Fatalf("expected product name snapshot, got %q", item.ProductName)
	}
}

func TestOrderNumbersFollowDailySequence(t *testing.T) {
	svc := newTestService(t, Options{})
	first, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
	if err != nil {
		t.Fatalf("first order: %v", err)
	}
	second, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentQR, "45"))
	if err != nil {
		t.Fatalf("second order: %v", err)
	}
	if first.OrderNumber != "ORD-20260314-0001" || second.OrderNumber != "ORD-20260314-0002" {
		t.Fatalf("unexpected order numbers %s, %s", first.OrderNumber, second.OrderNumber)
	}

	svc.now = steppingClock(testDay.Add(24 * time.Hour))
	next, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
	if err != nil {
		t.Fatalf("next day order: %v", err)
	}
	if next.OrderNumber != "ORD-20260315-0001" {
		t.Fatalf("expected sequence to restart per day, got %s", next.OrderNumber)
	}
}

func TestConcurrentOrdersKeepStockConsistent(t *testing.T) {
	svc := newTestService(t, Options{StrictStock: true})
	mustAddStock(t, svc, "ing-milk", "10000", "0.05")
	product := mustCreateProduct(t, svc, "Hot milk", "30", domain.RecipeItem{IngredientID: "ing-milk", AmountUsed: dec("150")})

	const workers = 20
	numbers := make(chan string, workers)
	errs := make(chan error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := svc.CreateOrder(cashierCtx(), orderFor(product.ID, 1, "30", domain.PaymentCash, "30"))
			if err != nil {
				errs <- err
				return
			}
			numbers <- order.OrderNumber
		}()
	}
	wg.Wait()
	close(numbers)
	close(errs)

	for err := range errs {
		t.Fatalf("concurrent order failed: %v", err)
	}
	seen := make(map[string]bool, workers)
	for n := range numbers {
		if seen[n] {
			t.Fatalf("duplicate order number %s", n)
		}
		seen[n] = true
	}
	if len(seen) != workers {
		t.Fatalf("expected %d orders, got %d", workers, len(seen))
	}
	if got := ingredientStock(t, svc, "ing-milk"); !got.Equal(dec("7000")) {
		t.Fatalf("expected 7000 milk left, got %s", got)
	}
	assertNoDrift(t, svc)
}

func TestStrictStockRejectsShortSale(t *testing.T) {
	svc := newTestService(t, Options{StrictStock: true})
	mustAddStock(t, svc, "ing-milk", "100", "0.05")

	_, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
	if !errors.Is(err, store.ErrInsufficientStock) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected insufficient stock to classify as conflict, got %v", err)
	}
	if got := ingredientStock(t, svc, "ing-milk"); !got.Equal(dec("100")) {
		t.Fatalf("expected rollback to keep 100 milk, got %s", got)
	}
	orders, err := svc.ListOrders(adminCtx(), nil, nil)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(orders) != 0 {
		t.Fatalf("expected no orders after rejected sale, got %d", len(orders))
	}
}

func TestPermissiveStockRecordsShortfallAndReportsDrift(t *testing.T) {
	svc := newTestService(t, Options{})
	mustAddStock(t, svc, "ing-milk", "100", "0.05")

	order, err := svc.CreateOrder(cashierCtx(), orderFor("prd-matcha-latte", 1, "60", domain.PaymentCash, "60"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got := ingredientStock(t, svc, "ing-milk"); !got.Equal(dec("-100")) {
		t.Fatalf("expected milk at -100, got %s", got)
	}

	deductions, err := svc.repo.ListStockDeductions(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("list deductions: %v", err)
	}
	var uncovered decimal.Decimal
	for _, d := range deductions {
		if d.IngredientID == "ing-milk" && d.LotID == "" {
			uncovered = uncovered.Add(d.Quantity)
		}
	}
	if !uncovered.Equal(dec("100")) {
		t.Fatalf("expected 100 ml recorded without a lot, got %s", uncovered)
	}

	drift, err := svc.ReconcileStock(adminCtx())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	found := false
	for _, d := range drift {
		if d.IngredientID == "ing-milk" {
			found = true
			if !d.Drift.Equal(dec("-100")) {
				t.Fatalf("expected drift -100, got %s", d.Drift)
			}
		}
	}
	if !found {
		t.Fatalf("expected milk in reconcile report, got %+v", drift)
	}
}

func TestCancelOrderTwiceIsInvalidState(t *testing.T) {
	svc := newTestService(t, Options{})
	order, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}

	cancelled, err := svc.CancelOrder(cashierCtx(), order.ID)
	if err != nil {
		t.Fatalf("first cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled || cancelled.CancelledBy != "cashier" || cancelled.CancelledAt == nil {
		t.Fatalf("unexpected cancelled order %+v", cancelled)
	}

	_, err = svc.CancelOrder(cashierCtx(), order.ID)
	if !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state on second cancel, got %v", err)
	}

	if _, err := svc.CancelOrder(cashierCtx(), "ord-missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown order, got %v", err)
	}
}

func TestCancelOrderRestoresExactLots(t *testing.T) {
	svc := newTestService(t, Options{})
	lotA := mustAddStock(t, svc, "ing-milk", "5", "1")
	lotB := mustAddStock(t, svc, "ing-milk", "10", "1")
	product := mustCreateProduct(t, svc, "Milk shot", "20", domain.RecipeItem{IngredientID: "ing-milk", AmountUsed: dec("8")})

	order, err := svc.CreateOrder(cashierCtx(), orderFor(product.ID, 1, "20", domain.PaymentCash, "20"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	lotC := mustAddStock(t, svc, "ing-milk", "20", "1")
	assertNoDrift(t, svc)

	if _, err := svc.CancelOrder(adminCtx(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	want := map[string]string{lotA.Lot.ID: "5", lotB.Lot.ID: "10", lotC.Lot.ID: "20"}
	lots, err := svc.ListLots(adminCtx(), "ing-milk", false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	for _, lot := range lots {
		if !lot.RemainingQty.Equal(dec(want[lot.ID])) {
			t.Fatalf("lot %s: expected %s remaining, got %s", lot.ID, want[lot.ID], lot.RemainingQty)
		}
	}
	if got := ingredientStock(t, svc, "ing-milk"); !got.Equal(dec("35")) {
		t.Fatalf("expected 35 milk after cancel, got %s", got)
	}
	assertNoDrift(t, svc)

	returns, err := svc.ListInventoryTransactions(adminCtx(), domain.InventoryTransactionFilter{IngredientID: "ing-milk", Type: domain.InvTxReturn})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(returns) != 1 || !returns[0].Quantity.Equal(dec("8")) || returns[0].OrderID != order.ID {
		t.Fatalf("expected one RETURN of 8 for the order, got %+v", returns)
	}
}

func TestCancelOrderWithoutLedgerRestoresLatestLot(t *testing.T) {
	svc := newTestService(t, Options{})
	older := mustAddStock(t, svc, "ing-matcha", "50", "1")
	latest := mustAddStock(t, svc, "ing-matcha", "50", "1")

	// An order recorded before lot deductions were tracked.
	legacy := domain.Order{
		ID:            "ord-legacy",
		OrderNumber:   "ORD-20260301-0001",
		NetAmount:     dec("60"),
		PaymentMethod: domain.PaymentCash,
		Status:        domain.OrderStatusCompleted,
		CreatedBy:     "cashier",
		CreatedAt:     testDay.Add(-13 * 24 * time.Hour),
		Items: []domain.OrderItem{
			{ID: "oit-legacy", OrderID: "ord-legacy", ProductID: "prd-matcha-latte", Quantity: 2, UnitPrice: dec("30")},
		},
	}
	err := svc.repo.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), legacy)
	})
	if err != nil {
		t.Fatalf("insert legacy order: %v", err)
	}

	if _, err := svc.CancelOrder(adminCtx(), legacy.ID); err != nil {
		t.Fatalf("cancel legacy order: %v", err)
	}

	lots, err := svc.ListLots(adminCtx(), "ing-matcha", false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	for _, lot := range lots {
		switch lot.ID {
		case older.Lot.ID:
			if !lot.RemainingQty.Equal(dec("50")) {
				t.Fatalf("expected older lot untouched, got %s", lot.RemainingQty)
			}
		case latest.Lot.ID:
			if !lot.RemainingQty.Equal(dec("60")) {
				t.Fatalf("expected latest lot to receive 10, got %s", lot.RemainingQty)
			}
		}
	}
	if got := ingredientStock(t, svc, "ing-matcha"); !got.Equal(dec("110")) {
		t.Fatalf("expected 110 matcha, got %s", got)
	}
	// Milk has no lots, so only the running total moves.
	if got := ingredientStock(t, svc, "ing-milk"); !got.Equal(dec("400")) {
		t.Fatalf("expected 400 milk, got %s", got)
	}
}

func TestStockInvariantAcrossAddOrderCancel(t *testing.T) {
	svc := newTestService(t, Options{})
	for _, id := range []string{"ing-tea", "ing-milk", "ing-syrup", "ing-pearl"} {
		mustAddStock(t, svc, id, "1000", "0.1")
	}
	assertNoDrift(t, svc)

	order, err := svc.CreateOrder(cashierCtx(), domain.OrderCreateRequest{
		Items: []domain.OrderItemRequest{
			{ProductID: "prd-thai-tea", Quantity: 2, Price: dec("45"), Toppings: []string{"top-pearl"}},
		},
		TotalAmount:    dec("100"),
		NetAmount:      dec("100"),
		ReceivedAmount: dec("100"),
		PaymentMethod:  domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	assertNoDrift(t, svc)

	if _, err := svc.CancelOrder(cashierCtx(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertNoDrift(t, svc)
	if got := ingredientStock(t, svc, "ing-milk"); !got.Equal(dec("1000")) {
		t.Fatalf("expected milk back at 1000, got %s", got)
	}
}

func TestToppingRecipesConsumeAndRestoreStock(t *testing.T) {
	svc := newTestService(t, Options{StrictStock: true})
	mustAddStock(t, svc, "ing-tea", "100", "0.40")
	mustAddStock(t, svc, "ing-milk", "1000", "0.05")
	mustAddStock(t, svc, "ing-syrup", "1000", "0.02")
	pearlLot := mustAddStock(t, svc, "ing-pearl", "1000", "0.10")

	order, err := svc.CreateOrder(cashierCtx(), domain.OrderCreateRequest{
		Items: []domain.OrderItemRequest{
			{ProductID: "prd-thai-tea", Quantity: 2, Price: dec("45"), Toppings: []string{"top-pearl"}},
		},
		TotalAmount:   dec("110"),
		NetAmount:     dec("110"),
		PaymentMethod: domain.PaymentQR,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if got := ingredientStock(t, svc, "ing-pearl"); !got.Equal(dec("920")) {
		t.Fatalf("expected 920 pearls after two cups, got %s", got)
	}
	if !order.Items[0].Cost.Equal(dec("31.8")) {
		t.Fatalf("expected cost to include topping recipe, got %s", order.Items[0].Cost)
	}

	rows, err := svc.repo.ListStockDeductions(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("list deductions: %v", err)
	}
	var pearlRows []domain.OrderStockDeduction
	for _, row := range rows {
		if row.IngredientID == "ing-pearl" {
			pearlRows = append(pearlRows, row)
		}
	}
	if len(pearlRows) != 1 || pearlRows[0].LotID != pearlLot.Lot.ID || pearlRows[0].OrderItemID != order.Items[0].ID || !pearlRows[0].Quantity.Equal(dec("80")) {
		t.Fatalf("expected one 80g pearl deduction from %s, got %+v", pearlLot.Lot.ID, pearlRows)
	}
	assertNoDrift(t, svc)

	if _, err := svc.CancelOrder(cashierCtx(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := ingredientStock(t, svc, "ing-pearl"); !got.Equal(dec("1000")) {
		t.Fatalf("expected pearls restored to 1000, got %s", got)
	}
	assertNoDrift(t, svc)
}

func TestUnknownProductsAndToppingsAreSkipped(t *testing.T) {
	svc := newTestService(t, Options{StrictStock: true})
	order, err := svc.CreateOrder(cashierCtx(), domain.OrderCreateRequest{
		Items: []domain.OrderItemRequest{
			{ProductID: "prd-gone", Quantity: 1, Price: dec("30"), Toppings: []string{"top-gone", "top-pearl"}},
		},
		TotalAmount:   dec("40"),
		NetAmount:     dec("40"),
		PaymentMethod: domain.PaymentQR,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	item := order.Items[0]
	if !item.Cost.IsZero() {
		t.Fatalf("expected zero cost for unknown product, got %s", item.Cost)
	}
	if len(item.Toppings) != 1 || item.Toppings[0].ID != "top-pearl" || !item.ToppingCost.Equal(dec("10")) {
		t.Fatalf("expected only the known topping, got %+v cost %s", item.Toppings, item.ToppingCost)
	}
}

func TestShiftVarianceCountsOnlyCash(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := cashierCtx()
	shift, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{OpeningCash: dec("1000")})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	if _, err := svc.CreateOrder(ctx, orderFor("prd-thai-tea", 5, "50", domain.PaymentCash, "250")); err != nil {
		t.Fatalf("cash order: %v", err)
	}
	if _, err := svc.CreateOrder(ctx, orderFor("prd-thai-tea", 6, "50", domain.PaymentQR, "300")); err != nil {
		t.Fatalf("qr order: %v", err)
	}

	closed, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCash: dec("1250")})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if closed.ExpectedCash == nil || !closed.ExpectedCash.Equal(dec("1250")) {
		t.Fatalf("expected cash 1250, got %v", closed.ExpectedCash)
	}
	if closed.CashVariance == nil || !closed.CashVariance.IsZero() {
		t.Fatalf("expected zero variance, got %v", closed.CashVariance)
	}
	if closed.Status != domain.ShiftStatusClosed || closed.EndedAt == nil {
		t.Fatalf("expected closed shift with end time, got %+v", closed)
	}

	summary, err := svc.GetShiftSummary(ctx, shift.ID)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary.OrderCount != 2 || !summary.CashTotal.Equal(dec("250")) || !summary.QRTotal.Equal(dec("300")) {
		t.Fatalf("unexpected summary %+v", summary)
	}

	if _, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCash: dec("1250")}); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("expected invalid state closing twice, got %v", err)
	}
}

func TestCancelledOrdersLeaveShiftTotals(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := cashierCtx()
	shift, err := svc.OpenShift(ctx, domain.ShiftOpenRequest{OpeningCash: dec("500")})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	order, err := svc.CreateOrder(ctx, orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.CancelOrder(ctx, order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	closed, err := svc.CloseShift(ctx, domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCash: dec("490")})
	if err != nil {
		t.Fatalf("close shift: %v", err)
	}
	if !closed.ExpectedCash.Equal(dec("500")) || !closed.CashVariance.Equal(dec("-10")) {
		t.Fatalf("expected 500 expected and -10 variance, got %s / %s", closed.ExpectedCash, closed.CashVariance)
	}
}

func TestOpenShiftTwiceConflicts(t *testing.T) {
	svc := newTestService(t, Options{})
	if _, err := svc.OpenShift(cashierCtx(), domain.ShiftOpenRequest{OpeningCash: dec("1000")}); err != nil {
		t.Fatalf("first open: %v", err)
	}
	_, err := svc.OpenShift(cashierCtx(), domain.ShiftOpenRequest{OpeningCash: dec("1000")})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	current, err := svc.GetCurrentShift(cashierCtx())
	if err != nil {
		t.Fatalf("current shift: %v", err)
	}
	if current.UserID != "cashier" {
		t.Fatalf("unexpected current shift %+v", current)
	}
	if _, err := svc.GetCurrentShift(adminCtx()); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected no open shift for admin, got %v", err)
	}
}

func TestCloseShiftOwnership(t *testing.T) {
	svc := newTestService(t, Options{})
	shift, err := svc.OpenShift(adminCtx(), domain.ShiftOpenRequest{OpeningCash: dec("100")})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	_, err = svc.CloseShift(cashierCtx(), domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCash: dec("100")})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden for another user's shift, got %v", err)
	}

	cashierShift, err := svc.OpenShift(cashierCtx(), domain.ShiftOpenRequest{OpeningCash: dec("100")})
	if err != nil {
		t.Fatalf("open cashier shift: %v", err)
	}
	if _, err := svc.CloseShift(adminCtx(), domain.ShiftCloseRequest{ShiftID: cashierShift.ID, ClosingCash: dec("100")}); err != nil {
		t.Fatalf("admin should close any shift: %v", err)
	}
	if _, err := svc.CloseShift(adminCtx(), domain.ShiftCloseRequest{ShiftID: "shift-missing", ClosingCash: dec("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPolicyRejectsWrongRoleAndAnonymous(t *testing.T) {
	svc := newTestService(t, Options{})

	_, err := svc.AddStock(cashierCtx(), domain.AddStockRequest{IngredientID: "ing-milk", Quantity: dec("1"), CostPerUnit: dec("1")})
	if !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden for cashier add stock, got %v", err)
	}
	_, err = svc.CreateOrder(context.Background(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
	if !errors.Is(err, store.ErrUnauthorized) {
		t.Fatalf("expected unauthorized without actor, got %v", err)
	}
	if _, err := svc.Dashboard(cashierCtx()); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden dashboard for cashier, got %v", err)
	}
	if _, err := svc.ListProducts(cashierCtx(), true); err != nil {
		t.Fatalf("cashier should list products: %v", err)
	}

	if !Allowed(domain.RoleAdmin, CapInventoryWrite) || Allowed(domain.RoleCashier, CapInventoryWrite) {
		t.Fatalf("inventory.write should be admin only")
	}
	if !Allowed(domain.RoleCashier, CapOrderCancel) {
		t.Fatalf("cashier should cancel orders")
	}
	if Allowed(domain.RoleAdmin, Capability("unknown")) {
		t.Fatalf("unknown capability must be denied")
	}
}

func TestStockMutationsValidateInput(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := adminCtx()

	if _, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{IngredientID: "ing-milk", Type: domain.InvTxAdjustment}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero adjustment, got %v", err)
	}
	if _, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{IngredientID: "ing-milk", Quantity: dec("-1"), Type: domain.InvTxSale}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for sale type, got %v", err)
	}
	if _, err := svc.AddStock(ctx, domain.AddStockRequest{IngredientID: "ing-milk", Quantity: dec("0"), CostPerUnit: dec("1")}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for zero quantity, got %v", err)
	}
	if _, err := svc.AddStock(ctx, domain.AddStockRequest{IngredientID: "ing-missing", Quantity: dec("1"), CostPerUnit: dec("1")}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found for unknown ingredient, got %v", err)
	}
	if _, err := svc.CreateOrder(cashierCtx(), domain.OrderCreateRequest{PaymentMethod: domain.PaymentCash}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for empty order, got %v", err)
	}
}

func TestAdjustAndStockTake(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := adminCtx()
	mustAddStock(t, svc, "ing-syrup", "3000", "0.02")

	ing, err := svc.AdjustStock(ctx, domain.AdjustStockRequest{IngredientID: "ing-syrup", Quantity: dec("-200"), Type: domain.InvTxWaste, Note: "spilled"})
	if err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if !ing.CurrentStock.Equal(dec("2800")) {
		t.Fatalf("expected 2800 after waste, got %s", ing.CurrentStock)
	}

	take, err := svc.StockTake(ctx, domain.StockTakeRequest{IngredientID: "ing-syrup", ActualQuantity: dec("2750")})
	if err != nil {
		t.Fatalf("stock take: %v", err)
	}
	if !take.Previous.Equal(dec("2800")) || !take.Variance.Equal(dec("-50")) || !take.Ingredient.CurrentStock.Equal(dec("2750")) {
		t.Fatalf("unexpected stock take %+v", take)
	}

	history, err := svc.ListInventoryTransactions(ctx, domain.InventoryTransactionFilter{IngredientID: "ing-syrup"})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 || history[0].Type != domain.InvTxStockTake || history[2].Type != domain.InvTxPurchase {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestCatalogRecipeValidation(t *testing.T) {
	svc := newTestService(t, Options{})
	ctx := adminCtx()

	_, err := svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Name:   "Ghost latte",
		Price:  dec("50"),
		Recipe: []domain.RecipeItem{{IngredientID: "ing-ghost", AmountUsed: dec("1")}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for unknown ingredient, got %v", err)
	}

	if err := svc.DeleteIngredient(ctx, "ing-syrup"); err != nil {
		t.Fatalf("delete ingredient: %v", err)
	}
	_, err = svc.CreateProduct(ctx, domain.ProductCreateRequest{
		Name:   "Sweet milk",
		Price:  dec("30"),
		Recipe: []domain.RecipeItem{{IngredientID: "ing-syrup", AmountUsed: dec("10")}},
	})
	if !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for deleted ingredient, got %v", err)
	}

	product := mustCreateProduct(t, svc, "Double milk", "35",
		domain.RecipeItem{IngredientID: "ing-milk", AmountUsed: dec("100")},
		domain.RecipeItem{IngredientID: "ing-milk", AmountUsed: dec("50")})
	if len(product.Recipe) != 1 || !product.Recipe[0].AmountUsed.Equal(dec("150")) {
		t.Fatalf("expected merged recipe line, got %+v", product.Recipe)
	}

	if err := svc.DeleteProduct(ctx, product.ID); err != nil {
		t.Fatalf("delete product: %v", err)
	}
	products, err := svc.ListProducts(ctx, true)
	if err != nil {
		t.Fatalf("list products: %v", err)
	}
	for _, p := range products {
		if p.ID == product.ID {
			t.Fatalf("deleted product still listed")
		}
	}
	if _, err := svc.CreateProduct(cashierCtx(), domain.ProductCreateRequest{Name: "x", Price: dec("1")}); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("expected forbidden product create for cashier, got %v", err)
	}
}

func TestReportsUseSnapshots(t *testing.T) {
	svc := newTestService(t, Options{})
	// Thai tea costs 10*0.40 + 150*0.05 + 20*0.02 = 11.9 per cup at seed prices,
	// plus 40*0.10 = 4 for the pearl topping.
	kept, err := svc.CreateOrder(cashierCtx(), domain.OrderCreateRequest{
		Items: []domain.OrderItemRequest{
			{ProductID: "prd-thai-tea", Quantity: 2, Price: dec("45"), Toppings: []string{"top-pearl"}},
		},
		TotalAmount:   dec("100"),
		NetAmount:     dec("90"),
		Discount:      dec("10"),
		PaymentMethod: domain.PaymentCash,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	dropped, err := svc.CreateOrder(cashierCtx(), orderFor("prd-matcha-latte", 1, "60", domain.PaymentQR, "60"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.CancelOrder(cashierCtx(), dropped.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.CreateExpense(adminCtx(), domain.ExpenseCreateRequest{Category: "ice", Amount: dec("50")}); err != nil {
		t.Fatalf("create expense: %v", err)
	}

	from := dayStart(testDay)
	to := from.Add(24 * time.Hour)
	daily, err := svc.DailySales(adminCtx(), from, to)
	if err != nil {
		t.Fatalf("daily sales: %v", err)
	}
	if len(daily) != 1 {
		t.Fatalf("expected one day, got %+v", daily)
	}
	day := daily[0]
	if day.Date != "2026-03-14" || day.Orders != 1 {
		t.Fatalf("unexpected day row %+v", day)
	}
	if !day.Revenue.Equal(dec("90")) || !day.Cost.Equal(dec("31.8")) || !day.Profit.Equal(dec("58.2")) {
		t.Fatalf("unexpected revenue/cost/profit %s/%s/%s", day.Revenue, day.Cost, day.Profit)
	}
	if !day.Expenses.Equal(dec("50")) || !day.Net.Equal(dec("8.2")) {
		t.Fatalf("unexpected expenses/net %s/%s", day.Expenses, day.Net)
	}

	products, err := svc.ProductSales(adminCtx(), from, to)
	if err != nil {
		t.Fatalf("product sales: %v", err)
	}
	if len(products) != 1 || products[0].ProductID != "prd-thai-tea" || products[0].Quantity != 2 {
		t.Fatalf("unexpected product sales %+v", products)
	}
	if !products[0].Revenue.Equal(dec("100")) {
		t.Fatalf("expected line revenue 100, got %s", products[0].Revenue)
	}
	if kept.Items[0].ToppingCost.String() != "10" {
		t.Fatalf("expected topping cost 10, got %s", kept.Items[0].ToppingCost)
	}

	if _, err := svc.DailySales(adminCtx(), to, from); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for reversed range, got %v", err)
	}
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string][]byte
	deletes int
}

func (c *mapCache) Get(_ context.Context, key string, dest any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	raw, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

func (c *mapCache) Set(_ context.Context, key string, value any, _ time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = raw
	return nil
}

func (c *mapCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.entries, key)
	}
	c.deletes++
	return nil
}

func TestDashboardCacheInvalidatedByOrders(t *testing.T) {
	reportCache := &mapCache{entries: make(map[string][]byte)}
	svc := New(memory.NewSeeded(zap.NewNop()), reportCache, nil, nil, zap.NewNop(), Options{})
	svc.now = steppingClock(testDay)

	first, err := svc.Dashboard(adminCtx())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if first.Orders != 0 || first.LowStockCount != 5 {
		t.Fatalf("unexpected empty dashboard %+v", first)
	}
	if _, ok := reportCache.entries[dashboardKey(testDay)]; !ok {
		t.Fatalf("expected dashboard to be cached")
	}

	if _, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45")); err != nil {
		t.Fatalf("create order: %v", err)
	}
	second, err := svc.Dashboard(adminCtx())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if second.Orders != 1 || !second.Revenue.Equal(dec("45")) {
		t.Fatalf("expected fresh dashboard after order, got %+v", second)
	}
	if reportCache.deletes == 0 {
		t.Fatalf("expected order to invalidate the cache")
	}
}

func TestDashboardFollowsIngredientEditsAndSkipsPending(t *testing.T) {
	reportCache := &mapCache{entries: make(map[string][]byte)}
	svc := New(memory.NewSeeded(zap.NewNop()), reportCache, nil, nil, zap.NewNop(), Options{})
	svc.now = steppingClock(testDay)

	err := svc.repo.WithinTx(context.Background(), func(tx store.Tx) error {
		return tx.InsertOrder(context.Background(), domain.Order{
			ID:            "ord-pending",
			OrderNumber:   "ORD-20260314-9999",
			TotalAmount:   dec("70"),
			NetAmount:     dec("70"),
			PaymentMethod: domain.PaymentQR,
			Status:        domain.OrderStatusPending,
			CreatedBy:     "cashier",
			CreatedAt:     testDay.Add(time.Hour),
		})
	})
	if err != nil {
		t.Fatalf("insert pending order: %v", err)
	}

	dash, err := svc.Dashboard(adminCtx())
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if dash.Orders != 0 || !dash.Revenue.IsZero() || dash.LowStockCount != 5 {
		t.Fatalf("expected pending order left out, got %+v", dash)
	}

	mustAddStock(t, svc, "ing-milk", "3000", "0.05")
	if dash, _ = svc.Dashboard(adminCtx()); dash.LowStockCount != 4 {
		t.Fatalf("expected milk above minimum after restock, got %d low", dash.LowStockCount)
	}

	raised := dec("5000")
	if _, err := svc.UpdateIngredient(adminCtx(), "ing-milk", domain.IngredientUpdateRequest{MinStock: &raised}); err != nil {
		t.Fatalf("update ingredient: %v", err)
	}
	if dash, _ = svc.Dashboard(adminCtx()); dash.LowStockCount != 5 {
		t.Fatalf("expected raised minimum to show on the dashboard, got %d low", dash.LowStockCount)
	}

	if err := svc.DeleteIngredient(adminCtx(), "ing-matcha"); err != nil {
		t.Fatalf("delete ingredient: %v", err)
	}
	if dash, _ = svc.Dashboard(adminCtx()); dash.LowStockCount != 4 {
		t.Fatalf("expected deleted ingredient dropped from the dashboard, got %d low", dash.LowStockCount)
	}
}

func TestMoneyBeyondCentsRejected(t *testing.T) {
	svc := newTestService(t, Options{})

	req := orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45.005")
	if _, err := svc.CreateOrder(cashierCtx(), req); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for net amount 45.005, got %v", err)
	}
	req = orderFor("prd-thai-tea", 1, "44.999", domain.PaymentCash, "45")
	if _, err := svc.CreateOrder(cashierCtx(), req); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for item price 44.999, got %v", err)
	}
	if _, err := svc.CreateExpense(adminCtx(), domain.ExpenseCreateRequest{Category: "ice", Amount: dec("3.333")}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for expense 3.333, got %v", err)
	}
	if _, err := svc.OpenShift(cashierCtx(), domain.ShiftOpenRequest{OpeningCash: dec("100.001")}); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("expected validation error for opening cash 100.001, got %v", err)
	}

	order, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45.50", domain.PaymentCash, "45.50"))
	if err != nil {
		t.Fatalf("create order with cents: %v", err)
	}
	if !order.NetAmount.Equal(dec("45.5")) || !order.Items[0].UnitPrice.Equal(dec("45.5")) {
		t.Fatalf("expected amounts kept as sent, got net %s price %s", order.NetAmount, order.Items[0].UnitPrice)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, evt := range p.events {
		out = append(out, evt.Type)
	}
	return out
}

type failingPublisher struct{}

func (failingPublisher) Publish(_ context.Context, _ events.Event) error {
	return fmt.Errorf("broker down")
}

func (failingPublisher) Close() error { return nil }

func TestEventsPublishedAfterCommit(t *testing.T) {
	pub := &recordingPublisher{}
	svc := New(memory.NewSeeded(zap.NewNop()), nil, nil, pub, zap.NewNop(), Options{})
	svc.now = steppingClock(testDay)

	shift, err := svc.OpenShift(cashierCtx(), domain.ShiftOpenRequest{OpeningCash: dec("100")})
	if err != nil {
		t.Fatalf("open shift: %v", err)
	}
	order, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if _, err := svc.CancelOrder(cashierCtx(), order.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := svc.CloseShift(cashierCtx(), domain.ShiftCloseRequest{ShiftID: shift.ID, ClosingCash: dec("100")}); err != nil {
		t.Fatalf("close shift: %v", err)
	}

	counts := make(map[string]int)
	for _, typ := range pub.types() {
		counts[typ]++
	}
	if counts[events.TypeOrderCreated] != 1 || counts[events.TypeOrderCancelled] != 1 || counts[events.TypeShiftClosed] != 1 {
		t.Fatalf("unexpected events %v", counts)
	}
	// Seed ingredients sit at zero stock, so the sale drives them further below minimum.
	if counts[events.TypeStockLow] != 3 {
		t.Fatalf("expected 3 stock.low events, got %d", counts[events.TypeStockLow])
	}

	strict := New(memory.NewSeeded(zap.NewNop()), nil, nil, pub, zap.NewNop(), Options{StrictStock: true})
	before := len(pub.types())
	if _, err := strict.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45")); err == nil {
		t.Fatalf("expected strict order to fail")
	}
	if len(pub.types()) != before {
		t.Fatalf("expected no events for a rolled back order")
	}
}

func TestPublishFailureDoesNotFailOrder(t *testing.T) {
	svc := New(memory.NewSeeded(zap.NewNop()), nil, nil, failingPublisher{}, zap.NewNop(), Options{})
	if _, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45")); err != nil {
		t.Fatalf("expected order to succeed despite broker failure: %v", err)
	}
}

func TestListOrdersNewestFirstAndRange(t *testing.T) {
	svc := newTestService(t, Options{OrderPageSize: 2})
	var ids []string
	for i := 0; i < 3; i++ {
		order, err := svc.CreateOrder(cashierCtx(), orderFor("prd-thai-tea", 1, "45", domain.PaymentCash, "45"))
		if err != nil {
			t.Fatalf("create order %d: %v", i, err)
		}
		ids = append(ids, order.ID)
	}

	page, err := svc.ListOrders(cashierCtx(), nil, nil)
	if err != nil {
		t.Fatalf("list orders: %v", err)
	}
	if len(page) != 2 || page[0].ID != ids[2] || page[1].ID != ids[1] {
		t.Fatalf("expected two newest orders first, got %d", len(page))
	}

	from := dayStart(testDay)
	to := from.Add(24 * time.Hour)
	all, err := svc.ListOrders(cashierCtx(), &from, &to)
	if err != nil {
		t.Fatalf("list orders in range: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected range query to ignore page size, got %d", len(all))
	}
}
