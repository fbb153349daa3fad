package service

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/events"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

type stockShortfall struct {
	ingredientID string
	qty          decimal.Decimal
}

// CreateOrder records a completed sale. The order, its stock movements and
// its FIFO lot deductions commit together. Amounts are stored exactly as
// the terminal sent them.
func (s *Service) CreateOrder(ctx context.Context, req domain.OrderCreateRequest) (domain.Order, error) {
	actor, err := s.authorize(ctx, CapOrderCreate)
	if err != nil {
		return domain.Order{}, err
	}
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	if err := validateRequest(req); err != nil {
		return domain.Order{}, err
	}
	amounts := map[string]decimal.Decimal{
		"total_amount":    req.TotalAmount,
		"discount":        req.Discount,
		"net_amount":      req.NetAmount,
		"received_amount": req.ReceivedAmount,
		"change":          req.Change,
	}
	for i, line := range req.Items {
		amounts[fmt.Sprintf("items[%d].price", i)] = line.Price
	}
	if err := checkMoney(amounts); err != nil {
		return domain.Order{}, err
	}

	productIDs := make([]string, 0, len(req.Items))
	toppingIDs := make([]string, 0)
	for i := range req.Items {
		req.Items[i].ProductID = strings.TrimSpace(req.Items[i].ProductID)
		productIDs = append(productIDs, req.Items[i].ProductID)
		toppingIDs = append(toppingIDs, req.Items[i].Toppings...)
	}
	productIDs = uniqueSorted(productIDs)
	toppingIDs = uniqueSorted(toppingIDs)

	now := s.now()
	var (
		order      domain.Order
		touched    []domain.Ingredient
		skipped    []string
		shortfalls []stockShortfall
	)
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		skipped = skipped[:0]
		shortfalls = shortfalls[:0]
		usages := make([]map[string]decimal.Decimal, 0, len(req.Items))

		products, err := tx.GetProducts(ctx, productIDs)
		if err != nil {
			return err
		}
		toppings, err := tx.GetToppings(ctx, toppingIDs)
		if err != nil {
			return err
		}

		ingredientIDs := make([]string, 0, 8)
		for _, p := range products {
			for _, r := range p.Recipe {
				ingredientIDs = append(ingredientIDs, r.IngredientID)
			}
		}
		for _, tp := range toppings {
			for _, r := range tp.Recipe {
				ingredientIDs = append(ingredientIDs, r.IngredientID)
			}
		}
		ingredientIDs = uniqueSorted(ingredientIDs)
		ingredients, err := tx.LockIngredients(ctx, ingredientIDs)
		if err != nil {
			return err
		}

		seq, err := tx.NextOrderSequence(ctx, now)
		if err != nil {
			return err
		}

		order = domain.Order{
			ID:             xid.New("ord"),
			OrderNumber:    fmt.Sprintf("ORD-%s-%04d", now.Format("20060102"), seq),
			TotalAmount:    req.TotalAmount,
			Discount:       req.Discount,
			NetAmount:      req.NetAmount,
			ReceivedAmount: req.ReceivedAmount,
			Change:         req.Change,
			PaymentMethod:  req.PaymentMethod,
			Status:         domain.OrderStatusCompleted,
			CustomerName:   strings.TrimSpace(req.CustomerName),
			Note:           req.Note,
			CreatedBy:      actor.Username,
			CreatedAt:      now,
			Items:          make([]domain.OrderItem, 0, len(req.Items)),
		}

		for _, line := range req.Items {
			qty := decimal.NewFromInt(int64(line.Quantity))
			item := domain.OrderItem{
				ID:          xid.New("oit"),
				OrderID:     order.ID,
				ProductID:   line.ProductID,
				Quantity:    line.Quantity,
				UnitPrice:   line.Price,
				Sweetness:   line.Sweetness,
				Toppings:    make([]domain.ToppingSnapshot, 0, len(line.Toppings)),
				ToppingCost: decimal.Zero,
				Note:        line.Note,
			}

			chosen := make([]domain.Topping, 0, len(line.Toppings))
			for _, id := range line.Toppings {
				tp, found := toppings[strings.TrimSpace(id)]
				if !found {
					continue
				}
				chosen = append(chosen, tp)
				item.Toppings = append(item.Toppings, domain.ToppingSnapshot{ID: tp.ID, Name: tp.Name, Price: tp.Price})
				item.ToppingCost = item.ToppingCost.Add(tp.Price)
			}

			var usage map[string]decimal.Decimal
			product, ok := products[line.ProductID]
			if ok {
				item.ProductName = product.Name
				item.CatalogPrice = product.Price
				usage = lineUsage(product.Recipe, chosen)
				unitCost := decimal.Zero
				for id, amount := range usage {
					if ing, found := ingredients[id]; found {
						unitCost = unitCost.Add(amount.Mul(ing.CostPerUnit))
					}
				}
				item.Cost = unitCost.Mul(qty)
			} else {
				skipped = append(skipped, line.ProductID)
			}
			order.Items = append(order.Items, item)
			usages = append(usages, usage)
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}

		deductions := make([]domain.OrderStockDeduction, 0, len(ingredientIDs))
		for i, item := range order.Items {
			usage := usages[i]
			qty := decimal.NewFromInt(int64(item.Quantity))
			for _, ingredientID := range sortedKeys(usage) {
				need := usage[ingredientID].Mul(qty)
				if err := tx.AddIngredientStock(ctx, ingredientID, need.Neg(), now); err != nil {
					return err
				}
				if err := tx.AppendInventoryTransaction(ctx, domain.InventoryTransaction{
					ID:           xid.New("itx"),
					IngredientID: ingredientID,
					Type:         domain.InvTxSale,
					Quantity:     need.Neg(),
					OrderID:      order.ID,
					Note:         order.OrderNumber,
					CreatedBy:    actor.Username,
					CreatedAt:    now,
				}); err != nil {
					return err
				}

				rows, shortfall, err := deductFIFO(ctx, tx, ingredientID, need, s.opts.StrictStock, domain.OrderStockDeduction{
					OrderID:     order.ID,
					OrderItemID: item.ID,
					CreatedAt:   now,
				})
				if err != nil {
					return err
				}
				if shortfall.IsPositive() {
					shortfalls = append(shortfalls, stockShortfall{ingredientID: ingredientID, qty: shortfall})
				}
				deductions = append(deductions, rows...)
			}
		}
		if len(deductions) > 0 {
			if err := tx.InsertStockDeductions(ctx, deductions); err != nil {
				return err
			}
		}

		after, err := tx.LockIngredients(ctx, ingredientIDs)
		if err != nil {
			return err
		}
		touched = make([]domain.Ingredient, 0, len(after))
		for _, id := range ingredientIDs {
			if ing, ok := after[id]; ok {
				touched = append(touched, ing)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	for _, id := range skipped {
		s.logger.Warn("order references unknown product; stock not deducted",
			zap.String("order_number", order.OrderNumber),
			zap.String("product_id", id))
	}
	for _, sf := range shortfalls {
		s.logger.Warn("lots could not cover sale",
			zap.String("order_number", order.OrderNumber),
			zap.String("ingredient_id", sf.ingredientID),
			zap.String("shortfall", sf.qty.String()))
	}

	s.invalidateReports(ctx, now)
	s.publish(ctx, events.TypeOrderCreated, order.ID, orderPayload(order))
	s.publishLowStock(ctx, touched)
	s.logAudit(ctx, "order_create", "order", order.ID, fmt.Sprintf("number=%s,net=%s,payment=%s,items=%d", order.OrderNumber, order.NetAmount, order.PaymentMethod, len(order.Items)))
	return order, nil
}

// CancelOrder reverses an order's stock movements. Orders with recorded lot
// deductions get every unit back into the exact lot it came from; older
// orders fall back to the latest lot of each ingredient.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (domain.Order, error) {
	actor, err := s.authorize(ctx, CapOrderCancel)
	if err != nil {
		return domain.Order{}, err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, invalid("order id is required")
	}

	now := s.now()
	var cancelled domain.Order
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status == domain.OrderStatusCancelled {
			return fmt.Errorf("%w: order %s is already cancelled", store.ErrInvalidState, order.OrderNumber)
		}

		deductions, err := tx.ListStockDeductions(ctx, order.ID)
		if err != nil {
			return err
		}
		if len(deductions) > 0 {
			err = restoreFromLedger(ctx, tx, *order, deductions, actor.Username, now)
		} else {
			err = restoreFromRecipes(ctx, tx, *order, actor.Username, now)
		}
		if err != nil {
			return err
		}

		if err := tx.MarkOrderCancelled(ctx, order.ID, actor.Username, now); err != nil {
			return err
		}
		cancelled = *order
		cancelled.Status = domain.OrderStatusCancelled
		cancelled.CancelledAt = &now
		cancelled.CancelledBy = actor.Username
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.invalidateReports(ctx, cancelled.CreatedAt)
	if !dayStart(cancelled.CreatedAt).Equal(dayStart(now)) {
		s.invalidateReports(ctx, now)
	}
	s.publish(ctx, events.TypeOrderCancelled, cancelled.ID, orderPayload(cancelled))
	s.logAudit(ctx, "order_cancel", "order", cancelled.ID, fmt.Sprintf("number=%s,net=%s", cancelled.OrderNumber, cancelled.NetAmount))
	return cancelled, nil
}

func restoreFromLedger(ctx context.Context, tx store.Tx, order domain.Order, deductions []domain.OrderStockDeduction, by string, at time.Time) error {
	perIngredient := make(map[string]decimal.Decimal)
	perLot := make(map[string]decimal.Decimal)
	for _, d := range deductions {
		perIngredient[d.IngredientID] = perIngredient[d.IngredientID].Add(d.Quantity)
		if d.LotID != "" {
			perLot[d.LotID] = perLot[d.LotID].Add(d.Quantity)
		}
	}

	ingredientIDs := sortedKeys(perIngredient)
	if _, err := tx.LockIngredients(ctx, ingredientIDs); err != nil {
		return err
	}
	for _, lotID := range sortedKeys(perLot) {
		lot, err := tx.GetLotForUpdate(ctx, lotID)
		if err != nil {
			return err
		}
		if err := tx.SetLotRemaining(ctx, lot.ID, lot.RemainingQty.Add(perLot[lotID])); err != nil {
			return err
		}
	}
	for _, id := range ingredientIDs {
		if err := returnStock(ctx, tx, order, id, perIngredient[id], "", by, at); err != nil {
			return err
		}
	}
	return nil
}

func restoreFromRecipes(ctx context.Context, tx store.Tx, order domain.Order, by string, at time.Time) error {
	productIDs := make([]string, 0, len(order.Items))
	toppingIDs := make([]string, 0)
	for _, item := range order.Items {
		productIDs = append(productIDs, item.ProductID)
		for _, tp := range item.Toppings {
			toppingIDs = append(toppingIDs, tp.ID)
		}
	}
	products, err := tx.GetProducts(ctx, uniqueSorted(productIDs))
	if err != nil {
		return err
	}
	toppings, err := tx.GetToppings(ctx, uniqueSorted(toppingIDs))
	if err != nil {
		return err
	}

	perIngredient := make(map[string]decimal.Decimal)
	for _, item := range order.Items {
		product, ok := products[item.ProductID]
		if !ok {
			continue
		}
		chosen := make([]domain.Topping, 0, len(item.Toppings))
		for _, snap := range item.Toppings {
			if tp, found := toppings[snap.ID]; found {
				chosen = append(chosen, tp)
			}
		}
		qty := decimal.NewFromInt(int64(item.Quantity))
		for id, amount := range lineUsage(product.Recipe, chosen) {
			perIngredient[id] = perIngredient[id].Add(amount.Mul(qty))
		}
	}

	ingredientIDs := sortedKeys(perIngredient)
	if _, err := tx.LockIngredients(ctx, ingredientIDs); err != nil {
		return err
	}
	for _, id := range ingredientIDs {
		lotID, err := restoreToLatestLot(ctx, tx, id, perIngredient[id])
		if err != nil {
			return err
		}
		if err := returnStock(ctx, tx, order, id, perIngredient[id], lotID, by, at); err != nil {
			return err
		}
	}
	return nil
}

func returnStock(ctx context.Context, tx store.Tx, order domain.Order, ingredientID string, qty decimal.Decimal, lotID string, by string, at time.Time) error {
	if err := tx.AddIngredientStock(ctx, ingredientID, qty, at); err != nil {
		return err
	}
	return tx.AppendInventoryTransaction(ctx, domain.InventoryTransaction{
		ID:           xid.New("itx"),
		IngredientID: ingredientID,
		Type:         domain.InvTxReturn,
		Quantity:     qty,
		OrderID:      order.ID,
		LotID:        lotID,
		Note:         "cancel " + order.OrderNumber,
		CreatedBy:    by,
		CreatedAt:    at,
	})
}

// ListOrders returns orders newest first. Without a range the result is
// capped at the configured page size.
func (s *Service) ListOrders(ctx context.Context, from *time.Time, to *time.Time) ([]domain.Order, error) {
	if _, err := s.authorize(ctx, CapOrderRead); err != nil {
		return nil, err
	}
	if from != nil && to != nil && to.Before(*from) {
		return nil, invalid("to must not be before from")
	}
	filter := domain.OrderFilter{From: from, To: to}
	if from == nil && to == nil {
		filter.Limit = s.opts.OrderPageSize
	}
	return s.repo.ListOrders(ctx, filter)
}

func (s *Service) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := s.authorize(ctx, CapOrderRead); err != nil {
		return domain.Order{}, err
	}
	order, err := s.repo.GetOrder(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return *order, nil
}

func orderPayload(order domain.Order) events.OrderPayload {
	return events.OrderPayload{
		OrderID:       order.ID,
		OrderNumber:   order.OrderNumber,
		Status:        order.Status,
		NetAmount:     order.NetAmount.String(),
		PaymentMethod: order.PaymentMethod,
		CreatedBy:     order.CreatedBy,
	}
}

// lineUsage is the per-unit consumption of one order line: the product
// recipe plus the recipe of every chosen topping.
func lineUsage(recipe []domain.RecipeItem, toppings []domain.Topping) map[string]decimal.Decimal {
	usage := make(map[string]decimal.Decimal, len(recipe))
	for _, r := range recipe {
		usage[r.IngredientID] = usage[r.IngredientID].Add(r.AmountUsed)
	}
	for _, tp := range toppings {
		for _, r := range tp.Recipe {
			usage[r.IngredientID] = usage[r.IngredientID].Add(r.AmountUsed)
		}
	}
	return usage
}

func uniqueSorted(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
