package service

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

// AddStock receives a new lot. The ingredient's costPerUnit is replaced by
// the lot cost so later recipe costing uses the latest price.
func (s *Service) AddStock(ctx context.Context, req domain.AddStockRequest) (domain.AddStockResponse, error) {
	actor, err := s.authorize(ctx, CapInventoryWrite)
	if err != nil {
		return domain.AddStockResponse{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.AddStockResponse{}, err
	}

	now := s.now()
	var resp domain.AddStockResponse
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetIngredientForUpdate(ctx, req.IngredientID); err != nil {
			return err
		}

		lot := domain.StockLot{
			ID:           xid.New("lot"),
			IngredientID: req.IngredientID,
			Quantity:     req.Quantity,
			CostPerUnit:  req.CostPerUnit,
			RemainingQty: req.Quantity,
			Note:         req.Note,
			CreatedAt:    now,
		}
		if err := tx.InsertLot(ctx, lot); err != nil {
			return err
		}

		cost := req.CostPerUnit
		entry := domain.InventoryTransaction{
			ID:           xid.New("itx"),
			IngredientID: req.IngredientID,
			Type:         domain.InvTxPurchase,
			Quantity:     req.Quantity,
			CostPerUnit:  &cost,
			LotID:        lot.ID,
			Note:         req.Note,
			CreatedBy:    actor.Username,
			CreatedAt:    now,
		}
		if err := tx.AppendInventoryTransaction(ctx, entry); err != nil {
			return err
		}
		if err := tx.AddIngredientStock(ctx, req.IngredientID, req.Quantity, now); err != nil {
			return err
		}
		if err := tx.SetIngredientCost(ctx, req.IngredientID, req.CostPerUnit, now); err != nil {
			return err
		}

		updated, err := tx.GetIngredientForUpdate(ctx, req.IngredientID)
		if err != nil {
			return err
		}
		resp = domain.AddStockResponse{Ingredient: *updated, Lot: lot, Transaction: entry}
		return nil
	})
	if err != nil {
		return domain.AddStockResponse{}, err
	}

	s.invalidateReports(ctx, now)
	s.logAudit(ctx, "stock_add", "ingredient", req.IngredientID, fmt.Sprintf("qty=%s,cost=%s,lot=%s", req.Quantity, req.CostPerUnit, resp.Lot.ID))
	return resp, nil
}

// AdjustStock applies a signed correction to currentStock only; lots are
// left as they are.
func (s *Service) AdjustStock(ctx context.Context, req domain.AdjustStockRequest) (domain.Ingredient, error) {
	actor, err := s.authorize(ctx, CapInventoryWrite)
	if err != nil {
		return domain.Ingredient{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.Ingredient{}, err
	}
	if req.Quantity.IsZero() {
		return domain.Ingredient{}, invalid("quantity must not be zero")
	}

	now := s.now()
	var updated domain.Ingredient
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.GetIngredientForUpdate(ctx, req.IngredientID); err != nil {
			return err
		}
		if err := tx.AppendInventoryTransaction(ctx, domain.InventoryTransaction{
			ID:           xid.New("itx"),
			IngredientID: req.IngredientID,
			Type:         req.Type,
			Quantity:     req.Quantity,
			Note:         req.Note,
			CreatedBy:    actor.Username,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		if err := tx.AddIngredientStock(ctx, req.IngredientID, req.Quantity, now); err != nil {
			return err
		}
		ing, err := tx.GetIngredientForUpdate(ctx, req.IngredientID)
		if err != nil {
			return err
		}
		updated = *ing
		return nil
	})
	if err != nil {
		return domain.Ingredient{}, err
	}

	s.invalidateReports(ctx, now)
	s.publishLowStock(ctx, []domain.Ingredient{updated})
	s.logAudit(ctx, "stock_adjust", "ingredient", req.IngredientID, fmt.Sprintf("type=%s,qty=%s", req.Type, req.Quantity))
	return updated, nil
}

// StockTake overwrites currentStock with a physical count and records the
// variance against the previous figure.
func (s *Service) StockTake(ctx context.Context, req domain.StockTakeRequest) (domain.StockTakeResponse, error) {
	actor, err := s.authorize(ctx, CapInventoryWrite)
	if err != nil {
		return domain.StockTakeResponse{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.StockTakeResponse{}, err
	}

	now := s.now()
	var resp domain.StockTakeResponse
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		ing, err := tx.GetIngredientForUpdate(ctx, req.IngredientID)
		if err != nil {
			return err
		}
		variance := req.ActualQuantity.Sub(ing.CurrentStock)
		if err := tx.AppendInventoryTransaction(ctx, domain.InventoryTransaction{
			ID:           xid.New("itx"),
			IngredientID: req.IngredientID,
			Type:         domain.InvTxStockTake,
			Quantity:     variance,
			Note:         req.Note,
			CreatedBy:    actor.Username,
			CreatedAt:    now,
		}); err != nil {
			return err
		}
		if err := tx.SetIngredientStock(ctx, req.IngredientID, req.ActualQuantity, now); err != nil {
			return err
		}

		resp.Previous = ing.CurrentStock
		resp.Variance = variance
		resp.Ingredient = *ing
		resp.Ingredient.CurrentStock = req.ActualQuantity
		resp.Ingredient.UpdatedAt = now
		return nil
	})
	if err != nil {
		return domain.StockTakeResponse{}, err
	}

	s.invalidateReports(ctx, now)
	s.publishLowStock(ctx, []domain.Ingredient{resp.Ingredient})
	s.logAudit(ctx, "stock_take", "ingredient", req.IngredientID, fmt.Sprintf("actual=%s,variance=%s", req.ActualQuantity, resp.Variance))
	return resp, nil
}

func (s *Service) ListLots(ctx context.Context, ingredientID string, onlyOpen bool) ([]domain.StockLot, error) {
	if _, err := s.authorize(ctx, CapInventoryRead); err != nil {
		return nil, err
	}
	if _, err := s.repo.GetIngredient(ctx, ingredientID); err != nil {
		return nil, err
	}
	return s.repo.ListLots(ctx, ingredientID, onlyOpen)
}

func (s *Service) ListInventoryTransactions(ctx context.Context, filter domain.InventoryTransactionFilter) ([]domain.InventoryTransaction, error) {
	if _, err := s.authorize(ctx, CapInventoryRead); err != nil {
		return nil, err
	}
	if filter.Limit < 1 || filter.Limit > 500 {
		filter.Limit = 100
	}
	return s.repo.ListInventoryTransactions(ctx, filter)
}

// ReconcileStock lists ingredients whose running total no longer matches
// the sum of their lots. It only reports; nothing is corrected.
func (s *Service) ReconcileStock(ctx context.Context) ([]domain.StockDiscrepancy, error) {
	if _, err := s.authorize(ctx, CapInventoryRead); err != nil {
		return nil, err
	}

	ingredients, err := s.repo.ListIngredients(ctx, false)
	if err != nil {
		return nil, err
	}
	sums, err := s.repo.SumOpenLots(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]domain.StockDiscrepancy, 0)
	for _, ing := range ingredients {
		lotTotal := sums[ing.ID]
		if ing.CurrentStock.Equal(lotTotal) {
			continue
		}
		out = append(out, domain.StockDiscrepancy{
			IngredientID: ing.ID,
			Name:         ing.Name,
			CurrentStock: ing.CurrentStock,
			LotTotal:     lotTotal,
			Drift:        ing.CurrentStock.Sub(lotTotal),
		})
	}
	return out, nil
}

func (s *Service) LowStock(ctx context.Context) ([]domain.Ingredient, error) {
	if _, err := s.authorize(ctx, CapInventoryRead); err != nil {
		return nil, err
	}
	ingredients, err := s.repo.ListIngredients(ctx, false)
	if err != nil {
		return nil, err
	}
	return slices.DeleteFunc(ingredients, func(ing domain.Ingredient) bool { return !ing.IsLow() }), nil
}

type lotDraw struct {
	lot domain.StockLot
	qty decimal.Decimal
}

// planFIFO walks lots oldest first and takes what each can give until need
// is met. The uncovered remainder is returned as shortfall.
func planFIFO(lots []domain.StockLot, need decimal.Decimal) ([]lotDraw, decimal.Decimal) {
	draws := make([]lotDraw, 0, 2)
	remaining := need
	for _, lot := range lots {
		if !remaining.IsPositive() {
			break
		}
		if !lot.RemainingQty.IsPositive() {
			continue
		}
		take := decimal.Min(lot.RemainingQty, remaining)
		draws = append(draws, lotDraw{lot: lot, qty: take})
		remaining = remaining.Sub(take)
	}
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return draws, remaining
}

// deductFIFO applies planFIFO against the ingredient's locked open lots and
// returns the deduction rows for the ledger. With strict set a shortfall
// aborts the transaction.
func deductFIFO(ctx context.Context, tx store.Tx, ingredientID string, need decimal.Decimal, strict bool, base domain.OrderStockDeduction) ([]domain.OrderStockDeduction, decimal.Decimal, error) {
	lots, err := tx.ListOpenLotsForUpdate(ctx, ingredientID)
	if err != nil {
		return nil, decimal.Zero, err
	}
	draws, shortfall := planFIFO(lots, need)
	if shortfall.IsPositive() && strict {
		return nil, shortfall, fmt.Errorf("%w: ingredient %s short by %s", store.ErrInsufficientStock, ingredientID, shortfall)
	}

	rows := make([]domain.OrderStockDeduction, 0, len(draws)+1)
	for _, d := range draws {
		if err := tx.SetLotRemaining(ctx, d.lot.ID, d.lot.RemainingQty.Sub(d.qty)); err != nil {
			return nil, decimal.Zero, err
		}
		row := base
		row.ID = xid.New("osd")
		row.IngredientID = ingredientID
		row.LotID = d.lot.ID
		row.Quantity = d.qty
		rows = append(rows, row)
	}
	if shortfall.IsPositive() {
		row := base
		row.ID = xid.New("osd")
		row.IngredientID = ingredientID
		row.Quantity = shortfall
		rows = append(rows, row)
	}
	return rows, shortfall, nil
}

// restoreToLatestLot puts qty back into the most recently received lot of
// the ingredient. Ingredients without any lot are left at stock level.
func restoreToLatestLot(ctx context.Context, tx store.Tx, ingredientID string, qty decimal.Decimal) (string, error) {
	lot, err := tx.LatestLotForUpdate(ctx, ingredientID)
	if errors.Is(err, store.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := tx.SetLotRemaining(ctx, lot.ID, lot.RemainingQty.Add(qty)); err != nil {
		return "", err
	}
	return lot.ID, nil
}
