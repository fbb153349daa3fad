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
	"brewline/backend/internal/xid"
)

const maxReportRange = 366 * 24 * time.Hour

func dashboardKey(at time.Time) string {
	return "dashboard:" + dayStart(at).Format("2006-01-02")
}

// DailySales aggregates completed orders and expenses per UTC day in
// [from, to). Cost comes from the item snapshots, never from current
// ingredient prices.
func (s *Service) DailySales(ctx context.Context, from time.Time, to time.Time) ([]domain.DailySales, error) {
	if _, err := s.authorize(ctx, CapReportRead); err != nil {
		return nil, err
	}
	if err := checkRange(from, to); err != nil {
		return nil, err
	}

	orders, err := s.repo.ListOrders(ctx, domain.OrderFilter{From: &from, To: &to})
	if err != nil {
		return nil, err
	}
	expenses, err := s.repo.ListExpenses(ctx, from, to)
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*domain.DailySales)
	row := func(t time.Time) *domain.DailySales {
		key := dayStart(t).Format("2006-01-02")
		r, ok := byDay[key]
		if !ok {
			r = &domain.DailySales{Date: key}
			byDay[key] = r
		}
		return r
	}

	for _, o := range orders {
		if o.Status != domain.OrderStatusCompleted {
			continue
		}
		r := row(o.CreatedAt)
		r.Orders++
		r.Revenue = r.Revenue.Add(o.NetAmount)
		r.Cost = r.Cost.Add(orderCost(o))
	}
	for _, e := range expenses {
		r := row(e.SpentAt)
		r.Expenses = r.Expenses.Add(e.Amount)
	}

	out := make([]domain.DailySales, 0, len(byDay))
	for _, key := range sortedKeys(byDay) {
		r := byDay[key]
		r.Profit = r.Revenue.Sub(r.Cost)
		r.Net = r.Profit.Sub(r.Expenses)
		out = append(out, *r)
	}
	return out, nil
}

// ProductSales ranks products by revenue over [from, to). Revenue is the
// charged line price plus toppings, before order-level discount.
func (s *Service) ProductSales(ctx context.Context, from time.Time, to time.Time) ([]domain.ProductSales, error) {
	if _, err := s.authorize(ctx, CapReportRead); err != nil {
		return nil, err
	}
	if err := checkRange(from, to); err != nil {
		return nil, err
	}

	orders, err := s.repo.ListOrders(ctx, domain.OrderFilter{From: &from, To: &to})
	if err != nil {
		return nil, err
	}

	byProduct := make(map[string]*domain.ProductSales)
	for _, o := range orders {
		if o.Status != domain.OrderStatusCompleted {
			continue
		}
		for _, item := range o.Items {
			r, ok := byProduct[item.ProductID]
			if !ok {
				r = &domain.ProductSales{ProductID: item.ProductID, ProductName: item.ProductName}
				byProduct[item.ProductID] = r
			}
			if r.ProductName == "" {
				r.ProductName = item.ProductName
			}
			r.Quantity += item.Quantity
			r.Revenue = r.Revenue.Add(item.LineRevenue())
			r.Cost = r.Cost.Add(item.Cost)
		}
	}

	out := make([]domain.ProductSales, 0, len(byProduct))
	for _, r := range byProduct {
		r.Profit = r.Revenue.Sub(r.Cost)
		out = append(out, *r)
	}
	slices.SortFunc(out, func(a, b domain.ProductSales) int {
		if c := b.Revenue.Cmp(a.Revenue); c != 0 {
			return c
		}
		return strings.Compare(a.ProductName, b.ProductName)
	})
	return out, nil
}

// Dashboard summarises today (UTC). The result is cached until the next
// stock, order, shift or expense change or the cache TTL, whichever is first.
func (s *Service) Dashboard(ctx context.Context) (domain.Dashboard, error) {
	if _, err := s.authorize(ctx, CapReportRead); err != nil {
		return domain.Dashboard{}, err
	}

	now := s.now()
	key := dashboardKey(now)
	var cached domain.Dashboard
	hit, err := s.cache.Get(ctx, key, &cached)
	if err != nil {
		s.logger.Warn("report cache read failed", zap.String("key", key), zap.Error(err))
	}
	if hit {
		return cached, nil
	}

	from := dayStart(now)
	to := from.Add(24 * time.Hour)
	orders, err := s.repo.ListOrders(ctx, domain.OrderFilter{From: &from, To: &to})
	if err != nil {
		return domain.Dashboard{}, err
	}
	expenses, err := s.repo.ListExpenses(ctx, from, to)
	if err != nil {
		return domain.Dashboard{}, err
	}
	ingredients, err := s.repo.ListIngredients(ctx, false)
	if err != nil {
		return domain.Dashboard{}, err
	}
	openShifts, err := s.repo.ListShifts(ctx, domain.ShiftStatusOpen, 0)
	if err != nil {
		return domain.Dashboard{}, err
	}

	dash := domain.Dashboard{
		Date:        from.Format("2006-01-02"),
		OpenShifts:  len(openShifts),
		GeneratedAt: now,
	}
	for _, o := range orders {
		if o.Status == domain.OrderStatusCancelled {
			dash.CancelledOrders++
			continue
		}
		if o.Status != domain.OrderStatusCompleted {
			continue
		}
		dash.Orders++
		dash.Revenue = dash.Revenue.Add(o.NetAmount)
		dash.Cost = dash.Cost.Add(orderCost(o))
	}
	dash.Profit = dash.Revenue.Sub(dash.Cost)
	for _, e := range expenses {
		dash.Expenses = dash.Expenses.Add(e.Amount)
	}
	for _, ing := range ingredients {
		if ing.IsLow() {
			dash.LowStockCount++
		}
	}

	if err := s.cache.Set(ctx, key, dash, s.opts.ReportCacheTTL); err != nil {
		s.logger.Warn("report cache write failed", zap.String("key", key), zap.Error(err))
	}
	return dash, nil
}

func (s *Service) CreateExpense(ctx context.Context, req domain.ExpenseCreateRequest) (domain.Expense, error) {
	actor, err := s.authorize(ctx, CapExpenseWrite)
	if err != nil {
		return domain.Expense{}, err
	}
	req.Category = strings.TrimSpace(req.Category)
	if err := validateRequest(req); err != nil {
		return domain.Expense{}, err
	}
	if err := checkMoney(map[string]decimal.Decimal{"amount": req.Amount}); err != nil {
		return domain.Expense{}, err
	}

	now := s.now()
	spentAt := now
	if req.SpentAt != nil {
		spentAt = req.SpentAt.UTC()
	}
	expense := domain.Expense{
		ID:        xid.New("exp"),
		Category:  req.Category,
		Amount:    req.Amount,
		Note:      strings.TrimSpace(req.Note),
		SpentAt:   spentAt,
		CreatedBy: actor.Username,
		CreatedAt: now,
	}
	if err := s.repo.CreateExpense(ctx, expense); err != nil {
		return domain.Expense{}, err
	}

	s.invalidateReports(ctx, spentAt)
	s.logAudit(ctx, "expense_create", "expense", expense.ID, fmt.Sprintf("category=%s,amount=%s", expense.Category, expense.Amount))
	return expense, nil
}

func (s *Service) ListExpenses(ctx context.Context, from time.Time, to time.Time) ([]domain.Expense, error) {
	if _, err := s.authorize(ctx, CapReportRead); err != nil {
		return nil, err
	}
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	return s.repo.ListExpenses(ctx, from, to)
}

func (s *Service) ListAuditLogs(ctx context.Context, from time.Time, to time.Time, limit int) ([]domain.AuditLog, error) {
	if _, err := s.authorize(ctx, CapAuditRead); err != nil {
		return nil, err
	}
	if err := checkRange(from, to); err != nil {
		return nil, err
	}
	if limit < 1 || limit > 1000 {
		limit = 200
	}
	return s.repo.ListAuditLogs(ctx, from, to, limit)
}

func orderCost(o domain.Order) decimal.Decimal {
	total := decimal.Zero
	for _, item := range o.Items {
		total = total.Add(item.Cost)
	}
	return total
}

func checkRange(from time.Time, to time.Time) error {
	if !to.After(from) {
		return invalid("to must be after from")
	}
	if to.Sub(from) > maxReportRange {
		return invalid("range must not exceed 366 days")
	}
	return nil
}
