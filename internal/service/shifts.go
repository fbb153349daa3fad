package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/events"
	"brewline/backend/internal/lock"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

// OpenShift starts a cash drawer session for the calling user. A user can
// hold at most one open shift.
func (s *Service) OpenShift(ctx context.Context, req domain.ShiftOpenRequest) (domain.Shift, error) {
	actor, err := s.authorize(ctx, CapShiftUse)
	if err != nil {
		return domain.Shift{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.Shift{}, err
	}
	if err := checkMoney(map[string]decimal.Decimal{"opening_cash": req.OpeningCash}); err != nil {
		return domain.Shift{}, err
	}

	release, err := s.locker.Obtain(ctx, "shift:open:"+actor.Username, s.opts.LockTTL)
	if errors.Is(err, lock.ErrNotObtained) {
		return domain.Shift{}, fmt.Errorf("%w: a shift is already being opened for %s", store.ErrConflict, actor.Username)
	}
	if err != nil {
		return domain.Shift{}, err
	}
	defer release()

	now := s.now()
	shift := domain.Shift{
		ID:          xid.New("shift"),
		UserID:      actor.Username,
		OpeningCash: req.OpeningCash,
		Status:      domain.ShiftStatusOpen,
		StartedAt:   now,
		Note:        strings.TrimSpace(req.Note),
	}
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetOpenShiftByUser(ctx, actor.Username)
		if err == nil {
			return fmt.Errorf("%w: shift %s is still open", store.ErrConflict, existing.ID)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return tx.InsertShift(ctx, shift)
	})
	if err != nil {
		return domain.Shift{}, err
	}

	s.invalidateReports(ctx, now)
	s.logAudit(ctx, "shift_open", "shift", shift.ID, fmt.Sprintf("opening_cash=%s", shift.OpeningCash))
	return shift, nil
}

// CloseShift reconciles the drawer. Expected cash is the opening float plus
// the net amount of the owner's completed cash orders since the shift began.
func (s *Service) CloseShift(ctx context.Context, req domain.ShiftCloseRequest) (domain.Shift, error) {
	actor, err := s.authorize(ctx, CapShiftUse)
	if err != nil {
		return domain.Shift{}, err
	}
	req.ShiftID = strings.TrimSpace(req.ShiftID)
	if err := validateRequest(req); err != nil {
		return domain.Shift{}, err
	}
	if err := checkMoney(map[string]decimal.Decimal{"closing_cash": req.ClosingCash}); err != nil {
		return domain.Shift{}, err
	}

	now := s.now()
	var closed domain.Shift
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		shift, err := tx.GetShiftForUpdate(ctx, req.ShiftID)
		if err != nil {
			return err
		}
		if shift.UserID != actor.Username && actor.Role != domain.RoleAdmin {
			return fmt.Errorf("%w: shift %s belongs to another user", store.ErrForbidden, shift.ID)
		}
		if shift.Status != domain.ShiftStatusOpen {
			return fmt.Errorf("%w: shift %s is already closed", store.ErrInvalidState, shift.ID)
		}

		orders, err := tx.ListCompletedOrdersByUser(ctx, shift.UserID, shift.StartedAt, now)
		if err != nil {
			return err
		}
		expected := shift.OpeningCash.Add(cashTakings(orders))
		closing := req.ClosingCash
		variance := closing.Sub(expected)

		shift.Status = domain.ShiftStatusClosed
		shift.EndedAt = &now
		shift.ClosingCash = &closing
		shift.ExpectedCash = &expected
		shift.CashVariance = &variance
		if note := strings.TrimSpace(req.Note); note != "" {
			shift.Note = note
		}
		if err := tx.UpdateShift(ctx, *shift); err != nil {
			return err
		}
		closed = *shift
		return nil
	})
	if err != nil {
		return domain.Shift{}, err
	}

	s.invalidateReports(ctx, now)
	s.publish(ctx, events.TypeShiftClosed, closed.ID, events.ShiftClosedPayload{
		ShiftID:      closed.ID,
		UserID:       closed.UserID,
		ExpectedCash: closed.ExpectedCash.String(),
		ClosingCash:  closed.ClosingCash.String(),
		CashVariance: closed.CashVariance.String(),
	})
	s.logAudit(ctx, "shift_close", "shift", closed.ID, fmt.Sprintf("expected=%s,closing=%s,variance=%s", closed.ExpectedCash, closed.ClosingCash, closed.CashVariance))
	return closed, nil
}

func (s *Service) GetCurrentShift(ctx context.Context) (domain.Shift, error) {
	actor, err := s.authorize(ctx, CapShiftUse)
	if err != nil {
		return domain.Shift{}, err
	}
	shift, err := s.repo.GetOpenShiftByUser(ctx, actor.Username)
	if err != nil {
		return domain.Shift{}, err
	}
	return *shift, nil
}

// GetShiftSummary totals the shift's completed orders by payment method.
// An open shift is summarised up to now.
func (s *Service) GetShiftSummary(ctx context.Context, shiftID string) (domain.ShiftSummary, error) {
	actor, err := s.authorize(ctx, CapShiftUse)
	if err != nil {
		return domain.ShiftSummary{}, err
	}
	shift, err := s.repo.GetShift(ctx, strings.TrimSpace(shiftID))
	if err != nil {
		return domain.ShiftSummary{}, err
	}
	if shift.UserID != actor.Username && actor.Role != domain.RoleAdmin {
		return domain.ShiftSummary{}, fmt.Errorf("%w: shift %s belongs to another user", store.ErrForbidden, shift.ID)
	}

	end := s.now()
	if shift.EndedAt != nil {
		end = *shift.EndedAt
	}
	orders, err := s.repo.ListCompletedOrdersByUser(ctx, shift.UserID, shift.StartedAt, end)
	if err != nil {
		return domain.ShiftSummary{}, err
	}

	summary := domain.ShiftSummary{
		Shift:      *shift,
		CashTotal:  decimal.Zero,
		QRTotal:    decimal.Zero,
		OtherTotal: decimal.Zero,
		OrderCount: len(orders),
	}
	for _, o := range orders {
		switch o.PaymentMethod {
		case domain.PaymentCash:
			summary.CashTotal = summary.CashTotal.Add(o.NetAmount)
		case domain.PaymentQR:
			summary.QRTotal = summary.QRTotal.Add(o.NetAmount)
		default:
			summary.OtherTotal = summary.OtherTotal.Add(o.NetAmount)
		}
	}
	summary.ExpectedCash = shift.OpeningCash.Add(summary.CashTotal)
	if shift.ExpectedCash != nil {
		summary.ExpectedCash = *shift.ExpectedCash
	}
	return summary, nil
}

func (s *Service) ListShifts(ctx context.Context, status string, limit int) ([]domain.Shift, error) {
	if _, err := s.authorize(ctx, CapShiftList); err != nil {
		return nil, err
	}
	status = strings.ToLower(strings.TrimSpace(status))
	if status != "" && status != domain.ShiftStatusOpen && status != domain.ShiftStatusClosed {
		return nil, invalid("status must be open or closed")
	}
	if limit < 1 || limit > 500 {
		limit = 50
	}
	return s.repo.ListShifts(ctx, status, limit)
}

func cashTakings(orders []domain.Order) decimal.Decimal {
	total := decimal.Zero
	for _, o := range orders {
		if o.PaymentMethod == domain.PaymentCash {
			total = total.Add(o.NetAmount)
		}
	}
	return total
}
