package service

import (
	"context"
	"fmt"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
)

type Capability string

const (
	CapCatalogRead    Capability = "catalog.read"
	CapCatalogWrite   Capability = "catalog.write"
	CapInventoryRead  Capability = "inventory.read"
	CapInventoryWrite Capability = "inventory.write"
	CapOrderCreate    Capability = "order.create"
	CapOrderCancel    Capability = "order.cancel"
	CapOrderRead      Capability = "order.read"
	CapShiftUse       Capability = "shift.use"
	CapShiftList      Capability = "shift.list"
	CapReportRead     Capability = "report.read"
	CapExpenseWrite   Capability = "expense.write"
	CapAuditRead      Capability = "audit.read"
	CapUserManage     Capability = "user.manage"
	CapAuthenticated  Capability = "authenticated"
)

var anyRole = []string{domain.RoleAdmin, domain.RoleCashier}

var policy = map[Capability][]string{
	CapAuthenticated:  anyRole,
	CapCatalogRead:    anyRole,
	CapCatalogWrite:   {domain.RoleAdmin},
	CapInventoryRead:  {domain.RoleAdmin},
	CapInventoryWrite: {domain.RoleAdmin},
	CapOrderCreate:    anyRole,
	CapOrderCancel:    anyRole,
	CapOrderRead:      anyRole,
	CapShiftUse:       anyRole,
	CapShiftList:      {domain.RoleAdmin},
	CapReportRead:     {domain.RoleAdmin},
	CapExpenseWrite:   {domain.RoleAdmin},
	CapAuditRead:      {domain.RoleAdmin},
	CapUserManage:     {domain.RoleAdmin},
}

// Allowed reports whether role holds capability. Unknown capabilities are
// denied.
func Allowed(role string, capability Capability) bool {
	for _, allowed := range policy[capability] {
		if role == allowed {
			return true
		}
	}
	return false
}

func (s *Service) authorize(ctx context.Context, capability Capability) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, store.ErrUnauthorized
	}
	if !Allowed(actor.Role, capability) {
		return domain.Actor{}, fmt.Errorf("%w: %s requires %v", store.ErrForbidden, capability, policy[capability])
	}
	return actor, nil
}
