package service

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"brewline/backend/internal/domain"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

func (s *Service) ListIngredients(ctx context.Context) ([]domain.Ingredient, error) {
	if _, err := s.authorize(ctx, CapCatalogRead); err != nil {
		return nil, err
	}
	return s.repo.ListIngredients(ctx, false)
}

// CreateIngredient registers an ingredient with zero stock. Stock is only
// received through AddStock so lots and the running total stay in step.
func (s *Service) CreateIngredient(ctx context.Context, req domain.IngredientCreateRequest) (domain.Ingredient, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Ingredient{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Unit = strings.TrimSpace(req.Unit)
	if err := validateRequest(req); err != nil {
		return domain.Ingredient{}, err
	}

	now := s.now()
	ing := domain.Ingredient{
		ID:          xid.New("ing"),
		Name:        req.Name,
		Unit:        req.Unit,
		CostPerUnit: req.CostPerUnit,
		MinStock:    req.MinStock,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateIngredient(ctx, ing); err != nil {
		return domain.Ingredient{}, err
	}

	s.invalidateReports(ctx, now)
	s.logAudit(ctx, "ingredient_create", "ingredient", ing.ID, fmt.Sprintf("name=%s,unit=%s", ing.Name, ing.Unit))
	return ing, nil
}

func (s *Service) UpdateIngredient(ctx context.Context, id string, req domain.IngredientUpdateRequest) (domain.Ingredient, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Ingredient{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.Ingredient{}, err
	}

	existing, err := s.repo.GetIngredient(ctx, id)
	if err != nil {
		return domain.Ingredient{}, err
	}
	if existing.DeletedAt != nil {
		return domain.Ingredient{}, fmt.Errorf("%w: ingredient %s is deleted", store.ErrInvalidState, id)
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.Unit != nil {
		updated.Unit = strings.TrimSpace(*req.Unit)
	}
	if req.CostPerUnit != nil {
		updated.CostPerUnit = *req.CostPerUnit
	}
	if req.MinStock != nil {
		updated.MinStock = *req.MinStock
	}
	if updated.Name == "" || updated.Unit == "" {
		return domain.Ingredient{}, invalid("name and unit are required")
	}
	updated.UpdatedAt = s.now()

	if err := s.repo.UpdateIngredient(ctx, updated); err != nil {
		return domain.Ingredient{}, err
	}
	s.invalidateReports(ctx, updated.UpdatedAt)
	s.logAudit(ctx, "ingredient_update", "ingredient", id, fmt.Sprintf("name=%s,cost=%s,min=%s", updated.Name, updated.CostPerUnit, updated.MinStock))
	return updated, nil
}

func (s *Service) DeleteIngredient(ctx context.Context, id string) error {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return err
	}
	existing, err := s.repo.GetIngredient(ctx, id)
	if err != nil {
		return err
	}
	if existing.DeletedAt != nil {
		return nil
	}

	now := s.now()
	existing.DeletedAt = &now
	existing.UpdatedAt = now
	if err := s.repo.UpdateIngredient(ctx, *existing); err != nil {
		return err
	}
	s.invalidateReports(ctx, now)
	s.logAudit(ctx, "ingredient_delete", "ingredient", id, existing.Name)
	return nil
}

func (s *Service) ListProducts(ctx context.Context, includeInactive bool) ([]domain.Product, error) {
	actor, err := s.authorize(ctx, CapCatalogRead)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin {
		includeInactive = false
	}
	return s.repo.ListProducts(ctx, includeInactive)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Product{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validateRequest(req); err != nil {
		return domain.Product{}, err
	}
	recipe, err := s.checkRecipe(ctx, req.Recipe)
	if err != nil {
		return domain.Product{}, err
	}

	now := s.now()
	product := domain.Product{
		ID:        xid.New("prd"),
		Name:      req.Name,
		NameTh:    strings.TrimSpace(req.NameTh),
		Price:     req.Price,
		Category:  strings.TrimSpace(req.Category),
		Active:    true,
		ImageURL:  req.ImageURL,
		Recipe:    recipe,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.SaveProduct(ctx, product); err != nil {
		return domain.Product{}, err
	}

	s.logAudit(ctx, "product_create", "product", product.ID, fmt.Sprintf("name=%s,price=%s,recipe=%d", product.Name, product.Price, len(recipe)))
	return product, nil
}

// UpdateProduct never touches past orders: their prices and costs are
// snapshots.
func (s *Service) UpdateProduct(ctx context.Context, id string, req domain.ProductUpdateRequest) (domain.Product, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Product{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.Product{}, err
	}

	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	if existing.DeletedAt != nil {
		return domain.Product{}, fmt.Errorf("%w: product %s is deleted", store.ErrInvalidState, id)
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.NameTh != nil {
		updated.NameTh = strings.TrimSpace(*req.NameTh)
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	if req.Category != nil {
		updated.Category = strings.TrimSpace(*req.Category)
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.ImageURL != nil {
		updated.ImageURL = strings.TrimSpace(*req.ImageURL)
	}
	if req.Recipe != nil {
		recipe, err := s.checkRecipe(ctx, *req.Recipe)
		if err != nil {
			return domain.Product{}, err
		}
		updated.Recipe = recipe
	}
	if updated.Name == "" {
		return domain.Product{}, invalid("name is required")
	}
	updated.UpdatedAt = s.now()

	if err := s.repo.SaveProduct(ctx, updated); err != nil {
		return domain.Product{}, err
	}
	detail := fmt.Sprintf("name=%s,price=%s", updated.Name, updated.Price)
	if !existing.Price.Equal(updated.Price) {
		detail = fmt.Sprintf("%s,old_price=%s", detail, existing.Price)
	}
	s.logAudit(ctx, "product_update", "product", id, detail)
	return updated, nil
}

func (s *Service) DeleteProduct(ctx context.Context, id string) error {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return err
	}
	existing, err := s.repo.GetProduct(ctx, id)
	if err != nil {
		return err
	}
	if existing.DeletedAt != nil {
		return nil
	}

	now := s.now()
	existing.DeletedAt = &now
	existing.Active = false
	existing.UpdatedAt = now
	if err := s.repo.SaveProduct(ctx, *existing); err != nil {
		return err
	}
	s.logAudit(ctx, "product_delete", "product", id, existing.Name)
	return nil
}

func (s *Service) ListToppings(ctx context.Context, includeInactive bool) ([]domain.Topping, error) {
	actor, err := s.authorize(ctx, CapCatalogRead)
	if err != nil {
		return nil, err
	}
	if actor.Role != domain.RoleAdmin {
		includeInactive = false
	}
	return s.repo.ListToppings(ctx, includeInactive)
}

func (s *Service) CreateTopping(ctx context.Context, req domain.ToppingCreateRequest) (domain.Topping, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Topping{}, err
	}
	req.Name = strings.TrimSpace(req.Name)
	if err := validateRequest(req); err != nil {
		return domain.Topping{}, err
	}
	recipe, err := s.checkRecipe(ctx, req.Recipe)
	if err != nil {
		return domain.Topping{}, err
	}

	now := s.now()
	topping := domain.Topping{
		ID:        xid.New("top"),
		Name:      req.Name,
		NameTh:    strings.TrimSpace(req.NameTh),
		Price:     req.Price,
		Active:    true,
		Recipe:    recipe,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.SaveTopping(ctx, topping); err != nil {
		return domain.Topping{}, err
	}
	s.logAudit(ctx, "topping_create", "topping", topping.ID, fmt.Sprintf("name=%s,price=%s", topping.Name, topping.Price))
	return topping, nil
}

func (s *Service) UpdateTopping(ctx context.Context, id string, req domain.ToppingUpdateRequest) (domain.Topping, error) {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return domain.Topping{}, err
	}
	if err := validateRequest(req); err != nil {
		return domain.Topping{}, err
	}

	existing, err := s.repo.GetTopping(ctx, id)
	if err != nil {
		return domain.Topping{}, err
	}
	if existing.DeletedAt != nil {
		return domain.Topping{}, fmt.Errorf("%w: topping %s is deleted", store.ErrInvalidState, id)
	}

	updated := *existing
	if req.Name != nil {
		updated.Name = strings.TrimSpace(*req.Name)
	}
	if req.NameTh != nil {
		updated.NameTh = strings.TrimSpace(*req.NameTh)
	}
	if req.Price != nil {
		updated.Price = *req.Price
	}
	if req.Active != nil {
		updated.Active = *req.Active
	}
	if req.Recipe != nil {
		recipe, err := s.checkRecipe(ctx, *req.Recipe)
		if err != nil {
			return domain.Topping{}, err
		}
		updated.Recipe = recipe
	}
	if updated.Name == "" {
		return domain.Topping{}, invalid("name is required")
	}
	updated.UpdatedAt = s.now()

	if err := s.repo.SaveTopping(ctx, updated); err != nil {
		return domain.Topping{}, err
	}
	s.logAudit(ctx, "topping_update", "topping", id, fmt.Sprintf("name=%s,price=%s", updated.Name, updated.Price))
	return updated, nil
}

func (s *Service) DeleteTopping(ctx context.Context, id string) error {
	if _, err := s.authorize(ctx, CapCatalogWrite); err != nil {
		return err
	}
	existing, err := s.repo.GetTopping(ctx, id)
	if err != nil {
		return err
	}
	if existing.DeletedAt != nil {
		return nil
	}

	now := s.now()
	existing.DeletedAt = &now
	existing.Active = false
	existing.UpdatedAt = now
	if err := s.repo.SaveTopping(ctx, *existing); err != nil {
		return err
	}
	s.logAudit(ctx, "topping_delete", "topping", id, existing.Name)
	return nil
}

// checkRecipe merges duplicate ingredient lines and rejects references to
// missing or deleted ingredients.
func (s *Service) checkRecipe(ctx context.Context, items []domain.RecipeItem) ([]domain.RecipeItem, error) {
	merged := make([]domain.RecipeItem, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		id := strings.TrimSpace(item.IngredientID)
		if id == "" || !item.AmountUsed.IsPositive() {
			return nil, invalid("recipe items need an ingredient and a positive amount")
		}
		if i, seen := index[id]; seen {
			merged[i].AmountUsed = merged[i].AmountUsed.Add(item.AmountUsed)
			continue
		}
		ing, err := s.repo.GetIngredient(ctx, id)
		if err != nil || ing.DeletedAt != nil {
			return nil, invalid("recipe references unknown ingredient %s", id)
		}
		index[id] = len(merged)
		merged = append(merged, domain.RecipeItem{IngredientID: id, AmountUsed: item.AmountUsed})
	}
	slices.SortFunc(merged, func(a, b domain.RecipeItem) int {
		return strings.Compare(a.IngredientID, b.IngredientID)
	})
	return merged, nil
}
