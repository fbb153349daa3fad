package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"brewline/backend/internal/cache"
	"brewline/backend/internal/domain"
	"brewline/backend/internal/events"
	"brewline/backend/internal/lock"
	"brewline/backend/internal/store"
	"brewline/backend/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// StrictStock rejects a sale when the ingredient's lots cannot cover
	// it. When false the uncovered part is recorded without a lot.
	StrictStock    bool
	OrderPageSize  int
	ReportCacheTTL time.Duration
	LockTTL        time.Duration
}

type Service struct {
	repo      store.Repository
	cache     cache.ReportCache
	locker    lock.Locker
	publisher events.Publisher
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

func New(repo store.Repository, reportCache cache.ReportCache, locker lock.Locker, publisher events.Publisher, logger *zap.Logger, opts Options) *Service {
	if reportCache == nil {
		reportCache = cache.NoopReportCache{}
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.OrderPageSize < 1 {
		opts.OrderPageSize = 100
	}
	if opts.ReportCacheTTL <= 0 {
		opts.ReportCacheTTL = 30 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 10 * time.Second
	}

	return &Service{
		repo:      repo,
		cache:     reportCache,
		locker:    locker,
		publisher: publisher,
		logger:    logger.Named("service"),
		opts:      opts,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) logAudit(ctx context.Context, action string, entityType string, entityID string, detail string) {
	actor, ok := ActorFromContext(ctx)
	if !ok {
		actor = domain.Actor{Username: "system", Role: "system"}
	}

	if err := s.repo.CreateAuditLog(ctx, domain.AuditLog{
		ID:            xid.New("audit"),
		ActorUsername: actor.Username,
		ActorRole:     actor.Role,
		Action:        action,
		EntityType:    entityType,
		EntityID:      entityID,
		Detail:        detail,
		CreatedAt:     s.now(),
	}); err != nil {
		s.logger.Warn("failed to write audit log",
			zap.String("action", action),
			zap.String("entity_type", entityType),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// publish sends an event after commit. Delivery failures never fail the
// operation that produced the event.
func (s *Service) publish(ctx context.Context, eventType string, aggregateID string, payload any) {
	evt, err := events.New(eventType, aggregateID, payload, s.now())
	if err == nil {
		err = s.publisher.Publish(ctx, evt)
	}
	if err != nil {
		s.logger.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.String("aggregate_id", aggregateID),
			zap.Error(err))
	}
}

func (s *Service) publishLowStock(ctx context.Context, ingredients []domain.Ingredient) {
	for _, ing := range ingredients {
		if !ing.IsLow() {
			continue
		}
		s.publish(ctx, events.TypeStockLow, ing.ID, events.StockLowPayload{
			IngredientID: ing.ID,
			Name:         ing.Name,
			CurrentStock: ing.CurrentStock.String(),
			MinStock:     ing.MinStock.String(),
		})
	}
}

func (s *Service) invalidateReports(ctx context.Context, at time.Time) {
	if err := s.cache.Delete(ctx, dashboardKey(at)); err != nil {
		s.logger.Warn("failed to invalidate report cache", zap.Error(err))
	}
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
