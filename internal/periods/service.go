package periods

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mealsphere/mealsphere/internal/membership"
	"github.com/mealsphere/mealsphere/internal/shared"
)

// RoleResolver resolves the role an actor holds in a room. ok is false for non-members.
type RoleResolver interface {
	ResolveRole(ctx context.Context, roomID, userID string) (role membership.Role, ok bool, err error)
}

// Notifier fans a period event out to the room's members. Delivery is best effort.
type Notifier interface {
	NotifyRoomMembers(ctx context.Context, event Event) error
}

// SummaryCache is the cache-aside store used for period summaries.
type SummaryCache interface {
	BuildKey(ctx context.Context, scope string, parts ...string) (string, error)
	FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error
	Bump(ctx context.Context, scope string) error
}

// AuditRecorder persists the audit trail of period operations. *shared.AuditLogger satisfies it.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// TransitionRecorder counts state machine operations by outcome.
type TransitionRecorder interface {
	RecordPeriodTransition(action, outcome string)
}

// ServiceConfig carries the optional collaborators of Service.
type ServiceConfig struct {
	Notifier Notifier
	Cache    SummaryCache
	Metrics  TransitionRecorder
	Audit    AuditRecorder
	Logger   *slog.Logger
}

// Service runs the period state machine and the summary calculator.
type Service struct {
	repo     Repository
	roles    RoleResolver
	notifier Notifier
	cache    SummaryCache
	metrics  TransitionRecorder
	audit    AuditRecorder
	logger   *slog.Logger
	validate *validator.Validate
	flight   singleflight.Group
	now      func() time.Time
	newID    func() string
}

// NewService constructs a Service instance.
func NewService(repo Repository, roles RoleResolver, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		roles:    roles,
		notifier: cfg.Notifier,
		cache:    cfg.Cache,
		metrics:  cfg.Metrics,
		audit:    cfg.Audit,
		logger:   logger,
		validate: validator.New(),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithIDGenerator overrides period id generation.
func (s *Service) WithIDGenerator(fn func() string) {
	if fn != nil {
		s.newID = fn
	}
}

// GetCurrentPeriod returns the room's active period, or nil when there is none.
func (s *Service) GetCurrentPeriod(ctx context.Context, roomID string) (*Period, error) {
	p, err := s.repo.GetActivePeriod(ctx, roomID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

// GetPeriods lists periods newest first. Archived periods are skipped unless requested.
func (s *Service) GetPeriods(ctx context.Context, roomID string, includeArchived bool) ([]Period, error) {
	return s.repo.ListPeriods(ctx, roomID, includeArchived)
}

// GetPeriod loads one period. A non-empty roomID must match the period's room.
func (s *Service) GetPeriod(ctx context.Context, periodID, roomID string) (Period, error) {
	p, err := s.repo.GetPeriod(ctx, periodID)
	if err != nil {
		return Period{}, err
	}
	if roomID != "" && p.RoomID != roomID {
		return Period{}, fmt.Errorf("%w: period %s", ErrNotFound, periodID)
	}
	return p, nil
}

// EnsureWritable fails with ErrPeriodLocked when child records of the period may not change.
func (s *Service) EnsureWritable(ctx context.Context, periodID string) error {
	p, err := s.repo.GetPeriod(ctx, periodID)
	if err != nil {
		return err
	}
	if !p.Writable() {
		return fmt.Errorf("%w: %q is %s", ErrPeriodLocked, p.Name, p.Status)
	}
	return nil
}

// AuthorizeMember checks that the actor is a current member of the room, whatever the role.
func (s *Service) AuthorizeMember(ctx context.Context, roomID, actorID string) error {
	if actorID == "" {
		return ErrPermissionDenied
	}
	_, ok, err := s.roles.ResolveRole(ctx, roomID, actorID)
	if err != nil {
		return fmt.Errorf("periods: resolve role: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: not a member of this room", ErrPermissionDenied)
	}
	return nil
}

func (s *Service) authorizeManager(ctx context.Context, roomID, actorID string) error {
	if actorID == "" {
		return ErrPermissionDenied
	}
	role, ok, err := s.roles.ResolveRole(ctx, roomID, actorID)
	if err != nil {
		return fmt.Errorf("periods: resolve role: %w", err)
	}
	if !ok || !membership.PeriodManagers.Allows(role) {
		return fmt.Errorf("%w: only admins and moderators can manage periods", ErrPermissionDenied)
	}
	return nil
}

func (s *Service) validateStruct(v any) error {
	if err := s.validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed %q", ErrValidation, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// loadInRoom row-locks a period and enforces that it belongs to roomID.
func loadInRoom(ctx context.Context, tx TxRepository, roomID, periodID string) (Period, error) {
	p, err := tx.GetPeriodForUpdate(ctx, periodID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Period{}, fmt.Errorf("%w: period %s", ErrNotFound, periodID)
		}
		return Period{}, err
	}
	if p.RoomID != roomID {
		return Period{}, fmt.Errorf("%w: period %s", ErrNotFound, periodID)
	}
	return p, nil
}

func (s *Service) record(action string, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordPeriodTransition(action, outcomeOf(err))
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPermissionDenied):
		return "denied"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrValidation):
		return "invalid"
	default:
		return "error"
	}
}

const publishTimeout = 5 * time.Second

// afterCommit invalidates cached summaries, writes the audit entry and publishes the event.
// None of these steps can fail the transition that already committed.
func (s *Service) afterCommit(ctx context.Context, entry shared.AuditLog, event *Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	roomID := entry.RoomID
	if s.cache != nil {
		if err := s.cache.Bump(ctx, summaryScope(roomID)); err != nil {
			s.logger.Warn("bump summary cache", slog.String("room_id", roomID), slog.Any("error", err))
		}
	}
	if s.audit != nil {
		if err := s.audit.Record(ctx, entry); err != nil {
			s.logger.Warn("record audit log",
				slog.String("room_id", roomID),
				slog.String("action", entry.Action),
				slog.Any("error", err))
		}
	}
	if event == nil || s.notifier == nil {
		return
	}
	if err := s.notifier.NotifyRoomMembers(ctx, *event); err != nil {
		s.logger.Warn("notify room members",
			slog.String("room_id", roomID),
			slog.String("event", string(event.Type)),
			slog.Any("error", err))
	}
}

func (s *Service) auditEntry(action, actorID string, p Period, meta map[string]any) shared.AuditLog {
	if meta == nil {
		meta = make(map[string]any, 2)
	}
	meta["name"] = p.Name
	meta["status"] = string(p.Status)
	return shared.AuditLog{
		RoomID:   p.RoomID,
		ActorID:  actorID,
		Action:   "period." + action,
		Entity:   "meal_period",
		EntityID: p.ID,
		Meta:     meta,
		At:       s.now(),
	}
}
