package periodshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/mealsphere/mealsphere/internal/periods"
	"github.com/mealsphere/mealsphere/internal/platform/httpx"
	"github.com/mealsphere/mealsphere/internal/shared"
)

type periodService interface {
	GetPeriods(ctx context.Context, roomID string, includeArchived bool) ([]periods.Period, error)
	GetCurrentPeriod(ctx context.Context, roomID string) (*periods.Period, error)
	GetPeriod(ctx context.Context, periodID, roomID string) (periods.Period, error)
	CalculatePeriodSummary(ctx context.Context, periodID, roomID string) (periods.Summary, error)
	AuthorizeMember(ctx context.Context, roomID, actorID string) error
	StartPeriod(ctx context.Context, roomID, actorID string, in periods.StartPeriodInput) (periods.Period, error)
	EndPeriod(ctx context.Context, roomID, actorID string, endDate *time.Time) (periods.Period, error)
	LockPeriod(ctx context.Context, roomID, actorID, periodID string) (periods.Period, error)
	UnlockPeriod(ctx context.Context, roomID, actorID, periodID string, target periods.Status) (periods.Period, error)
	ArchivePeriod(ctx context.Context, roomID, actorID, periodID string) (periods.Period, error)
	UpdatePeriod(ctx context.Context, roomID, actorID, periodID string, in periods.UpdatePeriodInput) (periods.Period, error)
	RestartPeriod(ctx context.Context, roomID, actorID, periodID string, in periods.RestartInput) (periods.Period, error)
}

type idempotencyStore interface {
	Claim(ctx context.Context, scope, key string) error
	Release(ctx context.Context, scope, key string) error
}

// Handler exposes the period lifecycle as a JSON API scoped to a room.
type Handler struct {
	logger      *slog.Logger
	service     periodService
	idempotency idempotencyStore
	validate    *validator.Validate
}

// NewHandler constructs the periods HTTP handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service periodService, idempotency idempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: idempotency,
		validate:    validator.New(),
	}
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	roomID, actorID, ok := h.member(w, r)
	if !ok {
		return
	}
	includeArchived, _ := strconv.ParseBool(r.URL.Query().Get("include_archived"))
	list, err := h.service.GetPeriods(r.Context(), roomID, includeArchived)
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	if list == nil {
		list = []periods.Period{}
	}
	httpx.JSON(w, http.StatusOK, periodListResponse{Periods: list})
}

func (h *Handler) currentPeriod(w http.ResponseWriter, r *http.Request) {
	roomID, actorID, ok := h.member(w, r)
	if !ok {
		return
	}
	current, err := h.service.GetCurrentPeriod(r.Context(), roomID)
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, current)
}

func (h *Handler) getPeriod(w http.ResponseWriter, r *http.Request) {
	roomID, actorID, ok := h.member(w, r)
	if !ok {
		return
	}
	period, err := h.service.GetPeriod(r.Context(), chi.URLParam(r, "periodID"), roomID)
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) periodSummary(w http.ResponseWriter, r *http.Request) {
	roomID, actorID, ok := h.member(w, r)
	if !ok {
		return
	}
	summary, err := h.service.CalculatePeriodSummary(r.Context(), chi.URLParam(r, "periodID"), roomID)
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) startPeriod(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req startRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	h.once(w, r, actorID, "periods.start:"+roomID, func() (any, error) {
		return h.service.StartPeriod(r.Context(), roomID, actorID, req.input())
	})
}

func (h *Handler) endPeriod(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req endRequest
	if err := h.decode(w, r, &req, true); err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	period, err := h.service.EndPeriod(r.Context(), roomID, actorID, req.EndDate.ptr())
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) updatePeriod(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req updateRequest
	if err := h.decode(w, r, &req, false); err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	period, err := h.service.UpdatePeriod(r.Context(), roomID, actorID, chi.URLParam(r, "periodID"), req.input())
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) lockPeriod(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.LockPeriod)
}

func (h *Handler) archivePeriod(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.service.ArchivePeriod)
}

func (h *Handler) unlockPeriod(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req unlockRequest
	if err := h.decode(w, r, &req, true); err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	target := periods.Status(strings.TrimSpace(req.Status))
	period, err := h.service.UnlockPeriod(r.Context(), roomID, actorID, chi.URLParam(r, "periodID"), target)
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

func (h *Handler) restartPeriod(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomID")
	periodID := chi.URLParam(r, "periodID")
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req restartRequest
	if err := h.decode(w, r, &req, true); err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	h.once(w, r, actorID, "periods.restart:"+roomID+":"+periodID, func() (any, error) {
		return h.service.RestartPeriod(r.Context(), roomID, actorID, periodID, req.input())
	})
}

type transitionFunc func(ctx context.Context, roomID, actorID, periodID string) (periods.Period, error)

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	actorID, ok := h.actor(w, r)
	if !ok {
		return
	}
	period, err := fn(r.Context(), chi.URLParam(r, "roomID"), actorID, chi.URLParam(r, "periodID"))
	if err != nil {
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusOK, period)
}

// once runs a creating operation at most once per Idempotency-Key and answers 201.
func (h *Handler) once(w http.ResponseWriter, r *http.Request, actorID, scope string, fn func() (any, error)) {
	key := strings.TrimSpace(r.Header.Get(shared.IdempotencyHeader))
	claimed := false
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.Claim(r.Context(), scope+":"+actorID, key); err != nil {
			h.fail(w, r, actorID, err)
			return
		}
		claimed = true
	}
	result, err := fn()
	if err != nil {
		if claimed {
			if relErr := h.idempotency.Release(r.Context(), scope+":"+actorID, key); relErr != nil {
				h.logger.Warn("release idempotency key", slog.String("scope", scope), slog.Any("error", relErr))
			}
		}
		h.fail(w, r, actorID, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

// member resolves the room and actor of a read request and checks room membership.
func (h *Handler) member(w http.ResponseWriter, r *http.Request) (roomID, actorID string, ok bool) {
	actorID, ok = h.actor(w, r)
	if !ok {
		return "", "", false
	}
	roomID = chi.URLParam(r, "roomID")
	if err := h.service.AuthorizeMember(r.Context(), roomID, actorID); err != nil {
		h.fail(w, r, actorID, err)
		return "", "", false
	}
	return roomID, actorID, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (string, bool) {
	if user := shared.ActorFromContext(r.Context()); user != "" {
		return user, true
	}
	httpx.RespondError(w, fmt.Errorf("%w: sign in required", httpx.ErrUnauthorized))
	return "", false
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any, optional bool) error {
	var err error
	if optional {
		err = httpx.DecodeOptionalJSON(w, r, dest)
	} else {
		err = httpx.DecodeJSON(w, r, dest)
	}
	if err != nil {
		return err
	}
	if err := h.validate.Struct(dest); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s failed %q", httpx.ErrValidation, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, actorID string, err error) {
	status, title := classify(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("periods request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("actor_id", actorID),
			slog.Any("error", err))
		httpx.Problem(w, status, title, "")
		return
	}
	httpx.Problem(w, status, title, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, periods.ErrValidation), errors.Is(err, httpx.ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, httpx.ErrUnauthorized):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, periods.ErrPermissionDenied):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, periods.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, periods.ErrPeriodLocked):
		return http.StatusConflict, "Period Locked"
	case errors.Is(err, periods.ErrConflict), errors.Is(err, shared.ErrIdempotencyConflict):
		return http.StatusConflict, "Conflict"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}
