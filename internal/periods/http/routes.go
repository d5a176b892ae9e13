package periodshttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/mealsphere/mealsphere/internal/shared"
)

// MutationsPerMinute bounds state changes per user across rooms.
const MutationsPerMinute = 30

// MountRoutes registers the room scoped period endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(MutationsPerMinute, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Route("/api/rooms/{roomID}/periods", func(r chi.Router) {
		r.Get("/", h.listPeriods)
		r.Get("/current", h.currentPeriod)
		r.Get("/{periodID}", h.getPeriod)
		r.Get("/{periodID}/summary", h.periodSummary)

		r.Group(func(r chi.Router) {
			r.Use(limiter)
			r.Post("/", h.startPeriod)
			r.Post("/current/end", h.endPeriod)
			r.Patch("/{periodID}", h.updatePeriod)
			r.Post("/{periodID}/lock", h.lockPeriod)
			r.Post("/{periodID}/unlock", h.unlockPeriod)
			r.Post("/{periodID}/archive", h.archivePeriod)
			r.Post("/{periodID}/restart", h.restartPeriod)
		})
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if user := shared.ActorFromContext(r.Context()); user != "" {
		return "user:" + user, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
