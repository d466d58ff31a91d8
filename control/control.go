// Package control exposes the agent's command interface to the foreground
// application: querying the cache generation, mutating settings and the
// prayer-times snapshot, and forcing maintenance actions.
package control

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/minaret-app/minaret/cache"
	"github.com/minaret-app/minaret/notify"
	"github.com/minaret-app/minaret/prayer"
	"github.com/minaret-app/minaret/scheduler"
	"github.com/minaret-app/minaret/store"
)

// Command types accepted on the control channel.
const (
	CmdGetVersion            = "GET_VERSION"
	CmdSkipWaiting           = "SKIP_WAITING"
	CmdClearCache            = "CLEAR_CACHE"
	CmdForceUpdate           = "FORCE_UPDATE"
	CmdUpdateSettings        = "UPDATE_SETTINGS"
	CmdUpdatePrayerTimes     = "UPDATE_PRAYER_TIMES"
	CmdCheckNotifications    = "CHECK_NOTIFICATIONS"
	CmdScheduleNotifications = "SCHEDULE_NOTIFICATIONS"
	CmdTestNotification      = "TEST_NOTIFICATION"
)

// Request is the control channel message schema.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Config configures a control Handler.
type Config struct {
	Manager     *cache.Manager
	Store       *store.Store
	Scheduler   *scheduler.Scheduler
	Broadcaster notify.Broadcaster
	// Activate runs the full activation sequence: partition garbage
	// collection plus scheduler restart. Used by SKIP_WAITING.
	Activate func(context.Context) error
	// AllowedOrigins for CORS; the foreground pages call this API from the
	// browser. Defaults to allowing any origin.
	AllowedOrigins []string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// Handler serves the control channel HTTP API.
type Handler struct {
	manager     *cache.Manager
	store       *store.Store
	scheduler   *scheduler.Scheduler
	broadcaster notify.Broadcaster
	activate    func(context.Context) error
	origins     []string
	log         zerolog.Logger
}

// New creates a control Handler.
func New(config Config) *Handler {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	origins := config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return &Handler{
		manager:     config.Manager,
		store:       config.Store,
		scheduler:   config.Scheduler,
		broadcaster: config.Broadcaster,
		activate:    config.Activate,
		origins:     origins,
		log:         logger,
	}
}

// Routes returns the control channel router, meant to be mounted at /control.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))
	r.Post("/", h.handleCommand)
	r.Post("/sync", h.handleSync)
	r.Post("/push", h.handlePush)
	return r
}

func (h *Handler) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	h.log.Debug().Str("type", req.Type).Msg("Control command received")

	switch req.Type {
	case CmdGetVersion:
		h.respond(w, map[string]string{"version": h.manager.Generation()})

	case CmdSkipWaiting:
		if err := h.activate(r.Context()); err != nil {
			h.log.Error().Err(err).Msg("Forced activation failed")
			h.respondError(w, http.StatusInternalServerError, "activation failed")
			return
		}
		h.respondSuccess(w)

	case CmdClearCache:
		if err := h.manager.ClearAll(); err != nil {
			h.log.Error().Err(err).Msg("Could not clear cache partitions")
			h.respondError(w, http.StatusInternalServerError, "clear failed")
			return
		}
		h.respondSuccess(w)

	case CmdForceUpdate:
		if err := h.manager.ClearAll(); err != nil {
			h.log.Error().Err(err).Msg("Could not clear cache partitions")
			h.respondError(w, http.StatusInternalServerError, "clear failed")
			return
		}
		h.broadcast(notify.Message{ID: ulid.Make().String(), Type: notify.TypeReload})
		h.respondSuccess(w)

	case CmdUpdateSettings:
		var settings store.Settings
		if err := json.Unmarshal(req.Data, &settings); err != nil {
			h.respondError(w, http.StatusBadRequest, "malformed settings payload")
			return
		}
		if err := h.store.PutSettings(settings); err != nil {
			h.log.Error().Err(err).Msg("Could not save settings")
			h.respondError(w, http.StatusInternalServerError, "save failed")
			return
		}
		h.recompute()
		h.respondSuccess(w)

	case CmdUpdatePrayerTimes:
		var snapshot store.Snapshot
		if err := json.Unmarshal(req.Data, &snapshot); err != nil {
			h.respondError(w, http.StatusBadRequest, "malformed prayer-times payload")
			return
		}
		snapshot.UpdatedAt = time.Now()
		if err := h.store.PutSnapshot(snapshot); err != nil {
			h.log.Error().Err(err).Msg("Could not save prayer-times snapshot")
			h.respondError(w, http.StatusInternalServerError, "save failed")
			return
		}
		h.recompute()
		h.respondSuccess(w)

	case CmdCheckNotifications:
		h.scheduler.Scan()
		h.respondSuccess(w)

	case CmdScheduleNotifications:
		h.recompute()
		h.respondSuccess(w)

	case CmdTestNotification:
		var data struct {
			Prayer prayer.Name `json:"prayer"`
		}
		if len(req.Data) > 0 {
			if err := json.Unmarshal(req.Data, &data); err != nil {
				h.respondError(w, http.StatusBadRequest, "malformed test payload")
				return
			}
		}
		h.scheduler.TestFire(data.Prayer)
		h.respondSuccess(w)

	default:
		h.respondError(w, http.StatusBadRequest, "unknown command type")
	}
}

// handleSync is the hook for system-level periodic and background sync
// triggers (e.g. a cron or systemd timer hitting the agent). It runs the
// same idempotent scan as the recurring timer.
func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	h.scheduler.Scan()
	w.WriteHeader(http.StatusNoContent)
}

// handlePush accepts a relayed push message and shows it as a notification.
// A malformed payload is not an error; it falls back to generic reminder text.
func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	var payload scheduler.PushPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.log.Warn().Err(err).Msg("Malformed push payload, falling back to generic reminder")
		payload = scheduler.PushPayload{}
	}
	h.scheduler.Push(payload)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) recompute() {
	if err := h.scheduler.Recompute(); err != nil {
		h.log.Error().Err(err).Msg("Could not recompute scheduled notifications")
	}
}

func (h *Handler) broadcast(msg notify.Message) {
	if h.broadcaster == nil {
		return
	}
	if err := h.broadcaster.Publish(msg); err != nil {
		h.log.Warn().Err(err).Str("type", msg.Type).Msg("Could not message open pages")
	}
}

func (h *Handler) respond(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Could not write control response")
	}
}

func (h *Handler) respondSuccess(w http.ResponseWriter) {
	h.respond(w, map[string]bool{"success": true})
}

func (h *Handler) respondError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
