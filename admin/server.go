// Package admin exposes the node's HTTP status and metrics surface.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/auth"
	"github.com/walpipe/walpipe/cfg"
	"github.com/walpipe/walpipe/codec"
	"github.com/walpipe/walpipe/perms"
	"github.com/walpipe/walpipe/shape"
	"github.com/walpipe/walpipe/telemetry"
	"github.com/walpipe/walpipe/window"
)

// Handlers serves status, metrics and subscription endpoints.
type Handlers struct {
	window   *window.Cache
	registry *shape.RelationRegistry
	started  time.Time

	eval      *perms.Evaluator
	declared  codec.DeclaredSchema
	validator *auth.Validator
}

func NewHandlers(cache *window.Cache, registry *shape.RelationRegistry) *Handlers {
	return &Handlers{
		window:   cache,
		registry: registry,
		started:  time.Now(),
	}
}

// WithSubscriptions enables the change-feed endpoint, filtered by the
// evaluator's ruleset.
func (h *Handlers) WithSubscriptions(eval *perms.Evaluator, declared codec.DeclaredSchema) *Handlers {
	h.eval = eval
	h.declared = declared
	return h
}

// WithAuth requires a valid bearer token on the change-feed endpoint.
func (h *Handlers) WithAuth(validator *auth.Validator) *Handlers {
	h.validator = validator
	return h
}

// RegisterRoutes mounts the admin API on the mux.
func RegisterRoutes(mux *http.ServeMux, handlers *Handlers) {
	r := chi.NewRouter()
	r.Get("/status", handlers.handleStatus)
	r.Get("/healthz", handlers.handleHealth)
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}
	if handlers.eval != nil {
		r.Get("/subscribe", handlers.handleSubscribe)
	}

	mux.Handle("/", r)
	log.Info().Msg("Admin endpoints enabled at /status and /metrics")
}

type windowStatus struct {
	Entries int    `json:"entries"`
	Bytes   int64  `json:"bytes"`
	Current string `json:"current,omitempty"`
	Oldest  string `json:"oldest,omitempty"`
}

type statusResponse struct {
	OriginTag     uint64       `json:"origin_tag"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Relations     int          `json:"relations"`
	Window        windowStatus `json:"window"`
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := statusResponse{
		OriginTag:     cfg.Config.OriginTag,
		UptimeSeconds: int64(time.Since(h.started).Seconds()),
		Relations:     h.registry.Len(),
		Window: windowStatus{
			Entries: h.window.Len(),
			Bytes:   h.window.Bytes(),
		},
	}
	if pos, ok := h.window.CurrentPosition(); ok {
		status.Window.Current = pos.String()
	}
	if pos, ok := h.window.OldestPosition(); ok {
		status.Window.Oldest = pos.String()
	}

	writeJSONResponse(w, status)
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, map[string]string{"status": "ok"})
}

func writeJSONResponse(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to write admin response")
	}
}
