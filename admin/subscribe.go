package admin

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/walpipe/walpipe/auth"
	"github.com/walpipe/walpipe/dispatch"
	"github.com/walpipe/walpipe/wal"
)

// handleSubscribe attaches a change feed over server-sent events.
// Query parameters: cursor (resume position, X/X form), tables
// (comma-separated glob patterns), policy ("drop" or "reject").
// Envelopes arrive base64-encoded, one per event; a "resync" event
// means the cursor fell behind the replay window and the client must
// snapshot from the source before reconnecting.
func (h *Handlers) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	cursor := wal.Position(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		parsed, err := wal.ParseString(raw)
		if err != nil {
			http.Error(w, fmt.Sprintf("bad cursor: %v", err), http.StatusBadRequest)
			return
		}
		cursor = parsed
	}

	var patterns []string
	if raw := r.URL.Query().Get("tables"); raw != "" {
		patterns = strings.Split(raw, ",")
	}

	policy := dispatch.DropDenied
	if r.URL.Query().Get("policy") == "reject" {
		policy = dispatch.RejectTransaction
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := &dispatch.Subscriber{
		ID:            identity.Subject,
		Roles:         dispatch.RolesFromClaims(identity.Subject, identity.Roles),
		TablePatterns: patterns,
		Policy:        policy,
		Cursor:        cursor,
		Send: func(_ context.Context, payload []byte) error {
			if _, err := fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(payload)); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		},
	}

	worker, err := dispatch.NewWorker(h.window, h.eval, h.declared, sub)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log.Info().Str("subscriber", sub.ID).Stringer("cursor", cursor).Msg("Subscriber attached")
	err = worker.Run(r.Context())
	switch {
	case errors.Is(err, dispatch.ErrSnapshotRequired):
		fmt.Fprint(w, "event: resync\ndata: cursor behind replay window\n\n")
		flusher.Flush()
	case err != nil:
		log.Warn().Err(err).Str("subscriber", sub.ID).Msg("Subscriber detached with error")
	default:
		log.Info().Str("subscriber", sub.ID).Msg("Subscriber detached")
	}
}

// authenticate resolves the caller's identity. With no validator
// configured every caller is anonymous.
func (h *Handlers) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	if h.validator == nil {
		return auth.Identity{Subject: r.RemoteAddr}, true
	}

	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return auth.Identity{}, false
	}

	identity, err := h.validator.Validate(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return auth.Identity{}, false
	}
	return identity, true
}
