// Package commands exposes the frontend-invoked operations over HTTP.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	syncstate "github.com/xjerod/synced-state-example"
	"github.com/xjerod/synced-state-example/internal/appstate"
)

// API wires HTTP handlers for the command surface.
type API struct {
	log    *slog.Logger
	syncer *syncstate.Syncer
	events *syncstate.Bus
}

// New constructs the API. events receives every outbound envelope and feeds
// the /events stream; see Tap.
func New(log *slog.Logger, syncer *syncstate.Syncer, events *syncstate.Bus) *API {
	return &API{log: log, syncer: syncer, events: events}
}

// Routes configures the router with the command endpoints and the event
// stream.
func (a *API) Routes(r chi.Router) {
	a.CommandRoutes(r)
	a.StreamRoutes(r)
}

// CommandRoutes mounts the short-lived request/response endpoints.
func (a *API) CommandRoutes(r chi.Router) {
	r.Route("/commands", func(r chi.Router) {
		r.Post("/greet", a.handleGreet)
		r.Post("/emit_state", a.handleEmitState)
		r.Post("/update_state", a.handleUpdateState)
	})
}

// StreamRoutes mounts the long-lived /events stream. It must not sit behind
// a request timeout.
func (a *API) StreamRoutes(r chi.Router) {
	r.Get("/events", a.handleEventsStream)
}

func (a *API) handleGreet(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	a.log.Info("greet", slog.String("name", payload.Name))

	err := syncstate.Commit(r.Context(), a.syncer, appstate.InternalStateKey, func(s *appstate.InternalState) error {
		s.Authenticated = true
		return nil
	}, syncstate.Republish)
	if err != nil {
		a.log.Error("greet failed", slog.String("err", err.Error()))
		writeError(w, statusFor(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Hello, %s! You've been greeted from Go!", payload.Name),
	})
}

func (a *API) handleEmitState(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	a.log.Info("emit_state", slog.String("name", payload.Name))

	writeJSON(w, http.StatusOK, map[string]bool{"ok": a.syncer.EmitByName(r.Context(), payload.Name)})
}

func (a *API) handleUpdateState(w http.ResponseWriter, r *http.Request) {
	var env syncstate.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	outcome, err := a.syncer.Apply(r.Context(), env, syncstate.Republish)
	resp := map[string]string{"outcome": outcome.String()}
	switch {
	case outcome == syncstate.Ignored:
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown state %q", env.Name))
	case outcome == syncstate.Dropped:
		writeError(w, statusFor(err), err.Error())
	case err != nil:
		// Applied, but the republish failed.
		resp["error"] = err.Error()
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		writeJSON(w, http.StatusOK, resp)
	}
}

func (a *API) handleEventsStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := make(chan syncstate.Envelope, 16)
	unsubscribe, err := a.events.Subscribe(syncstate.AllTopics, func(_ context.Context, env syncstate.Envelope) {
		select {
		case sub <- env:
		default:
			a.log.Warn("event stream lagging, dropping envelope", slog.String("key", env.Name))
		}
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer unsubscribe()

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case env := <-sub:
			payload, err := json.Marshal(env)
			if err != nil {
				a.log.Warn("failed to encode envelope", slog.String("err", err.Error()))
				continue
			}
			fmt.Fprintf(w, "event: %s\n", syncstate.TopicFor(env.Name))
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, syncstate.ErrKeyNotFound), errors.Is(err, syncstate.ErrUnknownKey):
		return http.StatusNotFound
	case errors.Is(err, syncstate.ErrDecode), errors.Is(err, syncstate.ErrTypeMismatch):
		return http.StatusBadRequest
	case errors.Is(err, syncstate.ErrPoisoned):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
