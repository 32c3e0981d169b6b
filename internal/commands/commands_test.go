package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	syncstate "github.com/xjerod/synced-state-example"
	"github.com/xjerod/synced-state-example/internal/appstate"
)

// outbound records envelopes published on the transport side.
type outbound struct {
	mu   sync.Mutex
	envs []syncstate.Envelope
}

func (o *outbound) all() []syncstate.Envelope {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]syncstate.Envelope(nil), o.envs...)
}

type fixture struct {
	router *chi.Mux
	syncer *syncstate.Syncer
	out    *outbound
	events *syncstate.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	transport := syncstate.NewBus()
	out := &outbound{}
	_, err := transport.Subscribe(syncstate.AllTopics, func(_ context.Context, env syncstate.Envelope) {
		out.mu.Lock()
		defer out.mu.Unlock()
		out.envs = append(out.envs, env)
	})
	require.NoError(t, err)

	events := syncstate.NewBus()
	syncer, err := syncstate.New(NewTap(transport, events), appstate.Bindings(), syncstate.WithLogger(logger))
	require.NoError(t, err)
	appstate.SeedDefaults(syncer.Registry())

	router := chi.NewRouter()
	New(logger, syncer, events).Routes(router)
	return &fixture{router: router, syncer: syncer, out: out, events: events}
}

func (f *fixture) post(t *testing.T, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func (f *fixture) internalState(t *testing.T) appstate.InternalState {
	t.Helper()
	h, err := syncstate.Get[appstate.InternalState](f.syncer.Registry(), appstate.InternalStateKey)
	require.NoError(t, err)
	defer h.Release()
	return h.Value()
}

func TestGreet(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.post(t, "/commands/greet", `{"name":"Ada"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "Hello, Ada! You've been greeted from Go!", resp["message"])

	require.True(t, f.internalState(t).Authenticated)

	envs := f.out.all()
	require.Len(t, envs, 1)
	require.Equal(t, appstate.InternalStateKey, envs[0].Name)
	require.JSONEq(t, `{"authenticated":true,"name":""}`, envs[0].Value)
}

func TestGreetInvalidPayload(t *testing.T) {
	f := newFixture(t)
	rec, resp := f.post(t, "/commands/greet", `{`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "invalid payload", resp["error"])
	require.Empty(t, f.out.all())
}

func TestEmitState(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.post(t, "/commands/emit_state", `{"name":"InternalState"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, resp["ok"])
	require.Len(t, f.out.all(), 1)

	_, resp = f.post(t, "/commands/emit_state", `{"name":"Nope"}`)
	require.Equal(t, false, resp["ok"])
	require.Len(t, f.out.all(), 1)
}

func TestUpdateState(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		wantStatus  int
		wantOutcome string
		wantEmitted int
	}{
		{
			name:        "applied and republished",
			body:        `{"version":null,"name":"InternalState","value":"{\"authenticated\":true,\"name\":\"ada\"}"}`,
			wantStatus:  http.StatusOK,
			wantOutcome: "applied",
			wantEmitted: 1,
		},
		{
			name:       "unknown key",
			body:       `{"name":"Unknown","value":"1"}`,
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "incomplete value",
			body:       `{"name":"InternalState","value":"{\"name\":\"ada\"}"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "undecodable value",
			body:       `{"name":"InternalState","value":"not json"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			rec, resp := f.post(t, "/commands/update_state", tt.body)
			require.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantOutcome != "" {
				require.Equal(t, tt.wantOutcome, resp["outcome"])
			}
			require.Len(t, f.out.all(), tt.wantEmitted)
		})
	}
}

func TestUpdateStateStoresValue(t *testing.T) {
	f := newFixture(t)
	f.post(t, "/commands/update_state", `{"name":"InternalState","value":"{\"authenticated\":true,\"name\":\"ada\"}"}`)
	require.Equal(t, appstate.InternalState{Authenticated: true, Name: "ada"}, f.internalState(t))
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	require.True(t, f.syncer.EmitByName(context.Background(), appstate.InternalStateKey))

	reader := bufio.NewReader(resp.Body)
	event, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "event: InternalState_update\n", event)

	data, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(data, "data: "))

	var env syncstate.Envelope
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &env))
	require.Equal(t, appstate.InternalStateKey, env.Name)
}

type failingChannel struct {
	*syncstate.Bus
}

func (failingChannel) Publish(context.Context, string, syncstate.Envelope) error {
	return errors.New("transport down")
}

func TestTapSkipsFailedPublish(t *testing.T) {
	events := syncstate.NewBus()
	var seen int
	_, err := events.Subscribe(syncstate.AllTopics, func(context.Context, syncstate.Envelope) { seen++ })
	require.NoError(t, err)

	tap := NewTap(failingChannel{Bus: syncstate.NewBus()}, events)
	err = tap.Publish(context.Background(), "Counter_update", syncstate.Envelope{Name: "Counter"})
	require.EqualError(t, err, "transport down")
	require.Zero(t, seen)
}

func TestTapMirrorsOnlyWhenWatched(t *testing.T) {
	events := syncstate.NewBus()
	tap := NewTap(syncstate.NewBus(), events)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, tap.Publish(ctx, "Counter_update", syncstate.Envelope{Name: "Counter"}))

	_, err := events.Subscribe(syncstate.AllTopics, func(context.Context, syncstate.Envelope) {})
	require.NoError(t, err)
	require.ErrorIs(t, tap.Publish(ctx, "Counter_update", syncstate.Envelope{Name: "Counter"}), context.Canceled)
}

func TestStatusFor(t *testing.T) {
	require.Equal(t, http.StatusNotFound, statusFor(syncstate.ErrKeyNotFound))
	require.Equal(t, http.StatusBadRequest, statusFor(syncstate.ErrDecode))
	require.Equal(t, http.StatusConflict, statusFor(syncstate.ErrPoisoned))
	require.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}
