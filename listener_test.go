package syncstate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func newTestListener(t *testing.T, reg *Registry, pub Publisher, logger *slog.Logger) *Listener {
	t.Helper()
	var em *Emitter
	if pub != nil {
		em = NewEmitter(reg, pub, WithLogger(logger))
	}
	l, err := NewListener(reg, em, []Binding{
		Bind[int]("Counter"),
		Bind[InternalState]("InternalState"),
	}, WithLogger(logger))
	if err != nil {
		t.Fatalf("NewListener() error = %v", err)
	}
	return l
}

func TestListenerScenarios(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		env     Envelope
		want    Outcome
		counter int
		logged  string
	}{
		{
			name:    "known key applies",
			env:     Envelope{Name: "Counter", Value: "5"},
			want:    Applied,
			counter: 5,
		},
		{
			name:    "unknown key ignored",
			env:     Envelope{Name: "Unknown", Value: "5"},
			want:    Ignored,
			counter: 1,
		},
		{
			name:    "malformed payload dropped",
			env:     Envelope{Name: "Counter", Value: "not-a-number"},
			want:    Dropped,
			counter: 1,
			logged:  "failed to parse state payload",
		},
		{
			name:    "null payload dropped",
			env:     Envelope{Name: "Counter", Value: "null"},
			want:    Dropped,
			counter: 1,
			logged:  "failed to parse state payload",
		},
		{
			name:    "version is advisory",
			env:     Envelope{Version: NewVersion(0), Name: "Counter", Value: "9"},
			want:    Applied,
			counter: 9,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&logs, nil))
			reg := NewRegistry(WithLogger(logger))
			Set(reg, "Counter", 1)
			l := newTestListener(t, reg, nil, logger)

			if got := l.Handle(ctx, tt.env); got != tt.want {
				t.Errorf("Handle() = %v, want %v", got, tt.want)
			}
			if got := readValue[int](t, reg, "Counter"); got != tt.counter {
				t.Errorf("Counter = %d, want %d", got, tt.counter)
			}
			if reg.Has("Unknown") {
				t.Error("unknown key must not be inserted")
			}
			if tt.logged != "" && !strings.Contains(logs.String(), tt.logged) {
				t.Errorf("log %q missing from %q", tt.logged, logs.String())
			}
		})
	}
}

func TestListenerKeepsProcessingAfterBadMessage(t *testing.T) {
	ctx := context.Background()
	reg := quietRegistry()
	Set(reg, "Counter", 1)
	l := newTestListener(t, reg, nil, quietLogger())

	l.Handle(ctx, Envelope{Name: "Counter", Value: "{"})
	l.Handle(ctx, Envelope{Name: "Counter", Value: "2"})

	if got := readValue[int](t, reg, "Counter"); got != 2 {
		t.Errorf("Counter = %d, want 2", got)
	}
}

func TestListenerPartialObjectDropped(t *testing.T) {
	reg := quietRegistry()
	want := InternalState{Authenticated: true, Name: "alice"}
	Set(reg, "InternalState", want)
	l := newTestListener(t, reg, nil, quietLogger())

	for _, value := range []string{`{"name":"bob"}`, `{}`, "null"} {
		if got := l.Handle(context.Background(), Envelope{Name: "InternalState", Value: value}); got != Dropped {
			t.Errorf("Handle(%s) = %v, want Dropped", value, got)
		}
	}
	if got := readValue[InternalState](t, reg, "InternalState"); got != want {
		t.Errorf("InternalState = %+v, want %+v", got, want)
	}
}

func TestListenerInvalidVersionStillApplies(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	reg := NewRegistry(WithLogger(logger))
	Set(reg, "Counter", 1)
	l := newTestListener(t, reg, nil, logger)

	var env Envelope
	if err := json.Unmarshal([]byte(`{"version":"+7","name":"Counter","value":"6"}`), &env); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if got := l.Handle(context.Background(), env); got != Applied {
		t.Errorf("Handle() = %v, want Applied", got)
	}
	if got := readValue[int](t, reg, "Counter"); got != 6 {
		t.Errorf("Counter = %d, want 6", got)
	}
	if !strings.Contains(logs.String(), "ignoring invalid version") {
		t.Errorf("invalid version not logged: %q", logs.String())
	}
}

func TestListenerTypeMismatchDropped(t *testing.T) {
	reg := quietRegistry()
	Set(reg, "Counter", "a string")
	l := newTestListener(t, reg, nil, quietLogger())

	outcome, err := l.Apply(context.Background(), Envelope{Name: "Counter", Value: "3"}, ApplyOnly)
	if outcome != Dropped || !errors.Is(err, ErrTypeMismatch) {
		t.Errorf("Apply() = %v, %v; want Dropped, ErrTypeMismatch", outcome, err)
	}
}

func TestListenerHandleNeverPublishes(t *testing.T) {
	reg := quietRegistry()
	Set(reg, "Counter", 1)
	rec := &recorder{}
	l := newTestListener(t, reg, rec, quietLogger())

	l.Handle(context.Background(), Envelope{Name: "Counter", Value: "4"})

	if n := len(rec.all()); n != 0 {
		t.Errorf("Handle published %d envelopes, want 0", n)
	}
}

func TestListenerRepublish(t *testing.T) {
	reg := quietRegistry()
	rec := &recorder{}
	l := newTestListener(t, reg, rec, quietLogger())

	outcome, err := l.Apply(context.Background(), Envelope{Name: "InternalState", Value: `{"authenticated":true,"name":"dan"}`}, Republish)
	if err != nil || outcome != Applied {
		t.Fatalf("Apply() = %v, %v", outcome, err)
	}

	sent := rec.all()
	if len(sent) != 1 || sent[0].Topic != "InternalState_update" {
		t.Fatalf("published %+v", sent)
	}
	if sent[0].Envelope.Value != `{"authenticated":true,"name":"dan"}` {
		t.Errorf("value = %s", sent[0].Envelope.Value)
	}
}

func TestListenerRepublishWithoutEmitter(t *testing.T) {
	reg := quietRegistry()
	l := newTestListener(t, reg, nil, quietLogger())

	outcome, err := l.Apply(context.Background(), Envelope{Name: "Counter", Value: "1"}, Republish)
	if outcome != Applied || err == nil {
		t.Errorf("Apply() = %v, %v; want Applied with error", outcome, err)
	}
}

func TestListenerEmitByName(t *testing.T) {
	ctx := context.Background()
	reg := quietRegistry()
	Set(reg, "Counter", 11)
	rec := &recorder{}
	l := newTestListener(t, reg, rec, quietLogger())

	if err := l.Emit(ctx, "Counter"); err != nil {
		t.Fatalf("Emit() error = %v", err)
	}
	if err := l.Emit(ctx, "Unknown"); !errors.Is(err, ErrUnknownKey) {
		t.Errorf("Emit(Unknown) error = %v, want ErrUnknownKey", err)
	}
	if sent := rec.all(); len(sent) != 1 || sent[0].Envelope.Value != "11" {
		t.Errorf("published %+v", sent)
	}
}

func TestNewListenerValidation(t *testing.T) {
	reg := quietRegistry()

	if _, err := NewListener(reg, nil, []Binding{Bind[int]("A"), Bind[string]("A")}); err == nil {
		t.Error("expected duplicate binding error")
	}
	if _, err := NewListener(reg, nil, []Binding{Bind[int]("")}); err == nil {
		t.Error("expected empty key error")
	}
	if _, err := NewListener(reg, nil, []Binding{{}}); err == nil {
		t.Error("expected zero binding error")
	}
}

func TestListenerListen(t *testing.T) {
	reg := quietRegistry()
	Set(reg, "Counter", 0)
	bus := NewBus()
	l := newTestListener(t, reg, bus, quietLogger())

	unsubscribe, err := l.Listen(bus)
	if err != nil {
		t.Fatal(err)
	}

	_ = bus.Publish(context.Background(), UpdateTopic, Envelope{Name: "Counter", Value: "5"})
	if got := readValue[int](t, reg, "Counter"); got != 5 {
		t.Errorf("Counter = %d, want 5", got)
	}

	unsubscribe()
	_ = bus.Publish(context.Background(), UpdateTopic, Envelope{Name: "Counter", Value: "6"})
	if got := readValue[int](t, reg, "Counter"); got != 5 {
		t.Errorf("Counter = %d after unsubscribe, want 5", got)
	}
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{Ignored: "ignored", Applied: "applied", Dropped: "dropped", Outcome(7): "Outcome(7)"} {
		if got := o.String(); got != want {
			t.Errorf("String() = %q, want %q", got, want)
		}
	}
}
