package logging_test

import (
	"context"
	"testing"
	"time"

	"tavolo/logging"
	"tavolo/logging/sinks"
)

func newMemoryRouter(t *testing.T, cfg logging.Config) (*logging.Router, *sinks.MemorySink) {
	t.Helper()
	memory := sinks.NewMemorySink()
	if len(cfg.EnabledSinks) == 0 {
		cfg.EnabledSinks = []string{"memory"}
	}
	router, err := logging.NewRouter(nil, cfg, []logging.NamedSink{{Name: "memory", Sink: memory}})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	return router, memory
}

func TestRouterDeliversToSink(t *testing.T) {
	router, memory := newMemoryRouter(t, logging.Config{BufferSize: 16})

	router.Publish(context.Background(), logging.Event{
		Type:     "session.joined",
		Room:     "alpha",
		Category: logging.CategorySession,
		Severity: logging.SeverityInfo,
	})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Type != "session.joined" || events[0].Room != "alpha" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
	if events[0].Time.IsZero() {
		t.Fatalf("router did not stamp event time")
	}
}

func TestRouterFiltersBelowMinimumSeverity(t *testing.T) {
	router, memory := newMemoryRouter(t, logging.Config{
		BufferSize:      16,
		MinimumSeverity: logging.SeverityWarn,
	})

	ctx := context.Background()
	router.Publish(ctx, logging.Event{Type: "debug.noise", Severity: logging.SeverityDebug})
	router.Publish(ctx, logging.Event{Type: "info.noise", Severity: logging.SeverityInfo})
	router.Publish(ctx, logging.Event{Type: "warn.signal", Severity: logging.SeverityWarn})

	if err := router.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 || events[0].Type != "warn.signal" {
		t.Fatalf("severity filter failed: %+v", events)
	}
}

func TestRouterAppliesConfiguredFields(t *testing.T) {
	router, memory := newMemoryRouter(t, logging.Config{
		BufferSize: 16,
		Fields:     map[string]any{"host": "test-1"},
	})

	router.Publish(context.Background(), logging.Event{
		Type:     "presence.beat",
		Severity: logging.SeverityInfo,
		Extra:    map[string]any{"host": "event-wins"},
	})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}

	events := memory.Events()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Extra["host"] != "event-wins" {
		t.Fatalf("event extra clobbered by router fields: %+v", events[0].Extra)
	}
}

func TestRouterDropsWithoutBlocking(t *testing.T) {
	memory := sinks.NewMemorySink()
	router, err := logging.NewRouter(
		logging.ClockFunc(func() time.Time { return time.UnixMilli(0) }),
		logging.Config{EnabledSinks: []string{"memory"}, BufferSize: 1},
		[]logging.NamedSink{{Name: "memory", Sink: memory}},
	)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	ctx := context.Background()
	for i := 0; i < 10_000; i++ {
		router.Publish(ctx, logging.Event{Type: "flood", Severity: logging.SeverityInfo})
	}

	stats := router.Stats()
	if err := router.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if stats.DroppedTotal == 0 {
		t.Fatalf("expected drops under backpressure, stats=%+v", stats)
	}
}

func TestRouterPublishAfterCloseIsIgnored(t *testing.T) {
	router, memory := newMemoryRouter(t, logging.Config{BufferSize: 16})

	if err := router.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	router.Publish(context.Background(), logging.Event{Type: "late", Severity: logging.SeverityInfo})

	if events := memory.Events(); len(events) != 0 {
		t.Fatalf("event accepted after close: %+v", events)
	}
}

func TestWithFieldsDecoratesEvents(t *testing.T) {
	var captured logging.Event
	base := logging.PublisherFunc(func(_ context.Context, event logging.Event) {
		captured = event
	})

	decorated := logging.WithFields(base, map[string]any{"room": "alpha", "user": "u1"})
	decorated.Publish(context.Background(), logging.Event{
		Type:  "ping.shown",
		Extra: map[string]any{"user": "explicit"},
	})

	if captured.Extra["room"] != "alpha" {
		t.Fatalf("missing decorated field: %+v", captured.Extra)
	}
	if captured.Extra["user"] != "explicit" {
		t.Fatalf("decorated field overwrote event extra: %+v", captured.Extra)
	}
}

func TestMemorySinkReset(t *testing.T) {
	memory := sinks.NewMemorySink()
	if err := memory.Write(logging.Event{Type: "one"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	memory.Reset()
	if events := memory.Events(); len(events) != 0 {
		t.Fatalf("reset left %d events", len(events))
	}
}
