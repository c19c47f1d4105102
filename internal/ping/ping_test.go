package ping

import (
	"context"
	"testing"
	"time"

	"tavolo/internal/sched"
	"tavolo/internal/store"
	"tavolo/internal/viewport"
)

const pingsPath = "rooms/alpha/pings"

func newTestChannel(t *testing.T, mem *store.Memory, clock *sched.Manual, userID string) *Channel {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = pingsPath
	cfg.UserID = userID
	cfg.OriginName = "Ada"
	cfg.Color = "#3498db"
	return NewChannel(cfg, mem, clock, nil, nil)
}

func TestEmitShowsAndExpires(t *testing.T) {
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)
	channel := newTestChannel(t, mem, clock, "u1")

	var shown []Ping
	var removed []string
	channel.OnShow(func(p Ping) { shown = append(shown, p) })
	channel.OnRemove(func(id string) { removed = append(removed, id) })

	if err := channel.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer channel.Stop()

	if err := channel.Emit(context.Background(), viewport.Point{X: 100, Y: 200}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(shown) != 1 {
		t.Fatalf("shown %d pings, want 1", len(shown))
	}
	if shown[0].X != 100 || shown[0].Y != 200 || shown[0].UserID != "u1" {
		t.Fatalf("unexpected ping: %+v", shown[0])
	}
	if shown[0].ExpiresAt-shown[0].CreatedAt != (4 * time.Second).Milliseconds() {
		t.Fatalf("TTL window %d ms", shown[0].ExpiresAt-shown[0].CreatedAt)
	}
	if len(channel.Active()) != 1 {
		t.Fatalf("active %d, want 1", len(channel.Active()))
	}

	clock.Advance(4 * time.Second)

	if len(removed) != 1 || removed[0] != shown[0].ID {
		t.Fatalf("expiry did not remove locally: %v", removed)
	}
	if len(channel.Active()) != 0 {
		t.Fatalf("ping still active after TTL")
	}
	if mem.Snapshot(store.JoinPath(pingsPath, shown[0].ID)) != nil {
		t.Fatalf("expired record still in store")
	}
	if clock.PendingTasks() != 0 {
		t.Fatalf("expiry timer leaked")
	}
}

func TestExpiredOnArrivalNeverShown(t *testing.T) {
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)
	ctx := context.Background()

	now := clock.Now().UnixMilli()
	if err := mem.Set(ctx, store.JoinPath(pingsPath, "old"), Ping{
		ID:        "old",
		UserID:    "u9",
		X:         5,
		Y:         5,
		CreatedAt: now - 10_000,
		ExpiresAt: now - 6_000,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	channel := newTestChannel(t, mem, clock, "u1")
	shown := 0
	channel.OnShow(func(Ping) { shown++ })

	if err := channel.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer channel.Stop()

	if shown != 0 {
		t.Fatalf("expired ping was shown")
	}
	if mem.Snapshot(store.JoinPath(pingsPath, "old")) != nil {
		t.Fatalf("expired record not deleted on arrival")
	}
}

func TestRemovalPropagatesBetweenClients(t *testing.T) {
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)

	emitter := newTestChannel(t, mem, clock, "u1")
	watcher := newTestChannel(t, mem, clock, "u2")

	removed := 0
	watcher.OnRemove(func(string) { removed++ })

	if err := emitter.Start(); err != nil {
		t.Fatalf("start emitter: %v", err)
	}
	defer emitter.Stop()
	if err := watcher.Start(); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer watcher.Stop()

	if err := emitter.Emit(context.Background(), viewport.Point{X: 1, Y: 2}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	if len(watcher.Active()) != 1 {
		t.Fatalf("watcher did not mirror the ping")
	}

	// Whichever expiry timer fires first deletes the record; the other
	// client's delete is a no-op and both end up empty.
	clock.Advance(4 * time.Second)
	if len(emitter.Active()) != 0 || len(watcher.Active()) != 0 {
		t.Fatalf("pings survived expiry: emitter=%d watcher=%d",
			len(emitter.Active()), len(watcher.Active()))
	}
	if removed == 0 {
		t.Fatalf("watcher removal hook never fired")
	}
	if clock.PendingTasks() != 0 {
		t.Fatalf("%d timers leaked", clock.PendingTasks())
	}
}

func TestPingShownOnlyOnce(t *testing.T) {
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)
	channel := newTestChannel(t, mem, clock, "u1")

	shown := map[string]int{}
	channel.OnShow(func(p Ping) { shown[p.ID]++ })

	if err := channel.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer channel.Stop()

	ctx := context.Background()
	if err := channel.Emit(ctx, viewport.Point{X: 1, Y: 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	// A second write under the same parent redelivers the whole ping set.
	if err := channel.Emit(ctx, viewport.Point{X: 2, Y: 2}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	if len(shown) != 2 {
		t.Fatalf("want 2 distinct pings, got %d", len(shown))
	}
	for id, count := range shown {
		if count != 1 {
			t.Fatalf("ping %s shown %d times", id, count)
		}
	}
}

func TestEmitAtDroppedWithoutImage(t *testing.T) {
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)

	camera := viewport.NewCamera(viewport.DefaultConfig(), nil)
	cfg := DefaultConfig()
	cfg.Path = pingsPath
	cfg.UserID = "u1"
	channel := NewChannel(cfg, mem, clock, camera, nil)

	if err := channel.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer channel.Stop()

	if err := channel.EmitAt(context.Background(), viewport.Point{X: 50, Y: 50}); err != nil {
		t.Fatalf("emit at: %v", err)
	}
	if pings := mem.Snapshot(pingsPath); pings != nil {
		t.Fatalf("gesture emitted without a loaded map: %#v", pings)
	}
}

func TestEmitAtConvertsToWorld(t *testing.T) {
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)

	camera := viewport.NewCamera(viewport.Config{MaxZoom: 3, ZoomStep: 1.2, Padding: 20}, nil)
	camera.SetContainerBounds(viewport.Point{}, viewport.Size{W: 800, H: 600})
	camera.LoadImage(viewport.Size{W: 1600, H: 1200})

	cfg := DefaultConfig()
	cfg.Path = pingsPath
	cfg.UserID = "u1"
	channel := NewChannel(cfg, mem, clock, camera, nil)

	var got Ping
	channel.OnShow(func(p Ping) { got = p })
	if err := channel.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer channel.Stop()

	screen := viewport.Point{X: 400, Y: 300}
	if err := channel.EmitAt(context.Background(), screen); err != nil {
		t.Fatalf("emit at: %v", err)
	}

	want := camera.ScreenToWorld(screen)
	if got.X != want.X || got.Y != want.Y {
		t.Fatalf("ping at (%v,%v), want (%v,%v)", got.X, got.Y, want.X, want.Y)
	}
}

func TestStopCancelsTimers(t *testing.T) {
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)
	channel := newTestChannel(t, mem, clock, "u1")

	if err := channel.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := channel.Emit(context.Background(), viewport.Point{X: 1, Y: 1}); err != nil {
		t.Fatalf("emit: %v", err)
	}

	channel.Stop()
	if clock.PendingTasks() != 0 {
		t.Fatalf("timers leaked after stop: %d", clock.PendingTasks())
	}
	if mem.SubscriberCount() != 0 {
		t.Fatalf("subscription leaked")
	}
}
