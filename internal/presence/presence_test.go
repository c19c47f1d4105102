package presence

import (
	"context"
	"testing"
	"time"

	"tavolo/internal/sched"
	"tavolo/internal/store"
)

const (
	rosterPath = "rooms/alpha/users"
	ownPath    = "rooms/alpha/users/u1"
)

func newTestTracker(t *testing.T) (*Tracker, *store.Memory, *sched.Manual) {
	t.Helper()
	clock := sched.NewManual(time.UnixMilli(1_700_000_000_000))
	mem := store.NewMemory(clock)
	cfg := DefaultConfig()
	cfg.OwnPath = ownPath
	cfg.RosterPath = rosterPath
	cfg.UserID = "u1"
	cfg.Name = "Ada"
	cfg.Role = "master"
	cfg.Color = "#e74c3c"
	return NewTracker(cfg, mem, clock, nil), mem, clock
}

func ownRecord(t *testing.T, mem *store.Memory) map[string]any {
	t.Helper()
	record, _ := mem.Snapshot(ownPath).(map[string]any)
	if record == nil {
		t.Fatalf("own presence record missing")
	}
	return record
}

func TestStartWritesOnlineRecord(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop(ctx)

	record := ownRecord(t, mem)
	if record["status"] != "online" || record["name"] != "Ada" || record["role"] != "master" {
		t.Fatalf("unexpected record: %#v", record)
	}
	lastSeen, ok := record["lastSeen"].(float64)
	if !ok || int64(lastSeen) < clock.Now().UnixMilli() {
		t.Fatalf("lastSeen not resolved to server time: %#v", record["lastSeen"])
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop(ctx)

	first, _ := ownRecord(t, mem)["lastSeen"].(float64)
	clock.Advance(30 * time.Second)
	second, _ := ownRecord(t, mem)["lastSeen"].(float64)
	if second <= first {
		t.Fatalf("heartbeat did not refresh lastSeen: %v -> %v", first, second)
	}
}

func TestHiddenClientSkipsHeartbeat(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop(ctx)

	tracker.SetVisible(ctx, false)
	if status := ownRecord(t, mem)["status"]; status != "away" {
		t.Fatalf("status %v after hide, want away", status)
	}

	hiddenAt, _ := ownRecord(t, mem)["lastSeen"].(float64)
	clock.Advance(90 * time.Second)
	if got, _ := ownRecord(t, mem)["lastSeen"].(float64); got != hiddenAt {
		t.Fatalf("heartbeat ran while hidden: %v -> %v", hiddenAt, got)
	}

	tracker.SetVisible(ctx, true)
	record := ownRecord(t, mem)
	if record["status"] != "online" {
		t.Fatalf("status %v after show, want online", record["status"])
	}
	if shown, _ := record["lastSeen"].(float64); shown <= hiddenAt {
		t.Fatalf("show did not refresh lastSeen")
	}
}

func TestClassify(t *testing.T) {
	tracker, _, clock := newTestTracker(t)
	now := clock.Now()

	fresh := Record{UserID: "u2", Status: StatusOnline, LastSeen: now.Add(-time.Minute).UnixMilli()}
	if got := tracker.Classify(fresh, now); got != StatusOnline {
		t.Fatalf("fresh record classified %v", got)
	}

	stale := Record{UserID: "u3", Status: StatusOnline, LastSeen: now.Add(-150 * time.Second).UnixMilli()}
	if got := tracker.Classify(stale, now); got != StatusOffline {
		t.Fatalf("stale record classified %v, want offline", got)
	}

	away := Record{UserID: "u4", Status: StatusAway, LastSeen: now.Add(-time.Minute).UnixMilli()}
	if got := tracker.Classify(away, now); got != StatusAway {
		t.Fatalf("away record classified %v", got)
	}

	storedOffline := Record{UserID: "u5", Status: StatusOffline, LastSeen: now.UnixMilli()}
	if got := tracker.Classify(storedOffline, now); got != StatusOffline {
		t.Fatalf("stored offline classified %v", got)
	}
}

func TestEvictsLongSilentRecords(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	staleAt := clock.Now().Add(-6 * time.Minute).UnixMilli()
	if err := mem.Set(ctx, store.JoinPath(rosterPath, "ghost"), map[string]any{
		"userId":   "ghost",
		"name":     "Gone",
		"role":     "player",
		"status":   "online",
		"lastSeen": staleAt,
	}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop(ctx)

	if mem.Snapshot(store.JoinPath(rosterPath, "ghost")) != nil {
		t.Fatalf("stale record not removed from store")
	}
	for _, record := range tracker.Roster() {
		if record.UserID == "ghost" {
			t.Fatalf("stale record still in roster")
		}
	}
}

func TestRosterSortsMasterFirst(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	now := clock.Now().UnixMilli()
	seed := func(id, name, role string) {
		if err := mem.Set(ctx, store.JoinPath(rosterPath, id), map[string]any{
			"userId": id, "name": name, "role": role, "status": "online", "lastSeen": now,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}
	seed("p2", "Zola", "player")
	seed("p1", "Ana", "player")

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop(ctx)

	roster := tracker.Roster()
	if len(roster) != 3 {
		t.Fatalf("roster size %d, want 3", len(roster))
	}
	if roster[0].UserID != "u1" {
		t.Fatalf("master not first: %+v", roster)
	}
	if roster[1].Name != "Ana" || roster[2].Name != "Zola" {
		t.Fatalf("players not sorted by name: %+v", roster)
	}
}

func TestStopWritesOfflineAndReleasesEverything(t *testing.T) {
	tracker, mem, clock := newTestTracker(t)
	ctx := context.Background()

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tracker.Stop(ctx)

	if status := ownRecord(t, mem)["status"]; status != "offline" {
		t.Fatalf("status %v after stop, want offline", status)
	}
	if clock.PendingTasks() != 0 {
		t.Fatalf("heartbeat task leaked: %d pending", clock.PendingTasks())
	}
	if mem.SubscriberCount() != 0 {
		t.Fatalf("roster subscription leaked: %d", mem.SubscriberCount())
	}

	// A second stop must not write again or panic.
	before, _ := ownRecord(t, mem)["lastSeen"].(float64)
	tracker.Stop(ctx)
	if after, _ := ownRecord(t, mem)["lastSeen"].(float64); after != before {
		t.Fatalf("second stop rewrote record")
	}
}

func TestRosterCallbackFires(t *testing.T) {
	tracker, mem, _ := newTestTracker(t)
	ctx := context.Background()

	var lastRoster []Record
	tracker.OnRoster(func(records []Record) { lastRoster = records })

	if err := tracker.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer tracker.Stop(ctx)

	if err := mem.Set(ctx, store.JoinPath(rosterPath, "p9"), map[string]any{
		"userId": "p9", "name": "Nix", "role": "player", "status": "online",
		"lastSeen": mem.ServerTimestamp(),
	}); err != nil {
		t.Fatalf("set: %v", err)
	}

	if len(lastRoster) != 2 {
		t.Fatalf("roster callback saw %d records, want 2", len(lastRoster))
	}
}
