// Package presence publishes the local client's liveness heartbeat and
// classifies every known client's liveness, evicting records nobody has
// refreshed in a long time.
package presence

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"tavolo/internal/sched"
	"tavolo/internal/store"
	"tavolo/logging"
	"tavolo/logging/lifecycle"
	"tavolo/logging/network"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// Record is one client's presence entry. Only its owner writes it; everyone
// reads it. Status is re-derived on read: a stale LastSeen overrides whatever
// status the owner last stored.
type Record struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Role     string `json:"role"`
	Color    string `json:"color,omitempty"`
	LastSeen int64  `json:"lastSeen"`
	Status   Status `json:"status"`
}

type Config struct {
	HeartbeatInterval  time.Duration
	LivenessThreshold  time.Duration
	EvictionThreshold  time.Duration
	OwnPath            string // this client's presence record
	RosterPath         string // parent path holding all records
	UserID, Name, Role string
	Color              string
}

func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		LivenessThreshold: 2 * time.Minute,
		EvictionThreshold: 5 * time.Minute,
	}
}

// Tracker runs the heartbeat loop and maintains the classified roster.
type Tracker struct {
	cfg    Config
	store  store.Store
	sched  sched.Scheduler
	logger logging.Publisher

	mu       sync.Mutex
	roster   map[string]Record
	visible  bool
	started  bool
	cancel   sched.CancelFunc
	sub      store.Handle
	onRoster func([]Record)
	failing  bool
}

func NewTracker(cfg Config, st store.Store, scheduler sched.Scheduler, logger logging.Publisher) *Tracker {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.LivenessThreshold <= 0 {
		cfg.LivenessThreshold = DefaultConfig().LivenessThreshold
	}
	if cfg.EvictionThreshold <= 0 {
		cfg.EvictionThreshold = DefaultConfig().EvictionThreshold
	}
	if logger == nil {
		logger = logging.NopPublisher()
	}
	return &Tracker{
		cfg:     cfg,
		store:   st,
		sched:   scheduler,
		logger:  logger,
		roster:  make(map[string]Record),
		visible: true,
	}
}

// OnRoster registers the callback invoked with the classified roster whenever
// it changes. Must be set before Start.
func (t *Tracker) OnRoster(fn func([]Record)) {
	t.mu.Lock()
	t.onRoster = fn
	t.mu.Unlock()
}

// Start writes the first heartbeat, subscribes to the roster, and schedules
// the periodic beat.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = true
	t.mu.Unlock()

	sub, err := t.store.Subscribe(t.cfg.RosterPath, t.handleRosterChange)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.sub = sub
	t.cancel = t.sched.Repeat(t.cfg.HeartbeatInterval, func() { t.beat(context.Background()) })
	t.mu.Unlock()

	t.writeStatus(ctx, StatusOnline)
	return nil
}

// Stop makes a best-effort offline write, then cancels the heartbeat and the
// roster subscription. Safe to call twice.
func (t *Tracker) Stop(ctx context.Context) {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	cancel := t.cancel
	sub := t.sub
	t.cancel = nil
	t.mu.Unlock()

	t.writeStatus(ctx, StatusOffline)
	if cancel != nil {
		cancel()
	}
	t.store.Unsubscribe(sub)
}

// SetVisible reflects page visibility. Hiding writes "away" immediately
// instead of waiting for the next tick; showing writes "online" immediately.
func (t *Tracker) SetVisible(ctx context.Context, visible bool) {
	t.mu.Lock()
	changed := t.visible != visible
	t.visible = visible
	started := t.started
	t.mu.Unlock()
	if !changed || !started {
		return
	}
	if visible {
		t.writeStatus(ctx, StatusOnline)
	} else {
		t.writeStatus(ctx, StatusAway)
	}
}

// beat refreshes the local record. A failed write is not retried here; the
// next tick is the retry.
func (t *Tracker) beat(ctx context.Context) {
	t.mu.Lock()
	visible := t.visible && t.started
	t.mu.Unlock()
	if !visible {
		return
	}
	t.writeStatus(ctx, StatusOnline)
}

func (t *Tracker) writeStatus(ctx context.Context, status Status) {
	err := t.store.Set(ctx, t.cfg.OwnPath, map[string]any{
		"userId":   t.cfg.UserID,
		"name":     t.cfg.Name,
		"role":     t.cfg.Role,
		"color":    t.cfg.Color,
		"status":   string(status),
		"lastSeen": t.store.ServerTimestamp(),
	})
	actor := logging.EntityRef{ID: t.cfg.UserID, Kind: logging.EntityKindUser}
	t.mu.Lock()
	wasFailing := t.failing
	t.failing = err != nil
	t.mu.Unlock()
	if err != nil {
		network.StoreWriteFailed(ctx, t.logger, actor, network.StoreWritePayload{
			Path: t.cfg.OwnPath,
			Op:   "set",
			Err:  err.Error(),
		})
		return
	}
	if wasFailing {
		network.StoreWriteRecovered(ctx, t.logger, actor, network.StoreWritePayload{
			Path: t.cfg.OwnPath,
			Op:   "set",
		})
	}
}

// Classify derives the effective status of a record at the given time.
func (t *Tracker) Classify(record Record, now time.Time) Status {
	if record.Status == "" || record.Status == StatusOffline {
		return StatusOffline
	}
	if record.LastSeen > 0 && now.UnixMilli()-record.LastSeen > t.cfg.LivenessThreshold.Milliseconds() {
		return StatusOffline
	}
	return record.Status
}

func (t *Tracker) handleRosterChange(change store.Change) {
	records, ok := change.Value.(map[string]any)
	now := t.sched.Now()

	roster := make(map[string]Record)
	if ok {
		for userID, raw := range records {
			record, err := decodeRecord(raw)
			if err != nil {
				continue
			}
			if record.UserID == "" {
				record.UserID = userID
			}
			if t.shouldEvict(record, now) {
				t.evict(record, now)
				continue
			}
			record.Status = t.Classify(record, now)
			roster[record.UserID] = record
		}
	}

	t.mu.Lock()
	t.roster = roster
	fn := t.onRoster
	t.mu.Unlock()
	if fn != nil {
		fn(t.Roster())
	}
}

func (t *Tracker) shouldEvict(record Record, now time.Time) bool {
	return record.LastSeen > 0 && now.UnixMilli()-record.LastSeen > t.cfg.EvictionThreshold.Milliseconds()
}

// evict removes a long-silent record. Any client may do this; Remove is
// idempotent so concurrent evictions are harmless.
func (t *Tracker) evict(record Record, now time.Time) {
	ctx := context.Background()
	path := store.JoinPath(t.cfg.RosterPath, record.UserID)
	if err := t.store.Remove(ctx, path); err != nil {
		network.StoreWriteFailed(ctx, t.logger, logging.EntityRef{ID: t.cfg.UserID, Kind: logging.EntityKindUser}, network.StoreWritePayload{
			Path: path,
			Op:   "remove",
			Err:  err.Error(),
		})
		return
	}
	lifecycle.PresenceEvicted(ctx, t.logger,
		logging.EntityRef{ID: t.cfg.UserID, Kind: logging.EntityKindUser},
		logging.EntityRef{ID: record.UserID, Kind: logging.EntityKindUser},
		lifecycle.PresenceEvictedPayload{StaleMillis: now.UnixMilli() - record.LastSeen},
	)
}

// Roster returns the classified roster, master first, then by name.
func (t *Tracker) Roster() []Record {
	t.mu.Lock()
	records := make([]Record, 0, len(t.roster))
	for _, record := range t.roster {
		records = append(records, record)
	}
	t.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if (records[i].Role == "master") != (records[j].Role == "master") {
			return records[i].Role == "master"
		}
		if records[i].Name != records[j].Name {
			return records[i].Name < records[j].Name
		}
		return records[i].UserID < records[j].UserID
	})
	return records
}

func decodeRecord(raw any) (Record, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Record{}, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return Record{}, err
	}
	return record, nil
}
