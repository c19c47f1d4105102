// Package ping broadcasts transient, self-expiring markers anchored at world
// coordinates. Losing a ping is cosmetic; nothing else depends on them.
package ping

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"tavolo/internal/sched"
	"tavolo/internal/store"
	"tavolo/internal/viewport"
	"tavolo/logging"
	"tavolo/logging/network"
)

// Ping is one ephemeral marker. Valid until ExpiresAt, after which every
// client independently treats it as absent and deletes the record.
type Ping struct {
	ID         string  `json:"id"`
	UserID     string  `json:"userId"`
	OriginName string  `json:"originName"`
	Color      string  `json:"color"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	CreatedAt  int64   `json:"createdAt"`
	ExpiresAt  int64   `json:"expiresAt"`
}

type Config struct {
	TTL        time.Duration
	Path       string
	UserID     string
	OriginName string
	Color      string
}

func DefaultConfig() Config {
	return Config{TTL: 4 * time.Second}
}

// Channel emits pings and mirrors the live set from the store. Every
// subscriber schedules its own expiry; whoever fires first deletes the
// record, everyone else's delete is a no-op.
type Channel struct {
	cfg    Config
	store  store.Store
	sched  sched.Scheduler
	camera *viewport.Camera
	logger logging.Publisher

	mu       sync.Mutex
	active   map[string]*activePing
	sub      store.Handle
	started  bool
	onShow   func(Ping)
	onRemove func(id string)
}

type activePing struct {
	ping   Ping
	cancel sched.CancelFunc
}

func NewChannel(cfg Config, st store.Store, scheduler sched.Scheduler, camera *viewport.Camera, logger logging.Publisher) *Channel {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if logger == nil {
		logger = logging.NopPublisher()
	}
	return &Channel{
		cfg:    cfg,
		store:  st,
		sched:  scheduler,
		camera: camera,
		logger: logger,
		active: make(map[string]*activePing),
	}
}

// OnShow and OnRemove register the renderer hooks. Set before Start.
func (c *Channel) OnShow(fn func(Ping)) {
	c.mu.Lock()
	c.onShow = fn
	c.mu.Unlock()
}

func (c *Channel) OnRemove(fn func(id string)) {
	c.mu.Lock()
	c.onRemove = fn
	c.mu.Unlock()
}

func (c *Channel) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	sub, err := c.store.Subscribe(c.cfg.Path, c.handleChange)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
	return nil
}

func (c *Channel) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	sub := c.sub
	active := c.active
	c.active = make(map[string]*activePing)
	c.mu.Unlock()

	c.store.Unsubscribe(sub)
	for _, entry := range active {
		entry.cancel()
	}
}

// EmitAt converts a screen gesture to world coordinates and emits there. The
// gesture is dropped while no map image is loaded.
func (c *Channel) EmitAt(ctx context.Context, screen viewport.Point) error {
	if c.camera == nil || !c.camera.Loaded() {
		return nil
	}
	return c.Emit(ctx, c.camera.ScreenToWorld(screen))
}

// Emit writes a new ping at a world coordinate with the configured TTL.
func (c *Channel) Emit(ctx context.Context, world viewport.Point) error {
	now := c.sched.Now()
	p := Ping{
		ID:         uuid.NewString(),
		UserID:     c.cfg.UserID,
		OriginName: c.cfg.OriginName,
		Color:      c.cfg.Color,
		X:          world.X,
		Y:          world.Y,
		CreatedAt:  now.UnixMilli(),
		ExpiresAt:  now.Add(c.cfg.TTL).UnixMilli(),
	}
	err := c.store.Set(ctx, store.JoinPath(c.cfg.Path, p.ID), p)
	if err != nil {
		network.StoreWriteFailed(ctx, c.logger, logging.EntityRef{ID: c.cfg.UserID, Kind: logging.EntityKindUser}, network.StoreWritePayload{
			Path: c.cfg.Path,
			Op:   "set",
			Err:  err.Error(),
		})
	}
	return err
}

// Active returns the currently rendered pings.
func (c *Channel) Active() []Ping {
	c.mu.Lock()
	defer c.mu.Unlock()
	pings := make([]Ping, 0, len(c.active))
	for _, entry := range c.active {
		pings = append(pings, entry.ping)
	}
	return pings
}

func (c *Channel) handleChange(change store.Change) {
	now := c.sched.Now().UnixMilli()
	incoming := make(map[string]Ping)
	if records, ok := change.Value.(map[string]any); ok {
		for id, raw := range records {
			p, err := decodePing(raw)
			if err != nil {
				continue
			}
			if p.ID == "" {
				p.ID = id
			}
			incoming[p.ID] = p
		}
	}

	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	type removal struct {
		id          string
		cancel      sched.CancelFunc
		deleteStore bool
	}
	removals := make([]removal, 0)
	additions := make([]Ping, 0)

	// Drop local pings that vanished from the store (someone else expired
	// them first).
	for id, entry := range c.active {
		if _, ok := incoming[id]; !ok {
			removals = append(removals, removal{id: id, cancel: entry.cancel})
			delete(c.active, id)
		}
	}

	for id, p := range incoming {
		if p.ExpiresAt <= now {
			// Late notification: already expired, never render.
			if entry, ok := c.active[id]; ok {
				removals = append(removals, removal{id: id, cancel: entry.cancel})
				delete(c.active, id)
			}
			removals = append(removals, removal{id: id, deleteStore: true})
			continue
		}
		if _, ok := c.active[id]; ok {
			continue // never render the same ping twice
		}
		pingID := id
		cancel := c.sched.After(time.Duration(p.ExpiresAt-now)*time.Millisecond, func() {
			c.expire(pingID)
		})
		c.active[id] = &activePing{ping: p, cancel: cancel}
		additions = append(additions, p)
	}
	onShow := c.onShow
	onRemove := c.onRemove
	c.mu.Unlock()

	ctx := context.Background()
	for _, r := range removals {
		if r.cancel != nil {
			r.cancel()
		}
		if r.deleteStore {
			c.deleteRecord(ctx, r.id)
		}
		if onRemove != nil && !r.deleteStore {
			onRemove(r.id)
		}
	}
	if onShow != nil {
		for _, p := range additions {
			onShow(p)
		}
	}
}

// expire removes the local rendering and deletes the store record. Last
// deleter wins; duplicate deletes are no-ops.
func (c *Channel) expire(id string) {
	c.mu.Lock()
	entry, ok := c.active[id]
	if ok {
		delete(c.active, id)
	}
	onRemove := c.onRemove
	c.mu.Unlock()

	if ok && entry.cancel != nil {
		entry.cancel()
	}
	if onRemove != nil && ok {
		onRemove(id)
	}
	c.deleteRecord(context.Background(), id)
}

func (c *Channel) deleteRecord(ctx context.Context, id string) {
	path := store.JoinPath(c.cfg.Path, id)
	if err := c.store.Remove(ctx, path); err != nil {
		network.StoreWriteFailed(ctx, c.logger, logging.EntityRef{ID: c.cfg.UserID, Kind: logging.EntityKindUser}, network.StoreWritePayload{
			Path: path,
			Op:   "remove",
			Err:  err.Error(),
		})
	}
}

func decodePing(raw any) (Ping, error) {
	data, err := json.Marshal(raw)
	if err != nil {
		return Ping{}, err
	}
	var p Ping
	if err := json.Unmarshal(data, &p); err != nil {
		return Ping{}, err
	}
	return p, nil
}
