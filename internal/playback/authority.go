package playback

import (
	"context"
	"errors"
	"sync"
	"time"

	"tavolo/internal/sched"
	"tavolo/internal/store"
	"tavolo/logging"
	"tavolo/logging/network"
)

var (
	// ErrNotAuthoritative rejects an authoritative-only action locally,
	// before any network call.
	ErrNotAuthoritative = errors.New("playback: requires the authoritative client")
	// ErrUnknownTrack means the track id is not in the playlist mirror.
	ErrUnknownTrack = errors.New("playback: unknown track")
)

type Config struct {
	Path            string
	PublishInterval time.Duration
	DriftTolerance  time.Duration
	Authoritative   bool
	UserID          string
}

func DefaultConfig() Config {
	return Config{
		PublishInterval: 2 * time.Second,
		DriftTolerance:  2 * time.Second,
	}
}

// Controller is the authoritative side: it owns local playback and publishes
// State on every user action and on a periodic tick while playing. Publishes
// never overlap; a state change landing mid-publish queues one trailing
// publish instead.
type Controller struct {
	cfg      Config
	store    store.Store
	sched    sched.Scheduler
	logger   logging.Publisher
	player   Player
	playlist *Playlist

	mu         sync.Mutex
	trackID    string
	playing    bool
	looping    bool
	blocked    bool
	publishing bool
	queued     bool
	retry      bool
	cancelTick sched.CancelFunc
	started    bool
}

func NewController(cfg Config, st store.Store, scheduler sched.Scheduler, player Player, playlist *Playlist, logger logging.Publisher) *Controller {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = DefaultConfig().PublishInterval
	}
	if logger == nil {
		logger = logging.NopPublisher()
	}
	return &Controller{
		cfg:      cfg,
		store:    st,
		sched:    scheduler,
		logger:   logger,
		player:   player,
		playlist: playlist,
	}
}

func (c *Controller) Start() error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	c.player.SetOnEnded(c.handleEnded)
	cancel := c.sched.Repeat(c.cfg.PublishInterval, c.tick)
	c.mu.Lock()
	c.cancelTick = cancel
	c.mu.Unlock()
	return nil
}

func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancelTick
	c.cancelTick = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// tick republishes while playing so followers' extrapolation baseline stays
// fresh, and retries any previously failed publish.
func (c *Controller) tick() {
	c.mu.Lock()
	shouldPublish := c.started && (c.playing || c.retry)
	c.mu.Unlock()
	if shouldPublish {
		c.publish(context.Background())
	}
}

// SelectTrack loads a playlist track and publishes the paused state at zero.
func (c *Controller) SelectTrack(ctx context.Context, trackID string) error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	track, ok := c.playlist.Get(trackID)
	if !ok {
		return ErrUnknownTrack
	}
	c.player.Load(track.URL)
	c.mu.Lock()
	c.trackID = trackID
	c.playing = false
	c.mu.Unlock()
	c.publish(ctx)
	return nil
}

// Play starts local playback and publishes. An autoplay rejection is surfaced
// as a blocked state, not a failure of the sync loop.
func (c *Controller) Play(ctx context.Context) error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	if err := c.player.Play(); err != nil {
		if errors.Is(err, ErrBlocked) {
			c.mu.Lock()
			c.blocked = true
			c.mu.Unlock()
			return ErrBlocked
		}
		return err
	}
	c.mu.Lock()
	c.blocked = false
	c.playing = true
	c.mu.Unlock()
	c.publish(ctx)
	return nil
}

func (c *Controller) Pause(ctx context.Context) error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	c.player.Pause()
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
	c.publish(ctx)
	return nil
}

func (c *Controller) TogglePlay(ctx context.Context) error {
	c.mu.Lock()
	playing := c.playing
	c.mu.Unlock()
	if playing {
		return c.Pause(ctx)
	}
	return c.Play(ctx)
}

func (c *Controller) ToggleLoop(ctx context.Context) error {
	if !c.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	c.mu.Lock()
	c.looping = !c.looping
	c.mu.Unlock()
	c.publish(ctx)
	return nil
}

// Blocked reports whether the last play attempt hit the autoplay policy.
func (c *Controller) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// Retry replays a blocked play from a fresh user gesture.
func (c *Controller) Retry(ctx context.Context) error {
	c.mu.Lock()
	blocked := c.blocked
	c.mu.Unlock()
	if !blocked {
		return nil
	}
	return c.Play(ctx)
}

// handleEnded fires from the local media element. With looping on, playback
// restarts at zero and state is republished so followers' extrapolation
// baseline resets; otherwise the stop is published.
func (c *Controller) handleEnded() {
	ctx := context.Background()
	c.mu.Lock()
	looping := c.looping
	c.mu.Unlock()

	if looping {
		c.player.Seek(0)
		if err := c.player.Play(); err != nil {
			c.mu.Lock()
			c.playing = false
			c.blocked = errors.Is(err, ErrBlocked)
			c.mu.Unlock()
		}
	} else {
		c.mu.Lock()
		c.playing = false
		c.mu.Unlock()
	}
	c.publish(ctx)
}

// State reports the controller's local view, for the presentation layer.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		TrackID:         c.trackID,
		IsPlaying:       c.playing,
		IsLooping:       c.looping,
		PositionSeconds: c.player.Position(),
	}
}

// publish writes the current state with a server-resolved UpdatedAt. If a
// publish is already in flight the new state queues exactly one trailing
// write, preventing stale overwrites from overlapping publications.
func (c *Controller) publish(ctx context.Context) {
	c.mu.Lock()
	if c.publishing {
		c.queued = true
		c.mu.Unlock()
		return
	}
	c.publishing = true
	for {
		record := map[string]any{
			"trackId":         c.trackID,
			"isPlaying":       c.playing,
			"isLooping":       c.looping,
			"positionSeconds": c.player.Position(),
			"updatedAt":       c.store.ServerTimestamp(),
		}
		c.mu.Unlock()
		err := c.store.Set(ctx, c.cfg.Path, record)
		c.mu.Lock()
		if err != nil {
			// Retried by the next periodic tick, never synchronously.
			c.retry = true
			network.StoreWriteFailed(ctx, c.logger, logging.EntityRef{ID: c.cfg.UserID, Kind: logging.EntityKindUser}, network.StoreWritePayload{
				Path: c.cfg.Path,
				Op:   "set",
				Err:  err.Error(),
			})
		} else {
			c.retry = false
		}
		if !c.queued {
			break
		}
		c.queued = false
	}
	c.publishing = false
	c.mu.Unlock()
}
