package session

import (
	"context"
	"fmt"
	"time"

	"tavolo/internal/ping"
	"tavolo/internal/playback"
	"tavolo/internal/presence"
	"tavolo/internal/sched"
	"tavolo/internal/store"
	"tavolo/internal/token"
	"tavolo/internal/viewport"
	"tavolo/logging"
	"tavolo/logging/lifecycle"
)

type Config struct {
	Identity Identity

	HeartbeatInterval time.Duration
	LivenessThreshold time.Duration
	EvictionThreshold time.Duration
	PingTTL           time.Duration
	PublishInterval   time.Duration
	DriftTolerance    time.Duration
	Viewport          viewport.Config
}

func DefaultConfig(identity Identity) Config {
	presenceDefaults := presence.DefaultConfig()
	playbackDefaults := playback.DefaultConfig()
	return Config{
		Identity:          identity,
		HeartbeatInterval: presenceDefaults.HeartbeatInterval,
		LivenessThreshold: presenceDefaults.LivenessThreshold,
		EvictionThreshold: presenceDefaults.EvictionThreshold,
		PingTTL:           ping.DefaultConfig().TTL,
		PublishInterval:   playbackDefaults.PublishInterval,
		DriftTolerance:    playbackDefaults.DriftTolerance,
		Viewport:          viewport.DefaultConfig(),
	}
}

// Engine wires the sync components of one client: viewport transforms,
// presence heartbeat, ping channel, token placement, and the role-appropriate
// playback side. Closing the engine cancels every timer and subscription;
// leaking them past navigation is a bug, not a shrug.
type Engine struct {
	cfg    Config
	store  store.Store
	sched  sched.Scheduler
	logger logging.Publisher

	Camera   *viewport.Camera
	Presence *presence.Tracker
	Pings    *ping.Channel
	Tokens   *token.Placer
	Playlist *playback.Playlist

	// Controller is non-nil on the authoritative client, Follower on
	// everyone else.
	Controller *playback.Controller
	Follower   *playback.Follower

	started bool
}

func NewEngine(cfg Config, st store.Store, scheduler sched.Scheduler, player playback.Player, logger logging.Publisher) *Engine {
	if logger == nil {
		logger = logging.NopPublisher()
	}
	identity := cfg.Identity
	logger = logging.WithFields(logger, map[string]any{
		"room": identity.Room,
		"user": identity.UserID,
	})

	camera := viewport.NewCamera(cfg.Viewport, logger)
	color := UserColor(identity.UserID)

	engine := &Engine{
		cfg:    cfg,
		store:  st,
		sched:  scheduler,
		logger: logger,
		Camera: camera,
	}

	engine.Presence = presence.NewTracker(presence.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		LivenessThreshold: cfg.LivenessThreshold,
		EvictionThreshold: cfg.EvictionThreshold,
		OwnPath:           identity.PresencePath(),
		RosterPath:        identity.RosterPath(),
		UserID:            identity.UserID,
		Name:              identity.Name,
		Role:              string(identity.Role),
		Color:             color,
	}, st, scheduler, logger)

	engine.Pings = ping.NewChannel(ping.Config{
		TTL:        cfg.PingTTL,
		Path:       identity.PingsPath(),
		UserID:     identity.UserID,
		OriginName: identity.Name,
		Color:      color,
	}, st, scheduler, camera, logger)

	engine.Tokens = token.NewPlacer(token.Config{
		TokensPath:    identity.TokensPath(),
		SettingsPath:  identity.SettingsPath(),
		UserName:      identity.Name,
		UserID:        identity.UserID,
		Authoritative: identity.Authoritative(),
	}, st, camera, logger)

	engine.Playlist = playback.NewPlaylist(identity.PlaylistPath(), identity.Authoritative(), st)

	playbackCfg := playback.Config{
		Path:            identity.PlaybackPath(),
		PublishInterval: cfg.PublishInterval,
		DriftTolerance:  cfg.DriftTolerance,
		Authoritative:   identity.Authoritative(),
		UserID:          identity.UserID,
	}
	if identity.Authoritative() {
		engine.Controller = playback.NewController(playbackCfg, st, scheduler, player, engine.Playlist, logger)
	} else {
		engine.Follower = playback.NewFollower(playbackCfg, st, scheduler, player, engine.Playlist, logger)
	}

	return engine
}

// Start brings every component online. On any failure the already-started
// components are torn down again.
func (e *Engine) Start(ctx context.Context) error {
	if e.started {
		return nil
	}

	if err := e.Playlist.Start(); err != nil {
		return fmt.Errorf("session: start playlist: %w", err)
	}
	if err := e.Tokens.Start(); err != nil {
		e.Playlist.Stop()
		return fmt.Errorf("session: start tokens: %w", err)
	}
	if err := e.Pings.Start(); err != nil {
		e.Tokens.Stop()
		e.Playlist.Stop()
		return fmt.Errorf("session: start pings: %w", err)
	}
	var playbackErr error
	if e.Controller != nil {
		playbackErr = e.Controller.Start()
	} else {
		playbackErr = e.Follower.Start()
	}
	if playbackErr != nil {
		e.Pings.Stop()
		e.Tokens.Stop()
		e.Playlist.Stop()
		return fmt.Errorf("session: start playback: %w", playbackErr)
	}
	if err := e.Presence.Start(ctx); err != nil {
		e.stopPlayback()
		e.Pings.Stop()
		e.Tokens.Stop()
		e.Playlist.Stop()
		return fmt.Errorf("session: start presence: %w", err)
	}

	e.started = true
	lifecycle.SessionJoined(ctx, e.logger,
		logging.EntityRef{ID: e.cfg.Identity.UserID, Kind: logging.EntityKindUser},
		lifecycle.SessionJoinedPayload{Room: e.cfg.Identity.Room, Role: string(e.cfg.Identity.Role)},
		nil,
	)
	return nil
}

// Close tears the session down: offline presence write, then every timer and
// subscription is cancelled.
func (e *Engine) Close(ctx context.Context, reason string) {
	if !e.started {
		return
	}
	e.started = false

	e.Presence.Stop(ctx)
	e.stopPlayback()
	e.Pings.Stop()
	e.Tokens.Stop()
	e.Playlist.Stop()

	lifecycle.SessionLeft(ctx, e.logger,
		logging.EntityRef{ID: e.cfg.Identity.UserID, Kind: logging.EntityKindUser},
		lifecycle.SessionLeftPayload{Reason: reason},
		nil,
	)
}

func (e *Engine) stopPlayback() {
	if e.Controller != nil {
		e.Controller.Stop()
	}
	if e.Follower != nil {
		e.Follower.Stop()
	}
}
