package playback

import (
	"context"
	"errors"
	"math"
	"sync"

	"tavolo/internal/sched"
	"tavolo/internal/store"
	"tavolo/logging"
)

const eventFollowerBlocked logging.EventType = "playback.follower_blocked"

// Follower reconciles local playback to the observed authoritative State. It
// never writes the playback path; its only output is what the local player
// does.
type Follower struct {
	cfg      Config
	store    store.Store
	sched    sched.Scheduler
	logger   logging.Publisher
	player   Player
	playlist *Playlist

	mu            sync.Mutex
	last          State
	haveState     bool
	applyingState bool
	localPlaying  bool
	localLooping  bool
	blocked       bool
	pending       State
	sub           store.Handle
	started       bool
	onBlocked     func()
}

func NewFollower(cfg Config, st store.Store, scheduler sched.Scheduler, player Player, playlist *Playlist, logger logging.Publisher) *Follower {
	if cfg.DriftTolerance <= 0 {
		cfg.DriftTolerance = DefaultConfig().DriftTolerance
	}
	if logger == nil {
		logger = logging.NopPublisher()
	}
	return &Follower{
		cfg:      cfg,
		store:    st,
		sched:    scheduler,
		logger:   logger,
		player:   player,
		playlist: playlist,
	}
}

// OnBlocked registers the hook invoked when autoplay policy blocks the
// follower; the presentation layer shows a "tap to join audio" affordance.
func (f *Follower) OnBlocked(fn func()) {
	f.mu.Lock()
	f.onBlocked = fn
	f.mu.Unlock()
}

func (f *Follower) Start() error {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return nil
	}
	f.started = true
	f.mu.Unlock()

	f.player.SetOnEnded(f.handleEnded)
	sub, err := f.store.Subscribe(f.cfg.Path, f.handleChange)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sub = sub
	f.mu.Unlock()
	return nil
}

func (f *Follower) Stop() {
	f.mu.Lock()
	if !f.started {
		f.mu.Unlock()
		return
	}
	f.started = false
	sub := f.sub
	f.mu.Unlock()
	f.store.Unsubscribe(sub)
	f.player.Pause()
}

// Blocked reports whether the follower is waiting on a user gesture.
func (f *Follower) Blocked() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocked
}

// Retry replays the pending remote state from a fresh user gesture.
func (f *Follower) Retry() {
	f.mu.Lock()
	if !f.blocked {
		f.mu.Unlock()
		return
	}
	f.blocked = false
	pending := f.pending
	f.mu.Unlock()
	f.apply(pending, f.sched.Now().UnixMilli())
}

// handleChange reacts to a new authoritative State. Change detection keys off
// UpdatedAt: the authority's clock marks strictly increase, and an unchanged
// mark means an echo or a no-op fanout.
func (f *Follower) handleChange(change store.Change) {
	state, ok := decodeState(change.Value)
	if !ok {
		return
	}
	f.mu.Lock()
	if f.haveState && state.UpdatedAt <= f.last.UpdatedAt {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.apply(state, f.sched.Now().UnixMilli())
}

// apply reconciles the player to the remote state. The applyingState flag
// suppresses local media callbacks (ended) from reacting while remote state
// is being imposed.
func (f *Follower) apply(state State, nowMillis int64) {
	f.mu.Lock()
	prev := f.last
	hadState := f.haveState
	f.applyingState = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.applyingState = false
		f.last = state
		f.haveState = true
		f.localLooping = state.IsLooping
		f.mu.Unlock()
	}()

	// Track change: reload the source before touching position or playing.
	if state.TrackID != prev.TrackID || !hadState {
		if state.TrackID == "" {
			f.player.Pause()
			f.setPlaying(false)
		} else if track, ok := f.playlist.Get(state.TrackID); ok {
			f.player.Load(track.URL)
			f.setPlaying(false)
		}
	}

	wasPlaying := f.isPlaying()

	switch {
	case state.IsPlaying && !wasPlaying:
		// Start: seek to the latency-compensated position, then play.
		f.player.Seek(Extrapolate(state, nowMillis))
		if err := f.player.Play(); err != nil {
			f.handleBlocked(state, err)
			return
		}
		f.setPlaying(true)
	case !state.IsPlaying && wasPlaying:
		// Stop: the stored position is authoritative, no extrapolation.
		f.player.Pause()
		f.player.Seek(state.PositionSeconds)
		f.setPlaying(false)
	case state.IsPlaying && wasPlaying:
		// Steady playback: correct drift only beyond tolerance, so minor
		// jitter never causes audible seeking.
		expected := Extrapolate(state, nowMillis)
		drift := math.Abs(f.player.Position() - expected)
		if drift > f.cfg.DriftTolerance.Seconds() {
			f.player.Seek(expected)
		}
	default:
		// Paused on both sides: adopt the stored position.
		f.player.Seek(state.PositionSeconds)
	}
}

func (f *Follower) handleBlocked(state State, err error) {
	f.mu.Lock()
	f.setPlayingLocked(false)
	if errors.Is(err, ErrBlocked) {
		f.blocked = true
		f.pending = state
	}
	onBlocked := f.onBlocked
	f.mu.Unlock()

	f.logger.Publish(context.Background(), logging.Event{
		Type:     eventFollowerBlocked,
		Severity: logging.SeverityWarn,
		Category: logging.CategoryPlayback,
		Payload:  map[string]any{"trackId": state.TrackID},
	})
	if onBlocked != nil && errors.Is(err, ErrBlocked) {
		onBlocked()
	}
}

// handleEnded fires from the local media element. While remote state is being
// applied it is ignored. Loop restarts are handled locally by each client.
func (f *Follower) handleEnded() {
	f.mu.Lock()
	if f.applyingState {
		f.mu.Unlock()
		return
	}
	looping := f.localLooping
	f.mu.Unlock()

	if looping {
		f.player.Seek(0)
		if err := f.player.Play(); err != nil {
			f.setPlaying(false)
		}
		return
	}
	f.setPlaying(false)
}

func (f *Follower) isPlaying() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.localPlaying
}

func (f *Follower) setPlaying(playing bool) {
	f.mu.Lock()
	f.setPlayingLocked(playing)
	f.mu.Unlock()
}

func (f *Follower) setPlayingLocked(playing bool) {
	f.localPlaying = playing
}
