package token

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"tavolo/internal/store"
	"tavolo/internal/viewport"
	"tavolo/logging"
	"tavolo/logging/network"
)

var (
	// ErrNotAuthoritative rejects a lifecycle operation by a non-master
	// before any state transition or network call.
	ErrNotAuthoritative = errors.New("token: requires the authoritative client")
	// ErrMovementNotAllowed rejects a move while the permission flag is off.
	ErrMovementNotAllowed = errors.New("token: movement not permitted")
	// ErrNotFollowing means commit or pointer input arrived while idle.
	ErrNotFollowing = errors.New("token: no placement in progress")
	// ErrAlreadyFollowing means a placement is already in progress.
	ErrAlreadyFollowing = errors.New("token: placement already in progress")
	// ErrUnknownToken means the referenced token is not in the local mirror.
	ErrUnknownToken = errors.New("token: unknown token")
)

type followState int

const (
	stateIdle followState = iota
	statePlacing
	stateMoving
)

type Config struct {
	TokensPath    string
	SettingsPath  string
	UserName      string
	UserID        string
	Authoritative bool
}

// Placer is the placement state machine: Idle, or Following a pending object
// (a new template, or an existing token being relocated). The preview
// position is component-local and never written to the store.
type Placer struct {
	cfg    Config
	store  store.Store
	camera *viewport.Camera
	logger logging.Publisher

	mu            sync.Mutex
	state         followState
	pending       Template
	movingID      string
	preview       viewport.Point
	allowMovement bool
	tokens        map[string]Token
	tokenSub      store.Handle
	settingsSub   store.Handle
	started       bool
	onTokens      func([]Token)
}

func NewPlacer(cfg Config, st store.Store, camera *viewport.Camera, logger logging.Publisher) *Placer {
	if logger == nil {
		logger = logging.NopPublisher()
	}
	return &Placer{
		cfg:    cfg,
		store:  st,
		camera: camera,
		logger: logger,
		tokens: make(map[string]Token),
	}
}

// OnTokens registers the callback invoked with the token list whenever the
// store mirror changes. Set before Start.
func (p *Placer) OnTokens(fn func([]Token)) {
	p.mu.Lock()
	p.onTokens = fn
	p.mu.Unlock()
}

// Start subscribes to the token list and the movement-permission flag. The
// flag is re-read from every change, never cached from join time, because the
// master can flip it mid-session.
func (p *Placer) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = true
	p.mu.Unlock()

	tokenSub, err := p.store.Subscribe(p.cfg.TokensPath, p.handleTokensChange)
	if err != nil {
		return err
	}
	settingsSub, err := p.store.Subscribe(p.cfg.SettingsPath, p.handleSettingsChange)
	if err != nil {
		p.store.Unsubscribe(tokenSub)
		return err
	}
	p.mu.Lock()
	p.tokenSub = tokenSub
	p.settingsSub = settingsSub
	p.mu.Unlock()
	return nil
}

func (p *Placer) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	p.state = stateIdle
	tokenSub := p.tokenSub
	settingsSub := p.settingsSub
	p.mu.Unlock()

	p.store.Unsubscribe(tokenSub)
	p.store.Unsubscribe(settingsSub)
}

// BeginPlacement picks up a library template. Authoritative clients only;
// rejected before any state transition.
func (p *Placer) BeginPlacement(template Template) error {
	if !p.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != stateIdle {
		return ErrAlreadyFollowing
	}
	if template.Size == "" {
		template.Size = SizeMedium
	}
	p.state = statePlacing
	p.pending = template
	return nil
}

// BeginMove picks up an already-placed token for relocation. The permission
// flag is checked on every attempt, not just once.
func (p *Placer) BeginMove(tokenID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.canMoveLocked() {
		return ErrMovementNotAllowed
	}
	if p.state != stateIdle {
		return ErrAlreadyFollowing
	}
	token, ok := p.tokens[tokenID]
	if !ok {
		return ErrUnknownToken
	}
	p.state = stateMoving
	p.movingID = tokenID
	p.preview = viewport.Point{X: token.X, Y: token.Y}
	return nil
}

// PointerMove updates the preview position while following. No store writes
// happen here.
func (p *Placer) PointerMove(screen viewport.Point) {
	world := p.camera.ScreenToWorld(screen)
	p.mu.Lock()
	if p.state != stateIdle {
		p.preview = world
	}
	p.mu.Unlock()
}

// Preview reports whether a preview is active and where, for the renderer.
func (p *Placer) Preview() (viewport.Point, Template, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == stateIdle {
		return viewport.Point{}, Template{}, false
	}
	if p.state == stateMoving {
		token := p.tokens[p.movingID]
		return p.preview, Template{ImageRef: token.ImageRef, Name: token.Name, Color: token.Color, Size: token.Size}, true
	}
	return p.preview, p.pending, true
}

// CommitAt finalizes the follow at a screen point: a new token is created, a
// moved token gets a position-only update. While idle it writes nothing.
func (p *Placer) CommitAt(ctx context.Context, screen viewport.Point) error {
	world := p.camera.ScreenToWorld(screen)

	p.mu.Lock()
	state := p.state
	template := p.pending
	movingID := p.movingID
	canMove := p.canMoveLocked()
	p.mu.Unlock()

	switch state {
	case stateIdle:
		return ErrNotFollowing
	case stateMoving:
		// Re-check: the flag may have flipped while following.
		if !canMove {
			p.reset()
			return ErrMovementNotAllowed
		}
		// Update, not Set: unrelated fields must survive, and an update to a
		// token deleted meanwhile is a silent no-op.
		err := p.store.Update(ctx, store.JoinPath(p.cfg.TokensPath, movingID), map[string]any{
			"x": world.X,
			"y": world.Y,
		})
		if err != nil {
			p.writeFailed(ctx, movingID, "update", err)
			return err
		}
		p.reset()
		return nil
	default:
		token := Token{
			ID:        uuid.NewString(),
			ImageRef:  template.ImageRef,
			Name:      template.Name,
			Color:     template.Color,
			OwnerName: p.cfg.UserName,
			X:         world.X,
			Y:         world.Y,
			Size:      template.Size,
		}
		record := map[string]any{
			"id":        token.ID,
			"imageRef":  token.ImageRef,
			"name":      token.Name,
			"color":     token.Color,
			"ownerName": token.OwnerName,
			"x":         token.X,
			"y":         token.Y,
			"size":      string(token.Size),
			"placedAt":  p.store.ServerTimestamp(),
		}
		err := p.store.Set(ctx, store.JoinPath(p.cfg.TokensPath, token.ID), record)
		if err != nil {
			p.writeFailed(ctx, token.ID, "set", err)
			return err
		}
		p.reset()
		return nil
	}
}

// Cancel discards the preview without writing.
func (p *Placer) Cancel() {
	p.reset()
}

func (p *Placer) reset() {
	p.mu.Lock()
	p.state = stateIdle
	p.pending = Template{}
	p.movingID = ""
	p.mu.Unlock()
}

// Following reports whether a placement or move is in progress.
func (p *Placer) Following() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state != stateIdle
}

// CanMove reports whether this client may relocate tokens right now.
func (p *Placer) CanMove() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canMoveLocked()
}

func (p *Placer) canMoveLocked() bool {
	return p.cfg.Authoritative || p.allowMovement
}

// SetMovementAllowed flips the session-wide movement permission flag.
// Authoritative clients only.
func (p *Placer) SetMovementAllowed(ctx context.Context, allowed bool) error {
	if !p.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	// Set on the leaf: Update would no-op while the settings record does not
	// exist yet.
	return p.store.Set(ctx, store.JoinPath(p.cfg.SettingsPath, "allowTokenMovement"), allowed)
}

// Remove deletes a placed token. Authoritative clients only.
func (p *Placer) Remove(ctx context.Context, tokenID string) error {
	if !p.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	return p.store.Remove(ctx, store.JoinPath(p.cfg.TokensPath, tokenID))
}

// Resize changes a token's size class. Authoritative clients only.
func (p *Placer) Resize(ctx context.Context, tokenID string, size SizeClass) error {
	if !p.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	return p.store.Update(ctx, store.JoinPath(p.cfg.TokensPath, tokenID), map[string]any{
		"size": string(size),
	})
}

// Recolor changes a token's color tag. Authoritative clients only.
func (p *Placer) Recolor(ctx context.Context, tokenID string, color string) error {
	if !p.cfg.Authoritative {
		return ErrNotAuthoritative
	}
	return p.store.Update(ctx, store.JoinPath(p.cfg.TokensPath, tokenID), map[string]any{
		"color": color,
	})
}

// Tokens returns the local mirror of placed tokens.
func (p *Placer) Tokens() []Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens := make([]Token, 0, len(p.tokens))
	for _, t := range p.tokens {
		tokens = append(tokens, t)
	}
	return tokens
}

// Token looks up one token by id.
func (p *Placer) Token(id string) (Token, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tokens[id]
	return t, ok
}

func (p *Placer) handleTokensChange(change store.Change) {
	tokens := make(map[string]Token)
	if records, ok := change.Value.(map[string]any); ok {
		for id, raw := range records {
			t, err := decodeToken(raw)
			if err != nil {
				continue
			}
			if t.ID == "" {
				t.ID = id
			}
			tokens[t.ID] = t
		}
	}

	p.mu.Lock()
	p.tokens = tokens
	// A token deleted out from under an in-progress move cancels the move.
	if p.state == stateMoving {
		if _, ok := tokens[p.movingID]; !ok {
			p.state = stateIdle
			p.movingID = ""
		}
	}
	fn := p.onTokens
	p.mu.Unlock()
	if fn != nil {
		fn(p.Tokens())
	}
}

func (p *Placer) handleSettingsChange(change store.Change) {
	allowed := false
	if settings, ok := change.Value.(map[string]any); ok {
		if v, ok := settings["allowTokenMovement"].(bool); ok {
			allowed = v
		}
	}
	p.mu.Lock()
	p.allowMovement = allowed
	p.mu.Unlock()
}

func (p *Placer) writeFailed(ctx context.Context, tokenID, op string, err error) {
	network.StoreWriteFailed(ctx, p.logger, logging.EntityRef{ID: p.cfg.UserID, Kind: logging.EntityKindUser}, network.StoreWritePayload{
		Path: store.JoinPath(p.cfg.TokensPath, tokenID),
		Op:   op,
		Err:  err.Error(),
	})
}
