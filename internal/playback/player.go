package playback

import "errors"

// ErrBlocked is returned by Player.Play when the platform's autoplay policy
// refuses playback without a fresh user gesture. It is recoverable: the sync
// loop keeps running and Retry replays the pending state.
var ErrBlocked = errors.New("playback: blocked by autoplay policy")

// Player abstracts the local media element. The presentation layer provides
// the real one; tests provide a spy. Volume stays on the Player and is never
// synchronized.
type Player interface {
	// Load switches the media source. Position resets to zero.
	Load(url string)
	// Play starts playback, possibly returning ErrBlocked.
	Play() error
	Pause()
	// Seek jumps to a position in seconds.
	Seek(seconds float64)
	// Position reports the current position in seconds.
	Position() float64
	// SetOnEnded registers the end-of-track callback.
	SetOnEnded(fn func())
}
