// Package playback keeps one authoritative playback source and any number of
// follower clients audibly synchronized across independent local clocks.
package playback

import (
	"encoding/json"
)

// State is the published playback record. Exactly one client per session (the
// master) writes it; UpdatedAt strictly increases on every write, and
// followers key change detection off it.
type State struct {
	TrackID         string  `json:"trackId,omitempty"`
	IsPlaying       bool    `json:"isPlaying"`
	IsLooping       bool    `json:"isLooping"`
	PositionSeconds float64 `json:"positionSeconds"`
	UpdatedAt       int64   `json:"updatedAt"`
}

// Extrapolate computes the expected playback position at nowMillis,
// compensating for delivery latency: the stored position plus however long
// ago the authority stamped it. Paused state never extrapolates.
func Extrapolate(s State, nowMillis int64) float64 {
	if !s.IsPlaying {
		return s.PositionSeconds
	}
	elapsed := float64(nowMillis-s.UpdatedAt) / 1000
	if elapsed < 0 {
		// The follower clock lags the store clock; never extrapolate backward.
		elapsed = 0
	}
	return s.PositionSeconds + elapsed
}

func decodeState(raw any) (State, bool) {
	if raw == nil {
		return State{}, false
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return State{}, false
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, false
	}
	return s, true
}
