// Package session carries client identity and wires the sync components of
// one connected client together.
package session

import "tavolo/internal/store"

type Role string

const (
	RoleMaster Role = "master"
	RolePlayer Role = "player"
)

// Identity describes the local client as reported by the external identity
// provider. The engine never negotiates roles; it only reads them.
type Identity struct {
	UserID string
	Name   string
	Role   Role
	Room   string
}

// Authoritative reports whether this client is the session master, the single
// writer for playback state and token lifecycle.
func (i Identity) Authoritative() bool {
	return i.Role == RoleMaster
}

// Store paths for one room's namespace.

func (i Identity) usersPath() string {
	return store.JoinPath("rooms", i.Room, "users")
}

func (i Identity) PresencePath() string {
	return store.JoinPath(i.usersPath(), i.UserID)
}

func (i Identity) RosterPath() string {
	return i.usersPath()
}

func (i Identity) PingsPath() string {
	return store.JoinPath("rooms", i.Room, "pings")
}

func (i Identity) TokensPath() string {
	return store.JoinPath("rooms", i.Room, "tokens")
}

func (i Identity) SettingsPath() string {
	return store.JoinPath("rooms", i.Room, "settings")
}

func (i Identity) PlaybackPath() string {
	return store.JoinPath("rooms", i.Room, "musicState")
}

func (i Identity) PlaylistPath() string {
	return store.JoinPath("rooms", i.Room, "playlist")
}
