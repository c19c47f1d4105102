package lifecycle

import (
	"context"

	"tavolo/logging"
)

const (
	// EventSessionJoined is emitted when a client joins a room.
	EventSessionJoined logging.EventType = "lifecycle.session_joined"
	// EventSessionLeft is emitted when a client tears down its session.
	EventSessionLeft logging.EventType = "lifecycle.session_left"
	// EventPresenceEvicted is emitted when a stale presence record is removed.
	EventPresenceEvicted logging.EventType = "lifecycle.presence_evicted"
)

// SessionJoinedPayload captures room metadata for a joining client.
type SessionJoinedPayload struct {
	Room string `json:"room"`
	Role string `json:"role"`
}

// SessionLeftPayload captures the reason a client left.
type SessionLeftPayload struct {
	Reason string `json:"reason"`
}

// PresenceEvictedPayload captures how stale the evicted record was.
type PresenceEvictedPayload struct {
	StaleMillis int64 `json:"staleMillis"`
}

// SessionJoined publishes a session join event.
func SessionJoined(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionJoinedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionJoined,
		Room:     payload.Room,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySession,
		Payload:  payload,
		Extra:    extra,
	})
}

// SessionLeft publishes a session teardown event.
func SessionLeft(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload SessionLeftPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventSessionLeft,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySession,
		Payload:  payload,
		Extra:    extra,
	})
}

// PresenceEvicted publishes a stale-record eviction event.
func PresenceEvicted(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, target logging.EntityRef, payload PresenceEvictedPayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventPresenceEvicted,
		Actor:    actor,
		Targets:  []logging.EntityRef{target},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryPresence,
		Payload:  payload,
	})
}
