// Package proto defines the versioned websocket messages of the store
// transport: clients issue path writes and subscriptions, the server streams
// back acks and change notifications.
package proto

import (
	"encoding/json"
	"fmt"
)

const (
	// Version tracks the wire-protocol revision expected by clients.
	Version = 1
)

// Client message type identifiers.
const (
	TypeSet         = "set"
	TypeUpdate      = "update"
	TypeRemove      = "remove"
	TypePush        = "push"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHeartbeat   = "heartbeat"
)

// Server message type identifiers. Heartbeats share TypeHeartbeat.
const (
	TypeHello  = "hello"
	TypeAck    = "ack"
	TypeNack   = "nack"
	TypeChange = "change"
)

// ClientMessage is any request from a client. Seq correlates the server's ack
// or nack; SubID names a client-chosen subscription identifier.
type ClientMessage struct {
	Ver    int             `json:"ver,omitempty"`
	Type   string          `json:"type"`
	Seq    uint64          `json:"seq,omitempty"`
	Path   string          `json:"path,omitempty"`
	Value  json.RawMessage `json:"value,omitempty"`
	Fields json.RawMessage `json:"fields,omitempty"`
	SubID  uint64          `json:"subId,omitempty"`
	SentAt int64           `json:"sentAt,omitempty"`
}

// ServerMessage is any frame from the server. Key carries a push-generated
// child key on acks; Value carries the full value at the subscribed path on
// changes.
type ServerMessage struct {
	Ver        int             `json:"ver"`
	Type       string          `json:"type"`
	Seq        uint64          `json:"seq,omitempty"`
	SubID      uint64          `json:"subId,omitempty"`
	Path       string          `json:"path,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Key        string          `json:"key,omitempty"`
	At         int64           `json:"at,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	ServerTime int64           `json:"serverTime,omitempty"`
}

// DecodeClientMessage parses and validates an inbound frame.
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("proto: decode client message: %w", err)
	}
	if err := ValidateClientMessage(msg); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// ValidateClientMessage checks the structural requirements per message type.
func ValidateClientMessage(msg ClientMessage) error {
	if msg.Ver != 0 && msg.Ver != Version {
		return fmt.Errorf("proto: unsupported version %d", msg.Ver)
	}
	switch msg.Type {
	case TypeSet, TypePush:
		if msg.Path == "" {
			return fmt.Errorf("proto: %s requires a path", msg.Type)
		}
		if len(msg.Value) == 0 {
			return fmt.Errorf("proto: %s requires a value", msg.Type)
		}
	case TypeUpdate:
		if msg.Path == "" {
			return fmt.Errorf("proto: update requires a path")
		}
		if len(msg.Fields) == 0 {
			return fmt.Errorf("proto: update requires fields")
		}
	case TypeRemove:
		if msg.Path == "" {
			return fmt.Errorf("proto: remove requires a path")
		}
	case TypeSubscribe:
		if msg.Path == "" || msg.SubID == 0 {
			return fmt.Errorf("proto: subscribe requires a path and subId")
		}
	case TypeUnsubscribe:
		if msg.SubID == 0 {
			return fmt.Errorf("proto: unsubscribe requires a subId")
		}
	case TypeHeartbeat:
	default:
		return fmt.Errorf("proto: unknown message type %q", msg.Type)
	}
	return nil
}

// EncodeServerMessage renders an outbound frame, stamping the version.
func EncodeServerMessage(msg ServerMessage) ([]byte, error) {
	msg.Ver = Version
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("proto: encode server message: %w", err)
	}
	return data, nil
}

// DecodeServerMessage parses a frame on the client side.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, fmt.Errorf("proto: decode server message: %w", err)
	}
	return msg, nil
}
