package network

import (
	"context"

	"tavolo/logging"
)

const (
	// EventStoreWriteFailed is emitted when a store write is rejected; the
	// write is retried on the component's next natural trigger.
	EventStoreWriteFailed logging.EventType = "network.store_write_failed"
	// EventStoreWriteRecovered is emitted when a previously failing path
	// accepts a write again.
	EventStoreWriteRecovered logging.EventType = "network.store_write_recovered"
)

// StoreWritePayload identifies the failed path and operation.
type StoreWritePayload struct {
	Path string `json:"path"`
	Op   string `json:"op"`
	Err  string `json:"err,omitempty"`
}

// StoreWriteFailed publishes a transient store failure event.
func StoreWriteFailed(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload StoreWritePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStoreWriteFailed,
		Actor:    actor,
		Severity: logging.SeverityWarn,
		Category: logging.CategorySystem,
		Payload:  payload,
	})
}

// StoreWriteRecovered publishes a recovery event for a previously failing path.
func StoreWriteRecovered(ctx context.Context, pub logging.Publisher, actor logging.EntityRef, payload StoreWritePayload) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventStoreWriteRecovered,
		Actor:    actor,
		Severity: logging.SeverityInfo,
		Category: logging.CategorySystem,
		Payload:  payload,
	})
}
