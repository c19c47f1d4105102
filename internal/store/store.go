// Package store defines the shared session store contract: a path-addressed
// JSON tree with change subscriptions. All cross-client consistency in the
// engine is built on this surface; the store itself offers no transactions.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrClosed      = errors.New("store: closed")
	ErrInvalidPath = errors.New("store: invalid path")
)

// Change notifies a subscriber that the value under its path changed. Value is
// the full current value at the subscribed path, nil when the path is absent.
type Change struct {
	Path  string
	Value any
	At    int64 // server-resolved unix milliseconds of the triggering write
}

type ChangeFunc func(Change)

// Handle identifies an active subscription.
type Handle uint64

// Store is the wire-level boundary of the sync engine. Writes are resolved in
// a single server order per path; Remove of an absent path and Update of an
// absent record are no-ops.
type Store interface {
	Set(ctx context.Context, path string, value any) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Remove(ctx context.Context, path string) error
	Push(ctx context.Context, path string, value any) (string, error)
	Subscribe(path string, fn ChangeFunc) (Handle, error)
	Unsubscribe(handle Handle)
	// ServerTimestamp returns an opaque marker resolved to the store's own
	// clock at commit time.
	ServerTimestamp() any
}

// serverTimestampKey is the wire encoding of the timestamp sentinel.
const serverTimestampKey = ".sv"

type timestampSentinel struct{}

func (timestampSentinel) MarshalJSON() ([]byte, error) {
	return []byte(`{".sv":"timestamp"}`), nil
}

// TimestampSentinel is the marker value substituted with the server clock when
// a write commits.
var TimestampSentinel any = timestampSentinel{}

// IsTimestampSentinel reports whether a decoded JSON value is the sentinel.
func IsTimestampSentinel(v any) bool {
	if _, ok := v.(timestampSentinel); ok {
		return true
	}
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	s, ok := m[serverTimestampKey].(string)
	return ok && s == "timestamp"
}

// SplitPath validates and splits a slash-separated path. Leading and trailing
// slashes are rejected; every segment must be non-empty.
func SplitPath(path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidPath)
	}
	segments := strings.Split(path, "/")
	for _, segment := range segments {
		if segment == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return segments, nil
}

// JoinPath joins path segments, skipping empties.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, segment := range segments {
		if segment != "" {
			parts = append(parts, segment)
		}
	}
	return strings.Join(parts, "/")
}

// isRelated reports whether a write at writePath is visible to a subscription
// at subPath: equal paths, or one an ancestor of the other.
func isRelated(subPath, writePath string) bool {
	if subPath == writePath {
		return true
	}
	if strings.HasPrefix(writePath, subPath+"/") {
		return true
	}
	return strings.HasPrefix(subPath, writePath+"/")
}
