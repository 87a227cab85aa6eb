// Package datastore is the gateway to the hierarchical key-path document
// store that backs every booking and provider record. Values are JSON-shaped
// trees (map[string]any, []any, string, float64, bool, nil) addressed by
// slash-separated paths such as "bookings/3f2a/status".
//
// Several backends satisfy the Gateway contract: an in-process MemoryStore,
// PostgresStore (jsonb rows + LISTEN/NOTIFY), MongoStore (change streams) and
// FirebaseStore (Realtime Database). RedisFeed can wrap any of them to fan
// change notifications out across server instances.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Mode selects the write primitive applied by Gateway.Write.
type Mode int

const (
	// ModeCreate replaces whatever is stored at the path.
	ModeCreate Mode = iota
	// ModeUpdate merges the top-level keys of a map value into the node at
	// the path. A nil value for a key removes that child.
	ModeUpdate
	// ModeDelete removes the node at the path. The value is ignored.
	ModeDelete
	// ModeCreateWithID stores the value under a freshly generated child key
	// of the path and returns that key.
	ModeCreateWithID
)

func (m Mode) String() string {
	switch m {
	case ModeCreate:
		return "create"
	case ModeUpdate:
		return "update"
	case ModeDelete:
		return "delete"
	case ModeCreateWithID:
		return "createWithId"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

var (
	ErrInvalidPath  = errors.New("invalid store path")
	ErrInvalidValue = errors.New("invalid store value")
	ErrInvalidMode  = errors.New("invalid write mode")
	ErrClosed       = errors.New("store closed")
)

// ChangeFunc receives the full value stored at a subscribed path every time
// it changes. value is nil when the path is empty. err is non-nil when the
// backend failed to produce the new value.
type ChangeFunc func(value any, err error)

// Unsubscribe cancels a subscription. It is safe to call more than once.
type Unsubscribe func()

// Gateway is the capability set every backend offers.
type Gateway interface {
	// Read returns the value at path, or nil when nothing is stored there.
	Read(ctx context.Context, path string) (any, error)
	// Write applies mode at path. For ModeCreateWithID it returns the
	// generated key; otherwise the returned string is empty.
	Write(ctx context.Context, path string, value any, mode Mode) (string, error)
	// Subscribe delivers the current value at path and then every change to
	// it, until the returned Unsubscribe is called or ctx ends. Deliveries
	// to one subscription are serialized and never go backwards in time;
	// intermediate values may be coalesced.
	Subscribe(ctx context.Context, path string, fn ChangeFunc) (Unsubscribe, error)
}

// Constraints is the ordering/limiting a Querier can push to the backend.
type Constraints struct {
	OrderBy   string // child field path, "" for key order
	Limit     int    // 0 means unbounded
	LimitLast bool   // take the last Limit children instead of the first
}

// Child is one keyed entry of a collection node.
type Child struct {
	Key   string
	Value any
}

// Querier is implemented by backends that can order and limit the children
// of a collection node server-side.
type Querier interface {
	QueryChildren(ctx context.Context, path string, c Constraints) ([]Child, error)
}

// TransactFunc computes the replacement for the value at a path from its
// current value (nil when absent). Returning an error aborts without
// writing. It may be invoked more than once and must not have side effects.
type TransactFunc func(current any) (any, error)

// Transactor is implemented by backends that can run a read-modify-write
// cycle on a single path atomically.
type Transactor interface {
	Transact(ctx context.Context, path string, fn TransactFunc) (any, error)
}

// SplitPath validates p and returns its segments. Leading and trailing
// slashes are ignored; empty segments and the characters Firebase forbids in
// keys are rejected.
func SplitPath(p string) ([]string, error) {
	trimmed := strings.Trim(p, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	segs := strings.Split(trimmed, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
		if strings.ContainsAny(s, ".#$[]") {
			return nil, fmt.Errorf("%w: illegal character in segment %q", ErrInvalidPath, s)
		}
	}
	return segs, nil
}

// JoinPath joins segments with "/".
func JoinPath(segs ...string) string {
	return strings.Join(segs, "/")
}

// Overlaps reports whether a change at one path can affect a subscriber at
// the other, i.e. one is a segment-wise prefix of the other.
func Overlaps(a, b []string) bool {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
