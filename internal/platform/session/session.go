// Package session persists caller sessions independently of the booking
// engine. The auth middleware establishes who the caller is; this package
// records when the session was first and last seen and lets a caller revoke
// it.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/carecoord/carecoord/internal/platform/auth"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrRevoked  = errors.New("session revoked")
)

// Record is the persisted form of a session.
type Record struct {
	Key       string       `json:"key"`
	Session   auth.Session `json:"session"`
	CreatedAt time.Time    `json:"createdAt"`
	LastSeen  time.Time    `json:"lastSeen"`
	Revoked   bool         `json:"revoked"`
}

// Store persists records for a bounded time.
type Store interface {
	Save(ctx context.Context, rec *Record) error
	Load(ctx context.Context, key string) (*Record, error)
	Revoke(ctx context.Context, key string) error
}

// KeyFor derives the storage key for a request: a hash of the bearer token
// when there is one, otherwise the actor id.
func KeyFor(token string, s auth.Session) string {
	if token == "" {
		return "actor:" + s.ActorID
	}
	sum := sha256.Sum256([]byte(token))
	return "token:" + hex.EncodeToString(sum[:])
}
