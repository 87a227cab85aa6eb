package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/carecoord/carecoord/internal/platform/auth"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrUnauthorized      = errors.New("not authorized for this booking")
)

// transitions lists, per source status, the reachable statuses and the actor
// kinds allowed to take each edge. Creation (no source) is handled by
// CreateBooking.
var transitions = map[Status]map[Status][]auth.Kind{
	StatusPending: {
		StatusConfirmed: {auth.KindProvider},
		StatusCancelled: {auth.KindProvider, auth.KindRequester, auth.KindAdmin},
	},
	StatusConfirmed: {
		StatusCompleted: {auth.KindProvider, auth.KindAdmin},
		StatusCancelled: {auth.KindProvider, auth.KindRequester, auth.KindAdmin},
	},
}

// CanTransition reports whether an edge from -> to exists for any actor.
func CanTransition(from, to Status) bool {
	_, ok := transitions[from][to]
	return ok
}

// AllowedKinds returns the actor kinds permitted on from -> to, or nil.
func AllowedKinds(from, to Status) []auth.Kind {
	return transitions[from][to]
}

// Authorize checks that sess may move b to the target status. A missing edge
// is reported before any identity check.
func Authorize(b *Booking, to Status, sess auth.Session) error {
	allowed, ok := transitions[b.Status][to]
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	kind := sess.Kind()
	permitted := false
	for _, k := range allowed {
		if k == kind {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: role %q cannot move %s -> %s", ErrUnauthorized, sess.Role, b.Status, to)
	}
	switch kind {
	case auth.KindProvider:
		if b.ProviderID != sess.ActorID {
			return fmt.Errorf("%w: booking is assigned to another provider", ErrUnauthorized)
		}
	case auth.KindRequester:
		if b.RequesterID != sess.ActorID {
			return fmt.Errorf("%w: booking belongs to another requester", ErrUnauthorized)
		}
	}
	return nil
}

// Apply returns a copy of b moved to status to. b itself is never modified.
func Apply(b Booking, to Status, sess auth.Session, reason string, now time.Time) (Booking, error) {
	if err := Authorize(&b, to, sess); err != nil {
		return b, err
	}
	now = now.UTC()
	if now.Before(b.UpdatedAt) {
		now = b.UpdatedAt
	}
	next := b
	next.StatusHistory = make([]StatusChange, len(b.StatusHistory), len(b.StatusHistory)+1)
	copy(next.StatusHistory, b.StatusHistory)
	next.StatusHistory = append(next.StatusHistory, StatusChange{
		From:    b.Status,
		To:      to,
		ActorID: sess.ActorID,
		Role:    sess.Role,
		At:      now,
		Reason:  reason,
	})
	next.Status = to
	next.Version = b.Version + 1
	next.UpdatedAt = now
	next.UpdatedBy = AuditFrom(sess, now)
	return next, nil
}
