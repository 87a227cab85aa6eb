package booking

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/carecoord/carecoord/internal/platform/auth"
)

const (
	requesterID = "req-1"
	providerID  = "prov-1"
)

func sampleBooking(status Status) Booking {
	created := time.Date(2024, 1, 20, 8, 0, 0, 0, time.UTC)
	return Booking{
		ID:           "b1",
		RequesterID:  requesterID,
		ProviderID:   providerID,
		ProviderName: "Asha Rao",
		ServiceType:  ServiceHomeCare,
		Status:       status,
		Version:      3,
		CreatedAt:    created,
		UpdatedAt:    created.Add(time.Hour),
		StatusHistory: []StatusChange{
			{To: StatusPending, ActorID: requesterID, Role: auth.RoleCustomer, At: created},
		},
	}
}

// owner returns a session for role that owns sampleBooking where ownership
// applies.
func owner(role auth.Role) auth.Session {
	switch role.Kind() {
	case auth.KindProvider:
		return auth.Session{ActorID: providerID, Role: role}
	case auth.KindRequester:
		return auth.Session{ActorID: requesterID, Role: role}
	default:
		return auth.Session{ActorID: "admin-1", Role: role}
	}
}

func kindAllowed(from, to Status, kind auth.Kind) bool {
	for _, k := range AllowedKinds(from, to) {
		if k == kind {
			return true
		}
	}
	return false
}

func TestApply_TransitionClosure(t *testing.T) {
	now := time.Date(2024, 1, 21, 9, 0, 0, 0, time.UTC)
	for _, from := range Statuses {
		for _, to := range Statuses {
			for _, role := range auth.Roles {
				b := sampleBooking(from)
				before := sampleBooking(from)
				next, err := Apply(b, to, owner(role), "", now)

				switch {
				case !CanTransition(from, to):
					if !errors.Is(err, ErrInvalidTransition) {
						t.Errorf("%s->%s as %s: expected ErrInvalidTransition, got %v", from, to, role, err)
					}
				case !kindAllowed(from, to, role.Kind()):
					if !errors.Is(err, ErrUnauthorized) {
						t.Errorf("%s->%s as %s: expected ErrUnauthorized, got %v", from, to, role, err)
					}
				default:
					if err != nil {
						t.Errorf("%s->%s as %s: unexpected error %v", from, to, role, err)
						continue
					}
					if next.Status != to {
						t.Errorf("%s->%s as %s: status %s", from, to, role, next.Status)
					}
				}
				if !reflect.DeepEqual(b, before) {
					t.Errorf("%s->%s as %s: input booking was modified", from, to, role)
				}
			}
		}
	}
}

func TestApply_TerminalStatesRejectEverything(t *testing.T) {
	for _, from := range []Status{StatusCancelled, StatusCompleted} {
		if !from.Terminal() {
			t.Fatalf("%s should be terminal", from)
		}
		for _, to := range Statuses {
			for _, role := range auth.Roles {
				_, err := Apply(sampleBooking(from), to, owner(role), "", time.Now())
				if !errors.Is(err, ErrInvalidTransition) {
					t.Errorf("%s->%s as %s: expected ErrInvalidTransition, got %v", from, to, role, err)
				}
			}
		}
	}
}

func TestAuthorize_Ownership(t *testing.T) {
	b := sampleBooking(StatusPending)

	stranger := auth.Session{ActorID: "prov-2", Role: auth.RoleDoctor}
	if err := Authorize(&b, StatusConfirmed, stranger); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("other provider: expected ErrUnauthorized, got %v", err)
	}
	other := auth.Session{ActorID: "req-2", Role: auth.RolePatient}
	if err := Authorize(&b, StatusCancelled, other); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("other requester: expected ErrUnauthorized, got %v", err)
	}
	admin := auth.Session{ActorID: "root", Role: auth.RoleAdmin}
	if err := Authorize(&b, StatusCancelled, admin); err != nil {
		t.Errorf("admin cancel: unexpected error %v", err)
	}
	if err := Authorize(&b, StatusConfirmed, admin); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("admin confirm: expected ErrUnauthorized, got %v", err)
	}
}

func TestAuthorize_MissingEdgeReportedFirst(t *testing.T) {
	b := sampleBooking(StatusPending)
	stranger := auth.Session{ActorID: "nobody", Role: auth.RoleCustomer}
	if err := Authorize(&b, StatusCompleted, stranger); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApply_RecordsMutation(t *testing.T) {
	b := sampleBooking(StatusPending)
	sess := owner(auth.RoleParamedic)
	sess.Fingerprint = auth.Fingerprint{Platform: "Android", Browser: "Chrome", Locale: "en-IN"}

	// A clock behind the last update must not move updatedAt backwards.
	stale := b.UpdatedAt.Add(-time.Minute)
	next, err := Apply(b, StatusConfirmed, sess, "on my way", stale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.Version != b.Version+1 {
		t.Errorf("expected version %d, got %d", b.Version+1, next.Version)
	}
	if next.UpdatedAt.Before(b.UpdatedAt) {
		t.Errorf("updatedAt went backwards: %v < %v", next.UpdatedAt, b.UpdatedAt)
	}
	if next.UpdatedBy.ActorID != providerID || next.UpdatedBy.Platform != "Android" {
		t.Errorf("unexpected audit info %+v", next.UpdatedBy)
	}
	if len(next.StatusHistory) != 2 || len(b.StatusHistory) != 1 {
		t.Fatalf("expected history appended on the copy only, got %d/%d", len(next.StatusHistory), len(b.StatusHistory))
	}
	last := next.StatusHistory[1]
	if last.From != StatusPending || last.To != StatusConfirmed || last.Reason != "on my way" {
		t.Errorf("unexpected history entry %+v", last)
	}
}
