package booking

import (
	"sort"
	"strings"

	"github.com/carecoord/carecoord/internal/platform/auth"
)

// Project returns the bookings visible to actorID acting as role, newest
// first, narrowed by a case-insensitive search. The input is not modified.
func Project(bookings []Booking, role auth.Role, actorID, search string) []Booking {
	kind := role.Kind()
	out := make([]Booking, 0, len(bookings))
	for _, b := range bookings {
		if visible(b, kind, actorID) {
			out = append(out, b)
		}
	}

	if q := strings.ToLower(strings.TrimSpace(search)); q != "" {
		filtered := out[:0]
		for _, b := range out {
			if matchesSearch(b, kind, q) {
				filtered = append(filtered, b)
			}
		}
		out = filtered
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func visible(b Booking, kind auth.Kind, actorID string) bool {
	switch kind {
	case auth.KindAdmin:
		return true
	case auth.KindProvider:
		return actorID != "" && b.ProviderID == actorID
	case auth.KindRequester:
		return actorID != "" && b.RequesterID == actorID
	default:
		return false
	}
}

func matchesSearch(b Booking, kind auth.Kind, q string) bool {
	if kind == auth.KindRequester {
		return strings.Contains(strings.ToLower(b.ProviderName), q)
	}
	return strings.Contains(strings.ToLower(b.RequesterDetails.Condition), q) ||
		strings.Contains(strings.ToLower(string(b.ServiceType)), q)
}
