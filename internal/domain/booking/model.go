package booking

import (
	"time"

	"github.com/carecoord/carecoord/internal/platform/auth"
)

// Collection is the store path holding booking records.
const Collection = "bookings"

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusConfirmed Status = "CONFIRMED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
)

// Statuses lists every lifecycle state.
var Statuses = []Status{StatusPending, StatusConfirmed, StatusCancelled, StatusCompleted}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted
}

func (s Status) Valid() bool {
	for _, st := range Statuses {
		if s == st {
			return true
		}
	}
	return false
}

type ServiceType string

const (
	ServiceEmergency      ServiceType = "EMERGENCY"
	ServiceHomeCare       ServiceType = "HOME_CARE"
	ServiceRegularCheckup ServiceType = "REGULAR_CHECKUP"
	ServicePostSurgery    ServiceType = "POST_SURGERY"
)

type Schedule struct {
	Date          string  `json:"date" validate:"required"`
	StartTime     string  `json:"startTime" validate:"required"`
	EndTime       string  `json:"endTime,omitempty"`
	DurationHours float64 `json:"durationHours"`
}

type Location struct {
	Address string `json:"address,omitempty"`
	City    string `json:"city,omitempty"`
	State   string `json:"state,omitempty"`
	Pincode string `json:"pincode,omitempty"`
}

type RequesterDetails struct {
	Condition string `json:"condition" validate:"required"`
	Symptoms  string `json:"symptoms,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// AuditInfo records who performed a mutation and from what client. It is
// never consulted for authorization.
type AuditInfo struct {
	ActorID   string    `json:"actorId"`
	Role      auth.Role `json:"role"`
	Platform  string    `json:"platform"`
	Browser   string    `json:"browser"`
	Locale    string    `json:"locale"`
	Timestamp time.Time `json:"timestamp"`
}

// AuditFrom captures sess at now.
func AuditFrom(sess auth.Session, now time.Time) AuditInfo {
	return AuditInfo{
		ActorID:   sess.ActorID,
		Role:      sess.Role,
		Platform:  sess.Fingerprint.Platform,
		Browser:   sess.Fingerprint.Browser,
		Locale:    sess.Fingerprint.Locale,
		Timestamp: now.UTC(),
	}
}

// StatusChange is one entry of a booking's status history. From is empty for
// the creation entry.
type StatusChange struct {
	From    Status    `json:"from,omitempty"`
	To      Status    `json:"to"`
	ActorID string    `json:"actorId"`
	Role    auth.Role `json:"role"`
	At      time.Time `json:"at"`
	Reason  string    `json:"reason,omitempty"`
}

// Booking is the record stored at bookings/{id}. The id is the store key and
// is not persisted inside the value.
type Booking struct {
	ID               string           `json:"id,omitempty"`
	RequesterID      string           `json:"requesterId"`
	ProviderID       string           `json:"providerId"`
	ProviderName     string           `json:"providerName"`
	ServiceType      ServiceType      `json:"serviceType"`
	Schedule         Schedule         `json:"schedule"`
	Location         Location         `json:"location"`
	RequesterDetails RequesterDetails `json:"requesterDetails"`
	Status           Status           `json:"status"`
	Version          int              `json:"version"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	CreatedBy        AuditInfo        `json:"createdBy"`
	UpdatedBy        AuditInfo        `json:"updatedBy"`
	StatusHistory    []StatusChange   `json:"statusHistory"`
}

// CreateInput is what a requester supplies to open a booking.
type CreateInput struct {
	ProviderID       string           `json:"providerId" validate:"required"`
	ServiceType      ServiceType      `json:"serviceType" validate:"required,oneof=EMERGENCY HOME_CARE REGULAR_CHECKUP POST_SURGERY"`
	Schedule         Schedule         `json:"schedule"`
	Location         Location         `json:"location"`
	RequesterDetails RequesterDetails `json:"requesterDetails"`
}

// TransitionOptions tune a status change. ExpectedVersion 0 skips the
// version check.
type TransitionOptions struct {
	ExpectedVersion int
	Reason          string
}

// ListOptions narrow a booking listing after role scoping.
type ListOptions struct {
	Search string
	Status Status
}
