package booking

import (
	"context"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/notification"
)

// Notifier stores a rendered message in a recipient's inbox.
type Notifier interface {
	Notify(ctx context.Context, templateID, recipient string, data map[string]string) (*notification.Notification, error)
}

// WithNotifier makes the service tell the other party about new bookings and
// status changes.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// recipients lists who hears about b reaching its current status, minus the
// actor who caused it.
func recipients(b *Booking, actor string) (string, []string) {
	var tpl string
	var to []string
	switch b.Status {
	case StatusPending:
		tpl, to = notification.TemplateBookingRequested, []string{b.ProviderID}
	case StatusConfirmed:
		tpl, to = notification.TemplateBookingConfirmed, []string{b.RequesterID}
	case StatusCompleted:
		tpl, to = notification.TemplateBookingCompleted, []string{b.RequesterID}
	case StatusCancelled:
		tpl, to = notification.TemplateBookingCancelled, []string{b.RequesterID, b.ProviderID}
	}
	out := to[:0:0]
	for _, r := range to {
		if r != "" && r != actor {
			out = append(out, r)
		}
	}
	return tpl, out
}

func (s *Service) announce(ctx context.Context, b *Booking, sess auth.Session, reason string) {
	if s.notifier == nil {
		return
	}
	tpl, to := recipients(b, sess.ActorID)
	if tpl == "" {
		return
	}
	data := map[string]string{
		"booking_id":    b.ID,
		"service_type":  string(b.ServiceType),
		"date":          b.Schedule.Date,
		"time":          b.Schedule.StartTime,
		"provider_name": b.ProviderName,
		"requester":     b.RequesterID,
		"condition":     b.RequesterDetails.Condition,
		"actor":         string(sess.Role),
		"reason":        reason,
	}
	for _, r := range to {
		if _, err := s.notifier.Notify(ctx, tpl, r, data); err != nil {
			s.logger.Warn().Err(err).Str("booking_id", b.ID).Str("recipient", r).Msg("notification failed")
		}
	}
}
