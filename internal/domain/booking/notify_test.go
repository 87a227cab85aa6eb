package booking

import (
	"context"
	"errors"
	"testing"

	"github.com/carecoord/carecoord/internal/platform/notification"
)

type sent struct {
	template  string
	recipient string
	data      map[string]string
}

type recordingNotifier struct {
	calls []sent
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, templateID, recipient string, data map[string]string) (*notification.Notification, error) {
	r.calls = append(r.calls, sent{templateID, recipient, data})
	if r.err != nil {
		return nil, r.err
	}
	return &notification.Notification{ID: "n1", Recipient: recipient, TemplateID: templateID}, nil
}

func TestRecipients(t *testing.T) {
	b := &Booking{RequesterID: "cust-1", ProviderID: "para-1"}
	tests := []struct {
		status Status
		actor  string
		tpl    string
		to     []string
	}{
		{StatusPending, "cust-1", notification.TemplateBookingRequested, []string{"para-1"}},
		{StatusConfirmed, "para-1", notification.TemplateBookingConfirmed, []string{"cust-1"}},
		{StatusCompleted, "admin-1", notification.TemplateBookingCompleted, []string{"cust-1"}},
		{StatusCancelled, "cust-1", notification.TemplateBookingCancelled, []string{"para-1"}},
		{StatusCancelled, "para-1", notification.TemplateBookingCancelled, []string{"cust-1"}},
		{StatusCancelled, "admin-1", notification.TemplateBookingCancelled, []string{"cust-1", "para-1"}},
	}
	for _, tt := range tests {
		b.Status = tt.status
		tpl, to := recipients(b, tt.actor)
		if tpl != tt.tpl {
			t.Errorf("%s by %s: template %q, want %q", tt.status, tt.actor, tpl, tt.tpl)
		}
		if len(to) != len(tt.to) {
			t.Errorf("%s by %s: recipients %v, want %v", tt.status, tt.actor, to, tt.to)
			continue
		}
		for i := range to {
			if to[i] != tt.to[i] {
				t.Errorf("%s by %s: recipients %v, want %v", tt.status, tt.actor, to, tt.to)
			}
		}
	}
}

func TestService_NotifiesCounterparty(t *testing.T) {
	f := newFixture(t, nil)
	rec := &recordingNotifier{}
	f.svc.WithNotifier(rec)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, customer, homeCare())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(rec.calls) != 1 || rec.calls[0].recipient != "para-1" || rec.calls[0].template != notification.TemplateBookingRequested {
		t.Fatalf("expected provider to hear about the request, got %+v", rec.calls)
	}
	if rec.calls[0].data["booking_id"] != b.ID || rec.calls[0].data["condition"] != "Wound dressing" {
		t.Errorf("unexpected template data %v", rec.calls[0].data)
	}

	if _, err := f.svc.Transition(ctx, b.ID, StatusCancelled, paramedic, TransitionOptions{Reason: "unwell"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(rec.calls) != 2 || rec.calls[1].recipient != "cust-1" || rec.calls[1].data["reason"] != "unwell" {
		t.Fatalf("expected requester to hear about the cancellation, got %+v", rec.calls)
	}

	// A rejected transition notifies nobody.
	_, _ = f.svc.Transition(ctx, b.ID, StatusConfirmed, paramedic, TransitionOptions{})
	if len(rec.calls) != 2 {
		t.Errorf("expected no notification for a rejected transition, got %+v", rec.calls)
	}
}

func TestService_NotifierFailureDoesNotFailBooking(t *testing.T) {
	f := newFixture(t, nil)
	f.svc.WithNotifier(&recordingNotifier{err: errors.New("inbox down")})

	b, err := f.svc.CreateBooking(context.Background(), customer, homeCare())
	if err != nil {
		t.Fatalf("expected booking despite notifier failure, got %v", err)
	}
	if b.Status != StatusPending {
		t.Errorf("unexpected booking %+v", b)
	}
}

func TestService_NotificationInbox(t *testing.T) {
	f := newFixture(t, nil)
	mgr := notification.NewManager(f.store, f.ctl, notification.NewTemplateEngine(), f.svc.logger)
	f.svc.WithNotifier(mgr)
	ctx := context.Background()

	b, err := f.svc.CreateBooking(ctx, customer, homeCare())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.Transition(ctx, b.ID, StatusConfirmed, paramedic, TransitionOptions{}); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	inbox, err := mgr.List(ctx, "cust-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(inbox) != 1 || inbox[0].TemplateID != notification.TemplateBookingConfirmed {
		t.Fatalf("unexpected requester inbox %+v", inbox)
	}
	if inbox[0].Body != "Ravi confirmed your HOME_CARE booking on 2024-02-01 at 10:00." {
		t.Errorf("unexpected body %q", inbox[0].Body)
	}

	inbox, err = mgr.List(ctx, paramedic.ActorID, 0)
	if err != nil || len(inbox) != 1 {
		t.Fatalf("expected one provider notification, got %+v %v", inbox, err)
	}
}
