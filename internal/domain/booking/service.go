package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/domain/provider"
	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/query"
	"github.com/carecoord/carecoord/pkg/validation"
)

var (
	ErrInvalidBooking      = errors.New("invalid booking")
	ErrProviderUnavailable = errors.New("provider unavailable for the requested slot")
	ErrVersionConflict     = errors.New("booking version conflict")
)

type Service struct {
	repo      Repository
	providers provider.Repository
	queries   *query.Controller
	notifier  Notifier
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, providers provider.Repository, queries *query.Controller, logger zerolog.Logger) *Service {
	return &Service{
		repo:      repo,
		providers: providers,
		queries:   queries,
		logger:    logger.With().Str("component", "booking").Logger(),
		now:       time.Now,
	}
}

// CreateBooking opens a PENDING booking for the calling requester with the
// chosen provider. The provider must cover the requested slot.
func (s *Service) CreateBooking(ctx context.Context, sess auth.Session, in CreateInput) (*Booking, error) {
	if !sess.Valid() || sess.Kind() != auth.KindRequester {
		return nil, fmt.Errorf("%w: only requesters may create bookings", ErrUnauthorized)
	}
	if err := validation.Struct(&in); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBooking, err)
	}

	req := MatchRequest{
		Date:          in.Schedule.Date,
		StartTime:     in.Schedule.StartTime,
		DurationHours: in.Schedule.DurationHours,
		ServiceType:   in.ServiceType,
		City:          in.Location.City,
		State:         in.Location.State,
		Pincode:       in.Location.Pincode,
	}
	w, err := req.window()
	if err != nil {
		return nil, err
	}
	schedule := in.Schedule
	if schedule.EndTime == "" {
		if schedule.EndTime, err = DeriveEndTime(schedule.StartTime, schedule.DurationHours); err != nil {
			return nil, err
		}
	} else if _, _, err := parseClock(schedule.EndTime); err != nil {
		return nil, fmt.Errorf("%w: endTime %q", ErrMalformedSchedule, schedule.EndTime)
	}

	p, err := s.providers.Get(ctx, in.ProviderID)
	if errors.Is(err, provider.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s does not exist", ErrProviderUnavailable, in.ProviderID)
	}
	if err != nil {
		return nil, err
	}
	ok, err := covers(p.Availability, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider_id", p.ID).Msg("provider has malformed availability")
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	if !ok || !inServiceArea(req, p.Availability.ServiceArea) || !p.Offers(string(in.ServiceType)) {
		return nil, fmt.Errorf("%w: %s", ErrProviderUnavailable, p.ID)
	}

	now := s.now().UTC()
	audit := AuditFrom(sess, now)
	b := &Booking{
		RequesterID:      sess.ActorID,
		ProviderID:       p.ID,
		ProviderName:     p.Name,
		ServiceType:      in.ServiceType,
		Schedule:         schedule,
		Location:         in.Location,
		RequesterDetails: in.RequesterDetails,
		Status:           StatusPending,
		Version:          1,
		CreatedAt:        now,
		UpdatedAt:        now,
		CreatedBy:        audit,
		UpdatedBy:        audit,
		StatusHistory: []StatusChange{{
			To:      StatusPending,
			ActorID: sess.ActorID,
			Role:    sess.Role,
			At:      now,
		}},
	}
	if _, err := s.repo.Create(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info().Str("booking_id", b.ID).Str("provider_id", b.ProviderID).Msg("booking created")
	s.announce(ctx, b, sess, "")
	return b, nil
}

// Transition moves booking id to status to on behalf of sess. The check and
// the write happen atomically when the store supports transactions.
func (s *Service) Transition(ctx context.Context, id string, to Status, sess auth.Session, opts TransitionOptions) (*Booking, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	var from Status
	out, err := s.repo.Update(ctx, id, func(b *Booking) error {
		if opts.ExpectedVersion != 0 && b.Version != opts.ExpectedVersion {
			return fmt.Errorf("%w: expected version %d but booking is at version %d",
				ErrVersionConflict, opts.ExpectedVersion, b.Version)
		}
		next, err := Apply(*b, to, sess, opts.Reason, s.now())
		if err != nil {
			return err
		}
		from = b.Status
		*b = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("booking_id", id).Str("from", string(from)).Str("to", string(to)).
		Str("actor_id", sess.ActorID).Msg("booking status changed")
	s.announce(ctx, out, sess, opts.Reason)
	return out, nil
}

// GetBooking returns booking id when sess may see it. Bookings outside the
// caller's scope are reported as not found.
func (s *Service) GetBooking(ctx context.Context, sess auth.Session, id string) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(Project([]Booking{*b}, sess.Role, sess.ActorID, "")) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return b, nil
}

// ListBookings returns the caller's role-scoped bookings, newest first.
func (s *Service) ListBookings(ctx context.Context, sess auth.Session, opts ListOptions) ([]Booking, error) {
	data, err := s.queries.Fetch(ctx, Descriptor(sess, opts, false))
	if err != nil {
		return nil, err
	}
	out, _ := data.([]Booking)
	return out, nil
}

// WatchBookings opens a live, role-scoped view. It stays open until Close or
// until ctx ends.
func (s *Service) WatchBookings(ctx context.Context, sess auth.Session, opts ListOptions) (*BookingWatch, error) {
	h, err := s.queries.Open(ctx, Descriptor(sess, opts, true))
	if err != nil {
		return nil, err
	}
	return &BookingWatch{h: h}, nil
}

// MatchProviders returns the providers able to take req, best rated first.
func (s *Service) MatchProviders(ctx context.Context, req MatchRequest) ([]provider.Provider, error) {
	if _, err := req.window(); err != nil {
		return nil, err
	}
	providers, err := s.providers.List(ctx)
	if err != nil {
		return nil, err
	}
	out, err := Match(req, providers, s.logger)
	if err != nil || !req.ExcludeBusy || len(out) == 0 {
		return out, err
	}
	bookings, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	busy := busyProviders(req, bookings)
	free := out[:0]
	for _, p := range out {
		if !busy[p.ID] {
			free = append(free, p)
		}
	}
	return free, nil
}

// Descriptor is the query behind a role-scoped listing. Equal sessions and
// options yield descriptors with the same identity, so concurrent watchers
// share one pipeline.
func Descriptor(sess auth.Session, opts ListOptions, live bool) query.Descriptor {
	search := strings.ToLower(strings.TrimSpace(opts.Search))
	role, actor, status := sess.Role, sess.ActorID, opts.Status
	return query.Descriptor{
		Path:           Collection,
		FlattenToArray: true,
		Live:           live,
		TransformKey:   fmt.Sprintf("bookings.project(%q,%q,%q,%q)", role, actor, status, search),
		Transform: func(data any) (any, error) {
			all, err := decodeCollection(data)
			if err != nil {
				return nil, err
			}
			if status != "" {
				kept := all[:0]
				for _, b := range all {
					if b.Status == status {
						kept = append(kept, b)
					}
				}
				all = kept
			}
			return Project(all, role, actor, search), nil
		},
	}
}

// TopicDescriptor resolves a live "bookings" stream subscription. Params may
// carry "search" and "status".
func TopicDescriptor(sess auth.Session, params map[string]string) (query.Descriptor, error) {
	opts := ListOptions{Search: params["search"], Status: Status(params["status"])}
	if opts.Status != "" && !opts.Status.Valid() {
		return query.Descriptor{}, fmt.Errorf("%w: unknown status %q", ErrInvalidBooking, opts.Status)
	}
	return Descriptor(sess, opts, true), nil
}

// BookingWatch is a live role-scoped booking view.
type BookingWatch struct {
	h *query.Handle
}

// Current returns the latest bookings. loading is true until the first
// snapshot arrives.
func (w *BookingWatch) Current() (bookings []Booking, loading bool, err error) {
	return bookingsOf(w.h.Snapshot())
}

// Next blocks for the next published snapshot that is not loading.
func (w *BookingWatch) Next(ctx context.Context) ([]Booking, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case snap, ok := <-w.h.Updates():
			if !ok {
				return nil, query.ErrClosed
			}
			b, loading, err := bookingsOf(snap)
			if !loading {
				return b, err
			}
		}
	}
}

// Handle exposes the underlying query handle.
func (w *BookingWatch) Handle() *query.Handle { return w.h }

func (w *BookingWatch) Close() { w.h.Close() }

func bookingsOf(snap query.Snapshot) ([]Booking, bool, error) {
	if snap.Err != nil || snap.Loading {
		return nil, snap.Loading, snap.Err
	}
	b, _ := snap.Data.([]Booking)
	return b, false, nil
}
