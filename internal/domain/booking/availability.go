package booking

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/domain/provider"
)

var (
	ErrMalformedSchedule = errors.New("malformed schedule")
	ErrInvalidDuration   = errors.New("duration must be positive")

	errMalformedAvailability = errors.New("malformed availability")
	errClock                 = errors.New("clock time must be HH:MM")
)

// MatchRequest asks which providers can serve a visit.
type MatchRequest struct {
	Date          string      `json:"date"`
	StartTime     string      `json:"startTime"`
	DurationHours float64     `json:"durationHours"`
	ServiceType   ServiceType `json:"serviceType,omitempty"`
	City          string      `json:"city,omitempty"`
	State         string      `json:"state,omitempty"`
	Pincode       string      `json:"pincode,omitempty"`
	// ExcludeBusy also drops providers holding an overlapping CONFIRMED
	// booking.
	ExcludeBusy bool `json:"excludeBusy,omitempty"`
}

// window is a validated request slot in hours of the day.
type window struct {
	weekday time.Weekday
	start   float64
	end     float64
}

func (r MatchRequest) window() (window, error) {
	wd, err := Weekday(r.Date)
	if err != nil {
		return window{}, err
	}
	h, _, err := parseClock(r.StartTime)
	if err != nil {
		return window{}, fmt.Errorf("%w: startTime %q", ErrMalformedSchedule, r.StartTime)
	}
	if !(r.DurationHours > 0) || math.IsInf(r.DurationHours, 0) {
		return window{}, fmt.Errorf("%w: %v", ErrInvalidDuration, r.DurationHours)
	}
	return window{weekday: wd, start: float64(h), end: float64(h) + r.DurationHours}, nil
}

// ParseHour returns the hour of a strict "HH:MM" clock time. "24:00" is
// accepted as the end of the day.
func ParseHour(s string) (int, error) {
	h, _, err := parseClock(s)
	if err != nil {
		return 0, fmt.Errorf("%w: time %q", ErrMalformedSchedule, s)
	}
	return h, nil
}

func parseClock(s string) (hour, minute int, err error) {
	if len(s) != 5 || s[2] != ':' {
		return 0, 0, errClock
	}
	for _, i := range []int{0, 1, 3, 4} {
		if s[i] < '0' || s[i] > '9' {
			return 0, 0, errClock
		}
	}
	hour = int(s[0]-'0')*10 + int(s[1]-'0')
	minute = int(s[3]-'0')*10 + int(s[4]-'0')
	if minute > 59 || hour > 24 || (hour == 24 && minute != 0) {
		return 0, 0, errClock
	}
	return hour, minute, nil
}

// Weekday resolves a "YYYY-MM-DD" date.
func Weekday(date string) (time.Weekday, error) {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		return 0, fmt.Errorf("%w: date %q", ErrMalformedSchedule, date)
	}
	return t.Weekday(), nil
}

// DeriveEndTime adds durationHours to start, rounding to the minute. The
// result may not run past midnight.
func DeriveEndTime(start string, durationHours float64) (string, error) {
	h, m, err := parseClock(start)
	if err != nil || h == 24 {
		return "", fmt.Errorf("%w: startTime %q", ErrMalformedSchedule, start)
	}
	if !(durationHours > 0) {
		return "", fmt.Errorf("%w: %v", ErrInvalidDuration, durationHours)
	}
	end := h*60 + m + int(math.Round(durationHours*60))
	if end > 24*60 {
		return "", fmt.Errorf("%w: %v hours from %s runs past midnight", ErrInvalidDuration, durationHours, start)
	}
	return fmt.Sprintf("%02d:%02d", end/60, end%60), nil
}

func parseDay(name string) (time.Weekday, bool) {
	n := strings.ToLower(strings.TrimSpace(name))
	for d := time.Sunday; d <= time.Saturday; d++ {
		full := strings.ToLower(d.String())
		if n == full || n == full[:3] {
			return d, true
		}
	}
	return 0, false
}

// Covers reports whether the declared weekly window contains the requested
// slot. Unknown day names are ignored; malformed clock times are an error.
func Covers(a provider.Availability, req MatchRequest) (bool, error) {
	w, err := req.window()
	if err != nil {
		return false, err
	}
	return covers(a, w)
}

func covers(a provider.Availability, w window) (bool, error) {
	startHour, _, err := parseClock(a.StartTime)
	if err != nil {
		return false, fmt.Errorf("%w: startTime %q", errMalformedAvailability, a.StartTime)
	}
	endHour, _, err := parseClock(a.EndTime)
	if err != nil {
		return false, fmt.Errorf("%w: endTime %q", errMalformedAvailability, a.EndTime)
	}
	onDay := false
	for _, d := range a.Days {
		if wd, ok := parseDay(d); ok && wd == w.weekday {
			onDay = true
			break
		}
	}
	return onDay && float64(startHour) <= w.start && w.end <= float64(endHour), nil
}

// inServiceArea applies the request's city/state/pincode to the provider's
// declared area. Unset fields on either side do not constrain.
func inServiceArea(req MatchRequest, area provider.ServiceArea) bool {
	if req.City != "" && area.City != "" && !strings.EqualFold(strings.TrimSpace(req.City), strings.TrimSpace(area.City)) {
		return false
	}
	if req.State != "" && area.State != "" && !strings.EqualFold(strings.TrimSpace(req.State), strings.TrimSpace(area.State)) {
		return false
	}
	if req.Pincode != "" && area.Pincode != "" && req.Pincode != area.Pincode {
		return false
	}
	return true
}

// Match filters providers down to those able to take req and ranks them by
// rating, best first, then by name. Providers with malformed availability are
// skipped and logged.
func Match(req MatchRequest, providers []provider.Provider, logger zerolog.Logger) ([]provider.Provider, error) {
	w, err := req.window()
	if err != nil {
		return nil, err
	}
	out := make([]provider.Provider, 0, len(providers))
	for _, p := range providers {
		ok, err := covers(p.Availability, w)
		if err != nil {
			logger.Warn().Err(err).Str("provider_id", p.ID).Msg("skipping provider with malformed availability")
			continue
		}
		if !ok || !inServiceArea(req, p.Availability.ServiceArea) || !p.Offers(string(req.ServiceType)) {
			continue
		}
		out = append(out, p)
	}
	Rank(out)
	return out, nil
}

// Rank sorts providers by rating descending, then name ascending.
func Rank(ps []provider.Provider) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Rating != ps[j].Rating {
			return ps[i].Rating > ps[j].Rating
		}
		return ps[i].Name < ps[j].Name
	})
}

// minutesOf returns the [start, end) minute range of a booking schedule.
func minutesOf(s Schedule) (int, int, bool) {
	h, m, err := parseClock(s.StartTime)
	if err != nil {
		return 0, 0, false
	}
	start := h*60 + m
	end := start + int(math.Round(s.DurationHours*60))
	if s.EndTime != "" {
		if eh, em, err := parseClock(s.EndTime); err == nil {
			end = eh*60 + em
		}
	}
	return start, end, end > start
}

// busyProviders returns the ids of providers with a CONFIRMED booking on the
// request date overlapping the requested slot.
func busyProviders(req MatchRequest, bookings []Booking) map[string]bool {
	h, m, err := parseClock(req.StartTime)
	if err != nil {
		return nil
	}
	start := h*60 + m
	end := start + int(math.Round(req.DurationHours*60))
	busy := make(map[string]bool)
	for _, b := range bookings {
		if b.Status != StatusConfirmed || b.Schedule.Date != req.Date {
			continue
		}
		bs, be, ok := minutesOf(b.Schedule)
		if ok && bs < end && start < be {
			busy[b.ProviderID] = true
		}
	}
	return busy
}
