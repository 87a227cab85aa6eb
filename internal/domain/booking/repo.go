package booking

import (
	"context"
	"errors"
	"fmt"

	"github.com/carecoord/carecoord/internal/platform/datastore"
	"github.com/carecoord/carecoord/internal/platform/query"
)

var ErrNotFound = errors.New("booking not found")

// MutateFunc edits the current record in place. Returning an error aborts
// the update and leaves the stored record untouched.
type MutateFunc func(b *Booking) error

type Repository interface {
	Create(ctx context.Context, b *Booking) (string, error)
	Get(ctx context.Context, id string) (*Booking, error)
	Update(ctx context.Context, id string, fn MutateFunc) (*Booking, error)
	List(ctx context.Context) ([]Booking, error)
}

type storeRepo struct {
	gw datastore.Gateway
}

// NewStoreRepository keeps bookings under bookings/{id}.
func NewStoreRepository(gw datastore.Gateway) Repository {
	return &storeRepo{gw: gw}
}

func recordOf(b *Booking) Booking {
	rec := *b
	rec.ID = ""
	return rec
}

func (r *storeRepo) Create(ctx context.Context, b *Booking) (string, error) {
	id, err := r.gw.Write(ctx, Collection, recordOf(b), datastore.ModeCreateWithID)
	if err != nil {
		return "", &query.FetchError{Path: Collection, Cause: err}
	}
	b.ID = id
	return id, nil
}

func (r *storeRepo) Get(ctx context.Context, id string) (*Booking, error) {
	path, err := bookingPath(id)
	if err != nil {
		return nil, err
	}
	v, err := r.gw.Read(ctx, path)
	if err != nil {
		return nil, &query.FetchError{Path: path, Cause: err}
	}
	return decodeBooking(id, v)
}

// Update runs fn inside a store transaction when the backend offers one.
// Otherwise it reads, applies fn and merges the result back, which is last
// write wins.
func (r *storeRepo) Update(ctx context.Context, id string, fn MutateFunc) (*Booking, error) {
	path, err := bookingPath(id)
	if err != nil {
		return nil, err
	}

	tx, ok := r.gw.(datastore.Transactor)
	if !ok {
		cur, err := r.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(cur); err != nil {
			return nil, err
		}
		rec, err := datastore.Normalize(recordOf(cur))
		if err != nil {
			return nil, err
		}
		if _, err := r.gw.Write(ctx, path, rec, datastore.ModeUpdate); err != nil {
			return nil, &query.FetchError{Path: path, Cause: err}
		}
		return cur, nil
	}

	var fnErr error
	var out *Booking
	_, err = tx.Transact(ctx, path, func(current any) (any, error) {
		fnErr = nil
		b, err := decodeBooking(id, current)
		if err != nil {
			fnErr = err
			return nil, err
		}
		if err := fn(b); err != nil {
			fnErr = err
			return nil, err
		}
		out = b
		return recordOf(b), nil
	})
	if fnErr != nil {
		return nil, fnErr
	}
	if err != nil {
		return nil, &query.FetchError{Path: path, Cause: err}
	}
	return out, nil
}

func (r *storeRepo) List(ctx context.Context) ([]Booking, error) {
	v, err := r.gw.Read(ctx, Collection)
	if err != nil {
		return nil, &query.FetchError{Path: Collection, Cause: err}
	}
	return decodeCollection(v)
}

func bookingPath(id string) (string, error) {
	segs, err := datastore.SplitPath(id)
	if err != nil || len(segs) != 1 {
		return "", fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return datastore.JoinPath(Collection, id), nil
}

func decodeBooking(id string, v any) (*Booking, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	var b Booking
	if err := query.Decode(v, &b); err != nil {
		return nil, fmt.Errorf("decode booking %s: %w", id, err)
	}
	b.ID = id
	return &b, nil
}

// decodeCollection converts the raw bookings node, or its flattened form,
// into records.
func decodeCollection(v any) ([]Booking, error) {
	var records []map[string]any
	switch t := v.(type) {
	case nil:
		return []Booking{}, nil
	case []map[string]any:
		records = t
	default:
		records = query.Flatten(datastore.ChildrenOf(v))
	}
	var out []Booking
	if err := query.Decode(records, &out); err != nil {
		return nil, fmt.Errorf("decode bookings: %w", err)
	}
	return out, nil
}
