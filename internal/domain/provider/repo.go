package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/datastore"
	"github.com/carecoord/carecoord/internal/platform/query"
)

// Collection is the store path holding provider profiles.
const Collection = "providers"

var ErrNotFound = errors.New("provider not found")

type Repository interface {
	Put(ctx context.Context, p *Provider) error
	Get(ctx context.Context, id string) (*Provider, error)
	List(ctx context.Context) ([]Provider, error)
}

type storeRepo struct {
	gw      datastore.Gateway
	queries *query.Controller
}

// NewStoreRepository keeps profiles under providers/{id}.
func NewStoreRepository(gw datastore.Gateway, queries *query.Controller) Repository {
	return &storeRepo{gw: gw, queries: queries}
}

func (r *storeRepo) Put(ctx context.Context, p *Provider) error {
	if _, err := r.gw.Write(ctx, datastore.JoinPath(Collection, p.ID), p, datastore.ModeCreate); err != nil {
		return fmt.Errorf("store provider %s: %w", p.ID, err)
	}
	return nil
}

func (r *storeRepo) Get(ctx context.Context, id string) (*Provider, error) {
	v, err := r.gw.Read(ctx, datastore.JoinPath(Collection, id))
	if err != nil {
		return nil, &query.FetchError{Path: datastore.JoinPath(Collection, id), Cause: err}
	}
	if v == nil {
		return nil, ErrNotFound
	}
	var p Provider
	if err := query.Decode(v, &p); err != nil {
		return nil, fmt.Errorf("decode provider %s: %w", id, err)
	}
	p.ID = id
	return &p, nil
}

func (r *storeRepo) List(ctx context.Context) ([]Provider, error) {
	data, err := r.queries.Fetch(ctx, query.Descriptor{Path: Collection, FlattenToArray: true})
	if err != nil {
		return nil, err
	}
	var out []Provider
	if err := query.Decode(data, &out); err != nil {
		return nil, fmt.Errorf("decode providers: %w", err)
	}
	return out, nil
}

// TopicDescriptor resolves a live "providers" stream subscription. With a
// "top" param only the best rated profiles are streamed.
func TopicDescriptor(_ auth.Session, params map[string]string) (query.Descriptor, error) {
	d := query.Descriptor{Path: Collection, FlattenToArray: true, Live: true}
	if raw := params["top"]; raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return query.Descriptor{}, fmt.Errorf("%w: top must be a positive integer", query.ErrInvalidQuery)
		}
		d.OrderBy = "rating"
		d.Limit = n
		d.LimitDirection = query.Last
	}
	return d, nil
}
