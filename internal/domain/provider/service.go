package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/auth"
	"github.com/carecoord/carecoord/internal/platform/datastore"
	"github.com/carecoord/carecoord/pkg/validation"
)

var (
	ErrInvalidProvider = errors.New("invalid provider")
	ErrForbidden       = errors.New("not permitted to modify this provider")
)

type Service struct {
	repo   Repository
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, logger zerolog.Logger) *Service {
	return &Service{repo: repo, logger: logger, now: time.Now}
}

// Upsert creates or replaces the profile with id. Admins may edit any
// profile; a provider may edit its own.
func (s *Service) Upsert(ctx context.Context, sess auth.Session, id string, p *Provider) (*Provider, error) {
	switch sess.Kind() {
	case auth.KindAdmin:
	case auth.KindProvider:
		if sess.ActorID != id {
			return nil, ErrForbidden
		}
	default:
		return nil, ErrForbidden
	}
	return s.put(ctx, id, p)
}

func (s *Service) put(ctx context.Context, id string, p *Provider) (*Provider, error) {
	if _, err := datastore.SplitPath(id); err != nil || strings.Contains(id, "/") {
		return nil, fmt.Errorf("%w: invalid id %q", ErrInvalidProvider, id)
	}
	if err := validation.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProvider, err)
	}
	now := s.now().UTC()
	p.ID = id
	p.UpdatedAt = now
	if existing, err := s.repo.Get(ctx, id); err == nil {
		p.CreatedAt = existing.CreatedAt
	} else if errors.Is(err, ErrNotFound) {
		p.CreatedAt = now
	} else {
		return nil, err
	}
	if err := s.repo.Put(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) Get(ctx context.Context, id string) (*Provider, error) {
	return s.repo.Get(ctx, id)
}

// List returns every profile ordered by name.
func (s *Service) List(ctx context.Context) ([]Provider, error) {
	out, err := s.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Import stores each profile, skipping and reporting invalid ones.
func (s *Service) Import(ctx context.Context, profiles []Provider) (int, []error) {
	var errs []error
	stored := 0
	for i := range profiles {
		p := profiles[i]
		if _, err := s.put(ctx, p.ID, &p); err != nil {
			s.logger.Warn().Err(err).Str("provider_id", p.ID).Msg("skipping provider")
			errs = append(errs, fmt.Errorf("provider %d (%s): %w", i, p.ID, err))
			continue
		}
		stored++
	}
	return stored, errs
}
