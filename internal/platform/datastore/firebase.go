package datastore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// FirebaseConfig configures the Realtime Database backend.
type FirebaseConfig struct {
	DatabaseURL     string
	CredentialsFile string
	PollInterval    time.Duration
}

// FirebaseStore talks to a Firebase Realtime Database. The Admin SDK has no
// streaming listener, so subscriptions poll their path and deliver only when
// the value changed.
type FirebaseStore struct {
	client *db.Client
	logger zerolog.Logger
	subs   *subscriberSet
	rev    atomic.Uint64
	every  time.Duration

	mu   sync.Mutex
	last map[uint64][]byte

	pollOnce sync.Once
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewFirebaseStore initializes the Firebase app and its database client.
func NewFirebaseStore(ctx context.Context, cfg FirebaseConfig, logger zerolog.Logger) (*FirebaseStore, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: cfg.DatabaseURL}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase: initializing app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase: database client: %w", err)
	}
	every := cfg.PollInterval
	if every <= 0 {
		every = 2 * time.Second
	}
	pctx, cancel := context.WithCancel(context.Background())
	return &FirebaseStore{
		client: client,
		logger: logger.With().Str("component", "datastore.firebase").Logger(),
		subs:   newSubscriberSet(),
		every:  every,
		last:   make(map[uint64][]byte),
		ctx:    pctx,
		cancel: cancel,
	}, nil
}

func (f *FirebaseStore) ref(segs []string) *db.Ref {
	return f.client.NewRef(JoinPath(segs...))
}

func (f *FirebaseStore) Read(ctx context.Context, path string) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	var v any
	if err := f.ref(segs).Get(ctx, &v); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return v, nil
}

func (f *FirebaseStore) Write(ctx context.Context, path string, value any, mode Mode) (string, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	norm, err := normalizeWrite(value, mode)
	if err != nil {
		return "", err
	}
	ref := f.ref(segs)

	var id string
	changed := segs
	switch mode {
	case ModeCreate:
		if norm == nil {
			err = ref.Delete(ctx)
		} else {
			err = ref.Set(ctx, norm)
		}
	case ModeUpdate:
		patch, ok := norm.(map[string]any)
		if !ok && norm != nil {
			return "", fmt.Errorf("%w: update requires an object", ErrInvalidValue)
		}
		if err := validatePatch(patch); err != nil {
			return "", err
		}
		if len(patch) == 0 {
			return "", nil
		}
		err = ref.Update(ctx, patch)
	case ModeDelete:
		err = ref.Delete(ctx)
	case ModeCreateWithID:
		var child *db.Ref
		child, err = ref.Push(ctx, norm)
		if err == nil {
			id = child.Key
			changed = append(append([]string{}, segs...), id)
		}
	default:
		return "", fmt.Errorf("%w: %v", ErrInvalidMode, mode)
	}
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", mode, path, err)
	}
	f.refresh(f.subs.matching(changed), false)
	return id, nil
}

// Transact runs fn inside a Realtime Database transaction. fn may be retried
// by the SDK.
func (f *FirebaseStore) Transact(ctx context.Context, path string, fn TransactFunc) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	var result any
	err = f.ref(segs).Transaction(ctx, func(node db.TransactionNode) (interface{}, error) {
		var cur any
		if err := node.Unmarshal(&cur); err != nil {
			return nil, err
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		norm, err := Normalize(next)
		if err != nil {
			return nil, err
		}
		result = norm
		return norm, nil
	})
	if err != nil {
		return nil, err
	}
	f.refresh(f.subs.matching(segs), false)
	return Clone(result), nil
}

// QueryChildren maps constraints onto OrderByChild / LimitToFirst /
// LimitToLast.
func (f *FirebaseStore) QueryChildren(ctx context.Context, path string, c Constraints) ([]Child, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	ref := f.ref(segs)
	var q *db.Query
	if c.OrderBy != "" {
		q = ref.OrderByChild(strings.Join(FieldPath(c.OrderBy), "/"))
	} else {
		q = ref.OrderByKey()
	}
	if c.Limit > 0 {
		if c.LimitLast {
			q = q.LimitToLast(c.Limit)
		} else {
			q = q.LimitToFirst(c.Limit)
		}
	}
	nodes, err := q.GetOrdered(ctx)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", path, err)
	}
	out := make([]Child, 0, len(nodes))
	for _, n := range nodes {
		var v any
		if err := n.Unmarshal(&v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", path, n.Key(), err)
		}
		out = append(out, Child{Key: n.Key(), Value: v})
	}
	return out, nil
}

func (f *FirebaseStore) Subscribe(ctx context.Context, path string, fn ChangeFunc) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	f.pollOnce.Do(func() { go f.poll() })

	sub, unsub := f.subs.add(ctx, segs, fn)
	f.refresh([]*subscription{sub}, true)
	return func() {
		unsub()
		f.mu.Lock()
		delete(f.last, sub.id)
		f.mu.Unlock()
	}, nil
}

// Close stops polling and drops every subscription.
func (f *FirebaseStore) Close() {
	f.cancel()
	f.subs.closeAll()
}

func (f *FirebaseStore) poll() {
	t := time.NewTicker(f.every)
	defer t.Stop()
	for {
		select {
		case <-f.ctx.Done():
			return
		case <-t.C:
			f.refresh(f.subs.all(), false)
		}
	}
}

// refresh re-reads each subscription's path and delivers when the encoded
// value differs from the last delivery, or unconditionally when force is
// set.
func (f *FirebaseStore) refresh(subs []*subscription, force bool) {
	for _, sub := range subs {
		rev := f.rev.Add(1)
		var v any
		err := f.ref(sub.segs).Get(f.ctx, &v)
		if err != nil {
			f.logger.Warn().Err(err).Str("path", JoinPath(sub.segs...)).Msg("subscription refresh failed")
			f.mu.Lock()
			delete(f.last, sub.id)
			f.mu.Unlock()
			sub.offer(rev, nil, err)
			continue
		}
		raw, _ := json.Marshal(v)
		f.mu.Lock()
		prev, seen := f.last[sub.id]
		f.last[sub.id] = raw
		f.mu.Unlock()
		if !force && seen && bytes.Equal(prev, raw) {
			continue
		}
		sub.offer(rev, v, nil)
	}
}
