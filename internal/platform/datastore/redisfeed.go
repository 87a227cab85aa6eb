package datastore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FeedChannel is the Redis pub/sub channel carrying changed paths.
const FeedChannel = "carecoord:changes"

// ErrNoTransactions is returned by RedisFeed.Transact when the wrapped
// backend cannot run transactions.
var ErrNoTransactions = errors.New("backend does not support transactions")

// RedisFeed decorates a Gateway so that every write is announced on a Redis
// channel, and subscriptions re-read their path whenever any instance
// announces an overlapping change.
type RedisFeed struct {
	inner    Gateway
	client   *redis.Client
	channel  string
	instance string
	logger   zerolog.Logger
	subs     *subscriberSet
	rev      atomic.Uint64

	listenOnce sync.Once
	ctx        context.Context
	cancel     context.CancelFunc
}

// NewRedisFeed wraps inner. The client is owned by the caller.
func NewRedisFeed(inner Gateway, client *redis.Client, logger zerolog.Logger) *RedisFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisFeed{
		inner:    inner,
		client:   client,
		channel:  FeedChannel,
		instance: uuid.NewString(),
		logger:   logger.With().Str("component", "datastore.redisfeed").Logger(),
		subs:     newSubscriberSet(),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (r *RedisFeed) Read(ctx context.Context, path string) (any, error) {
	return r.inner.Read(ctx, path)
}

func (r *RedisFeed) Write(ctx context.Context, path string, value any, mode Mode) (string, error) {
	id, err := r.inner.Write(ctx, path, value, mode)
	if err != nil {
		return "", err
	}
	changed := path
	if mode == ModeCreateWithID {
		changed = strings.TrimRight(path, "/") + "/" + id
	}
	r.announce(ctx, changed)
	return id, nil
}

func (r *RedisFeed) Transact(ctx context.Context, path string, fn TransactFunc) (any, error) {
	tx, ok := r.inner.(Transactor)
	if !ok {
		return nil, ErrNoTransactions
	}
	v, err := tx.Transact(ctx, path, fn)
	if err != nil {
		return nil, err
	}
	r.announce(ctx, path)
	return v, nil
}

func (r *RedisFeed) QueryChildren(ctx context.Context, path string, c Constraints) ([]Child, error) {
	if q, ok := r.inner.(Querier); ok {
		return q.QueryChildren(ctx, path, c)
	}
	v, err := r.inner.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return ApplyConstraints(ChildrenOf(v), c), nil
}

func (r *RedisFeed) Subscribe(ctx context.Context, path string, fn ChangeFunc) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	r.listenOnce.Do(func() { go r.listen() })

	sub, unsub := r.subs.add(ctx, segs, fn)
	rev := r.rev.Add(1)
	v, err := r.inner.Read(ctx, path)
	if err != nil {
		unsub()
		return nil, err
	}
	sub.offer(rev, v, nil)
	return unsub, nil
}

// Close stops listening and drops every subscription. The wrapped backend
// and the Redis client are left open.
func (r *RedisFeed) Close() {
	r.cancel()
	r.subs.closeAll()
}

func (r *RedisFeed) announce(ctx context.Context, path string) {
	segs, err := SplitPath(path)
	if err != nil {
		return
	}
	r.refresh(r.subs.matching(segs))
	if err := r.client.Publish(ctx, r.channel, r.instance+"|"+JoinPath(segs...)).Err(); err != nil {
		r.logger.Warn().Err(err).Str("path", path).Msg("publishing change failed")
	}
}

func (r *RedisFeed) listen() {
	ps := r.client.Subscribe(r.ctx, r.channel)
	defer ps.Close()
	ch := ps.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			origin, path, found := strings.Cut(msg.Payload, "|")
			if !found || origin == r.instance {
				continue
			}
			segs, err := SplitPath(path)
			if err != nil {
				r.logger.Warn().Str("payload", msg.Payload).Msg("ignoring malformed change message")
				continue
			}
			r.refresh(r.subs.matching(segs))
		}
	}
}

func (r *RedisFeed) refresh(subs []*subscription) {
	for _, sub := range subs {
		rev := r.rev.Add(1)
		v, err := r.inner.Read(r.ctx, JoinPath(sub.segs...))
		if err != nil {
			err = fmt.Errorf("refresh %s: %w", JoinPath(sub.segs...), err)
		}
		sub.offer(rev, v, err)
	}
}
