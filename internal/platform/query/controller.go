package query

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/datastore"
)

// Snapshot is the three-valued state of a query handle.
type Snapshot struct {
	Data    any
	Loading bool
	Err     error
}

// Fetch performs one read for q. Ordering and limits are pushed to the
// backend when it implements datastore.Querier.
func (q *Query) Fetch(ctx context.Context, gw datastore.Gateway) (any, error) {
	if qr, ok := gw.(datastore.Querier); ok && (q.desc.OrderBy != "" || q.desc.Limit > 0) {
		children, err := qr.QueryChildren(ctx, q.path, q.constraints())
		if err != nil {
			return nil, &FetchError{Path: q.path, Cause: err}
		}
		if err := q.checkOrderable(children); err != nil {
			return nil, err
		}
		return q.finish(children)
	}
	v, err := gw.Read(ctx, q.path)
	if err != nil {
		return nil, &FetchError{Path: q.path, Cause: err}
	}
	return q.Shape(v)
}

// Controller owns the live subscriptions of a process.
type Controller struct {
	gw     datastore.Gateway
	logger zerolog.Logger

	mu      sync.Mutex
	feeds   map[string]*feed
	queries map[string]*liveQuery
}

// NewController creates a controller reading through gw.
func NewController(gw datastore.Gateway, logger zerolog.Logger) *Controller {
	return &Controller{
		gw:      gw,
		logger:  logger.With().Str("component", "query").Logger(),
		feeds:   make(map[string]*feed),
		queries: make(map[string]*liveQuery),
	}
}

// Fetch runs a one-shot read of d without opening a handle.
func (c *Controller) Fetch(ctx context.Context, d Descriptor) (any, error) {
	q, err := Build(d)
	if err != nil {
		return nil, err
	}
	return q.Fetch(ctx, c.gw)
}

// Open acquires a handle for d. The handle is released by Close or when ctx
// ends. One-shot handles start loading immediately and complete in the
// background; live handles publish on every store change.
func (c *Controller) Open(ctx context.Context, d Descriptor) (*Handle, error) {
	q, err := Build(d)
	if err != nil {
		return nil, err
	}
	h := &Handle{
		ctl:     c,
		updates: make(chan Snapshot, 1),
		changed: make(chan struct{}),
	}
	if err := h.attach(ctx, q); err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.stopCtx = context.AfterFunc(ctx, h.Close)
	h.mu.Unlock()
	return h, nil
}

// Subscriptions reports the number of open store subscriptions.
func (c *Controller) Subscriptions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.feeds)
}

// LiveQueries reports the number of distinct live query identities.
func (c *Controller) LiveQueries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queries)
}

// feed is the single store subscription for one path.
type feed struct {
	path  string
	unsub datastore.Unsubscribe
	refs  int

	mu        sync.Mutex
	rev       uint64
	hasValue  bool
	value     any
	err       error
	listeners map[*liveQuery]struct{}
}

func (f *feed) onChange(value any, err error) {
	f.mu.Lock()
	f.rev++
	rev := f.rev
	f.hasValue = true
	f.value, f.err = value, err
	listeners := make([]*liveQuery, 0, len(f.listeners))
	for lq := range f.listeners {
		listeners = append(listeners, lq)
	}
	f.mu.Unlock()

	for _, lq := range listeners {
		lq.apply(rev, value, err)
	}
}

// join registers lq and replays the cached value, if any.
func (f *feed) join(lq *liveQuery) {
	f.mu.Lock()
	f.listeners[lq] = struct{}{}
	rev, has, value, err := f.rev, f.hasValue, f.value, f.err
	f.mu.Unlock()
	if has {
		lq.apply(rev, value, err)
	}
}

func (f *feed) leave(lq *liveQuery) {
	f.mu.Lock()
	delete(f.listeners, lq)
	f.mu.Unlock()
}

// liveQuery is one shaping pipeline shared by handles with the same key.
type liveQuery struct {
	q    *Query
	feed *feed
	refs int

	mu      sync.Mutex
	rev     uint64
	snap    Snapshot
	handles map[*Handle]struct{}
}

func (lq *liveQuery) apply(rev uint64, value any, err error) {
	var snap Snapshot
	if err != nil {
		snap = Snapshot{Err: &FetchError{Path: lq.q.path, Cause: err}}
	} else if data, shapeErr := lq.q.Shape(value); shapeErr != nil {
		snap = Snapshot{Err: shapeErr}
	} else {
		snap = Snapshot{Data: data}
	}

	lq.mu.Lock()
	defer lq.mu.Unlock()
	if rev <= lq.rev {
		return
	}
	lq.rev = rev
	lq.snap = snap
	for h := range lq.handles {
		h.publish(snap)
	}
}

func (lq *liveQuery) addHandle(h *Handle) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	lq.handles[h] = struct{}{}
	h.publish(lq.snap)
}

func (lq *liveQuery) removeHandle(h *Handle) {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	delete(lq.handles, h)
}

// acquireLive returns the shared pipeline for q, opening the store
// subscription for its path if none exists.
func (c *Controller) acquireLive(q *Query) (*liveQuery, error) {
	c.mu.Lock()
	if lq, ok := c.queries[q.key]; ok {
		lq.refs++
		c.mu.Unlock()
		return lq, nil
	}

	f, ok := c.feeds[q.path]
	if !ok {
		f = &feed{path: q.path, listeners: make(map[*liveQuery]struct{})}
		unsub, err := c.gw.Subscribe(context.Background(), q.path, f.onChange)
		if err != nil {
			c.mu.Unlock()
			return nil, &FetchError{Path: q.path, Cause: err}
		}
		f.unsub = unsub
		c.feeds[q.path] = f
		c.logger.Debug().Str("path", q.path).Msg("store subscription opened")
	}
	f.refs++

	lq := &liveQuery{
		q:       q,
		feed:    f,
		refs:    1,
		snap:    Snapshot{Loading: true},
		handles: make(map[*Handle]struct{}),
	}
	c.queries[q.key] = lq
	c.mu.Unlock()

	f.join(lq)
	return lq, nil
}

// releaseLive drops one reference to lq and tears down whatever is no longer
// referenced.
func (c *Controller) releaseLive(lq *liveQuery) {
	c.mu.Lock()
	lq.refs--
	if lq.refs > 0 {
		c.mu.Unlock()
		return
	}
	delete(c.queries, lq.q.key)
	f := lq.feed
	f.leave(lq)
	f.refs--
	var unsub datastore.Unsubscribe
	if f.refs == 0 {
		delete(c.feeds, f.path)
		unsub = f.unsub
	}
	c.mu.Unlock()

	if unsub != nil {
		unsub()
		c.logger.Debug().Str("path", f.path).Msg("store subscription closed")
	}
}
