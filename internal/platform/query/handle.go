package query

import (
	"context"
	"sync"
)

// Handle is one caller's view of a query. Snapshots are published to
// Updates, which keeps only the newest undelivered snapshot and is closed by
// Close.
type Handle struct {
	ctl     *Controller
	stopCtx func() bool

	mu      sync.Mutex
	q       *Query
	live    *liveQuery
	seq     uint64
	snap    Snapshot
	updates chan Snapshot
	changed chan struct{}
	closed  bool
}

// Snapshot returns the latest published state.
func (h *Handle) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.snap
}

// Updates delivers each newly published snapshot. Slow readers only see the
// newest one.
func (h *Handle) Updates() <-chan Snapshot {
	return h.updates
}

// Descriptor returns the descriptor the handle currently serves.
func (h *Handle) Descriptor() Descriptor {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.q.desc
}

// Wait blocks until the handle is no longer loading and returns that
// snapshot.
func (h *Handle) Wait(ctx context.Context) (Snapshot, error) {
	for {
		h.mu.Lock()
		snap, changed, closed := h.snap, h.changed, h.closed
		h.mu.Unlock()
		if !snap.Loading {
			return snap, nil
		}
		if closed {
			return snap, ErrClosed
		}
		select {
		case <-ctx.Done():
			return snap, ctx.Err()
		case <-changed:
		}
	}
}

// Refetch re-runs a one-shot read and waits for it. Live handles refresh on
// their own and return ErrUnsupportedOperation.
func (h *Handle) Refetch(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.live != nil {
		h.mu.Unlock()
		return ErrUnsupportedOperation
	}
	h.seq++
	seq, q := h.seq, h.q
	h.setLocked(Snapshot{Loading: true, Data: h.snap.Data})
	h.mu.Unlock()

	snap := h.fetch(ctx, q, seq)
	return snap.Err
}

// Reconfigure switches the handle to a new descriptor. The previous live
// subscription is released before the new one is acquired.
func (h *Handle) Reconfigure(ctx context.Context, d Descriptor) error {
	q, err := Build(d)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if q.key == h.q.key {
		h.mu.Unlock()
		return nil
	}
	h.mu.Unlock()

	h.detach()
	return h.attach(ctx, q)
}

// Close releases the handle. It is safe to call more than once.
func (h *Handle) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.updates)
	close(h.changed)
	stop := h.stopCtx
	h.mu.Unlock()

	h.detach()
	if stop != nil {
		stop()
	}
}

func (h *Handle) attach(ctx context.Context, q *Query) error {
	if !q.desc.Live {
		h.mu.Lock()
		h.q = q
		h.seq++
		seq := h.seq
		h.setLocked(Snapshot{Loading: true})
		h.mu.Unlock()
		// One-shot reads run to completion even if the caller goes away.
		go h.fetch(context.WithoutCancel(ctx), q, seq)
		return nil
	}

	lq, err := h.ctl.acquireLive(q)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if h.closed {
		// Closed while the pipeline was being acquired.
		h.mu.Unlock()
		h.ctl.releaseLive(lq)
		return ErrClosed
	}
	h.q = q
	h.live = lq
	h.seq++
	h.mu.Unlock()
	lq.addHandle(h)
	return nil
}

func (h *Handle) detach() {
	h.mu.Lock()
	lq := h.live
	h.live = nil
	h.seq++
	h.mu.Unlock()
	if lq != nil {
		lq.removeHandle(h)
		h.ctl.releaseLive(lq)
	}
}

// fetch runs a one-shot read and publishes its result unless a newer fetch
// or a reconfiguration superseded it.
func (h *Handle) fetch(ctx context.Context, q *Query, seq uint64) Snapshot {
	data, err := q.Fetch(ctx, h.ctl.gw)
	snap := Snapshot{Data: data, Err: err}
	if err != nil {
		h.ctl.logger.Warn().Err(err).Str("path", q.path).Msg("query fetch failed")
	}
	h.mu.Lock()
	if h.seq == seq {
		h.setLocked(snap)
	}
	h.mu.Unlock()
	return snap
}

// publish is called by the live pipeline.
func (h *Handle) publish(s Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.setLocked(s)
}

func (h *Handle) setLocked(s Snapshot) {
	if h.closed {
		return
	}
	h.snap = s
	select {
	case h.updates <- s:
	default:
		select {
		case <-h.updates:
		default:
		}
		h.updates <- s
	}
	close(h.changed)
	h.changed = make(chan struct{})
}
