package datastore

import (
	"context"
	"sync"
)

type delivery struct {
	value any
	err   error
}

// subscription serializes deliveries to one ChangeFunc. Offers carry a
// revision; stale offers are dropped and a pending offer not yet delivered is
// replaced by a newer one.
type subscription struct {
	id   uint64
	segs []string
	fn   ChangeFunc

	mu      sync.Mutex
	rev     uint64
	pending *delivery
	wake    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) offer(rev uint64, value any, err error) {
	s.mu.Lock()
	if rev <= s.rev {
		s.mu.Unlock()
		return
	}
	s.rev = rev
	s.pending = &delivery{value: value, err: err}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		d := s.pending
		s.pending = nil
		s.mu.Unlock()
		if d == nil {
			continue
		}
		select {
		case <-s.done:
			return
		default:
		}
		s.fn(d.value, d.err)
	}
}

func (s *subscription) stop() {
	s.once.Do(func() { close(s.done) })
}

// subscriberSet is the registry of live subscriptions shared by the
// backends.
type subscriberSet struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]*subscription
}

func newSubscriberSet() *subscriberSet {
	return &subscriberSet{subs: make(map[uint64]*subscription)}
}

// add registers fn for segs and starts its delivery loop. The returned
// Unsubscribe also fires when ctx ends.
func (ss *subscriberSet) add(ctx context.Context, segs []string, fn ChangeFunc) (*subscription, Unsubscribe) {
	ss.mu.Lock()
	ss.next++
	sub := &subscription{
		id:   ss.next,
		segs: segs,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	ss.subs[sub.id] = sub
	ss.mu.Unlock()

	go sub.run()

	var stopCtx func() bool
	unsub := func() {
		ss.remove(sub.id)
		if stopCtx != nil {
			stopCtx()
		}
	}
	stopCtx = context.AfterFunc(ctx, func() { ss.remove(sub.id) })
	return sub, unsub
}

func (ss *subscriberSet) remove(id uint64) {
	ss.mu.Lock()
	sub, ok := ss.subs[id]
	delete(ss.subs, id)
	ss.mu.Unlock()
	if ok {
		sub.stop()
	}
}

// matching returns the subscriptions whose path overlaps changed.
func (ss *subscriberSet) matching(changed []string) []*subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	var out []*subscription
	for _, sub := range ss.subs {
		if Overlaps(sub.segs, changed) {
			out = append(out, sub)
		}
	}
	return out
}

func (ss *subscriberSet) all() []*subscription {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out := make([]*subscription, 0, len(ss.subs))
	for _, sub := range ss.subs {
		out = append(out, sub)
	}
	return out
}

func (ss *subscriberSet) len() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return len(ss.subs)
}

func (ss *subscriberSet) closeAll() {
	ss.mu.Lock()
	subs := ss.subs
	ss.subs = make(map[uint64]*subscription)
	ss.mu.Unlock()
	for _, sub := range subs {
		sub.stop()
	}
}
