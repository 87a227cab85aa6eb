package datastore

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Gateway. It backs the development server and
// every behavioural test.
type MemoryStore struct {
	mu     sync.Mutex
	root   map[string]any
	rev    uint64
	subs   *subscriberSet
	newID  func() string
	closed bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		root:  map[string]any{},
		subs:  newSubscriberSet(),
		newID: uuid.NewString,
	}
}

func (m *MemoryStore) Read(_ context.Context, path string) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	return Clone(Lookup(m.root, segs)), nil
}

func (m *MemoryStore) Write(_ context.Context, path string, value any, mode Mode) (string, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return "", err
	}
	norm, err := normalizeWrite(value, mode)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	var id string
	changed := segs
	switch mode {
	case ModeCreate:
		m.root = assign(m.root, segs, norm)
	case ModeUpdate:
		patch, ok := norm.(map[string]any)
		if !ok && norm != nil {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: update requires an object", ErrInvalidValue)
		}
		if err := validatePatch(patch); err != nil {
			m.mu.Unlock()
			return "", err
		}
		m.root = merge(m.root, segs, patch)
	case ModeDelete:
		m.root = assign(m.root, segs, nil)
	case ModeCreateWithID:
		id = m.newID()
		changed = append(append([]string{}, segs...), id)
		m.root = assign(m.root, changed, norm)
	default:
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrInvalidMode, mode)
	}
	if m.root == nil {
		m.root = map[string]any{}
	}
	pending := m.collectLocked(changed)
	m.mu.Unlock()

	pending.deliver()
	return id, nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, path string, fn ChangeFunc) (Unsubscribe, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	sub, unsub := m.subs.add(ctx, segs, fn)
	// Initial value, offered under the lock so no later write can be
	// overtaken by it.
	sub.offer(m.rev+1, Clone(Lookup(m.root, segs)), nil)
	return unsub, nil
}

// Transact runs fn against the current value at path under the store lock.
func (m *MemoryStore) Transact(_ context.Context, path string, fn TransactFunc) (any, error) {
	segs, err := SplitPath(path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	next, err := fn(Clone(Lookup(m.root, segs)))
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	norm, err := Normalize(next)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.root = assign(m.root, segs, norm)
	if m.root == nil {
		m.root = map[string]any{}
	}
	pending := m.collectLocked(segs)
	m.mu.Unlock()

	pending.deliver()
	return Clone(norm), nil
}

// SubscriberCount reports the number of open subscriptions.
func (m *MemoryStore) SubscriberCount() int {
	return m.subs.len()
}

// Close drops all subscriptions; further calls fail with ErrClosed.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.subs.closeAll()
}

type pendingOffer struct {
	sub   *subscription
	rev   uint64
	value any
}

type pendingOffers []pendingOffer

func (p pendingOffers) deliver() {
	for _, o := range p {
		o.sub.offer(o.rev, o.value, nil)
	}
}

// collectLocked bumps the revision and snapshots the value each affected
// subscriber should see. Caller holds m.mu.
func (m *MemoryStore) collectLocked(changed []string) pendingOffers {
	m.rev++
	subs := m.subs.matching(changed)
	out := make(pendingOffers, 0, len(subs))
	for _, sub := range subs {
		out = append(out, pendingOffer{sub: sub, rev: m.rev + 1, value: Clone(Lookup(m.root, sub.segs))})
	}
	return out
}

func validatePatch(patch map[string]any) error {
	for k := range patch {
		if _, err := SplitPath(k); err != nil {
			return err
		}
	}
	return nil
}
