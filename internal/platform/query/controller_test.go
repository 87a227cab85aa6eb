package query

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/carecoord/carecoord/internal/platform/datastore"
)

// failingGateway fails every operation with err.
type failingGateway struct {
	err   error
	reads int
}

func (f *failingGateway) Read(context.Context, string) (any, error) {
	f.reads++
	return nil, f.err
}

func (f *failingGateway) Write(context.Context, string, any, datastore.Mode) (string, error) {
	return "", f.err
}

func (f *failingGateway) Subscribe(context.Context, string, datastore.ChangeFunc) (datastore.Unsubscribe, error) {
	return nil, f.err
}

func waitFor(t *testing.T, h *Handle, pred func(Snapshot) bool) Snapshot {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		s := h.Snapshot()
		if pred(s) {
			return s
		}
		select {
		case <-deadline:
			t.Fatalf("timed out; last snapshot %+v", s)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func count(s Snapshot) int {
	recs, _ := s.Data.([]map[string]any)
	return len(recs)
}

func TestController_OneShot(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemoryStore()
	store.Write(ctx, "bookings", sample(), datastore.ModeCreate)
	ctl := NewController(store, zerolog.Nop())

	h, err := ctl.Open(ctx, Descriptor{Path: "bookings", FlattenToArray: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()

	snap, err := h.Wait(ctx)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if snap.Err != nil || count(snap) != 3 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if store.SubscriberCount() != 0 {
		t.Errorf("one-shot read must not subscribe, got %d", store.SubscriberCount())
	}

	store.Write(ctx, "bookings/b4", map[string]any{"status": "PENDING"}, datastore.ModeCreate)
	if count(h.Snapshot()) != 3 {
		t.Error("one-shot handle must not refresh on its own")
	}
	if err := h.Refetch(ctx); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if got := count(h.Snapshot()); got != 4 {
		t.Errorf("expected 4 records after refetch, got %d", got)
	}
}

func TestController_LiveRepublishes(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemoryStore()
	ctl := NewController(store, zerolog.Nop())

	h, err := ctl.Open(ctx, Descriptor{Path: "bookings", FlattenToArray: true, Live: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer h.Close()
	waitFor(t, h, func(s Snapshot) bool { return !s.Loading })

	store.Write(ctx, "bookings/b1", map[string]any{"status": "PENDING"}, datastore.ModeCreate)
	waitFor(t, h, func(s Snapshot) bool { return count(s) == 1 })

	if err := h.Refetch(ctx); !errors.Is(err, ErrUnsupportedOperation) {
		t.Errorf("expected ErrUnsupportedOperation, got %v", err)
	}
}

func TestController_SubscriptionDedup(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemoryStore()
	ctl := NewController(store, zerolog.Nop())
	d := Descriptor{Path: "bookings", FlattenToArray: true, Live: true}

	h1, _ := ctl.Open(ctx, d)
	h2, _ := ctl.Open(ctx, d)
	h3, _ := ctl.Open(ctx, Descriptor{Path: "bookings", OrderBy: "createdAt", Live: true})

	if store.SubscriberCount() != 1 {
		t.Fatalf("expected one store subscription, got %d", store.SubscriberCount())
	}
	if ctl.LiveQueries() != 2 {
		t.Fatalf("expected 2 live queries, got %d", ctl.LiveQueries())
	}

	store.Write(ctx, "bookings/b1", map[string]any{"createdAt": "2024-01-01"}, datastore.ModeCreate)
	s1 := waitFor(t, h1, func(s Snapshot) bool { return count(s) == 1 })
	s2 := waitFor(t, h2, func(s Snapshot) bool { return count(s) == 1 })
	if s1.Data.([]map[string]any)[0]["id"] != s2.Data.([]map[string]any)[0]["id"] {
		t.Error("deduplicated handles disagree")
	}

	h1.Close()
	h3.Close()
	if store.SubscriberCount() != 1 {
		t.Fatalf("subscription must survive while h2 is open, got %d", store.SubscriberCount())
	}
	h2.Close()
	if store.SubscriberCount() != 0 || ctl.Subscriptions() != 0 {
		t.Fatalf("expected all subscriptions released, store=%d controller=%d", store.SubscriberCount(), ctl.Subscriptions())
	}
}

func TestController_ReconfigureTearsDownFirst(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemoryStore()
	ctl := NewController(store, zerolog.Nop())

	h, _ := ctl.Open(ctx, Descriptor{Path: "bookings", Live: true})
	defer h.Close()
	if err := h.Reconfigure(ctx, Descriptor{Path: "providers", Live: true}); err != nil {
		t.Fatalf("reconfigure: %v", err)
	}
	if store.SubscriberCount() != 1 || ctl.Subscriptions() != 1 {
		t.Fatalf("expected exactly one subscription after reconfigure, got %d", store.SubscriberCount())
	}
	if h.Descriptor().Path != "providers" {
		t.Errorf("expected providers, got %s", h.Descriptor().Path)
	}

	store.Write(ctx, "providers/p1", map[string]any{"name": "Ada"}, datastore.ModeCreate)
	waitFor(t, h, func(s Snapshot) bool { return s.Data != nil })
}

func TestController_ContextEndReleases(t *testing.T) {
	store := datastore.NewMemoryStore()
	ctl := NewController(store, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	h, _ := ctl.Open(ctx, Descriptor{Path: "bookings", Live: true})
	cancel()

	select {
	case _, ok := <-h.Updates():
		for ok {
			_, ok = <-h.Updates()
		}
	case <-time.After(2 * time.Second):
		t.Fatal("updates channel not closed after context end")
	}
	deadline := time.Now().Add(time.Second)
	for ctl.Subscriptions() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if ctl.Subscriptions() != 0 {
		t.Errorf("expected subscription released, got %d", ctl.Subscriptions())
	}
}

func TestController_FetchError(t *testing.T) {
	cause := errors.New("backend down")
	gw := &failingGateway{err: cause}
	ctl := NewController(gw, zerolog.Nop())

	_, err := ctl.Fetch(context.Background(), Descriptor{Path: "bookings"})
	if !errors.Is(err, ErrFetch) || !errors.Is(err, cause) {
		t.Fatalf("expected FetchError wrapping cause, got %v", err)
	}

	if _, err := ctl.Open(context.Background(), Descriptor{Path: "bookings", Live: true}); !errors.Is(err, ErrFetch) {
		t.Fatalf("expected FetchError from live open, got %v", err)
	}

	h, _ := ctl.Open(context.Background(), Descriptor{Path: "bookings"})
	defer h.Close()
	snap, _ := h.Wait(context.Background())
	if !errors.Is(snap.Err, ErrFetch) {
		t.Errorf("expected snapshot FetchError, got %v", snap.Err)
	}
	if gw.reads != 2 {
		t.Errorf("fetch errors must not be retried, got %d reads for two fetches", gw.reads)
	}
}

func TestController_LiveInvalidOrderBy(t *testing.T) {
	ctx := context.Background()
	store := datastore.NewMemoryStore()
	store.Write(ctx, "bookings/b1/schedule/date", "2024-01-01", datastore.ModeCreate)
	ctl := NewController(store, zerolog.Nop())

	h, _ := ctl.Open(ctx, Descriptor{Path: "bookings", OrderBy: "schedule", Live: true})
	defer h.Close()
	snap := waitFor(t, h, func(s Snapshot) bool { return !s.Loading })
	if !errors.Is(snap.Err, ErrInvalidQuery) {
		t.Errorf("expected ErrInvalidQuery, got %v", snap.Err)
	}
}

func TestHandle_CloseIdempotent(t *testing.T) {
	ctl := NewController(datastore.NewMemoryStore(), zerolog.Nop())
	h, _ := ctl.Open(context.Background(), Descriptor{Path: "bookings", Live: true})
	h.Close()
	h.Close()
	if err := h.Refetch(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

// pushdownStore answers QueryChildren from the memory store and records the
// constraints it was given.
type pushdownStore struct {
	*datastore.MemoryStore
	got []datastore.Constraints
}

func (p *pushdownStore) QueryChildren(ctx context.Context, path string, c datastore.Constraints) ([]datastore.Child, error) {
	p.got = append(p.got, c)
	v, err := p.Read(ctx, path)
	if err != nil {
		return nil, err
	}
	return datastore.ApplyConstraints(datastore.ChildrenOf(v), c), nil
}

func TestController_PushesConstraintsToQuerier(t *testing.T) {
	ctx := context.Background()
	store := &pushdownStore{MemoryStore: datastore.NewMemoryStore()}
	store.Write(ctx, "bookings", sample(), datastore.ModeCreate)
	ctl := NewController(store, zerolog.Nop())

	data, err := ctl.Fetch(ctx, Descriptor{Path: "bookings", OrderBy: "createdAt", Limit: 2, LimitDirection: Last, FlattenToArray: true})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(store.got) != 1 {
		t.Fatalf("expected one QueryChildren call, got %d", len(store.got))
	}
	want := datastore.Constraints{OrderBy: "createdAt", Limit: 2, LimitLast: true}
	if store.got[0] != want {
		t.Errorf("constraints = %+v, want %+v", store.got[0], want)
	}
	recs := data.([]map[string]any)
	if len(recs) != 2 || recs[0]["id"] != "b1" || recs[1]["id"] != "b3" {
		t.Errorf("unexpected records: %v", recs)
	}

	if _, err := ctl.Fetch(ctx, Descriptor{Path: "bookings", FlattenToArray: true}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(store.got) != 1 {
		t.Error("unconstrained fetch should read directly")
	}
}

// gatedStore blocks Subscribe on gatePath until release is closed.
type gatedStore struct {
	*datastore.MemoryStore
	gatePath string
	entered  chan struct{}
	release  chan struct{}
}

func (g *gatedStore) Subscribe(ctx context.Context, path string, fn datastore.ChangeFunc) (datastore.Unsubscribe, error) {
	if path == g.gatePath {
		close(g.entered)
		<-g.release
	}
	return g.MemoryStore.Subscribe(ctx, path, fn)
}

func TestHandle_CloseDuringReconfigureReleasesPipeline(t *testing.T) {
	ctx := context.Background()
	store := &gatedStore{
		MemoryStore: datastore.NewMemoryStore(),
		gatePath:    "providers",
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	ctl := NewController(store, zerolog.Nop())

	h, err := ctl.Open(ctx, Descriptor{Path: "bookings", Live: true})
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Reconfigure(ctx, Descriptor{Path: "providers", Live: true})
	}()

	<-store.entered
	h.Close()
	close(store.release)

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if n := ctl.Subscriptions(); n != 0 {
		t.Errorf("expected no store subscriptions, got %d", n)
	}
	if n := ctl.LiveQueries(); n != 0 {
		t.Errorf("expected no live queries, got %d", n)
	}
	if n := store.SubscriberCount(); n != 0 {
		t.Errorf("expected memory store to have no subscribers, got %d", n)
	}
}
