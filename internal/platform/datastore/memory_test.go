package datastore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu     sync.Mutex
	values []any
	ch     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan struct{}, 64)}
}

func (r *recorder) fn(v any, err error) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func (r *recorder) last() any {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.values) == 0 {
		return nil
	}
	return r.values[len(r.values)-1]
}

func TestMemoryStore_CreateAndRead(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Write(ctx, "bookings/b1", map[string]any{"status": "pending"}, ModeCreate); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := s.Read(ctx, "bookings/b1/status")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != "pending" {
		t.Errorf("expected pending, got %v", v)
	}

	missing, err := s.Read(ctx, "bookings/nope")
	if err != nil {
		t.Fatalf("read missing: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil for missing path, got %v", missing)
	}
}

func TestMemoryStore_Update(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Write(ctx, "bookings/b1", map[string]any{"status": "pending", "notes": "x"}, ModeCreate)

	if _, err := s.Write(ctx, "bookings/b1", map[string]any{"status": "confirmed", "notes": nil}, ModeUpdate); err != nil {
		t.Fatalf("update: %v", err)
	}
	v, _ := s.Read(ctx, "bookings/b1")
	want := map[string]any{"status": "confirmed"}
	if !reflect.DeepEqual(v, want) {
		t.Errorf("expected %v, got %v", want, v)
	}

	if _, err := s.Write(ctx, "bookings/b1", "scalar", ModeUpdate); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for scalar update, got %v", err)
	}
}

func TestMemoryStore_UpdateNilOnlyRemovesField(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Write(ctx, "bookings/b1", map[string]any{"status": "pending", "notes": "x"}, ModeCreate)

	if _, err := s.Write(ctx, "bookings/b1", map[string]any{"notes": nil}, ModeUpdate); err != nil {
		t.Fatalf("update: %v", err)
	}
	v, _ := s.Read(ctx, "bookings/b1")
	want := map[string]any{"status": "pending"}
	if !reflect.DeepEqual(v, want) {
		t.Errorf("expected %v, got %v", want, v)
	}

	if _, err := s.Write(ctx, "bookings", map[string]any{"b1": nil}, ModeUpdate); err != nil {
		t.Fatalf("collection update: %v", err)
	}
	if v, _ := s.Read(ctx, "bookings/b1"); v != nil {
		t.Errorf("expected b1 removed, got %v", v)
	}
}

func TestMemoryStore_DeletePrunesParents(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Write(ctx, "a/b/c", 1.0, ModeCreate)

	if _, err := s.Write(ctx, "a/b/c", nil, ModeDelete); err != nil {
		t.Fatalf("delete: %v", err)
	}
	v, _ := s.Read(ctx, "a")
	if v != nil {
		t.Errorf("expected empty parent to be pruned, got %v", v)
	}
}

func TestMemoryStore_CreateWithID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.newID = func() string { return "generated" }

	id, err := s.Write(ctx, "bookings", map[string]any{"status": "pending"}, ModeCreateWithID)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if id != "generated" {
		t.Fatalf("expected generated id, got %q", id)
	}
	v, _ := s.Read(ctx, "bookings/generated/status")
	if v != "pending" {
		t.Errorf("expected stored value under generated key, got %v", v)
	}
}

func TestMemoryStore_InvalidInputs(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.Read(ctx, ""); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for empty path, got %v", err)
	}
	if _, err := s.Write(ctx, "bad.key", 1.0, ModeCreate); !errors.Is(err, ErrInvalidPath) {
		t.Errorf("expected ErrInvalidPath for dotted key, got %v", err)
	}
	if _, err := s.Write(ctx, "a", 1.0, Mode(42)); !errors.Is(err, ErrInvalidMode) {
		t.Errorf("expected ErrInvalidMode, got %v", err)
	}
	if _, err := s.Write(ctx, "a", func() {}, ModeCreate); !errors.Is(err, ErrInvalidValue) {
		t.Errorf("expected ErrInvalidValue for func value, got %v", err)
	}
}

func TestMemoryStore_SubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Write(ctx, "bookings/b1/status", "pending", ModeCreate)

	rec := newRecorder()
	unsub, err := s.Subscribe(ctx, "bookings", rec.fn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer unsub()
	rec.wait(t)

	s.Write(ctx, "bookings/b1/status", "confirmed", ModeCreate)
	rec.wait(t)
	want := map[string]any{"b1": map[string]any{"status": "confirmed"}}
	if !reflect.DeepEqual(rec.last(), want) {
		t.Errorf("expected %v, got %v", want, rec.last())
	}
}

func TestMemoryStore_UnrelatedWriteNotDelivered(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	rec := newRecorder()
	unsub, _ := s.Subscribe(ctx, "bookings", rec.fn)
	defer unsub()
	rec.wait(t)

	s.Write(ctx, "providers/p1/name", "Ada", ModeCreate)
	select {
	case <-rec.ch:
		t.Fatal("unexpected delivery for unrelated path")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryStore_UnsubscribeAndContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	unsub, _ := s.Subscribe(context.Background(), "a", func(any, error) {})
	s.Subscribe(ctx, "b", func(any, error) {})
	if s.SubscriberCount() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", s.SubscriberCount())
	}

	unsub()
	unsub()
	cancel()

	deadline := time.Now().Add(time.Second)
	for s.SubscriberCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if s.SubscriberCount() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", s.SubscriberCount())
	}
}

func TestMemoryStore_Transact(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Write(ctx, "counters/c", 1.0, ModeCreate)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Transact(ctx, "counters/c", func(cur any) (any, error) {
				return cur.(float64) + 1, nil
			})
		}()
	}
	wg.Wait()

	v, _ := s.Read(ctx, "counters/c")
	if v != 21.0 {
		t.Errorf("expected 21, got %v", v)
	}

	abort := errors.New("abort")
	if _, err := s.Transact(ctx, "counters/c", func(any) (any, error) { return nil, abort }); !errors.Is(err, abort) {
		t.Errorf("expected abort error, got %v", err)
	}
	v, _ = s.Read(ctx, "counters/c")
	if v != 21.0 {
		t.Errorf("aborted transaction must not write, got %v", v)
	}
}

func TestMemoryStore_Closed(t *testing.T) {
	s := NewMemoryStore()
	s.Close()
	if _, err := s.Read(context.Background(), "a"); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryStore_ReadReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.Write(ctx, "a", map[string]any{"x": 1.0}, ModeCreate)

	v, _ := s.Read(ctx, "a")
	v.(map[string]any)["x"] = 2.0

	again, _ := s.Read(ctx, "a/x")
	if again != 1.0 {
		t.Errorf("mutating a read result leaked into the store: %v", again)
	}
}
