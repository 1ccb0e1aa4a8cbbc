package taskqueue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ntuicpc/tioj-judge/types"
)

func sub(id int64) *types.Submission {
	return &types.Submission{ID: id, Language: "c++17"}
}

func TestFIFO(t *testing.T) {
	q := New(3)
	for i := int64(1); i <= 3; i++ {
		if err := q.Enqueue(sub(i)); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(1); i <= 3; i++ {
		s, err := q.Dequeue(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		if s.ID != i {
			t.Fatalf("dequeued %d, want %d", s.ID, i)
		}
	}
}

func TestEnqueueErrors(t *testing.T) {
	q := New(2)
	if err := q.Enqueue(sub(1)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(sub(1)); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := q.Enqueue(sub(2)); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(sub(3)); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if q.Len() != 2 || q.Space() != 0 {
		t.Fatalf("Len() = %d, Space() = %d", q.Len(), q.Space())
	}

	rest := q.Close()
	if len(rest) != 2 {
		t.Fatalf("Close() returned %d submissions, want 2", len(rest))
	}
	if err := q.Enqueue(sub(4)); !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("expected ErrShuttingDown, got %v", err)
	}
}

func TestDuplicateAfterDequeue(t *testing.T) {
	q := New(2)
	q.Enqueue(sub(1))
	if _, err := q.Dequeue(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := q.Enqueue(sub(1)); err != nil {
		t.Fatalf("re-enqueue after dequeue: %v", err)
	}
}

func TestSpaceC(t *testing.T) {
	q := New(1)
	q.Enqueue(sub(1))
	select {
	case <-q.SpaceC():
		t.Fatal("unexpected space signal")
	default:
	}
	q.Dequeue(context.Background())
	select {
	case <-q.SpaceC():
	default:
		t.Fatal("expected space signal after dequeue")
	}
}

func TestDequeueBlocksUntilEnqueue(t *testing.T) {
	q := New(1)
	got := make(chan int64)
	go func() {
		s, err := q.Dequeue(context.Background())
		if err != nil {
			t.Error(err)
			close(got)
			return
		}
		got <- s.ID
	}()

	select {
	case <-got:
		t.Fatal("dequeue returned on empty queue")
	case <-time.After(50 * time.Millisecond):
	}
	q.Enqueue(sub(7))
	select {
	case id := <-got:
		if id != 7 {
			t.Fatalf("got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue not woken")
	}
}

func TestDequeueCancel(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		_, err := q.Dequeue(ctx)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, ErrShuttingDown) {
			t.Fatalf("expected ErrShuttingDown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue not woken by cancel")
	}
}

func TestDequeueClose(t *testing.T) {
	q := New(1)
	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := q.Dequeue(context.Background()); !errors.Is(err, ErrShuttingDown) {
				t.Errorf("expected ErrShuttingDown, got %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	wg.Wait()
}

func TestNoDoubleDelivery(t *testing.T) {
	const total = 500
	q := New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[int64]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				s, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				seen[s.ID]++
				mu.Unlock()
			}
		}()
	}

	for id := int64(1); id <= total; {
		if q.Len() > q.Cap() {
			t.Fatalf("length %d above capacity", q.Len())
		}
		switch err := q.Enqueue(sub(id)); {
		case err == nil:
			id++
		case errors.Is(err, ErrQueueFull):
			<-q.SpaceC()
		default:
			t.Fatal(err)
		}
	}
	deadline := time.Now().Add(5 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	q.Close()
	wg.Wait()

	if len(seen) != total {
		t.Fatalf("delivered %d distinct submissions, want %d", len(seen), total)
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("submission %d delivered %d times", id, n)
		}
	}
}
