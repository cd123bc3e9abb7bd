package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestScope_EveryStopsOnClose(t *testing.T) {
	s := NewScope(context.Background())
	var ticks atomic.Int32
	s.Every(5*time.Millisecond, true, func(ctx context.Context) { ticks.Add(1) })

	time.Sleep(30 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	n := ticks.Load()
	if n < 2 {
		t.Errorf("expected immediate run plus ticks, got %d", n)
	}
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != n {
		t.Error("expected no ticks after close")
	}
	if s.Relevant() {
		t.Error("expected closed scope to be irrelevant")
	}
}

func TestScope_ChildClosedWithParent(t *testing.T) {
	parent := NewScope(context.Background())
	child := parent.Child()
	if !child.Relevant() {
		t.Fatal("expected open child to be relevant")
	}
	_ = parent.Close()
	if child.Relevant() {
		t.Error("expected child to close with parent")
	}
}

func TestScope_ChildCloseLeavesParent(t *testing.T) {
	parent := NewScope(context.Background())
	defer parent.Close()
	child := parent.Child()
	_ = child.Close()
	if !parent.Relevant() {
		t.Error("expected parent to stay open")
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var k KeyedMutex
	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("B-12")
			n := inside.Add(1)
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			unlock()
		}()
	}
	wg.Wait()
	if maxInside.Load() != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside.Load())
	}
	if k.Len() != 0 {
		t.Errorf("expected entries to be dropped, got %d", k.Len())
	}
}

func TestKeyedMutex_DifferentKeysConcurrent(t *testing.T) {
	var k KeyedMutex
	unlockA := k.Lock("B-1")
	done := make(chan struct{})
	go func() {
		unlockB := k.Lock("B-2")
		unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("expected a different key not to block")
	}
	unlockA()
}
