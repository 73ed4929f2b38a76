package mysync

import (
	"sync"
	"testing"
)

func TestLockAndRLockSeeTheValue(t *testing.T) {
	mu := NewMutex(7)

	v, unlock := mu.Lock()
	if v != 7 {
		t.Fatalf("want 7, got %d", v)
	}
	unlock.Unlock()

	v, runlock := mu.RLock()
	if v != 7 {
		t.Fatalf("want 7, got %d", v)
	}
	runlock.RUnlock()
}

func TestSwapReturnsThePreviousValue(t *testing.T) {
	mu := NewMutex("old")
	if got := mu.Swap("new"); got != "old" {
		t.Fatalf("want %q, got %q", "old", got)
	}
	v, runlock := mu.RLock()
	defer runlock.RUnlock()
	if v != "new" {
		t.Fatalf("want %q, got %q", "new", v)
	}
}

func TestSwapIsWholeValue(t *testing.T) {
	// Guard a value whose halves must always agree. If a reader could
	// observe a half-replaced value, the halves would differ.
	type pair struct {
		a, b int
	}
	mu := NewMutex(pair{})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				v, runlock := mu.RLock()
				if v.a != v.b {
					t.Errorf("torn read: %+v", v)
				}
				runlock.RUnlock()
			}
		}()
	}

	prev := pair{}
	for n := 1; n <= 1000; n++ {
		next := pair{a: n, b: n}
		if got := mu.Swap(next); got != prev {
			t.Errorf("swap %d returned %+v, want %+v", n, got, prev)
		}
		prev = next
	}
	close(stop)
	wg.Wait()
}
