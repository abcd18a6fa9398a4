package pending

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

func TestNextIDStartsAtSeed(t *testing.T) {
	tbl := NewTable()
	if id := tbl.NextID(); id != FirstID {
		t.Fatalf("expect first id %d, got %d", FirstID, id)
	}
	if id := tbl.NextID(); id != FirstID+1 {
		t.Fatalf("expect second id %d, got %d", FirstID+1, id)
	}
}

func TestNextIDWrapsToSeed(t *testing.T) {
	tbl := NewTable()
	tbl.nextID.Store(math.MaxInt32)

	if id := tbl.NextID(); id != math.MaxInt32 {
		t.Fatalf("expect %d, got %d", int32(math.MaxInt32), id)
	}
	if id := tbl.NextID(); id != FirstID {
		t.Fatalf("expect wrap around to %d, got %d", FirstID, id)
	}
}

func TestResolveBeforeWait(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.Register(id)

	if !tbl.Resolve(id, []byte("5"), false) {
		t.Fatal("expect Resolve to find the call")
	}

	out, err := tbl.Wait(context.Background(), id, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || string(out.Value) != "5" || out.IsError {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expect empty table after Wait, got %d", tbl.Len())
	}
}

func TestResolveError(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.Register(id)

	go func() {
		time.Sleep(20 * time.Millisecond)
		tbl.Resolve(id, []byte("boom"), true)
	}()

	out, err := tbl.Wait(context.Background(), id, time.Second, nil)
	if err != nil {
		t.Fatal(err)
	}
	if out == nil || !out.IsError || string(out.Value) != "boom" {
		t.Fatalf("unexpected outcome: %+v", out)
	}
}

func TestWaitTimeoutReturnsNil(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.Register(id)

	start := time.Now()
	out, err := tbl.Wait(context.Background(), id, 50*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("timeout must not be an error, got %v", err)
	}
	if out != nil {
		t.Fatalf("expect nil outcome on timeout, got %+v", out)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("returned before the deadline: %v", elapsed)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expect entry removed after timeout, got %d", tbl.Len())
	}

	// A late response finds no one waiting
	if tbl.Resolve(id, []byte("late"), false) {
		t.Fatal("late response should be dropped")
	}
}

func TestWaitContextCanceled(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.Register(id)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := tbl.Wait(ctx, id, time.Second, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expect context.Canceled, got %v", err)
	}
}

func TestWaitClosed(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.Register(id)

	closed := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(closed)
	}()

	_, err := tbl.Wait(context.Background(), id, 5*time.Second, closed)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expect ErrClosed, got %v", err)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expect entry removed after close, got %d", tbl.Len())
	}
}

func TestResolveOnlyOnce(t *testing.T) {
	tbl := NewTable()
	id := tbl.NextID()
	tbl.Register(id)

	if !tbl.Resolve(id, []byte("first"), false) {
		t.Fatal("first Resolve should succeed")
	}
	if tbl.Resolve(id, []byte("second"), false) {
		t.Fatal("second Resolve should be ignored")
	}

	out, _ := tbl.Wait(context.Background(), id, time.Second, nil)
	if string(out.Value) != "first" {
		t.Fatalf("expect first value, got %q", out.Value)
	}
}

// Responses resolved in reverse order still reach their own callers.
func TestOutOfOrderResolution(t *testing.T) {
	tbl := NewTable()
	const n = 50

	ids := make([]int32, n)
	for i := range ids {
		ids[i] = tbl.NextID()
		tbl.Register(ids[i])
	}

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := tbl.Wait(context.Background(), ids[i], 2*time.Second, nil)
			if err != nil || out == nil {
				t.Errorf("call %d: outcome %v, err %v", i, out, err)
				return
			}
			if string(out.Value) != string(rune('A'+i%26)) {
				t.Errorf("call %d got %q", i, out.Value)
			}
		}(i)
	}

	for i := n - 1; i >= 0; i-- {
		tbl.Resolve(ids[i], []byte(string(rune('A'+i%26))), false)
	}
	wg.Wait()

	if tbl.Len() != 0 {
		t.Fatalf("expect empty table, got %d", tbl.Len())
	}
}
