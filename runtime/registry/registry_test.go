package registry

import (
	"sync"
	"testing"

	"github.com/voltlab/cellbench/channelio"
)

func noop(uint32, channelio.Snapshot) {}

func TestIndicesAreMonotonePerChannel(t *testing.T) {
	r := New(4)
	for want := uint64(0); want < 5; want++ {
		got, err := r.Register(1, noop)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Fatalf("expected index %d, got %d", want, got)
		}
	}
	// A different channel counts independently.
	got, err := r.Register(2, noop)
	if err != nil {
		t.Fatal(err)
	}
	if got != 0 {
		t.Fatalf("expected fresh counter on channel 2, got %d", got)
	}
}

func TestIndicesSurviveUnregistration(t *testing.T) {
	r := New(2)
	a, _ := r.Register(0, noop)
	b, _ := r.Register(0, noop)
	if !r.Unregister(0, a) {
		t.Fatal("expected removal of a")
	}
	if r.Unregister(0, a) {
		t.Fatal("double removal must report false")
	}
	// b keeps its identity, and new registrations never reuse a's index.
	if _, ok := r.Resolve(0, b); !ok {
		t.Fatal("b lost after removing a")
	}
	c, _ := r.Register(0, noop)
	if c == a || c == b {
		t.Fatalf("index %d reused", c)
	}
}

func TestRegisterWithSeesOwnIndex(t *testing.T) {
	r := New(1)
	var captured uint64
	idx, err := r.RegisterWith(0, func(index uint64) Callback {
		captured = index
		return noop
	})
	if err != nil {
		t.Fatal(err)
	}
	if captured != idx {
		t.Fatalf("builder saw %d, Register returned %d", captured, idx)
	}
}

func TestSnapshotIsStableCopy(t *testing.T) {
	r := New(1)
	first, _ := r.Register(0, noop)
	second, _ := r.Register(0, noop)

	snap := r.Snapshot(0)
	if len(snap) != 2 || snap[0].Index != first || snap[1].Index != second {
		t.Fatalf("unexpected snapshot %v", snap)
	}
	r.UnregisterAll(0)
	if len(snap) != 2 {
		t.Fatal("snapshot must not change after registry mutation")
	}
	if r.Count(0) != 0 {
		t.Fatalf("expected empty channel, got %d entries", r.Count(0))
	}
	if r.Snapshot(0) != nil {
		t.Fatal("expected nil snapshot for empty channel")
	}
}

func TestResolveAfterUnregister(t *testing.T) {
	r := New(1)
	idx, _ := r.Register(0, noop)
	if _, ok := r.Resolve(0, idx); !ok {
		t.Fatal("expected callback to resolve")
	}
	r.Unregister(0, idx)
	if _, ok := r.Resolve(0, idx); ok {
		t.Fatal("expected stale index to resolve to nothing")
	}
}

func TestUnknownChannel(t *testing.T) {
	r := New(2)
	if _, err := r.Register(9, noop); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if r.Snapshot(9) != nil {
		t.Fatal("expected nil snapshot for unknown channel")
	}
	if _, ok := r.Resolve(9, 0); ok {
		t.Fatal("expected no callback for unknown channel")
	}
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := New(1)
	var wg sync.WaitGroup
	seen := make(chan uint64, 4*200)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				idx, err := r.Register(0, noop)
				if err != nil {
					t.Error(err)
					return
				}
				seen <- idx
				if i%2 == 0 {
					r.Unregister(0, idx)
				}
			}
		}()
	}
	wg.Wait()
	close(seen)
	unique := make(map[uint64]struct{})
	for idx := range seen {
		if _, dup := unique[idx]; dup {
			t.Fatalf("index %d issued twice", idx)
		}
		unique[idx] = struct{}{}
	}
}
