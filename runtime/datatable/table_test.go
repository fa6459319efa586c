package datatable

import (
	"sync"
	"testing"

	"github.com/voltlab/cellbench/channelio"
)

func TestUpdateMergesKeyByKey(t *testing.T) {
	table := New(4)
	if err := table.Update(1, channelio.Snapshot{"voltage": 3.7, "current": 1.2}); err != nil {
		t.Fatal(err)
	}
	if err := table.Update(1, channelio.Snapshot{"voltage": 3.9, "temperature": 24.5}); err != nil {
		t.Fatal(err)
	}
	snap, err := table.Snapshot(1)
	if err != nil {
		t.Fatal(err)
	}
	if snap["voltage"] != 3.9 {
		t.Fatalf("voltage not overwritten, got %v", snap["voltage"])
	}
	if snap["current"] != 1.2 {
		t.Fatalf("current lost during merge, got %v", snap["current"])
	}
	if snap["temperature"] != 24.5 {
		t.Fatalf("temperature not added, got %v", snap["temperature"])
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	table := New(2)
	if err := table.Update(0, channelio.Snapshot{"voltage": 3.7}); err != nil {
		t.Fatal(err)
	}
	snap, err := table.Snapshot(0)
	if err != nil {
		t.Fatal(err)
	}
	snap["voltage"] = 99

	fresh, err := table.Snapshot(0)
	if err != nil {
		t.Fatal(err)
	}
	if fresh["voltage"] != 3.7 {
		t.Fatalf("mutating a snapshot leaked into the table, got %v", fresh["voltage"])
	}
}

func TestUnknownChannel(t *testing.T) {
	table := New(2)
	if err := table.Update(5, channelio.Snapshot{"voltage": 1}); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if _, err := table.Snapshot(5); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if err := table.Subscribe(5); err == nil {
		t.Fatal("expected error for unknown channel")
	}
	if table.IsSubscribed(5) {
		t.Fatal("unknown channel must read unsubscribed")
	}
}

func TestSubscriptionRoundTrip(t *testing.T) {
	table := New(8)
	if table.IsSubscribed(3) {
		t.Fatal("channels must start unsubscribed")
	}
	if err := table.Subscribe(3); err != nil {
		t.Fatal(err)
	}
	if err := table.Subscribe(5); err != nil {
		t.Fatal(err)
	}
	if !table.IsSubscribed(3) {
		t.Fatal("subscribe did not stick")
	}
	got := table.Subscribed()
	if len(got) != 2 || got[0] != 3 || got[1] != 5 {
		t.Fatalf("unexpected subscribed set %v", got)
	}
	if err := table.Unsubscribe(3); err != nil {
		t.Fatal(err)
	}
	if table.IsSubscribed(3) {
		t.Fatal("unsubscribe did not stick")
	}
}

func TestConcurrentUpdatesAndSnapshots(t *testing.T) {
	table := New(1)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				// Both keys always carry the same value; a torn merge
				// would let a reader observe them diverging.
				v := float64(w*1000 + i)
				_ = table.Update(0, channelio.Snapshot{"a": v, "b": v})
			}
		}(w)
	}
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				snap, err := table.Snapshot(0)
				if err != nil {
					t.Error(err)
					return
				}
				if len(snap) == 0 {
					continue
				}
				if snap["a"] != snap["b"] {
					t.Errorf("observed torn merge: a=%v b=%v", snap["a"], snap["b"])
					return
				}
			}
		}()
	}
	wg.Wait()
}
