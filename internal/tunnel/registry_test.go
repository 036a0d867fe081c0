package tunnel

import (
	"testing"
	"time"
)

func TestRegistryCreateAndGet(t *testing.T) {
	r := NewRegistry()

	res, err := r.Create("alice", 10)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Port == 0 {
		t.Error("Create result Port = 0, want nonzero")
	}
	if res.MaxConnCount != 10 {
		t.Errorf("Create result MaxConnCount = %d, want 10", res.MaxConnCount)
	}

	tun, ok := r.Get("alice")
	if !ok {
		t.Fatal("Get(alice) not found after Create")
	}
	defer tun.Close()

	if got := r.Stats().Tunnels; got != 1 {
		t.Errorf("Stats().Tunnels = %d, want 1", got)
	}
}

func TestRegistryCreateCollisionNewWins(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Create("bob", 10); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	oldTun, _ := r.Get("bob")

	if _, err := r.Create("bob", 10); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	newTun, ok := r.Get("bob")
	if !ok {
		t.Fatal("Get(bob) not found after second Create")
	}
	defer newTun.Close()

	if oldTun == newTun {
		t.Fatal("Get(bob) returned the pre-collision tunnel")
	}
	if oldTun.State() != "closed" {
		t.Errorf("old tunnel state = %s, want closed", oldTun.State())
	}
}

func TestRegistryStaleCloseDoesNotEvictReplacement(t *testing.T) {
	// Regression test for the stale-close-event quirk: a duplicate or
	// delayed fire of an already-evicted tunnel's close callback must not
	// remove the tunnel that replaced it.
	r := NewRegistry()

	if _, err := r.Create("carol", 10); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	oldTun, _ := r.Get("carol")

	if _, err := r.Create("carol", 10); err != nil {
		t.Fatalf("second Create: %v", err)
	}
	newTun, _ := r.Get("carol")
	defer newTun.Close()

	oldTun.Close()

	time.Sleep(10 * time.Millisecond)

	got, ok := r.Get("carol")
	if !ok || got != newTun {
		t.Fatalf("Get(carol) after stale close = %v, %v; want new tunnel, true", got, ok)
	}
}

func TestRegistryRemove(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("dave", 10); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.Remove("dave")

	time.Sleep(10 * time.Millisecond)
	if r.Has("dave") {
		t.Error("Has(dave) = true after Remove, want false")
	}
	if got := r.Stats().Tunnels; got != 0 {
		t.Errorf("Stats().Tunnels after Remove = %d, want 0", got)
	}
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("dave2", 10); err != nil {
		t.Fatalf("Create: %v", err)
	}

	r.Remove("dave2")
	r.Remove("dave2")

	if r.Has("dave2") {
		t.Error("Has(dave2) = true after double Remove, want false")
	}
}

func TestRegistryTunnelSelfRemovesOnClose(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("erin", 10); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tun, _ := r.Get("erin")
	tun.Close()

	time.Sleep(10 * time.Millisecond)
	if r.Has("erin") {
		t.Error("Has(erin) = true after tunnel closed itself, want false")
	}
}

func TestRegistryCloseAll(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"a", "b", "c"} {
		if _, err := r.Create(id, 10); err != nil {
			t.Fatalf("Create(%s): %v", id, err)
		}
	}

	r.CloseAll()
	time.Sleep(10 * time.Millisecond)

	if got := r.Stats().Tunnels; got != 0 {
		t.Errorf("Stats().Tunnels after CloseAll = %d, want 0", got)
	}
}

func TestRegistryIds(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Create("frank", 10); err != nil {
		t.Fatalf("Create: %v", err)
	}
	tun, _ := r.Get("frank")
	defer tun.Close()

	ids := r.Ids()
	if len(ids) != 1 || ids[0] != "frank" {
		t.Errorf("Ids() = %v, want [frank]", ids)
	}
}
