package offline

import (
	"sync"
	"testing"
	"time"

	"offlinewatch/internal/device"
)

func TestRegistryConnectDisconnect(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	id := device.New()

	if r.Connect(id) {
		t.Fatal("Connect on unknown device reported removal")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d, want 0", r.Len())
	}

	r.Disconnect(id, t0)
	since, ok := r.OfflineSince(id)
	if !ok || !since.Equal(t0) {
		t.Fatalf("OfflineSince = %s,%v want %s,true", since, ok, t0)
	}

	later := t0.Add(time.Minute)
	r.Disconnect(id, later)
	if since, _ := r.OfflineSince(id); !since.Equal(later) {
		t.Fatalf("second Disconnect did not reset instant: %s", since)
	}
	if !r.stillOffline(id, later) || r.stillOffline(id, t0) {
		t.Fatal("stillOffline does not track the current episode")
	}

	if !r.Connect(id) {
		t.Fatal("Connect did not report removal")
	}
	if _, ok := r.OfflineSince(id); ok {
		t.Fatal("device still tracked after Connect")
	}
}

func TestRegistrySeedKeepsExisting(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	a, b := device.New(), device.New()
	r.Disconnect(a, t0.Add(time.Hour))
	r.Seed(map[device.ID]time.Time{a: t0, b: t0})

	if since, _ := r.OfflineSince(a); !since.Equal(t0.Add(time.Hour)) {
		t.Fatalf("Seed overwrote tracked device: %s", since)
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistrySortedSnapshot(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	ids := []device.ID{device.New(), device.New(), device.New()}
	for i, id := range ids {
		r.Disconnect(id, t0.Add(time.Duration(len(ids)-i)*time.Second))
	}
	snap := r.SortedSnapshot()
	if len(snap) != 3 {
		t.Fatalf("len = %d, want 3", len(snap))
	}
	for i := 1; i < len(snap); i++ {
		if snap[i].OfflineSince.Before(snap[i-1].OfflineSince) {
			t.Fatalf("snapshot not ordered: %v", snap)
		}
	}
	if snap[0].Device != ids[2] {
		t.Fatalf("oldest = %s, want %s", snap[0].Device, ids[2])
	}
}

func TestRegistryConcurrent(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	ids := make([]device.ID, 64)
	for i := range ids {
		ids[i] = device.New()
	}

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < 200; n++ {
				id := ids[(w*31+n)%len(ids)]
				if n%3 == 0 {
					r.Connect(id)
				} else {
					r.Disconnect(id, t0.Add(time.Duration(n)*time.Millisecond))
				}
				_ = r.Snapshot()
			}
		}(w)
	}
	wg.Wait()

	for _, e := range r.Snapshot() {
		since, ok := r.OfflineSince(e.Device)
		if !ok || !since.Equal(e.OfflineSince) {
			t.Fatalf("snapshot entry %s inconsistent with registry", e.Device)
		}
	}
	for _, id := range ids {
		r.Connect(id)
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d after connecting all, want 0", r.Len())
	}
}
