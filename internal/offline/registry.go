package offline

import (
	"hash/maphash"
	"sort"
	"sync"
	"time"

	"offlinewatch/internal/device"
)

const registryShards = 32

// Entry is one offline device as seen by a snapshot.
type Entry struct {
	Device       device.ID
	OfflineSince time.Time
}

// Registry maps currently offline devices to the instant they went offline.
//
// Keys are spread over independently locked shards, so connect/disconnect
// events only contend with a tick on the shard they touch. A device is present
// iff it is believed offline; entries are replaced, never mutated in place.
type Registry struct {
	seed   maphash.Seed
	shards [registryShards]registryShard
}

type registryShard struct {
	mu sync.RWMutex
	m  map[device.ID]time.Time
}

func NewRegistry() *Registry {
	r := &Registry{seed: maphash.MakeSeed()}
	for i := range r.shards {
		r.shards[i].m = make(map[device.ID]time.Time)
	}
	return r
}

func (r *Registry) shard(id device.ID) *registryShard {
	u := id.UUID()
	return &r.shards[maphash.Bytes(r.seed, u[:])%registryShards]
}

// Seed inserts entries without overwriting devices that are already tracked.
func (r *Registry) Seed(offline map[device.ID]time.Time) {
	for id, since := range offline {
		sh := r.shard(id)
		sh.mu.Lock()
		if _, ok := sh.m[id]; !ok {
			sh.m[id] = since
		}
		sh.mu.Unlock()
	}
}

// Connect removes the device. It returns false if the device was not tracked.
func (r *Registry) Connect(id device.ID) bool {
	sh := r.shard(id)
	sh.mu.Lock()
	_, ok := sh.m[id]
	delete(sh.m, id)
	sh.mu.Unlock()
	return ok
}

// Disconnect records the device as offline since at, replacing any previous instant.
func (r *Registry) Disconnect(id device.ID, at time.Time) {
	sh := r.shard(id)
	sh.mu.Lock()
	sh.m[id] = at
	sh.mu.Unlock()
}

// OfflineSince returns the tracked instant for the device.
func (r *Registry) OfflineSince(id device.ID) (time.Time, bool) {
	sh := r.shard(id)
	sh.mu.RLock()
	since, ok := sh.m[id]
	sh.mu.RUnlock()
	return since, ok
}

// stillOffline reports whether the device is tracked with exactly since.
func (r *Registry) stillOffline(id device.ID, since time.Time) bool {
	cur, ok := r.OfflineSince(id)
	return ok && cur.Equal(since)
}

func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.m)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot copies the registry shard by shard. Each entry is consistent; the
// snapshot as a whole is not a global point in time.
func (r *Registry) Snapshot() []Entry {
	out := make([]Entry, 0, 16)
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for id, since := range sh.m {
			out = append(out, Entry{Device: id, OfflineSince: since})
		}
		sh.mu.RUnlock()
	}
	return out
}

// SortedSnapshot is Snapshot ordered by offline instant, oldest first.
func (r *Registry) SortedSnapshot() []Entry {
	out := r.Snapshot()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OfflineSince.Equal(out[j].OfflineSince) {
			return out[i].OfflineSince.Before(out[j].OfflineSince)
		}
		return out[i].Device.String() < out[j].Device.String()
	})
	return out
}
