package tracker

import (
	"sort"
	"sync"
	"time"

	"github.com/nugget/inteno-tracker/internal/inteno"
)

// FetchResult maps normalized MAC addresses to the raw client records
// returned by one poll cycle.
type FetchResult map[string]inteno.Device

// MergeStats summarizes one [Registry.Merge].
type MergeStats struct {
	New    int // records created this cycle
	Active int // records stamped seen this cycle
	Total  int // records in the registry afterwards
}

// Registry holds one [Device] per MAC ever observed. Merge is only
// called from the serial poll cycle; the lock lets readers take
// snapshots while a cycle is in flight.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Merge applies one fetch result:
//  1. MACs not yet known get a new record from the incoming data.
//  2. Every known record is active when it is in result and reported
//     connected. Its raw data is replaced when result has an entry for
//     it, and active records are stamped seen at now.
//  3. Records absent from result are left untouched, last-seen included.
func (r *Registry) Merge(result FetchResult, now time.Time) MergeStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats MergeStats
	for mac, params := range result {
		if _, ok := r.devices[mac]; !ok {
			r.devices[mac] = newDevice(mac, params)
			stats.New++
		}
	}

	for mac, d := range r.devices {
		params, present := result[mac]
		if !present {
			continue
		}
		d.updateParams(&params)
		if params.Connected {
			d.markSeen(now)
			stats.Active++
		}
	}

	stats.Total = len(r.devices)
	return stats
}

// Restore inserts previously persisted devices. Records for MACs the
// registry already holds are ignored.
func (r *Registry) Restore(records []Record) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	restored := 0
	for _, rec := range records {
		d := deviceFromRecord(rec)
		if d.mac == "" {
			continue
		}
		if _, ok := r.devices[d.mac]; ok {
			continue
		}
		r.devices[d.mac] = d
		restored++
	}
	return restored
}

// Get returns a copy of the device for mac.
func (r *Registry) Get(mac string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.devices[NormalizeMAC(mac)]
	if !ok {
		return Device{}, false
	}
	return *d, true
}

// Devices returns copies of all devices sorted by MAC.
func (r *Registry) Devices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mac < out[j].mac })
	return out
}
