package tracker

import (
	"testing"
	"time"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestMerge_NewConnectedDevice(t *testing.T) {
	r := NewRegistry()
	stats := r.Merge(FetchResult{
		"aa:bb": client("AA:BB", "phone", "192.168.1.10", true),
	}, t0)

	if stats.New != 1 || stats.Active != 1 || stats.Total != 1 {
		t.Errorf("stats = %+v", stats)
	}
	d, ok := r.Get("AA:BB")
	if !ok {
		t.Fatal("device not created")
	}
	if !d.LastSeen().Equal(t0) {
		t.Errorf("LastSeen = %v, want %v", d.LastSeen(), t0)
	}
	if d.Name() != "phone" || d.IPAddress() != "192.168.1.10" {
		t.Errorf("unexpected device %q %q", d.Name(), d.IPAddress())
	}
}

func TestMerge_AbsentDeviceRetained(t *testing.T) {
	r := NewRegistry()
	r.Merge(FetchResult{"aa:bb": client("aa:bb", "phone", "192.168.1.10", true)}, t0)

	r.Merge(FetchResult{}, t0.Add(time.Minute))

	d, ok := r.Get("aa:bb")
	if !ok {
		t.Fatal("absent device was removed")
	}
	if !d.LastSeen().Equal(t0) {
		t.Errorf("LastSeen = %v, want unchanged %v", d.LastSeen(), t0)
	}
	if d.IPAddress() != "192.168.1.10" {
		t.Errorf("absent device params changed: %+v", d.params)
	}
}

func TestMerge_DisconnectedKeepsLastSeen(t *testing.T) {
	r := NewRegistry()
	r.Merge(FetchResult{"aa:bb": client("aa:bb", "phone", "192.168.1.10", true)}, t0)

	stats := r.Merge(FetchResult{
		"aa:bb": client("aa:bb", "phone", "192.168.1.77", false),
	}, t0.Add(time.Minute))

	if stats.Active != 0 {
		t.Errorf("Active = %d, want 0", stats.Active)
	}
	d, _ := r.Get("aa:bb")
	if !d.LastSeen().Equal(t0) {
		t.Errorf("LastSeen = %v, want %v", d.LastSeen(), t0)
	}
	// Params are still overwritten for reported devices.
	if d.IPAddress() != "192.168.1.77" {
		t.Errorf("IPAddress = %q, want refreshed value", d.IPAddress())
	}
}

func TestMerge_NewDisconnectedDeviceNeverSeen(t *testing.T) {
	r := NewRegistry()
	r.Merge(FetchResult{"aa:bb": client("aa:bb", "tv", "", false)}, t0)

	d, ok := r.Get("aa:bb")
	if !ok {
		t.Fatal("device not created")
	}
	if !d.LastSeen().IsZero() {
		t.Errorf("LastSeen = %v, want zero", d.LastSeen())
	}
	if d.IsConnected(t0, time.Hour) {
		t.Error("never-seen device must not be connected")
	}
}

func TestMerge_Properties(t *testing.T) {
	r := NewRegistry()
	r.Merge(FetchResult{
		"aa:01": client("aa:01", "a", "10.0.0.1", true),
		"aa:02": client("aa:02", "b", "10.0.0.2", true),
		"aa:03": client("aa:03", "c", "10.0.0.3", true),
	}, t0)
	before := snapshot(r)

	start := t0.Add(time.Minute)
	result := FetchResult{
		"aa:01": client("aa:01", "a", "10.0.0.1", true),
		"aa:02": client("aa:02", "b", "10.0.0.2", false),
		"aa:04": client("aa:04", "d", "10.0.0.4", true),
		"aa:05": client("aa:05", "e", "10.0.0.5", false),
	}
	r.Merge(result, start)
	after := snapshot(r)

	for mac, params := range result {
		d, ok := after[mac]
		if !ok {
			t.Errorf("%s: no record after cycle", mac)
			continue
		}
		prev, existed := before[mac]
		if params.Connected {
			if d.LastSeen().Before(start) {
				t.Errorf("%s: connected but LastSeen %v before cycle start", mac, d.LastSeen())
			}
		} else if existed && !d.LastSeen().Equal(prev.LastSeen()) {
			t.Errorf("%s: disconnected but LastSeen changed %v -> %v", mac, prev.LastSeen(), d.LastSeen())
		} else if !existed && !d.LastSeen().IsZero() {
			t.Errorf("%s: new disconnected device has LastSeen %v", mac, d.LastSeen())
		}
	}

	prev, cur := before["aa:03"], after["aa:03"]
	if !cur.LastSeen().Equal(prev.LastSeen()) || cur.IPAddress() != prev.IPAddress() {
		t.Errorf("absent device changed: %+v -> %+v", prev.Record(), cur.Record())
	}
	if len(after) != 5 {
		t.Errorf("expected 5 records, got %d", len(after))
	}
}

func TestRestore(t *testing.T) {
	seen := t0
	r := NewRegistry()
	r.Merge(FetchResult{"aa:01": client("aa:01", "live", "10.0.0.1", true)}, t0.Add(time.Hour))

	n := r.Restore([]Record{
		{MAC: "AA:01", Name: "stale"},
		{MAC: "aa:02", Name: "laptop", IPAddress: "10.0.0.2", LastSeen: &seen},
		{MAC: ""},
	})
	if n != 1 {
		t.Errorf("restored %d, want 1", n)
	}

	d, _ := r.Get("aa:01")
	if d.Name() != "live" {
		t.Errorf("existing device overwritten by restore: %q", d.Name())
	}
	d, ok := r.Get("aa:02")
	if !ok {
		t.Fatal("restored device missing")
	}
	if d.Name() != "laptop" || !d.LastSeen().Equal(seen) {
		t.Errorf("restored device = %+v", d.Record())
	}
}

func TestDevices_SortedCopies(t *testing.T) {
	r := NewRegistry()
	r.Merge(FetchResult{
		"cc:00": client("cc:00", "c", "", true),
		"aa:00": client("aa:00", "a", "", true),
		"bb:00": client("bb:00", "b", "", true),
	}, t0)

	devices := r.Devices()
	if len(devices) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(devices))
	}
	for i, want := range []string{"aa:00", "bb:00", "cc:00"} {
		if devices[i].MAC() != want {
			t.Errorf("devices[%d] = %s, want %s", i, devices[i].MAC(), want)
		}
	}

	// Mutating a copy does not affect the registry.
	devices[0].markSeen(t0.Add(time.Hour))
	d, _ := r.Get("aa:00")
	if !d.LastSeen().Equal(t0) {
		t.Error("registry device changed through a snapshot")
	}
}

func snapshot(r *Registry) map[string]Device {
	out := make(map[string]Device)
	for _, d := range r.Devices() {
		out[d.MAC()] = d
	}
	return out
}

