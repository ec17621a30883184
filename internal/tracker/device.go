// Package tracker turns the router's client table into presence-tracked
// devices. Each poll cycle fetches the table, merges it into a registry
// keyed by MAC address, and stamps last-seen on devices reported as
// connected. Devices are never removed; a device that stops appearing
// simply stops being stamped, and consumers decide it is away once its
// last-seen is older than the configured detection time.
package tracker

import (
	"strings"
	"time"
	"unicode"

	"github.com/nugget/inteno-tracker/internal/inteno"
)

// Presence states rendered for a device.
const (
	StateHome    = "home"
	StateNotHome = "not_home"
)

// identityAttrs are raw fields already exposed as first-class device
// properties and therefore left out of [Device.Attrs].
var identityAttrs = map[string]bool{
	"macaddr":  true,
	"hostname": true,
	"ipaddr":   true,
}

// Device is a tracked network client. Values returned from the
// registry are copies; the raw attribute map is replaced wholesale on
// every update and never mutated in place, so sharing it is safe.
type Device struct {
	mac      string
	params   inteno.Device
	lastSeen time.Time
}

func newDevice(mac string, params inteno.Device) *Device {
	return &Device{mac: mac, params: params}
}

// MAC returns the normalized MAC address identifying the device.
func (d Device) MAC() string { return d.mac }

// Name returns the reported hostname, or the MAC when the router has
// no hostname for the client.
func (d Device) Name() string {
	if d.params.Hostname != "" {
		return d.params.Hostname
	}
	return d.mac
}

// IPAddress returns the most recently reported IP address.
func (d Device) IPAddress() string { return d.params.IPAddr }

// LastSeen returns when the device was last reported connected. The
// zero time means it has never been seen connected.
func (d Device) LastSeen() time.Time { return d.lastSeen }

// IsConnected reports whether the device was seen within detection of now.
func (d Device) IsConnected(now time.Time, detection time.Duration) bool {
	if d.lastSeen.IsZero() {
		return false
	}
	return now.Sub(d.lastSeen) < detection
}

// State renders [Device.IsConnected] as [StateHome] or [StateNotHome].
func (d Device) State(now time.Time, detection time.Duration) string {
	if d.IsConnected(now, detection) {
		return StateHome
	}
	return StateNotHome
}

// Attrs returns the raw attributes exposed on the tracked entity: keys
// slugified, identity fields and nested values dropped.
func (d Device) Attrs() map[string]any {
	attrs := make(map[string]any, len(d.params.Attributes))
	for k, v := range d.params.Attributes {
		key := slugify(k)
		if key == "" || identityAttrs[key] {
			continue
		}
		switch v.(type) {
		case map[string]any, []any:
			continue
		}
		attrs[key] = v
	}
	return attrs
}

func (d *Device) markSeen(now time.Time) {
	d.lastSeen = now
}

func (d *Device) updateParams(params *inteno.Device) {
	if params != nil {
		d.params = *params
	}
}

// slugify lower-cases s and collapses every run of characters outside
// [a-z0-9] into a single underscore.
func slugify(s string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.ToLower(s) {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// NormalizeMAC returns the registry key for a reported MAC address.
func NormalizeMAC(mac string) string {
	return strings.ToLower(strings.TrimSpace(mac))
}

// Record is the persisted and serialized form of a [Device].
type Record struct {
	MAC        string         `json:"mac"`
	Name       string         `json:"name"`
	IPAddress  string         `json:"ip_address,omitempty"`
	LastSeen   *time.Time     `json:"last_seen,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Record converts d to its persisted form. Attributes holds the full
// raw record so it can be restored unchanged.
func (d Device) Record() Record {
	r := Record{
		MAC:        d.mac,
		Name:       d.params.Hostname,
		IPAddress:  d.params.IPAddr,
		Attributes: d.params.Attributes,
	}
	if !d.lastSeen.IsZero() {
		seen := d.lastSeen
		r.LastSeen = &seen
	}
	return r
}

// deviceFromRecord rebuilds a device from its persisted form. The
// restored device is not connected until a fetch reports it so.
func deviceFromRecord(r Record) *Device {
	params := inteno.Device{
		MACAddr:    r.MAC,
		Hostname:   r.Name,
		IPAddr:     r.IPAddress,
		Attributes: r.Attributes,
	}
	d := newDevice(NormalizeMAC(r.MAC), params)
	if r.LastSeen != nil {
		d.lastSeen = *r.LastSeen
	}
	return d
}
