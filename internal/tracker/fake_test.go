package tracker

import (
	"context"
	"errors"
	"sync"

	"github.com/nugget/inteno-tracker/internal/inteno"
)

type mockAPI struct {
	mu       sync.Mutex
	devices  map[string]inteno.Device
	loginErr error
	listErr  error
	logins   int
	lists    int
}

func (m *mockAPI) EnsureLoggedIn(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logins++
	return m.loginErr
}

func (m *mockAPI) ListDevices(_ context.Context) (map[string]inteno.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lists++
	if m.listErr != nil {
		return nil, m.listErr
	}
	cp := make(map[string]inteno.Device, len(m.devices))
	for k, v := range m.devices {
		cp[k] = v
	}
	return cp, nil
}

func (m *mockAPI) set(devices map[string]inteno.Device, listErr error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices = devices
	m.listErr = listErr
}

type mockListener struct {
	mu       sync.Mutex
	updates  [][]Device
	failures []error
}

func (m *mockListener) DevicesUpdated(_ context.Context, devices []Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates = append(m.updates, devices)
}

func (m *mockListener) RefreshFailed(_ context.Context, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, err)
}

func (m *mockListener) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.updates), len(m.failures)
}

type mockHost struct {
	mu   sync.Mutex
	errs []error
	done chan struct{}
}

func (m *mockHost) ReportAuthFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
}

type memStore struct {
	mu      sync.Mutex
	records map[string]Record
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]Record)}
}

func (m *memStore) LoadDevices(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *memStore) SaveDevices(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, r := range records {
		m.records[r.MAC] = r
	}
	return nil
}

var errUnreachable = errors.New("dial tcp 192.168.1.1:80: connect: connection refused")

func client(mac, host, ip string, connected bool) inteno.Device {
	return inteno.Device{
		MACAddr:   mac,
		Hostname:  host,
		IPAddr:    ip,
		Connected: connected,
		Attributes: map[string]any{
			"macaddr":   mac,
			"hostname":  host,
			"ipaddr":    ip,
			"connected": connected,
		},
	}
}
