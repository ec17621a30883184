// Package inteno is a client for the ubus JSON-RPC interface exposed by
// Inteno (IOPSYS) routers. It authenticates a session, lists connected
// network clients, and reads router system information. Calls travel
// over HTTP POST to /ubus or over the router's websocket daemon; both
// transports satisfy [Caller].
package inteno

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Device is one network client as reported by "router.network clients".
// The four named fields are lifted out of Attributes for convenience;
// Attributes holds every field the firmware reported, unmodified.
type Device struct {
	MACAddr    string
	Hostname   string
	IPAddr     string
	Connected  bool
	Attributes map[string]any
}

// SystemInfo is the "system" object of "router.system info".
type SystemInfo struct {
	Name     string `json:"name"`
	Hardware string `json:"hardware"`
	Model    string `json:"model"`
	BoardID  string `json:"boardid"`
	Firmware string `json:"firmware"`
	Kernel   string `json:"kernel"`
	BaseMAC  string `json:"basemac"`
	SerialNo string `json:"serialno"`
}

// Caller executes a single ubus call and returns the data object of
// the reply. Implementations report ubus status codes as
// [*StatusError] and JSON-RPC level errors as [*RPCError].
type Caller interface {
	Call(ctx context.Context, session, object, method string, args any) (json.RawMessage, error)
	Close() error
}

// deviceFromRaw lifts the well-known client fields out of a raw record.
func deviceFromRaw(raw map[string]any) Device {
	if raw == nil {
		raw = map[string]any{}
	}
	return Device{
		MACAddr:    stringField(raw, "macaddr"),
		Hostname:   stringField(raw, "hostname"),
		IPAddr:     stringField(raw, "ipaddr"),
		Connected:  boolField(raw, "connected"),
		Attributes: raw,
	}
}

func stringField(raw map[string]any, key string) string {
	switch v := raw[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// boolField accepts JSON booleans as well as the "1"/"true" strings and
// 0/1 numbers some firmware builds emit.
func boolField(raw map[string]any, key string) bool {
	switch v := raw[key].(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	default:
		return false
	}
}
