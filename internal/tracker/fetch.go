package tracker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nugget/inteno-tracker/internal/inteno"
)

// Error kinds for router failures. Every error returned by [Fetch],
// [Connect] and [Coordinator.Refresh] wraps exactly one of them.
var (
	// ErrCannotConnect covers unreachable routers, transport errors and
	// malformed replies.
	ErrCannotConnect = errors.New("cannot connect to router")

	// ErrAuthFailed means the router rejected the credentials. Retrying
	// will not help; the credentials must be refreshed.
	ErrAuthFailed = errors.New("router rejected credentials")
)

// invalidCredentialsText is the message the router client uses when a
// login is refused.
const invalidCredentialsText = "invalid user name or password"

// Classify wraps err with [ErrAuthFailed] when its message carries the
// router client's credential-rejection text and with [ErrCannotConnect]
// otherwise. Already classified errors are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAuthFailed) || errors.Is(err, ErrCannotConnect) {
		return err
	}
	if strings.Contains(err.Error(), invalidCredentialsText) {
		return fmt.Errorf("%w: %w", ErrAuthFailed, err)
	}
	return fmt.Errorf("%w: %w", ErrCannotConnect, err)
}

// Authenticator is the login half of the router client.
type Authenticator interface {
	EnsureLoggedIn(ctx context.Context) error
}

// API is the router client surface the poll cycle depends on.
// [*inteno.Client] satisfies it.
type API interface {
	Authenticator
	ListDevices(ctx context.Context) (map[string]inteno.Device, error)
}

// Connect performs the initial login and classifies any failure.
func Connect(ctx context.Context, api Authenticator) error {
	return Classify(api.EnsureLoggedIn(ctx))
}

// Fetch refreshes the session and returns the router's client table
// keyed by normalized MAC. An empty table yields an empty result.
func Fetch(ctx context.Context, api API) (FetchResult, error) {
	if err := api.EnsureLoggedIn(ctx); err != nil {
		return nil, Classify(err)
	}

	devices, err := api.ListDevices(ctx)
	if err != nil {
		return nil, Classify(err)
	}
	return byMAC(devices), nil
}

// byMAC re-keys the router's client table by MAC. Entries without a MAC
// are dropped. When two entries share a MAC the connected one wins,
// then the one with the lowest router key.
func byMAC(devices map[string]inteno.Device) FetchResult {
	keys := make([]string, 0, len(devices))
	for k := range devices {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make(FetchResult, len(devices))
	for _, k := range keys {
		d := devices[k]
		mac := NormalizeMAC(d.MACAddr)
		if mac == "" {
			continue
		}
		if existing, ok := result[mac]; ok && (existing.Connected || !d.Connected) {
			continue
		}
		result[mac] = d
	}
	return result
}
