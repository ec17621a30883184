//go:build integration
// +build integration

package main

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/nugget/inteno-tracker/internal/inteno"
	"github.com/nugget/inteno-tracker/internal/tracker"
)

func TestRouterClient(t *testing.T) {
	url := os.Getenv("INTENO_URL")
	user := os.Getenv("INTENO_USER")
	pass := os.Getenv("INTENO_PASSWORD")
	if url == "" || user == "" {
		t.Skip("INTENO_URL and INTENO_USER not set")
	}

	client, err := inteno.Dial(url, user, pass, false, slog.Default())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer client.Close()
	ctx := context.Background()

	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	t.Log("Ping: OK")

	info, err := client.HardwareInfo(ctx)
	if err != nil {
		t.Fatalf("HardwareInfo failed: %v", err)
	}
	t.Logf("Router: %s (%s, serial %s)", info.Model, info.Firmware, info.SerialNo)

	result, err := tracker.Fetch(ctx, client)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	t.Logf("Clients: %d", len(result))
}
