package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/nugget/inteno-tracker/internal/inteno"
	"github.com/nugget/inteno-tracker/internal/tracker"
)

// Check outcomes, matching the error keys a setup form shows.
const (
	checkOK            = "ok"
	checkInvalidAuth   = "invalid_auth"
	checkCannotConnect = "cannot_connect"
)

// checkResult is the outcome of the check command.
type checkResult struct {
	Status  string             `json:"status"`
	URL     string             `json:"url"`
	Error   string             `json:"error,omitempty"`
	Router  *inteno.SystemInfo `json:"router,omitempty"`
	Clients int                `json:"clients"`
}

// runCheck logs in to the configured router and reports whether the
// address and credentials work. A failed check is returned as an error
// so the process exits non-zero.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	client, err := inteno.Dial(cfg.Router.URL(), cfg.Router.Username, cfg.Router.Password, cfg.Router.VerifySSL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	res := checkResult{Status: checkOK, URL: cfg.Router.URL()}
	result, err := checkRouter(ctx, client)
	if err == nil {
		res.Clients = len(result)
		if info, err := client.HardwareInfo(ctx); err == nil {
			res.Router = info
		} else {
			logger.Warn("router system info unavailable", "error", err)
		}
	} else {
		res.Error = err.Error()
		res.Status = checkCannotConnect
		if errors.Is(err, tracker.ErrAuthFailed) {
			res.Status = checkInvalidAuth
		}
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		printCheck(stdout, res)
	}

	if res.Status != checkOK {
		return fmt.Errorf("router check failed: %s", res.Status)
	}
	return nil
}

// checkRouter logs in and fetches the client table once.
func checkRouter(ctx context.Context, api tracker.API) (tracker.FetchResult, error) {
	if err := tracker.Connect(ctx, api); err != nil {
		return nil, err
	}
	return tracker.Fetch(ctx, api)
}

func printCheck(w io.Writer, res checkResult) {
	fmt.Fprintf(w, "%s: %s\n", res.URL, res.Status)
	if res.Error != "" {
		fmt.Fprintf(w, "  error:    %s\n", res.Error)
		return
	}
	if res.Router != nil {
		fmt.Fprintf(w, "  model:    %s\n", res.Router.Model)
		fmt.Fprintf(w, "  firmware: %s\n", res.Router.Firmware)
		fmt.Fprintf(w, "  serial:   %s\n", res.Router.SerialNo)
	}
	fmt.Fprintf(w, "  clients:  %d\n", res.Clients)
}

// deviceRow is one line of the devices command output.
type deviceRow struct {
	MAC       string         `json:"mac"`
	Name      string         `json:"name"`
	IPAddress string         `json:"ip_address,omitempty"`
	State     string         `json:"state"`
	LastSeen  *time.Time     `json:"last_seen,omitempty"`
	Attrs     map[string]any `json:"attributes,omitempty"`
}

// runDevices runs a single poll cycle against the router and prints
// every client it reported.
func runDevices(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := configuredLogger(stderr, cfg)

	client, err := inteno.Dial(cfg.Router.URL(), cfg.Router.Username, cfg.Router.Password, cfg.Router.VerifySSL, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	coord := tracker.NewCoordinator(tracker.CoordinatorConfig{
		API:           client,
		Interval:      cfg.Router.ScanIntervalDuration(),
		DetectionTime: cfg.Router.DetectionTimeDuration(),
		Logger:        logger,
	})
	if err := coord.Setup(ctx); err != nil {
		return err
	}

	now := coord.Now()
	detection := coord.DetectionTime()
	devices := coord.Devices()
	rows := make([]deviceRow, 0, len(devices))
	for _, d := range devices {
		row := deviceRow{
			MAC:       d.MAC(),
			Name:      d.Name(),
			IPAddress: d.IPAddress(),
			State:     d.State(now, detection),
			Attrs:     d.Attrs(),
		}
		if seen := d.LastSeen(); !seen.IsZero() {
			row.LastSeen = &seen
		}
		rows = append(rows, row)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "MAC\tNAME\tIP\tSTATE\tLAST SEEN")
	for _, r := range rows {
		seen := "-"
		if r.LastSeen != nil {
			seen = r.LastSeen.Local().Format(time.DateTime)
		}
		ip := r.IPAddress
		if ip == "" {
			ip = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.MAC, r.Name, ip, r.State, seen)
	}
	return tw.Flush()
}
