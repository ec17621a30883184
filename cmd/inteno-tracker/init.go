package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/inteno-tracker/internal/config"
	"github.com/nugget/inteno-tracker/internal/defaults"
)

// runInit prepares dir for inteno-tracker: an example config.yaml and
// the data directory. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing inteno-tracker in %s\n", dir)

	dataDir := filepath.Join(dir, config.DefaultDataDir)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}
	fmt.Fprintf(w, "  ✓ %s/\n", dataDir)

	// The config carries router and broker passwords.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml with your router address and credentials, then run:")
	fmt.Fprintln(w, "  inteno-tracker check")
	return nil
}

// writeIfMissing writes content to path with perm only if the file does
// not already exist, and reports what it did on w.
func writeIfMissing(w io.Writer, path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
