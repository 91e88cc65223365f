package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nugget/webpilot/internal/defaults"
)

// runInit prepares dir for WebPilot: a data directory for the audit log
// and instance ID, and a config.yaml with every default spelled out.
// Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing WebPilot in %s\n", dir)

	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dataDir, err)
	}

	// The config may carry API keys and broker passwords.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point llm.base_url at your model server,")
	fmt.Fprintf(w, "then run: webpilot -config %s serve\n", configPath)
	return nil
}

// writeIfMissing writes data to path with mode unless the file already
// exists, reporting either outcome on w.
func writeIfMissing(w io.Writer, path string, data []byte, mode os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
		return nil
	}
	if err := os.WriteFile(path, data, mode); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", path)
	return nil
}
