// Package node ties the subsystems into one running dragoonfly node:
// identity derivation, block store, send-storage accountant, codec worker
// pool, transport, swarm, request task manager and the HTTP command
// surface.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/dragoonfly-net/dragoonfly/dragoonerr"
)

// appName anchors the on-disk layout under <HOME>/.share/<app-name>
const appName = "dragoonfly"

// Config carries everything a node needs at startup: the
// identity seed, the HTTP bind address, an optional label, the
// send-storage budget, the codec parameters path, and the purge flag.
type Config struct {
	Seed     int64
	HTTPAddr string
	Label    string

	// StorageSpace and StorageUnit express the send-storage budget as
	// (magnitude, unit), units being powers of 10.
	StorageSpace int64
	StorageUnit  string

	PowersPath     string
	ReplaceFileDir bool

	// DataDir overrides the default <HOME>/.share/dragoonfly root,
	// primarily for tests running several nodes against one filesystem.
	DataDir string
}

// unitMultipliers are powers of 10, not 2: 1K is exactly 1000 bytes.
var unitMultipliers = map[string]int64{
	"":  1,
	"K": 1_000,
	"M": 1_000_000,
	"G": 1_000_000_000,
	"T": 1_000_000_000_000,
}

// Budget resolves the configured send-storage ceiling in bytes.
func (c *Config) Budget() (int64, error) {
	unit := strings.ToUpper(c.StorageUnit)
	mult, ok := unitMultipliers[unit]
	if !ok {
		return 0, dragoonerr.New(dragoonerr.BadRequest, "unknown storage unit %q", c.StorageUnit)
	}
	if c.StorageSpace < 0 {
		return 0, dragoonerr.New(dragoonerr.BadRequest, "negative storage space %d", c.StorageSpace)
	}
	return c.StorageSpace * mult, nil
}

// dataDir resolves the node's on-disk root.
func (c *Config) dataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("node: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".share", appName), nil
}

// Validate checks the startup configuration before any subsystem starts.
func (c *Config) Validate(fs afero.Fs) error {
	if c.HTTPAddr == "" {
		return dragoonerr.New(dragoonerr.BadRequest, "missing HTTP bind address")
	}
	if _, err := c.Budget(); err != nil {
		return err
	}
	if c.PowersPath == "" {
		return dragoonerr.New(dragoonerr.BadRequest, "missing codec parameters path")
	}
	if ok, err := afero.Exists(fs, c.PowersPath); err != nil || !ok {
		return dragoonerr.New(dragoonerr.BadRequest, "codec parameters file %s not found", c.PowersPath)
	}
	return nil
}
