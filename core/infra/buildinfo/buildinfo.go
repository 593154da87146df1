// Package buildinfo carries the version stamp injected at link time.
package buildinfo

import (
	"fmt"

	"github.com/debench/debench/core/infra/logging"
)

// Set with -ldflags "-X github.com/debench/debench/core/infra/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)

// Info returns a single-line build summary.
func Info() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Log records the build stamp for the named binary.
func Log(binary string) {
	logging.Info(binary, "starting", "version", Version, "commit", Commit, "date", Date)
}
