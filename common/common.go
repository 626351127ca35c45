// Package common holds process wide helpers: logging setup, version
// information and the location of the per-user state directory.
package common

import (
	"os"
	"path/filepath"
)

// PackageName is used as metrics namespace and default log service tag.
const PackageName = "cvmctl"

// Version is set at build time with -ldflags "-X .../common.Version=...".
var Version = "dev"

// DataDirEnv overrides the default state directory.
const DataDirEnv = "CVMCTL_DATA_DIR"

// DefaultDataDir returns the per-user state directory, ~/.cvmctl unless
// overridden by the environment.
func DefaultDataDir() string {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "." + PackageName
	}
	return filepath.Join(home, "."+PackageName)
}
