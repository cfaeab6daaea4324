//go:build !windows

package privilege

import "os"

// IsRunningAsRoot returns true if the process runs with UID 0.
func IsRunningAsRoot() bool {
	return os.Getuid() == 0
}
