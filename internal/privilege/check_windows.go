//go:build windows

package privilege

// IsRunningAsRoot is always false on Windows, where the Chrome sandbox
// works for elevated processes.
func IsRunningAsRoot() bool {
	return false
}
