// Package privilege checks whether the process can launch Chrome with the
// configured sandbox settings.
package privilege

import "errors"

// ErrSandboxAsRoot means Chrome would refuse to start: its sandbox cannot
// run under uid 0.
var ErrSandboxAsRoot = errors.New("privilege: chrome sandbox cannot run as root; set browser.no_sandbox or run as an unprivileged user")

// CheckSandbox returns ErrSandboxAsRoot when running as root with the
// sandbox enabled.
func CheckSandbox(noSandbox bool) error {
	return checkSandbox(IsRunningAsRoot(), noSandbox)
}

func checkSandbox(root, noSandbox bool) error {
	if root && !noSandbox {
		return ErrSandboxAsRoot
	}
	return nil
}
