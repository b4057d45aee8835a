//go:build !windows

package util

// IsRunFromGUI is always false off Windows; start the bridge from a shell,
// a systemd unit or similar.
func IsRunFromGUI() bool {
	return false
}

func HideConsoleWindow() {}
