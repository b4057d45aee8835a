//go:build !linux && !windows

package attach

import "log/slog"

const toolName = "usbip"

// CheckPrerequisites always fails: there is no USB/IP client here.
func CheckPrerequisites(logger *slog.Logger) bool {
	logger.Warn("Auto-attach is only supported on Linux and Windows")
	return false
}
