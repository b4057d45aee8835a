//go:build windows

package attach

import (
	"log/slog"
	"os/exec"
)

const toolName = "usbip.exe"

var lookPath = exec.LookPath

// CheckPrerequisites reports whether usbip-win2 is installed.
func CheckPrerequisites(logger *slog.Logger) bool {
	if _, err := lookPath(toolName); err != nil {
		logger.Warn("USB/IP tool 'usbip.exe' not found in PATH")
		logger.Info("Install usbip-win2 from https://github.com/vadimgrn/usbip-win2/releases")
		return false
	}
	logger.Debug("usbip.exe found in PATH")
	return true
}
