// Package attach imports exported channels into the local host with the
// usbip command-line tool.
package attach

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
)

// runCommand executes name with args and returns its combined output.
// Tests replace it.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Args returns the usbip arguments that attach busID from the local server
// listening on port.
func Args(port uint16, busID string) []string {
	return []string{
		"--tcp-port", strconv.FormatUint(uint64(port), 10),
		"attach",
		"-r", "localhost",
		"-b", busID,
	}
}

// Local attaches busID served on the local USB/IP port.
func Local(ctx context.Context, port uint16, busID string, logger *slog.Logger) error {
	if port == 0 {
		return fmt.Errorf("attach %s: invalid usbip port 0", busID)
	}
	logger.Info("Auto-attaching localhost client", "busID", busID, "port", port)

	output, err := runCommand(ctx, toolName, Args(port, busID)...)
	if err != nil {
		logger.Error("Failed to attach device",
			"error", err,
			"busID", busID,
			"port", port,
			"output", string(output))
		return fmt.Errorf("usbip attach %s: %w", busID, err)
	}
	logger.Debug("usbip attach output", "output", string(output))
	return nil
}
