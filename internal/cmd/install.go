package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Install registers the bridge as a system service started at boot.
type Install struct {
	Args []string `arg:"" optional:"" passthrough:"" help:"Extra flags passed to 'usbuart bridge' by the service"`
}

func (c *Install) Run(logger *slog.Logger) error {
	return install(c.Args, logger)
}

// Uninstall removes the service created by install.
type Uninstall struct{}

func (c *Uninstall) Run(logger *slog.Logger) error {
	return uninstall(logger)
}

func currentExecutable() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(exe); err == nil {
		exe = resolved
	}
	return exe, nil
}
