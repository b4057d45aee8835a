//go:build windows

package main

import (
	"log/slog"
	"os"

	"github.com/Alia5/usbuart/internal/util"
)

func init() {
	if util.IsRunFromGUI() {
		slog.Info("Detected GUI startup, injecting 'bridge' argument")
		slog.Warn("Run from a CLI for more options!")
		os.Args = util.InjectCommand(os.Args, "bridge")
	}
}
