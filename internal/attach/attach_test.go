package attach

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestArgs(t *testing.T) {
	assert.Equal(t,
		[]string{"--tcp-port", "3241", "attach", "-r", "localhost", "-b", "1-2"},
		Args(3241, "1-2"))
}

func TestLocal(t *testing.T) {
	tests := []struct {
		name    string
		port    uint16
		runErr  error
		wantErr string
		wantRun bool
	}{
		{name: "success", port: 3241, wantRun: true},
		{name: "command fails", port: 3241, runErr: errors.New("exit status 1"), wantErr: "usbip attach 1-1: exit status 1", wantRun: true},
		{name: "no port", port: 0, wantErr: "invalid usbip port 0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotName string
			var gotArgs []string
			prev := runCommand
			runCommand = func(_ context.Context, name string, args ...string) ([]byte, error) {
				gotName, gotArgs = name, args
				return []byte("usbip: error"), tt.runErr
			}
			t.Cleanup(func() { runCommand = prev })

			err := Local(context.Background(), tt.port, "1-1", quietLogger())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			if tt.wantRun {
				assert.Equal(t, toolName, gotName)
				assert.Equal(t, Args(tt.port, "1-1"), gotArgs)
			} else {
				assert.Empty(t, gotName)
			}
		})
	}
}
