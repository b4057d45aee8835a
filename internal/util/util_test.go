package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLaunchedFromShell(t *testing.T) {
	tests := []struct {
		name       string
		parent     string
		hasConsole bool
		want       bool
	}{
		{name: "no console", parent: "cmd.exe", hasConsole: false, want: true},
		{name: "explorer", parent: "Explorer.EXE", hasConsole: true, want: true},
		{name: "powershell", parent: "PowerShell.exe", hasConsole: true, want: false},
		{name: "terminal", parent: "WindowsTerminal.exe", hasConsole: true, want: false},
		{name: "unknown parent", parent: "code.exe", hasConsole: true, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, launchedFromShell(tt.parent, tt.hasConsole))
		})
	}
}

func TestInjectCommand(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want []string
	}{
		{name: "no args", args: []string{"usbuart.exe"}, want: []string{"usbuart.exe", "bridge"}},
		{name: "flags kept", args: []string{"usbuart.exe", "--uart.port=COM3"}, want: []string{"usbuart.exe", "bridge", "--uart.port=COM3"}},
		{name: "already present", args: []string{"usbuart.exe", "bridge", "-v"}, want: []string{"usbuart.exe", "bridge", "-v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, InjectCommand(tt.args, "bridge"))
		})
	}
}
