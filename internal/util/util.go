// Package util holds helpers for launching the bridge from a desktop shell.
package util

import "strings"

var cliProcesses = []string{
	"cmd.exe",
	"powershell.exe",
	"pwsh.exe",
	"wt.exe",
	"conhost.exe",
	"windowsterminal.exe",
}

func isCliProcess(name string) bool {
	name = strings.ToLower(name)
	for _, cli := range cliProcesses {
		if name == cli {
			return true
		}
	}
	return false
}

// launchedFromShell decides from the parent process name and whether a
// console is attached if the binary was started by double click.
func launchedFromShell(parentName string, hasConsole bool) bool {
	if !hasConsole {
		return true
	}
	if isCliProcess(parentName) {
		return false
	}
	return strings.EqualFold(parentName, "explorer.exe")
}

// InjectCommand returns args with command inserted after the program name,
// unless it is already the first argument.
func InjectCommand(args []string, command string) []string {
	if len(args) >= 2 && args[1] == command {
		return args
	}
	out := make([]string, 0, len(args)+1)
	if len(args) > 0 {
		out = append(out, args[0])
	}
	out = append(out, command)
	if len(args) > 1 {
		out = append(out, args[1:]...)
	}
	return out
}
