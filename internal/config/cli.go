// Package config defines the usbuart command line.
package config

import (
	"github.com/alecthomas/kong"

	"github.com/Alia5/usbuart/internal/cmd"
	"github.com/Alia5/usbuart/internal/log"
)

// CLI is the root command tree parsed by kong.
type CLI struct {
	ConfigFile string           `name:"config" help:"Config file (JSON, YAML or TOML by extension)" type:"path" env:"USBUART_CONFIG"`
	Log        log.Config       `embed:"" prefix:"log."`
	Version    kong.VersionFlag `help:"Print the version and exit"`

	Bridge    cmd.Bridge        `cmd:"" help:"Run the UART to USB CDC-ACM bridge"`
	Status    cmd.Status        `cmd:"" help:"Show the bridge state of a running server"`
	Channel   cmd.SetChannel    `cmd:"" help:"Bind the UART to another channel"`
	Channels  cmd.ListChannels  `cmd:"" help:"List the exported channels"`
	Ports     cmd.Ports         `cmd:"" help:"List serial ports on this host"`
	Proxy     cmd.Proxy         `cmd:"" help:"Relay a usbip client to a bridge and trace the CDC traffic"`
	Config    cmd.ConfigCommand `cmd:"" help:"Configuration helpers"`
	Install   cmd.Install       `cmd:"" help:"Install the bridge as a system service"`
	Uninstall cmd.Uninstall     `cmd:"" help:"Remove the system service"`
}
