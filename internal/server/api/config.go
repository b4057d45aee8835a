package api

import "time"

// ServerConfig represents the management API configuration.
type ServerConfig struct {
	Addr             string `help:"API server listen address" default:":3242" env:"USBUART_API_ADDR"`
	RequireLocalAuth bool   `help:"Require the API password from loopback clients too" env:"USBUART_API_REQUIRE_LOCAL_AUTH"`
	// Password enables authenticated sessions when non-empty. It is read from
	// the key file, never from flags.
	Password          string        `kong:"-"`
	ConnectionTimeout time.Duration `kong:"-"`
}
