package usb

import "time"

// ServerConfig represents the USB/IP listener configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3241" env:"USBUART_USB_ADDR"`
	ConnectionTimeout time.Duration `kong:"-"`
	QueueDepth        int           `help:"Queued URBs per endpoint before the reader blocks" default:"32" env:"USBUART_USB_QUEUE_DEPTH"`
}
