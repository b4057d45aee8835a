package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	"github.com/Alia5/usbuart/apiclient"
	"github.com/Alia5/usbuart/internal/uart"
)

// replaced in tests
var (
	stdout       io.Writer = os.Stdout
	stderr       io.Writer = os.Stderr
	stdinFd                = func() int { return int(os.Stdin.Fd()) }
	isTerminal             = term.IsTerminal
	readPassword           = term.ReadPassword
)

// ClientFlags are shared by the commands that talk to a running bridge.
type ClientFlags struct {
	Addr     string        `help:"API server address" default:"localhost:3242" env:"USBUART_CLIENT_ADDR"`
	Password string        `help:"API password (default: the local key file)" env:"USBUART_PASSWORD"`
	KeyFile  string        `help:"API password file (default: <config dir>/usbuart.key.txt)" env:"USBUART_KEY_FILE"`
	Prompt   bool          `help:"Prompt for the API password"`
	Timeout  time.Duration `help:"Request timeout" default:"5s" env:"USBUART_CLIENT_TIMEOUT"`
	JSON     bool          `help:"Print raw JSON"`
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "" || strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// password picks the API password: flag or env, then the key file, then a
// terminal prompt for remote servers. Loopback clients may go without.
func (f *ClientFlags) password() (string, error) {
	if f.Password != "" {
		return f.Password, nil
	}
	if !f.Prompt {
		if path, err := resolveKeyFile(f.KeyFile); err == nil {
			if pwd, err := readKeyFile(path); err == nil && pwd != "" {
				return pwd, nil
			}
		}
		if isLoopbackAddr(f.Addr) {
			return "", nil
		}
	}

	fd := stdinFd()
	if !isTerminal(fd) {
		if f.Prompt {
			return "", errors.New("cannot prompt for password: stdin is not a terminal")
		}
		return "", nil
	}
	_, _ = fmt.Fprint(stderr, "API password: ")
	pwd, err := readPassword(fd)
	_, _ = fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimSpace(string(pwd)), nil
}

func (f *ClientFlags) client() (*apiclient.Client, context.Context, context.CancelFunc, error) {
	pwd, err := f.password()
	if err != nil {
		return nil, nil, nil, err
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	cl := apiclient.NewWithConfig(f.Addr, &apiclient.Config{
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Password:     pwd,
	})
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return cl, ctx, cancel, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Status prints the server version and the bridge counters.
type Status struct {
	ClientFlags `embed:""`
}

func (c *Status) Run(logger *slog.Logger) error {
	cl, ctx, cancel, err := c.client()
	if err != nil {
		return err
	}
	defer cancel()

	ping, err := cl.PingCtx(ctx)
	if err != nil {
		return err
	}
	st, err := cl.StateCtx(ctx)
	if err != nil {
		return err
	}
	logger.Debug("status", "addr", c.Addr, "version", ping.Version)

	if c.JSON {
		return printJSON(map[string]any{"server": ping, "state": st})
	}
	_, err = fmt.Fprintf(stdout, "%s %s\nchannel:      %d\nrx bytes:     %d\ntx bytes:     %d\ndropped:      %d\nuart dropped: %d\n",
		ping.Server, ping.Version, st.Channel, st.RxBytes, st.TxBytes, st.Dropped, st.UARTDropped)
	return err
}

// SetChannel rebinds the bridge to another channel.
type SetChannel struct {
	ClientFlags `embed:""`
	ID          uint8 `arg:"" name:"id" help:"Channel to bind the UART to"`
}

func (c *SetChannel) Run(logger *slog.Logger) error {
	cl, ctx, cancel, err := c.client()
	if err != nil {
		return err
	}
	defer cancel()

	cfg, err := cl.SetChannelCtx(ctx, c.ID)
	if err != nil {
		return err
	}
	logger.Debug("channel set", "addr", c.Addr, "channel", cfg.Channel)
	if c.JSON {
		return printJSON(cfg)
	}
	_, err = fmt.Fprintf(stdout, "bridge bound to channel %d\n", cfg.Channel)
	return err
}

// ListChannels prints every exported channel.
type ListChannels struct {
	ClientFlags `embed:""`
}

func (c *ListChannels) Run(logger *slog.Logger) error {
	cl, ctx, cancel, err := c.client()
	if err != nil {
		return err
	}
	defer cancel()

	resp, err := cl.ChannelsCtx(ctx)
	if err != nil {
		return err
	}
	if c.JSON {
		return printJSON(resp)
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tBUS ID\tVID:PID\tATTACHED\tACTIVE\tLINE\tDTR\tRTS")
	for _, ch := range resp.Channels {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s:%s\t%t\t%t\t%s\t%t\t%t\n",
			ch.ID, ch.BusID, ch.Vid, ch.Pid, ch.Attached, ch.Active, ch.Line, ch.DTR, ch.RTS)
	}
	return tw.Flush()
}

// Ports lists the serial ports of this host.
type Ports struct{}

var listPorts = uart.Ports

func (p *Ports) Run() error {
	ports, err := listPorts()
	if err != nil {
		return fmt.Errorf("list serial ports: %w", err)
	}
	if len(ports) == 0 {
		_, err = fmt.Fprintln(stdout, "no serial ports found")
		return err
	}
	for _, name := range ports {
		if _, err := fmt.Fprintln(stdout, name); err != nil {
			return err
		}
	}
	return nil
}
