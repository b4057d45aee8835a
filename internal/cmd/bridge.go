package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Alia5/usbuart/bridge"
	"github.com/Alia5/usbuart/device"
	"github.com/Alia5/usbuart/device/cdc"
	"github.com/Alia5/usbuart/internal/attach"
	"github.com/Alia5/usbuart/internal/log"
	"github.com/Alia5/usbuart/internal/server/api"
	"github.com/Alia5/usbuart/internal/server/api/handler"
	"github.com/Alia5/usbuart/internal/server/usb"
	"github.com/Alia5/usbuart/internal/uart"
	"github.com/Alia5/usbuart/internal/util"
	"github.com/Alia5/usbuart/internal/version"
	"github.com/Alia5/usbuart/virtualbus"
)

const (
	maxChannels = 255
	// SEND_BREAK with 0xFFFF asks for a break until the next request.
	breakUntilCleared = 0xFFFF
	longBreak         = 500 * time.Millisecond
)

// Bridge runs the USB/IP server, the UART and the management API.
type Bridge struct {
	UsbServerConfig usb.ServerConfig `embed:"" prefix:"usb."`
	ApiServerConfig api.ServerConfig `embed:"" prefix:"api."`
	UART            uart.Config      `embed:"" prefix:"uart."`

	Channels              int           `help:"Number of CDC-ACM channels to export" default:"1" env:"USBUART_CHANNELS"`
	Channel               uint8         `help:"Channel bound to the UART at startup" default:"0" env:"USBUART_CHANNEL"`
	Serial                string        `help:"USB serial number prefix; the channel index is appended" default:"usbuart" env:"USBUART_SERIAL"`
	VID                   string        `help:"Override the USB vendor id (e.g. 0x1209)" env:"USBUART_VID"`
	PID                   string        `help:"Override the USB product id (e.g. 0x5550)" env:"USBUART_PID"`
	FollowLineCoding      bool          `help:"Reconfigure the UART when the host changes the line coding" default:"true" negatable:"" env:"USBUART_FOLLOW_LINE_CODING"`
	FollowControlLines    bool          `help:"Mirror host DTR/RTS onto the UART" default:"true" negatable:"" env:"USBUART_FOLLOW_CONTROL_LINES"`
	AutoAttachLocalClient bool          `help:"Attach the exported channels to this host with usbip" default:"false" env:"USBUART_AUTO_ATTACH"`
	PacketSize            int           `help:"CDC data packet size" default:"64" env:"USBUART_PACKET_SIZE"`
	TxTimeout             time.Duration `help:"Wait for the previous USB transmit before dropping UART data" default:"100ms" env:"USBUART_TX_TIMEOUT"`
	KeyFile               string        `help:"API password file; generated on first run (default: <config dir>/usbuart.key.txt)" env:"USBUART_KEY_FILE"`
	ConnectionTimeout     time.Duration `help:"Deadline for API and USB/IP clients to finish a request" default:"30s" env:"USBUART_CONNECTION_TIMEOUT"`
}

// serialPort is the part of *uart.Port the bridge command drives.
type serialPort interface {
	Pump(ctx context.Context, send func([]byte) int) error
	Write(p []byte)
	ApplyLineCoding(lc cdc.LineCoding) error
	SetControlLines(dtr, rts bool) error
	SendBreak(d time.Duration) error
	Dropped() uint64
	Close() error
}

var openUART = func(cfg uart.Config, logger *slog.Logger) (serialPort, error) {
	p, err := uart.Open(cfg, logger)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Run is called by Kong when the bridge command is executed.
func (b *Bridge) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := b.start(ctx, logger, rawLogger)
	if err != nil {
		if util.IsRunFromGUI() {
			fmt.Println("Press any key to exit...")
			_, _ = os.Stdin.Read(make([]byte, 1))
		}
		return err
	}
	defer rt.close()

	if util.IsRunFromGUI() {
		go func() {
			time.Sleep(250 * time.Millisecond)
			util.HideConsoleWindow()
		}()
	}
	return rt.wait(ctx)
}

func (b *Bridge) createOptions() (*device.CreateOptions, error) {
	opts := &device.CreateOptions{}
	parse := func(name, s string) (*uint16, error) {
		if s == "" {
			return nil, nil
		}
		v, err := strconv.ParseUint(s, 0, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", name, s, err)
		}
		id := uint16(v)
		return &id, nil
	}
	var err error
	if opts.IdVendor, err = parse("vid", b.VID); err != nil {
		return nil, err
	}
	if opts.IdProduct, err = parse("pid", b.PID); err != nil {
		return nil, err
	}
	return opts, nil
}

func (b *Bridge) validate() error {
	if b.Channels < 1 || b.Channels > maxChannels {
		return fmt.Errorf("channels must be between 1 and %d, got %d", maxChannels, b.Channels)
	}
	if int(b.Channel) >= b.Channels {
		return fmt.Errorf("channel %d out of range (%d channels)", b.Channel, b.Channels)
	}
	if b.PacketSize < 1 || b.PacketSize > cdc.MaxPacketSize {
		return fmt.Errorf("packet size must be between 1 and %d, got %d", cdc.MaxPacketSize, b.PacketSize)
	}
	if b.ApiServerConfig.Addr == "" {
		return errors.New("API server address must be set (default :3242)")
	}
	return nil
}

// bridgeRuntime is everything a running bridge command owns.
type bridgeRuntime struct {
	logger *slog.Logger

	usbSrv *usb.Server
	usbErr chan error
	bus    *virtualbus.VirtualBus
	stack  *cdc.Stack
	bridge *bridge.Bridge
	apiSrv *api.Server
	port   serialPort

	stopPump context.CancelFunc
	pumpDone chan struct{}
	pumpErr  error
}

func (b *Bridge) start(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) (rt *bridgeRuntime, err error) {
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	if err := b.validate(); err != nil {
		return nil, err
	}
	createOpts, err := b.createOptions()
	if err != nil {
		return nil, err
	}

	b.UsbServerConfig.ConnectionTimeout = b.ConnectionTimeout
	b.ApiServerConfig.ConnectionTimeout = b.ConnectionTimeout

	keyFile, err := resolveKeyFile(b.KeyFile)
	if err != nil {
		return nil, err
	}
	if b.ApiServerConfig.Password, err = loadOrCreateKey(keyFile, logger); err != nil {
		return nil, err
	}

	port, err := openUART(b.UART, logger)
	if err != nil {
		return nil, err
	}

	rt = &bridgeRuntime{logger: logger, port: port, usbErr: make(chan error, 1), pumpDone: make(chan struct{})}
	defer func() {
		if err != nil {
			rt.close()
		}
	}()

	logger.Info("Starting usbuart USB-IP server", "addr", b.UsbServerConfig.Addr, "channels", b.Channels)
	rt.usbSrv = usb.New(b.UsbServerConfig, logger, rawLogger)
	rt.bus = virtualbus.New()
	acms := make([]*cdc.ACM, 0, b.Channels)
	for i := 0; i < b.Channels; i++ {
		acm := cdc.New(fmt.Sprintf("%s-%d", b.Serial, i), cdc.Options{Logger: logger, Create: createOpts})
		if _, err := rt.bus.Add(acm); err != nil {
			return rt, fmt.Errorf("add channel %d: %w", i, err)
		}
		acms = append(acms, acm)
	}
	if err := rt.usbSrv.AddBus(rt.bus); err != nil {
		return rt, fmt.Errorf("add bus: %w", err)
	}
	go func() { rt.usbErr <- rt.usbSrv.ListenAndServe() }()
	select {
	case err := <-rt.usbErr:
		rt.usbErr <- err
		return rt, fmt.Errorf("usb server: %w", err)
	case <-rt.usbSrv.Ready():
	}

	rt.stack = cdc.NewStack(acms, logger)
	rt.bridge, err = bridge.Enable(rt.stack, bridge.Config{
		Channel: bridge.ChannelID(b.Channel),
		OnUARTWrite: func(p []byte) {
			rawLogger.Log(log.USBToUART, p)
			port.Write(p)
		},
	}, bridge.Options{
		Logger:     logger,
		PacketSize: b.PacketSize,
		TxTimeout:  b.TxTimeout,
		Fault: func(err error) {
			logger.Error("bridge fault", "error", err)
			panic(err)
		},
	})
	if err != nil {
		return rt, fmt.Errorf("enable bridge: %w", err)
	}
	b.observe(rt, acms)

	rt.apiSrv = api.New(b.ApiServerConfig, logger)
	r := rt.apiSrv.Router()
	r.Register("ping", handler.Ping(version.String()))
	r.Register("bridge/state", handler.BridgeState(rt.bridge, rt.port))
	r.Register("bridge/config", handler.BridgeConfig(rt.bridge))
	r.Register("bridge/channel", handler.BridgeChannel(rt.bridge, rt.stack))
	r.Register("bridge/channels", handler.BridgeChannels(rt.bridge, rt.stack, rt.bus))
	if err := rt.apiSrv.Start(); err != nil {
		logger.Error("failed to start API server", "error", err)
		rt.apiSrv = nil
		return rt, err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	rt.stopPump = cancel
	go func() {
		defer close(rt.pumpDone)
		rt.pumpErr = port.Pump(pumpCtx, func(p []byte) int {
			n := rt.bridge.Send(p)
			rawLogger.Log(log.UARTToUSB, p[:n])
			return n
		})
	}()

	if b.AutoAttachLocalClient {
		b.autoAttach(ctx, rt)
	}
	logger.Info("Bridge running", "channel", b.Channel, "uart", b.UART.Port, "api", rt.apiSrv.Addr().String())
	return rt, nil
}

// observe forwards host line state on the active channel to the UART.
func (b *Bridge) observe(rt *bridgeRuntime, acms []*cdc.ACM) {
	for i, acm := range acms {
		ch := bridge.ChannelID(i)
		active := func() bool { return rt.bridge.Config().Channel == ch }

		if b.FollowLineCoding {
			acm.SetOnLineCodingChange(func(lc cdc.LineCoding) {
				if !active() {
					return
				}
				if err := rt.port.ApplyLineCoding(lc); err != nil {
					rt.logger.Warn("cannot apply host line coding", "channel", ch, "line", lc.String(), "error", err)
				}
			})
		}
		if b.FollowControlLines {
			acm.SetOnControlStateChange(func(dtr, rts bool) {
				if !active() {
					return
				}
				if err := rt.port.SetControlLines(dtr, rts); err != nil {
					rt.logger.Warn("cannot set control lines", "channel", ch, "error", err)
				}
			})
		}
		acm.SetOnBreak(func(millis uint16) {
			if !active() || millis == 0 {
				return
			}
			d := time.Duration(millis) * time.Millisecond
			if millis == breakUntilCleared {
				d = longBreak
			}
			// Break blocks for d; the control request must not.
			go func() {
				if err := rt.port.SendBreak(d); err != nil {
					rt.logger.Warn("cannot send break", "channel", ch, "error", err)
				}
			}()
		})
	}
}

func (b *Bridge) autoAttach(ctx context.Context, rt *bridgeRuntime) {
	rt.logger.Info("Auto-attach is enabled, checking prerequisites...")
	if !attach.CheckPrerequisites(rt.logger) {
		rt.logger.Warn("Auto-attach prerequisites not met")
		rt.logger.Info("You can disable auto-attach with --auto-attach-local-client=false")
		return
	}
	port := rt.usbSrv.GetListenPort()
	for _, m := range rt.bus.GetAllDeviceMetas() {
		if err := attach.Local(ctx, port, m.Meta.BusIDString(), rt.logger); err != nil {
			rt.logger.Warn("Auto-attach failed", "busID", m.Meta.BusIDString(), "error", err)
		}
	}
}

// wait blocks until ctx ends or a component stops on its own.
func (rt *bridgeRuntime) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		rt.logger.Info("Shutting down bridge")
		return nil
	case err := <-rt.usbErr:
		rt.usbErr <- err
		return err
	case <-rt.pumpDone:
		if rt.pumpErr != nil {
			rt.logger.Error("UART stopped", "error", rt.pumpErr)
		}
		return rt.pumpErr
	}
}

// close tears down in reverse start order. It tolerates a partial start.
func (rt *bridgeRuntime) close() {
	if rt.stopPump != nil {
		rt.stopPump()
	}
	if rt.bridge != nil {
		rt.bridge.Disable()
	}
	if rt.apiSrv != nil {
		rt.apiSrv.Close()
	}
	_ = rt.port.Close()
	if rt.stopPump != nil {
		<-rt.pumpDone
	}
	if rt.usbSrv != nil {
		_ = rt.usbSrv.Close()
		if rt.usbSrv.Addr() != nil {
			<-rt.usbErr
		}
	}
	if rt.bus != nil {
		// RemoveBus closes the bus once it was registered.
		if rt.usbSrv == nil || rt.usbSrv.RemoveBus(rt.bus.BusID()) != nil {
			_ = rt.bus.Close()
		}
	}
}
