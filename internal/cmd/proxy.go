package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Alia5/usbuart/internal/log"
	"github.com/Alia5/usbuart/internal/server/proxy"
)

// Proxy sits between a usbip client and a bridge and logs the CDC traffic.
type Proxy struct {
	proxy.Config `embed:""`
}

func (p *Proxy) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return p.run(ctx, logger, rawLogger)
}

func (p *Proxy) run(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	if p.UpstreamAddr == "" {
		return errors.New("upstream address is empty")
	}

	logger.Info("Starting usbuart USB-IP proxy", "listen", p.ListenAddr, "upstream", p.UpstreamAddr)
	srv := proxy.New(p.Config, logger, rawLogger)
	if err := srv.Listen(); err != nil {
		return err
	}
	served := make(chan error, 1)
	go func() { served <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down proxy")
		_ = srv.Close()
		return <-served
	case err := <-served:
		return err
	}
}
