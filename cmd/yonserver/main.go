// Command yonserver runs the bus server: it brings up the configured
// transports, publishes the device's config, and starts the built-in
// services (heartbeat) before blocking until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"yon/bus"
	"yon/services/config"
	"yon/services/gateway"
	"yon/services/heartbeat"
	"yon/types"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "yonserver:", err)
		os.Exit(1)
	}
}

func run() error {
	tcpAddr := flag.String("tcp", ":7700", "address to listen on for raw TCP clients, empty to disable")
	wsAddr := flag.String("ws", ":7701", "address to listen on for WebSocket clients, empty to disable")
	wsPath := flag.String("ws-path", "/bus", "HTTP path WebSocket clients connect to")
	device := flag.String("device", "default", "device id used to select embedded config")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	transports, err := gateway.BuildTransports(gateway.Config{
		TCPAddr: *tcpAddr,
		WSAddr:  *wsAddr,
		WSPath:  *wsPath,
	})
	if err != nil {
		return err
	}
	if len(transports) == 0 {
		return fmt.Errorf("yonserver: at least one of -tcp/-ws must be set")
	}

	b := bus.New()
	if err := b.Init(ctx, bus.Config{
		Transports: transports,
		RegTypes: []any{
			types.HeartbeatConfig{},
			types.HeartbeatTick{},
			types.GatewayLinkState{},
			types.AddArgs{},
			types.Sum{},
		},
		TraceErrsOnPub: true,
		LogNetRecv:     true,
		Logger:         log,
	}); err != nil {
		return err
	}
	defer b.Destroy()

	if err := bus.RegRPC(b, "sum", func(_ context.Context, arg types.AddArgs) (types.Sum, error) {
		return types.Sum{S: arg.A + arg.B}, nil
	}); err != nil {
		return err
	}

	cfgCtx := config.WithDevice(ctx, *device)
	config.New().Start(cfgCtx, b, log.Warn)

	if _, err := heartbeat.New(log).Start(ctx, b); err != nil {
		return err
	}

	log.Info("yonserver listening", "tcp", *tcpAddr, "ws", *wsAddr)
	<-ctx.Done()
	log.Info("yonserver shutting down")
	return nil
}
