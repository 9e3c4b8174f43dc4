package gateway

import (
	"context"
	"time"

	"yon/bus"
	"yon/types"
)

// Config names the listeners the gateway should bring up. A listener whose
// address is left empty is simply not started; an empty WSPath serves
// WebSocket upgrades at "/".
type Config struct {
	TCPAddr string `yaml:"tcp_addr"`
	WSAddr  string `yaml:"ws_addr"`
	WSPath  string `yaml:"ws_path"`
}

// BuildTransports turns cfg into the bus.TransportConfig list Bus.Init
// expects, one per configured listener.
func BuildTransports(cfg Config) ([]bus.TransportConfig, error) {
	var out []bus.TransportConfig

	if cfg.TCPAddr != "" {
		ln, err := NewTCPListener(cfg.TCPAddr)
		if err != nil {
			return nil, err
		}
		out = append(out, bus.TransportConfig{Kind: "tcp", Listener: ln})
	}

	if cfg.WSAddr != "" {
		path := cfg.WSPath
		if path == "" {
			path = "/"
		}
		ln, err := NewWSListener(cfg.WSAddr, path)
		if err != nil {
			return nil, err
		}
		out = append(out, bus.TransportConfig{Kind: "ws", Listener: ln})
	}

	return out, nil
}

// PublishState reports one listener's health onto the bus, mirroring
// services/bridge's publishState but as a typed Pub instead of a retained
// raw-topic message.
func PublishState(ctx context.Context, b *bus.Bus, kind, level, status string) {
	_, _ = b.Pub(ctx, types.GatewayLinkState{
		Kind:     kind,
		Level:    level,
		Status:   status,
		AtUnixMS: time.Now().UnixMilli(),
	}, bus.PubOpts{})
}
