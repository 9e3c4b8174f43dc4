// Package config loads per-device settings and publishes them onto the bus
// as the retained bodies other services key their startup state off of
// (services/heartbeat's RecvLastMsg subscription, for instance).
package config

import (
	"context"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"yon/bus"
	"yon/types"
)

const ctxDeviceKey ctxDeviceKeyT = 0

type ctxDeviceKeyT int

// WithDevice attaches a device id to ctx for Service.Publish to read.
func WithDevice(ctx context.Context, device string) context.Context {
	return context.WithValue(ctx, ctxDeviceKey, device)
}

// Lookup resolves a device id to its raw YAML document. Overridable so a
// deployment can read from disk or a remote config service instead of the
// built-in roster.
var Lookup = func(device string) ([]byte, bool) {
	raw, ok := embeddedConfigs[device]
	return raw, ok
}

// Doc is the schema every device config is parsed against.
type Doc struct {
	Heartbeat struct {
		IntervalSeconds int `yaml:"interval_seconds"`
	} `yaml:"heartbeat"`
}

// Service publishes one device's config onto the bus at startup.
type Service struct{}

func New() *Service { return &Service{} }

// Publish reads ctx's device id, loads its YAML doc, and republishes its
// fields as the typed bodies downstream services subscribe to.
func (s *Service) Publish(ctx context.Context, b *bus.Bus) error {
	device, _ := ctx.Value(ctxDeviceKey).(string)
	if device == "" {
		return errors.New("config: missing device id in context")
	}

	raw, ok := Lookup(device)
	if !ok || len(raw) == 0 {
		return errors.Errorf("config: no embedded config for device %q", device)
	}

	var doc Doc
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return errors.Wrap(err, "config: parse device config")
	}

	_, err := b.Pub(ctx, types.HeartbeatConfig{
		IntervalMS: int64(doc.Heartbeat.IntervalSeconds) * 1000,
	}, bus.PubOpts{})
	return err
}

// Start runs Publish in a goroutine, logging (rather than returning) any
// failure, mirroring the original fire-and-forget Start.
func (s *Service) Start(ctx context.Context, b *bus.Bus, log func(msg string, args ...any)) {
	go func() {
		if err := s.Publish(ctx, b); err != nil && log != nil {
			log("config publish failed", "err", err)
		}
	}()
}
