// Package heartbeat publishes a periodic tick whose interval is driven by
// the bus's retained example::heartbeat_config body (see services/config).
package heartbeat

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"yon/bus"
	"yon/types"
)

const defaultInterval = time.Second

type Service struct {
	intervalMS atomic.Int64
	log        *slog.Logger
}

func New(log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	s := &Service{log: log}
	s.intervalMS.Store(defaultInterval.Milliseconds())
	return s
}

// Start subscribes to config changes and runs the tick loop until ctx is
// cancelled. The config subscription uses RecvLastMsg so a heartbeat
// started after services/config has already published picks up the current
// interval immediately instead of waiting for the next change.
func (s *Service) Start(ctx context.Context, b *bus.Bus) (string, error) {
	subsid, err := bus.Sub(b, "", func(_ context.Context, cfg types.HeartbeatConfig) (any, error) {
		if cfg.IntervalMS > 0 {
			s.intervalMS.Store(cfg.IntervalMS)
			s.log.Info("heartbeat interval updated", "interval_ms", cfg.IntervalMS)
		}
		return bus.SkipMe, nil
	}, bus.SubOpts{RecvLastMsg: true})
	if err != nil {
		return "", err
	}

	go s.loop(ctx, b)
	return subsid, nil
}

func (s *Service) loop(ctx context.Context, b *bus.Bus) {
	tick := time.NewTicker(time.Duration(s.intervalMS.Load()) * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("heartbeat service stopping")
			return
		case t := <-tick.C:
			if _, err := b.Pub(ctx, types.HeartbeatTick{AtUnixMS: t.UnixMilli()}, bus.PubOpts{}); err != nil {
				s.log.Warn("heartbeat publish failed", "err", err)
			}
			if want := time.Duration(s.intervalMS.Load()) * time.Millisecond; want != 0 {
				tick.Reset(want)
			}
		}
	}
}
