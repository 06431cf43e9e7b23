package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kassenwerk/periphd/internal/coremodel"
)

// pollLoop probes each connected terminal on the configured interval and
// emits deviceStatusChanged only when the probe outcome flips.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.pollWG.Done()
	interval := o.cfg.Terminal.StatusPollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var mu sync.Mutex
	lastOnline := make(map[coremodel.DeviceID]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, s := range o.sessions.Sessions() {
			if s.Device.Kind != coremodel.DeviceKindPaymentTerminal {
				continue
			}
			if _, busy := s.InFlight(); busy {
				// never interleave a probe with a running transaction
				continue
			}
			info, err := s.Engine.StatusEnquiry(ctx)
			online := err == nil && info.Online

			mu.Lock()
			prev, known := lastOnline[s.Device.ID]
			changed := !known || prev != online
			lastOnline[s.Device.ID] = online
			mu.Unlock()

			if !changed {
				continue
			}
			o.logger.Info("terminal status changed",
				zap.String("device_id", string(s.Device.ID)),
				zap.Bool("online", online))
			msg := "offline"
			if online {
				msg = "online"
			}
			o.emit(coremodel.Event{
				Type:     coremodel.EventDeviceStatusChanged,
				DeviceID: s.Device.ID,
				Message:  msg,
			})
		}
	}
}
