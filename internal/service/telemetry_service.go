// internal/service/telemetry_service.go
package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"psu-service/internal/model"
	"psu-service/internal/utils"
	"psu-service/pkg/psu"
)

// TelemetryService polls measured values of every configured channel
type TelemetryService struct {
	supply   psu.PowerSupply
	events   *EventBus
	interval time.Duration
	logger   *utils.ServiceLogger

	mu       sync.RWMutex
	snapshot []psu.ChannelReading
	polledAt time.Time
}

// TelemetrySnapshot is the latest set of readings
type TelemetrySnapshot struct {
	Connected bool                 `json:"connected"`
	PolledAt  time.Time            `json:"polled_at"`
	Channels  []psu.ChannelReading `json:"channels"`
}

// NewTelemetryService creates a poller
func NewTelemetryService(supply psu.PowerSupply, events *EventBus, interval time.Duration, logger *zap.Logger) *TelemetryService {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &TelemetryService{
		supply:   supply,
		events:   events,
		interval: interval,
		logger:   utils.NewServiceLogger(logger, "telemetry-service"),
	}
}

// Run polls until ctx is cancelled
func (t *TelemetryService) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.logger.Info("Telemetry poller started", zap.Duration("interval", t.interval))
	for {
		select {
		case <-ctx.Done():
			t.logger.Info("Telemetry poller stopped")
			return
		case <-ticker.C:
			t.Poll(ctx)
		}
	}
}

// Poll takes one sample of every configured channel. Nothing is read while
// the link is down; the previous snapshot is cleared instead.
func (t *TelemetryService) Poll(ctx context.Context) {
	if !t.supply.State().Connected {
		t.mu.Lock()
		t.snapshot = nil
		t.mu.Unlock()
		return
	}

	profile := t.supply.Profile()
	readings := make([]psu.ChannelReading, 0, len(profile.Channels))
	for _, ch := range profile.Channels {
		if ctx.Err() != nil {
			return
		}
		reading := psu.ChannelReading{Channel: ch.ID, Usage: ch.Usage, ReadAt: time.Now()}
		if v, err := t.supply.ReadMeasuredVoltage(ctx, ch.ID); err == nil {
			reading.MeasuredVoltage = psu.Float(v)
		}
		if a, err := t.supply.ReadMeasuredCurrent(ctx, ch.ID); err == nil {
			reading.MeasuredCurrent = psu.Float(a)
		}
		readings = append(readings, reading)
	}

	now := time.Now()
	t.mu.Lock()
	t.snapshot = readings
	t.polledAt = now
	t.mu.Unlock()

	if t.events != nil {
		t.events.Publish(model.NewEvent(model.EventTelemetry, profile.Setting, nil, model.JSONObject{
			"channels": readings,
		}))
	}
}

// Snapshot returns a copy of the latest readings
func (t *TelemetryService) Snapshot() TelemetrySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	channels := make([]psu.ChannelReading, len(t.snapshot))
	copy(channels, t.snapshot)
	return TelemetrySnapshot{
		Connected: t.supply.State().Connected,
		PolledAt:  t.polledAt,
		Channels:  channels,
	}
}
