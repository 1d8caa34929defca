// internal/service/psu_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"psu-service/internal/model"
	"psu-service/internal/protocol"
	"psu-service/internal/repository"
	"psu-service/internal/utils"
	"psu-service/pkg/psu"
)

// ErrUnknownTarget means no default-on channel carries the requested usage
var ErrUnknownTarget = errors.New("no channel serves target")

// HostFlags reports the host deployment state for status displays
type HostFlags interface {
	Active() bool
	RigType() string
}

// portLister is implemented by supplies that can enumerate their ports
type portLister interface {
	ListPorts() ([]string, error)
}

// statsReporter is implemented by supplies that expose link statistics
type statsReporter interface {
	TransportStats() protocol.ProtocolStats
}

// PSUService wraps the PSU link with journaling, events and audit logs
type PSUService struct {
	supply        psu.PowerSupply
	flags         HostFlags
	operationRepo repository.OperationRepository
	events        *EventBus
	logger        *utils.ServiceLogger
	auditLogger   *utils.AuditLogger
}

// NewPSUService creates a new PSU service instance
func NewPSUService(
	supply psu.PowerSupply,
	flags HostFlags,
	operationRepo repository.OperationRepository,
	events *EventBus,
	logger *zap.Logger,
) *PSUService {
	return &PSUService{
		supply:        supply,
		flags:         flags,
		operationRepo: operationRepo,
		events:        events,
		logger:        utils.NewServiceLogger(logger, "psu-service"),
		auditLogger:   utils.NewAuditLogger(logger),
	}
}

// Status returns the link state, profile and host flags
func (s *PSUService) Status() *PSUStatus {
	profile := s.supply.Profile()
	status := &PSUStatus{
		Link:             s.supply.State(),
		Setting:          profile.Setting,
		Kind:             s.supply.Kind(),
		Channels:         profile.Channels,
		DeploymentActive: s.flags.Active(),
		RigType:          s.flags.RigType(),
	}
	if reporter, ok := s.supply.(statsReporter); ok {
		stats := reporter.TransportStats()
		status.Transport = &stats
	}
	return status
}

// Profile returns the active device profile
func (s *PSUService) Profile() psu.DeviceProfile {
	return s.supply.Profile()
}

// Connect probes for the PSU
func (s *PSUService) Connect(ctx context.Context, requestID string) (psu.LinkState, error) {
	started := time.Now()
	state, err := s.supply.Connect(ctx)
	s.record(ctx, started, model.OperationTypeConnect, nil, nil, requestID, err, model.JSONObject{
		"port":     state.Port,
		"identity": state.Identity,
	})
	if err != nil {
		return state, err
	}

	s.publish(model.EventConnected, nil, model.JSONObject{
		"port":     state.Port,
		"identity": state.Identity,
		"status":   state.String(),
	})
	return state, nil
}

// Disconnect releases the PSU
func (s *PSUService) Disconnect(ctx context.Context, requestID string) error {
	previous := s.supply.State()
	started := time.Now()
	err := s.supply.Disconnect(ctx)
	s.record(ctx, started, model.OperationTypeDisconnect, nil, nil, requestID, err, nil)
	if err != nil {
		return err
	}

	s.publish(model.EventDisconnected, nil, model.JSONObject{"port": previous.Port})
	return nil
}

// ApplyDefaults writes the profile defaults to every channel
func (s *PSUService) ApplyDefaults(ctx context.Context, requestID string) error {
	started := time.Now()
	err := s.supply.ApplyDefaults(ctx)
	s.record(ctx, started, model.OperationTypeApplyDefaults, nil, nil, requestID, err, nil)
	if err != nil {
		return err
	}

	profile := s.supply.Profile()
	for _, ch := range profile.Channels {
		channel := ch.ID
		s.publish(model.EventSetpointChanged, &channel, model.JSONObject{
			"voltage": ch.DefaultVout,
			"current": ch.DefaultImax,
			"enabled": ch.DefaultOn,
		})
	}
	return nil
}

// SetVoltage sets a voltage and reads the set-point back for confirmation.
// A failed read-back leaves Readback nil without failing the request.
func (s *PSUService) SetVoltage(ctx context.Context, channel int, volts float64, requestID string) (*SetpointResult, error) {
	started := time.Now()
	err := s.supply.SetVoltage(ctx, channel, volts)
	s.record(ctx, started, model.OperationTypeSetVoltage, &channel, &volts, requestID, err, nil)
	s.auditLogger.LogSetpointChange(s.setting(), channel, "voltage", volts, requestID, err == nil)
	if err != nil {
		return nil, err
	}

	result := &SetpointResult{Channel: channel, Requested: volts}
	if readback, err := s.supply.ReadSetVoltage(ctx, channel); err == nil {
		result.Readback = psu.Float(readback)
	}

	s.publish(model.EventSetpointChanged, &channel, model.JSONObject{
		"voltage":  volts,
		"readback": result.Readback,
	})
	return result, nil
}

// SetCurrent sets a current limit
func (s *PSUService) SetCurrent(ctx context.Context, channel int, amps float64, requestID string) (*SetpointResult, error) {
	started := time.Now()
	err := s.supply.SetCurrent(ctx, channel, amps)
	s.record(ctx, started, model.OperationTypeSetCurrent, &channel, &amps, requestID, err, nil)
	s.auditLogger.LogSetpointChange(s.setting(), channel, "current", amps, requestID, err == nil)
	if err != nil {
		return nil, err
	}

	s.publish(model.EventSetpointChanged, &channel, model.JSONObject{"current": amps})
	return &SetpointResult{Channel: channel, Requested: amps}, nil
}

// SetOutput enables or disables a channel
func (s *PSUService) SetOutput(ctx context.Context, channel int, enabled bool, requestID string) error {
	started := time.Now()
	err := s.supply.SetOutput(ctx, channel, enabled)
	s.record(ctx, started, model.OperationTypeSetOutput, &channel, nil, requestID, err, model.JSONObject{"enabled": enabled})
	s.auditLogger.LogSetpointChange(s.setting(), channel, "output", enabled, requestID, err == nil)
	if err != nil {
		return err
	}

	s.publish(model.EventOutputChanged, &channel, model.JSONObject{"enabled": enabled})
	return nil
}

// LockKeys locks or unlocks the front panel
func (s *PSUService) LockKeys(ctx context.Context, locked bool, requestID string) error {
	started := time.Now()
	err := s.supply.LockKeys(ctx, locked)
	s.record(ctx, started, model.OperationTypeLockKeys, nil, nil, requestID, err, model.JSONObject{"locked": locked})
	return err
}

// ReadChannel reads set-point and measurements of one channel. Failed reads
// leave their field nil; only an invalid channel is an error.
func (s *PSUService) ReadChannel(ctx context.Context, channel int) (*psu.ChannelReading, error) {
	if channel < psu.MinChannel || channel > psu.MaxChannel {
		return nil, fmt.Errorf("%w: %d", psu.ErrInvalidChannel, channel)
	}

	reading := &psu.ChannelReading{Channel: channel, ReadAt: time.Now()}
	profile := s.supply.Profile()
	if ch, ok := profile.Channel(channel); ok {
		reading.Usage = ch.Usage
	}
	if v, err := s.supply.ReadSetVoltage(ctx, channel); err == nil {
		reading.SetVoltage = psu.Float(v)
	}
	if v, err := s.supply.ReadMeasuredVoltage(ctx, channel); err == nil {
		reading.MeasuredVoltage = psu.Float(v)
	}
	if v, err := s.supply.ReadMeasuredCurrent(ctx, channel); err == nil {
		reading.MeasuredCurrent = psu.Float(v)
	}
	return reading, nil
}

// PowerCycle power-cycles a channel
func (s *PSUService) PowerCycle(ctx context.Context, channel int, requestID string) (*psu.PowerCycleReport, error) {
	s.publish(model.EventPowerCycleStarted, &channel, model.JSONObject{"request_id": requestID})

	started := time.Now()
	report, err := s.supply.PowerCycle(ctx, channel)

	details := model.JSONObject{}
	if report != nil {
		details["channel"] = report.Channel
		details["voltage_before"] = report.VoltageBefore
		details["voltage_after"] = report.VoltageAfter
		details["waited_ms"] = report.Waited.Milliseconds()
		if len(report.Errors) > 0 {
			details["errors"] = report.Errors
		}
	}
	s.record(ctx, started, model.OperationTypePowerCycle, &channel, nil, requestID, err, details)

	target := channel
	if report != nil {
		target = report.Channel
	}
	s.auditLogger.LogPowerCycle(s.setting(), channel, target, requestID, err == nil)

	if err != nil {
		return report, err
	}
	s.publish(model.EventPowerCycleCompleted, &channel, details)
	return report, nil
}

// PowerCycleTarget power-cycles the channel serving usage, optionally
// applying the profile defaults first
func (s *PSUService) PowerCycleTarget(ctx context.Context, usage string, applyDefaults bool, requestID string) (*psu.PowerCycleReport, error) {
	profile := s.supply.Profile()
	channel, ok := profile.ChannelForTarget(usage)
	if !ok {
		return nil, fmt.Errorf("%w %q in setting %s", ErrUnknownTarget, usage, profile.Setting)
	}

	if applyDefaults {
		if err := s.ApplyDefaults(ctx, requestID); err != nil {
			return nil, err
		}
	}

	s.logger.Info("Power cycling target",
		zap.String("target", usage),
		zap.Int("channel", channel),
		zap.Bool("apply_defaults", applyDefaults),
	)
	return s.PowerCycle(ctx, channel, requestID)
}

// ListPorts returns the serial ports available for probing
func (s *PSUService) ListPorts() ([]string, error) {
	lister, ok := s.supply.(portLister)
	if !ok {
		return []string{}, nil
	}
	ports, err := lister.ListPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}
	return ports, nil
}

// ListOperations returns journal entries, newest first
func (s *PSUService) ListOperations(ctx context.Context, filter *repository.OperationFilter) ([]*model.Operation, int, error) {
	return s.operationRepo.List(ctx, filter)
}

// OperationStats summarizes the journal
func (s *PSUService) OperationStats(ctx context.Context) (*repository.OperationStats, error) {
	return s.operationRepo.GetOperationStats(ctx, nil)
}

func (s *PSUService) setting() string {
	return s.supply.Profile().Setting
}

// record writes one journal entry. Journal failures are logged, not returned.
func (s *PSUService) record(ctx context.Context, started time.Time, opType model.OperationType, channel *int, value *float64, requestID string, opErr error, details model.JSONObject) {
	completed := time.Now()
	operation := &model.Operation{
		ID:            uuid.New(),
		Setting:       s.setting(),
		OperationType: opType,
		Channel:       channel,
		Status:        statusFor(opErr),
		RequestID:     requestID,
		Details:       details,
		StartedAt:     started,
		CompletedAt:   completed,
		DurationMs:    int(completed.Sub(started).Milliseconds()),
	}
	if value != nil {
		operation.Value = decimal.NewNullDecimal(decimal.NewFromFloat(*value).Round(3))
	}
	if opErr != nil {
		msg := opErr.Error()
		operation.ErrorMessage = &msg
	}

	if errors.Is(opErr, psu.ErrDeploymentActive) {
		s.publish(model.EventWriteRejected, channel, model.JSONObject{
			"operation": string(opType),
			"reason":    opErr.Error(),
		})
	}

	// the journal outlives a cancelled request
	if err := s.operationRepo.Create(context.WithoutCancel(ctx), operation); err != nil {
		s.logger.Error("Failed to journal operation",
			zap.String("operation_type", string(opType)),
			zap.Error(err),
		)
	}
}

func (s *PSUService) publish(eventType model.EventType, channel *int, data model.JSONObject) {
	if s.events == nil {
		return
	}
	s.events.Publish(model.NewEvent(eventType, s.setting(), channel, data))
}

func statusFor(err error) model.OperationStatus {
	switch {
	case err == nil:
		return model.OperationStatusSuccess
	case errors.Is(err, psu.ErrDeploymentActive):
		return model.OperationStatusRejected
	case errors.Is(err, psu.ErrResponseTimeout), errors.Is(err, context.DeadlineExceeded):
		return model.OperationStatusTimeout
	default:
		return model.OperationStatusFailed
	}
}
