// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventConnected           EventType = "connected"
	EventDisconnected        EventType = "disconnected"
	EventSetpointChanged     EventType = "setpoint_changed"
	EventOutputChanged       EventType = "output_changed"
	EventPowerCycleStarted   EventType = "power_cycle_started"
	EventPowerCycleCompleted EventType = "power_cycle_completed"
	EventWriteRejected       EventType = "write_rejected"
	EventTelemetry           EventType = "telemetry"
)

// Severity levels
const (
	SeverityInfo    = "INFO"
	SeverityWarning = "WARNING"
	SeverityError   = "ERROR"
)

// PSUEvent represents an event in the system
type PSUEvent struct {
	ID        uuid.UUID  `json:"id"`
	EventType EventType  `json:"event_type"`
	Setting   string     `json:"setting"`
	Channel   *int       `json:"channel,omitempty"`
	Data      JSONObject `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	Severity  string     `json:"severity"` // INFO, WARNING, ERROR
}

// NewEvent creates an event stamped now
func NewEvent(eventType EventType, setting string, channel *int, data JSONObject) PSUEvent {
	severity := SeverityInfo
	if eventType == EventWriteRejected {
		severity = SeverityWarning
	}
	return PSUEvent{
		ID:        uuid.New(),
		EventType: eventType,
		Setting:   setting,
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now(),
		Source:    "psu-service",
		Severity:  severity,
	}
}
