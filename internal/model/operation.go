// internal/model/operation.go
package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationType represents the type of PSU operation
type OperationType string

const (
	OperationTypeConnect       OperationType = "CONNECT"
	OperationTypeDisconnect    OperationType = "DISCONNECT"
	OperationTypeSetVoltage    OperationType = "SET_VOLTAGE"
	OperationTypeSetCurrent    OperationType = "SET_CURRENT"
	OperationTypeSetOutput     OperationType = "SET_OUTPUT"
	OperationTypeLockKeys      OperationType = "LOCK_KEYS"
	OperationTypeApplyDefaults OperationType = "APPLY_DEFAULTS"
	OperationTypePowerCycle    OperationType = "POWER_CYCLE"
)

// OperationStatus represents the outcome of an operation
type OperationStatus string

const (
	OperationStatusSuccess  OperationStatus = "SUCCESS"
	OperationStatusFailed   OperationStatus = "FAILED"
	OperationStatusRejected OperationStatus = "REJECTED" // deployment gate
	OperationStatusTimeout  OperationStatus = "TIMEOUT"
)

// Operation is one journal entry of a command issued to the PSU
type Operation struct {
	ID            uuid.UUID           `json:"id" db:"id"`
	Setting       string              `json:"setting" db:"setting"`
	OperationType OperationType       `json:"operation_type" db:"operation_type"`
	Channel       *int                `json:"channel,omitempty" db:"channel"`
	Value         decimal.NullDecimal `json:"value" db:"value"`
	Status        OperationStatus     `json:"status" db:"status"`
	ErrorMessage  *string             `json:"error_message,omitempty" db:"error_message"`
	RequestID     string              `json:"request_id,omitempty" db:"request_id"`
	Details       JSONObject          `json:"details,omitempty" db:"details"`
	StartedAt     time.Time           `json:"started_at" db:"started_at"`
	CompletedAt   time.Time           `json:"completed_at" db:"completed_at"`
	DurationMs    int                 `json:"duration_ms" db:"duration_ms"`
}

// IsSuccessful reports whether the command reached the device
func (op *Operation) IsSuccessful() bool {
	return op.Status == OperationStatusSuccess
}

// JSONObject type for PostgreSQL JSONB objects
type JSONObject map[string]interface{}

func (j *JSONObject) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONObject) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}
