// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"psu-service/internal/model"
)

// ErrOperationNotFound is returned when no journal entry has the given id
var ErrOperationNotFound = errors.New("operation not found")

// OperationRepository defines the operation journal
type OperationRepository interface {
	Create(ctx context.Context, operation *model.Operation) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Operation, error)

	// Listing and filtering, newest first
	List(ctx context.Context, filter *OperationFilter) ([]*model.Operation, int, error)

	// Analytics and reporting
	GetOperationStats(ctx context.Context, filter *OperationFilter) (*OperationStats, error)

	// Cleanup
	DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error)
}

// OperationFilter represents operation listing filters
type OperationFilter struct {
	Setting       *string                `json:"setting,omitempty"`
	OperationType *model.OperationType   `json:"operation_type,omitempty"`
	Status        *model.OperationStatus `json:"status,omitempty"`
	Channel       *int                   `json:"channel,omitempty"`
	StartDate     *time.Time             `json:"start_date,omitempty"`
	EndDate       *time.Time             `json:"end_date,omitempty"`
	Page          int                    `json:"page"`
	PerPage       int                    `json:"per_page"`
}

// normalize fills paging defaults
func (f *OperationFilter) normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PerPage < 1 || f.PerPage > 500 {
		f.PerPage = 50
	}
}

// matches applies the filter to one entry
func (f *OperationFilter) matches(op *model.Operation) bool {
	if f.Setting != nil && op.Setting != *f.Setting {
		return false
	}
	if f.OperationType != nil && op.OperationType != *f.OperationType {
		return false
	}
	if f.Status != nil && op.Status != *f.Status {
		return false
	}
	if f.Channel != nil && (op.Channel == nil || *op.Channel != *f.Channel) {
		return false
	}
	if f.StartDate != nil && op.StartedAt.Before(*f.StartDate) {
		return false
	}
	if f.EndDate != nil && op.StartedAt.After(*f.EndDate) {
		return false
	}
	return true
}

// OperationStats represents operation statistics
type OperationStats struct {
	TotalOperations int                           `json:"total_operations"`
	SuccessfulOps   int                           `json:"successful_operations"`
	FailedOps       int                           `json:"failed_operations"`
	RejectedOps     int                           `json:"rejected_operations"`
	AvgDuration     time.Duration                 `json:"average_duration"`
	ByType          map[model.OperationType]int   `json:"by_type"`
	ByStatus        map[model.OperationStatus]int `json:"by_status"`
}
