// internal/repository/memory_repository.go
package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"psu-service/internal/model"
)

// memoryOperationRepository keeps the most recent operations in a ring
type memoryOperationRepository struct {
	mu       sync.RWMutex
	capacity int
	entries  []*model.Operation
	next     int
	full     bool
}

// NewMemoryOperationRepository creates a journal holding at most capacity entries
func NewMemoryOperationRepository(capacity int) OperationRepository {
	if capacity <= 0 {
		capacity = 500
	}
	return &memoryOperationRepository{
		capacity: capacity,
		entries:  make([]*model.Operation, capacity),
	}
}

func (r *memoryOperationRepository) Create(ctx context.Context, operation *model.Operation) error {
	if operation == nil {
		return fmt.Errorf("operation is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	copied := *operation
	r.entries[r.next] = &copied
	r.next = (r.next + 1) % r.capacity
	if r.next == 0 {
		r.full = true
	}
	return nil
}

func (r *memoryOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, op := range r.newestFirst() {
		if op.ID == id {
			copied := *op
			return &copied, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
}

func (r *memoryOperationRepository) List(ctx context.Context, filter *OperationFilter) ([]*model.Operation, int, error) {
	if filter == nil {
		filter = &OperationFilter{}
	}
	filter.normalize()

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*model.Operation
	for _, op := range r.newestFirst() {
		if filter.matches(op) {
			matched = append(matched, op)
		}
	}

	total := len(matched)
	start := (filter.Page - 1) * filter.PerPage
	if start >= total {
		return []*model.Operation{}, total, nil
	}
	end := start + filter.PerPage
	if end > total {
		end = total
	}

	out := make([]*model.Operation, 0, end-start)
	for _, op := range matched[start:end] {
		copied := *op
		out = append(out, &copied)
	}
	return out, total, nil
}

func (r *memoryOperationRepository) GetOperationStats(ctx context.Context, filter *OperationFilter) (*OperationStats, error) {
	if filter == nil {
		filter = &OperationFilter{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := newOperationStats()
	var totalMs int
	for _, op := range r.newestFirst() {
		if !filter.matches(op) {
			continue
		}
		stats.add(op.OperationType, op.Status, 1)
		totalMs += op.DurationMs
	}
	if stats.TotalOperations > 0 {
		stats.AvgDuration = time.Duration(totalMs/stats.TotalOperations) * time.Millisecond
	}
	return stats, nil
}

func (r *memoryOperationRepository) DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := make([]*model.Operation, 0, r.capacity)
	var deleted int64
	ordered := r.newestFirst()
	for i := len(ordered) - 1; i >= 0; i-- {
		if ordered[i].StartedAt.Before(olderThan) {
			deleted++
			continue
		}
		kept = append(kept, ordered[i])
	}

	r.entries = make([]*model.Operation, r.capacity)
	copy(r.entries, kept)
	r.next = len(kept) % r.capacity
	r.full = len(kept) == r.capacity
	return deleted, nil
}

// newestFirst returns the stored entries, most recent first. Caller holds r.mu.
func (r *memoryOperationRepository) newestFirst() []*model.Operation {
	count := r.next
	if r.full {
		count = r.capacity
	}
	out := make([]*model.Operation, 0, count)
	for i := 1; i <= count; i++ {
		idx := (r.next - i + r.capacity) % r.capacity
		out = append(out, r.entries[idx])
	}
	return out
}

func newOperationStats() *OperationStats {
	return &OperationStats{
		ByType:   make(map[model.OperationType]int),
		ByStatus: make(map[model.OperationStatus]int),
	}
}

func (s *OperationStats) add(opType model.OperationType, status model.OperationStatus, count int) {
	s.TotalOperations += count
	s.ByType[opType] += count
	s.ByStatus[status] += count
	switch status {
	case model.OperationStatusSuccess:
		s.SuccessfulOps += count
	case model.OperationStatusRejected:
		s.RejectedOps += count
	default:
		s.FailedOps += count
	}
}
