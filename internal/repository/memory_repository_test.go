// internal/repository/memory_repository_test.go
package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psu-service/internal/model"
)

var journalEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newEntry(i int, opType model.OperationType, status model.OperationStatus, channel int) *model.Operation {
	started := journalEpoch.Add(time.Duration(i) * time.Minute)
	return &model.Operation{
		ID:            uuid.New(),
		Setting:       "rig-a",
		OperationType: opType,
		Channel:       &channel,
		Status:        status,
		StartedAt:     started,
		CompletedAt:   started.Add(time.Duration(i*10) * time.Millisecond),
		DurationMs:    i * 10,
	}
}

func TestMemoryRepository_NewestFirstAndEviction(t *testing.T) {
	repo := NewMemoryOperationRepository(3)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 1; i <= 5; i++ {
		op := newEntry(i, model.OperationTypeSetVoltage, model.OperationStatusSuccess, 1)
		ids = append(ids, op.ID)
		require.NoError(t, repo.Create(ctx, op))
	}

	ops, total, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, ops, 3)
	assert.Equal(t, ids[4], ops[0].ID)
	assert.Equal(t, ids[3], ops[1].ID)
	assert.Equal(t, ids[2], ops[2].ID)

	_, err = repo.GetByID(ctx, ids[0])
	assert.ErrorIs(t, err, ErrOperationNotFound)

	got, err := repo.GetByID(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, ids[3], got.ID)
}

func TestMemoryRepository_StoresCopies(t *testing.T) {
	repo := NewMemoryOperationRepository(10)
	ctx := context.Background()

	op := newEntry(1, model.OperationTypeConnect, model.OperationStatusSuccess, 1)
	require.NoError(t, repo.Create(ctx, op))
	op.Status = model.OperationStatusFailed

	got, err := repo.GetByID(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OperationStatusSuccess, got.Status)

	assert.Error(t, repo.Create(ctx, nil))
}

func TestMemoryRepository_FilterAndPaging(t *testing.T) {
	repo := NewMemoryOperationRepository(50)
	ctx := context.Background()

	for i := 1; i <= 10; i++ {
		status := model.OperationStatusSuccess
		if i%2 == 0 {
			status = model.OperationStatusRejected
		}
		require.NoError(t, repo.Create(ctx, newEntry(i, model.OperationTypeSetVoltage, status, 1+i%4)))
	}
	require.NoError(t, repo.Create(ctx, newEntry(11, model.OperationTypePowerCycle, model.OperationStatusTimeout, 4)))

	rejected := model.OperationStatusRejected
	ops, total, err := repo.List(ctx, &OperationFilter{Status: &rejected})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	for _, op := range ops {
		assert.Equal(t, model.OperationStatusRejected, op.Status)
	}

	cycle := model.OperationTypePowerCycle
	ops, total, err = repo.List(ctx, &OperationFilter{OperationType: &cycle})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, model.OperationStatusTimeout, ops[0].Status)

	channel := 4
	_, total, err = repo.List(ctx, &OperationFilter{Channel: &channel})
	require.NoError(t, err)
	assert.Equal(t, 3, total) // i=3, i=7, power cycle

	since := journalEpoch.Add(8 * time.Minute)
	_, total, err = repo.List(ctx, &OperationFilter{StartDate: &since})
	require.NoError(t, err)
	assert.Equal(t, 4, total)

	ops, total, err = repo.List(ctx, &OperationFilter{Page: 2, PerPage: 4})
	require.NoError(t, err)
	assert.Equal(t, 11, total)
	require.Len(t, ops, 4)
	assert.Equal(t, journalEpoch.Add(7*time.Minute), ops[0].StartedAt)

	ops, _, err = repo.List(ctx, &OperationFilter{Page: 9, PerPage: 4})
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestMemoryRepository_Stats(t *testing.T) {
	repo := NewMemoryOperationRepository(10)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newEntry(1, model.OperationTypeSetVoltage, model.OperationStatusSuccess, 1)))
	require.NoError(t, repo.Create(ctx, newEntry(2, model.OperationTypeSetVoltage, model.OperationStatusRejected, 1)))
	require.NoError(t, repo.Create(ctx, newEntry(3, model.OperationTypePowerCycle, model.OperationStatusTimeout, 2)))

	stats, err := repo.GetOperationStats(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalOperations)
	assert.Equal(t, 1, stats.SuccessfulOps)
	assert.Equal(t, 1, stats.RejectedOps)
	assert.Equal(t, 1, stats.FailedOps)
	assert.Equal(t, 2, stats.ByType[model.OperationTypeSetVoltage])
	assert.Equal(t, 1, stats.ByStatus[model.OperationStatusTimeout])
	assert.Equal(t, 20*time.Millisecond, stats.AvgDuration)

	empty, err := NewMemoryOperationRepository(1).GetOperationStats(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, empty.TotalOperations)
	assert.Zero(t, empty.AvgDuration)
}

func TestMemoryRepository_DeleteOldOperations(t *testing.T) {
	repo := NewMemoryOperationRepository(4)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		require.NoError(t, repo.Create(ctx, newEntry(i, model.OperationTypeLockKeys, model.OperationStatusSuccess, 1)))
	}

	deleted, err := repo.DeleteOldOperations(ctx, journalEpoch.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted) // entries 3 and 4; 1 and 2 were already evicted

	ops, total, err := repo.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, journalEpoch.Add(6*time.Minute), ops[0].StartedAt)
	assert.Equal(t, journalEpoch.Add(5*time.Minute), ops[1].StartedAt)

	// the ring keeps working after compaction
	for i := 7; i <= 9; i++ {
		require.NoError(t, repo.Create(ctx, newEntry(i, model.OperationTypeLockKeys, model.OperationStatusSuccess, 1)))
	}
	ops, total, err = repo.List(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	assert.Equal(t, journalEpoch.Add(9*time.Minute), ops[0].StartedAt)
	assert.Equal(t, journalEpoch.Add(6*time.Minute), ops[3].StartedAt)
}
