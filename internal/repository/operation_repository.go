// internal/repository/operation_repository.go
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"psu-service/internal/database"
	"psu-service/internal/model"
	"psu-service/internal/utils"
)

const operationColumns = `id, setting, operation_type, channel, value, status,
	error_message, request_id, details, started_at, completed_at, duration_ms`

// operationRepository implements OperationRepository on PostgreSQL
type operationRepository struct {
	db     *database.DB
	logger *utils.ServiceLogger
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *database.DB, logger *zap.Logger) OperationRepository {
	return &operationRepository{
		db:     db,
		logger: utils.NewServiceLogger(logger, "operation-repository"),
	}
}

// Create inserts a journal entry
func (r *operationRepository) Create(ctx context.Context, operation *model.Operation) error {
	query := `
		INSERT INTO psu_operations (` + operationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	args := []interface{}{
		operation.ID, operation.Setting, operation.OperationType,
		operation.Channel, operation.Value, operation.Status,
		operation.ErrorMessage, operation.RequestID, operation.Details,
		operation.StartedAt, operation.CompletedAt, operation.DurationMs,
	}

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query, args...)
	r.logger.LogDatabaseQuery("insert psu_operations", nil, time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to create operation: %w", err)
	}

	return nil
}

// GetByID retrieves an operation by ID
func (r *operationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Operation, error) {
	query := `SELECT ` + operationColumns + ` FROM psu_operations WHERE id = $1`

	operation, err := scanOperation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}

	return operation, nil
}

// List retrieves operations with filtering and pagination
func (r *operationRepository) List(ctx context.Context, filter *OperationFilter) ([]*model.Operation, int, error) {
	if filter == nil {
		filter = &OperationFilter{}
	}
	filter.normalize()

	whereClause, args := buildWhere(filter)
	argIndex := len(args) + 1

	// Count total records
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM psu_operations %s", whereClause)
	var total int
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count operations: %w", err)
	}

	// Build main query with pagination
	offset := (filter.Page - 1) * filter.PerPage
	query := fmt.Sprintf(`
		SELECT %s
		FROM psu_operations %s
		ORDER BY started_at DESC
		LIMIT $%d OFFSET $%d
	`, operationColumns, whereClause, argIndex, argIndex+1)

	args = append(args, filter.PerPage, offset)

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	r.logger.LogDatabaseQuery("list psu_operations", args, time.Since(start), err)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list operations: %w", err)
	}
	defer rows.Close()

	operations := []*model.Operation{}
	for rows.Next() {
		operation, err := scanOperation(rows)
		if err != nil {
			r.logger.Error("Failed to scan operation row", zap.Error(err))
			continue
		}
		operations = append(operations, operation)
	}

	return operations, total, rows.Err()
}

// GetOperationStats retrieves operation statistics
func (r *operationRepository) GetOperationStats(ctx context.Context, filter *OperationFilter) (*OperationStats, error) {
	if filter == nil {
		filter = &OperationFilter{}
	}
	whereClause, args := buildWhere(filter)

	query := fmt.Sprintf(`
		SELECT operation_type, status, COUNT(*), AVG(duration_ms)
		FROM psu_operations %s
		GROUP BY operation_type, status
	`, whereClause)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get operation stats: %w", err)
	}
	defer rows.Close()

	stats := newOperationStats()
	var weightedMs float64
	for rows.Next() {
		var (
			opType model.OperationType
			status model.OperationStatus
			count  int
			avgMs  sql.NullFloat64
		)
		if err := rows.Scan(&opType, &status, &count, &avgMs); err != nil {
			return nil, fmt.Errorf("failed to scan operation stats: %w", err)
		}
		stats.add(opType, status, count)
		if avgMs.Valid {
			weightedMs += avgMs.Float64 * float64(count)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read operation stats: %w", err)
	}

	if stats.TotalOperations > 0 {
		stats.AvgDuration = time.Duration(weightedMs/float64(stats.TotalOperations)) * time.Millisecond
	}
	return stats, nil
}

// DeleteOldOperations removes entries started before olderThan
func (r *operationRepository) DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM psu_operations WHERE started_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old operations: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	r.logger.Info("Old operations deleted", zap.Int64("count", deleted))
	return deleted, nil
}

// buildWhere renders the filter as a WHERE clause with positional args
func buildWhere(filter *OperationFilter) (string, []interface{}) {
	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	add := func(column string, value interface{}) {
		whereConditions = append(whereConditions, fmt.Sprintf(column, argIndex))
		args = append(args, value)
		argIndex++
	}

	if filter.Setting != nil {
		add("setting = $%d", *filter.Setting)
	}
	if filter.OperationType != nil {
		add("operation_type = $%d", *filter.OperationType)
	}
	if filter.Status != nil {
		add("status = $%d", *filter.Status)
	}
	if filter.Channel != nil {
		add("channel = $%d", *filter.Channel)
	}
	if filter.StartDate != nil {
		add("started_at >= $%d", *filter.StartDate)
	}
	if filter.EndDate != nil {
		add("started_at <= $%d", *filter.EndDate)
	}

	if len(whereConditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(whereConditions, " AND "), args
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOperation(row rowScanner) (*model.Operation, error) {
	operation := &model.Operation{}
	var channel sql.NullInt64
	var errorMessage sql.NullString
	err := row.Scan(
		&operation.ID, &operation.Setting, &operation.OperationType,
		&channel, &operation.Value, &operation.Status,
		&errorMessage, &operation.RequestID, &operation.Details,
		&operation.StartedAt, &operation.CompletedAt, &operation.DurationMs,
	)
	if err != nil {
		return nil, err
	}
	if channel.Valid {
		ch := int(channel.Int64)
		operation.Channel = &ch
	}
	if errorMessage.Valid {
		operation.ErrorMessage = &errorMessage.String
	}
	return operation, nil
}
