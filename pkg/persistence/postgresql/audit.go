package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/google/uuid"
)

// DeadLetterRepository is an insert-only audit table.
type DeadLetterRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewDeadLetterRepository(db *sql.DB, logger *slog.Logger) *DeadLetterRepository {
	return &DeadLetterRepository{db: db, logger: logger}
}

func (r *DeadLetterRepository) Insert(ctx context.Context, record *models.DeadLetterRecord) error {
	event, err := json.Marshal(record.Event)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter event: %w", err)
	}

	detail, err := json.Marshal(record.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter error: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO dead_letters (execution_id, workflow_id, event, error, retry_count, added_at, last_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		record.ExecutionID,
		record.WorkflowID,
		event,
		detail,
		record.RetryCount,
		record.AddedAt,
		record.LastRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter for execution %s: %w", record.ExecutionID, err)
	}

	return nil
}

// List returns rows of workflowID (all when empty), oldest first.
func (r *DeadLetterRepository) List(ctx context.Context, workflowID string) ([]*models.DeadLetterRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT execution_id, workflow_id, event, error, retry_count, added_at, last_retry_at
		FROM dead_letters
		WHERE $1 = '' OR workflow_id = $1
		ORDER BY added_at, id`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	records := make([]*models.DeadLetterRecord, 0)

	for rows.Next() {
		var (
			record      models.DeadLetterRecord
			event       []byte
			detail      []byte
			lastRetryAt sql.NullTime
		)

		err := rows.Scan(&record.ExecutionID, &record.WorkflowID, &event, &detail,
			&record.RetryCount, &record.AddedAt, &lastRetryAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead letter: %w", err)
		}

		if err := json.Unmarshal(event, &record.Event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter event: %w", err)
		}

		if err := json.Unmarshal(detail, &record.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal dead letter error: %w", err)
		}

		if lastRetryAt.Valid {
			t := lastRetryAt.Time
			record.LastRetryAt = &t
		}

		records = append(records, &record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead letters: %w", err)
	}

	return records, nil
}

// NotificationRepository stores operator notifications.
type NotificationRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewNotificationRepository(db *sql.DB, logger *slog.Logger) *NotificationRepository {
	return &NotificationRepository{db: db, logger: logger}
}

func (r *NotificationRepository) Insert(ctx context.Context, notification *models.Notification) error {
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}

	data, err := json.Marshal(notification.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal notification data: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO notifications (id, kind, severity, title, message, workflow_id, execution_id, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		notification.ID,
		string(notification.Kind),
		string(notification.Severity),
		notification.Title,
		notification.Message,
		notification.WorkflowID,
		notification.ExecutionID,
		nullJSON(data),
		notification.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification %s: %w", notification.ID, err)
	}

	return nil
}

// List returns the newest notifications first.
func (r *NotificationRepository) List(ctx context.Context, limit int) ([]*models.Notification, error) {
	query := `
		SELECT id, kind, severity, title, message, workflow_id, execution_id, data, created_at
		FROM notifications
		ORDER BY created_at DESC`

	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	notifications := make([]*models.Notification, 0)

	for rows.Next() {
		var (
			n        models.Notification
			kind     string
			severity string
			data     []byte
		)

		err := rows.Scan(&n.ID, &kind, &severity, &n.Title, &n.Message, &n.WorkflowID, &n.ExecutionID, &data, &n.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}

		n.Kind = models.NotificationKind(kind)
		n.Severity = models.Severity(severity)

		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal notification data: %w", err)
			}
		}

		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating notifications: %w", err)
	}

	return notifications, nil
}
