package file

import (
	"context"
	"fmt"
	"sort"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/google/uuid"
)

// DeadLetterRepository appends one document per dead-letter event. The same
// execution can appear more than once when it is dead-lettered again after a retry.
type DeadLetterRepository struct {
	store *jsonStore
}

func NewDeadLetterRepository(root string) *DeadLetterRepository {
	return &DeadLetterRepository{store: newJSONStore(root, "dead_letters")}
}

func (dr *DeadLetterRepository) Insert(_ context.Context, record *models.DeadLetterRecord) error {
	id := fmt.Sprintf("%s-%s", record.ExecutionID, uuid.New().String())

	return dr.store.write(id, record)
}

// List returns rows of workflowID (all when empty), oldest first.
func (dr *DeadLetterRepository) List(_ context.Context, workflowID string) ([]*models.DeadLetterRecord, error) {
	all, err := each[models.DeadLetterRecord](dr.store)
	if err != nil {
		return nil, err
	}

	out := make([]*models.DeadLetterRecord, 0, len(all))

	for _, record := range all {
		if workflowID == "" || record.WorkflowID == workflowID {
			out = append(out, record)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].AddedAt.Before(out[j].AddedAt)
	})

	return out, nil
}

// NotificationRepository stores operator notifications.
type NotificationRepository struct {
	store *jsonStore
}

func NewNotificationRepository(root string) *NotificationRepository {
	return &NotificationRepository{store: newJSONStore(root, "notifications")}
}

func (nr *NotificationRepository) Insert(_ context.Context, notification *models.Notification) error {
	if notification.ID == "" {
		notification.ID = uuid.New().String()
	}

	return nr.store.write(notification.ID, notification)
}

// List returns the newest notifications first.
func (nr *NotificationRepository) List(_ context.Context, limit int) ([]*models.Notification, error) {
	all, err := each[models.Notification](nr.store)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}

	return all, nil
}
