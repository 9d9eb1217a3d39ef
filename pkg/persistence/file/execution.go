package file

import (
	"context"
	"errors"
	"sort"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// ExecutionRepository stores execution records, including their logs.
type ExecutionRepository struct {
	store *jsonStore
}

func NewExecutionRepository(root string) *ExecutionRepository {
	return &ExecutionRepository{store: newJSONStore(root, "executions")}
}

func (er *ExecutionRepository) Save(_ context.Context, record *models.ExecutionRecord) error {
	if err := er.store.write(record.ID, record); err != nil {
		return persistence.NewExecutionError("Save", record.ID, err)
	}

	return nil
}

func (er *ExecutionRepository) GetByID(_ context.Context, id string) (*models.ExecutionRecord, error) {
	var record models.ExecutionRecord

	err := er.store.read(id, &record)
	if errors.Is(err, errNotExist) {
		return nil, persistence.NewExecutionError("GetByID", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return nil, persistence.NewExecutionError("GetByID", id, err)
	}

	return &record, nil
}

// List returns matching records, newest first.
func (er *ExecutionRepository) List(_ context.Context, opts persistence.ListExecutionsOptions) ([]*models.ExecutionRecord, error) {
	all, err := each[models.ExecutionRecord](er.store)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.ExecutionRecord, 0, len(all))

	for _, record := range all {
		if opts.WorkflowID != "" && record.WorkflowID != opts.WorkflowID {
			continue
		}

		if opts.Status != "" && record.Status != opts.Status {
			continue
		}

		filtered = append(filtered, record)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		return filtered[i].StartedAt.After(filtered[j].StartedAt)
	})

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	return filtered, nil
}

func (er *ExecutionRepository) Delete(_ context.Context, id string) error {
	err := er.store.remove(id)
	if errors.Is(err, errNotExist) {
		return persistence.NewExecutionError("Delete", id, persistence.ErrExecutionNotFound)
	}

	if err != nil {
		return persistence.NewExecutionError("Delete", id, err)
	}

	return nil
}
