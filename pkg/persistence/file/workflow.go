package file

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

// WorkflowRepository handles workflow-related file operations.
type WorkflowRepository struct {
	store *jsonStore
}

func NewWorkflowRepository(root string) *WorkflowRepository {
	return &WorkflowRepository{store: newJSONStore(root, "workflows")}
}

func (wr *WorkflowRepository) Create(_ context.Context, workflow *models.Workflow) error {
	if err := validID(workflow.ID); err != nil {
		return persistence.NewWorkflowError("Create", workflow.ID, err)
	}

	if wr.store.exists(workflow.ID) {
		return persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowAlreadyExists)
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if err := wr.store.write(workflow.ID, workflow); err != nil {
		return persistence.NewWorkflowError("Create", workflow.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	existing, err := wr.GetByID(ctx, workflow.ID)
	if err != nil {
		return persistence.NewWorkflowError("Update", workflow.ID, errors.Unwrap(err))
	}

	workflow.CreatedAt = existing.CreatedAt
	workflow.UpdatedAt = time.Now().UTC()

	if err := wr.store.write(workflow.ID, workflow); err != nil {
		return persistence.NewWorkflowError("Update", workflow.ID, err)
	}

	return nil
}

func (wr *WorkflowRepository) GetByID(_ context.Context, id string) (*models.Workflow, error) {
	var workflow models.Workflow

	err := wr.store.read(id, &workflow)
	if errors.Is(err, errNotExist) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return &workflow, nil
}

// List returns matching workflows ordered by creation time.
func (wr *WorkflowRepository) List(_ context.Context, opts persistence.ListWorkflowsOptions) ([]*models.Workflow, error) {
	all, err := each[models.Workflow](wr.store)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.Workflow, 0, len(all))

	for _, workflow := range all {
		if opts.ChatbotID != "" && workflow.ChatbotID != opts.ChatbotID {
			continue
		}

		if opts.OwnerID != "" && workflow.OwnerID != opts.OwnerID {
			continue
		}

		if opts.ActiveOnly && !workflow.IsActive {
			continue
		}

		filtered = append(filtered, workflow)
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].ID < filtered[j].ID
		}

		return filtered[i].CreatedAt.Before(filtered[j].CreatedAt)
	})

	return filtered, nil
}

func (wr *WorkflowRepository) Delete(_ context.Context, id string) error {
	err := wr.store.remove(id)
	if errors.Is(err, errNotExist) {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	return nil
}
