package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
)

const workflowColumns = `
	id
  , name
  , description
  , chatbot_id
  , owner_id
  , graph
  , state_machine
  , is_active
  , created_at
  , updated_at`

// WorkflowRepository handles workflow-related database operations.
type WorkflowRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewWorkflowRepository(db *sql.DB, logger *slog.Logger) *WorkflowRepository {
	return &WorkflowRepository{db: db, logger: logger}
}

type scanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanWorkflow(row scanner) (*models.Workflow, error) {
	var (
		workflow     models.Workflow
		graph        []byte
		stateMachine []byte
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&workflow.ChatbotID,
		&workflow.OwnerID,
		&graph,
		&stateMachine,
		&workflow.IsActive,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(graph, &workflow.Graph); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph: %w", err)
	}

	if len(stateMachine) > 0 {
		if err := json.Unmarshal(stateMachine, &workflow.StateMachine); err != nil {
			return nil, fmt.Errorf("failed to unmarshal state machine: %w", err)
		}
	}

	return &workflow, nil
}

func marshalWorkflow(workflow *models.Workflow) (graph, stateMachine []byte, err error) {
	graph, err = json.Marshal(workflow.Graph)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal graph: %w", err)
	}

	if workflow.StateMachine != nil {
		stateMachine, err = json.Marshal(workflow.StateMachine)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal state machine: %w", err)
		}
	}

	return graph, stateMachine, nil
}

func (r *WorkflowRepository) Create(ctx context.Context, workflow *models.Workflow) error {
	graph, stateMachine, err := marshalWorkflow(workflow)
	if err != nil {
		return persistence.NewWorkflowError("Create", workflow.ID, err)
	}

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO workflows (`+workflowColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.ChatbotID,
		workflow.OwnerID,
		graph,
		nullJSON(stateMachine),
		workflow.IsActive,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return persistence.NewWorkflowError("Create", workflow.ID, persistence.ErrWorkflowAlreadyExists)
	}

	if err != nil {
		return persistence.NewWorkflowError("Create", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) Update(ctx context.Context, workflow *models.Workflow) error {
	graph, stateMachine, err := marshalWorkflow(workflow)
	if err != nil {
		return persistence.NewWorkflowError("Update", workflow.ID, err)
	}

	workflow.UpdatedAt = time.Now().UTC()

	row := r.db.QueryRowContext(ctx, `
		UPDATE workflows SET
			name = $2
		  , description = $3
		  , chatbot_id = $4
		  , owner_id = $5
		  , graph = $6
		  , state_machine = $7
		  , is_active = $8
		  , updated_at = $9
		WHERE id = $1
		RETURNING created_at`,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		workflow.ChatbotID,
		workflow.OwnerID,
		graph,
		nullJSON(stateMachine),
		workflow.IsActive,
		workflow.UpdatedAt,
	)

	err = row.Scan(&workflow.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return persistence.NewWorkflowError("Update", workflow.ID, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return persistence.NewWorkflowError("Update", workflow.ID, err)
	}

	return nil
}

func (r *WorkflowRepository) GetByID(ctx context.Context, id string) (*models.Workflow, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, id)

	workflow, err := r.scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, persistence.NewWorkflowError("GetByID", id, persistence.ErrWorkflowNotFound)
	}

	if err != nil {
		return nil, persistence.NewWorkflowError("GetByID", id, err)
	}

	return workflow, nil
}

func (r *WorkflowRepository) List(ctx context.Context, opts persistence.ListWorkflowsOptions) ([]*models.Workflow, error) {
	var (
		where []string
		args  []any
	)

	if opts.ChatbotID != "" {
		args = append(args, opts.ChatbotID)
		where = append(where, fmt.Sprintf("chatbot_id = $%d", len(args)))
	}

	if opts.OwnerID != "" {
		args = append(args, opts.OwnerID)
		where = append(where, fmt.Sprintf("owner_id = $%d", len(args)))
	}

	if opts.ActiveOnly {
		where = append(where, "is_active")
	}

	query := `SELECT ` + workflowColumns + ` FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	query += " ORDER BY created_at, id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer closeRows(ctx, r.logger, rows)

	workflows := make([]*models.Workflow, 0)

	for rows.Next() {
		workflow, err := r.scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func (r *WorkflowRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("Delete", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}
