package postgresql_test

import (
	"context"
	"database/sql"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/models"
	"github.com/dukex/convoflow/pkg/persistence"
	"github.com/dukex/convoflow/pkg/persistence/postgresql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	for _, table := range []string{"notifications", "dead_letters", "executions", "workflows", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	require.NoError(t, db.Close())
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("postgres container tests are skipped in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("convoflow_test"),
			postgres.WithUsername("convoflow"),
			postgres.WithPassword("convoflow"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	p, err := postgresql.NewPersistence(ctx, slog.New(slog.DiscardHandler), databaseURL)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)
		require.NoError(t, p.Close(ctx))
		cancel()
	})

	return p, ctx, databaseURL
}

func TestNewPersistence_Migrations(t *testing.T) {
	p, ctx, databaseURL := setupTestDB(t)

	require.NoError(t, p.HealthCheck(ctx))

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer db.Close()

	var version int

	require.NoError(t, db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version))
	assert.Equal(t, 2, version)

	// a second connection finds the schema current and applies nothing
	again, err := postgresql.NewPersistence(ctx, slog.New(slog.DiscardHandler), databaseURL)
	require.NoError(t, err)
	require.NoError(t, again.Close(ctx))
}

func TestWorkflowRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.WorkflowRepository()

	wf := &models.Workflow{
		ID:        "wf-1",
		Name:      "Greeter",
		ChatbotID: "bot-1",
		IsActive:  true,
		Graph: &models.Graph{
			Nodes: []*models.Node{
				{ID: "t", Kind: models.NodeKindTrigger, Type: "conversation_start"},
				{ID: "a", Kind: models.NodeKindAction, Type: "log", Config: map[string]any{"message": "hi"}},
			},
			Edges: []*models.Edge{{ID: "e", Source: "t", Target: "a"}},
		},
	}

	require.NoError(t, repo.Create(ctx, wf))
	assert.ErrorIs(t, repo.Create(ctx, wf), persistence.ErrWorkflowAlreadyExists)

	got, err := repo.GetByID(ctx, "wf-1")
	require.NoError(t, err)
	assert.Equal(t, "Greeter", got.Name)
	require.Len(t, got.Graph.Nodes, 2)
	assert.Equal(t, "hi", got.Graph.Nodes[1].Config["message"])

	got.IsActive = false
	require.NoError(t, repo.Update(ctx, got))

	active, err := repo.List(ctx, persistence.ListWorkflowsOptions{ActiveOnly: true})
	require.NoError(t, err)
	assert.Empty(t, active)

	byBot, err := repo.List(ctx, persistence.ListWorkflowsOptions{ChatbotID: "bot-1"})
	require.NoError(t, err)
	assert.Len(t, byBot, 1)

	err = repo.Update(ctx, &models.Workflow{ID: "missing", Name: "Missing", Graph: &models.Graph{}})
	assert.True(t, persistence.IsWorkflowNotFound(err))

	require.NoError(t, repo.Delete(ctx, "wf-1"))
	assert.True(t, persistence.IsWorkflowNotFound(repo.Delete(ctx, "wf-1")))
}

func TestExecutionRepository(t *testing.T) {
	p, ctx, _ := setupTestDB(t)
	repo := p.ExecutionRepository()

	started := time.Now().UTC().Truncate(time.Millisecond)
	record := &models.ExecutionRecord{
		ID:          "exec-1",
		WorkflowID:  "wf-1",
		Status:      models.ExecutionStatusRunning,
		TriggerData: map[string]any{"user_id": "u-1"},
		StartedAt:   started,
		Logs:        []models.LogEntry{{Level: models.LogLevelInfo, Message: "started", Timestamp: started}},
	}

	require.NoError(t, repo.Save(ctx, record))

	completed := started.Add(time.Second)
	record.Status = models.ExecutionStatusCompleted
	record.CompletedAt = &completed
	record.RetryCount = 2
	require.NoError(t, repo.Save(ctx, record))

	got, err := repo.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.CompletedAt)
	assert.Equal(t, "u-1", got.TriggerData["user_id"])
	assert.Len(t, got.Logs, 1)

	list, err := repo.List(ctx, persistence.ListExecutionsOptions{WorkflowID: "wf-1", Status: models.ExecutionStatusCompleted, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, repo.Delete(ctx, "exec-1"))

	_, err = repo.GetByID(ctx, "exec-1")
	assert.True(t, persistence.IsExecutionNotFound(err))
}

func TestAuditRepositories(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	now := time.Now().UTC().Truncate(time.Millisecond)

	for i := range 2 {
		require.NoError(t, p.DeadLetterRepository().Insert(ctx, &models.DeadLetterRecord{
			ExecutionID: "exec-1",
			WorkflowID:  "wf-1",
			Event:       models.TriggerEvent{Type: "message_received"},
			Error:       models.ErrorDetail{Name: "Error", Message: "boom"},
			RetryCount:  3 + i,
			AddedAt:     now.Add(time.Duration(i) * time.Second),
		}))
	}

	rows, err := p.DeadLetterRepository().List(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 4, rows[1].RetryCount)
	assert.Equal(t, "boom", rows[0].Error.Message)

	n := &models.Notification{
		Kind:      models.NotificationDeadLetter,
		Severity:  models.SeverityCritical,
		Title:     "Execution dead-lettered",
		Data:      map[string]any{"retry_count": 3.0},
		CreatedAt: now,
	}
	require.NoError(t, p.NotificationRepository().Insert(ctx, n))

	list, err := p.NotificationRepository().List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.SeverityCritical, list[0].Severity)
	assert.Equal(t, 3.0, list[0].Data["retry_count"])
}
