package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/convoflow/pkg/executionlog"
	"github.com/dukex/convoflow/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ executionlog.Sink = (*Sink)(nil)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()

	file, err := os.Open(path)
	require.NoError(t, err)

	defer file.Close()

	var lines []map[string]any

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))

		lines = append(lines, line)
	}

	require.NoError(t, scanner.Err())

	return lines
}

func TestFileSink_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.log")

	sink, err := NewFileSink(path)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	sink.WriteEntry("exec-1", "wf-1", models.LogEntry{
		Timestamp: at,
		Level:     models.LogLevelInfo,
		Message:   "Node completed",
		NodeID:    "send",
		Data:      map[string]any{"duration_ms": 12},
	})
	sink.WriteEntry("exec-1", "wf-1", models.LogEntry{
		Timestamp: at,
		Level:     models.LogLevelError,
		Message:   "Execution failed",
		Error:     &models.ErrorDetail{Name: "Error", Message: "boom"},
	})

	require.NoError(t, sink.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 2)

	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "Node completed", lines[0]["msg"])
	assert.Equal(t, "exec-1", lines[0]["execution_id"])
	assert.Equal(t, "send", lines[0]["node_id"])
	assert.Equal(t, map[string]any{"duration_ms": float64(12)}, lines[0]["data"])

	assert.Equal(t, "error", lines[1]["level"])
	assert.Equal(t, "boom", lines[1]["error"])
	assert.NotContains(t, lines[1], "node_id")
}

func TestFileSink_Appends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "executions.log")

	for range 2 {
		sink, err := NewFileSink(path)
		require.NoError(t, err)

		sink.WriteEntry("exec", "wf", models.LogEntry{Level: models.LogLevelDebug, Message: "tick"})
		require.NoError(t, sink.Close())
	}

	assert.Len(t, readLines(t, path), 2)
}

func TestFileSink_InvalidPath(t *testing.T) {
	_, err := NewFileSink(filepath.Join(t.TempDir(), "missing", "executions.log"))
	assert.Error(t, err)
}
