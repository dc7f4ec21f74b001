package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loykin/devpilot/internal/history"
)

func TestPostgresSink_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	ctx := context.Background()

	postgresContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	defer func() {
		if err := postgresContainer.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate PostgreSQL container: %v", err)
		}
	}()

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	sink, err := New(connStr)
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	rec := history.Record{RunID: "r1", ProjectID: "web", Script: "dev", PID: 12345, State: "running", StartedAt: time.Now().UTC()}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStart, OccurredAt: time.Now().UTC(), Record: rec}))

	fin := time.Now().UTC()
	code := 1
	rec.State, rec.FinishedAt, rec.ExitCode = "crashed", &fin, &code
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventExit, OccurredAt: fin, Record: rec}))

	var count int
	require.NoError(t, sink.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM run_history WHERE run_id = $1", "r1").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestPostgresSink_EmptyDSN(t *testing.T) {
	_, err := New("")
	require.Error(t, err)
}
