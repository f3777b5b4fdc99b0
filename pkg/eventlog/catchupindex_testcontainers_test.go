package eventlog_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/run-vibes/loomd/pkg/eventid"
	"github.com/run-vibes/loomd/pkg/eventlog"
)

// newTestCatchupIndex opens a CatchupIndex against either an external
// PostgreSQL service (CI_DATABASE_URL) or a disposable testcontainer
// (local dev), applying embedded migrations via OpenCatchupIndex.
func newTestCatchupIndex(t *testing.T) *eventlog.CatchupIndex {
	t.Helper()
	ctx := context.Background()

	dsn := os.Getenv("CI_DATABASE_URL")
	if dsn == "" {
		t.Log("using testcontainers for PostgreSQL")
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("loomd_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		dsn, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	idx, err := eventlog.OpenCatchupIndex(ctx, eventlog.PgConfig{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

func TestCatchupIndexRecordAndSequenceBefore(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a PostgreSQL container or CI_DATABASE_URL")
	}
	idx := newTestCatchupIndex(t)
	ctx := context.Background()

	gen := eventid.NewGenerator()
	env := eventlog.New(gen, eventlog.PrimaryTopic, "sess-1", "tool.call", []byte(`{"tool":"ls"}`))

	require.NoError(t, idx.Record(ctx, env, 2))

	seq, err := idx.SequenceBefore(ctx, eventlog.PrimaryTopic, env.ID)
	require.NoError(t, err)
	require.Equal(t, int64(1), seq)
}

func TestCatchupIndexBeforePagination(t *testing.T) {
	if testing.Short() {
		t.Skip("requires a PostgreSQL container or CI_DATABASE_URL")
	}
	idx := newTestCatchupIndex(t)
	ctx := context.Background()
	gen := eventid.NewGenerator()

	var ids []eventid.ID
	for i := 0; i < 5; i++ {
		env := eventlog.New(gen, eventlog.PrimaryTopic, "sess-1", "tool.call", []byte(`{}`))
		require.NoError(t, idx.Record(ctx, env, int64(i+1)))
		ids = append(ids, env.ID)
	}

	entries, err := idx.Before(ctx, eventlog.PrimaryTopic, ids[4], 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Before returns ascending event_id order: the two closest to ids[4]
	// are ids[2] and ids[3], oldest first.
	require.Equal(t, ids[2], entries[0].EventID)
	require.Equal(t, ids[3], entries[1].EventID)
}
