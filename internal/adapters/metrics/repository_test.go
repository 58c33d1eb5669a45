package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/coin-resolver/pkg/metrics"
)

type recordingRepo struct {
	table   string
	columns []string
	rows    [][]interface{}
}

func (r *recordingRepo) InsertBatch(ctx context.Context, tableName string, columns []string, values [][]interface{}) error {
	r.table = tableName
	r.columns = columns
	r.rows = append(r.rows, values...)
	return nil
}

func (r *recordingRepo) Close() error { return nil }

func TestWriterWrite(t *testing.T) {
	repo := &recordingRepo{}
	w := NewWriter(repo)
	ts := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	err := w.Write(context.Background(), "resolution_events", []metrics.Metric{
		metrics.NewResolutionEvent(ts, "pepe", "pepe", "search", "resolved", "", time.Millisecond),
		metrics.NewResolutionEvent(ts, "usdc", "usd-coin", "search", "banned", "stablecoin", time.Millisecond),
	})
	require.NoError(t, err)
	assert.Equal(t, "resolution_events", repo.table)
	assert.Equal(t, "event_id", repo.columns[0])
	require.Len(t, repo.rows, 2)
	assert.Equal(t, "banned", repo.rows[1][5])

	err = w.Write(context.Background(), "resolution_events", []metrics.Metric{&metrics.UpstreamCallEvent{}})
	assert.Error(t, err, "mixed tables are rejected")

	require.NoError(t, w.Write(context.Background(), "resolution_events", nil))
}

func TestBuildInsert(t *testing.T) {
	query, args, err := buildInsert("upstream_calls", []string{"ids", "took_ms"}, [][]interface{}{{1, 20}, {3, 45}})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO upstream_calls (ids, took_ms) VALUES (?, ?), (?, ?)", query)
	assert.Equal(t, []interface{}{1, 20, 3, 45}, args)

	_, _, err = buildInsert("upstream_calls", []string{"ids", "took_ms"}, [][]interface{}{{1}})
	assert.Error(t, err)

	query, _, err = buildInsert("upstream_calls", nil, nil)
	require.NoError(t, err)
	assert.Empty(t, query)
}
