package metrics

import (
	"context"
	"fmt"

	"github.com/selivandex/coin-resolver/pkg/metrics"
)

// Repository interface for metrics storage operations
type Repository interface {
	// InsertBatch inserts rows into table; every row matches columns
	InsertBatch(ctx context.Context, tableName string, columns []string, values [][]interface{}) error
	// Close closes repository connection
	Close() error
}

// Writer implements metrics.Writer using Repository pattern
type Writer struct {
	repo Repository
}

// NewWriter creates new metrics writer with repository
func NewWriter(repo Repository) *Writer {
	return &Writer{repo: repo}
}

// Write writes batch of metrics to storage via repository. All metrics in
// one call must share a table and column layout.
func (w *Writer) Write(ctx context.Context, tableName string, metricsSlice []metrics.Metric) error {
	if len(metricsSlice) == 0 {
		return nil
	}

	columns := metricsSlice[0].Columns()
	values := make([][]interface{}, len(metricsSlice))
	for i, metric := range metricsSlice {
		if metric.TableName() != tableName {
			return fmt.Errorf("metric for table %s in batch for %s", metric.TableName(), tableName)
		}
		values[i] = metric.Values()
	}

	return w.repo.InsertBatch(ctx, tableName, columns, values)
}

// Close closes writer
func (w *Writer) Close() error {
	if w.repo != nil {
		return w.repo.Close()
	}
	return nil
}
