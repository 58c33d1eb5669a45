package metrics

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/coin-resolver/pkg/logger"
)

// ClickHouseRepository implements Repository for ClickHouse
type ClickHouseRepository struct {
	db *sqlx.DB
}

// NewClickHouseRepository creates new ClickHouse repository
func NewClickHouseRepository(db *sqlx.DB) *ClickHouseRepository {
	return &ClickHouseRepository{db: db}
}

// InsertBatch inserts rows in a single multi-row INSERT
func (r *ClickHouseRepository) InsertBatch(ctx context.Context, tableName string, columns []string, values [][]interface{}) error {
	query, args, err := buildInsert(tableName, columns, values)
	if err != nil || query == "" {
		return err
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("ClickHouse insert failed: %w", err)
	}

	logger.Debug("ClickHouse batch insert successful",
		zap.String("table", tableName),
		zap.Int("rows", len(values)),
	)

	return nil
}

func buildInsert(tableName string, columns []string, values [][]interface{}) (string, []interface{}, error) {
	if len(values) == 0 {
		return "", nil, nil
	}
	if len(columns) == 0 {
		return "", nil, fmt.Errorf("no columns for table %s", tableName)
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	placeholders := make([]string, len(values))
	args := make([]interface{}, 0, len(values)*len(columns))

	for i, row := range values {
		if len(row) != len(columns) {
			return "", nil, fmt.Errorf("row %d has wrong column count: expected %d, got %d", i, len(columns), len(row))
		}
		placeholders[i] = rowPlaceholder
		args = append(args, row...)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
		tableName, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	return query, args, nil
}

// Close closes ClickHouse repository
func (r *ClickHouseRepository) Close() error {
	// DB is managed externally, don't close it
	return nil
}
