package surreal

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealdb.go"
)

// query runs a SurrealQL statement and returns the rows of its first result.
func query[T any](ctx context.Context, db *surrealdb.DB, sql string, params map[string]any) ([]T, error) {
	results, err := surrealdb.Query[[]T](ctx, db, sql, params)
	if err != nil {
		return nil, fmt.Errorf("query execution failed: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, nil
	}
	return (*results)[0].Result, nil
}

// queryOne is query for statements that yield at most one row. It returns
// nil when nothing matched.
func queryOne[T any](ctx context.Context, db *surrealdb.DB, sql string, params map[string]any) (*T, error) {
	rows, err := query[T](ctx, db, sql, params)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// execute runs a statement whose result is not needed.
func execute(ctx context.Context, db *surrealdb.DB, sql string, params map[string]any) error {
	if _, err := surrealdb.Query[any](ctx, db, sql, params); err != nil {
		return fmt.Errorf("query execution failed: %w", err)
	}
	return nil
}
