package surreal

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"
)

// liveQuery is one LIVE SELECT registration.
type liveQuery struct {
	id            string
	notifications chan connection.Notification
}

// startLive registers a live query on table and returns its notification
// channel.
func startLive(ctx context.Context, db *surrealdb.DB, table string) (*liveQuery, error) {
	results, err := surrealdb.Query[any](ctx, db, fmt.Sprintf("LIVE SELECT * FROM %s", table), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to execute live query: %w", err)
	}
	if results == nil || len(*results) == 0 {
		return nil, fmt.Errorf("live query returned no results")
	}
	result := (*results)[0]
	if result.Status != "OK" {
		return nil, fmt.Errorf("live query failed with status: %s", result.Status)
	}

	var id string
	switch v := result.Result.(type) {
	case string:
		id = v
	case models.UUID:
		id = v.String()
	case map[string]any:
		switch inner := v["id"].(type) {
		case string:
			id = inner
		case models.UUID:
			id = inner.String()
		}
	}
	if id == "" {
		return nil, fmt.Errorf("unexpected live query result type: %T", result.Result)
	}

	ch, err := db.LiveNotifications(id)
	if err != nil {
		return nil, fmt.Errorf("failed to get notification channel: %w", err)
	}
	return &liveQuery{id: id, notifications: ch}, nil
}

// kill stops notifications and removes the live query server-side.
func (lq *liveQuery) kill(db *surrealdb.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.CloseLiveNotifications(lq.id); err != nil {
		return fmt.Errorf("close live notifications: %w", err)
	}
	return execute(ctx, db, "KILL $liveQueryID", map[string]any{"liveQueryID": lq.id})
}
