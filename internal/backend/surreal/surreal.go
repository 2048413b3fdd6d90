// Package surreal keeps the collection in SurrealDB and follows it with a
// live query.
package surreal

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/nfrund/roomsync/internal/backend"
	"github.com/nfrund/roomsync/internal/domain"
)

const ledgerTable = "op_ledger"

// messageRow is a message as stored in SurrealDB.
type messageRow struct {
	ID        *models.RecordID `json:"id,omitempty"`
	Text      string           `json:"text"`
	Handle    string           `json:"handle"`
	CreatedAt int64            `json:"createdAt"`
}

func (r messageRow) message() domain.Message {
	m := domain.Message{Text: r.Text, Handle: r.Handle, CreatedAt: r.CreatedAt}
	if r.ID != nil {
		m.ID = fmt.Sprint(r.ID.ID)
	}
	return m
}

// ledgerRow remembers the result of an applied operation for replays.
type ledgerRow struct {
	ID      *models.RecordID `json:"id,omitempty"`
	Code    string           `json:"code,omitempty"`
	Reason  string           `json:"reason,omitempty"`
	Record  *domain.Message  `json:"record,omitempty"`
	Applied int64            `json:"applied"`
}

const (
	codeNotFound = "not_found"
	codeRejected = "rejected"
)

var _ backend.Backend = (*Backend)(nil)

// Backend is a SurrealDB-backed collection.
type Backend struct {
	conn   *Connection
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option is a function that configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Backend) { b.logger = l }
}

// Open connects to SurrealDB and starts health monitoring.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Backend, error) {
	bctx, cancel := context.WithCancel(context.Background())
	b := &Backend{
		logger: slog.Default().With("backend", "surreal"),
		ctx:    bctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(b)
	}

	b.conn = NewConnection(cfg, b.logger)
	if err := b.conn.Connect(ctx); err != nil {
		cancel()
		return nil, err
	}
	b.conn.StartMonitoring(30 * time.Second)
	return b, nil
}

// Commit applies the operations one by one. Each result is recorded in the
// ledger so a resend of the same (session, seq) is answered from it.
func (b *Backend) Commit(ctx context.Context, batch []domain.Operation) ([]backend.Result, error) {
	results := make([]backend.Result, 0, len(batch))
	err := b.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		results = results[:0]
		for _, op := range batch {
			row, err := b.commitOne(ctx, db, op)
			if err != nil {
				return err
			}
			results = append(results, row.result(op.Seq))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("commit: %w: %w", domain.ErrTransport, err)
	}
	return results, nil
}

func (b *Backend) commitOne(ctx context.Context, db *surrealdb.DB, op domain.Operation) (ledgerRow, error) {
	lid := models.NewRecordID(ledgerTable, fmt.Sprintf("%s_%d", op.Session, op.Seq))
	prev, err := queryOne[ledgerRow](ctx, db, "SELECT * FROM $lid", map[string]any{"lid": lid})
	if err != nil {
		return ledgerRow{}, err
	}
	if prev != nil {
		return *prev, nil
	}

	row, err := b.apply(ctx, db, op)
	if err != nil {
		return ledgerRow{}, err
	}
	row.Applied = time.Now().UnixMilli()
	if err := execute(ctx, db, "UPSERT $lid CONTENT $row", map[string]any{
		"lid": lid,
		"row": map[string]any{
			"code":    row.Code,
			"reason":  row.Reason,
			"record":  row.Record,
			"applied": row.Applied,
		},
	}); err != nil {
		return ledgerRow{}, err
	}
	return row, nil
}

func (b *Backend) apply(ctx context.Context, db *surrealdb.DB, op domain.Operation) (ledgerRow, error) {
	rid := models.NewRecordID(backend.Collection, op.ID)
	params := map[string]any{"rid": rid}

	current, err := queryOne[messageRow](ctx, db, "SELECT * FROM $rid", params)
	if err != nil {
		return ledgerRow{}, err
	}

	switch op.Kind {
	case domain.OpCreate:
		if current != nil {
			return ledgerRow{Code: codeRejected, Reason: "record already exists"}, nil
		}
		m, _ := op.Apply(domain.Message{}, false)
		params["content"] = map[string]any{"text": m.Text, "handle": m.Handle, "createdAt": m.CreatedAt}
		return b.write(ctx, db, "CREATE $rid CONTENT $content", params)

	case domain.OpUpdate:
		if current == nil {
			return ledgerRow{Code: codeNotFound, Reason: "record does not exist"}, nil
		}
		patch := map[string]any{}
		if op.Fields.Text != nil {
			patch["text"] = *op.Fields.Text
		}
		if op.Fields.Handle != nil {
			patch["handle"] = *op.Fields.Handle
		}
		params["patch"] = patch
		return b.write(ctx, db, "UPDATE $rid MERGE $patch", params)

	default:
		if current != nil {
			if err := execute(ctx, db, "DELETE $rid", params); err != nil {
				return ledgerRow{}, err
			}
		}
		return ledgerRow{}, nil
	}
}

func (b *Backend) write(ctx context.Context, db *surrealdb.DB, sql string, params map[string]any) (ledgerRow, error) {
	row, err := queryOne[messageRow](ctx, db, sql, params)
	if err != nil {
		return ledgerRow{}, err
	}
	if row == nil {
		return ledgerRow{Code: codeNotFound, Reason: "record vanished during write"}, nil
	}
	m := row.message()
	return ledgerRow{Record: &m}, nil
}

func (r ledgerRow) result(seq uint64) backend.Result {
	switch r.Code {
	case codeNotFound:
		return backend.Reject(seq, fmt.Errorf("%s: %w", r.Reason, domain.ErrNotFound))
	case codeRejected:
		return backend.Reject(seq, fmt.Errorf("%s: %w", r.Reason, domain.ErrRejected))
	}
	return backend.Ack(seq, r.Record)
}

// Records reads the whole collection ordered by id.
func (b *Backend) Records(ctx context.Context) ([]domain.Message, error) {
	var rows []messageRow
	err := b.conn.WithConnection(ctx, func(db *surrealdb.DB) error {
		var err error
		rows, err = query[messageRow](ctx, db, "SELECT * FROM type::table($tb)", map[string]any{"tb": backend.Collection})
		return err
	})
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(rows))
	for _, r := range rows {
		msgs = append(msgs, r.message())
	}
	slices.SortFunc(msgs, func(x, y domain.Message) int { return cmp.Compare(x.ID, y.ID) })
	return msgs, nil
}

// Watch delivers the current collection, then re-reads and delivers it after
// every live query notification until ctx or the backend is done.
func (b *Backend) Watch(ctx context.Context, fn backend.SnapshotHandler) error {
	var lq *liveQuery
	var db *surrealdb.DB
	err := b.conn.WithConnection(ctx, func(conn *surrealdb.DB) error {
		var err error
		lq, err = startLive(ctx, conn, backend.Collection)
		db = conn
		return err
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", backend.Collection, err)
	}
	b.logger.Info("Live query established", "liveQueryID", lq.id)

	msgs, err := b.Records(ctx)
	if err != nil {
		_ = lq.kill(db)
		return fmt.Errorf("watch %s: %w", backend.Collection, err)
	}
	fn(msgs)

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if err := lq.kill(db); err != nil {
				b.logger.Warn("Failed to kill live query", "liveQueryID", lq.id, "error", err)
			}
		}()
		b.follow(ctx, lq.notifications, fn)
	}()
	return nil
}

func (b *Backend) follow(ctx context.Context, notifications <-chan connection.Notification, fn backend.SnapshotHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				b.logger.Debug("Live query notification channel closed")
				return
			}
			switch n.Action {
			case connection.CreateAction, connection.UpdateAction, connection.DeleteAction:
			default:
				b.logger.Warn("Unknown notification action", "action", n.Action)
				continue
			}
			msgs, err := b.Records(ctx)
			if err != nil {
				b.logger.Warn("Failed to read snapshot", "action", strings.ToLower(string(n.Action)), "error", err)
				continue
			}
			fn(msgs)
		}
	}
}

// Close stops every watch and closes the connection.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	return b.conn.Close(context.Background())
}
