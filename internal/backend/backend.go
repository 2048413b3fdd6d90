// Package backend defines the boundary to the hosted sync service: batches of
// sequence-numbered writes go out, per-write acknowledgements and
// authoritative snapshots of the collection come back.
package backend

import (
	"context"

	"github.com/nfrund/roomsync/internal/domain"
)

// Collection is the single synchronized collection.
const Collection = "messages"

// Result resolves one operation of a committed batch. A nil Err is an
// acknowledgement; an Err wrapping domain.ErrTransport asks for a resend with
// the same sequence number; any other Err is a rejection.
type Result struct {
	Seq    uint64
	Err    error
	Record *domain.Message
}

// Committer sends writes. A returned error means the whole batch may not have
// been delivered and every operation in it should be resent. Implementations
// must treat a resend of an already applied (Session, Seq) as a replay and
// answer with the original result.
type Committer interface {
	Commit(ctx context.Context, batch []domain.Operation) ([]Result, error)
}

// SnapshotHandler receives the full authoritative record set.
type SnapshotHandler func(msgs []domain.Message)

// Watcher delivers authoritative snapshots until ctx is cancelled. Watch
// returns once the subscription is established; the first snapshot is
// delivered before it returns.
type Watcher interface {
	Watch(ctx context.Context, fn SnapshotHandler) error
}

// Backend is a complete backing collaborator.
type Backend interface {
	Committer
	Watcher
	Close() error
}

// Ack and Reject build results.
func Ack(seq uint64, record *domain.Message) Result {
	return Result{Seq: seq, Record: record}
}

func Reject(seq uint64, err error) Result {
	return Result{Seq: seq, Err: err}
}
