package mutation

import (
	"context"
	"sync"

	"github.com/nfrund/roomsync/internal/domain"
)

// Pending is the caller's handle on a queued write. The optimistic effect is
// already visible when the caller receives it; Done closes once the backend
// confirmed or the write was rolled back.
type Pending struct {
	op   domain.Operation
	done chan struct{}

	mu     sync.Mutex
	status domain.OpStatus
	err    error
}

func newPending(op domain.Operation) *Pending {
	op.Status = domain.StatusPending
	return &Pending{op: op, done: make(chan struct{}), status: domain.StatusPending}
}

// Seq is the local sequence number of the write.
func (p *Pending) Seq() uint64 { return p.op.Seq }

// ID is the target record id.
func (p *Pending) ID() string { return p.op.ID }

// Kind is the kind of write.
func (p *Pending) Kind() domain.OpKind { return p.op.Kind }

// Done is closed on resolution.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Status reports where the write is in its lifecycle.
func (p *Pending) Status() domain.OpStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Err is nil while pending and after confirmation, and an
// *domain.OperationError after a failure.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Operation returns a copy of the write with its current status.
func (p *Pending) Operation() domain.Operation {
	p.mu.Lock()
	defer p.mu.Unlock()
	op := p.op
	op.Status = p.status
	return op
}

// Wait blocks until the write resolves or ctx is done. Giving up on ctx only
// stops listening: the write still resolves and still updates the store.
func (p *Pending) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pending) resolve(status domain.OpStatus, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status != domain.StatusPending {
		return false
	}
	p.status = status
	p.err = err
	close(p.done)
	return true
}
