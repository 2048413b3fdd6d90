// Package store holds the local view of the messages collection as two layers:
// a confirmed base acknowledged by the backend, and an overlay of pending
// local writes. Reads compose the overlay over the base.
package store

import (
	"iter"
	"maps"
	"slices"
	"sync"

	"github.com/nfrund/roomsync/internal/domain"
)

// ChangeFunc is called once per mutation batch with the new store version.
type ChangeFunc func(version uint64)

type pendingOp struct {
	op        domain.Operation
	confirmed bool
	record    *domain.Message
}

// Store is safe for concurrent use. Change listeners run outside the lock.
type Store struct {
	mu      sync.RWMutex
	base    map[string]domain.Message
	overlay map[string][]*pendingOp // id -> ops ordered by seq
	seqs    map[uint64]string       // seq -> id

	version    uint64
	batchDepth int
	dirty      bool

	listenerMu sync.RWMutex
	listeners  map[int]ChangeFunc
	nextID     int
}

// New creates an empty store.
func New() *Store {
	return &Store{
		base:      make(map[string]domain.Message),
		overlay:   make(map[string][]*pendingOp),
		seqs:      make(map[uint64]string),
		listeners: make(map[int]ChangeFunc),
	}
}

// Upsert writes confirmed state for id into the base layer. Unspecified
// fields keep their prior value.
func (s *Store) Upsert(id string, fields domain.Fields) {
	s.mu.Lock()
	prev, ok := s.base[id]
	if !ok {
		prev = domain.Message{ID: id}
	}
	s.base[id] = fields.Apply(prev)
	s.commitLocked()
}

// Remove deletes id from both layers.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	delete(s.base, id)
	for _, p := range s.overlay[id] {
		delete(s.seqs, p.op.Seq)
	}
	delete(s.overlay, id)
	s.commitLocked()
}

// Get returns the visible value of id.
func (s *Store) Get(id string) (domain.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.composeLocked(id)
}

// All yields every visible record. The set of ids is captured when iteration
// starts; each value is composed as it is yielded.
func (s *Store) All() iter.Seq[domain.Message] {
	return func(yield func(domain.Message) bool) {
		for _, id := range s.ids() {
			m, ok := s.Get(id)
			if !ok {
				continue
			}
			if !yield(m) {
				return
			}
		}
	}
}

// Snapshot returns every visible record together with the version it was
// read at.
func (s *Store) Snapshot() (uint64, []domain.Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Message, 0, len(s.base)+len(s.overlay))
	for _, id := range s.idsLocked() {
		if m, ok := s.composeLocked(id); ok {
			out = append(out, m)
		}
	}
	return s.version, out
}

// Version increases by one per mutation batch.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// ApplyPending layers a local write over the base.
func (s *Store) ApplyPending(op domain.Operation) {
	s.mu.Lock()
	ops := s.overlay[op.ID]
	i, _ := slices.BinarySearchFunc(ops, op.Seq, func(p *pendingOp, seq uint64) int {
		switch {
		case p.op.Seq < seq:
			return -1
		case p.op.Seq > seq:
			return 1
		}
		return 0
	})
	s.overlay[op.ID] = slices.Insert(ops, i, &pendingOp{op: op})
	s.seqs[op.Seq] = op.ID
	s.commitLocked()
}

// Confirm marks the write seq as acknowledged. record, when non-nil, is the
// authoritative value the backend reported for the record after the write.
// The write is folded into the base once every lower sequence number for the
// same record has resolved, so confirmations arriving out of order converge.
// It reports whether seq was still pending.
func (s *Store) Confirm(seq uint64, record *domain.Message) bool {
	s.mu.Lock()
	id, ok := s.seqs[seq]
	if !ok {
		s.mu.Unlock()
		return false
	}
	for _, p := range s.overlay[id] {
		if p.op.Seq == seq {
			p.confirmed = true
			p.record = record
			break
		}
	}
	s.foldLocked(id)
	s.commitLocked()
	return true
}

// Revert drops the write seq from the overlay. The visible value is recomputed
// from the base plus the remaining pending writes for that record.
func (s *Store) Revert(seq uint64) bool {
	s.mu.Lock()
	id, ok := s.seqs[seq]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.seqs, seq)
	s.overlay[id] = slices.DeleteFunc(s.overlay[id], func(p *pendingOp) bool {
		return p.op.Seq == seq
	})
	s.foldLocked(id)
	s.commitLocked()
	return true
}

// ReplaceBase swaps the confirmed layer for an authoritative snapshot. The
// overlay is kept.
func (s *Store) ReplaceBase(msgs []domain.Message) {
	s.mu.Lock()
	base := make(map[string]domain.Message, len(msgs))
	for _, m := range msgs {
		base[m.ID] = m
	}
	s.base = base
	s.commitLocked()
}

// HasPendingDelete reports whether a delete for id is still in the overlay.
func (s *Store) HasPendingDelete(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.overlay[id] {
		if p.op.Kind == domain.OpDelete {
			return true
		}
	}
	return false
}

// PendingCount is the number of writes still in the overlay.
func (s *Store) PendingCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seqs)
}

// Batch runs fn and emits a single change notification for every write it
// makes.
func (s *Store) Batch(fn func()) {
	s.mu.Lock()
	s.batchDepth++
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.batchDepth--
		if s.batchDepth > 0 || !s.dirty {
			s.mu.Unlock()
			return
		}
		s.dirty = false
		s.commitLocked()
	}()

	fn()
}

// OnChange registers fn for change notifications and returns a function that
// removes it.
func (s *Store) OnChange(fn ChangeFunc) func() {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	return func() {
		s.listenerMu.Lock()
		defer s.listenerMu.Unlock()
		delete(s.listeners, id)
	}
}

// commitLocked bumps the version and notifies listeners. It must be called
// with s.mu held and releases it.
func (s *Store) commitLocked() {
	if s.batchDepth > 0 {
		s.dirty = true
		s.mu.Unlock()
		return
	}
	s.version++
	v := s.version
	s.mu.Unlock()

	s.listenerMu.RLock()
	fns := slices.Collect(maps.Values(s.listeners))
	s.listenerMu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

// composeLocked folds the overlay for id over the base in sequence order.
// Any pending delete wins over every other pending write for the record.
func (s *Store) composeLocked(id string) (domain.Message, bool) {
	m, present := s.base[id]
	ops := s.overlay[id]
	for _, p := range ops {
		if p.op.Kind == domain.OpDelete {
			return domain.Message{}, false
		}
	}
	for _, p := range ops {
		m, present = p.op.Apply(m, present)
	}
	return m, present
}

// foldLocked moves the confirmed prefix of id's overlay into the base.
func (s *Store) foldLocked(id string) {
	ops := s.overlay[id]
	n := 0
	for _, p := range ops {
		if !p.confirmed {
			break
		}
		prev, present := s.base[id]
		next, ok := p.op.Apply(prev, present)
		if ok && p.record != nil {
			next = *p.record
		}
		if ok {
			s.base[id] = next
		} else {
			delete(s.base, id)
		}
		delete(s.seqs, p.op.Seq)
		n++
	}
	if n == len(ops) {
		delete(s.overlay, id)
		return
	}
	s.overlay[id] = ops[n:]
}

func (s *Store) ids() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.idsLocked()
}

func (s *Store) idsLocked() []string {
	ids := make([]string, 0, len(s.base)+len(s.overlay))
	for id := range s.base {
		ids = append(ids, id)
	}
	for id := range s.overlay {
		if _, ok := s.base[id]; !ok {
			ids = append(ids, id)
		}
	}
	return ids
}
