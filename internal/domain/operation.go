package domain

import "time"

// OpKind identifies the kind of a queued write.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// OpStatus tracks a write from issue to resolution.
type OpStatus string

const (
	StatusPending   OpStatus = "pending"
	StatusConfirmed OpStatus = "confirmed"
	StatusFailed    OpStatus = "failed"
)

// Operation is a locally issued write. Seq is assigned once and reused on
// every resend so the backend can deduplicate replays by (Session, Seq).
type Operation struct {
	Seq      uint64    `json:"seq"`
	Session  string    `json:"session"`
	Kind     OpKind    `json:"kind"`
	ID       string    `json:"id"`
	Fields   Fields    `json:"fields"`
	Status   OpStatus  `json:"status"`
	IssuedAt time.Time `json:"issuedAt"`
}

// Apply folds op over the prior visible state of its record.
// Updates over an absent record leave it absent: a deleted record has no
// fields to update.
func (op Operation) Apply(prev Message, present bool) (Message, bool) {
	switch op.Kind {
	case OpCreate:
		if !present {
			prev = Message{ID: op.ID}
		}
		return op.Fields.Apply(prev), true
	case OpUpdate:
		if !present {
			return Message{}, false
		}
		return op.Fields.Apply(prev), true
	case OpDelete:
		return Message{}, false
	}
	return prev, present
}
