package domain

import (
	"github.com/google/uuid"
)

// Message is the single record type of the synchronized collection.
type Message struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Handle    string `json:"handle"`
	CreatedAt int64  `json:"createdAt"`
}

// Fields is a partial write. A nil field is unspecified and keeps the value
// of the prior version.
type Fields struct {
	Text      *string `json:"text,omitempty"`
	Handle    *string `json:"handle,omitempty"`
	CreatedAt *int64  `json:"createdAt,omitempty"`
}

// Apply returns m with every specified field replaced.
func (f Fields) Apply(m Message) Message {
	if f.Text != nil {
		m.Text = *f.Text
	}
	if f.Handle != nil {
		m.Handle = *f.Handle
	}
	if f.CreatedAt != nil {
		m.CreatedAt = *f.CreatedAt
	}
	return m
}

// IsEmpty reports whether no field is specified.
func (f Fields) IsEmpty() bool {
	return f.Text == nil && f.Handle == nil && f.CreatedAt == nil
}

// FieldsOf returns the fields needed to recreate m.
func FieldsOf(m Message) Fields {
	return Fields{
		Text:      Ptr(m.Text),
		Handle:    Ptr(m.Handle),
		CreatedAt: Ptr(m.CreatedAt),
	}
}

// NewID returns a fresh 128-bit random identifier.
func NewID() string {
	return uuid.NewString()
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}
