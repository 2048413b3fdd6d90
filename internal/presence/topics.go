package presence

import (
	"fmt"
	"time"

	"github.com/nfrund/roomsync/internal/pubsub"
)

// Beat is the wire form of a presence heartbeat. Left marks an explicit
// leave; receivers drop the sender immediately instead of waiting for expiry.
type Beat struct {
	SessionID string            `json:"sessionId"`
	Handle    string            `json:"handle"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Left      bool              `json:"left,omitempty"`
}

// BeatTopic is the per-room heartbeat topic.
func BeatTopic(room string) pubsub.Event[Beat] {
	return pubsub.NewEvent[Beat](fmt.Sprintf("presence.%s.beat", room))
}
