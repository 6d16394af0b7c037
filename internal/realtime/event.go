// Package realtime carries comment mutations between sessions: a redis
// pub/sub bus fans events out per post, and an adapter resolves incoming
// events into tree mutations on a live view.
package realtime

// Kind tags an event. Dispatch is exhaustive on the known kinds; anything
// else is dropped, never guessed at.
type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Event is the push notification for one comment mutation. Insert events
// carry only identifiers; the adapter resolves the full entity itself.
type Event struct {
	Kind      Kind    `json:"kind"`
	CommentID string  `json:"commentId"`
	PostID    string  `json:"postId"`
	ParentID  *string `json:"parentId,omitempty"`
}
