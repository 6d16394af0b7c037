package realtime

import (
	"context"
	"log"

	"resonate/api/internal/comment"
)

// EntityFetcher resolves an insert event's id into a full comment, author
// metadata included.
type EntityFetcher interface {
	GetComment(ctx context.Context, commentID string) (*comment.Comment, error)
}

// Applier is the forest owner the adapter feeds. Both methods report whether
// the mutation applied; a false return is a benign reconciliation miss
// (duplicate delivery, parent not yet visible, target already gone), never
// an error.
type Applier interface {
	InsertFromEvent(parentID *string, node *comment.Comment) bool
	DeleteFromEvent(commentID string) bool
}

// Adapter consumes the event stream of one post and turns each event into a
// mutation on the applier. It is idempotent under duplicate delivery and
// tolerant of arbitrary ordering between events and the local optimistic
// flow.
type Adapter struct {
	postID  string
	source  Subscriber
	store   EntityFetcher
	applier Applier
	// onApplied fires after a successfully applied event, typically to
	// invalidate the forest cache for the post.
	onApplied func(ev Event)
}

func NewAdapter(postID string, source Subscriber, store EntityFetcher, applier Applier, onApplied func(ev Event)) *Adapter {
	return &Adapter{
		postID:    postID,
		source:    source,
		store:     store,
		applier:   applier,
		onApplied: onApplied,
	}
}

// Run subscribes and consumes events until the context ends or the stream
// closes. The subscription is torn down on return.
func (a *Adapter) Run(ctx context.Context) error {
	events, stop, err := a.source.Subscribe(ctx, a.postID)
	if err != nil {
		return err
	}
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			a.handle(ctx, ev)
		}
	}
}

func (a *Adapter) handle(ctx context.Context, ev Event) {
	if ev.PostID != a.postID {
		return
	}
	switch ev.Kind {
	case KindInsert:
		// Resolve the full entity; the event carries identifiers only. A
		// failed fetch drops the event: the comment shows up on the next
		// full refresh, retrying here would just stack up stale work.
		node, err := a.store.GetComment(ctx, ev.CommentID)
		if err != nil {
			log.Printf("realtime: dropping insert event for %s: %v", ev.CommentID, err)
			return
		}
		if !a.applier.InsertFromEvent(node.ParentID, node) {
			log.Printf("realtime: insert event for %s not applied (duplicate or parent not visible)", ev.CommentID)
			return
		}
	case KindDelete:
		if !a.applier.DeleteFromEvent(ev.CommentID) {
			log.Printf("realtime: delete event for %s not applied (already gone)", ev.CommentID)
			return
		}
	default:
		log.Printf("realtime: dropping event of unknown kind %q for post %s", ev.Kind, ev.PostID)
		return
	}
	if a.onApplied != nil {
		a.onApplied(ev)
	}
}
