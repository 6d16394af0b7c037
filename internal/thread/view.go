// Package thread owns the live comment forest for one mounted post view. It
// reconciles local optimistic edits, confirmed server responses, and
// realtime events from other sessions through the pure mutation functions
// in the comment package.
package thread

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"resonate/api/internal/comment"
	"resonate/api/internal/realtime"
)

var (
	ErrViewClosed       = errors.New("thread view is closed")
	ErrParentNotVisible = errors.New("parent comment is not visible")
	ErrDepthLimit       = fmt.Errorf("replies are limited to %d levels", comment.MaxDepth)
)

// Store is the storage collaborator the view talks to. Authorization for
// deletes is enforced by the store, not here.
type Store interface {
	FetchComments(ctx context.Context, postID string, page, pageSize int) (comment.Forest, error)
	CreateComment(ctx context.Context, postID string, parentID *string, authorID, authorName, content string) (*comment.Comment, error)
	DeleteComment(ctx context.Context, commentID, requesterID string) error
	GetComment(ctx context.Context, commentID string) (*comment.Comment, error)
}

// Cache is the TTL gate in front of the initial fetch.
type Cache interface {
	Get(ctx context.Context, postID string) (comment.Forest, bool, error)
	Put(ctx context.Context, postID string, forest comment.Forest) error
	Invalidate(ctx context.Context, postID string) error
}

// State tracks one optimistic submission. There is no way back out of
// Confirmed: once the placeholder is swapped for a permanent id, later
// failures belong to the delete flow.
type State string

const (
	StatePending    State = "pending"
	StateConfirmed  State = "confirmed"
	StateRolledBack State = "rolled_back"
)

// Submission is the per-operation status surfaced to the UI: enough to
// disable submit controls while pending, restore the draft after a rollback,
// and show the failure.
type Submission struct {
	CorrelationID string
	State         State
	Draft         string
	ConfirmedID   string
	Err           error
}

// Author identifies the session owner writing comments through this view.
type Author struct {
	ID   string
	Name string
}

// View is the single owner of the forest value. The forest itself is only
// ever replaced wholesale with a new immutable value from the mutation
// functions; the mutex serializes replacement, since confirmations and
// realtime events resolve on independent goroutines.
type View struct {
	postID   string
	author   Author
	store    Store
	cache    Cache
	bus      realtime.Publisher
	source   realtime.Subscriber
	pageSize int

	mu         sync.Mutex
	forest     comment.Forest
	pending    map[string]*Submission
	tombstones map[string]struct{}
	watchers   map[chan comment.Forest]struct{}
	closed     bool

	stopAdapter context.CancelFunc
}

func NewView(postID string, author Author, store Store, cache Cache, bus realtime.Publisher, source realtime.Subscriber, pageSize int) *View {
	if pageSize < 1 {
		pageSize = 25
	}
	return &View{
		postID:     postID,
		author:     author,
		store:      store,
		cache:      cache,
		bus:        bus,
		source:     source,
		pageSize:   pageSize,
		forest:     comment.Forest{},
		pending:    make(map[string]*Submission),
		tombstones: make(map[string]struct{}),
		watchers:   make(map[chan comment.Forest]struct{}),
	}
}

// Load populates the forest through the cache gate: a hit serves the cached
// snapshot, a miss fetches from the store and refills the cache.
func (v *View) Load(ctx context.Context) error {
	forest, hit, err := v.cache.Get(ctx, v.postID)
	if err != nil {
		// Cache trouble downgrades to a miss; the store is the source of truth.
		log.Printf("comment: cache get for post %s: %v", v.postID, err)
		hit = false
	}
	if !hit {
		forest, err = v.store.FetchComments(ctx, v.postID, 1, v.pageSize)
		if err != nil {
			return fmt.Errorf("load comments: %w", err)
		}
		if err := v.cache.Put(ctx, v.postID, forest); err != nil {
			log.Printf("comment: cache put for post %s: %v", v.postID, err)
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrViewClosed
	}
	v.forest = forest
	v.notifyLocked()
	return nil
}

// Start launches the realtime adapter for this view. Close tears it down.
func (v *View) Start(ctx context.Context) {
	if v.source == nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	v.stopAdapter = cancel
	adapter := realtime.NewAdapter(v.postID, v.source, v.store, v, func(ev realtime.Event) {
		if err := v.cache.Invalidate(context.Background(), v.postID); err != nil {
			log.Printf("comment: cache invalidate for post %s: %v", v.postID, err)
		}
	})
	go func() {
		if err := adapter.Run(ctx); err != nil {
			log.Printf("comment: realtime adapter for post %s: %v", v.postID, err)
		}
	}()
}

// SubmitTopLevelComment runs the optimistic create flow for a comment at the
// top of the thread.
func (v *View) SubmitTopLevelComment(ctx context.Context, content string) (Submission, error) {
	return v.submit(ctx, nil, content)
}

// SubmitReply runs the optimistic create flow for a reply under parentID.
func (v *View) SubmitReply(ctx context.Context, parentID, content string) (Submission, error) {
	return v.submit(ctx, &parentID, content)
}

func (v *View) submit(ctx context.Context, parentID *string, content string) (Submission, error) {
	if err := comment.ValidateContent(content); err != nil {
		return Submission{}, err
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return Submission{}, ErrViewClosed
	}
	if parentID != nil {
		parent, depth := comment.Find(v.forest, *parentID)
		if parent == nil {
			v.mu.Unlock()
			return Submission{}, ErrParentNotVisible
		}
		// Reject before any mutation: a node at the depth limit never
		// accepts children, the mutation engine would refuse anyway.
		if depth >= comment.MaxDepth {
			v.mu.Unlock()
			return Submission{}, ErrDepthLimit
		}
	}

	now := time.Now().UTC()
	correlationID := "tmp-" + uuid.NewString()
	placeholder := &comment.Comment{
		ID:         correlationID,
		PostID:     v.postID,
		ParentID:   parentID,
		AuthorID:   v.author.ID,
		AuthorName: v.author.Name,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	next, ok := comment.InsertReply(v.forest, parentID, placeholder)
	v.forest = next
	if !ok {
		v.mu.Unlock()
		return Submission{}, ErrParentNotVisible
	}
	sub := &Submission{CorrelationID: correlationID, State: StatePending, Draft: content}
	v.pending[correlationID] = sub
	v.notifyLocked()
	v.mu.Unlock()

	confirmed, err := v.store.CreateComment(ctx, v.postID, parentID, v.author.ID, v.author.Name, content)

	v.mu.Lock()
	if v.closed {
		// The owning state is gone; the request was allowed to finish but
		// its result is discarded.
		snapshot := *sub
		v.mu.Unlock()
		return snapshot, nil
	}
	if err != nil {
		v.forest, _ = comment.RemoveSubtree(v.forest, correlationID)
		sub.State = StateRolledBack
		sub.Err = err
		v.notifyLocked()
		snapshot := *sub
		v.mu.Unlock()
		return snapshot, err
	}

	replaced := false
	v.forest, replaced = comment.ReplaceByCorrelation(v.forest, correlationID, confirmed)
	if !replaced {
		// The placeholder vanished mid-flight, e.g. a realtime delete of its
		// parent cascaded over it. Benign; the confirmed comment lives on
		// the server and shows up on the next refresh if still relevant.
		log.Printf("comment: placeholder %s already gone when confirming %s", correlationID, confirmed.ID)
	}
	sub.State = StateConfirmed
	sub.ConfirmedID = confirmed.ID
	v.notifyLocked()
	snapshot := *sub
	v.mu.Unlock()

	v.afterConfirm(ctx, realtime.Event{
		Kind:      realtime.KindInsert,
		CommentID: confirmed.ID,
		PostID:    v.postID,
		ParentID:  parentID,
	})
	return snapshot, nil
}

// DeleteComment deletes through the store, then removes the subtree locally
// and fans the event out to other sessions.
func (v *View) DeleteComment(ctx context.Context, commentID string) error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return ErrViewClosed
	}
	v.mu.Unlock()

	if err := v.store.DeleteComment(ctx, commentID, v.author.ID); err != nil {
		return err
	}

	v.mu.Lock()
	if !v.closed {
		v.tombstones[commentID] = struct{}{}
		v.forest, _ = comment.RemoveSubtree(v.forest, commentID)
		v.notifyLocked()
	}
	v.mu.Unlock()

	v.afterConfirm(ctx, realtime.Event{
		Kind:      realtime.KindDelete,
		CommentID: commentID,
		PostID:    v.postID,
	})
	return nil
}

// afterConfirm invalidates the cache and publishes the echo event. Neither
// failure affects the already-applied local mutation.
func (v *View) afterConfirm(ctx context.Context, ev realtime.Event) {
	if err := v.cache.Invalidate(ctx, v.postID); err != nil {
		log.Printf("comment: cache invalidate for post %s: %v", v.postID, err)
	}
	if v.bus != nil {
		if err := v.bus.Publish(ctx, ev); err != nil {
			log.Printf("comment: publish %s event for %s: %v", ev.Kind, ev.CommentID, err)
		}
	}
}

// InsertFromEvent applies a resolved realtime insert. Part of the
// realtime.Applier contract; a false return is a benign miss.
func (v *View) InsertFromEvent(parentID *string, node *comment.Comment) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	if _, deleted := v.tombstones[node.ID]; deleted {
		// Insert arriving after its delete; do not resurrect.
		return false
	}
	next, ok := comment.InsertReply(v.forest, parentID, node)
	v.forest = next
	if ok {
		v.notifyLocked()
	}
	return ok
}

// DeleteFromEvent applies a realtime delete and records a tombstone so an
// out-of-order insert for the same id stays dead.
func (v *View) DeleteFromEvent(commentID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.tombstones[commentID] = struct{}{}
	next, ok := comment.RemoveSubtree(v.forest, commentID)
	v.forest = next
	if ok {
		v.notifyLocked()
	}
	return ok
}

// Snapshot returns a deep copy of the current forest: consumers must never
// share node pointers with the live tree.
func (v *View) Snapshot() comment.Forest {
	v.mu.Lock()
	defer v.mu.Unlock()
	return comment.Clone(v.forest)
}

// Submission returns the status of one optimistic operation.
func (v *View) Submission(correlationID string) (Submission, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	sub, ok := v.pending[correlationID]
	if !ok {
		return Submission{}, false
	}
	return *sub, true
}

// PendingCount reports how many submissions are still awaiting the server,
// enough for the UI to disable submit controls.
func (v *View) PendingCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	count := 0
	for _, sub := range v.pending {
		if sub.State == StatePending {
			count++
		}
	}
	return count
}

// Watch registers for forest snapshots. The channel holds only the latest
// snapshot; slow consumers skip intermediate states rather than lag behind.
func (v *View) Watch() (<-chan comment.Forest, func()) {
	ch := make(chan comment.Forest, 1)
	v.mu.Lock()
	v.watchers[ch] = struct{}{}
	ch <- comment.Clone(v.forest)
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		delete(v.watchers, ch)
		v.mu.Unlock()
	}
	return ch, cancel
}

func (v *View) notifyLocked() {
	snapshot := comment.Clone(v.forest)
	for ch := range v.watchers {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- snapshot:
		default:
		}
	}
}

// Close marks the view disposed and tears down the realtime subscription.
// In-flight submissions finish in the background, their results discarded.
func (v *View) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	if v.stopAdapter != nil {
		v.stopAdapter()
	}
}
