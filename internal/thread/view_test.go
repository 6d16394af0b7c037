package thread

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"resonate/api/internal/comment"
	"resonate/api/internal/realtime"
)

type fakeStore struct {
	mu         sync.Mutex
	fetched    comment.Forest
	fetchCalls int
	byID       map[string]*comment.Comment
	createErr  error
	deleteErr  error
	deleted    []string
	serial     int
	// When set, CreateComment signals on started and then blocks until gate
	// is closed, so tests can observe the pending state mid-flight.
	started chan string
	gate    chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{byID: make(map[string]*comment.Comment), serial: 100}
}

func (s *fakeStore) FetchComments(ctx context.Context, postID string, page, pageSize int) (comment.Forest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetchCalls++
	return comment.Clone(s.fetched), nil
}

func (s *fakeStore) CreateComment(ctx context.Context, postID string, parentID *string, authorID, authorName, content string) (*comment.Comment, error) {
	if s.started != nil {
		s.started <- content
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	now := time.Now().UTC()
	c := &comment.Comment{
		ID:         fmt.Sprintf("c-%d", s.serial),
		PostID:     postID,
		ParentID:   parentID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	s.serial++
	s.byID[c.ID] = c
	return c, nil
}

func (s *fakeStore) DeleteComment(ctx context.Context, commentID, requesterID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return s.deleteErr
	}
	s.deleted = append(s.deleted, commentID)
	return nil
}

func (s *fakeStore) GetComment(ctx context.Context, commentID string) (*comment.Comment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[commentID]
	if !ok {
		return nil, errors.New("not found")
	}
	return c, nil
}

type fakeCache struct {
	mu            sync.Mutex
	snapshots     map[string]comment.Forest
	invalidations int
}

func newFakeCache() *fakeCache {
	return &fakeCache{snapshots: make(map[string]comment.Forest)}
}

func (c *fakeCache) Get(ctx context.Context, postID string) (comment.Forest, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	forest, ok := c.snapshots[postID]
	return forest, ok, nil
}

func (c *fakeCache) Put(ctx context.Context, postID string, forest comment.Forest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshots[postID] = comment.Clone(forest)
	return nil
}

func (c *fakeCache) Invalidate(ctx context.Context, postID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.snapshots, postID)
	c.invalidations++
	return nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (p *fakePublisher) Publish(ctx context.Context, ev realtime.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) all() []realtime.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]realtime.Event(nil), p.events...)
}

func newTestView(store *fakeStore) (*View, *fakeCache, *fakePublisher) {
	cache := newFakeCache()
	pub := &fakePublisher{}
	view := NewView("post-1", Author{ID: "user-1", Name: "Avery"}, store, cache, pub, nil, 25)
	return view, cache, pub
}

// Scenario A: optimistic top-level comment, confirmed by the server.
func TestSubmitTopLevelCommentConfirms(t *testing.T) {
	store := newFakeStore()
	store.started = make(chan string, 1)
	store.gate = make(chan struct{})
	view, cache, pub := newTestView(store)

	type result struct {
		sub Submission
		err error
	}
	done := make(chan result, 1)
	go func() {
		sub, err := view.SubmitTopLevelComment(context.Background(), "Hello")
		done <- result{sub, err}
	}()

	<-store.started
	// Mid-flight: the placeholder renders immediately.
	snap := view.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("forest has %d nodes mid-flight, want 1", len(snap))
	}
	if snap[0].Content != "Hello" {
		t.Errorf("placeholder content %q", snap[0].Content)
	}
	if snap[0].ID[:4] != "tmp-" {
		t.Errorf("placeholder id %q lacks correlation prefix", snap[0].ID)
	}
	if view.PendingCount() != 1 {
		t.Errorf("PendingCount = %d mid-flight, want 1", view.PendingCount())
	}

	close(store.gate)
	res := <-done
	if res.err != nil {
		t.Fatalf("submit failed: %v", res.err)
	}
	if res.sub.State != StateConfirmed || res.sub.ConfirmedID != "c-100" {
		t.Fatalf("submission = %+v, want confirmed as c-100", res.sub)
	}

	snap = view.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("forest has %d nodes after confirm, want 1", len(snap))
	}
	if snap[0].ID != "c-100" || snap[0].Content != "Hello" {
		t.Errorf("confirmed node = %s %q, want c-100 \"Hello\"", snap[0].ID, snap[0].Content)
	}
	if view.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after confirm, want 0", view.PendingCount())
	}
	if cache.invalidations != 1 {
		t.Errorf("cache invalidated %d times, want 1", cache.invalidations)
	}
	events := pub.all()
	if len(events) != 1 || events[0].Kind != realtime.KindInsert || events[0].CommentID != "c-100" {
		t.Errorf("published events = %+v", events)
	}
}

func TestSubmitRollbackOnFailure(t *testing.T) {
	store := newFakeStore()
	store.createErr = errors.New("network down")
	view, cache, pub := newTestView(store)

	sub, err := view.SubmitTopLevelComment(context.Background(), "doomed")
	if err == nil {
		t.Fatal("expected submission error")
	}
	if sub.State != StateRolledBack {
		t.Errorf("state = %s, want rolled_back", sub.State)
	}
	// The draft survives for the compose box.
	if sub.Draft != "doomed" {
		t.Errorf("draft = %q, want original content", sub.Draft)
	}
	if sub.Err == nil {
		t.Error("submission error not recorded")
	}
	if count := comment.Count(view.Snapshot()); count != 0 {
		t.Errorf("forest has %d nodes after rollback, want 0", count)
	}
	if cache.invalidations != 0 {
		t.Error("rollback must not invalidate the cache")
	}
	if len(pub.all()) != 0 {
		t.Error("rollback must not publish events")
	}
}

func TestSubmitValidation(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)

	if _, err := view.SubmitTopLevelComment(context.Background(), ""); !errors.Is(err, comment.ErrEmptyContent) {
		t.Errorf("empty content: err = %v", err)
	}
	if _, err := view.SubmitReply(context.Background(), "c-404", "hi"); !errors.Is(err, ErrParentNotVisible) {
		t.Errorf("missing parent: err = %v", err)
	}
	if count := comment.Count(view.Snapshot()); count != 0 {
		t.Errorf("rejected submissions mutated the forest: %d nodes", count)
	}
}

func TestSubmitReplyDepthLimitRejectedBeforeMutation(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)
	ctx := context.Background()

	sub, err := view.SubmitTopLevelComment(ctx, "level 0")
	if err != nil {
		t.Fatal(err)
	}
	parent := sub.ConfirmedID
	for i := 1; i <= comment.MaxDepth; i++ {
		sub, err = view.SubmitReply(ctx, parent, fmt.Sprintf("level %d", i))
		if err != nil {
			t.Fatalf("reply at depth %d failed: %v", i, err)
		}
		parent = sub.ConfirmedID
	}

	before := comment.Count(view.Snapshot())
	if _, err := view.SubmitReply(ctx, parent, "too deep"); !errors.Is(err, ErrDepthLimit) {
		t.Errorf("err = %v, want depth limit", err)
	}
	if comment.Count(view.Snapshot()) != before {
		t.Error("rejected reply mutated the forest")
	}
}

// Scenario B: a realtime delete for the parent lands while a reply to it is
// still optimistic. The cascade removes both; the late confirmation finds
// nothing to replace and stays a logged no-op.
func TestRealtimeDeleteCascadesOverPendingReply(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)
	ctx := context.Background()

	sub, err := view.SubmitTopLevelComment(ctx, "parent")
	if err != nil {
		t.Fatal(err)
	}
	parentID := sub.ConfirmedID // c-100

	store.started = make(chan string, 1)
	store.gate = make(chan struct{})
	done := make(chan Submission, 1)
	go func() {
		sub, _ := view.SubmitReply(ctx, parentID, "reply in flight")
		done <- sub
	}()
	<-store.started

	if !view.DeleteFromEvent(parentID) {
		t.Fatal("delete event not applied")
	}
	if count := comment.Count(view.Snapshot()); count != 0 {
		t.Fatalf("forest has %d nodes after cascade, want 0", count)
	}

	close(store.gate)
	<-done
	// The confirmation had nowhere to land; branch stays gone.
	if count := comment.Count(view.Snapshot()); count != 0 {
		t.Errorf("late confirmation resurrected the branch: %d nodes", count)
	}
}

// Scenario C at view level: an insert whose parent is not yet visible is
// dropped; once the parent arrives, a redelivery succeeds.
func TestInsertFromEventParentNotVisible(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)

	parentID := "c-parent"
	orphan := &comment.Comment{ID: "c-child", PostID: "post-1", ParentID: &parentID, Content: "early"}
	if view.InsertFromEvent(&parentID, orphan) {
		t.Fatal("insert with invisible parent reported as applied")
	}
	if comment.Count(view.Snapshot()) != 0 {
		t.Fatal("orphan insert mutated the forest")
	}

	parent := &comment.Comment{ID: "c-parent", PostID: "post-1", Content: "late parent"}
	if !view.InsertFromEvent(nil, parent) {
		t.Fatal("parent insert not applied")
	}
	if !view.InsertFromEvent(&parentID, orphan) {
		t.Fatal("redelivered child insert not applied")
	}
	child, depth := comment.Find(view.Snapshot(), "c-child")
	if child == nil || depth != 1 {
		t.Errorf("child = %v at depth %d", child, depth)
	}
}

// Scenario D: two sessions reply to the same comment; each session sees its
// own confirmation plus both realtime echoes. Dedup by confirmed id leaves
// exactly two children.
func TestConcurrentRepliesWithEchoesDedup(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)
	ctx := context.Background()

	sub, err := view.SubmitTopLevelComment(ctx, "root")
	if err != nil {
		t.Fatal(err)
	}
	rootID := sub.ConfirmedID

	// Local optimistic reply "A", confirmed as c-101.
	subA, err := view.SubmitReply(ctx, rootID, "A")
	if err != nil {
		t.Fatal(err)
	}
	// Other session's reply "B" arrives via realtime.
	other := &comment.Comment{ID: "c-900", PostID: "post-1", ParentID: &rootID, AuthorID: "user-2", AuthorName: "Marcus", Content: "B"}
	if !view.InsertFromEvent(&rootID, other) {
		t.Fatal("remote reply not applied")
	}

	// Echoes: our own confirmed insert and a duplicate delivery of theirs.
	echoA, _ := store.GetComment(ctx, subA.ConfirmedID)
	if view.InsertFromEvent(&rootID, echoA) {
		t.Error("own echo not deduplicated")
	}
	if view.InsertFromEvent(&rootID, other) {
		t.Error("duplicate remote delivery not deduplicated")
	}

	root, _ := comment.Find(view.Snapshot(), rootID)
	if len(root.Children) != 2 || root.ReplyCount != 2 {
		t.Fatalf("root has %d children (replyCount %d), want 2", len(root.Children), root.ReplyCount)
	}
	contents := map[string]bool{root.Children[0].Content: true, root.Children[1].Content: true}
	if !contents["A"] || !contents["B"] {
		t.Errorf("children contents = %v, want A and B", contents)
	}
	if err := comment.Validate(view.Snapshot()); err != nil {
		t.Errorf("forest invalid: %v", err)
	}
}

func TestDeleteComment(t *testing.T) {
	store := newFakeStore()
	view, cache, pub := newTestView(store)
	ctx := context.Background()

	sub, err := view.SubmitTopLevelComment(ctx, "to delete")
	if err != nil {
		t.Fatal(err)
	}
	cache.invalidations = 0

	if err := view.DeleteComment(ctx, sub.ConfirmedID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if comment.Count(view.Snapshot()) != 0 {
		t.Error("comment survived local delete")
	}
	if len(store.deleted) != 1 || store.deleted[0] != sub.ConfirmedID {
		t.Errorf("store deletes = %v", store.deleted)
	}
	if cache.invalidations != 1 {
		t.Errorf("cache invalidated %d times, want 1", cache.invalidations)
	}
	events := pub.all()
	last := events[len(events)-1]
	if last.Kind != realtime.KindDelete || last.CommentID != sub.ConfirmedID {
		t.Errorf("last event = %+v, want delete of %s", last, sub.ConfirmedID)
	}
}

func TestDeleteCommentStoreFailure(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)
	ctx := context.Background()

	sub, err := view.SubmitTopLevelComment(ctx, "stays")
	if err != nil {
		t.Fatal(err)
	}
	store.deleteErr = errors.New("forbidden")
	if err := view.DeleteComment(ctx, sub.ConfirmedID); err == nil {
		t.Fatal("expected delete error")
	}
	// Local tree untouched when the store refuses.
	if comment.Count(view.Snapshot()) != 1 {
		t.Error("failed delete mutated the forest")
	}
}

func TestTombstoneBlocksLateInsert(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)

	// Delete observed before the corresponding insert: removes nothing.
	if view.DeleteFromEvent("c-7") {
		t.Error("delete of never-seen comment reported as applied")
	}
	// The late insert must not resurrect it.
	late := &comment.Comment{ID: "c-7", PostID: "post-1", Content: "zombie"}
	if view.InsertFromEvent(nil, late) {
		t.Error("tombstoned insert reported as applied")
	}
	if comment.Count(view.Snapshot()) != 0 {
		t.Error("tombstoned comment present in forest")
	}
}

func TestLoadThroughCache(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.fetched = comment.Forest{{ID: "c-1", PostID: "post-1", AuthorID: "u", AuthorName: "A", Content: "seed", CreatedAt: now, UpdatedAt: now}}
	view, cache, _ := newTestView(store)
	ctx := context.Background()

	if err := view.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if store.fetchCalls != 1 {
		t.Fatalf("fetchCalls = %d, want 1", store.fetchCalls)
	}
	if comment.Count(view.Snapshot()) != 1 {
		t.Error("loaded forest empty")
	}

	// Second view mounts within the TTL window: served from cache.
	view2 := NewView("post-1", Author{ID: "user-2", Name: "Marcus"}, store, cache, nil, nil, 25)
	if err := view2.Load(ctx); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if store.fetchCalls != 1 {
		t.Errorf("fetchCalls = %d after cached load, want 1", store.fetchCalls)
	}
}

func TestWatchDeliversSnapshots(t *testing.T) {
	store := newFakeStore()
	view, _, _ := newTestView(store)

	ch, cancel := view.Watch()
	defer cancel()
	// Initial snapshot arrives on registration.
	select {
	case snap := <-ch:
		if len(snap) != 0 {
			t.Errorf("initial snapshot has %d nodes", len(snap))
		}
	case <-time.After(time.Second):
		t.Fatal("no initial snapshot")
	}

	if _, err := view.SubmitTopLevelComment(context.Background(), "ping"); err != nil {
		t.Fatal(err)
	}
	select {
	case snap := <-ch:
		if comment.Count(snap) != 1 {
			t.Errorf("snapshot has %d nodes, want 1", comment.Count(snap))
		}
	case <-time.After(time.Second):
		t.Fatal("no snapshot after mutation")
	}
}

func TestCloseDiscardsLateResults(t *testing.T) {
	store := newFakeStore()
	store.started = make(chan string, 1)
	store.gate = make(chan struct{})
	view, _, pub := newTestView(store)

	done := make(chan Submission, 1)
	go func() {
		sub, _ := view.SubmitTopLevelComment(context.Background(), "late")
		done <- sub
	}()
	<-store.started
	view.Close()
	close(store.gate)

	sub := <-done
	// The request finished, but the owning state is disposed: no transition.
	if sub.State != StatePending {
		t.Errorf("state = %s after close, want pending", sub.State)
	}
	if len(pub.all()) != 0 {
		t.Error("closed view published events")
	}
	if _, err := view.SubmitTopLevelComment(context.Background(), "nope"); !errors.Is(err, ErrViewClosed) {
		t.Errorf("submit after close: err = %v", err)
	}
}
