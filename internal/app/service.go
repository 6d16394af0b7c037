package app

import (
	"context"
	"log"

	"resonate/api/internal/comment"
	"resonate/api/internal/config"
	"resonate/api/internal/realtime"
)

type commentStore interface {
	FetchComments(ctx context.Context, postID string, page, pageSize int) (comment.Forest, error)
	CreateComment(ctx context.Context, postID string, parentID *string, authorID, authorName, content string) (*comment.Comment, error)
	DeleteComment(ctx context.Context, commentID, requesterID string) error
	GetComment(ctx context.Context, commentID string) (*comment.Comment, error)
	Ping(ctx context.Context) error
}

type forestCache interface {
	Get(ctx context.Context, postID string) (comment.Forest, bool, error)
	Put(ctx context.Context, postID string, forest comment.Forest) error
	Invalidate(ctx context.Context, postID string) error
	Ping(ctx context.Context) error
}

type eventBus interface {
	realtime.Publisher
	realtime.Subscriber
}

type Service struct {
	cfg   config.Config
	store commentStore
	cache forestCache
	bus   eventBus
}

func New(cfg config.Config, store commentStore, cache forestCache, bus eventBus) *Service {
	return &Service{cfg: cfg, store: store, cache: cache, bus: bus}
}

// ListComments serves a page of a post's comment forest. The first page at
// the default size goes through the cache gate; other pages always hit the
// store.
func (s *Service) ListComments(ctx context.Context, postID string, page, pageSize int) (comment.Forest, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = s.cfg.CommentPageSize
	}

	cacheable := page == 1 && pageSize == s.cfg.CommentPageSize
	if cacheable {
		forest, hit, err := s.cache.Get(ctx, postID)
		if err != nil {
			log.Printf("comment: cache get for post %s: %v", postID, err)
		} else if hit {
			return forest, nil
		}
	}

	forest, err := s.store.FetchComments(ctx, postID, page, pageSize)
	if err != nil {
		return nil, err
	}
	if cacheable {
		if err := s.cache.Put(ctx, postID, forest); err != nil {
			log.Printf("comment: cache put for post %s: %v", postID, err)
		}
	}
	return forest, nil
}

// CreateComment confirms a comment through the store, invalidates the cached
// forest, and echoes the insert to every subscribed session.
func (s *Service) CreateComment(ctx context.Context, postID string, parentID *string, authorID, authorName, content string) (*comment.Comment, error) {
	confirmed, err := s.store.CreateComment(ctx, postID, parentID, authorID, authorName, content)
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, realtime.Event{
		Kind:      realtime.KindInsert,
		CommentID: confirmed.ID,
		PostID:    postID,
		ParentID:  parentID,
	})
	return confirmed, nil
}

// DeleteComment removes a comment (author only; the store enforces it) and
// fans the delete out.
func (s *Service) DeleteComment(ctx context.Context, commentID, requesterID string) error {
	// The delete event needs the owning post, and after the cascade the row
	// is gone; resolve it first.
	target, err := s.store.GetComment(ctx, commentID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteComment(ctx, commentID, requesterID); err != nil {
		return err
	}
	s.afterMutation(ctx, realtime.Event{
		Kind:      realtime.KindDelete,
		CommentID: commentID,
		PostID:    target.PostID,
	})
	return nil
}

func (s *Service) afterMutation(ctx context.Context, ev realtime.Event) {
	if err := s.cache.Invalidate(ctx, ev.PostID); err != nil {
		log.Printf("comment: cache invalidate for post %s: %v", ev.PostID, err)
	}
	if err := s.bus.Publish(ctx, ev); err != nil {
		log.Printf("comment: publish %s event for %s: %v", ev.Kind, ev.CommentID, err)
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) PingCache(ctx context.Context) error {
	return s.cache.Ping(ctx)
}
