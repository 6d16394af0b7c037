package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"resonate/api/internal/comment"
	"resonate/api/internal/util"
)

var (
	ErrNotFound       = errors.New("comment not found")
	ErrParentNotFound = errors.New("parent comment not found")
	ErrDepthLimit     = errors.New("reply depth limit reached")
	ErrForbidden      = errors.New("requester is not the comment author")
)

// PostgresStore is the storage collaborator for comment threads. Depth is
// stored per row so the depth bound can be enforced authoritatively at
// insert time without walking the tree.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const commentColumns = `id, post_id, parent_id, author_id, author_name, content, created_at, updated_at`

func scanComment(row interface{ Scan(...any) error }) (*comment.Comment, error) {
	var c comment.Comment
	var parentID sql.NullString
	if err := row.Scan(&c.ID, &c.PostID, &parentID, &c.AuthorID, &c.AuthorName, &c.Content, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if parentID.Valid {
		c.ParentID = &parentID.String
	}
	return &c, nil
}

// FetchComments returns one page of top-level comments for a post with their
// replies inlined down to the depth limit.
func (s *PostgresStore) FetchComments(ctx context.Context, postID string, page, pageSize int) (comment.Forest, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 25
	}

	rootsQuery := fmt.Sprintf(`
		SELECT %s FROM comments
		WHERE post_id = $1 AND parent_id IS NULL
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3
	`, commentColumns)
	roots, err := s.queryComments(ctx, rootsQuery, postID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch top-level comments: %w", err)
	}
	if len(roots) == 0 {
		return comment.Forest{}, nil
	}

	repliesQuery := fmt.Sprintf(`
		SELECT %s FROM comments
		WHERE post_id = $1 AND parent_id IS NOT NULL
		ORDER BY created_at, id
	`, commentColumns)
	replies, err := s.queryComments(ctx, repliesQuery, postID)
	if err != nil {
		return nil, fmt.Errorf("fetch replies: %w", err)
	}

	return assembleForest(roots, replies), nil
}

func (s *PostgresStore) queryComments(ctx context.Context, query string, args ...any) ([]*comment.Comment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*comment.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// assembleForest attaches flat reply rows (already in chronological order)
// under their parents. Replies whose root falls outside the requested page
// have no parent in the index and are skipped.
func assembleForest(roots, replies []*comment.Comment) comment.Forest {
	index := make(map[string]*comment.Comment, len(roots)+len(replies))
	forest := make(comment.Forest, 0, len(roots))
	for _, root := range roots {
		index[root.ID] = root
		forest = append(forest, root)
	}
	for _, reply := range replies {
		index[reply.ID] = reply
	}
	for _, reply := range replies {
		if reply.ParentID == nil {
			continue
		}
		parent, ok := index[*reply.ParentID]
		if !ok {
			continue
		}
		parent.Children = append(parent.Children, reply)
		parent.ReplyCount = len(parent.Children)
	}
	// Replies attached to parents that themselves never got attached to the
	// page are pruned by construction: the forest only reaches nodes through
	// the returned roots.
	return forest
}

// CreateComment validates, inserts, and returns the confirmed comment. A nil
// parentID creates a top-level comment.
func (s *PostgresStore) CreateComment(ctx context.Context, postID string, parentID *string, authorID, authorName, content string) (*comment.Comment, error) {
	if err := comment.ValidateContent(content); err != nil {
		return nil, err
	}

	depth := 0
	if parentID != nil {
		var parentPost string
		var parentDepth int
		err := s.db.QueryRowContext(ctx, `SELECT post_id, depth FROM comments WHERE id = $1`, *parentID).Scan(&parentPost, &parentDepth)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrParentNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("lookup parent: %w", err)
		}
		if parentPost != postID {
			return nil, ErrParentNotFound
		}
		if parentDepth >= comment.MaxDepth {
			return nil, ErrDepthLimit
		}
		depth = parentDepth + 1
	}

	now := time.Now().UTC()
	c := &comment.Comment{
		ID:         util.NewID("cmt"),
		PostID:     postID,
		ParentID:   parentID,
		AuthorID:   authorID,
		AuthorName: authorName,
		Content:    content,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	var parent sql.NullString
	if parentID != nil {
		parent = sql.NullString{String: *parentID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO comments (id, post_id, parent_id, author_id, author_name, content, depth, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.PostID, parent, c.AuthorID, c.AuthorName, c.Content, depth, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert comment: %w", err)
	}
	return c, nil
}

// GetComment fetches a single comment with its author metadata. Used by the
// realtime adapter to resolve insert events into full entities.
func (s *PostgresStore) GetComment(ctx context.Context, commentID string) (*comment.Comment, error) {
	query := fmt.Sprintf(`SELECT %s FROM comments WHERE id = $1`, commentColumns)
	c, err := scanComment(s.db.QueryRowContext(ctx, query, commentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get comment: %w", err)
	}
	return c, nil
}

// DeleteComment removes a comment and, via the FK cascade, its whole
// subtree. Only the author may delete.
func (s *PostgresStore) DeleteComment(ctx context.Context, commentID, requesterID string) error {
	var authorID string
	err := s.db.QueryRowContext(ctx, `SELECT author_id FROM comments WHERE id = $1`, commentID).Scan(&authorID)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("lookup comment author: %w", err)
	}
	if authorID != requesterID {
		return ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM comments WHERE id = $1`, commentID); err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return nil
}
