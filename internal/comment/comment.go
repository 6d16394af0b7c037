// Package comment holds the reply-tree model for a post and the pure
// mutation functions that produce new forest values from old ones.
package comment

import (
	"errors"
	"fmt"
	"time"
)

const (
	// MaxDepth is the deepest nesting level a reply may occupy. Top-level
	// comments sit at depth 0; a node at MaxDepth cannot accept children.
	MaxDepth = 3

	// MaxContentLength bounds the body of a single comment.
	MaxContentLength = 1000
)

var (
	ErrEmptyContent   = errors.New("comment content is empty")
	ErrContentTooLong = fmt.Errorf("comment content exceeds %d characters", MaxContentLength)
)

// Comment is one node of a post's reply tree. Children are embedded, so
// deleting a node deletes its whole subtree. ReplyCount tracks direct
// children only.
type Comment struct {
	ID         string     `json:"id"`
	PostID     string     `json:"postId"`
	ParentID   *string    `json:"parentId,omitempty"`
	AuthorID   string     `json:"authorId"`
	AuthorName string     `json:"authorName"`
	Content    string     `json:"content"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	ReplyCount int        `json:"replyCount"`
	Children   []*Comment `json:"children,omitempty"`
}

// Forest is the ordered set of top-level comments for one post.
type Forest []*Comment

// ValidateContent enforces the body bounds shared by the optimistic path and
// the store.
func ValidateContent(content string) error {
	if content == "" {
		return ErrEmptyContent
	}
	if len([]rune(content)) > MaxContentLength {
		return ErrContentTooLong
	}
	return nil
}

// Find returns the node with the given id and its depth (0 for top-level),
// or (nil, -1) when the id is not present.
func Find(f Forest, id string) (*Comment, int) {
	return findAt(f, id, 0)
}

func findAt(nodes []*Comment, id string, depth int) (*Comment, int) {
	for _, n := range nodes {
		if n.ID == id {
			return n, depth
		}
		if found, d := findAt(n.Children, id, depth+1); found != nil {
			return found, d
		}
	}
	return nil, -1
}

// Contains reports whether any node in the forest carries the given id.
func Contains(f Forest, id string) bool {
	n, _ := Find(f, id)
	return n != nil
}

// Count returns the total number of nodes in the forest.
func Count(f Forest) int {
	total := 0
	for _, n := range f {
		total += 1 + Count(n.Children)
	}
	return total
}

// Clone deep-copies the forest. Snapshots handed to other goroutines or
// serialized into the cache must not share node pointers with the live tree.
func Clone(f Forest) Forest {
	if f == nil {
		return nil
	}
	out := make(Forest, len(f))
	for i, n := range f {
		out[i] = cloneNode(n)
	}
	return out
}

func cloneNode(n *Comment) *Comment {
	c := *n
	if n.ParentID != nil {
		parent := *n.ParentID
		c.ParentID = &parent
	}
	c.Children = Clone(n.Children)
	return &c
}

// Validate checks the structural invariants: unique ids, uniform postId,
// consistent parent linkage, reply counts matching child counts, and the
// depth bound. It returns the first violation found. Forests loaded from an
// untrusted snapshot should be validated before use.
func Validate(f Forest) error {
	seen := make(map[string]struct{})
	postID := ""
	for _, n := range f {
		if n.ParentID != nil {
			return fmt.Errorf("top-level comment %s has parentId %s", n.ID, *n.ParentID)
		}
		if err := validateNode(n, seen, &postID, 0); err != nil {
			return err
		}
	}
	return nil
}

func validateNode(n *Comment, seen map[string]struct{}, postID *string, depth int) error {
	if depth > MaxDepth {
		return fmt.Errorf("comment %s exceeds depth limit %d", n.ID, MaxDepth)
	}
	if _, dup := seen[n.ID]; dup {
		return fmt.Errorf("duplicate comment id %s", n.ID)
	}
	seen[n.ID] = struct{}{}
	if *postID == "" {
		*postID = n.PostID
	} else if n.PostID != *postID {
		return fmt.Errorf("comment %s belongs to post %s, forest belongs to %s", n.ID, n.PostID, *postID)
	}
	if n.ReplyCount != len(n.Children) {
		return fmt.Errorf("comment %s replyCount %d != %d children", n.ID, n.ReplyCount, len(n.Children))
	}
	for _, child := range n.Children {
		if child.ParentID == nil || *child.ParentID != n.ID {
			return fmt.Errorf("comment %s has inconsistent parent linkage under %s", child.ID, n.ID)
		}
		if err := validateNode(child, seen, postID, depth+1); err != nil {
			return err
		}
	}
	return nil
}
