package comment

// The mutation functions below are pure: the input forest is never modified,
// and the returned forest shares untouched subtrees with the input. Every
// node on the path from the root to the mutated node is reconstructed, so a
// consumer comparing node identity sees the change at every ancestor, not
// only at the mutated node. Even a logical no-op returns a new top-level
// slice; the boolean reports whether the mutation actually applied.

// InsertReply appends node to the children of the comment with id parentID,
// incrementing that parent's ReplyCount. A nil parentID appends node at the
// top level. The insert is refused (applied == false) when the parent is not
// present, when the parent already sits at MaxDepth, or when a node with the
// same id already exists anywhere in the forest; the last case makes
// duplicate event delivery a no-op.
func InsertReply(f Forest, parentID *string, node *Comment) (Forest, bool) {
	if Contains(f, node.ID) {
		return reslice(f), false
	}
	if parentID == nil {
		node.ParentID = nil
		out := make(Forest, len(f), len(f)+1)
		copy(out, f)
		return append(out, node), true
	}
	node.ParentID = parentID
	return insertAt(f, *parentID, node, 0)
}

func insertAt(nodes []*Comment, parentID string, node *Comment, depth int) ([]*Comment, bool) {
	out := make([]*Comment, len(nodes))
	copy(out, nodes)
	for i, n := range nodes {
		if n.ID == parentID {
			if depth >= MaxDepth {
				return out, false
			}
			parent := *n
			parent.Children = make([]*Comment, len(n.Children), len(n.Children)+1)
			copy(parent.Children, n.Children)
			parent.Children = append(parent.Children, node)
			parent.ReplyCount = len(parent.Children)
			out[i] = &parent
			return out, true
		}
		if children, ok := insertAt(n.Children, parentID, node, depth+1); ok {
			updated := *n
			updated.Children = children
			out[i] = &updated
			return out, true
		}
	}
	return out, false
}

// ReplaceByCorrelation swaps the node with id tempID for confirmed, keeping
// its position among siblings. Children accumulated under the placeholder
// are carried over onto the confirmed node (a reply can land on a parent
// that is still optimistic) and the confirmed node's ReplyCount is adjusted
// to match. When tempID is not present (already confirmed, already removed,
// or a stale duplicate) the forest is returned unchanged but reconstructed.
func ReplaceByCorrelation(f Forest, tempID string, confirmed *Comment) (Forest, bool) {
	return replaceAt(f, tempID, confirmed)
}

func replaceAt(nodes []*Comment, tempID string, confirmed *Comment) ([]*Comment, bool) {
	out := make([]*Comment, len(nodes))
	copy(out, nodes)
	for i, n := range nodes {
		if n.ID == tempID {
			swapped := *confirmed
			// Position defines linkage; the slot's parent pointer wins over
			// whatever the confirmed payload carries.
			swapped.ParentID = n.ParentID
			swapped.Children = relink(n.Children, swapped.ID)
			swapped.ReplyCount = len(swapped.Children)
			out[i] = &swapped
			return out, true
		}
		if children, ok := replaceAt(n.Children, tempID, confirmed); ok {
			updated := *n
			updated.Children = children
			out[i] = &updated
			return out, true
		}
	}
	return out, false
}

// relink repoints carried-over children at the confirmed parent id without
// touching the original nodes.
func relink(children []*Comment, parentID string) []*Comment {
	if len(children) == 0 {
		return nil
	}
	out := make([]*Comment, len(children))
	for i, child := range children {
		updated := *child
		id := parentID
		updated.ParentID = &id
		out[i] = &updated
	}
	return out
}

// RemoveSubtree deletes the node with id targetID together with all of its
// descendants, decrementing the parent's ReplyCount (or shrinking the top
// level when the node had no parent). A missing target is a no-op.
func RemoveSubtree(f Forest, targetID string) (Forest, bool) {
	return removeAt(f, targetID)
}

func removeAt(nodes []*Comment, targetID string) ([]*Comment, bool) {
	for i, n := range nodes {
		if n.ID == targetID {
			out := make([]*Comment, 0, len(nodes)-1)
			out = append(out, nodes[:i]...)
			out = append(out, nodes[i+1:]...)
			return out, true
		}
	}
	out := make([]*Comment, len(nodes))
	copy(out, nodes)
	for i, n := range nodes {
		if children, ok := removeAt(n.Children, targetID); ok {
			updated := *n
			updated.Children = children
			updated.ReplyCount = len(children)
			out[i] = &updated
			return out, true
		}
	}
	return out, false
}

func reslice(f Forest) Forest {
	out := make(Forest, len(f))
	copy(out, f)
	return out
}
