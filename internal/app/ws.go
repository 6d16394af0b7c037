package app

import (
	"context"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"resonate/api/internal/comment"
	"resonate/api/internal/thread"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin policy is handled by the gateway in front of this service.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsRequest is a client action on an open stream. Reads are implicit: every
// applied mutation pushes a fresh snapshot.
type wsRequest struct {
	Action    string  `json:"action"` // "comment" | "delete"
	ParentID  *string `json:"parentId,omitempty"`
	Content   string  `json:"content,omitempty"`
	CommentID string  `json:"commentId,omitempty"`
}

type wsSnapshot struct {
	Type     string         `json:"type"` // "snapshot"
	PostID   string         `json:"postId"`
	Comments comment.Forest `json:"comments"`
}

type wsAck struct {
	Type          string `json:"type"` // "ack"
	Action        string `json:"action"`
	CorrelationID string `json:"correlationId,omitempty"`
	State         string `json:"state,omitempty"`
	ConfirmedID   string `json:"confirmedId,omitempty"`
}

type wsError struct {
	Type    string `json:"type"` // "error"
	Code    string `json:"code"`
	Message string `json:"error"`
}

// handleCommentStream runs one thread view per connection: the initial
// forest is loaded through the cache gate, realtime events from other
// sessions flow in through the bus, and client actions drive the optimistic
// submit flow. Every forest change is pushed as a full snapshot.
func (s *HTTPServer) handleCommentStream(w http.ResponseWriter, r *http.Request, postID string) {
	author := thread.Author{}
	if caller, ok := callerIdentity(r); ok {
		author = thread.Author{ID: caller.ID, Name: caller.Name}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("comment stream: upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// The view outlives the request context on purpose: in-flight
	// submissions may finish after the client disconnects, and Close
	// discards their results.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	view := thread.NewView(postID, author, s.service.store, s.service.cache, s.service.bus, s.service.bus, s.service.cfg.CommentPageSize)
	defer view.Close()

	if err := view.Load(ctx); err != nil {
		_, code, message, _ := mapError(err)
		_ = conn.WriteJSON(wsError{Type: "error", Code: code, Message: message})
		return
	}
	view.Start(ctx)

	// gorilla connections allow one concurrent writer; the snapshot pusher
	// and action acks share this mutex.
	var writeMu sync.Mutex
	send := func(v any) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	snapshots, stopWatch := view.Watch()
	defer stopWatch()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				if err := send(wsSnapshot{Type: "snapshot", PostID: postID, Comments: snap}); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		var req wsRequest
		if err := conn.ReadJSON(&req); err != nil {
			// Normal teardown path: client went away, unsubscribe.
			return
		}
		s.handleStreamAction(ctx, view, author, req, send)
	}
}

func (s *HTTPServer) handleStreamAction(ctx context.Context, view *thread.View, author thread.Author, req wsRequest, send func(any) error) {
	if author.ID == "" && req.Action != "" {
		_ = send(wsError{Type: "error", Code: "UNAUTHORIZED", Message: "Caller identity missing"})
		return
	}

	switch req.Action {
	case "comment":
		var sub thread.Submission
		var err error
		if req.ParentID == nil {
			sub, err = view.SubmitTopLevelComment(ctx, req.Content)
		} else {
			sub, err = view.SubmitReply(ctx, *req.ParentID, req.Content)
		}
		if err != nil {
			_, code, message, _ := mapError(err)
			_ = send(wsError{Type: "error", Code: code, Message: message})
			return
		}
		_ = send(wsAck{
			Type:          "ack",
			Action:        req.Action,
			CorrelationID: sub.CorrelationID,
			State:         string(sub.State),
			ConfirmedID:   sub.ConfirmedID,
		})
	case "delete":
		if err := view.DeleteComment(ctx, req.CommentID); err != nil {
			_, code, message, _ := mapError(err)
			_ = send(wsError{Type: "error", Code: code, Message: message})
			return
		}
		_ = send(wsAck{Type: "ack", Action: req.Action, ConfirmedID: req.CommentID})
	default:
		_ = send(wsError{Type: "error", Code: "UNKNOWN_ACTION", Message: "Unknown action"})
	}
}
