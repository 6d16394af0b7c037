package app

import (
	"errors"
	"fmt"
	"net/http"

	"resonate/api/internal/comment"
	"resonate/api/internal/store"
	"resonate/api/internal/thread"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Comment not found", nil
	case errors.Is(err, store.ErrParentNotFound), errors.Is(err, thread.ErrParentNotVisible):
		return http.StatusUnprocessableEntity, "PARENT_NOT_FOUND", "Parent comment not found", nil
	case errors.Is(err, thread.ErrViewClosed):
		return http.StatusGone, "VIEW_CLOSED", "Thread view is closed", nil
	case errors.Is(err, store.ErrDepthLimit), errors.Is(err, thread.ErrDepthLimit):
		return http.StatusUnprocessableEntity, "DEPTH_LIMIT", fmt.Sprintf("Replies are limited to %d levels of nesting", comment.MaxDepth), nil
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Only the author may delete a comment", nil
	case errors.Is(err, comment.ErrEmptyContent), errors.Is(err, comment.ErrContentTooLong):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
