package services

import (
	"errors"
	"fmt"
)

var (
	ErrEmptyMessage = errors.New("message content is empty")
	ErrFileTooLarge = errors.New("file is too large")
	ErrFileType     = errors.New("file type is not accepted")
	ErrNoRecipient  = errors.New("recipient email is required")
	ErrSelfChat     = errors.New("cannot start a conversation with yourself")
	ErrEmptyName    = errors.New("group name is required")
	ErrEmptyProfile = errors.New("nothing to update")
	ErrSuperseded   = errors.New("superseded by a newer presence update")
	ErrViewClosed   = errors.New("conversation view is closed")
)

// ValidationError is raised locally, before any network call.
type ValidationError struct {
	Op  string
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// NotFoundError reports a lookup that came back empty, e.g. an unknown email.
type NotFoundError struct {
	Op  string
	Key string
	Err error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s not found", e.Op, e.Key)
}
func (e *NotFoundError) Unwrap() error { return e.Err }

type FetchError struct {
	Op  string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("%s: fetch failed: %v", e.Op, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// SendError means a write was rejected or never reached the backend. Any
// optimistic state has already been rolled back when it is returned.
type SendError struct {
	Op  string
	Err error
}

func (e *SendError) Error() string { return fmt.Sprintf("%s: send failed: %v", e.Op, e.Err) }
func (e *SendError) Unwrap() error { return e.Err }

type UploadError struct {
	Op  string
	Err error
}

func (e *UploadError) Error() string { return fmt.Sprintf("%s: upload failed: %v", e.Op, e.Err) }
func (e *UploadError) Unwrap() error { return e.Err }
