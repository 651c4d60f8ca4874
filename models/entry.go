package models

import (
	"strings"

	"github.com/google/uuid"
)

const tempIDPrefix = "temp-"

// EntryKey identifies a message in a local conversation view. It is either
// PendingKey, for an optimistic message the backend has not confirmed, or
// ConfirmedKey, for a message carrying its server identifier.
type EntryKey interface {
	entryKey()
	String() string
}

type PendingKey struct {
	TempID string
}

type ConfirmedKey struct {
	ID string
}

func (PendingKey) entryKey()   {}
func (ConfirmedKey) entryKey() {}

func (k PendingKey) String() string   { return k.TempID }
func (k ConfirmedKey) String() string { return k.ID }

// NewPendingKey returns a key with a locally unique temporary identifier.
func NewPendingKey() PendingKey {
	return PendingKey{TempID: tempIDPrefix + uuid.NewString()}
}

// IsTempID reports whether id was produced by NewPendingKey.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, tempIDPrefix)
}

// Entry is one row of a conversation view.
type Entry struct {
	Key     EntryKey `json:"-"`
	Message Message  `json:"message"`
}

// Pending reports whether the entry is still awaiting confirmation.
func (e Entry) Pending() bool {
	_, ok := e.Key.(PendingKey)
	return ok
}
