package core

import (
	"errors"
	"fmt"
)

// StoreErrorKind classifies presence-store failures. Only network errors are
// ever retried, and only inside the reconnection controller's bounded loop.
type StoreErrorKind int

const (
	StoreNetwork StoreErrorKind = iota
	StorePermission
	StoreNotFound
)

func (k StoreErrorKind) String() string {
	switch k {
	case StoreNetwork:
		return "network"
	case StorePermission:
		return "permission"
	case StoreNotFound:
		return "not_found"
	}
	return "unknown"
}

type StoreError struct {
	Kind StoreErrorKind
	Op   string
	Path string
	Err  error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s %q: %v", e.Kind, e.Op, e.Path, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// StoreKind extracts the kind from a wrapped StoreError, or -1.
func StoreKind(err error) StoreErrorKind {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Kind
	}
	return -1
}

var (
	ErrRoomJoinFailed     = errors.New("room join failed")
	ErrRoomFull           = errors.New("room full")
	ErrRoomNotFound       = errors.New("room not found")
	ErrMembershipConflict = errors.New("duplicate self-entry detected")
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")
	ErrAlreadyInRoom      = errors.New("already in another room")
)
