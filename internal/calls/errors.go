package calls

import "errors"

var (
	// ErrPeerOffline means the callee has no live connection.
	ErrPeerOffline = errors.New("calls: peer offline")
	// ErrCallNotFound means no live session exists in the state the operation
	// requires.
	ErrCallNotFound = errors.New("calls: call not found")
	// ErrStoreUnavailable means the durable store failed or timed out. The
	// in-memory state has been rolled back.
	ErrStoreUnavailable = errors.New("calls: store unavailable")
	// ErrAlreadyInCall means the caller or callee connection is already part of
	// a live or pending call.
	ErrAlreadyInCall = errors.New("calls: already in call")
)
