package signaling

import (
	"errors"

	"github.com/carenet/call-relay/internal/calls"
	"github.com/carenet/call-relay/internal/presence"
)

// call-error codes.
const (
	CodePeerOffline      = "peer_offline"
	CodeCallNotFound     = "call_not_found"
	CodeStoreUnavailable = "store_unavailable"
	CodeAlreadyInCall    = "already_in_call"
	CodeNotJoined        = "not_joined"
	CodeBadMessage       = "bad_message"
	CodeForbidden        = "forbidden"
	CodeInternalError    = "internal_error"
	CodeRateLimited      = "rate_limited"
)

type wsProtocolError struct {
	Code    string
	Message string
	CallID  string
}

func (e *wsProtocolError) Error() string { return e.Code + ": " + e.Message }

func protocolError(code, message string) *wsProtocolError {
	return &wsProtocolError{Code: code, Message: message}
}

// protocolErrorFor maps a domain error onto the code reported to the client.
func protocolErrorFor(err error) *wsProtocolError {
	var protoErr *wsProtocolError
	switch {
	case errors.As(err, &protoErr):
		return protoErr
	case errors.Is(err, calls.ErrPeerOffline):
		return protocolError(CodePeerOffline, "peer is offline")
	case errors.Is(err, calls.ErrCallNotFound):
		return protocolError(CodeCallNotFound, "call not found")
	case errors.Is(err, calls.ErrStoreUnavailable):
		return protocolError(CodeStoreUnavailable, "call store unavailable, try again")
	case errors.Is(err, calls.ErrAlreadyInCall):
		return protocolError(CodeAlreadyInCall, "already in a call")
	case errors.Is(err, presence.ErrAlreadyJoined):
		return protocolError(CodeBadMessage, "connection already joined")
	default:
		return protocolError(CodeInternalError, "internal error")
	}
}
