package calls

import (
	"time"

	"github.com/carenet/call-relay/internal/protocol"
)

// Session is the in-memory state of a live call. Values handed out by the
// Manager are copies.
type Session struct {
	CallID             string
	CallerID           string
	CalleeID           string
	CallerConnectionID string
	CalleeConnectionID string
	CallerName         string
	CalleeName         string
	Status             protocol.CallStatus
	StartedAt          time.Time
	AcceptedAt         *time.Time
	EndedAt            *time.Time
}

// Involves reports whether connectionID is one of the two participants.
func (s Session) Involves(connectionID string) bool {
	return connectionID != "" && (s.CallerConnectionID == connectionID || s.CalleeConnectionID == connectionID)
}

// Participant reports whether userID is the caller or the callee.
func (s Session) Participant(userID string) bool {
	return userID != "" && (s.CallerID == userID || s.CalleeID == userID)
}

// Peer returns the connection on the other side of connectionID.
func (s Session) Peer(connectionID string) string {
	if s.CallerConnectionID == connectionID {
		return s.CalleeConnectionID
	}
	return s.CallerConnectionID
}

func (s Session) Summary() protocol.CallSummary {
	return protocol.CallSummary{
		CallID:             s.CallID,
		CallerID:           s.CallerID,
		CalleeID:           s.CalleeID,
		CallerName:         s.CallerName,
		CalleeName:         s.CalleeName,
		CallerConnectionID: s.CallerConnectionID,
		CalleeConnectionID: s.CalleeConnectionID,
		Status:             s.Status,
		StartedAt:          s.StartedAt,
	}
}

func (s Session) clone() Session {
	out := s
	if s.AcceptedAt != nil {
		at := *s.AcceptedAt
		out.AcceptedAt = &at
	}
	if s.EndedAt != nil {
		at := *s.EndedAt
		out.EndedAt = &at
	}
	return out
}
