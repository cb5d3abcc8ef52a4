package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

type Role string

const (
	RoleEmployee Role = "employee"
	RoleDoctor   Role = "doctor"
	RoleAdmin    Role = "admin"
)

func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleEmployee:
		return RoleEmployee, nil
	case RoleDoctor:
		return RoleDoctor, nil
	case RoleAdmin:
		return RoleAdmin, nil
	default:
		return "", fmt.Errorf("invalid role %q (expected employee, doctor, admin)", raw)
	}
}

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallEnded     CallStatus = "ended"
)

// Terminal reports whether no further transition is allowed out of s.
func (s CallStatus) Terminal() bool {
	return s == CallRejected || s == CallEnded
}

// EndReasonDisconnect tags calls terminated because a participant's
// connection dropped.
const EndReasonDisconnect = "disconnect"

// Unknown is the display name used when a participant's name cannot be
// resolved.
const Unknown = "Unknown"

type UserJoined struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	Username string `json:"username,omitempty"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
}

// DisplayName picks username, then name, then email.
func (u UserJoined) DisplayName() string {
	for _, v := range []string{u.Username, u.Name, u.Email} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type InitiateCall struct {
	CallerID   string `json:"callerId"`
	CalleeID   string `json:"calleeId"`
	CallerName string `json:"callerName,omitempty"`
}

type CallRef struct {
	CallID string `json:"callId"`
}

// Signal is the inbound shape of offer, answer and ice-candidate messages.
// Only Target is interpreted; the SDP/candidate bodies are relayed verbatim.
type Signal struct {
	Target    string          `json:"target"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

// RelayedSignal is what the target connection receives.
type RelayedSignal struct {
	Sender    string          `json:"sender"`
	Offer     json.RawMessage `json:"offer,omitempty"`
	Answer    json.RawMessage `json:"answer,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

type Connected struct {
	ConnectionID string             `json:"connectionId"`
	ICEServers   []webrtc.ICEServer `json:"iceServers"`
}

type DoctorInfo struct {
	ID             string `json:"id"`
	Username       string `json:"username,omitempty"`
	Name           string `json:"name,omitempty"`
	Email          string `json:"email,omitempty"`
	Specialization string `json:"specialization,omitempty"`
	IsOnline       bool   `json:"isOnline"`
}

type UserStatus struct {
	UserID       string `json:"userId"`
	Role         Role   `json:"role"`
	Name         string `json:"name"`
	ConnectionID string `json:"connectionId"`
	IsOnline     bool   `json:"isOnline"`
}

type ActiveUser struct {
	UserID       string    `json:"userId"`
	Role         Role      `json:"role"`
	Name         string    `json:"name"`
	ConnectionID string    `json:"connectionId"`
	JoinedAt     time.Time `json:"joinedAt"`
}

type IncomingCall struct {
	CallID             string `json:"callId"`
	CallerID           string `json:"callerId"`
	CallerName         string `json:"callerName"`
	CallerConnectionID string `json:"callerConnectionId"`
}

type CallInitiatedPayload struct {
	CallID             string `json:"callId"`
	CalleeID           string `json:"calleeId"`
	CalleeName         string `json:"calleeName"`
	CalleeConnectionID string `json:"calleeConnectionId"`
}

type CallAcceptedPayload struct {
	CallID             string `json:"callId"`
	CalleeID           string `json:"calleeId"`
	CalleeName         string `json:"calleeName"`
	CalleeConnectionID string `json:"calleeConnectionId"`
}

type CallEndedPayload struct {
	CallID   string `json:"callId"`
	Duration *int   `json:"duration,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type CallError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CallID  string `json:"callId,omitempty"`
}

// CallSummary is the admin-facing view of a live call.
type CallSummary struct {
	CallID             string     `json:"callId"`
	CallerID           string     `json:"callerId"`
	CalleeID           string     `json:"calleeId"`
	CallerName         string     `json:"callerName"`
	CalleeName         string     `json:"calleeName"`
	CallerConnectionID string     `json:"callerConnectionId"`
	CalleeConnectionID string     `json:"calleeConnectionId"`
	Status             CallStatus `json:"status"`
	StartedAt          time.Time  `json:"startedAt"`
}

type CallStatusUpdate struct {
	CallID   string     `json:"callId"`
	Status   CallStatus `json:"status"`
	EndedAt  *time.Time `json:"endedAt,omitempty"`
	Duration *int       `json:"duration,omitempty"`
	Reason   string     `json:"reason,omitempty"`
}

type CallHistoryEntry struct {
	CallID     string     `json:"callId"`
	CallerID   string     `json:"callerId"`
	CalleeID   string     `json:"calleeId"`
	CallerName string     `json:"callerName"`
	CalleeName string     `json:"calleeName"`
	Status     CallStatus `json:"status"`
	StartedAt  time.Time  `json:"startedAt"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Duration   *int       `json:"duration,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}
