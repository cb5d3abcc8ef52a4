// Package store holds the persistence contracts the relay consumes: the user
// directory (online status and last known connection per user) and the call
// record store (durable call history).
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/carenet/call-relay/internal/protocol"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrStatusConflict is returned by TransitionCall when the record exists but
	// is no longer in one of the expected prior states.
	ErrStatusConflict = errors.New("store: call status conflict")
)

type User struct {
	ID               string
	Username         string
	Name             string
	Email            string
	Role             protocol.Role
	Specialization   string
	IsOnline         bool
	LastConnectionID string
	LastSeenAt       time.Time
}

func (u User) DisplayName() string {
	return displayName(u.Username, u.Name, u.Email)
}

func displayName(candidates ...string) string {
	for _, v := range candidates {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

type UserDirectory interface {
	FindByID(ctx context.Context, id string) (User, error)
	// MarkOnline records the user as online via connectionID.
	MarkOnline(ctx context.Context, id, connectionID string, at time.Time) error
	// MarkOffline clears the online flag only while connectionID is still the
	// user's last known connection.
	MarkOffline(ctx context.Context, id, connectionID string, at time.Time) error
}

type CallRecord struct {
	ID              string
	CallerID        string
	CalleeID        string
	Status          protocol.CallStatus
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds *int
	EndReason       string

	// Populated by CallHistory only.
	CallerName string
	CalleeName string
}

// Transition moves a call record to To when its current status is one of From.
type Transition struct {
	CallID          string
	From            []protocol.CallStatus
	To              protocol.CallStatus
	EndedAt         *time.Time
	DurationSeconds *int
	Reason          string
}

type HistoryQuery struct {
	// UserID restricts results to calls where the user is caller or callee.
	// Empty means all calls.
	UserID string
	Limit  int
}

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

func (q HistoryQuery) EffectiveLimit() int {
	switch {
	case q.Limit <= 0:
		return DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	default:
		return q.Limit
	}
}

type CallStore interface {
	// CreateCall persists rec and returns the generated call id.
	CreateCall(ctx context.Context, rec CallRecord) (string, error)
	TransitionCall(ctx context.Context, t Transition) error
	CallHistory(ctx context.Context, q HistoryQuery) ([]CallRecord, error)
}

// Store is implemented by every backend.
type Store interface {
	UserDirectory
	CallStore
	Ping(ctx context.Context) error
	Close() error
}

func statusIn(s protocol.CallStatus, set []protocol.CallStatus) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
