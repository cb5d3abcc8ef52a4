// Package calls owns the lifecycle of in-progress calls.
//
// Live sessions are held in memory and every transition is mirrored to the
// durable call store. Terminal operations claim a session under the manager
// lock before doing any I/O, so when reject, end and disconnect cleanup race
// on one call exactly one of them performs the transition and the others are
// no-ops.
package calls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/carenet/call-relay/internal/metrics"
	"github.com/carenet/call-relay/internal/presence"
	"github.com/carenet/call-relay/internal/protocol"
	"github.com/carenet/call-relay/internal/store"
)

const DefaultStoreTimeout = 3 * time.Second

// Notifier delivers an event to a single connection. Delivery to a connection
// that no longer exists is dropped silently.
type Notifier interface {
	Send(connectionID string, event protocol.Event, payload any) bool
}

// Broadcaster delivers an event to every admin connection.
type Broadcaster interface {
	Broadcast(event protocol.Event, payload any)
}

// Presence is the subset of the presence registry the manager routes with.
type Presence interface {
	Find(connectionID string) (presence.Entry, bool)
	ResolveConnection(ctx context.Context, userID string) (string, bool)
}

type Config struct {
	Presence  Presence
	Store     store.CallStore
	Directory store.UserDirectory
	Notifier  Notifier
	Admins    Broadcaster

	StoreTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// reservation holds a connection while a call is being created. It is
// canceled when one of its connections disconnects before the call exists.
type reservation struct {
	callID   string
	canceled bool
}

type Manager struct {
	presence Presence
	store    store.CallStore
	dir      store.UserDirectory
	notify   Notifier
	admins   Broadcaster
	timeout  time.Duration
	log      *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	busy     map[string]*reservation
}

func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		presence: cfg.Presence,
		store:    cfg.Store,
		dir:      cfg.Directory,
		notify:   cfg.Notifier,
		admins:   cfg.Admins,
		timeout:  timeout,
		log:      logger.With("component", "calls"),
		metrics:  cfg.Metrics,
		now:      now,
		sessions: make(map[string]*Session),
		busy:     make(map[string]*reservation),
	}
}

type InitiateRequest struct {
	CallerID           string
	CalleeID           string
	CallerName         string
	CallerConnectionID string
}

// Initiate creates a call from the caller's connection to the callee's live
// connection.
func (m *Manager) Initiate(ctx context.Context, req InitiateRequest) (Session, error) {
	calleeConn, ok := m.presence.ResolveConnection(ctx, req.CalleeID)
	if !ok {
		m.metrics.Inc(metrics.CallsPeerOffline)
		return Session{}, ErrPeerOffline
	}

	res := &reservation{}
	m.mu.Lock()
	// The callee may have left since it was resolved. Once a reservation is
	// held, a later disconnect cancels it instead.
	if _, live := m.presence.Find(calleeConn); !live {
		m.mu.Unlock()
		m.metrics.Inc(metrics.CallsPeerOffline)
		return Session{}, ErrPeerOffline
	}
	if m.busy[req.CallerConnectionID] != nil || m.busy[calleeConn] != nil {
		m.mu.Unlock()
		return Session{}, ErrAlreadyInCall
	}
	m.busy[req.CallerConnectionID] = res
	m.busy[calleeConn] = res
	m.mu.Unlock()

	sess := &Session{
		CallerID:           req.CallerID,
		CalleeID:           req.CalleeID,
		CallerConnectionID: req.CallerConnectionID,
		CalleeConnectionID: calleeConn,
		CallerName:         m.displayName(ctx, req.CallerName, req.CallerConnectionID, req.CallerID),
		CalleeName:         m.displayName(ctx, "", calleeConn, req.CalleeID),
		Status:             protocol.CallInitiated,
		StartedAt:          m.now(),
	}

	sctx, cancel := m.storeContext(ctx)
	start := time.Now()
	callID, err := m.store.CreateCall(sctx, store.CallRecord{
		CallerID:  sess.CallerID,
		CalleeID:  sess.CalleeID,
		Status:    protocol.CallInitiated,
		StartedAt: sess.StartedAt,
	})
	m.metrics.ObserveStore(metrics.OpCreateCall, start)
	cancel()
	if err != nil {
		m.mu.Lock()
		m.release(res, req.CallerConnectionID, calleeConn)
		m.mu.Unlock()
		m.metrics.Inc(metrics.StoreErrors)
		m.log.Error("create call failed", "caller_id", req.CallerID, "callee_id", req.CalleeID, "err", err)
		return Session{}, fmt.Errorf("%w: create call: %v", ErrStoreUnavailable, err)
	}
	sess.CallID = callID

	m.mu.Lock()
	if res.canceled {
		// One side disconnected while the record was being written.
		m.release(res, req.CallerConnectionID, calleeConn)
		m.mu.Unlock()
		_ = m.writeTerminal(ctx, *sess, fromInitiated, protocol.CallEnded, m.now(), nil, protocol.EndReasonDisconnect)
		return Session{}, ErrPeerOffline
	}
	res.callID = callID
	m.sessions[callID] = sess
	snapshot := sess.clone()
	active := len(m.sessions)
	m.mu.Unlock()

	m.metrics.Inc(metrics.CallsInitiated)
	m.metrics.SetActiveCalls(active)
	m.log.Info("call initiated", "call_id", callID, "caller_id", snapshot.CallerID, "callee_id", snapshot.CalleeID)

	m.send(snapshot.CalleeConnectionID, protocol.EventIncomingCall, protocol.IncomingCall{
		CallID:             callID,
		CallerID:           snapshot.CallerID,
		CallerName:         snapshot.CallerName,
		CallerConnectionID: snapshot.CallerConnectionID,
	})
	m.send(snapshot.CallerConnectionID, protocol.EventCallInitiated, protocol.CallInitiatedPayload{
		CallID:             callID,
		CalleeID:           snapshot.CalleeID,
		CalleeName:         snapshot.CalleeName,
		CalleeConnectionID: snapshot.CalleeConnectionID,
	})
	m.broadcast(protocol.EventNewCall, snapshot.Summary())
	return snapshot, nil
}

// Accept moves an initiated call to accepted. If the durable write fails the
// session is rolled back to initiated and ErrStoreUnavailable is returned.
func (m *Manager) Accept(ctx context.Context, callID string) error {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok || sess.Status != protocol.CallInitiated {
		m.mu.Unlock()
		return ErrCallNotFound
	}
	acceptedAt := m.now()
	sess.Status = protocol.CallAccepted
	sess.AcceptedAt = &acceptedAt
	m.mu.Unlock()

	sctx, cancel := m.storeContext(ctx)
	start := time.Now()
	err := m.store.TransitionCall(sctx, store.Transition{
		CallID: callID,
		From:   []protocol.CallStatus{protocol.CallInitiated},
		To:     protocol.CallAccepted,
	})
	m.metrics.ObserveStore(metrics.OpTransitionCall, start)
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusConflict), errors.Is(err, store.ErrNotFound):
		m.log.Warn("accept: durable record out of step", "call_id", callID, "err", err)
	default:
		m.mu.Lock()
		if cur, ok := m.sessions[callID]; ok && cur == sess && sess.Status == protocol.CallAccepted {
			sess.Status = protocol.CallInitiated
			sess.AcceptedAt = nil
		}
		m.mu.Unlock()
		m.metrics.Inc(metrics.StoreErrors)
		m.log.Error("accept call failed", "call_id", callID, "err", err)
		return fmt.Errorf("%w: accept call: %v", ErrStoreUnavailable, err)
	}

	m.mu.Lock()
	live := m.sessions[callID] == sess
	snapshot := sess.clone()
	m.mu.Unlock()
	if !live {
		// Ended or reaped while the write was in flight; that path has
		// already notified everyone.
		return nil
	}

	m.metrics.Inc(metrics.CallsAccepted)
	m.log.Info("call accepted", "call_id", callID)

	m.send(snapshot.CallerConnectionID, protocol.EventCallAccepted, protocol.CallAcceptedPayload{
		CallID:             callID,
		CalleeID:           snapshot.CalleeID,
		CalleeName:         snapshot.CalleeName,
		CalleeConnectionID: snapshot.CalleeConnectionID,
	})
	m.broadcast(protocol.EventCallStatusUpdate, protocol.CallStatusUpdate{
		CallID: callID,
		Status: protocol.CallAccepted,
	})
	return nil
}

// Reject declines an initiated call. It is a no-op when the call is gone or
// already accepted.
func (m *Manager) Reject(ctx context.Context, callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok || sess.Status != protocol.CallInitiated {
		m.mu.Unlock()
		return
	}
	snapshot := m.claim(sess)
	m.mu.Unlock()

	endedAt := m.now()
	err := m.writeTerminal(ctx, snapshot, fromInitiated, protocol.CallRejected, endedAt, nil, "")
	if errors.Is(err, store.ErrStatusConflict) {
		// An accept whose write outcome was unknown may have committed. The
		// record cannot move back to rejected, so close it as ended.
		duration := callDuration(snapshot.StartedAt, endedAt)
		_ = m.writeTerminal(ctx, snapshot, fromAccepted, protocol.CallEnded, endedAt, &duration, "")
	}

	m.metrics.Inc(metrics.CallsRejected)
	m.log.Info("call rejected", "call_id", callID)

	m.send(snapshot.CallerConnectionID, protocol.EventCallRejected, protocol.CallRef{CallID: callID})
	m.broadcast(protocol.EventCallStatusUpdate, protocol.CallStatusUpdate{
		CallID:  callID,
		Status:  protocol.CallRejected,
		EndedAt: &endedAt,
	})
}

// End terminates a live call and notifies both participants. It is a no-op
// when the call is already gone.
func (m *Manager) End(ctx context.Context, callID string) {
	m.mu.Lock()
	sess, ok := m.sessions[callID]
	if !ok {
		m.mu.Unlock()
		return
	}
	snapshot := m.claim(sess)
	m.mu.Unlock()

	m.finish(ctx, snapshot, "", snapshot.CallerConnectionID, snapshot.CalleeConnectionID)
}

// TerminateForConnection ends every call that involves connectionID with
// reason "disconnect", notifying only the other participant. Calls still
// being created on that connection are abandoned.
func (m *Manager) TerminateForConnection(ctx context.Context, connectionID string) {
	m.mu.Lock()
	var claimed []Session
	for _, sess := range m.sessions {
		if sess.Involves(connectionID) {
			claimed = append(claimed, m.claim(sess))
		}
	}
	if res := m.busy[connectionID]; res != nil && res.callID == "" {
		res.canceled = true
		delete(m.busy, connectionID)
	}
	m.mu.Unlock()

	sort.Slice(claimed, func(i, j int) bool { return claimed[i].StartedAt.Before(claimed[j].StartedAt) })
	for _, snapshot := range claimed {
		m.finish(ctx, snapshot, protocol.EndReasonDisconnect, snapshot.Peer(connectionID))
	}
}

func (m *Manager) finish(ctx context.Context, snapshot Session, reason string, notify ...string) {
	endedAt := m.now()
	duration := callDuration(snapshot.StartedAt, endedAt)
	_ = m.writeTerminal(ctx, snapshot, fromLive, protocol.CallEnded, endedAt, &duration, reason)

	m.metrics.Inc(metrics.CallsEnded)
	m.log.Info("call ended", "call_id", snapshot.CallID, "duration_seconds", duration, "reason", reason)

	for _, conn := range notify {
		m.send(conn, protocol.EventCallEnded, protocol.CallEndedPayload{
			CallID:   snapshot.CallID,
			Duration: &duration,
			Reason:   reason,
		})
	}
	m.broadcast(protocol.EventCallStatusUpdate, protocol.CallStatusUpdate{
		CallID:   snapshot.CallID,
		Status:   protocol.CallEnded,
		EndedAt:  &endedAt,
		Duration: &duration,
		Reason:   reason,
	})
}

// claim removes sess from the live set and frees its connections. Callers hold
// m.mu.
func (m *Manager) claim(sess *Session) Session {
	delete(m.sessions, sess.CallID)
	for _, conn := range []string{sess.CallerConnectionID, sess.CalleeConnectionID} {
		if res := m.busy[conn]; res != nil && res.callID == sess.CallID {
			delete(m.busy, conn)
		}
	}
	m.metrics.SetActiveCalls(len(m.sessions))
	return sess.clone()
}

// release frees connections still held by res. Callers hold m.mu.
func (m *Manager) release(res *reservation, conns ...string) {
	for _, conn := range conns {
		if m.busy[conn] == res {
			delete(m.busy, conn)
		}
	}
}

// Prior statuses a terminal write may leave. Rejection only applies to a call
// that was never accepted.
var (
	fromInitiated = []protocol.CallStatus{protocol.CallInitiated}
	fromAccepted  = []protocol.CallStatus{protocol.CallAccepted}
	fromLive      = []protocol.CallStatus{protocol.CallInitiated, protocol.CallAccepted}
)

func callDuration(startedAt, endedAt time.Time) int {
	d := int(endedAt.Sub(startedAt) / time.Second)
	if d < 0 {
		return 0
	}
	return d
}

// writeTerminal records a terminal transition out of one of from. Failures are
// logged and returned for callers that can recover; the in-memory session is
// already gone.
func (m *Manager) writeTerminal(ctx context.Context, s Session, from []protocol.CallStatus, to protocol.CallStatus, endedAt time.Time, duration *int, reason string) error {
	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	start := time.Now()
	err := m.store.TransitionCall(sctx, store.Transition{
		CallID:          s.CallID,
		From:            from,
		To:              to,
		EndedAt:         &endedAt,
		DurationSeconds: duration,
		Reason:          reason,
	})
	m.metrics.ObserveStore(metrics.OpTransitionCall, start)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrStatusConflict):
		m.log.Debug("terminal transition already applied", "call_id", s.CallID, "to", to)
	default:
		m.metrics.Inc(metrics.StoreErrors)
		m.log.Error("record call transition failed", "call_id", s.CallID, "to", to, "err", err)
	}
	return err
}

// Get returns a copy of the live session for callID.
func (m *Manager) Get(callID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[callID]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// ListActive returns every live session, oldest first, when requesterRole is
// admin and nil otherwise.
func (m *Manager) ListActive(requesterRole protocol.Role) []Session {
	if requesterRole != protocol.RoleAdmin {
		return nil
	}
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess.clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].CallID < out[j].CallID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// History returns recent call records. Admins see every call, other roles
// only calls they took part in.
func (m *Manager) History(ctx context.Context, requesterRole protocol.Role, userID string, limit int) ([]store.CallRecord, error) {
	q := store.HistoryQuery{UserID: userID, Limit: limit}
	if requesterRole == protocol.RoleAdmin {
		q.UserID = ""
	} else if userID == "" {
		return nil, nil
	}

	sctx, cancel := m.storeContext(ctx)
	defer cancel()
	start := time.Now()
	recs, err := m.store.CallHistory(sctx, q)
	m.metrics.ObserveStore(metrics.OpCallHistory, start)
	if err != nil {
		m.metrics.Inc(metrics.StoreErrors)
		return nil, fmt.Errorf("%w: call history: %v", ErrStoreUnavailable, err)
	}
	return recs, nil
}

// displayName resolves a participant's name from the supplied value, then the
// presence entry, then the directory, falling back to protocol.Unknown.
func (m *Manager) displayName(ctx context.Context, supplied, connectionID, userID string) string {
	if v := strings.TrimSpace(supplied); v != "" {
		return v
	}
	if e, ok := m.presence.Find(connectionID); ok && e.UserID == userID && e.DisplayName != "" {
		return e.DisplayName
	}
	if m.dir != nil && userID != "" {
		sctx, cancel := m.storeContext(ctx)
		defer cancel()
		start := time.Now()
		u, err := m.dir.FindByID(sctx, userID)
		m.metrics.ObserveStore(metrics.OpFindUser, start)
		if err == nil {
			if name := u.DisplayName(); name != "" {
				return name
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("name lookup failed", "user_id", userID, "err", err)
		}
	}
	return protocol.Unknown
}

func (m *Manager) send(connectionID string, event protocol.Event, payload any) {
	if m.notify == nil || connectionID == "" {
		return
	}
	m.notify.Send(connectionID, event, payload)
}

func (m *Manager) broadcast(event protocol.Event, payload any) {
	if m.admins == nil {
		return
	}
	m.admins.Broadcast(event, payload)
}

// storeContext bounds a store call. Cancellation of the parent is ignored so
// disconnect cleanup still reaches the store.
func (m *Manager) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
}
