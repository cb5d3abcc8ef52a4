package signaling

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/carenet/call-relay/internal/calls"
	"github.com/carenet/call-relay/internal/presence"
	"github.com/carenet/call-relay/internal/protocol"
	"github.com/carenet/call-relay/internal/store"
)

type handlerFunc func(ctx context.Context, wss *wsSession, env protocol.Envelope) error

var handlers = map[protocol.Event]handlerFunc{
	protocol.EventUserJoined:     handleUserJoined,
	protocol.EventInitiateCall:   handleInitiateCall,
	protocol.EventAcceptCall:     handleAcceptCall,
	protocol.EventRejectCall:     handleRejectCall,
	protocol.EventEndCall:        handleEndCall,
	protocol.EventOffer:          handleSignal,
	protocol.EventAnswer:         handleSignal,
	protocol.EventICECandidate:   handleSignal,
	protocol.EventGetActiveCalls: handleGetActiveCalls,
	protocol.EventGetCallHistory: handleGetCallHistory,
}

func decode(env protocol.Envelope, v any) error {
	if err := env.DecodeData(v); err != nil {
		return protocolError(CodeBadMessage, err.Error())
	}
	return nil
}

// joined returns the caller's presence entry or a not_joined error.
func (wss *wsSession) joined() (presence.Entry, error) {
	e, ok := wss.srv.presence.Find(wss.id)
	if !ok {
		return presence.Entry{}, protocolError(CodeNotJoined, "send user-joined first")
	}
	return e, nil
}

func handleUserJoined(ctx context.Context, wss *wsSession, env protocol.Envelope) error {
	var msg protocol.UserJoined
	if err := decode(env, &msg); err != nil {
		return err
	}
	userID := strings.TrimSpace(msg.ID)
	if userID == "" {
		return protocolError(CodeBadMessage, "missing user id")
	}
	role, err := protocol.ParseRole(msg.Role)
	if err != nil {
		return protocolError(CodeBadMessage, err.Error())
	}
	if _, ok := wss.srv.presence.Find(wss.id); ok {
		return presence.ErrAlreadyJoined
	}

	name := msg.DisplayName()
	var profile *store.User
	if name == "" || role == protocol.RoleDoctor {
		if u, ok := wss.srv.lookupUser(ctx, userID); ok {
			profile = &u
			if name == "" {
				name = u.DisplayName()
			}
		}
	}

	entry, err := wss.srv.presence.Join(ctx, presence.Entry{
		ConnectionID: wss.id,
		UserID:       userID,
		Role:         role,
		DisplayName:  name,
	})
	if err != nil {
		return err
	}
	wss.srv.log.Info("user joined", "connection_id", wss.id, "user_id", userID, "role", role)

	if role == protocol.RoleDoctor {
		info := protocol.DoctorInfo{
			ID:       userID,
			Username: msg.Username,
			Name:     msg.Name,
			Email:    msg.Email,
			IsOnline: true,
		}
		if profile != nil {
			info.Username = profile.Username
			info.Name = profile.Name
			info.Email = profile.Email
			info.Specialization = profile.Specialization
		}
		_ = wss.send(protocol.EventDoctorInfo, info)
	}

	wss.srv.admins.PresenceChanged(entry, true)
	if role == protocol.RoleAdmin {
		_ = wss.send(protocol.EventActiveCalls, summaries(wss.srv.calls.ListActive(role)))
	}
	return nil
}

func handleInitiateCall(ctx context.Context, wss *wsSession, env protocol.Envelope) error {
	var msg protocol.InitiateCall
	if err := decode(env, &msg); err != nil {
		return err
	}
	caller, err := wss.joined()
	if err != nil {
		return err
	}
	if id := strings.TrimSpace(msg.CallerID); id != "" && id != caller.UserID {
		return protocolError(CodeForbidden, "callerId does not match the joined user")
	}
	calleeID := strings.TrimSpace(msg.CalleeID)
	if calleeID == "" {
		return protocolError(CodeBadMessage, "missing calleeId")
	}
	if calleeID == caller.UserID {
		return protocolError(CodeBadMessage, "cannot call yourself")
	}

	_, err = wss.srv.calls.Initiate(ctx, calls.InitiateRequest{
		CallerID:           caller.UserID,
		CalleeID:           calleeID,
		CallerName:         msg.CallerName,
		CallerConnectionID: wss.id,
	})
	return err
}

func callRef(env protocol.Envelope) (string, error) {
	var msg protocol.CallRef
	if err := decode(env, &msg); err != nil {
		return "", err
	}
	callID := strings.TrimSpace(msg.CallID)
	if callID == "" {
		return "", protocolError(CodeBadMessage, "missing callId")
	}
	return callID, nil
}

func handleAcceptCall(ctx context.Context, wss *wsSession, env protocol.Envelope) error {
	callID, err := callRef(env)
	if err != nil {
		return err
	}
	sess, ok := wss.srv.calls.Get(callID)
	if !ok {
		return withCallID(calls.ErrCallNotFound, callID)
	}
	if sess.CalleeConnectionID != wss.id {
		return &wsProtocolError{Code: CodeForbidden, Message: "only the callee can accept", CallID: callID}
	}
	if err := wss.srv.calls.Accept(ctx, callID); err != nil {
		return withCallID(err, callID)
	}
	return nil
}

// Reject and end from a connection outside the call are ignored. Only the
// callee may reject; a caller withdrawing a ringing call sends end-call.
func handleRejectCall(ctx context.Context, wss *wsSession, env protocol.Envelope) error {
	callID, err := callRef(env)
	if err != nil {
		return err
	}
	sess, ok := wss.srv.calls.Get(callID)
	if !ok || !sess.Involves(wss.id) {
		return nil
	}
	if sess.CalleeConnectionID != wss.id {
		return &wsProtocolError{Code: CodeForbidden, Message: "only the callee can reject; use end-call", CallID: callID}
	}
	wss.srv.calls.Reject(ctx, callID)
	return nil
}

func handleEndCall(ctx context.Context, wss *wsSession, env protocol.Envelope) error {
	callID, err := callRef(env)
	if err != nil {
		return err
	}
	if sess, ok := wss.srv.calls.Get(callID); ok && sess.Involves(wss.id) {
		wss.srv.calls.End(ctx, callID)
	}
	return nil
}

func handleSignal(_ context.Context, wss *wsSession, env protocol.Envelope) error {
	var sig protocol.Signal
	if err := decode(env, &sig); err != nil {
		return err
	}
	if _, err := wss.joined(); err != nil {
		return err
	}
	wss.srv.relay.Forward(wss.id, env.Event, sig)
	return nil
}

func handleGetActiveCalls(_ context.Context, wss *wsSession, _ protocol.Envelope) error {
	e, err := wss.joined()
	if err != nil {
		return err
	}
	if e.Role != protocol.RoleAdmin {
		return protocolError(CodeForbidden, "admin only")
	}
	return wss.send(protocol.EventActiveCalls, summaries(wss.srv.calls.ListActive(e.Role)))
}

func handleGetCallHistory(ctx context.Context, wss *wsSession, env protocol.Envelope) error {
	var req protocol.HistoryRequest
	if err := decode(env, &req); err != nil {
		return err
	}
	e, err := wss.joined()
	if err != nil {
		return err
	}
	recs, err := wss.srv.calls.History(ctx, e.Role, e.UserID, req.Limit)
	if err != nil {
		return err
	}

	out := make([]protocol.CallHistoryEntry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, protocol.CallHistoryEntry{
			CallID:     rec.ID,
			CallerID:   rec.CallerID,
			CalleeID:   rec.CalleeID,
			CallerName: nameOrUnknown(rec.CallerName),
			CalleeName: nameOrUnknown(rec.CalleeName),
			Status:     rec.Status,
			StartedAt:  rec.StartedAt,
			EndedAt:    rec.EndedAt,
			Duration:   rec.DurationSeconds,
			Reason:     rec.EndReason,
		})
	}
	return wss.send(protocol.EventCallHistory, out)
}

func summaries(sessions []calls.Session) []protocol.CallSummary {
	out := make([]protocol.CallSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Summary())
	}
	return out
}

func nameOrUnknown(name string) string {
	if strings.TrimSpace(name) == "" {
		return protocol.Unknown
	}
	return name
}

func withCallID(err error, callID string) error {
	protoErr := *protocolErrorFor(err)
	protoErr.CallID = callID
	return &protoErr
}

// lookupUser reads a directory profile. Failures are logged and treated as
// "no profile".
func (s *Server) lookupUser(ctx context.Context, userID string) (store.User, bool) {
	if s.dir == nil {
		return store.User{}, false
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.storeTimeout())
	defer cancel()
	u, err := s.dir.FindByID(sctx, userID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.Warn("directory lookup failed", "user_id", userID, "err", err)
		}
		return store.User{}, false
	}
	return u, true
}

func (s *Server) storeTimeout() time.Duration {
	if s.cfg.StoreTimeout <= 0 {
		return calls.DefaultStoreTimeout
	}
	return s.cfg.StoreTimeout
}
