package signaling

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/carenet/call-relay/internal/metrics"
	"github.com/carenet/call-relay/internal/protocol"
)

const wsWriteWait = 1 * time.Second

type wsSession struct {
	srv     *Server
	id      string
	conn    *websocket.Conn
	limiter *rate.Limiter

	writeMu sync.Mutex

	// refreshing is set while a heartbeat write to the presence mirror is in
	// flight; pongs arriving meanwhile skip the refresh.
	refreshing atomic.Bool

	done      chan struct{}
	closeOnce sync.Once
}

func (wss *wsSession) run(ctx context.Context) {
	defer wss.Close(ctx)

	cfg := wss.srv.cfg
	wss.conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	wss.conn.SetPongHandler(func(string) error {
		wss.heartbeat(ctx)
		return wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
	})
	go wss.keepalive(cfg.PingInterval)

	if err := wss.send(protocol.EventConnected, protocol.Connected{
		ConnectionID: wss.id,
		ICEServers:   cfg.ICEServers,
	}); err != nil {
		return
	}

	for {
		msgType, data, err := wss.conn.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				wss.srv.metrics.Inc(metrics.MessagesOversized)
			}
			return
		}
		_ = wss.conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))

		// Rate limit after reading so the close frame is not lost behind unread
		// bytes in the receive buffer.
		if !wss.limiter.Allow() {
			wss.srv.metrics.Inc(metrics.MessagesRateLimited)
			wss.fail(CodeRateLimited, "rate limit exceeded", websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}
		if msgType != websocket.TextMessage {
			wss.srv.metrics.Inc(metrics.MessagesMalformed)
			wss.fail(CodeBadMessage, "expected text message", websocket.CloseUnsupportedData, "expected text message")
			return
		}

		env, err := protocol.ParseEnvelope(data)
		if err != nil {
			wss.srv.metrics.Inc(metrics.MessagesMalformed)
			wss.sendError(protocolError(CodeBadMessage, err.Error()))
			continue
		}
		wss.dispatch(ctx, env)
	}
}

// dispatch runs one handler. A panic or error is reported to the client and
// never takes the connection down.
func (wss *wsSession) dispatch(ctx context.Context, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			wss.srv.metrics.Inc(metrics.HandlerPanics)
			wss.srv.log.Error("handler panic",
				"event", env.Event,
				"connection_id", wss.id,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
			wss.sendError(protocolError(CodeInternalError, "internal error"))
		}
	}()

	h, ok := handlers[env.Event]
	if !ok {
		wss.srv.metrics.Inc(metrics.MessagesMalformed)
		wss.sendError(protocolError(CodeBadMessage, fmt.Sprintf("unknown event %q", env.Event)))
		return
	}
	if err := h(ctx, wss, env); err != nil {
		protoErr := protocolErrorFor(err)
		if protoErr.Code == CodeInternalError || protoErr.Code == CodeStoreUnavailable {
			wss.srv.metrics.Inc(metrics.HandlerErrors)
			wss.srv.log.Warn("handler failed", "event", env.Event, "connection_id", wss.id, "err", err)
		} else {
			wss.srv.log.Debug("handler rejected event", "event", env.Event, "connection_id", wss.id, "code", protoErr.Code)
		}
		wss.sendError(protoErr)
	}
}

// heartbeat refreshes the presence routing hint off the read goroutine so a
// slow mirror never delays reads.
func (wss *wsSession) heartbeat(ctx context.Context) {
	if !wss.refreshing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer wss.refreshing.Store(false)
		wss.srv.presence.Heartbeat(ctx, wss.id)
	}()
}

func (wss *wsSession) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-wss.done:
			return
		case <-ticker.C:
			wss.writeMu.Lock()
			err := wss.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
			wss.writeMu.Unlock()
			if err != nil {
				_ = wss.conn.Close()
				return
			}
		}
	}
}

func (wss *wsSession) send(event protocol.Event, payload any) error {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	return wss.writeFrame(frame)
}

func (wss *wsSession) sendError(e *wsProtocolError) {
	_ = wss.send(protocol.EventCallError, protocol.CallError{
		Code:    e.Code,
		Message: e.Message,
		CallID:  e.CallID,
	})
}

// writeFrame serializes writes to the socket. A failed write closes the
// socket; the reader goroutine then runs the disconnect cleanup.
func (wss *wsSession) writeFrame(frame []byte) error {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()

	_ = wss.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := wss.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		wss.srv.metrics.Inc(metrics.WriteErrors)
		_ = wss.conn.Close()
		return err
	}
	return nil
}

func (wss *wsSession) fail(code, message string, closeCode int, closeReason string) {
	wss.sendError(protocolError(code, message))
	wss.closeWith(closeCode, closeReason)
}

func (wss *wsSession) closeWith(code int, reason string) {
	wss.writeMu.Lock()
	defer wss.writeMu.Unlock()
	_ = wss.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (wss *wsSession) Close(ctx context.Context) {
	wss.closeOnce.Do(func() {
		close(wss.done)
		_ = wss.conn.Close()
		wss.srv.unregister(wss.id)
		wss.srv.disconnected(ctx, wss.id)
	})
}
