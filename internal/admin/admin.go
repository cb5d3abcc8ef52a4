// Package admin mirrors presence and call-lifecycle events to administrator
// connections.
//
// Delivery is at-most-once and best-effort: each broadcast works on a
// snapshot of the roster taken when it starts, so an admin who joins later
// never sees earlier events.
package admin

import (
	"io"
	"log/slog"

	"github.com/carenet/call-relay/internal/metrics"
	"github.com/carenet/call-relay/internal/presence"
	"github.com/carenet/call-relay/internal/protocol"
)

type Roster interface {
	ListAll() []presence.Entry
	ListByRole(role protocol.Role) []presence.Entry
}

// Transport writes a pre-encoded frame to a connection.
type Transport interface {
	SendFrame(connectionID string, frame []byte) bool
}

type Broadcaster struct {
	roster    Roster
	transport Transport
	metrics   *metrics.Metrics
	log       *slog.Logger
}

func NewBroadcaster(roster Roster, transport Transport, m *metrics.Metrics, logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Broadcaster{
		roster:    roster,
		transport: transport,
		metrics:   m,
		log:       logger.With("component", "admin"),
	}
}

// Broadcast delivers event to every admin connection currently registered.
func (b *Broadcaster) Broadcast(event protocol.Event, payload any) {
	frame, err := protocol.Encode(event, payload)
	if err != nil {
		b.log.Error("encode broadcast failed", "event", event, "err", err)
		return
	}

	admins := b.roster.ListByRole(protocol.RoleAdmin)
	for _, e := range admins {
		if !b.transport.SendFrame(e.ConnectionID, frame) {
			b.log.Debug("admin connection gone", "event", event, "connection_id", e.ConnectionID)
		}
	}
	b.metrics.Inc(metrics.AdminBroadcasts)
}

// PresenceChanged tells admins that e came online or went offline and sends
// them the refreshed roster.
func (b *Broadcaster) PresenceChanged(e presence.Entry, online bool) {
	b.Broadcast(protocol.EventUserStatusUpdate, protocol.UserStatus{
		UserID:       e.UserID,
		Role:         e.Role,
		Name:         e.DisplayName,
		ConnectionID: e.ConnectionID,
		IsOnline:     online,
	})
	b.Broadcast(protocol.EventActiveUsers, ActiveUsers(b.roster.ListAll()))
}

// ActiveUsers converts roster entries to their wire form.
func ActiveUsers(entries []presence.Entry) []protocol.ActiveUser {
	out := make([]protocol.ActiveUser, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.ActiveUser{
			UserID:       e.UserID,
			Role:         e.Role,
			Name:         e.DisplayName,
			ConnectionID: e.ConnectionID,
			JoinedAt:     e.JoinedAt,
		})
	}
	return out
}
