package relay

import (
	"io"
	"log/slog"

	"github.com/carenet/call-relay/internal/metrics"
	"github.com/carenet/call-relay/internal/protocol"
)

// Sender delivers an event to a connection and reports whether the
// connection was live.
type Sender interface {
	Send(connectionID string, event protocol.Event, payload any) bool
}

type Relay struct {
	sender  Sender
	metrics *metrics.Metrics
	log     *slog.Logger
}

func New(sender Sender, m *metrics.Metrics, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{
		sender:  sender,
		metrics: m,
		log:     logger.With("component", "relay"),
	}
}

// Forward relays sig from fromConnectionID to sig.Target. Messages for an
// unknown or vanished target are dropped without telling the sender; the
// return value only reports whether delivery was attempted on a live
// connection.
func (r *Relay) Forward(fromConnectionID string, event protocol.Event, sig protocol.Signal) bool {
	if !event.IsSignal() || sig.Target == "" {
		r.metrics.Inc(metrics.SignalsDropped)
		r.log.Debug("signal dropped", "event", event, "from", fromConnectionID, "target", sig.Target)
		return false
	}

	out := protocol.RelayedSignal{Sender: fromConnectionID}
	switch event {
	case protocol.EventOffer:
		out.Offer = sig.Offer
	case protocol.EventAnswer:
		out.Answer = sig.Answer
	case protocol.EventICECandidate:
		out.Candidate = sig.Candidate
	}

	if !r.sender.Send(sig.Target, event, out) {
		r.metrics.Inc(metrics.SignalsDropped)
		r.log.Debug("signal target gone", "event", event, "from", fromConnectionID, "target", sig.Target)
		return false
	}
	r.metrics.Inc(metrics.SignalsForwarded)
	return true
}
