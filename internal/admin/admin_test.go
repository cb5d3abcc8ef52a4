package admin

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/carenet/call-relay/internal/presence"
	"github.com/carenet/call-relay/internal/protocol"
)

type frameLog struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (f *frameLog) SendFrame(conn string, frame []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.frames == nil {
		f.frames = make(map[string][][]byte)
	}
	f.frames[conn] = append(f.frames[conn], frame)
	return true
}

func (f *frameLog) events(t *testing.T, conn string) []protocol.Event {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.Event
	for _, raw := range f.frames[conn] {
		env, err := protocol.ParseEnvelope(raw)
		if err != nil {
			t.Fatalf("ParseEnvelope(%s): %v", raw, err)
		}
		out = append(out, env.Event)
	}
	return out
}

func join(t *testing.T, r *presence.Registry, conn, user string, role protocol.Role) presence.Entry {
	t.Helper()
	e, err := r.Join(context.Background(), presence.Entry{ConnectionID: conn, UserID: user, Role: role, DisplayName: user})
	if err != nil {
		t.Fatalf("Join(%s): %v", conn, err)
	}
	return e
}

func TestBroadcast_OnlyAdmins(t *testing.T) {
	reg := presence.NewRegistry(presence.Config{})
	log := &frameLog{}
	b := NewBroadcaster(reg, log, nil, nil)

	join(t, reg, "a1", "admin-1", protocol.RoleAdmin)
	join(t, reg, "d1", "doc-1", protocol.RoleDoctor)
	join(t, reg, "a2", "admin-2", protocol.RoleAdmin)

	b.Broadcast(protocol.EventNewCall, protocol.CallSummary{CallID: "k1", Status: protocol.CallInitiated})

	for _, conn := range []string{"a1", "a2"} {
		got := log.events(t, conn)
		if len(got) != 1 || got[0] != protocol.EventNewCall {
			t.Fatalf("%s events=%v, want [new-call]", conn, got)
		}
	}
	if got := log.events(t, "d1"); len(got) != 0 {
		t.Fatalf("doctor received %v", got)
	}
}

func TestBroadcast_LateAdminMissesEarlierEvents(t *testing.T) {
	reg := presence.NewRegistry(presence.Config{})
	log := &frameLog{}
	b := NewBroadcaster(reg, log, nil, nil)

	join(t, reg, "a1", "admin-1", protocol.RoleAdmin)
	b.Broadcast(protocol.EventNewCall, protocol.CallSummary{CallID: "k1"})
	join(t, reg, "a2", "admin-2", protocol.RoleAdmin)
	b.Broadcast(protocol.EventCallStatusUpdate, protocol.CallStatusUpdate{CallID: "k1", Status: protocol.CallAccepted})

	if got := log.events(t, "a2"); len(got) != 1 || got[0] != protocol.EventCallStatusUpdate {
		t.Fatalf("late admin events=%v, want only call-status-update", got)
	}
	if got := log.events(t, "a1"); len(got) != 2 {
		t.Fatalf("early admin events=%v, want 2", got)
	}
}

func TestPresenceChanged_SendsStatusAndRoster(t *testing.T) {
	reg := presence.NewRegistry(presence.Config{})
	log := &frameLog{}
	b := NewBroadcaster(reg, log, nil, nil)

	join(t, reg, "a1", "admin-1", protocol.RoleAdmin)
	doc := join(t, reg, "d1", "doc-1", protocol.RoleDoctor)
	b.PresenceChanged(doc, true)

	got := log.events(t, "a1")
	if len(got) != 2 || got[0] != protocol.EventUserStatusUpdate || got[1] != protocol.EventActiveUsers {
		t.Fatalf("events=%v", got)
	}

	log.mu.Lock()
	env, err := protocol.ParseEnvelope(log.frames["a1"][1])
	log.mu.Unlock()
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	var roster []protocol.ActiveUser
	if err := json.Unmarshal(env.Data, &roster); err != nil {
		t.Fatalf("decode roster: %v", err)
	}
	if len(roster) != 2 || roster[1].UserID != "doc-1" || roster[1].Role != protocol.RoleDoctor {
		t.Fatalf("roster=%+v", roster)
	}
}
