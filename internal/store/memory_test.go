package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenet/call-relay/internal/protocol"
)

func TestMemory_MarkOfflineIgnoresSupersededConnection(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(User{ID: "u1", Name: "Ada", Role: protocol.RoleDoctor})
	now := time.Unix(1700000000, 0)

	require.NoError(t, m.MarkOnline(ctx, "u1", "c1", now))
	require.NoError(t, m.MarkOnline(ctx, "u1", "c2", now.Add(time.Second)))

	// c1 disconnecting late must not mark the user offline.
	require.NoError(t, m.MarkOffline(ctx, "u1", "c1", now.Add(2*time.Second)))
	u, err := m.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsOnline)
	assert.Equal(t, "c2", u.LastConnectionID)

	require.NoError(t, m.MarkOffline(ctx, "u1", "c2", now.Add(3*time.Second)))
	u, err = m.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
}

func TestMemory_UnknownUser(t *testing.T) {
	m := NewMemory()
	_, err := m.FindByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.MarkOnline(context.Background(), "missing", "c1", time.Now()), ErrNotFound)
}

func TestMemory_TransitionCallIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	id, err := m.CreateCall(ctx, CallRecord{CallerID: "u1", CalleeID: "u2", Status: protocol.CallInitiated, StartedAt: time.Now()})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, m.TransitionCall(ctx, Transition{
		CallID: id,
		From:   []protocol.CallStatus{protocol.CallInitiated},
		To:     protocol.CallAccepted,
	}))

	err = m.TransitionCall(ctx, Transition{
		CallID: id,
		From:   []protocol.CallStatus{protocol.CallInitiated},
		To:     protocol.CallRejected,
	})
	assert.ErrorIs(t, err, ErrStatusConflict)

	ended := time.Now()
	dur := 42
	require.NoError(t, m.TransitionCall(ctx, Transition{
		CallID:          id,
		From:            []protocol.CallStatus{protocol.CallInitiated, protocol.CallAccepted},
		To:              protocol.CallEnded,
		EndedAt:         &ended,
		DurationSeconds: &dur,
		Reason:          protocol.EndReasonDisconnect,
	}))
	rec, ok := m.Call(id)
	require.True(t, ok)
	assert.Equal(t, protocol.CallEnded, rec.Status)
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, 42, *rec.DurationSeconds)
	assert.Equal(t, protocol.EndReasonDisconnect, rec.EndReason)

	assert.ErrorIs(t, m.TransitionCall(ctx, Transition{CallID: "nope", To: protocol.CallEnded}), ErrNotFound)
}

func TestMemory_CallHistoryFiltersAndPopulatesNames(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(
		User{ID: "u1", Username: "ada"},
		User{ID: "u2", Name: "Grace"},
		User{ID: "u3", Email: "linus@example.org"},
	)
	base := time.Unix(1700000000, 0)
	_, err := m.CreateCall(ctx, CallRecord{CallerID: "u1", CalleeID: "u2", Status: protocol.CallEnded, StartedAt: base})
	require.NoError(t, err)
	_, err = m.CreateCall(ctx, CallRecord{CallerID: "u3", CalleeID: "u1", Status: protocol.CallRejected, StartedAt: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = m.CreateCall(ctx, CallRecord{CallerID: "u2", CalleeID: "u3", Status: protocol.CallEnded, StartedAt: base.Add(2 * time.Minute)})
	require.NoError(t, err)

	all, err := m.CallHistory(ctx, HistoryQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "u2", all[0].CallerID, "newest first")

	mine, err := m.CallHistory(ctx, HistoryQuery{UserID: "u1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "linus@example.org", mine[0].CallerName)
	assert.Equal(t, "ada", mine[0].CalleeName)
}

func TestHistoryQuery_EffectiveLimit(t *testing.T) {
	assert.Equal(t, DefaultHistoryLimit, HistoryQuery{}.EffectiveLimit())
	assert.Equal(t, MaxHistoryLimit, HistoryQuery{Limit: MaxHistoryLimit + 1}.EffectiveLimit())
	assert.Equal(t, 7, HistoryQuery{Limit: 7}.EffectiveLimit())
}
