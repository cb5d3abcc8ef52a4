package sqlstore

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carenet/call-relay/internal/protocol"
	"github.com/carenet/call-relay/internal/store"
)

func setupMockDB(t *testing.T) (sqlmock.Sqlmock, *Store) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return mock, New(db, DialectPostgres, nil)
}

func openSQLite(t *testing.T) *Store {
	s, err := Open(context.Background(), DialectSQLite, ":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRebind(t *testing.T) {
	pg := &Store{dialect: DialectPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", pg.rebind("SELECT a FROM t WHERE x = ? AND y IN (?, ?)"))

	lite := &Store{dialect: DialectSQLite}
	assert.Equal(t, "WHERE x = ?", lite.rebind("WHERE x = ?"))
}

func TestOpen_UnsupportedDialect(t *testing.T) {
	_, err := Open(context.Background(), Dialect("mongo"), "", nil)
	require.Error(t, err)
}

func TestPostgres_FindByID(t *testing.T) {
	mock, s := setupMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "username", "name", "email", "role", "specialization", "is_online", "last_connection_id", "last_seen_at"}).
		AddRow("u1", "", "Dr. Ada", "ada@example.org", "doctor", "cardiology", true, "c1", int64(1700000000000))
	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("u1").
		WillReturnRows(rows)

	u, err := s.FindByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "Dr. Ada", u.DisplayName())
	assert.Equal(t, protocol.RoleDoctor, u.Role)
	assert.Equal(t, "cardiology", u.Specialization)
	assert.True(t, u.IsOnline)
	assert.Equal(t, "c1", u.LastConnectionID)
	assert.Equal(t, int64(1700000000000), u.LastSeenAt.UnixMilli())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FindByIDNotFound(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM users WHERE id = $1")).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.FindByID(context.Background(), "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkOnlineUnknownUser(t *testing.T) {
	mock, s := setupMockDB(t)
	at := time.UnixMilli(1700000000000)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET is_online = $1, last_connection_id = $2, last_seen_at = $3 WHERE id = $4")).
		WithArgs(true, "c9", at.UnixMilli(), "ghost").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.MarkOnline(context.Background(), "ghost", "c9", at)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransitionCallConflict(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $5 AND status IN ($6)")).
		WithArgs("rejected", sqlmock.AnyArg(), nil, "", "k1", "initiated").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM calls WHERE id = $1")).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"status"}).AddRow("accepted"))

	ended := time.Now()
	err := s.TransitionCall(context.Background(), store.Transition{
		CallID:  "k1",
		From:    []protocol.CallStatus{protocol.CallInitiated},
		To:      protocol.CallRejected,
		EndedAt: &ended,
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_TransitionCallMissing(t *testing.T) {
	mock, s := setupMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE calls SET")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status FROM calls WHERE id = $1")).
		WithArgs("k404").
		WillReturnRows(sqlmock.NewRows([]string{"status"}))

	err := s.TransitionCall(context.Background(), store.Transition{
		CallID: "k404",
		From:   []protocol.CallStatus{protocol.CallInitiated, protocol.CallAccepted},
		To:     protocol.CallEnded,
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLite_CallLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)

	require.NoError(t, s.UpsertUser(ctx, store.User{ID: "u1", Username: "ada", Role: protocol.RoleDoctor}))
	require.NoError(t, s.UpsertUser(ctx, store.User{ID: "u2", Email: "grace@example.org", Role: protocol.RoleEmployee}))

	started := time.UnixMilli(1700000000000)
	id, err := s.CreateCall(ctx, store.CallRecord{CallerID: "u2", CalleeID: "u1", Status: protocol.CallInitiated, StartedAt: started})
	require.NoError(t, err)

	require.NoError(t, s.TransitionCall(ctx, store.Transition{
		CallID: id,
		From:   []protocol.CallStatus{protocol.CallInitiated},
		To:     protocol.CallAccepted,
	}))

	// A late reject loses against the accept.
	err = s.TransitionCall(ctx, store.Transition{
		CallID: id,
		From:   []protocol.CallStatus{protocol.CallInitiated},
		To:     protocol.CallRejected,
	})
	assert.ErrorIs(t, err, store.ErrStatusConflict)

	ended := started.Add(95 * time.Second)
	dur := 95
	require.NoError(t, s.TransitionCall(ctx, store.Transition{
		CallID:          id,
		From:            []protocol.CallStatus{protocol.CallInitiated, protocol.CallAccepted},
		To:              protocol.CallEnded,
		EndedAt:         &ended,
		DurationSeconds: &dur,
		Reason:          protocol.EndReasonDisconnect,
	}))

	history, err := s.CallHistory(ctx, store.HistoryQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	rec := history[0]
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, protocol.CallEnded, rec.Status)
	assert.Equal(t, "grace@example.org", rec.CallerName)
	assert.Equal(t, "ada", rec.CalleeName)
	require.NotNil(t, rec.EndedAt)
	assert.Equal(t, ended.UnixMilli(), rec.EndedAt.UnixMilli())
	require.NotNil(t, rec.DurationSeconds)
	assert.Equal(t, 95, *rec.DurationSeconds)
	assert.Equal(t, protocol.EndReasonDisconnect, rec.EndReason)

	none, err := s.CallHistory(ctx, store.HistoryQuery{UserID: "u3"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSQLite_PresenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openSQLite(t)
	require.NoError(t, s.UpsertUser(ctx, store.User{ID: "u1", Name: "Ada", Role: protocol.RoleAdmin}))

	at := time.UnixMilli(1700000000000)
	require.NoError(t, s.MarkOnline(ctx, "u1", "c1", at))
	require.NoError(t, s.MarkOnline(ctx, "u1", "c2", at.Add(time.Second)))
	require.NoError(t, s.MarkOffline(ctx, "u1", "c1", at.Add(2*time.Second)))

	u, err := s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, u.IsOnline, "superseded connection must not mark user offline")
	assert.Equal(t, "c2", u.LastConnectionID)

	require.NoError(t, s.MarkOffline(ctx, "u1", "c2", at.Add(3*time.Second)))
	u, err = s.FindByID(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, u.IsOnline)
	assert.Equal(t, at.Add(3*time.Second).UnixMilli(), u.LastSeenAt.UnixMilli())

	assert.NoError(t, s.Ping(ctx))
}
