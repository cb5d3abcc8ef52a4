package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store used in dev mode and tests.
type Memory struct {
	mu    sync.Mutex
	users map[string]User
	calls map[string]CallRecord
}

func NewMemory(users ...User) *Memory {
	m := &Memory{
		users: make(map[string]User),
		calls: make(map[string]CallRecord),
	}
	for _, u := range users {
		m.users[u.ID] = u
	}
	return m
}

// PutUser inserts or replaces a directory record.
func (m *Memory) PutUser(u User) {
	m.mu.Lock()
	m.users[u.ID] = u
	m.mu.Unlock()
}

func (m *Memory) FindByID(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (m *Memory) MarkOnline(ctx context.Context, id, connectionID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = true
	u.LastConnectionID = connectionID
	u.LastSeenAt = at
	m.users[id] = u
	return nil
}

func (m *Memory) MarkOffline(ctx context.Context, id, connectionID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.LastConnectionID != connectionID {
		return nil
	}
	u.IsOnline = false
	u.LastSeenAt = at
	m.users[id] = u
	return nil
}

func (m *Memory) CreateCall(ctx context.Context, rec CallRecord) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	rec.ID = uuid.NewString()
	m.mu.Lock()
	m.calls[rec.ID] = rec
	m.mu.Unlock()
	return rec.ID, nil
}

func (m *Memory) TransitionCall(ctx context.Context, t Transition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[t.CallID]
	if !ok {
		return ErrNotFound
	}
	if !statusIn(rec.Status, t.From) {
		return ErrStatusConflict
	}
	rec.Status = t.To
	if t.EndedAt != nil {
		at := *t.EndedAt
		rec.EndedAt = &at
	}
	if t.DurationSeconds != nil {
		d := *t.DurationSeconds
		rec.DurationSeconds = &d
	}
	if t.Reason != "" {
		rec.EndReason = t.Reason
	}
	m.calls[t.CallID] = rec
	return nil
}

func (m *Memory) CallHistory(ctx context.Context, q HistoryQuery) ([]CallRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]CallRecord, 0, len(m.calls))
	for _, rec := range m.calls {
		if q.UserID != "" && rec.CallerID != q.UserID && rec.CalleeID != q.UserID {
			continue
		}
		rec.CallerName = m.users[rec.CallerID].DisplayName()
		rec.CalleeName = m.users[rec.CalleeID].DisplayName()
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit := q.EffectiveLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Call returns the stored record for id.
func (m *Memory) Call(id string) (CallRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.calls[id]
	return rec, ok
}

// CallCount returns the number of stored call records.
func (m *Memory) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }
