// Package presence tracks which users are connected and through which
// connection they can be reached.
//
// The in-memory registry is authoritative for routing. The user directory and
// the optional Mirror only carry hints; a hint is accepted only when it names a
// live local connection belonging to the same user.
package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/carenet/call-relay/internal/metrics"
	"github.com/carenet/call-relay/internal/protocol"
	"github.com/carenet/call-relay/internal/store"
)

var ErrAlreadyJoined = errors.New("presence: connection already joined")

const DefaultStoreTimeout = 3 * time.Second

type Entry struct {
	ConnectionID string
	UserID       string
	Role         protocol.Role
	DisplayName  string
	JoinedAt     time.Time
}

type Config struct {
	// Directory receives online/offline writes and serves routing hints when no
	// Mirror is configured. Optional.
	Directory store.UserDirectory
	// Mirror publishes routing hints to other processes. Optional.
	Mirror Mirror

	StoreTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *metrics.Metrics

	Now func() time.Time
}

type Registry struct {
	dir     store.UserDirectory
	mirror  Mirror
	timeout time.Duration
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry(cfg Config) *Registry {
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
	return &Registry{
		dir:     cfg.Directory,
		mirror:  cfg.Mirror,
		timeout: timeout,
		log:     logger.With("component", "presence"),
		metrics: cfg.Metrics,
		now:     now,
		entries: make(map[string]Entry),
	}
}

// Join registers e. A second join on the same connection fails with
// ErrAlreadyJoined and leaves the original entry in place. Directory and
// mirror failures are logged and do not fail the join.
func (r *Registry) Join(ctx context.Context, e Entry) (Entry, error) {
	if e.JoinedAt.IsZero() {
		e.JoinedAt = r.now()
	}

	r.mu.Lock()
	if _, ok := r.entries[e.ConnectionID]; ok {
		r.mu.Unlock()
		return Entry{}, ErrAlreadyJoined
	}
	r.entries[e.ConnectionID] = e
	n := len(r.entries)
	r.mu.Unlock()

	r.metrics.Inc(metrics.PresenceJoined)
	r.metrics.SetOnlineConnections(n)

	if r.dir != nil {
		sctx, cancel := r.storeContext(ctx)
		start := time.Now()
		err := r.dir.MarkOnline(sctx, e.UserID, e.ConnectionID, e.JoinedAt)
		r.metrics.ObserveStore(metrics.OpMarkOnline, start)
		cancel()
		if err != nil {
			r.metrics.Inc(metrics.DirectoryErrors)
			r.log.Warn("mark online failed", "user_id", e.UserID, "connection_id", e.ConnectionID, "err", err)
		}
	}
	if r.mirror != nil {
		sctx, cancel := r.storeContext(ctx)
		err := r.mirror.Publish(sctx, e.UserID, e.ConnectionID)
		cancel()
		if err != nil {
			r.metrics.Inc(metrics.MirrorErrors)
			r.log.Warn("publish routing hint failed", "user_id", e.UserID, "connection_id", e.ConnectionID, "err", err)
		}
	}

	r.log.Info("user joined", "user_id", e.UserID, "role", e.Role, "connection_id", e.ConnectionID)
	return e, nil
}

// Leave removes and returns the entry for connectionID.
func (r *Registry) Leave(ctx context.Context, connectionID string) (Entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[connectionID]
	if ok {
		delete(r.entries, connectionID)
	}
	n := len(r.entries)
	r.mu.Unlock()
	if !ok {
		return Entry{}, false
	}

	r.metrics.Inc(metrics.PresenceLeft)
	r.metrics.SetOnlineConnections(n)

	if r.dir != nil {
		sctx, cancel := r.storeContext(ctx)
		start := time.Now()
		err := r.dir.MarkOffline(sctx, e.UserID, connectionID, r.now())
		r.metrics.ObserveStore(metrics.OpMarkOffline, start)
		cancel()
		if err != nil {
			r.metrics.Inc(metrics.DirectoryErrors)
			r.log.Warn("mark offline failed", "user_id", e.UserID, "connection_id", connectionID, "err", err)
		}
	}
	if r.mirror != nil {
		sctx, cancel := r.storeContext(ctx)
		err := r.mirror.Withdraw(sctx, e.UserID, connectionID)
		cancel()
		if err != nil {
			r.metrics.Inc(metrics.MirrorErrors)
			r.log.Warn("withdraw routing hint failed", "user_id", e.UserID, "connection_id", connectionID, "err", err)
		}
	}

	r.log.Info("user left", "user_id", e.UserID, "connection_id", connectionID)
	return e, true
}

func (r *Registry) Find(connectionID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[connectionID]
	return e, ok
}

// ResolveConnection returns the live connection of userID.
//
// The routing hint comes from the mirror when configured, otherwise from the
// directory's last connection while the user is marked online. A hint naming
// a connection that is not live locally, or that belongs to someone else, is
// discarded; the registry is then searched directly for the user's most
// recent connection.
func (r *Registry) ResolveConnection(ctx context.Context, userID string) (string, bool) {
	if userID == "" {
		return "", false
	}

	if hint, ok := r.routingHint(ctx, userID); ok {
		if e, live := r.Find(hint); live && e.UserID == userID {
			return hint, true
		}
		r.metrics.Inc(metrics.StaleRoutingHint)
		r.log.Debug("stale routing hint", "user_id", userID, "connection_id", hint)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		best  Entry
		found bool
	)
	for _, e := range r.entries {
		if e.UserID != userID {
			continue
		}
		if !found || e.JoinedAt.After(best.JoinedAt) {
			best, found = e, true
		}
	}
	return best.ConnectionID, found
}

func (r *Registry) routingHint(ctx context.Context, userID string) (string, bool) {
	if r.mirror != nil {
		sctx, cancel := r.storeContext(ctx)
		defer cancel()
		connID, ok, err := r.mirror.Lookup(sctx, userID)
		if err == nil {
			return connID, ok
		}
		r.metrics.Inc(metrics.MirrorErrors)
		r.log.Warn("routing hint lookup failed", "user_id", userID, "err", err)
	}
	if r.dir == nil {
		return "", false
	}

	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	start := time.Now()
	u, err := r.dir.FindByID(sctx, userID)
	r.metrics.ObserveStore(metrics.OpFindUser, start)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			r.metrics.Inc(metrics.DirectoryErrors)
			r.log.Warn("directory lookup failed", "user_id", userID, "err", err)
		}
		return "", false
	}
	if !u.IsOnline || u.LastConnectionID == "" {
		return "", false
	}
	return u.LastConnectionID, true
}

// ListAll returns a snapshot of every entry ordered by join time.
func (r *Registry) ListAll() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ConnectionID < out[j].ConnectionID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// ListByRole returns the entries with the given role ordered by join time.
func (r *Registry) ListByRole(role protocol.Role) []Entry {
	all := r.ListAll()
	out := all[:0]
	for _, e := range all {
		if e.Role == role {
			out = append(out, e)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Heartbeat extends the lifetime of the connection's routing hint.
func (r *Registry) Heartbeat(ctx context.Context, connectionID string) {
	if r.mirror == nil {
		return
	}
	e, ok := r.Find(connectionID)
	if !ok {
		return
	}
	sctx, cancel := r.storeContext(ctx)
	defer cancel()
	if err := r.mirror.Refresh(sctx, e.UserID, connectionID); err != nil {
		r.metrics.Inc(metrics.MirrorErrors)
		r.log.Debug("refresh routing hint failed", "user_id", e.UserID, "connection_id", connectionID, "err", err)
	}
}

// storeContext bounds a directory or mirror call. Cancellation of the parent is
// ignored so disconnect cleanup still reaches the store during shutdown.
func (r *Registry) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
}
