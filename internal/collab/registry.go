// Package collab hosts live document sessions: it merges client updates into
// the authoritative replica, fans them out to local connections and to other
// instances through the broker, and persists snapshots on a debounce.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"docsync/internal/broker"
	"docsync/internal/history"
	"docsync/internal/store"
	"docsync/internal/util"
)

// SnapshotStore is the persistence gateway.
type SnapshotStore interface {
	LoadSnapshot(ctx context.Context, documentID string) (store.Snapshot, error)
	SaveSnapshot(ctx context.Context, documentID string, state []byte, version int64) error
}

// Archiver records the final snapshot of a session that persisted changes.
type Archiver interface {
	Record(documentID string, snapshot []byte, version int64, author string) (history.Commit, error)
}

type Options struct {
	FlushInterval  time.Duration
	EvictGrace     time.Duration
	LoadTimeout    time.Duration
	SaveTimeout    time.Duration
	PublishTimeout time.Duration
	// InstanceID tags broker messages so an instance ignores its own echoes.
	InstanceID string
	Archive    Archiver
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.EvictGrace <= 0 {
		o.EvictGrace = 5 * time.Second
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = 10 * time.Second
	}
	if o.SaveTimeout <= 0 {
		o.SaveTimeout = 10 * time.Second
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = 2 * time.Second
	}
	if o.InstanceID == "" {
		o.InstanceID = util.NewID("inst")
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Registry maps document ids to their live session. There is at most one
// session per document in a process.
type Registry struct {
	store      SnapshotStore
	broker     broker.Broker
	logger     *zap.Logger
	opts       Options
	instanceID string

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

func NewRegistry(snapshots SnapshotStore, b broker.Broker, logger *zap.Logger, opts Options) *Registry {
	opts = opts.withDefaults()
	r := &Registry{
		store:      snapshots,
		broker:     b,
		logger:     logger,
		opts:       opts,
		instanceID: opts.InstanceID,
		sessions:   make(map[string]*Session),
	}
	if observed, ok := b.(broker.Observed); ok {
		observed.OnRecover(r.resync)
	}
	return r
}

// resync runs a sync exchange for every live session, catching up on traffic
// missed while the broker was down.
func (r *Registry) resync() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	if len(sessions) > 0 {
		r.logger.Info("resynchronising sessions after broker recovery", zap.Int("sessions", len(sessions)))
	}
	for _, s := range sessions {
		s.resync()
	}
}

func (r *Registry) InstanceID() string { return r.instanceID }

func (r *Registry) now() time.Time { return r.opts.Now() }

// Attach registers c with its document's session, creating and loading the
// session if this is the first local connection. Concurrent first attaches
// share a single load.
func (r *Registry) Attach(ctx context.Context, c *Client) (*Session, error) {
	for {
		s, err := r.session(c.DocumentID)
		if err != nil {
			return nil, err
		}
		err = s.attach(ctx, c)
		if errors.Is(err, errSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Detach removes c from its document's session, if one is live.
func (r *Registry) Detach(documentID string, c *Client) {
	r.mu.Lock()
	s := r.sessions[documentID]
	r.mu.Unlock()
	if s != nil {
		s.Detach(c)
	}
}

// BroadcastLocal sends frame to every local connection of documentID except
// exclude. It is a no-op when the document has no live session.
func (r *Registry) BroadcastLocal(documentID string, frame []byte, exclude string) {
	r.mu.Lock()
	s := r.sessions[documentID]
	r.mu.Unlock()
	if s != nil {
		s.broadcastLocal(frame, exclude)
	}
}

func (r *Registry) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) lookup(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, false
	}
	s, ok := r.sessions[documentID]
	if !ok || s.closed() {
		return nil, false
	}
	return s, true
}

func (r *Registry) session(documentID string) (*Session, error) {
	if s, ok := r.lookup(documentID); ok {
		return s, nil
	}

	value, err, _ := r.group.Do(documentID, func() (any, error) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return nil, ErrShuttingDown
		}
		if s, ok := r.sessions[documentID]; ok && !s.closed() {
			r.mu.Unlock()
			return s, nil
		}
		r.mu.Unlock()

		// The load outlives any single caller; it is shared by every
		// concurrent attach.
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.LoadTimeout)
		defer cancel()

		s := newSession(r, documentID)
		if err := s.open(ctx); err != nil {
			r.logger.Warn("session load failed", zap.String("document_id", documentID), zap.Error(err))
			return nil, err
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			s.abort()
			return nil, ErrShuttingDown
		}
		r.sessions[documentID] = s
		r.mu.Unlock()

		s.start()
		r.logger.Info("session opened", zap.String("document_id", documentID), zap.Int64("version", s.version))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return value.(*Session), nil
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
}

// Close stops accepting attaches, flushes every session and waits for them to
// finish or for ctx to expire.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	for _, s := range sessions {
		select {
		case <-s.exited:
		case <-ctx.Done():
			return fmt.Errorf("drain sessions: %w", ctx.Err())
		}
	}
	r.logger.Info("registry drained", zap.Int("sessions", len(sessions)))
	return nil
}
