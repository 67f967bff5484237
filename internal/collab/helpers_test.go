package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsync/internal/access"
	"docsync/internal/broker"
	"docsync/internal/crdt"
	"docsync/internal/store"
)

type savedSnapshot struct {
	documentID string
	state      []byte
	version    int64
}

// memoryStore is an in-memory persistence gateway with failure injection.
type memoryStore struct {
	mu        sync.Mutex
	documents map[string]store.Snapshot
	saved     []savedSnapshot
	attempts  int
	failSaves int

	loads       atomic.Int32
	loadDelay   time.Duration
	loadErr     error
	loadGate    chan struct{}
	loadStarted chan struct{}
}

func newMemoryStore(documentIDs ...string) *memoryStore {
	st := &memoryStore{documents: make(map[string]store.Snapshot)}
	for _, id := range documentIDs {
		st.documents[id] = store.Snapshot{DocumentID: id}
	}
	return st
}

func (m *memoryStore) LoadSnapshot(ctx context.Context, documentID string) (store.Snapshot, error) {
	m.loads.Add(1)
	if m.loadStarted != nil {
		m.loadStarted <- struct{}{}
	}
	if m.loadGate != nil {
		select {
		case <-m.loadGate:
		case <-ctx.Done():
			return store.Snapshot{}, ctx.Err()
		}
	}
	if m.loadDelay > 0 {
		time.Sleep(m.loadDelay)
	}
	if m.loadErr != nil {
		return store.Snapshot{}, m.loadErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot, ok := m.documents[documentID]
	if !ok {
		return store.Snapshot{}, store.ErrDocumentNotFound
	}
	if snapshot.Version == 0 {
		return store.Snapshot{DocumentID: documentID}, store.ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (m *memoryStore) SaveSnapshot(_ context.Context, documentID string, state []byte, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	if m.failSaves > 0 {
		m.failSaves--
		return errors.New("database unavailable")
	}
	m.saved = append(m.saved, savedSnapshot{documentID: documentID, state: append([]byte(nil), state...), version: version})
	// Same contract as the Postgres store: union with what is stored, version
	// never decreases.
	current := m.documents[documentID]
	merged, err := crdt.Merge(current.State, state)
	if err != nil {
		return err
	}
	if current.Version > version {
		version = current.Version
	}
	m.documents[documentID] = store.Snapshot{DocumentID: documentID, State: merged, Version: version}
	return nil
}

func (m *memoryStore) saves() []savedSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]savedSnapshot(nil), m.saved...)
}

func (m *memoryStore) stored(documentID string) store.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.documents[documentID]
}

func (m *memoryStore) saveAttempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// countingBroker counts the update and sync-request envelopes one instance
// publishes.
type countingBroker struct {
	broker.Broker
	updates  atomic.Int32
	requests atomic.Int32
}

func (c *countingBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	var env envelope
	if err := json.Unmarshal(payload, &env); err == nil {
		switch env.Kind {
		case kindUpdate:
			c.updates.Add(1)
		case kindSyncRequest:
			c.requests.Add(1)
		}
	}
	return c.Broker.Publish(ctx, topic, payload)
}

// flakyBroker fails every publish while muted and reports recovery to its
// observers when unmuted.
type flakyBroker struct {
	broker.Broker
	muted atomic.Bool

	mu        sync.Mutex
	onRecover []func()
}

func (f *flakyBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if f.muted.Load() {
		return broker.ErrUnavailable
	}
	return f.Broker.Publish(ctx, topic, payload)
}

func (f *flakyBroker) Degraded() bool { return f.muted.Load() }

func (f *flakyBroker) OnRecover(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onRecover = append(f.onRecover, fn)
}

func (f *flakyBroker) recover() {
	f.muted.Store(false)
	f.mu.Lock()
	callbacks := append([]func(){}, f.onRecover...)
	f.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

func newRedisBroker(t *testing.T, mr *miniredis.Miniredis) *broker.Redis {
	t.Helper()
	b, err := broker.NewRedis(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newTestRegistry(t *testing.T, st SnapshotStore, b broker.Broker, opts Options) *Registry {
	t.Helper()
	if opts.FlushInterval == 0 {
		opts.FlushInterval = time.Hour
	}
	if opts.EvictGrace == 0 {
		opts.EvictGrace = time.Hour
	}
	r := NewRegistry(st, b, zaptest.NewLogger(t), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func newTestClient(documentID, userID string, level access.Level) *Client {
	return NewClient(ClientInfo{
		DocumentID: documentID,
		UserID:     userID,
		Name:       userID,
		Level:      level,
		ExpiresAt:  time.Now().Add(time.Hour),
	}, 0)
}

func attach(t *testing.T, r *Registry, c *Client) *Session {
	t.Helper()
	s, err := r.Attach(context.Background(), c)
	require.NoError(t, err)
	frame := nextFrame(t, c)
	require.Equal(t, FrameState, frame.Type)
	return s
}

func nextFrame(t *testing.T, c *Client) Frame {
	t.Helper()
	select {
	case raw := <-c.Send():
		frame, err := DecodeFrame(raw)
		require.NoError(t, err)
		return frame
	case <-time.After(2 * time.Second):
		t.Fatalf("no frame delivered to %s", c.ID)
		return Frame{}
	}
}

// drain discards queued frames until the client has been idle for a moment.
func drain(c *Client) {
	for {
		select {
		case <-c.Send():
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

// absorb applies every queued state and update frame to view without
// waiting.
func absorb(t *testing.T, c *Client, view *crdt.Doc) {
	t.Helper()
	for {
		select {
		case raw := <-c.Send():
			frame, err := DecodeFrame(raw)
			require.NoError(t, err)
			if frame.Type != FrameState && frame.Type != FrameUpdate {
				continue
			}
			update, err := crdt.DecodeUpdate(frame.Update)
			require.NoError(t, err)
			view.Apply(update)
		default:
			return
		}
	}
}

// replicaState returns the encoded full state of r's replica of documentID,
// read from the state frame a fresh viewer receives.
func replicaState(t *testing.T, r *Registry, documentID string) string {
	t.Helper()
	viewer := newTestClient(documentID, "", access.LevelView)
	s, err := r.Attach(context.Background(), viewer)
	require.NoError(t, err)
	frame := nextFrame(t, viewer)
	require.Equal(t, FrameState, frame.Type)
	s.Detach(viewer)
	return string(frame.Update)
}

func expectNoFrame(t *testing.T, c *Client, wait time.Duration) {
	t.Helper()
	select {
	case raw := <-c.Send():
		t.Fatalf("unexpected frame delivered to %s: %s", c.ID, raw)
	case <-time.After(wait):
	}
}

func encodeOps(t *testing.T, ops ...crdt.Op) []byte {
	t.Helper()
	encoded, err := crdt.EncodeUpdate(crdt.Update{Ops: ops})
	require.NoError(t, err)
	return encoded
}

func decodeOps(t *testing.T, raw json.RawMessage) []crdt.Op {
	t.Helper()
	update, err := crdt.DecodeUpdate(raw)
	require.NoError(t, err)
	return update.Ops
}

func op(origin string, clock uint64, data string) crdt.Op {
	return crdt.Op{Origin: origin, Clock: clock, Data: []byte(data)}
}
