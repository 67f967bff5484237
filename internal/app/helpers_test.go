package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"docsync/internal/access"
	"docsync/internal/auth"
	"docsync/internal/broker"
	"docsync/internal/collab"
	"docsync/internal/config"
	"docsync/internal/crdt"
	"docsync/internal/store"
	"docsync/internal/token"
)

const (
	testTokenSecret   = "test-token-secret"
	testSessionSecret = "test-session-secret"
)

// fakeStore backs both the access directory and snapshot persistence.
type fakeStore struct {
	mu        sync.Mutex
	documents map[string]access.Document
	members   map[string]bool
	snapshots map[string]store.Snapshot
	pingErr   error
}

func newFakeStore(documents ...access.Document) *fakeStore {
	st := &fakeStore{
		documents: make(map[string]access.Document),
		members:   make(map[string]bool),
		snapshots: make(map[string]store.Snapshot),
	}
	for _, doc := range documents {
		st.documents[doc.ID] = doc
	}
	return st
}

func (f *fakeStore) addMember(workspaceID, userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.members[workspaceID+"/"+userID] = true
}

func (f *fakeStore) GetDocumentAccess(_ context.Context, documentID string) (access.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.documents[documentID]
	if !ok {
		return access.Document{}, access.ErrNotFound
	}
	return doc, nil
}

func (f *fakeStore) IsWorkspaceMember(_ context.Context, workspaceID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[workspaceID+"/"+userID], nil
}

func (f *fakeStore) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeStore) failPing(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pingErr = err
}

func (f *fakeStore) LoadSnapshot(_ context.Context, documentID string) (store.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[documentID]; !ok {
		return store.Snapshot{}, store.ErrDocumentNotFound
	}
	snapshot, ok := f.snapshots[documentID]
	if !ok {
		return store.Snapshot{DocumentID: documentID}, store.ErrSnapshotNotFound
	}
	return snapshot, nil
}

func (f *fakeStore) SaveSnapshot(_ context.Context, documentID string, state []byte, version int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[documentID]; !ok {
		return store.ErrDocumentNotFound
	}
	current := f.snapshots[documentID]
	merged, err := crdt.Merge(current.State, state)
	if err != nil {
		return err
	}
	if current.Version > version {
		version = current.Version
	}
	f.snapshots[documentID] = store.Snapshot{DocumentID: documentID, State: merged, Version: version, UpdatedAt: time.Now()}
	return nil
}

type testServer struct {
	*httptest.Server
	store    *fakeStore
	registry *collab.Registry
	issuer   *token.Issuer
}

func newTestServer(t *testing.T, st *fakeStore, history HistoryReader) *testServer {
	t.Helper()
	return newTestServerWithBroker(t, st, history, broker.Local())
}

func newTestServerWithBroker(t *testing.T, st *fakeStore, history HistoryReader, b broker.Broker) *testServer {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Config{
		TokenSecret:   testTokenSecret,
		TokenTTL:      time.Hour,
		SessionSecret: testSessionSecret,
		CORSOrigin:    "*",
	}
	registry := collab.NewRegistry(st, b, logger, collab.Options{
		FlushInterval: time.Hour,
		EvictGrace:    time.Hour,
	})
	service := NewService(cfg, st, registry, b, history, logger)
	server := httptest.NewServer(NewHTTPServer(service, cfg.CORSOrigin, logger).Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Close(ctx)
		server.Close()
	})
	return &testServer{Server: server, store: st, registry: registry, issuer: token.NewIssuer(testTokenSecret)}
}

// downBroker fails every publish.
type downBroker struct {
	broker.Broker
}

func (downBroker) Publish(context.Context, string, []byte) error {
	return errors.New("connection refused")
}

func (downBroker) Mode() string { return "redis" }

func identityToken(t *testing.T, userID string) string {
	t.Helper()
	value, err := auth.IssueToken([]byte(testSessionSecret), auth.Claims{
		Sub:  userID,
		Name: userID,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	require.NoError(t, err)
	return value
}

func (s *testServer) post(t *testing.T, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (s *testServer) get(t *testing.T, path, bearer string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.URL+path, nil)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := s.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func (s *testServer) syncToken(t *testing.T, documentID, userID string, level access.Level, ttl time.Duration) token.Token {
	t.Helper()
	issued, err := s.issuer.Issue(documentID, userID, level, ttl)
	require.NoError(t, err)
	return issued
}

func (s *testServer) dial(t *testing.T, documentID, syncToken, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.URL, "http") + "/sync/" + documentID + "?token=" + syncToken + "&name=" + name
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) collab.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	frame, err := collab.DecodeFrame(raw)
	require.NoError(t, err)
	return frame
}

// readFrameOfType skips frames of other types, such as roster presence.
func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) collab.Frame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Type == frameType {
			return frame
		}
	}
	t.Fatalf("no %s frame received", frameType)
	return collab.Frame{}
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame collab.Frame) {
	t.Helper()
	encoded, err := collab.EncodeFrame(frame)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, encoded))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		require.Equal(t, code, closeErr.Code)
		return
	}
}
