package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"docsync/internal/access"
	"docsync/internal/broker"
	"docsync/internal/crdt"
	"docsync/internal/history"
	"docsync/internal/store"
)

type State int32

const (
	StateLoading State = iota
	StateLive
	StateFlushing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateLive:
		return "live"
	case StateFlushing:
		return "flushing"
	default:
		return "closed"
	}
}

const (
	inboxSize  = 256
	outboxSize = 256
)

type message interface{ isMessage() }

type attachMsg struct {
	client *Client
	reply  chan error
}

type detachMsg struct{ client *Client }

type submitMsg struct {
	client *Client
	raw    []byte
	reply  chan error
}

type syncMsg struct {
	client *Client
	sv     crdt.StateVector
}

type presenceMsg struct {
	client *Client
	data   json.RawMessage
}

type remoteMsg struct{ env envelope }

type broadcastMsg struct {
	frame   []byte
	exclude string
}

type flushTimerMsg struct{}

type flushResultMsg struct {
	version int64
	err     error
}

type evictMsg struct{ generation uint64 }

type shutdownMsg struct{}

type resyncMsg struct{}

func (attachMsg) isMessage()      {}
func (detachMsg) isMessage()      {}
func (submitMsg) isMessage()      {}
func (syncMsg) isMessage()        {}
func (presenceMsg) isMessage()    {}
func (remoteMsg) isMessage()      {}
func (broadcastMsg) isMessage()   {}
func (flushTimerMsg) isMessage()  {}
func (flushResultMsg) isMessage() {}
func (evictMsg) isMessage()       {}
func (shutdownMsg) isMessage()    {}
func (resyncMsg) isMessage()      {}

// Session is the authoritative replica of one document in this process. All
// of its mutable state is owned by the run goroutine; other goroutines talk to
// it through the inbox.
type Session struct {
	id       string
	topic    string
	registry *Registry
	logger   *zap.Logger

	inbox  chan message
	outbox chan []byte
	// done is closed once the session stops accepting messages; exited once
	// it has released everything.
	done   chan struct{}
	exited chan struct{}
	state  atomic.Int32

	doc           *crdt.Doc
	version       int64
	loadedVersion int64
	persisted     int64
	clients       map[string]*Client
	roster        map[string]PresenceEvent
	unsubscribe   func()

	flushTimer   *time.Timer
	flushing     bool
	evictTimer   *time.Timer
	evictGen     uint64
	evictPending bool
	resyncTimer  *time.Timer
	closing      bool
}

func newSession(r *Registry, documentID string) *Session {
	s := &Session{
		id:          documentID,
		topic:       broker.Topic(documentID),
		registry:    r,
		logger:      r.logger.With(zap.String("document_id", documentID)),
		inbox:       make(chan message, inboxSize),
		outbox:      make(chan []byte, outboxSize),
		done:        make(chan struct{}),
		exited:      make(chan struct{}),
		clients:     make(map[string]*Client),
		roster:      make(map[string]PresenceEvent),
		unsubscribe: func() {},
	}
	s.state.Store(int32(StateLoading))
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// open subscribes to the document topic and loads the stored snapshot.
// Remote deliveries that arrive while loading queue up in the inbox and are
// merged once run starts.
func (s *Session) open(ctx context.Context) error {
	unsubscribe, err := s.registry.broker.Subscribe(ctx, s.topic, s.receive)
	if err != nil {
		s.logger.Warn("subscribe failed, document is local-only on this instance", zap.Error(err))
	} else {
		s.unsubscribe = unsubscribe
	}

	snapshot, err := s.registry.store.LoadSnapshot(ctx, s.id)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrSnapshotNotFound):
		snapshot = store.Snapshot{DocumentID: s.id}
	case errors.Is(err, store.ErrDocumentNotFound):
		s.abort()
		return fmt.Errorf("%w: %s", ErrNotFound, s.id)
	default:
		s.abort()
		return fmt.Errorf("%w: load snapshot: %v", ErrPersistence, err)
	}

	doc, err := crdt.Load(snapshot.State)
	if err != nil {
		s.abort()
		return fmt.Errorf("%w: decode snapshot: %v", ErrPersistence, err)
	}
	s.doc = doc
	s.version = snapshot.Version
	s.loadedVersion = snapshot.Version
	s.persisted = snapshot.Version
	s.state.Store(int32(StateLive))
	s.logger.Debug("session loaded", zap.Int64("version", s.version), zap.Int("ops", doc.Len()))
	// Peers may hold merged operations they have not flushed yet.
	s.requestSync()
	return nil
}

func (s *Session) abort() {
	s.state.Store(int32(StateClosed))
	close(s.done)
	s.unsubscribe()
	close(s.outbox)
	close(s.exited)
}

func (s *Session) start() {
	go s.publishLoop()
	go s.run()
}

func (s *Session) run() {
	for msg := range s.inbox {
		s.handle(msg)
		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) post(msg message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.inbox <- msg:
		return true
	case <-s.done:
		return false
	}
}

// receive is the broker handler.
func (s *Session) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		s.logger.Warn("dropping undecodable broker message", zap.Error(err))
		return
	}
	if env.Origin == s.registry.instanceID {
		return
	}
	s.post(remoteMsg{env: env})
}

func (s *Session) attach(ctx context.Context, c *Client) error {
	reply := make(chan error, 1)
	if !s.post(attachMsg{client: c, reply: reply}) {
		return errSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return errSessionClosed
		}
	case <-ctx.Done():
		go s.post(detachMsg{client: c})
		return ctx.Err()
	}
}

// Detach removes c. When it was the last connection the session flushes and
// is evicted after the grace period unless someone attaches again.
func (s *Session) Detach(c *Client) {
	s.post(detachMsg{client: c})
}

// Submit merges an update from c. Updates from one connection are applied in
// the order they are submitted.
func (s *Session) Submit(ctx context.Context, c *Client, raw []byte) error {
	reply := make(chan error, 1)
	if !s.post(submitMsg{client: c, raw: raw, reply: reply}) {
		return ErrShuttingDown
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		select {
		case err := <-reply:
			return err
		default:
			return ErrShuttingDown
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sync answers c with the operations missing from its state vector.
func (s *Session) Sync(c *Client, sv crdt.StateVector) {
	s.post(syncMsg{client: c, sv: sv})
}

// Presence broadcasts c's presence payload. It is never persisted.
func (s *Session) Presence(c *Client, data json.RawMessage) {
	s.post(presenceMsg{client: c, data: data})
}

func (s *Session) broadcastLocal(frame []byte, exclude string) {
	s.post(broadcastMsg{frame: frame, exclude: exclude})
}

func (s *Session) shutdown() {
	s.post(shutdownMsg{})
}

func (s *Session) resync() {
	s.post(resyncMsg{})
}

func (s *Session) handle(msg message) {
	switch m := msg.(type) {
	case attachMsg:
		m.reply <- s.handleAttach(m.client)
	case detachMsg:
		s.handleDetach(m.client)
	case submitMsg:
		m.reply <- s.handleSubmit(m.client, m.raw)
	case syncMsg:
		s.handleSync(m.client, m.sv)
	case presenceMsg:
		s.handlePresence(m.client, m.data)
	case remoteMsg:
		s.handleRemote(m.env)
	case broadcastMsg:
		s.broadcast(m.frame, m.exclude)
	case flushTimerMsg:
		s.flushTimer = nil
		s.flush()
	case flushResultMsg:
		s.handleFlushResult(m)
	case evictMsg:
		s.handleEvict(m.generation)
	case shutdownMsg:
		s.handleShutdown()
	case resyncMsg:
		s.resyncTimer = nil
		if !s.closing {
			s.requestSync()
		}
	}
}

func (s *Session) handleAttach(c *Client) error {
	if s.closing {
		return errSessionClosed
	}
	s.clients[c.ID] = c
	s.cancelEvict()

	state, err := EncodeFrame(Frame{Type: FrameState, Update: s.doc.Encode(), Version: s.version})
	if err != nil {
		delete(s.clients, c.ID)
		return err
	}
	c.Enqueue(state)
	for _, event := range s.rosterSnapshot() {
		if frame, err := EncodeFrame(Frame{Type: FramePresence, Presence: &event}); err == nil {
			c.Enqueue(frame)
		}
	}

	s.logger.Debug("client attached",
		zap.String("connection_id", c.ID),
		zap.String("user_id", c.UserID),
		zap.Stringer("level", c.Level()),
		zap.Int("clients", len(s.clients)),
	)
	return nil
}

func (s *Session) handleDetach(c *Client) {
	if _, ok := s.clients[c.ID]; !ok {
		return
	}
	delete(s.clients, c.ID)
	delete(s.roster, c.ID)

	leave := PresenceEvent{Connection: c.ID, User: c.UserID}
	if frame, err := EncodeFrame(Frame{Type: FrameLeave, Presence: &leave}); err == nil {
		s.broadcast(frame, "")
	}
	s.publish(envelope{Kind: kindLeave, Presence: &leave})

	s.logger.Debug("client detached", zap.String("connection_id", c.ID), zap.Int("clients", len(s.clients)))

	if len(s.clients) > 0 || s.closing {
		return
	}
	if s.dirty() {
		s.stopFlushTimer()
		s.flush()
	}
	s.armEvict()
}

func (s *Session) handleSubmit(c *Client, raw []byte) error {
	if _, ok := s.clients[c.ID]; !ok {
		return ErrNotAttached
	}
	if c.Expired(s.registry.now()) {
		return ErrUnauthorized
	}
	if !access.Can(c.Level(), access.ActionWrite) {
		return ErrForbidden
	}
	update, err := crdt.DecodeUpdate(raw)
	if err != nil {
		s.logger.Warn("rejected malformed update", zap.String("connection_id", c.ID), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrMalformedUpdate, err)
	}
	s.merge(update, c.ID, true)
	return nil
}

func (s *Session) handleSync(c *Client, sv crdt.StateVector) {
	if _, ok := s.clients[c.ID]; !ok {
		return
	}
	encoded, err := crdt.EncodeUpdate(s.doc.Diff(sv))
	if err != nil {
		s.logger.Error("encode sync diff", zap.Error(err))
		return
	}
	frame, err := EncodeFrame(Frame{Type: FrameUpdate, Update: encoded, Version: s.version})
	if err != nil {
		return
	}
	s.deliver(c, frame)
}

func (s *Session) handlePresence(c *Client, data json.RawMessage) {
	if _, ok := s.clients[c.ID]; !ok {
		return
	}
	event := PresenceEvent{
		Connection: c.ID,
		User:       c.UserID,
		Name:       c.Name,
		Color:      c.Color,
		Data:       append(json.RawMessage(nil), data...),
	}
	s.roster[c.ID] = event
	if frame, err := EncodeFrame(Frame{Type: FramePresence, Presence: &event}); err == nil {
		s.broadcast(frame, c.ID)
	}
	s.publish(envelope{Kind: kindPresence, Presence: &event})
}

func (s *Session) handleRemote(env envelope) {
	if s.closing {
		return
	}
	switch env.Kind {
	case kindUpdate:
		update, err := crdt.DecodeUpdate(env.Update)
		if err != nil {
			s.logger.Warn("dropping malformed remote update", zap.String("origin", env.Origin), zap.Error(err))
			return
		}
		s.merge(update, "", false)
	case kindSyncRequest:
		s.answerSync(env)
	case kindSyncReply:
		if env.To != s.registry.instanceID {
			return
		}
		s.completeSync(env)
	case kindPresence, kindLeave:
		if env.Presence == nil {
			return
		}
		frameType := FramePresence
		if env.Kind == kindLeave {
			frameType = FrameLeave
		}
		if frame, err := EncodeFrame(Frame{Type: frameType, Presence: env.Presence}); err == nil {
			s.broadcast(frame, "")
		}
	default:
		s.logger.Debug("ignoring broker message", zap.String("kind", env.Kind))
	}
}

// requestSync publishes this replica's state vector so that peers send back
// what it is missing.
func (s *Session) requestSync() {
	s.publish(envelope{Kind: kindSyncRequest, StateVector: s.doc.StateVector()})
}

// answerSync replies to a peer's request with the operations it lacks and
// this replica's own state vector.
func (s *Session) answerSync(env envelope) {
	encoded, err := crdt.EncodeUpdate(s.doc.Diff(env.StateVector))
	if err != nil {
		s.logger.Error("encode sync reply", zap.Error(err))
		return
	}
	s.publish(envelope{Kind: kindSyncReply, To: env.Origin, Update: encoded, StateVector: s.doc.StateVector()})
}

// completeSync merges a peer's reply and publishes what the peer lacks. It
// never requests again, so an exchange is at most three messages.
func (s *Session) completeSync(env envelope) {
	if len(env.Update) > 0 {
		update, err := crdt.DecodeUpdate(env.Update)
		if err != nil {
			s.logger.Warn("dropping malformed sync reply", zap.String("origin", env.Origin), zap.Error(err))
			return
		}
		s.merge(update, "", false)
	}
	missing := s.doc.Diff(env.StateVector)
	if missing.Empty() {
		return
	}
	encoded, err := crdt.EncodeUpdate(missing)
	if err != nil {
		s.logger.Error("encode sync update", zap.Error(err))
		return
	}
	s.logger.Debug("sending peer missing operations", zap.String("peer", env.Origin), zap.Int("ops", len(missing.Ops)))
	s.publish(envelope{Kind: kindUpdate, Update: encoded})
}

// merge applies update and fans out the operations that changed the replica.
// Remote updates are never republished.
func (s *Session) merge(update crdt.Update, exclude string, publish bool) {
	applied := s.doc.Apply(update)
	if applied.Empty() {
		return
	}
	s.version++
	s.markDirty()

	encoded, err := crdt.EncodeUpdate(applied)
	if err != nil {
		s.logger.Error("encode applied update", zap.Error(err))
		return
	}
	if frame, err := EncodeFrame(Frame{Type: FrameUpdate, Update: encoded, Version: s.version}); err == nil {
		s.broadcast(frame, exclude)
	}
	if publish {
		s.publish(envelope{Kind: kindUpdate, Update: encoded})
	}
}

func (s *Session) broadcast(frame []byte, exclude string) {
	for id, c := range s.clients {
		if id == exclude {
			continue
		}
		s.deliver(c, frame)
	}
}

// deliver never blocks the merge loop: a client that cannot keep up is
// disconnected and resynchronises when it reconnects.
func (s *Session) deliver(c *Client, frame []byte) {
	if c.Enqueue(frame) {
		return
	}
	if c.CloseReason() == CloseNone {
		s.logger.Warn("disconnecting slow consumer", zap.String("connection_id", c.ID))
		c.Close(CloseSlowConsumer)
	}
}

func (s *Session) publish(env envelope) {
	env.Origin = s.registry.instanceID
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("encode broker envelope", zap.Error(err))
		return
	}
	select {
	case s.outbox <- payload:
	default:
		s.logger.Warn("broker outbox full, dropping message", zap.String("kind", env.Kind))
		s.scheduleResync()
	}
}

// scheduleResync runs a sync exchange one flush interval after messages were
// dropped, so peers recover the operations they missed.
func (s *Session) scheduleResync() {
	if s.resyncTimer != nil || s.closing {
		return
	}
	s.resyncTimer = time.AfterFunc(s.registry.opts.FlushInterval, s.resync)
}

// publishLoop forwards envelopes to the broker outside the merge loop.
func (s *Session) publishLoop() {
	for payload := range s.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), s.registry.opts.PublishTimeout)
		if err := s.registry.broker.Publish(ctx, s.topic, payload); err != nil {
			s.logger.Debug("publish failed", zap.Error(err))
		}
		cancel()
	}
}

func (s *Session) dirty() bool {
	return s.version > s.persisted
}

// markDirty arms the debounce timer on the first unflushed mutation.
func (s *Session) markDirty() {
	if s.flushTimer != nil || s.flushing || s.closing {
		return
	}
	s.flushTimer = time.AfterFunc(s.registry.opts.FlushInterval, func() {
		s.post(flushTimerMsg{})
	})
}

func (s *Session) stopFlushTimer() {
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
}

// flush saves the current state in the background; merging continues while
// the save is in flight.
func (s *Session) flush() {
	if s.flushing || !s.dirty() {
		return
	}
	snapshot := s.doc.Encode()
	version := s.version
	s.flushing = true
	s.state.Store(int32(StateFlushing))

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.registry.opts.SaveTimeout)
		defer cancel()
		err := s.registry.store.SaveSnapshot(ctx, s.id, snapshot, version)
		s.post(flushResultMsg{version: version, err: err})
	}()
}

func (s *Session) handleFlushResult(m flushResultMsg) {
	s.flushing = false
	s.state.Store(int32(StateLive))

	if m.err != nil {
		s.logger.Error("snapshot save failed, keeping state in memory",
			zap.Int64("version", m.version),
			zap.Error(m.err),
		)
	} else {
		if m.version > s.persisted {
			s.persisted = m.version
		}
		s.logger.Debug("snapshot saved", zap.Int64("version", m.version))
	}

	if s.closing {
		if m.err == nil && s.dirty() {
			s.flush()
			return
		}
		if m.err != nil {
			s.logger.Error("closing with unsaved changes", zap.Int64("version", s.version), zap.Int64("persisted", s.persisted))
		}
		s.finish()
		return
	}

	if s.dirty() {
		s.markDirty()
	}
	s.maybeEvict()
}

func (s *Session) armEvict() {
	s.evictGen++
	generation := s.evictGen
	if s.evictTimer != nil {
		s.evictTimer.Stop()
	}
	s.evictTimer = time.AfterFunc(s.registry.opts.EvictGrace, func() {
		s.post(evictMsg{generation: generation})
	})
}

func (s *Session) cancelEvict() {
	s.evictGen++
	s.evictPending = false
	if s.evictTimer != nil {
		s.evictTimer.Stop()
		s.evictTimer = nil
	}
}

func (s *Session) handleEvict(generation uint64) {
	if generation != s.evictGen || len(s.clients) > 0 {
		return
	}
	s.evictPending = true
	s.maybeEvict()
}

// maybeEvict closes an idle session once its state is persisted. While saves
// keep failing the session stays resident.
func (s *Session) maybeEvict() {
	if !s.evictPending || len(s.clients) > 0 || s.flushing {
		return
	}
	if s.dirty() {
		if s.flushTimer == nil {
			s.flush()
		}
		return
	}
	s.finish()
}

func (s *Session) handleShutdown() {
	if s.closing {
		return
	}
	s.closing = true
	s.stopFlushTimer()
	s.cancelEvict()

	for _, c := range s.clients {
		leave := PresenceEvent{Connection: c.ID, User: c.UserID}
		s.publish(envelope{Kind: kindLeave, Presence: &leave})
		c.Close(CloseShutdown)
	}
	s.clients = make(map[string]*Client)
	s.roster = make(map[string]PresenceEvent)

	if s.flushing {
		return
	}
	if s.dirty() {
		s.flush()
		return
	}
	s.finish()
}

func (s *Session) finish() {
	s.state.Store(int32(StateClosed))
	close(s.done)
	s.stopFlushTimer()
	if s.evictTimer != nil {
		s.evictTimer.Stop()
	}
	if s.resyncTimer != nil {
		s.resyncTimer.Stop()
	}
	s.registry.remove(s)
	s.unsubscribe()
	close(s.outbox)

	if s.persisted > s.loadedVersion {
		s.archive()
	}
	s.logger.Info("session closed",
		zap.Int64("version", s.version),
		zap.Int64("persisted", s.persisted),
	)
	close(s.exited)
}

func (s *Session) archive() {
	if s.registry.opts.Archive == nil {
		return
	}
	commit, err := s.registry.opts.Archive.Record(s.id, s.doc.Encode(), s.version, "docsync")
	switch {
	case errors.Is(err, history.ErrUnchanged):
	case err != nil:
		s.logger.Warn("archive snapshot", zap.Error(err))
	default:
		s.logger.Debug("snapshot archived", zap.String("commit", commit.Hash), zap.Int64("version", commit.Version))
	}
}

func (s *Session) rosterSnapshot() []PresenceEvent {
	events := make([]PresenceEvent, 0, len(s.roster))
	for _, event := range s.roster {
		events = append(events, event)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Connection < events[j].Connection
	})
	return events
}
