package server

import (
	"context"
	"log"
	"sync"

	"github.com/alimasry/go-doc-sync/auth"
	"github.com/alimasry/go-doc-sync/bus"
	"github.com/alimasry/go-doc-sync/crdt"
	"github.com/alimasry/go-doc-sync/store"
)

type joinRequest struct {
	client      *Client
	docID       string
	stateVector []byte
}

// Hub is the registry of resident document sessions. It authorizes joins,
// cold-loads sessions from the snapshot and operation stores, and wires
// each session to the cross-instance bus.
type Hub struct {
	engine crdt.Engine
	ops    store.OperationStore
	snaps  store.SnapshotStore
	guard  auth.Guard
	bus    bus.Bus
	policy SnapshotPolicy

	mu       sync.RWMutex
	sessions map[string]*Session

	joinDoc chan joinRequest
}

func NewHub(engine crdt.Engine, ops store.OperationStore, snaps store.SnapshotStore, guard auth.Guard, b bus.Bus, policy SnapshotPolicy) *Hub {
	return &Hub{
		engine:   engine,
		ops:      ops,
		snaps:    snaps,
		guard:    guard,
		bus:      b,
		policy:   policy,
		sessions: make(map[string]*Session),
		joinDoc:  make(chan joinRequest, 64),
	}
}

// Run is the hub's main loop.
func (h *Hub) Run() {
	for req := range h.joinDoc {
		h.handleJoinDoc(req)
	}
}

func (h *Hub) handleJoinDoc(req joinRequest) {
	ctx := context.Background()

	ok, err := h.guard.HasAccess(ctx, req.client.UserID, req.docID, auth.RoleViewer)
	if err != nil {
		log.Printf("hub: access check for %s on %q: %v", req.client.UserID, req.docID, err)
		req.client.sendError(ErrCodeAuthDenied, "authorization check failed")
		return
	}
	if !ok {
		// The connection stays open; the client may join another document.
		req.client.sendError(ErrCodeAuthDenied, "no access to document "+req.docID)
		return
	}

	// A handle belongs to one room at a time.
	if old := req.client.currentSession(); old != nil && old.docID != req.docID {
		old.detach <- req.client
	}

	for {
		s, err := h.getOrLoad(ctx, req.docID)
		if err != nil {
			log.Printf("hub: failed to load doc %q: %v", req.docID, err)
			req.client.sendError(ErrCodeLoadFailed, "failed to load document")
			return
		}
		seated, retry := s.deliverJoin(sessionJoin{client: req.client, stateVector: req.stateVector})
		if seated || !retry {
			return
		}
		// The session was evicted between the lookup and the handoff. It is
		// already unregistered, so the next lookup loads a fresh one.
	}
}

// getOrLoad returns the resident session for a document, creating it from
// the snapshot and operation stores when cold.
func (h *Hub) getOrLoad(ctx context.Context, docID string) (*Session, error) {
	h.mu.RLock()
	s := h.sessions[docID]
	h.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	s = newSession(docID, h.engine, h.ops, h.snaps, h.guard, h.bus, h, h.policy)
	if err := s.load(ctx); err != nil {
		return nil, err
	}

	unsub, err := h.bus.Subscribe(docID, func(_ string, payload []byte) {
		select {
		case s.remote <- payload:
		case <-s.done:
		}
	})
	if err != nil {
		// Degrade to single-instance fan-out for this document.
		log.Printf("hub: bus subscribe for %q failed, continuing without cross-instance sync: %v", docID, err)
		unsub = func() {}
	}
	s.unsubscribe = unsub

	h.mu.Lock()
	h.sessions[docID] = s
	h.mu.Unlock()
	go s.Run()
	return s, nil
}

// removeSession unregisters an evicted session. The session may already
// have been replaced by a fresh load, hence the identity check.
func (h *Hub) removeSession(docID string, s *Session) {
	h.mu.Lock()
	if h.sessions[docID] == s {
		delete(h.sessions, docID)
	}
	h.mu.Unlock()
}

// GetSession returns the session for a document, if resident.
func (h *Hub) GetSession(docID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[docID]
}

// Close stops every resident session, flushing unsnapshotted state first.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.sessions = make(map[string]*Session)
	h.mu.Unlock()

	for _, s := range sessions {
		close(s.stop)
		<-s.done
	}
}
