package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/alimasry/go-doc-sync/auth"
	"github.com/alimasry/go-doc-sync/bus"
	"github.com/alimasry/go-doc-sync/crdt"
	"github.com/alimasry/go-doc-sync/store"
)

// SnapshotPolicy bounds cold-start replay cost: a snapshot is taken when
// either threshold is crossed, whichever first. Zero MaxOps or MaxInterval
// disables that trigger.
type SnapshotPolicy struct {
	// MaxOps triggers a snapshot after this many locally applied
	// operations since the last one.
	MaxOps int
	// MaxInterval triggers a snapshot when this much time has passed since
	// the last one and operations have been applied.
	MaxInterval time.Duration
	// Retention is how much operation history to keep behind a snapshot;
	// after a snapshot at T, operations created before T-Retention are
	// pruned. Zero prunes everything the snapshot captured.
	Retention time.Duration
	// IdleGrace is how long a session with no members stays resident
	// before being flushed and evicted.
	IdleGrace time.Duration
	// TickInterval paces background persistence retries and the
	// MaxInterval check.
	TickInterval time.Duration
}

// DefaultSnapshotPolicy mirrors the retention window of the original
// deployment (30 days of operations).
func DefaultSnapshotPolicy() SnapshotPolicy {
	return SnapshotPolicy{
		MaxOps:       100,
		MaxInterval:  5 * time.Minute,
		Retention:    30 * 24 * time.Hour,
		IdleGrace:    time.Minute,
		TickInterval: 5 * time.Second,
	}
}

type sessionJoin struct {
	client      *Client
	stateVector []byte
}

type updateMessage struct {
	client *Client
	msg    ClientMessage
}

// remoteEnvelope is the payload published on the cross-instance bus.
type remoteEnvelope struct {
	OpID   string `json:"opId"`
	UserID string `json:"userId"`
	Update []byte `json:"update"`
}

// Session manages collaboration for a single document. All merges are
// serialized through one goroutine; cursor relay reads the member set
// concurrently and never enters the loop.
type Session struct {
	docID  string
	state  crdt.State
	ops    store.OperationStore
	snaps  store.SnapshotStore
	guard  auth.Guard
	bus    bus.Bus
	hub    *Hub
	policy SnapshotPolicy

	memberMu sync.RWMutex
	members  map[*Client]bool

	// Join intake is closed when the loop exits, so the hub can tell a
	// seated join from one that raced eviction.
	joinMu     sync.Mutex
	joinClosed bool
	evicted    bool

	join     chan sessionJoin
	leave    chan *Client
	detach   chan *Client
	incoming chan updateMessage
	remote   chan []byte
	svReq    chan chan []byte
	evict    chan struct{}
	stop     chan struct{}
	done     chan struct{}

	evictTimer *time.Timer

	lamport      int64
	version      int64
	opsSinceSnap int
	lastSnap     time.Time
	dirty        bool
	pending      []store.Operation

	unsubscribe func()
}

func newSession(docID string, engine crdt.Engine, ops store.OperationStore, snaps store.SnapshotStore, guard auth.Guard, b bus.Bus, hub *Hub, policy SnapshotPolicy) *Session {
	if policy.TickInterval <= 0 {
		policy.TickInterval = 5 * time.Second
	}
	return &Session{
		docID:    docID,
		state:    engine.NewState(),
		ops:      ops,
		snaps:    snaps,
		guard:    guard,
		bus:      b,
		hub:      hub,
		policy:   policy,
		members:  make(map[*Client]bool),
		join:     make(chan sessionJoin, 16),
		leave:    make(chan *Client, 16),
		detach:   make(chan *Client, 16),
		incoming: make(chan updateMessage, 64),
		remote:   make(chan []byte, 64),
		svReq:    make(chan chan []byte),
		evict:    make(chan struct{}, 1),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		lastSnap: time.Now(),
	}
}

// load rebuilds the document state from the latest snapshot plus every
// operation recorded at or after its capture time. Merge order cannot
// change the result; the engine is commutative and idempotent.
func (s *Session) load(ctx context.Context) error {
	snap, err := s.snaps.LoadSnapshot(ctx, s.docID)
	if err != nil {
		return err
	}
	var since time.Time
	if snap != nil {
		if err := s.state.ApplyUpdate(snap.Data); err != nil {
			return err
		}
		s.version = snap.Version
		s.lastSnap = snap.TakenAt
		since = snap.TakenAt
	}

	ops, err := s.ops.ListSince(ctx, s.docID, since)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := s.state.ApplyUpdate(op.Update); err != nil {
			log.Printf("session %s: skipping malformed stored op %s: %v", s.docID, op.OpID, err)
			continue
		}
		if op.Lamport > s.lamport {
			s.lamport = op.Lamport
		}
	}
	return nil
}

// Run is the session's main loop. It serializes all merges for this
// document; unrelated documents run their own loops in parallel.
func (s *Session) Run() {
	ticker := time.NewTicker(s.policy.TickInterval)
	defer func() {
		ticker.Stop()
		s.joinMu.Lock()
		s.joinClosed = true
		s.joinMu.Unlock()
		close(s.done)
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		// An evicted session is already unregistered; any join that landed
		// in the buffer before the intake closed goes back through the hub
		// and is seated on a fresh session.
		for {
			select {
			case req := <-s.join:
				if s.evicted && s.hub != nil {
					s.hub.joinDoc <- joinRequest{client: req.client, docID: s.docID, stateVector: req.stateVector}
				}
			default:
				return
			}
		}
	}()

	for {
		select {
		case req := <-s.join:
			s.handleJoin(req)
		case c := <-s.leave:
			s.handleLeave(c, true)
		case c := <-s.detach:
			s.handleLeave(c, false)
		case um := <-s.incoming:
			s.handleUpdate(um)
		case payload := <-s.remote:
			s.handleRemote(payload)
		case reply := <-s.svReq:
			reply <- s.state.EncodeStateVector()
		case <-ticker.C:
			s.handleTick()
		case <-s.evict:
			if s.handleEvict() {
				return
			}
		case <-s.stop:
			s.flush(context.Background())
			return
		}
	}
}

func (s *Session) handleJoin(req sessionJoin) {
	c := req.client

	s.memberMu.Lock()
	s.members[c] = true
	s.memberMu.Unlock()
	c.setSession(s)

	if s.evictTimer != nil {
		s.evictTimer.Stop()
		s.evictTimer = nil
	}

	// Catch-up diff relative to what the client reports having seen; an
	// absent vector yields the full state.
	diff, err := s.state.EncodeStateAsUpdate(req.stateVector)
	if err != nil {
		log.Printf("session %s: bad state vector from %s, sending full state: %v", s.docID, c.UserID, err)
		diff, _ = s.state.EncodeStateAsUpdate(nil)
	}

	c.sendMsg(ServerMessage{
		Type:    MsgJoined,
		DocID:   s.docID,
		Update:  diff,
		Members: s.memberInfos(),
	})

	s.broadcast(ServerMessage{
		Type:   MsgPresence,
		DocID:  s.docID,
		UserID: c.UserID,
		Name:   c.Name,
		Color:  c.Color,
		Status: StatusOnline,
	}, c)
}

func (s *Session) handleLeave(c *Client, closing bool) {
	s.memberMu.Lock()
	_, ok := s.members[c]
	if ok {
		delete(s.members, c)
	}
	empty := len(s.members) == 0
	s.memberMu.Unlock()
	if !ok {
		return
	}

	c.clearSession(s)
	if closing {
		close(c.send)
	}

	s.broadcast(ServerMessage{
		Type:   MsgPresence,
		DocID:  s.docID,
		UserID: c.UserID,
		Name:   c.Name,
		Color:  c.Color,
		Status: StatusOffline,
	}, nil)

	if empty {
		s.scheduleEvict()
	}
}

func (s *Session) handleUpdate(um updateMessage) {
	c := um.client
	ctx := context.Background()

	// Roles can change mid-session, so every update re-checks capability.
	ok, err := s.guard.HasAccess(ctx, c.UserID, s.docID, auth.RoleEditor)
	if err != nil {
		log.Printf("session %s: access check for %s: %v", s.docID, c.UserID, err)
		c.sendError(ErrCodeAuthDenied, "authorization check failed")
		return
	}
	if !ok {
		c.sendError(ErrCodeAuthDenied, "editor role required")
		return
	}

	if um.msg.DocID != s.docID {
		c.sendError(ErrCodeBadPayload, "update docId "+um.msg.DocID+" does not match joined document "+s.docID)
		return
	}
	update := um.msg.Update
	if len(update) == 0 {
		c.sendError(ErrCodeBadPayload, "empty update")
		return
	}

	opID := store.OpID(update)
	s.lamport++
	op := store.Operation{
		OpID:      opID,
		DocID:     s.docID,
		UserID:    c.UserID,
		Update:    update,
		Lamport:   s.lamport,
		CreatedAt: time.Now(),
	}

	applied, err := s.ops.Append(ctx, op)
	if err != nil {
		// Favor availability: merge and broadcast proceed, persistence is
		// retried in the background.
		log.Printf("session %s: append %s failed, queued for retry: %v", s.docID, opID, err)
		s.pending = append(s.pending, op)
		applied = true
	}
	if !applied {
		// Duplicate delivery (resend after timeout): acknowledge without
		// re-merging or rebroadcasting.
		c.sendMsg(ServerMessage{Type: MsgAck, DocID: s.docID, OpID: opID})
		return
	}

	if err := s.state.ApplyUpdate(update); err != nil {
		log.Printf("session %s: malformed update %s from %s: %v", s.docID, opID, c.UserID, err)
		c.sendError(ErrCodeBadPayload, "update rejected: "+err.Error())
		return
	}

	c.sendMsg(ServerMessage{Type: MsgAck, DocID: s.docID, OpID: opID})

	// Broadcast in store-accept order to the rest of the room, then fan
	// out to sibling instances.
	s.broadcast(ServerMessage{Type: MsgUpdate, DocID: s.docID, Update: update, UserID: c.UserID}, c)
	s.publish(ctx, op)

	s.dirty = true
	s.opsSinceSnap++
	if s.policy.MaxOps > 0 && s.opsSinceSnap >= s.policy.MaxOps {
		s.takeSnapshot(ctx)
	}
}

// handleRemote applies an update received from a sibling instance. The
// origin already persisted it, so it is merged and rebroadcast to local
// members only and never re-published onto the bus.
func (s *Session) handleRemote(payload []byte) {
	var env remoteEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Printf("session %s: bad bus payload: %v", s.docID, err)
		return
	}
	if err := s.state.ApplyUpdate(env.Update); err != nil {
		log.Printf("session %s: malformed remote update %s: %v", s.docID, env.OpID, err)
		return
	}
	s.broadcast(ServerMessage{Type: MsgUpdate, DocID: s.docID, Update: env.Update, UserID: env.UserID}, nil)
}

func (s *Session) publish(ctx context.Context, op store.Operation) {
	payload, err := json.Marshal(remoteEnvelope{OpID: op.OpID, UserID: op.UserID, Update: op.Update})
	if err != nil {
		return
	}
	if err := s.bus.Publish(ctx, s.docID, payload); err != nil {
		log.Printf("session %s: bus publish %s failed: %v", s.docID, op.OpID, err)
	}
}

func (s *Session) handleTick() {
	ctx := context.Background()
	s.retryPending(ctx)
	if s.opsSinceSnap > 0 && s.policy.MaxInterval > 0 && time.Since(s.lastSnap) >= s.policy.MaxInterval {
		s.takeSnapshot(ctx)
	}
}

func (s *Session) retryPending(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	kept := s.pending[:0]
	for _, op := range s.pending {
		// A duplicate result here means the op made it in after all.
		if _, err := s.ops.Append(ctx, op); err != nil {
			kept = append(kept, op)
		}
	}
	s.pending = kept
}

func (s *Session) takeSnapshot(ctx context.Context) {
	data, err := s.state.EncodeStateAsUpdate(nil)
	if err != nil {
		log.Printf("session %s: encode snapshot: %v", s.docID, err)
		return
	}
	version := time.Now().UnixMilli()
	if version <= s.version {
		version = s.version + 1
	}
	if err := s.snaps.SaveSnapshot(ctx, s.docID, data, version); err != nil {
		log.Printf("session %s: save snapshot: %v", s.docID, err)
		return
	}
	now := time.Now()
	s.version = version
	s.lastSnap = now
	s.opsSinceSnap = 0
	s.dirty = false

	if err := s.ops.PruneOlderThan(ctx, s.docID, now.Add(-s.policy.Retention)); err != nil {
		log.Printf("session %s: prune operations: %v", s.docID, err)
	}
}

// flush persists anything needed to reconstruct the document, so eviction
// and shutdown never lose applied operations.
func (s *Session) flush(ctx context.Context) {
	s.retryPending(ctx)
	if s.dirty {
		s.takeSnapshot(ctx)
	}
}

func (s *Session) scheduleEvict() {
	signal := func() {
		select {
		case s.evict <- struct{}{}:
		default:
		}
	}
	if s.policy.IdleGrace <= 0 {
		signal()
		return
	}
	s.evictTimer = time.AfterFunc(s.policy.IdleGrace, signal)
}

// handleEvict drops the in-memory state once the room has stayed empty for
// the grace period. Reports whether the session is done.
func (s *Session) handleEvict() bool {
	// A join may already be queued behind the evict signal; seat it and
	// keep the session alive instead.
	select {
	case req := <-s.join:
		s.handleJoin(req)
		return false
	default:
	}

	s.memberMu.RLock()
	empty := len(s.members) == 0
	s.memberMu.RUnlock()
	if !empty {
		return false
	}

	s.evicted = true
	s.flush(context.Background())
	if s.hub != nil {
		s.hub.removeSession(s.docID, s)
	}
	return true
}

// deliverJoin hands a join request to the session loop. When not seated,
// retry reports whether the caller should try again on a fresh lookup: true
// after an eviction race or a momentarily full intake, false at shutdown.
// A false seated return guarantees the request will not be processed here.
func (s *Session) deliverJoin(req sessionJoin) (seated, retry bool) {
	s.joinMu.Lock()
	defer s.joinMu.Unlock()
	if s.joinClosed {
		return false, s.evicted
	}
	select {
	case s.join <- req:
		return true, false
	default:
		return false, true
	}
}

// StateVector reports what this session has seen, so a peer can request a
// diff instead of the full state.
func (s *Session) StateVector() []byte {
	reply := make(chan []byte, 1)
	select {
	case s.svReq <- reply:
		return <-reply
	case <-s.done:
		return nil
	}
}

// RelayCursor forwards an ephemeral cursor/selection event to the rest of
// the room. Called from connection goroutines; never persisted and never
// serialized through the merge loop.
func (s *Session) RelayCursor(from *Client, msg ClientMessage) {
	s.broadcast(ServerMessage{
		Type:      MsgCursor,
		DocID:     s.docID,
		UserID:    from.UserID,
		Name:      from.Name,
		Color:     from.Color,
		Selection: msg.Selection,
		Viewport:  msg.Viewport,
	}, from)
}

func (s *Session) broadcast(msg ServerMessage, except *Client) {
	s.memberMu.RLock()
	defer s.memberMu.RUnlock()
	for c := range s.members {
		if c != except {
			c.sendMsg(msg)
		}
	}
}

func (s *Session) memberInfos() []MemberInfo {
	s.memberMu.RLock()
	defer s.memberMu.RUnlock()
	infos := make([]MemberInfo, 0, len(s.members))
	for c := range s.members {
		infos = append(infos, c.Info())
	}
	return infos
}
