package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/golang/glog"

	"collabtext/internal/codec"
	"collabtext/internal/lock"
	"collabtext/internal/merge"
	"collabtext/internal/store"
)

var (
	// ErrStaleAwareness is returned for an awareness frame whose clock is not
	// newer than the one already recorded. Callers drop the frame.
	ErrStaleAwareness = errors.New("session: stale awareness")

	// ErrEvicted is returned by operations on a session that has been
	// evicted. The registry replaces it with a fresh one on the next join.
	ErrEvicted = errors.New("session: evicted")
)

// State is the lifecycle stage of a Session.
type State int

const (
	Empty State = iota
	Active
	Draining
	Evicted
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case Active:
		return "active"
	case Draining:
		return "draining"
	case Evicted:
		return "evicted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Peer is a locally connected client. Send must not block.
type Peer interface {
	ClientID() codec.ClientID
	Send(frame []byte)
	Disconnect(reason error)
}

type presence struct {
	frame *codec.AwarenessFrame
	// updated is when a remote entry was last heard from, or when a local
	// entry was last published.
	updated time.Time
	local   bool
}

// tombstone is the last clock of a client without presence. An expired
// entry keeps the clock it had, so its owner can still restore it by
// republishing that frame.
type tombstone struct {
	clock   uint64
	expired bool
}

// Session is the in-memory state of one document on this process. All
// mutable fields are guarded by mu; frames to local peers are queued while
// mu is held so every peer observes one order, while cluster publishes and
// persistence calls run after it is released.
type Session struct {
	id  codec.DocumentID
	reg *Registry

	mu               sync.Mutex
	state            State
	loaded           bool
	loading          chan struct{}
	sub              io.Closer
	doc              merge.Doc
	peers            map[codec.ClientID]Peer
	awareness        map[codec.ClientID]*presence
	clocks           map[codec.ClientID]tombstone
	dirty            bool
	seq              uint64
	lastCheckpointAt time.Time
	checkpointing    bool
	grace            *time.Timer
	graceGen         uint64
}

func newSession(reg *Registry, id codec.DocumentID) *Session {
	return &Session{
		id:        id,
		reg:       reg,
		doc:       reg.opts.Engine.New(),
		peers:     make(map[codec.ClientID]Peer),
		awareness: make(map[codec.ClientID]*presence),
		clocks:    make(map[codec.ClientID]tombstone),
	}
}

// ID returns the document id.
func (s *Session) ID() codec.DocumentID { return s.id }

// State returns the lifecycle stage.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Peers returns the number of connected local clients.
func (s *Session) Peers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.peers)
}

// Dirty reports whether updates were applied since the last checkpoint.
func (s *Session) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}

// LastCheckpointAt returns the time of the last successful checkpoint.
func (s *Session) LastCheckpointAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheckpointAt
}

// Digest identifies the merged state.
func (s *Session) Digest() [32]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Digest()
}

// Snapshot returns the full merged state.
func (s *Session) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Diff(nil)
}

// Awareness returns a copy of the awareness table ordered by client id.
func (s *Session) Awareness() []codec.AwarenessFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]codec.AwarenessFrame, 0, len(s.awareness))
	for _, p := range s.sortedPresence() {
		out = append(out, *p.frame)
	}
	return out
}

// Join attaches p. The first join loads the last checkpoint. p receives the
// full merged state followed by the current awareness table before any live
// frame.
func (s *Session) Join(ctx context.Context, p Peer) error {
	if err := s.load(ctx); err != nil {
		s.fail(err)
		return err
	}
	s.mu.Lock()
	err := s.join(p)
	s.mu.Unlock()
	s.fail(err)
	return err
}

func (s *Session) join(p Peer) error {
	if s.state == Evicted {
		return ErrEvicted
	}
	full, err := s.doc.Diff(nil)
	if err != nil {
		return err
	}
	s.peers[p.ClientID()] = p
	s.cancelGrace()
	s.state = Active
	s.sendTo(p, &codec.UpdateFrame{DocumentID: s.id, Step: codec.StepReply, Payload: full})
	for _, e := range s.sortedPresence() {
		s.sendTo(p, e.frame)
	}
	glog.V(1).Infof("[session] %s: join %s (%d peers)", s.id, p.ClientID(), len(s.peers))
	return nil
}

// load subscribes to the cluster and merges the last checkpoint, once. The
// subscription and the store read run outside mu; concurrent joiners wait
// for the one doing the load. The subscription comes first so nothing
// published during the load is missed, and other processes are then asked
// for anything published before it.
func (s *Session) load(ctx context.Context) error {
	for {
		s.mu.Lock()
		switch {
		case s.state == Evicted:
			s.mu.Unlock()
			return ErrEvicted
		case s.loaded:
			s.mu.Unlock()
			return nil
		case s.loading != nil:
			wait := s.loading
			s.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		done := make(chan struct{})
		s.loading = done
		subscribed := s.sub != nil
		s.mu.Unlock()

		out, err := s.fetch(ctx, subscribed)

		s.mu.Lock()
		s.loading = nil
		close(done)
		s.mu.Unlock()
		if err != nil {
			return err
		}
		s.publish(ctx, out)
		return nil
	}
}

func (s *Session) fetch(ctx context.Context, subscribed bool) ([][]byte, error) {
	if !subscribed {
		sub, err := s.reg.opts.Cluster.Subscribe(ctx, s.id, s.handleRemote)
		if err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", s.id, err)
		}
		s.mu.Lock()
		evicted := s.state == Evicted
		if !evicted {
			s.sub = sub
		}
		s.mu.Unlock()
		if evicted {
			_ = sub.Close()
			return nil, ErrEvicted
		}
	}
	state, err := s.reg.opts.Store.Load(ctx, s.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load %s: %w", s.id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Evicted {
		return nil, ErrEvicted
	}
	if err == nil {
		if _, err := s.doc.Apply(state); err != nil {
			return nil, fmt.Errorf("apply checkpoint of %s: %w", s.id, err)
		}
	}
	s.loaded = true
	glog.Infof("[session] %s: loaded", s.id)

	req := s.encode(&codec.UpdateFrame{DocumentID: s.id, Step: codec.StepRequest, Payload: s.doc.Vector()})
	query := s.encode(&codec.QueryFrame{DocumentID: s.id})
	return [][]byte{req, query}, nil
}

// ApplyUpdate merges an update sent by the local client origin, forwards it
// to every other local client and publishes it to the cluster.
func (s *Session) ApplyUpdate(ctx context.Context, origin codec.ClientID, f *codec.UpdateFrame) error {
	s.mu.Lock()
	out, err := s.applyLocal(origin, f)
	s.mu.Unlock()
	s.fail(err)
	s.publish(ctx, out)
	return err
}

func (s *Session) applyLocal(origin codec.ClientID, f *codec.UpdateFrame) ([][]byte, error) {
	if s.state == Evicted {
		return nil, ErrEvicted
	}
	changed, err := s.doc.Apply(f.Payload)
	if err != nil {
		return nil, err
	}
	b := s.encode(&codec.UpdateFrame{DocumentID: s.id, Origin: origin, Step: codec.StepUpdate, Payload: f.Payload})
	if changed {
		s.markDirty()
		s.broadcast(b, origin)
	}
	// An update we already hold is still published: the client may be
	// resending after a lost publish.
	return [][]byte{b}, nil
}

// ApplyRemoteUpdate merges an update received from another process and
// forwards it to every local client. It is never published again.
func (s *Session) ApplyRemoteUpdate(f *codec.UpdateFrame) error {
	s.mu.Lock()
	err := s.applyRemote(f)
	s.mu.Unlock()
	s.fail(err)
	return err
}

func (s *Session) applyRemote(f *codec.UpdateFrame) error {
	if s.state == Evicted {
		return nil
	}
	changed, err := s.doc.Apply(f.Payload)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	s.markDirty()
	s.broadcast(s.encode(&codec.UpdateFrame{DocumentID: s.id, Origin: f.Origin, Step: codec.StepUpdate, Payload: f.Payload}), "")
	return nil
}

// SyncRequest answers a client's version vector with the missing updates.
func (s *Session) SyncRequest(p Peer, vector []byte) error {
	s.mu.Lock()
	err := s.syncRequest(p, vector)
	s.mu.Unlock()
	s.fail(err)
	return err
}

func (s *Session) syncRequest(p Peer, vector []byte) error {
	if s.state == Evicted {
		return ErrEvicted
	}
	diff, err := s.doc.Diff(vector)
	if err != nil {
		return err
	}
	s.sendTo(p, &codec.UpdateFrame{DocumentID: s.id, Step: codec.StepReply, Payload: diff})
	return nil
}

// UpdateAwareness records presence sent by a local client, forwards it to the
// other local clients and publishes it. Frames that are not newer than the
// recorded one return ErrStaleAwareness.
func (s *Session) UpdateAwareness(ctx context.Context, f *codec.AwarenessFrame) error {
	s.mu.Lock()
	b, err := s.recordAwareness(f, true)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish(ctx, [][]byte{b})
	return nil
}

// ApplyRemoteAwareness records presence received from another process.
func (s *Session) ApplyRemoteAwareness(f *codec.AwarenessFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.recordAwareness(f, false)
	return err
}

func (s *Session) recordAwareness(f *codec.AwarenessFrame, local bool) ([]byte, error) {
	if s.state == Evicted {
		return nil, ErrEvicted
	}
	if last, ok := s.clock(f.ClientID); ok && f.Clock <= last {
		if local || f.Clock < last {
			return nil, ErrStaleAwareness
		}
		if p, live := s.awareness[f.ClientID]; live {
			// The owner republished what we hold: keep it fresh, forward nothing.
			p.updated = s.reg.opts.Now()
			return nil, ErrStaleAwareness
		}
		if !s.clocks[f.ClientID].expired {
			return nil, ErrStaleAwareness
		}
	}
	rec := *f
	rec.DocumentID = s.id
	if rec.Withdrawn() {
		delete(s.awareness, rec.ClientID)
		s.clocks[rec.ClientID] = tombstone{clock: rec.Clock}
	} else {
		delete(s.clocks, rec.ClientID)
		s.awareness[rec.ClientID] = &presence{frame: &rec, updated: s.reg.opts.Now(), local: local}
	}
	b := s.encode(&rec)
	exclude := codec.ClientID("")
	if local {
		exclude = rec.ClientID
	}
	s.broadcast(b, exclude)
	return b, nil
}

// clock returns the last clock seen for id, including withdrawn clients.
func (s *Session) clock(id codec.ClientID) (uint64, bool) {
	if p, ok := s.awareness[id]; ok {
		return p.frame.Clock, true
	}
	t, ok := s.clocks[id]
	return t.clock, ok
}

// QueryAwareness sends the awareness table to p.
func (s *Session) QueryAwareness(p Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.sortedPresence() {
		s.sendTo(p, e.frame)
	}
}

// Leave detaches a local client and withdraws its presence. Every remaining
// peer, local or remote, observes exactly one withdrawal.
func (s *Session) Leave(ctx context.Context, id codec.ClientID) {
	s.mu.Lock()
	out := s.leave(id)
	s.mu.Unlock()
	s.publish(ctx, out)
}

func (s *Session) leave(id codec.ClientID) [][]byte {
	if _, ok := s.peers[id]; !ok {
		return nil
	}
	delete(s.peers, id)
	b := s.withdraw(id)
	s.broadcast(b, "")
	glog.V(1).Infof("[session] %s: leave %s (%d peers)", s.id, id, len(s.peers))
	if len(s.peers) == 0 && s.state == Active {
		s.state = Draining
		s.armGrace()
	}
	return [][]byte{b}
}

// withdraw removes id from the awareness table and returns the encoded
// withdrawal frame.
func (s *Session) withdraw(id codec.ClientID) []byte {
	last, _ := s.clock(id)
	w := &codec.AwarenessFrame{DocumentID: s.id, ClientID: id, Clock: last + 1}
	delete(s.awareness, id)
	s.clocks[id] = tombstone{clock: w.Clock}
	return s.encode(w)
}

// ExpireAwareness drops remote presence not refreshed within timeout and
// tells local clients it is gone. It returns the number of entries removed.
// The withdrawal is local to this process and carries the entry's own clock,
// so the owner's next frame, or a republish of the current one, is accepted.
func (s *Session) ExpireAwareness(now time.Time, timeout time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.sortedPresence() {
		if e.local || now.Sub(e.updated) <= timeout {
			continue
		}
		id, last := e.frame.ClientID, e.frame.Clock
		delete(s.awareness, id)
		s.clocks[id] = tombstone{clock: last, expired: true}
		s.broadcast(s.encode(&codec.AwarenessFrame{DocumentID: s.id, ClientID: id, Clock: last}), "")
		n++
	}
	return n
}

// RefreshAwareness republishes the presence of local clients not published
// within every, so other processes keep idle but connected clients.
// It returns the number of entries republished.
func (s *Session) RefreshAwareness(ctx context.Context, now time.Time, every time.Duration) int {
	s.mu.Lock()
	var out [][]byte
	if s.state != Evicted {
		for _, e := range s.sortedPresence() {
			if !e.local || now.Sub(e.updated) < every {
				continue
			}
			e.updated = now
			out = append(out, s.encode(e.frame))
		}
	}
	s.mu.Unlock()
	s.publish(ctx, out)
	return len(out)
}

// CheckpointIfDirty persists the merged state under the checkpoint lock. It
// is a no-op for a clean session or one with a checkpoint already running.
// lock.ErrBusy and store.ErrPersistenceUnavailable are transient.
func (s *Session) CheckpointIfDirty(ctx context.Context) error {
	s.mu.Lock()
	if s.state == Evicted || !s.loaded || !s.dirty || s.checkpointing {
		s.mu.Unlock()
		return nil
	}
	s.checkpointing = true
	s.mu.Unlock()

	err := s.checkpoint(ctx)

	s.mu.Lock()
	s.checkpointing = false
	s.mu.Unlock()
	s.fail(err)
	return err
}

// checkpoint merges what is stored into the live document before saving so a
// writer never overwrites updates it has not seen.
func (s *Session) checkpoint(ctx context.Context) error {
	opts := &s.reg.opts
	key := lock.CheckpointKey(string(s.id))
	token, err := opts.Locker.Acquire(ctx, key, opts.LockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if err := opts.Locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			glog.Warningf("[checkpoint] %s: release lock: %v", s.id, err)
		}
	}()
	// The write must finish while the lock is still ours.
	ctx, cancel := context.WithTimeout(ctx, opts.LockTTL)
	defer cancel()

	stored, err := opts.Store.Load(ctx, s.id)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	s.mu.Lock()
	if stored != nil {
		changed, err := s.doc.Apply(stored)
		switch {
		case errors.Is(err, merge.ErrCorruptState):
			s.mu.Unlock()
			return err
		case err != nil:
			glog.Warningf("[checkpoint] %s: stored state unreadable, overwriting: %v", s.id, err)
		case changed:
			s.broadcast(s.encode(&codec.UpdateFrame{DocumentID: s.id, Step: codec.StepUpdate, Payload: stored}), "")
		}
	}
	snapshot, err := s.doc.Diff(nil)
	seq := s.seq
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := opts.Store.Save(ctx, s.id, snapshot); err != nil {
		return err
	}

	s.mu.Lock()
	if s.seq == seq {
		s.dirty = false
	}
	s.lastCheckpointAt = opts.Now()
	s.mu.Unlock()
	glog.V(1).Infof("[checkpoint] %s: saved %d bytes", s.id, len(snapshot))
	return nil
}

// handleRemote routes a frame delivered by the cluster.
func (s *Session) handleRemote(f codec.Frame) {
	if f.Document() != s.id {
		return
	}
	ctx := s.reg.ctx
	switch f := f.(type) {
	case *codec.UpdateFrame:
		if f.Step == codec.StepRequest {
			s.answerRemoteSync(ctx, f.Payload)
			return
		}
		if err := s.ApplyRemoteUpdate(f); err != nil {
			glog.Warningf("[session] %s: remote update: %v", s.id, err)
		}
	case *codec.AwarenessFrame:
		if err := s.ApplyRemoteAwareness(f); err != nil && !errors.Is(err, ErrStaleAwareness) {
			glog.V(1).Infof("[session] %s: remote awareness: %v", s.id, err)
		}
	case *codec.QueryFrame:
		s.answerRemoteQuery(ctx)
	}
}

func (s *Session) answerRemoteSync(ctx context.Context, vector []byte) {
	s.mu.Lock()
	if !s.loaded || s.state == Evicted {
		s.mu.Unlock()
		return
	}
	diff, err := s.doc.Diff(vector)
	s.mu.Unlock()
	if err != nil {
		s.fail(err)
		glog.V(1).Infof("[session] %s: remote sync request: %v", s.id, err)
		return
	}
	if bytes.Equal(diff, s.reg.empty) {
		return
	}
	s.publish(ctx, [][]byte{s.encode(&codec.UpdateFrame{DocumentID: s.id, Step: codec.StepReply, Payload: diff})})
}

// answerRemoteQuery republishes the presence of local clients only; remote
// entries are answered by the process that owns them.
func (s *Session) answerRemoteQuery(ctx context.Context) {
	s.mu.Lock()
	var out [][]byte
	for _, e := range s.sortedPresence() {
		if e.local {
			out = append(out, s.encode(e.frame))
		}
	}
	s.mu.Unlock()
	s.publish(ctx, out)
}

func (s *Session) markDirty() {
	s.dirty = true
	s.seq++
}

// broadcast queues b to every local peer except exclude.
func (s *Session) broadcast(b []byte, exclude codec.ClientID) {
	if b == nil {
		return
	}
	for id, p := range s.peers {
		if id == exclude {
			continue
		}
		p.Send(b)
		s.reg.opts.Metrics.FrameSent()
	}
}

func (s *Session) sendTo(p Peer, f codec.Frame) {
	if b := s.encode(f); b != nil {
		p.Send(b)
		s.reg.opts.Metrics.FrameSent()
	}
}

func (s *Session) encode(f codec.Frame) []byte {
	b, err := s.reg.opts.Codec.Encode(f)
	if err != nil {
		glog.Errorf("[session] %s: encode %s: %v", s.id, f.Kind(), err)
		return nil
	}
	return b
}

func (s *Session) publish(ctx context.Context, frames [][]byte) {
	for _, b := range frames {
		if b == nil {
			continue
		}
		if err := s.reg.opts.Cluster.Publish(ctx, s.id, b); err != nil {
			glog.Warningf("[session] %s: publish: %v", s.id, err)
		}
	}
}

// fail evicts the session when err reports corrupt in-memory state.
func (s *Session) fail(err error) {
	if errors.Is(err, merge.ErrCorruptState) {
		s.reg.Reset(s, err)
	}
}

func (s *Session) sortedPresence() []*presence {
	out := make([]*presence, 0, len(s.awareness))
	for _, p := range s.awareness {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].frame.ClientID < out[j].frame.ClientID })
	return out
}

func (s *Session) armGrace() {
	s.graceGen++
	gen := s.graceGen
	s.grace = time.AfterFunc(s.reg.opts.GracePeriod, func() { s.expire(gen) })
}

func (s *Session) cancelGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
	s.graceGen++
}

// expire runs when the grace timer fires. The session is evicted only if it
// is still draining and its final checkpoint left nothing unsaved; otherwise
// the timer is armed again.
func (s *Session) expire(gen uint64) {
	current := func() bool { return s.state == Draining && s.graceGen == gen }

	s.mu.Lock()
	if !current() {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	err := s.CheckpointIfDirty(s.reg.ctx)

	s.mu.Lock()
	if !current() {
		s.mu.Unlock()
		return
	}
	if err != nil || s.dirty || s.checkpointing {
		s.armGrace()
		s.mu.Unlock()
		glog.Warningf("[session] %s: final checkpoint pending, eviction postponed: %v", s.id, err)
		return
	}
	s.state = Evicted
	s.mu.Unlock()
	s.reg.remove(s, "idle")
}

// close stops the grace timer and drops the cluster subscription.
func (s *Session) close() {
	s.mu.Lock()
	s.cancelGrace()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		if err := sub.Close(); err != nil {
			glog.Warningf("[session] %s: unsubscribe: %v", s.id, err)
		}
	}
}
