// Package coord exchanges boundary diffusion credits between worker
// processes and enforces the conservative synchronization window. Each pair
// of neighboring ranks shares one websocket connection; credits are
// acknowledged explicitly and redelivered after reconnects, never guessed
// lost on a timer.
package coord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/signalsfoundry/mesosim/internal/checkpoint"
	"github.com/signalsfoundry/mesosim/internal/logging"
)

// ErrClosed is returned from operations on an exchanger that has been shut
// down.
var ErrClosed = errors.New("exchanger closed")

// ErrUnknownPeer is returned when a credit targets a rank that is not
// configured as a neighbor.
var ErrUnknownPeer = errors.New("unknown peer rank")

// CreditApplier receives inbound boundary credits. Satisfied by the core
// engine.
type CreditApplier interface {
	ApplyRemoteCredit(targetElem, specGlobal, delta int, timestamp float64) error
}

// BoundaryMetrics receives exchange-level measurements. Satisfied by the
// observability collector; nil disables recording.
type BoundaryMetrics interface {
	RecordBoundary(sent, received, acked, resent, inflight int)
}

// Config identifies the local rank and its neighbor topology.
type Config struct {
	// Rank is this process's identity in the partitioning.
	Rank int
	// Peers maps each neighbor rank to its websocket URL. A rank dials
	// every peer with a lower rank and accepts connections from higher
	// ranks, so exactly one connection exists per pair.
	Peers map[int]string
	// Window is the synchronization window in simulated seconds. The local
	// clock may run at most Window ahead of the slowest neighbor.
	Window float64
	// DialBackoff is the pause between reconnect attempts.
	DialBackoff time.Duration
	// WriteTimeout bounds each websocket write.
	WriteTimeout time.Duration
}

func (c *Config) validate() error {
	if c.Rank < 0 {
		return fmt.Errorf("rank %d must be non-negative", c.Rank)
	}
	if c.Window <= 0 {
		return fmt.Errorf("window %g must be positive", c.Window)
	}
	for rank := range c.Peers {
		if rank == c.Rank {
			return fmt.Errorf("rank %d lists itself as a peer", c.Rank)
		}
	}
	if c.DialBackoff <= 0 {
		c.DialBackoff = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return nil
}

// peer holds the per-neighbor connection and queue state. All fields are
// guarded by the exchanger mutex except conn writes, which are serialized by
// the single writer goroutine.
type peer struct {
	rank int
	url  string

	conn *websocket.Conn
	gen  int // bumped on every (re)attach so stale readers detach cleanly

	ctrl     [][]byte // encoded ack and clock frames awaiting transmission
	pending  []uint64 // unacked credit seqs in send order
	unacked  map[uint64]checkpoint.BoundaryMessage
	nextSeq  uint64
	lastSent uint64   // highest seq handed to the current connection

	clock    float64 // latest announced simulation clock; +Inf while quiescent or final
	clockSeq uint64  // highest announcement sequence seen from this peer
	wake     chan struct{}
}

// Exchanger is the boundary-message endpoint of one worker process. It
// implements the engine's BoundaryHandler and Coordinator interfaces.
type Exchanger struct {
	cfg     Config
	log     logging.Logger
	metrics BoundaryMetrics

	mu      sync.Mutex
	applier CreditApplier
	peers   map[int]*peer
	inbox   []checkpoint.BoundaryMessage
	applied map[int32]uint64 // per sender rank, highest applied seq
	changed chan struct{}    // closed and replaced on every state change
	last    float64          // most recent clock announced to peers
	lastSeq uint64           // announcement counter; the highest wins at receivers
	closed  bool

	done     chan struct{}
	upgrader websocket.Upgrader
}

// Option customises exchanger construction.
type Option func(*Exchanger)

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(x *Exchanger) { x.log = l }
}

// WithMetrics attaches a boundary metrics recorder.
func WithMetrics(m BoundaryMetrics) Option {
	return func(x *Exchanger) { x.metrics = m }
}

// New builds an exchanger for the given topology. Bind must be called with
// the credit applier before Start.
func New(cfg Config, opts ...Option) (*Exchanger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("coord config: %w", err)
	}
	x := &Exchanger{
		cfg:     cfg,
		log:     logging.Noop(),
		peers:   make(map[int]*peer, len(cfg.Peers)),
		applied: make(map[int32]uint64),
		changed: make(chan struct{}),
		last:    -1,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(x)
	}
	for rank, url := range cfg.Peers {
		x.peers[rank] = &peer{
			rank:    rank,
			url:     url,
			unacked: make(map[uint64]checkpoint.BoundaryMessage),
			wake:    make(chan struct{}, 1),
		}
	}
	return x, nil
}

// Bind attaches the credit applier. Must happen before Start; the engine and
// the exchanger reference each other, so construction is two-phase.
func (x *Exchanger) Bind(a CreditApplier) {
	x.mu.Lock()
	x.applier = a
	x.mu.Unlock()
}

// Rank returns the local rank.
func (x *Exchanger) Rank() int { return x.cfg.Rank }

// Start launches the per-peer writer goroutines and dials every lower-rank
// peer. Higher-rank peers connect inbound through Handler.
func (x *Exchanger) Start(ctx context.Context) {
	for _, p := range x.peers {
		go x.writeLoop(p)
		if p.rank < x.cfg.Rank {
			go x.dialLoop(ctx, p)
		}
	}
}

// Handler accepts inbound peer connections. The first frame on a connection
// must be a hello identifying the dialing rank.
func (x *Exchanger) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := x.upgrader.Upgrade(w, r, nil)
		if err != nil {
			x.log.Warn(r.Context(), "websocket upgrade failed", logging.Err(err))
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		kind, payload, err := frameKind(data)
		if err != nil || kind != frameHello {
			x.log.Warn(r.Context(), "peer connection without hello")
			conn.Close()
			return
		}
		rank, err := decodeHello(payload)
		if err != nil {
			conn.Close()
			return
		}
		p, ok := x.peers[int(rank)]
		if !ok || int(rank) <= x.cfg.Rank {
			x.log.Warn(r.Context(), "rejecting unexpected peer", logging.Int("rank", int(rank)))
			conn.Close()
			return
		}
		x.attach(p, conn)
	})
}

func (x *Exchanger) dialLoop(ctx context.Context, p *peer) {
	dialer := websocket.Dialer{HandshakeTimeout: x.cfg.WriteTimeout}
	for {
		select {
		case <-ctx.Done():
			return
		case <-x.done:
			return
		default:
		}
		conn, _, err := dialer.DialContext(ctx, p.url, nil)
		if err != nil {
			select {
			case <-time.After(x.cfg.DialBackoff):
				continue
			case <-ctx.Done():
				return
			case <-x.done:
				return
			}
		}
		conn.SetWriteDeadline(time.Now().Add(x.cfg.WriteTimeout))
		if err := conn.WriteMessage(websocket.BinaryMessage, encodeHello(int32(x.cfg.Rank))); err != nil {
			conn.Close()
			continue
		}
		connDone := x.attach(p, conn)
		select {
		case <-connDone:
		case <-ctx.Done():
			return
		case <-x.done:
			return
		}
	}
}

// attach installs a fresh connection for the peer and starts its reader. Any
// previous connection is discarded and all unacked credits are scheduled for
// redelivery. Returns a channel closed when this connection's reader exits.
func (x *Exchanger) attach(p *peer, conn *websocket.Conn) <-chan struct{} {
	x.mu.Lock()
	if p.conn != nil {
		p.conn.Close()
	}
	p.conn = conn
	p.gen++
	gen := p.gen
	p.lastSent = 0
	resent := len(p.pending)
	if x.last >= 0 {
		// The announcement carrying the current clock may have died with the
		// previous connection; repeat it so the peer's horizon cannot go
		// stale across a reconnect.
		x.lastSeq++
		p.ctrl = append(p.ctrl, encodeClock(clockFrame{Rank: int32(x.cfg.Rank), Clock: x.last, Seq: x.lastSeq}))
	}
	x.mu.Unlock()

	if resent > 0 && x.metrics != nil {
		x.metrics.RecordBoundary(0, 0, 0, resent, x.inFlightCount())
	}
	x.log.Info(context.Background(), "peer connected",
		logging.Int("peer", p.rank), logging.Int("redeliveries", resent))

	done := make(chan struct{})
	go x.readLoop(p, conn, gen, done)
	x.wakeWriter(p)
	return done
}

func (x *Exchanger) detach(p *peer, gen int) {
	x.mu.Lock()
	if p.gen == gen && p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	x.mu.Unlock()
	x.signal()
}

// writeLoop is the single writer for one peer connection. It transmits
// queued control frames and any unacked credits beyond the connection's
// lastSent watermark, in sequence order.
func (x *Exchanger) writeLoop(p *peer) {
	for {
		select {
		case <-p.wake:
		case <-x.done:
			return
		}

		x.mu.Lock()
		conn := p.conn
		gen := p.gen
		if conn == nil {
			x.mu.Unlock()
			continue
		}
		frames := p.ctrl
		p.ctrl = nil
		nctrl := len(frames)
		for _, seq := range p.pending {
			if seq <= p.lastSent {
				continue
			}
			m := p.unacked[seq]
			frames = append(frames, encodeCredit(&m))
			p.lastSent = seq
		}
		x.mu.Unlock()

		for i, f := range frames {
			conn.SetWriteDeadline(time.Now().Add(x.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, f); err != nil {
				// Unsent control frames go back on the queue. Stale clock
				// frames lose by sequence number and acks are idempotent;
				// credits are redelivered by the lastSent reset on reattach.
				if i < nctrl {
					x.mu.Lock()
					p.ctrl = append(frames[i:nctrl:nctrl], p.ctrl...)
					x.mu.Unlock()
				}
				x.log.Warn(context.Background(), "peer write failed",
					logging.Int("peer", p.rank), logging.Err(err))
				x.detach(p, gen)
				break
			}
		}
	}
}

func (x *Exchanger) readLoop(p *peer, conn *websocket.Conn, gen int, done chan struct{}) {
	defer close(done)
	defer x.detach(p, gen)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		kind, payload, err := frameKind(data)
		if err != nil {
			return
		}
		switch kind {
		case frameCredit:
			m, err := decodeCredit(payload)
			if err != nil {
				x.log.Warn(context.Background(), "bad credit frame",
					logging.Int("peer", p.rank), logging.Err(err))
				return
			}
			x.mu.Lock()
			x.inbox = append(x.inbox, m)
			x.mu.Unlock()
			x.signal()
		case frameAck:
			a, err := decodeAck(payload)
			if err != nil {
				return
			}
			x.ackCredit(p, a.Seq)
		case frameClock:
			c, err := decodeClock(payload)
			if err != nil {
				return
			}
			x.mu.Lock()
			// Latest announcement wins, even when the clock moves backwards:
			// a quiescent peer retracts its infinite clock when a credit
			// revives it.
			if c.Seq > p.clockSeq {
				p.clockSeq = c.Seq
				p.clock = c.Clock
			}
			x.mu.Unlock()
			x.signal()
		default:
			x.log.Warn(context.Background(), "unknown frame kind",
				logging.Int("peer", p.rank), logging.Int("kind", int(kind)))
		}
	}
}

func (x *Exchanger) ackCredit(p *peer, seq uint64) {
	x.mu.Lock()
	if _, ok := p.unacked[seq]; !ok {
		x.mu.Unlock()
		return
	}
	delete(p.unacked, seq)
	for i, s := range p.pending {
		if s == seq {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			break
		}
	}
	inflight := x.inFlightCountLocked()
	x.mu.Unlock()

	if x.metrics != nil {
		x.metrics.RecordBoundary(0, 0, 1, 0, inflight)
	}
	x.signal()
}

// SendCredit queues one boundary credit for delivery to a peer rank. The
// credit stays in the unacked queue until the receiver acknowledges it; a
// checkpoint taken meanwhile persists it as in-flight.
func (x *Exchanger) SendCredit(rank, targetElem, specGlobal, delta int, timestamp float64) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}
	p, ok := x.peers[rank]
	if !ok {
		x.mu.Unlock()
		return fmt.Errorf("rank %d: %w", rank, ErrUnknownPeer)
	}
	p.nextSeq++
	m := checkpoint.BoundaryMessage{
		Sender:     int32(x.cfg.Rank),
		Receiver:   int32(rank),
		TargetElem: int32(targetElem),
		Species:    int32(specGlobal),
		Delta:      int32(delta),
		Timestamp:  timestamp,
		Seq:        p.nextSeq,
	}
	p.unacked[m.Seq] = m
	p.pending = append(p.pending, m.Seq)
	inflight := x.inFlightCountLocked()
	x.mu.Unlock()

	if x.metrics != nil {
		x.metrics.RecordBoundary(1, 0, 0, 0, inflight)
	}
	x.wakeWriter(p)
	return nil
}

// Barrier applies pending inbound credits, announces the local clock, and
// blocks while t is more than one window ahead of the slowest neighbor.
func (x *Exchanger) Barrier(ctx context.Context, t float64) error {
	x.announce(t)
	x.mu.Lock()
	defer x.mu.Unlock()
	for {
		if x.closed {
			return ErrClosed
		}
		if _, err := x.drainLocked(); err != nil {
			return err
		}
		if len(x.peers) == 0 || t <= x.horizonLocked()+x.cfg.Window {
			return nil
		}
		ch := x.changed
		x.mu.Unlock()
		select {
		case <-ctx.Done():
			x.mu.Lock()
			return ctx.Err()
		case <-x.done:
			x.mu.Lock()
			return ErrClosed
		case <-ch:
			x.mu.Lock()
		}
	}
}

// AwaitInbound blocks until at least one inbound credit has been applied.
// While waiting the local clock is announced as infinite so a quiescent
// worker never stalls its neighbors; a worker with zero total propensity
// cannot emit a boundary send before first receiving one. Returns false when
// every peer has finished, meaning no credit can ever arrive.
func (x *Exchanger) AwaitInbound(ctx context.Context) (bool, error) {
	x.mu.Lock()
	resume := x.last
	x.mu.Unlock()
	x.announce(math.Inf(1))
	x.mu.Lock()
	for {
		if x.closed {
			x.mu.Unlock()
			return false, ErrClosed
		}
		applied, err := x.drainLocked()
		if err != nil {
			x.mu.Unlock()
			return false, err
		}
		if applied > 0 {
			x.mu.Unlock()
			// Revived; retract the infinite announcement.
			x.announce(resume)
			return true, nil
		}
		if x.allPeersFinalLocked() {
			x.mu.Unlock()
			return false, nil
		}
		ch := x.changed
		x.mu.Unlock()
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-x.done:
			return false, ErrClosed
		case <-ch:
			x.mu.Lock()
		}
	}
}

// AnnounceFinal tells every peer this worker will never advance again, so
// their horizons stop depending on it. Call after the run loop exits.
func (x *Exchanger) AnnounceFinal() {
	x.announce(math.Inf(1))
}

// announce broadcasts a clock frame to every peer. Repeat announcements of a
// non-increasing clock are suppressed except for the infinite retraction
// path, where the clock moves backwards on purpose. Frames carry a sequence
// number so receivers apply the newest announcement regardless of direction.
func (x *Exchanger) announce(t float64) {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	if t == x.last && !math.IsInf(t, 1) {
		x.mu.Unlock()
		return
	}
	x.last = t
	x.lastSeq++
	frame := encodeClock(clockFrame{Rank: int32(x.cfg.Rank), Clock: t, Seq: x.lastSeq})
	woken := make([]*peer, 0, len(x.peers))
	for _, p := range x.peers {
		p.ctrl = append(p.ctrl, frame)
		woken = append(woken, p)
	}
	x.mu.Unlock()
	for _, p := range woken {
		x.wakeWriter(p)
	}
}

// drainLocked applies every queued inbound credit in arrival order, advances
// the per-sender watermarks, and queues acknowledgments. Duplicates below
// the watermark are re-acked without reapplying. Called with the mutex held;
// the mutex is released around engine application.
func (x *Exchanger) drainLocked() (int, error) {
	applied := 0
	for len(x.inbox) > 0 {
		batch := x.inbox
		x.inbox = nil
		applier := x.applier
		x.mu.Unlock()

		var err error
		acks := make(map[*peer][][]byte)
		for _, m := range batch {
			p := x.peers[int(m.Sender)]
			if p == nil {
				continue
			}
			x.mu.Lock()
			dup := m.Seq <= x.applied[m.Sender]
			if !dup {
				x.applied[m.Sender] = m.Seq
			}
			x.mu.Unlock()
			if !dup {
				if applier == nil {
					err = errors.New("no credit applier bound")
					break
				}
				if aerr := applier.ApplyRemoteCredit(int(m.TargetElem), int(m.Species), int(m.Delta), m.Timestamp); aerr != nil {
					err = aerr
					break
				}
				applied++
			}
			acks[p] = append(acks[p], encodeAck(ackFrame{Rank: int32(x.cfg.Rank), Seq: m.Seq}))
		}

		x.mu.Lock()
		for p, frames := range acks {
			p.ctrl = append(p.ctrl, frames...)
		}
		x.mu.Unlock()
		for p := range acks {
			x.wakeWriter(p)
		}
		x.mu.Lock()
		if err != nil {
			return applied, err
		}
	}
	if applied > 0 && x.metrics != nil {
		x.metrics.RecordBoundary(0, applied, 0, 0, x.inFlightCountLocked())
	}
	return applied, nil
}

func (x *Exchanger) horizonLocked() float64 {
	h := math.Inf(1)
	for _, p := range x.peers {
		if p.clock < h {
			h = p.clock
		}
	}
	return h
}

func (x *Exchanger) allPeersFinalLocked() bool {
	for _, p := range x.peers {
		if !math.IsInf(p.clock, 1) {
			return false
		}
	}
	return true
}

// InFlight returns every sent-but-unacknowledged credit, ordered by receiver
// rank then sequence number, for inclusion in a checkpoint.
func (x *Exchanger) InFlight() []checkpoint.BoundaryMessage {
	x.mu.Lock()
	defer x.mu.Unlock()
	var out []checkpoint.BoundaryMessage
	ranks := x.sortedRanksLocked()
	for _, r := range ranks {
		p := x.peers[r]
		for _, seq := range p.pending {
			out = append(out, p.unacked[seq])
		}
	}
	return out
}

// AppliedMarks returns the per-sender applied watermarks for inclusion in a
// checkpoint.
func (x *Exchanger) AppliedMarks() []checkpoint.AppliedMark {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]checkpoint.AppliedMark, 0, len(x.applied))
	for rank, seq := range x.applied {
		out = append(out, checkpoint.AppliedMark{Rank: rank, Seq: seq})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

// Restore reloads the unacked queues and applied watermarks from a restored
// checkpoint. Must be called before Start; restored credits are redelivered
// once the peer connections come up.
func (x *Exchanger) Restore(inflight []checkpoint.BoundaryMessage, applied []checkpoint.AppliedMark) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, m := range inflight {
		p, ok := x.peers[int(m.Receiver)]
		if !ok {
			return fmt.Errorf("in-flight credit for rank %d: %w", m.Receiver, ErrUnknownPeer)
		}
		if _, dup := p.unacked[m.Seq]; dup {
			return fmt.Errorf("duplicate in-flight seq %d for rank %d: %w", m.Seq, m.Receiver, checkpoint.ErrCorrupt)
		}
		p.unacked[m.Seq] = m
		p.pending = append(p.pending, m.Seq)
		if m.Seq > p.nextSeq {
			p.nextSeq = m.Seq
		}
	}
	for _, p := range x.peers {
		sort.Slice(p.pending, func(i, j int) bool { return p.pending[i] < p.pending[j] })
	}
	for _, a := range applied {
		x.applied[a.Rank] = a.Seq
	}
	return nil
}

// Close shuts the exchanger down. Pending credits are dropped from memory;
// only a checkpoint preserves them.
func (x *Exchanger) Close() error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return nil
	}
	x.closed = true
	for _, p := range x.peers {
		if p.conn != nil {
			p.conn.Close()
			p.conn = nil
		}
	}
	x.mu.Unlock()
	close(x.done)
	x.signal()
	return nil
}

func (x *Exchanger) wakeWriter(p *peer) {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (x *Exchanger) signal() {
	x.mu.Lock()
	close(x.changed)
	x.changed = make(chan struct{})
	x.mu.Unlock()
}

func (x *Exchanger) inFlightCount() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.inFlightCountLocked()
}

func (x *Exchanger) inFlightCountLocked() int {
	n := 0
	for _, p := range x.peers {
		n += len(p.pending)
	}
	return n
}

func (x *Exchanger) sortedRanksLocked() []int {
	ranks := make([]int, 0, len(x.peers))
	for r := range x.peers {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	return ranks
}
