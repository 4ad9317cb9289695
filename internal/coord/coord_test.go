package coord

import (
	"context"
	"errors"
	"math"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/signalsfoundry/mesosim/internal/checkpoint"
)

type applyRecorder struct {
	mu      sync.Mutex
	applied []checkpoint.BoundaryMessage
}

func (a *applyRecorder) ApplyRemoteCredit(targetElem, specGlobal, delta int, timestamp float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applied = append(a.applied, checkpoint.BoundaryMessage{
		TargetElem: int32(targetElem),
		Species:    int32(specGlobal),
		Delta:      int32(delta),
		Timestamp:  timestamp,
	})
	return nil
}

func (a *applyRecorder) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.applied)
}

func newTestExchanger(t *testing.T, rank int, peers map[int]string) (*Exchanger, *applyRecorder) {
	t.Helper()
	x, err := New(Config{Rank: rank, Peers: peers, Window: 0.1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec := &applyRecorder{}
	x.Bind(rec)
	t.Cleanup(func() { x.Close() })
	return x, rec
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{Rank: -1, Window: 1}); err == nil {
		t.Error("negative rank accepted")
	}
	if _, err := New(Config{Rank: 0, Window: 0}); err == nil {
		t.Error("zero window accepted")
	}
	if _, err := New(Config{Rank: 0, Window: 1, Peers: map[int]string{0: "ws://self"}}); err == nil {
		t.Error("self peer accepted")
	}
}

func TestWireFrameRoundTrip(t *testing.T) {
	kind, payload, err := frameKind(encodeHello(3))
	if err != nil || kind != frameHello {
		t.Fatalf("hello kind = %d, %v", kind, err)
	}
	rank, err := decodeHello(payload)
	if err != nil || rank != 3 {
		t.Fatalf("decodeHello = %d, %v", rank, err)
	}

	msg := checkpoint.BoundaryMessage{
		Sender: 1, Receiver: 0, TargetElem: 12, Species: 2, Delta: 1, Timestamp: 0.125, Seq: 7,
	}
	kind, payload, _ = frameKind(encodeCredit(&msg))
	if kind != frameCredit {
		t.Fatalf("credit kind = %d", kind)
	}
	got, err := decodeCredit(payload)
	if err != nil || got != msg {
		t.Fatalf("decodeCredit = %+v, %v", got, err)
	}

	kind, payload, _ = frameKind(encodeAck(ackFrame{Rank: 0, Seq: 7}))
	if kind != frameAck {
		t.Fatalf("ack kind = %d", kind)
	}
	a, err := decodeAck(payload)
	if err != nil || a.Seq != 7 {
		t.Fatalf("decodeAck = %+v, %v", a, err)
	}

	kind, payload, _ = frameKind(encodeClock(clockFrame{Rank: 1, Clock: math.Inf(1), Seq: 9}))
	if kind != frameClock {
		t.Fatalf("clock kind = %d", kind)
	}
	c, err := decodeClock(payload)
	if err != nil || !math.IsInf(c.Clock, 1) || c.Seq != 9 {
		t.Fatalf("decodeClock = %+v, %v", c, err)
	}

	if _, _, err := frameKind(nil); err == nil {
		t.Error("empty frame accepted")
	}
}

func TestSendCreditTracksInFlight(t *testing.T) {
	x, _ := newTestExchanger(t, 0, map[int]string{1: ""})

	if err := x.SendCredit(1, 5, 0, 1, 0.5); err != nil {
		t.Fatalf("SendCredit: %v", err)
	}
	if err := x.SendCredit(1, 6, 0, 1, 0.6); err != nil {
		t.Fatalf("SendCredit: %v", err)
	}
	if err := x.SendCredit(9, 5, 0, 1, 0.5); !errors.Is(err, ErrUnknownPeer) {
		t.Fatalf("SendCredit to unknown rank = %v, want ErrUnknownPeer", err)
	}

	inflight := x.InFlight()
	if len(inflight) != 2 {
		t.Fatalf("InFlight = %d entries, want 2", len(inflight))
	}
	if inflight[0].Seq != 1 || inflight[1].Seq != 2 {
		t.Errorf("in-flight seqs = %d,%d, want 1,2", inflight[0].Seq, inflight[1].Seq)
	}
	if inflight[0].Sender != 0 || inflight[0].Receiver != 1 || inflight[0].TargetElem != 5 {
		t.Errorf("in-flight[0] = %+v", inflight[0])
	}

	// Acknowledging the first leaves only the second.
	x.ackCredit(x.peers[1], 1)
	inflight = x.InFlight()
	if len(inflight) != 1 || inflight[0].Seq != 2 {
		t.Errorf("after ack InFlight = %+v, want only seq 2", inflight)
	}
}

func TestRestoreRebuildsQueues(t *testing.T) {
	x, _ := newTestExchanger(t, 0, map[int]string{1: "", 2: ""})

	inflight := []checkpoint.BoundaryMessage{
		{Sender: 0, Receiver: 2, TargetElem: 9, Species: 0, Delta: 1, Timestamp: 0.4, Seq: 3},
		{Sender: 0, Receiver: 1, TargetElem: 4, Species: 1, Delta: 1, Timestamp: 0.2, Seq: 1},
	}
	applied := []checkpoint.AppliedMark{{Rank: 1, Seq: 12}}
	if err := x.Restore(inflight, applied); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	got := x.InFlight()
	if len(got) != 2 {
		t.Fatalf("InFlight = %d entries, want 2", len(got))
	}
	// Ordered by receiver rank.
	if got[0].Receiver != 1 || got[1].Receiver != 2 {
		t.Errorf("in-flight order = %d,%d, want 1,2", got[0].Receiver, got[1].Receiver)
	}

	marks := x.AppliedMarks()
	if len(marks) != 1 || marks[0] != applied[0] {
		t.Errorf("AppliedMarks = %+v, want %+v", marks, applied)
	}

	// The sequence counter continues past the restored credits.
	if err := x.SendCredit(2, 9, 0, 1, 0.5); err != nil {
		t.Fatalf("SendCredit: %v", err)
	}
	got = x.InFlight()
	if got[len(got)-1].Seq != 4 {
		t.Errorf("next seq after restore = %d, want 4", got[len(got)-1].Seq)
	}

	if err := x.Restore([]checkpoint.BoundaryMessage{{Receiver: 7, Seq: 1}}, nil); !errors.Is(err, ErrUnknownPeer) {
		t.Errorf("Restore with unknown receiver = %v, want ErrUnknownPeer", err)
	}
	if err := x.Restore([]checkpoint.BoundaryMessage{{Receiver: 2, Seq: 3}}, nil); !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Errorf("Restore with duplicate seq = %v, want ErrCorrupt", err)
	}
}

func TestBarrierWithoutPeersReturns(t *testing.T) {
	x, _ := newTestExchanger(t, 0, nil)
	if err := x.Barrier(context.Background(), 42.0); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
}

func TestBarrierEnforcesWindow(t *testing.T) {
	x, _ := newTestExchanger(t, 0, map[int]string{1: ""})

	// Within the window of a peer at clock 0.
	if err := x.Barrier(context.Background(), 0.05); err != nil {
		t.Fatalf("Barrier inside window: %v", err)
	}

	// Beyond the window: must block until the peer advances.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := x.Barrier(ctx, 1.0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Barrier past window = %v, want DeadlineExceeded", err)
	}

	go func() {
		time.Sleep(10 * time.Millisecond)
		x.mu.Lock()
		x.peers[1].clock = 0.95
		x.mu.Unlock()
		x.signal()
	}()
	if err := x.Barrier(context.Background(), 1.0); err != nil {
		t.Fatalf("Barrier after peer advance: %v", err)
	}
}

func TestBarrierAppliesQueuedCredits(t *testing.T) {
	x, rec := newTestExchanger(t, 0, map[int]string{1: ""})

	x.mu.Lock()
	x.inbox = append(x.inbox,
		checkpoint.BoundaryMessage{Sender: 1, Receiver: 0, TargetElem: 3, Species: 0, Delta: 1, Timestamp: 0.01, Seq: 1},
		checkpoint.BoundaryMessage{Sender: 1, Receiver: 0, TargetElem: 3, Species: 0, Delta: 1, Timestamp: 0.02, Seq: 2},
		// Redelivered duplicate of seq 1 must be re-acked, never reapplied.
		checkpoint.BoundaryMessage{Sender: 1, Receiver: 0, TargetElem: 3, Species: 0, Delta: 1, Timestamp: 0.01, Seq: 1},
	)
	x.mu.Unlock()

	if err := x.Barrier(context.Background(), 0.0); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	if got := rec.count(); got != 2 {
		t.Errorf("applied %d credits, want 2 (duplicate suppressed)", got)
	}
	marks := x.AppliedMarks()
	if len(marks) != 1 || marks[0].Rank != 1 || marks[0].Seq != 2 {
		t.Errorf("AppliedMarks = %+v, want rank 1 seq 2", marks)
	}
}

func TestAwaitInboundReturnsFalseWhenAllPeersFinal(t *testing.T) {
	x, _ := newTestExchanger(t, 0, map[int]string{1: ""})
	x.mu.Lock()
	x.peers[1].clock = math.Inf(1)
	x.mu.Unlock()

	more, err := x.AwaitInbound(context.Background())
	if err != nil {
		t.Fatalf("AwaitInbound: %v", err)
	}
	if more {
		t.Error("AwaitInbound = true with every peer final")
	}
}

func TestAwaitInboundWakesOnCredit(t *testing.T) {
	x, rec := newTestExchanger(t, 0, map[int]string{1: ""})

	go func() {
		time.Sleep(10 * time.Millisecond)
		x.mu.Lock()
		x.inbox = append(x.inbox, checkpoint.BoundaryMessage{
			Sender: 1, Receiver: 0, TargetElem: 2, Species: 0, Delta: 1, Timestamp: 0.3, Seq: 1,
		})
		x.mu.Unlock()
		x.signal()
	}()

	more, err := x.AwaitInbound(context.Background())
	if err != nil {
		t.Fatalf("AwaitInbound: %v", err)
	}
	if !more {
		t.Fatal("AwaitInbound = false, want true after a credit")
	}
	if rec.count() != 1 {
		t.Errorf("applied %d credits, want 1", rec.count())
	}
}

func TestCreditDeliveryAndAckOverWebsocket(t *testing.T) {
	x0, rec0 := newTestExchanger(t, 0, map[int]string{1: ""})

	srv := httptest.NewServer(x0.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	x1, _ := newTestExchanger(t, 1, map[int]string{0: wsURL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x0.Start(ctx)
	x1.Start(ctx)

	if err := x1.SendCredit(0, 7, 1, 1, 0.05); err != nil {
		t.Fatalf("SendCredit: %v", err)
	}

	// Rank 0 applies inbound credits at its next barrier; the ack then
	// clears rank 1's in-flight queue.
	deadline := time.Now().Add(5 * time.Second)
	for rec0.count() == 0 && time.Now().Before(deadline) {
		if err := x0.Barrier(ctx, 0.0); err != nil {
			t.Fatalf("Barrier: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if rec0.count() != 1 {
		t.Fatalf("rank 0 applied %d credits, want 1", rec0.count())
	}
	rec0.mu.Lock()
	got := rec0.applied[0]
	rec0.mu.Unlock()
	if got.TargetElem != 7 || got.Species != 1 || got.Delta != 1 {
		t.Errorf("applied credit = %+v, want elem 7 species 1 delta 1", got)
	}

	for len(x1.InFlight()) > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(x1.InFlight()); n != 0 {
		t.Errorf("rank 1 still has %d unacked credits", n)
	}
}

func TestClockAnnouncementsReachPeers(t *testing.T) {
	x0, _ := newTestExchanger(t, 0, map[int]string{1: ""})

	srv := httptest.NewServer(x0.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	x1, _ := newTestExchanger(t, 1, map[int]string{0: wsURL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x0.Start(ctx)
	x1.Start(ctx)

	// x1's barrier announces its clock; x0 should observe it.
	if err := x1.Barrier(ctx, 0.08); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	waitForPeerClock(t, x0, 1, 0.08)
}

func waitForPeerClock(t *testing.T, x *Exchanger, rank int, want float64) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		x.mu.Lock()
		clock := x.peers[rank].clock
		x.mu.Unlock()
		if clock == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	x.mu.Lock()
	clock := x.peers[rank].clock
	x.mu.Unlock()
	t.Fatalf("peer %d clock = %g, want %g", rank, clock, want)
}

func TestQuiescentClockRetractionReachesPeer(t *testing.T) {
	x0, _ := newTestExchanger(t, 0, map[int]string{1: ""})

	srv := httptest.NewServer(x0.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	x1, _ := newTestExchanger(t, 1, map[int]string{0: wsURL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x0.Start(ctx)
	x1.Start(ctx)

	if err := x1.Barrier(ctx, 0.05); err != nil {
		t.Fatalf("Barrier: %v", err)
	}

	// While x1 waits for inbound credits it announces an infinite clock; a
	// credit revives it and the announcement must roll back to 0.05 so x0's
	// horizon constrains it again.
	go func() {
		time.Sleep(20 * time.Millisecond)
		x1.mu.Lock()
		x1.inbox = append(x1.inbox, checkpoint.BoundaryMessage{
			Sender: 0, Receiver: 1, TargetElem: 1, Species: 0, Delta: 1, Timestamp: 0.01, Seq: 1,
		})
		x1.mu.Unlock()
		x1.signal()
	}()
	more, err := x1.AwaitInbound(ctx)
	if err != nil {
		t.Fatalf("AwaitInbound: %v", err)
	}
	if !more {
		t.Fatal("AwaitInbound = false, want true after a credit")
	}

	waitForPeerClock(t, x0, 1, 0.05)
}

func TestReconnectRepeatsClockAnnouncement(t *testing.T) {
	x0, _ := newTestExchanger(t, 0, map[int]string{1: ""})

	srv := httptest.NewServer(x0.Handler())
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	x1, _ := newTestExchanger(t, 1, map[int]string{0: wsURL})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	x0.Start(ctx)
	x1.Start(ctx)

	if err := x1.Barrier(ctx, 0.05); err != nil {
		t.Fatalf("Barrier: %v", err)
	}
	waitForPeerClock(t, x0, 1, 0.05)

	// Forget the announcement on the receiving side and kill the connection.
	// The redial must repeat the clock, not only the unacked credits; a
	// barrier blocked on a stale horizon would otherwise wait forever.
	x0.mu.Lock()
	x0.peers[1].clock = 0
	x0.peers[1].clockSeq = 0
	x0.mu.Unlock()
	x1.mu.Lock()
	if x1.peers[0].conn != nil {
		x1.peers[0].conn.Close()
	}
	x1.mu.Unlock()

	waitForPeerClock(t, x0, 1, 0.05)
}
