package transport

import (
	"bytes"
	"testing"
	"time"

	"github.com/1ureka/broadlink/internal/config"
	"github.com/1ureka/broadlink/internal/protocol"
	"github.com/1ureka/broadlink/internal/registry"
)

// TestHostAdmitsUpToCapacity: two clients get approved with distinct
// non-zero handles, the third is rejected once capacity is reached.
func TestHostAdmitsUpToCapacity(t *testing.T) {
	tr, med := newHost(t, 2)
	defer tr.Shutdown()

	med.deliver(requestFrame(t, "p1", []byte("a")))
	med.deliver(requestFrame(t, "p2", []byte("b")))
	med.deliver(requestFrame(t, "p3", []byte("c")))

	evs := drainEvents(tr)
	var connects []registry.Handle
	for _, ev := range evs {
		if ev.Type == EventConnect {
			connects = append(connects, ev.Handle)
		}
	}
	if len(connects) != 2 {
		t.Fatalf("expected 2 Connect events, got %d (%v)", len(connects), evs)
	}
	if connects[0] == connects[1] || connects[0] == ServerHandle || connects[1] == ServerHandle {
		t.Fatalf("handles must be distinct and non-zero: %v", connects)
	}

	frames := med.sentFrames()
	if len(frames) != 3 {
		t.Fatalf("expected 3 responses, got %d", len(frames))
	}
	verdicts := make(map[string]protocol.Response)
	for _, f := range frames {
		dst, resp := decodeResponseFrame(t, f)
		verdicts[dst] = resp
	}
	if !verdicts["p1"].Approved || !verdicts["p2"].Approved {
		t.Fatalf("p1/p2 should be approved: %+v", verdicts)
	}
	if verdicts["p1"].Handle == verdicts["p2"].Handle {
		t.Fatal("p1 and p2 share a handle")
	}
	if verdicts["p3"].Approved {
		t.Fatal("p3 should be rejected, room is full")
	}
}

// TestDuplicateRequestSingleRecord: two requests from the same identity
// before any answer produce one record and consistent approvals.
func TestDuplicateRequestSingleRecord(t *testing.T) {
	tr, med := newHost(t, 8)
	defer tr.Shutdown()

	med.deliver(requestFrame(t, "p1", nil))
	med.deliver(requestFrame(t, "p1", nil))

	evs := drainEvents(tr)
	connects := 0
	for _, ev := range evs {
		if ev.Type == EventConnect {
			connects++
		}
	}
	if connects != 1 {
		t.Fatalf("expected exactly 1 Connect event, got %d", connects)
	}

	frames := med.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 responses, got %d", len(frames))
	}
	_, first := decodeResponseFrame(t, frames[0])
	_, second := decodeResponseFrame(t, frames[1])
	if !first.Approved || !second.Approved || first.Handle != second.Handle {
		t.Fatalf("both responses must approve the same handle: %+v vs %+v", first, second)
	}
}

// TestOversizedRequestRejected: a request payload beyond the limit is
// answered with a rejection and no record.
func TestOversizedRequestRejected(t *testing.T) {
	tr, med := newHost(t, 8)
	defer tr.Shutdown()

	med.deliver(requestFrame(t, "p1", bytes.Repeat([]byte("x"), 1025)))
	evs := drainEvents(tr)
	for _, ev := range evs {
		if ev.Type == EventConnect {
			t.Fatal("oversized request must not be admitted")
		}
	}

	frames := med.sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 response, got %d", len(frames))
	}
	if _, resp := decodeResponseFrame(t, frames[0]); resp.Approved {
		t.Fatal("oversized request should be rejected")
	}
}

// TestSweepEvictsIdle: an idle peer is evicted after the timeout, while
// activity inside the window resets its clock.
func TestSweepEvictsIdle(t *testing.T) {
	prev := sweepInterval
	sweepInterval = 10 * time.Millisecond
	defer func() { sweepInterval = prev }()

	tr, med := newHost(t, 8)
	defer tr.Shutdown()
	tr.cfg.ConnectionTimeout = 150 * time.Millisecond

	med.deliver(requestFrame(t, "p1", nil))
	drainEvents(tr)

	// Activity at ~100ms keeps the record alive past the naive deadline.
	time.Sleep(100 * time.Millisecond)
	med.deliver(dataFrame(t, "p1", []byte("ping")))
	drainEvents(tr)

	time.Sleep(100 * time.Millisecond)
	for _, ev := range drainEvents(tr) {
		if ev.Type == EventDisconnect {
			t.Fatal("peer evicted despite recent activity")
		}
	}

	// No further traffic: the record must expire within its window.
	deadline := time.Now().Add(2 * time.Second)
	for {
		evs := drainEvents(tr)
		done := false
		for _, ev := range evs {
			if ev.Type == EventDisconnect {
				done = true
			}
		}
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("idle peer was never evicted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// TestSendBeforeConnectedRejected: no data frame reaches the medium until
// the host approves the connection.
func TestSendBeforeConnectedRejected(t *testing.T) {
	tr, med := newClient(t, nil)
	defer tr.Shutdown()

	// StartClient sent exactly the connection request.
	if n := len(med.sentFrames()); n != 1 {
		t.Fatalf("expected 1 frame (the request), got %d", n)
	}

	tr.Send(ServerHandle, []byte("too early"), ReliableSequenced)
	if n := len(med.sentFrames()); n != 1 {
		t.Fatalf("send before approval leaked a frame: %d frames", n)
	}

	med.deliver(responseFrame(t, "c1", true, 1001))
	drainEvents(tr)
	if tr.Phase() != PhaseConnected {
		t.Fatalf("expected PhaseConnected after approval, got %d", tr.Phase())
	}

	tr.Send(ServerHandle, []byte("now"), Unreliable)
	frames := med.sentFrames()
	if n := len(frames); n != 2 {
		t.Fatalf("expected request + 1 data frame, got %d", n)
	}
	env, payload, err := protocol.Decode(frames[1])
	if err != nil || env.Type != protocol.TypeData {
		t.Fatalf("second frame is not a data frame: %v %v", env, err)
	}
	if string(payload) != "now" {
		t.Fatalf("payload mismatch: %q", payload)
	}
}

// TestJoinTimeout: a medium that never signals connected fails the join
// within the configured window, and no late callback can mutate state.
func TestJoinTimeout(t *testing.T) {
	cfg := config.Default()
	cfg.AppID, cfg.RoomID = "app1", "room1"
	cfg.PeerID = "c1"
	cfg.ConnectTimeout = 100 * time.Millisecond
	cfg.MaxConnectAttempts = 1

	med := &mockMedium{blockJoin: true}
	tr := New(cfg, med)
	tr.Initialize()

	start := time.Now()
	if tr.StartClient() {
		t.Fatal("StartClient should fail when the medium never connects")
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond || elapsed > 500*time.Millisecond {
		t.Fatalf("join failed after %v, want ~100ms", elapsed)
	}
	if tr.Phase() != PhaseDisconnected {
		t.Fatalf("expected PhaseDisconnected after failed join, got %d", tr.Phase())
	}

	// A late delivery must hit an unhooked callback and change nothing.
	med.deliver(responseFrame(t, "c1", true, 1001))
	if ev := tr.Poll(); ev.Type != EventNothing {
		t.Fatalf("late frame produced event %v after teardown", ev)
	}
	if tr.Phase() != PhaseDisconnected {
		t.Fatal("late frame mutated transport state")
	}
}

// TestShutdownIdempotent: Shutdown is safe from any state and repeatable.
func TestShutdownIdempotent(t *testing.T) {
	// Before any start.
	cfg := config.Default()
	cfg.PeerID = "x"
	tr := New(cfg, &mockMedium{})
	tr.Shutdown()
	tr.Shutdown()

	// After a full host session.
	tr2, med := newHost(t, 8)
	med.deliver(requestFrame(t, "p1", nil))
	drainEvents(tr2)

	tr2.Shutdown()
	tr2.Shutdown()
	if ev := tr2.Poll(); ev.Type != EventNothing {
		t.Fatalf("Poll after Shutdown returned %v", ev)
	}
}

// TestClientConnectSynthesis: the Connect event for handle 0 appears once
// the medium is connected and the settle delay has passed, and host data
// is attributed to handle 0 afterwards.
func TestClientConnectSynthesis(t *testing.T) {
	tr, med := newClient(t, func(cfg *config.Config) {
		cfg.SettleDelay = 20 * time.Millisecond
	})
	defer tr.Shutdown()

	med.deliver(responseFrame(t, "c1", true, 1001))
	time.Sleep(40 * time.Millisecond)

	evs := drainEvents(tr)
	found := false
	for _, ev := range evs {
		if ev.Type == EventConnect && ev.Handle == ServerHandle {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected synthesized Connect for handle 0, got %v", evs)
	}

	// First remote data frame establishes the host identity.
	med.deliver(dataFrame(t, "h1", []byte("welcome")))
	evs = drainEvents(tr)
	if len(evs) != 1 || evs[0].Type != EventData || evs[0].Handle != ServerHandle {
		t.Fatalf("expected Data on handle 0, got %v", evs)
	}
	if string(evs[0].Payload) != "welcome" {
		t.Fatalf("payload mismatch: %q", evs[0].Payload)
	}

	// Frames from anyone else are an anomaly, not an event.
	med.deliver(dataFrame(t, "stranger", []byte("noise")))
	if evs := drainEvents(tr); len(evs) != 0 {
		t.Fatalf("unexpected events from unknown sender: %v", evs)
	}
}

// TestClientRejectedSurfacesDisconnect: an unapproved response becomes a
// transport-level failure event, not a retry.
func TestClientRejectedSurfacesDisconnect(t *testing.T) {
	tr, med := newClient(t, nil)
	defer tr.Shutdown()

	med.deliver(responseFrame(t, "c1", false, 0))
	evs := drainEvents(tr)
	if len(evs) != 1 || evs[0].Type != EventDisconnect || evs[0].Handle != ServerHandle {
		t.Fatalf("expected Disconnect for handle 0, got %v", evs)
	}
	if n := len(med.sentFrames()); n != 1 {
		t.Fatalf("rejection must not trigger a retry, got %d frames", n)
	}
}

// TestStaleRejectionIgnoredAfterApproval: once the handshake completed, a
// late or spoofed rejection frame must not tear the link down.
func TestStaleRejectionIgnoredAfterApproval(t *testing.T) {
	tr, med := newClient(t, nil)
	defer tr.Shutdown()

	med.deliver(responseFrame(t, "c1", true, 1001))
	drainEvents(tr)
	if tr.Phase() != PhaseConnected {
		t.Fatalf("expected PhaseConnected after approval, got %d", tr.Phase())
	}

	med.deliver(responseFrame(t, "c1", false, 0))
	if evs := drainEvents(tr); len(evs) != 0 {
		t.Fatalf("stale rejection produced events: %v", evs)
	}
	if tr.Phase() != PhaseConnected {
		t.Fatalf("stale rejection changed phase to %d", tr.Phase())
	}

	// The link still works.
	tr.Send(ServerHandle, []byte("still here"), Unreliable)
	if n := len(med.sentFrames()); n != 2 {
		t.Fatalf("expected request + data frame, got %d", n)
	}
}

// TestHostRecordRecreatedAfterSweep: when the host record expires for
// inactivity, fresh host data rebuilds it so the inactivity clock keeps
// tracking the link instead of going silent forever.
func TestHostRecordRecreatedAfterSweep(t *testing.T) {
	prev := sweepInterval
	sweepInterval = 10 * time.Millisecond
	defer func() { sweepInterval = prev }()

	tr, med := newClient(t, func(cfg *config.Config) {
		cfg.ConnectionTimeout = 80 * time.Millisecond
	})
	defer tr.Shutdown()

	med.deliver(responseFrame(t, "c1", true, 1001))
	med.deliver(dataFrame(t, "h1", []byte("hello")))
	drainEvents(tr)

	waitDisconnect := func(what string) {
		deadline := time.Now().Add(2 * time.Second)
		for {
			for _, ev := range drainEvents(tr) {
				if ev.Type == EventDisconnect && ev.Handle == ServerHandle {
					return
				}
			}
			if time.Now().After(deadline) {
				t.Fatalf("%s: host record never timed out", what)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}
	waitDisconnect("first idle period")

	// The host speaks again: data flows on handle 0 and the record is back.
	med.deliver(dataFrame(t, "h1", []byte("back")))
	evs := drainEvents(tr)
	if len(evs) == 0 || evs[len(evs)-1].Type != EventData || evs[len(evs)-1].Handle != ServerHandle {
		t.Fatalf("expected Data on handle 0 after revival, got %v", evs)
	}
	if tr.reg.ByHandle(ServerHandle) == nil {
		t.Fatal("host record was not recreated")
	}

	// Timeout tracking resumed: going idle again times out again.
	waitDisconnect("second idle period")
}

// TestResponseFilteredByIdentity: a response addressed to a different peer
// is ignored entirely.
func TestResponseFilteredByIdentity(t *testing.T) {
	tr, med := newClient(t, nil)
	defer tr.Shutdown()

	med.deliver(responseFrame(t, "someone-else", true, 1002))
	drainEvents(tr)
	if tr.Phase() == PhaseConnected {
		t.Fatal("client accepted a response addressed to another peer")
	}
}

// TestHostFallbackHandle: data from an identity that never completed the
// handshake is surfaced under a deterministic fallback handle.
func TestHostFallbackHandle(t *testing.T) {
	tr, med := newHost(t, 8)
	defer tr.Shutdown()

	med.deliver(dataFrame(t, "ghost", []byte("boo")))
	evs := drainEvents(tr)
	if len(evs) != 1 || evs[0].Type != EventData {
		t.Fatalf("expected 1 Data event, got %v", evs)
	}
	if evs[0].Handle < 1<<32 {
		t.Fatalf("fallback handle %d not in the fallback range", evs[0].Handle)
	}

	// Same identity, same handle.
	med.deliver(dataFrame(t, "ghost", []byte("again")))
	evs2 := drainEvents(tr)
	if len(evs2) != 1 || evs2[0].Handle != evs[0].Handle {
		t.Fatalf("fallback handle not deterministic: %v vs %v", evs, evs2)
	}
}

// TestStartClientRedirectsForHost: a host configuration entering through
// StartClient still ends up serving.
func TestStartClientRedirectsForHost(t *testing.T) {
	cfg := config.Default()
	cfg.AppID, cfg.RoomID = "app1", "room1"
	cfg.IsHost = true
	cfg.PeerID = "host"

	med := &mockMedium{}
	tr := New(cfg, med)
	tr.Initialize()
	defer tr.Shutdown()

	if !tr.StartClient() {
		t.Fatal("redirected StartClient failed")
	}
	if tr.Phase() != PhaseConnected {
		t.Fatalf("expected PhaseConnected, got %d", tr.Phase())
	}

	// It really is serving: a request gets answered.
	med.deliver(requestFrame(t, "p1", nil))
	drainEvents(tr)
	if len(med.sentFrames()) != 1 {
		t.Fatal("redirected host did not answer a connection request")
	}
}

// TestReinitializeAfterShutdown: no state survives into a new session.
func TestReinitializeAfterShutdown(t *testing.T) {
	tr, med := newHost(t, 8)
	med.deliver(requestFrame(t, "p1", nil))
	drainEvents(tr)
	tr.Shutdown()

	tr.Initialize()
	if !tr.StartServer() {
		t.Fatal("restart failed")
	}
	defer tr.Shutdown()

	// p1 is unknown again and must be re-admitted from scratch.
	med.deliver(requestFrame(t, "p1", nil))
	evs := drainEvents(tr)
	connects := 0
	for _, ev := range evs {
		if ev.Type == EventConnect {
			connects++
		}
	}
	if connects != 1 {
		t.Fatalf("expected fresh admission after restart, got %v", evs)
	}
}
