package main

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// frameRecorder captures frames delivered by a mesh.
type frameRecorder struct {
	mu     sync.Mutex
	frames []Envelope
	downs  []string
}

func (r *frameRecorder) onFrame(_ string, env Envelope) {
	r.mu.Lock()
	r.frames = append(r.frames, env)
	r.mu.Unlock()
}

func (r *frameRecorder) onPeerDown(id string) {
	r.mu.Lock()
	r.downs = append(r.downs, id)
	r.mu.Unlock()
}

func (r *frameRecorder) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *frameRecorder) lastFrame() Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames[len(r.frames)-1]
}

func (r *frameRecorder) downCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.downs)
}

// newTestMesh builds a running mesh on loopback. basePort spaces tests out
// so parallel packages don't collide; Listen walks upward on conflicts.
func newTestMesh(t *testing.T, id, username string, basePort int) (*Mesh, *frameRecorder) {
	t.Helper()
	rec := &frameRecorder{}
	m := NewMesh(id, username, "127.0.0.1")
	m.SetOnFrame(rec.onFrame)
	m.SetOnPeerDown(rec.onPeerDown)
	if _, err := m.Listen(basePort); err != nil {
		t.Fatalf("listen: %v", err)
	}
	go m.Run()
	t.Cleanup(m.Close)
	return m, rec
}

func TestMeshConnectHandshake(t *testing.T) {
	a, _ := newTestMesh(t, "aaaa0001", "alice", 42100)
	b, _ := newTestMesh(t, "bbbb0001", "bob", 42110)

	if err := a.Connect("bbbb0001", "127.0.0.1", b.TCPPort()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "a sees b", func() bool { return a.HasPeer("bbbb0001") })
	waitFor(t, "b sees a", func() bool { return b.HasPeer("aaaa0001") })

	if got := a.PeerUsername("bbbb0001"); got != "bob" {
		t.Errorf("a's record of b's username = %q", got)
	}
	if got := b.PeerUsername("aaaa0001"); got != "alice" {
		t.Errorf("b's record of a's username = %q", got)
	}
}

func TestMeshConnectUnknownSeed(t *testing.T) {
	a, _ := newTestMesh(t, "aaaa0002", "alice", 42120)
	b, _ := newTestMesh(t, "bbbb0002", "bob", 42130)

	// Seed join: the dialer does not know the remote id yet.
	if err := a.Connect("", "127.0.0.1", b.TCPPort()); err != nil {
		t.Fatalf("seed connect: %v", err)
	}
	waitFor(t, "a sees b", func() bool { return a.HasPeer("bbbb0002") })
}

func TestMeshSendAndBroadcast(t *testing.T) {
	a, _ := newTestMesh(t, "aaaa0003", "alice", 42140)
	b, recB := newTestMesh(t, "bbbb0003", "bob", 42150)
	c, recC := newTestMesh(t, "cccc0003", "carol", 42160)

	if err := a.Connect("bbbb0003", "127.0.0.1", b.TCPPort()); err != nil {
		t.Fatalf("connect b: %v", err)
	}
	if err := a.Connect("cccc0003", "127.0.0.1", c.TCPPort()); err != nil {
		t.Fatalf("connect c: %v", err)
	}
	waitFor(t, "b registers a", func() bool { return b.HasPeer("aaaa0003") })
	waitFor(t, "c registers a", func() bool { return c.HasPeer("aaaa0003") })

	if err := a.Send("bbbb0003", Envelope{SenderID: "aaaa0003", Kind: KindHeartbeat}); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitFor(t, "b receives heartbeat", func() bool { return recB.frameCount() >= 1 })
	if env := recB.lastFrame(); env.Kind != KindHeartbeat || env.SenderID != "aaaa0003" {
		t.Errorf("b got %+v", env)
	}

	a.Broadcast(Envelope{SenderID: "aaaa0003", Kind: KindCoordinator, LeaderID: "aaaa0003"})
	waitFor(t, "b receives broadcast", func() bool { return recB.frameCount() >= 2 })
	waitFor(t, "c receives broadcast", func() bool { return recC.frameCount() >= 1 })
}

func TestMeshSelfConnectRefused(t *testing.T) {
	a, _ := newTestMesh(t, "aaaa0004", "alice", 42170)

	if err := a.Connect("aaaa0004", "127.0.0.1", a.TCPPort()); err != nil {
		t.Fatalf("self connect by id should be a silent no-op, got %v", err)
	}
	// Dialing our own listener without knowing the id: the accept side
	// rejects the hello bearing its own id, so nothing registers. The
	// dialer may see the close as an error; either way no peer appears.
	_ = a.Connect("", "127.0.0.1", a.TCPPort())
	time.Sleep(50 * time.Millisecond)
	if a.PeerCount() != 0 {
		t.Errorf("self-loop registered: %d peers", a.PeerCount())
	}
}

func TestMeshDuplicateConnectionReplaced(t *testing.T) {
	a, _ := newTestMesh(t, "aaaa0005", "alice", 42180)

	// Two successive mesh instances for the same node id: the newer
	// connection replaces the older one in a's registry.
	b1, _ := newTestMesh(t, "bbbb0005", "bob", 42190)
	if err := b1.Connect("aaaa0005", "127.0.0.1", a.TCPPort()); err != nil {
		t.Fatalf("first connect: %v", err)
	}
	waitFor(t, "a registers first b", func() bool { return a.HasPeer("bbbb0005") })

	b2, _ := newTestMesh(t, "bbbb0005", "bob", 42200)
	if err := b2.Connect("aaaa0005", "127.0.0.1", a.TCPPort()); err != nil {
		t.Fatalf("second connect: %v", err)
	}

	waitFor(t, "a keeps a single registry entry", func() bool {
		return a.PeerCount() == 1 && a.HasPeer("bbbb0005")
	})
}

func TestMeshPeerDownOnClose(t *testing.T) {
	a, recA := newTestMesh(t, "aaaa0006", "alice", 42210)
	b, _ := newTestMesh(t, "bbbb0006", "bob", 42220)

	if err := a.Connect("bbbb0006", "127.0.0.1", b.TCPPort()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "b registers a", func() bool { return b.HasPeer("aaaa0006") })

	b.Close()

	waitFor(t, "a notices b is gone", func() bool { return recA.downCount() >= 1 })
	if a.HasPeer("bbbb0006") {
		t.Error("dead peer still registered")
	}
	// The peer record survives as dead.
	var status string
	for _, p := range a.Peers() {
		if p.ID == "bbbb0006" {
			status = p.Status
		}
	}
	if status != "dead" {
		t.Errorf("peer status = %q, want dead", status)
	}
}

func TestMeshRejectsNonHelloFirstFrame(t *testing.T) {
	a, _ := newTestMesh(t, "aaaa0007", "alice", 42230)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", a.TCPPort()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := writeFrame(conn, Envelope{SenderID: "zzzz0007", Kind: KindHeartbeat}); err != nil {
		t.Fatalf("write: %v", err)
	}

	// The server closes the connection without registering a peer.
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed")
	}
	if a.PeerCount() != 0 {
		t.Errorf("protocol violator registered: %d peers", a.PeerCount())
	}
}

func TestMeshOversizedFrameTerminatesConnection(t *testing.T) {
	a, _ := newTestMesh(t, "aaaa0008", "alice", 42240)

	conn, err := net.Dial("tcp4", fmt.Sprintf("127.0.0.1:%d", a.TCPPort()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	if _, err := conn.Write(hdr[:]); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Error("expected the connection to be closed")
	}
	if a.PeerCount() != 0 {
		t.Errorf("oversized sender registered: %d peers", a.PeerCount())
	}
}

func TestMeshPortWalkOnConflict(t *testing.T) {
	a := NewMesh("aaaa0009", "alice", "127.0.0.1")
	if _, err := a.Listen(42250); err != nil {
		t.Fatalf("first listen: %v", err)
	}
	t.Cleanup(a.Close)

	b := NewMesh("bbbb0009", "bob", "127.0.0.1")
	port, err := b.Listen(42250)
	if err != nil {
		t.Fatalf("second listen: %v", err)
	}
	t.Cleanup(b.Close)

	if port == a.TCPPort() {
		t.Errorf("both meshes bound port %d", port)
	}
	if port < 42250 || port >= 42250+TCPPortRange {
		t.Errorf("port %d outside walk range", port)
	}
}
