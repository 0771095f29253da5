package main

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Mesh is the directed registry of live TCP connections, one per peer id.
// Outbound connects and inbound accepts merge into the same registry; when
// both sides race, the newer connection replaces the older one.
type Mesh struct {
	selfID   string
	username string
	localIP  string

	mu       sync.RWMutex
	peers    map[string]*Peer
	statuses map[string]string // peer id -> alive | dead; ids appear once

	ln      net.Listener
	tcpPort int

	closeOnce sync.Once

	// Callbacks are set once during wiring, before Run.
	onFrame    func(peerID string, env Envelope)
	onPeerUp   func(p *Peer)
	onPeerDown func(peerID string)

	framesIn  atomic.Uint64
	framesOut atomic.Uint64
	sendFails atomic.Uint64
}

func NewMesh(selfID, username, localIP string) *Mesh {
	return &Mesh{
		selfID:   selfID,
		username: username,
		localIP:  localIP,
		peers:    make(map[string]*Peer),
		statuses: make(map[string]string),
	}
}

// SetOnFrame registers the handler for every decoded non-hello frame.
func (m *Mesh) SetOnFrame(fn func(peerID string, env Envelope)) { m.onFrame = fn }

// SetOnPeerUp registers the handler fired after a peer joins the registry.
func (m *Mesh) SetOnPeerUp(fn func(p *Peer)) { m.onPeerUp = fn }

// SetOnPeerDown registers the handler fired after a peer is removed.
func (m *Mesh) SetOnPeerDown(fn func(peerID string)) { m.onPeerDown = fn }

// Listen binds the mesh listener, walking up from basePort until a free
// port is found. Returns the bound port.
func (m *Mesh) Listen(basePort int) (int, error) {
	for port := basePort; port < basePort+TCPPortRange; port++ {
		ln, err := net.Listen("tcp4", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		m.ln = ln
		m.tcpPort = port
		log.Printf("[mesh] listening on tcp/%d", port)
		return port, nil
	}
	return 0, fmt.Errorf("no free tcp port in %d..%d", basePort, basePort+TCPPortRange-1)
}

// TCPPort returns the bound mesh port.
func (m *Mesh) TCPPort() int { return m.tcpPort }

// Run accepts inbound connections until the listener is closed.
func (m *Mesh) Run() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		go m.handleInbound(conn)
	}
}

// helloEnvelope is the identifying first frame sent on every new connection
// in both directions.
func (m *Mesh) helloEnvelope() Envelope {
	return Envelope{
		SenderID: m.selfID,
		SenderIP: m.localIP,
		Kind:     KindHello,
		TCPPort:  m.tcpPort,
		Username: m.username,
	}
}

// handleInbound performs the hello handshake on a fresh inbound connection.
// The first frame must be a hello naming the remote node; anything else is a
// protocol violation and closes the connection. The accepting side replies
// with its own hello so both ends learn each other's identity and username.
func (m *Mesh) handleInbound(conn net.Conn) {
	conn.SetReadDeadline(time.Now().Add(connDialTimeout))
	env, err := readFrame(conn)
	if err != nil {
		log.Printf("[mesh] inbound handshake from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	if env.Kind != KindHello || env.SenderID == "" || env.SenderID == m.selfID {
		log.Printf("[mesh] rejected inbound %s frame from %s", env.Kind, conn.RemoteAddr())
		conn.Close()
		return
	}

	conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	if err := writeFrame(conn, m.helloEnvelope()); err != nil {
		log.Printf("[mesh] hello reply to %s: %v", env.SenderID, err)
		conn.Close()
		return
	}
	conn.SetWriteDeadline(time.Time{})

	ip := env.SenderIP
	if ip == "" {
		if host, _, err := net.SplitHostPort(conn.RemoteAddr().String()); err == nil {
			ip = host
		}
	}

	p := &Peer{ID: env.SenderID, Username: env.Username, IP: ip, TCPPort: env.TCPPort, conn: conn}
	m.register(p)
	m.readLoop(p)
}

// Connect opens an outbound connection, sends the hello frame, and waits
// for the remote hello identifying the peer. id may be empty when dialing a
// seed address whose identity is not yet known. No-op when the peer is self
// or already connected.
func (m *Mesh) Connect(id, ip string, tcpPort int) error {
	if id == m.selfID {
		return nil
	}
	if id != "" && m.HasPeer(id) {
		return nil
	}

	conn, err := net.DialTimeout("tcp4", net.JoinHostPort(ip, fmt.Sprintf("%d", tcpPort)), connDialTimeout)
	if err != nil {
		return fmt.Errorf("dial %s:%d: %w", ip, tcpPort, err)
	}

	conn.SetWriteDeadline(time.Now().Add(connWriteTimeout))
	if err := writeFrame(conn, m.helloEnvelope()); err != nil {
		conn.Close()
		return fmt.Errorf("hello to %s:%d: %w", ip, tcpPort, err)
	}
	conn.SetWriteDeadline(time.Time{})

	conn.SetReadDeadline(time.Now().Add(connDialTimeout))
	env, err := readFrame(conn)
	if err != nil {
		conn.Close()
		return fmt.Errorf("hello reply from %s:%d: %w", ip, tcpPort, err)
	}
	conn.SetReadDeadline(time.Time{})

	switch {
	case env.Kind != KindHello || env.SenderID == "":
		conn.Close()
		return fmt.Errorf("unexpected %s frame from %s:%d", env.Kind, ip, tcpPort)
	case env.SenderID == m.selfID:
		// Our own beacon looped back, or a twin running with the same
		// credentials. Either way, never self-connect.
		conn.Close()
		return nil
	case id != "" && env.SenderID != id:
		conn.Close()
		return fmt.Errorf("peer at %s:%d identifies as %s, expected %s", ip, tcpPort, env.SenderID, id)
	}

	p := &Peer{ID: env.SenderID, Username: env.Username, IP: ip, TCPPort: tcpPort, conn: conn}
	m.register(p)
	go m.readLoop(p)
	return nil
}

// register adds p to the registry, replacing and closing any older
// connection for the same id.
func (m *Mesh) register(p *Peer) {
	m.mu.Lock()
	old := m.peers[p.ID]
	m.peers[p.ID] = p
	m.statuses[p.ID] = "alive"
	total := len(m.peers)
	m.mu.Unlock()

	if old != nil {
		old.Close()
		log.Printf("[mesh] replaced connection for %s, total=%d", p.ID, total)
	} else {
		log.Printf("[mesh] peer %s (%s:%d) connected, total=%d", p.ID, p.IP, p.TCPPort, total)
	}

	if m.onPeerUp != nil {
		m.onPeerUp(p)
	}
}

// readLoop delivers frames from p until read error or EOF, then removes the
// peer and marks it dead.
func (m *Mesh) readLoop(p *Peer) {
	for {
		env, err := readFrame(p.conn)
		if err != nil {
			m.remove(p, err)
			return
		}
		if env.SenderID != p.ID {
			m.remove(p, fmt.Errorf("sender id %q does not match peer %q", env.SenderID, p.ID))
			return
		}
		// A late hello on an established connection refreshes the
		// username used for election ranking.
		if env.Kind == KindHello {
			m.mu.Lock()
			p.Username = env.Username
			m.mu.Unlock()
			continue
		}
		m.framesIn.Add(1)
		if m.onFrame != nil {
			m.onFrame(p.ID, env)
		}
	}
}

// remove drops p from the registry if it is still the registered connection
// for its id, and fires onPeerDown. Replaced connections fall out silently.
func (m *Mesh) remove(p *Peer, cause error) {
	p.Close()

	m.mu.Lock()
	current, ok := m.peers[p.ID]
	if !ok || current != p {
		m.mu.Unlock()
		return
	}
	delete(m.peers, p.ID)
	m.statuses[p.ID] = "dead"
	total := len(m.peers)
	m.mu.Unlock()

	log.Printf("[mesh] peer %s disconnected (%v), total=%d", p.ID, cause, total)
	if m.onPeerDown != nil {
		m.onPeerDown(p.ID)
	}
}

// HasPeer reports whether id has a live connection.
func (m *Mesh) HasPeer(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peers[id]
	return ok
}

// Send writes one frame to a single peer. A failed send closes the
// connection and removes the peer.
func (m *Mesh) Send(peerID string, env Envelope) error {
	m.mu.RLock()
	p, ok := m.peers[peerID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("peer %s not connected", peerID)
	}
	if err := p.send(env); err != nil {
		m.sendFails.Add(1)
		m.remove(p, err)
		return err
	}
	m.framesOut.Add(1)
	return nil
}

// Broadcast sends one frame to every connected peer. Individual failures
// are non-fatal; the failed connection is closed and removed. Targets are
// snapshotted under the read lock, then written outside it.
func (m *Mesh) Broadcast(env Envelope) {
	m.mu.RLock()
	targets := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		targets = append(targets, p)
	}
	m.mu.RUnlock()

	for _, p := range targets {
		if err := p.send(env); err != nil {
			m.sendFails.Add(1)
			m.remove(p, err)
			continue
		}
		m.framesOut.Add(1)
	}
}

// Peers returns a snapshot of every known peer record, dead ones included.
func (m *Mesh) Peers() []PeerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]PeerInfo, 0, len(m.statuses))
	for id, status := range m.statuses {
		info := PeerInfo{ID: id, Status: status}
		if p, ok := m.peers[id]; ok {
			info.Username = p.Username
			info.IP = p.IP
			info.TCPPort = p.TCPPort
		}
		out = append(out, info)
	}
	return out
}

// LivePeers returns the ids and usernames of currently-connected peers.
func (m *Mesh) LivePeers() []RankedPeer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RankedPeer, 0, len(m.peers))
	for id, p := range m.peers {
		out = append(out, RankedPeer{ID: id, Username: p.Username})
	}
	return out
}

// PeerUsername returns the display name a peer announced in its hello, or
// "" for unknown peers (which are still valid election senders).
func (m *Mesh) PeerUsername(id string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.peers[id]; ok {
		return p.Username
	}
	return ""
}

// PeerCount returns the number of live connections.
func (m *Mesh) PeerCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.peers)
}

// Stats returns and resets the frame counters.
func (m *Mesh) Stats() (framesIn, framesOut, sendFails uint64) {
	return m.framesIn.Swap(0), m.framesOut.Swap(0), m.sendFails.Swap(0)
}

// Close shuts the listener and every connection down; idempotent.
func (m *Mesh) Close() {
	m.closeOnce.Do(func() {
		if m.ln != nil {
			m.ln.Close()
		}
		m.mu.Lock()
		peers := make([]*Peer, 0, len(m.peers))
		for _, p := range m.peers {
			peers = append(peers, p)
		}
		m.mu.Unlock()
		for _, p := range peers {
			p.Close()
		}
	})
}
