package main

import (
	"context"
	"log"
	"sync"
)

// Role names for status output and UI pushes.
const (
	RoleHost     = "host"
	RoleListener = "listener"
)

// Node glues the subsystems together: it routes mesh frames to the state
// store, the elector, and the playback coordinator, originates causal
// mutations, and runs Host duties while this node holds leadership.
type Node struct {
	id       string
	username string
	ip       string

	state   *State
	mesh    *Mesh
	elector *Elector
	library *Library
	coord   *Coordinator
	hub     *EventHub

	ctx context.Context

	hostMu     sync.Mutex
	hostCancel context.CancelFunc
}

// NewNode wires the callbacks between subsystems. The coordinator is
// attached afterwards via SetCoordinator because it needs the node as its
// bus.
func NewNode(ctx context.Context, id, username, ip string, state *State, mesh *Mesh, elector *Elector, library *Library, hub *EventHub) *Node {
	n := &Node{
		id:       id,
		username: username,
		ip:       ip,
		state:    state,
		mesh:     mesh,
		elector:  elector,
		library:  library,
		hub:      hub,
		ctx:      ctx,
	}

	mesh.SetOnFrame(n.processFrame)
	mesh.SetOnPeerUp(n.onPeerUp)
	mesh.SetOnPeerDown(n.onPeerDown)

	elector.livePeers = mesh.LivePeers
	elector.sendElection = func(peerID string, uptime int64) {
		n.send(peerID, Envelope{Kind: KindElection, Uptime: uptime})
	}
	elector.sendAnswer = func(peerID string) {
		n.send(peerID, Envelope{Kind: KindAnswer})
	}
	elector.broadcastCoordinator = func(leaderID string) {
		// Username rides along so receivers can rank the claimant.
		n.broadcast(Envelope{Kind: KindCoordinator, LeaderID: leaderID, Username: username})
	}
	elector.onLeaderChanged = n.onLeaderChanged

	return n
}

// SetCoordinator attaches the Host playback coordinator.
func (n *Node) SetCoordinator(c *Coordinator) { n.coord = c }

// Role returns this node's current role string.
func (n *Node) Role() string {
	if n.elector.IsLeader() {
		return RoleHost
	}
	return RoleListener
}

// send stamps the sender identity onto env and writes it to one peer.
func (n *Node) send(peerID string, env Envelope) {
	env.SenderID = n.id
	env.SenderIP = n.ip
	if err := n.mesh.Send(peerID, env); err != nil {
		log.Printf("[node] send %s to %s: %v", env.Kind, peerID, err)
	}
}

// broadcast stamps the sender identity onto env and fans it out to every
// connected peer.
func (n *Node) broadcast(env Envelope) {
	env.SenderID = n.id
	env.SenderIP = n.ip
	n.mesh.Broadcast(env)
}

// queueAdd originates a causal playlist append: bump own clock, apply
// locally, broadcast.
func (n *Node) queueAdd(t Track) {
	clock := n.state.IncrementClock()
	n.state.AppendTrack(t)
	n.broadcast(Envelope{Kind: KindQueueAdd, Clock: clock, Track: &t})
	n.pushUI()
}

// queueRemove originates a causal playlist removal.
func (n *Node) queueRemove(trackID string) {
	clock := n.state.IncrementClock()
	n.state.RemoveTrack(trackID)
	n.broadcast(Envelope{Kind: KindQueueRemove, Clock: clock, TrackID: trackID})
	n.pushUI()
}

// queueClear originates a causal playlist clear.
func (n *Node) queueClear() {
	clock := n.state.IncrementClock()
	n.state.ClearPlaylist()
	n.broadcast(Envelope{Kind: KindQueueClear, Clock: clock})
	n.pushUI()
}

// notifyf surfaces a playback notice to the log and the view.
func (n *Node) notifyf(format string, args ...any) {
	log.Printf("[playback] "+format, args...)
	n.hub.Logf(format, args...)
}

// processFrame dispatches one decoded mesh frame. Causal kinds go through
// the delivery discipline; everything else applies in receipt order.
func (n *Node) processFrame(peerID string, env Envelope) {
	switch env.Kind {
	case KindElection:
		from := RankedPeer{ID: env.SenderID, Username: n.mesh.PeerUsername(env.SenderID)}
		n.elector.OnElection(from, env.Uptime)

	case KindAnswer:
		n.elector.OnAnswer()

	case KindCoordinator:
		leader := RankedPeer{ID: env.LeaderID, Username: n.mesh.PeerUsername(env.LeaderID)}
		if env.LeaderID == env.SenderID && env.Username != "" {
			leader.Username = env.Username
		}
		n.elector.OnCoordinator(leader)

	case KindHeartbeat:
		n.elector.OnHeartbeat(env.SenderID)

	case KindWelcome:
		n.elector.AdoptLeader(env.LeaderID)
		if env.LeaderID != n.id {
			n.send(peerID, Envelope{Kind: KindRequestState})
		}

	case KindRequestState:
		if n.elector.IsLeader() {
			n.sendFullState(peerID)
		}

	case KindFullState, KindQueueAdd, KindQueueRemove, KindQueueClear:
		if applied := n.state.Deliver(env); len(applied) > 0 {
			n.pushUI()
		}

	case KindNowPlaying:
		n.state.SetCurrent(env.Track)
		if env.Track != nil {
			n.hub.Logf("now playing: %s", env.Track.Title)
		}
		n.pushUI()

	case KindPlaybackSync:
		if !n.elector.IsLeader() {
			n.state.SetSync(env.Position, env.Duration, env.IsPlaying)
			n.pushUI()
		}

	case KindPlaybackStatus:
		if !n.elector.IsLeader() {
			n.state.SetPlaying(env.IsPlaying)
			n.state.SetShuffle(env.Shuffle)
			n.state.SetRepeat(env.Repeat)
			n.pushUI()
		}
	}
}

// sendFullState ships the complete replicated state to one peer. The
// snapshot is a causal event: it bumps the sender's clock, and the receiver
// absorbs the full clock on application.
func (n *Node) sendFullState(peerID string) {
	n.state.IncrementClock()
	snap := n.state.Snapshot()
	n.send(peerID, Envelope{Kind: KindFullState, Clock: snap.Clock, State: &snap})
}

// onPeerUp runs after a peer joins the registry. The Host greets newcomers
// with the leader identity and an unsolicited snapshot.
func (n *Node) onPeerUp(p *Peer) {
	if n.elector.IsLeader() {
		n.send(p.ID, Envelope{Kind: KindWelcome, LeaderID: n.id})
		n.sendFullState(p.ID)
	}
	n.elector.OnPeerUp()
	n.pushUI()
}

// onPeerDown runs after a peer drops out of the registry.
func (n *Node) onPeerDown(peerID string) {
	n.elector.OnPeerDown(peerID)
	n.pushUI()
}

// onLeaderChanged starts or stops Host duties when leadership moves.
func (n *Node) onLeaderChanged(leaderID string, isSelf bool) {
	if isSelf {
		n.startHostDuties()
	} else {
		n.stopHostDuties()
		// A fresh Listener asks the new Host for the authoritative state.
		if n.mesh.HasPeer(leaderID) {
			n.send(leaderID, Envelope{Kind: KindRequestState})
		}
	}
	n.hub.Logf("host is now %s", leaderID)
	n.pushUI()
}

// startHostDuties launches the playback coordinator loop; idempotent.
func (n *Node) startHostDuties() {
	n.hostMu.Lock()
	defer n.hostMu.Unlock()
	if n.hostCancel != nil || n.coord == nil {
		return
	}
	ctx, cancel := context.WithCancel(n.ctx)
	n.hostCancel = cancel
	go n.coord.Run(ctx)
}

// stopHostDuties cancels the coordinator loop; idempotent.
func (n *Node) stopHostDuties() {
	n.hostMu.Lock()
	defer n.hostMu.Unlock()
	if n.hostCancel != nil {
		n.hostCancel()
		n.hostCancel = nil
	}
}

// pushUI publishes the current state to connected views.
func (n *Node) pushUI() {
	if n.hub == nil {
		return
	}
	pos, dur := n.state.Position(!n.elector.IsLeader())
	snap := n.state.Snapshot()
	snap.Position = pos
	snap.Duration = dur
	n.hub.Push(UIUpdate{
		NodeID:   n.id,
		Username: n.username,
		Role:     n.Role(),
		LeaderID: n.elector.LeaderID(),
		Peers:    n.mesh.Peers(),
		Snapshot: snap,
	})
}
