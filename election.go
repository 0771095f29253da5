package main

import (
	"context"
	"log"
	"sync"
	"time"
)

// RankedPeer identifies a peer for election routing. Rank is the
// lexicographic (username, id) tuple; username is the static routing key and
// uptime acts only as a veto.
type RankedPeer struct {
	ID       string
	Username string
}

// rankLess reports whether a ranks strictly below b.
func rankLess(a, b RankedPeer) bool {
	if a.Username != b.Username {
		return a.Username < b.Username
	}
	return a.ID < b.ID
}

type electionPhase int32

const (
	phaseIdle electionPhase = iota
	phaseCampaigning
	phaseWaitingCoordinator
)

// Elector runs the weighted bully state machine with the uptime veto. It is
// driven by heartbeats, peer joins and losses, and explicit election frames;
// it talks back to the node through callbacks set during wiring.
type Elector struct {
	self RankedPeer

	mu            sync.Mutex
	leaderID      string
	phase         electionPhase
	armed         bool // true once the startup grace period has elapsed
	lastHeartbeat time.Time
	electionTimer *time.Timer
	coordTimer    *time.Timer

	start           time.Time
	hostTimeout     time.Duration
	electionTimeout time.Duration
	grace           time.Duration
	uptimeThreshold int64

	// uptimeFn is injectable for tests; defaults to seconds since start.
	uptimeFn func() int64

	livePeers            func() []RankedPeer
	sendElection         func(peerID string, uptime int64)
	sendAnswer           func(peerID string)
	broadcastCoordinator func(leaderID string)
	onLeaderChanged      func(leaderID string, isSelf bool)
}

func NewElector(self RankedPeer, hostTimeout time.Duration, uptimeThreshold int64) *Elector {
	e := &Elector{
		self:            self,
		phase:           phaseIdle,
		start:           time.Now(),
		hostTimeout:     hostTimeout,
		electionTimeout: ElectionTimeout,
		grace:           startupGrace,
		uptimeThreshold: uptimeThreshold,
	}
	e.uptimeFn = func() int64 { return int64(time.Since(e.start).Seconds()) }
	return e
}

// Uptime returns this node's uptime in whole seconds.
func (e *Elector) Uptime() int64 { return e.uptimeFn() }

// LeaderID returns the current leader id, or "" when unknown.
func (e *Elector) LeaderID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID
}

// IsLeader reports whether this node currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID == e.self.ID
}

// Run watches heartbeat freshness and fires the startup campaign after the
// discovery grace period. It returns when ctx is cancelled.
func (e *Elector) Run(ctx context.Context) {
	grace := time.NewTimer(e.grace)
	defer grace.Stop()
	select {
	case <-ctx.Done():
		return
	case <-grace.C:
	}

	e.mu.Lock()
	e.armed = true
	if e.leaderID == "" && e.phase == phaseIdle {
		e.campaignLocked()
	}
	e.mu.Unlock()

	ticker := time.NewTicker(e.hostTimeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.stopTimers()
			return
		case <-ticker.C:
			e.checkHeartbeat()
		}
	}
}

// checkHeartbeat starts a campaign when the Host has gone silent.
func (e *Elector) checkHeartbeat() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leaderID == "" || e.leaderID == e.self.ID || e.phase != phaseIdle {
		return
	}
	if time.Since(e.lastHeartbeat) <= e.hostTimeout {
		return
	}
	log.Printf("[election] host %s silent for > %s, campaigning", e.leaderID, e.hostTimeout)
	e.leaderID = ""
	e.campaignLocked()
}

// Campaign starts an election unless one is already in flight.
func (e *Elector) Campaign() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != phaseIdle {
		return
	}
	e.campaignLocked()
}

// campaignLocked sends ELECTION to every strictly higher-ranked live peer
// and arms the election timer. With no higher-ranked peer alive, leadership
// is claimed immediately.
func (e *Elector) campaignLocked() {
	e.phase = phaseCampaigning

	higher := make([]RankedPeer, 0, 4)
	for _, p := range e.livePeers() {
		if rankLess(e.self, p) {
			higher = append(higher, p)
		}
	}
	if len(higher) == 0 {
		e.becomeLeaderLocked()
		return
	}

	uptime := e.uptimeFn()
	log.Printf("[election] campaigning against %d higher-ranked peers", len(higher))
	for _, p := range higher {
		// Send outside the send path's own locking is fine: callbacks
		// write through the mesh's per-connection locks.
		go e.sendElection(p.ID, uptime)
	}

	e.stopElectionTimerLocked()
	e.electionTimer = time.AfterFunc(e.electionTimeout, e.onElectionTimeout)
}

func (e *Elector) onElectionTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != phaseCampaigning {
		return
	}
	// No higher-ranked peer answered: take over.
	e.becomeLeaderLocked()
}

// becomeLeaderLocked installs self as leader and announces it.
func (e *Elector) becomeLeaderLocked() {
	e.phase = phaseIdle
	e.stopTimersLocked()
	changed := e.leaderID != e.self.ID
	e.leaderID = e.self.ID
	log.Printf("[election] %s (%s) is now host", e.self.Username, e.self.ID)
	go e.broadcastCoordinator(e.self.ID)
	if changed && e.onLeaderChanged != nil {
		go e.onLeaderChanged(e.self.ID, true)
	}
}

// OnElection handles an ELECTION frame from peer with the given uptime.
func (e *Elector) OnElection(from RankedPeer, uptime int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rankLess(e.self, from) {
		// A higher-ranked peer is campaigning; it will either win or a
		// still-higher peer will. Stand down and wait for the outcome.
		if e.phase == phaseCampaigning {
			e.stopElectionTimerLocked()
		}
		e.phase = phaseWaitingCoordinator
		e.armCoordTimerLocked()
		return
	}

	// Uptime veto: a much longer-lived campaigner keeps the floor even
	// against a higher-ranked receiver.
	if uptime > e.uptimeFn()+e.uptimeThreshold {
		log.Printf("[election] yielding to %s (uptime %ds > ours+%ds)", from.ID, uptime, e.uptimeThreshold)
		return
	}

	go e.sendAnswer(from.ID)
	if e.phase == phaseIdle {
		e.campaignLocked()
	}
}

// OnAnswer handles an ANSWER: a higher-ranked peer has committed to taking
// over, so stop campaigning and wait for its COORDINATOR.
func (e *Elector) OnAnswer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != phaseCampaigning {
		return
	}
	e.stopElectionTimerLocked()
	e.phase = phaseWaitingCoordinator
	e.armCoordTimerLocked()
}

func (e *Elector) armCoordTimerLocked() {
	if e.coordTimer != nil {
		e.coordTimer.Stop()
	}
	e.coordTimer = time.AfterFunc(e.electionTimeout, e.onCoordTimeout)
}

func (e *Elector) onCoordTimeout() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.phase != phaseWaitingCoordinator {
		return
	}
	log.Printf("[election] no coordinator heard, restarting campaign")
	e.phase = phaseIdle
	e.campaignLocked()
}

// OnCoordinator adopts the announced leader, abandoning any in-flight
// campaign. One exception keeps dueling winners from swapping leadership
// forever: a node that already holds leadership ignores a claim from a
// lower-ranked peer and re-asserts itself, so the highest-ranked claimant
// always prevails.
func (e *Elector) OnCoordinator(leader RankedPeer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.leaderID == e.self.ID && leader.ID != e.self.ID && rankLess(leader, e.self) {
		log.Printf("[election] ignoring coordinator claim from lower-ranked %s", leader.ID)
		go e.broadcastCoordinator(e.self.ID)
		return
	}
	e.adoptLocked(leader.ID)
}

// AdoptLeader records a leader learned out-of-band (welcome frames).
func (e *Elector) AdoptLeader(leaderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.adoptLocked(leaderID)
}

func (e *Elector) adoptLocked(leaderID string) {
	if leaderID == "" {
		return
	}
	e.stopTimersLocked()
	e.phase = phaseIdle
	e.lastHeartbeat = time.Now()
	if e.leaderID == leaderID {
		return
	}
	wasSelf := e.leaderID == e.self.ID
	e.leaderID = leaderID
	isSelf := leaderID == e.self.ID
	if wasSelf && !isSelf {
		log.Printf("[election] ceding host to %s", leaderID)
	} else {
		log.Printf("[election] host is now %s", leaderID)
	}
	if e.onLeaderChanged != nil {
		go e.onLeaderChanged(leaderID, isSelf)
	}
}

// OnHeartbeat refreshes the leader's liveness.
func (e *Elector) OnHeartbeat(fromID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fromID == e.leaderID {
		e.lastHeartbeat = time.Now()
	}
}

// OnPeerUp triggers the peer-join election when no Host is known yet. With a
// live Host, joins never disturb leadership; the newcomer learns the leader
// through its welcome frame. Joins during the startup grace never campaign,
// so an existing Host has the grace window to make itself known.
func (e *Elector) OnPeerUp() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.armed && e.leaderID == "" && e.phase == phaseIdle {
		e.campaignLocked()
	}
}

// OnPeerDown starts a failover campaign when the lost peer was the Host.
func (e *Elector) OnPeerDown(peerID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if peerID != e.leaderID {
		return
	}
	log.Printf("[election] host %s connection lost, campaigning", peerID)
	e.leaderID = ""
	if e.phase == phaseIdle {
		e.campaignLocked()
	}
}

func (e *Elector) stopElectionTimerLocked() {
	if e.electionTimer != nil {
		e.electionTimer.Stop()
		e.electionTimer = nil
	}
}

func (e *Elector) stopTimersLocked() {
	e.stopElectionTimerLocked()
	if e.coordTimer != nil {
		e.coordTimer.Stop()
		e.coordTimer = nil
	}
}

func (e *Elector) stopTimers() {
	e.mu.Lock()
	e.stopTimersLocked()
	e.mu.Unlock()
}
