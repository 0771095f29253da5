package main

import (
	"context"
	"log"
	"time"
)

// RunMetrics logs mesh and delivery stats every interval until ctx is
// cancelled.
func RunMetrics(ctx context.Context, node *Node, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			framesIn, framesOut, sendFails := node.mesh.Stats()
			peers := node.mesh.PeerCount()
			pending := node.state.PendingDepth()
			if peers > 0 || framesIn > 0 || framesOut > 0 {
				log.Printf("[metrics] role=%s peers=%d frames_in=%d frames_out=%d send_fails=%d pending=%d",
					node.Role(), peers, framesIn, framesOut, sendFails, pending)
			}
		}
	}
}

// RunPendingSweep periodically expires causally-stuck frames from the
// pending buffer.
func RunPendingSweep(ctx context.Context, state *State, ttl time.Duration) {
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state.SweepPending(ttl)
		}
	}
}
