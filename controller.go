package main

import (
	"context"
	"fmt"
)

// User intents, as surfaced by the local control API. Adding a track is open
// to every peer; everything that mutates playback or removes queue entries
// is Host-only and rejected elsewhere.

var errNotHost = fmt.Errorf("only the host may do that")

// AddTrack resolves a local media path, builds a Track, and originates the
// causal queue_add. Any peer may add.
func (n *Node) AddTrack(ctx context.Context, path string) (Track, error) {
	t, err := n.library.TrackFromPath(ctx, path, n.id)
	if err != nil {
		return Track{}, err
	}
	n.queueAdd(t)
	n.hub.Logf("queued %s", t.Title)
	return t, nil
}

// RemoveTrack drops a queued track; Host-only.
func (n *Node) RemoveTrack(trackID string) error {
	if !n.elector.IsLeader() {
		return errNotHost
	}
	n.queueRemove(trackID)
	return nil
}

// ClearQueue empties the playlist; Host-only.
func (n *Node) ClearQueue() error {
	if !n.elector.IsLeader() {
		return errNotHost
	}
	n.queueClear()
	return nil
}

// PlayPause toggles playback; Host-only.
func (n *Node) PlayPause() error {
	if !n.elector.IsLeader() || n.coord == nil {
		return errNotHost
	}
	n.coord.PlayPause()
	n.pushUI()
	return nil
}

// SkipNext advances to the next track; Host-only.
func (n *Node) SkipNext() error {
	if !n.elector.IsLeader() || n.coord == nil {
		return errNotHost
	}
	n.coord.SkipNext()
	n.pushUI()
	return nil
}

// SkipPrev goes back through the play history; Host-only.
func (n *Node) SkipPrev() error {
	if !n.elector.IsLeader() || n.coord == nil {
		return errNotHost
	}
	n.coord.SkipPrev()
	n.pushUI()
	return nil
}

// Seek jumps to a fraction (0..1) of the current track; Host-only.
func (n *Node) Seek(percent float64) error {
	if !n.elector.IsLeader() || n.coord == nil {
		return errNotHost
	}
	n.coord.Seek(percent)
	n.pushUI()
	return nil
}

// SetVolume adjusts the audio sink volume; Host-only since only the Host
// drives audio.
func (n *Node) SetVolume(level float64) error {
	if !n.elector.IsLeader() || n.coord == nil {
		return errNotHost
	}
	n.coord.SetVolume(level)
	return nil
}

// ToggleShuffle flips shuffle; Host-only.
func (n *Node) ToggleShuffle() error {
	if !n.elector.IsLeader() || n.coord == nil {
		return errNotHost
	}
	n.coord.ToggleShuffle()
	n.pushUI()
	return nil
}

// CycleRepeat steps the repeat mode; Host-only.
func (n *Node) CycleRepeat() error {
	if !n.elector.IsLeader() || n.coord == nil {
		return errNotHost
	}
	n.coord.CycleRepeat()
	n.pushUI()
	return nil
}
