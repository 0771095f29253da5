package main

import (
	"testing"
)

// ---------------------------------------------------------------------------
// validateName
// ---------------------------------------------------------------------------

func TestValidateNameValid(t *testing.T) {
	name, err := validateName("alice", MaxNameLength)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "alice" {
		t.Errorf("got %q, want %q", name, "alice")
	}
}

func TestValidateNameTrimWhitespace(t *testing.T) {
	name, err := validateName("  alice  ", MaxNameLength)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "alice" {
		t.Errorf("got %q, want %q", name, "alice")
	}
}

func TestValidateNameEmpty(t *testing.T) {
	if _, err := validateName("", MaxNameLength); err == nil {
		t.Error("expected error for empty name")
	}
}

func TestValidateNameWhitespaceOnly(t *testing.T) {
	if _, err := validateName("   ", MaxNameLength); err == nil {
		t.Error("expected error for whitespace-only name")
	}
}

func TestValidateNameExceedsMaxLen(t *testing.T) {
	if _, err := validateName("123456", 5); err == nil {
		t.Error("expected error for name exceeding max length")
	}
}

// ---------------------------------------------------------------------------
// kinds
// ---------------------------------------------------------------------------

func TestCausalKinds(t *testing.T) {
	tests := []struct {
		kind   string
		causal bool
	}{
		{KindQueueAdd, true},
		{KindQueueRemove, true},
		{KindQueueClear, true},
		{KindFullState, true},
		{KindHello, false},
		{KindWelcome, false},
		{KindElection, false},
		{KindAnswer, false},
		{KindCoordinator, false},
		{KindHeartbeat, false},
		{KindRequestState, false},
		{KindNowPlaying, false},
		{KindPlaybackSync, false},
		{KindPlaybackStatus, false},
	}
	for _, tt := range tests {
		if got := causalKind(tt.kind); got != tt.causal {
			t.Errorf("causalKind(%q) = %v, want %v", tt.kind, got, tt.causal)
		}
	}
}

func TestAllKindsKnown(t *testing.T) {
	kinds := []string{
		KindHello, KindWelcome, KindElection, KindAnswer, KindCoordinator,
		KindHeartbeat, KindRequestState, KindFullState, KindQueueAdd,
		KindQueueRemove, KindQueueClear, KindNowPlaying, KindPlaybackSync,
		KindPlaybackStatus,
	}
	for _, k := range kinds {
		if !knownKinds[k] {
			t.Errorf("kind %q not registered in knownKinds", k)
		}
	}
	if knownKinds["bogus"] {
		t.Error("unexpected kind accepted")
	}
}

func TestValidRepeat(t *testing.T) {
	for _, m := range []RepeatMode{RepeatOff, RepeatAll, RepeatOne} {
		if !validRepeat(m) {
			t.Errorf("validRepeat(%q) = false", m)
		}
	}
	if validRepeat("bogus") {
		t.Error("validRepeat accepted an unknown mode")
	}
}

// ---------------------------------------------------------------------------
// identity
// ---------------------------------------------------------------------------

func TestDeriveNodeIDStable(t *testing.T) {
	a := DeriveNodeID("alice", "secret")
	b := DeriveNodeID("alice", "secret")
	if a != b {
		t.Errorf("id not stable: %q vs %q", a, b)
	}
	if len(a) != 8 {
		t.Errorf("id length = %d, want 8", len(a))
	}
}

func TestDeriveNodeIDDiffers(t *testing.T) {
	if DeriveNodeID("alice", "secret") == DeriveNodeID("alice", "other") {
		t.Error("different passwords produced the same id")
	}
	if DeriveNodeID("alice", "secret") == DeriveNodeID("bob", "secret") {
		t.Error("different usernames produced the same id")
	}
}
