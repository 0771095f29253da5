package main

import "time"

// Operational limits and protocol defaults — named constants for values that
// would otherwise be scattered across multiple source files.
const (
	// DefaultUDPPort is the well-known discovery port.
	DefaultUDPPort = 5000

	// DefaultTCPPort is the first mesh port tried; bind walks upward from
	// here until it finds a free port.
	DefaultTCPPort = 5001

	// TCPPortRange is how many successive ports are probed before TCP bind
	// failure becomes fatal (5001..5100).
	TCPPortRange = 100

	// MaxFrameSize is the largest accepted TCP frame payload. Oversized
	// frames terminate the connection.
	MaxFrameSize = 1 << 20

	// DefaultHeartbeatInterval is the Host's heartbeat and playback-sync
	// cadence.
	DefaultHeartbeatInterval = time.Second

	// DefaultHostTimeout is how long a Listener waits without a heartbeat
	// before starting a new election. 3.1 s favours snappy failover; raise
	// it via -host-timeout on lossy networks.
	DefaultHostTimeout = 3100 * time.Millisecond

	// ElectionTimeout is how long a campaigner waits for an ANSWER before
	// declaring itself Host. Also used as the coordinator wait after an
	// ANSWER commits a higher-ranked peer to taking over.
	ElectionTimeout = 3 * time.Second

	// DefaultUptimeThreshold (seconds): a lower-ranked campaigner whose
	// uptime exceeds the receiver's by more than this makes the receiver
	// yield instead of answering.
	DefaultUptimeThreshold int64 = 60

	// DefaultDiscoveryInterval is the beacon broadcast cadence.
	DefaultDiscoveryInterval = 2 * time.Second

	// startupGrace is how long a fresh node listens for an existing Host
	// before campaigning.
	startupGrace = 2 * time.Second

	// PendingTTL is how long a causally-premature message is buffered
	// before being dropped.
	PendingTTL = 30 * time.Second

	// pendingSoftCap bounds the pending buffer; beyond it the oldest entry
	// is dropped with a log line.
	pendingSoftCap = 256

	// historyLimit bounds the previously-played stack used by skip-previous.
	historyLimit = 32

	// prevRestartWindow: skip-previous pops history only within the first
	// two seconds of the current track, otherwise it restarts it.
	prevRestartWindow = 2.0

	// MaxNameLength is the maximum display-name length.
	MaxNameLength = 50

	// connDialTimeout bounds outbound mesh dials.
	connDialTimeout = 3 * time.Second

	// connWriteTimeout bounds a single frame write so one stuck peer cannot
	// wedge a broadcast.
	connWriteTimeout = 5 * time.Second
)
