package main

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire framing: [4-byte big-endian payload length][payload]. The payload is
// a JSON-encoded Envelope. The reader reassembles partial reads and never
// delivers a short frame; a frame larger than MaxFrameSize terminates the
// connection at the caller.

// errFrameTooLarge is returned for frames exceeding MaxFrameSize in either
// direction, and by readFrame for a zero-length frame. The caller closes the
// connection.
var errFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// writeFrame encodes env and writes a single length-prefixed frame to w.
// Header and payload go out in one Write so callers only need to serialise
// calls, not pair them.
func writeFrame(w io.Writer, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Kind, err)
	}
	if len(payload) > MaxFrameSize {
		return errFrameTooLarge
	}
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)
	_, err = w.Write(buf)
	return err
}

// readFrame reads exactly one frame from r and decodes its envelope.
// Oversized, truncated, or undecodable frames return an error; the caller
// treats any error as fatal for the connection.
func readFrame(r io.Reader) (Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Envelope{}, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return Envelope{}, errFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Envelope{}, err
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if !knownKinds[env.Kind] {
		return Envelope{}, fmt.Errorf("unknown frame kind %q", env.Kind)
	}
	return env, nil
}
