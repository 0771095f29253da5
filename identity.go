package main

import (
	"crypto/sha256"
	"encoding/hex"
)

// DeriveNodeID returns the stable 8-character node identifier for a
// (username, password) pair. The same credentials always produce the same
// id, so a restarted node rejoins the mesh under its old identity.
func DeriveNodeID(username, password string) string {
	sum := sha256.Sum256([]byte(username + ":" + password))
	return hex.EncodeToString(sum[:])[:8]
}
