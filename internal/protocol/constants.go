// Package protocol defines constants used across the protocol.
package protocol

// SystemParticipantID marks envelopes that originate from the server
// itself (sync gaps, error notices) rather than from a participant.
const SystemParticipantID = "system"

// MaxMessageSize is the largest inbound frame a session will decode.
const MaxMessageSize = 1 << 20 // 1 MiB

// MaxBundleSize is the largest operation bundle (JSON-encoded) a session
// will accept in a single operation message.
const MaxBundleSize = 64 << 10 // 64 KiB
