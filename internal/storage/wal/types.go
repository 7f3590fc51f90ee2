package wal

import "encoding/json"

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for the append-only record log
// ============================================================================

// EventKind defines what a log entry carries
type EventKind string

const (
	KindCharge EventKind = "CHARGE" // One accepted charge unit (types.ChargeRecord)
	KindResult EventKind = "RESULT" // One pushed result item
)

// Event represents a log record
type Event struct {
	Seq       uint64          `json:"seq"`       // Event sequence number (monotonically increasing)
	Kind      EventKind       `json:"kind"`      // Payload kind
	Payload   json.RawMessage `json:"payload"`   // Record body, stored verbatim
	Timestamp int64           `json:"timestamp"` // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`  // CRC32 checksum over kind, seq and payload
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler is the function type for processing log events
// Used during Replay to rebuild state; a non-nil error aborts the replay
type EventHandler func(event Event) error
