package journal

import "github.com/ChuLiYu/beaver-oss/pkg/types"

// ============================================================================
// Journal Type Definitions
// Responsibility: Define the scheduler events recorded in the journal
// ============================================================================

// EventType defines journal event types
type EventType string

const (
	EventLaunch       EventType = "LAUNCH"        // Worker spawned and slot committed
	EventHeartbeat    EventType = "HEARTBEAT"     // Heartbeat exchange completed
	EventTerminate    EventType = "TERMINATE"     // Worker replied terminate
	EventImplicitExit EventType = "IMPLICIT_EXIT" // Worker exited without replying
	EventSignal       EventType = "SIGNAL"        // Termination signal sent while draining
	EventForceKill    EventType = "FORCE_KILL"    // Worker forcibly killed
	EventReap         EventType = "REAP"          // Slot released
	EventDrain        EventType = "DRAIN"         // Scheduler entered DRAINING
	EventFinish       EventType = "FINISH"        // Scheduler reached TERMINATED
)

// Event represents one journal record
type Event struct {
	Seq        uint64         `json:"seq"`                 // Event sequence number (monotonically increasing)
	Type       EventType      `json:"type"`                // Event type
	Slot       int            `json:"slot"`                // Process table slot, -1 for scheduler-wide events
	WorkerID   types.WorkerID `json:"worker_id,omitempty"` // Target worker
	ClockSec   uint32         `json:"clock_sec"`           // Logical clock seconds
	ClockNanos uint32         `json:"clock_nanos"`         // Logical clock nanoseconds
	Continue   bool           `json:"continue,omitempty"`  // Heartbeat reply
	Detail     string         `json:"detail,omitempty"`    // Free-form reason (errors, outcome)
	Timestamp  int64          `json:"timestamp"`           // Unix millisecond timestamp
	Checksum   uint32         `json:"checksum"`            // CRC32 checksum
}

// Clock returns the logical time the event was recorded at
func (e Event) Clock() types.ClockTime {
	return types.ClockTime{Seconds: e.ClockSec, Nanos: e.ClockNanos}
}

// At stamps the event with a logical time
func (e Event) At(c types.ClockTime) Event {
	e.ClockSec = c.Seconds
	e.ClockNanos = c.Nanos
	return e
}

// EventHandler is the function type for processing journal events during Replay
type EventHandler func(event Event) error
