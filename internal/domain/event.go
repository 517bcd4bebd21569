package domain

import "time"

// EventKind discriminates the payload of an Event.
type EventKind string

const (
	// EventRowAdded carries one newly appended CSV row.
	EventRowAdded EventKind = "row_added"
	// EventHeartbeat carries no business data and exists purely for liveness.
	EventHeartbeat EventKind = "heartbeat"
	// EventError carries a human-readable description of a watch failure.
	EventError EventKind = "error"
)

// Row is one CSV record keyed by column name. Values are raw strings as
// they appear in the file.
type Row map[string]string

// Event is a single notification pushed to connected clients. Events are
// immutable once constructed; Seq is unique and strictly increasing for the
// lifetime of the process, so clients can detect gaps after a reconnect.
type Event struct {
	Kind    EventKind `json:"kind"`
	Seq     uint64    `json:"sequence_number"`
	Payload any       `json:"payload"`
}

// RowPayload is the payload of a row_added event. The convenience fields
// mirror the columns the dashboard cares about; Columns carries the full
// record for everything else.
type RowPayload struct {
	Filename  string    `json:"filename"`
	Pos       int       `json:"pos"`
	PatchPath string    `json:"patch_path"`
	Count     int       `json:"count"`
	Total     int       `json:"total"`
	Columns   Row       `json:"columns"`
	Timestamp time.Time `json:"timestamp"`
}

// HeartbeatPayload is the payload of a heartbeat event.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}
