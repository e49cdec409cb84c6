package models

import "time"

// Manager is a registered pool of remote workers identified by name. The
// four counters only ever grow; heartbeats carry deltas, not totals.
type Manager struct {
	Name       string    `json:"name"`
	Tag        *string   `json:"tag,omitempty"`
	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
	Submitted  int64     `json:"submitted"`
	Completed  int64     `json:"completed"`
	Returned   int64     `json:"returned"`
	Failures   int64     `json:"failures"`
}

// HeartbeatDelta carries the counter increments for one heartbeat. Absent
// fields default to zero.
type HeartbeatDelta struct {
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Returned  int64 `json:"returned"`
	Failures  int64 `json:"failures"`
}

// ManagerQuery filters GetManagers. Zero-value fields are ignored.
type ManagerQuery struct {
	Names []string
	Tag   string
}
