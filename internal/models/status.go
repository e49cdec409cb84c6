package models

// Status enumerates the lifecycle states shared by services and queue tasks.
type Status string

const (
	StatusWaiting  Status = "WAITING"
	StatusRunning  Status = "RUNNING"
	StatusComplete Status = "COMPLETE"
	StatusError    Status = "ERROR"
)

// Terminal reports whether no further transitions are expected without a reset.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusError
}

// Priority orders tasks within a tag. Claim walks high, then normal, then low.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Priorities lists all priorities in claim order.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

// NormalizePriority maps unknown or empty priorities to normal.
func NormalizePriority(p Priority) Priority {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return p
	}
	return PriorityNormal
}

// Rank returns the storage ordinal for a priority: 0 high, 1 normal, 2 low.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityLow:
		return 2
	}
	return 1
}

// PriorityFromRank is the inverse of Rank; unknown ordinals map to normal.
func PriorityFromRank(rank int) Priority {
	switch rank {
	case 0:
		return PriorityHigh
	case 2:
		return PriorityLow
	}
	return PriorityNormal
}
