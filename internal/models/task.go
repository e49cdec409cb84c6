package models

import (
	"encoding/json"
	"time"
)

// Task is one atomic unit of work persisted in Postgres and indexed for
// claiming in Redis. A task usually backs a service stage but may also be
// submitted standalone.
type Task struct {
	ID             string          `json:"id"`
	ServiceID      *string         `json:"service_id,omitempty"`
	Spec           json.RawMessage `json:"spec"`
	Tag            *string         `json:"tag,omitempty"`
	Priority       Priority        `json:"priority"`
	Status         Status          `json:"status"`
	ResultLocation *string         `json:"result_location,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	CreatedOn      time.Time       `json:"created_on"`
	ModifiedOn     time.Time       `json:"modified_on"`
}

// TaskSpec collects the inputs required to enqueue one task.
type TaskSpec struct {
	ServiceID string          `json:"service_id,omitempty"`
	Spec      json.RawMessage `json:"spec"`
	Priority  Priority        `json:"priority,omitempty"`
}

// ExecutionSpec is the document carried by a service-backed task. Program
// routes the task to a handler; the payload passes through untouched.
type ExecutionSpec struct {
	Program string         `json:"program"`
	Payload ServicePayload `json:"payload"`
}

// BulkResult accounts for bulk queue operations. Ids that were not found or
// not eligible for the transition are reported here, never as errors.
type BulkResult struct {
	Updated int      `json:"updated"`
	Missing []string `json:"missing,omitempty"`
}
