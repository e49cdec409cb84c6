package models

import (
	"encoding/json"
	"time"
)

// ProgramTorsionScan is the program dataset submissions run. Managers route
// claimed tasks to a handler registered under this name.
const ProgramTorsionScan = "torsion_scan"

// Service is a multi-stage compute job tracked as a single lifecycle record.
// Remote managers append stage results through hook updates while the
// backing queue tasks move through their own WAITING/RUNNING transitions.
type Service struct {
	ID           string                `json:"id"`
	Status       Status                `json:"status"`
	Tag          *string               `json:"tag,omitempty"`
	Priority     Priority              `json:"priority"`
	Program      string                `json:"program"`
	Payload      ServicePayload        `json:"payload"`
	Stages       map[string][]StageRun `json:"stages"`
	Counters     map[string]int64      `json:"counters"`
	ErrorMessage *string               `json:"error_message,omitempty"`
	CreatedOn    time.Time             `json:"created_on"`
	ModifiedOn   time.Time             `json:"modified_on"`
}

// ServicePayload is handed to remote workers verbatim. The two
// sub-specifications come from the dataset specification and are never
// interpreted by the queue core.
type ServicePayload struct {
	Inputs           []string        `json:"inputs"`
	Keywords         ScanKeywords    `json:"keywords"`
	OptimizationSpec json.RawMessage `json:"optimization_spec,omitempty"`
	CalcSpec         json.RawMessage `json:"calc_spec,omitempty"`
}

// StageRun records one optimization executed for a stage, with the ids of
// every gradient evaluation along its trajectory.
type StageRun struct {
	ID          string   `json:"id"`
	FinalEnergy float64  `json:"final_energy,omitempty"`
	Trajectory  []string `json:"trajectory"`
}

// ServiceQuery filters GetServices. Zero-value fields are ignored.
type ServiceQuery struct {
	IDs    []string
	Status Status
	Tag    string
}

// NewServiceStages returns an empty execution history.
func NewServiceStages() map[string][]StageRun {
	return map[string][]StageRun{}
}
