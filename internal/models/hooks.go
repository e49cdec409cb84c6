package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UpdateKind closes the set of bulk update operations a caller may request
// against a service record. Free-form operation strings are rejected before
// dispatch.
type UpdateKind string

const (
	// UpdateIncrement adds a signed delta to one counter.
	UpdateIncrement UpdateKind = "increment"
	// UpdateSetField overwrites one whitelisted scalar field.
	UpdateSetField UpdateKind = "set_field"
	// UpdateAppendStage appends runs to one stage of the execution history.
	UpdateAppendStage UpdateKind = "append_stage"
)

// settableFields whitelists the scalar columns UpdateSetField may touch.
var settableFields = map[string]bool{
	"status":        true,
	"tag":           true,
	"priority":      true,
	"error_message": true,
}

// UpdateOp is one declarative update command. Value is interpreted per Kind:
// an integer delta for increments, a JSON scalar for set_field, and a JSON
// array of stage runs for append_stage.
type UpdateOp struct {
	Kind  UpdateKind      `json:"kind"`
	Field string          `json:"field"`
	Value json.RawMessage `json:"value"`
}

// ServiceUpdate groups every op targeting one record. The store merges the
// ops into a single atomic update against that record.
type ServiceUpdate struct {
	ServiceID string     `json:"service_id"`
	Ops       []UpdateOp `json:"ops"`
}

// Validate checks the op against the record schema before any dispatch.
func (op UpdateOp) Validate() error {
	if strings.TrimSpace(op.Field) == "" {
		return fmt.Errorf("%w: update op has empty field", ErrValidation)
	}
	if strings.ContainsRune(op.Field, 0) {
		return fmt.Errorf("%w: update field contains NUL", ErrValidation)
	}
	switch op.Kind {
	case UpdateIncrement:
		var delta int64
		if err := json.Unmarshal(op.Value, &delta); err != nil {
			return fmt.Errorf("%w: increment of %q needs an integer delta: %v", ErrValidation, op.Field, err)
		}
	case UpdateSetField:
		if !settableFields[op.Field] {
			return fmt.Errorf("%w: field %q is not settable", ErrValidation, op.Field)
		}
		switch op.Field {
		case "status":
			var s Status
			if err := json.Unmarshal(op.Value, &s); err != nil {
				return fmt.Errorf("%w: bad status value: %v", ErrValidation, err)
			}
			switch s {
			case StatusWaiting, StatusRunning, StatusComplete, StatusError:
			default:
				return fmt.Errorf("%w: unknown status %q", ErrValidation, s)
			}
		case "priority":
			var p Priority
			if err := json.Unmarshal(op.Value, &p); err != nil {
				return fmt.Errorf("%w: bad priority value: %v", ErrValidation, err)
			}
		default:
			var s *string
			if err := json.Unmarshal(op.Value, &s); err != nil {
				return fmt.Errorf("%w: field %q needs a string value: %v", ErrValidation, op.Field, err)
			}
		}
	case UpdateAppendStage:
		var runs []StageRun
		if err := json.Unmarshal(op.Value, &runs); err != nil {
			return fmt.Errorf("%w: append to stage %q needs a list of runs: %v", ErrValidation, op.Field, err)
		}
		if len(runs) == 0 {
			return fmt.Errorf("%w: append to stage %q carries no runs", ErrValidation, op.Field)
		}
	default:
		return fmt.Errorf("%w: unknown update kind %q", ErrValidation, op.Kind)
	}
	return nil
}

// Validate checks each op and requires a target record id.
func (u ServiceUpdate) Validate() error {
	if u.ServiceID == "" {
		return fmt.Errorf("%w: service update without a record id", ErrValidation)
	}
	if len(u.Ops) == 0 {
		return fmt.Errorf("%w: service update for %s carries no ops", ErrValidation, u.ServiceID)
	}
	for _, op := range u.Ops {
		if err := op.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IncrementOp builds a validated increment op.
func IncrementOp(counter string, delta int64) UpdateOp {
	v, _ := json.Marshal(delta)
	return UpdateOp{Kind: UpdateIncrement, Field: counter, Value: v}
}

// SetFieldOp builds a validated set-field op.
func SetFieldOp(field string, value any) UpdateOp {
	v, _ := json.Marshal(value)
	return UpdateOp{Kind: UpdateSetField, Field: field, Value: v}
}

// AppendStageOp builds a validated append op for one stage.
func AppendStageOp(stage string, runs []StageRun) UpdateOp {
	v, _ := json.Marshal(runs)
	return UpdateOp{Kind: UpdateAppendStage, Field: stage, Value: v}
}
