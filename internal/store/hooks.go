package store

import (
	"encoding/json"
	"fmt"
	"strings"

	"lattice/internal/models"
)

// buildServiceUpdate folds every op of one ServiceUpdate into a single
// UPDATE statement so the record is never partially written. Increments on
// the same counter and appends to the same stage are merged first; for
// set-field ops the last value wins.
func buildServiceUpdate(u models.ServiceUpdate) (string, []any, error) {
	var (
		setVals  = map[string]json.RawMessage{}
		setOrder []string
		incs     = map[string]int64{}
		incOrder []string
		appends  = map[string][]models.StageRun{}
		appOrder []string
	)
	for _, op := range u.Ops {
		switch op.Kind {
		case models.UpdateIncrement:
			var delta int64
			if err := json.Unmarshal(op.Value, &delta); err != nil {
				return "", nil, fmt.Errorf("%w: increment of %q: %v", models.ErrValidation, op.Field, err)
			}
			if _, ok := incs[op.Field]; !ok {
				incOrder = append(incOrder, op.Field)
			}
			incs[op.Field] += delta
		case models.UpdateSetField:
			if _, ok := setVals[op.Field]; !ok {
				setOrder = append(setOrder, op.Field)
			}
			setVals[op.Field] = op.Value
		case models.UpdateAppendStage:
			var runs []models.StageRun
			if err := json.Unmarshal(op.Value, &runs); err != nil {
				return "", nil, fmt.Errorf("%w: append to stage %q: %v", models.ErrValidation, op.Field, err)
			}
			if _, ok := appends[op.Field]; !ok {
				appOrder = append(appOrder, op.Field)
			}
			appends[op.Field] = append(appends[op.Field], runs...)
		default:
			return "", nil, fmt.Errorf("%w: unknown update kind %q", models.ErrValidation, op.Kind)
		}
	}

	args := []any{u.ServiceID}
	sets := []string{"modified_on = now()"}

	for _, field := range setOrder {
		value := setVals[field]
		switch field {
		case "status":
			var st models.Status
			if err := json.Unmarshal(value, &st); err != nil {
				return "", nil, fmt.Errorf("%w: bad status value: %v", models.ErrValidation, err)
			}
			args = append(args, st)
			sets = append(sets, fmt.Sprintf("status = $%d", len(args)))
		case "priority":
			var p models.Priority
			if err := json.Unmarshal(value, &p); err != nil {
				return "", nil, fmt.Errorf("%w: bad priority value: %v", models.ErrValidation, err)
			}
			args = append(args, models.NormalizePriority(p).Rank())
			sets = append(sets, fmt.Sprintf("priority = $%d", len(args)))
		case "tag":
			var tag *string
			if err := json.Unmarshal(value, &tag); err != nil {
				return "", nil, fmt.Errorf("%w: bad tag value: %v", models.ErrValidation, err)
			}
			args = append(args, tag)
			sets = append(sets, fmt.Sprintf("tag = $%d", len(args)))
		case "error_message":
			var msg *string
			if err := json.Unmarshal(value, &msg); err != nil {
				return "", nil, fmt.Errorf("%w: bad error_message value: %v", models.ErrValidation, err)
			}
			args = append(args, msg)
			sets = append(sets, fmt.Sprintf("error_message = $%d", len(args)))
		default:
			return "", nil, fmt.Errorf("%w: field %q is not settable", models.ErrValidation, field)
		}
	}

	if len(incOrder) > 0 {
		expr := "counters"
		for _, counter := range incOrder {
			args = append(args, counter)
			nameIdx := len(args)
			args = append(args, incs[counter])
			deltaIdx := len(args)
			expr += fmt.Sprintf(
				" || jsonb_build_object($%d::text, COALESCE((counters->>$%d::text)::bigint, 0) + $%d)",
				nameIdx, nameIdx, deltaIdx,
			)
		}
		sets = append(sets, "counters = "+expr)
	}

	if len(appOrder) > 0 {
		expr := "stages"
		for _, stage := range appOrder {
			runsJSON, err := json.Marshal(appends[stage])
			if err != nil {
				return "", nil, fmt.Errorf("marshal stage runs: %w", err)
			}
			args = append(args, stage)
			nameIdx := len(args)
			args = append(args, runsJSON)
			runsIdx := len(args)
			expr = fmt.Sprintf(
				"jsonb_set(%s, ARRAY[$%d::text], COALESCE(stages->$%d::text, '[]'::jsonb) || $%d::jsonb, true)",
				expr, nameIdx, nameIdx, runsIdx,
			)
		}
		sets = append(sets, "stages = "+expr)
	}

	sql := "UPDATE services SET " + strings.Join(sets, ", ") + " WHERE id = $1"
	return sql, args, nil
}

// applyServiceUpdate applies ops to an in-memory record with the same
// semantics as the merged SQL form.
func applyServiceUpdate(svc *models.Service, u models.ServiceUpdate) error {
	for _, op := range u.Ops {
		switch op.Kind {
		case models.UpdateIncrement:
			var delta int64
			if err := json.Unmarshal(op.Value, &delta); err != nil {
				return fmt.Errorf("%w: increment of %q: %v", models.ErrValidation, op.Field, err)
			}
			if svc.Counters == nil {
				svc.Counters = map[string]int64{}
			}
			svc.Counters[op.Field] += delta
		case models.UpdateSetField:
			switch op.Field {
			case "status":
				var st models.Status
				if err := json.Unmarshal(op.Value, &st); err != nil {
					return fmt.Errorf("%w: bad status value: %v", models.ErrValidation, err)
				}
				svc.Status = st
			case "priority":
				var p models.Priority
				if err := json.Unmarshal(op.Value, &p); err != nil {
					return fmt.Errorf("%w: bad priority value: %v", models.ErrValidation, err)
				}
				svc.Priority = models.NormalizePriority(p)
			case "tag":
				var tag *string
				if err := json.Unmarshal(op.Value, &tag); err != nil {
					return fmt.Errorf("%w: bad tag value: %v", models.ErrValidation, err)
				}
				svc.Tag = tag
			case "error_message":
				var msg *string
				if err := json.Unmarshal(op.Value, &msg); err != nil {
					return fmt.Errorf("%w: bad error_message value: %v", models.ErrValidation, err)
				}
				svc.ErrorMessage = msg
			default:
				return fmt.Errorf("%w: field %q is not settable", models.ErrValidation, op.Field)
			}
		case models.UpdateAppendStage:
			var runs []models.StageRun
			if err := json.Unmarshal(op.Value, &runs); err != nil {
				return fmt.Errorf("%w: append to stage %q: %v", models.ErrValidation, op.Field, err)
			}
			if svc.Stages == nil {
				svc.Stages = models.NewServiceStages()
			}
			svc.Stages[op.Field] = append(svc.Stages[op.Field], runs...)
		default:
			return fmt.Errorf("%w: unknown update kind %q", models.ErrValidation, op.Kind)
		}
	}
	svc.ModifiedOn = nowUTC()
	return nil
}
