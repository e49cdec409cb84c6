package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Dataset is a named collection of scan entries and specifications. History
// records every specification name ever computed against the collection.
type Dataset struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	History    []string  `json:"history"`
	CreatedOn  time.Time `json:"created_on"`
	ModifiedOn time.Time `json:"modified_on"`
}

// Entry is one work item in a dataset. ObjectMap maps each specification
// name (lower-cased) to the id of the service submitted for it; the store
// enforces at most one service per (entry, specification) pair.
type Entry struct {
	Name       string            `json:"name"`
	Inputs     []string          `json:"inputs"`
	Keywords   ScanKeywords      `json:"keywords"`
	Attributes map[string]any    `json:"attributes,omitempty"`
	ObjectMap  map[string]string `json:"object_map"`
}

// Specification bundles the two opaque sub-specifications passed through to
// every service computed under it. Names are unique per dataset,
// case-insensitively.
type Specification struct {
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	OptimizationSpec json.RawMessage `json:"optimization_spec"`
	CalcSpec         json.RawMessage `json:"calc_spec"`
}

// ScanKeywords parameterize the multi-stage scan executed for an entry. One
// grid axis per scanned coordinate; ranges, when given, bound the scan
// window in degrees.
type ScanKeywords struct {
	Axes                 [][]int  `json:"axes"`
	GridSpacing          []int    `json:"grid_spacing"`
	AxisRanges           [][2]int `json:"axis_ranges,omitempty"`
	EnergyDecreaseThresh *float64 `json:"energy_decrease_thresh,omitempty"`
	EnergyUpperLimit     *float64 `json:"energy_upper_limit,omitempty"`
}

const (
	scanRangeMin = -180
	scanRangeMax = 360
)

// Validate rejects malformed keyword sets before anything is persisted.
func (k ScanKeywords) Validate() error {
	if len(k.Axes) == 0 {
		return fmt.Errorf("%w: at least one scan axis is required", ErrValidation)
	}
	if len(k.GridSpacing) != len(k.Axes) {
		return fmt.Errorf("%w: %d grid spacings for %d axes", ErrValidation, len(k.GridSpacing), len(k.Axes))
	}
	for i, s := range k.GridSpacing {
		if s <= 0 {
			return fmt.Errorf("%w: grid spacing for axis %d must be positive, got %d", ErrValidation, i, s)
		}
	}
	if len(k.AxisRanges) > 0 {
		if len(k.AxisRanges) != len(k.Axes) {
			return fmt.Errorf("%w: %d ranges for %d axes", ErrValidation, len(k.AxisRanges), len(k.Axes))
		}
		for i, r := range k.AxisRanges {
			lo, hi := r[0], r[1]
			if lo >= hi {
				return fmt.Errorf("%w: axis %d range [%d, %d] is empty", ErrValidation, i, lo, hi)
			}
			if lo < scanRangeMin || hi > scanRangeMax {
				return fmt.Errorf("%w: axis %d range [%d, %d] outside [%d, %d]", ErrValidation, i, lo, hi, scanRangeMin, scanRangeMax)
			}
		}
	}
	return nil
}
