package hangingprotocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Attribute names a display set property a rule can test
type Attribute string

const (
	AttrModality          Attribute = "modality"
	AttrSeriesDescription Attribute = "seriesDescription"
	AttrSeriesNumber      Attribute = "seriesNumber"
	AttrNumImages         Attribute = "numImages"
	AttrSOPClassUID       Attribute = "sopClassUID"
	AttrBodyPart          Attribute = "bodyPart"
)

// Constraint is the comparison a rule applies
type Constraint string

const (
	Equals      Constraint = "equals"
	Contains    Constraint = "contains"
	StartsWith  Constraint = "startsWith"
	GreaterThan Constraint = "greaterThan"
	LessThan    Constraint = "lessThan"
	OneOf       Constraint = "oneOf"
)

// Rule tests one attribute of a display set
type Rule struct {
	Attribute  Attribute  `json:"attribute"`
	Constraint Constraint `json:"constraint"`
	Value      string     `json:"value,omitempty"`
	Values     []string   `json:"values,omitempty"` // oneOf
	Required   bool       `json:"required,omitempty"`
	Weight     int        `json:"weight,omitempty"` // zero counts as one
}

func (r Rule) weight() int {
	if r.Weight <= 0 {
		return 1
	}
	return r.Weight
}

func (r Rule) validate() error {
	switch r.Attribute {
	case AttrModality, AttrSeriesDescription, AttrSOPClassUID, AttrBodyPart:
		if r.Constraint == GreaterThan || r.Constraint == LessThan {
			return fmt.Errorf("%s cannot be compared with %s", r.Attribute, r.Constraint)
		}
	case AttrSeriesNumber, AttrNumImages:
	default:
		return fmt.Errorf("unknown attribute %q", r.Attribute)
	}
	switch r.Constraint {
	case Equals, Contains, StartsWith:
	case GreaterThan, LessThan:
		if _, err := strconv.ParseFloat(r.Value, 64); err != nil {
			return fmt.Errorf("%s needs a numeric value, got %q", r.Constraint, r.Value)
		}
	case OneOf:
		if len(r.Values) == 0 {
			return fmt.Errorf("oneOf needs at least one value")
		}
	default:
		return fmt.Errorf("unknown constraint %q", r.Constraint)
	}
	return nil
}

// Matches evaluates the rule against a display set
func (r Rule) Matches(ds DisplaySet) bool {
	value := attributeValue(ds, r.Attribute)
	switch r.Constraint {
	case Equals:
		return strings.EqualFold(value, r.Value)
	case Contains:
		return strings.Contains(strings.ToLower(value), strings.ToLower(r.Value))
	case StartsWith:
		return strings.HasPrefix(strings.ToLower(value), strings.ToLower(r.Value))
	case GreaterThan, LessThan:
		have, err1 := strconv.ParseFloat(value, 64)
		want, err2 := strconv.ParseFloat(r.Value, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		if r.Constraint == GreaterThan {
			return have > want
		}
		return have < want
	case OneOf:
		for _, v := range r.Values {
			if strings.EqualFold(value, v) {
				return true
			}
		}
	}
	return false
}

func attributeValue(ds DisplaySet, attr Attribute) string {
	switch attr {
	case AttrModality:
		return ds.Modality
	case AttrSeriesDescription:
		return ds.SeriesDescription
	case AttrSeriesNumber:
		return strconv.Itoa(ds.SeriesNumber)
	case AttrNumImages:
		return strconv.Itoa(ds.NumImages)
	case AttrSOPClassUID:
		return ds.SOPClassUID
	case AttrBodyPart:
		return ds.BodyPartExamined
	}
	return ""
}

// SortKey orders candidates of one viewport
type SortKey struct {
	Attribute  Attribute `json:"attribute"`
	Descending bool      `json:"descending,omitempty"`
}

// ViewportSpec declares what one grid cell should show
type ViewportSpec struct {
	Rules []Rule `json:"rules,omitempty"`
	// DisplaySetIndex picks among the ranked candidates still unassigned
	DisplaySetIndex int       `json:"display_set_index,omitempty"`
	SortBy          []SortKey `json:"sort_by,omitempty"`
}

// score returns the summed weight of matched rules. ok is false when a
// required rule fails, or when rules exist and none match.
func (v ViewportSpec) score(ds DisplaySet) (score int, ok bool) {
	if len(v.Rules) == 0 {
		return 0, true
	}
	for _, r := range v.Rules {
		if r.Matches(ds) {
			score += r.weight()
		} else if r.Required {
			return 0, false
		}
	}
	return score, score > 0
}

// less orders two candidates of equal score
func (v ViewportSpec) less(a, b DisplaySet) bool {
	for _, key := range v.SortBy {
		av, bv := attributeValue(a, key.Attribute), attributeValue(b, key.Attribute)
		if av == bv {
			continue
		}
		var before bool
		an, aerr := strconv.ParseFloat(av, 64)
		bn, berr := strconv.ParseFloat(bv, 64)
		if aerr == nil && berr == nil {
			before = an < bn
		} else {
			before = av < bv
		}
		if key.Descending {
			return !before
		}
		return before
	}
	return acquiredBefore(a, b)
}

// Stage is one viewport grid of a protocol
type Stage struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Rows    int    `json:"rows"`
	Columns int    `json:"columns"`
	// Viewports are listed row-major. Cells without an entry take the next
	// display set in acquisition order.
	Viewports []ViewportSpec `json:"viewports,omitempty"`
}

func (s Stage) viewport(i int) ViewportSpec {
	if i < len(s.Viewports) {
		return s.Viewports[i]
	}
	return ViewportSpec{}
}

// Protocol is an ordered list of stages
type Protocol struct {
	ID     string  `json:"id"`
	Name   string  `json:"name,omitempty"`
	Stages []Stage `json:"stages"`
}

// Validate checks a protocol before registration
func (p Protocol) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("protocol id is required")
	}
	if len(p.Stages) == 0 {
		return fmt.Errorf("protocol %s has no stages", p.ID)
	}
	seen := make(map[string]bool, len(p.Stages))
	for i, s := range p.Stages {
		if s.ID == "" {
			return fmt.Errorf("protocol %s stage %d: id is required", p.ID, i)
		}
		if seen[s.ID] {
			return fmt.Errorf("protocol %s: duplicate stage %q", p.ID, s.ID)
		}
		seen[s.ID] = true
		if s.Rows < 1 || s.Columns < 1 {
			return fmt.Errorf("protocol %s stage %s: grid must be at least 1x1", p.ID, s.ID)
		}
		if len(s.Viewports) > s.Rows*s.Columns {
			return fmt.Errorf("protocol %s stage %s: %d viewports do not fit a %dx%d grid",
				p.ID, s.ID, len(s.Viewports), s.Rows, s.Columns)
		}
		for j, v := range s.Viewports {
			for _, r := range v.Rules {
				if err := r.validate(); err != nil {
					return fmt.Errorf("protocol %s stage %s viewport %d: %w", p.ID, s.ID, j, err)
				}
			}
			if v.DisplaySetIndex < 0 {
				return fmt.Errorf("protocol %s stage %s viewport %d: negative display set index", p.ID, s.ID, j)
			}
		}
	}
	return nil
}

func (p Protocol) stageIndex(id string) int {
	for i, s := range p.Stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Built-in protocol identifiers
const (
	GridProtocolID    = "@ohif/mnGrid"
	DefaultProtocolID = "default"
)

// Builtins returns the protocols every engine starts with
func Builtins() []Protocol {
	return []Protocol{
		{
			ID:   GridProtocolID,
			Name: "Grid",
			Stages: []Stage{
				{ID: "default", Name: "1x1", Rows: 1, Columns: 1},
				{ID: "2x2", Name: "2x2", Rows: 2, Columns: 2},
				{ID: "3x3", Name: "3x3", Rows: 3, Columns: 3},
			},
		},
		{
			ID:     DefaultProtocolID,
			Name:   "Default",
			Stages: []Stage{{ID: "default", Rows: 1, Columns: 1}},
		},
	}
}
