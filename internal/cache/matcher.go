package cache

import (
	"strings"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
)

// Matcher applies query-side matching to search results. With fuzzy and
// wildcard matching both disabled only exact values match.
type Matcher struct {
	wildcard bool
	fuzzy    bool
}

// NewMatcher configures matching from a data source
func NewMatcher(ds config.DataSource) Matcher {
	return Matcher{wildcard: ds.SupportsWildcard, fuzzy: ds.SupportsFuzzyMatching}
}

// Exact reports whether only exact matching is in effect
func (m Matcher) Exact() bool {
	return !m.wildcard && !m.fuzzy
}

// Match tests one attribute value. An empty pattern matches everything.
func (m Matcher) Match(pattern, value string) bool {
	if pattern == "" {
		return true
	}
	if m.Exact() {
		return pattern == value
	}

	if m.fuzzy {
		pattern = strings.ToUpper(pattern)
		value = strings.ToUpper(value)
	}
	if m.wildcard && strings.ContainsAny(pattern, "*?") {
		return glob(pattern, value)
	}
	if m.fuzzy {
		return fuzzyPrefix(pattern, value)
	}
	return pattern == value
}

// fuzzyPrefix matches the start of the value or of any name component
func fuzzyPrefix(pattern, value string) bool {
	if strings.HasPrefix(value, pattern) {
		return true
	}
	for _, part := range strings.FieldsFunc(value, func(r rune) bool { return r == '^' || r == ' ' }) {
		if strings.HasPrefix(part, pattern) {
			return true
		}
	}
	return false
}

// glob matches '*' (any run) and '?' (one rune)
func glob(pattern, value string) bool {
	p, v := []rune(pattern), []rune(value)
	pi, vi := 0, 0
	star, mark := -1, 0
	for vi < len(v) {
		switch {
		case pi < len(p) && p[pi] == '*':
			star, mark = pi, vi
			pi++
		case pi < len(p) && (p[pi] == '?' || p[pi] == v[vi]):
			pi++
			vi++
		case star >= 0:
			pi = star + 1
			mark++
			vi = mark
		default:
			return false
		}
	}
	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}

// matchDate supports single dates and DICOM ranges (from-, -to, from-to)
func (m Matcher) matchDate(pattern, value string) bool {
	from, to, isRange := strings.Cut(pattern, "-")
	if !isRange {
		return m.Match(pattern, value)
	}
	if value == "" {
		return false
	}
	return (from == "" || value >= from) && (to == "" || value <= to)
}

// MatchStudy tests a study against every key set in q
func (m Matcher) MatchStudy(q models.QueryParams, s models.Study) bool {
	if !m.Match(q.PatientID, s.PatientID) ||
		!m.Match(q.PatientName, s.PatientName) ||
		!m.Match(q.AccessionNumber, s.AccessionNumber) ||
		!m.Match(q.StudyDescription, s.StudyDescription) ||
		!m.matchDate(q.StudyDate, s.StudyDate) {
		return false
	}
	if q.Modality == "" {
		return true
	}
	for _, mod := range s.ModalitiesInStudy {
		if m.Match(q.Modality, mod) {
			return true
		}
	}
	return false
}

// FilterStudies keeps the studies matching q, preserving order
func (m Matcher) FilterStudies(q models.QueryParams, studies []models.Study) []models.Study {
	if q.IsEmpty() {
		return studies
	}
	out := make([]models.Study, 0, len(studies))
	for _, s := range studies {
		if m.MatchStudy(q, s) {
			out = append(out, s)
		}
	}
	return out
}
