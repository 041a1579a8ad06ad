package cache

import (
	"testing"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestMatcher_Match(t *testing.T) {
	exact := NewMatcher(config.DataSource{})
	wildcard := NewMatcher(config.DataSource{SupportsWildcard: true})
	fuzzy := NewMatcher(config.DataSource{SupportsFuzzyMatching: true})
	both := NewMatcher(config.DataSource{SupportsWildcard: true, SupportsFuzzyMatching: true})

	tests := []struct {
		name    string
		m       Matcher
		pattern string
		value   string
		want    bool
	}{
		{"empty pattern", exact, "", "anything", true},
		{"exact equal", exact, "DOE^JANE", "DOE^JANE", true},
		{"exact is case sensitive", exact, "doe^jane", "DOE^JANE", false},
		{"exact treats star literally", exact, "DOE*", "DOE^JANE", false},
		{"exact no prefix", exact, "DOE", "DOE^JANE", false},
		{"wildcard star", wildcard, "DOE*", "DOE^JANE", true},
		{"wildcard question", wildcard, "CT?", "CT1", true},
		{"wildcard question needs a rune", wildcard, "CT?", "CT", false},
		{"wildcard inner star", wildcard, "D*E^J*", "DOE^JANE", true},
		{"wildcard without metachar is exact", wildcard, "DOE", "DOE^JANE", false},
		{"wildcard case sensitive", wildcard, "doe*", "DOE^JANE", false},
		{"fuzzy prefix", fuzzy, "doe", "DOE^JANE", true},
		{"fuzzy component", fuzzy, "jan", "DOE^JANE", true},
		{"fuzzy mismatch", fuzzy, "smith", "DOE^JANE", false},
		{"fuzzy ignores star", fuzzy, "DOE*", "DOE^JANE", false},
		{"both case insensitive glob", both, "d?e*", "DOE^JANE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.Match(tt.pattern, tt.value))
		})
	}
}

func TestMatcher_FilterStudies(t *testing.T) {
	studies := []models.Study{
		{StudyInstanceUID: "1", PatientName: "DOE^JANE", StudyDate: "20240105", ModalitiesInStudy: []string{"CT", "SR"}},
		{StudyInstanceUID: "2", PatientName: "DOE^JOHN", StudyDate: "20231201", ModalitiesInStudy: []string{"MR"}},
		{StudyInstanceUID: "3", PatientName: "ROE^RICHARD", StudyDate: "20240220", ModalitiesInStudy: []string{"CT"}},
	}
	uids := func(in []models.Study) []string {
		out := make([]string, 0, len(in))
		for _, s := range in {
			out = append(out, s.StudyInstanceUID)
		}
		return out
	}

	exact := NewMatcher(config.DataSource{})
	assert.Equal(t, []string{"1", "2", "3"}, uids(exact.FilterStudies(models.QueryParams{}, studies)))
	assert.Empty(t, exact.FilterStudies(models.QueryParams{PatientName: "DOE"}, studies))
	assert.Equal(t, []string{"1", "3"}, uids(exact.FilterStudies(models.QueryParams{Modality: "CT"}, studies)))
	assert.Equal(t, []string{"1", "3"}, uids(exact.FilterStudies(models.QueryParams{StudyDate: "20240101-"}, studies)))
	assert.Equal(t, []string{"2"}, uids(exact.FilterStudies(models.QueryParams{StudyDate: "-20231231"}, studies)))
	assert.Equal(t, []string{"3"}, uids(exact.FilterStudies(models.QueryParams{StudyDate: "20240220"}, studies)))

	fuzzy := NewMatcher(config.DataSource{SupportsFuzzyMatching: true})
	assert.Equal(t, []string{"1", "2"}, uids(fuzzy.FilterStudies(models.QueryParams{PatientName: "doe"}, studies)))
	assert.Equal(t, []string{"1"}, uids(fuzzy.FilterStudies(models.QueryParams{PatientName: "doe", Modality: "ct"}, studies)))
}
