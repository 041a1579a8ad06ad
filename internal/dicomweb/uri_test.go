package dicomweb

import (
	"testing"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const root = "https://archive.example.org/dicom-web"

func uriClient(mutate func(*config.DataSource)) *Client {
	src := testSource(root)
	if mutate != nil {
		mutate(&src)
	}
	return NewClient(src, nil, zerolog.Nop())
}

func TestURL(t *testing.T) {
	instance := models.Resource{StudyUID: "1.2", SeriesUID: "1.2.3", InstanceUID: "1.2.3.4"}
	with := func(kind models.ResourceKind) models.Resource {
		r := instance
		r.Kind = kind
		return r
	}

	tests := []struct {
		name   string
		mutate func(*config.DataSource)
		res    models.Resource
		want   string
	}{
		{
			name: "study search",
			res:  models.Resource{Kind: models.KindStudySearch, Query: models.QueryParams{PatientID: "P1", Limit: 10}},
			want: root + "/studies?PatientID=P1&limit=10",
		},
		{
			name:   "study search with fuzzy matching",
			mutate: func(ds *config.DataSource) { ds.SupportsFuzzyMatching = true },
			res:    models.Resource{Kind: models.KindStudySearch, Query: models.QueryParams{PatientName: "DOE"}},
			want:   root + "/studies?PatientName=DOE&fuzzymatching=true",
		},
		{
			name:   "fuzzy flag omitted for an empty query",
			mutate: func(ds *config.DataSource) { ds.SupportsFuzzyMatching = true },
			res:    models.Resource{Kind: models.KindStudySearch},
			want:   root + "/studies",
		},
		{
			name:   "include field",
			mutate: func(ds *config.DataSource) { ds.QidoSupportsIncludeField = true },
			res:    models.Resource{Kind: models.KindSeriesSearch, StudyUID: "1.2"},
			want:   root + "/studies/1.2/series?includefield=all",
		},
		{
			name:   "series search by query",
			mutate: func(ds *config.DataSource) { ds.StaticWado = false },
			res:    models.Resource{Kind: models.KindSeriesSearch, StudyUID: "1.2"},
			want:   root + "/series?StudyInstanceUID=1.2",
		},
		{
			name: "instance search static",
			res:  with(models.KindInstanceSearch),
			want: root + "/studies/1.2/series/1.2.3/instances",
		},
		{
			name:   "instance search by query",
			mutate: func(ds *config.DataSource) { ds.StaticWado = false },
			res:    with(models.KindInstanceSearch),
			want:   root + "/instances?SeriesInstanceUID=1.2.3&StudyInstanceUID=1.2",
		},
		{
			name: "series metadata",
			res:  with(models.KindSeriesMetadata),
			want: root + "/studies/1.2/series/1.2.3/metadata",
		},
		{
			name: "instance static",
			res:  with(models.KindInstance),
			want: root + "/studies/1.2/series/1.2.3/instances/1.2.3.4",
		},
		{
			name:   "instance via wado-uri",
			mutate: func(ds *config.DataSource) { ds.StaticWado = false },
			res:    with(models.KindInstance),
			want:   root + "/wado?contentType=application%2Fdicom&objectUID=1.2.3.4&requestType=WADO&seriesUID=1.2.3&studyUID=1.2",
		},
		{
			name: "frames",
			res:  models.Resource{Kind: models.KindFrames, StudyUID: "1.2", SeriesUID: "1.2.3", InstanceUID: "1.2.3.4", Frames: []int{3, 4, 5}},
			want: root + "/studies/1.2/series/1.2.3/instances/1.2.3.4/frames/3,4,5",
		},
		{
			name: "thumbnail via frames",
			res:  with(models.KindThumbnail),
			want: root + "/studies/1.2/series/1.2.3/instances/1.2.3.4/frames/1",
		},
		{
			name:   "thumbnail endpoint",
			mutate: func(ds *config.DataSource) { ds.ThumbnailRendering = "thumbnail" },
			res:    with(models.KindThumbnail),
			want:   root + "/studies/1.2/series/1.2.3/instances/1.2.3.4/thumbnail",
		},
		{
			name: "pdf falls back to the instance",
			res:  with(models.KindPDF),
			want: root + "/studies/1.2/series/1.2.3/instances/1.2.3.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := uriClient(tt.mutate).URL(tt.res)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestURL_MissingIdentifiers(t *testing.T) {
	c := uriClient(nil)
	cases := []models.Resource{
		{Kind: models.KindSeriesSearch},
		{Kind: models.KindInstanceMetadata, StudyUID: "1", SeriesUID: "2"},
		{Kind: models.KindFrames, StudyUID: "1", SeriesUID: "2", InstanceUID: "3"},
		{Kind: models.KindBulkData},
		{Kind: models.ResourceKind("bogus")},
	}
	for _, res := range cases {
		_, err := c.URL(res)
		assert.Error(t, err, "resource %s", res.String())
	}
}

func TestResolveBulkDataURI(t *testing.T) {
	tests := []struct {
		name       string
		resolution string
		enabled    bool
		raw        string
		want       string
		ok         bool
	}{
		{"relative to study", "studies", true, "bulk/abc", root + "/studies/1.2/bulk/abc", true},
		{"relative to series", "series", true, "bulk/abc", root + "/studies/1.2/series/1.2.3/bulk/abc", true},
		{"absolute passes through", "series", true, "https://cdn.example.org/x/y", "https://cdn.example.org/x/y", true},
		{"parent segments", "series", true, "../../bulk/abc", root + "/studies/1.2/bulk/abc", true},
		{"disabled", "studies", false, "bulk/abc", "", false},
		{"empty", "studies", true, "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := uriClient(func(ds *config.DataSource) {
				ds.BulkDataURI.Enabled = tt.enabled
				ds.BulkDataURI.RelativeResolution = tt.resolution
			})
			got, ok := c.ResolveBulkDataURI("1.2", "1.2.3", tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNegotiate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.DataSource)
		kind   models.ResourceKind
		accept string
		mode   transferMode
	}{
		{"json search", nil, models.KindStudySearch, "application/dicom+json", modeJSON},
		{"frames multipart unquoted", nil, models.KindFrames, "multipart/related; type=application/octet-stream; transfer-syntax=*", modeMultipart},
		{"bulk singlepart", nil, models.KindBulkData, "application/octet-stream", modeSinglePart},
		{"video singlepart", nil, models.KindVideo, "video/mp4", modeSinglePart},
		{"instance multipart", nil, models.KindInstance, "multipart/related; type=application/dicom; transfer-syntax=*", modeMultipart},
		{
			"instance singlepart",
			func(ds *config.DataSource) { ds.Singlepart = append(ds.Singlepart, models.KindInstance) },
			models.KindInstance, "application/dicom", modeSinglePart,
		},
		{
			"thumbnail endpoint",
			func(ds *config.DataSource) { ds.ThumbnailRendering = "thumbnail" },
			models.KindThumbnail, "image/jpeg", modeSinglePart,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			accept, mode := uriClient(tt.mutate).negotiate(tt.kind)
			assert.Equal(t, tt.accept, accept)
			assert.Equal(t, tt.mode, mode)
		})
	}
}
