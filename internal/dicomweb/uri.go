package dicomweb

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
)

// URL resolves a resource against the archive roots. With static_wado the
// hierarchy is addressed by path templates; otherwise searches below the
// study level use query parameters and instance retrieval uses WADO-URI.
func (c *Client) URL(res models.Resource) (string, error) {
	ds := c.source
	switch res.Kind {
	case models.KindStudySearch:
		return withQuery(join(ds.QidoRoot, "studies"), c.searchParams(res.Query)), nil

	case models.KindSeriesSearch:
		if err := need(res, true, false, false); err != nil {
			return "", err
		}
		if ds.StaticWado {
			return withQuery(join(ds.QidoRoot, "studies", res.StudyUID, "series"), c.searchParams(models.QueryParams{})), nil
		}
		params := c.searchParams(models.QueryParams{})
		params.Set("StudyInstanceUID", res.StudyUID)
		return withQuery(join(ds.QidoRoot, "series"), params), nil

	case models.KindInstanceSearch:
		if err := need(res, true, true, false); err != nil {
			return "", err
		}
		if ds.StaticWado {
			return withQuery(join(ds.QidoRoot, "studies", res.StudyUID, "series", res.SeriesUID, "instances"), c.searchParams(models.QueryParams{})), nil
		}
		params := c.searchParams(models.QueryParams{})
		params.Set("StudyInstanceUID", res.StudyUID)
		params.Set("SeriesInstanceUID", res.SeriesUID)
		return withQuery(join(ds.QidoRoot, "instances"), params), nil

	case models.KindStudyMetadata:
		if err := need(res, true, false, false); err != nil {
			return "", err
		}
		return join(ds.WadoRoot, "studies", res.StudyUID, "metadata"), nil

	case models.KindSeriesMetadata:
		if err := need(res, true, true, false); err != nil {
			return "", err
		}
		return join(ds.WadoRoot, "studies", res.StudyUID, "series", res.SeriesUID, "metadata"), nil

	case models.KindInstanceMetadata:
		if err := need(res, true, true, true); err != nil {
			return "", err
		}
		return join(ds.WadoRoot, "studies", res.StudyUID, "series", res.SeriesUID, "instances", res.InstanceUID, "metadata"), nil

	case models.KindInstance:
		if err := need(res, true, true, true); err != nil {
			return "", err
		}
		if ds.StaticWado {
			return c.instancePath(res), nil
		}
		params := url.Values{}
		params.Set("requestType", "WADO")
		params.Set("studyUID", res.StudyUID)
		params.Set("seriesUID", res.SeriesUID)
		params.Set("objectUID", res.InstanceUID)
		params.Set("contentType", "application/dicom")
		return withQuery(ds.WadoURIRoot, params), nil

	case models.KindFrames:
		if err := need(res, true, true, true); err != nil {
			return "", err
		}
		if len(res.Frames) == 0 {
			return "", fmt.Errorf("frames resource requires at least one frame number")
		}
		// Comma separated frame lists must not be path-escaped.
		return join(c.instancePath(res), "frames") + "/" + frameList(res.Frames), nil

	case models.KindThumbnail:
		if err := need(res, true, true, true); err != nil {
			return "", err
		}
		if ds.ThumbnailRendering == "thumbnail" {
			return join(c.instancePath(res), "thumbnail"), nil
		}
		return join(c.instancePath(res), "frames", "1"), nil

	case models.KindBulkData:
		if res.BulkDataURI == "" {
			return "", fmt.Errorf("bulkdata resource requires a BulkDataURI")
		}
		return res.BulkDataURI, nil

	case models.KindVideo, models.KindPDF:
		if res.BulkDataURI != "" {
			return res.BulkDataURI, nil
		}
		if err := need(res, true, true, true); err != nil {
			return "", err
		}
		return c.instancePath(res), nil
	}

	return "", fmt.Errorf("unsupported resource kind %q", res.Kind)
}

// ResolveBulkDataURI turns a BulkDataURI attribute into an absolute
// address. The second return is false when bulk data references are
// disabled for this data source.
func (c *Client) ResolveBulkDataURI(studyUID, seriesUID, raw string) (string, bool) {
	if !c.source.BulkDataURI.Enabled || raw == "" {
		return "", false
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if ref.IsAbs() {
		return raw, true
	}

	base := join(c.source.WadoRoot, "studies", studyUID) + "/"
	if c.source.BulkDataURI.RelativeResolution == "series" && seriesUID != "" {
		base = join(c.source.WadoRoot, "studies", studyUID, "series", seriesUID) + "/"
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", false
	}
	return baseURL.ResolveReference(ref).String(), true
}

func (c *Client) instancePath(res models.Resource) string {
	return join(c.source.WadoRoot, "studies", res.StudyUID, "series", res.SeriesUID, "instances", res.InstanceUID)
}

func (c *Client) searchParams(q models.QueryParams) url.Values {
	params := url.Values{}
	if q.PatientID != "" {
		params.Add("PatientID", q.PatientID)
	}
	if q.PatientName != "" {
		params.Add("PatientName", q.PatientName)
	}
	if q.StudyDate != "" {
		params.Add("StudyDate", q.StudyDate)
	}
	if q.AccessionNumber != "" {
		params.Add("AccessionNumber", q.AccessionNumber)
	}
	if q.Modality != "" {
		params.Add("ModalitiesInStudy", q.Modality)
	}
	if q.StudyDescription != "" {
		params.Add("StudyDescription", q.StudyDescription)
	}
	if q.Limit > 0 {
		params.Add("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		params.Add("offset", strconv.Itoa(q.Offset))
	}
	if c.source.SupportsFuzzyMatching && !q.IsEmpty() {
		params.Add("fuzzymatching", "true")
	}
	if c.source.QidoSupportsIncludeField {
		params.Add("includefield", "all")
	}
	return params
}

func need(res models.Resource, study, series, instance bool) error {
	switch {
	case study && res.StudyUID == "":
		return fmt.Errorf("%s resource requires a study UID", res.Kind)
	case series && res.SeriesUID == "":
		return fmt.Errorf("%s resource requires a series UID", res.Kind)
	case instance && res.InstanceUID == "":
		return fmt.Errorf("%s resource requires an instance UID", res.Kind)
	}
	return nil
}

func join(root string, segments ...string) string {
	var b strings.Builder
	b.WriteString(strings.TrimRight(root, "/"))
	for _, s := range segments {
		b.WriteByte('/')
		b.WriteString(url.PathEscape(s))
	}
	return b.String()
}

func withQuery(base string, params url.Values) string {
	if len(params) == 0 {
		return base
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + params.Encode()
}

func frameList(frames []int) string {
	parts := make([]string, len(frames))
	for i, f := range frames {
		parts[i] = strconv.Itoa(f)
	}
	return strings.Join(parts, ",")
}
