package dicomweb

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
)

// DICOM JSON tags used by the viewer
const (
	TagSOPClassUID               = "00080016"
	TagSOPInstanceUID            = "00080018"
	TagStudyDate                 = "00080020"
	TagSeriesDate                = "00080021"
	TagStudyTime                 = "00080030"
	TagSeriesTime                = "00080031"
	TagAccessionNumber           = "00080050"
	TagModality                  = "00080060"
	TagModalitiesInStudy         = "00080061"
	TagStudyDescription          = "00081030"
	TagSeriesDescription         = "0008103E"
	TagPatientName               = "00100010"
	TagPatientID                 = "00100020"
	TagBodyPartExamined          = "00180015"
	TagStudyInstanceUID          = "0020000D"
	TagSeriesInstanceUID         = "0020000E"
	TagSeriesNumber              = "00200011"
	TagInstanceNumber            = "00200013"
	TagNumberOfStudySeries       = "00201206"
	TagNumberOfStudyInstances    = "00201208"
	TagNumberOfSeriesInstances   = "00201209"
	TagNumberOfFrames            = "00280008"
	TagRows                      = "00280010"
	TagColumns                   = "00280011"
	TagBitsAllocated             = "00280100"
	TagPhotometricInterpretation = "00280004"
	TagTransferSyntaxUID         = "00020010"
	TagPixelData                 = "7FE00010"
)

// Attribute is one element of the DICOM JSON model
type Attribute struct {
	VR           string            `json:"vr"`
	Value        []json.RawMessage `json:"Value,omitempty"`
	BulkDataURI  string            `json:"BulkDataURI,omitempty"`
	InlineBinary string            `json:"InlineBinary,omitempty"`
}

// Dataset is a DICOM JSON object keyed by eight hex digit tags
type Dataset map[string]Attribute

// DecodeDatasets parses a DICOM JSON array
func DecodeDatasets(body []byte) ([]Dataset, error) {
	var datasets []Dataset
	if err := json.Unmarshal(body, &datasets); err != nil {
		return nil, &ParseError{Op: "dicom+json", Err: err}
	}
	return datasets, nil
}

// Strings returns every value of a tag rendered as text
func (d Dataset) Strings(tag string) []string {
	attr, ok := d[tag]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(attr.Value))
	for _, raw := range attr.Value {
		if s, ok := valueString(raw); ok {
			out = append(out, s)
		}
	}
	return out
}

// String returns the first value of a tag rendered as text
func (d Dataset) String(tag string) string {
	values := d.Strings(tag)
	if len(values) == 0 {
		return ""
	}
	return values[0]
}

// Int returns the first value of a tag as an integer, zero when absent
func (d Dataset) Int(tag string) int {
	s := d.String(tag)
	if s == "" {
		return 0
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return 0
}

func valueString(raw json.RawMessage) (string, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s), true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	// Person names are objects with component groups.
	var pn struct {
		Alphabetic string `json:"Alphabetic"`
	}
	if err := json.Unmarshal(raw, &pn); err == nil && pn.Alphabetic != "" {
		return pn.Alphabetic, true
	}
	return "", false
}

// ToStudy converts a study level dataset
func ToStudy(d Dataset) models.Study {
	return models.Study{
		StudyInstanceUID:  d.String(TagStudyInstanceUID),
		PatientID:         d.String(TagPatientID),
		PatientName:       d.String(TagPatientName),
		StudyDate:         d.String(TagStudyDate),
		StudyTime:         d.String(TagStudyTime),
		StudyDescription:  d.String(TagStudyDescription),
		AccessionNumber:   d.String(TagAccessionNumber),
		NumberOfSeries:    d.Int(TagNumberOfStudySeries),
		NumberOfInstances: d.Int(TagNumberOfStudyInstances),
		ModalitiesInStudy: d.Strings(TagModalitiesInStudy),
	}
}

// ToSeries converts a series level dataset
func ToSeries(d Dataset) models.Series {
	return models.Series{
		StudyInstanceUID:  d.String(TagStudyInstanceUID),
		SeriesInstanceUID: d.String(TagSeriesInstanceUID),
		SeriesNumber:      d.Int(TagSeriesNumber),
		Modality:          d.String(TagModality),
		SeriesDescription: d.String(TagSeriesDescription),
		SeriesDate:        d.String(TagSeriesDate),
		SeriesTime:        d.String(TagSeriesTime),
		BodyPartExamined:  d.String(TagBodyPartExamined),
		NumberOfInstances: d.Int(TagNumberOfSeriesInstances),
	}
}

// BulkDataResolver resolves BulkDataURI attributes of an instance
type BulkDataResolver interface {
	ResolveBulkDataURI(studyUID, seriesUID, raw string) (string, bool)
}

// ToInstance converts instance metadata. Bulk data references are resolved
// but not fetched. A nil resolver drops them.
func ToInstance(d Dataset, resolver BulkDataResolver) models.Instance {
	inst := models.Instance{
		StudyInstanceUID:          d.String(TagStudyInstanceUID),
		SeriesInstanceUID:         d.String(TagSeriesInstanceUID),
		SOPInstanceUID:            d.String(TagSOPInstanceUID),
		SOPClassUID:               d.String(TagSOPClassUID),
		InstanceNumber:            d.Int(TagInstanceNumber),
		TransferSyntaxUID:         d.String(TagTransferSyntaxUID),
		Modality:                  d.String(TagModality),
		Rows:                      d.Int(TagRows),
		Columns:                   d.Int(TagColumns),
		BitsAllocated:             d.Int(TagBitsAllocated),
		PhotometricInterpretation: d.String(TagPhotometricInterpretation),
		NumberOfFrames:            d.Int(TagNumberOfFrames),
	}
	if resolver == nil {
		return inst
	}

	tags := make([]string, 0, 1)
	for tag, attr := range d {
		if attr.BulkDataURI != "" {
			tags = append(tags, tag)
		}
	}
	sort.Strings(tags)
	for _, tag := range tags {
		uri, ok := resolver.ResolveBulkDataURI(inst.StudyInstanceUID, inst.SeriesInstanceUID, d[tag].BulkDataURI)
		if ok {
			inst.BulkData = append(inst.BulkData, models.BulkDataRef{Tag: tag, URI: uri})
		}
	}
	return inst
}
