package dicomweb

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// DecodePart10 reads the header attributes of a DICOM Part 10 object.
// Pixel data is skipped; frames are retrieved separately.
func DecodePart10(body []byte) (models.Instance, error) {
	ds, err := dicom.Parse(bytes.NewReader(body), int64(len(body)), nil, dicom.SkipPixelData())
	if err != nil {
		return models.Instance{}, &ParseError{Op: "part10", Err: err}
	}

	return models.Instance{
		StudyInstanceUID:          elementString(ds, tag.StudyInstanceUID),
		SeriesInstanceUID:         elementString(ds, tag.SeriesInstanceUID),
		SOPInstanceUID:            elementString(ds, tag.SOPInstanceUID),
		SOPClassUID:               elementString(ds, tag.SOPClassUID),
		InstanceNumber:            elementInt(ds, tag.InstanceNumber),
		TransferSyntaxUID:         elementString(ds, tag.TransferSyntaxUID),
		Modality:                  elementString(ds, tag.Modality),
		Rows:                      elementInt(ds, tag.Rows),
		Columns:                   elementInt(ds, tag.Columns),
		BitsAllocated:             elementInt(ds, tag.BitsAllocated),
		PhotometricInterpretation: elementString(ds, tag.PhotometricInterpretation),
		NumberOfFrames:            elementInt(ds, tag.NumberOfFrames),
	}, nil
}

func elementString(ds dicom.Dataset, t tag.Tag) string {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return ""
	}
	switch v := el.Value.GetValue().(type) {
	case []string:
		if len(v) > 0 {
			return strings.Trim(v[0], " \x00")
		}
	case []int:
		if len(v) > 0 {
			return strconv.Itoa(v[0])
		}
	}
	return ""
}

func elementInt(ds dicom.Dataset, t tag.Tag) int {
	el, err := ds.FindElementByTag(t)
	if err != nil {
		return 0
	}
	switch v := el.Value.GetValue().(type) {
	case []int:
		if len(v) > 0 {
			return v[0]
		}
	case []string:
		// IS and DS values arrive as strings.
		if len(v) > 0 {
			n, err := strconv.Atoi(strings.TrimSpace(v[0]))
			if err == nil {
				return n
			}
		}
	}
	return 0
}
