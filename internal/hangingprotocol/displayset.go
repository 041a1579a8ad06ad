package hangingprotocol

import (
	"sort"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
)

// DisplaySet is one viewable series with the attributes protocols match on
type DisplaySet struct {
	StudyInstanceUID  string            `json:"study_instance_uid"`
	SeriesInstanceUID string            `json:"series_instance_uid"`
	Modality          string            `json:"modality"`
	SeriesDescription string            `json:"series_description,omitempty"`
	SeriesNumber      int               `json:"series_number"`
	SeriesDate        string            `json:"series_date,omitempty"`
	SeriesTime        string            `json:"series_time,omitempty"`
	BodyPartExamined  string            `json:"body_part_examined,omitempty"`
	SOPClassUID       string            `json:"sop_class_uid,omitempty"`
	Instances         []models.Instance `json:"-"`
	NumImages         int               `json:"num_images"`
}

// NewDisplaySet builds a display set from a series and its instances.
// Instances are ordered by instance number, then SOP instance UID.
func NewDisplaySet(series models.Series, instances []models.Instance) DisplaySet {
	ordered := append([]models.Instance(nil), instances...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].InstanceNumber != ordered[j].InstanceNumber {
			return ordered[i].InstanceNumber < ordered[j].InstanceNumber
		}
		return ordered[i].SOPInstanceUID < ordered[j].SOPInstanceUID
	})

	ds := DisplaySet{
		StudyInstanceUID:  series.StudyInstanceUID,
		SeriesInstanceUID: series.SeriesInstanceUID,
		Modality:          series.Modality,
		SeriesDescription: series.SeriesDescription,
		SeriesNumber:      series.SeriesNumber,
		SeriesDate:        series.SeriesDate,
		SeriesTime:        series.SeriesTime,
		BodyPartExamined:  series.BodyPartExamined,
		Instances:         ordered,
	}
	for _, inst := range ordered {
		ds.NumImages += inst.Frames()
		if ds.SOPClassUID == "" {
			ds.SOPClassUID = inst.SOPClassUID
		}
		if ds.Modality == "" {
			ds.Modality = inst.Modality
		}
	}
	if len(ordered) == 0 {
		ds.NumImages = series.NumberOfInstances
	}
	return ds
}

// acquiredBefore orders display sets by acquisition: series date and
// time, then series number, then series UID
func acquiredBefore(a, b DisplaySet) bool {
	if a.SeriesDate != b.SeriesDate {
		return a.SeriesDate < b.SeriesDate
	}
	if a.SeriesTime != b.SeriesTime {
		return a.SeriesTime < b.SeriesTime
	}
	if a.SeriesNumber != b.SeriesNumber {
		return a.SeriesNumber < b.SeriesNumber
	}
	return a.SeriesInstanceUID < b.SeriesInstanceUID
}

// normalize dedupes by series UID and sorts in acquisition order so
// assignment does not depend on input order
func normalize(sets []DisplaySet) []DisplaySet {
	seen := make(map[string]bool, len(sets))
	out := make([]DisplaySet, 0, len(sets))
	for _, ds := range sets {
		if ds.SeriesInstanceUID == "" || seen[ds.SeriesInstanceUID] {
			continue
		}
		seen[ds.SeriesInstanceUID] = true
		out = append(out, ds)
	}
	sort.SliceStable(out, func(i, j int) bool { return acquiredBefore(out[i], out[j]) })
	return out
}
