package models

// QueryParams represents DICOM query parameters
type QueryParams struct {
	PatientID        string `json:"patient_id,omitempty"`
	PatientName      string `json:"patient_name,omitempty"`
	StudyDate        string `json:"study_date,omitempty"`
	AccessionNumber  string `json:"accession_number,omitempty"`
	Modality         string `json:"modality,omitempty"`
	StudyDescription string `json:"study_description,omitempty"`
	Limit            int    `json:"limit,omitempty"`
	Offset           int    `json:"offset,omitempty"`
}

// IsEmpty reports whether no matching key is set
func (q QueryParams) IsEmpty() bool {
	return q.PatientID == "" && q.PatientName == "" && q.StudyDate == "" &&
		q.AccessionNumber == "" && q.Modality == "" && q.StudyDescription == ""
}

// Study represents a DICOM study
type Study struct {
	StudyInstanceUID  string   `json:"study_instance_uid"`
	PatientID         string   `json:"patient_id,omitempty"`
	PatientName       string   `json:"patient_name,omitempty"`
	StudyDate         string   `json:"study_date,omitempty"`
	StudyTime         string   `json:"study_time,omitempty"`
	StudyDescription  string   `json:"study_description,omitempty"`
	AccessionNumber   string   `json:"accession_number,omitempty"`
	NumberOfSeries    int      `json:"number_of_series,omitempty"`
	NumberOfInstances int      `json:"number_of_instances,omitempty"`
	ModalitiesInStudy []string `json:"modalities_in_study,omitempty"`
}

// Series represents a DICOM series
type Series struct {
	StudyInstanceUID  string `json:"study_instance_uid"`
	SeriesInstanceUID string `json:"series_instance_uid"`
	SeriesNumber      int    `json:"series_number"`
	Modality          string `json:"modality"`
	SeriesDescription string `json:"series_description,omitempty"`
	SeriesDate        string `json:"series_date,omitempty"`
	SeriesTime        string `json:"series_time,omitempty"`
	BodyPartExamined  string `json:"body_part_examined,omitempty"`
	NumberOfInstances int    `json:"number_of_instances,omitempty"`
}

// Instance represents a DICOM instance
type Instance struct {
	StudyInstanceUID          string        `json:"study_instance_uid"`
	SeriesInstanceUID         string        `json:"series_instance_uid"`
	SOPInstanceUID            string        `json:"sop_instance_uid"`
	SOPClassUID               string        `json:"sop_class_uid"`
	InstanceNumber            int           `json:"instance_number"`
	TransferSyntaxUID         string        `json:"transfer_syntax_uid,omitempty"`
	Modality                  string        `json:"modality,omitempty"`
	Rows                      int           `json:"rows,omitempty"`
	Columns                   int           `json:"columns,omitempty"`
	BitsAllocated             int           `json:"bits_allocated,omitempty"`
	PhotometricInterpretation string        `json:"photometric_interpretation,omitempty"`
	NumberOfFrames            int           `json:"number_of_frames,omitempty"`
	BulkData                  []BulkDataRef `json:"bulk_data,omitempty"`
}

// BulkDataRef points at a binary attribute that is fetched separately.
// URI is already resolved to an absolute address.
type BulkDataRef struct {
	Tag string `json:"tag"`
	URI string `json:"uri"`
}

// Frames reports the frame count, treating single-frame objects as one
func (i Instance) Frames() int {
	if i.NumberOfFrames < 1 {
		return 1
	}
	return i.NumberOfFrames
}
