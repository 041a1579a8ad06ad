package dicomweb

import (
	"testing"

	"github.com/otcheredev/dicom-viewer-core/internal/config"
	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const studyJSON = `[{
  "0020000D": {"vr": "UI", "Value": ["1.2.840.1"]},
  "00100010": {"vr": "PN", "Value": [{"Alphabetic": "DOE^JANE"}]},
  "00100020": {"vr": "LO", "Value": ["PID-7"]},
  "00080020": {"vr": "DA", "Value": ["20240105"]},
  "00080061": {"vr": "CS", "Value": ["CT", "SR"]},
  "00201206": {"vr": "IS", "Value": [4]},
  "00201208": {"vr": "IS", "Value": ["120"]},
  "00081030": {"vr": "LO"}
}]`

const instanceJSON = `[{
  "0020000D": {"vr": "UI", "Value": ["1.2.840.1"]},
  "0020000E": {"vr": "UI", "Value": ["1.2.840.1.2"]},
  "00080018": {"vr": "UI", "Value": ["1.2.840.1.2.3"]},
  "00080016": {"vr": "UI", "Value": ["1.2.840.10008.5.1.4.1.1.2"]},
  "00200013": {"vr": "IS", "Value": [7]},
  "00280010": {"vr": "US", "Value": [512]},
  "00280011": {"vr": "US", "Value": [512]},
  "00280008": {"vr": "IS", "Value": ["3"]},
  "00281050": {"vr": "DS", "Value": [40.5]},
  "7FE00010": {"vr": "OW", "BulkDataURI": "bulk/7FE00010"},
  "00420011": {"vr": "OB", "BulkDataURI": "https://cdn.example.org/doc.pdf"}
}]`

func TestToStudy(t *testing.T) {
	datasets, err := DecodeDatasets([]byte(studyJSON))
	require.NoError(t, err)
	require.Len(t, datasets, 1)

	study := ToStudy(datasets[0])
	assert.Equal(t, models.Study{
		StudyInstanceUID:  "1.2.840.1",
		PatientID:         "PID-7",
		PatientName:       "DOE^JANE",
		StudyDate:         "20240105",
		NumberOfSeries:    4,
		NumberOfInstances: 120,
		ModalitiesInStudy: []string{"CT", "SR"},
	}, study)
}

func TestDataset_Int(t *testing.T) {
	datasets, err := DecodeDatasets([]byte(instanceJSON))
	require.NoError(t, err)
	d := datasets[0]

	assert.Equal(t, 7, d.Int(TagInstanceNumber))
	assert.Equal(t, 3, d.Int(TagNumberOfFrames))
	assert.Equal(t, 40, d.Int("00281050"))
	assert.Equal(t, 0, d.Int(TagSeriesNumber))
}

func TestToInstance_ResolvesBulkData(t *testing.T) {
	datasets, err := DecodeDatasets([]byte(instanceJSON))
	require.NoError(t, err)

	c := uriClient(func(ds *config.DataSource) { ds.BulkDataURI.RelativeResolution = "series" })
	inst := ToInstance(datasets[0], c)

	assert.Equal(t, "1.2.840.1.2.3", inst.SOPInstanceUID)
	assert.Equal(t, 512, inst.Rows)
	assert.Equal(t, 3, inst.Frames())
	assert.Equal(t, []models.BulkDataRef{
		{Tag: "00420011", URI: "https://cdn.example.org/doc.pdf"},
		{Tag: TagPixelData, URI: root + "/studies/1.2.840.1/series/1.2.840.1.2/bulk/7FE00010"},
	}, inst.BulkData)
}

func TestToInstance_NilResolverDropsBulkData(t *testing.T) {
	datasets, err := DecodeDatasets([]byte(instanceJSON))
	require.NoError(t, err)

	inst := ToInstance(datasets[0], nil)
	assert.Empty(t, inst.BulkData)
	assert.Equal(t, 7, inst.InstanceNumber)
}

func TestDecodeDatasets_Invalid(t *testing.T) {
	_, err := DecodeDatasets([]byte(`{"not": "an array"`))
	require.Error(t, err)
	assert.True(t, IsParse(err))
}

func TestDecodePart10_Garbage(t *testing.T) {
	_, err := DecodePart10([]byte("definitely not a DICOM file"))
	require.Error(t, err)
	assert.True(t, IsParse(err))
}
