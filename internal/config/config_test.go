package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const orthancConfig = `
max_number_of_web_workers: 3
max_num_requests:
  interaction: 100
  thumbnail: 75
  prefetch: 25
data_sources:
  - name: ORTHANC
    friendly_name: Orthanc DICOM Server
    wado_uri_root: http://192.168.0.10:8042/dicom-web
    qido_root: http://192.168.0.10:8042/dicom-web
    wado_root: http://192.168.0.10:8042/dicom-web
    qido_supports_include_field: true
    thumbnail_rendering: wadors
    enable_study_lazy_load: true
    supports_fuzzy_matching: false
    supports_wildcard: false
    static_wado: true
    singlepart: bulkdata,video,pdf
    accept_header: 'multipart/related; type="application/octet-stream"; transfer-syntax=*'
    bulk_data_uri:
      enabled: true
      relative_resolution: studies
    omit_quotation_for_multipart_request: true
    request_options:
      headers:
        Accept: application/dicom+json
default_data_source_name: ORTHANC
hanging_protocol_settings:
  protocol_id: '@ohif/mnGrid'
  stage: default
  stage_options:
    show_empty: true
    allow_empty_display_sets: true
hotkeys:
  - command_name: incrementActiveViewport
    label: Next Viewport
    keys: [right]
  - command_name: setToolActive
    label: Zoom
    keys: [z]
    command_options:
      tool_name: Zoom
`

func TestLoad_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "viewer.yml")
	require.NoError(t, os.WriteFile(configPath, []byte(orthancConfig), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	ds, err := cfg.DefaultDataSource()
	require.NoError(t, err)
	assert.Equal(t, "Orthanc DICOM Server", ds.FriendlyName)
	assert.True(t, ds.StaticWado)
	assert.True(t, ds.EnableStudyLazyLoad)
	assert.Equal(t, KindList{models.KindBulkData, models.KindVideo, models.KindPDF}, ds.Singlepart)
	assert.True(t, ds.Singlepart.Contains(models.KindPDF))
	assert.False(t, ds.Singlepart.Contains(models.KindFrames))
	assert.Equal(t, "studies", ds.BulkDataURI.RelativeResolution)
	assert.Equal(t, 30*time.Second, ds.RequestOptions.Timeout)
	assert.Equal(t, 3, ds.Retry.MaxAttempts)

	assert.Equal(t, 100, cfg.MaxNumRequests.For(models.ClassInteraction))
	assert.Equal(t, 75, cfg.MaxNumRequests.For(models.ClassThumbnail))
	assert.Equal(t, 25, cfg.MaxNumRequests.For(models.ClassPrefetch))
	assert.Equal(t, "@ohif/mnGrid", cfg.HangingProtocol.ProtocolID)
	require.Len(t, cfg.Hotkeys, 2)
	assert.Equal(t, "Zoom", cfg.Hotkeys[1].CommandOptions.ToolName)
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/viewer.yml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to open config")
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	doc := orthancConfig + "\nenable_service_worker: false\n"
	cfg, err := Parse(strings.NewReader(doc))
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "enable_service_worker")
}

func TestParse_RejectsUnknownNestedFields(t *testing.T) {
	doc := strings.Replace(orthancConfig, "    static_wado: true\n", "    static_wado: true\n    supports_reject: false\n", 1)
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "supports_reject")
}

func TestParse_SinglepartSequence(t *testing.T) {
	doc := strings.Replace(orthancConfig, "singlepart: bulkdata,video,pdf", "singlepart: [bulkdata, pdf]", 1)
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, KindList{models.KindBulkData, models.KindPDF}, cfg.DataSources[0].Singlepart)
}

func TestParse_SinglepartUnknownKind(t *testing.T) {
	doc := strings.Replace(orthancConfig, "singlepart: bulkdata,video,pdf", "singlepart: bulkdata,hologram", 1)
	_, err := Parse(strings.NewReader(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hologram")
}

func TestParse_EmptyDocumentKeepsDefaults(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxNumberOfWebWorkers)
	assert.Equal(t, "memory", cfg.Cache.Type)

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no data sources defined")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "zero ceiling",
			mutate:  func(c *Config) { c.MaxNumRequests.Prefetch = 0 },
			wantErr: "max_num_requests.prefetch",
		},
		{
			name:    "no workers",
			mutate:  func(c *Config) { c.MaxNumberOfWebWorkers = 0 },
			wantErr: "max_number_of_web_workers",
		},
		{
			name:    "redis without addr",
			mutate:  func(c *Config) { c.Cache.Type = "redis" },
			wantErr: "cache.redis.addr",
		},
		{
			name:    "unknown cache",
			mutate:  func(c *Config) { c.Cache.Type = "disk" },
			wantErr: "unsupported cache type",
		},
		{
			name:    "relative root",
			mutate:  func(c *Config) { c.DataSources[0].WadoRoot = "/dicom-web" },
			wantErr: "wado_root must be an http(s) URL",
		},
		{
			name:    "json singlepart",
			mutate:  func(c *Config) { c.DataSources[0].Singlepart = KindList{models.KindSeriesMetadata} },
			wantErr: "singlepart cannot include JSON",
		},
		{
			name:    "bad resolution",
			mutate:  func(c *Config) { c.DataSources[0].BulkDataURI.RelativeResolution = "patients" },
			wantErr: "relative_resolution",
		},
		{
			name:    "unknown default",
			mutate:  func(c *Config) { c.DefaultDataSourceName = "PACS" },
			wantErr: "unknown data source",
		},
		{
			name:    "audit without dsn",
			mutate:  func(c *Config) { c.Audit.Enabled = true },
			wantErr: "audit.dsn",
		},
		{
			name:    "hotkey without keys",
			mutate:  func(c *Config) { c.Hotkeys[0].Keys = nil },
			wantErr: "at least one key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Parse(strings.NewReader(orthancConfig))
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg, err := Parse(strings.NewReader(orthancConfig))
	require.NoError(t, err)

	env := map[string]string{
		"VIEWER_LOG_LEVEL":             "debug",
		"VIEWER_REDIS_ADDR":            "localhost:6379",
		"VIEWER_ARCHIVE_ROOT":          "https://pacs.example.org/dicom-web",
		"VIEWER_ARCHIVE_AUTHORIZATION": "Bearer abc",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	require.NoError(t, cfg.ApplyEnv(lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "redis", cfg.Cache.Type)
	ds, err := cfg.DefaultDataSource()
	require.NoError(t, err)
	assert.Equal(t, "https://pacs.example.org/dicom-web", ds.QidoRoot)
	assert.Equal(t, "Bearer abc", ds.RequestOptions.Headers["Authorization"])
}

func TestApplyEnv_BadPort(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "VIEWER_SERVER_PORT" {
			return "eighty", true
		}
		return "", false
	})
	assert.Error(t, err)
}

func TestLoadEnvFile_Missing(t *testing.T) {
	assert.NoError(t, LoadEnvFile(filepath.Join(t.TempDir(), ".env")))
	assert.NoError(t, LoadEnvFile(""))
}
