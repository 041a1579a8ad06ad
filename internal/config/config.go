package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/otcheredev/dicom-viewer-core/internal/models"
	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of a viewing session and its host
type Config struct {
	Log                   LogConfig               `yaml:"log"`
	Server                ServerConfig            `yaml:"server"`
	Metrics               MetricsConfig           `yaml:"metrics"`
	CORS                  CORSConfig              `yaml:"cors"`
	Cache                 CacheConfig             `yaml:"cache"`
	Audit                 AuditConfig             `yaml:"audit"`
	MaxNumberOfWebWorkers int                     `yaml:"max_number_of_web_workers"`
	MaxNumRequests        RequestLimits           `yaml:"max_num_requests"`
	DataSources           []DataSource            `yaml:"data_sources"`
	DefaultDataSourceName string                  `yaml:"default_data_source_name"`
	HangingProtocol       HangingProtocolSettings `yaml:"hanging_protocol_settings"`
	Hotkeys               []Hotkey                `yaml:"hotkeys"`
}

// LogConfig controls the global logger
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// ServerConfig controls the HTTP listener of the host binary
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// MetricsConfig toggles the prometheus endpoint
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// CORSConfig mirrors go-chi/cors options exposed to operators
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// CacheConfig selects the cache backend
type CacheConfig struct {
	Type  string      `yaml:"type"` // memory, redis
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// AuditConfig controls persistence of terminal retrieval states
type AuditConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DSN        string `yaml:"dsn"`
	LogLevel   string `yaml:"log_level"`
	BufferSize int    `yaml:"buffer_size"`
}

// RequestLimits are the per-class concurrency ceilings
type RequestLimits struct {
	Interaction int `yaml:"interaction"`
	Thumbnail   int `yaml:"thumbnail"`
	Prefetch    int `yaml:"prefetch"`
}

// For returns the ceiling of a class
func (l RequestLimits) For(class models.RequestClass) int {
	switch class {
	case models.ClassInteraction:
		return l.Interaction
	case models.ClassThumbnail:
		return l.Thumbnail
	case models.ClassPrefetch:
		return l.Prefetch
	}
	return 0
}

// DataSource describes one DICOMweb archive
type DataSource struct {
	Name                             string         `yaml:"name"`
	FriendlyName                     string         `yaml:"friendly_name"`
	WadoURIRoot                      string         `yaml:"wado_uri_root"`
	QidoRoot                         string         `yaml:"qido_root"`
	WadoRoot                         string         `yaml:"wado_root"`
	QidoSupportsIncludeField         bool           `yaml:"qido_supports_include_field"`
	ThumbnailRendering               string         `yaml:"thumbnail_rendering"` // wadors, thumbnail
	EnableStudyLazyLoad              bool           `yaml:"enable_study_lazy_load"`
	SupportsFuzzyMatching            bool           `yaml:"supports_fuzzy_matching"`
	SupportsWildcard                 bool           `yaml:"supports_wildcard"`
	StaticWado                       bool           `yaml:"static_wado"`
	Singlepart                       KindList       `yaml:"singlepart"`
	AcceptHeader                     string         `yaml:"accept_header"`
	BulkDataURI                      BulkDataURI    `yaml:"bulk_data_uri"`
	OmitQuotationForMultipartRequest bool           `yaml:"omit_quotation_for_multipart_request"`
	RequestOptions                   RequestOptions `yaml:"request_options"`
	Retry                            RetryConfig    `yaml:"retry"`
}

// BulkDataURI controls how BulkDataURI attributes are resolved
type BulkDataURI struct {
	Enabled            bool   `yaml:"enabled"`
	RelativeResolution string `yaml:"relative_resolution"` // studies, series
}

// RequestOptions carries static request decoration
type RequestOptions struct {
	Headers map[string]string `yaml:"headers"`
	Timeout time.Duration     `yaml:"timeout"`
}

// RetryConfig bounds retries of transient network failures
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// HangingProtocolSettings selects the protocol applied to the active study
type HangingProtocolSettings struct {
	ProtocolID     string       `yaml:"protocol_id"`
	Stage          string       `yaml:"stage"`
	ActiveStudyUID string       `yaml:"active_study_uid"`
	StageOptions   StageOptions `yaml:"stage_options"`
}

// StageOptions are the per-stage overrides
type StageOptions struct {
	ShowEmpty             bool `yaml:"show_empty"`
	AllowEmptyDisplaySets bool `yaml:"allow_empty_display_sets"`
}

// Hotkey binds keys to a command by name; names are resolved by the commands package
type Hotkey struct {
	CommandName    string         `yaml:"command_name"`
	Label          string         `yaml:"label"`
	Keys           []string       `yaml:"keys"`
	CommandOptions CommandOptions `yaml:"command_options"`
}

// CommandOptions are the typed options a command may carry
type CommandOptions struct {
	ToolName string `yaml:"tool_name"`
}

// KindList is a list of resource kinds. It accepts a YAML sequence or a
// comma separated scalar such as "bulkdata,video,pdf".
type KindList []models.ResourceKind

// UnmarshalYAML implements yaml.Unmarshaler
func (k *KindList) UnmarshalYAML(value *yaml.Node) error {
	var tokens []string
	switch value.Kind {
	case yaml.ScalarNode:
		if strings.TrimSpace(value.Value) != "" {
			tokens = strings.Split(value.Value, ",")
		}
	case yaml.SequenceNode:
		if err := value.Decode(&tokens); err != nil {
			return err
		}
	default:
		return fmt.Errorf("line %d: singlepart must be a string or a list", value.Line)
	}

	kinds := make(KindList, 0, len(tokens))
	for _, t := range tokens {
		kind, err := models.ParseResourceKind(t)
		if err != nil {
			return fmt.Errorf("line %d: %w", value.Line, err)
		}
		kinds = append(kinds, kind)
	}
	*k = kinds
	return nil
}

// Contains reports whether kind is in the list
func (k KindList) Contains(kind models.ResourceKind) bool {
	for _, item := range k {
		if item == kind {
			return true
		}
	}
	return false
}

// Default returns a configuration with every default applied and no data source
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Metrics: MetricsConfig{Enabled: true},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Retrieval-Class"},
		},
		Cache:                 CacheConfig{Type: "memory"},
		Audit:                 AuditConfig{LogLevel: "warn", BufferSize: 256},
		MaxNumberOfWebWorkers: 3,
		MaxNumRequests: RequestLimits{
			Interaction: 100,
			Thumbnail:   75,
			Prefetch:    25,
		},
		HangingProtocol: HangingProtocolSettings{
			ProtocolID: "@ohif/mnGrid",
			Stage:      "default",
			StageOptions: StageOptions{
				ShowEmpty:             true,
				AllowEmptyDisplaySets: true,
			},
		},
	}
}

// Load reads a YAML configuration file and validates it
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

// Parse decodes a YAML document over the defaults. Unknown fields are errors.
func Parse(r io.Reader) (*Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to decode config: %w", err)
		}
	}

	cfg.applyDataSourceDefaults()
	return cfg, nil
}

func (c *Config) applyDataSourceDefaults() {
	for i := range c.DataSources {
		ds := &c.DataSources[i]
		if ds.FriendlyName == "" {
			ds.FriendlyName = ds.Name
		}
		if ds.QidoRoot == "" {
			ds.QidoRoot = ds.WadoRoot
		}
		if ds.WadoURIRoot == "" {
			ds.WadoURIRoot = ds.WadoRoot
		}
		if ds.ThumbnailRendering == "" {
			ds.ThumbnailRendering = "wadors"
		}
		if ds.AcceptHeader == "" {
			ds.AcceptHeader = `multipart/related; type="application/octet-stream"; transfer-syntax=*`
		}
		if ds.BulkDataURI.RelativeResolution == "" {
			ds.BulkDataURI.RelativeResolution = "studies"
		}
		if ds.RequestOptions.Timeout == 0 {
			ds.RequestOptions.Timeout = 30 * time.Second
		}
		if ds.Retry.MaxAttempts == 0 {
			ds.Retry.MaxAttempts = 3
		}
		if ds.Retry.InitialInterval == 0 {
			ds.Retry.InitialInterval = 250 * time.Millisecond
		}
		if ds.Retry.MaxInterval == 0 {
			ds.Retry.MaxInterval = 4 * time.Second
		}
	}
	if c.DefaultDataSourceName == "" && len(c.DataSources) == 1 {
		c.DefaultDataSourceName = c.DataSources[0].Name
	}
}

// Validate performs strict validation on the configuration
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unsupported log level: %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		return fmt.Errorf("unsupported log format: %q (expected json or console)", c.Log.Format)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Cache.Type {
	case "memory":
	case "redis":
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr is required when cache.type is redis")
		}
	default:
		return fmt.Errorf("unsupported cache type: %q (expected memory or redis)", c.Cache.Type)
	}

	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit is enabled")
	}
	if c.Audit.BufferSize < 1 {
		return fmt.Errorf("audit.buffer_size must be positive, got %d", c.Audit.BufferSize)
	}

	if c.MaxNumberOfWebWorkers < 1 {
		return fmt.Errorf("max_number_of_web_workers must be at least 1, got %d", c.MaxNumberOfWebWorkers)
	}
	for _, class := range models.RequestClasses {
		if n := c.MaxNumRequests.For(class); n < 1 {
			return fmt.Errorf("max_num_requests.%s must be at least 1, got %d", class, n)
		}
	}

	if len(c.DataSources) == 0 {
		return fmt.Errorf("no data sources defined")
	}
	seen := make(map[string]bool)
	for i := range c.DataSources {
		ds := &c.DataSources[i]
		if err := ds.Validate(); err != nil {
			return fmt.Errorf("data_sources[%d]: %w", i, err)
		}
		if seen[ds.Name] {
			return fmt.Errorf("duplicate data source name %q", ds.Name)
		}
		seen[ds.Name] = true
	}
	if _, err := c.DataSource(c.DefaultDataSourceName); err != nil {
		return fmt.Errorf("default_data_source_name: %w", err)
	}

	if c.HangingProtocol.ProtocolID == "" {
		return fmt.Errorf("hanging_protocol_settings.protocol_id is required")
	}

	for i, hk := range c.Hotkeys {
		if hk.CommandName == "" {
			return fmt.Errorf("hotkeys[%d]: command_name is required", i)
		}
		if len(hk.Keys) == 0 {
			return fmt.Errorf("hotkeys[%d] (%s): at least one key is required", i, hk.CommandName)
		}
	}

	return nil
}

// Validate checks a single data source
func (d *DataSource) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("name is required")
	}
	for field, root := range map[string]string{
		"wado_root":     d.WadoRoot,
		"qido_root":     d.QidoRoot,
		"wado_uri_root": d.WadoURIRoot,
	} {
		if root == "" {
			return fmt.Errorf("%s is required", field)
		}
		u, err := url.Parse(root)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%s must be an http(s) URL, got %q", field, root)
		}
	}
	if d.ThumbnailRendering != "wadors" && d.ThumbnailRendering != "thumbnail" {
		return fmt.Errorf("unsupported thumbnail_rendering %q (expected wadors or thumbnail)", d.ThumbnailRendering)
	}
	for _, k := range d.Singlepart {
		if k.IsJSON() {
			return fmt.Errorf("singlepart cannot include JSON resource kind %q", k)
		}
	}
	if r := d.BulkDataURI.RelativeResolution; r != "studies" && r != "series" {
		return fmt.Errorf("unsupported bulk_data_uri.relative_resolution %q (expected studies or series)", r)
	}
	if d.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if d.Retry.MaxInterval < d.Retry.InitialInterval {
		return fmt.Errorf("retry.max_interval must not be below retry.initial_interval")
	}
	return nil
}

// DataSource returns the data source with the given name
func (c *Config) DataSource(name string) (*DataSource, error) {
	for i := range c.DataSources {
		if c.DataSources[i].Name == name {
			return &c.DataSources[i], nil
		}
	}
	return nil, fmt.Errorf("unknown data source %q", name)
}

// DefaultDataSource returns the data source selected by default_data_source_name
func (c *Config) DefaultDataSource() (*DataSource, error) {
	return c.DataSource(c.DefaultDataSourceName)
}
