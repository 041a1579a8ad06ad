package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// LookupFunc resolves an environment variable
type LookupFunc func(key string) (string, bool)

// LoadEnvFile loads a dotenv file into the process environment. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays VIEWER_* variables. Archive overrides apply to the
// default data source.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	if v, ok := lookup("VIEWER_LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := lookup("VIEWER_LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	if v, ok := lookup("VIEWER_SERVER_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("VIEWER_SERVER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("VIEWER_REDIS_ADDR"); ok {
		c.Cache.Type = "redis"
		c.Cache.Redis.Addr = v
	}
	if v, ok := lookup("VIEWER_REDIS_PASSWORD"); ok {
		c.Cache.Redis.Password = v
	}
	if v, ok := lookup("VIEWER_AUDIT_DSN"); ok {
		c.Audit.Enabled = true
		c.Audit.DSN = v
	}

	root, hasRoot := lookup("VIEWER_ARCHIVE_ROOT")
	auth, hasAuth := lookup("VIEWER_ARCHIVE_AUTHORIZATION")
	if !hasRoot && !hasAuth {
		return nil
	}
	ds, err := c.DefaultDataSource()
	if err != nil {
		return fmt.Errorf("archive overrides need a default data source: %w", err)
	}
	if hasRoot {
		ds.WadoRoot = root
		ds.QidoRoot = root
		ds.WadoURIRoot = root
	}
	if hasAuth {
		if ds.RequestOptions.Headers == nil {
			ds.RequestOptions.Headers = make(map[string]string)
		}
		ds.RequestOptions.Headers["Authorization"] = auth
	}
	return nil
}
