package config

import (
	"fmt"
	"strconv"
	"strings"
)

// EnvPrefix prefixes the environment variables that override scalar values
// of the file read by Load. The rest of the name is the lowercased path with
// "_" for both nesting and "-": KVMIRROR_LOG_LEVEL sets log.level and
// KVMIRROR_POLL_INTERVAL sets poll-interval. Unknown names are ignored.
const EnvPrefix = "KVMIRROR_"

var envFields = map[string]func(c *Config, v string) error{
	"source_type":   func(c *Config, v string) error { c.Source.Type = v; return nil },
	"source_path":   func(c *Config, v string) error { c.Source.Path = v; return nil },
	"source_bucket": func(c *Config, v string) error { c.Source.Bucket = v; return nil },
	"source_root":   func(c *Config, v string) error { c.Source.Root = v; return nil },
	"source_arn":    func(c *Config, v string) error { c.Source.ARN = v; return nil },
	"source_region": func(c *Config, v string) error { c.Source.Region = v; return nil },
	"source_decrypt": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Source.Decrypt = b
		return err
	},
	"poll_interval": func(c *Config, v string) error { return c.PollInterval.UnmarshalText([]byte(v)) },
	"debounce":      func(c *Config, v string) error { return c.Debounce.UnmarshalText([]byte(v)) },
	"stop_on_error": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.StopOnError = b
		return err
	},
	"log_level":    func(c *Config, v string) error { c.Log.Level = v; return nil },
	"log_format":   func(c *Config, v string) error { c.Log.Format = v; return nil },
	"metrics_addr": func(c *Config, v string) error { c.Metrics.Addr = v; return nil },
}

// applyEnv overrides cfg with the EnvPrefix variables of environ, given in
// os.Environ form.
func applyEnv(cfg *Config, environ []string) error {
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		set, ok := envFields[strings.ToLower(strings.TrimPrefix(name, EnvPrefix))]
		if !ok {
			continue
		}
		if err := set(cfg, value); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	return nil
}
