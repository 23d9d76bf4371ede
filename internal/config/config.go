// Package config loads the configuration file of the kvmirror command.
//
// The file is TOML or YAML, chosen by extension. Durations are written as
// strings such as "1s" or "500ms". A label left out of a selector or watch
// entry is the null label; label = "" is the empty label.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/yacchi/kvmirror"
	"github.com/yacchi/kvmirror/internal/logging"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/types"
	"gopkg.in/yaml.v3"
)

// Source types accepted in [source].type.
const (
	SourceMemory        = "memory"
	SourceFS            = "fs"
	SourceSSM           = "ssm"
	SourceS3            = "s3"
	SourceCloudFrontKVS = "cloudfront-kvs"
)

// DefaultDebounce is the debounce delay used when none is configured.
const DefaultDebounce = 100 * time.Millisecond

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the root of the configuration file.
type Config struct {
	Source       SourceConfig   `toml:"source" yaml:"source"`
	Retry        RetryConfig    `toml:"retry" yaml:"retry"`
	Select       []SelectConfig `toml:"select" yaml:"select"`
	Watch        []WatchConfig  `toml:"watch" yaml:"watch"`
	PollInterval Duration       `toml:"poll-interval" yaml:"poll-interval"`
	Debounce     Duration       `toml:"debounce" yaml:"debounce"`
	StopOnError  bool           `toml:"stop-on-error" yaml:"stop-on-error"`
	Log          LogConfig      `toml:"log" yaml:"log"`
	Metrics      MetricsConfig  `toml:"metrics" yaml:"metrics"`
}

// SourceConfig selects and configures the remote store.
type SourceConfig struct {
	Type    string        `toml:"type" yaml:"type"`
	Path    string        `toml:"path" yaml:"path"`
	Bucket  string        `toml:"bucket" yaml:"bucket"`
	Root    string        `toml:"root" yaml:"root"`
	ARN     string        `toml:"arn" yaml:"arn"`
	Region  string        `toml:"region" yaml:"region"`
	Decrypt bool          `toml:"decrypt" yaml:"decrypt"`
	Entries []EntryConfig `toml:"entries" yaml:"entries"`
}

// EntryConfig seeds a memory source.
type EntryConfig struct {
	Key   string  `toml:"key" yaml:"key"`
	Label *string `toml:"label" yaml:"label"`
	Value string  `toml:"value" yaml:"value"`
}

// RetryConfig is the retry policy of remote calls.
type RetryConfig struct {
	MaxRetries *int     `toml:"max-retries" yaml:"max-retries"`
	MinBackoff Duration `toml:"min-backoff" yaml:"min-backoff"`
	MaxBackoff Duration `toml:"max-backoff" yaml:"max-backoff"`
}

// SelectConfig is one selector loaded at startup.
type SelectConfig struct {
	KeyPrefix string  `toml:"key-prefix" yaml:"key-prefix"`
	Label     *string `toml:"label" yaml:"label"`
}

// WatchConfig is one watch target: either a key or a prefix.
type WatchConfig struct {
	Key          string   `toml:"key" yaml:"key"`
	Prefix       *string  `toml:"prefix" yaml:"prefix"`
	Label        *string  `toml:"label" yaml:"label"`
	PollInterval Duration `toml:"poll-interval" yaml:"poll-interval"`
}

// IsPrefix reports whether the entry watches a prefix.
func (w WatchConfig) IsPrefix() bool {
	return w.Prefix != nil
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `toml:"addr" yaml:"addr"`
}

// Load reads the file at path, applies the environment overrides described
// at EnvPrefix, then defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, os.Environ()); err != nil {
		return nil, err
	}
	return finish(cfg)
}

func formatOf(path string) (string, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return "toml", nil
	case ".yaml", ".yml":
		return "yaml", nil
	default:
		return "", fmt.Errorf("%w: unsupported config extension %q", ErrInvalid, ext)
	}
}

// Parse decodes data in the given format ("toml" or "yaml"), applies
// defaults and validates the result.
func Parse(data []byte, format string) (*Config, error) {
	cfg, err := decode(data, format)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

func decode(data []byte, format string) (*Config, error) {
	var cfg Config
	switch format {
	case "toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalid, undecoded)
		}
	case "yaml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrInvalid, format)
	}
	return &cfg, nil
}

func finish(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Source.Type == "" {
		c.Source.Type = SourceFS
	}
	if c.Retry.MaxRetries == nil {
		n := retry.DefaultMaxRetries
		c.Retry.MaxRetries = &n
	}
	if c.Retry.MinBackoff.Duration == 0 {
		c.Retry.MinBackoff.Duration = retry.DefaultMinBackoff
	}
	if c.Retry.MaxBackoff.Duration == 0 {
		c.Retry.MaxBackoff.Duration = max(retry.DefaultMaxBackoff, c.Retry.MinBackoff.Duration)
	}
	if c.PollInterval.Duration == 0 {
		c.PollInterval.Duration = 30 * time.Second
	}
	if c.Debounce.Duration == 0 {
		c.Debounce.Duration = DefaultDebounce
	}
	if len(c.Select) == 0 {
		c.Select = []SelectConfig{{}}
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = logging.FormatConsole
	}
}

// Validate returns every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Source.Type {
	case SourceMemory:
		for i, e := range c.Source.Entries {
			if e.Key == "" {
				add("source.entries[%d]: key is empty", i)
			}
		}
	case SourceFS:
		if c.Source.Path == "" {
			add("source.path is required for the fs source")
		}
	case SourceSSM:
	case SourceS3:
		if c.Source.Bucket == "" {
			add("source.bucket is required for the s3 source")
		}
	case SourceCloudFrontKVS:
		if c.Source.ARN == "" {
			add("source.arn is required for the cloudfront-kvs source")
		}
	default:
		add("unknown source type %q", c.Source.Type)
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		add("retry: %v", err)
	}
	if c.PollInterval.Duration < 0 {
		add("poll-interval %v is negative", c.PollInterval.Duration)
	}
	if c.Debounce.Duration < 0 {
		add("debounce %v is negative", c.Debounce.Duration)
	}

	for i, w := range c.Watch {
		switch {
		case w.Key != "" && w.IsPrefix():
			add("watch[%d]: key and prefix are exclusive", i)
		case w.Key == "" && !w.IsPrefix():
			add("watch[%d]: key or prefix is required", i)
		}
	}
	keys, prefixes := c.WatchTargets()
	wcfg := kvmirror.StoreWatchConfig{Keys: keys, Prefixes: prefixes}
	if err := wcfg.Validate(); err != nil {
		add("%v", err)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}
	if !logging.ValidFormat(c.Log.Format) {
		add("log.format %q is not console or json", c.Log.Format)
	}
	return errors.Join(errs...)
}

// RetryPolicy returns the configured retry policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.Policy{
		MinBackoff: c.Retry.MinBackoff.Duration,
		MaxBackoff: c.Retry.MaxBackoff.Duration,
	}
	if c.Retry.MaxRetries != nil {
		p.MaxRetries = *c.Retry.MaxRetries
	}
	return p
}

// Selectors returns the load selectors.
func (c *Config) Selectors() []kvmirror.Selector {
	out := make([]kvmirror.Selector, 0, len(c.Select))
	for _, s := range c.Select {
		out = append(out, kvmirror.Selector{
			KeyPrefix: s.KeyPrefix,
			Label:     types.LabelFromPtr(s.Label),
		})
	}
	return out
}

// WatchTargets splits the watch entries into keys and prefixes.
// Entries naming both or neither are skipped; Validate reports them.
func (c *Config) WatchTargets() ([]kvmirror.KeyWatch, []kvmirror.PrefixWatch) {
	var (
		keys     []kvmirror.KeyWatch
		prefixes []kvmirror.PrefixWatch
	)
	for _, w := range c.Watch {
		label := types.LabelFromPtr(w.Label)
		switch {
		case w.Key != "" && !w.IsPrefix():
			keys = append(keys, kvmirror.KeyWatch{Key: w.Key, Label: label, PollInterval: w.PollInterval.Duration})
		case w.Key == "" && w.IsPrefix():
			prefixes = append(prefixes, kvmirror.PrefixWatch{Prefix: *w.Prefix, Label: label, PollInterval: w.PollInterval.Duration})
		}
	}
	return keys, prefixes
}

// Entries returns the memory source seed.
func (c *Config) Entries() []types.KeyValue {
	out := make([]types.KeyValue, 0, len(c.Source.Entries))
	for _, e := range c.Source.Entries {
		value := e.Value
		out = append(out, types.KeyValue{
			Key:   e.Key,
			Label: types.LabelFromPtr(e.Label),
			Value: &value,
		})
	}
	return out
}
