package config_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/yacchi/kvmirror/internal/config"
	"github.com/yacchi/kvmirror/retry"
	"github.com/yacchi/kvmirror/types"
	"go.uber.org/zap/zaptest"
)

const tomlConfig = `
poll-interval = "5s"

[source]
type = "fs"
path = "settings.yaml"

[retry]
max-retries = 0
min-backoff = "200ms"
max-backoff = "2s"

[[select]]
key-prefix = "app/"

[[select]]
key-prefix = ""
label = "prod"

[[watch]]
key = "Settings:BackgroundColor"
poll-interval = "1s"

[[watch]]
prefix = "app/"
label = ""

[log]
level = "debug"
format = "json"

[metrics]
addr = ":9090"
`

const yamlConfig = `
source:
  type: s3
  bucket: my-bucket
  root: settings/
watch:
  - prefix: ""
    poll-interval: 10s
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_TOML(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "kvmirror.toml", tomlConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source.Type != config.SourceFS || cfg.Source.Path != "settings.yaml" {
		t.Errorf("Source = %+v", cfg.Source)
	}
	wantPolicy := retry.Policy{MaxRetries: 0, MinBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}
	if got := cfg.RetryPolicy(); got != wantPolicy {
		t.Errorf("RetryPolicy() = %+v, want %+v", got, wantPolicy)
	}
	if cfg.PollInterval.Duration != 5*time.Second {
		t.Errorf("PollInterval = %v, want 5s", cfg.PollInterval)
	}
	if cfg.Debounce.Duration != config.DefaultDebounce {
		t.Errorf("Debounce = %v, want default", cfg.Debounce)
	}

	sels := cfg.Selectors()
	if len(sels) != 2 {
		t.Fatalf("Selectors() = %+v, want 2", sels)
	}
	if sels[0].KeyPrefix != "app/" || !sels[0].Label.IsNull() {
		t.Errorf("Selectors()[0] = %+v", sels[0])
	}
	if sels[1].Label != types.LabelOf("prod") {
		t.Errorf("Selectors()[1].Label = %v, want prod", sels[1].Label)
	}

	keys, prefixes := cfg.WatchTargets()
	if len(keys) != 1 || keys[0].Key != "Settings:BackgroundColor" || keys[0].PollInterval != time.Second {
		t.Errorf("keys = %+v", keys)
	}
	if len(prefixes) != 1 || prefixes[0].Prefix != "app/" || prefixes[0].Label != types.LabelOf("") {
		t.Errorf("prefixes = %+v, want app/ with the empty label", prefixes)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" || cfg.Metrics.Addr != ":9090" {
		t.Errorf("Log = %+v, Metrics = %+v", cfg.Log, cfg.Metrics)
	}
}

func TestLoad_YAMLDefaults(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "kvmirror.yml", yamlConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Source.Bucket != "my-bucket" || cfg.Source.Root != "settings/" {
		t.Errorf("Source = %+v", cfg.Source)
	}
	if got := cfg.RetryPolicy(); got != retry.DefaultPolicy() {
		t.Errorf("RetryPolicy() = %+v, want default", got)
	}
	if sels := cfg.Selectors(); len(sels) != 1 || sels[0].KeyPrefix != "" || !sels[0].Label.IsNull() {
		t.Errorf("Selectors() = %+v, want one selector for everything", sels)
	}
	_, prefixes := cfg.WatchTargets()
	if len(prefixes) != 1 || prefixes[0].Prefix != "" || prefixes[0].PollInterval != 10*time.Second {
		t.Errorf("prefixes = %+v", prefixes)
	}
	if cfg.Log.Level != "info" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v, want info/console", cfg.Log)
	}
}

func TestParse_MemoryEntries(t *testing.T) {
	cfg, err := config.Parse([]byte(`
[source]
type = "memory"

[[source.entries]]
key = "color"
value = "blue"

[[source.entries]]
key = "color"
label = "prod"
value = "red"
`), "toml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	entries := cfg.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries() = %+v", entries)
	}
	if !entries[0].Label.IsNull() || entries[0].StringValue() != "blue" {
		t.Errorf("entries[0] = %+v", entries[0])
	}
	if entries[1].Label != types.LabelOf("prod") || entries[1].StringValue() != "red" {
		t.Errorf("entries[1] = %+v", entries[1])
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name      string
		format    string
		data      string
		wantCount int
	}{
		{
			name:   "many problems",
			format: "toml",
			data: `
[source]
type = "s3"

[retry]
min-backoff = "5s"
max-backoff = "1s"

[[watch]]
key = "a"
prefix = "b"

[[watch]]
label = "prod"

[[watch]]
prefix = "app/*"

[log]
level = "loud"
format = "xml"
`,
			wantCount: 7,
		},
		{
			name:      "unknown source",
			format:    "yaml",
			data:      "source:\n  type: etcd\n",
			wantCount: 1,
		},
		{
			name:      "fs without path",
			format:    "yaml",
			data:      "source:\n  type: fs\n",
			wantCount: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Parse([]byte(tt.data), tt.format)
			if !errors.Is(err, config.ErrInvalid) {
				t.Fatalf("Parse() error = %v, want ErrInvalid", err)
			}
			joined, ok := err.(interface{ Unwrap() []error })
			if !ok {
				t.Fatalf("Parse() error is not joined: %v", err)
			}
			if got := len(joined.Unwrap()); got != tt.wantCount {
				t.Errorf("got %d problems, want %d:\n%v", got, tt.wantCount, err)
			}
		})
	}
}

func TestParse_SyntaxErrors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		data   string
	}{
		{"bad duration", "toml", "poll-interval = \"soon\"\n[source]\npath = \"x\"\n"},
		{"unknown toml key", "toml", "[source]\npath = \"x\"\ncolour = \"red\"\n"},
		{"unknown yaml key", "yaml", "source:\n  path: x\n  colour: red\n"},
		{"unknown format", "json", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := config.Parse([]byte(tt.data), tt.format); err == nil {
				t.Error("Parse() error = nil")
			}
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want ErrNotExist", err)
	}
	if _, err := config.Load(writeFile(t, "kvmirror.ini", "")); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Load(.ini) error = %v, want ErrInvalid", err)
	}
}

func TestWatchFile(t *testing.T) {
	path := writeFile(t, "kvmirror.toml", "[source]\npath = \"a.yaml\"\n")
	ctx, cancel := context.WithCancel(context.Background())

	changed, err := config.WatchFile(ctx, path, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("WatchFile() error = %v", err)
	}

	// Other files in the directory are ignored.
	if err := os.WriteFile(filepath.Join(filepath.Dir(path), "other.toml"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	select {
	case <-changed:
		t.Fatal("event for an unrelated file")
	case <-time.After(100 * time.Millisecond):
	}

	// Replace by rename, as editors do.
	tmp := filepath.Join(filepath.Dir(path), ".kvmirror.toml.tmp")
	if err := os.WriteFile(tmp, []byte("[source]\npath = \"b.yaml\"\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("Rename() error = %v", err)
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for change")
	}

	cancel()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-changed:
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("channel not closed after cancel")
		}
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("KVMIRROR_LOG_LEVEL", "warn")
	t.Setenv("KVMIRROR_SOURCE_REGION", "eu-west-1")
	t.Setenv("KVMIRROR_POLL_INTERVAL", "2s")
	t.Setenv("KVMIRROR_STOP_ON_ERROR", "true")
	t.Setenv("KVMIRROR_UNRELATED", "ignored")

	cfg, err := config.Load(writeFile(t, "kvmirror.yml", yamlConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "warn" || cfg.Source.Region != "eu-west-1" {
		t.Errorf("Log = %+v, Source = %+v", cfg.Log, cfg.Source)
	}
	if cfg.PollInterval.Duration != 2*time.Second || !cfg.StopOnError {
		t.Errorf("PollInterval = %v, StopOnError = %v", cfg.PollInterval, cfg.StopOnError)
	}
	if cfg.Source.Bucket != "my-bucket" {
		t.Errorf("Source.Bucket = %q, want the file value", cfg.Source.Bucket)
	}
}

func TestLoad_EnvInvalid(t *testing.T) {
	t.Setenv("KVMIRROR_DEBOUNCE", "later")
	if _, err := config.Load(writeFile(t, "kvmirror.yml", yamlConfig)); !errors.Is(err, config.ErrInvalid) {
		t.Errorf("Load() error = %v, want ErrInvalid", err)
	}

	// Parse does not read the environment.
	if _, err := config.Parse([]byte(yamlConfig), "yaml"); err != nil {
		t.Errorf("Parse() error = %v", err)
	}
}
