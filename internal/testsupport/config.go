package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"parcel/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// Delivery runs dry and jitter is disabled unless an option says otherwise.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.OutputDir = filepath.Join(base, "output")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Delivery.DryRun = true
	cfgVal.Delivery.JitterLow = 0
	cfgVal.Delivery.JitterHigh = 0
	cfgVal.Metrics.Bind = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	if err := builder.cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return builder.cfg
}

// WithMaxPartBytes overrides the split threshold.
func WithMaxPartBytes(n int64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Archive.MaxPartBytes = n
	}
}

// WithJitter overrides the delivery jitter window.
func WithJitter(low, high int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Delivery.JitterLow = low
		b.cfg.Delivery.JitterHigh = high
	}
}

// WithTreeSource adds a tree source rooted under the temp directory and
// creates one directory per category.
func WithTreeSource(name string, reclaim bool, categories ...string) ConfigOption {
	return func(b *configBuilder) {
		root := filepath.Join(b.baseDir, name)
		for _, category := range categories {
			if err := os.MkdirAll(filepath.Join(root, category), 0o755); err != nil {
				b.t.Fatalf("mkdir category %s: %v", category, err)
			}
		}
		b.cfg.Sources = append(b.cfg.Sources, config.Source{
			Name:          name,
			Kind:          config.SourceKindTree,
			Root:          root,
			Categories:    categories,
			Period:        "day",
			Schedule:      "0 0 * * *",
			Subject:       "{source} {category} {label}",
			ReclaimSource: reclaim,
		})
	}
}

// WithSMTP points the dispatch client at a relay and disables dry run.
func WithSMTP(host string, port int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Delivery.DryRun = false
		b.cfg.SMTP.Host = host
		b.cfg.SMTP.Port = port
		b.cfg.SMTP.From = "parcel@example.com"
		b.cfg.SMTP.To = "archive@example.com"
		b.cfg.SMTP.Auth = "none"
		b.cfg.SMTP.TLSPolicy = "none"
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.OutputDir)
}
