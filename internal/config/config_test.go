package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"uploadcast/internal/upload"
	logx "uploadcast/pkg/logx"
)

const sampleYAML = `
uploads:
  max_concurrent_uploads: 5
  max_retry_attempts: 0
transport:
  read_timeout: 90s
endpoints:
  - id: a
    name: alpha
    url: https://a.example.com/upload
    auth: {type: bearer, token: abc}
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./uc.db
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestParseYAML(t *testing.T) {
	m := NewConfigManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.Same(t, cfg, m.Get())

	l := cfg.Uploads.Limits()
	require.Equal(t, 5, l.MaxConcurrentUploads)
	require.Equal(t, 0, l.MaxRetryAttempts, "explicit zero disables retries")

	_, _, read, err := cfg.Transport.Timeouts()
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, read)

	ep, err := cfg.Endpoints[0].Endpoint()
	require.NoError(t, err)
	require.Equal(t, upload.AuthBearer, ep.Auth.Kind)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
}

func TestLimitsDefaults(t *testing.T) {
	require.Equal(t, upload.DefaultLimits(), UploadsConfig{}.Limits())
}

func TestParseRejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":   `{"uploads":{},"logging":{},"bogus":1}`,
		"trailing data":   `{"logging":{}}{"logging":{}}`,
		"too many":        `{"uploads":{"max_concurrent_uploads":11},"logging":{}}`,
		"too many retry":  `{"uploads":{"max_retry_attempts":6},"logging":{}}`,
		"bad url":         `{"endpoints":[{"name":"x","url":"not a url"}],"logging":{}}`,
		"bad auth":        `{"endpoints":[{"name":"x","url":"http://x","auth":{"type":"digest"}}],"logging":{}}`,
		"bad duration":    `{"transport":{"read_timeout":"soon"},"logging":{}}`,
		"dup endpoint id": `{"endpoints":[{"id":"a","url":"http://x"},{"id":"a","url":"http://y"}],"logging":{}}`,
		"storage no path": `{"storage":{"driver":"file"},"logging":{}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewConfigManager(writeFile(t, "c.json", body)).Parse()
			require.Error(t, err)
		})
	}
}

func TestValidateNamesField(t *testing.T) {
	n := 9
	err := Validate(&Config{Uploads: UploadsConfig{MaxRetryAttempts: &n}})
	require.ErrorContains(t, err, "uploads.max_retry_attempts")
}

func TestEnsureFileWritesDefault(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "config.yaml")
	m := NewConfigManager(p)
	created, err := m.EnsureFile()
	require.NoError(t, err)
	require.True(t, created)

	cfg, err := m.Load()
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)

	created, err = m.EnsureFile()
	require.NoError(t, err)
	require.False(t, created)
}

func TestSubscribeKeepsLatest(t *testing.T) {
	m := NewConfigManager("unused.json")
	ch := m.Subscribe(1)
	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b)
	require.Same(t, b, <-ch)
	m.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)
}

func TestWatchPublishesChanges(t *testing.T) {
	p := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatchRejectsViaValidator(t *testing.T) {
	p := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(context.Context, *Config) error { return context.DeadlineExceeded })

	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"warn"}}`), 0o600))
	m.reload(context.Background())
	require.Equal(t, "info", m.Get().Logging.Level)
}

func TestSummarizeConfigChange(t *testing.T) {
	old := Default()
	neu := Default()
	neu.Uploads.MaxConcurrentUploads = 7
	neu.Metrics.Token = "secret"
	neu.Endpoints = []EndpointConfig{{URL: "http://x"}}

	changed, attrs := SummarizeConfigChange(old, neu)
	require.Equal(t, []string{"endpoints", "metrics", "uploads"}, changed)
	require.NotEmpty(t, attrs)

	changed, _ = SummarizeConfigChange(old, Default())
	require.Empty(t, changed)
}
