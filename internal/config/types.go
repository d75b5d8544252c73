package config

import (
	"strings"

	"uploadcast/internal/upload"
	logx "uploadcast/pkg/logx"
)

// Config is the on-disk application configuration (JSON or YAML).
type Config struct {
	Uploads   UploadsConfig    `json:"uploads"`
	Transport TransportConfig  `json:"transport,omitempty"`
	Endpoints []EndpointConfig `json:"endpoints,omitempty" validate:"dive"`
	Logging   LoggingConfig    `json:"logging"`
	Storage   *StorageConfig   `json:"storage,omitempty"`
	Metrics   MetricsConfig    `json:"metrics,omitempty"`
}

// UploadsConfig holds the engine limits.
//
// Defaults (when fields are omitted/zero):
//   - max_concurrent_uploads: 3
//   - max_retry_attempts: 2 (explicit 0 disables retries)
//   - rate_per_sec: 0 (unlimited)
//   - queue_size: 64
type UploadsConfig struct {
	MaxConcurrentUploads int  `json:"max_concurrent_uploads,omitempty" validate:"omitempty,min=1,max=10"`
	MaxRetryAttempts     *int `json:"max_retry_attempts,omitempty" validate:"omitempty,min=0,max=5"`
	RatePerSec           int  `json:"rate_per_sec,omitempty" validate:"min=0"`
	QueueSize            int  `json:"queue_size,omitempty" validate:"min=0"`
}

// Limits resolves defaults into engine limits.
func (u UploadsConfig) Limits() upload.Limits {
	l := upload.DefaultLimits()
	if u.MaxConcurrentUploads > 0 {
		l.MaxConcurrentUploads = u.MaxConcurrentUploads
	}
	if u.MaxRetryAttempts != nil {
		l.MaxRetryAttempts = *u.MaxRetryAttempts
	}
	l.RatePerSec = u.RatePerSec
	return l
}

// TransportConfig holds HTTP timeouts as Go duration strings.
type TransportConfig struct {
	ConnectTimeout string `json:"connect_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout   string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
	ReadTimeout    string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// EndpointConfig is the serialized form of an endpoint, shared by the
// config file, profile files and the profile store.
type EndpointConfig struct {
	ID   string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name string     `json:"name" yaml:"name"`
	URL  string     `json:"url" yaml:"url" validate:"required,http_url"`
	Auth AuthConfig `json:"auth,omitempty" yaml:"auth,omitempty"`
}

type AuthConfig struct {
	Type     string `json:"type,omitempty" yaml:"type,omitempty" validate:"omitempty,oneof=none bearer basic basic_base64"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Endpoint converts c into an engine endpoint.
func (c EndpointConfig) Endpoint() (upload.Endpoint, error) {
	kind, err := upload.ParseAuthKind(c.Auth.Type)
	if err != nil {
		return upload.Endpoint{}, err
	}
	return upload.Endpoint{
		ID:   strings.TrimSpace(c.ID),
		Name: strings.TrimSpace(c.Name),
		URL:  strings.TrimSpace(c.URL),
		Auth: upload.Auth{Kind: kind, Token: c.Auth.Token, Username: c.Auth.Username, Password: c.Auth.Password},
	}, nil
}

// FromEndpoint is the inverse of EndpointConfig.Endpoint.
func FromEndpoint(ep upload.Endpoint) EndpointConfig {
	t := string(ep.Auth.Kind)
	if ep.Auth.Kind == upload.AuthNone || ep.Auth.Kind == "" {
		t = ""
	}
	return EndpointConfig{
		ID:   ep.ID,
		Name: ep.Name,
		URL:  ep.URL,
		Auth: AuthConfig{Type: t, Token: ep.Auth.Token, Username: ep.Auth.Username, Password: ep.Auth.Password},
	}
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error TRACE DEBUG INFO WARN WARNING ERROR"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls where the endpoint profile is persisted.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./uploadcast.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty" validate:"omitempty,duration"` // sqlite
}

// MetricsConfig controls the optional Prometheus endpoint.
//
// Prefer a loopback addr; a non-loopback bind needs a token or
// allow_insecure.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	Path          string `json:"path,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	ReadTimeout   string `json:"read_timeout,omitempty" validate:"omitempty,duration"`
	WriteTimeout  string `json:"write_timeout,omitempty" validate:"omitempty,duration"`
}

// Default returns the config written on first start.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: &StorageConfig{Driver: "file", Path: "./uploadcast_profile.json"},
		Metrics: MetricsConfig{Addr: "127.0.0.1:9464"},
	}
}

// LogConfig maps the logging section onto logx.
func (l LoggingConfig) LogConfig() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File:    logx.FileConfig{Enabled: l.File.Enabled, Path: l.File.Path},
	}
}
