package transport

import (
	"net/http"
	"time"

	logx "uploadcast/pkg/logx"
)

const (
	DefaultConnectTimeout = 30 * time.Second
	DefaultWriteTimeout   = 60 * time.Second
	DefaultReadTimeout    = 60 * time.Second

	// FormField is the multipart field carrying the file.
	FormField = "file"

	maxBodyBytes = 4 << 10
)

// Options configures a Client. Zero durations fall back to the defaults.
type Options struct {
	ConnectTimeout time.Duration
	// WriteTimeout and ReadTimeout bound each single I/O operation on the
	// connection, not the whole request.
	WriteTimeout time.Duration
	ReadTimeout  time.Duration
	UserAgent    string
	Log          logx.Logger

	// RoundTripper replaces the built-in transport. Timeouts do not apply.
	RoundTripper http.RoundTripper
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}
	if o.UserAgent == "" {
		o.UserAgent = "uploadcast"
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	return o
}
