package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a non-negative Go duration; "" yields 0.
// path names the field in error messages.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Timeouts returns connect, write and read timeouts. Zero means "use the
// transport default".
func (t TransportConfig) Timeouts() (connect, write, read time.Duration, err error) {
	if connect, err = ParseDurationField("transport.connect_timeout", t.ConnectTimeout); err != nil {
		return
	}
	if write, err = ParseDurationField("transport.write_timeout", t.WriteTimeout); err != nil {
		return
	}
	read, err = ParseDurationField("transport.read_timeout", t.ReadTimeout)
	return
}
