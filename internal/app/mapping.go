package app

import (
	"strings"
	"time"

	"uploadcast/internal/config"
	"uploadcast/internal/metrics"
	"uploadcast/internal/storage"
	"uploadcast/internal/transport"
	logx "uploadcast/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, false, err
	}
	return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy}, true, nil
}

func mapTransportOptions(cfg *config.Config, log logx.Logger) (transport.Options, error) {
	connect, write, read, err := cfg.Transport.Timeouts()
	if err != nil {
		return transport.Options{}, err
	}
	return transport.Options{
		ConnectTimeout: connect,
		WriteTimeout:   write,
		ReadTimeout:    read,
		UserAgent:      strings.TrimSpace(cfg.Transport.UserAgent),
		Log:            log,
	}, nil
}

func mapMetricsConfig(cfg *config.Config) (metrics.ServerConfig, error) {
	mc := cfg.Metrics
	rt, err := config.ParseDurationOrDefault("metrics.read_timeout", mc.ReadTimeout, 10*time.Second)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	wt, err := config.ParseDurationOrDefault("metrics.write_timeout", mc.WriteTimeout, 30*time.Second)
	if err != nil {
		return metrics.ServerConfig{}, err
	}
	return metrics.ServerConfig{
		Enabled:       mc.Enabled,
		Addr:          strings.TrimSpace(mc.Addr),
		Path:          strings.TrimSpace(mc.Path),
		Token:         strings.TrimSpace(mc.Token),
		AllowInsecure: mc.AllowInsecure,
		Pprof:         mc.Pprof,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
	}, nil
}

// seedProfile builds the first profile from the config file.
func seedProfile(cfg *config.Config) config.Profile {
	l := cfg.Uploads.Limits()
	p := config.Profile{
		MaxConcurrentUploads: l.MaxConcurrentUploads,
		MaxRetryAttempts:     l.MaxRetryAttempts,
		Endpoints:            make([]config.EndpointConfig, 0, len(cfg.Endpoints)),
	}
	for _, ec := range cfg.Endpoints {
		if strings.TrimSpace(ec.ID) == "" {
			ec.ID = newEndpointID()
		}
		p.Endpoints = append(p.Endpoints, ec)
	}
	return p
}
