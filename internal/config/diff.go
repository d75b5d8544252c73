package config

import (
	"reflect"
	"sort"
	"strings"

	logx "uploadcast/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// log attrs for them. Tokens and passwords are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	oL, nL := oldCfg.Uploads.Limits(), newCfg.Uploads.Limits()
	if oL != nL || oldCfg.Uploads.QueueSize != newCfg.Uploads.QueueSize {
		changed = append(changed, "uploads")
		attrs = append(attrs,
			logx.Int("uploads.max_concurrent_uploads", nL.MaxConcurrentUploads),
			logx.Int("uploads.max_retry_attempts", nL.MaxRetryAttempts),
			logx.Int("uploads.rate_per_sec", nL.RatePerSec),
			logx.Int("uploads.queue_size", newCfg.Uploads.QueueSize),
		)
	}

	if oldCfg.Transport != newCfg.Transport {
		changed = append(changed, "transport")
		attrs = append(attrs,
			logx.String("transport.connect_timeout", strings.TrimSpace(newCfg.Transport.ConnectTimeout)),
			logx.String("transport.write_timeout", strings.TrimSpace(newCfg.Transport.WriteTimeout)),
			logx.String("transport.read_timeout", strings.TrimSpace(newCfg.Transport.ReadTimeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Endpoints, newCfg.Endpoints) {
		changed = append(changed, "endpoints")
		attrs = append(attrs, logx.Int("endpoints.count", len(newCfg.Endpoints)))
	}

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Nil storage means disabled.
	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	oM, nM := oldCfg.Metrics, newCfg.Metrics
	tokenChanged := oM.Token != nM.Token
	oM.Token, nM.Token = "", ""
	if oM != nM || tokenChanged {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", strings.TrimSpace(newCfg.Metrics.Addr)),
			logx.Bool("metrics.token_set", strings.TrimSpace(newCfg.Metrics.Token) != ""),
			logx.Bool("metrics.pprof", newCfg.Metrics.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
