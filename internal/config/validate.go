package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func structValidator() *validator.Validate {
	validateOnce.Do(func() {
		v := validator.New(validator.WithRequiredStructEnabled())
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
			if name == "-" {
				return ""
			}
			return name
		})
		_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
			d, err := time.ParseDuration(strings.TrimSpace(fl.Field().String()))
			return err == nil && d >= 0
		})
		validate = v
	})
	return validate
}

// Validate checks struct tags and the cross-field rules tags cannot express.
// Errors name the offending field by its JSON path.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if err := structValidator().Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fieldPath(fe.Namespace()), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return err
	}

	seen := make(map[string]struct{}, len(cfg.Endpoints))
	for i, ep := range cfg.Endpoints {
		if _, err := ep.Endpoint(); err != nil {
			return fmt.Errorf("invalid config: endpoints[%d].auth: %w", i, err)
		}
		id := strings.TrimSpace(ep.ID)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("invalid config: endpoints[%d].id: duplicate %q", i, id)
		}
		seen[id] = struct{}{}
	}

	if s := cfg.Storage; s != nil && s.Driver != "" && s.Driver != "none" && strings.TrimSpace(s.Path) == "" {
		return fmt.Errorf("invalid config: storage.path: required for driver %q", s.Driver)
	}
	return nil
}

// fieldPath drops the root type from a validator namespace:
// "Config.uploads.max_concurrent_uploads" -> "uploads.max_concurrent_uploads".
func fieldPath(ns string) string {
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}
