package storage

import (
	"context"
	"errors"
	"time"

	"uploadcast/internal/config"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the app.
type Store interface {
	// LoadProfile returns ok=false when nothing was saved yet.
	LoadProfile(ctx context.Context) (p config.Profile, ok bool, err error)
	SaveProfile(ctx context.Context, p config.Profile) error

	Close() error
}
