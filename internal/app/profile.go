package app

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"uploadcast/internal/config"
	"uploadcast/internal/upload"
	logx "uploadcast/pkg/logx"
)

func newEndpointID() string { return uuid.NewString() }

// Profile returns a copy of the current profile.
func (a *App) Profile() config.Profile {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.profile
	p.Endpoints = slices.Clone(a.profile.Endpoints)
	return p
}

// Endpoints returns the configured endpoints in profile order.
func (a *App) Endpoints() ([]upload.Endpoint, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.profile.EngineEndpoints()
}

// AddEndpoint appends ec to the profile. An empty id gets a fresh UUID.
func (a *App) AddEndpoint(ctx context.Context, ec config.EndpointConfig) (config.EndpointConfig, error) {
	ec = trimEndpoint(ec)
	if ec.ID == "" {
		ec.ID = newEndpointID()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.indexLocked(ec.ID) >= 0 {
		return config.EndpointConfig{}, fmt.Errorf("%w: %s", ErrDuplicateEndpoint, ec.ID)
	}
	next := a.profile
	next.Endpoints = append(slices.Clone(a.profile.Endpoints), ec)
	if err := a.replaceLocked(ctx, next); err != nil {
		return config.EndpointConfig{}, err
	}
	a.log.Info("endpoint added", logx.String("id", ec.ID), logx.String("name", ec.Name))
	return ec, nil
}

// UpdateEndpoint replaces the endpoint with the same id.
func (a *App) UpdateEndpoint(ctx context.Context, ec config.EndpointConfig) error {
	ec = trimEndpoint(ec)
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.indexLocked(ec.ID)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, ec.ID)
	}
	next := a.profile
	next.Endpoints = slices.Clone(a.profile.Endpoints)
	next.Endpoints[i] = ec
	if err := a.replaceLocked(ctx, next); err != nil {
		return err
	}
	a.log.Info("endpoint updated", logx.String("id", ec.ID))
	return nil
}

func (a *App) RemoveEndpoint(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, id)
	}
	next := a.profile
	next.Endpoints = slices.Delete(slices.Clone(a.profile.Endpoints), i, i+1)
	if err := a.replaceLocked(ctx, next); err != nil {
		return err
	}
	a.log.Info("endpoint removed", logx.String("id", id))
	return nil
}

// SetLimits updates concurrency and retry limits. They take effect at the
// next run boundary.
func (a *App) SetLimits(ctx context.Context, maxConcurrent, maxRetries int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	next := a.profile
	next.MaxConcurrentUploads = maxConcurrent
	next.MaxRetryAttempts = maxRetries
	l := next.Limits()
	l.RatePerSec = a.rate
	if err := l.Validate(); err != nil {
		return err
	}
	return a.replaceLocked(ctx, next)
}

// ImportProfile replaces the profile with the file at path and persists it.
func (a *App) ImportProfile(ctx context.Context, path string) (config.Profile, error) {
	p, err := config.ReadProfile(path)
	if err != nil {
		return config.Profile{}, fmt.Errorf("import %s: %w", path, err)
	}
	seen := make(map[string]struct{}, len(p.Endpoints))
	for i := range p.Endpoints {
		p.Endpoints[i] = trimEndpoint(p.Endpoints[i])
		if p.Endpoints[i].ID == "" {
			p.Endpoints[i].ID = newEndpointID()
		}
		if _, dup := seen[p.Endpoints[i].ID]; dup {
			return config.Profile{}, fmt.Errorf("import %s: %w: %s", path, ErrDuplicateEndpoint, p.Endpoints[i].ID)
		}
		seen[p.Endpoints[i].ID] = struct{}{}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.replaceLocked(ctx, p); err != nil {
		return config.Profile{}, err
	}
	a.log.Info("profile imported", logx.String("path", path), logx.Int("endpoints", len(p.Endpoints)))
	return p, nil
}

// ExportProfile writes the current profile to path (JSON or YAML by
// extension).
func (a *App) ExportProfile(path string) error {
	return config.WriteProfile(path, a.Profile())
}

// replaceLocked validates, persists and activates next.
func (a *App) replaceLocked(ctx context.Context, next config.Profile) error {
	if err := config.ValidateProfile(&next); err != nil {
		return err
	}
	prev := a.profile
	a.profile = next
	if err := a.saveProfileLocked(ctx); err != nil {
		a.profile = prev
		return fmt.Errorf("save profile: %w", err)
	}
	if prev.MaxConcurrentUploads != next.MaxConcurrentUploads || prev.MaxRetryAttempts != next.MaxRetryAttempts {
		a.applyLimitsLocked(ctx)
	}
	return nil
}

func (a *App) saveProfileLocked(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	return a.store.SaveProfile(ctx, a.profile)
}

func (a *App) indexLocked(id string) int {
	return slices.IndexFunc(a.profile.Endpoints, func(ec config.EndpointConfig) bool { return ec.ID == id })
}

func trimEndpoint(ec config.EndpointConfig) config.EndpointConfig {
	ec.ID = strings.TrimSpace(ec.ID)
	ec.Name = strings.TrimSpace(ec.Name)
	ec.URL = strings.TrimSpace(ec.URL)
	ec.Auth.Type = strings.ToLower(strings.TrimSpace(ec.Auth.Type))
	return ec
}
