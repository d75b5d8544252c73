package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"uploadcast/internal/upload"
)

// Profile is the persisted user state: limits plus the endpoint list.
// It is what the profile store saves and what import/export exchange.
type Profile struct {
	MaxConcurrentUploads int              `json:"max_concurrent_uploads" validate:"min=1,max=10"`
	MaxRetryAttempts     int              `json:"max_retry_attempts" validate:"min=0,max=5"`
	Endpoints            []EndpointConfig `json:"endpoints" validate:"dive"`
}

// DefaultProfile is the profile used when nothing is stored yet.
func DefaultProfile() Profile {
	l := upload.DefaultLimits()
	return Profile{MaxConcurrentUploads: l.MaxConcurrentUploads, MaxRetryAttempts: l.MaxRetryAttempts}
}

func (p Profile) Limits() upload.Limits {
	return upload.Limits{MaxConcurrentUploads: p.MaxConcurrentUploads, MaxRetryAttempts: p.MaxRetryAttempts}
}

// EngineEndpoints converts the stored endpoints, failing on the first
// unknown auth type.
func (p Profile) EngineEndpoints() ([]upload.Endpoint, error) {
	out := make([]upload.Endpoint, 0, len(p.Endpoints))
	for i, ec := range p.Endpoints {
		ep, err := ec.Endpoint()
		if err != nil {
			return nil, fmt.Errorf("endpoints[%d]: %w", i, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

func ValidateProfile(p *Profile) error {
	if err := structValidator().Struct(p); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	if _, err := p.EngineEndpoints(); err != nil {
		return fmt.Errorf("invalid profile: %w", err)
	}
	return nil
}

// DecodeProfile parses a JSON or YAML profile strictly.
func DecodeProfile(name string, b []byte) (Profile, error) {
	jb, _, err := coerceToJSONBytes(name, b)
	if err != nil {
		return Profile{}, err
	}
	p := DefaultProfile()
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Profile{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Profile{}, fmt.Errorf("invalid profile: trailing data")
	}
	if err := ValidateProfile(&p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func EncodeProfile(name string, p Profile) ([]byte, error) {
	if p.Endpoints == nil {
		p.Endpoints = []EndpointConfig{}
	}
	return encodeFor(name, p)
}

// ReadProfile loads a profile file; the format follows the extension.
func ReadProfile(path string) (Profile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, err
	}
	return DecodeProfile(path, b)
}

// WriteProfile writes p atomically (temp file then rename).
func WriteProfile(path string, p Profile) error {
	b, err := EncodeProfile(path, p)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b, 0o600)
}

// WriteFileAtomic replaces path with data via a temp file in the same
// directory.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	name := tmp.Name()
	defer func() { _ = os.Remove(name) }()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		return err
	}
	return os.Rename(name, path)
}
