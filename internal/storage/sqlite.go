package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"uploadcast/internal/config"
	logx "uploadcast/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps SQLite out of SQLITE_BUSY territory.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(context.Background(), migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadProfile(ctx context.Context) (config.Profile, bool, error) {
	if s == nil || s.db == nil {
		return config.Profile{}, false, ErrDisabled
	}
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM profile WHERE id = 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return config.Profile{}, false, nil
	}
	if err != nil {
		return config.Profile{}, false, err
	}
	p, err := config.DecodeProfile("profile.json", []byte(body))
	if err != nil {
		return config.Profile{}, false, err
	}
	return p, true, nil
}

func (s *sqliteStore) SaveProfile(ctx context.Context, p config.Profile) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	b, err := config.EncodeProfile("profile.json", p)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO profile(id, body, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET body=excluded.body, updated_at=excluded.updated_at`,
		string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return err
	}
	s.log.Debug("profile saved", logx.Int("endpoints", len(p.Endpoints)))
	return nil
}
