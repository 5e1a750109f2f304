// Package backup takes verified point-in-time snapshots of the SQLite Memory
// Store and prunes old ones.
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	filePrefix = "vault-"
	fileSuffix = ".db"
	timeLayout = "20060102-150405.000000"
)

// Config controls where snapshots go and how many are kept.
type Config struct {
	Dir  string `yaml:"dir" env:"DIR"`   // empty disables snapshots
	Keep int    `yaml:"keep" env:"KEEP"` // newest snapshots to keep (default: 24)
}

// Info describes one snapshot file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
	Verified  bool      `json:"verified"`
}

// Service snapshots one database file.
type Service struct {
	dbPath string
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time
}

// New validates the configuration. dbPath must name a database file.
func New(dbPath string, cfg Config, logger zerolog.Logger) (*Service, error) {
	if dbPath == "" || dbPath == ":memory:" {
		return nil, fmt.Errorf("backup: a database file is required")
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("backup: directory is required")
	}
	if cfg.Keep <= 0 {
		cfg.Keep = 24
	}
	return &Service{
		dbPath: dbPath,
		cfg:    cfg,
		logger: logger.With().Str("component", "backup").Logger(),
		now:    time.Now,
	}, nil
}

// Snapshot writes a consistent copy of the database, verifies it, and
// prunes snapshots beyond Keep. A failed verification removes the copy.
func (s *Service) Snapshot(ctx context.Context) (Info, error) {
	if _, err := os.Stat(s.dbPath); err != nil {
		return Info{}, fmt.Errorf("backup: database not found: %w", err)
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o700); err != nil {
		return Info{}, fmt.Errorf("backup: create directory: %w", err)
	}

	ts := s.now().UTC()
	path := filepath.Join(s.cfg.Dir, filePrefix+ts.Format(timeLayout)+fileSuffix)

	if err := vacuumInto(ctx, s.dbPath, path); err != nil {
		return Info{}, err
	}
	if err := verify(ctx, path); err != nil {
		_ = os.Remove(path)
		return Info{}, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("backup: stat snapshot: %w", err)
	}
	info := Info{Path: path, Timestamp: ts, Size: st.Size(), Verified: true}

	if err := s.prune(); err != nil {
		// The snapshot itself succeeded.
		s.logger.Warn().Err(err).Msg("pruning old snapshots failed")
	}
	s.logger.Info().Str("path", path).Int64("size", info.Size).Msg("snapshot written")
	return info, nil
}

// List returns snapshots newest first.
func (s *Service) List() ([]Info, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: list: %w", err)
	}

	var out []Info
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ts, err := time.Parse(timeLayout, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		if err != nil {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, Info{Path: filepath.Join(s.cfg.Dir, name), Timestamp: ts, Size: fi.Size()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Service) prune() error {
	snaps, err := s.List()
	if err != nil {
		return err
	}
	var lastErr error
	for _, old := range snaps[min(len(snaps), s.cfg.Keep):] {
		if err := os.Remove(old.Path); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("backup: delete old snapshots: %w", lastErr)
	}
	return nil
}

// vacuumInto copies src with VACUUM INTO, which is consistent under WAL.
func vacuumInto(ctx context.Context, src, dst string) error {
	db, err := sql.Open("sqlite", "file:"+src+"?mode=ro")
	if err != nil {
		return fmt.Errorf("backup: open source: %w", err)
	}
	defer func() { _ = db.Close() }()

	if _, err := db.ExecContext(ctx, "VACUUM INTO '"+strings.ReplaceAll(dst, "'", "''")+"'"); err != nil {
		return fmt.Errorf("backup: vacuum into: %w", err)
	}
	return nil
}

func verify(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("backup: open snapshot: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed: %s", result)
	}
	return nil
}
