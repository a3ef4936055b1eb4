// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sakost/betcode/internal/logging"
)

// recoverFromCorruption handles a database that failed its integrity
// check: quarantine the bad file, then restore the latest hot backup, else
// reinitialize preserving configuration (an empty schema at the same
// path). No online recovery of the quarantined file is attempted. Whichever
// path is taken is logged as a user-visible notice.
func (s *Store) recoverFromCorruption(ctx context.Context, opts Options) (*Store, error) {
	quarantinePath := opts.Path + fmt.Sprintf(".corrupt-%d", time.Now().UnixNano())
	if err := os.Rename(opts.Path, quarantinePath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: quarantine %s: %v", ErrCorruption, opts.Path, err)
	}
	logging.Logger.Error().Str("quarantined", quarantinePath).Msg("storage: database failed integrity check, quarantined")

	backupDir := filepath.Join(filepath.Dir(opts.Path), "backups")
	if latest, ok := latestBackup(backupDir); ok {
		if err := copyFile(latest, opts.Path); err == nil {
			restored, err := Open(ctx, opts)
			if err == nil {
				logging.Logger.Warn().Str("backup", latest).Msg("storage: recovered from hot backup")
				return restored, nil
			}
			logging.Logger.Error().Err(err).Str("backup", latest).Msg("storage: backup also failed to open, reinitializing")
		}
	}

	logging.Logger.Error().Msg("storage: no usable backup, reinitializing database (configuration preserved, history lost)")
	fresh, err := Open(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("storage: reinitialize after corruption: %w", err)
	}
	return fresh, nil
}

// Backup writes a consistent snapshot of the database to dir using
// sqlite's VACUUM INTO, the same atomic-write idiom the teacher uses for
// its own JSON persistence (tmp path, fsync-durable rename) — VACUUM INTO
// is sqlite's equivalent, producing a complete file in one step rather
// than needing a separate rename.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("storage: create backup dir: %w", err)
	}
	name := fmt.Sprintf("betcode-%s.sqlite", time.Now().UTC().Format("20060102T150405Z"))
	dest := filepath.Join(dir, name)

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", dest); err != nil {
		return "", fmt.Errorf("%w: backup: %v", ErrTransientIO, err)
	}
	return dest, nil
}

func latestBackup(dir string) (string, bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", false
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(bestMod) {
			bestMod = info.ModTime()
			best = filepath.Join(dir, e.Name())
		}
	}
	return best, best != ""
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}
