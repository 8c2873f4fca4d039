package logx

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const defaultKeep = 7

// Rotate closes the active log file, renames it after the day it covers and
// reopens a fresh file at the configured path. That day is the one just before
// now, so a midnight rotation stamps yesterday's date. Rotated files beyond Keep are
// removed, oldest first.
//
// It returns the rotated file path, or "" when there was nothing to rotate.
func (s *Service) Rotate(now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cfg.File.Enabled {
		return "", ErrFileDisabled
	}
	path := filePath(s.cfg.File)

	if s.file != nil {
		_ = s.file.Close()
		s.file = nil
	}

	rotated := ""
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		rotated = uniqueName(RotatedName(path, coveredDay(now)))
		if err := os.Rename(path, rotated); err != nil {
			s.applyLocked(s.cfg)
			return "", fmt.Errorf("rotate %s: %w", path, err)
		}
	}

	s.applyLocked(s.cfg)

	if err := pruneRotated(path, s.cfg.File.Keep); err != nil {
		return rotated, fmt.Errorf("prune rotated logs: %w", err)
	}
	return rotated, nil
}

// RotatedName returns "<dir>/<base>_<YYYY-MM-DD><ext>" for the log file at path.
func RotatedName(path string, now time.Time) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return stem + "_" + now.Format("2006-01-02") + ext
}

// coveredDay is the instant just before now.
func coveredDay(now time.Time) time.Time { return now.Add(-time.Nanosecond) }

// uniqueName appends .1, .2, ... before the extension when name already exists,
// so a second rotation on the same day doesn't clobber the first.
func uniqueName(name string) string {
	if _, err := os.Stat(name); os.IsNotExist(err) {
		return name
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for i := 1; ; i++ {
		cand := fmt.Sprintf("%s.%d%s", stem, i, ext)
		if _, err := os.Stat(cand); os.IsNotExist(err) {
			return cand
		}
	}
}

func pruneRotated(path string, keep int) error {
	if keep <= 0 {
		keep = defaultKeep
	}
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	matches, err := filepath.Glob(stem + "_*" + ext)
	if err != nil {
		return err
	}
	if len(matches) <= keep {
		return nil
	}

	type entry struct {
		path string
		mod  time.Time
	}
	entries := make([]entry, 0, len(matches))
	for _, m := range matches {
		st, err := os.Stat(m)
		if err != nil {
			continue
		}
		entries = append(entries, entry{path: m, mod: st.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].mod.Equal(entries[j].mod) {
			return entries[i].mod.After(entries[j].mod)
		}
		return entries[i].path > entries[j].path
	})

	var firstErr error
	for _, e := range entries[min(keep, len(entries)):] {
		if err := os.Remove(e.path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
