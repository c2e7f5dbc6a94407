// Package storage keeps generated overlay images on disk under random names
// and expires them after a retention period.
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Brownie44l1/deepfake-api/internal/logger"
	"github.com/google/uuid"
)

type Media struct {
	dir    string
	prefix string
	log    logger.Logger
}

// NewMedia creates dir if needed. urlPrefix is joined with file names to
// build public paths, e.g. "/media/".
func NewMedia(dir, urlPrefix string, log logger.Logger) (*Media, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create media dir: %w", err)
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Media{dir: dir, prefix: urlPrefix, log: log}, nil
}

func (m *Media) Dir() string { return m.dir }

// Reserve returns a fresh file name with the given extension and its full
// path. Nothing is created on disk.
func (m *Media) Reserve(ext string) (name, path string) {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	name = uuid.NewString() + ext
	return name, filepath.Join(m.dir, name)
}

func (m *Media) URL(name string) string {
	return m.prefix + name
}

// Remove deletes a stored file. A file that is already gone is not an error.
func (m *Media) Remove(name string) error {
	if name == "" || name != filepath.Base(name) {
		return fmt.Errorf("invalid media name %q", name)
	}
	err := os.Remove(filepath.Join(m.dir, name))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// owned reports whether name is a file this store produces: a reserved uuid
// name or an overlay temp file left by an interrupted write.
func owned(name string) bool {
	if strings.HasPrefix(name, ".overlay-") {
		return true
	}
	_, err := uuid.Parse(strings.TrimSuffix(name, filepath.Ext(name)))
	return err == nil
}

// Sweep removes files this store owns that were last modified before
// now-maxAge and reports how many went away. Anything else in the directory
// is left alone.
func (m *Media) Sweep(now time.Time, maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return 0, fmt.Errorf("read media dir: %w", err)
	}

	cutoff := now.Add(-maxAge)
	removed := 0
	for _, e := range entries {
		if !e.Type().IsRegular() || !owned(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(m.dir, e.Name())); err != nil && !os.IsNotExist(err) {
			m.log.Warning("storage", "sweep remove failed", map[string]interface{}{"file": e.Name(), "error": err.Error()})
			continue
		}
		removed++
	}
	return removed, nil
}

// RunSweeper calls Sweep every interval until ctx is done. A zero maxAge
// disables expiry.
func (m *Media) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	if interval <= 0 {
		interval = maxAge / 4
	}
	if interval < time.Minute {
		interval = time.Minute
	}

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := m.Sweep(now, maxAge)
			if err != nil {
				m.log.Error("storage", err, nil)
				continue
			}
			if n > 0 {
				m.log.Info("storage", "expired overlays removed", map[string]interface{}{"count": n})
			}
		}
	}
}
