package logging

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"poleposition/raceserver/internal/config"
)

// rotatingWriter appends to one file and rolls it over once it grows past maxSize.
type rotatingWriter struct {
	mu         sync.Mutex
	path       string
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
	compress   bool
	now        func() time.Time

	file *os.File
	size int64
}

func newRotatingWriter(cfg config.LoggingConfig) (*rotatingWriter, error) {
	switch {
	case cfg.MaxSizeMB <= 0:
		return nil, errors.New("RACE_LOG_MAX_SIZE_MB must be positive")
	case cfg.MaxBackups < 0:
		return nil, errors.New("RACE_LOG_MAX_BACKUPS must be non-negative")
	case cfg.MaxAgeDays < 0:
		return nil, errors.New("RACE_LOG_MAX_AGE_DAYS must be non-negative")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	w := &rotatingWriter{
		path:       cfg.Path,
		maxSize:    int64(cfg.MaxSizeMB) << 20,
		maxBackups: cfg.MaxBackups,
		maxAge:     time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		compress:   cfg.Compress,
		now:        time.Now,
	}
	if err := w.open(os.O_APPEND); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rotatingWriter) open(mode int) error {
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|mode, 0o644)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	w.file = file
	w.size = info.Size()
	return nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *rotatingWriter) rotateLocked() error {
	//1.- Close and rename the active file with a timestamp suffix.
	if err := w.file.Close(); err != nil {
		return err
	}
	rotated := fmt.Sprintf("%s.%s", w.path, w.now().UTC().Format("20060102T150405.000"))
	if err := os.Rename(w.path, rotated); err != nil {
		return err
	}
	//2.- Compress the backup when enabled, keeping the plain copy on failure.
	if w.compress {
		if err := gzipFile(rotated, rotated+".gz"); err == nil {
			_ = os.Remove(rotated)
		}
	}
	//3.- Prune backups past the retention limits and reopen a fresh file.
	w.pruneLocked()
	return w.open(os.O_TRUNC)
}

func (w *rotatingWriter) pruneLocked() {
	dir, base := filepath.Split(w.path)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	type backup struct {
		path string
		mod  time.Time
	}
	var backups []backup
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), base+".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backup{path: filepath.Join(dir, entry.Name()), mod: info.ModTime()})
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].mod.After(backups[j].mod) })
	cutoff := w.now().Add(-w.maxAge)
	for i, b := range backups {
		expired := w.maxAge > 0 && b.mod.Before(cutoff)
		if (w.maxBackups > 0 && i >= w.maxBackups) || expired {
			_ = os.Remove(b.path)
		}
	}
}

func gzipFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		return err
	}
	return gz.Close()
}
