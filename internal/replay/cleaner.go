package replay

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"poleposition/raceserver/internal/logging"
)

// RetentionPolicy bounds how many recorded races stay on disk.
type RetentionPolicy struct {
	MaxRaces int
	MaxAge   time.Duration
}

// StorageStats summarises the disk footprint of recorded races.
type StorageStats struct {
	Races     int       `json:"races"`
	Bytes     int64     `json:"bytes"`
	LastSweep time.Time `json:"last_sweep"`
}

// Cleaner prunes race bundles under a replay directory.
type Cleaner struct {
	mu     sync.RWMutex
	dir    string
	policy RetentionPolicy
	log    *logging.Logger
	now    func() time.Time
	stats  StorageStats
}

// NewCleaner constructs a cleaner for the provided replay directory.
func NewCleaner(dir string, policy RetentionPolicy, logger *logging.Logger) *Cleaner {
	if logger == nil {
		logger = logging.L()
	}
	return &Cleaner{dir: dir, policy: policy, log: logger, now: time.Now}
}

// Run sweeps once immediately and then every interval until ctx ends.
func (c *Cleaner) Run(ctx context.Context, interval time.Duration) {
	if c == nil || ctx == nil {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	c.sweep()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// RunOnce performs a single retention sweep.
func (c *Cleaner) RunOnce() {
	if c == nil {
		return
	}
	c.sweep()
}

// Stats returns the last recorded storage statistics.
func (c *Cleaner) Stats() StorageStats {
	if c == nil {
		return StorageStats{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

type bundleDir struct {
	name    string
	path    string
	size    int64
	modTime time.Time
}

func (c *Cleaner) sweep() {
	if c == nil || strings.TrimSpace(c.dir) == "" {
		return
	}
	bundles, err := c.collect()
	if err != nil {
		c.log.Warn("replay retention scan failed", logging.Error(err), logging.String("directory", c.dir))
		return
	}
	now := c.now()
	stats := StorageStats{LastSweep: now}
	for _, b := range bundles {
		//1.- Newest first, so the race count limit keeps the most recent bundles.
		if reason := c.expired(b, now, stats.Races); reason != "" {
			if err := os.RemoveAll(b.path); err == nil {
				c.log.Info("replay retention removed race", logging.String("race", b.name), logging.String("reason", reason))
				continue
			}
			c.log.Warn("replay retention removal failed", logging.Error(err), logging.String("race", b.name))
		}
		stats.Races++
		stats.Bytes += b.size
	}
	c.mu.Lock()
	c.stats = stats
	c.mu.Unlock()
}

// collect lists bundle directories; loose files are not race recordings.
func (c *Cleaner) collect() ([]bundleDir, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, err
	}
	bundles := make([]bundleDir, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, entry.Name())
		info, err := entry.Info()
		if err != nil {
			c.log.Warn("replay retention stat failed", logging.Error(err), logging.String("path", path))
			continue
		}
		size, err := directorySize(path)
		if err != nil {
			c.log.Warn("replay retention size failed", logging.Error(err), logging.String("path", path))
			continue
		}
		bundles = append(bundles, bundleDir{name: entry.Name(), path: path, size: size, modTime: info.ModTime()})
	}
	sort.Slice(bundles, func(i, j int) bool { return bundles[i].modTime.After(bundles[j].modTime) })
	return bundles, nil
}

func (c *Cleaner) expired(b bundleDir, now time.Time, kept int) string {
	var reasons []string
	if c.policy.MaxAge > 0 && now.Sub(b.modTime) > c.policy.MaxAge {
		reasons = append(reasons, fmt.Sprintf("age>%s", c.policy.MaxAge))
	}
	if c.policy.MaxRaces > 0 && kept >= c.policy.MaxRaces {
		reasons = append(reasons, fmt.Sprintf(">=%d races", c.policy.MaxRaces))
	}
	return strings.Join(reasons, ", ")
}

func directorySize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err
}
