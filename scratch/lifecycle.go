package scratch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// SweepResult summarizes a sweep of stale run directories.
type SweepResult struct {
	Removed    []string `json:"removed"`
	Kept       []string `json:"kept"`
	Errors     []string `json:"errors,omitempty"`
	SpaceFreed int64    `json:"spaceFreed"`
}

// Sweep removes run directories older than maxAge that no live Run owns.
// They are left behind when a process dies before its teardown runs.
func (m *Manager) Sweep(maxAge time.Duration, dryRun bool) (*SweepResult, error) {
	result := &SweepResult{
		Removed: make([]string, 0),
		Kept:    make([]string, 0),
	}

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return result, nil
		}
		return nil, err
	}

	threshold := time.Now().Add(-maxAge)

	type runDir struct {
		name    string
		modTime time.Time
	}
	var dirs []runDir

	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), runDirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("stat %s: %v", entry.Name(), err))
			continue
		}
		dirs = append(dirs, runDir{name: entry.Name(), modTime: info.ModTime()})
	}

	// Oldest first
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].modTime.Before(dirs[j].modTime)
	})

	m.mu.Lock()
	live := make(map[string]bool, len(m.live))
	for dir := range m.live {
		live[dir] = true
	}
	m.mu.Unlock()

	for _, d := range dirs {
		path := filepath.Join(m.dir, d.name)
		if live[path] || !d.modTime.Before(threshold) {
			result.Kept = append(result.Kept, d.name)
			continue
		}

		size := dirSize(path)
		if !dryRun {
			if err := os.RemoveAll(path); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("delete %s: %v", d.name, err))
				continue
			}
		}
		result.Removed = append(result.Removed, d.name)
		result.SpaceFreed += size
	}

	if len(result.Removed) > 0 {
		m.logger.Info("swept stale scratch directories",
			"removed", len(result.Removed),
			"freed", humanize.IBytes(uint64(result.SpaceFreed)),
			"dry_run", dryRun,
		)
	}

	return result, nil
}

func dirSize(path string) int64 {
	var size int64
	filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return size
}
