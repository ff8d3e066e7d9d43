package replaycatalog

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"

	"poleposition/raceserver/internal/replay"
)

// Entry is one recorded race found under the catalogue root.
type Entry struct {
	Dir      string          `json:"dir"`
	Manifest replay.Manifest `json:"manifest"`
	Header   replay.Header   `json:"header"`
	Complete bool            `json:"complete"`
}

// List walks root for replay bundles. Bundles whose header is missing were
// interrupted before the race ended and are listed as incomplete.
func List(root string) ([]Entry, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("root directory must be provided")
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root must be a directory")
	}

	var entries []Entry
	//1.- Every manifest marks a bundle directory.
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || d.Name() != "manifest.json" {
			return nil
		}
		bundle, err := replay.Open(filepath.Dir(path))
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		entries = append(entries, Entry{
			Dir:      bundle.Dir,
			Manifest: bundle.Manifest,
			Header:   bundle.Header,
			Complete: bundle.Header.RaceID != "",
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	//2.- Race IDs sort by creation time.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Manifest.RaceID == entries[j].Manifest.RaceID {
			return entries[i].Dir < entries[j].Dir
		}
		return entries[i].Manifest.RaceID < entries[j].Manifest.RaceID
	})
	return entries, nil
}

// MarshalEntries produces a stable JSON representation of the entries for CLI output.
func MarshalEntries(entries []Entry) ([]byte, error) {
	return json.MarshalIndent(entries, "", "  ")
}

// Render lays the catalogue out as a text table.
func Render(entries []Entry) string {
	tw := table.NewWriter()
	tw.AppendHeader(table.Row{"Race", "Created", "Circuit", "Laps", "Finishing order", "Dir"})
	for _, entry := range entries {
		order := strings.Join(entry.Header.Racers, ", ")
		if !entry.Complete {
			order = "(incomplete)"
		}
		tw.AppendRow(table.Row{
			entry.Manifest.RaceID,
			entry.Manifest.CreatedAt,
			entry.Header.Circuit,
			entry.Header.MaxLaps,
			order,
			entry.Dir,
		})
	}
	tw.SetStyle(table.StyleLight)
	return tw.Render()
}
