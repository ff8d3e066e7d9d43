package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// HeaderSchemaVersion tracks the schema version for replay header documents.
const HeaderSchemaVersion = 2

// Header describes the race a replay bundle recorded.
type Header struct {
	SchemaVersion  int      `json:"schema_version"`
	RaceID         string   `json:"race_id"`
	Circuit        string   `json:"circuit"`
	PlayerCount    int      `json:"player_count"`
	MaxLaps        int      `json:"max_laps"`
	Classification bool     `json:"classification"`
	Racers         []string `json:"racers,omitempty"`
	FilePointer    string   `json:"file_pointer"`
}

// Clone copies the header so the racer list is not shared.
func (h Header) Clone() Header {
	if h.Racers != nil {
		h.Racers = append([]string(nil), h.Racers...)
	}
	return h
}

// Validate ensures the header contains enough information for catalogue tooling.
func (h Header) Validate() error {
	if h.SchemaVersion <= 0 {
		return fmt.Errorf("schema_version must be positive")
	}
	if strings.TrimSpace(h.RaceID) == "" {
		return fmt.Errorf("race_id must not be empty")
	}
	if strings.TrimSpace(h.FilePointer) == "" {
		return fmt.Errorf("file_pointer must not be empty")
	}
	return nil
}

// WriteHeader persists the supplied header to the provided file path.
func WriteHeader(path string, header Header) error {
	if err := header.Validate(); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(header, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, append(payload, '\n'), 0o644)
}

// ReadHeader loads and decodes a replay header from disk.
func ReadHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var header Header
	if err := json.Unmarshal(data, &header); err != nil {
		return Header{}, err
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}
