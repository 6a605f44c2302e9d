package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Marker is the read position of one reader.
type Marker struct {
	Position
	UpdatedAt time.Time `json:"updated_at"`
}

func (j *Journal) markerPath(reader string) string {
	return filepath.Join(j.Dir, "markers", sanitizeReader(reader)+".json")
}

// LoadMarker loads reader's marker. A missing marker returns an error
// satisfying os.IsNotExist.
func (j *Journal) LoadMarker(reader string) (*Marker, error) {
	data, err := os.ReadFile(j.markerPath(reader))
	if err != nil {
		return nil, err
	}
	var m Marker
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse marker: %w", err)
	}
	return &m, nil
}

// SaveMarker stores reader's marker.
func (j *Journal) SaveMarker(reader string, m *Marker) error {
	if err := os.MkdirAll(filepath.Join(j.Dir, "markers"), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize marker: %w", err)
	}
	return os.WriteFile(j.markerPath(reader), data, 0o644)
}

// Readers lists the readers that have a marker.
func (j *Journal) Readers() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(j.Dir, "markers"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var readers []string
	for _, e := range entries {
		if name := e.Name(); !e.IsDir() && strings.HasSuffix(name, ".json") {
			readers = append(readers, strings.TrimSuffix(name, ".json"))
		}
	}
	return readers, nil
}

var readerReplacer = strings.NewReplacer(
	"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
	"\"", "_", "<", "_", ">", "_", "|", "_", " ", "_",
)

// sanitizeReader turns a reader name into a safe file name.
func sanitizeReader(reader string) string {
	s := readerReplacer.Replace(reader)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
