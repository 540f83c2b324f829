package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/commrelay/commrelay/internal/models"
)

// SnapshotVersion is the current persisted format version.
const SnapshotVersion = 1

// Snapshot is the full persisted delivery state.
type Snapshot struct {
	Version int                             `json:"version"`
	Marks   map[string]models.HighWaterMark `json:"last_seen"`
	Digests []models.Digest                 `json:"digests"`
}

// NewSnapshot returns an empty snapshot at the current version.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version: SnapshotVersion,
		Marks:   make(map[string]models.HighWaterMark),
		Digests: []models.Digest{},
	}
}

// Backend loads and saves whole snapshots. Load returns (nil, nil) when nothing was persisted yet.
type Backend interface {
	Load(ctx context.Context) (*Snapshot, error)
	Save(ctx context.Context, snapshot *Snapshot) error
	Close() error
}

// JSONFileBackend persists the snapshot as an indented JSON document.
type JSONFileBackend struct {
	Path string
}

// NewJSONFileBackend creates a file backend rooted at path.
func NewJSONFileBackend(path string) *JSONFileBackend {
	return &JSONFileBackend{Path: strings.TrimSpace(path)}
}

// Load reads the snapshot file. A missing file is not an error.
func (b *JSONFileBackend) Load(_ context.Context) (*Snapshot, error) {
	if b == nil || b.Path == "" {
		return nil, errors.New("state file path is required")
	}

	data, err := os.ReadFile(b.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}
	if snapshot.Version > SnapshotVersion {
		return nil, fmt.Errorf("state file version %d is newer than supported %d", snapshot.Version, SnapshotVersion)
	}

	return &snapshot, nil
}

// Save writes the snapshot to a temporary file and renames it over the previous one.
func (b *JSONFileBackend) Save(_ context.Context, snapshot *Snapshot) error {
	if b == nil || b.Path == "" {
		return errors.New("state file path is required")
	}
	if snapshot == nil {
		return nil
	}

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(b.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := b.Path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	if err := os.Rename(tmp, b.Path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

// Close is a no-op for file backends.
func (b *JSONFileBackend) Close() error {
	return nil
}

var _ Backend = (*JSONFileBackend)(nil)
