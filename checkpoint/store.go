// Package checkpoint persists per-device progress so an interrupted run can
// continue without duplicating output.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aluiziolira/go-scrape-catalog/config"
	"github.com/aluiziolira/go-scrape-catalog/models"
)

// ErrCorrupt is returned when a checkpoint file exists but cannot be decoded.
var ErrCorrupt = errors.New("checkpoint: corrupt")

const fileName = "checkpoint.json"

// Store loads, saves and clears device checkpoints.
type Store interface {
	// Load returns nil, nil when the device has no checkpoint.
	Load(serial string) (*models.Checkpoint, error)
	Save(serial string, cp *models.Checkpoint) error
	Clear(serial string) error
}

// rename is swapped in tests to simulate a crash before the file is replaced.
var rename = os.Rename

// FileStore keeps one JSON file per device at {root}/{serial}/state/checkpoint.json.
type FileStore struct {
	root string
	mu   sync.Mutex
}

// NewFileStore returns a store rooted at the output directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

// Path returns the checkpoint file of serial.
func (s *FileStore) Path(serial string) string {
	return filepath.Join(config.Paths{Root: s.root, Serial: serial}.State(), fileName)
}

func (s *FileStore) Load(serial string) (*models.Checkpoint, error) {
	path := s.Path(serial)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", path, err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if cp.Serial != "" && cp.Serial != serial {
		return nil, fmt.Errorf("%w: %s belongs to %s", ErrCorrupt, path, cp.Serial)
	}
	if cp.TaskIndex < 0 || cp.CategoryIndex < 0 {
		return nil, fmt.Errorf("%w: %s has negative indexes", ErrCorrupt, path)
	}
	return &cp, nil
}

// Save replaces the checkpoint atomically: a reader sees either the
// previous file or the new one, never a partial write.
func (s *FileStore) Save(serial string, cp *models.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("save checkpoint %s: nil checkpoint", serial)
	}
	out := *cp
	out.Serial = serial
	out.Keys = append([]string(nil), cp.Keys...)
	sort.Strings(out.Keys)
	out.Categories = append([]string(nil), cp.Categories...)
	out.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(&out, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.Path(serial), data); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", serial, err)
	}
	return nil
}

func (s *FileStore) Clear(serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.Path(serial)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear checkpoint %s: %w", serial, err)
	}
	return nil
}

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open directory %q: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync directory %q: %w", dir, err)
	}
	return nil
}
