// Package store keeps JSON snapshots of records on disk.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/blerec/internal/record"
)

// PendingDir holds snapshots that still have to be delivered.
const PendingDir = "pending"

// ErrNotFound is returned by Load and Delete for an absent snapshot.
var ErrNotFound = errors.New("snapshot not found")

// FileStore persists records as <dir>/<name>.json. Writes go through a
// temporary file and a rename.
type FileStore struct {
	dir    string
	logger *logrus.Logger
	mu     sync.Mutex
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string, logger *logrus.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Join(dir, PendingDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: create dir: %w", err)
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string { return s.dir }

// Save writes rec under name and returns the file path.
func (s *FileStore) Save(rec *record.Record, name string) (string, error) {
	path, err := s.path(name)
	if err != nil {
		return "", err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("store: encode %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("store: create dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return "", fmt.Errorf("store: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store: write %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store: rename %s: %w", name, err)
	}

	s.logger.WithFields(logrus.Fields{
		"name": name,
		"size": len(data),
	}).Debug("Snapshot saved")
	return path, nil
}

// Load reads the snapshot name. Absent snapshots yield ErrNotFound.
func (s *FileStore) Load(name string) (*record.Record, error) {
	path, err := s.path(name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", name, err)
	}

	var rec record.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", name, err)
	}
	return &rec, nil
}

// List returns the snapshot names in sub ("" for the root), sorted.
func (s *FileStore) List(sub string) ([]string, error) {
	dir := s.dir
	if sub != "" {
		p, err := s.clean(sub)
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(s.dir, p)
	}

	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: list: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		name := strings.TrimSuffix(e.Name(), ".json")
		if sub != "" {
			name = sub + "/" + name
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Delete removes the snapshot name.
func (s *FileStore) Delete(name string) error {
	path, err := s.path(name)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return fmt.Errorf("store: delete %s: %w", name, err)
	}
	return nil
}

// PendingName returns a fresh, time-ordered name under PendingDir.
func PendingName(t time.Time) string {
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return PendingDir + "/" + ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// SnapshotName is the name a record is archived under.
func SnapshotName(rec *record.Record) string {
	return strings.TrimSuffix(rec.FileName(), ".json")
}

func (s *FileStore) path(name string) (string, error) {
	p, err := s.clean(strings.TrimSuffix(name, ".json"))
	if err != nil {
		return "", err
	}
	return filepath.Join(s.dir, p+".json"), nil
}

func (s *FileStore) clean(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("store: empty snapshot name")
	}
	p := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(p) || p == ".." || strings.HasPrefix(p, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("store: snapshot name %q escapes the store", name)
	}
	return p, nil
}
