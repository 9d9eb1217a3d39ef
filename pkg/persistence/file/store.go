package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/convoflow/pkg/persistence"
)

var errNotExist = errors.New("entity does not exist")

// jsonStore keeps one JSON document per entity under root/<dir>/<id>.json.
type jsonStore struct {
	mu  sync.RWMutex
	dir string
}

func newJSONStore(root, dir string) *jsonStore {
	return &jsonStore{dir: filepath.Join(root, dir)}
}

func validID(id string) error {
	if id == "" || id == "." || id == ".." || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("%w: %q", persistence.ErrInvalidID, id)
	}

	return nil
}

func (s *jsonStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func (s *jsonStore) read(id string, v any) error {
	if err := validID(id); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	body, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return errNotExist
		}

		return fmt.Errorf("failed to read %s: %w", id, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", id, err)
	}

	return nil
}

func (s *jsonStore) exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err := os.Stat(s.path(id))

	return err == nil
}

// write replaces the document atomically through a temp file and rename.
func (s *jsonStore) write(id string, v any) error {
	if err := validID(id); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", s.dir, err)
	}

	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", id, err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write %s: %w", id, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to close %s: %w", id, err)
	}

	return os.Rename(tmp.Name(), s.path(id))
}

func (s *jsonStore) remove(id string) error {
	if err := validID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path(id))
	if err != nil && os.IsNotExist(err) {
		return errNotExist
	}

	return err
}

// ids lists stored document ids in lexical order.
func (s *jsonStore) ids() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	files, err := fs.Glob(os.DirFS(s.dir), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	ids := make([]string, 0, len(files))
	for _, f := range files {
		ids = append(ids, strings.TrimSuffix(f, ".json"))
	}

	return ids, nil
}

// each decodes every document, skipping ones removed concurrently.
func each[T any](s *jsonStore) ([]*T, error) {
	ids, err := s.ids()
	if err != nil {
		return nil, err
	}

	out := make([]*T, 0, len(ids))

	for _, id := range ids {
		var v T

		err := s.read(id, &v)
		if errors.Is(err, errNotExist) {
			continue
		}

		if err != nil {
			return nil, err
		}

		out = append(out, &v)
	}

	return out, nil
}
