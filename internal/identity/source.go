// Package identity enumerates the credential identities the gateway can
// bind the upstream session to.
//
// DESIGN: Identities are JSON credential files in a single directory,
// ordered by filename. Files that fail validation at load time are marked
// invalid and excluded from rotation but keep their index, so indices stay
// stable across reloads of the same directory listing.
package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// ErrNoUsableIdentity is returned when every credential file failed
// validation or the directory is empty.
var ErrNoUsableIdentity = errors.New("identity: no usable identity configured")

// Identity is one selectable credential bound to an upstream account.
type Identity struct {
	Index int
	Label string
	Path  string
	Valid bool
}

// Source loads and watches the credential directory.
type Source struct {
	dir string

	mu         sync.RWMutex
	identities []Identity

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads the credential directory and validates every entry.
func Load(dir string) (*Source, error) {
	s := &Source{dir: dir, done: make(chan struct{})}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Source) reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("identity: reading %s: %w", s.dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	identities := make([]Identity, 0, len(names))
	for i, name := range names {
		path := filepath.Join(s.dir, name)
		id := Identity{
			Index: i,
			Label: strings.TrimSuffix(name, ".json"),
			Path:  path,
			Valid: validateCredentialFile(path),
		}
		if !id.Valid {
			log.Warn().Str("file", name).Msg("credential file failed validation, excluded from rotation")
		}
		identities = append(identities, id)
	}

	s.mu.Lock()
	s.identities = identities
	s.mu.Unlock()

	log.Info().Int("total", len(identities)).Int("usable", len(s.UsableIndices())).
		Str("dir", s.dir).Msg("identities loaded")
	return nil
}

// validateCredentialFile checks the file parses as a JSON object with at
// least one cookie-style field. Deeper validity only shows up when the
// worker tries to use it.
func validateCredentialFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return false
	}
	return len(obj) > 0
}

// Watch starts a directory watcher that reloads the identity set when
// credential files are added, removed, or rewritten.
func (s *Source) Watch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return err
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					log.Error().Err(err).Msg("identity reload failed")
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("identity watcher error")
			case <-s.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (s *Source) Close() {
	close(s.done)
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
}

// UsableIndices returns the sorted indices of valid identities.
func (s *Source) UsableIndices() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int
	for _, id := range s.identities {
		if id.Valid {
			out = append(out, id.Index)
		}
	}
	return out
}

// Get returns the identity at an index.
func (s *Source) Get(index int) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if index < 0 || index >= len(s.identities) {
		return Identity{}, fmt.Errorf("identity: index %d out of range", index)
	}
	return s.identities[index], nil
}

// Labels returns index -> label for the status surface.
func (s *Source) Labels() map[int]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[int]string, len(s.identities))
	for _, id := range s.identities {
		out[id.Index] = id.Label
	}
	return out
}
