// Package servers keeps the list of configured NodePass masters in
// servers.yaml.
package servers

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/nodepassproject/npctl/internal/appconfig"
	"github.com/nodepassproject/npctl/internal/model"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when no server matches a name or id.
var ErrNotFound = errors.New("server not found")

type fileModel struct {
	Servers []model.Server `yaml:"servers"`
}

// Store reads and writes servers.yaml.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store at path, or at servers.yaml in the config
// directory when path is empty.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) filePath() (string, error) {
	if s.path != "" {
		return s.path, nil
	}
	return appconfig.ServersFilePath()
}

// List returns all servers sorted by name.
func (s *Store) List() ([]model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return nil, err
	}
	out := append([]model.Server(nil), fm.Servers...)
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get fetches one server by id or name.
func (s *Store) Get(ref string) (model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return model.Server{}, err
	}
	if i := find(fm.Servers, ref); i >= 0 {
		return fm.Servers[i], nil
	}
	return model.Server{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
}

// Add registers a master under a unique name and returns it with a new id.
func (s *Store) Add(name, apiURL, apiKey string) (model.Server, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return model.Server{}, fmt.Errorf("server name cannot be empty")
	}
	normalized, err := NormalizeURL(apiURL)
	if err != nil {
		return model.Server{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return model.Server{}, err
	}
	for _, srv := range fm.Servers {
		if srv.Name == name {
			return model.Server{}, fmt.Errorf("server %q already exists", name)
		}
	}
	srv := model.Server{
		ID:     uuid.NewString(),
		Name:   name,
		URL:    normalized,
		APIKey: strings.TrimSpace(apiKey),
	}
	fm.Servers = append(fm.Servers, srv)
	return srv, s.save(fm)
}

// Remove deletes a server by id or name.
func (s *Store) Remove(ref string) (model.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fm, err := s.load()
	if err != nil {
		return model.Server{}, err
	}
	i := find(fm.Servers, ref)
	if i < 0 {
		return model.Server{}, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	removed := fm.Servers[i]
	fm.Servers = append(fm.Servers[:i], fm.Servers[i+1:]...)
	return removed, s.save(fm)
}

// NormalizeURL validates a master API prefix such as
// https://host:port/api/v1 and strips trailing slashes.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimRight(strings.TrimSpace(raw), "/")
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("server url must use http or https: %q", raw)
	}
	if u.Host == "" {
		return "", fmt.Errorf("server url has no host: %q", raw)
	}
	return raw, nil
}

func find(list []model.Server, ref string) int {
	ref = strings.TrimSpace(ref)
	for i, srv := range list {
		if srv.ID == ref {
			return i
		}
	}
	for i, srv := range list {
		if srv.Name == ref {
			return i
		}
	}
	return -1
}

func (s *Store) load() (fileModel, error) {
	path, err := s.filePath()
	if err != nil {
		return fileModel{}, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileModel{}, nil
		}
		return fileModel{}, err
	}
	var fm fileModel
	if err := yaml.Unmarshal(b, &fm); err != nil {
		return fileModel{}, fmt.Errorf("parse servers: %w", err)
	}
	return fm, nil
}

func (s *Store) save(fm fileModel) error {
	path, err := s.filePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(fm)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}
