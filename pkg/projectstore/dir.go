package projectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/installerkit/installerkit/pkg/packaging"
)

// DirStore reads project documents (*.yaml, *.yml, *.json) from a
// directory. The parsed index is cached until Watch observes a change or
// Invalidate is called.
type DirStore struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]packaging.Project
	errs  map[string]error
}

func NewDirStore(dir string, logger *slog.Logger) *DirStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &DirStore{dir: dir, logger: logger}
}

// Dir returns the project directory.
func (s *DirStore) Dir() string { return s.dir }

// Load implements packaging.ProjectStore.
func (s *DirStore) Load(ctx context.Context, id string) (packaging.Project, error) {
	if err := ctx.Err(); err != nil {
		return packaging.Project{}, err
	}
	index, errs, err := s.ensureIndex()
	if err != nil {
		return packaging.Project{}, err
	}
	if p, ok := index[id]; ok {
		return p.Clone(), nil
	}
	if perr, ok := errs[id]; ok {
		return packaging.Project{}, fmt.Errorf("load project %s: %w", id, perr)
	}
	return packaging.Project{}, fmt.Errorf("%w: %s", packaging.ErrProjectNotFound, id)
}

// List implements packaging.ProjectLister.
func (s *DirStore) List(ctx context.Context) ([]packaging.Project, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	index, _, err := s.ensureIndex()
	if err != nil {
		return nil, err
	}
	out := make([]packaging.Project, 0, len(index))
	for _, p := range index {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Invalidate drops the cached index.
func (s *DirStore) Invalidate() {
	s.mu.Lock()
	s.index = nil
	s.errs = nil
	s.mu.Unlock()
}

// Watch invalidates the index whenever the directory changes. It blocks
// until ctx is cancelled.
func (s *DirStore) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(s.dir); err != nil {
		return fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.logger.Info("watching project directory", "dir", s.dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isProjectFile(ev.Name) {
				continue
			}
			s.logger.Debug("project directory changed", "file", ev.Name, "op", ev.Op.String())
			s.Invalidate()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("project watcher error", "error", err)
		}
	}
}

func (s *DirStore) ensureIndex() (map[string]packaging.Project, map[string]error, error) {
	s.mu.RLock()
	index, errs := s.index, s.errs
	s.mu.RUnlock()
	if index != nil {
		return index, errs, nil
	}

	index, errs, err := s.scan()
	if err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	s.index, s.errs = index, errs
	s.mu.Unlock()
	return index, errs, nil
}

func (s *DirStore) scan() (map[string]packaging.Project, map[string]error, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read project directory: %w", err)
	}

	index := make(map[string]packaging.Project)
	errs := make(map[string]error)
	for _, e := range entries {
		if e.IsDir() || !isProjectFile(e.Name()) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())
		fallbackID := strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))

		p, err := ReadProjectFile(path)
		if err != nil {
			s.logger.Warn("skipping unreadable project document", "file", path, "error", err)
			errs[fallbackID] = err
			continue
		}
		if p.ID == "" {
			p.ID = fallbackID
		}
		if _, dup := index[p.ID]; dup {
			s.logger.Warn("duplicate project id, keeping first", "projectId", p.ID, "file", path)
			continue
		}
		index[p.ID] = p
	}
	return index, errs, nil
}

// ReadProjectFile parses one project document. The format follows the
// file extension; platform keys accept the same aliases as ParsePlatform.
func ReadProjectFile(path string) (packaging.Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return packaging.Project{}, err
	}

	var doc projectDocument
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return packaging.Project{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	p := packaging.Project{
		ID:        doc.ID,
		Name:      doc.Name,
		Version:   doc.Version,
		Metadata:  doc.Metadata,
		SourceDir: filepath.Dir(path),
	}
	if len(doc.Platforms) > 0 {
		p.Platforms = make(map[packaging.Platform]packaging.PlatformConfig, len(doc.Platforms))
		for name, cfg := range doc.Platforms {
			platform, err := packaging.ParsePlatform(name)
			if err != nil {
				return packaging.Project{}, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
			}
			p.Platforms[platform] = cfg
		}
	}
	return p, nil
}

type projectDocument struct {
	ID        string                              `json:"id" yaml:"id"`
	Name      string                              `json:"name" yaml:"name"`
	Version   string                              `json:"version" yaml:"version"`
	Metadata  map[string]string                   `json:"metadata" yaml:"metadata"`
	Platforms map[string]packaging.PlatformConfig `json:"platforms" yaml:"platforms"`
}

func isProjectFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}
