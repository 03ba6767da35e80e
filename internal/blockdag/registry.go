package blockdag

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/taskgate-org/taskgate/internal/logger"
)

// Registry serves DAG definitions from a directory of YAML/JSON files and
// hot-reloads them on change. Definitions are keyed by their declared name,
// falling back to the file's base name.
type Registry struct {
	dir string

	mu   sync.RWMutex
	defs map[string]*Definition

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup
}

// NewRegistry loads every definition under dir. Files that fail to parse
// are logged and skipped.
func NewRegistry(ctx context.Context, dir string) (*Registry, error) {
	r := &Registry{dir: dir, defs: make(map[string]*Definition)}
	if err := r.reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Get returns the named definition.
func (r *Registry) Get(name string) (*Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Names returns the loaded definition names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Watch starts hot reloading. Any create/write/remove under the directory
// triggers a full re-scan; a scan failure keeps the previous set.
func (r *Registry) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(r.dir); err != nil {
		_ = watcher.Close()
		return err
	}
	r.watcher = watcher

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				if err := r.reload(ctx); err != nil {
					logger.Error(ctx, "blockdag: reloading definitions", "err", err)
				} else {
					logger.Info(ctx, "blockdag: definitions reloaded", "trigger", ev.Name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error(ctx, "blockdag: watcher error", "err", err)
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (r *Registry) Close() error {
	if r.watcher == nil {
		return nil
	}
	err := r.watcher.Close()
	r.wg.Wait()
	return err
}

func (r *Registry) reload(ctx context.Context) error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return err
	}

	defs := make(map[string]*Definition)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		if ext != ".yaml" && ext != ".yml" && ext != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(r.dir, name))
		if err != nil {
			logger.Error(ctx, "blockdag: reading definition file", "file", name, "err", err)
			continue
		}

		var def *Definition
		if ext == ".json" {
			def, err = ParseJSON(data)
		} else {
			def, err = ParseYAML(data)
		}
		if err != nil {
			logger.Error(ctx, "blockdag: skipping invalid definition", "file", name, "err", err)
			continue
		}
		if def.Name == "" {
			def.Name = strings.TrimSuffix(name, ext)
		}
		defs[def.Name] = def
	}

	r.mu.Lock()
	r.defs = defs
	r.mu.Unlock()
	return nil
}
