package workspace

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	yamlutil "github.com/msageha/taskweave/internal/yaml"
)

// Parse reads and validates workspace.yaml at path.
func Parse(path string) (*File, error) {
	var f File
	if err := yamlutil.ReadFile(path, yamlutil.FileTypeWorkspace, &f); err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	return &f, nil
}

// Load parses and builds the workspace at path.
func Load(path string) (*Workspace, error) {
	f, err := Parse(path)
	if err != nil {
		return nil, err
	}
	ws, err := Build(f, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("build workspace: %w", err)
	}
	ws.Path = path
	return ws, nil
}

// Loader holds the current workspace and reloads it on demand. Concurrent
// reloads share one read of the file.
type Loader struct {
	path  string
	group singleflight.Group

	mu       sync.RWMutex
	current  *Workspace
	loadedAt time.Time
}

func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

func (l *Loader) Path() string {
	return l.path
}

// Reload re-reads the file. On error the previous workspace stays current.
func (l *Loader) Reload() (*Workspace, error) {
	v, err, _ := l.group.Do("load", func() (any, error) {
		ws, err := Load(l.path)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.current = ws
		l.loadedAt = time.Now()
		l.mu.Unlock()
		return ws, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Workspace), nil
}

// Current returns the loaded workspace, loading it first if needed.
func (l *Loader) Current() (*Workspace, error) {
	l.mu.RLock()
	ws := l.current
	l.mu.RUnlock()
	if ws != nil {
		return ws, nil
	}
	return l.Reload()
}

// LoadedAt returns when the current workspace was read, zero if never.
func (l *Loader) LoadedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.loadedAt
}
