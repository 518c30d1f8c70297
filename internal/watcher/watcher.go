// Package watcher deploys component states dropped into an inbox directory onto a worker.
package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/hyperjump/fednlp/internal/nlperr"
	"github.com/hyperjump/fednlp/internal/pipe"
)

const defaultDebounce = 400 * time.Millisecond

var stateExtensions = []string{".yaml", ".yml", ".json"}

// Target receives what the inbox loads. *worker.Worker implements it.
type Target interface {
	DeployState(ctx context.Context, st pipe.State) error
	DeployPipeline(ctx context.Context, def pipe.Definition) error
}

// StateFile is the on-disk layout of an inbox file. JSON files use the same keys.
type StateFile struct {
	States   []StateEntry     `yaml:"states"`
	Pipeline *pipe.Definition `yaml:"pipeline"`
}

// StateEntry is a component state with its configuration inline.
type StateEntry struct {
	Pipeline string         `yaml:"pipeline"`
	Name     string         `yaml:"name"`
	Type     string         `yaml:"type"`
	Owner    string         `yaml:"owner"`
	Access   []string       `yaml:"access"`
	Params   map[string]any `yaml:"params"`
}

// Watcher watches an inbox directory and deploys every state file written into it.
type Watcher struct {
	dir         string
	target      Target
	debounce    time.Duration
	onLoad      func(path string, err error)
	watcher     *fsnotify.Watcher
	mu          sync.Mutex
	debounceMap map[string]*time.Timer
	done        chan struct{}
	started     bool
	stopOnce    sync.Once
	ctx         context.Context
	logger      *zap.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = l }
}

// WithDebounce overrides the delay between the last write to a file and its load.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.debounce = d }
}

// WithOnLoad registers a callback invoked after every load attempt.
func WithOnLoad(fn func(path string, err error)) WatcherOption {
	return func(w *Watcher) { w.onLoad = fn }
}

// NewWatcher creates a watcher over dir that deploys onto target.
func NewWatcher(dir string, target Target, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		dir:         filepath.Clean(dir),
		target:      target,
		debounce:    defaultDebounce,
		debounceMap: make(map[string]*time.Timer),
		done:        make(chan struct{}),
		ctx:         context.Background(),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = zap.NewNop()
	}
	return w
}

// Start creates the inbox if needed and starts watching. It runs until ctx is cancelled or
// Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return nil
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		w.mu.Unlock()
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		w.mu.Unlock()
		return err
	}
	if err := watcher.Add(w.dir); err != nil {
		_ = watcher.Close()
		w.mu.Unlock()
		return err
	}
	w.watcher = watcher
	w.started = true
	w.ctx = ctx
	w.mu.Unlock()
	w.logger.Debug("state inbox watching", zap.String("dir", w.dir))
	go w.run(ctx, watcher)
	return nil
}

func (w *Watcher) run(ctx context.Context, watcher *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			if err != nil {
				w.logger.Debug("watcher error", zap.Error(err))
			}
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	path := ev.Name
	if !inDir(w.dir, path) || !matchExtension(path, stateExtensions) {
		return
	}
	w.logger.Debug("watcher event", zap.String("op", ev.Op.String()), zap.String("path", path))
	switch {
	case ev.Op.Has(fsnotify.Create), ev.Op.Has(fsnotify.Write):
		w.debounceLoad(path)
	case ev.Op.Has(fsnotify.Remove), ev.Op.Has(fsnotify.Rename):
		// Deployed states outlive their file.
		w.cancelDebounce(path)
	}
}

func inDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func matchExtension(path string, extensions []string) bool {
	ext := filepath.Ext(path)
	if len(extensions) == 0 {
		return true
	}
	for _, e := range extensions {
		eNorm := strings.TrimPrefix(strings.ToLower(e), ".")
		extNorm := strings.TrimPrefix(strings.ToLower(ext), ".")
		if eNorm == extNorm {
			return true
		}
	}
	return false
}

func (w *Watcher) debounceLoad(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
	}
	t := time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.debounceMap, path)
		ctx := w.ctx
		w.mu.Unlock()
		w.load(ctx, path)
	})
	w.debounceMap[path] = t
}

func (w *Watcher) cancelDebounce(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.debounceMap[path]; ok {
		t.Stop()
		delete(w.debounceMap, path)
	}
}

func (w *Watcher) load(ctx context.Context, path string) {
	err := w.Load(ctx, path)
	if err != nil {
		w.logger.Warn("state file not loaded", zap.String("path", path), zap.Error(err))
	}
	if w.onLoad != nil {
		w.onLoad(path, err)
	}
}

// Load parses the state file at path and deploys its pipeline definition and states.
func (w *Watcher) Load(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	states, def, err := ParseStateFile(data)
	if err != nil {
		return fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	for _, st := range states {
		if err := w.target.DeployState(ctx, st); err != nil {
			return fmt.Errorf("deploy %s: %w", st.Key(), err)
		}
	}
	if def != nil {
		if err := w.target.DeployPipeline(ctx, *def); err != nil {
			return fmt.Errorf("deploy pipeline %s: %w", def.Name, err)
		}
	}
	w.logger.Info("state file loaded", zap.String("path", path), zap.Int("states", len(states)), zap.Bool("pipeline", def != nil))
	return nil
}

// ParseStateFile decodes a YAML or JSON state file.
func ParseStateFile(data []byte) ([]pipe.State, *pipe.Definition, error) {
	var f StateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", nlperr.ErrInvalidConfig, err)
	}
	if len(f.States) == 0 && f.Pipeline == nil {
		return nil, nil, fmt.Errorf("%w: no states or pipeline", nlperr.ErrInvalidConfig)
	}
	states := make([]pipe.State, 0, len(f.States))
	for _, e := range f.States {
		if e.Pipeline == "" || e.Name == "" {
			return nil, nil, fmt.Errorf("%w: state needs a pipeline and a name", nlperr.ErrInvalidConfig)
		}
		params := e.Params
		if params == nil {
			params = map[string]any{}
		}
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: state %s: %v", nlperr.ErrInvalidConfig, e.Name, err)
		}
		var access pipe.Access
		if len(e.Access) > 0 {
			access = pipe.Restricted(e.Access...)
		}
		states = append(states, pipe.State{
			Pipeline: e.Pipeline,
			Name:     e.Name,
			Type:     pipe.TypeTag(e.Type),
			Owner:    e.Owner,
			Access:   access,
			Config:   raw,
		})
	}
	return states, f.Pipeline, nil
}

// SyncExistingFiles loads every state file already present in the inbox.
func (w *Watcher) SyncExistingFiles(ctx context.Context) {
	w.logger.Debug("watcher syncing existing files", zap.String("dir", w.dir))
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("read state inbox", zap.String("dir", w.dir), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || e.Type()&fs.ModeSymlink != 0 {
			continue
		}
		path := filepath.Join(w.dir, e.Name())
		if matchExtension(path, stateExtensions) {
			w.load(ctx, path)
		}
	}
}

// Dir returns the inbox directory.
func (w *Watcher) Dir() string {
	return w.dir
}

// Stop stops the watcher and releases resources.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.started || w.watcher == nil {
		w.mu.Unlock()
		return
	}
	for path, t := range w.debounceMap {
		t.Stop()
		delete(w.debounceMap, path)
	}
	_ = w.watcher.Close()
	w.watcher = nil
	w.started = false
	w.mu.Unlock()
	w.stopOnce.Do(func() { close(w.done) })
}
