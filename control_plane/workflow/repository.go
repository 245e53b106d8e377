package workflow

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/itskum47/neuralhub/control_plane/errs"
)

// reloadDebounce collapses bursts of editor writes into one reload.
const reloadDebounce = 250 * time.Millisecond

// definitionsFile is the YAML layout of WORKFLOWS_FILE.
type definitionsFile struct {
	Workflows []Workflow `yaml:"workflows"`
}

// Repository holds workflow definitions. Definitions are provisioned from a
// file or by an operator; the engine only reads them.
type Repository struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
	fromFile  map[string]bool
}

func NewRepository() *Repository {
	return &Repository{
		workflows: make(map[string]Workflow),
		fromFile:  make(map[string]bool),
	}
}

// Put validates and stores wf, replacing any definition with the same id.
func (r *Repository) Put(wf Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = cloneWorkflow(wf)
	// Operator definitions survive file reloads
	delete(r.fromFile, wf.ID)
	return nil
}

func (r *Repository) Get(id string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return Workflow{}, errs.NotFound("workflow", id)
	}
	return cloneWorkflow(wf), nil
}

// List returns all definitions sorted by id.
func (r *Repository) List() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, cloneWorkflow(wf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByTrigger returns the definitions started by eventType, sorted by id.
func (r *Repository) ByTrigger(eventType string) []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Workflow
	for _, wf := range r.workflows {
		if wf.HasTrigger(eventType) {
			out = append(out, cloneWorkflow(wf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Repository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}

// LoadFile replaces the file-provisioned definitions with those in path.
// The file is validated as a whole; on error nothing changes.
func (r *Repository) LoadFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	defs, err := decodeDefinitions(data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(defs))
	for _, wf := range defs {
		seen[wf.ID] = true
		r.workflows[wf.ID] = wf
		r.fromFile[wf.ID] = true
	}
	for id := range r.fromFile {
		if !seen[id] {
			delete(r.workflows, id)
			delete(r.fromFile, id)
		}
	}
	return len(defs), nil
}

func decodeDefinitions(data []byte) ([]Workflow, error) {
	var file definitionsFile
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, fmt.Errorf("invalid workflow definitions: %w", err)
	}

	ids := make(map[string]bool, len(file.Workflows))
	for i, wf := range file.Workflows {
		if err := wf.Validate(); err != nil {
			return nil, fmt.Errorf("workflows[%d]: %w", i, err)
		}
		if ids[wf.ID] {
			return nil, fmt.Errorf("workflows[%d]: duplicate id %q", i, wf.ID)
		}
		ids[wf.ID] = true
	}
	return file.Workflows, nil
}

// Watch reloads path whenever it changes until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (r *Repository) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		var timer *time.Timer
		reload := make(chan struct{}, 1)

		for {
			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if timer == nil {
					timer = time.AfterFunc(reloadDebounce, func() {
						select {
						case reload <- struct{}{}:
						default:
						}
					})
				} else {
					timer.Reset(reloadDebounce)
				}

			case <-reload:
				n, err := r.LoadFile(abs)
				if err != nil {
					log.Printf("[WORKFLOW] Reload of %s rejected, keeping previous definitions: %v", abs, err)
					continue
				}
				log.Printf("[WORKFLOW] Reloaded %d workflow definitions from %s", n, abs)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[WORKFLOW] Watcher error: %v", err)
			}
		}
	}()
	return nil
}

func cloneWorkflow(wf Workflow) Workflow {
	c := wf
	c.Triggers = append([]string(nil), wf.Triggers...)
	c.Steps = append([]Step(nil), wf.Steps...)
	return c
}
