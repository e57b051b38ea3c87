// Copyright 2025 Ryan McCoy
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package workflow

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Registry holds published workflow definitions, keyed by name at their
// latest version. Definitions come from Go code, YAML files, or the
// definitions table.
type Registry struct {
	mu     sync.RWMutex
	defs   map[string]*Workflow
	logger *slog.Logger
}

// NewRegistry creates an empty workflow registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		defs:   make(map[string]*Workflow),
		logger: log.WithComponent(logger, "workflow.registry"),
	}
}

// Register publishes a definition. A definition already registered at an
// equal or higher version is only replaced by a strictly newer one.
func (r *Registry) Register(wf *Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.defs[wf.Name]; ok && existing.Version >= wf.Version {
		if existing.Version > wf.Version {
			return spineerrors.Conflict("workflow %s v%d is older than registered v%d",
				wf.Name, wf.Version, existing.Version)
		}
		// Same version re-registration is an idempotent no-op.
		return nil
	}
	r.defs[wf.Name] = wf
	return nil
}

// Get returns the latest version of a workflow.
func (r *Registry) Get(name string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.defs[name]
	if !ok {
		return nil, spineerrors.NotFound("workflow", name)
	}
	return wf, nil
}

// List returns all registered workflows sorted by name.
func (r *Registry) List() []*Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.defs))
	for _, wf := range r.defs {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadDir parses every .yaml/.yml file in dir as a workflow definition
// and registers it. Returns the number of definitions loaded.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			r.logger.Warn("failed to read workflow file", slog.String("path", path), log.Error(err))
			continue
		}
		wf, err := ParseYAML(data)
		if err != nil {
			r.logger.Warn("skipping invalid workflow file", slog.String("path", path), log.Error(err))
			continue
		}
		if err := r.Register(wf); err != nil {
			r.logger.Warn("skipping workflow registration", slog.String("path", path), log.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}

// Watch reloads the definitions directory on file changes until ctx is
// done. Reload failures are logged, never fatal.
func (r *Registry) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		// Debounce bursts of events from editors writing temp files.
		var pending bool
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if !pending {
					pending = true
					timer.Reset(250 * time.Millisecond)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				r.logger.Warn("workflow watcher error", log.Error(err))
			case <-timer.C:
				pending = false
				if n, err := r.LoadDir(dir); err != nil {
					r.logger.Warn("workflow reload failed", log.Error(err))
				} else {
					r.logger.Info("workflow definitions reloaded", slog.Int("loaded", n))
				}
			}
		}
	}()
	return nil
}

// Save publishes a definition into the definitions table as a new
// versioned row. Rows are immutable; a changed definition is a new
// version.
func (r *Registry) Save(ctx context.Context, db *store.DB, wf *Workflow) error {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return err
	}
	defaultsJSON, err := json.Marshal(wf.Defaults)
	if err != nil {
		return err
	}
	tagsJSON, err := json.Marshal(wf.Tags)
	if err != nil {
		return err
	}
	policyJSON, err := json.Marshal(wf.Policy)
	if err != nil {
		return err
	}

	_, err = db.Exec(ctx, `
		INSERT INTO core_workflows (
			name, version, domain, description, defaults, tags, steps,
			execution_policy, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.Name, wf.Version, wf.Domain, wf.Description,
		string(defaultsJSON), string(tagsJSON), string(stepsJSON),
		string(policyJSON), store.FormatTime(time.Now()))
	return err
}

// LoadFromStore registers the latest version of every stored definition.
func (r *Registry) LoadFromStore(ctx context.Context, db *store.DB) (int, error) {
	rows, err := db.Query(ctx, `
		SELECT w.name, w.version, w.domain, w.description, w.defaults,
		       w.tags, w.steps, w.execution_policy
		FROM core_workflows w
		JOIN (
			SELECT name, MAX(version) AS version FROM core_workflows GROUP BY name
		) latest ON latest.name = w.name AND latest.version = w.version`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	loaded := 0
	for rows.Next() {
		var wf Workflow
		var domain, description, defaults, tags, steps, policy string
		if err := rows.Scan(&wf.Name, &wf.Version, &domain, &description,
			&defaults, &tags, &steps, &policy); err != nil {
			return loaded, err
		}
		wf.Domain = domain
		wf.Description = description
		if defaults != "" {
			if err := json.Unmarshal([]byte(defaults), &wf.Defaults); err != nil {
				return loaded, err
			}
		}
		if tags != "" {
			if err := json.Unmarshal([]byte(tags), &wf.Tags); err != nil {
				return loaded, err
			}
		}
		if err := json.Unmarshal([]byte(steps), &wf.Steps); err != nil {
			return loaded, err
		}
		if policy != "" {
			if err := json.Unmarshal([]byte(policy), &wf.Policy); err != nil {
				return loaded, err
			}
		}
		if err := r.Register(&wf); err != nil {
			r.logger.Warn("skipping stored workflow", slog.String(log.WorkflowKey, wf.Name), log.Error(err))
			continue
		}
		loaded++
	}
	return loaded, rows.Err()
}
