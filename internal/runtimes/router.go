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

package runtimes

import (
	"context"
	"sync"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Router registers runtime adapters and routes job specs to them.
type Router struct {
	mu          sync.RWMutex
	adapters    map[string]Adapter
	defaultName string
}

// NewRouter creates an empty adapter router.
func NewRouter() *Router {
	return &Router{adapters: make(map[string]Adapter)}
}

// Register adds an adapter. The first registration becomes the default.
func (r *Router) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.RuntimeName()
	r.adapters[name] = a
	if r.defaultName == "" {
		r.defaultName = name
	}
}

// Unregister removes an adapter. Removing the default promotes an arbitrary
// remaining adapter; with none left the default is cleared and the next
// registration becomes the new default.
func (r *Router) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.adapters, name)
	if r.defaultName == name {
		r.defaultName = ""
		for n := range r.adapters {
			r.defaultName = n
			break
		}
	}
}

// SetDefault selects the default adapter by name.
func (r *Router) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.adapters[name]; !ok {
		return spineerrors.NotFound("runtime adapter", name)
	}
	r.defaultName = name
	return nil
}

// Route resolves the adapter for a spec: its runtime hint when set,
// otherwise the default.
func (r *Router) Route(spec ContainerJobSpec) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if spec.Runtime != "" {
		a, ok := r.adapters[spec.Runtime]
		if !ok {
			return nil, spineerrors.NotFound("runtime adapter", spec.Runtime)
		}
		return a, nil
	}
	if r.defaultName == "" {
		return nil, spineerrors.New(spineerrors.CategoryRuntimeUnavailable, "no runtime adapters registered")
	}
	return r.adapters[r.defaultName], nil
}

// Get returns an adapter by name.
func (r *Router) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, spineerrors.NotFound("runtime adapter", name)
	}
	return a, nil
}

// Names returns the registered adapter names.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// HealthAll probes every adapter and returns per-runtime results; nil
// means healthy.
func (r *Router) HealthAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	adapters := make(map[string]Adapter, len(r.adapters))
	for name, a := range r.adapters {
		adapters[name] = a
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(adapters))
	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, a := range adapters {
		wg.Add(1)
		go func(name string, a Adapter) {
			defer wg.Done()
			err := a.Health(ctx)
			mu.Lock()
			results[name] = err
			mu.Unlock()
		}(name, a)
	}
	wg.Wait()
	return results
}
