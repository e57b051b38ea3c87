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

package executor

import (
	"context"
	"sync"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// CatchAll is the registry wildcard name: a handler registered under it
// serves every name of its kind that has no specific handler.
const CatchAll = "__all__"

// Handler is a unit-of-work implementation. Non-map return values are
// wrapped as {"result": value} before storage.
type Handler func(ctx context.Context, params map[string]any) (any, error)

// HandlerMode records whether a handler blocks its goroutine (sync) or is
// cooperatively cancellable (async). Local refuses async handlers and
// AsyncLocal refuses sync ones, so a blocking handler can never stall the
// cooperative pool.
type HandlerMode string

const (
	ModeSync  HandlerMode = "sync"
	ModeAsync HandlerMode = "async"
)

type registration struct {
	handler Handler
	mode    HandlerMode
}

// Registry maps (kind, name) to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]registration
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]registration)}
}

// Register binds a handler to kind:name with the given mode. Registering
// the same key twice replaces the handler.
func (r *Registry) Register(kind Kind, name string, mode HandlerMode, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[string(kind)+":"+name] = registration{handler: h, mode: mode}
}

// RegisterSync binds a synchronous handler.
func (r *Registry) RegisterSync(kind Kind, name string, h Handler) {
	r.Register(kind, name, ModeSync, h)
}

// RegisterAsync binds a cooperative handler.
func (r *Registry) RegisterAsync(kind Kind, name string, h Handler) {
	r.Register(kind, name, ModeAsync, h)
}

// Lookup resolves kind:name, falling back to the kind's catch-all.
func (r *Registry) Lookup(kind Kind, name string) (Handler, HandlerMode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.handlers[string(kind)+":"+name]; ok {
		return reg.handler, reg.mode, nil
	}
	if reg, ok := r.handlers[string(kind)+":"+CatchAll]; ok {
		return reg.handler, reg.mode, nil
	}
	return nil, "", spineerrors.NotFound("handler", string(kind)+":"+name)
}

// Names returns the registered keys, for capability reporting.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	return out
}
