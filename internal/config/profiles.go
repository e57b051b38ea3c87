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

package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Profile is one TOML profile file. Extends names a parent profile whose
// values this one overrides.
type Profile struct {
	Extends string `toml:"extends"`
	Config
}

// maxProfileDepth bounds the extends chain.
const maxProfileDepth = 8

// HasProfile reports whether the named profile file exists.
func HasProfile(dir, name string) bool {
	_, err := os.Stat(filepath.Join(dir, name+".toml"))
	return err == nil
}

// ListProfiles returns the profile names available in dir.
func ListProfiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".toml") {
			names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
		}
	}
	return names, nil
}

// LoadProfile reads the named profile, resolving single-parent
// inheritance parent-first.
func LoadProfile(dir, name string) (*Profile, error) {
	return loadProfile(dir, name, 0)
}

func loadProfile(dir, name string, depth int) (*Profile, error) {
	if depth >= maxProfileDepth {
		return nil, spineerrors.Validation("profile inheritance too deep at %q", name)
	}

	path := filepath.Join(dir, name+".toml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, spineerrors.NotFound("profile", name)
		}
		return nil, err
	}

	var p Profile
	if err := toml.Unmarshal(data, &p); err != nil {
		return nil, spineerrors.Wrap(spineerrors.CategoryValidation, err, "invalid profile %s", name)
	}

	if p.Extends == "" {
		return &p, nil
	}
	if p.Extends == name {
		return nil, spineerrors.Validation("profile %q extends itself", name)
	}

	parent, err := loadProfile(dir, p.Extends, depth+1)
	if err != nil {
		return nil, err
	}
	merged := *parent
	p.applyTo(&merged.Config)
	merged.Extends = p.Extends
	return &merged, nil
}

// applyTo copies the profile's set fields over dst. Zero values mean
// "not set" and leave dst untouched.
func (p *Profile) applyTo(dst *Config) {
	setIf := func(dstField *string, v string) {
		if v != "" {
			*dstField = v
		}
	}
	setIf(&dst.DatabaseURL, p.DatabaseURL)
	setIf(&dst.DatabaseBackend, p.DatabaseBackend)
	setIf(&dst.SchedulerBackend, p.SchedulerBackend)
	setIf(&dst.CacheBackend, p.CacheBackend)
	setIf(&dst.WorkerBackend, p.WorkerBackend)
	setIf(&dst.MetricsBackend, p.MetricsBackend)
	setIf(&dst.TracingBackend, p.TracingBackend)
	setIf(&dst.RedisAddr, p.RedisAddr)
	setIf(&dst.LogLevel, p.LogLevel)
	setIf(&dst.Tier, p.Tier)
	setIf(&dst.WorkflowsDir, p.WorkflowsDir)

	if p.APIPort != 0 {
		dst.APIPort = p.APIPort
	}
	if p.MaxWorkers != 0 {
		dst.MaxWorkers = p.MaxWorkers
	}
	if p.MaxRetries != 0 {
		dst.MaxRetries = p.MaxRetries
	}
	if len(p.CORSOrigins) > 0 {
		dst.CORSOrigins = p.CORSOrigins
	}
}
