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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

func writeProfile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".toml"), []byte(content), 0o644))
}

func profileDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	profiles := filepath.Join(dir, "profiles")
	require.NoError(t, os.Mkdir(profiles, 0o755))
	t.Setenv("SPINE_HOME", dir)
	return profiles
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "sqlite", cfg.DatabaseBackend)
	assert.Equal(t, 8400, cfg.APIPort)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestEnvOverrides(t *testing.T) {
	profileDir(t)
	t.Setenv("SPINE_DATABASE_BACKEND", "postgres")
	t.Setenv("SPINE_DATABASE_URL", "postgres://spine@localhost/spine")
	t.Setenv("SPINE_API_PORT", "9000")
	t.Setenv("SPINE_LOG_LEVEL", "debug")
	t.Setenv("SPINE_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseBackend)
	assert.Equal(t, "postgres://spine@localhost/spine", cfg.DatabaseURL)
	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestProfileLoading(t *testing.T) {
	dir := profileDir(t)
	writeProfile(t, dir, "dev", `
database_backend = "sqlite"
database_url = "/tmp/dev.db"
api_port = 8500
log_level = "debug"
`)

	cfg, err := Load("dev")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/dev.db", cfg.DatabaseURL)
	assert.Equal(t, 8500, cfg.APIPort)
}

func TestProfileInheritance(t *testing.T) {
	dir := profileDir(t)
	writeProfile(t, dir, "base", `
database_backend = "postgres"
database_url = "postgres://base"
api_port = 8500
`)
	writeProfile(t, dir, "prod", `
extends = "base"
database_url = "postgres://prod"
`)

	cfg, err := Load("prod")
	require.NoError(t, err)
	// Child overrides the URL, inherits the rest.
	assert.Equal(t, "postgres://prod", cfg.DatabaseURL)
	assert.Equal(t, "postgres", cfg.DatabaseBackend)
	assert.Equal(t, 8500, cfg.APIPort)
}

func TestEnvOverridesProfile(t *testing.T) {
	dir := profileDir(t)
	writeProfile(t, dir, "dev", `api_port = 8500`)
	t.Setenv("SPINE_API_PORT", "9100")

	cfg, err := Load("dev")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.APIPort)
}

func TestProfileNotFound(t *testing.T) {
	profileDir(t)
	_, err := Load("ghost")
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryNotFound))
}

func TestProfileSelfExtend(t *testing.T) {
	dir := profileDir(t)
	writeProfile(t, dir, "loop", `extends = "loop"`)
	_, err := Load("loop")
	assert.True(t, spineerrors.IsCategory(err, spineerrors.CategoryValidation))
}

func TestDefaultProfilePickedUp(t *testing.T) {
	dir := profileDir(t)
	writeProfile(t, dir, "default", `api_port = 8777`)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8777, cfg.APIPort)
}

func TestListProfiles(t *testing.T) {
	dir := profileDir(t)
	writeProfile(t, dir, "a", ``)
	writeProfile(t, dir, "b", ``)

	names, err := ListProfiles(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, names)

	none, err := ListProfiles(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestEffectiveTier(t *testing.T) {
	assert.Equal(t, "advanced", (&Config{DatabaseBackend: "postgres"}).EffectiveTier())
	assert.Equal(t, "advanced", (&Config{CacheBackend: "redis"}).EffectiveTier())
	assert.Equal(t, "standard", (&Config{SchedulerBackend: "local"}).EffectiveTier())
	assert.Equal(t, "basic", (&Config{}).EffectiveTier())
	assert.Equal(t, "custom", (&Config{Tier: "custom", DatabaseBackend: "postgres"}).EffectiveTier())
}
