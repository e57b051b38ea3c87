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

package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandTree(t *testing.T) {
	root := NewRootCommand("test")

	groups := map[string]bool{}
	for _, cmd := range root.Commands() {
		groups[cmd.Name()] = true
	}
	for _, want := range []string{
		"runs", "workflows", "schedules", "dlq", "alerts", "database", "profile", "serve",
	} {
		assert.True(t, groups[want], "missing command group %q", want)
	}
}

func TestListFlagsPresent(t *testing.T) {
	root := NewRootCommand("test")
	runs, _, err := root.Find([]string{"runs", "list"})
	require.NoError(t, err)

	for _, flag := range []string{"limit", "offset", "json"} {
		assert.NotNil(t, runs.Flags().Lookup(flag), "runs list missing --%s", flag)
	}

	cancel, _, err := root.Find([]string{"runs", "cancel"})
	require.NoError(t, err)
	assert.NotNil(t, cancel.Flags().Lookup("force"))
}

func TestTableFormatting(t *testing.T) {
	assert.Equal(t, "abcdefg", truncate("abcdefg", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmn", 10))
}
