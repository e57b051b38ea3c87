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

package errors

import (
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCategoryOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Category
	}{
		{"typed", Validation("bad input"), CategoryValidation},
		{"wrapped", fmt.Errorf("outer: %w", NotFound("run", "r1")), CategoryNotFound},
		{"untyped", goerrors.New("plain"), CategoryInternal},
		{"circuit", CircuitOpen("etl"), CategoryCircuitOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryOf(tt.err))
		})
	}
}

func TestRetryableDefaults(t *testing.T) {
	assert.True(t, DefaultRetryable(CategoryTransient))
	assert.True(t, DefaultRetryable(CategoryQuota))
	assert.True(t, DefaultRetryable(CategoryRuntimeUnavailable))
	assert.True(t, DefaultRetryable(CategoryImagePull))
	assert.True(t, DefaultRetryable(CategoryUnknown))

	assert.False(t, DefaultRetryable(CategoryAuth))
	assert.False(t, DefaultRetryable(CategoryNotFound))
	assert.False(t, DefaultRetryable(CategoryOOM))
	assert.False(t, DefaultRetryable(CategoryTimeout))
	assert.False(t, DefaultRetryable(CategoryUserCode))
	assert.False(t, DefaultRetryable(CategoryValidation))
	assert.False(t, DefaultRetryable(CategoryInternal))
}

func TestRetryable(t *testing.T) {
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(New(CategoryTransient, "flaky")))
	assert.False(t, Retryable(goerrors.New("untyped")))
}

func TestWrapUnwrap(t *testing.T) {
	cause := goerrors.New("root cause")
	err := Wrap(CategorySource, cause, "fetch failed for %s", "feed-a")

	require.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "SOURCE")
	assert.Contains(t, err.Error(), "feed-a")
	assert.Contains(t, err.Error(), "root cause")
}

func TestAsTyped(t *testing.T) {
	assert.Nil(t, AsTyped(nil))

	typed := Conflict("busy")
	assert.Same(t, typed, AsTyped(typed))

	converted := AsTyped(goerrors.New("boom"))
	assert.Equal(t, CategoryInternal, converted.Category)
	assert.Equal(t, "boom", converted.Message)
}

func TestResult(t *testing.T) {
	ok := Ok(42)
	assert.True(t, ok.IsOk())
	assert.Equal(t, 42, ok.Value())
	v, err := ok.Unpack()
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	failed := Err[int](Timeout("too slow"))
	assert.False(t, failed.IsOk())
	_, err = failed.Unpack()
	assert.Equal(t, CategoryTimeout, CategoryOf(err))
}

func TestTry(t *testing.T) {
	r := Try(func() (string, error) { return "fine", nil })
	require.True(t, r.IsOk())
	assert.Equal(t, "fine", r.Value())

	r = Try(func() (string, error) { return "", goerrors.New("nope") })
	require.False(t, r.IsOk())
	assert.Equal(t, CategoryInternal, r.Err().Category)

	r = Try(func() (string, error) { panic("third-party blew up") })
	require.False(t, r.IsOk())
	assert.Contains(t, r.Err().Message, "third-party blew up")
}
