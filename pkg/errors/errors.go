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

// Package errors defines the single error hierarchy shared by every layer:
// a categorized Error type, retryability policy, and a Result wrapper used
// at recovery points.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies an error for retry, alerting, and HTTP mapping
// decisions.
type Category string

const (
	CategoryValidation  Category = "VALIDATION"
	CategoryNotFound    Category = "NOT_FOUND"
	CategoryConflict    Category = "CONFLICT"
	CategoryInternal    Category = "INTERNAL"
	CategoryTimeout     Category = "TIMEOUT"
	CategoryRateLimited Category = "RATE_LIMITED"
	CategoryUnavailable Category = "UNAVAILABLE"
	CategoryAuth        Category = "AUTH"
	CategorySource      Category = "SOURCE"
	CategoryCircuitOpen Category = "CIRCUIT_OPEN"

	// Step-level categories carried over from handler results.
	CategoryTransient     Category = "TRANSIENT"
	CategoryDependency    Category = "DEPENDENCY"
	CategoryDataQuality   Category = "DATA_QUALITY"
	CategoryConfiguration Category = "CONFIGURATION"

	// Container-runtime categories.
	CategoryQuota              Category = "QUOTA"
	CategoryRuntimeUnavailable Category = "RUNTIME_UNAVAILABLE"
	CategoryImagePull          Category = "IMAGE_PULL"
	CategoryOOM                Category = "OOM"
	CategoryUserCode           Category = "USER_CODE"
	CategoryUnknown            Category = "UNKNOWN"
)

// retryableDefaults is the default-retryable policy table. Categories not
// present are not retryable.
var retryableDefaults = map[Category]bool{
	CategoryTransient:          true,
	CategoryDependency:         true,
	CategorySource:             true,
	CategoryUnavailable:        true,
	CategoryRateLimited:        true,
	CategoryQuota:              true,
	CategoryRuntimeUnavailable: true,
	CategoryImagePull:          true,
	CategoryUnknown:            true,
}

// DefaultRetryable reports whether a category is retryable under the default
// policy table.
func DefaultRetryable(c Category) bool {
	return retryableDefaults[c]
}

// Error is the categorized error used throughout spine-core.
type Error struct {
	Category Category
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error with the given category and message.
func New(category Category, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that carries an underlying cause.
func Wrap(category Category, cause error, format string, args ...any) *Error {
	return &Error{Category: category, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Validation creates a VALIDATION error.
func Validation(format string, args ...any) *Error {
	return New(CategoryValidation, format, args...)
}

// NotFound creates a NOT_FOUND error for a resource and identifier.
func NotFound(resource, id string) *Error {
	return New(CategoryNotFound, "%s not found: %s", resource, id)
}

// Conflict creates a CONFLICT error.
func Conflict(format string, args ...any) *Error {
	return New(CategoryConflict, format, args...)
}

// Internal creates an INTERNAL error.
func Internal(format string, args ...any) *Error {
	return New(CategoryInternal, format, args...)
}

// Timeout creates a TIMEOUT error.
func Timeout(format string, args ...any) *Error {
	return New(CategoryTimeout, format, args...)
}

// CircuitOpen creates a CIRCUIT_OPEN error for the named breaker.
func CircuitOpen(name string) *Error {
	return New(CategoryCircuitOpen, "circuit %q is open", name)
}

// CategoryOf extracts the category from err, walking the wrap chain.
// Untyped errors report INTERNAL.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// Retryable reports whether err should be retried: an explicit category's
// default policy, or false for untyped errors.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	return DefaultRetryable(CategoryOf(err))
}

// IsCategory reports whether err carries the given category.
func IsCategory(err error, c Category) bool {
	return CategoryOf(err) == c
}

// AsTyped returns err as *Error, wrapping untyped errors as INTERNAL so that
// every error crossing a layer boundary carries a category.
func AsTyped(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Category: CategoryInternal, Message: err.Error(), Cause: err}
}
