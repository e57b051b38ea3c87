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

package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Page describes list pagination in the response envelope.
type Page struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// envelope is the uniform success response body.
type envelope struct {
	Data      any      `json:"data"`
	Page      *Page    `json:"page,omitempty"`
	ElapsedMs float64  `json:"elapsed_ms"`
	Warnings  []string `json:"warnings"`
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type ctxKey int

const startKey ctxKey = iota

// writeData writes a success envelope.
func writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	writePaged(w, r, status, data, nil)
}

// writePaged writes a success envelope with pagination.
func writePaged(w http.ResponseWriter, r *http.Request, status int, data any, page *Page) {
	env := envelope{Data: data, Page: page, Warnings: []string{}}
	if start, ok := r.Context().Value(startKey).(time.Time); ok {
		env.ElapsedMs = float64(time.Since(start).Microseconds()) / 1000
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

// writeError maps a typed error onto the HTTP error envelope.
func writeError(w http.ResponseWriter, err error) {
	typed := spineerrors.AsTyped(err)

	var body errorBody
	body.Error.Code = string(typed.Category)
	body.Error.Message = typed.Message

	status := statusFor(typed.Category)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		slog.Error("failed to write error response", slog.Any("error", encErr))
	}
}

// statusFor maps error categories to HTTP status codes.
func statusFor(c spineerrors.Category) int {
	switch c {
	case spineerrors.CategoryValidation:
		return http.StatusBadRequest
	case spineerrors.CategoryNotFound:
		return http.StatusNotFound
	case spineerrors.CategoryConflict:
		return http.StatusConflict
	case spineerrors.CategoryRateLimited:
		return http.StatusTooManyRequests
	case spineerrors.CategoryUnavailable, spineerrors.CategoryCircuitOpen,
		spineerrors.CategoryRuntimeUnavailable:
		return http.StatusServiceUnavailable
	case spineerrors.CategoryAuth:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

// decodeBody parses a JSON request body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return spineerrors.Validation("invalid request body: %v", err)
	}
	return nil
}

// pagination reads limit/offset query parameters with bounds.
func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// withStart stamps the request start time for elapsed_ms accounting.
func withStart(r *http.Request) *http.Request {
	return r.WithContext(context.WithValue(r.Context(), startKey, time.Now()))
}
