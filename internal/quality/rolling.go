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

package quality

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// identPattern restricts table and column names interpolated into the
// history-window query.
var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// HistoryWindow is the input to the consecutive-weeks quality gate used
// for rolling computations.
type HistoryWindow struct {
	// Table holds the weekly rows; WeekColumn stores week-ending dates as
	// YYYY-MM-DD strings.
	Table      string
	WeekColumn string

	// WeekEnding is the most recent expected week.
	WeekEnding time.Time

	// WindowWeeks is the number of consecutive weeks required, ending at
	// WeekEnding.
	WindowWeeks int

	// Filters are equality predicates ANDed into the query.
	Filters map[string]any
}

// RequireHistoryWindow checks that every week in the window is present.
// Returns ok plus the missing weeks (expected minus found), oldest first.
func RequireHistoryWindow(ctx context.Context, db *store.DB, w HistoryWindow) (bool, []string, error) {
	if w.WindowWeeks <= 0 {
		return false, nil, spineerrors.Validation("window_weeks must be positive")
	}
	if !identPattern.MatchString(w.Table) || !identPattern.MatchString(w.WeekColumn) {
		return false, nil, spineerrors.Validation("invalid table or column identifier")
	}

	query := fmt.Sprintf(`SELECT DISTINCT %s FROM %s`, w.WeekColumn, w.Table)
	cols := make([]string, 0, len(w.Filters))
	for col := range w.Filters {
		if !identPattern.MatchString(col) {
			return false, nil, spineerrors.Validation("invalid filter column %q", col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)
	var conds []string
	var args []any
	for _, col := range cols {
		conds = append(conds, col+" = ?")
		args = append(args, w.Filters[col])
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return false, nil, err
	}
	defer rows.Close()

	found := make(map[string]bool)
	for rows.Next() {
		var week string
		if err := rows.Scan(&week); err != nil {
			return false, nil, err
		}
		found[week] = true
	}
	if err := rows.Err(); err != nil {
		return false, nil, err
	}

	var missing []string
	for i := w.WindowWeeks - 1; i >= 0; i-- {
		week := w.WeekEnding.AddDate(0, 0, -7*i).Format("2006-01-02")
		if !found[week] {
			missing = append(missing, week)
		}
	}
	return len(missing) == 0, missing, nil
}
