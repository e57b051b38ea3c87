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

// Package commands implements the spine CLI: subcommand groups for runs,
// workflows, schedules, alerts, dlq, database, and profiles, operating
// directly on the configured store.
package commands

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/log"
	"github.com/ryansmccoy/spine-core/internal/store"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// Exit codes: 0 success, 1 execution error, 2 validation error.
const (
	exitOK         = 0
	exitError      = 1
	exitValidation = 2
)

var (
	flagProfile string
	flagJSON    bool
	flagLimit   int
	flagOffset  int
	flagForce   bool
)

// NewRootCommand builds the spine command tree.
func NewRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:           "spine",
		Short:         "Workflow and execution orchestration",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagProfile, "profile", "", "configuration profile name")

	root.AddCommand(
		newRunsCommand(),
		newWorkflowsCommand(),
		newSchedulesCommand(),
		newDLQCommand(),
		newAlertsCommand(),
		newDatabaseCommand(),
		newProfileCommand(),
		newServeCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(version string) int {
	root := NewRootCommand(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if spineerrors.IsCategory(err, spineerrors.CategoryValidation) {
			return exitValidation
		}
		return exitError
	}
	return exitOK
}

// addListFlags attaches the standard list flags.
func addListFlags(cmd *cobra.Command) {
	cmd.Flags().IntVar(&flagLimit, "limit", 50, "maximum rows to return")
	cmd.Flags().IntVar(&flagOffset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "emit JSON instead of a table")
}

// addForceFlag attaches --force to destructive commands.
func addForceFlag(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&flagForce, "force", false, "skip the confirmation prompt")
}

// confirm prompts on stdin unless --force was given.
func confirm(prompt string) bool {
	if flagForce {
		return true
	}
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// env is the CLI's local-mode environment: config plus an open database.
type env struct {
	cfg *config.Config
	db  *store.DB
}

// openEnv loads configuration and opens the database, applying the
// schema so first use works without an init step.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load(flagProfile)
	if err != nil {
		return nil, err
	}
	// The CLI logs warnings only; structured output goes to stdout.
	slog.SetDefault(log.New(&log.Config{Level: "warn", Format: log.FormatText}))

	db, err := store.Open(store.Config{
		Backend: store.Backend(cfg.DatabaseBackend),
		URL:     cfg.DatabaseURL,
	})
	if err != nil {
		return nil, err
	}
	if err := db.ApplySchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &env{cfg: cfg, db: db}, nil
}

func (e *env) close() {
	_ = e.db.Close()
}

// printJSON writes v as indented JSON to stdout.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printTable writes rows as an aligned text table.
func printTable(headers []string, rows [][]string) {
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow := func(cells []string) {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if pad := widths[i] - len(cell); pad > 0 && i < len(cells)-1 {
				b.WriteString(strings.Repeat(" ", pad))
			}
		}
		fmt.Println(b.String())
	}

	printRow(headers)
	sep := make([]string, len(headers))
	for i := range headers {
		sep[i] = strings.Repeat("-", widths[i])
	}
	printRow(sep)
	for _, row := range rows {
		printRow(row)
	}
}

// truncate shortens a cell for table display.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
