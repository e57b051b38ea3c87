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
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/dispatcher"
	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/executor"
	"github.com/ryansmccoy/spine-core/internal/ledger"
	"github.com/ryansmccoy/spine-core/internal/workflow"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

// newLocalDispatcher builds a synchronous dispatcher over the CLI's
// database with the built-in handlers registered.
func newLocalDispatcher(e *env) *dispatcher.Dispatcher {
	handlers := executor.NewRegistry()
	registerBuiltins(handlers)

	exec := executor.NewMemory(handlers, 256)
	workflows := workflow.NewRegistry(nil)
	_, _ = workflows.LoadFromStore(context.Background(), e.db)
	if e.cfg.WorkflowsDir != "" {
		_, _ = workflows.LoadDir(e.cfg.WorkflowsDir)
	}

	disp := dispatcher.New(dispatcher.Config{},
		ledger.New(e.db), nil, exec, dlq.New(e.db, e.cfg.MaxRetries), workflows, nil)
	engine := workflow.NewEngine(workflow.NewFuncRegistry(), disp,
		workflow.NewStepStore(e.db), nil, nil, workflow.Config{})
	disp.SetEngine(engine)
	return disp
}

// registerBuiltins installs the stock handlers available from the CLI.
func registerBuiltins(r *executor.Registry) {
	r.RegisterSync(executor.KindTask, "echo", func(ctx context.Context, params map[string]any) (any, error) {
		return map[string]any{"echo": params}, nil
	})
}

func newRunsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect and manage executions",
	}
	cmd.AddCommand(newRunsList(), newRunsGet(), newRunsSubmit(), newRunsCancel(),
		newRunsEvents(), newRunsStats())
	return cmd
}

func newRunsList() *cobra.Command {
	var workflowFilter, statusFilter string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			runs, err := ledger.New(e.db).List(cmd.Context(), ledger.Filter{
				Workflow: workflowFilter,
				Status:   ledger.Status(statusFilter),
				Limit:    flagLimit,
				Offset:   flagOffset,
			})
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(runs)
			}

			rows := make([][]string, 0, len(runs))
			for _, r := range runs {
				rows = append(rows, []string{
					r.ID, r.Workflow, string(r.Status),
					string(r.TriggerSource), r.CreatedAt.Format("2006-01-02 15:04:05"),
				})
			}
			printTable([]string{"ID", "WORKFLOW", "STATUS", "TRIGGER", "CREATED"}, rows)
			return nil
		},
	}
	addListFlags(cmd)
	cmd.Flags().StringVar(&workflowFilter, "workflow", "", "filter by workflow name")
	cmd.Flags().StringVar(&statusFilter, "status", "", "filter by status")
	return cmd
}

func newRunsGet() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			ex, err := ledger.New(e.db).Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(ex)
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", true, "emit JSON")
	return cmd
}

func newRunsSubmit() *cobra.Command {
	var kind, paramsJSON, lane, idempotencyKey string
	cmd := &cobra.Command{
		Use:   "submit <name>",
		Short: "Submit a run and wait for completion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var params map[string]any
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return spineerrors.Validation("invalid --params JSON: %v", err)
				}
			}

			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			disp := newLocalDispatcher(e)
			ex, err := disp.Submit(cmd.Context(), executor.WorkSpec{
				Kind:   executor.Kind(kind),
				Name:   args[0],
				Params: params,
			}, dispatcher.SubmitOptions{
				IdempotencyKey: idempotencyKey,
				Lane:           lane,
				Trigger:        ledger.TriggerCLI,
			})
			if ex != nil {
				_ = printJSON(ex)
			}
			return err
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "task", "work kind: task, operation, or workflow")
	cmd.Flags().StringVar(&paramsJSON, "params", "", "run parameters as JSON")
	cmd.Flags().StringVar(&lane, "lane", "", "execution lane")
	cmd.Flags().StringVar(&idempotencyKey, "idempotency-key", "", "idempotency key")
	return cmd
}

func newRunsCancel() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a non-terminal execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm(fmt.Sprintf("Cancel run %s?", args[0])) {
				return nil
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			disp := newLocalDispatcher(e)
			if err := disp.Cancel(cmd.Context(), args[0], "cancelled via CLI"); err != nil {
				return err
			}
			fmt.Println("cancelled", args[0])
			return nil
		},
	}
	addForceFlag(cmd)
	return cmd
}

func newRunsEvents() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events <run-id>",
		Short: "Show an execution's event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			events, err := ledger.New(e.db).ListEvents(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(events)
			}
			rows := make([][]string, 0, len(events))
			for _, ev := range events {
				rows = append(rows, []string{
					strconv.FormatInt(ev.Seq, 10),
					string(ev.EventType),
					ev.Timestamp.Format("15:04:05.000"),
				})
			}
			printTable([]string{"SEQ", "EVENT", "TIME"}, rows)
			return nil
		},
	}
	addListFlags(cmd)
	return cmd
}

func newRunsStats() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show run counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			stats, err := ledger.New(e.db).Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(stats)
		},
	}
}
