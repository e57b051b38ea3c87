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
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/ryansmccoy/spine-core/internal/alerts"
	"github.com/ryansmccoy/spine-core/internal/config"
	"github.com/ryansmccoy/spine-core/internal/dlq"
	"github.com/ryansmccoy/spine-core/internal/scheduler"
	"github.com/ryansmccoy/spine-core/internal/workflow"
	spineerrors "github.com/ryansmccoy/spine-core/pkg/errors"
)

func newWorkflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflows",
		Short: "Inspect workflow definitions",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List registered workflows",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			registry := workflow.NewRegistry(nil)
			if _, err := registry.LoadFromStore(cmd.Context(), e.db); err != nil {
				return err
			}
			if e.cfg.WorkflowsDir != "" {
				_, _ = registry.LoadDir(e.cfg.WorkflowsDir)
			}

			defs := registry.List()
			if flagJSON {
				return printJSON(defs)
			}
			rows := make([][]string, 0, len(defs))
			for _, wf := range defs {
				rows = append(rows, []string{
					wf.Name, wf.Domain, strconv.Itoa(wf.Version),
					strconv.Itoa(len(wf.Steps)), string(wf.Policy.Mode),
				})
			}
			printTable([]string{"NAME", "DOMAIN", "VERSION", "STEPS", "MODE"}, rows)
			return nil
		},
	}
	addListFlags(list)

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show one workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			registry := workflow.NewRegistry(nil)
			if _, err := registry.LoadFromStore(cmd.Context(), e.db); err != nil {
				return err
			}
			if e.cfg.WorkflowsDir != "" {
				_, _ = registry.LoadDir(e.cfg.WorkflowsDir)
			}
			wf, err := registry.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(wf)
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}

func newSchedulesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedules",
		Short: "Manage recurring schedules",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			schedules, err := scheduler.NewStore(e.db).List(cmd.Context(), flagLimit, flagOffset)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(schedules)
			}
			rows := make([][]string, 0, len(schedules))
			for _, s := range schedules {
				next := ""
				if s.NextRunAt != nil {
					next = s.NextRunAt.Format("2006-01-02 15:04:05")
				}
				cadence := s.CronExpression
				if s.ScheduleType == scheduler.TypeInterval {
					cadence = fmt.Sprintf("every %ds", s.IntervalSeconds)
				}
				rows = append(rows, []string{
					s.ID[:8], s.Name, s.TargetName, cadence,
					strconv.FormatBool(s.Enabled), next,
				})
			}
			printTable([]string{"ID", "NAME", "TARGET", "CADENCE", "ENABLED", "NEXT RUN"}, rows)
			return nil
		},
	}
	addListFlags(list)

	var spec string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a schedule from a JSON spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			var sched scheduler.Schedule
			if err := json.Unmarshal([]byte(spec), &sched); err != nil {
				return spineerrors.Validation("invalid --spec JSON: %v", err)
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			if err := scheduler.NewStore(e.db).Create(cmd.Context(), &sched); err != nil {
				return err
			}
			return printJSON(sched)
		},
	}
	create.Flags().StringVar(&spec, "spec", "", "schedule definition as JSON")
	_ = create.MarkFlagRequired("spec")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm(fmt.Sprintf("Delete schedule %s?", args[0])) {
				return nil
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			if err := scheduler.NewStore(e.db).Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
	addForceFlag(del)

	toggle := func(use, short string, enabled bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				e, err := openEnv(cmd.Context())
				if err != nil {
					return err
				}
				defer e.close()
				return scheduler.NewStore(e.db).SetEnabled(cmd.Context(), args[0], enabled)
			},
		}
	}

	cmd.AddCommand(list, create, del,
		toggle("pause", "Disable a schedule", false),
		toggle("resume", "Enable a schedule", true))
	return cmd
}

func newDLQCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and retry dead-lettered executions",
	}

	var includeResolved bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List dead letters",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			entries, err := dlq.New(e.db, e.cfg.MaxRetries).List(
				cmd.Context(), "", includeResolved, flagLimit, flagOffset)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(entries)
			}
			rows := make([][]string, 0, len(entries))
			for _, d := range entries {
				rows = append(rows, []string{
					d.ID[:8], d.Workflow,
					fmt.Sprintf("%d/%d", d.RetryCount, d.MaxRetries),
					strconv.FormatBool(d.CanRetry()),
					truncate(d.Error, 60),
				})
			}
			printTable([]string{"ID", "WORKFLOW", "RETRIES", "RETRYABLE", "ERROR"}, rows)
			return nil
		},
	}
	addListFlags(list)
	list.Flags().BoolVar(&includeResolved, "include-resolved", false, "include resolved entries")

	retry := &cobra.Command{
		Use:   "retry <id>",
		Short: "Resubmit a dead-lettered execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			disp := newLocalDispatcher(e)
			ex, err := disp.RetryDeadLetter(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(ex)
		},
	}

	resolve := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Mark a dead letter resolved",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirm(fmt.Sprintf("Resolve dead letter %s?", args[0])) {
				return nil
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			return dlq.New(e.db, e.cfg.MaxRetries).Resolve(cmd.Context(), args[0], "cli")
		},
	}
	addForceFlag(resolve)

	cmd.AddCommand(list, retry, resolve)
	return cmd
}

func newAlertsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "Inspect and acknowledge alerts",
	}

	var minSeverity string
	var unacked bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			items, err := alerts.NewStore(e.db).List(cmd.Context(),
				alerts.Severity(minSeverity), unacked, flagLimit, flagOffset)
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(items)
			}
			rows := make([][]string, 0, len(items))
			for _, a := range items {
				acked := ""
				if a.AcknowledgedAt != nil {
					acked = a.AcknowledgedBy
				}
				rows = append(rows, []string{
					a.ID[:8], string(a.Severity), truncate(a.Title, 50), a.Source, acked,
				})
			}
			printTable([]string{"ID", "SEVERITY", "TITLE", "SOURCE", "ACKED BY"}, rows)
			return nil
		},
	}
	addListFlags(list)
	list.Flags().StringVar(&minSeverity, "min-severity", "", "severity floor (INFO/WARNING/ERROR/CRITICAL)")
	list.Flags().BoolVar(&unacked, "unacked", false, "unacknowledged only")

	ack := &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			return alerts.NewStore(e.db).Acknowledge(cmd.Context(), args[0], "cli")
		},
	}

	channels := &cobra.Command{
		Use:   "channels",
		Short: "List alert channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()

			svc := alerts.NewService(alerts.NewStore(e.db), nil)
			chans, err := svc.ListChannels(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(chans)
		},
	}

	cmd.AddCommand(list, ack, channels)
	return cmd
}

func newDatabaseCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "database",
		Short: "Schema and maintenance operations",
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Apply the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			tables, err := e.db.Tables(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"initialized": true, "tables": tables})
		},
	}

	tables := &cobra.Command{
		Use:   "tables",
		Short: "List core tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			names, err := e.db.Tables(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(names)
		},
	}

	var olderThan int
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete audit rows older than a day count",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return spineerrors.Validation("--older-than-days must be positive")
			}
			if !confirm(fmt.Sprintf("Purge audit rows older than %d days?", olderThan)) {
				return nil
			}
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			deleted, err := e.db.Purge(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			return printJSON(deleted)
		},
	}
	purge.Flags().IntVar(&olderThan, "older-than-days", 0, "age threshold in days")
	addForceFlag(purge)

	health := &cobra.Command{
		Use:   "health",
		Short: "Check database connectivity",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv(cmd.Context())
			if err != nil {
				return err
			}
			defer e.close()
			if err := e.db.Ping(cmd.Context()); err != nil {
				return err
			}
			return printJSON(map[string]any{"status": "ok", "dialect": e.db.Dialect().Name()})
		},
	}

	cmd.AddCommand(initCmd, tables, purge, health)
	return cmd
}

func newProfileCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect configuration profiles",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List available profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := config.ListProfiles(config.ProfilesDir())
			if err != nil {
				return err
			}
			return printJSON(names)
		},
	}

	show := &cobra.Command{
		Use:   "show [name]",
		Short: "Show the resolved configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := flagProfile
			if len(args) == 1 {
				name = args[0]
			}
			cfg, err := config.Load(name)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{
				"tier":   cfg.EffectiveTier(),
				"config": cfg,
			})
		},
	}

	cmd.AddCommand(list, show)
	return cmd
}
