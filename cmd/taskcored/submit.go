package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"taskcore/internal/app"
	"taskcore/internal/config"
	"taskcore/internal/task"
	"taskcore/internal/task/scheduler"
	logx "taskcore/pkg/logx"
)

func submitCmd() *cobra.Command {
	var (
		id, priority, typ, user, schedule, at string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Add a pending task to the configured store",
		Long: `Add a pending task to the configured store.

Only the file and sqlite drivers outlive this command. A running daemon
sees the task on its next store read; with scheduler.use_cache that can
take up to cache.ttl.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewManager(cfgPath).Parse()
			if err != nil {
				return err
			}
			if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d == "" || d == "memory" {
				return fmt.Errorf("storage.driver %q does not persist; use file or sqlite", cfg.Storage.Driver)
			}

			d := task.Descriptor{ID: strings.TrimSpace(id), Type: task.Type(typ), UserID: user}
			if d.Priority, err = task.ParsePriority(priority); err != nil {
				return err
			}
			d.Schedule = task.Schedule{Expr: schedule}
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				d.Schedule.At = t
			}
			if d.Schedule != (task.Schedule{}) {
				if _, err := scheduler.ParseSchedule(d.Schedule); err != nil {
					return err
				}
			}

			st, err := app.OpenStore(cfg, logx.Nop())
			if err != nil {
				return err
			}
			defer st.Close()
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			created, err := st.Create(ctx, d)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(created)
		},
	}
	f := cmd.Flags()
	f.StringVar(&id, "id", "", "task id (default: random UUID)")
	f.StringVar(&priority, "priority", "medium", "low, medium, high or urgent")
	f.StringVar(&typ, "type", string(task.TypeUser), "system, user, background or maintenance")
	f.StringVar(&user, "user", "", "owning user id")
	f.StringVar(&schedule, "schedule", "", `interval ("55m", "02:30") or cron expression ("0 3 * * *")`)
	f.StringVar(&at, "at", "", "earliest start for a one-shot task (RFC 3339)")
	return cmd
}
