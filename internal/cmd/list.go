package cmd

import (
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/model"
	"github.com/taskgate-org/taskgate/internal/store"
)

func CmdList() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [flags]",
		Short: "List tasks.",
	}
	cmd.Flags().StringP("status", "s", "", "filter by status")
	cmd.Flags().StringP("type", "t", "", "filter by type")
	cmd.Flags().String("pipeline", "", "filter by pipeline id")
	cmd.Flags().Int("limit", 0, "maximum rows")
	return NewCommand(cmd, runList)
}

var taskHeader = table.Row{
	"ID",
	"Status",
	"Type",
	"Pri",
	"Attempts",
	"Summary",
	"Updated",
}

func runList(ctx *Context, _ []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	flags := ctx.Command.Flags()
	status, _ := flags.GetString("status")
	taskType, _ := flags.GetString("type")
	pipeline, _ := flags.GetString("pipeline")
	limit, _ := flags.GetInt("limit")

	f := store.TaskFilter{
		Status:     model.Status(status),
		Type:       taskType,
		PipelineID: pipeline,
		Limit:      limit,
	}
	if f.Status != "" && !f.Status.Valid() {
		return fmt.Errorf("unknown status %q", status)
	}

	tasks, err := st.ListTasks(ctx, f)
	if err != nil {
		return err
	}

	w := table.NewWriter()
	w.AppendHeader(taskHeader)
	for _, t := range tasks {
		w.AppendRow(table.Row{
			t.ID,
			t.Status,
			t.Type,
			t.Priority,
			fmt.Sprintf("%d/%d", t.AttemptCount, t.MaxAttempts),
			truncate(t.Summary, 48),
			t.UpdatedAt.Format(time.RFC3339),
		})
	}
	fmt.Fprintln(ctx.Command.OutOrStdout(), w.Render())
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
