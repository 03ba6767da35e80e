package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func CmdShow() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a task and its audit trail.",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Bool("json", false, "emit the raw task as JSON")
	return NewCommand(cmd, runShow)
}

func runShow(ctx *Context, args []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	task, err := st.GetTask(ctx, args[0])
	if err != nil {
		return err
	}
	out := ctx.Command.OutOrStdout()

	if asJSON, _ := ctx.Command.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	}

	fmt.Fprintf(out, "%s  %s  %s\n", task.ID, task.Status, task.Summary)
	if task.Prompt != "" {
		fmt.Fprintf(out, "prompt: %s\n", truncate(task.Prompt, 120))
	}
	if task.LastError != "" {
		fmt.Fprintf(out, "last error: %s\n", task.LastError)
	}
	if task.Result != "" {
		fmt.Fprintf(out, "result: %s\n", truncate(task.Result, 120))
	}
	for i, fb := range task.FeedbackHistory {
		fmt.Fprintf(out, "feedback[%d]: %s\n", i, truncate(fb, 120))
	}

	entries, err := st.ListAudit(ctx, task.ID)
	if err != nil {
		return err
	}
	w := table.NewWriter()
	w.AppendHeader(table.Row{"At", "From", "To", "Actor"})
	for _, e := range entries {
		w.AppendRow(table.Row{
			e.CreatedAt.Format(time.RFC3339),
			e.FromState,
			e.ToState,
			e.Actor,
		})
	}
	fmt.Fprintln(out, w.Render())
	return nil
}
