package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/store"
)

func CmdReorder() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reorder <task-id>",
		Short: "Move a pending task within its priority bucket.",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().Bool("top", false, "move to the front of the bucket")
	cmd.Flags().String("before", "", "place before this task id")
	cmd.Flags().String("after", "", "place after this task id")
	return NewCommand(cmd, runReorder)
}

func runReorder(ctx *Context, args []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	flags := ctx.Command.Flags()
	top, _ := flags.GetBool("top")
	before, _ := flags.GetString("before")
	after, _ := flags.GetString("after")

	task, err := st.Reorder(ctx, args[0], store.Anchor{Top: top, Before: before, After: after}, "cli")
	if err != nil {
		return err
	}
	rank := "-"
	if task.ManualRank != nil {
		rank = fmt.Sprintf("%d", *task.ManualRank)
	}
	fmt.Fprintf(ctx.Command.OutOrStdout(), "%s rank=%s\n", task.ID, rank)
	return nil
}
