package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/model"
)

func CmdUnblock() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "unblock <task-id>",
			Short: "Return a blocked task to the queue.",
			Args:  cobra.ExactArgs(1),
		}, runUnblock,
	)
}

func runUnblock(ctx *Context, args []string) error {
	return cliTransition(ctx, args[0], model.StatusPending, model.TransitionContext{})
}

func CmdApprove() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "approve <task-id>",
			Short: "Accept a task in review and mark it done.",
			Args:  cobra.ExactArgs(1),
		}, runApprove,
	)
}

func runApprove(ctx *Context, args []string) error {
	return cliTransition(ctx, args[0], model.StatusDone, model.TransitionContext{})
}

func CmdBounce() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bounce <task-id>",
		Short: "Send a task in review back to the queue with feedback.",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringP("feedback", "f", "", "feedback for the next attempt")
	return NewCommand(cmd, runBounce)
}

func runBounce(ctx *Context, args []string) error {
	feedback, _ := ctx.Command.Flags().GetString("feedback")
	return cliTransition(ctx, args[0], model.StatusPending, model.TransitionContext{Feedback: feedback})
}

func cliTransition(ctx *Context, id string, to model.Status, tc model.TransitionContext) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	task, err := st.Transition(ctx, id, to, tc, "cli")
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.Command.OutOrStdout(), "%s -> %s\n", task.ID, task.Status)
	return nil
}
