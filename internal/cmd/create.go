package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/model"
)

func CmdCreate() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create [flags] <summary>",
		Short: "Create a task and place it on the queue.",
		Args:  cobra.ExactArgs(1),
	}
	cmd.Flags().StringP("type", "t", "code", "task type")
	cmd.Flags().String("backend", "", "pin the task to a backend, optionally backend/variant")
	cmd.Flags().Int32P("priority", "p", 0, "priority, lower runs first")
	cmd.Flags().String("prompt", "", "full prompt handed to the backend")
	cmd.Flags().StringArray("criteria", nil, "acceptance criterion, repeatable")
	cmd.Flags().StringArray("depends-on", nil, "task id this task depends on, repeatable")
	cmd.Flags().String("pipeline", "", "pipeline id")
	cmd.Flags().String("review", "", "review strategy: spawn a review child when the task reaches review")
	cmd.Flags().Int("max-attempts", model.DefaultMaxAttempts, "execution attempt ceiling")
	cmd.Flags().Int("max-bounces", model.DefaultMaxBounces, "review bounce ceiling")
	return NewCommand(cmd, runCreate)
}

func runCreate(ctx *Context, args []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	flags := ctx.Command.Flags()
	taskType, _ := flags.GetString("type")
	backend, _ := flags.GetString("backend")
	priority, _ := flags.GetInt32("priority")
	prompt, _ := flags.GetString("prompt")
	criteria, _ := flags.GetStringArray("criteria")
	dependsOn, _ := flags.GetStringArray("depends-on")
	pipeline, _ := flags.GetString("pipeline")
	reviewStrategy, _ := flags.GetString("review")
	maxAttempts, _ := flags.GetInt("max-attempts")
	maxBounces, _ := flags.GetInt("max-bounces")

	task := &model.Task{
		Type:               taskType,
		Backend:            backend,
		Priority:           priority,
		Summary:            args[0],
		Prompt:             prompt,
		AcceptanceCriteria: criteria,
		DependsOn:          dependsOn,
		PipelineID:         pipeline,
		MaxAttempts:        maxAttempts,
		MaxBounces:         maxBounces,
	}
	if reviewStrategy != "" {
		task.Metadata = map[string]string{"review_strategy": reviewStrategy}
	}

	created, err := st.CreateTask(ctx, task, "cli")
	if err != nil {
		return err
	}
	fmt.Fprintln(ctx.Command.OutOrStdout(), created.ID)
	return nil
}
