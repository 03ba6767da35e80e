package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/blockdag"
)

func CmdDAG() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dag",
		Short: "Inspect and run block DAGs.",
	}
	cmd.AddCommand(cmdDAGList())
	cmd.AddCommand(cmdDAGRun())
	cmd.AddCommand(cmdDAGStatus())
	return cmd
}

func cmdDAGList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List DAG definitions in the configured directory.",
		}, runDAGList,
	)
}

func runDAGList(ctx *Context, _ []string) error {
	reg, err := blockdag.NewRegistry(ctx, ctx.Config.DAGsDir)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	out := ctx.Command.OutOrStdout()
	for _, name := range reg.Names() {
		def, _ := reg.Get(name)
		fmt.Fprintf(out, "%s\t%d block(s)\n", name, len(def.Blocks))
	}
	return nil
}

func cmdDAGRun() *cobra.Command {
	c := &cobra.Command{
		Use:   "run <name> [key=value ...]",
		Short: "Execute a DAG to completion, feeding key=value pairs into the run context.",
		Args:  cobra.MinimumNArgs(1),
	}
	return NewCommand(c, runDAGRun)
}

func runDAGRun(ctx *Context, args []string) error {
	reg, err := blockdag.NewRegistry(ctx, ctx.Config.DAGsDir)
	if err != nil {
		return err
	}
	defer func() { _ = reg.Close() }()

	def, ok := reg.Get(args[0])
	if !ok {
		return fmt.Errorf("dag %q not found in %s", args[0], ctx.Config.DAGsDir)
	}

	runContext := map[string]any{}
	for _, kv := range args[1:] {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			return fmt.Errorf("context argument %q is not key=value", kv)
		}
		runContext[k] = v
	}

	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	adapters, err := ctx.Adapters()
	if err != nil {
		return err
	}

	engine := blockdag.NewEngine(def)
	run := blockdag.NewRun(def, runContext)
	execErr := engine.Execute(ctx, run, blockdag.AdapterAgent(adapters), blockdag.StoreObserver(st, def))

	out := ctx.Command.OutOrStdout()
	fmt.Fprintf(out, "run %s: %s\n", run.ID, run.Status)
	printRun(out, run)
	return execErr
}

func cmdDAGStatus() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "status <run-id>",
			Short: "Show the state of a persisted run.",
			Args:  cobra.ExactArgs(1),
		}, runDAGStatus,
	)
}

func runDAGStatus(ctx *Context, args []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	_, run, err := blockdag.LoadRun(ctx, st, args[0])
	if err != nil {
		return err
	}
	out := ctx.Command.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s): %s\n", run.ID, run.DAGName, run.Status)
	printRun(out, run)
	return nil
}

func printRun(out io.Writer, run *blockdag.Run) {
	w := table.NewWriter()
	w.AppendHeader(table.Row{"Block", "State", "Attempt", "Started", "Error"})
	for _, id := range run.Order() {
		inst := run.Instances[id]
		started := ""
		if inst.StartedAt != nil {
			started = inst.StartedAt.Format(time.RFC3339)
		}
		w.AppendRow(table.Row{id, inst.State, inst.Retry.Attempt, started, inst.Error})
	}
	fmt.Fprintln(out, w.Render())
}
