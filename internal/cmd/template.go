package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/model"
)

func CmdTemplate() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage task templates.",
	}
	cmd.AddCommand(cmdTemplatePut())
	cmd.AddCommand(cmdTemplateList())
	cmd.AddCommand(cmdTemplateRun())
	cmd.AddCommand(cmdTemplateDelete())
	return cmd
}

func cmdTemplatePut() *cobra.Command {
	c := &cobra.Command{
		Use:   "put <name> -f <file>",
		Short: "Create or replace a template from a YAML file.",
		Args:  cobra.ExactArgs(1),
	}
	c.Flags().StringP("file", "f", "", "template YAML file")
	_ = c.MarkFlagRequired("file")
	return NewCommand(c, runTemplatePut)
}

func runTemplatePut(ctx *Context, args []string) error {
	path, _ := ctx.Command.Flags().GetString("file")
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Convert through JSON so the template's json tags apply.
	jsonRaw, err := yaml.YAMLToJSON(raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	var tpl model.Template
	if err := json.Unmarshal(jsonRaw, &tpl); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	tpl.Name = args[0]

	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	if err := st.PutTemplate(ctx, &tpl); err != nil {
		return err
	}
	fmt.Fprintf(ctx.Command.OutOrStdout(), "template %s: %d task(s)\n", tpl.Name, len(tpl.Tasks))
	return nil
}

func cmdTemplateList() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List templates.",
		}, runTemplateList,
	)
}

func runTemplateList(ctx *Context, _ []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tpls, err := st.ListTemplates(ctx)
	if err != nil {
		return err
	}
	w := table.NewWriter()
	w.AppendHeader(table.Row{"Name", "Tasks", "Updated"})
	for _, tpl := range tpls {
		w.AppendRow(table.Row{tpl.Name, len(tpl.Tasks), tpl.UpdatedAt.Format(time.RFC3339)})
	}
	fmt.Fprintln(ctx.Command.OutOrStdout(), w.Render())
	return nil
}

func cmdTemplateRun() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "run <name>",
			Short: "Instantiate a template's tasks onto the queue.",
			Args:  cobra.ExactArgs(1),
		}, runTemplateRun,
	)
}

func runTemplateRun(ctx *Context, args []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	tasks, err := st.InstantiateTemplate(ctx, args[0], "cli")
	if err != nil {
		return err
	}
	out := ctx.Command.OutOrStdout()
	for _, t := range tasks {
		fmt.Fprintln(out, t.ID)
	}
	return nil
}

func cmdTemplateDelete() *cobra.Command {
	return NewCommand(
		&cobra.Command{
			Use:   "delete <name>",
			Short: "Delete a template.",
			Args:  cobra.ExactArgs(1),
		}, runTemplateDelete,
	)
}

func runTemplateDelete(ctx *Context, args []string) error {
	st, err := ctx.OpenStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()
	return st.DeleteTemplate(ctx, args[0])
}
