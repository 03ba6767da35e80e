// Package cmd implements the taskgate command line interface.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/taskgate-org/taskgate/internal/adapter"
	"github.com/taskgate-org/taskgate/internal/config"
	"github.com/taskgate-org/taskgate/internal/logger"
	"github.com/taskgate-org/taskgate/internal/store"
)

// Context carries the loaded configuration and logger for one command
// invocation.
type Context struct {
	context.Context

	Command *cobra.Command
	Config  *config.Config
	Quiet   bool
}

// NewContext loads the configuration and installs the logger into the
// command's context.
func NewContext(cmd *cobra.Command) (*Context, error) {
	ctx := cmd.Context()

	cfgPath, _ := cmd.Flags().GetString("config")
	quiet, _ := cmd.Flags().GetBool("quiet")

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	var opts []logger.Option
	if cfg.Log.Debug || os.Getenv("DEBUG") != "" {
		opts = append(opts, logger.WithDebug())
	}
	if quiet {
		opts = append(opts, logger.WithQuiet())
	}
	if cfg.Log.Format != "" {
		opts = append(opts, logger.WithFormat(cfg.Log.Format))
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))

	return &Context{
		Context: ctx,
		Command: cmd,
		Config:  cfg,
		Quiet:   quiet,
	}, nil
}

// OpenStore opens the task store at the configured path, creating parent
// directories on first run.
func (c *Context) OpenStore() (*store.Store, error) {
	if dir := c.Config.DataDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	return store.Open(c.Config.DBPath)
}

// Adapters builds the execution backends declared in the configuration.
func (c *Context) Adapters() (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	for _, a := range c.Config.Adapters {
		switch a.Kind {
		case "shell", "":
			reg.Register(adapter.NewShellAdapter(a.Name, a.TaskTypes...))
		case "http":
			reg.Register(adapter.NewHTTPAdapter(a.Name, a.BaseURL, a.APIKey, a.Timeout, a.TaskTypes...))
		default:
			return nil, fmt.Errorf("adapter %q: unknown kind %q", a.Name, a.Kind)
		}
	}
	if len(c.Config.Adapters) == 0 {
		// A bare install can still execute shell-backed tasks.
		reg.Register(adapter.NewShellAdapter("shell"))
	}
	return reg, nil
}

// NewCommand wires a cobra command to a run function that receives an
// initialized Context.
func NewCommand(cmd *cobra.Command, runFunc func(ctx *Context, args []string) error) *cobra.Command {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx, err := NewContext(cmd)
		if err != nil {
			return err
		}
		if err := runFunc(ctx, args); err != nil {
			logger.Error(ctx.Context, "Command failed", "err", err)
			return err
		}
		return nil
	}
	return cmd
}
