package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loykin/multiproc"
)

func main() {
	// Workers re-execute this binary; Main runs their task and exits.
	multiproc.Main()

	root := buildRoot(command{out: os.Stdout})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot(c command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	tasksFlags := &TasksFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags, runFlags),
		createTasksCommand(c, tasksFlags),
		createValidateCommand(c, globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "multiproc",
		Short: "Supervise worker processes with graceful, bounded shutdown",
		Long: `multiproc starts worker processes from a config file, hands each a
control pipe and a shutdown signal, and brings them down gracefully or,
after the stop timeout, forcibly.

Examples:
  multiproc run --config=multiproc.toml
  multiproc run --config=multiproc.toml --listen=127.0.0.1:9700 --for=30s
  multiproc tasks -o yaml
  multiproc validate --config=multiproc.toml`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML or YAML config file")
	return root
}

func createRunCommand(c command, global *GlobalFlags, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start all configured workers and supervise them until interrupted",
		Long: `Start every worker in the config file and wait until SIGINT/SIGTERM,
until --for elapses, or until every worker has exited on its own.
All workers are then stopped and their exit records printed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := *flags
			f.ConfigPath = global.ConfigPath
			return c.Run(cmd.Context(), f)
		},
	}
	cmd.Flags().StringVar(&flags.Listen, "listen", "", "HTTP listen address for the status API (overrides [server] listen)")
	cmd.Flags().DurationVar(&flags.Wait, "wait", -1, "graceful stop timeout (default from config)")
	cmd.Flags().DurationVar(&flags.For, "for", 0, "stop workers after this long (0 = until signalled)")
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "text", "exit record format: text, json or yaml")
	return cmd
}

func createTasksCommand(c command, flags *TasksFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks compiled into this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Tasks(*flags)
		},
	}
	cmd.Flags().StringVarP(&flags.Output, "output", "o", "text", "format: text, json or yaml")
	return cmd
}

func createValidateCommand(c command, global *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file against the tasks compiled into this binary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Validate(global.ConfigPath)
		},
	}
}
