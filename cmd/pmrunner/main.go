// Command pmrunner runs the local task orchestrator: serve starts the
// worker and supervisor loops for a project, submit enqueues work, status
// and list inspect the queue.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pmrunner/pmrunner/internal/config"
	"github.com/pmrunner/pmrunner/internal/executor"
	"github.com/pmrunner/pmrunner/internal/logging"
	"github.com/pmrunner/pmrunner/internal/queue"
	"github.com/pmrunner/pmrunner/internal/runner"
	"github.com/pmrunner/pmrunner/internal/task"
)

type rootFlags struct {
	projectRoot string
	namespace   string
	configPath  string
	logLevel    string
	verbose     bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "pmrunner",
		Short:         "Local task orchestrator backed by an LLM executor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// .env is optional; real environment always wins.
			_ = godotenv.Load()
			if flags.projectRoot == "" {
				wd, err := os.Getwd()
				if err != nil {
					return err
				}
				flags.projectRoot = wd
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&flags.projectRoot, "root", "", "project root (default: current directory)")
	root.PersistentFlags().StringVar(&flags.namespace, "namespace", "", "explicit namespace (overrides PM_RUNNER_NAMESPACE and derivation)")
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default: <root>/pm-runner.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level: debug, info, warn, error")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "human-readable console logging")

	root.AddCommand(newServeCmd(flags))
	root.AddCommand(newSubmitCmd(flags))
	root.AddCommand(newStatusCmd(flags))
	root.AddCommand(newListCmd(flags))
	return root
}

func loadConfig(flags *rootFlags) (config.Config, error) {
	path := flags.configPath
	if path == "" {
		path = filepath.Join(flags.projectRoot, "pm-runner.yaml")
	}
	return config.Load(path)
}

func buildRunner(flags *rootFlags, log *zap.Logger, exec executor.Executor) (*runner.Runner, error) {
	cfg, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	return runner.New(runner.Options{
		ProjectRoot: flags.projectRoot,
		Namespace:   flags.namespace,
		Config:      cfg,
		Logger:      log,
		Executor:    exec,
	})
}

func newServeCmd(flags *rootFlags) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the worker and supervisor loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(flags.logLevel, flags.verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			var exec executor.Executor
			if dryRun {
				exec = &executor.Stub{}
			} else {
				exec, err = executor.NewOpenAI(os.Getenv("OPENAI_BASE_URL"), os.Getenv("OPENAI_API_KEY"))
				if err != nil {
					return err
				}
			}

			r, err := buildRunner(flags, log, exec)
			if err != nil {
				return err
			}
			log.Info("serving",
				zap.String("namespace", r.Namespace()),
				zap.String("state_dir", r.StateDir()),
				zap.Int("ui_port", r.UIPort()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := r.Start(ctx); err != nil {
				return err
			}

			events := r.Events()
			go func() {
				for ev := range events {
					log.Info("supervision event",
						zap.String("kind", string(ev.Kind)),
						zap.String("task_id", ev.TaskID),
						zap.String("cause", ev.Cause))
				}
			}()

			<-ctx.Done()
			log.Info("shutting down")
			return r.Shutdown()
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "use the deterministic stub executor instead of a live provider")
	return cmd
}

func newSubmitCmd(flags *rootFlags) *cobra.Command {
	var sessionID, groupID string
	cmd := &cobra.Command{
		Use:   "submit [prompt]",
		Short: "Enqueue a task; a running serve process picks it up",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := logging.New(flags.logLevel, flags.verbose)
			if err != nil {
				return err
			}
			defer log.Sync()

			// Submission only touches the durable store; no executor or
			// credential is needed to enqueue.
			r, err := buildRunner(flags, log, &executor.Stub{})
			if err != nil {
				return err
			}
			promptText := args[0]
			for _, a := range args[1:] {
				promptText += " " + a
			}
			rec, err := r.Submit(sessionID, groupID, promptText)
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "default", "session id")
	cmd.Flags().StringVar(&groupID, "group", "", "task group id")
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show one task record, or a namespace snapshot with no argument",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRunner(flags, logging.Nop(), &executor.Stub{})
			if err != nil {
				return err
			}
			if len(args) == 0 {
				snap, err := r.Snapshot()
				if err != nil {
					return err
				}
				return printJSON(cmd, snap)
			}
			rec, err := r.Status(args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, rec)
		},
	}
}

func newListCmd(flags *rootFlags) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks in enqueue order",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := buildRunner(flags, logging.Nop(), &executor.Stub{})
			if err != nil {
				return err
			}
			f := queue.Filter{}
			if status != "" {
				st, err := task.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			recs, err := r.List(f)
			if err != nil {
				return err
			}
			return printJSON(cmd, recs)
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(b))
	return nil
}
