// batond runs the baton control plane from the command line: a long-lived
// serve mode that hosts a worker pool, the notification hub, and a status
// API, plus one-shot commands for submitting, inspecting, retrying, and
// finalizing workflows against the shared store.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/batonrun/baton"
	json "github.com/batonrun/baton/internal/xjson"
)

var (
	configFile string
	workerID   string
	dataDir    string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:           "batond",
	Short:         "Decentralized workflow control plane",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var submitCmd = &cobra.Command{
	Use:   "submit <meta.json>",
	Short: "Register a workflow plan and seed its state records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := readMeta(args[0])
		if err != nil {
			return err
		}
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *baton.Runtime) error {
			if err := rt.Submit(ctx, meta); err != nil {
				return err
			}
			fmt.Printf("submitted %s (%d states)\n", meta.WorkflowID, len(meta.States))
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <workflow-id>",
	Short: "Show a workflow's records, ready set, and summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *baton.Runtime) error {
			status, err := rt.Status(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(status)
		})
	},
}

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List registered workflow ids",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *baton.Runtime) error {
			ids, err := rt.ListWorkflows(ctx)
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		})
	},
}

var finalizeForce bool

var finalizeCmd = &cobra.Command{
	Use:   "finalize <workflow-id>",
	Short: "Close out a workflow run and print its summary",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *baton.Runtime) error {
			summary, err := rt.Finalize(ctx, args[0], finalizeForce)
			if err != nil {
				if baton.IsNotComplete(err) {
					return fmt.Errorf("%w (use --force to cancel open states)", err)
				}
				return err
			}
			return printJSON(summary)
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <workflow-id> <state>",
	Short: "Re-hint a failed state so a worker runs it again",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *baton.Runtime) error {
			if err := rt.Retry(ctx, args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("retry hinted for %s/%s\n", args[0], args[1])
			return nil
		})
	},
}

var trailCmd = &cobra.Command{
	Use:   "trail <workflow-id>",
	Short: "Replay a workflow's audit journal in occurrence order",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(cmd.Context(), func(ctx context.Context, rt *baton.Runtime) error {
			trail, err := rt.Trail(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(trail)
		})
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <meta.json>",
	Short: "Check a plan document without touching the store",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		meta, err := readMeta(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: valid (%d states, %d start, %d terminal)\n",
			meta.WorkflowID, len(meta.States), len(meta.StartStates), len(meta.TerminalStates))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (default batond.yaml in . or /etc/batond)")
	rootCmd.PersistentFlags().StringVar(&workerID, "worker-id", "", "Worker identity (default batond-<hostname>)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory for the embedded store")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")

	finalizeCmd.Flags().BoolVar(&finalizeForce, "force", false, "Cancel remaining open states before summarizing")

	rootCmd.AddCommand(serveCmd, submitCmd, statusCmd, workflowsCmd, finalizeCmd, retryCmd, trailCmd, validateCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig layers defaults, the config file, environment variables, and
// the command-line flags, in that order.
func loadConfig() (*baton.Config, error) {
	v := viper.New()
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("batond")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/batond")
	}
	v.SetEnvPrefix("BATOND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var overlay baton.Config
	if err := v.Unmarshal(&overlay); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg := baton.DefaultConfig()
	if err := cfg.Merge(&overlay); err != nil {
		return nil, err
	}

	if workerID != "" {
		cfg.WorkerID = workerID
	}
	if cfg.WorkerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "local"
		}
		cfg.WorkerID = "batond-" + hostname
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" && cfg.Storage.Driver == baton.StorageBadger && cfg.Storage.DataDir == "" {
		cfg.DataDir = "./data"
	}

	cfg.Logger = newLogger(logLevel)
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// withRuntime runs one command against a short-lived runtime. The bridge
// stays down: one-shot commands talk to the store, not to peers.
func withRuntime(ctx context.Context, fn func(ctx context.Context, rt *baton.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Bridge.Enabled = false

	rt, err := baton.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	if err := rt.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if stopErr := rt.Stop(); stopErr != nil {
			cfg.Logger.Warn("runtime stop failed", "error", stopErr)
		}
	}()

	return fn(ctx, rt)
}

func readMeta(path string) (*baton.WorkflowMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta baton.WorkflowMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode plan %s: %w", path, err)
	}
	if err := meta.Validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
