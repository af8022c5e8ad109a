package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"swayambhu/internal/config"
	"swayambhu/internal/provider"
	"swayambhu/internal/sandbox"
	"swayambhu/internal/session"
	"swayambhu/internal/store"
)

var (
	// Global flags
	verbose    bool
	configPath string

	cfg    config.Config
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "swayambhu",
	Short: "swayambhu - self-directing recurring execution engine",
	Long: `swayambhu wakes on a timer, reads its own instructions from a durable
store, plans a bounded amount of work, executes it through capability-scoped
sandboxes, records everything, and goes back to sleep.

The engine carries no domain opinions: what to do, which tools exist, and
which models to call are all data loaded at runtime. What is hardcoded is
the machinery that keeps it safe when its own instructions are wrong.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zc := zap.NewProductionConfig()
		if verbose {
			zc.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zc.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// wakeCmd runs exactly one tick.
var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Run a single wake tick and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, st, lock, err := buildController()
		if err != nil {
			return err
		}
		defer st.Close()
		defer lock.Release()
		return ctrl.Wake(cmd.Context())
	},
}

// daemonCmd ticks forever until signalled.
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the wake timer until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctrl, st, lock, err := buildController()
		if err != nil {
			return err
		}
		defer st.Close()
		defer lock.Release()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("daemon started",
			zap.Duration("tick_interval", cfg.TickInterval),
			zap.Int("lock_port", lock.Port()))

		ticker := time.NewTicker(cfg.TickInterval)
		defer ticker.Stop()

		// First tick immediately; the ticker covers the rest.
		tick(ctx, ctrl)
		for {
			select {
			case <-ctx.Done():
				logger.Info("daemon stopping")
				return nil
			case <-ticker.C:
				tick(ctx, ctrl)
			}
		}
	},
}

func tick(ctx context.Context, ctrl *session.Controller) {
	if err := ctrl.Wake(ctx); err != nil {
		// A fatal session is recorded in the store; the daemon lives on
		// and the next tick performs crash recovery.
		logger.Error("wake failed", zap.Error(err))
	}
}

// seedCmd writes the identity document, once.
var seedCmd = &cobra.Command{
	Use:   "seed <soul.json>",
	Short: "Seed the identity document from a JSON file (one-time)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Seed(data); err != nil {
			return err
		}
		fmt.Println("identity document seeded")
		return nil
	},
}

// kvCmd groups the store debug commands.
var kvCmd = &cobra.Command{
	Use:   "kv",
	Short: "Inspect and edit the durable store",
}

var kvGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the raw JSON value at a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		raw, err := st.Get(args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

var kvPutCmd = &cobra.Command{
	Use:   "put <key> <json-value>",
	Short: "Write a JSON value to a key",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Put(args[0], json.RawMessage(args[1]))
	},
}

var kvDelCmd = &cobra.Command{
	Use:   "del <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		return st.Delete(args[0])
	},
}

var kvListCmd = &cobra.Command{
	Use:   "list [prefix]",
	Short: "List keys, optionally under a prefix",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return err
		}
		defer st.Close()
		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		keys, err := st.Keys(prefix)
		if err != nil {
			return err
		}
		for _, k := range keys {
			fmt.Println(k)
		}
		return nil
	},
}

// buildController assembles the full stack behind a Wake call. The gateway
// lock is held for the life of the returned controller.
func buildController() (*session.Controller, *store.Store, *session.GatewayLock, error) {
	lock, err := session.AcquireGatewayLock(cfg.LockPort)
	if err != nil {
		return nil, nil, nil, err
	}

	st, err := store.Open(cfg.StorePath)
	if err != nil {
		lock.Release()
		return nil, nil, nil, err
	}

	runner := sandbox.NewYaegiRunner(st, logger)
	builtin := provider.NewBuiltin(os.Getenv(cfg.APIKeyEnv), cfg.BuiltinModel)
	ctrl := session.NewController(st, runner, builtin, cfg, logger)
	return ctrl, st, lock, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "swayambhu.yaml", "path to config file")

	kvCmd.AddCommand(kvGetCmd, kvPutCmd, kvDelCmd, kvListCmd)
	rootCmd.AddCommand(wakeCmd, daemonCmd, seedCmd, kvCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
