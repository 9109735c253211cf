package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"vigil/internal/config"
	"vigil/internal/daemon"
	"vigil/internal/logging"
	"vigil/internal/outbox"
	"vigil/internal/store"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger for CLI-surface diagnostics; the daemon's own categories go
	// through internal/logging.
	logger *zap.Logger

	cfg *config.Config

	// exitCode is the process exit status; commands set it instead of
	// calling os.Exit so the PersistentPostRun cleanup still runs.
	exitCode int
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "vigil",
	Short: "vigil - a long-running autonomous presence",
	Long: `vigil is a daemon that lives on this machine: it ticks on a heartbeat,
watches trigger directories, and drains a durable outbox. Every event climbs
a tiered attention gate (existence, recency, cheap model) before the
expensive agent is woken; the agent answers in directives that vigil
interprets into speech, notes, memory writes, and follow-up messages.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.DebugMode = true
		}
		return logging.Initialize(logging.Settings{
			Dir:        cfg.Logging.Dir,
			Level:      cfg.Logging.Level,
			DebugMode:  cfg.Logging.DebugMode,
			JSONFormat: cfg.Logging.JSONFormat,
			Categories: cfg.Logging.Categories,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.CloseAll()
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the daemon in the foreground",
	Long: `Starts the heartbeat, watcher, and outbox drain loops and blocks until
SIGINT or SIGTERM. A second instance against the same state directory is
refused.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemon.New(daemon.Options{Config: cfg})
		if err != nil {
			return err
		}
		defer d.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("starting vigil",
			zap.Duration("interval", cfg.HeartbeatInterval()),
			zap.Strings("watch_dirs", cfg.Watch.Dirs))
		return d.Run(ctx)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		pid, err := daemon.ReadLockPid(daemon.LockPath(cfg))
		if err != nil {
			return fmt.Errorf("no running daemon found: %w", err)
		}
		if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal pid %d: %w", pid, err)
		}
		fmt.Printf("sent SIGTERM to pid %d\n", pid)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon state, counters, and last errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := daemon.ReadStatus(cfg)
		if err != nil {
			return err
		}
		fmt.Print(st.Render())
		if !st.Running {
			exitCode = 1
		}
		return nil
	},
}

var (
	enqueueKind string
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [payload...]",
	Short: "Queue a message for the daemon's next drain",
	Long: `Writes a message into the durable outbox. The running daemon picks it up
on its next drain pass; if no daemon is running the message waits on disk.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		q, err := outbox.Open(cfg.Outbox.Dir, cfg.DeadLetterDir())
		if err != nil {
			return err
		}
		msg, err := q.Enqueue(enqueueKind, strings.Join(args, " "))
		if err != nil {
			return err
		}
		fmt.Printf("queued message %d (%s)\n", msg.ID, msg.Kind)
		return nil
	},
}

var rememberCmd = &cobra.Command{
	Use:   "remember [key] [value...]",
	Short: "Write a durable memory",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, err := store.NewMemoryStore(cfg.Memory.DatabasePath)
		if err != nil {
			return err
		}
		defer mem.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mem.Store(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("remembered %s\n", args[0])
		return nil
	},
}

var recallLimit int

var recallCmd = &cobra.Command{
	Use:   "recall [query...]",
	Short: "Fetch a memory by key, or scan by query",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, err := store.NewMemoryStore(cfg.Memory.DatabasePath)
		if err != nil {
			return err
		}
		defer mem.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// Exact key first, scan as fallback.
		if len(args) == 1 {
			if v, err := mem.Fetch(ctx, args[0]); err == nil {
				fmt.Println(v)
				return nil
			}
		}

		results, err := mem.Scan(ctx, strings.Join(args, " "), recallLimit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("nothing recalled")
			return nil
		}
		for _, r := range results {
			fmt.Printf("%-24s %s\n", r.Record.Key, r.Record.Value)
		}
		return nil
	},
}

var noteCmd = &cobra.Command{
	Use:   "note [title] [body...]",
	Short: "Append a note to the vault log",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		mem, err := store.NewMemoryStore(cfg.Memory.DatabasePath)
		if err != nil {
			return err
		}
		defer mem.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := mem.AppendNote(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			return err
		}
		fmt.Printf("noted %q\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "vigil.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")

	enqueueCmd.Flags().StringVar(&enqueueKind, "kind", "speak", "message kind")
	recallCmd.Flags().IntVar(&recallLimit, "limit", 10, "max scan results")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(enqueueCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(noteCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}
