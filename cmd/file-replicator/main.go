package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/openmined/file-replicator/internal/config"
	"github.com/openmined/file-replicator/internal/replicator"
	"github.com/openmined/file-replicator/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const longHelp = `Replicate files to another computer, e.g. for remote development.

SRC_DIR is the source directory on this machine.

DEST_PARENT_DIR is the absolute destination parent directory on the remote machine
reached with CONNECTION_COMMAND. The files appear in DEST_PARENT_DIR/<name of SRC_DIR>.

CONNECTION_COMMAND must start a shell that reads commands from its stdin, e.g.

    ssh some.host.com bash
    docker exec -i my_container bash
    docker compose exec -T my_container bash

Use "--" before the connection command so its flags are left alone:

    file-replicator my_code_dir /home/code -- docker exec -i a_container bash

All files are copied first, then every new or modified file is copied as it changes.
Deletions are not replicated; use --clean-out-first to start from an empty destination.

Exit status: 0 on success, 74 if the connection failed, 75 if changes may have been
missed and the replicator must be restarted, 78 on configuration errors.`

// flag name -> config key
var flagKeys = map[string]string{
	"clean-out-first":     "clean_out_first",
	"initial-replication": "initial_replication",
	"replicate-on-change": "replicate_on_change",
	"gitignore":           "gitignore",
	"ignore-file":         "ignore_file",
	"exclude":             "exclude",
	"include-vcs":         "include_vcs",
	"follow-symlinks":     "follow_symlinks",
	"debounce":            "debounce",
	"desync-recoveries":   "desync_recoveries",
	"batch-size":          "batch_size",
	"startup-probe":       "startup_probe",
	"shutdown-timeout":    "shutdown_timeout",
	"lock":                "lock",
	"debug":               "debug",
	"log-file":            "log_file",
}

// negations of the boolean options that default to true
var negatedFlags = map[string]string{
	"no-initial-replication": "initial-replication",
	"no-replicate-on-change": "replicate-on-change",
	"no-gitignore":           "gitignore",
	"no-follow-symlinks":     "follow-symlinks",
	"no-lock":                "lock",
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "file-replicator SRC_DIR DEST_PARENT_DIR -- CONNECTION_COMMAND...",
		Short:         "Replicate a directory tree through a remote shell",
		Long:          longHelp,
		Version:       version.Detailed(),
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return fmt.Errorf("%w: expected SRC_DIR and DEST_PARENT_DIR, got %d argument(s)", config.ErrConfig, len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, args, true)
			if err != nil {
				return err
			}

			closeLog, err := setupLogger(cfg, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeLog()

			// all good now, errors from here on are not usage errors
			cmd.SilenceUsage = true
			return run(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}

	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %w", config.ErrConfig, err)
	})

	defaults := config.Default()
	flags := rootCmd.PersistentFlags()
	flags.SortFlags = false
	flags.StringP("config", "c", "", "config file (default "+config.DefaultConfigPath+")")
	flags.Bool("clean-out-first", defaults.CleanOutFirst, "clean out the destination directory before replicating")
	flags.Bool("initial-replication", defaults.InitialReplication, "replicate all files at start")
	flags.Bool("replicate-on-change", defaults.ReplicateOnChange, "watch for changes and replicate them")
	flags.Bool("gitignore", defaults.Gitignore, "filter files with SRC_DIR/.gitignore")
	flags.String("ignore-file", "", "gitignore-style rule file to use instead of SRC_DIR/.gitignore")
	flags.StringSlice("exclude", nil, "extra exclude pattern (repeatable)")
	flags.Bool("include-vcs", defaults.IncludeVCS, "replicate the .git directory too")
	flags.Bool("follow-symlinks", defaults.FollowSymlinks, "follow symbolic links")
	flags.Duration("debounce", defaults.Debounce, "quiet period before a changed file is sent")
	flags.Int("desync-recoveries", defaults.DesyncRecoveries, "re-scans allowed before a lost change notification is fatal")
	flags.Int("batch-size", defaults.BatchSize, "maximum changes sent in one archive")
	flags.Duration("startup-probe", defaults.StartupProbe, "how long the connection command must survive at start")
	flags.Duration("shutdown-timeout", defaults.ShutdownTimeout, "how long to wait for the connection command to exit")
	flags.Bool("lock", defaults.Lock, "refuse to run twice for the same source, destination and command")
	flags.BoolP("debug", "d", defaults.Debug, "print debugging information, including remote output")
	flags.String("log-file", "", "also write logs to this file")

	for neg := range negatedFlags {
		flags.Bool(neg, false, "")
		_ = flags.MarkHidden(neg)
	}
	flags.Bool("debugging", false, "")
	_ = flags.MarkHidden("debugging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd())
	return rootCmd
}

// loadConfig layers flags over environment, config file and defaults, then fills in the
// positional arguments. With validate set the result is ready for a replication run.
func loadConfig(cmd *cobra.Command, args []string, validate bool) (*config.Config, error) {
	flags := cmd.Flags()

	v := viper.New()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return nil, err
		}
	}

	for neg, pos := range negatedFlags {
		if on, _ := flags.GetBool(neg); on {
			v.Set(flagKeys[pos], false)
		}
	}
	if on, _ := flags.GetBool("debugging"); on {
		v.Set("debug", true)
	}

	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, err
	}

	if err := applyArgs(cmd, args, cfg); err != nil {
		return nil, err
	}

	if validate {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// applyArgs takes SRC_DIR DEST_PARENT_DIR and the connection command. The command may follow
// "--" or come right after the two directories.
func applyArgs(cmd *cobra.Command, args []string, cfg *config.Config) error {
	if len(args) == 0 {
		return nil
	}
	if dash := cmd.ArgsLenAtDash(); dash >= 0 && dash != 2 {
		return fmt.Errorf("%w: expected exactly SRC_DIR and DEST_PARENT_DIR before \"--\"", config.ErrConfig)
	}
	if len(args) < 2 {
		return fmt.Errorf("%w: expected SRC_DIR and DEST_PARENT_DIR", config.ErrConfig)
	}
	cfg.SourceDir = args[0]
	cfg.DestParentDir = args[1]
	cfg.Command = args[2:]
	return nil
}

// run replicates until ctx is cancelled or a fatal error occurs.
func run(ctx context.Context, cfg *config.Config, stderr io.Writer) error {
	if cfg.Lock {
		unlock, err := replicator.AcquireLock(cfg)
		if err != nil {
			return err
		}
		defer unlock()
	}

	if cfg.CleanOutFirst {
		fmt.Fprintln(stderr, green.Render("Clearing out all destination files first!"))
	}

	stdout, remoteErr := remoteOutput()
	defer stdout.Close()
	defer remoteErr.Close()

	s, err := replicator.Open(ctx, cfg, replicator.SessionOptions{Stdout: stdout, Stderr: remoteErr})
	if err != nil {
		return err
	}

	err = replicator.NewEngine(s).Run(ctx)
	if closeErr := s.Close(); closeErr != nil {
		slog.Warn("session close", "error", closeErr)
	}
	return err
}

// execute runs the CLI and returns the process exit status.
func execute(ctx context.Context, rootCmd *cobra.Command, args []string, stderr io.Writer) int {
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(ctx)
	code := replicator.ExitCode(err)
	switch {
	case err == nil:
	case code == replicator.ExitOK:
		slog.Info("stopped", "reason", err)
	default:
		fmt.Fprintln(stderr, red.Render("Error: ")+err.Error())
		fmt.Fprintln(stderr, gray.Render(replicator.Describe(err)))
		if code == replicator.ExitDesync {
			fmt.Fprintln(stderr, red.Render("Some changes may not have been replicated. Restart file-replicator."))
		}
	}
	return code
}

func main() {
	slog.SetDefault(slog.New(newConsoleHandler(os.Stdout, slog.LevelInfo)))

	// Setup root context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	// a second signal gets the default behaviour and ends the process
	context.AfterFunc(ctx, stop)
	code := execute(ctx, newRootCmd(), os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}
