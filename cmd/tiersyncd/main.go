// tiersyncd is the deployment-mode and data-synchronization daemon. It
// detects the active topology (local, external database, object store, or
// both), runs the per-type sync workers, and exposes operational commands for
// status, manual sync, mode switches, and backups.
package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/flowslide/tiersync/internal/control"
)

// version is stamped by the build.
var version = "dev"

// exitRestartRequired tells the supervisor to restart the daemon (after a
// restore, for example) rather than treat the exit as a failure.
const exitRestartRequired = 42

var (
	flagConfig  string
	flagJSON    bool
	flagLogFile string
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "tiersyncd",
		Short:         "multi-tier data synchronization daemon",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (env always wins)")
	root.PersistentFlags().BoolVar(&flagJSON, "json", false, "emit JSON output")
	root.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "append logs to this file (rotated)")

	root.AddCommand(
		newServeCmd(),
		newStatusCmd(),
		newModeCmd(),
		newSwitchCmd(),
		newValidateCmd(),
		newSyncCmd(),
		newBackupCmd(),
		newHistoryCmd(),
	)
	return root
}

// setupLogging routes the standard logger to the rotated log file when one is
// configured; otherwise logs go to stderr.
func setupLogging() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	if flagLogFile == "" {
		return
	}
	rotated := &lumberjack.Logger{
		Filename:   flagLogFile,
		MaxSize:    50, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotated))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		if errors.Is(err, control.ErrRestartRequired) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitRestartRequired)
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
