package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	cerrors "connecto/errors"
	"connecto/logger"
	"connecto/ui"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "connecto",
	Short: "AirDrop-style SSH key pairing on the local network",
	Long: `Connecto finds other machines on your network and installs SSH keys
between them, so you can ssh in without copying keys by hand.

Examples:
  connecto listen          # on the machine you want to reach
  connecto scan            # on your machine
  connecto pair 0          # pair with the first device found
  connecto sync            # on both machines, for access both ways`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if verbose {
			_ = os.Setenv(logger.DebugEnv, "1")
		}
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print debug logging")
}

// Execute runs the command tree. Ctrl+C cancels the running command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		printError(err)
		os.Exit(1)
	}
}

func printError(err error) {
	if cerrors.CodeOf(err) != "" {
		fmt.Fprint(os.Stderr, err.Error())
		return
	}
	ui.NewPrinter(os.Stdout, os.Stderr).Error("%v", err)
}
