package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivoronin/dupelink/internal/logger"
)

var (
	version = "dev"
	commit  = "none"
)

// globalOptions holds persistent flags shared by all subcommands.
type globalOptions struct {
	configFile string
	logFile    string
	verbosity  int
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g := &globalOptions{}
	root := &cobra.Command{
		Use:     "dupelink",
		Short:   "Replace duplicate files with hard links",
		Version: version + " (" + commit + ")",
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return logger.Init(logger.Config{Verbosity: g.verbosity, File: g.logFile})
		},
	}

	root.PersistentFlags().StringVar(&g.configFile, "config", "", "YAML config file")
	root.PersistentFlags().StringVar(&g.logFile, "log-file", "", "Also write log to this file (rotated)")
	root.PersistentFlags().CountVarP(&g.verbosity, "verbose", "v", "Log verbosity (-v debug, -vv trace)")

	root.AddCommand(newDedupeCmd(g))

	if err := root.ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
