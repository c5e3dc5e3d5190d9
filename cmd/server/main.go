package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "chatstate",
		Short: "Live chat session state server",
		Long: `chatstate folds live chat events into a single session snapshot and
publishes every new snapshot to websocket subscribers.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Development logging")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newReplayCommand(opts))
	return rootCmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
