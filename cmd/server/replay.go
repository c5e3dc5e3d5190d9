package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/livechat/sessionstate/internal/chat"
	"github.com/livechat/sessionstate/internal/config"
	"github.com/livechat/sessionstate/internal/feed"
	"github.com/livechat/sessionstate/internal/session"
)

type replayOptions struct {
	*rootOptions
	output  string
	private bool
}

func newReplayCommand(root *rootOptions) *cobra.Command {
	opts := &replayOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "replay <file.jsonl>",
		Short: "Reduce a recorded event file and print the final snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, args[0], cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "json", "Output format: json or yaml")
	cmd.Flags().BoolVar(&opts.private, "privacy", false, "Apply the configured privacy filter")
	return cmd
}

func runReplay(ctx context.Context, opts *replayOptions, path string, out io.Writer) error {
	if opts.output != "json" && opts.output != "yaml" {
		return fmt.Errorf("unknown output format %q", opts.output)
	}

	log, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	store := session.NewStore(session.WithTracer(session.NewZapTracer(log)))
	stats, err := feed.ReplayFile(ctx, path, store, 0, log)
	if err != nil {
		return err
	}
	if stats.Rejected > 0 {
		log.Sugar().Warnf("%d of %d events rejected", stats.Rejected, stats.Read)
	}

	st := store.Snapshot()
	if opts.private {
		cfg, err := config.LoadOrDefault(opts.configPath)
		if err != nil {
			return err
		}
		st = cfg.Privacy.NewPrivacyFilter().Apply(st)
	}
	return writeSnapshot(out, st, opts.output)
}

func writeSnapshot(out io.Writer, st *chat.State, format string) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	if format == "json" {
		_, err = fmt.Fprintln(out, string(data))
		return err
	}

	// go through JSON so YAML keys match the wire names
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
