package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/livechat/sessionstate/internal/config"
	"github.com/livechat/sessionstate/internal/feed"
	"github.com/livechat/sessionstate/internal/mock"
	"github.com/livechat/sessionstate/internal/session"
	"github.com/livechat/sessionstate/internal/ws"
)

type serveOptions struct {
	*rootOptions
	mock     bool
	port     int
	upstream string
	replay   string
}

func newServeCommand(root *rootOptions) *cobra.Command {
	opts := &serveOptions{rootOptions: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.mock, "mock", false, "Play a scripted demo chat")
	cmd.Flags().IntVar(&opts.port, "port", 0, "Override server port")
	cmd.Flags().StringVar(&opts.upstream, "upstream", "", "Read events from this websocket URL")
	cmd.Flags().StringVar(&opts.replay, "replay", "", "Replay events from a JSONL file")
	return cmd
}

func runServe(ctx context.Context, opts *serveOptions) error {
	log, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer log.Sync()

	cfg, err := config.LoadOrDefault(opts.configPath)
	if err != nil {
		return err
	}
	if opts.port > 0 {
		cfg.Server.Port = opts.port
	}
	if opts.upstream != "" {
		cfg.Feed.UpstreamURL = opts.upstream
	}
	if opts.replay != "" {
		cfg.Feed.ReplayPath = opts.replay
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store := session.NewStore(session.WithTracer(session.NewZapTracer(log)))
	broadcaster := ws.NewBroadcaster(store, cfg.Broadcast, cfg.Privacy.NewPrivacyFilter(), log)
	server := ws.NewServer(cfg, store, broadcaster, log)
	defer func() {
		broadcaster.Stop()
		store.Close()
	}()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ws.ListenAndServe(gctx, cfg.Addr(), server.Routes(), log)
	})

	if opts.mock {
		log.Info("starting in mock mode")
		gen := mock.NewGenerator(store, log, mock.WithLoop(true))
		g.Go(func() error { return gen.Run(gctx) })
	}

	if cfg.Feed.UpstreamURL != "" {
		up := newUpstreamFeed(cfg, store, log)
		g.Go(func() error {
			// the server keeps serving the last snapshot after the feed ends
			if err := up.Run(gctx); err != nil {
				log.Warn("upstream feed stopped", zap.Error(err))
			}
			s := up.Stats()
			log.Info("upstream feed done", zap.Int("read", s.Read), zap.Int("rejected", s.Rejected))
			return nil
		})
	}

	if path := cfg.Feed.ReplayPath; path != "" {
		g.Go(func() error {
			s, err := feed.ReplayFile(gctx, path, store, cfg.Feed.ReplayInterval, log)
			if err != nil && gctx.Err() == nil {
				log.Warn("replay stopped", zap.Error(err))
			}
			log.Info("replay done", zap.String("path", path), zap.Int("read", s.Read), zap.Int("rejected", s.Rejected))
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutting down", zap.Uint64("seq", store.Seq()))
	return err
}

// newUpstreamFeed dials the configured feed with the feed's own token.
// Server.AuthToken guards this server's routes and is never sent upstream.
func newUpstreamFeed(cfg *config.Config, d feed.Dispatcher, log *zap.Logger) *feed.Upstream {
	return feed.NewUpstream(cfg.Feed.UpstreamURL, cfg.Feed.UpstreamToken, d, log)
}
