package commands

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/DEEJ4Y/batchjob"
	"github.com/DEEJ4Y/batchjob/internal/config"
	"github.com/DEEJ4Y/batchjob/internal/logger"
	"github.com/DEEJ4Y/batchjob/internal/server"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ServeCmd runs the scheduler until SIGINT or SIGTERM.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and its tick endpoint",
	Long: `Run the scheduler of this replica.

The tick endpoint (POST /_batchjob/tick) lets peers hand over the next
tick. With tick.self_trigger disabled, ticks come only from that endpoint,
e.g. from an external cron hitting the load balancer.`,
	RunE: runServe,
}

func init() {
	ServeCmd.Flags().String("addr", "", "HTTP listen address (overrides http.addr)")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := config.New()
	if f := cmd.Flags().Lookup("addr"); f != nil && f.Changed {
		v.Set("http.addr", f.Value.String())
	}
	configFile, _ := cmd.Flags().GetString("config")
	return config.Load(v, configFile)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.Log.JSON, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	b, err := openBackend(openCtx, cfg, log)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.close(closeCtx); err != nil {
			log.Warnw("Failed to close store", "error", err)
		}
	}()

	sched, err := newScheduler(cfg, b, log)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           server.New(sched, b.store, log, cfg.Tick.Interval+cfg.Tick.Lookahead),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Infow("Listening", "addr", cfg.HTTP.Addr, "pod", sched.PodName(), "driver", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Infow("Shutting down")
	case runErr = <-serveErr:
		runErr = errors.Wrap(runErr, "http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.CombineErrors(runErr, errors.Wrap(err, "http shutdown failed"))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		runErr = errors.CombineErrors(runErr, err)
	}
	return runErr
}

func newScheduler(cfg *config.Config, b *backend, log *zap.SugaredLogger) (*batchjob.Scheduler, error) {
	var peer batchjob.PeerTrigger
	if cfg.Peer.URL != "" {
		trigger, err := batchjob.NewHTTPPeerTrigger(batchjob.HTTPPeerTriggerConfig{
			Method:    cfg.Peer.Method,
			URL:       cfg.Peer.URL,
			Timeout:   cfg.Peer.Timeout,
			PerMinute: cfg.Peer.RatePerMinute,
		})
		if err != nil {
			return nil, err
		}
		peer = trigger
	}

	return batchjob.New(batchjob.Config{
		Store:              b.store,
		Tenants:            b.tenants,
		Executor:           &batchjob.HTTPExecutor{BaseURL: cfg.Executor.BaseURL},
		PeerTrigger:        peer,
		Logger:             log,
		PodName:            cfg.PodName,
		TickInterval:       cfg.Tick.Interval,
		Lookahead:          cfg.Tick.Lookahead,
		DisableSelfTrigger: !cfg.Tick.SelfTrigger,
		DefaultJobTimeout:  cfg.Executor.DefaultTimeout,
		StoreTimeout:       cfg.Store.Timeout,
		QueueConcurrency:   cfg.Queue.Concurrency,
		OnError: func(_ context.Context, err error) {
			log.Warnw("Tick error", "error", err)
		},
	})
}
