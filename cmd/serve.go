package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/homenest/nous/internal/config"
	"github.com/homenest/nous/internal/dispatch"
	"github.com/homenest/nous/internal/ingest"
	"github.com/homenest/nous/internal/monitoring"
	"github.com/homenest/nous/internal/queue"
	"github.com/homenest/nous/internal/server"
	"github.com/homenest/nous/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API and scheduled dispatch jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}
		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}

		metrics := monitoring.NewMetrics()
		d, err := initDispatcher(st, metrics)
		if err != nil {
			return err
		}

		api := server.New(server.Deps{
			Store:         st,
			Importer:      ingest.NewImporter(st),
			Builder:       queue.NewBuilder(st),
			Dispatcher:    d,
			Metrics:       metrics,
			Server:        cfg.Server,
			Import:        cfg.Import,
			WebhookSecret: cfg.Workflow.Secret,
		})
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		mc := cfg.Monitoring
		if cfg.VoiceAgent.Key == "" {
			mc.SyncSchedule = ""
		}
		sched, err := newScheduler(ctx, mc, d, st, metrics)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})
		g.Go(func() error {
			sched.Start()
			<-gctx.Done()
			<-sched.Stop().Done()
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 15*time.Second)
			defer cancel()
			return eris.Wrap(srv.Shutdown(shutdownCtx), "server shutdown")
		})
		return g.Wait()
	},
}

// newScheduler registers the periodic call sync, retry sweep and alert
// check. An empty schedule disables that job.
func newScheduler(ctx context.Context, mc config.MonitoringConfig, d *dispatch.Dispatcher, st store.Store, metrics *monitoring.Metrics) (*cron.Cron, error) {
	c := cron.New()
	checker := monitoring.NewChecker(monitoring.NewCollector(st, metrics), monitoring.NewAlerter(mc), mc)

	jobs := []struct {
		name     string
		schedule string
		run      func(context.Context) error
	}{
		{"call-sync", mc.SyncSchedule, func(ctx context.Context) error {
			_, err := d.SyncCallStatuses(ctx)
			return err
		}},
		{"retry-sweep", mc.RetrySchedule, func(ctx context.Context) error {
			_, err := d.SweepRetries(ctx)
			return err
		}},
		{"alert-check", mc.CheckSchedule, func(ctx context.Context) error {
			_, err := checker.Check(ctx)
			return err
		}},
	}

	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		log := zap.L().With(zap.String("job", j.name))
		run := j.run
		if _, err := c.AddFunc(j.schedule, func() {
			if err := run(ctx); err != nil {
				log.Warn("scheduled job failed", zap.Error(err))
			}
		}); err != nil {
			return nil, eris.Wrapf(err, "invalid %s schedule %q", j.name, j.schedule)
		}
		log.Info("scheduled job", zap.String("schedule", j.schedule))
	}
	return c, nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
