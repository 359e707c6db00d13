package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/freebrew/liveRAID/internal/executor"
	"github.com/freebrew/liveRAID/internal/server"
	"github.com/freebrew/liveRAID/internal/sysctx"
)

func newServeCmd() *cobra.Command {
	var bind string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve discovery, planning and apply over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			if bind == "" {
				bind = a.cfg.Bind
			}
			ctx := cmd.Context()
			sys, err := sysctx.Detect(ctx, a.run, sysctx.Options{Firmware: a.cfg.Firmware, Table: a.cfg.PartitionTable})
			if err != nil {
				return err
			}

			var gatherer prometheus.Gatherer
			if a.cfg.MetricsEnabled {
				gatherer = server.NewRegistry(Version, GitCommit)
			}
			srv := server.New(ctx, server.Options{
				Version:       Version,
				Logger:        a.log,
				Scan:          a.scan,
				Guard:         a.guard(sys, a.executor(nil)),
				Journal:       executor.NewJournal(a.cfg.StateDir),
				Gatherer:      gatherer,
				Planner:       a.plannerOptions(),
				Candidates:    a.candidates(),
				CORSOrigins:   a.cfg.CORSOrigins,
				SettleTimeout: a.cfg.SettleTimeout,
			})
			defer srv.Close()

			hs := &http.Server{
				Addr:              bind,
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				a.log.Info().Str("addr", bind).Bool("dryRun", a.cfg.DryRun).Msgf("raidctl listening on http://%s", bind)
				if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				return hs.Shutdown(shutdownCtx)
			})
			err = g.Wait()
			// Applies run detached from requests; let them finish their rollback.
			srv.Wait()
			a.log.Info().Msg("server stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&bind, "bind", "", "listen address (default from config)")
	return cmd
}
