package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/flowslide/tiersync/internal/snapshot"
	"github.com/flowslide/tiersync/internal/telemetry"
	"github.com/flowslide/tiersync/internal/types"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "run the sync daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := telemetry.Init(ctx, "tiersyncd", version); err != nil {
		return err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.Shutdown(shutCtx)
	}()

	a, err := newApp(ctx, flagConfig)
	if err != nil {
		return err
	}
	defer a.close()

	log.Printf("tiersyncd %s starting in mode %s (db %s)", version, a.detector.Current(), a.cfg.LocalDBPath)

	if err := telemetry.RegisterSyncObservers(a.engine.Status); err != nil {
		log.Printf("telemetry: %v", err)
	}

	go a.detector.Run(ctx)
	go a.mirror.Run(ctx)
	go purgeTombstonesLoop(ctx, a)

	if a.cfg.EnableDataSync {
		a.engine.Start(ctx)
		// Criticals converge before anything else reads them.
		a.engine.StartupSync(ctx)
	} else {
		log.Printf("data sync disabled by configuration")
	}

	if a.snaps != nil && a.cfg.BackupSchedule != "" {
		sched, err := snapshot.ParseSchedule(a.cfg.BackupSchedule)
		if err != nil {
			return err
		}
		log.Printf("backup schedule %q active", sched)
		go a.snaps.RunScheduled(ctx, sched)
	}

	<-ctx.Done()
	log.Printf("tiersyncd shutting down")
	return nil
}

// purgeTombstonesLoop garbage-collects expired tombstones daily.
func purgeTombstonesLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := a.clk.NowMillis() - types.TombstoneRetention.Milliseconds()
			n, err := a.local.PurgeTombstones(ctx, cutoff)
			if err != nil {
				log.Printf("tombstone purge: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("purged %d expired tombstones", n)
			}
		}
	}
}
