package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/aristath/zfit/internal/archive"
	"github.com/aristath/zfit/internal/results"
	"github.com/aristath/zfit/internal/scheduler"
	"github.com/aristath/zfit/internal/server"
	"github.com/aristath/zfit/internal/shm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve stored results over HTTP and run maintenance jobs",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	db, err := openResultsDB(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	sched := scheduler.New(log)
	jobs := []scheduler.Job{
		scheduler.NewWALCheckpointJob(db, log),
		scheduler.NewHealthCheckJob(db, log),
	}
	if err := sched.AddJob("0 */5 * * * *", jobs[0]); err != nil {
		return err
	}
	if err := sched.AddJob("@every 6h", jobs[1]); err != nil {
		return err
	}

	store, err := shm.NewStore(cfg.ShmDir)
	if err != nil {
		return err
	}
	sweep := scheduler.NewShmSweepJob(store, 24*time.Hour, log)
	if err := sched.AddJob("@hourly", sweep); err != nil {
		return err
	}
	jobs = append(jobs, sweep)

	if cfg.Archive.Enabled() {
		client, err := archive.NewS3Client(cmd.Context(), cfg.Archive.Bucket, cfg.Archive.Region, log)
		if err != nil {
			return err
		}
		svc := archive.NewService(db, client, cfg.Archive.Prefix, filepath.Join(cfg.DataDir, "archive-staging"), log)
		job := scheduler.NewArchiveJob(svc, cfg.Archive.Retention(), log)
		if err := sched.AddJob(cfg.Archive.Schedule, job); err != nil {
			return err
		}
		jobs = append(jobs, job)
	} else {
		log.Info().Msg("Archiving disabled, no bucket configured")
	}

	srv := server.New(server.Config{
		Log:       log,
		DB:        db,
		Results:   results.NewRepository(db.Conn(), log),
		Scheduler: sched,
		Jobs:      jobs,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	sched.Start()
	defer sched.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		log.Info().Str("signal", s.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
