package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/aristath/zfit/internal/comm"
	"github.com/aristath/zfit/internal/database"
	"github.com/aristath/zfit/internal/pipeline"
	"github.com/aristath/zfit/internal/results"
	"github.com/aristath/zfit/internal/shm"
	"github.com/aristath/zfit/internal/zfind"
	"github.com/aristath/zfit/pkg/logger"
)

var (
	runBundle  string
	runHub     string
	runRank    int
	runSize    int
	runNoStore bool
	runNoShm   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Fit every target of a bundle",
	Long: `Fit every target of a msgpack bundle against its templates.

Without --hub the run is a single process. With --hub, start one process per
rank against a running "zfit hub"; rank 0 reads the bundle and stores results.

Examples:
  zfit run --bundle tile-80605.msgpack
  zfit run --hub ws://head:9090 --size 4 --rank 0 --bundle tile.msgpack
  zfit run --hub ws://head:9090 --size 4 --rank 1`,
	RunE: runFit,
}

func init() {
	runCmd.Flags().StringVar(&runBundle, "bundle", "", "input bundle (rank 0)")
	runCmd.Flags().StringVar(&runHub, "hub", "", "ws:// address of the collective hub (defaults to hub_url)")
	runCmd.Flags().IntVar(&runRank, "rank", 0, "rank of this process")
	runCmd.Flags().IntVar(&runSize, "size", 1, "number of processes")
	runCmd.Flags().BoolVar(&runNoStore, "no-store", false, "do not write results to the database")
	runCmd.Flags().BoolVar(&runNoShm, "no-shm", false, "keep spectra in process memory while fitting")
}

func runFit(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubURL := runHub
	if hubURL == "" {
		hubURL = cfg.HubURL
	}
	if runSize > 1 && hubURL == "" {
		return errors.New("--size > 1 needs --hub")
	}

	var c comm.Comm
	if runSize > 1 {
		var err error
		c, err = comm.Dial(ctx, hubURL, runRank, runSize, log)
		if err != nil {
			return err
		}
		defer c.Close()
	}
	rank := 0
	if c != nil {
		rank = c.Rank()
	}
	rlog := logger.WithRank(log, rank, runSize)

	opts := pipeline.Options{
		Comm:    c,
		Workers: cfg.Workers,
		NMinima: cfg.NMinima,
		Source:  runBundle,
		Log:     rlog,
	}
	if !runNoShm {
		store, err := shm.NewStore(cfg.ShmDir)
		if err != nil {
			return err
		}
		opts.Store = store
	}

	var bundle *pipeline.Bundle
	if rank == pipeline.Root {
		if runBundle == "" {
			return errors.New("rank 0 needs --bundle")
		}
		var err error
		if bundle, err = pipeline.LoadBundle(runBundle); err != nil {
			return err
		}
		rlog.Info().Int("targets", len(bundle.Targets)).Int("templates", len(bundle.Templates)).Msg("Bundle loaded")

		if !runNoStore {
			db, err := openResultsDB(ctx)
			if err != nil {
				return err
			}
			defer db.Close()
			opts.Results = results.NewRepository(db.Conn(), log)
		}
	}

	out, err := pipeline.Run(ctx, bundle, opts)
	if err != nil {
		return err
	}
	if rank == pipeline.Root {
		if out.RunID != "" {
			rlog.Info().Str("run", out.RunID).Msg("Results stored")
		}
		return printResults(out.Results)
	}
	return nil
}

func openResultsDB(ctx context.Context) (*database.DB, error) {
	db, err := database.New(database.Config{
		Path:    cfg.DatabasePath(),
		Profile: database.ProfileStandard,
		Name:    "results",
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, results.Schema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func printResults(res []zfind.Result) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TARGETID\tZ\tZERR\tZWARN\tSPECTYPE\tDELTACHI2")
	for _, r := range res {
		best, ok := r.Best()
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s\t%.6f\t%.2e\t%s\t%s\t%.2f\n",
			r.TargetID, best.Z, best.ZErr, best.ZWarn, best.SpecType, best.DeltaChi2)
	}
	return w.Flush()
}
