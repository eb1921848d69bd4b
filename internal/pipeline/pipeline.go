package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/zfit/internal/comm"
	"github.com/aristath/zfit/internal/results"
	"github.com/aristath/zfit/internal/shm"
	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/targets"
	"github.com/aristath/zfit/internal/templates"
	"github.com/aristath/zfit/internal/workers"
	"github.com/aristath/zfit/internal/zfind"
)

// Root is the rank that reads the bundle and stores the results.
const Root = 0

// Options configures one rank of a run.
type Options struct {
	Comm    comm.Comm           // nil runs single process
	Workers int                 // fit goroutines on this rank
	NMinima int                 // candidates per template
	Store   *shm.Store          // optional; targets are packed into it while fitting
	Results *results.Repository // used on Root only, nil skips storage
	Source  string              // recorded with the run
	Log     zerolog.Logger
}

// Outcome is what Run returns on every rank.
type Outcome struct {
	RunID   string         // empty off Root or when nothing was stored
	Local   []zfind.Result // results fitted on this rank
	Results []zfind.Result // all results, ordered by target id
}

type model struct {
	Templates []*templates.Template `msgpack:"templates"`
	Redshifts []float64             `msgpack:"redshifts"`
}

// Run executes one rank of a fitting job. bundle is read on Root only; other
// ranks pass nil. Every rank of the communicator must call Run.
func Run(ctx context.Context, bundle *Bundle, opts Options) (Outcome, error) {
	c := opts.Comm
	if c == nil {
		group, err := comm.NewGroup(1)
		if err != nil {
			return Outcome{}, err
		}
		c = group[0]
	}
	log := opts.Log.With().Str("component", "pipeline").Int("rank", c.Rank()).Logger()
	start := time.Now()

	var m model
	var local []*spectra.Target
	if c.Rank() == Root {
		if bundle == nil {
			return Outcome{}, errors.New("root rank needs a bundle")
		}
		m = model{Templates: bundle.Templates, Redshifts: bundle.Redshifts}
		local = bundle.Targets
	}
	if err := comm.BcastValue(ctx, c, Root, &m); err != nil {
		return Outcome{}, fmt.Errorf("failed to broadcast templates: %w", err)
	}

	finder, err := zfind.New(m.Templates, m.Redshifts, opts.NMinima, opts.Log)
	if err != nil {
		return Outcome{}, err
	}

	dist, err := targets.NewCopy(ctx, local, c, Root, opts.Log)
	if err != nil {
		return Outcome{}, err
	}
	log.Info().
		Int("local_targets", len(dist.Local())).
		Int("all_targets", len(dist.AllTargetIDs())).
		Msg("Targets distributed")

	pool := workers.NewPool(opts.Workers, opts.Store, opts.Log)
	fitted, err := pool.Fit(ctx, dist.Local(), finder.Fit)
	if err != nil {
		return Outcome{}, err
	}

	perRank, err := comm.AllgatherValues(ctx, c, fitted)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to gather results: %w", err)
	}
	all := Merge(perRank)

	out := Outcome{Local: fitted, Results: all}
	if c.Rank() == Root && opts.Results != nil {
		runID, err := opts.Results.StartRun(ctx, opts.NMinima, c.Size(), opts.Source)
		if err != nil {
			return Outcome{}, err
		}
		if err := opts.Results.SaveResults(ctx, runID, all); err != nil {
			return Outcome{}, err
		}
		out.RunID = runID
	}

	log.Info().
		Int("fitted", len(fitted)).
		Dur("duration_ms", time.Since(start)).
		Msg("Run finished")
	return out, nil
}

// Merge flattens per-rank results and orders them by target id.
func Merge(perRank [][]zfind.Result) []zfind.Result {
	var all []zfind.Result
	for _, r := range perRank {
		all = append(all, r...)
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].TargetID.Less(all[j].TargetID) })
	return all
}
