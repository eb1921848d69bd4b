// Package results persists redshift fit results per run.
package results

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/zfit/internal/database"
	"github.com/aristath/zfit/internal/spectra"
	"github.com/aristath/zfit/internal/zfind"
	"github.com/aristath/zfit/internal/zfit"
	"github.com/aristath/zfit/internal/zwarn"
)

// ErrNotFound is returned when a run or target does not exist.
var ErrNotFound = errors.New("not found")

// Schema creates the results tables.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL,
	finished_at INTEGER,
	nminima INTEGER NOT NULL,
	nranks INTEGER NOT NULL DEFAULT 1,
	ntargets INTEGER NOT NULL DEFAULT 0,
	source TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS candidates (
	run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	target_id TEXT NOT NULL,
	rank INTEGER NOT NULL,
	z REAL NOT NULL,
	zerr REAL NOT NULL,
	zwarn INTEGER NOT NULL,
	chi2 REAL NOT NULL,
	deltachi2 REAL NOT NULL,
	spectype TEXT NOT NULL,
	subtype TEXT NOT NULL,
	coeff BLOB,
	zz BLOB,
	zzchi2 BLOB,
	PRIMARY KEY (run_id, target_id, rank)
);

CREATE INDEX IF NOT EXISTS idx_candidates_run ON candidates(run_id, rank);
`

// Run describes one fitting run.
type Run struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	NMinima    int        `json:"nminima"`
	NRanks     int        `json:"nranks"`
	NTargets   int        `json:"ntargets"`
	Source     string     `json:"source"`
}

// TargetSummary is the best candidate of one target.
type TargetSummary struct {
	TargetID  spectra.TargetID `json:"targetid"`
	Z         float64          `json:"z"`
	ZErr      float64          `json:"zerr"`
	ZWarn     zwarn.Mask       `json:"zwarn"`
	Flags     string           `json:"flags"`
	Chi2      float64          `json:"chi2"`
	DeltaChi2 float64          `json:"deltachi2"`
	SpecType  string           `json:"spectype"`
	Subtype   string           `json:"subtype"`
}

// Repository reads and writes runs and their candidates.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
	now func() time.Time
}

// NewRepository creates a repository over an open connection whose schema
// has been applied.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "results_repository").Logger(),
		now: time.Now,
	}
}

// StartRun records a new run and returns its id.
func (r *Repository) StartRun(ctx context.Context, nminima, nranks int, source string) (string, error) {
	id := uuid.New().String()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO runs (id, started_at, nminima, nranks, source)
		VALUES (?, ?, ?, ?, ?)
	`, id, r.now().Unix(), nminima, nranks, source)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	r.log.Info().Str("run", id).Str("source", source).Msg("Run started")
	return id, nil
}

// SaveResults stores the ranked candidates of every result and marks the run
// finished.
func (r *Repository) SaveResults(ctx context.Context, runID string, res []zfind.Result) error {
	err := database.WithTransaction(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candidates (run_id, target_id, rank, z, zerr, zwarn, chi2, deltachi2,
				spectype, subtype, coeff, zz, zzchi2)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert: %w", err)
		}
		defer stmt.Close()

		for _, t := range res {
			for rank, c := range t.Candidates {
				coeff, zz, zzchi2, err := encodeArrays(c)
				if err != nil {
					return err
				}
				if _, err := stmt.ExecContext(ctx, runID, string(t.TargetID), rank, c.Z, c.ZErr, int64(c.ZWarn),
					c.Chi2, c.DeltaChi2, c.SpecType, c.Subtype, coeff, zz, zzchi2); err != nil {
					return fmt.Errorf("failed to insert candidate %d of target %s: %w", rank, t.TargetID, err)
				}
			}
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE runs SET finished_at = ?, ntargets = ntargets + ? WHERE id = ?
		`, r.now().Unix(), len(res), runID)
		if err != nil {
			return fmt.Errorf("failed to finish run: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return err
	}

	r.log.Info().Str("run", runID).Int("targets", len(res)).Msg("Results saved")
	return nil
}

func encodeArrays(c zfind.Candidate) (coeff, zz, zzchi2 []byte, err error) {
	if coeff, err = msgpack.Marshal(c.Coeff); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode coefficients: %w", err)
	}
	if zz, err = msgpack.Marshal(c.ZZ); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode fine grid: %w", err)
	}
	if zzchi2, err = msgpack.Marshal(c.ZZChi2); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to encode fine chi2: %w", err)
	}
	return coeff, zz, zzchi2, nil
}

// ListRuns returns every run, newest first.
func (r *Repository) ListRuns(ctx context.Context) ([]Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, started_at, finished_at, nminima, nranks, ntargets, source
		FROM runs
		ORDER BY started_at DESC, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetRun returns one run.
func (r *Repository) GetRun(ctx context.Context, runID string) (Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, nminima, nranks, ntargets, source
		FROM runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (Run, error) {
	var run Run
	var started int64
	var finished sql.NullInt64
	if err := s.Scan(&run.ID, &started, &finished, &run.NMinima, &run.NRanks, &run.NTargets, &run.Source); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Run{}, err
		}
		return Run{}, fmt.Errorf("failed to scan run: %w", err)
	}
	run.StartedAt = time.Unix(started, 0).UTC()
	if finished.Valid {
		t := time.Unix(finished.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

// ListTargets returns the best candidate of every target of a run, ordered by
// target id.
func (r *Repository) ListTargets(ctx context.Context, runID string) ([]TargetSummary, error) {
	if _, err := r.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT target_id, z, zerr, zwarn, chi2, deltachi2, spectype, subtype
		FROM candidates
		WHERE run_id = ? AND rank = 0
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query targets: %w", err)
	}
	defer rows.Close()

	out := []TargetSummary{}
	for rows.Next() {
		var s TargetSummary
		var id string
		var flags int64
		if err := rows.Scan(&id, &s.Z, &s.ZErr, &flags, &s.Chi2, &s.DeltaChi2, &s.SpecType, &s.Subtype); err != nil {
			return nil, fmt.Errorf("failed to scan target: %w", err)
		}
		s.TargetID = spectra.TargetID(id)
		s.ZWarn = zwarn.Mask(flags)
		s.Flags = s.ZWarn.String()
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortSummaries(out)
	return out, nil
}

func sortSummaries(s []TargetSummary) {
	ids := make([]spectra.TargetID, len(s))
	byID := make(map[spectra.TargetID]TargetSummary, len(s))
	for i, v := range s {
		ids[i] = v.TargetID
		byID[v.TargetID] = v
	}
	spectra.SortIDs(ids)
	for i, id := range ids {
		s[i] = byID[id]
	}
}

// GetTarget returns every stored candidate of one target, best first.
func (r *Repository) GetTarget(ctx context.Context, runID string, targetID spectra.TargetID) (zfind.Result, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT z, zerr, zwarn, chi2, deltachi2, spectype, subtype, coeff, zz, zzchi2
		FROM candidates
		WHERE run_id = ? AND target_id = ?
		ORDER BY rank
	`, runID, string(targetID))
	if err != nil {
		return zfind.Result{}, fmt.Errorf("failed to query target: %w", err)
	}
	defer rows.Close()

	res := zfind.Result{TargetID: targetID}
	for rows.Next() {
		var c zfind.Candidate
		var flags int64
		var coeff, zz, zzchi2 []byte
		if err := rows.Scan(&c.Z, &c.ZErr, &flags, &c.Chi2, &c.DeltaChi2, &c.SpecType, &c.Subtype,
			&coeff, &zz, &zzchi2); err != nil {
			return zfind.Result{}, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.ZWarn = zwarn.Mask(flags)
		if err := decodeArrays(&c.Candidate, coeff, zz, zzchi2); err != nil {
			return zfind.Result{}, err
		}
		res.Candidates = append(res.Candidates, c)
	}
	if err := rows.Err(); err != nil {
		return zfind.Result{}, err
	}
	if len(res.Candidates) == 0 {
		return zfind.Result{}, fmt.Errorf("target %s in run %s: %w", targetID, runID, ErrNotFound)
	}
	return res, nil
}

func decodeArrays(c *zfit.Candidate, coeff, zz, zzchi2 []byte) error {
	for _, f := range []struct {
		data []byte
		dst  *[]float64
	}{{coeff, &c.Coeff}, {zz, &c.ZZ}, {zzchi2, &c.ZZChi2}} {
		if len(f.data) == 0 {
			continue
		}
		if err := msgpack.Unmarshal(f.data, f.dst); err != nil {
			return fmt.Errorf("failed to decode candidate arrays: %w", err)
		}
	}
	return nil
}
