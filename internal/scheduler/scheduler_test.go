package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/zfit/internal/archive"
	"github.com/aristath/zfit/internal/database"
	"github.com/aristath/zfit/internal/shm"
)

var quiet = zerolog.New(nil).Level(zerolog.Disabled)

type countingJob struct {
	runs atomic.Int32
	err  error
}

func (j *countingJob) Name() string { return "counting" }

func (j *countingJob) Run() error {
	j.runs.Add(1)
	return j.err
}

func TestScheduler_AddJob(t *testing.T) {
	s := New(quiet)

	assert.Error(t, s.AddJob("not a schedule", &countingJob{}))
	assert.Zero(t, s.Jobs())

	require.NoError(t, s.AddJob("@every 6h", &countingJob{}))
	require.NoError(t, s.AddJob("0 */5 * * * *", &countingJob{}))
	assert.Equal(t, 2, s.Jobs())

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.ElementsMatch(t, []string{"@every 6h", "0 */5 * * * *"}, []string{entries[0].Spec, entries[1].Spec})
	assert.Equal(t, "counting", entries[0].Job)
}

type panickingJob struct{}

func (panickingJob) Name() string { return "panicking" }
func (panickingJob) Run() error   { panic("boom") }

func TestScheduler_RecoversPanics(t *testing.T) {
	s := New(quiet)
	job := &countingJob{}
	require.NoError(t, s.AddJob("@every 1s", panickingJob{}))
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_FiveFieldSpec(t *testing.T) {
	s := New(quiet)
	require.NoError(t, s.AddJob("*/10 * * * *", &countingJob{}))
	assert.Equal(t, 1, s.Jobs())
}

func TestCronLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	l := cronLogger{log: zerolog.New(&buf)}
	l.Error(errors.New("bad"), "job panicked", "entry", 3)
	assert.Contains(t, buf.String(), `"entry":3`)
	assert.Contains(t, buf.String(), `"error":"bad"`)
}

func TestScheduler_RunsOnSchedule(t *testing.T) {
	s := New(quiet)
	job := &countingJob{err: errors.New("failures are logged, not fatal")}
	require.NoError(t, s.AddJob("@every 1s", job))

	s.Start()
	defer s.Stop()
	assert.Eventually(t, func() bool { return job.runs.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)
}

func TestScheduler_RunNow(t *testing.T) {
	s := New(quiet)
	job := &countingJob{err: errors.New("boom")}
	assert.EqualError(t, s.RunNow(job), "boom")
	assert.EqualValues(t, 1, job.runs.Load())
}

func newDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(database.Config{Path: filepath.Join(t.TempDir(), "results.db"), Name: "results"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = db.Conn().Exec("CREATE TABLE t (x INTEGER); INSERT INTO t VALUES (1), (2)")
	require.NoError(t, err)
	return db
}

func TestDatabaseJobs(t *testing.T) {
	db := newDB(t)

	wal := NewWALCheckpointJob(db, quiet)
	assert.Equal(t, "wal_checkpoint", wal.Name())
	assert.NoError(t, wal.Run())

	health := NewHealthCheckJob(db, quiet)
	assert.Equal(t, "health_check", health.Name())
	assert.NoError(t, health.Run())
}

func TestShmSweepJob(t *testing.T) {
	store, err := shm.NewStore(t.TempDir())
	require.NoError(t, err)
	seg, err := store.Create(shm.Floats("x", []float64{1}))
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(seg.Path(), past, past))

	job := NewShmSweepJob(store, 24*time.Hour, quiet)
	require.NoError(t, job.Run())
	_, err = os.Stat(seg.Path())
	assert.True(t, os.IsNotExist(err))
}

type sinkClient struct {
	keys []string
}

func (c *sinkClient) Upload(_ context.Context, key string, body io.Reader, _ map[string]string) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	c.keys = append(c.keys, key)
	return nil
}

func (c *sinkClient) List(context.Context, string) ([]archive.Object, error) { return nil, nil }

func (c *sinkClient) Delete(context.Context, string) error { return nil }

func TestArchiveJob(t *testing.T) {
	db := newDB(t)
	client := &sinkClient{}
	svc := archive.NewService(db, client, "zfit", t.TempDir(), quiet)

	job := NewArchiveJob(svc, 30*24*time.Hour, quiet)
	assert.Equal(t, "archive", job.Name())
	require.NoError(t, job.Run())
	require.Len(t, client.keys, 1)
	assert.Contains(t, client.keys[0], "zfit/zfit-")
}
