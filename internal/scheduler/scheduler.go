// Package scheduler runs the periodic maintenance jobs of the results service.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is a unit of maintenance work.
type Job interface {
	Run() error
	Name() string
}

// Entry describes one registered job.
type Entry struct {
	Job  string    `json:"job"`
	Spec string    `json:"schedule"`
	Next time.Time `json:"next"`
	Prev time.Time `json:"prev"`
}

// Scheduler runs jobs on cron schedules. A job still running when its next
// tick fires is skipped, and a panicking job is logged instead of crashing
// the process.
type Scheduler struct {
	cron  *cron.Cron
	log   zerolog.Logger
	specs map[cron.EntryID]scheduled
}

type scheduled struct {
	name string
	spec string
}

// New creates a scheduler whose specs carry an optional leading seconds field.
func New(log zerolog.Logger) *Scheduler {
	log = log.With().Str("component", "scheduler").Logger()
	clog := cronLogger{log: log}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLogger(clog),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
		),
		log:   log,
		specs: make(map[cron.EntryID]scheduled),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info().Int("jobs", len(s.specs)).Msg("Scheduler started")
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info().Msg("Scheduler stopped")
}

// AddJob registers job under a cron spec, e.g. "0 */5 * * * *", "*/10 * * * *",
// "@hourly" or "@every 6h". It must be called before Start.
func (s *Scheduler) AddJob(spec string, job Job) error {
	id, err := s.cron.AddFunc(spec, func() { s.run(job) })
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.Name(), err)
	}
	s.specs[id] = scheduled{name: job.Name(), spec: spec}
	s.log.Info().Str("schedule", spec).Str("job", job.Name()).Msg("Job registered")
	return nil
}

func (s *Scheduler) run(job Job) {
	start := time.Now()
	if err := job.Run(); err != nil {
		s.log.Error().Err(err).Str("job", job.Name()).Dur("duration_ms", time.Since(start)).Msg("Job failed")
		return
	}
	s.log.Debug().Str("job", job.Name()).Dur("duration_ms", time.Since(start)).Msg("Job completed")
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.specs)
}

// Entries lists registered jobs with their next and previous run times.
func (s *Scheduler) Entries() []Entry {
	var out []Entry
	for _, e := range s.cron.Entries() {
		sc := s.specs[e.ID]
		out = append(out, Entry{Job: sc.name, Spec: sc.spec, Next: e.Next, Prev: e.Prev})
	}
	return out
}

// RunNow executes a job immediately, outside its schedule.
func (s *Scheduler) RunNow(job Job) error {
	s.log.Info().Str("job", job.Name()).Msg("Running job immediately")
	return job.Run()
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
