package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/parallel-runner/internal/engine"
	"github.com/t77yq/parallel-runner/internal/model"
)

// BatchRunner executes one batch to completion. *engine.Executor satisfies
// this.
type BatchRunner interface {
	Run(ctx context.Context, tasks []*model.Task) (map[string]*model.TaskResult, error)
}

// BatchSource produces a fresh set of tasks for each firing. Tasks carry
// per-run mutable state, so sources must not hand out the same instances
// twice.
type BatchSource func() []*model.Task

// RecurringRun describes a batch executed on a cron expression.
type RecurringRun struct {
	ID         string
	Name       string
	Expression string
	Source     BatchSource

	LastRunAt *time.Time
	NextRunAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CronRunner fires recurring batches through a BatchRunner. Firings that
// overlap a still-running batch are skipped and logged.
type CronRunner struct {
	logger   *zap.Logger
	cron     *cron.Cron
	runner   BatchRunner
	parser   cron.Parser
	runs     sync.Map
	entryIDs sync.Map
}

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg)
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err))
}

// NewCronRunner creates a new cron runner.
func NewCronRunner(runner BatchRunner, logger *zap.Logger) *CronRunner {
	cl := &cronLogger{logger: logger.Named("cron")}
	cronOptions := []cron.Option{
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(cl)),
	}

	return &CronRunner{
		logger: logger.Named("schedule"),
		cron:   cron.New(cronOptions...),
		runner: runner,
		parser: cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Start starts the cron loop.
func (r *CronRunner) Start() {
	r.cron.Start()
}

// Stop stops the cron loop and waits for in-flight jobs.
func (r *CronRunner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
}

// Add registers a recurring run.
func (r *CronRunner) Add(run *RecurringRun) error {
	if run.Source == nil {
		return fmt.Errorf("recurring run %q has no batch source", run.Name)
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.UpdatedAt = time.Now()

	spec, err := r.parser.Parse(run.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	r.runs.Store(run.ID, run)

	entryID, err := r.cron.AddJob(run.Expression, &cronJob{
		runner: r,
		run:    run,
	})
	if err != nil {
		r.runs.Delete(run.ID)
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	r.entryIDs.Store(run.ID, entryID)

	next := spec.Next(time.Now())
	run.NextRunAt = &next

	r.logger.Info("Added recurring run",
		zap.String("id", run.ID),
		zap.String("name", run.Name),
		zap.String("expression", run.Expression),
		zap.Time("next_run", next))

	return nil
}

// Remove unregisters a recurring run.
func (r *CronRunner) Remove(id string) error {
	entryIDVal, ok := r.entryIDs.Load(id)
	if !ok {
		return fmt.Errorf("recurring run not found: %s", id)
	}

	r.cron.Remove(entryIDVal.(cron.EntryID))
	r.entryIDs.Delete(id)
	r.runs.Delete(id)

	r.logger.Info("Removed recurring run", zap.String("id", id))
	return nil
}

// Get returns a recurring run by id.
func (r *CronRunner) Get(id string) (*RecurringRun, error) {
	val, ok := r.runs.Load(id)
	if !ok {
		return nil, fmt.Errorf("recurring run not found: %s", id)
	}
	return val.(*RecurringRun), nil
}

// List returns all registered recurring runs.
func (r *CronRunner) List() []*RecurringRun {
	var runs []*RecurringRun
	r.runs.Range(func(key, value interface{}) bool {
		runs = append(runs, value.(*RecurringRun))
		return true
	})
	return runs
}

// cronJob implements cron.Job
type cronJob struct {
	runner *CronRunner
	run    *RecurringRun
}

func (j *cronJob) Run() {
	now := time.Now()
	j.run.LastRunAt = &now

	if spec, err := j.runner.parser.Parse(j.run.Expression); err == nil {
		next := spec.Next(now)
		j.run.NextRunAt = &next
	}

	tasks := j.run.Source()
	if len(tasks) == 0 {
		j.runner.logger.Debug("Recurring run produced no tasks",
			zap.String("id", j.run.ID))
		return
	}

	results, err := j.runner.runner.Run(context.Background(), tasks)
	if err != nil {
		if errors.Is(err, engine.ErrRunInProgress) {
			j.runner.logger.Warn("Skipping firing, previous batch still running",
				zap.String("id", j.run.ID),
				zap.String("name", j.run.Name))
			return
		}
		j.runner.logger.Error("Recurring run failed",
			zap.String("id", j.run.ID),
			zap.String("name", j.run.Name),
			zap.Error(err))
		return
	}

	var passed, failed, skipped int
	for _, result := range results {
		switch result.Status {
		case model.ResultPassed:
			passed++
		case model.ResultFailed:
			failed++
		case model.ResultSkipped:
			skipped++
		}
	}

	j.runner.logger.Info("Recurring run completed",
		zap.String("id", j.run.ID),
		zap.String("name", j.run.Name),
		zap.Int("passed", passed),
		zap.Int("failed", failed),
		zap.Int("skipped", skipped),
		zap.Time("executed_at", now))
}
