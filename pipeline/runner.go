package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/danthegoodman1/kpibridge/catalog"
	"github.com/danthegoodman1/kpibridge/metric"
	"github.com/danthegoodman1/kpibridge/part"
	"github.com/danthegoodman1/kpibridge/partitioner"
	"github.com/danthegoodman1/kpibridge/scoring"
	"github.com/danthegoodman1/kpibridge/table"
	"github.com/danthegoodman1/kpibridge/utils"
	"github.com/rs/zerolog"
)

const (
	StatusNoData        = "no_data"
	StatusFailed        = "failed"
	StatusArchiveFailed = "archive_failed"
)

type (
	// Source is the entity type side of a job, *catalog.EntityType in production
	Source interface {
		Name() string
		TimestampColumn() string
		GetData(ctx context.Context, start, end *time.Time, entities []string) (*table.Batch, error)
		WriteLog(ctx context.Context, e catalog.LogEntry) error
		Checkpoint(ctx context.Context, key string) (time.Time, bool, error)
		SetCheckpoint(ctx context.Context, key string, ts time.Time) error
	}

	// Executor is the scoring side of a job, *scoring.Scorer in production
	Executor interface {
		Name() string
		Execute(ctx context.Context, b *table.Batch) (scoring.Outcome, error)
	}

	Archiver interface {
		Archive(ctx context.Context, req ArchiveRequest) (part.Part, error)
	}

	// Job scores new rows of one entity type with one function
	Job struct {
		Source    Source
		Scorer    Executor
		Archive   bool
		Partition []partitioner.PartitionPlan
	}

	RunResult struct {
		RunID       string         `json:"run_id"`
		EntityType  string         `json:"entity_type"`
		Function    string         `json:"function"`
		Status      string         `json:"status"`
		Rows        int            `json:"rows"`
		RowsScored  int            `json:"rows_scored"`
		RowsSkipped int            `json:"rows_skipped"`
		Checkpoint  *time.Time     `json:"checkpoint,omitempty"`
		Part        *part.Part     `json:"part,omitempty"`
		Message     string         `json:"message,omitempty"`
		Outcome     scoring.Status `json:"-"`
	}

	Runner struct {
		archiver Archiver
		now      func() time.Time
	}
)

// NewRunner creates a runner, a nil archiver disables archiving for every job
func NewRunner(archiver Archiver) *Runner {
	return &Runner{archiver: archiver, now: time.Now}
}

// RunOnce scores everything newer than the job's checkpoint, logs the run to the entity's log table
// and moves the checkpoint. Service failures leave the checkpoint where it was so the rows are retried.
func (r *Runner) RunOnce(ctx context.Context, job Job) (RunResult, error) {
	start := time.Now()
	name, fn := job.Source.Name(), job.Scorer.Name()
	runID := utils.GenRandomID("run_")
	logger := zerolog.Ctx(ctx).With().Str("runID", runID).Str("entityType", name).Str("function", fn).Logger()
	ctx = logger.WithContext(ctx)
	defer metric.TimingWithStart(metric.PipelineRunLatency, start, []string{
		metric.TagAsString(metric.TagEntityType, name),
		metric.TagAsString(metric.TagFunction, fn),
	})

	res := RunResult{RunID: runID, EntityType: name, Function: fn}

	var from *time.Time
	cp, ok, err := job.Source.Checkpoint(ctx, fn)
	if err != nil {
		return res, fmt.Errorf("error in Checkpoint: %w", err)
	}
	if ok {
		next := cp.Add(time.Microsecond)
		from = &next
		res.Checkpoint = &cp
	}
	to := r.now()

	b, err := job.Source.GetData(ctx, from, &to, nil)
	if err != nil {
		return res, fmt.Errorf("error in GetData: %w", err)
	}
	res.Rows = b.Len()
	if b.Len() == 0 {
		logger.Debug().Msg("no new rows")
		res.Status = StatusNoData
		return res, nil
	}

	out, err := job.Scorer.Execute(ctx, b)
	if err != nil {
		res.Status = StatusFailed
		res.Message = err.Error()
		r.writeLog(ctx, job, res)
		return res, fmt.Errorf("error in Execute: %w", err)
	}
	res.Outcome = out.Status
	res.Status = string(out.Status)
	res.RowsScored = out.RowsScored
	res.RowsSkipped = out.RowsSkipped
	if out.Err != nil {
		res.Message = out.Err.Error()
	}

	if job.Archive && r.archiver != nil && out.Status == scoring.StatusScored {
		p, err := r.archiver.Archive(ctx, ArchiveRequest{
			EntityType:      name,
			Function:        fn,
			TimestampColumn: job.Source.TimestampColumn(),
			Partition:       job.Partition,
			Batch:           out.Batch,
		})
		if err != nil {
			res.Status = StatusArchiveFailed
			res.Message = err.Error()
			r.writeLog(ctx, job, res)
			return res, fmt.Errorf("error in Archive: %w", err)
		}
		res.Part = &p
	}

	r.writeLog(ctx, job, res)

	if out.Status == scoring.StatusServiceFailed {
		logger.Warn().Msg("service failed, keeping checkpoint")
		return res, nil
	}
	if latest, ok := b.MaxTimestamp(); ok {
		if err := job.Source.SetCheckpoint(ctx, fn, latest); err != nil {
			return res, fmt.Errorf("error in SetCheckpoint: %w", err)
		}
		res.Checkpoint = &latest
	}
	logger.Debug().Int("rows", res.Rows).Str("status", res.Status).Msg("run complete")
	return res, nil
}

// writeLog failures are only logged, the run result is what matters
func (r *Runner) writeLog(ctx context.Context, job Job, res RunResult) {
	err := job.Source.WriteLog(ctx, catalog.LogEntry{
		FunctionName: res.Function,
		Status:       res.Status,
		RowsScored:   int64(res.RowsScored),
		RowsSkipped:  int64(res.RowsSkipped),
		Message:      res.Message,
		TimestampUTC: r.now(),
	})
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("error writing run log")
	}
}

// RunAll runs every job once, a failing job does not stop the others
func (r *Runner) RunAll(ctx context.Context, jobs []Job) []RunResult {
	results := make([]RunResult, 0, len(jobs))
	for _, job := range jobs {
		res, err := r.RunOnce(ctx, job)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("entityType", res.EntityType).Str("function", res.Function).Msg("job failed")
		}
		results = append(results, res)
	}
	return results
}

// Run runs all jobs every interval until ctx is done
func (r *Runner) Run(ctx context.Context, jobs []Job, interval time.Duration) {
	ctx = logger.WithContext(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		r.RunAll(ctx, jobs)
		select {
		case <-ctx.Done():
			logger.Debug().Msg("runner stopped")
			return
		case <-ticker.C:
		}
	}
}
