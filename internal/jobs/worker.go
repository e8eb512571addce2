package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/gapscope/gapscope/internal/analyzer"
	"github.com/gapscope/gapscope/internal/breaker"
	"github.com/gapscope/gapscope/internal/observability"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WorkerConfig configures one worker invocation. Zero values fall back
// to the package defaults.
type WorkerConfig struct {
	Region     string
	InstanceID string
	Version    string

	MaxJobsPerRun     int
	MaxProcessingTime time.Duration
	StallThreshold    time.Duration
}

// Worker drains pending analysis jobs for one region. It is invoked as a
// single bounded run rather than a long-lived loop, so a scheduler (or the
// HTTP trigger endpoint) decides the cadence.
type Worker struct {
	store    JobStore
	analyzer Analyzer
	breaker  CircuitBreaker
	config   WorkerConfig

	workerID string
	now      func() time.Time

	// CPU sampling state between heartbeats. The worker runs on a single
	// goroutine, so no locking is needed.
	lastCPUSeconds float64
	lastSampleAt   time.Time
}

// NewWorker creates a worker with a fresh worker ID.
func NewWorker(store JobStore, az Analyzer, cb CircuitBreaker, config WorkerConfig) *Worker {
	if store == nil {
		panic("jobs: store is required")
	}
	if az == nil {
		panic("jobs: analyzer is required")
	}
	if cb == nil {
		panic("jobs: circuit breaker is required")
	}
	if config.Region == "" {
		config.Region = "us-east"
	}
	if config.InstanceID == "" {
		config.InstanceID = uuid.New().String()
	}
	if config.MaxJobsPerRun <= 0 {
		config.MaxJobsPerRun = MaxJobsPerRun
	}
	if config.MaxProcessingTime <= 0 {
		config.MaxProcessingTime = MaxJobProcessingTime
	}
	if config.StallThreshold <= 0 {
		config.StallThreshold = JobStallThreshold
	}
	return &Worker{
		store:    store,
		analyzer: az,
		breaker:  cb,
		config:   config,
		workerID: fmt.Sprintf("worker-%s-%s", config.Region, uuid.New().String()[:8]),
		now:      time.Now,
	}
}

// WorkerID returns the identifier this worker claims jobs under.
func (w *Worker) WorkerID() string {
	return w.workerID
}

// RunOnce performs one bounded worker invocation: heartbeat, stall
// recovery, claiming, then processing each claimed job. The run claims at
// most MaxJobsPerRun jobs and stops processing once MaxProcessingTime has
// elapsed, reverting anything left unstarted.
func (w *Worker) RunOnce(ctx context.Context) (*RunSummary, error) {
	span := sentry.StartSpan(ctx, "worker.run_once")
	defer span.Finish()

	started := w.now()
	summary := &RunSummary{
		Region:    w.config.Region,
		WorkerID:  w.workerID,
		StartedAt: started,
	}

	w.heartbeat(ctx, 0)

	stalled, err := w.store.ResetStalledJobs(ctx, w.config.Region,
		started.Add(-w.config.StallThreshold), w.config.MaxJobsPerRun)
	if err != nil {
		// Stall recovery is best-effort; a failure must not block the run.
		log.Warn().Err(err).Str("region", w.config.Region).
			Msg("Stalled job recovery failed")
	}
	summary.Stalled = stalled

	claimed, err := w.claim(ctx)
	if err != nil {
		return summary, err
	}

	deadline := started.Add(w.config.MaxProcessingTime)
	for i, job := range claimed {
		if w.now().After(deadline) || ctx.Err() != nil {
			w.revertRemaining(ctx, claimed[i:], "Run budget exhausted before processing")
			break
		}
		w.processJob(ctx, job, summary)
	}

	elapsed := w.now().Sub(started)
	summary.Duration = elapsed.Round(time.Millisecond).String()
	w.heartbeat(ctx, elapsed.Milliseconds())

	log.Info().
		Str("region", summary.Region).
		Str("worker_id", summary.WorkerID).
		Int("processed", summary.Processed).
		Int("completed", summary.Completed).
		Int("failed", summary.Failed).
		Int("skipped", summary.Skipped).
		Int("stalled_recovered", summary.Stalled).
		Str("duration", summary.Duration).
		Msg("Worker run finished")

	return summary, nil
}

// claim takes region-assigned jobs first, then fills the remaining budget
// with unassigned jobs, adopting them into this region.
func (w *Worker) claim(ctx context.Context) ([]*Job, error) {
	claimed, err := w.store.ClaimPendingJobs(ctx, w.config.Region, w.workerID, w.config.MaxJobsPerRun)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending jobs: %w", err)
	}

	if remaining := w.config.MaxJobsPerRun - len(claimed); remaining > 0 {
		unassigned, err := w.store.ClaimUnassignedJobs(ctx, w.config.Region, w.workerID, remaining)
		if err != nil {
			// Region-assigned jobs are already claimed; process what we have.
			log.Warn().Err(err).Msg("Failed to claim unassigned jobs")
			return claimed, nil
		}
		claimed = append(claimed, unassigned...)
	}
	return claimed, nil
}

func (w *Worker) processJob(ctx context.Context, job *Job, summary *RunSummary) {
	summary.Processed++
	jobStarted := w.now()

	result, err := w.analyze(ctx, job)
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) || errors.Is(err, breaker.ErrCircuitAtCapacity) {
			// Not the job's fault: requeue without burning a retry and
			// without counting against the breaker again.
			summary.Skipped++
			if revertErr := w.store.RevertJobToPending(ctx, job.ID,
				"Deferred: circuit breaker protecting analysis service"); revertErr != nil {
				log.Error().Err(revertErr).Str("job_id", job.ID).
					Msg("Failed to requeue deferred job")
			}
			return
		}

		summary.Failed++
		w.finishJob(ctx, job.ID, func(c context.Context) error {
			return w.store.FailJob(c, job.ID, err.Error())
		})
		observability.RecordJob(ctx, observability.JobMetrics{
			Region:   w.config.Region,
			Status:   string(JobStatusFailed),
			Duration: w.now().Sub(jobStarted),
		})
		return
	}

	summary.Completed++
	w.finishJob(ctx, job.ID, func(c context.Context) error {
		return w.store.CompleteJob(c, job.ID, result.ContentGaps, result.PopularThemes)
	})
	observability.RecordJob(ctx, observability.JobMetrics{
		Region:   w.config.Region,
		Status:   string(JobStatusCompleted),
		Duration: w.now().Sub(jobStarted),
	})
}

// analyze invokes the analysis service through the circuit breaker.
func (w *Worker) analyze(ctx context.Context, job *Job) (*analyzer.Result, error) {
	var result *analyzer.Result
	err := w.breaker.Execute(ctx, func(c context.Context) error {
		var err error
		result, err = w.analyzer.Analyze(c, analyzer.Request{
			JobID:          job.ID,
			TargetURL:      job.TargetURL,
			CompetitorURLs: job.CompetitorURLs,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// finishJob commits a terminal transition, rechecking for a concurrent
// cancellation first. A job cancelled mid-analysis stays cancelled.
func (w *Worker) finishJob(ctx context.Context, jobID string, commit func(context.Context) error) {
	status, err := w.store.GetJobStatus(ctx, jobID)
	if err == nil && status == JobStatusCancelled {
		log.Info().Str("job_id", jobID).Msg("Job cancelled during processing, discarding result")
		return
	}

	if err := commit(ctx); err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalise job")
	}
}

func (w *Worker) revertRemaining(ctx context.Context, remaining []*Job, message string) {
	for _, job := range remaining {
		if err := w.store.RevertJobToPending(ctx, job.ID, message); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to requeue unprocessed job")
		}
	}
}

func (w *Worker) heartbeat(ctx context.Context, latencyMs int64) {
	cpuPercent, memoryMB := w.sampleUsage()
	health := &WorkerHealth{
		WorkerID:      w.workerID,
		InstanceID:    w.config.InstanceID,
		RegionID:      w.config.Region,
		Status:        WorkerStatusActive,
		LastHeartbeat: w.now().UTC(),
		CPUUsage:      cpuPercent,
		MemoryUsage:   memoryMB,
		LatencyMs:     latencyMs,
		Version:       w.config.Version,
	}
	if err := w.store.UpsertWorkerHealth(ctx, health); err != nil {
		log.Warn().Err(err).Str("worker_id", w.workerID).Msg("Heartbeat update failed")
	}
}

// sampleUsage reports heap memory in MB and the process CPU percentage
// since the previous heartbeat. The first sample of a process reports
// zero CPU, there being no prior reading to diff against.
func (w *Worker) sampleUsage() (cpuPercent, memoryMB float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memoryMB = float64(ms.Alloc) / (1 << 20)

	sampledAt := time.Now()
	cpu := processCPUSeconds()
	if !w.lastSampleAt.IsZero() {
		wall := sampledAt.Sub(w.lastSampleAt).Seconds()
		if wall > 0 && cpu >= w.lastCPUSeconds {
			cpuPercent = (cpu - w.lastCPUSeconds) / wall * 100
		}
	}
	w.lastCPUSeconds = cpu
	w.lastSampleAt = sampledAt
	return cpuPercent, memoryMB
}
