// Package worker runs delegated jobs on a background worker pool and resumes
// the parent run when each job finishes.
package worker

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tobyms/foreman/internal/bus"
	"github.com/tobyms/foreman/internal/domain"
	"github.com/tobyms/foreman/internal/engine"
	"github.com/tobyms/foreman/internal/store"
)

const (
	// requeueInterval bounds how long a QUEUED job can sit unclaimed after
	// its enqueue was dropped or lost to a restart.
	requeueInterval = 5 * time.Second
	requeueBatch    = 32
)

// Resumer resumes a suspended run with a job outcome. Satisfied by
// *engine.Engine; narrowed for tests.
type Resumer interface {
	Resume(ctx context.Context, runID, jobID, toolCallID string, jobStatus domain.JobStatus, result json.RawMessage) (*domain.Run, error)
}

// Processor consumes queued jobs. Enqueue is fire-and-forget: a dropped
// enqueue is recovered by the requeue sweep, which re-reads QUEUED jobs from
// the store.
type Processor struct {
	store   store.Store
	bus     *bus.Bus
	engine  *engine.Engine
	resumer Resumer

	queue   chan string
	workers int
	group   errgroup.Group
}

// New creates a processor with the given pool size and queue capacity.
func New(st store.Store, b *bus.Bus, eng *engine.Engine, workers, queueSize int) *Processor {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = 1
	}
	return &Processor{
		store:   st,
		bus:     b,
		engine:  eng,
		resumer: eng,
		queue:   make(chan string, queueSize),
		workers: workers,
	}
}

// Start launches the worker pool and the requeue sweep. Workers exit when ctx
// is done; Wait blocks until they have drained.
func (p *Processor) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		id := i
		p.group.Go(func() error {
			p.workerLoop(ctx, id)
			return nil
		})
	}
	p.group.Go(func() error {
		p.requeueLoop(ctx)
		return nil
	})

	// Jobs queued before a restart never got an in-process enqueue.
	p.requeueStale(ctx)
}

// Wait blocks until all workers have exited.
func (p *Processor) Wait() {
	_ = p.group.Wait()
}

// Enqueue hands a job id to the pool without blocking. On a full queue the
// job stays QUEUED in the store and the requeue sweep picks it up.
func (p *Processor) Enqueue(jobID string) {
	select {
	case p.queue <- jobID:
	default:
		log.Printf("WARN: job queue full, deferring job %s to requeue sweep", jobID)
	}
}

// Drain synchronously processes QUEUED jobs one at a time until none remain,
// including jobs spawned by the resumes it triggers. Used by tests and batch
// tooling to run the whole delegation cascade inline.
func (p *Processor) Drain(ctx context.Context) error {
	for {
		jobs, err := p.store.ListJobsByStatus(ctx, domain.JobStatusQueued, 1)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			return nil
		}
		p.process(ctx, jobs[0].JobID)
	}
}

func (p *Processor) workerLoop(ctx context.Context, id int) {
	for {
		select {
		case <-ctx.Done():
			return
		case jobID := <-p.queue:
			p.process(ctx, jobID)
		}
	}
}

func (p *Processor) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(requeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.requeueStale(ctx)
		}
	}
}

func (p *Processor) requeueStale(ctx context.Context) {
	jobs, err := p.store.ListJobsByStatus(ctx, domain.JobStatusQueued, requeueBatch)
	if err != nil {
		log.Printf("ERROR: requeue sweep failed: %v", err)
		return
	}
	for _, job := range jobs {
		p.Enqueue(job.JobID)
	}
}

// process claims and runs one job, then resumes the parent run exactly once.
// The claim CAS makes double-delivery harmless: the loser of the claim walks
// away without touching the job or the run.
func (p *Processor) process(ctx context.Context, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		log.Printf("ERROR: failed to load job %s: %v", jobID, err)
		return
	}
	if job == nil {
		log.Printf("WARN: job %s not found, skipping", jobID)
		return
	}

	claimed, err := p.store.ClaimJob(ctx, jobID)
	if err != nil {
		log.Printf("ERROR: failed to claim job %s: %v", jobID, err)
		return
	}
	if !claimed {
		return
	}
	p.publish(ctx, job, domain.EventTypeJobStarted, domain.JobStartedPayload{JobID: job.JobID, Task: job.Task})

	res := p.engine.ExecuteTask(ctx, job)

	// The guarded update is the exactly-one-resume gate: only the caller
	// that flips the job to terminal may resume the parent.
	completed, err := p.store.CompleteJob(ctx, jobID, res.Status, res.Result)
	if err != nil {
		log.Printf("ERROR: failed to complete job %s: %v", jobID, err)
		return
	}
	if !completed {
		log.Printf("WARN: job %s already completed elsewhere, skipping resume", jobID)
		return
	}
	p.publish(ctx, job, domain.EventTypeJobComplete, domain.JobCompletePayload{
		JobID:  job.JobID,
		Status: res.Status,
		Result: res.Result,
	})

	if _, err := p.resumer.Resume(ctx, job.ParentRunID, job.JobID, job.ToolCallID, res.Status, res.Result); err != nil {
		log.Printf("ERROR: failed to resume run %s after job %s: %v", job.ParentRunID, job.JobID, err)
	}
}

func (p *Processor) publish(ctx context.Context, job *domain.Job, eventType domain.EventType, payload interface{}) {
	event := &domain.Event{
		TraceID: job.TraceID,
		RunID:   job.ParentRunID,
		JobID:   job.JobID,
		Type:    eventType,
		Payload: domain.MustJSON(payload),
	}
	if err := p.bus.Publish(ctx, event); err != nil {
		log.Printf("ERROR: failed to publish %s event for job %s: %v", eventType, job.JobID, err)
	}
}
