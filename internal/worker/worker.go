// Package worker drains the Redis-backed job queue (spec §5 "Background
// workers (job queue) process long-running deployment and lifecycle tasks
// off the request path so API calls return within a small bound") and
// dispatches each job into the Deployment Orchestrator or the Lifecycle
// Manager.
package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proximity/internal/coreerr"
	"proximity/internal/jobqueue"
	"proximity/internal/lifecycle"
	"proximity/internal/logger"
	"proximity/internal/orchestrator"
)

const dequeueTimeout = 5 * time.Second

// cloneJobPayload is the jobqueue.Job.Payload shape for operation "clone".
type cloneJobPayload struct {
	NewHostname string `json:"new_hostname"`
}

// Pool runs one goroutine per job family (deploy, lifecycle), each pulling
// jobs off its own queue and blocking on the next job once idle.
type Pool struct {
	queue        *jobqueue.Queue
	orchestrator *orchestrator.Orchestrator
	lifecycle    *lifecycle.Manager
}

// New constructs a worker Pool.
func New(queue *jobqueue.Queue, orch *orchestrator.Orchestrator, lc *lifecycle.Manager) *Pool {
	return &Pool{queue: queue, orchestrator: orch, lifecycle: lc}
}

// Run blocks, draining both queues concurrently, until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{}, 2)
	go func() { p.drain(ctx, jobqueue.KindDeploy, p.handleDeploy); done <- struct{}{} }()
	go func() { p.drain(ctx, jobqueue.KindLifecycle, p.handleLifecycle); done <- struct{}{} }()
	<-done
	<-done
}

func (p *Pool) drain(ctx context.Context, kind jobqueue.Kind, handle func(context.Context, jobqueue.Job) error) {
	wctx := logger.WithComponent(ctx, "worker")
	log := logger.GetLogger(wctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := p.queue.Dequeue(wctx, kind, dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("worker: dequeue failed", zap.String("kind", string(kind)), zap.Error(err))
			time.Sleep(time.Second)
			continue
		}
		if job == nil {
			continue // timed out waiting, no job available
		}

		if err := handle(wctx, *job); err != nil {
			log.Error("worker: job failed",
				zap.String("kind", string(kind)), zap.String("job_id", job.ID),
				zap.String("application_id", job.ApplicationID), zap.Error(err))
		}
		if err := p.queue.Complete(wctx, job.ID); err != nil {
			log.Error("worker: failed to mark job complete", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (p *Pool) handleDeploy(ctx context.Context, job jobqueue.Job) error {
	var req orchestrator.DeployRequest
	if err := json.Unmarshal(job.Payload, &req); err != nil {
		return coreerr.Wrap(coreerr.KindInvalidRequest, err, "worker: decoding deploy job payload")
	}
	_, err := p.orchestrator.Deploy(ctx, req)
	return err
}

func (p *Pool) handleLifecycle(ctx context.Context, job jobqueue.Job) error {
	id, err := uuid.Parse(job.ApplicationID)
	if err != nil {
		return coreerr.Wrap(coreerr.KindInvalidRequest, err, "worker: decoding lifecycle job application id")
	}

	switch job.Operation {
	case "start":
		return p.lifecycle.Start(ctx, id)
	case "stop":
		return p.lifecycle.Stop(ctx, id)
	case "restart":
		return p.lifecycle.Restart(ctx, id)
	case "delete":
		return p.lifecycle.Delete(ctx, id)
	case "update_config":
		var req lifecycle.UpdateConfigRequest
		if err := json.Unmarshal(job.Payload, &req); err != nil {
			return coreerr.Wrap(coreerr.KindInvalidRequest, err, "worker: decoding update_config job payload")
		}
		return p.lifecycle.UpdateConfig(ctx, id, req)
	case "clone":
		var payload cloneJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return coreerr.Wrap(coreerr.KindInvalidRequest, err, "worker: decoding clone job payload")
		}
		_, err := p.lifecycle.Clone(ctx, id, payload.NewHostname)
		return err
	default:
		return coreerr.New(coreerr.KindInvalidRequest, "worker: unknown lifecycle operation "+job.Operation)
	}
}
