package manager

import (
	"context"
	"errors"

	"socks_sentinel/internal/shared/logger"
	"socks_sentinel/internal/shared/metrics"
	"socks_sentinel/proxypool/model"
)

// JobKind names the work a trigger asks for.
type JobKind int

const (
	JobFullRefresh JobKind = iota
	JobStaleRetest
	JobRetest
)

func (k JobKind) String() string {
	switch k {
	case JobFullRefresh:
		return "full_refresh"
	case JobStaleRetest:
		return "stale_retest"
	case JobRetest:
		return "retest"
	default:
		return "unknown"
	}
}

// Job is one unit of triggered work. Endpoint is only used by JobRetest.
type Job struct {
	Kind     JobKind
	Endpoint model.Endpoint
}

// Start launches the job workers. They stop when ctx is done; use Wait to
// block until they have exited.
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Int("workers", m.opts.JobWorkers).Int("queue_size", cap(m.jobs)).Msg("Manager starting job workers...")

	for i := 0; i < m.opts.JobWorkers; i++ {
		m.wg.Add(1)
		go m.jobWorker(ctx)
	}
}

// Wait blocks until every job worker has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Submit enqueues a job without blocking. It returns ErrQueueFull when the
// queue is saturated, ErrScanInProgress for a full refresh while a scan is
// already running, and ErrUnknownEndpoint for a retest of an endpoint that
// is not in the pool.
func (m *Manager) Submit(job Job) error {
	switch job.Kind {
	case JobFullRefresh:
		if m.Scanning() {
			metrics.JobsRejected.WithLabelValues(job.Kind.String()).Inc()
			return ErrScanInProgress
		}
	case JobRetest:
		if _, ok := m.lookup(job.Endpoint); !ok {
			return ErrUnknownEndpoint
		}
	}

	select {
	case m.jobs <- job:
		return nil
	default:
		metrics.JobsRejected.WithLabelValues(job.Kind.String()).Inc()
		return ErrQueueFull
	}
}

func (m *Manager) jobWorker(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-m.jobs:
			m.runJob(ctx, job)
		}
	}
}

func (m *Manager) runJob(ctx context.Context, job Job) {
	l := logger.WithComponent("ProxyPool/Manager")

	var err error
	switch job.Kind {
	case JobFullRefresh:
		err = m.RefreshAll(ctx)
	case JobStaleRetest:
		_, err = m.RetestStale(ctx)
	case JobRetest:
		_, err = m.Retest(ctx, job.Endpoint)
	default:
		l.Warn().Int("kind", int(job.Kind)).Msg("Ignoring job of unknown kind.")
		return
	}

	switch {
	case err == nil:
	case errors.Is(err, ErrScanInProgress), errors.Is(err, ErrEndpointBusy):
		metrics.JobsRejected.WithLabelValues(job.Kind.String()).Inc()
		l.Info().Str("job", job.Kind.String()).Str("endpoint", job.Endpoint.String()).Msg("Job dropped: " + err.Error())
	case errors.Is(err, context.Canceled):
		l.Debug().Str("job", job.Kind.String()).Msg("Job cancelled.")
	default:
		l.Error().Err(err).Str("job", job.Kind.String()).Msg("Job failed.")
	}
}
