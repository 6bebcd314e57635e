// Package nats bridges the domain job contract onto a NATS work queue. Job
// states live in a shared registry because core NATS has no job
// introspection; cancellation of not-yet-dispatched jobs is decided by an
// atomic state swap in that registry.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/tenantgrid/bulkproc/internal/core/domain"
	"github.com/tenantgrid/bulkproc/internal/core/ports"
	"github.com/tenantgrid/bulkproc/internal/infrastructure/resilience"
)

const workerQueueGroup = "bulk-workers"

type Bridge struct {
	conn     *nats.Conn
	subject  string
	registry ports.JobStateRegistry
	flags    ports.CancellationFlags
	executor *resilience.Executor
	publish  func(subject string, data []byte) error
	logger   *slog.Logger
}

type Options struct {
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	ResilienceExecutor   *resilience.Executor
}

func New(url, subject string, registry ports.JobStateRegistry, flags ports.CancellationFlags, logger *slog.Logger) (*Bridge, error) {
	return NewWithOptions(url, subject, registry, flags, logger, Options{})
}

func NewWithOptions(url, subject string, registry ports.JobStateRegistry, flags ports.CancellationFlags, logger *slog.Logger, options Options) (*Bridge, error) {
	connectTimeout := options.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 2 * time.Second
	}
	reconnectWait := options.ReconnectWait
	if reconnectWait <= 0 {
		reconnectWait = 2 * time.Second
	}
	maxReconnects := options.MaxReconnects
	if maxReconnects <= 0 {
		maxReconnects = 60
	}
	retryOnFailedConnect := true
	if options.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *options.RetryOnFailedConnect
	}

	conn, err := nats.Connect(
		url,
		nats.Name("bulkproc"),
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Bridge{
		conn:     conn,
		subject:  subject,
		registry: registry,
		flags:    flags,
		executor: options.ResilienceExecutor,
		publish:  conn.Publish,
		logger:   logger,
	}, nil
}

func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}

// Conn exposes the underlying connection so collaborators (the outcome
// notifier) can share it instead of dialing their own.
func (b *Bridge) Conn() *nats.Conn {
	return b.conn
}

// Enqueue records the job as waiting and publishes it. A publish failure is
// surfaced to the caller so the creating command fails instead of silently
// dropping the job.
func (b *Bridge) Enqueue(ctx context.Context, job domain.QueueJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := b.registry.SetState(ctx, job.JobID, domain.JobStateWaiting); err != nil {
		return fmt.Errorf("register job state: %w", err)
	}

	call := func(_ context.Context) error {
		if err := b.publish(b.subject, payload); err != nil {
			return fmt.Errorf("nats publish: %w", err)
		}
		return nil
	}

	if b.executor != nil {
		err = b.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		if setErr := b.registry.SetState(ctx, job.JobID, domain.JobStateFailed); setErr != nil {
			b.logger.Warn("job_state_update_failed", "job_id", job.JobID, "error", setErr)
		}
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Cancel resolves a cancellation against the job's queue state. Waiting and
// delayed jobs are cancelled definitively by an atomic state swap; an active
// job only gets the cooperative flag armed — the bridge never kills in-flight
// work.
func (b *Bridge) Cancel(ctx context.Context, jobID string) (domain.JobCancelResult, error) {
	for {
		state, err := b.registry.GetState(ctx, jobID)
		if err != nil {
			return domain.JobCancelResult{}, fmt.Errorf("read job state: %w", err)
		}

		switch state {
		case domain.JobStateNotFound:
			return domain.JobCancelResult{
				Success:       false,
				PreviousState: domain.JobStateNotFound,
				Message:       "job not found",
			}, nil

		case domain.JobStateWaiting, domain.JobStateDelayed, domain.JobStateStalled:
			swapped, current, err := b.registry.CompareAndSetState(ctx, jobID,
				[]domain.JobState{state}, domain.JobStateCancelled)
			if err != nil {
				return domain.JobCancelResult{}, fmt.Errorf("cancel job state: %w", err)
			}
			if !swapped {
				// State moved under us; resolve against the new state.
				b.logger.Info("cancel_retry_state_moved", "job_id", jobID, "state", current)
				continue
			}
			return domain.JobCancelResult{
				Success:       true,
				PreviousState: state,
				Message:       "cancelled before dispatch",
			}, nil

		case domain.JobStateActive:
			if err := b.flags.Set(ctx, jobID); err != nil {
				return domain.JobCancelResult{}, fmt.Errorf("set cancellation flag: %w", err)
			}
			return domain.JobCancelResult{
				Success:       true,
				PreviousState: domain.JobStateActive,
				Message:       "cancellation requested; worker will stop at the next row batch",
			}, nil

		default:
			return domain.JobCancelResult{
				Success:       false,
				PreviousState: state,
				Message:       fmt.Sprintf("job already %s", state),
			}, nil
		}
	}
}

func (b *Bridge) Status(ctx context.Context, jobID string) (domain.JobStatusInfo, error) {
	state, err := b.registry.GetState(ctx, jobID)
	if err != nil {
		return domain.JobStatusInfo{}, fmt.Errorf("read job state: %w", err)
	}
	if state == domain.JobStateNotFound {
		return domain.JobStatusInfo{Exists: false, State: domain.JobStateNotFound}, nil
	}
	return domain.JobStatusInfo{Exists: true, State: state}, nil
}

// Subscribe consumes jobs in a queue group until ctx is done. Delivery is
// at-least-once; handlers must tolerate duplicates.
func (b *Bridge) Subscribe(ctx context.Context, handler func(context.Context, domain.QueueJob) error) error {
	sub, err := b.conn.QueueSubscribe(b.subject, workerQueueGroup, func(msg *nats.Msg) {
		if errors.Is(ctx.Err(), context.Canceled) {
			return
		}

		var job domain.QueueJob
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			b.logger.Error("job_payload_invalid", "error", err)
			return
		}

		handlerCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		if err := handler(handlerCtx, job); err != nil {
			b.logger.Error("job_handler_error", "job_id", job.JobID, "request_id", job.RequestID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe: %w", err)
	}

	if err := b.conn.Flush(); err != nil {
		return fmt.Errorf("nats flush: %w", err)
	}

	<-ctx.Done()
	if err := sub.Drain(); err != nil {
		return fmt.Errorf("nats drain subscription: %w", err)
	}
	if err := b.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("nats flush after drain: %w", err)
	}
	return nil
}
