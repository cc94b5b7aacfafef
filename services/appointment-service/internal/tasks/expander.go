// Package tasks turns a confirmed appointment into one task snapshot per selected service.
// Expansion runs off the booking path and ends in an observable terminal state.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
	"github.com/garagebook/garagebook/services/appointment-service/internal/outbox"
	"github.com/garagebook/garagebook/services/appointment-service/internal/storage"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Store is what the expander writes to.
type Store interface {
	InsertTask(ctx context.Context, task model.Task) error
	FinishExpansion(ctx context.Context, appointmentID string, state model.ExpansionState, failures []model.TaskFailure, evt outbox.Event) error
}

type Config struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Parallelism caps concurrent task writes within one expansion.
	Parallelism int
}

type Expander struct {
	store  Store
	logger *slog.Logger
	cfg    Config

	stopCtx context.Context
	stop    context.CancelFunc

	mu       sync.Mutex
	inflight map[string]*Expansion
	wg       sync.WaitGroup
}

func NewExpander(store Store, logger *slog.Logger, cfg Config) *Expander {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	stopCtx, stop := context.WithCancel(context.Background())
	return &Expander{
		store:    store,
		logger:   logger,
		cfg:      cfg,
		stopCtx:  stopCtx,
		stop:     stop,
		inflight: map[string]*Expansion{},
	}
}

// Expand starts materialising tasks for appt and returns immediately. The work outlives
// ctx (only its values are kept). A second call for an appointment that is still being
// expanded returns the running Expansion.
func (e *Expander) Expand(ctx context.Context, appt model.Appointment, services []model.OfferedService) *Expansion {
	e.mu.Lock()
	if x, ok := e.inflight[appt.ID]; ok {
		e.mu.Unlock()
		return x
	}
	x := newExpansion(appt.ID)
	e.inflight[appt.ID] = x
	e.wg.Add(1)
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		defer e.wg.Done()
		defer cancel()
		stopWatch := context.AfterFunc(e.stopCtx, cancel)
		defer stopWatch()

		res := e.run(runCtx, appt, services)

		e.mu.Lock()
		delete(e.inflight, appt.ID)
		e.mu.Unlock()
		x.finish(res)
	}()
	return x
}

// Close aborts pending retries and waits for running expansions until ctx ends.
// An expansion whose tasks were all written still records its terminal state; one cut
// short stays pending and is picked up again by the Sweeper.
func (e *Expander) Close(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Expander) run(ctx context.Context, appt model.Appointment, services []model.OfferedService) Result {
	res := Result{AppointmentID: appt.ID, State: model.ExpansionPending}
	logger := e.logger.With("appointment_id", appt.ID, "garage_id", appt.GarageID)

	byID := make(map[string]model.OfferedService, len(services))
	for _, svc := range services {
		byID[svc.ID] = svc
	}

	var mu sync.Mutex
	closed := false
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Parallelism)
	for _, serviceID := range appt.ServiceIDs {
		svc, ok := byID[serviceID]
		if !ok {
			mu.Lock()
			res.Failures = append(res.Failures, model.TaskFailure{ServiceID: serviceID, Reason: "service not found in catalog"})
			mu.Unlock()
			continue
		}
		g.Go(func() error {
			attempts, err := e.createTask(ctx, appt.ID, svc)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				res.Created++
			case errors.Is(err, storage.ErrAppointmentClosed):
				closed = true
			default:
				res.Failures = append(res.Failures, model.TaskFailure{ServiceID: svc.ID, Attempts: attempts, Reason: err.Error()})
			}
			return nil
		})
	}
	_ = g.Wait()

	if closed {
		res.Cancelled = true
		res.Failures = nil
		logger.Info("task expansion stopped: appointment cancelled")
		return res
	}
	if err := ctx.Err(); err != nil && res.Created < len(appt.ServiceIDs) {
		res.Err = err
		logger.Warn("task expansion interrupted", "err", err, "tasks_created", res.Created)
		return res
	}
	// Nothing was lost to Close past this point, so the outcome is recorded regardless.
	recordCtx := context.WithoutCancel(ctx)

	state, eventType := model.ExpansionComplete, outbox.EventTasksExpanded
	if len(res.Failures) > 0 {
		state, eventType = model.ExpansionIncomplete, outbox.EventTasksIncomplete
		for _, f := range res.Failures {
			logger.Error("task creation failed", "service_id", f.ServiceID, "attempts", f.Attempts, "reason", f.Reason)
		}
	}

	evt, err := outbox.NewAppointmentEvent(appt.ID, eventType, map[string]any{
		"appointment_id": appt.ID,
		"garage_id":      appt.GarageID,
		"tasks_created":  res.Created,
		"tasks_expected": len(appt.ServiceIDs),
		"failures":       res.Failures,
	})
	if err == nil {
		err = e.store.FinishExpansion(recordCtx, appt.ID, state, res.Failures, evt)
	}
	switch {
	case errors.Is(err, storage.ErrAppointmentClosed):
		res.Cancelled = true
		logger.Info("task expansion finished after cancellation; result discarded")
	case err != nil:
		res.Err = err
		logger.Error("recording expansion result failed", "err", err)
	default:
		res.State = state
		logger.Info("task expansion finished", "state", state, "tasks_created", res.Created, "failures", len(res.Failures))
	}
	return res
}

func (e *Expander) createTask(ctx context.Context, appointmentID string, svc model.OfferedService) (int, error) {
	task := model.Task{
		ID:               uuid.NewString(),
		AppointmentID:    appointmentID,
		OfferedServiceID: svc.ID,
		ServiceName:      svc.Name,
		Price:            svc.Price,
		DurationMinutes:  svc.DurationMinutes,
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialInterval
	b.MaxInterval = e.cfg.MaxInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := e.store.InsertTask(ctx, task)
		if errors.Is(err, storage.ErrAppointmentClosed) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(e.cfg.MaxAttempts))
	return attempts, err
}
