package tasks

import (
	"context"

	"github.com/garagebook/garagebook/services/appointment-service/internal/model"
)

// Result is the terminal outcome of one expansion run.
type Result struct {
	AppointmentID string
	Created       int
	Failures      []model.TaskFailure
	// State is complete or incomplete once recorded, pending when the run was interrupted.
	State model.ExpansionState
	// Cancelled is set when the appointment was cancelled while tasks were being written.
	Cancelled bool
	Err       error
}

// Expansion is a handle on a running expansion.
type Expansion struct {
	appointmentID string
	done          chan struct{}
	result        Result
}

func newExpansion(appointmentID string) *Expansion {
	return &Expansion{appointmentID: appointmentID, done: make(chan struct{})}
}

func (x *Expansion) AppointmentID() string { return x.appointmentID }

// Done is closed when the expansion reaches a terminal state.
func (x *Expansion) Done() <-chan struct{} { return x.done }

// Result returns the outcome and true once Done is closed.
func (x *Expansion) Result() (Result, bool) {
	select {
	case <-x.done:
		return x.result, true
	default:
		return Result{}, false
	}
}

func (x *Expansion) Wait(ctx context.Context) (Result, error) {
	select {
	case <-x.done:
		return x.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

func (x *Expansion) finish(res Result) {
	x.result = res
	close(x.done)
}
