package daemon

import (
	"sync/atomic"

	"github.com/msageha/taskrouter/internal/model"
)

// Counters accumulates routing counters for the status command.
type Counters struct {
	tasksEnqueued   atomic.Int64
	reservations    atomic.Int64
	activations     atomic.Int64
	tasksClosed     atomic.Int64
	reroutes        atomic.Int64
	abandoned       atomic.Int64
	stepEscalations atomic.Int64
	offerFailures   atomic.Int64
	staleDequeued   atomic.Int64
	replayedOnStart atomic.Int64
}

func (c *Counters) Snapshot() model.MetricsCounters {
	return model.MetricsCounters{
		TasksEnqueued:   c.tasksEnqueued.Load(),
		Reservations:    c.reservations.Load(),
		Activations:     c.activations.Load(),
		TasksClosed:     c.tasksClosed.Load(),
		Reroutes:        c.reroutes.Load(),
		Abandoned:       c.abandoned.Load(),
		StepEscalations: c.stepEscalations.Load(),
		OfferFailures:   c.offerFailures.Load(),
		StaleDequeued:   c.staleDequeued.Load(),
		ReplayedOnStart: c.replayedOnStart.Load(),
	}
}
