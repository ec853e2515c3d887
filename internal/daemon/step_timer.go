package daemon

import (
	"time"

	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/queue"
)

func stepKey(mediaID string) string { return "step:" + mediaID }

// StepTimer escalates queued media through their queue's steps.
type StepTimer struct {
	*core
}

func NewStepTimer(c *core) *StepTimer {
	return &StepTimer{core: c}
}

// Start schedules the timeout of the step qt currently sits on. It is a no-op
// on the last step or when a timer is already pending for the media.
func (st *StepTimer) Start(q *queue.PrecisionQueue, qt model.QueueTask) bool {
	if q.IsLastStep(qt.CurrentStep) {
		return false
	}
	step := q.StepAt(qt.CurrentStep)
	if step == nil {
		return false
	}
	return st.schedule(q.ID, qt.MediaID, step.Timeout)
}

// StartRemaining schedules the current step's timeout for a media that has
// already waited elapsed since it was enqueued.
func (st *StepTimer) StartRemaining(q *queue.PrecisionQueue, qt model.QueueTask, elapsed time.Duration) bool {
	if q.IsLastStep(qt.CurrentStep) {
		return false
	}
	delay := q.StepStartOffset(qt.CurrentStep+1) - elapsed
	if delay < 0 {
		delay = 0
	}
	return st.schedule(q.ID, qt.MediaID, delay)
}

func (st *StepTimer) schedule(queueID, mediaID string, delay time.Duration) bool {
	ok := st.scheduler.Schedule(stepKey(mediaID), delay, func() {
		st.expire(queueID, mediaID)
	})
	if ok {
		st.log(LogLevelDebug, "scheduled queue=%s media=%s delay=%s", queueID, mediaID, delay)
	}
	return ok
}

func (st *StepTimer) Stop(mediaID string) bool {
	return st.scheduler.Cancel(stepKey(mediaID))
}

// StopTask cancels the step timers of every media of t.
func (st *StepTimer) StopTask(t *model.Task) {
	for _, m := range t.Medias {
		st.Stop(m.ID)
	}
}

func (st *StepTimer) Pending(mediaID string) bool {
	return st.scheduler.Pending(stepKey(mediaID))
}

func (st *StepTimer) expire(queueID, mediaID string) {
	q, ok := st.queues.Get(queueID)
	if !ok {
		return
	}
	q.LockRouting()
	defer q.UnlockRouting()
	idx, advanced := q.AdvanceStep(mediaID)
	if !advanced {
		return
	}
	st.counters.stepEscalations.Add(1)
	st.log(LogLevelInfo, "step_escalated queue=%s media=%s step=%d", queueID, mediaID, idx)

	if !q.IsLastStep(idx) {
		if step := q.StepAt(idx); step != nil {
			st.schedule(queueID, mediaID, step.Timeout)
		}
	}
	qt, ok := q.Get(mediaID)
	if !ok {
		return
	}
	q.Submit(queue.RouteEvent{Type: queue.RouteStepTimeout, QueueTask: &qt})
}

func (st *StepTimer) log(level LogLevel, format string, args ...any) {
	logf(st.logger, st.logLevel, "step_timer", level, format, args...)
}
