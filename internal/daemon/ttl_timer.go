package daemon

import (
	"time"

	"github.com/msageha/taskrouter/internal/model"
)

func ttlKey(mediaID string) string { return "ttl:" + mediaID }

// TTLTimer bounds how long a media may wait for an agent.
type TTLTimer struct {
	*core
	lifecycle *Lifecycle
}

func NewTTLTimer(c *core) *TTLTimer {
	return &TTLTimer{core: c}
}

// SetLifecycle wires the manager that abandons expired requests.
func (tt *TTLTimer) SetLifecycle(lc *Lifecycle) {
	tt.lifecycle = lc
}

// TTL returns the request TTL of an MRD, falling back to the routing default.
func (tt *TTLTimer) TTL(mrdID string) time.Duration {
	if mrd, ok := tt.mrds.Get(mrdID); ok && mrd.RequestTTLSec > 0 {
		return time.Duration(mrd.RequestTTLSec) * time.Second
	}
	sec := tt.config.Routing.DefaultRequestTTLSec
	if sec <= 0 {
		sec = model.DefaultRequestTTLSec
	}
	return time.Duration(sec) * time.Second
}

// Start arms the full TTL for a media that just entered QUEUED.
func (tt *TTLTimer) Start(t *model.Task, m *model.TaskMedia) bool {
	return tt.schedule(t, m, tt.TTL(m.MRDID))
}

// StartRemaining arms what is left of the TTL measured from the media's
// enqueue time. An exhausted TTL fires immediately.
func (tt *TTLTimer) StartRemaining(t *model.Task, m *model.TaskMedia) bool {
	remaining := tt.TTL(m.MRDID) - tt.clock.Now().Sub(m.EnqueueTime)
	if remaining < 0 {
		remaining = 0
	}
	return tt.schedule(t, m, remaining)
}

func (tt *TTLTimer) schedule(t *model.Task, m *model.TaskMedia, delay time.Duration) bool {
	taskID, mediaID, queueID := t.ID, m.ID, m.QueueID
	ok := tt.scheduler.Schedule(ttlKey(mediaID), delay, func() {
		tt.expire(queueID, taskID, mediaID)
	})
	if ok {
		tt.log(LogLevelDebug, "scheduled task=%s media=%s delay=%s", taskID, mediaID, delay)
	}
	return ok
}

func (tt *TTLTimer) Stop(mediaID string) bool {
	return tt.scheduler.Cancel(ttlKey(mediaID))
}

func (tt *TTLTimer) StopTask(t *model.Task) {
	for _, m := range t.Medias {
		tt.Stop(m.ID)
	}
}

func (tt *TTLTimer) Pending(mediaID string) bool {
	return tt.scheduler.Pending(ttlKey(mediaID))
}

// expire runs under the queue's router lock so a scan cannot reserve the
// media while it is being abandoned.
func (tt *TTLTimer) expire(queueID, taskID, mediaID string) {
	if q, ok := tt.queues.Get(queueID); ok {
		q.LockRouting()
		defer q.UnlockRouting()
	}
	tt.log(LogLevelInfo, "expired task=%s media=%s", taskID, mediaID)
	if tt.lifecycle != nil {
		tt.lifecycle.expireRequest(taskID, mediaID)
	}
}

func (tt *TTLTimer) log(level LogLevel, format string, args ...any) {
	logf(tt.logger, tt.logLevel, "ttl_timer", level, format, args...)
}
