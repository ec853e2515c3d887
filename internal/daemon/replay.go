package daemon

import (
	"fmt"
	"sort"

	"github.com/msageha/taskrouter/internal/model"
)

type replayItem struct {
	task  *model.Task
	media *model.TaskMedia
}

// Replay re-enqueues the waiting media found in the repository after a
// restart. Reservations did not survive the previous process, so RESERVED
// media go back to QUEUED; ACTIVE media lost their agent and are closed.
// It returns how many media were re-enqueued.
func (e *Engine) Replay() (int, error) {
	tasks, err := e.tasks.List()
	if err != nil {
		return 0, fmt.Errorf("list tasks: %w", err)
	}

	var items []replayItem
	for _, t := range tasks {
		if t.State == model.TaskStateClosed {
			if err := e.tasks.DeleteByID(t.ID); err != nil {
				e.replayLog(LogLevelWarn, "delete_closed task=%s error=%v", t.ID, err)
			}
			continue
		}
		for _, m := range t.ActiveMedias() {
			if m.State == model.MediaStateQueued || m.State == model.MediaStateReserved {
				items = append(items, replayItem{task: t, media: m})
			}
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].media, items[j].media
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.EnqueueTime.Before(b.EnqueueTime)
	})

	handled := make(map[string]bool)
	n := 0
	for _, it := range items {
		if e.replayOne(it, handled) {
			n++
		}
	}
	for _, t := range tasks {
		if t.State != model.TaskStateClosed && !handled[t.ID] {
			e.closeOrphaned(t.ID)
		}
	}
	e.counters.replayedOnStart.Add(int64(n))
	e.replayLog(LogLevelInfo, "replay_complete tasks=%d requeued=%d", len(tasks), n)
	e.queues.WakeAll()
	return n, nil
}

func (e *Engine) replayOne(it replayItem, handled map[string]bool) bool {
	requeued := false
	err := e.lifecycle.withTask(it.task.ID, func(t *model.Task) error {
		handled[t.ID] = true
		e.closeLostActive(t)
		m := t.Media(it.media.ID)
		if m == nil || m.State == model.MediaStateClosed {
			return nil
		}
		q, ok := e.queues.Get(m.QueueID)
		if !ok || m.RoutingMode == model.RoutingModeDirect {
			e.lifecycle.closeMediaLocked(t, m, model.ReasonFailover)
			return nil
		}
		if m.State == model.MediaStateReserved {
			e.replayLog(LogLevelWarn, "reservation_lost task=%s media=%s agent=%s reason=%s", t.ID, m.ID, m.AgentID, model.ReasonFailover)
			if err := m.SetMediaState(model.MediaStateQueued); err != nil {
				return err
			}
			m.AgentID = ""
			m.Offer = false
			m.MarkedForDeletion = false
		}
		if err := e.tasks.Save(t); err != nil {
			return fmt.Errorf("save task %s: %w", t.ID, err)
		}

		elapsed := e.clock.Now().Sub(m.EnqueueTime)
		qt := model.QueueTaskFor(t, m)
		qt.CurrentStep = q.StepForElapsed(elapsed)
		q.Enqueue(qt)
		e.steps.StartRemaining(q, *qt, elapsed)
		e.ttl.StartRemaining(t, m)
		requeued = true
		e.replayLog(LogLevelInfo, "requeued task=%s media=%s queue=%s step=%d", t.ID, m.ID, q.ID, qt.CurrentStep)
		return nil
	})
	if err != nil {
		e.replayLog(LogLevelError, "replay task=%s error=%v", it.task.ID, err)
	}
	return requeued
}

// closeLostActive closes ACTIVE media whose agent linkage died with the
// previous process.
func (e *Engine) closeLostActive(t *model.Task) {
	for _, m := range t.Medias {
		if m.State == model.MediaStateActive {
			e.lifecycle.closeMediaState(t, m, model.ReasonFailover)
		}
	}
}

func (e *Engine) closeOrphaned(taskID string) {
	err := e.lifecycle.withTask(taskID, func(t *model.Task) error {
		e.closeLostActive(t)
		if t.IsRemovable() {
			e.lifecycle.finishTask(t, model.ReasonFailover)
			return nil
		}
		return e.tasks.Save(t)
	})
	if err != nil {
		e.replayLog(LogLevelWarn, "close_orphaned task=%s error=%v", taskID, err)
	}
}

func (e *Engine) replayLog(level LogLevel, format string, args ...any) {
	logf(e.logger, e.logLevel, "replay", level, format, args...)
}
