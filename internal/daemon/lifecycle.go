package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/msageha/taskrouter/internal/agent"
	"github.com/msageha/taskrouter/internal/events"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/offer"
	"github.com/msageha/taskrouter/internal/queue"
)

// EnqueueRequest asks for an agent for one media of a conversation.
type EnqueueRequest struct {
	ConversationID   string `json:"conversation_id" validate:"required"`
	MRDID            string `json:"mrd_id" validate:"required"`
	QueueID          string `json:"queue_id" validate:"required"`
	Priority         int    `json:"priority"`
	ChannelSessionID string `json:"channel_session_id,omitempty"`
}

// AssignRequest forces one media of a conversation onto a named agent.
type AssignRequest struct {
	ConversationID   string `json:"conversation_id" validate:"required"`
	MRDID            string `json:"mrd_id" validate:"required"`
	AgentID          string `json:"agent_id" validate:"required"`
	Priority         int    `json:"priority"`
	ChannelSessionID string `json:"channel_session_id,omitempty"`
}

// Lifecycle owns every task and media transition outside the router's
// reservation step. All mutations of one conversation run under its
// conversation lock.
type Lifecycle struct {
	*core
	steps      *StepTimer
	ttl        *TTLTimer
	agentState *AgentStateService
}

func NewLifecycle(c *core, steps *StepTimer, ttl *TTLTimer) *Lifecycle {
	return &Lifecycle{core: c, steps: steps, ttl: ttl}
}

func (lc *Lifecycle) SetAgentStateService(s *AgentStateService) {
	lc.agentState = s
}

// withTask loads a task, takes its conversation lock and reloads it so fn
// sees the state as of the lock.
func (lc *Lifecycle) withTask(taskID string, fn func(t *model.Task) error) error {
	t, err := lc.tasks.Find(taskID)
	if err != nil {
		return err
	}
	lc.convLocks.Lock(t.ConversationID)
	defer lc.convLocks.Unlock(t.ConversationID)
	t, err = lc.tasks.Find(taskID)
	if err != nil {
		return err
	}
	return fn(t)
}

// EnqueueTask routes a new media. When an agent already handles the
// conversation and the MRD auto-joins, the media is reserved on that agent
// directly; otherwise it is queued with that agent as the sticky preference.
func (lc *Lifecycle) EnqueueTask(ctx context.Context, req EnqueueRequest) (*model.Task, error) {
	mrd, ok := lc.mrds.Get(req.MRDID)
	if !ok {
		return nil, fmt.Errorf("mrd %s: %w", req.MRDID, model.ErrNotFound)
	}
	q, ok := lc.queues.Get(req.QueueID)
	if !ok {
		return nil, fmt.Errorf("queue %s: %w", req.QueueID, model.ErrNotFound)
	}
	if q.MRDID != mrd.ID {
		return nil, fmt.Errorf("%w: queue %s serves mrd %s, not %s", model.ErrInvalidRequest, q.ID, q.MRDID, mrd.ID)
	}

	lc.convLocks.Lock(req.ConversationID)
	defer lc.convLocks.Unlock(req.ConversationID)

	existing, handler, err := lc.conversationHandler(req.ConversationID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.MediaByMRD(mrd.ID) != nil {
		return nil, fmt.Errorf("%w: conversation %s already has open work on %s", model.ErrInvalidRequest, req.ConversationID, mrd.ID)
	}

	if handler != nil && mrd.AutoJoin {
		t, err := lc.reserveCurrentAvailable(ctx, existing, handler, mrd, req)
		if err == nil {
			return t, nil
		}
		lc.log(LogLevelInfo, "direct_reserve_skipped conversation=%s agent=%s reason=%v", req.ConversationID, handler.ID(), err)
	}

	t, m, err := lc.newQueuedTask(req.ConversationID, mrd.ID, q, req.Priority, req.ChannelSessionID)
	if err != nil {
		return nil, err
	}
	if handler != nil {
		m.StickyAgentID = handler.ID()
	}
	if err := lc.enqueueLocked(t, m, q); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// conversationHandler finds the open task of a conversation whose media is
// reserved or active on an agent.
func (lc *Lifecycle) conversationHandler(conversationID string) (*model.Task, *agent.Agent, error) {
	tasks, err := lc.tasks.FindByConversation(conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	var open *model.Task
	for _, t := range tasks {
		if t.State == model.TaskStateClosed {
			continue
		}
		if open == nil {
			open = t
		}
		for _, m := range t.ActiveMedias() {
			if m.AgentID == "" || (m.State != model.MediaStateActive && m.State != model.MediaStateReserved) {
				continue
			}
			if a, ok := lc.agents.Get(m.AgentID); ok {
				return t, a, nil
			}
		}
	}
	return open, nil, nil
}

func (lc *Lifecycle) newQueuedTask(conversationID, mrdID string, q *queue.PrecisionQueue, priority int, session string) (*model.Task, *model.TaskMedia, error) {
	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, nil, err
	}
	mediaID, err := model.GenerateID(model.IDTypeMedia)
	if err != nil {
		return nil, nil, err
	}
	now := lc.clock.Now().UTC()
	m := &model.TaskMedia{
		ID:               mediaID,
		MRDID:            mrdID,
		QueueID:          q.ID,
		QueueName:        q.Name,
		State:            model.MediaStateQueued,
		Priority:         priority,
		EnqueueTime:      now,
		RoutingMode:      model.RoutingModeQueue,
		ChannelSessionID: session,
	}
	t := &model.Task{
		ID:             taskID,
		ConversationID: conversationID,
		State:          model.TaskStateActive,
		RequestTimerID: ttlKey(mediaID),
		Medias:         []*model.TaskMedia{m},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return t, m, nil
}

// enqueueLocked persists a QUEUED media, arms its TTL and hands it to the
// queue's router.
func (lc *Lifecycle) enqueueLocked(t *model.Task, m *model.TaskMedia, q *queue.PrecisionQueue) error {
	if err := lc.tasks.Save(t); err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	lc.ttl.Start(t, m)
	lc.counters.tasksEnqueued.Add(1)
	lc.events.Publish(events.EventTaskEnqueued, map[string]interface{}{
		"task_id":         t.ID,
		"media_id":        m.ID,
		"conversation_id": t.ConversationID,
		"mrd_id":          m.MRDID,
		"queue_id":        q.ID,
		"priority":        m.Priority,
	})
	lc.log(LogLevelInfo, "enqueued task=%s media=%s queue=%s priority=%d sticky=%s", t.ID, m.ID, q.ID, m.Priority, m.StickyAgentID)
	q.Submit(queue.RouteEvent{Type: queue.RouteNewRequest, QueueTask: model.QueueTaskFor(t, m)})
	return nil
}

// reserveCurrentAvailable adds the media to the conversation's existing task
// as RESERVED on the agent already handling it.
func (lc *Lifecycle) reserveCurrentAvailable(ctx context.Context, t *model.Task, a *agent.Agent, mrd model.MRD, req EnqueueRequest) (*model.Task, error) {
	mediaID, err := model.GenerateID(model.IDTypeMedia)
	if err != nil {
		return nil, err
	}
	now := lc.clock.Now().UTC()
	m := &model.TaskMedia{
		ID:               mediaID,
		MRDID:            mrd.ID,
		QueueID:          req.QueueID,
		State:            model.MediaStateQueued,
		Priority:         req.Priority,
		EnqueueTime:      now,
		RoutingMode:      model.RoutingModeQueue,
		StickyAgentID:    a.ID(),
		ChannelSessionID: req.ChannelSessionID,
	}
	if q, ok := lc.queues.Get(req.QueueID); ok {
		m.QueueName = q.Name
	}
	ref := refFor(t, m)
	if err := a.ReserveDirect(ref); err != nil {
		return nil, err
	}
	if err := m.SetMediaState(model.MediaStateReserved); err != nil {
		lc.releaseFailed(a, m.ID)
		return nil, err
	}
	m.AgentID = a.ID()
	if err := lc.offerMedia(ctx, t, m); err != nil {
		lc.releaseFailed(a, m.ID)
		return nil, err
	}

	t.Medias = append(t.Medias, m)
	t.AssignedTo = a.ID()
	t.UpdatedAt = now
	if err := lc.tasks.Save(t); err != nil {
		lc.releaseFailed(a, m.ID)
		return nil, fmt.Errorf("save task %s: %w", t.ID, err)
	}
	lc.counters.reservations.Add(1)
	lc.publishReserved(t, m, model.MediaStateQueued)
	lc.log(LogLevelInfo, "reserved_direct task=%s media=%s agent=%s mrd=%s", t.ID, m.ID, a.ID(), mrd.ID)
	return t.Clone(), nil
}

// AssignAgent reserves a new DIRECT-mode media on the named agent, bypassing
// every queue.
func (lc *Lifecycle) AssignAgent(ctx context.Context, req AssignRequest) (*model.Task, error) {
	mrd, ok := lc.mrds.Get(req.MRDID)
	if !ok {
		return nil, fmt.Errorf("mrd %s: %w", req.MRDID, model.ErrNotFound)
	}
	a, ok := lc.agents.Get(req.AgentID)
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", req.AgentID, model.ErrNotFound)
	}

	lc.convLocks.Lock(req.ConversationID)
	defer lc.convLocks.Unlock(req.ConversationID)

	taskID, err := model.GenerateID(model.IDTypeTask)
	if err != nil {
		return nil, err
	}
	mediaID, err := model.GenerateID(model.IDTypeMedia)
	if err != nil {
		return nil, err
	}
	now := lc.clock.Now().UTC()
	m := &model.TaskMedia{
		ID:               mediaID,
		MRDID:            mrd.ID,
		State:            model.MediaStateReserved,
		Priority:         req.Priority,
		EnqueueTime:      now,
		RoutingMode:      model.RoutingModeDirect,
		AgentID:          a.ID(),
		ChannelSessionID: req.ChannelSessionID,
	}
	t := &model.Task{
		ID:             taskID,
		ConversationID: req.ConversationID,
		State:          model.TaskStateActive,
		AssignedTo:     a.ID(),
		Medias:         []*model.TaskMedia{m},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := a.ReserveDirect(refFor(t, m)); err != nil {
		return nil, err
	}
	if err := lc.offerMedia(ctx, t, m); err != nil {
		lc.releaseFailed(a, m.ID)
		return nil, fmt.Errorf("offer to %s: %w", a.ID(), err)
	}
	if err := lc.tasks.Save(t); err != nil {
		lc.releaseFailed(a, m.ID)
		return nil, fmt.Errorf("save task %s: %w", t.ID, err)
	}
	lc.counters.reservations.Add(1)
	lc.publishReserved(t, m, "")
	lc.log(LogLevelInfo, "assigned task=%s media=%s agent=%s mrd=%s", t.ID, m.ID, a.ID(), mrd.ID)
	return t.Clone(), nil
}

// CloseTask closes every open media of a task and removes its record.
func (lc *Lifecycle) CloseTask(taskID string, reason model.ReasonCode) error {
	return lc.withTask(taskID, func(t *model.Task) error {
		lc.closeTaskLocked(t, reason)
		return nil
	})
}

// CloseMedia closes one media, closing the task when nothing remains open.
func (lc *Lifecycle) CloseMedia(taskID, mediaID string, reason model.ReasonCode) error {
	return lc.withTask(taskID, func(t *model.Task) error {
		m := t.Media(mediaID)
		if m == nil {
			return fmt.Errorf("media %s: %w", mediaID, model.ErrNotFound)
		}
		if m.State == model.MediaStateClosed {
			return nil
		}
		lc.closeMediaLocked(t, m, reason)
		return nil
	})
}

func (lc *Lifecycle) closeTaskLocked(t *model.Task, reason model.ReasonCode) {
	for _, m := range t.Medias {
		if m.State != model.MediaStateClosed {
			lc.closeMediaState(t, m, reason)
		}
	}
	lc.steps.StopTask(t)
	lc.ttl.StopTask(t)
	lc.finishTask(t, reason)
}

// closeMediaLocked closes m and then either persists the remaining medias or
// finishes the task.
func (lc *Lifecycle) closeMediaLocked(t *model.Task, m *model.TaskMedia, reason model.ReasonCode) {
	lc.closeMediaState(t, m, reason)
	if t.IsRemovable() {
		lc.finishTask(t, reason)
		return
	}
	t.UpdatedAt = lc.clock.Now().UTC()
	if err := lc.tasks.UpdateActiveMedias(t.ID, t.Medias); err != nil {
		lc.log(LogLevelError, "update_medias task=%s error=%v", t.ID, err)
	}
}

// closeMediaState detaches m from timers, queue and agent and marks it
// CLOSED without touching the stored record.
func (lc *Lifecycle) closeMediaState(t *model.Task, m *model.TaskMedia, reason model.ReasonCode) {
	lc.detachMedia(t, m)
	prev := m.State
	if err := m.SetMediaState(model.MediaStateClosed); err != nil {
		lc.log(LogLevelWarn, "close_media task=%s media=%s error=%v", t.ID, m.ID, err)
		return
	}
	lc.events.Publish(events.EventTaskMediaStateChanged, map[string]interface{}{
		"task_id":         t.ID,
		"media_id":        m.ID,
		"conversation_id": t.ConversationID,
		"mrd_id":          m.MRDID,
		"agent_id":        m.AgentID,
		"previous":        string(prev),
		"state":           string(model.MediaStateClosed),
		"reason_code":     string(reason),
	})
}

func (lc *Lifecycle) finishTask(t *model.Task, reason model.ReasonCode) {
	if err := lc.tasks.DeleteByID(t.ID); err != nil {
		lc.log(LogLevelError, "delete_task task=%s error=%v", t.ID, err)
	}
	t.State = model.TaskStateClosed
	t.ReasonCode = reason
	t.UpdatedAt = lc.clock.Now().UTC()
	lc.counters.tasksClosed.Add(1)
	lc.events.Publish(events.EventTaskStateChanged, map[string]interface{}{
		"task_id":         t.ID,
		"conversation_id": t.ConversationID,
		"agent_id":        t.AssignedTo,
		"state":           string(model.TaskStateClosed),
		"reason_code":     string(reason),
	})
	lc.log(LogLevelInfo, "task_closed task=%s conversation=%s reason=%s", t.ID, t.ConversationID, reason)
}

// detachMedia stops the media's timers, removes it from its queue and drops
// the agent's reservation or active linkage.
func (lc *Lifecycle) detachMedia(t *model.Task, m *model.TaskMedia) {
	lc.steps.Stop(m.ID)
	lc.ttl.Stop(m.ID)
	if m.QueueID != "" {
		if q, ok := lc.queues.Get(m.QueueID); ok {
			q.RemoveByMediaID(m.ID)
		}
	}
	if m.AgentID == "" {
		return
	}
	a, ok := lc.agents.Get(m.AgentID)
	if !ok {
		return
	}
	switch m.State {
	case model.MediaStateReserved:
		if a.ReleaseReservation(m.ID) {
			lc.agentState.afterRelease(a, m.MRDID)
		}
	case model.MediaStateActive:
		if changes, ok := a.RemoveActive(m.ID); ok {
			lc.agentState.applySkillChanges(a, changes)
			lc.queues.NotifyAgentAvailable(m.MRDID, a.ID())
		}
	}
}

// releaseFailed drops a reservation that never reached the agent and applies
// a NOT_READY requested meanwhile. Queues are not woken; the next timer or
// skill event retries the media.
func (lc *Lifecycle) releaseFailed(a *agent.Agent, mediaID string) {
	if a.ReleaseReservation(mediaID) {
		lc.agentState.applyDeferredNotReady(a)
	}
}

// Reroute takes a media away from its agent and queues it again on a fresh
// task. A media already past its TTL is closed instead.
func (lc *Lifecycle) Reroute(taskID, mediaID string, reason model.ReasonCode) (*model.Task, error) {
	var out *model.Task
	err := lc.withTask(taskID, func(t *model.Task) error {
		m := t.Media(mediaID)
		if m == nil {
			return fmt.Errorf("media %s: %w", mediaID, model.ErrNotFound)
		}
		if m.State == model.MediaStateClosed {
			return fmt.Errorf("%w: media %s is closed", model.ErrInvalidTransition, mediaID)
		}
		var err error
		out, err = lc.rerouteLocked(t, m, reason)
		return err
	})
	return out, err
}

func (lc *Lifecycle) rerouteLocked(t *model.Task, m *model.TaskMedia, reason model.ReasonCode) (*model.Task, error) {
	if m.MarkedForDeletion {
		lc.closeMediaLocked(t, m, model.ReasonNoAgentAvailable)
		lc.publishNoAgent(t, m)
		return nil, nil
	}
	q, ok := lc.queues.Get(m.QueueID)
	if !ok || m.RoutingMode == model.RoutingModeDirect {
		lc.closeMediaLocked(t, m, reason)
		return nil, nil
	}

	lc.closeMediaLocked(t, m, reason)
	nt, nm, err := lc.newQueuedTask(t.ConversationID, m.MRDID, q, m.Priority, m.ChannelSessionID)
	if err != nil {
		return nil, err
	}
	if err := lc.enqueueLocked(nt, nm, q); err != nil {
		return nil, err
	}
	lc.counters.reroutes.Add(1)
	lc.log(LogLevelInfo, "rerouted task=%s media=%s new_task=%s new_media=%s reason=%s", t.ID, m.ID, nt.ID, nm.ID, reason)
	return nt.Clone(), nil
}

// RejectTask handles an agent refusing an offered media. The media is
// rerouted; on RONA the agent may also be moved to NOT_READY.
func (lc *Lifecycle) RejectTask(taskID, mediaID string, reason model.ReasonCode) (*model.Task, error) {
	if reason == model.ReasonNone {
		reason = model.ReasonRONA
	}
	var out *model.Task
	err := lc.withTask(taskID, func(t *model.Task) error {
		m := t.Media(mediaID)
		if m == nil {
			return fmt.Errorf("media %s: %w", mediaID, model.ErrNotFound)
		}
		if m.State != model.MediaStateReserved {
			return fmt.Errorf("%w: media %s is %s, not RESERVED", model.ErrInvalidTransition, mediaID, m.State)
		}
		// NOT_READY is requested while the reservation is still held, so it
		// is deferred and applied as the reservation is released, before any
		// queue is woken. It never cascades, so it is safe under this lock.
		if agentID := m.AgentID; reason == model.ReasonRONA && lc.config.Routing.RONANotReady && agentID != "" {
			if _, err := lc.agentState.RequestState(agentID, model.AgentStateNotReady, model.ReasonRONA); err != nil {
				lc.log(LogLevelWarn, "rona_not_ready agent=%s error=%v", agentID, err)
			}
		}
		var err error
		out, err = lc.rerouteLocked(t, m, reason)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ActivateMedia records that the agent accepted a reserved media.
func (lc *Lifecycle) ActivateMedia(taskID, mediaID string) error {
	var a *agent.Agent
	err := lc.withTask(taskID, func(t *model.Task) error {
		m := t.Media(mediaID)
		if m == nil {
			return fmt.Errorf("media %s: %w", mediaID, model.ErrNotFound)
		}
		if m.State != model.MediaStateReserved {
			return fmt.Errorf("%w: media %s is %s, not RESERVED", model.ErrInvalidTransition, mediaID, m.State)
		}
		var ok bool
		a, ok = lc.agents.Get(m.AgentID)
		if !ok {
			return fmt.Errorf("agent %s: %w", m.AgentID, model.ErrNotFound)
		}

		for _, other := range t.Medias {
			if other == m || other.State != model.MediaStateActive {
				continue
			}
			if mrd, ok := lc.mrds.Get(other.MRDID); ok && mrd.Interruptible {
				lc.closeMediaState(t, other, model.ReasonForcedClosed)
			}
		}

		if err := m.SetMediaState(model.MediaStateActive); err != nil {
			return err
		}
		now := lc.clock.Now().UTC()
		m.AnswerTime = &now
		m.MarkedForDeletion = false
		t.AssignedTo = a.ID()
		t.UpdatedAt = now

		res := a.Activate(refFor(t, m))
		if err := lc.tasks.Save(t); err != nil {
			lc.log(LogLevelError, "save_task task=%s error=%v", t.ID, err)
		}
		lc.counters.activations.Add(1)
		lc.events.Publish(events.EventTaskMediaStateChanged, map[string]interface{}{
			"task_id":         t.ID,
			"media_id":        m.ID,
			"conversation_id": t.ConversationID,
			"mrd_id":          m.MRDID,
			"agent_id":        a.ID(),
			"previous":        string(model.MediaStateReserved),
			"state":           string(model.MediaStateActive),
		})
		lc.agentState.applySkillChanges(a, res.SkillChanges)
		// The reservation is gone; with spare capacity the agent can take
		// the next media on this MRD.
		if res.QueuedActive >= 2 || m.RoutingMode == model.RoutingModeDirect {
			lc.queues.NotifyAgentAvailable(m.MRDID, a.ID())
		}
		lc.log(LogLevelInfo, "activated task=%s media=%s agent=%s queued_active=%d", t.ID, m.ID, a.ID(), res.QueuedActive)
		return nil
	})
	if err != nil {
		return err
	}
	lc.agentState.applyDeferredNotReady(a)
	return nil
}

// RevokeInProcessTask withdraws the queued or reserved media of a task on
// auto-join MRDs. It returns the ids of the revoked media.
func (lc *Lifecycle) RevokeInProcessTask(ctx context.Context, taskID string) ([]string, error) {
	var revoked []string
	err := lc.withTask(taskID, func(t *model.Task) error {
		for _, m := range t.Medias {
			if m.State != model.MediaStateQueued && m.State != model.MediaStateReserved {
				continue
			}
			mrd, ok := lc.mrds.Get(m.MRDID)
			if !ok || !mrd.AutoJoin {
				continue
			}
			lc.cancelMedia(ctx, t, m, model.ReasonCancelled)
			revoked = append(revoked, m.ID)
		}
		if len(revoked) == 0 {
			return nil
		}
		if t.IsRemovable() {
			lc.finishTask(t, model.ReasonCancelled)
		} else if err := lc.tasks.UpdateActiveMedias(t.ID, t.Medias); err != nil {
			lc.log(LogLevelError, "update_medias task=%s error=%v", t.ID, err)
		}
		lc.events.Publish(events.EventRevokeResource, map[string]interface{}{
			"task_id":         t.ID,
			"conversation_id": t.ConversationID,
			"media_ids":       revoked,
		})
		lc.log(LogLevelInfo, "revoked task=%s medias=%v", t.ID, revoked)
		return nil
	})
	return revoked, err
}

// CancelResource closes the queued or reserved work of a conversation on one
// MRD. It returns how many media were cancelled.
func (lc *Lifecycle) CancelResource(ctx context.Context, conversationID, mrdID string, reason model.ReasonCode) (int, error) {
	if reason == model.ReasonNone {
		reason = model.ReasonCancelled
	}
	lc.convLocks.Lock(conversationID)
	defer lc.convLocks.Unlock(conversationID)

	tasks, err := lc.tasks.FindByConversation(conversationID)
	if err != nil {
		return 0, fmt.Errorf("load conversation %s: %w", conversationID, err)
	}
	n := 0
	for _, t := range tasks {
		touched := false
		for _, m := range t.Medias {
			if m.MRDID != mrdID || (m.State != model.MediaStateQueued && m.State != model.MediaStateReserved) {
				continue
			}
			lc.cancelMedia(ctx, t, m, reason)
			touched = true
			n++
		}
		if !touched {
			continue
		}
		if t.IsRemovable() {
			lc.finishTask(t, reason)
		} else if err := lc.tasks.UpdateActiveMedias(t.ID, t.Medias); err != nil {
			lc.log(LogLevelError, "update_medias task=%s error=%v", t.ID, err)
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("conversation %s has no pending work on %s: %w", conversationID, mrdID, model.ErrNotFound)
	}
	lc.log(LogLevelInfo, "cancelled conversation=%s mrd=%s medias=%d reason=%s", conversationID, mrdID, n, reason)
	return n, nil
}

// cancelMedia closes a queued or reserved media and revokes the offer the
// agent may have received.
func (lc *Lifecycle) cancelMedia(ctx context.Context, t *model.Task, m *model.TaskMedia, reason model.ReasonCode) {
	offered := m.Offer && m.State == model.MediaStateReserved
	agentID := m.AgentID
	lc.closeMediaState(t, m, reason)
	if !offered {
		return
	}
	rctx, cancel := lc.offerContext(ctx)
	defer cancel()
	if err := lc.offer.Revoke(rctx, lc.offerRequest(t, m, agentID, string(reason))); err != nil {
		lc.log(LogLevelWarn, "revoke_failed task=%s media=%s agent=%s error=%v", t.ID, m.ID, agentID, err)
	}
}

// expireRequest handles a fired TTL. The caller holds the queue's router
// lock.
func (lc *Lifecycle) expireRequest(taskID, mediaID string) {
	err := lc.withTask(taskID, func(t *model.Task) error {
		m := t.Media(mediaID)
		if m == nil {
			return nil
		}
		switch m.State {
		case model.MediaStateQueued:
			lc.closeTaskLocked(t, model.ReasonNoAgentAvailable)
			lc.publishNoAgent(t, m)
			lc.counters.abandoned.Add(1)
			lc.log(LogLevelInfo, "abandoned task=%s media=%s", t.ID, m.ID)
		case model.MediaStateReserved:
			m.MarkedForDeletion = true
			if err := lc.tasks.UpdateActiveMedias(t.ID, t.Medias); err != nil {
				lc.log(LogLevelError, "mark_for_deletion task=%s error=%v", t.ID, err)
			}
			lc.log(LogLevelDebug, "marked_for_deletion task=%s media=%s", t.ID, m.ID)
		}
		return nil
	})
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		lc.log(LogLevelError, "expire task=%s media=%s error=%v", taskID, mediaID, err)
	}
}

func (lc *Lifecycle) publishNoAgent(t *model.Task, m *model.TaskMedia) {
	lc.events.Publish(events.EventNoAgentAvailable, map[string]interface{}{
		"task_id":         t.ID,
		"media_id":        m.ID,
		"conversation_id": t.ConversationID,
		"mrd_id":          m.MRDID,
		"queue_id":        m.QueueID,
	})
}

func (lc *Lifecycle) publishReserved(t *model.Task, m *model.TaskMedia, prev model.MediaState) {
	lc.events.Publish(events.EventAgentReserved, map[string]interface{}{
		"task_id":         t.ID,
		"media_id":        m.ID,
		"conversation_id": t.ConversationID,
		"mrd_id":          m.MRDID,
		"agent_id":        m.AgentID,
		"routing_mode":    string(m.RoutingMode),
	})
	lc.events.Publish(events.EventTaskMediaStateChanged, map[string]interface{}{
		"task_id":         t.ID,
		"media_id":        m.ID,
		"conversation_id": t.ConversationID,
		"mrd_id":          m.MRDID,
		"agent_id":        m.AgentID,
		"previous":        string(prev),
		"state":           string(model.MediaStateReserved),
	})
}

// offerMedia notifies the agent's endpoint of a reservation. m.Offer is set
// once the endpoint accepted it.
func (lc *Lifecycle) offerMedia(ctx context.Context, t *model.Task, m *model.TaskMedia) error {
	if _, noop := lc.offer.(offer.Noop); noop {
		return nil
	}
	octx, cancel := lc.offerContext(ctx)
	defer cancel()
	if err := lc.offer.Offer(octx, lc.offerRequest(t, m, m.AgentID, "")); err != nil {
		lc.counters.offerFailures.Add(1)
		return err
	}
	m.Offer = true
	return nil
}

func (lc *Lifecycle) offerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = lc.ctx
	}
	sec := lc.config.Offer.TimeoutSec
	if sec <= 0 {
		sec = model.DefaultOfferTimeoutSec
	}
	return context.WithTimeout(ctx, time.Duration(sec)*time.Second)
}

func (lc *Lifecycle) offerRequest(t *model.Task, m *model.TaskMedia, agentID, reason string) offer.Request {
	return offer.Request{
		TaskID:         t.ID,
		MediaID:        m.ID,
		ConversationID: t.ConversationID,
		MRDID:          m.MRDID,
		QueueID:        m.QueueID,
		AgentID:        agentID,
		Reason:         reason,
	}
}

func refFor(t *model.Task, m *model.TaskMedia) agent.TaskRef {
	return agent.TaskRef{
		ConversationID: t.ConversationID,
		TaskID:         t.ID,
		MediaID:        m.ID,
		MRDID:          m.MRDID,
		Mode:           m.RoutingMode,
	}
}

func (lc *Lifecycle) log(level LogLevel, format string, args ...any) {
	logf(lc.logger, lc.logLevel, "lifecycle", level, format, args...)
}
