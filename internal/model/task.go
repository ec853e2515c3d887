package model

import "time"

// Task is one unit of routable work. A task owns one or more media, each
// with its own lifecycle and queue membership.
type Task struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	State          TaskState    `json:"state"`
	ReasonCode     ReasonCode   `json:"reason_code,omitempty"`
	RequestTimerID string       `json:"request_timer_id,omitempty"`
	AssignedTo     string       `json:"assigned_to,omitempty"`
	Medias         []*TaskMedia `json:"medias"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TaskMedia is one channel session's worth of work within a task.
type TaskMedia struct {
	ID                string      `json:"id"`
	MRDID             string      `json:"mrd_id"`
	QueueID           string      `json:"queue_id,omitempty"`
	QueueName         string      `json:"queue_name,omitempty"`
	State             MediaState  `json:"state"`
	Priority          int         `json:"priority"`
	EnqueueTime       time.Time   `json:"enqueue_time"`
	AnswerTime        *time.Time  `json:"answer_time,omitempty"`
	RoutingMode       RoutingMode `json:"routing_mode"`
	Offer             bool        `json:"offer"`
	MarkedForDeletion bool        `json:"marked_for_deletion"`
	StickyAgentID     string      `json:"sticky_agent_id,omitempty"`
	AgentID           string      `json:"agent_id,omitempty"`
	ChannelSessionID  string      `json:"channel_session_id,omitempty"`
}

// QueueTask is the queue-membership record kept in a precision queue. It is
// decoupled from Task so the matching path never loads the full task.
type QueueTask struct {
	ConversationID string
	TaskID         string
	MediaID        string
	MRDID          string
	Priority       int
	EnqueueTime    time.Time
	CurrentStep    int
}

// Media returns the media with the given id, or nil.
func (t *Task) Media(mediaID string) *TaskMedia {
	for _, m := range t.Medias {
		if m.ID == mediaID {
			return m
		}
	}
	return nil
}

// MediaByMRD returns the first non-closed media on the given MRD, or nil.
func (t *Task) MediaByMRD(mrdID string) *TaskMedia {
	for _, m := range t.Medias {
		if m.MRDID == mrdID && m.State != MediaStateClosed {
			return m
		}
	}
	return nil
}

// ActiveMedias returns every media that is not CLOSED.
func (t *Task) ActiveMedias() []*TaskMedia {
	var out []*TaskMedia
	for _, m := range t.Medias {
		if m.State != MediaStateClosed {
			out = append(out, m)
		}
	}
	return out
}

// IsRemovable reports whether the task has no non-CLOSED media left.
func (t *Task) IsRemovable() bool {
	return len(t.ActiveMedias()) == 0
}

// SetMediaState validates and applies a media transition.
func (m *TaskMedia) SetMediaState(to MediaState) error {
	if err := ValidateMediaTransition(m.State, to); err != nil {
		return err
	}
	m.State = to
	return nil
}

// QueueTaskFor builds the queue-membership record of a queued media.
func QueueTaskFor(t *Task, m *TaskMedia) *QueueTask {
	return &QueueTask{
		ConversationID: t.ConversationID,
		TaskID:         t.ID,
		MediaID:        m.ID,
		MRDID:          m.MRDID,
		Priority:       m.Priority,
		EnqueueTime:    m.EnqueueTime,
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	c.Medias = make([]*TaskMedia, len(t.Medias))
	for i, m := range t.Medias {
		mc := *m
		if m.AnswerTime != nil {
			at := *m.AnswerTime
			mc.AnswerTime = &at
		}
		c.Medias[i] = &mc
	}
	return &c
}
