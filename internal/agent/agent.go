// Package agent models a human agent: global availability, one skill state
// per associated MediaRoutingDomain, at most one reservation and a bounded
// set of active task media. An Agent is safe for concurrent use; reservation
// is a compare-and-set under the agent's own mutex.
package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/msageha/taskrouter/internal/clock"
	"github.com/msageha/taskrouter/internal/model"
)

// TaskRef identifies one task media held by an agent.
type TaskRef struct {
	ConversationID string
	TaskID         string
	MediaID        string
	MRDID          string
	Mode           model.RoutingMode
}

type SkillChange struct {
	MRDID string
	From  model.SkillState
	To    model.SkillState
}

// Candidate is a consistent read of an agent that can take a reservation.
type Candidate struct {
	AgentID   string
	ChangedAt time.Time
	Active    int
}

type skill struct {
	mrd               model.MRD
	state             model.SkillState
	changedAt         time.Time
	notReadyRequested bool
}

func (s *skill) capacity() int {
	if s.mrd.MaxRequestsPerAgent < 1 {
		return 1
	}
	return s.mrd.MaxRequestsPerAgent
}

type Agent struct {
	mu    sync.Mutex
	clock clock.Clock

	id         string
	name       string
	attributes map[string]string

	state     model.AgentState
	reason    model.ReasonCode
	changedAt time.Time

	skills     map[string]*skill
	skillOrder []string

	reserved        *TaskRef
	active          map[string]TaskRef
	pendingNotReady *model.ReasonCode
}

// New builds a logged-out agent associated with the given MRDs.
func New(cfg model.AgentConfig, mrds map[string]model.MRD, clk clock.Clock) *Agent {
	if clk == nil {
		clk = clock.Real()
	}
	now := clk.Now()
	a := &Agent{
		clock:     clk,
		id:        cfg.ID,
		state:     model.AgentStateLogout,
		changedAt: now,
		skills:    make(map[string]*skill),
		active:    make(map[string]TaskRef),
	}
	a.applyConfigLocked(cfg, mrds, now)
	return a
}

func (a *Agent) ID() string { return a.id }

func (a *Agent) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.name
}

// Attributes returns a copy of the routing attributes.
func (a *Agent) Attributes() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.attributes))
	for k, v := range a.attributes {
		out[k] = v
	}
	return out
}

func (a *Agent) State() (model.AgentState, model.ReasonCode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.reason
}

func (a *Agent) SkillState(mrdID string) (model.SkillState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.skills[mrdID]
	if !ok {
		return "", false
	}
	return s.state, true
}

func (a *Agent) HasSkill(mrdID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.skills[mrdID]
	return ok
}

// SkillIDs returns the associated MRD ids in configuration order.
func (a *Agent) SkillIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.skillOrder...)
}

// Update re-applies reference data. New skills join as LOGOUT when the agent
// is logged out and NOT_READY otherwise; removed skills are dropped.
func (a *Agent) Update(cfg model.AgentConfig, mrds map[string]model.MRD) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.applyConfigLocked(cfg, mrds, a.clock.Now())
}

func (a *Agent) applyConfigLocked(cfg model.AgentConfig, mrds map[string]model.MRD, now time.Time) {
	a.name = cfg.Name
	a.attributes = make(map[string]string, len(cfg.Attributes))
	for k, v := range cfg.Attributes {
		a.attributes[k] = v
	}

	keep := make(map[string]bool, len(cfg.MRDs))
	order := make([]string, 0, len(cfg.MRDs))
	for _, id := range cfg.MRDs {
		mrd, ok := mrds[id]
		if !ok || keep[id] {
			continue
		}
		keep[id] = true
		order = append(order, id)
		if s, ok := a.skills[id]; ok {
			s.mrd = mrd
			continue
		}
		initial := model.SkillStateNotReady
		if a.state == model.AgentStateLogout {
			initial = model.SkillStateLogout
		}
		a.skills[id] = &skill{mrd: mrd, state: initial, changedAt: now}
	}
	for id := range a.skills {
		if !keep[id] {
			delete(a.skills, id)
		}
	}
	a.skillOrder = order
}

// UpdateMRD refreshes the MRD data behind an existing skill.
func (a *Agent) UpdateMRD(mrd model.MRD) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.skills[mrd.ID]; ok {
		s.mrd = mrd
	}
}

func (a *Agent) activeOnLocked(mrdID string, queuedOnly bool) int {
	n := 0
	for _, ref := range a.active {
		if ref.MRDID != mrdID {
			continue
		}
		if queuedOnly && ref.Mode != model.RoutingModeQueue {
			continue
		}
		n++
	}
	return n
}

func (a *Agent) loadLocked(mrdID string) Load {
	s := a.skills[mrdID]
	return Load{
		ActiveQueued:      a.activeOnLocked(mrdID, true),
		Capacity:          s.capacity(),
		GlobalReady:       a.state == model.AgentStateReady,
		NotReadyRequested: s.notReadyRequested,
	}
}

// blockedLocked reports whether an active task on a non-interruptible MRD
// other than mrdID holds the agent.
func (a *Agent) blockedLocked(mrdID string) bool {
	for _, ref := range a.active {
		if ref.MRDID == mrdID {
			continue
		}
		if s, ok := a.skills[ref.MRDID]; ok && !s.mrd.Interruptible {
			return true
		}
	}
	return false
}

func (a *Agent) availableLocked(mrdID string) bool {
	if a.state != model.AgentStateReady || a.reserved != nil || a.pendingNotReady != nil {
		return false
	}
	s, ok := a.skills[mrdID]
	if !ok || !canTakeWork(s.state) {
		return false
	}
	if a.activeOnLocked(mrdID, false) >= s.capacity() {
		return false
	}
	return !a.blockedLocked(mrdID)
}

// AvailableFor reports whether the agent could take a reservation on mrdID
// right now.
func (a *Agent) AvailableFor(mrdID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availableLocked(mrdID)
}

// Candidate returns the ordering inputs for mrdID when the agent is available.
func (a *Agent) Candidate(mrdID string) (Candidate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.availableLocked(mrdID) {
		return Candidate{}, false
	}
	return Candidate{
		AgentID:   a.id,
		ChangedAt: a.skills[mrdID].changedAt,
		Active:    a.activeOnLocked(mrdID, false),
	}, true
}

// SkillChangedAt returns when the skill last changed state.
func (a *Agent) SkillChangedAt(mrdID string) (time.Time, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.skills[mrdID]
	if !ok {
		return time.Time{}, false
	}
	return s.changedAt, true
}

// Reserve claims the agent for ref if it is still available. It is the only
// way a queued media becomes RESERVED.
func (a *Agent) Reserve(ref TaskRef) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.availableLocked(ref.MRDID) {
		return false
	}
	r := ref
	a.reserved = &r
	return true
}

// ReserveDirect claims the agent outside the queue path. Skill readiness is
// not required, but the agent must be logged in, hold no reservation and, for
// queue-mode refs, have spare capacity on the MRD.
func (a *Agent) ReserveDirect(ref TaskRef) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == model.AgentStateLogout {
		return fmt.Errorf("%w: agent %s is logged out", model.ErrAgentUnavailable, a.id)
	}
	if a.reserved != nil {
		return fmt.Errorf("%w: agent %s already holds a reservation", model.ErrAgentUnavailable, a.id)
	}
	s, ok := a.skills[ref.MRDID]
	if !ok {
		return fmt.Errorf("%w: agent %s has no skill %s", model.ErrNotFound, a.id, ref.MRDID)
	}
	if ref.Mode == model.RoutingModeQueue && a.activeOnLocked(ref.MRDID, false) >= s.capacity() {
		return fmt.Errorf("%w: agent %s is at capacity on %s", model.ErrAgentUnavailable, a.id, ref.MRDID)
	}
	r := ref
	a.reserved = &r
	return nil
}

// Reservation returns the outstanding reservation, if any.
func (a *Agent) Reservation() (TaskRef, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved == nil {
		return TaskRef{}, false
	}
	return *a.reserved, true
}

// ReleaseReservation clears the reservation when it belongs to mediaID.
func (a *Agent) ReleaseReservation(mediaID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.reserved == nil || a.reserved.MediaID != mediaID {
		return false
	}
	a.reserved = nil
	return true
}

type ActivateResult struct {
	SkillChanges []SkillChange
	// QueuedActive is the number of queue-mode active media on the MRD after
	// activation.
	QueuedActive int
}

// Activate moves ref into the active set, clearing the matching reservation.
func (a *Agent) Activate(ref TaskRef) ActivateResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.reserved != nil && a.reserved.MediaID == ref.MediaID {
		a.reserved = nil
	}
	a.active[ref.MediaID] = ref

	var res ActivateResult
	if _, ok := a.skills[ref.MRDID]; !ok {
		return res
	}
	if ref.Mode == model.RoutingModeQueue {
		res.SkillChanges = a.evaluateLocked(ref.MRDID)
	}
	res.QueuedActive = a.activeOnLocked(ref.MRDID, true)
	return res
}

// RemoveActive drops mediaID from the active set and re-evaluates its skill.
func (a *Agent) RemoveActive(mediaID string) ([]SkillChange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	ref, ok := a.active[mediaID]
	if !ok {
		return nil, false
	}
	delete(a.active, mediaID)
	if _, ok := a.skills[ref.MRDID]; !ok || ref.Mode != model.RoutingModeQueue {
		return nil, true
	}
	return a.evaluateLocked(ref.MRDID), true
}

// ActiveRefs returns the active media sorted by media id.
func (a *Agent) ActiveRefs() []TaskRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]TaskRef, 0, len(a.active))
	for _, ref := range a.active {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MediaID < out[j].MediaID })
	return out
}

func (a *Agent) ActiveCount(mrdID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.activeOnLocked(mrdID, false)
}

// NonInterruptible reports whether any active media sits on a
// non-interruptible MRD.
func (a *Agent) NonInterruptible() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ref := range a.active {
		if s, ok := a.skills[ref.MRDID]; ok && !s.mrd.Interruptible {
			return true
		}
	}
	return false
}

// TakePendingNotReady returns and clears a NOT_READY request deferred by an
// outstanding reservation. It yields nothing while the reservation remains.
func (a *Agent) TakePendingNotReady() (model.ReasonCode, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingNotReady == nil || a.reserved != nil {
		return "", false
	}
	reason := *a.pendingNotReady
	a.pendingNotReady = nil
	return reason, true
}

func (a *Agent) evaluateLocked(mrdID string) []SkillChange {
	s := a.skills[mrdID]
	next := EvaluateSkillState(s.state, a.loadLocked(mrdID))
	if next == s.state {
		return nil
	}
	return []SkillChange{a.setSkillLocked(mrdID, next)}
}

func (a *Agent) setSkillLocked(mrdID string, to model.SkillState) SkillChange {
	s := a.skills[mrdID]
	ch := SkillChange{MRDID: mrdID, From: s.state, To: to}
	s.state = to
	s.changedAt = a.clock.Now()
	return ch
}

// Presence builds the persisted projection.
func (a *Agent) Presence() model.Presence {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := model.Presence{
		AgentID:    a.id,
		State:      a.state,
		ReasonCode: a.reason,
		Skills:     make([]model.SkillPresence, 0, len(a.skillOrder)),
		UpdatedAt:  a.clock.Now().UTC(),
	}
	for _, id := range a.skillOrder {
		s := a.skills[id]
		p.Skills = append(p.Skills, model.SkillPresence{
			MRDID:       id,
			State:       s.state,
			ActiveTasks: a.activeOnLocked(id, false),
			ChangedAt:   s.changedAt.UTC(),
		})
	}
	return p
}
