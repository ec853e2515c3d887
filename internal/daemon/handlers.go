package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"

	"github.com/msageha/taskrouter/internal/config"
	"github.com/msageha/taskrouter/internal/model"
	"github.com/msageha/taskrouter/internal/uds"
)

var validate = validator.New()

type CancelResourceParams struct {
	ConversationID string `json:"conversation_id" validate:"required"`
	MRDID          string `json:"mrd_id" validate:"required"`
	ReasonCode     string `json:"reason_code,omitempty"`
}

type AgentStateParams struct {
	AgentID    string `json:"agent_id" validate:"required"`
	State      string `json:"state" validate:"required,oneof=LOGIN LOGOUT READY NOT_READY"`
	ReasonCode string `json:"reason_code,omitempty"`
}

type SkillStateParams struct {
	AgentID string `json:"agent_id" validate:"required"`
	MRDID   string `json:"mrd_id" validate:"required"`
	State   string `json:"state" validate:"required,oneof=READY NOT_READY"`
}

type TaskParams struct {
	TaskID     string `json:"task_id" validate:"required"`
	MediaID    string `json:"media_id,omitempty"`
	ReasonCode string `json:"reason_code,omitempty"`
}

func (p *TaskParams) check() error {
	if kind, err := model.ParseIDType(p.TaskID); err != nil || kind != model.IDTypeTask {
		return fmt.Errorf("task_id %q is not a task id", p.TaskID)
	}
	if p.MediaID == "" {
		return nil
	}
	if kind, err := model.ParseIDType(p.MediaID); err != nil || kind != model.IDTypeMedia {
		return fmt.Errorf("media_id %q is not a media id", p.MediaID)
	}
	return nil
}

type StatusParams struct {
	Detail bool `json:"detail"`
}

type MRDDeleteParams struct {
	MRDID string `json:"mrd_id" validate:"required"`
}

type StateResponse struct {
	Changed    bool   `json:"changed"`
	Previous   string `json:"previous"`
	Current    string `json:"current"`
	ReasonCode string `json:"reason_code,omitempty"`
	Deferred   bool   `json:"deferred,omitempty"`
}

type SkillStateResponse struct {
	Changed       bool   `json:"changed"`
	Previous      string `json:"previous,omitempty"`
	Current       string `json:"current,omitempty"`
	GlobalChanged bool   `json:"global_changed,omitempty"`
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})
	d.server.Handle("shutdown", func(context.Context, *uds.Request) *uds.Response {
		d.log(LogLevelInfo, "shutdown requested via UDS")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})

	d.server.Handle("enqueue", d.handleEnqueue)
	d.server.Handle("cancel_resource", d.handleCancelResource)
	d.server.Handle("agent_state", d.handleAgentState)
	d.server.Handle("agent_skill_state", d.handleSkillState)
	d.server.Handle("assign_agent", d.handleAssignAgent)
	d.server.Handle("revoke_task", d.handleRevokeTask)
	d.server.Handle("task_accept", d.handleTaskAccept)
	d.server.Handle("task_reject", d.handleTaskReject)
	d.server.Handle("task_close", d.handleTaskClose)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("mrd_upsert", d.handleMRDUpsert)
	d.server.Handle("mrd_delete", d.handleMRDDelete)
}

// decode unmarshals and validates request params.
func decode(req *uds.Request, v any) *uds.Response {
	if err := req.DecodeParams(v); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if err := validate.Struct(v); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	}
	if c, ok := v.(interface{ check() error }); ok {
		if err := c.check(); err != nil {
			return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
		}
	}
	return nil
}

func parseReason(s string) (model.ReasonCode, *uds.Response) {
	if s == "" {
		return model.ReasonNone, nil
	}
	if !model.IsReasonCode(s) {
		return "", uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("unknown reason_code %q", s))
	}
	return model.ReasonCode(s), nil
}

func (d *Daemon) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d.requestTimeout())
}

// errorResponse maps engine errors onto protocol error codes.
func errorResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, model.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidRequest), errors.Is(err, model.ErrInvalidTransition):
		return uds.ErrorResponse(uds.ErrCodeValidation, err.Error())
	case errors.Is(err, model.ErrAgentUnavailable):
		return uds.ErrorResponse(uds.ErrCodeUnavailable, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}

func (d *Daemon) handleEnqueue(ctx context.Context, req *uds.Request) *uds.Response {
	var p EnqueueRequest
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	rctx, cancel := d.requestContext(ctx)
	defer cancel()
	t, err := d.engine.Lifecycle().EnqueueTask(rctx, p)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(t)
}

func (d *Daemon) handleCancelResource(ctx context.Context, req *uds.Request) *uds.Response {
	var p CancelResourceParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	reason, resp := parseReason(p.ReasonCode)
	if resp != nil {
		return resp
	}
	rctx, cancel := d.requestContext(ctx)
	defer cancel()
	n, err := d.engine.Lifecycle().CancelResource(rctx, p.ConversationID, p.MRDID, reason)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]int{"cancelled": n})
}

func (d *Daemon) handleAgentState(_ context.Context, req *uds.Request) *uds.Response {
	var p AgentStateParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	reason, resp := parseReason(p.ReasonCode)
	if resp != nil {
		return resp
	}
	res, err := d.engine.AgentState().RequestState(p.AgentID, model.AgentState(p.State), reason)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(StateResponse{
		Changed:    res.Changed,
		Previous:   string(res.Previous),
		Current:    string(res.Current),
		ReasonCode: string(res.ReasonCode),
		Deferred:   res.Deferred,
	})
}

func (d *Daemon) handleSkillState(_ context.Context, req *uds.Request) *uds.Response {
	var p SkillStateParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	res, err := d.engine.AgentState().RequestSkillState(p.AgentID, p.MRDID, model.SkillState(p.State))
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(SkillStateResponse{
		Changed:       res.Changed,
		Previous:      string(res.Change.From),
		Current:       string(res.Change.To),
		GlobalChanged: res.GlobalChange != nil,
	})
}

func (d *Daemon) handleAssignAgent(ctx context.Context, req *uds.Request) *uds.Response {
	var p AssignRequest
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	rctx, cancel := d.requestContext(ctx)
	defer cancel()
	t, err := d.engine.Lifecycle().AssignAgent(rctx, p)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(t)
}

func (d *Daemon) handleRevokeTask(ctx context.Context, req *uds.Request) *uds.Response {
	var p TaskParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	rctx, cancel := d.requestContext(ctx)
	defer cancel()
	revoked, err := d.engine.Lifecycle().RevokeInProcessTask(rctx, p.TaskID)
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string][]string{"revoked": revoked})
}

func (d *Daemon) handleTaskAccept(_ context.Context, req *uds.Request) *uds.Response {
	var p TaskParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	if p.MediaID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "media_id is required")
	}
	if err := d.engine.Lifecycle().ActivateMedia(p.TaskID, p.MediaID); err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"status": "active"})
}

func (d *Daemon) handleTaskReject(_ context.Context, req *uds.Request) *uds.Response {
	var p TaskParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	if p.MediaID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "media_id is required")
	}
	reason, resp := parseReason(p.ReasonCode)
	if resp != nil {
		return resp
	}
	t, err := d.engine.Lifecycle().RejectTask(p.TaskID, p.MediaID, reason)
	if err != nil {
		return errorResponse(err)
	}
	out := map[string]string{"status": "rerouted"}
	if t != nil {
		out["task_id"] = t.ID
	} else {
		out["status"] = "closed"
	}
	return uds.SuccessResponse(out)
}

func (d *Daemon) handleTaskClose(_ context.Context, req *uds.Request) *uds.Response {
	var p TaskParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	reason, resp := parseReason(p.ReasonCode)
	if resp != nil {
		return resp
	}
	if reason == model.ReasonNone {
		reason = model.ReasonDone
	}
	var err error
	if p.MediaID != "" {
		err = d.engine.Lifecycle().CloseMedia(p.TaskID, p.MediaID, reason)
	} else {
		err = d.engine.Lifecycle().CloseTask(p.TaskID, reason)
	}
	if err != nil {
		return errorResponse(err)
	}
	return uds.SuccessResponse(map[string]string{"status": "closed"})
}

func (d *Daemon) handleStatus(_ context.Context, req *uds.Request) *uds.Response {
	var p StatusParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	st := DaemonStatus{StatusReport: d.engine.Status(p.Detail)}
	if d.bus != nil {
		st.EventsDropped = d.bus.Dropped()
	}
	if d.audit != nil {
		st.AuditLogBytes = d.audit.CurrentSize()
	}
	return uds.SuccessResponse(st)
}

// DaemonStatus extends the engine report with event delivery health.
type DaemonStatus struct {
	StatusReport
	EventsDropped int64 `json:"events_dropped"`
	AuditLogBytes int64 `json:"audit_log_bytes"`
}

func (d *Daemon) routingPath() string {
	return filepath.Join(d.dir, config.RoutingFileName)
}

// editRouting loads routing.yaml, applies edit, writes it back and applies
// the result to the engine.
func (d *Daemon) editRouting(edit func(rc *model.RoutingConfig) error) error {
	d.routingMu.Lock()
	defer d.routingMu.Unlock()

	rc, err := d.loadRouting()
	if err != nil {
		return err
	}
	if err := edit(rc); err != nil {
		return err
	}
	if err := config.SaveRouting(d.routingPath(), rc); err != nil {
		return err
	}
	return d.engine.ApplyRouting(rc)
}

func (d *Daemon) handleMRDUpsert(_ context.Context, req *uds.Request) *uds.Response {
	var p model.MRD
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	err := d.editRouting(func(rc *model.RoutingConfig) error {
		if existing := rc.FindMRD(p.ID); existing != nil {
			*existing = p
			return nil
		}
		rc.MRDs = append(rc.MRDs, p)
		return nil
	})
	if err != nil {
		return errorResponse(err)
	}
	d.log(LogLevelInfo, "mrd_upserted mrd=%s", p.ID)
	return uds.SuccessResponse(p)
}

func (d *Daemon) handleMRDDelete(_ context.Context, req *uds.Request) *uds.Response {
	var p MRDDeleteParams
	if resp := decode(req, &p); resp != nil {
		return resp
	}
	err := d.editRouting(func(rc *model.RoutingConfig) error {
		idx := -1
		for i, m := range rc.MRDs {
			if m.ID == p.MRDID {
				idx = i
			}
		}
		if idx < 0 {
			return fmt.Errorf("mrd %s: %w", p.MRDID, model.ErrNotFound)
		}
		for _, q := range rc.Queues {
			if q.MRDID == p.MRDID {
				return fmt.Errorf("%w: mrd %s is used by queue %s", model.ErrInvalidRequest, p.MRDID, q.ID)
			}
		}
		for _, a := range rc.Agents {
			for _, id := range a.MRDs {
				if id == p.MRDID {
					return fmt.Errorf("%w: mrd %s is used by agent %s", model.ErrInvalidRequest, p.MRDID, a.ID)
				}
			}
		}
		rc.MRDs = append(rc.MRDs[:idx], rc.MRDs[idx+1:]...)
		return nil
	})
	if err != nil {
		return errorResponse(err)
	}
	d.log(LogLevelInfo, "mrd_deleted mrd=%s", p.MRDID)
	return uds.SuccessResponse(map[string]string{"status": "deleted"})
}
