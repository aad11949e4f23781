package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/policyshield/policyshield/internal/domain/approval"
	"github.com/policyshield/policyshield/internal/telemetry"
	"github.com/policyshield/policyshield/pkg/wire"
)

// maxBodyBytes caps request bodies. Tool arguments are small; anything
// larger is a client bug.
const maxBodyBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return json.NewDecoder(r.Body).Decode(dst)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, kind, msg string) {
	s.writeJSON(w, status, wire.ErrorResponse{Error: msg, Kind: kind})
}

// handleCheck is the decision endpoint. Whatever the verdict, the HTTP
// status is 200: a BLOCK is a successful decision, not a transport error.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req wire.CheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request", "invalid JSON body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		s.writeError(w, http.StatusBadRequest, "request", "tool_name is required")
		return
	}

	ctx, span := s.telemetry.StartToolSpan(r.Context(), telemetry.SpanCheck, req.ToolName, req.SessionID)
	res := s.engine.Check(ctx, req.ToolName, req.Args, req.SessionID, req.Sender)
	s.telemetry.EndToolSpan(span, string(res.Verdict), res.RuleID, res.PIITypes)
	s.telemetry.RecordDecision(ctx, telemetry.SpanCheck, string(res.Verdict))
	s.telemetry.RecordPIIDetections(ctx, res.PIITypes)
	s.metrics.DecisionsTotal.WithLabelValues(string(res.Verdict)).Inc()

	resp := wire.CheckResponse{
		Verdict:      string(res.Verdict),
		RuleID:       res.RuleID,
		Message:      res.Message,
		ModifiedArgs: res.ModifiedArgs,
		ApprovalID:   res.ApprovalID,
		PIITypes:     res.PIITypes,
	}
	if resp.PIITypes == nil {
		resp.PIITypes = []string{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePostCheck(w http.ResponseWriter, r *http.Request) {
	var req wire.PostCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request", "invalid JSON body: "+err.Error())
		return
	}
	if req.ToolName == "" {
		s.writeError(w, http.StatusBadRequest, "request", "tool_name is required")
		return
	}

	ctx, span := s.telemetry.StartToolSpan(r.Context(), telemetry.SpanPostCheck, req.ToolName, req.SessionID)
	res := s.engine.PostCheck(ctx, req.ToolName, req.Args, req.Result, req.SessionID)
	s.telemetry.EndToolSpan(span, "", "", res.PIITypes)
	s.telemetry.RecordPIIDetections(ctx, res.PIITypes)

	resp := wire.PostCheckResponse{
		PIITypes:       res.PIITypes,
		RedactedOutput: res.RedactedOutput,
	}
	if resp.PIITypes == nil {
		resp.PIITypes = []string{}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConstraints(w http.ResponseWriter, r *http.Request) {
	snap := s.rulesets.Snapshot()
	s.writeJSON(w, http.StatusOK, wire.ConstraintsResponse{Summary: snap.Summary()})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.rulesets.Reload(); err != nil {
		s.metrics.ReloadsTotal.WithLabelValues("error").Inc()
		s.writeError(w, http.StatusBadRequest, "config", err.Error())
		return
	}
	s.metrics.ReloadsTotal.WithLabelValues("ok").Inc()

	snap := s.rulesets.Snapshot()
	s.writeJSON(w, http.StatusOK, wire.ReloadResponse{
		Status:     "reloaded",
		RulesCount: len(snap.Rules.Rules),
		RulesHash:  snap.Rules.Hash,
	})
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req wire.RespondApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request", "invalid JSON body: "+err.Error())
		return
	}
	if req.ApprovalID == "" {
		s.writeError(w, http.StatusBadRequest, "request", "approval_id is required")
		return
	}

	err := s.approvals.Respond(req.ApprovalID, req.Approved, req.Responder)
	switch {
	case err == nil:
		s.writeJSON(w, http.StatusOK, wire.StatusOKResponse{Status: "ok"})
	case errors.Is(err, approval.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
	default:
		var resolved *approval.AlreadyResolvedError
		if errors.As(err, &resolved) {
			s.writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		s.writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func (s *Server) handleCheckApproval(w http.ResponseWriter, r *http.Request) {
	var req wire.CheckApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request", "invalid JSON body: "+err.Error())
		return
	}
	if req.ApprovalID == "" {
		s.writeError(w, http.StatusBadRequest, "request", "approval_id is required")
		return
	}

	p, err := s.approvals.Poll(req.ApprovalID)
	if errors.Is(err, approval.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, wire.CheckApprovalResponse{
		ApprovalID: p.ID,
		Status:     p.Status,
		Responder:  p.Responder,
	})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending := s.approvals.ListPending()

	resp := wire.PendingApprovalsResponse{Approvals: make([]wire.ApprovalSummary, 0, len(pending))}
	for _, p := range pending {
		resp.Approvals = append(resp.Approvals, wire.ApprovalSummary{
			ApprovalID: p.ID,
			ToolName:   p.ToolName,
			Args:       p.Args,
			SessionID:  p.SessionID,
			RuleID:     p.RuleID,
			CreatedAt:  p.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleClearTaint drops a session's taint set. Clearing an unknown session
// is a no-op, not an error; the goal state holds either way.
func (s *Server) handleClearTaint(w http.ResponseWriter, r *http.Request) {
	var req wire.ClearTaintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "request", "invalid JSON body: "+err.Error())
		return
	}
	if req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "request", "session_id is required")
		return
	}

	if st, ok := s.sessions.Get(req.SessionID); ok {
		n := st.ClearTaints()
		s.logger.Info("session taint cleared", "session_id", req.SessionID, "count", n)
	}
	s.writeJSON(w, http.StatusOK, wire.StatusOKResponse{Status: "ok"})
}

// handleKill engages the kill switch. An empty body is accepted: this is
// the emergency stop and must not fail on a missing reason.
func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req wire.KillRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "request", "invalid JSON body: "+err.Error())
		return
	}

	s.engine.Kill(req.Reason)
	s.writeJSON(w, http.StatusOK, wire.StatusOKResponse{Status: "killed"})

	if req.Shutdown {
		s.requestShutdown()
	}
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	s.writeJSON(w, http.StatusOK, wire.StatusOKResponse{Status: "resumed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.rulesets.Snapshot()
	killed, _ := s.engine.Killed()

	s.writeJSON(w, http.StatusOK, wire.HealthResponse{
		Status:     "ok",
		ShieldName: snap.Rules.ShieldName,
		RulesCount: len(snap.Rules.Rules),
		RulesHash:  snap.Rules.Hash,
		Mode:       string(s.engine.Mode()),
		Killed:     killed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.rulesets.Snapshot()
	killed, _ := s.engine.Killed()

	s.writeJSON(w, http.StatusOK, wire.StatusResponse{
		Status:           "running",
		UptimeSeconds:    int64(time.Since(s.startedAt).Seconds()),
		Mode:             string(s.engine.Mode()),
		Killed:           killed,
		RulesCount:       len(snap.Rules.Rules),
		RulesHash:        snap.Rules.Hash,
		SessionsActive:   s.sessions.Len(),
		ApprovalsPending: s.approvals.PendingCount(),
		Decisions:        s.engine.DecisionCounts(),
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.writeError(w, http.StatusNotFound, "not_found", "no such endpoint: "+r.URL.Path)
}
