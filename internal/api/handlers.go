package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"nets-observer/internal/artifact"
	xerrors "nets-observer/internal/errors"
	"nets-observer/internal/history"
	"nets-observer/internal/verifier"
)

type traceMeta struct {
	Generated bool   `json:"generated"`
	Path      string `json:"path"`
	ModTimeMs int64  `json:"mtimeMs"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	cfg := map[string]any{}
	if s.cfg != nil {
		cfg = map[string]any{
			"statePath":     s.cfg.Paths.StatePath,
			"tracesDir":     s.cfg.Paths.TracesDir,
			"fraudDir":      s.cfg.Paths.FraudDir,
			"agentsDir":     s.cfg.Paths.AgentsDir,
			"historyPath":   s.cfg.Paths.HistoryPath,
			"netsBin":       s.cfg.Engine.Bin,
			"historyDriver": s.cfg.History.Driver,
			"relayDriver":   s.cfg.Relay.Driver,
		}
	}
	if s.notifier != nil {
		cfg["observers"] = s.notifier.Registry().Len()
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cfg": cfg})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	state, meta, err := s.store.ReadState()
	if err != nil {
		// 缺失与损坏都视为当前不可读。
		writeCodedError(w, http.StatusNotFound, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "state": state, "meta": meta})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := history.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			limit = parsed
		}
	}
	items := []history.Entry{}
	if s.notifier != nil {
		got, err := s.notifier.History(r.Context(), limit)
		if err != nil {
			writeCodedError(w, http.StatusInternalServerError, err)
			return
		}
		if got != nil {
			items = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "items": items})
}

func (s *Server) handleTraces(w http.ResponseWriter, _ *http.Request) {
	files, err := s.store.ListTraceFiles()
	if err != nil {
		writeCodedError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "tracesDir": s.store.TracesDir(), "files": nonNil(files)})
}

func (s *Server) handleFraudFiles(w http.ResponseWriter, _ *http.Request) {
	files, err := s.store.ListFraudFiles()
	if err != nil {
		writeCodedError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "fraudDir": s.store.FraudDir(), "files": nonNil(files)})
}

func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	system := strings.TrimSpace(query.Get("system"))
	agent := strings.TrimSpace(query.Get("agent"))
	if system == "" || agent == "" {
		writeError(w, http.StatusBadRequest, "system 与 agent 均为必填参数")
		return
	}

	ctx, cancel := s.traceContext(r.Context())
	defer cancel()
	result, err := s.traces.EnsureTrace(ctx, system, agent)
	if err != nil {
		status := http.StatusInternalServerError
		switch xerrors.CodeOf(err) {
		case xerrors.CodeInvalidArgument:
			status = http.StatusBadRequest
		case xerrors.CodeTimeout:
			status = http.StatusGatewayTimeout
		}
		s.logger.Warn("ensure trace failed",
			slog.String("system", system),
			slog.String("agent", agent),
			slog.Any("error", err),
		)
		writeCodedError(w, status, err)
		return
	}

	trace, meta, err := s.store.ReadTrace(result.Path)
	if err != nil {
		writeCodedError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":          true,
		"trace":       trace,
		"consistency": trace.Check(),
		"meta":        traceMeta{Generated: result.Generated, Path: result.Path, ModTimeMs: meta.ModTimeMs},
	})
}

func (s *Server) handleFraudProof(w http.ResponseWriter, r *http.Request) {
	agent := strings.TrimSpace(r.URL.Query().Get("agent"))
	if agent == "" {
		writeError(w, http.StatusBadRequest, "agent 为必填参数")
		return
	}
	envelope, meta, err := s.store.ReadFraudProof(agent)
	if err != nil {
		writeCodedError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "proof": envelope, "meta": meta})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	req := verifier.Request{
		Agent:  strings.TrimSpace(query.Get("agent")),
		System: strings.TrimSpace(query.Get("system")),
	}
	if req.Agent == "" {
		writeError(w, http.StatusBadRequest, "agent 为必填参数")
		return
	}
	if raw := strings.TrimSpace(query.Get("step")); raw != "" {
		step, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "step 必须为非负整数")
			return
		}
		req.Step = &step
	}

	ctx, cancel := s.traceContext(r.Context())
	defer cancel()
	report, err := s.verifier.Verify(ctx, req)
	if err != nil {
		writeCodedError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "report": report})
}

func (s *Server) traceContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.cfg != nil && s.cfg.Server.TraceWaitSeconds > 0 {
		return context.WithTimeout(parent, s.cfg.Server.TraceWait())
	}
	return context.WithCancel(parent)
}

// statusFor 将错误码映射为 HTTP 状态码。
func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, xerrors.CodeAgentNotFound:
		return http.StatusNotFound
	case xerrors.CodeMalformed:
		return http.StatusUnprocessableEntity
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func nonNil(files []artifact.FileInfo) []artifact.FileInfo {
	if files == nil {
		return []artifact.FileInfo{}
	}
	return files
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"ok": false, "error": message})
}

func writeCodedError(w http.ResponseWriter, status int, err error) {
	body := map[string]any{"ok": false, "error": err.Error()}
	if e, ok := xerrors.From(err); ok {
		body["code"] = e.Code()
		body["retryable"] = xerrors.AttributesOf(e.Code()).Retryable
	}
	writeJSON(w, status, body)
}
