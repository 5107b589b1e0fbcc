package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	xerrors "OpenMCP-Orchestrator/internal/errors"
	"OpenMCP-Orchestrator/internal/permission"
	"OpenMCP-Orchestrator/internal/pipeline"
	"OpenMCP-Orchestrator/internal/task"
	"OpenMCP-Orchestrator/internal/tools"
)

type processRequest struct {
	Input     string `json:"input"`
	SessionID string `json:"session_id,omitempty"`
}

func caller(r *http.Request) (string, []string) {
	subject := permission.SubjectFromContext(r.Context())
	if subject == nil {
		return permission.AnonymousUser, nil
	}
	return subject.ID, subject.Permissions
}

// handleProcess 运行一次思考流水线。被阻止或需要确认的结果同样以 200 返回，由 success 字段区分。
func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pipeline == nil {
		writeMessage(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "流水线未初始化")
		return
	}
	var req processRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if strings.TrimSpace(req.Input) == "" {
		writeMessage(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "input 不能为空")
		return
	}
	userID, perms := caller(r)
	result := s.deps.Pipeline.Process(r.Context(), pipeline.Request{
		Input:       req.Input,
		UserID:      userID,
		SessionID:   req.SessionID,
		Permissions: perms,
	})
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeJSON(w, http.StatusOK, []tools.Definition{})
		return
	}
	query := r.URL.Query()
	var defs []tools.Definition
	switch {
	case query.Get("category") != "":
		defs = s.deps.Registry.GetByCategory(tools.Category(query.Get("category")))
	case query.Get("q") != "":
		defs = s.deps.Registry.Search(query.Get("q"))
	case query.Get("permitted") == "true":
		_, perms := caller(r)
		defs = s.deps.Registry.GetForUser(perms)
	default:
		defs = s.deps.Registry.GetAll()
	}
	if defs == nil {
		defs = []tools.Definition{}
	}
	writeJSON(w, http.StatusOK, defs)
}

func (s *Server) handleToolSchemas(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry == nil {
		writeJSON(w, http.StatusOK, []map[string]any{})
		return
	}
	format := r.URL.Query().Get("format")
	if format == "" {
		format = string(tools.FormatOpenAI)
	}
	schemas, err := s.deps.Registry.ExportAll(tools.SchemaFormat(format))
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "无法导出工具模式"))
		return
	}
	writeJSON(w, http.StatusOK, schemas)
}

type executeRequest struct {
	Params       map[string]any `json:"params"`
	SessionID    string         `json:"session_id,omitempty"`
	PeerID       string         `json:"peer_id,omitempty"`
	CaptureState bool           `json:"capture_state,omitempty"`
	TimeoutMS    int            `json:"timeout_ms,omitempty"`
}

// handleExecuteTool 直接调用单个工具。工具失败属于结果数据，状态码由错误码决定。
func (s *Server) handleExecuteTool(w http.ResponseWriter, r *http.Request) {
	if s.deps.Executor == nil {
		writeMessage(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "工具执行器未初始化")
		return
	}
	var req executeRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	userID, perms := caller(r)
	opts := []tools.ExecOption{tools.CaptureState(req.CaptureState)}
	if req.TimeoutMS > 0 {
		opts = append(opts, tools.WithTimeout(time.Duration(req.TimeoutMS)*time.Millisecond))
	}
	result := s.deps.Executor.Execute(r.Context(), chi.URLParam(r, "name"), req.Params, tools.ExecutionContext{
		UserID:      userID,
		PeerID:      req.PeerID,
		Permissions: perms,
		SessionID:   req.SessionID,
	}, opts...)

	status := http.StatusOK
	if !result.Success {
		status = statusFor(result.ErrorCode)
		if status == http.StatusInternalServerError {
			status = http.StatusUnprocessableEntity
		}
	}
	writeJSON(w, status, result)
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeMessage(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	var req task.SubmitRequest
	if err := decode(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	// 提交者身份只取自中间件解析的主体，请求体中的 user_id 被忽略。
	req.UserID, req.Permissions = caller(r)
	ai, err := s.deps.Tasks.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	status := http.StatusCreated
	if s.deps.Tasks.Queued() {
		status = http.StatusAccepted
	}
	writeJSON(w, status, ai)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeMessage(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	query := r.URL.Query()
	var opts []task.ListOption
	if n, err := strconv.Atoi(query.Get("limit")); err == nil && n > 0 {
		opts = append(opts, task.WithLimit(n))
	}
	if n, err := strconv.Atoi(query.Get("offset")); err == nil && n > 0 {
		opts = append(opts, task.WithOffset(n))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []task.AIStatus
		for _, part := range strings.Split(raw, ",") {
			status := task.AIStatus(strings.TrimSpace(part))
			if !task.IsValidAIStatus(status) {
				writeMessage(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "未知的任务状态: "+string(status))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if user := query.Get("user"); user != "" {
		opts = append(opts, task.WithUser(user))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	if tool := query.Get("tool"); tool != "" {
		opts = append(opts, task.WithTool(tool))
	}
	if query.Get("since") != "" || query.Get("until") != "" {
		since, err := parseTimeParam(query.Get("since"))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "since 参数格式错误，应为 RFC3339")
			return
		}
		until, err := parseTimeParam(query.Get("until"))
		if err != nil {
			writeMessage(w, http.StatusBadRequest, xerrors.CodeInvalidArgument, "until 参数格式错误，应为 RFC3339")
			return
		}
		opts = append(opts, task.WithCreatedBetween(since, until))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, task.WithSortOrder(task.SortByCreatedAsc))
	}

	list, err := s.deps.Tasks.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*task.AITask{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeMessage(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	ai, err := s.deps.Tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ai)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tasks == nil {
		writeMessage(w, http.StatusServiceUnavailable, xerrors.CodeInitializationFailure, "任务服务未初始化")
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.deps.Tasks.Cancel(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"tools": s.toolCount()}
	if s.deps.Orchestrator != nil {
		payload["orchestrator"] = s.deps.Orchestrator.GetStats()
	}
	if s.deps.Tasks != nil {
		payload["queued_submission"] = s.deps.Tasks.Queued()
	}
	writeJSON(w, http.StatusOK, payload)
}

// parseTimeParam 解析 RFC3339 时间，空字符串返回零值。
func parseTimeParam(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
