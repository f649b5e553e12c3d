package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"shellchat/internal/chat"
	"shellchat/internal/ledger"
	"shellchat/internal/monitor"
	"shellchat/internal/provider"
	"shellchat/internal/retrieval"
	"shellchat/internal/sandbox"
)

// Handlers bundles the request handlers with their collaborators.
type Handlers struct {
	orchestrator *chat.Orchestrator
	manager      *sandbox.Manager
	executor     *sandbox.Executor
	ledger       *ledger.Ledger
	retriever    *retrieval.Retriever
	pricing      sandbox.Pricing
	metrics      *monitor.Metrics
}

// NewHandlers creates the handler set.
func NewHandlers(
	orchestrator *chat.Orchestrator,
	manager *sandbox.Manager,
	executor *sandbox.Executor,
	ldg *ledger.Ledger,
	retriever *retrieval.Retriever,
	pricing sandbox.Pricing,
	metrics *monitor.Metrics,
) *Handlers {
	return &Handlers{
		orchestrator: orchestrator,
		manager:      manager,
		executor:     executor,
		ledger:       ldg,
		retriever:    retriever,
		pricing:      pricing,
		metrics:      metrics,
	}
}

// HandleChat processes one chat turn.
func (h *Handlers) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, "user_id and session_id are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	if req.Message == "" {
		writeError(w, "message is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	result, err := h.orchestrator.HandleTurn(r.Context(), req.UserID, req.SessionID, req.Message)
	if err != nil {
		if provider.IsCreation(err) {
			writeError(w, provider.Hint(err), "SANDBOX_UNAVAILABLE", http.StatusServiceUnavailable, r)
			return
		}
		writeError(w, err.Error(), "CHAT_FAILED", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, ChatResponse{
		Reply:       result.Reply,
		Command:     result.Command,
		Output:      result.Output,
		ExecSuccess: result.ExecSuccess,
		Cost:        result.Cost,
		Sources:     result.Sources,
	})
}

// HandleExecute runs one command directly against the caller's sandbox.
func (h *Handlers) HandleExecute(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}

	resp, status := h.execute(r, req, nil, nil)
	writeJSON(w, status, resp)
}

// HandleExecuteStream runs one command, streaming stdout/stderr as SSE
// events followed by a final "done" event with the execution summary.
func (h *Handlers) HandleExecuteStream(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	stdout := NewSSEWriter(w, "stdout")
	stderr := NewSSEWriter(w, "stderr")
	if stdout == nil || stderr == nil {
		writeError(w, "streaming unsupported by connection", "STREAM_UNSUPPORTED", http.StatusNotImplemented, r)
		return
	}

	resp, _ := h.execute(r, req, stdout, stderr)
	if resp.Error != "" && resp.Output == "" && !resp.Success {
		sendSSEError(w, resp.Error)
	}

	summary, err := json.Marshal(resp)
	if err != nil {
		log.Error().Err(err).Msg("encoding stream summary")
		return
	}
	sendSSEDone(w, string(summary))
}

func (h *Handlers) decodeExecute(w http.ResponseWriter, r *http.Request) (*ExecuteRequest, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid JSON: "+err.Error(), "INVALID_REQUEST", http.StatusBadRequest, r)
		return nil, false
	}
	if req.UserID == "" || req.SessionID == "" {
		writeError(w, "user_id and session_id are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return nil, false
	}
	if req.Command == "" {
		writeError(w, "command is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return nil, false
	}
	return &req, true
}

func (h *Handlers) execute(r *http.Request, req *ExecuteRequest, stdout, stderr *SSEWriter) (*ExecuteResponse, int) {
	key := sandbox.Key{UserID: req.UserID, SessionID: req.SessionID}

	handle, isNew, err := h.manager.EnsureActive(r.Context(), key, provider.CreateConfig{})
	if err != nil {
		h.ledger.RecordFailure(req.UserID, key.String(), req.Command, err)
		return &ExecuteResponse{
			Error: err.Error(),
			Hint:  provider.Hint(err),
		}, http.StatusServiceUnavailable
	}

	timeout := time.Duration(req.TimeoutMS) * time.Millisecond

	var outcome *sandbox.Outcome
	if stdout != nil {
		outcome = h.executor.Execute(r.Context(), handle, req.Command, timeout, stdout, stderr)
	} else {
		outcome = h.executor.Execute(r.Context(), handle, req.Command, timeout, nil, nil)
	}

	cost := h.pricing.EstimateCost(outcome.Duration, isNew)
	if h.metrics != nil {
		h.metrics.ExecutionCost.Add(cost)
	}

	h.ledger.Record(&ledger.Record{
		UserID:       req.UserID,
		SandboxKey:   key.String(),
		Command:      req.Command,
		Output:       outcome.CombinedOutput,
		Success:      outcome.Success,
		DurationMS:   outcome.Duration.Milliseconds(),
		CostEstimate: cost,
		StartedAt:    outcome.StartedAt,
		EndedAt:      outcome.EndedAt,
	})

	resp := &ExecuteResponse{
		Success:    outcome.Success,
		Output:     outcome.CombinedOutput,
		ExitCode:   outcome.ExitCode,
		DurationMS: outcome.Duration.Milliseconds(),
		Cost:       cost,
		SandboxNew: isNew,
	}
	if outcome.Err != nil {
		resp.Error = outcome.Err.Error()
		resp.Hint = outcome.Hint
	}
	return resp, http.StatusOK
}

// HandleUsage serves the ledger aggregate for one user.
func (h *Handlers) HandleUsage(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	stats, err := h.ledger.UsageStats(r.Context(), userID, sessionID)
	if err != nil {
		writeError(w, "querying usage failed", "USAGE_FAILED", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, UsageResponse{
		UserID:    userID,
		SessionID: sessionID,
		Stats:     stats,
	})
}

// HandleExecutions lists a user's recent execution records, newest first.
func (h *Handlers) HandleExecutions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	records, err := h.ledger.Recent(r.Context(), userID, limit)
	if err != nil {
		writeError(w, "querying executions failed", "EXECUTIONS_FAILED", http.StatusInternalServerError, r)
		return
	}

	writeJSON(w, http.StatusOK, ExecutionsResponse{
		UserID:     userID,
		Executions: records,
	})
}

// HandleSearch serves raw retrieval results for debugging and citation.
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := q.Get("user_id")
	query := q.Get("query")
	if userID == "" || query == "" {
		writeError(w, "user_id and query are required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	results := h.retriever.Search(r.Context(), query, userID, q.Get("session_id"), limit)
	writeJSON(w, http.StatusOK, SearchResponse{Results: results})
}

// HandleCleanup destroys all sandboxes belonging to one user.
func (h *Handlers) HandleCleanup(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", "INVALID_REQUEST", http.StatusBadRequest, r)
		return
	}

	destroyed := h.manager.DestroyAll(r.Context(), func(k sandbox.Key) bool {
		return k.UserID == userID
	})
	writeJSON(w, http.StatusOK, CleanupResponse{Destroyed: destroyed})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}
