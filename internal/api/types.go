package api

import (
	"shellchat/internal/ledger"
	"shellchat/internal/retrieval"
)

// ChatRequest is one user turn.
type ChatRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// ChatResponse carries the assistant reply and execution details, if any.
type ChatResponse struct {
	Reply       string             `json:"reply"`
	Command     string             `json:"command,omitempty"`
	Output      string             `json:"output,omitempty"`
	ExecSuccess bool               `json:"exec_success,omitempty"`
	Cost        float64            `json:"cost,omitempty"`
	Sources     []retrieval.Result `json:"sources,omitempty"`
}

// ExecuteRequest runs one command directly, bypassing the LLM.
type ExecuteRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	TimeoutMS int64  `json:"timeout_ms,omitempty"`
}

// ExecuteResponse reports the outcome of a direct execution.
type ExecuteResponse struct {
	Success    bool    `json:"success"`
	Output     string  `json:"output"`
	ExitCode   int     `json:"exit_code"`
	DurationMS int64   `json:"duration_ms"`
	Cost       float64 `json:"cost"`
	SandboxNew bool    `json:"sandbox_new"`
	Error      string  `json:"error,omitempty"`
	Hint       string  `json:"hint,omitempty"`
}

// UsageResponse wraps the ledger aggregate for one user.
type UsageResponse struct {
	UserID    string             `json:"user_id"`
	SessionID string             `json:"session_id,omitempty"`
	Stats     *ledger.UsageStats `json:"stats"`
}

// ExecutionsResponse lists a user's recent execution records.
type ExecutionsResponse struct {
	UserID     string          `json:"user_id"`
	Executions []ledger.Record `json:"executions"`
}

// CleanupResponse reports how many sandboxes a cleanup destroyed.
type CleanupResponse struct {
	Destroyed int `json:"destroyed"`
}

// SearchResponse lists retrieval results for a query.
type SearchResponse struct {
	Results []retrieval.Result `json:"results"`
}

// HealthResponse reports component liveness.
type HealthResponse struct {
	Status          string `json:"status"`
	Database        bool   `json:"database"`
	SandboxProvider bool   `json:"sandbox_provider"`
	ActiveSandboxes int    `json:"active_sandboxes"`
	Uptime          string `json:"uptime"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}
