package chat

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"

	"shellchat/internal/ledger"
	"shellchat/internal/monitor"
	"shellchat/internal/provider"
	"shellchat/internal/retrieval"
	"shellchat/internal/sandbox"
)

const commandMarker = "RUN:"

const systemPrompt = `You are a helpful assistant with access to a Linux sandbox.
If answering the user requires running a shell command, reply with exactly one line:
RUN: <command>
Otherwise answer the user directly. Prior conversation context may follow.`

// TurnResult is the outcome of one chat turn.
type TurnResult struct {
	Reply       string             `json:"reply"`
	Command     string             `json:"command,omitempty"`
	Output      string             `json:"output,omitempty"`
	ExecSuccess bool               `json:"exec_success,omitempty"`
	Cost        float64            `json:"cost,omitempty"`
	Sources     []retrieval.Result `json:"sources,omitempty"`
}

// Orchestrator glues retrieval, the LLM, the sandbox lifecycle, and the
// ledger into a single chat turn. It holds no per-turn state.
type Orchestrator struct {
	llm       CompletionClient
	model     string
	retriever *retrieval.Retriever
	store     retrieval.VectorStore
	manager   *sandbox.Manager
	executor  *sandbox.Executor
	ledger    *ledger.Ledger
	pricing   sandbox.Pricing
	maxTokens int
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
}

// Options configures a new Orchestrator.
type Options struct {
	LLM              CompletionClient
	Model            string
	Retriever        *retrieval.Retriever
	Store            retrieval.VectorStore
	Manager          *sandbox.Manager
	Executor         *sandbox.Executor
	Ledger           *ledger.Ledger
	Pricing          sandbox.Pricing
	ContextMaxTokens int
	Metrics          *monitor.Metrics
	Tracer           *monitor.Tracer
}

// NewOrchestrator wires the chat turn pipeline.
func NewOrchestrator(opts Options) *Orchestrator {
	if opts.ContextMaxTokens <= 0 {
		opts.ContextMaxTokens = 1500
	}
	return &Orchestrator{
		llm:       opts.LLM,
		model:     opts.Model,
		retriever: opts.Retriever,
		store:     opts.Store,
		manager:   opts.Manager,
		executor:  opts.Executor,
		ledger:    opts.Ledger,
		pricing:   opts.Pricing,
		maxTokens: opts.ContextMaxTokens,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
}

// HandleTurn processes one user message: retrieves context, asks the LLM,
// runs at most one sandbox command if the LLM requests it, records the
// attempt, and composes the final answer.
func (o *Orchestrator) HandleTurn(ctx context.Context, userID, sessionID, message string) (*TurnResult, error) {
	if o.tracer != nil {
		var span trace.Span
		ctx, span = o.tracer.StartSpan(ctx, "chat.turn",
			monitor.AttrUserID.String(userID),
			monitor.AttrSessionID.String(sessionID),
		)
		defer span.End()
	}

	rctx := o.retriever.BuildContext(ctx, message, userID, sessionID, o.maxTokens)

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if rctx.Text != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: "Relevant prior conversation:\n\n" + rctx.Text,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: message,
	})

	first, err := o.complete(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}

	result := &TurnResult{Sources: rctx.Sources}

	command, wantsExec := parseCommand(first)
	if !wantsExec {
		result.Reply = first
		o.countTurn(false)
		o.persistTurn(ctx, userID, sessionID, message, result.Reply)
		return result, nil
	}

	result.Command = command
	o.countTurn(true)

	key := sandbox.Key{UserID: userID, SessionID: sessionID}
	handle, isNew, err := o.manager.EnsureActive(ctx, key, provider.CreateConfig{})
	if err != nil {
		o.ledger.RecordFailure(userID, key.String(), command, err)
		return nil, err
	}

	outcome := o.executor.Execute(ctx, handle, command, 0, io.Discard, io.Discard)
	cost := o.pricing.EstimateCost(outcome.Duration, isNew)
	if o.metrics != nil {
		o.metrics.ExecutionCost.Add(cost)
	}

	o.ledger.Record(&ledger.Record{
		UserID:       userID,
		SandboxKey:   key.String(),
		Command:      command,
		Output:       outcome.CombinedOutput,
		Success:      outcome.Success,
		DurationMS:   outcome.Duration.Milliseconds(),
		CostEstimate: cost,
		StartedAt:    outcome.StartedAt,
		EndedAt:      outcome.EndedAt,
	})

	result.Output = outcome.CombinedOutput
	result.ExecSuccess = outcome.Success
	result.Cost = cost

	reply, err := o.composeAnswer(ctx, message, command, outcome)
	if err != nil {
		// The execution already happened and is recorded; fall back to
		// the raw output rather than failing the turn.
		log.Warn().Err(err).Msg("answer composition failed, returning raw output")
		reply = outcome.CombinedOutput
		if !outcome.Success && outcome.Hint != "" {
			reply += "\n" + outcome.Hint
		}
	}
	result.Reply = reply

	o.persistTurn(ctx, userID, sessionID, message, result.Reply)
	return result, nil
}

func (o *Orchestrator) complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, error) {
	resp, err := o.llm.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    o.model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o *Orchestrator) composeAnswer(ctx context.Context, message, command string, outcome *sandbox.Outcome) (string, error) {
	status := "succeeded"
	if !outcome.Success {
		status = "failed"
		if outcome.Hint != "" {
			status += " (" + outcome.Hint + ")"
		}
	}

	return o.complete(ctx, []openai.ChatCompletionMessage{
		{
			Role: openai.ChatMessageRoleSystem,
			Content: "Summarize the command result for the user. Be concise and " +
				"include relevant output verbatim.",
		},
		{
			Role: openai.ChatMessageRoleUser,
			Content: fmt.Sprintf("Request: %s\nCommand: %s\nThe command %s.\nOutput:\n%s",
				message, command, status, outcome.CombinedOutput),
		},
	})
}

// persistTurn stores both sides of the turn with embeddings so future
// retrieval can find them. Failures are logged and absorbed.
func (o *Orchestrator) persistTurn(ctx context.Context, userID, sessionID, userMsg, assistantMsg string) {
	for _, m := range []retrieval.Message{
		{SessionID: sessionID, UserID: userID, Role: "user", Content: userMsg},
		{SessionID: sessionID, UserID: userID, Role: "assistant", Content: assistantMsg},
	} {
		vec, err := o.retriever.Embedder().Embed(ctx, m.Content)
		if err != nil {
			log.Warn().Err(err).Str("role", m.Role).Msg("embedding turn failed, storing skipped")
			continue
		}
		msg := m
		if err := o.store.InsertMessage(ctx, &msg, vec); err != nil {
			log.Warn().Err(err).Str("role", m.Role).Msg("persisting turn failed")
		}
	}
}

func (o *Orchestrator) countTurn(toolUse bool) {
	if o.metrics == nil {
		return
	}
	label := "false"
	if toolUse {
		label = "true"
	}
	o.metrics.ChatTurnsTotal.WithLabelValues(label).Inc()
}

// parseCommand extracts a shell command from an LLM reply of the form
// "RUN: <command>". Only the first line is considered.
func parseCommand(reply string) (string, bool) {
	line := reply
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, commandMarker) {
		return "", false
	}
	command := strings.TrimSpace(strings.TrimPrefix(line, commandMarker))
	return command, command != ""
}
