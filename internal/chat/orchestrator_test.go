package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"shellchat/internal/ledger"
	"shellchat/internal/provider"
	"shellchat/internal/retrieval"
	"shellchat/internal/sandbox"
)

// scriptedLLM returns its queued responses in order; an entry of type error
// fails that call.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []any
	calls     int
}

func (s *scriptedLLM) CreateChatCompletion(_ context.Context, _ openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.calls >= len(s.responses) {
		return openai.ChatCompletionResponse{}, errors.New("no scripted response left")
	}
	entry := s.responses[s.calls]
	s.calls++

	if err, ok := entry.(error); ok {
		return openai.ChatCompletionResponse{}, err
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: entry.(string)}},
		},
	}, nil
}

type scriptedSandbox struct {
	id       string
	output   string
	exitCode int
	runErr   error
}

func (s *scriptedSandbox) ID() string { return s.id }

func (s *scriptedSandbox) Run(_ context.Context, _ string, opts provider.RunOptions) (*provider.RunResult, error) {
	if s.runErr != nil {
		return nil, s.runErr
	}
	if s.output != "" && opts.OnStdout != nil {
		opts.OnStdout([]byte(s.output))
	}
	return &provider.RunResult{ExitCode: s.exitCode}, nil
}

func (s *scriptedSandbox) Kill(context.Context) error { return nil }

type scriptedProvider struct {
	mu        sync.Mutex
	created   int
	createErr error
	output    string
	exitCode  int
}

func (p *scriptedProvider) Create(context.Context, provider.CreateConfig) (provider.Sandbox, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createErr != nil {
		return nil, p.createErr
	}
	p.created++
	return &scriptedSandbox{
		id:       fmt.Sprintf("sbx-%d", p.created),
		output:   p.output,
		exitCode: p.exitCode,
	}, nil
}

func (p *scriptedProvider) createdCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

type spyVectorStore struct {
	*retrieval.MemoryStore
	mu      sync.Mutex
	inserts int
}

func (s *spyVectorStore) InsertMessage(ctx context.Context, msg *retrieval.Message, vec []float32) error {
	s.mu.Lock()
	s.inserts++
	s.mu.Unlock()
	return s.MemoryStore.InsertMessage(ctx, msg, vec)
}

func (s *spyVectorStore) insertCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inserts
}

type constantEmbedder struct{}

func (constantEmbedder) CreateEmbeddings(context.Context, openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	return openai.EmbeddingResponse{
		Data: []openai.Embedding{{Embedding: []float32{1, 0}}},
	}, nil
}

type turnFixture struct {
	orchestrator *Orchestrator
	provider     *scriptedProvider
	ledgerStore  *ledger.Memory
	ldg          *ledger.Ledger
	vectors      *spyVectorStore
}

func newTurnFixture(t *testing.T, llm *scriptedLLM, p *scriptedProvider) *turnFixture {
	t.Helper()

	store := ledger.NewMemory()
	ldg := ledger.New(store)
	t.Cleanup(func() { ldg.Close(2 * time.Second) })

	vectors := &spyVectorStore{MemoryStore: retrieval.NewMemoryStore()}
	embedder := retrieval.NewEmbedder(constantEmbedder{}, "", 16, nil)
	retriever := retrieval.NewRetriever(embedder, vectors, 0, nil)

	manager := sandbox.NewManager(p, sandbox.ManagerConfig{
		Defaults:     provider.CreateConfig{Template: "base", TotalTimeout: 10 * time.Minute},
		ProbeTimeout: time.Second,
	}, nil)
	executor := sandbox.NewExecutor(manager, nil)

	return &turnFixture{
		orchestrator: NewOrchestrator(Options{
			LLM:       llm,
			Model:     "gpt-4o-mini",
			Retriever: retriever,
			Store:     vectors,
			Manager:   manager,
			Executor:  executor,
			Ledger:    ldg,
			Pricing:   sandbox.DefaultPricing(),
		}),
		provider:    p,
		ledgerStore: store,
		ldg:         ldg,
		vectors:     vectors,
	}
}

func TestHandleTurn_PlainAnswer(t *testing.T) {
	llm := &scriptedLLM{responses: []any{"Paris is the capital of France."}}
	f := newTurnFixture(t, llm, &scriptedProvider{})

	result, err := f.orchestrator.HandleTurn(context.Background(), "u1", "s1", "capital of France?")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	if result.Reply != "Paris is the capital of France." {
		t.Errorf("Reply = %q", result.Reply)
	}
	if result.Command != "" {
		t.Errorf("Command = %q, want empty", result.Command)
	}
	if f.provider.createdCount() != 0 {
		t.Errorf("sandboxes created = %d for a plain answer, want 0", f.provider.createdCount())
	}

	f.ldg.Close(2 * time.Second)
	if f.ledgerStore.Count("u1") != 0 {
		t.Errorf("ledger records = %d for a plain answer, want 0", f.ledgerStore.Count("u1"))
	}
	// Both sides of the turn are persisted for future retrieval.
	if f.vectors.insertCount() != 2 {
		t.Errorf("persisted messages = %d, want 2", f.vectors.insertCount())
	}
}

func TestHandleTurn_ExecutesRequestedCommand(t *testing.T) {
	llm := &scriptedLLM{responses: []any{
		"RUN: echo hi",
		"The command printed: hi",
	}}
	f := newTurnFixture(t, llm, &scriptedProvider{output: "hi\n"})

	result, err := f.orchestrator.HandleTurn(context.Background(), "u1", "s1", "say hi in the shell")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v", err)
	}

	if result.Command != "echo hi" {
		t.Errorf("Command = %q, want %q", result.Command, "echo hi")
	}
	if result.Output != "hi\n" {
		t.Errorf("Output = %q, want %q", result.Output, "hi\n")
	}
	if !result.ExecSuccess {
		t.Error("ExecSuccess = false, want true")
	}
	if result.Reply != "The command printed: hi" {
		t.Errorf("Reply = %q", result.Reply)
	}
	// First execution pays the creation fee.
	if result.Cost < sandbox.DefaultPricing().CreationFee {
		t.Errorf("Cost = %v, want at least the creation fee", result.Cost)
	}
	if f.provider.createdCount() != 1 {
		t.Errorf("sandboxes created = %d, want 1", f.provider.createdCount())
	}

	f.ldg.Close(2 * time.Second)
	if f.ledgerStore.Count("u1") != 1 {
		t.Errorf("ledger records = %d, want 1", f.ledgerStore.Count("u1"))
	}
}

func TestHandleTurn_CreationFailureIsRecorded(t *testing.T) {
	llm := &scriptedLLM{responses: []any{"RUN: ls"}}
	f := newTurnFixture(t, llm, &scriptedProvider{createErr: errors.New("quota exceeded")})

	_, err := f.orchestrator.HandleTurn(context.Background(), "u1", "s1", "list files")
	if err == nil {
		t.Fatal("HandleTurn() error = nil, want creation error")
	}
	if !provider.IsCreation(err) {
		t.Errorf("IsCreation(%v) = false, want true", err)
	}

	f.ldg.Close(2 * time.Second)
	if f.ledgerStore.Count("u1") != 1 {
		t.Errorf("ledger records = %d, want 1 failure record", f.ledgerStore.Count("u1"))
	}
}

func TestHandleTurn_SummaryFailureFallsBackToRawOutput(t *testing.T) {
	llm := &scriptedLLM{responses: []any{
		"RUN: echo hi",
		errors.New("rate limited"),
	}}
	f := newTurnFixture(t, llm, &scriptedProvider{output: "hi\n"})

	result, err := f.orchestrator.HandleTurn(context.Background(), "u1", "s1", "say hi")
	if err != nil {
		t.Fatalf("HandleTurn() error = %v, want fallback instead", err)
	}
	if !strings.Contains(result.Reply, "hi") {
		t.Errorf("Reply = %q, want raw output fallback", result.Reply)
	}
	if !result.ExecSuccess {
		t.Error("ExecSuccess = false, want true")
	}
}

func TestHandleTurn_FirstCompletionFailure(t *testing.T) {
	llm := &scriptedLLM{responses: []any{errors.New("rate limited")}}
	f := newTurnFixture(t, llm, &scriptedProvider{})

	if _, err := f.orchestrator.HandleTurn(context.Background(), "u1", "s1", "hello"); err == nil {
		t.Error("HandleTurn() error = nil, want completion error")
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name      string
		reply     string
		want      string
		wantsExec bool
	}{
		{"plain answer", "The capital is Paris.", "", false},
		{"command", "RUN: ls -la", "ls -la", true},
		{"command with trailing prose", "RUN: df -h\nThis shows disk usage.", "df -h", true},
		{"leading whitespace", "  RUN: pwd", "pwd", true},
		{"marker only", "RUN:", "", false},
		{"marker mid-text", "You could try RUN: ls", "", false},
		{"empty", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, wantsExec := parseCommand(tt.reply)
			if got != tt.want || wantsExec != tt.wantsExec {
				t.Errorf("parseCommand(%q) = (%q, %v), want (%q, %v)",
					tt.reply, got, wantsExec, tt.want, tt.wantsExec)
			}
		})
	}
}
