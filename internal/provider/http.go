package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Client talks to the hosted sandbox-execution API over HTTP. Command output
// is streamed back as newline-delimited JSON events.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewClient creates an API client for the hosted sandbox service.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		// Long-running command streams manage their own deadlines via ctx.
		http: &http.Client{Timeout: 0},
	}
}

var _ Provider = (*Client)(nil)

type createRequest struct {
	Template       string `json:"template"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
	MemoryMB       int64  `json:"memory_mb,omitempty"`
	CPUs           int    `json:"cpus,omitempty"`
}

type createResponse struct {
	SandboxID string `json:"sandbox_id"`
}

// Create provisions a new sandbox. The provider enforces timeout_seconds as
// the environment's hard wall-clock lifetime.
func (c *Client) Create(ctx context.Context, cfg CreateConfig) (Sandbox, error) {
	body := createRequest{
		Template:       cfg.Template,
		TimeoutSeconds: int64(cfg.TotalTimeout.Seconds()),
		MemoryMB:       cfg.MaxMemoryMB,
		CPUs:           cfg.MaxCPUs,
	}

	var resp createResponse
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sandboxes", body, &resp); err != nil {
		return nil, &classified{kind: ErrCreation, err: err}
	}
	if resp.SandboxID == "" {
		return nil, &classified{kind: ErrCreation, err: fmt.Errorf("provider returned empty sandbox id")}
	}

	log.Debug().
		Str("sandbox_id", resp.SandboxID).
		Str("template", cfg.Template).
		Dur("total_timeout", cfg.TotalTimeout).
		Msg("sandbox created")

	return &remoteSandbox{client: c, id: resp.SandboxID}, nil
}

type remoteSandbox struct {
	client *Client
	id     string
}

func (s *remoteSandbox) ID() string { return s.id }

type execRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int64  `json:"timeout_seconds"`
}

// execEvent is one NDJSON line of a streamed execution. Output events carry
// Stream+Data; the terminal event carries ExitCode or Error.
type execEvent struct {
	Stream   string `json:"stream,omitempty"` // "stdout" or "stderr"
	Data     string `json:"data,omitempty"`
	Done     bool   `json:"done,omitempty"`
	ExitCode int    `json:"exit_code,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (s *remoteSandbox) Run(ctx context.Context, command string, opts RunOptions) (*RunResult, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	body := execRequest{
		Command:        command,
		TimeoutSeconds: int64(opts.Timeout.Seconds()),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding exec request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/sandboxes/%s/exec", s.client.baseURL, s.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.client.apiKey)

	resp, err := s.client.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sandbox exec: %s", readErrorBody(resp))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var result *RunResult
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var ev execEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn().Err(err).Str("sandbox_id", s.id).Msg("skipping malformed exec event")
			continue
		}

		switch {
		case ev.Error != "":
			return nil, fmt.Errorf("%s", ev.Error)
		case ev.Done:
			result = &RunResult{ExitCode: ev.ExitCode}
		case ev.Stream == "stderr":
			if opts.OnStderr != nil {
				opts.OnStderr([]byte(ev.Data))
			}
		default:
			if opts.OnStdout != nil {
				opts.OnStdout([]byte(ev.Data))
			}
		}
	}
	if err := scanner.Err(); err != nil {
		// ctx deadline shows up here as the stream is severed mid-read.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading exec stream: %w", err)
	}
	if result == nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("exec stream ended without completion event")
	}
	return result, nil
}

func (s *remoteSandbox) Kill(ctx context.Context) error {
	url := fmt.Sprintf("%s/v1/sandboxes/%s", s.client.baseURL, s.id)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.client.apiKey)

	resp, err := s.client.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sandbox kill: %s", readErrorBody(resp))
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s: %s", method, path, readErrorBody(resp))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func readErrorBody(resp *http.Response) string {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := string(bytes.TrimSpace(data))
	if msg == "" {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", resp.StatusCode, msg)
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 1<<20))
	_ = body.Close()
}

// Healthy probes the provider API root with a short deadline.
func (c *Client) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	drainAndClose(resp.Body)
	return resp.StatusCode == http.StatusOK
}
