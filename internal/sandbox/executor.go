package sandbox

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"shellchat/internal/monitor"
	"shellchat/internal/provider"
)

// Outcome is the result of one command execution. Err is nil on success and
// carries the provider error taxonomy otherwise.
type Outcome struct {
	Success        bool
	CombinedOutput string
	ExitCode       int
	Duration       time.Duration
	StartedAt      time.Time
	EndedAt        time.Time
	Err            error
	Hint           string // user-actionable message for failures
}

// Executor runs single commands against live handles. It streams output to
// caller-supplied writers, classifies failures, and evicts handles the
// provider reports gone so the next EnsureActive recreates them. It does
// not persist anything; forwarding outcomes to the ledger is the caller's
// job.
type Executor struct {
	manager *Manager
	metrics *monitor.Metrics
}

// NewExecutor creates an executor bound to the given lifecycle manager.
func NewExecutor(m *Manager, metrics *monitor.Metrics) *Executor {
	return &Executor{manager: m, metrics: metrics}
}

// Execute runs command against h. A zero timeout selects one heuristically
// from the command text. stdout and stderr receive chunks as they arrive;
// either may be nil.
func (e *Executor) Execute(ctx context.Context, h *Handle, command string, timeout time.Duration, stdout, stderr io.Writer) *Outcome {
	if timeout == 0 {
		timeout = ClassifyTimeout(command)
	}

	logger := log.With().
		Str("key", h.Key.String()).
		Str("sandbox_id", h.Remote.ID()).
		Logger()
	logger.Debug().Str("command", command).Dur("timeout", timeout).Msg("executing command")

	var combined combinedBuffer

	start := time.Now()
	res, err := h.Remote.Run(ctx, command, provider.RunOptions{
		Timeout: timeout,
		OnStdout: func(chunk []byte) {
			combined.append(chunk)
			if stdout != nil {
				_, _ = stdout.Write(chunk)
			}
		},
		OnStderr: func(chunk []byte) {
			combined.append(chunk)
			if stderr != nil {
				_, _ = stderr.Write(chunk)
			}
		},
	})
	end := time.Now()

	out := &Outcome{
		CombinedOutput: combined.String(),
		Duration:       end.Sub(start),
		StartedAt:      start,
		EndedAt:        end,
	}

	if err != nil {
		classified := provider.Classify(err)
		out.Err = &provider.OpError{Op: "exec", Key: h.Key.String(), Err: classified}
		out.Hint = provider.Hint(classified)

		if provider.IsGone(classified) {
			e.manager.Evict(h.Key)
		}
		e.recordMetrics(errStatus(classified), out.Duration)
		logger.Warn().Err(classified).Dur("duration", out.Duration).Msg("command failed")
		return out
	}

	out.ExitCode = res.ExitCode
	if res.ExitCode != 0 {
		out.Err = &provider.OpError{
			Op:  "exec",
			Key: h.Key.String(),
			Err: fmt.Errorf("%w: Command exited with code %d", provider.ErrExec, res.ExitCode),
		}
		out.Hint = provider.Hint(out.Err)
		e.recordMetrics("exit_nonzero", out.Duration)
		logger.Debug().Int("exit_code", res.ExitCode).Msg("command exited nonzero")
		return out
	}

	out.Success = true
	e.manager.Touch(h.Key)
	e.recordMetrics("success", out.Duration)
	logger.Debug().Dur("duration", out.Duration).Msg("command succeeded")
	return out
}

func (e *Executor) recordMetrics(status string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.RecordExecution(status, d.Seconds())
	}
}

func errStatus(err error) string {
	switch {
	case provider.IsTimeout(err):
		return "timeout"
	case provider.IsGone(err):
		return "gone"
	case provider.IsPermission(err):
		return "permission"
	default:
		return "error"
	}
}

// combinedBuffer accumulates interleaved stdout/stderr chunks. Provider
// callbacks may fire from concurrent reader goroutines.
type combinedBuffer struct {
	mu  sync.Mutex
	buf []byte
}

func (b *combinedBuffer) append(chunk []byte) {
	b.mu.Lock()
	b.buf = append(b.buf, chunk...)
	b.mu.Unlock()
}

func (b *combinedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
