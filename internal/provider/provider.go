package provider

import (
	"context"
	"time"
)

// CreateConfig describes a sandbox creation request. Zero-valued fields are
// filled from the caller's defaults before the request is sent.
type CreateConfig struct {
	Template          string        `json:"template" yaml:"template"`
	TotalTimeout      time.Duration `json:"total_timeout" yaml:"total_timeout"`
	PerCommandTimeout time.Duration `json:"per_command_timeout" yaml:"per_command_timeout"`
	MaxMemoryMB       int64         `json:"max_memory_mb" yaml:"max_memory_mb"`
	MaxCPUs           int           `json:"max_cpus" yaml:"max_cpus"`
}

// Merge returns cfg with any zero-valued field replaced by the default.
func (c CreateConfig) Merge(defaults CreateConfig) CreateConfig {
	if c.Template == "" {
		c.Template = defaults.Template
	}
	if c.TotalTimeout == 0 {
		c.TotalTimeout = defaults.TotalTimeout
	}
	if c.PerCommandTimeout == 0 {
		c.PerCommandTimeout = defaults.PerCommandTimeout
	}
	if c.MaxMemoryMB == 0 {
		c.MaxMemoryMB = defaults.MaxMemoryMB
	}
	if c.MaxCPUs == 0 {
		c.MaxCPUs = defaults.MaxCPUs
	}
	return c
}

// RunOptions controls a single command execution inside a sandbox.
// OnStdout/OnStderr receive output chunks as they arrive.
type RunOptions struct {
	Timeout  time.Duration
	OnStdout func(chunk []byte)
	OnStderr func(chunk []byte)
}

// RunResult is the terminal state of a command run.
type RunResult struct {
	ExitCode int
}

// Sandbox is one live remote execution environment.
type Sandbox interface {
	// ID returns the provider-side identifier for this environment.
	ID() string
	// Run executes a command, streaming output through the options' callbacks.
	Run(ctx context.Context, command string, opts RunOptions) (*RunResult, error)
	// Kill destroys the remote environment.
	Kill(ctx context.Context) error
}

// Provider creates ephemeral sandboxes on the hosted execution service.
// The provider enforces TotalTimeout server-side: the environment
// self-destructs at that wall-clock limit even if this process dies.
type Provider interface {
	Create(ctx context.Context, cfg CreateConfig) (Sandbox, error)
}
