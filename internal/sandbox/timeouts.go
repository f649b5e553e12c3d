package sandbox

import (
	"strings"
	"time"
)

// Command timeout tiers. Heuristic only: the provider's per-command and
// total timeouts remain the hard limits.
const (
	FastCommandTimeout    = 30 * time.Second
	SlowCommandTimeout    = 15 * time.Minute
	DefaultCommandTimeout = 5 * time.Minute
)

// fastCommands complete near-instantly; first token of the command line.
var fastCommands = map[string]struct{}{
	"ls": {}, "pwd": {}, "echo": {}, "date": {}, "whoami": {},
	"head": {}, "tail": {}, "wc": {}, "cat": {}, "which": {},
	"env": {}, "uname": {}, "true": {}, "hostname": {},
}

// slowMarkers indicate installs, builds, and clones anywhere in the line.
var slowMarkers = []string{
	"apt-get install", "apt install", "pip install", "pip3 install",
	"npm install", "npm ci", "yarn install", "go build", "go install",
	"cargo build", "make", "git clone", "docker build", "gcc", "g++",
	"mvn", "gradle", "bundle install", "composer install",
}

// ClassifyTimeout picks a timeout for a command whose caller did not
// specify one.
func ClassifyTimeout(command string) time.Duration {
	trimmed := strings.TrimSpace(command)
	lower := strings.ToLower(trimmed)

	for _, marker := range slowMarkers {
		if strings.Contains(lower, marker) {
			return SlowCommandTimeout
		}
	}

	fields := strings.Fields(lower)
	if len(fields) > 0 {
		if _, ok := fastCommands[fields[0]]; ok {
			return FastCommandTimeout
		}
	}

	return DefaultCommandTimeout
}
