package builtin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/synthloop/evoagent/internal/tool"
)

// maxTerminalOutput caps how much of a command's combined stdout/stderr
// is kept, so a runaway command can't blow up a task's result payload.
const maxTerminalOutput = 64000

// Terminal is the runtime's one shell-command tool: it hands a command
// string to /bin/sh, cwd-scoped to its workspace, and reports exit
// status plus captured output. Per the task engine's §1 contract, only
// this Tool surface matters — the subprocess plumbing below is
// deliberately small rather than a general process manager.
type Terminal struct {
	workspace      string
	defaultTimeout time.Duration
}

// NewTerminal creates a Terminal rooted at workspace for relative cwd
// resolution.
func NewTerminal(workspace string) *Terminal {
	return &Terminal{workspace: workspace, defaultTimeout: 30 * time.Second}
}

func (t *Terminal) Name() string { return "terminal" }

func (t *Terminal) Description() string {
	return "runs a shell command and returns its stdout, stderr, and exit code"
}

func (t *Terminal) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string"},
			"cwd": {"type": "string"},
			"timeout_seconds": {"type": "integer", "minimum": 1}
		},
		"required": ["command"]
	}`)
}

type terminalArgs struct {
	Command        string `json:"command"`
	Cwd            string `json:"cwd"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (t *Terminal) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	var args terminalArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("terminal: %w", err)
	}
	if strings.TrimSpace(args.Command) == "" {
		return nil, fmt.Errorf("terminal: command is required")
	}

	dir, err := t.resolveCwd(args.Cwd)
	if err != nil {
		return nil, err
	}

	timeout := t.defaultTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", args.Command)
	cmd.Dir = dir

	var stdout, stderr capBuffer
	stdout.max, stderr.max = maxTerminalOutput, maxTerminalOutput
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	content := stdout.String()
	isError := runErr != nil
	if stderr.String() != "" {
		content += "\n" + stderr.String()
	}
	if cmd.ProcessState != nil {
		content += fmt.Sprintf("\nexit code: %d", cmd.ProcessState.ExitCode())
	} else if isError {
		content += "\n" + runErr.Error()
	}
	return &tool.Result{Content: content, IsError: isError}, nil
}

// resolveCwd confines a relative cwd argument to the terminal's
// workspace root, rejecting any path that would escape it.
func (t *Terminal) resolveCwd(cwd string) (string, error) {
	if t.workspace == "" {
		return cwd, nil
	}
	if cwd == "" {
		return t.workspace, nil
	}
	joined := filepath.Join(t.workspace, cwd)
	rel, err := filepath.Rel(t.workspace, joined)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("terminal: cwd %q escapes workspace", cwd)
	}
	return joined, nil
}

// capBuffer is a bytes.Buffer that silently stops accepting writes once
// it reaches max, so a chatty command can't exhaust memory.
type capBuffer struct {
	buf bytes.Buffer
	max int
}

func (c *capBuffer) Write(p []byte) (int, error) {
	if c.max > 0 && c.buf.Len() >= c.max {
		return len(p), nil
	}
	remaining := c.max - c.buf.Len()
	if c.max > 0 && len(p) > remaining {
		c.buf.Write(p[:remaining])
		return len(p), nil
	}
	c.buf.Write(p)
	return len(p), nil
}

func (c *capBuffer) String() string { return c.buf.String() }
