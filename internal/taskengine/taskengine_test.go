package taskengine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/synthloop/evoagent/internal/eventbus"
	"github.com/synthloop/evoagent/internal/llmgate"
	"github.com/synthloop/evoagent/internal/planexec"
	"github.com/synthloop/evoagent/internal/registry"
	"github.com/synthloop/evoagent/internal/tool"
	"github.com/synthloop/evoagent/pkg/types"
)

// scriptedProvider answers each of the Gate's named operations by
// sniffing a distinctive substring of the rendered prompt, so a single
// fake can drive a full ExecuteTask run without a network dependency.
type scriptedProvider struct {
	plan string // JSON steps array body, or "" for the default fallback plan
}

func (p scriptedProvider) Name() string { return "scripted" }

func (p scriptedProvider) Complete(ctx context.Context, req llmgate.CompletionRequest) (string, error) {
	switch {
	case strings.Contains(req.Prompt, "should_create_tool"):
		return `{"should_create_tool": false}`, nil
	case strings.Contains(req.Prompt, `{"task_type": string}`):
		return `{"task_type": "filesystem"}`, nil
	case strings.Contains(req.Prompt, `"steps"`) && p.plan != "":
		return `{"steps": ` + p.plan + `}`, nil
	case strings.Contains(req.Prompt, `"steps"`):
		return `{"steps": []}`, nil
	case strings.Contains(req.Prompt, `"result": string`):
		return `{"result": "done"}`, nil
	case strings.Contains(req.Prompt, `"quality": number`):
		return `{"quality": 0.8}`, nil
	default:
		return `{}`, nil
	}
}

type echoTool struct{}

func (echoTool) Name() string        { return "terminal" }
func (echoTool) Description() string { return "echoes back" }
func (echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object"}`)
}
func (echoTool) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	return &tool.Result{Content: "ok"}, nil
}

func newTestEngine(t *testing.T, plan string) *Engine {
	t.Helper()
	dir := t.TempDir()
	bus := eventbus.New()
	reg := registry.New(dir+"/manifest.yaml", bus)
	if err := reg.RegisterBuiltin(echoTool{}); err != nil {
		t.Fatalf("RegisterBuiltin: %v", err)
	}
	gate := llmgate.New(scriptedProvider{plan: plan})
	executor := planexec.New(reg, bus, 0)
	return New(gate, reg, nil, executor, nil, bus)
}

func TestExecuteTaskHappyPath(t *testing.T) {
	e := newTestEngine(t, `[{"tool": "terminal", "args": {"command": "ls"}, "reason": "list files"}]`)
	rec, err := e.ExecuteTask(context.Background(), "list files in current directory")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if !rec.Succeeded {
		t.Errorf("expected success, got steps=%+v result=%q", rec.Steps, rec.Result)
	}
	if rec.TaskType != "filesystem" {
		t.Errorf("task_type = %q, want filesystem", rec.TaskType)
	}
	if len(rec.Steps) != 1 || rec.Steps[0].Tool != "terminal" {
		t.Errorf("steps = %+v", rec.Steps)
	}
}

func TestExecuteTaskEmptyDescriptionRejected(t *testing.T) {
	e := newTestEngine(t, "")
	_, err := e.ExecuteTask(context.Background(), "")
	if err == nil {
		t.Fatal("expected InvalidTaskError for empty description")
	}
	var invalid *types.InvalidTaskError
	if _, ok := err.(*types.InvalidTaskError); !ok {
		t.Errorf("err = %v (%T), want *types.InvalidTaskError", err, err)
	}
	_ = invalid
}

func TestExecuteTaskNoToolsAvailable(t *testing.T) {
	dir := t.TempDir()
	bus := eventbus.New()
	reg := registry.New(dir+"/manifest.yaml", bus)
	gate := llmgate.New(scriptedProvider{})
	executor := planexec.New(reg, bus, 0)
	e := New(gate, reg, nil, executor, nil, bus)

	rec, err := e.ExecuteTask(context.Background(), "do something")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if rec.Succeeded {
		t.Error("expected success=false when the registry has no tools")
	}
	if rec.Result != "no tools available" {
		t.Errorf("result = %q, want %q", rec.Result, "no tools available")
	}
}

func TestExecuteTaskUnknownToolStepStillCompletesTask(t *testing.T) {
	e := newTestEngine(t, `[{"tool": "ghost", "args": {}, "reason": "r"}, {"tool": "terminal", "args": {"command": "ls"}, "reason": "r"}]`)
	rec, err := e.ExecuteTask(context.Background(), "run two steps")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if len(rec.Steps) != 2 {
		t.Fatalf("steps = %+v, want 2", rec.Steps)
	}
	if rec.Steps[0].Outcome != types.StepOutcomeFailed {
		t.Errorf("step 0 outcome = %s, want failed", rec.Steps[0].Outcome)
	}
	if rec.Steps[1].Outcome != types.StepOutcomeSucceeded {
		t.Errorf("step 1 outcome = %s, want succeeded", rec.Steps[1].Outcome)
	}
	if rec.Succeeded {
		t.Error("overall success should be false since not every step succeeded")
	}
}

func TestExecuteTaskCancelledDuringPlan(t *testing.T) {
	e := newTestEngine(t, `[{"tool": "terminal", "args": {"command": "ls"}, "reason": "r"}]`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec, err := e.ExecuteTask(ctx, "run while cancelled")
	if err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}
	if rec.Succeeded {
		t.Error("expected success=false for a cancelled task")
	}
	if rec.Result != "task cancelled" {
		t.Errorf("result = %q, want %q", rec.Result, "task cancelled")
	}
}
