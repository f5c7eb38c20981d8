package planexec

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synthloop/evoagent/internal/eventbus"
	"github.com/synthloop/evoagent/internal/tool"
	"github.com/synthloop/evoagent/pkg/types"
)

type stubTool struct {
	result *tool.Result
	err    error
	delay  time.Duration
}

func (s stubTool) Name() string            { return "stub" }
func (s stubTool) Description() string     { return "stub" }
func (s stubTool) Schema() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (s stubTool) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type fakeSource struct {
	tools   map[string]tool.Tool
	schemas map[string]*jsonschema.Schema
}

func (f fakeSource) Get(name string) (tool.Tool, bool) {
	t, ok := f.tools[name]
	return t, ok
}
func (f fakeSource) Schema(name string) (*jsonschema.Schema, bool) {
	s, ok := f.schemas[name]
	return s, ok
}

func TestRunUnknownToolDoesNotAbortPlan(t *testing.T) {
	src := fakeSource{tools: map[string]tool.Tool{
		"known": stubTool{result: &tool.Result{Content: "done"}},
	}}
	e := New(src, nil, time.Second)
	plan := types.Plan{Steps: []types.PlanStep{
		{Index: 0, Tool: "missing", Args: json.RawMessage(`{}`)},
		{Index: 1, Tool: "known", Args: json.RawMessage(`{}`)},
	}}
	results := e.Run(context.Background(), "t1", plan)
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Outcome != types.StepOutcomeFailed {
		t.Errorf("step 0 outcome = %s, want failed", results[0].Outcome)
	}
	if results[1].Outcome != types.StepOutcomeSucceeded {
		t.Errorf("step 1 outcome = %s, want succeeded (plan must continue after a failed step)", results[1].Outcome)
	}
}

func TestRunTimeoutMarksStepFailedNotPlan(t *testing.T) {
	src := fakeSource{tools: map[string]tool.Tool{
		"slow": stubTool{delay: 50 * time.Millisecond, result: &tool.Result{Content: "late"}},
		"fast": stubTool{result: &tool.Result{Content: "ok"}},
	}}
	e := New(src, nil, 5*time.Millisecond)
	plan := types.Plan{Steps: []types.PlanStep{
		{Index: 0, Tool: "slow", Args: json.RawMessage(`{}`)},
		{Index: 1, Tool: "fast", Args: json.RawMessage(`{}`)},
	}}
	results := e.Run(context.Background(), "t1", plan)
	if results[0].Outcome != types.StepOutcomeTimedOut {
		t.Errorf("step 0 outcome = %s, want timed_out", results[0].Outcome)
	}
	if results[1].Outcome != types.StepOutcomeSucceeded {
		t.Errorf("step 1 should still run after step 0 timed out")
	}
}

func TestRunExecuteErrorMarksStepFailed(t *testing.T) {
	src := fakeSource{tools: map[string]tool.Tool{
		"bad": stubTool{err: errors.New("boom")},
	}}
	e := New(src, nil, time.Second)
	plan := types.Plan{Steps: []types.PlanStep{{Index: 0, Tool: "bad", Args: json.RawMessage(`{}`)}}}
	results := e.Run(context.Background(), "t1", plan)
	if results[0].Outcome != types.StepOutcomeFailed {
		t.Errorf("outcome = %s, want failed", results[0].Outcome)
	}
}

func TestRunStopsAttemptingStepsAfterCancellation(t *testing.T) {
	src := fakeSource{tools: map[string]tool.Tool{
		"a": stubTool{result: &tool.Result{Content: "ok"}},
		"b": stubTool{result: &tool.Result{Content: "ok"}},
	}}
	e := New(src, nil, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	plan := types.Plan{Steps: []types.PlanStep{
		{Index: 0, Tool: "a", Args: json.RawMessage(`{}`)},
		{Index: 1, Tool: "b", Args: json.RawMessage(`{}`)},
	}}
	results := e.Run(ctx, "t1", plan)
	for _, r := range results {
		if r.Outcome != types.StepOutcomeCancelled {
			t.Errorf("outcome = %s, want cancelled for a pre-cancelled context", r.Outcome)
		}
	}
}

func TestNormalizeArgsBoundaries(t *testing.T) {
	longStr := make([]byte, maxStringLen+10)
	for i := range longStr {
		longStr[i] = 'a'
	}
	raw, err := json.Marshal(map[string]any{"s": string(longStr)})
	if err != nil {
		t.Fatal(err)
	}
	normalized, err := normalizeArgs(raw)
	if err != nil {
		t.Fatalf("normalizeArgs: %v", err)
	}
	var decoded struct {
		S string `json:"s"`
	}
	if err := json.Unmarshal(normalized, &decoded); err != nil {
		t.Fatal(err)
	}
	if len(decoded.S) != maxStringLen+3 { // truncated + "..."
		t.Errorf("truncated length = %d, want %d", len(decoded.S), maxStringLen+3)
	}

	nested := map[string]any{}
	cursor := nested
	for i := 0; i < maxDictDepth+1; i++ {
		next := map[string]any{}
		cursor["child"] = next
		cursor = next
	}
	deepRaw, err := json.Marshal(nested)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := normalizeArgs(deepRaw); err == nil {
		t.Error("expected InvalidArgs-style error for dict nested beyond maxDictDepth")
	}
}

func TestEventbusCompiles(t *testing.T) {
	// Sanity check that the executor works with a real bus attached.
	bus := eventbus.New()
	src := fakeSource{tools: map[string]tool.Tool{"a": stubTool{result: &tool.Result{Content: "ok"}}}}
	e := New(src, bus, time.Second)
	plan := types.Plan{Steps: []types.PlanStep{{Index: 0, Tool: "a", Args: json.RawMessage(`{}`)}}}
	e.Run(context.Background(), "t1", plan)
}
