// Package controlsurface implements the six operations exposed to
// front-ends sitting outside the core runtime: execute a task, list
// tools, create a tool, delete a tool, fetch a tool's metadata, and
// test a tool in isolation. It is deliberately transport-agnostic —
// a plain Go API a thin HTTP or CLI layer can wrap — mirroring the
// teacher's control-plane split between runtime methods and the
// surface that exposes them.
package controlsurface

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/synthloop/evoagent/internal/planexec"
	"github.com/synthloop/evoagent/internal/registry"
	"github.com/synthloop/evoagent/internal/synth"
	"github.com/synthloop/evoagent/internal/taskengine"
	"github.com/synthloop/evoagent/pkg/types"
)

var errNoResult = errors.New("executor returned no result")

// Surface wires the runtime components needed to answer all six
// control operations. Synthesizer may be nil, in which case CreateTool
// always fails with a clear error rather than panicking.
type Surface struct {
	engine     *taskengine.Engine
	registry   *registry.Registry
	synth      *synth.Synthesizer
	executor   *planexec.Executor
	testTimeout time.Duration
}

// New constructs a Surface from its already-wired dependencies.
func New(engine *taskengine.Engine, reg *registry.Registry, synthesizer *synth.Synthesizer, executor *planexec.Executor) *Surface {
	return &Surface{
		engine:      engine,
		registry:    reg,
		synth:       synthesizer,
		executor:    executor,
		testTimeout: 30 * time.Second,
	}
}

// ExecuteTask runs description through the Task Execution Engine and
// returns the resulting record.
func (s *Surface) ExecuteTask(ctx context.Context, description string) (types.TaskRecord, error) {
	return s.engine.ExecuteTask(ctx, description)
}

// ToolSummary is one row of ListTools' catalogue.
type ToolSummary struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Category    string          `json:"category,omitempty"`
	Status      types.ToolStatus `json:"status"`
	Enabled     bool            `json:"enabled"`
}

// ListTools returns a summary of every tool known to the registry,
// loaded or not.
func (s *Surface) ListTools(ctx context.Context) ([]ToolSummary, error) {
	metas := s.registry.List()
	out := make([]ToolSummary, 0, len(metas))
	for _, m := range metas {
		out = append(out, ToolSummary{
			Name:        m.Name,
			Description: m.Description,
			Category:    m.Category,
			Status:      m.Status,
			Enabled:     m.Enabled,
		})
	}
	return out, nil
}

// ToolSpec is the input to CreateTool: a natural-language description
// of the capability the synthesizer should attempt to build.
type ToolSpec struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateToolOutcome reports whether synthesis produced a working tool
// or fell back to a safety stub.
type CreateToolOutcome struct {
	Name           string `json:"name"`
	SafetyFallback bool   `json:"safety_fallback"`
}

// CreateTool synthesizes a new tool from spec and adds it to the
// registry, mirroring the Task Engine's own tool-creation path.
func (s *Surface) CreateTool(ctx context.Context, spec ToolSpec) (CreateToolOutcome, error) {
	if s.synth == nil {
		return CreateToolOutcome{}, &types.SynthesisFailedError{Tool: spec.Name, Reason: "tool synthesis is disabled"}
	}
	fallback, err := s.synth.Create(ctx, spec.Name, spec.Description)
	if err != nil {
		return CreateToolOutcome{}, err
	}
	return CreateToolOutcome{Name: spec.Name, SafetyFallback: fallback}, nil
}

// DeleteTool removes name from the registry and its manifest entirely.
// It returns false if name was never known to the registry.
func (s *Surface) DeleteTool(ctx context.Context, name string) (bool, error) {
	if _, ok := s.registry.Resolve(name); !ok {
		return false, nil
	}
	if err := s.registry.Remove(ctx, name); err != nil {
		return false, err
	}
	return true, nil
}

// ToolInfo returns the full metadata record for name.
func (s *Surface) ToolInfo(ctx context.Context, name string) (types.ToolMetadata, error) {
	canonical, ok := s.registry.Resolve(name)
	if !ok {
		return types.ToolMetadata{}, &types.UnknownToolError{Name: name}
	}
	for _, m := range s.registry.List() {
		if m.Name == canonical {
			return m, nil
		}
	}
	return types.ToolMetadata{}, &types.UnknownToolError{Name: name}
}

// TestTool runs name once, outside of any task plan, with the given
// raw JSON params, and returns its single StepResult. It loads the
// tool on demand if it is declared but not yet live.
func (s *Surface) TestTool(ctx context.Context, name string, params json.RawMessage) (types.StepResult, error) {
	canonical, ok := s.registry.Resolve(name)
	if !ok {
		return types.StepResult{}, &types.UnknownToolError{Name: name}
	}
	if _, live := s.registry.Get(canonical); !live {
		if _, err := s.registry.Load(canonical); err != nil {
			return types.StepResult{}, err
		}
	}
	if params == nil {
		params = json.RawMessage(`{}`)
	}
	plan := types.Plan{
		TaskID: "tool-test",
		Steps:  []types.PlanStep{{Index: 0, Tool: canonical, Args: params, Reason: "manual tool test"}},
	}
	results := s.executor.Run(ctx, "tool-test", plan)
	if len(results) == 0 {
		return types.StepResult{}, &types.ToolExecError{Tool: canonical, Err: errNoResult}
	}
	return results[0], nil
}
