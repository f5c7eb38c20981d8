// Package planexec implements the Plan Executor (C5): it runs a Plan's
// steps strictly in sequence, one per-step state machine at a time
// (Resolve -> Validate -> Execute), and never aborts the remaining
// plan because one step failed.
package planexec

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/synthloop/evoagent/internal/eventbus"
	"github.com/synthloop/evoagent/internal/tool"
	"github.com/synthloop/evoagent/pkg/types"
)

// DefaultStepTimeout is the per-step timeout used when New is given a
// non-positive stepTimeout.
const DefaultStepTimeout = 30 * time.Second

// ToolSource resolves tool names to live instances and compiled
// schemas; satisfied by *registry.Registry.
type ToolSource interface {
	Get(name string) (tool.Tool, bool)
	Schema(name string) (*jsonschema.Schema, bool)
}

// Executor is the C5 Plan Executor.
type Executor struct {
	tools       ToolSource
	bus         *eventbus.Bus
	stepTimeout time.Duration
	logger      *slog.Logger
}

// New constructs an Executor. If stepTimeout is zero, DefaultStepTimeout applies.
func New(tools ToolSource, bus *eventbus.Bus, stepTimeout time.Duration) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = DefaultStepTimeout
	}
	return &Executor{
		tools:       tools,
		bus:         bus,
		stepTimeout: stepTimeout,
		logger:      slog.Default().With("component", "planexec"),
	}
}

// Run executes plan's steps strictly in order, returning one
// StepResult per step. A step failing (unknown tool, invalid args,
// execution error, timeout) never aborts the remaining steps — it is
// recorded as a failed StepResult and execution continues.
func (e *Executor) Run(ctx context.Context, taskID string, plan types.Plan) []types.StepResult {
	results := make([]types.StepResult, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		if ctx.Err() != nil {
			results = append(results, types.StepResult{
				Index:   step.Index,
				Tool:    step.Tool,
				Outcome: types.StepOutcomeCancelled,
				Error:   ctx.Err().Error(),
			})
			continue
		}
		e.publishProgress(taskID, step.Index, len(plan.Steps))
		results = append(results, e.runStep(ctx, taskID, step))
	}
	return results
}

func (e *Executor) runStep(ctx context.Context, taskID string, step types.PlanStep) types.StepResult {
	start := time.Now()
	result := types.StepResult{Index: step.Index, Tool: step.Tool}

	// Resolve.
	t, ok := e.tools.Get(step.Tool)
	if !ok {
		result.Outcome = types.StepOutcomeFailed
		result.Error = (&types.UnknownToolError{Name: step.Tool}).Error()
		result.Duration = time.Since(start)
		return result
	}

	// Validate: boundary normalization, then schema if present.
	args, err := normalizeArgs(step.Args)
	if err != nil {
		result.Outcome = types.StepOutcomeFailed
		result.Error = (&types.InvalidArgsError{Tool: step.Tool, Reason: err.Error()}).Error()
		result.Duration = time.Since(start)
		return result
	}
	if schema, ok := e.tools.Schema(step.Tool); ok {
		var decoded any
		if jsonErr := json.Unmarshal(args, &decoded); jsonErr == nil {
			if vErr := schema.Validate(decoded); vErr != nil {
				result.Outcome = types.StepOutcomeFailed
				result.Error = (&types.InvalidArgsError{Tool: step.Tool, Reason: vErr.Error()}).Error()
				result.Duration = time.Since(start)
				return result
			}
		}
	}

	// Execute, with cancellation and the per-tool timeout.
	stepCtx, cancel := context.WithTimeout(ctx, e.stepTimeout)
	defer cancel()

	e.publishToolEvent(taskID, step.Index, step.Tool, "before", "")

	execResult, err := t.Execute(stepCtx, args)
	result.Duration = time.Since(start)

	switch {
	case stepCtx.Err() == context.DeadlineExceeded:
		result.Outcome = types.StepOutcomeTimedOut
		result.Error = (&types.ToolTimeoutError{Tool: step.Tool}).Error()
	case ctx.Err() != nil:
		result.Outcome = types.StepOutcomeCancelled
		result.Error = (&types.CancelledError{Op: "tool_execution:" + step.Tool}).Error()
	case err != nil:
		result.Outcome = types.StepOutcomeFailed
		result.Error = (&types.ToolExecError{Tool: step.Tool, Err: err}).Error()
	case execResult.IsError:
		result.Outcome = types.StepOutcomeFailed
		result.Content = execResult.Content
		result.Error = execResult.Content
	default:
		result.Outcome = types.StepOutcomeSucceeded
		result.Content = execResult.Content
	}

	e.publishToolEvent(taskID, step.Index, step.Tool, "after", result.Outcome)
	return result
}

func (e *Executor) publishProgress(taskID string, index, count int) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.Event{
		Type:      types.EventProgress,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Progress:  &types.ProgressPayload{StepIndex: index, StepCount: count},
	})
}

func (e *Executor) publishToolEvent(taskID string, index int, toolName, phase string, outcome types.StepOutcome) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.Event{
		Type:      types.EventToolExecution,
		TaskID:    taskID,
		Timestamp: time.Now(),
		ToolExecution: &types.ToolExecutionPayload{
			StepIndex: index,
			Tool:      toolName,
			Phase:     phase,
			Outcome:   outcome,
		},
	})
}
