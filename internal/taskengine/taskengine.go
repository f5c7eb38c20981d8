// Package taskengine implements the Task Execution Engine (C6): given
// a task description, it analyzes whether a new tool is needed,
// optionally synthesizes one, asks the LLM Gate for a plan over the
// current tool catalogue, runs the plan sequentially, synthesizes a
// final result, scores its quality, records the outcome in the
// Experience Store, and emits a task_completed event — all via
// explicitly injected dependencies, no package-level singletons.
package taskengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/synthloop/evoagent/internal/eventbus"
	"github.com/synthloop/evoagent/internal/experience"
	"github.com/synthloop/evoagent/internal/llmgate"
	"github.com/synthloop/evoagent/internal/planexec"
	"github.com/synthloop/evoagent/internal/registry"
	"github.com/synthloop/evoagent/internal/synth"
	"github.com/synthloop/evoagent/pkg/types"
)

// Engine is the C6 Task Execution Engine.
type Engine struct {
	gate       *llmgate.Gate
	registry   *registry.Registry
	synth      *synth.Synthesizer
	executor   *planexec.Executor
	experience *experience.Store
	bus        *eventbus.Bus
	logger     *slog.Logger
}

// New constructs an Engine from its explicit dependencies. experience
// and synth may be nil: a nil experience store disables recording, and
// a nil synthesizer disables tool creation (the engine then always
// plans against the existing catalogue).
func New(gate *llmgate.Gate, reg *registry.Registry, synthesizer *synth.Synthesizer, executor *planexec.Executor, store *experience.Store, bus *eventbus.Bus) *Engine {
	return &Engine{
		gate:       gate,
		registry:   reg,
		synth:      synthesizer,
		executor:   executor,
		experience: store,
		bus:        bus,
		logger:     slog.Default().With("component", "taskengine"),
	}
}

// ExecuteTask runs the full analyze-create-plan-execute-synthesize-
// score-record loop for description and returns the resulting
// TaskRecord. Failures in any single optional-enrichment step (tool
// creation, quality scoring, experience recording) never abort the
// task — only an empty task description is rejected outright.
func (e *Engine) ExecuteTask(ctx context.Context, description string) (types.TaskRecord, error) {
	if description == "" {
		return types.TaskRecord{}, &types.InvalidTaskError{Reason: "task description is empty"}
	}

	taskID := uuid.NewString()
	started := time.Now()
	rec := types.TaskRecord{
		TaskID:      taskID,
		Description: description,
		StartedAt:   started,
	}
	e.publishLog(taskID, "info", "task started: "+description)

	taskType, err := e.gate.ClassifyTaskType(ctx, description)
	if err != nil {
		e.logger.Warn("classify_task_type failed, defaulting to general", "task_id", taskID, "error", err)
		taskType = "general"
	}
	rec.TaskType = taskType

	existing := e.catalogueNames()
	if e.synth != nil {
		analysis, err := e.gate.AnalyzeForToolCreation(ctx, description, existing)
		if err != nil {
			e.logger.Warn("analyze_for_tool_creation failed, proceeding without a new tool", "task_id", taskID, "error", err)
		} else if analysis.ShouldCreateTool && analysis.ToolName != "" {
			fallback, cErr := e.synth.Create(ctx, analysis.ToolName, analysis.ToolDescription)
			if cErr != nil {
				e.logger.Warn("tool synthesis failed, continuing with existing tools", "task_id", taskID, "tool", analysis.ToolName, "error", cErr)
			} else {
				rec.CreatedTool = analysis.ToolName
				e.publishLog(taskID, "info", "created tool: "+analysis.ToolName)
				if fallback {
					e.logger.Info("tool synthesis fell back to a safety stub", "task_id", taskID, "tool", analysis.ToolName)
				}
			}
		}
	}

	catalogue := e.toolCatalogue()
	if len(catalogue) == 0 {
		rec.Result = "no tools available"
		rec.Succeeded = false
		rec.FinishedAt = time.Now()
		if e.experience != nil {
			if err := e.experience.RecordTask(ctx, rec); err != nil {
				e.logger.Warn("record experience failed", "task_id", taskID, "error", err)
			}
		}
		e.publishCompleted(taskID, rec)
		return rec, nil
	}

	plan, err := e.gate.GeneratePlan(ctx, taskID, description, catalogue)
	if err != nil {
		e.logger.Warn("generate_plan failed, task completes with no steps", "task_id", taskID, "error", err)
	}

	rec.Steps = e.executor.Run(ctx, taskID, plan)

	if ctx.Err() != nil {
		rec.Result = "task cancelled"
		rec.Succeeded = false
		rec.FinishedAt = time.Now()
		if e.experience != nil {
			// Use a fresh context: a cancelled task still gets its
			// experience record written with success=false.
			if err := e.experience.RecordTask(context.Background(), rec); err != nil {
				e.logger.Warn("record experience failed", "task_id", taskID, "error", err)
			}
		}
		e.publishCompleted(taskID, rec)
		return rec, nil
	}

	result, err := e.gate.SynthesizeFinalResult(ctx, description, rec.Steps)
	if err != nil {
		e.logger.Warn("synthesize_final_result failed, falling back to raw trace", "task_id", taskID, "error", err)
	}
	rec.Result = result

	quality, err := e.gate.ScoreQuality(ctx, description, result)
	if err != nil {
		e.logger.Warn("score_quality failed, recording zero", "task_id", taskID, "error", err)
	}
	rec.Quality = quality
	rec.Succeeded = allSucceeded(rec.Steps)
	rec.FinishedAt = time.Now()

	if e.experience != nil {
		if err := e.experience.RecordTask(ctx, rec); err != nil {
			e.logger.Warn("record experience failed", "task_id", taskID, "error", err)
		}
	}

	e.publishCompleted(taskID, rec)
	return rec, nil
}

func allSucceeded(steps []types.StepResult) bool {
	if len(steps) == 0 {
		return true
	}
	for _, s := range steps {
		if s.Outcome != types.StepOutcomeSucceeded {
			return false
		}
	}
	return true
}

func (e *Engine) catalogueNames() []string {
	metas := e.registry.List()
	names := make([]string, 0, len(metas))
	for _, m := range metas {
		if m.Enabled {
			names = append(names, m.Name)
		}
	}
	return names
}

func (e *Engine) toolCatalogue() []llmgate.ToolCatalogueEntry {
	metas := e.registry.List()
	out := make([]llmgate.ToolCatalogueEntry, 0, len(metas))
	for _, m := range metas {
		if !m.Enabled {
			continue
		}
		out = append(out, llmgate.ToolCatalogueEntry{
			Name:        m.Name,
			Description: m.Description,
			Schema:      string(m.Schema),
		})
	}
	return out
}

func (e *Engine) publishLog(taskID, level, message string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.Event{
		Type:      types.EventLog,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Log: &types.LogPayload{
			Level:   level,
			Message: message,
		},
	})
}

func (e *Engine) publishCompleted(taskID string, rec types.TaskRecord) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(types.Event{
		Type:      types.EventTaskCompleted,
		TaskID:    taskID,
		Timestamp: time.Now(),
		TaskCompleted: &types.TaskCompletedPayload{
			Succeeded: rec.Succeeded,
			Quality:   rec.Quality,
		},
	})
}
