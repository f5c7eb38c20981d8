// Package types holds the data model shared across the tool registry,
// the task engine, and the event bus: tool metadata, plans, task
// records, and the event envelope published on the event bus.
package types

import (
	"encoding/json"
	"time"
)

// ToolStatus is the lifecycle state of a registered tool: Discovered,
// Loaded, Error, Disabled, or Unloaded.
type ToolStatus string

const (
	// ToolStatusDiscovered marks a manifest entry read from disk (or
	// synthesized) that has not yet been instantiated.
	ToolStatusDiscovered ToolStatus = "discovered"
	ToolStatusLoaded     ToolStatus = "loaded"
	ToolStatusError      ToolStatus = "error"
	ToolStatusDisabled   ToolStatus = "disabled"
	ToolStatusUnloaded   ToolStatus = "unloaded"
)

// ToolMetadata describes a tool entry as recorded in the registry
// manifest, independent of whether the tool is currently instantiated.
type ToolMetadata struct {
	Name        string          `json:"name" yaml:"name"`
	Aliases     []string        `json:"aliases,omitempty" yaml:"aliases,omitempty"`
	Description string          `json:"description" yaml:"description"`
	Source      string          `json:"source,omitempty" yaml:"source,omitempty"` // path to the tool's source artifact, empty for built-ins
	Schema      json.RawMessage `json:"schema,omitempty" yaml:"schema,omitempty"`
	Enabled     bool            `json:"enabled" yaml:"enabled"`
	Status      ToolStatus      `json:"status" yaml:"status"`
	Error       string          `json:"error,omitempty" yaml:"error,omitempty"`
	SafetyFallback bool         `json:"safety_fallback,omitempty" yaml:"safety_fallback,omitempty"`

	// Category is a free-form tag (e.g. "builtin", "dynamic", "search").
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	// AutoLoad, when true, makes LoadManifest instantiate this entry at
	// init time iff it is also Enabled.
	AutoLoad bool `json:"auto_load,omitempty" yaml:"auto_load,omitempty"`
	// Version and Author are informational, surfaced verbatim to
	// operators; neither affects load behavior.
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
	Author  string `json:"author,omitempty" yaml:"author,omitempty"`
	// Dependencies lists external packages/binaries that must resolve
	// before Load succeeds; unresolved entries yield MissingDependency.
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// PlanStep is one step of a Plan: a single tool invocation with
// concrete arguments.
type PlanStep struct {
	Index int             `json:"index"`
	Tool  string          `json:"tool"`
	Args  json.RawMessage `json:"args"`
	// Reason is the LLM's stated justification for this step, carried
	// through for observability and experience recording.
	Reason string `json:"reason,omitempty"`
}

// Plan is an ordered, sequential sequence of tool invocations produced
// by the LLM Gate's Generate-plan operation.
type Plan struct {
	TaskID string     `json:"task_id"`
	Steps  []PlanStep `json:"steps"`
}

// StepOutcome classifies how a single plan step concluded.
type StepOutcome string

const (
	StepOutcomeSucceeded StepOutcome = "succeeded"
	StepOutcomeFailed    StepOutcome = "failed"
	StepOutcomeTimedOut  StepOutcome = "timed_out"
	StepOutcomeCancelled StepOutcome = "cancelled"
)

// StepResult is the outcome of executing a single PlanStep.
type StepResult struct {
	Index    int         `json:"index"`
	Tool     string      `json:"tool"`
	Outcome  StepOutcome `json:"outcome"`
	Content  string      `json:"content,omitempty"`
	Error    string      `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// TaskRecord is the durable result of one ExecuteTask call, as stored
// by the Experience Store.
type TaskRecord struct {
	TaskID      string       `json:"task_id"`
	Description string       `json:"description"`
	TaskType    string       `json:"task_type"`
	CreatedTool string       `json:"created_tool,omitempty"`
	Steps       []StepResult `json:"steps"`
	Result      string       `json:"result"`
	Quality     float64      `json:"quality"`
	Succeeded   bool         `json:"succeeded"`
	StartedAt   time.Time    `json:"started_at"`
	FinishedAt  time.Time    `json:"finished_at"`
}

// EventType discriminates the payload carried by an Event.
type EventType string

const (
	EventLog             EventType = "log"
	EventProgress        EventType = "progress"
	EventToolExecution    EventType = "tool_execution"
	EventTaskCompleted    EventType = "task_completed"
	EventRegistryChanged  EventType = "registry_changed"
)

// Event is the tagged union published on the event bus (§6.4). Exactly
// one of the typed payload fields is populated, selected by Type.
type Event struct {
	Type      EventType       `json:"type"`
	TaskID    string          `json:"task_id,omitempty"`
	Timestamp time.Time       `json:"timestamp"`

	// OverflowDropped is set by the bus on a droppable event to the
	// number of same-kind events dropped since the subscriber's last
	// delivered event of this kind. Zero on every non-droppable event
	// and on a droppable event delivered with no intervening drops.
	OverflowDropped int `json:"overflow_dropped,omitempty"`

	Log            *LogPayload            `json:"log,omitempty"`
	Progress       *ProgressPayload        `json:"progress,omitempty"`
	ToolExecution  *ToolExecutionPayload   `json:"tool_execution,omitempty"`
	TaskCompleted  *TaskCompletedPayload   `json:"task_completed,omitempty"`
	RegistryChanged *RegistryChangedPayload `json:"registry_changed,omitempty"`
}

type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type ProgressPayload struct {
	StepIndex int    `json:"step_index"`
	StepCount int     `json:"step_count"`
	Message   string `json:"message,omitempty"`
}

type ToolExecutionPayload struct {
	StepIndex int    `json:"step_index"`
	Tool      string `json:"tool"`
	Phase     string `json:"phase"` // "before" or "after"
	Outcome   StepOutcome `json:"outcome,omitempty"`
}

type TaskCompletedPayload struct {
	Succeeded bool    `json:"succeeded"`
	Quality   float64 `json:"quality"`
}

// RegistryChangeKind enumerates the registry transitions that emit a
// registry_changed event.
type RegistryChangeKind string

const (
	RegistryChangeLoaded   RegistryChangeKind = "loaded"
	RegistryChangeUnloaded RegistryChangeKind = "unloaded"
	RegistryChangeReloaded RegistryChangeKind = "reloaded"
	RegistryChangeEnabled  RegistryChangeKind = "enabled"
	RegistryChangeDisabled RegistryChangeKind = "disabled"
	RegistryChangeAdded    RegistryChangeKind = "added"
	RegistryChangeRemoved  RegistryChangeKind = "removed"
	RegistryChangeParseError       RegistryChangeKind = "parse_error"
	RegistryChangeSynthesisFailed  RegistryChangeKind = "synthesis_failed"
)

type RegistryChangedPayload struct {
	Kind RegistryChangeKind `json:"kind"`
	Tool string             `json:"tool"`
}
