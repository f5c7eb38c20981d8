package llmgate

import (
	"bytes"
	"fmt"
	"text/template"
)

// Prompt templates for each named operation. Each is structured, like
// the originating system's TaskAnalyzer prompts, to demand a single
// strict-JSON object in response so the gate can parse it
// deterministically and fall back to a documented default on failure.

var analyzeTemplate = template.Must(template.New("analyze").Parse(
	`You are deciding whether completing the following task requires a new tool.

Task: {{.Task}}

Existing tools: {{.ExistingTools}}

Respond with a single JSON object with exactly these fields:
{"should_create_tool": bool, "tool_name": string, "tool_description": string,
 "tool_parameters": object, "reasoning": string}

If no existing tool covers the task, set should_create_tool to true and
propose a minimal tool_name/tool_description/tool_parameters. Otherwise
set should_create_tool to false and leave the tool fields empty.`))

var classifyTemplate = template.Must(template.New("classify").Parse(
	`Classify the following task into a short, descriptive category. You
may use any category you judge appropriate — there is no fixed list.
Use the most specific and appropriate single word or short phrase.

Task: {{.Task}}

Respond with a single JSON object: {"task_type": string}`))

var planTemplate = template.Must(template.New("plan").Parse(
	`Produce a plan to accomplish the following task using only the
listed tools, as a strictly ordered sequence of tool invocations.

Task: {{.Task}}

Available tools (name: description, parameter schema):
{{.ToolCatalogue}}

Respond with a single JSON object:
{"steps": [{"tool": string, "args": object, "reason": string}, ...]}`))

var generateSourceTemplate = template.Must(template.New("generate_source").Parse(
	`Write the Go source for a tool named {{.ToolName}} implementing the
tool.Tool interface (Name, Description, Schema, Execute). The tool
should: {{.ToolDescription}}

Respond with a single JSON object: {"source": string, "package_name": string}
where source is complete, compilable Go source for the whole file.`))

var validateSafetyTemplate = template.Must(template.New("validate_safety").Parse(
	`Review the following Go source for safety before it is compiled and
loaded into a running process. Flag anything that reads/writes outside
an expected workspace, shells out, opens network sockets unexpectedly,
or otherwise exceeds what its stated description requires.

Description: {{.Description}}

Source:
{{.Source}}

Respond with a single JSON object: {"verdict": "safe"|"unsafe"|"unclear", "reasoning": string}`))

var synthesizeTemplate = template.Must(template.New("synthesize").Parse(
	`Summarize the outcome of the following task for the end user, given
the step-by-step execution trace below.

Task: {{.Task}}

Trace:
{{.Trace}}

Respond with a single JSON object: {"result": string}`))

var scoreTemplate = template.Must(template.New("score").Parse(
	`Score the quality of the following completed task on a 0.0-1.0
scale, where 1.0 is a fully correct and complete result.

Task: {{.Task}}
Result: {{.Result}}

Respond with a single JSON object: {"quality": number}`))

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return buf.String(), nil
}
