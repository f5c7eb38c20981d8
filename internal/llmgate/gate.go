package llmgate

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/synthloop/evoagent/internal/backoff"
	"github.com/synthloop/evoagent/pkg/types"
)

// SafetyVerdict is the result of Validate-source-safety. Unclear is
// always treated as Unsafe by callers.
type SafetyVerdict string

const (
	SafetySafe    SafetyVerdict = "safe"
	SafetyUnsafe  SafetyVerdict = "unsafe"
	SafetyUnclear SafetyVerdict = "unclear"
)

// Gate is the LLM Gate (C1): the sole chokepoint through which the
// rest of the system calls an LLM, wrapping every call with a bounded
// retry budget and a documented fallback for parse/transport failure.
type Gate struct {
	provider    Provider
	budget      backoff.RetryBudget
	maxAttempts int
	logger      *slog.Logger
}

// New constructs a Gate around provider using the default retry
// budget (bounded backoff, 3 attempts).
func New(provider Provider) *Gate {
	return &Gate{
		provider:    provider,
		budget:      backoff.DefaultRetryBudget(),
		maxAttempts: 3,
		logger:      slog.Default().With("component", "llmgate"),
	}
}

func (g *Gate) call(ctx context.Context, op, prompt string) (string, error) {
	value, attempt, err := backoff.Do(ctx, g.budget, g.maxAttempts, func(attempt int) (string, error) {
		return g.provider.Complete(ctx, CompletionRequest{Prompt: prompt, MaxTokens: 2048})
	})
	if err != nil {
		g.logger.Warn("llm call exhausted retries", "op", op, "provider", g.provider.Name(), "attempts", attempt.Count, "error", err)
		return "", &types.LLMError{Op: op, Err: err}
	}
	return value, nil
}

// parseJSONOrFallback extracts the first JSON object found in text
// (models sometimes wrap it in prose or a code fence) and unmarshals
// it into out. On any failure it leaves out untouched and returns
// false so the caller can apply its documented default.
func parseJSONOrFallback(text string, out any) bool {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return false
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), out); err != nil {
		return false
	}
	return true
}

// AnalyzeToolCreationResult is the parsed response of
// AnalyzeForToolCreation.
type AnalyzeToolCreationResult struct {
	ShouldCreateTool bool            `json:"should_create_tool"`
	ToolName         string          `json:"tool_name"`
	ToolDescription  string          `json:"tool_description"`
	ToolParameters   json.RawMessage `json:"tool_parameters"`
	Reasoning        string         `json:"reasoning"`
}

// AnalyzeForToolCreation decides whether task requires a new tool.
// Fallback on parse/transport failure: ShouldCreateTool=false (the
// task proceeds against the existing tool catalogue).
func (g *Gate) AnalyzeForToolCreation(ctx context.Context, task string, existingTools []string) (AnalyzeToolCreationResult, error) {
	prompt, err := render(analyzeTemplate, struct {
		Task          string
		ExistingTools string
	}{Task: task, ExistingTools: strings.Join(existingTools, ", ")})
	if err != nil {
		return AnalyzeToolCreationResult{}, err
	}
	text, err := g.call(ctx, "analyze_for_tool_creation", prompt)
	if err != nil {
		return AnalyzeToolCreationResult{}, err
	}
	var result AnalyzeToolCreationResult
	if !parseJSONOrFallback(text, &result) {
		g.logger.Warn("analyze_for_tool_creation: unparseable response, falling back to no-op")
		return AnalyzeToolCreationResult{ShouldCreateTool: false}, nil
	}
	return result, nil
}

// ClassifyTaskType returns a free-form category for task. An empty
// result (including on parse/transport failure) is normalized to
// "general" here.
func (g *Gate) ClassifyTaskType(ctx context.Context, task string) (string, error) {
	prompt, err := render(classifyTemplate, struct{ Task string }{Task: task})
	if err != nil {
		return "", err
	}
	text, err := g.call(ctx, "classify_task_type", prompt)
	if err != nil {
		return "general", nil
	}
	var result struct {
		TaskType string `json:"task_type"`
	}
	if !parseJSONOrFallback(text, &result) || result.TaskType == "" {
		return "general", nil
	}
	return result.TaskType, nil
}

// ToolCatalogueEntry is one line of the tool catalogue passed to
// GeneratePlan.
type ToolCatalogueEntry struct {
	Name        string
	Description string
	Schema      string
}

// GeneratePlan produces a sequential Plan over the given tool
// catalogue. Fallback on parse/transport failure: an empty Plan (zero
// steps), which the Task Engine treats as "nothing to execute" rather
// than an error.
func (g *Gate) GeneratePlan(ctx context.Context, taskID, task string, catalogue []ToolCatalogueEntry) (types.Plan, error) {
	var sb strings.Builder
	for _, e := range catalogue {
		sb.WriteString("- ")
		sb.WriteString(e.Name)
		sb.WriteString(": ")
		sb.WriteString(e.Description)
		sb.WriteString(" schema=")
		sb.WriteString(e.Schema)
		sb.WriteByte('\n')
	}
	prompt, err := render(planTemplate, struct {
		Task          string
		ToolCatalogue string
	}{Task: task, ToolCatalogue: sb.String()})
	if err != nil {
		return types.Plan{}, err
	}
	text, err := g.call(ctx, "generate_plan", prompt)
	if err != nil {
		return types.Plan{TaskID: taskID}, nil
	}
	var parsed struct {
		Steps []struct {
			Tool   string          `json:"tool"`
			Args   json.RawMessage `json:"args"`
			Reason string          `json:"reason"`
		} `json:"steps"`
	}
	if !parseJSONOrFallback(text, &parsed) {
		g.logger.Warn("generate_plan: unparseable response, falling back to empty plan")
		return types.Plan{TaskID: taskID}, nil
	}
	plan := types.Plan{TaskID: taskID}
	for i, s := range parsed.Steps {
		plan.Steps = append(plan.Steps, types.PlanStep{
			Index:  i,
			Tool:   s.Tool,
			Args:   s.Args,
			Reason: s.Reason,
		})
	}
	return plan, nil
}

// GeneratedSource is the model-authored Go source for a new tool.
type GeneratedSource struct {
	Source      string
	PackageName string
}

// GenerateToolSource requests source implementing tool.Tool for the
// described tool. On parse/transport failure it returns an empty
// GeneratedSource with an error; the synthesizer then fails with
// SynthesisFailedError and writes no artifact (no stub tool).
func (g *Gate) GenerateToolSource(ctx context.Context, name, description string) (GeneratedSource, error) {
	prompt, err := render(generateSourceTemplate, struct{ ToolName, ToolDescription string }{
		ToolName: name, ToolDescription: description,
	})
	if err != nil {
		return GeneratedSource{}, err
	}
	text, err := g.call(ctx, "generate_tool_source", prompt)
	if err != nil {
		return GeneratedSource{}, err
	}
	var parsed struct {
		Source      string `json:"source"`
		PackageName string `json:"package_name"`
	}
	if !parseJSONOrFallback(text, &parsed) || parsed.Source == "" {
		return GeneratedSource{}, &types.SynthesisFailedError{Tool: name, Reason: "unparseable or empty source response"}
	}
	return GeneratedSource{Source: parsed.Source, PackageName: parsed.PackageName}, nil
}

// ValidateSourceSafety reviews generated source before it is compiled.
// Fallback on parse/transport failure: SafetyUnclear, which callers
// must treat identically to SafetyUnsafe.
func (g *Gate) ValidateSourceSafety(ctx context.Context, description, source string) (SafetyVerdict, string, error) {
	prompt, err := render(validateSafetyTemplate, struct{ Description, Source string }{
		Description: description, Source: source,
	})
	if err != nil {
		return SafetyUnclear, "", err
	}
	text, err := g.call(ctx, "validate_source_safety", prompt)
	if err != nil {
		return SafetyUnclear, "llm call failed", nil
	}
	var parsed struct {
		Verdict   string `json:"verdict"`
		Reasoning string `json:"reasoning"`
	}
	if !parseJSONOrFallback(text, &parsed) {
		return SafetyUnclear, "unparseable safety response", nil
	}
	switch SafetyVerdict(strings.ToLower(parsed.Verdict)) {
	case SafetySafe:
		return SafetySafe, parsed.Reasoning, nil
	case SafetyUnsafe:
		return SafetyUnsafe, parsed.Reasoning, nil
	default:
		return SafetyUnclear, parsed.Reasoning, nil
	}
}

// SynthesizeFinalResult composes the user-facing summary of a
// completed task from its execution trace. Fallback on parse/transport
// failure: a literal concatenation of step outputs.
func (g *Gate) SynthesizeFinalResult(ctx context.Context, task string, steps []types.StepResult) (string, error) {
	var sb strings.Builder
	for _, s := range steps {
		sb.WriteString(s.Tool)
		sb.WriteString(" -> ")
		sb.WriteString(string(s.Outcome))
		sb.WriteString(": ")
		sb.WriteString(s.Content)
		sb.WriteByte('\n')
	}
	prompt, err := render(synthesizeTemplate, struct{ Task, Trace string }{Task: task, Trace: sb.String()})
	if err != nil {
		return "", err
	}
	text, err := g.call(ctx, "synthesize_final_result", prompt)
	if err != nil {
		return sb.String(), nil
	}
	var parsed struct {
		Result string `json:"result"`
	}
	if !parseJSONOrFallback(text, &parsed) || parsed.Result == "" {
		return sb.String(), nil
	}
	return parsed.Result, nil
}

// ScoreQuality rates a completed task 0.0-1.0. Fallback on
// parse/transport failure: heuristicQuality's rule-of-thumb score for
// result, never a crash.
func (g *Gate) ScoreQuality(ctx context.Context, task, result string) (float64, error) {
	prompt, err := render(scoreTemplate, struct{ Task, Result string }{Task: task, Result: result})
	if err != nil {
		return 0, err
	}
	text, err := g.call(ctx, "score_quality", prompt)
	if err != nil {
		return heuristicQuality(result), nil
	}
	var parsed struct {
		Quality float64 `json:"quality"`
	}
	if !parseJSONOrFallback(text, &parsed) {
		return heuristicQuality(result), nil
	}
	if parsed.Quality < 0 {
		parsed.Quality = 0
	}
	if parsed.Quality > 1 {
		parsed.Quality = 1
	}
	return parsed.Quality, nil
}

// failureTokens are substrings that, if present in a result, drag the
// rule-of-thumb fallback score down — a rough substitute for the LLM
// judgment that couldn't be obtained.
var failureTokens = []string{"error", "failed", "timed out", "cancelled", "unknown tool"}

// heuristicQuality is the rule-of-thumb fallback applied when
// Score-quality's LLM call or response parse fails: a length heuristic
// (very short results score low) combined with a penalty for the
// presence of failure tokens.
func heuristicQuality(result string) float64 {
	if strings.TrimSpace(result) == "" {
		return 0
	}
	score := 0.5
	switch {
	case len(result) > 200:
		score = 0.7
	case len(result) > 50:
		score = 0.6
	default:
		score = 0.3
	}
	lower := strings.ToLower(result)
	for _, tok := range failureTokens {
		if strings.Contains(lower, tok) {
			score -= 0.3
			break
		}
	}
	if score < 0 {
		score = 0
	}
	return score
}
