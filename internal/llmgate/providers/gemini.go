package providers

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/synthloop/evoagent/internal/llmgate"
)

// Gemini is an llmgate.Provider backed by Google's Gen AI SDK,
// authenticated via application-default credentials. The teacher's
// go.mod carries genai without using it for any provider of its own;
// this wires it into a fourth Gate backend.
type Gemini struct {
	client *genai.Client
	model  string
}

// GeminiConfig configures the Gemini provider.
type GeminiConfig struct {
	APIKey string
	Model  string
}

// NewGemini constructs a Gemini provider.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-1.5-pro"
	}
	return &Gemini{client: client, model: model}, nil
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Complete(ctx context.Context, req llmgate.CompletionRequest) (string, error) {
	prompt := req.Prompt
	if req.System != "" {
		prompt = req.System + "\n\n" + req.Prompt
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return resp.Text(), nil
}
