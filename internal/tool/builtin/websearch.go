package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/synthloop/evoagent/internal/tool"
)

// WebSearch is the runtime's one external-information tool: it queries
// DuckDuckGo's Instant Answer API and reports the abstract plus related
// topics as a flat list of results. Per the task engine's §1 contract,
// only this Tool surface matters — a single backend with no caching or
// content-extraction layer is deliberately in scope, not a multi-engine
// search service.
type WebSearch struct {
	httpClient   *http.Client
	maxResults   int
	endpointBase string // overridable in tests; defaults to the real API
}

const duckDuckGoInstantAnswerURL = "https://api.duckduckgo.com/?"

// NewWebSearch creates a WebSearch tool capped at maxResults per query;
// maxResults <= 0 defaults to 5.
func NewWebSearch(maxResults int) *WebSearch {
	if maxResults <= 0 {
		maxResults = 5
	}
	return &WebSearch{
		httpClient:   &http.Client{Timeout: 15 * time.Second},
		maxResults:   maxResults,
		endpointBase: duckDuckGoInstantAnswerURL,
	}
}

func (w *WebSearch) Name() string { return "web_search" }

func (w *WebSearch) Description() string {
	return "searches the web for information and returns a short list of title/url/snippet results"
}

func (w *WebSearch) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string"}
		},
		"required": ["query"]
	}`)
}

func (w *WebSearch) ConcurrencySafe() bool { return true }

type webSearchArgs struct {
	Query string `json:"query"`
}

// searchResult is one entry of a web search response.
type searchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

func (w *WebSearch) Execute(ctx context.Context, params json.RawMessage) (*tool.Result, error) {
	var args webSearchArgs
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, fmt.Errorf("web_search: %w", err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, fmt.Errorf("web_search: query is required")
	}

	results, err := w.queryDuckDuckGo(ctx, args.Query)
	if err != nil {
		return &tool.Result{Content: err.Error(), IsError: true}, nil
	}

	encoded, err := json.Marshal(struct {
		Query   string         `json:"query"`
		Results []searchResult `json:"results"`
	}{Query: args.Query, Results: results})
	if err != nil {
		return nil, fmt.Errorf("web_search: %w", err)
	}
	return &tool.Result{Content: string(encoded)}, nil
}

// queryDuckDuckGo calls the Instant Answer API and flattens its
// abstract plus related topics into a uniform result list, stopping at
// maxResults.
func (w *WebSearch) queryDuckDuckGo(ctx context.Context, query string) ([]searchResult, error) {
	endpoint := fmt.Sprintf("%sq=%s&format=json&no_html=1", w.endpointBase, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; evoagentd/1.0)")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("duckduckgo returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	var parsed struct {
		AbstractText  string `json:"AbstractText"`
		AbstractURL   string `json:"AbstractURL"`
		Heading       string `json:"Heading"`
		RelatedTopics []struct {
			FirstURL string `json:"FirstURL"`
			Text     string `json:"Text"`
		} `json:"RelatedTopics"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	results := make([]searchResult, 0, w.maxResults)
	if parsed.AbstractText != "" && parsed.AbstractURL != "" {
		results = append(results, searchResult{Title: parsed.Heading, URL: parsed.AbstractURL, Snippet: parsed.AbstractText})
	}
	for _, topic := range parsed.RelatedTopics {
		if len(results) >= w.maxResults {
			break
		}
		if topic.FirstURL == "" || topic.Text == "" {
			continue
		}
		title := topic.Text
		if len(title) > 100 {
			title = title[:100]
		}
		results = append(results, searchResult{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
	}
	return results, nil
}
