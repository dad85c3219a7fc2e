package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	gsearch "google.golang.org/genai"

	"github.com/markdave123-py/contextai/internal/core"
)

// searchTool picks the grounding tool the model family accepts: 1.x models
// take google_search_retrieval, later ones google_search.
func searchTool(model string) *gsearch.Tool {
	if strings.HasPrefix(strings.TrimPrefix(model, "models/"), "gemini-1.") {
		return &gsearch.Tool{GoogleSearchRetrieval: &gsearch.GoogleSearchRetrieval{}}
	}
	return &gsearch.Tool{GoogleSearch: &gsearch.GoogleSearch{}}
}

func toSearchContent(c *genai.Content) *gsearch.Content {
	out := &gsearch.Content{Role: c.Role}
	for _, part := range c.Parts {
		if t, ok := part.(genai.Text); ok {
			out.Parts = append(out.Parts, &gsearch.Part{Text: string(t)})
		}
	}
	return out
}

// searchRequest converts a prompt into a search-grounded request.
func searchRequest(p prompt, model string, temp float32) ([]*gsearch.Content, *gsearch.GenerateContentConfig) {
	contents := make([]*gsearch.Content, 0, len(p.history)+1)
	for _, c := range p.history {
		contents = append(contents, toSearchContent(c))
	}
	contents = append(contents, toSearchContent(&genai.Content{Role: "user", Parts: p.last}))

	cfg := &gsearch.GenerateContentConfig{
		Temperature: &temp,
		Tools:       []*gsearch.Tool{searchTool(model)},
	}
	if p.system != "" {
		cfg.SystemInstruction = &gsearch.Content{Parts: []*gsearch.Part{{Text: p.system}}}
	}
	return contents, cfg
}

func searchResponseText(resp *gsearch.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// streamWithSearch runs a search-grounded request. generative-ai-go has no
// search tool, so these requests go through the google.golang.org/genai
// client.
func (g *GeminiStreamer) streamWithSearch(ctx context.Context, apiKey string, p prompt, model string, temp float32) (<-chan core.Fragment, error) {
	client, err := gsearch.NewClient(ctx, &gsearch.ClientConfig{
		APIKey:      apiKey,
		Backend:     gsearch.BackendGeminiAPI,
		HTTPOptions: gsearch.HTTPOptions{BaseURL: g.searchBaseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini search client: %w", err)
	}
	contents, cfg := searchRequest(p, model, temp)

	out := make(chan core.Fragment)
	go func() {
		defer close(out)
		for resp, err := range client.Models.GenerateContentStream(ctx, model, contents, cfg) {
			if err != nil {
				select {
				case out <- core.Fragment{Err: fmt.Errorf("gemini stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			text := searchResponseText(resp)
			if text == "" {
				continue
			}
			select {
			case out <- core.Fragment{Text: text}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
