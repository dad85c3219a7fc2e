package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/markdave123-py/contextai/internal/core"
	"github.com/markdave123-py/contextai/internal/models"
)

var ErrNoMessages = errors.New("chat request has no messages")

// GeminiStreamer streams chat completions from the Gemini API. The API key
// travels with each request, so a client is created per call.
type GeminiStreamer struct {
	defaultModel  string
	opts          []option.ClientOption
	searchBaseURL string
}

func NewGeminiStreamer(defaultModel string, opts ...option.ClientOption) *GeminiStreamer {
	if defaultModel == "" {
		defaultModel = models.DefaultModel
	}
	return &GeminiStreamer{defaultModel: defaultModel, opts: opts}
}

// prompt is the Gemini-shaped form of a role-tagged message list.
type prompt struct {
	system  string
	history []*genai.Content
	last    []genai.Part
}

// buildPrompt folds system messages into the system instruction, maps the
// assistant role to "model" and merges consecutive turns of the same role.
func buildPrompt(msgs []models.Message) (prompt, error) {
	var (
		p        prompt
		system   []string
		contents []*genai.Content
	)
	for _, m := range msgs {
		role := models.NormalizeRole(m.Role)
		if role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		gr := "user"
		if role == models.RoleAssistant {
			gr = "model"
		}
		if n := len(contents); n > 0 && contents[n-1].Role == gr {
			contents[n-1].Parts = append(contents[n-1].Parts, genai.Text(m.Content))
			continue
		}
		contents = append(contents, &genai.Content{Role: gr, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	if len(contents) == 0 {
		return p, ErrNoMessages
	}
	p.system = strings.Join(system, "\n\n")
	p.history = contents[:len(contents)-1]
	p.last = contents[len(contents)-1].Parts
	return p, nil
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range resp.Candidates[0].Content.Parts {
		if t, ok := p.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	return b.String()
}

func (g *GeminiStreamer) StreamChat(ctx context.Context, req core.ChatRequest) (<-chan core.Fragment, error) {
	p, err := buildPrompt(req.Messages)
	if err != nil {
		return nil, err
	}

	name := req.Model
	if name == "" {
		name = g.defaultModel
	}
	temp := req.Temperature
	if temp == 0 {
		temp = core.DefaultTemperature
	}
	if req.SearchEnabled {
		return g.streamWithSearch(ctx, req.APIKey, p, name, temp)
	}

	opts := append([]option.ClientOption{option.WithAPIKey(req.APIKey)}, g.opts...)
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}

	m := client.GenerativeModel(name)
	m.SetTemperature(temp)
	if p.system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(p.system)}}
	}

	cs := m.StartChat()
	cs.History = p.history
	it := cs.SendMessageStream(ctx, p.last...)

	out := make(chan core.Fragment)
	go func() {
		defer close(out)
		defer client.Close()

		for {
			resp, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				select {
				case out <- core.Fragment{Err: fmt.Errorf("gemini stream: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			text := responseText(resp)
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

var _ core.ChatStreamer = (*GeminiStreamer)(nil)
