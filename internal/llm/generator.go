// Package llm asks a chat model (Gemini through its OpenAI-compatible
// endpoint) for content strategies and related search queries.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/kalambet/briefai/internal/resilience"
)

const (
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
	DefaultModel   = "gemini-2.0-flash"

	briefTimeout   = 90 * time.Second
	suggestTimeout = 15 * time.Second
	briefMaxTokens = 4096
)

// ChatCompleter is the subset of the go-openai client the generator needs.
type ChatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Generator produces strategies and query suggestions with a chat model.
type Generator struct {
	client ChatCompleter
	model  string
}

// NewGenerator creates a Generator talking to baseURL with apiKey. Empty
// baseURL and model fall back to Gemini defaults.
func NewGenerator(apiKey, baseURL, model string) (*Generator, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return NewGeneratorWithClient(openai.NewClientWithConfig(cfg), model), nil
}

// NewGeneratorWithClient creates a Generator over an existing client (for testing).
func NewGeneratorWithClient(client ChatCompleter, model string) *Generator {
	if model == "" {
		model = DefaultModel
	}
	return &Generator{client: client, model: model}
}

// Model returns the model name requests are sent to.
func (g *Generator) Model() string { return g.model }

// GenerateBrief asks the model for a content strategy. Upstream and
// rate-limit failures come back transient; refusals, other 4xx and
// unusable JSON come back permanent.
func (g *Generator) GenerateBrief(ctx context.Context, in BriefInput) (Strategy, error) {
	if strings.TrimSpace(in.Topic) == "" {
		return Strategy{}, resilience.Permanent(errors.New("topic is empty"))
	}

	ctx, cancel := context.WithTimeout(ctx, briefTimeout)
	defer cancel()

	raw, err := g.complete(ctx, BuildBriefPrompt(in), briefMaxTokens)
	if err != nil {
		return Strategy{}, err
	}

	var s Strategy
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return Strategy{}, resilience.Permanent(fmt.Errorf("decoding strategy: %w", err))
	}
	if strings.TrimSpace(s.Title) == "" || len(s.Outline) == 0 {
		return Strategy{}, resilience.Permanent(errors.New("model returned an incomplete strategy"))
	}
	return normalize(s, in.Topic), nil
}

// SuggestQueries asks the model for up to n queries related to topic.
func (g *Generator) SuggestQueries(ctx context.Context, topic string, n int) ([]string, error) {
	if n <= 0 || strings.TrimSpace(topic) == "" {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, suggestTimeout)
	defer cancel()

	raw, err := g.complete(ctx, BuildSuggestPrompt(topic, n), 512)
	if err != nil {
		return nil, err
	}

	var out struct {
		Queries []string `json:"queries"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, resilience.Permanent(fmt.Errorf("decoding suggestions: %w", err))
	}

	queries := make([]string, 0, n)
	for _, q := range out.Queries {
		q = strings.TrimSpace(q)
		if q == "" || strings.EqualFold(q, topic) {
			continue
		}
		queries = append(queries, q)
		if len(queries) == n {
			break
		}
	}
	return queries, nil
}

func (g *Generator) complete(ctx context.Context, messages []openai.ChatCompletionMessage, maxTokens int) (string, error) {
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: 0.4,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return "", classifyError(fmt.Errorf("gemini chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", resilience.Transient(errors.New("gemini returned no choices"))
	}
	return stripFences(resp.Choices[0].Message.Content), nil
}

// classifyError marks go-openai errors as transient or permanent by status.
func classifyError(err error) error {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case errors.Is(err, context.Canceled):
		return err
	case status == 0, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return resilience.Transient(err)
	default:
		return resilience.Permanent(err)
	}
}

// stripFences removes a ```json ... ``` wrapper some models add despite
// the JSON response format.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func normalize(s Strategy, topic string) Strategy {
	s.Title = strings.TrimSpace(s.Title)
	s.MetaDescription = strings.TrimSpace(s.MetaDescription)

	seen := make(map[string]bool)
	keywords := make([]string, 0, len(s.Keywords)+1)
	for _, k := range append([]string{topic}, s.Keywords...) {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		keywords = append(keywords, k)
	}
	s.Keywords = keywords

	if s.WordCount <= 0 {
		s.WordCount = defaultWordCount
	}
	if len(s.SchemaStrategy.Types) == 0 {
		s.SchemaStrategy.Types = []string{"Article"}
	}
	return s
}
