package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GeminiEngine talks to the hosted Gemini API through the genai SDK.
type GeminiEngine struct {
	client *genai.Client
}

// NewGeminiEngine creates a GeminiEngine. baseURL overrides the API endpoint
// and may be empty.
func NewGeminiEngine(ctx context.Context, apiKey, baseURL string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &GeminiEngine{client: client}, nil
}

func (e *GeminiEngine) Name() string { return "gemini" }

// Chat maps system messages onto the system instruction and assistant turns
// onto the "model" role.
func (e *GeminiEngine) Chat(ctx context.Context, model string, messages []Message, opts *ChatOptions) (string, error) {
	cfg := &genai.GenerateContentConfig{}
	var system []string
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	if len(contents) == 0 {
		return "", errors.New("gemini chat: no user content")
	}
	if len(system) > 0 {
		cfg.SystemInstruction = genai.NewContentFromText(strings.Join(system, "\n\n"), genai.RoleUser)
	}
	if opts != nil {
		if opts.Temperature != nil {
			cfg.Temperature = genai.Ptr(float32(*opts.Temperature))
		}
		if opts.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(opts.MaxTokens)
		}
		if opts.Schema != nil {
			cfg.ResponseMIMEType = "application/json"
			cfg.ResponseSchema = responseSchema(opts.Schema)
		}
	}

	resp, err := e.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("gemini generate: empty response")
	}
	return text, nil
}

// responseSchema converts s to Gemini's schema type, whose type names are
// upper case.
func responseSchema(s *Schema) *genai.Schema {
	out := &genai.Schema{
		Type:       genai.Type(strings.ToUpper(s.Type)),
		Properties: make(map[string]*genai.Schema, len(s.Properties)),
		Required:   s.Required,
	}
	for name, p := range s.Properties {
		out.Properties[name] = &genai.Schema{
			Type:        genai.Type(strings.ToUpper(p.Type)),
			Description: p.Description,
			Minimum:     p.Minimum,
			Maximum:     p.Maximum,
			Enum:        p.Enum,
		}
	}
	return out
}

func (e *GeminiEngine) Embed(ctx context.Context, model string, text string) ([]float32, error) {
	resp, err := e.client.Models.EmbedContent(ctx, model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{TaskType: "SEMANTIC_SIMILARITY"},
	)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, errors.New("gemini embed: empty embeddings in response")
	}
	return resp.Embeddings[0].Values, nil
}

// IsRunning lists models with a short deadline; any answer means the API key
// and endpoint work.
func (e *GeminiEngine) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := e.client.Models.List(ctx, nil)
	return err == nil
}

func (e *GeminiEngine) ListModels(ctx context.Context) ([]string, error) {
	page, err := e.client.Models.List(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini list models: %w", err)
	}
	names := make([]string, 0, len(page.Items))
	for _, m := range page.Items {
		names = append(names, strings.TrimPrefix(m.Name, "models/"))
	}
	return names, nil
}

func (e *GeminiEngine) HasModel(ctx context.Context, name string) bool {
	_, err := e.client.Models.Get(ctx, name, nil)
	return err == nil
}

// PullModel is a no-op: hosted models need no download.
func (e *GeminiEngine) PullModel(_ context.Context, _ string, onProgress func(PullProgress)) error {
	if onProgress != nil {
		onProgress(PullProgress{Status: "hosted"})
	}
	return nil
}
