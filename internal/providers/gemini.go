package providers

import (
	"context"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"google.golang.org/genai"
)

// GeminiClient serves fallback extraction and, optionally, embeddings
type GeminiClient struct {
	client     *genai.Client
	model      string
	embedModel string
	dimension  int
	timeout    time.Duration
}

// GeminiOptions configures a GeminiClient
type GeminiOptions struct {
	APIKey     string
	Model      string
	EmbedModel string
	Dimension  int
	Timeout    time.Duration // per call; zero means none
	BaseURL    string        // test servers only
}

// NewGeminiClient creates a Gemini API client
func NewGeminiClient(ctx context.Context, opts GeminiOptions) (*GeminiClient, error) {
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: create client")
	}
	return &GeminiClient{
		client:     client,
		model:      opts.Model,
		embedModel: opts.EmbedModel,
		dimension:  opts.Dimension,
		timeout:    opts.Timeout,
	}, nil
}

// Complete generates a reply for a single-turn prompt
func (g *GeminiClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr[float32](0.1)}
	if system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", eris.Wrap(err, "gemini: generate content")
	}

	var out strings.Builder
	if resp != nil {
		for _, candidate := range resp.Candidates {
			if candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				out.WriteString(part.Text)
			}
			if out.Len() > 0 {
				break
			}
		}
	}
	if out.Len() == 0 {
		return "", eris.New("gemini: empty reply")
	}
	return out.String(), nil
}

// Embed returns the embedding of text
func (g *GeminiClient) Embed(ctx context.Context, text string) ([]float32, error) {
	cfg := &genai.EmbedContentConfig{}
	if g.dimension > 0 {
		dim := int32(g.dimension)
		cfg.OutputDimensionality = &dim
	}

	ctx, cancel := g.callContext(ctx)
	defer cancel()

	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := g.client.Models.EmbedContent(ctx, g.embedModel, contents, cfg)
	if err != nil {
		return nil, eris.Wrap(err, "gemini: embed content")
	}
	if result == nil || len(result.Embeddings) == 0 || len(result.Embeddings[0].Values) == 0 {
		return nil, eris.New("gemini: empty embedding")
	}
	return result.Embeddings[0].Values, nil
}

func (g *GeminiClient) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
