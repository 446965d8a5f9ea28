package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/lumiscan/lumiscan-api/internal/types"
)

const defaultPrompt = "Describe this image in detail. After the description, list up to ten short labels for its main subjects, one per line, prefixed with 'LABEL:'."

// VisionClient abstracts the image-analysis capability the billing core calls
// into. The ledger treats it as a black box: it either produces a result or
// fails, and credits are only deducted after it succeeds.
type VisionClient interface {
	AnalyzeImage(ctx context.Context, data []byte, mimeType, prompt string) (*types.VisionResult, error)
	// AnalyzeImageWithKey runs the same analysis billed to the caller's own
	// provider account instead of the credit ledger.
	AnalyzeImageWithKey(ctx context.Context, apiKey string, data []byte, mimeType, prompt string) (*types.VisionResult, error)
	Model() string
}

// GeminiVisionClient adapts the Gemini API to the VisionClient interface.
type GeminiVisionClient struct {
	client *genai.Client
	model  string
}

// NewGeminiVisionClient creates a VisionClient backed by Gemini.
func NewGeminiVisionClient(ctx context.Context, apiKey, model string) (*GeminiVisionClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiVisionClient{client: client, model: model}, nil
}

func (g *GeminiVisionClient) AnalyzeImage(ctx context.Context, data []byte, mimeType, prompt string) (*types.VisionResult, error) {
	return g.analyze(ctx, g.client, data, mimeType, prompt)
}

func (g *GeminiVisionClient) AnalyzeImageWithKey(ctx context.Context, apiKey string, data []byte, mimeType, prompt string) (*types.VisionResult, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client with caller key: %w", err)
	}
	return g.analyze(ctx, client, data, mimeType, prompt)
}

func (g *GeminiVisionClient) Model() string {
	return g.model
}

func (g *GeminiVisionClient) analyze(ctx context.Context, client *genai.Client, data []byte, mimeType, prompt string) (*types.VisionResult, error) {
	if prompt == "" {
		prompt = defaultPrompt
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(data, mimeType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}

	start := time.Now()
	resp, err := client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini generate content failed: %w", err)
	}

	result := &types.VisionResult{
		Model:   g.model,
		Latency: time.Since(start),
	}
	if resp.UsageMetadata != nil {
		result.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	result.Description, result.Labels = splitLabels(resp.Text())

	return result, nil
}

// splitLabels separates LABEL: lines from the free-text description.
func splitLabels(text string) (string, []string) {
	var desc []string
	var labels []string
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if label, ok := strings.CutPrefix(trimmed, "LABEL:"); ok {
			if label = strings.TrimSpace(label); label != "" {
				labels = append(labels, label)
			}
			continue
		}
		desc = append(desc, line)
	}
	return strings.TrimSpace(strings.Join(desc, "\n")), labels
}
