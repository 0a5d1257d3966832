package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// systemPrompt instructs the model to emit exactly the ParsedBook JSON
// shape this package expects back.
const systemPrompt = `You extract a list of books from raw, possibly messy
CSV text. Respond with a JSON array of objects, each with "title"
(required), "author" (optional), and "isbn" (optional). Do not include any
text outside the JSON array.`

// GeminiProvider is the reference Provider implementation, calling Google's
// Gemini API via google.golang.org/genai exactly as
// internal/app/agent/gemini.go calls it for tool-augmented queries.
type GeminiProvider struct {
	client *genai.Client
	model  string
	logger *zap.SugaredLogger
}

// NewGeminiProvider constructs a GeminiProvider bound to the given API key.
func NewGeminiProvider(ctx context.Context, apiKey, model string, logger *zap.SugaredLogger) (*GeminiProvider, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("llm: creating gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{client: client, model: model, logger: logger}, nil
}

// ParseCSV sends the CSV body to Gemini and decodes the JSON array it
// returns into ParsedBook values. A malformed or non-JSON response is
// surfaced as an error rather than silently returning an empty list, so the
// csv_import driver can distinguish "no books found" from "LLM failed".
func (g *GeminiProvider) ParseCSV(ctx context.Context, csvBody string) ([]ParsedBook, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		},
	}

	result, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(csvBody), config)
	if err != nil {
		return nil, fmt.Errorf("llm: gemini generate content: %w", err)
	}

	text := extractText(result)
	if text == "" {
		return nil, fmt.Errorf("llm: gemini returned no text content")
	}

	var books []ParsedBook
	if err := json.Unmarshal([]byte(text), &books); err != nil {
		if g.logger != nil {
			g.logger.Errorw("llm: gemini response was not valid JSON", "error", err, "text", text)
		}
		return nil, fmt.Errorf("llm: decoding gemini response: %w", err)
	}
	return books, nil
}

func extractText(result *genai.GenerateContentResponse) string {
	if result == nil || len(result.Candidates) == 0 {
		return ""
	}
	candidate := result.Candidates[0]
	if candidate == nil || candidate.Content == nil {
		return ""
	}
	for _, part := range candidate.Content.Parts {
		if part != nil && part.Text != "" {
			return part.Text
		}
	}
	return ""
}
