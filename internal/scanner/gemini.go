package scanner

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

const systemPrompt = `You read a photograph of a bookshelf and list every
book spine you can identify. Respond with a JSON array of objects, each with
"title" (required), "author" (optional), "isbn" (optional, if printed on the
spine or visible on the cover), and "confidence" (required, a number between
0 and 1 reflecting how legible the spine was). Do not include any text
outside the JSON array.`

// GeminiProvider is the reference Provider implementation, reusing the
// same google.golang.org/genai client internal/llm's GeminiProvider uses
// but passing the photo bytes as inline image data instead of text.
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
		return nil, fmt.Errorf("scanner: creating gemini client: %w", err)
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiProvider{client: client, model: model, logger: logger}, nil
}

// ScanPhoto sends the raw photo bytes to Gemini as inline image data and
// decodes the JSON array it returns into FoundBook values.
func (g *GeminiProvider) ScanPhoto(ctx context.Context, photo []byte) ([]FoundBook, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		},
	}
	parts := []*genai.Part{{InlineData: &genai.Blob{MIMEType: "image/jpeg", Data: photo}}}

	result, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{{Parts: parts}}, config)
	if err != nil {
		return nil, fmt.Errorf("scanner: gemini generate content: %w", err)
	}

	text := extractText(result)
	if text == "" {
		return nil, fmt.Errorf("scanner: gemini returned no text content")
	}

	var books []FoundBook
	if err := json.Unmarshal([]byte(text), &books); err != nil {
		if g.logger != nil {
			g.logger.Errorw("scanner: gemini response was not valid JSON", "error", err, "text", text)
		}
		return nil, fmt.Errorf("scanner: decoding gemini response: %w", err)
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
