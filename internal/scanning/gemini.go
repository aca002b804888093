package scanning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// geminiTimeout bounds one generation call
const geminiTimeout = 60 * time.Second

// Gemini implements the Generator interface using Google Gemini
type Gemini struct {
	client *genai.Client
	schema *genai.Schema
}

// NewGemini creates a new Gemini Generator that constrains answers to schema
func NewGemini(apiKey string, schema *genai.Schema, opts ...option.ClientOption) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if schema == nil {
		return nil, fmt.Errorf("response schema is required")
	}

	client, err := genai.NewClient(context.Background(), append([]option.ClientOption{option.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{
		client: client,
		schema: schema,
	}, nil
}

// Generate sends the image and prompt to the requested model
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		return "", fmt.Errorf("model is required")
	}

	ctx, cancel := context.WithTimeout(ctx, geminiTimeout)
	defer cancel()

	model := g.client.GenerativeModel(req.Model)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = g.schema

	parts := []genai.Part{
		genai.Blob{MIMEType: req.MimeType, Data: req.Image},
		genai.Text(req.Prompt),
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	return responseText(resp)
}

// responseText joins the text parts of the first candidate
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", errors.New("no response from gemini")
	}
	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("empty response from gemini (finish reason: %s)", candidate.FinishReason)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	return text.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
