package summarize

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
)

const summarySystemPrompt = "You summarize documents for people reviewing them together. Be accurate and concise."

const summaryUserPrompt = `Summarize the following document text in a short paragraph followed by up to five bullet points of key facts.
Do not invent content that is not in the text. Return plain text only.

Document text:
`

// DefaultModel is used when no model name is configured.
const DefaultModel = "gemini-1.5-pro"

// VertexSummarizer asks a Gemini model on Vertex AI for summaries.
type VertexSummarizer struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewVertexSummarizer creates a client for projectID in region.
func NewVertexSummarizer(ctx context.Context, projectID, region, modelName string) (*VertexSummarizer, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexSummarizer: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultModel
	}

	client, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(summarySystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr[float32](0.2),
	}

	return &VertexSummarizer{client: client, model: model}, nil
}

func (v *VertexSummarizer) Summarize(ctx context.Context, text string) (string, error) {
	resp, err := v.model.GenerateContent(ctx, genai.Text(summaryUserPrompt+text))
	if err != nil {
		return "", fmt.Errorf("GenerateContent: %w", err)
	}
	return responseText(resp)
}

func (v *VertexSummarizer) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}

// responseText joins the text parts of the first candidate.
func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("model returned no content")
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", errors.New("model returned no text")
	}
	return out, nil
}
