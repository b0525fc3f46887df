package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/light/lightopedia/internal/apperrors"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
	retry  apperrors.RetryConfig
}

// NewVertexAIClient creates a new client for the Google Gemini API.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, apperrors.Validation("config cannot be nil", nil)
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = "gemini-2.0-flash"
	}
	if config.RouterModel == "" {
		config.RouterModel = config.SummaryModel
	}
	if config.RerankModel == "" {
		config.RerankModel = config.SummaryModel
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{
		config: config,
		client: client,
		retry:  apperrors.DefaultRetryConfig(),
	}, nil
}

// Close the client when done
func (c *VertexAIClient) Close() error {
	return nil
}

// Embed implements the embedding functionality using the Gemini API
func (c *VertexAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	return apperrors.RetryWithResult(ctx, c.retry, func() ([]float32, error) {
		cfg := genai.EmbedContentConfig{
			TaskType: "RETRIEVAL_DOCUMENT",
		}

		res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
		if err != nil {
			return nil, apperrors.UpstreamTimeout("gemini embedding failed", err)
		}
		if res == nil || len(res.Embeddings) == 0 {
			return nil, apperrors.UpstreamFailure("gemini returned no embedding", nil)
		}
		return res.Embeddings[0].Values, nil
	})
}

// Summarize implements the summarization functionality using the Gemini API
func (c *VertexAIClient) Summarize(ctx context.Context, filePath, language, content string) (string, error) {
	const maxInput = 8000
	if len(content) > maxInput {
		content = content[:maxInput]
	}

	prompt := genai.Text("You summarize internal help articles in at most 240 characters, 1-2 sentences, no code blocks, no backticks. State what the article explains or configures.")
	temp := float32(0.2)
	maxTokens := int32(120)
	cfg := genai.GenerateContentConfig{
		Temperature:       &temp,
		MaxOutputTokens:   maxTokens,
		SystemInstruction: prompt[0],
	}

	userPrompt := "Path: " + filePath + "\nSource: " + language + "\n---\n" + content
	resp, err := apperrors.RetryWithResult(ctx, c.retry, func() (*genai.GenerateContentResponse, error) {
		r, err := c.client.Models.GenerateContent(ctx, c.config.SummaryModel, genai.Text(userPrompt), &cfg)
		if err != nil {
			return nil, apperrors.UpstreamTimeout("gemini summarization failed", err)
		}
		return r, nil
	})
	if err != nil {
		return "", err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", apperrors.UpstreamFailure("gemini returned no summary", nil)
	}

	part := resp.Candidates[0].Content.Parts[0]
	summary := strings.TrimSpace(string(part.Text))
	summary = strings.ReplaceAll(summary, "\n", " ")
	return summary, nil
}

// Complete issues a tool-calling-capable Gemini generation call.
func (c *VertexAIClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error) {
	var sysText string
	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			sysText = m.Content
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	temp := req.Temperature
	maxTokens := int32(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 600
	}
	cfg := genai.GenerateContentConfig{
		Temperature:     &temp,
		MaxOutputTokens: maxTokens,
	}
	if sysText != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sysText, genai.RoleUser)
	}
	if len(req.Tools) > 0 {
		var decls []*genai.FunctionDeclaration
		for _, t := range req.Tools {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			})
		}
		cfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := apperrors.RetryWithResult(ctx, c.retry, func() (*genai.GenerateContentResponse, error) {
		r, err := c.client.Models.GenerateContent(ctx, c.config.RouterModel, contents, &cfg)
		if err != nil {
			return nil, apperrors.UpstreamTimeout("gemini completion failed", err)
		}
		return r, nil
	})
	if err != nil {
		return CompletionResult{}, err
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return CompletionResult{}, apperrors.UpstreamFailure("gemini returned no candidates", nil)
	}

	var result CompletionResult
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" {
			result.Content += part.Text
		}
		if part.FunctionCall != nil {
			args, _ := json.Marshal(part.FunctionCall.Args)
			result.ToolCalls = append(result.ToolCalls, ToolCall{
				Name:      part.FunctionCall.Name,
				Arguments: string(args),
			})
		}
	}
	return result, nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
