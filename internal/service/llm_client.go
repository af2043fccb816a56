package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ocrbase/ocrbase/internal/config"
	"github.com/ocrbase/ocrbase/internal/models"
)

// ExtractResult is the structured output of an LLM extraction.
type ExtractResult struct {
	JSON       string
	Model      string
	TokenCount int
}

// LLMClient calls an OpenAI-compatible chat completions API to project OCR
// Markdown into a caller-supplied JSON shape, and to generate schemas from
// natural-language descriptions.
type LLMClient struct {
	baseURL string
	apiKey  string
	model   string
	http    *http.Client
	logger  *slog.Logger
}

// NewLLMClient builds the adapter from config.
func NewLLMClient(cfg *config.Config, logger *slog.Logger) *LLMClient {
	return &LLMClient{
		baseURL: strings.TrimSuffix(cfg.LLMBaseURL, "/"),
		apiKey:  cfg.LLMAPIKey,
		model:   cfg.LLMModel,
		http:    &http.Client{Timeout: 3 * time.Minute},
		logger:  logger.With("component", "llm"),
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

const extractSystemPrompt = `You extract structured data from documents.
You are given document text in Markdown and a JSON Schema.
Respond with a single JSON object conforming to the schema. No prose, no code fences.
Use null for values the document does not contain.`

// Extract projects markdown into the schema's shape. The model output must be
// a JSON object containing every top-level key the schema requires; a
// malformed first response gets exactly one repair round-trip before the job
// fails with LLM_PARSE_FAILED. Token usage is summed across both calls.
func (c *LLMClient) Extract(ctx context.Context, markdown, schemaJSON, hints string) (*ExtractResult, error) {
	user := fmt.Sprintf("JSON Schema:\n%s\n\nDocument:\n%s", schemaJSON, markdown)
	if hints != "" {
		user += "\n\nAdditional guidance: " + hints
	}

	messages := []chatMessage{
		{Role: "system", Content: extractSystemPrompt},
		{Role: "user", Content: user},
	}

	content, tokens, err := c.complete(ctx, messages)
	if err != nil {
		return nil, err
	}
	totalTokens := tokens

	cleaned, verr := validateAgainstSchema(content, schemaJSON)
	if verr != nil {
		c.logger.Debug("llm output failed validation, attempting repair", "error", verr)
		messages = append(messages,
			chatMessage{Role: "assistant", Content: content},
			chatMessage{Role: "user", Content: "That response was not valid: " + verr.Error() +
				". Respond again with only the corrected JSON object."},
		)
		content, tokens, err = c.complete(ctx, messages)
		if err != nil {
			return nil, err
		}
		totalTokens += tokens

		cleaned, verr = validateAgainstSchema(content, schemaJSON)
		if verr != nil {
			return nil, models.Unrecoverable(models.ErrCodeLLMParseFailed,
				"model output invalid after repair: "+verr.Error(), nil)
		}
	}

	return &ExtractResult{JSON: cleaned, Model: c.model, TokenCount: totalTokens}, nil
}

const generateSchemaPrompt = `You design JSON Schemas.
Given a natural-language description of the data to capture, respond with a
single JSON Schema object ("type":"object" with "properties" and "required").
No prose, no code fences.`

// GenerateSchema produces a JSON Schema from a natural-language description.
func (c *LLMClient) GenerateSchema(ctx context.Context, description string) (string, error) {
	content, _, err := c.complete(ctx, []chatMessage{
		{Role: "system", Content: generateSchemaPrompt},
		{Role: "user", Content: description},
	})
	if err != nil {
		return "", err
	}

	cleaned := stripCodeFences(content)
	var doc map[string]any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return "", models.Unrecoverable(models.ErrCodeLLMParseFailed, "generated schema is not JSON", err)
	}
	if t, _ := doc["type"].(string); t != "object" {
		return "", models.Unrecoverable(models.ErrCodeLLMParseFailed, "generated schema is not an object schema", nil)
	}
	return cleaned, nil
}

func (c *LLMClient) complete(ctx context.Context, messages []chatMessage) (content string, tokens int, err error) {
	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", 0, models.Unrecoverable(models.ErrCodeLLMParseFailed, "encoding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", 0, models.Unrecoverable(models.ErrCodeLLMParseFailed, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", 0, models.Transient(models.ErrCodeTimeout, "llm call timed out", err)
		}
		return "", 0, models.Transient(models.ErrCodeInternal, "llm request failed", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", 0, models.Transient(models.ErrCodeInternal, "reading llm response", err)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return "", 0, models.Transient(models.ErrCodeInternal,
			fmt.Sprintf("llm returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode >= 400 {
		return "", 0, models.Unrecoverable(models.ErrCodeInternal,
			fmt.Sprintf("llm rejected request: %d: %s", resp.StatusCode, truncate(raw, 200)), nil)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", 0, models.Transient(models.ErrCodeInternal, "decoding llm response", err)
	}
	if out.Error != nil {
		return "", 0, models.Transient(models.ErrCodeInternal, out.Error.Message, nil)
	}
	if len(out.Choices) == 0 {
		return "", 0, models.Transient(models.ErrCodeInternal, "llm returned no choices", nil)
	}

	return out.Choices[0].Message.Content, out.Usage.TotalTokens, nil
}

// validateAgainstSchema checks the model output is a plain JSON object
// carrying every top-level key the schema's "required" list names, and
// returns the output re-serialized in canonical compact form.
func validateAgainstSchema(content, schemaJSON string) (string, error) {
	cleaned := stripCodeFences(content)

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return "", fmt.Errorf("output is not a JSON object: %w", err)
	}

	var schema struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal([]byte(schemaJSON), &schema); err == nil {
		for _, key := range schema.Required {
			if _, ok := obj[key]; !ok {
				return "", fmt.Errorf("output missing required key %q", key)
			}
		}
	}

	compact, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(compact), nil
}

// stripCodeFences removes a ```json ... ``` wrapper models sometimes add
// despite instructions.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
