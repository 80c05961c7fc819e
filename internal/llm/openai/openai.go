package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sitequery/sitequery/config"
	"github.com/sitequery/sitequery/internal/llm"
)

const defaultAPIURL = "https://api.openai.com/v1/chat/completions"

// client implements llm.Evaluator using OpenAI's chat completions API
type client struct {
	apiKey      string
	baseURL     string
	model       string
	temperature float64
	maxTokens   int
	httpClient  *http.Client
	logger      *log.Logger
}

// Message represents a message in a conversation
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// request represents a request to the OpenAI API
type request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// response represents a response from the OpenAI API
type response struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// New creates an OpenAI-backed evaluator from config.
func New(cfg config.LLMConfig) llm.Evaluator {
	base := cfg.BaseURL
	if base == "" {
		base = defaultAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &client{
		apiKey:      cfg.APIKey,
		baseURL:     base,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		httpClient:  &http.Client{Timeout: timeout},
		logger:      log.New(log.Writer(), "[LLM] ", log.LstdFlags),
	}
}

// Evaluate sends the prompt and returns the model's JSON answer. Any transport
// or parse problem comes back wrapped in llm.ErrEvaluation so callers can
// degrade to a zero score instead of failing the query.
func (c *client) Evaluate(ctx context.Context, prompt string) (json.RawMessage, error) {
	messages := []Message{
		{Role: "system", Content: "Respond ONLY with valid JSON. Do not include any other text or explanation."},
		{Role: "user", Content: prompt},
	}
	raw, err := c.sendRequest(ctx, messages)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", llm.ErrEvaluation, err)
	}
	cleaned := stripFences(raw)
	if !json.Valid([]byte(cleaned)) {
		c.logger.Printf("non-JSON evaluation response (%d bytes)", len(raw))
		return nil, fmt.Errorf("%w: response is not valid JSON", llm.ErrEvaluation)
	}
	return json.RawMessage(cleaned), nil
}

// sendRequest sends a request to the OpenAI API
func (c *client) sendRequest(ctx context.Context, messages []Message) (string, error) {
	requestBody := request{
		Model:       c.model,
		Messages:    messages,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	}
	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API returned status: %d", resp.StatusCode)
	}

	var openaiResp response
	if err := json.NewDecoder(resp.Body).Decode(&openaiResp); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(openaiResp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return openaiResp.Choices[0].Message.Content, nil
}

// stripFences removes a markdown code fence if the model wrapped its JSON in one.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
