package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DeepInfraName    = "deepinfra"
	DeepInfraBaseURL = "https://api.deepinfra.com/v1/openai"

	// Per-million-token pricing used for cost accounting.
	deepInfraInputCostPerM  = 0.075
	deepInfraOutputCostPerM = 0.2
)

// ErrLLM marks gateway-level failures: transport errors, non-2xx responses,
// and responses with no choices. These are retryable per item.
var ErrLLM = errors.New("llm error")

// DeepInfraConfig holds configuration for the DeepInfra chat client.
type DeepInfraConfig struct {
	APIKey  string
	BaseURL string
	Model   string // e.g., "meta-llama/Meta-Llama-3.1-70B-Instruct"
	Timeout time.Duration
}

// DeepInfraClient implements LLMClient using DeepInfra's OpenAI-compatible API.
type DeepInfraClient struct {
	apiKey  string
	baseURL string
	model   string
	client  *http.Client
}

// NewDeepInfraClient creates a new DeepInfra chat client.
func NewDeepInfraClient(cfg DeepInfraConfig) *DeepInfraClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DeepInfraBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}

	return &DeepInfraClient{
		apiKey:  cfg.APIKey,
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// Name returns the provider identifier.
func (c *DeepInfraClient) Name() string {
	return DeepInfraName
}

// Chat sends a chat completion request.
func (c *DeepInfraClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = c.model
	}

	reqBody := deepInfraRequest{
		Model:          model,
		Messages:       req.Messages,
		Temperature:    req.Temperature,
		MaxTokens:      req.MaxTokens,
		ResponseFormat: req.ResponseFormat,
	}

	resp, err := c.doRequest(ctx, "/chat/completions", reqBody)
	if err != nil {
		return nil, err
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no response choices from model", ErrLLM)
	}

	return &ChatResult{
		Content:          resp.Choices[0].Message.Content,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          chatCost(resp.Usage),
		ExecutionTime:    time.Since(start),
		Provider:         DeepInfraName,
		ModelUsed:        resp.Model,
		RequestID:        req.RequestID,
	}, nil
}

// chatCost computes the request cost from reported usage.
func chatCost(u deepInfraUsage) float64 {
	return float64(u.PromptTokens)/1_000_000*deepInfraInputCostPerM +
		float64(u.CompletionTokens)/1_000_000*deepInfraOutputCostPerM
}

// doRequest makes an HTTP request to the DeepInfra API.
func (c *DeepInfraClient) doRequest(ctx context.Context, path string, body any) (*deepInfraResponse, error) {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %v", ErrLLM, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrLLM, err)
	}

	if resp.StatusCode != http.StatusOK {
		var errResp deepInfraErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return nil, fmt.Errorf("%w: status %d: %s", ErrLLM, resp.StatusCode, errResp.Error.Message)
		}
		return nil, fmt.Errorf("%w: status %d: %s", ErrLLM, resp.StatusCode, string(respBody))
	}

	var diResp deepInfraResponse
	if err := json.Unmarshal(respBody, &diResp); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal response: %v", ErrLLM, err)
	}

	return &diResp, nil
}

// DeepInfra API types (OpenAI-compatible)

type deepInfraRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature,omitempty"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`
}

type deepInfraResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage deepInfraUsage `json:"usage"`
}

type deepInfraUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type deepInfraErrorResponse struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}
