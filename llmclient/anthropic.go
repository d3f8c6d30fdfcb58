// Package llmclient is a reference implementation of internal/llm.Client
// against the Anthropic Messages API, for tests and examples. It is
// intentionally never imported by internal/reasoning or internal/agentloop
// — those packages consume the llm.Client interface only, so any provider
// (or a test double) can stand in.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/manthan787/runbookai/internal/llm"
)

const (
	defaultBaseURL    = "https://api.anthropic.com/v1"
	defaultModel      = "claude-3-5-sonnet-20241022"
	defaultMaxTokens  = 4096
	defaultAPIVersion = "2023-06-01"
	defaultTimeout    = 120 * time.Second
)

// AnthropicClient implements llm.Client over the Anthropic Messages API.
// Complete issues a single tool-free request; Chat offers tools and
// translates the response's tool_use blocks into llm.ToolCall.
type AnthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Option configures an AnthropicClient.
type Option func(*AnthropicClient)

// WithModel overrides the default model id.
func WithModel(model string) Option { return func(c *AnthropicClient) { c.model = model } }

// WithMaxTokens overrides the default max_tokens per request.
func WithMaxTokens(n int) Option { return func(c *AnthropicClient) { c.maxTokens = n } }

// WithBaseURL overrides the API base URL. Used in tests against a local
// httptest.Server.
func WithBaseURL(url string) Option { return func(c *AnthropicClient) { c.baseURL = url } }

// WithHTTPClient overrides the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option { return func(c *AnthropicClient) { c.httpClient = hc } }

// WithLogger attaches a zap logger for request/response diagnostics. Nil
// (the default) disables logging.
func WithLogger(l *zap.Logger) Option { return func(c *AnthropicClient) { c.logger = l } }

// New builds an AnthropicClient. apiKey falls back to ANTHROPIC_API_KEY if
// empty, matching the teacher provider's own fallback.
func New(apiKey string, opts ...Option) (*AnthropicClient, error) {
	if apiKey == "" {
		apiKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llmclient: API key required (set ANTHROPIC_API_KEY or pass one explicitly)")
	}

	c := &AnthropicClient{
		apiKey:    apiKey,
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		baseURL:   defaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

type anthMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

type anthTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	Messages  []anthMessage `json:"messages"`
	Tools     []anthTool    `json:"tools,omitempty"`
	System    string        `json:"system,omitempty"`
}

type anthResponse struct {
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      anthUsage      `json:"usage"`
}

type anthUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Complete issues a single-turn, tool-free completion. The prompt is sent
// as the sole user message; any JSON-contract instructions are expected to
// already be baked into it by the caller (the orchestrator's prompt
// templates).
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	resp, err := c.send(ctx, anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  []anthMessage{{Role: "user", Content: []contentBlock{{Type: "text", Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}
	return textOf(resp), nil
}

// Chat issues one tool-offering turn and decodes tool_use blocks into
// llm.ToolCall.
func (c *AnthropicClient) Chat(ctx context.Context, messages []llm.Message, tools []llm.Tool) (llm.ChatResponse, error) {
	system, filtered := extractSystem(messages)
	resp, err := c.send(ctx, anthRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		Messages:  convertMessages(filtered),
		Tools:     convertTools(tools),
		System:    system,
	})
	if err != nil {
		return llm.ChatResponse{}, err
	}

	out := llm.ChatResponse{Content: textOf(resp)}
	for _, block := range resp.Content {
		if block.Type != "tool_use" {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{ID: block.ID, Name: block.Name, Arguments: block.Input})
	}
	return out, nil
}

func textOf(resp *anthResponse) string {
	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text
}

func extractSystem(messages []llm.Message) (string, []llm.Message) {
	var system string
	filtered := make([]llm.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		filtered = append(filtered, m)
	}
	return system, filtered
}

func convertMessages(messages []llm.Message) []anthMessage {
	out := make([]anthMessage, 0, len(messages))
	for _, m := range messages {
		role := m.Role
		if role == "tool" {
			// Anthropic has no bare "tool" role; a prior tool result is
			// folded back in as a user turn describing the observation.
			role = "user"
		}
		out = append(out, anthMessage{Role: role, Content: []contentBlock{{Type: "text", Text: m.Content}}})
	}
	return out
}

func convertTools(tools []llm.Tool) []anthTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]anthTool, 0, len(tools))
	for _, t := range tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		out = append(out, anthTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}
	return out
}

func (c *AnthropicClient) send(ctx context.Context, req anthRequest) (*anthResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("llmclient: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("llmclient: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", defaultAPIVersion)

	if c.logger != nil {
		c.logger.Debug("llmclient: request", zap.String("model", req.Model), zap.Int("messages", len(req.Messages)), zap.Int("tools", len(req.Tools)))
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("llmclient: read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("llmclient: API error %d: %s", httpResp.StatusCode, string(respBody))
	}

	var resp anthResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("llmclient: unmarshal response: %w", err)
	}

	if c.logger != nil {
		c.logger.Debug("llmclient: response", zap.String("stop_reason", resp.StopReason),
			zap.Int("input_tokens", resp.Usage.InputTokens), zap.Int("output_tokens", resp.Usage.OutputTokens))
	}
	return &resp, nil
}
