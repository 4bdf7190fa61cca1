package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ross-commits/talk-to-claude/pkg/metrics"
	"github.com/ross-commits/talk-to-claude/pkg/retry"
	"github.com/ross-commits/talk-to-claude/pkg/tools"
)

const anthropicVersion = "2023-06-01"

// Stop reasons surfaced to the conversation loop.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// ToolUse is one tool invocation requested by the brain.
type ToolUse struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// Response is one brain turn. The caller loops while StopReason is
// tool_use, executing ToolUses and feeding results back.
type Response struct {
	Text       string
	ToolUses   []ToolUse
	StopReason string
}

// Brain wraps the Claude messages API with conversation history and a
// tool loop. One Brain serves one call; it is safe for the session's
// serialized operations but not for concurrent turns.
type Brain struct {
	apiKey          string
	model           string
	maxTokens       int
	systemPrompt    string
	contextTemplate string
	baseURL         string
	httpClient      *http.Client
	logger          *zap.Logger

	mu       sync.Mutex
	messages []json.RawMessage
	toolSet  []tools.Tool
}

// BrainConfig holds constructor parameters.
type BrainConfig struct {
	APIKey          string
	Model           string
	MaxTokens       int
	SystemPrompt    string
	ContextTemplate string // fmt template wrapping injected context, e.g. "[System: %s]"
	BaseURL         string
	Tools           []tools.Tool
}

// NewBrain creates a brain. httpClient is shared across sessions; nil
// gets a 60s-timeout default.
func NewBrain(cfg BrainConfig, httpClient *http.Client, logger *zap.Logger) *Brain {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com/v1"
	}
	if cfg.ContextTemplate == "" {
		cfg.ContextTemplate = "[System: %s]"
	}
	return &Brain{
		apiKey:          cfg.APIKey,
		model:           cfg.Model,
		maxTokens:       cfg.MaxTokens,
		systemPrompt:    cfg.SystemPrompt,
		contextTemplate: cfg.ContextTemplate,
		baseURL:         cfg.BaseURL,
		httpClient:      httpClient,
		logger:          logger,
		toolSet:         cfg.Tools,
	}
}

// Respond adds the user's transcript to the conversation and returns
// the model's reply.
func (b *Brain) Respond(ctx context.Context, userText string) (*Response, error) {
	b.appendMessage("user", []map[string]interface{}{
		{"type": "text", "text": userText},
	})
	return b.complete(ctx)
}

// InjectContext delivers out-of-band text (a driver message) wrapped
// in the context template, then returns the model's reply.
func (b *Brain) InjectContext(ctx context.Context, text string) (*Response, error) {
	b.appendMessage("user", []map[string]interface{}{
		{"type": "text", "text": fmt.Sprintf(b.contextTemplate, text)},
	})
	return b.complete(ctx)
}

// HandleToolResults feeds tool outcomes back and returns the model's
// next reply. results[i] answers uses[i].
func (b *Brain) HandleToolResults(ctx context.Context, uses []ToolUse, results []string) (*Response, error) {
	if len(uses) != len(results) {
		return nil, fmt.Errorf("got %d results for %d tool uses", len(results), len(uses))
	}
	blocks := make([]map[string]interface{}, 0, len(uses))
	for i, use := range uses {
		blocks = append(blocks, map[string]interface{}{
			"type":        "tool_result",
			"tool_use_id": use.ID,
			"content":     results[i],
		})
	}
	b.appendMessage("user", blocks)
	return b.complete(ctx)
}

// apiError is a non-2xx response from the messages API. Overload and
// server-side failures retry; client errors do not.
type apiError struct {
	status int
	body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("brain API error: %d - %s", e.status, e.body)
}

func (e *apiError) retryable() bool {
	return e.status == http.StatusTooManyRequests || e.status >= 500
}

// post sends one completed request body, retrying transient failures
// with backoff. The request is idempotent from the API's point of
// view, so retrying never duplicates conversation state.
func (b *Brain) post(ctx context.Context, jsonData []byte) ([]byte, error) {
	cfg := retry.DefaultConfig()
	cfg.Classify = func(err error) bool {
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return apiErr.retryable()
		}
		return true // network errors
	}

	var body []byte
	err := retry.Do(ctx, cfg, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/messages", bytes.NewBuffer(jsonData))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-api-key", b.apiKey)
		req.Header.Set("anthropic-version", anthropicVersion)

		start := time.Now()
		resp, err := b.httpClient.Do(req)
		metrics.RecordServiceCall("brain", err == nil, time.Since(start))
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return &apiError{status: resp.StatusCode, body: string(body)}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (b *Brain) appendMessage(role string, content interface{}) {
	raw, err := json.Marshal(map[string]interface{}{"role": role, "content": content})
	if err != nil {
		b.logger.Error("failed to marshal message", zap.Error(err))
		return
	}
	b.mu.Lock()
	b.messages = append(b.messages, raw)
	b.mu.Unlock()
}

func (b *Brain) complete(ctx context.Context) (*Response, error) {
	b.mu.Lock()
	history := make([]json.RawMessage, len(b.messages))
	copy(history, b.messages)
	b.mu.Unlock()

	payload := map[string]interface{}{
		"model":      b.model,
		"max_tokens": b.maxTokens,
		"system":     b.systemPrompt,
		"messages":   history,
	}
	if len(b.toolSet) > 0 {
		apiTools := make([]map[string]interface{}, 0, len(b.toolSet))
		for _, t := range b.toolSet {
			apiTools = append(apiTools, map[string]interface{}{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": json.RawMessage(t.InputSchema),
			})
		}
		payload["tools"] = apiTools
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	body, err := b.post(ctx, jsonData)
	if err != nil {
		return nil, err
	}

	var apiResp struct {
		Content []struct {
			Type  string                 `json:"type"`
			Text  string                 `json:"text"`
			ID    string                 `json:"id"`
			Name  string                 `json:"name"`
			Input map[string]interface{} `json:"input"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
	}
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	// The assistant turn joins the history verbatim so tool_use ids
	// line up with later tool_result blocks.
	assistantContent := make([]map[string]interface{}, 0, len(apiResp.Content))
	result := &Response{StopReason: apiResp.StopReason}
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			result.Text += block.Text
			assistantContent = append(assistantContent, map[string]interface{}{
				"type": "text", "text": block.Text,
			})
		case "tool_use":
			result.ToolUses = append(result.ToolUses, ToolUse{
				ID: block.ID, Name: block.Name, Input: block.Input,
			})
			assistantContent = append(assistantContent, map[string]interface{}{
				"type": "tool_use", "id": block.ID, "name": block.Name, "input": block.Input,
			})
		}
	}
	b.appendMessage("assistant", assistantContent)

	return result, nil
}
