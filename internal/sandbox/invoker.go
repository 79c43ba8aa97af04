// Package sandbox wraps the only permitted outbound model call. Every
// invocation is bounded: per-user RPS, token ceiling, tool stripping for
// untrusted tiers and a hard wall-clock timeout.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aegis/backend/internal/core"
)

// ErrRPSExceeded is returned when a user exhausts the per-second call budget.
var ErrRPSExceeded = errors.New("sandbox: per-user rps exceeded")

// ErrTimeout is returned when the model call hits the wall-clock deadline.
var ErrTimeout = errors.New("sandbox: model call timed out")

// Message is one chat turn in the OpenAI-compatible schema.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Params are the request fields the sandbox accepts. Tool-related fields
// are stripped unconditionally for tiers without tool allowance.
type Params struct {
	Prompt       string      `json:"prompt,omitempty"`
	Messages     []Message   `json:"messages,omitempty"`
	Temperature  float64     `json:"temperature,omitempty"`
	MaxTokens    int         `json:"max_tokens,omitempty"`
	Tools        interface{} `json:"tools,omitempty"`
	ToolChoice   interface{} `json:"tool_choice,omitempty"`
	Functions    interface{} `json:"functions,omitempty"`
	FunctionCall interface{} `json:"function_call,omitempty"`
}

// Result is the only object the post-check layer may inspect.
type Result struct {
	Text           string
	TokensUsed     int
	LatencySeconds float64
	Truncated      bool
	Metadata       map[string]string
}

// Config bounds every invocation.
type Config struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
	MaxRPS    int
}

// Invoker is the sandboxed model client.
type Invoker struct {
	cfg    Config
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewInvoker builds the invoker. The HTTP client carries no timeout of its
// own; the per-call context enforces the deadline.
func NewInvoker(cfg Config) *Invoker {
	if cfg.MaxRPS <= 0 {
		cfg.MaxRPS = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Invoker{
		cfg:      cfg,
		client:   &http.Client{},
		limiters: make(map[string]*rate.Limiter),
	}
}

func (inv *Invoker) limiter(userID string) *rate.Limiter {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	lim, ok := inv.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(inv.cfg.MaxRPS), inv.cfg.MaxRPS)
		inv.limiters[userID] = lim
	}
	return lim
}

// completionRequest is the OpenAI-compatible wire shape. Chat and legacy
// completion endpoints share it; unused fields are omitted.
type completionRequest struct {
	Model       string    `json:"model"`
	Prompt      string    `json:"prompt,omitempty"`
	Messages    []Message `json:"messages,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens"`
}

type completionResponse struct {
	Choices []struct {
		Text    string `json:"text"`
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke runs one bounded model call for the user.
func (inv *Invoker) Invoke(ctx context.Context, identity core.Identity, params Params) (*Result, error) {
	if !inv.limiter(identity.ID).Allow() {
		return nil, ErrRPSExceeded
	}

	// Tools are stripped unconditionally for tiers without tool allowance.
	if identity.Tier.Level() < core.TierPrivileged.Level() {
		params.Tools = nil
		params.ToolChoice = nil
		params.Functions = nil
		params.FunctionCall = nil
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 || maxTokens > inv.cfg.MaxTokens {
		maxTokens = inv.cfg.MaxTokens
	}

	req := completionRequest{
		Model:       inv.cfg.Model,
		Prompt:      params.Prompt,
		Messages:    params.Messages,
		Temperature: params.Temperature,
		MaxTokens:   maxTokens,
	}
	path := "/completions"
	if len(params.Messages) > 0 {
		path = "/chat/completions"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox: marshal request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, inv.cfg.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost,
		strings.TrimRight(inv.cfg.BaseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sandbox: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if inv.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+inv.cfg.APIKey)
	}

	start := time.Now()
	resp, err := inv.client.Do(httpReq)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, inv.cfg.Timeout)
		}
		return nil, fmt.Errorf("sandbox: model call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("sandbox: model returned %d: %s", resp.StatusCode, snippet)
	}

	var parsed completionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("sandbox: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("sandbox: model returned no choices")
	}

	text := parsed.Choices[0].Text
	if text == "" {
		text = parsed.Choices[0].Message.Content
	}

	result := &Result{
		Text:           text,
		TokensUsed:     parsed.Usage.TotalTokens,
		LatencySeconds: time.Since(start).Seconds(),
		Metadata:       map[string]string{"model": inv.cfg.Model},
	}

	// The provider is not trusted to honour max_tokens; truncate by the
	// character ratio when the reported usage exceeds the ceiling.
	if result.TokensUsed > maxTokens && result.TokensUsed > 0 {
		ratio := float64(maxTokens) / float64(result.TokensUsed)
		cut := int(float64(len(result.Text)) * ratio)
		if cut < len(result.Text) {
			result.Text = result.Text[:cut]
			result.Truncated = true
		}
	}
	return result, nil
}
