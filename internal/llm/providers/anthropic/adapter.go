// Package anthropic implements llm.ProviderAdapter against the Anthropic
// Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kodevadam/crucible/internal/llm"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

type Adapter struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// New builds an adapter for the given key. baseURL may be empty for the
// public endpoint.
func New(apiKey, baseURL string) *Adapter {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Adapter{
		APIKey:  strings.TrimSpace(apiKey),
		BaseURL: base,
		// No client-level timeout; callers bound calls via ctx.
		HTTPClient: &http.Client{Timeout: 0},
	}
}

func (a *Adapter) Name() string { return "anthropic" }

func (a *Adapter) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	if err := req.Validate(); err != nil {
		return llm.Response{}, err
	}
	if a.APIKey == "" {
		return llm.Response{}, &llm.ConfigurationError{Message: "anthropic: API key must not be empty"}
	}

	body, err := marshalRequest(req)
	if err != nil {
		return llm.Response{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return llm.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", a.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	client := a.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 0}
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return llm.Response{}, &llm.APIError{ProviderName: "anthropic", Kind: llm.ErrTimeout, Message: err.Error()}
		}
		return llm.Response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return llm.Response{}, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfter := llm.ParseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		return llm.Response{}, llm.FromHTTPStatus("anthropic", resp.StatusCode, errorMessage(raw), retryAfter)
	}

	return parseResponse(raw)
}

// wireBlock is one content block in either direction; the zero-value fields
// irrelevant to a block's type are omitted from the JSON.
type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type wireMessage struct {
	Role    string      `json:"role"`
	Content []wireBlock `json:"content"`
}

type wireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

func marshalRequest(req llm.Request) ([]byte, error) {
	out := wireRequest{
		Model:       req.Model,
		MaxTokens:   defaultMaxTokens,
		Temperature: req.Temperature,
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		out.MaxTokens = *req.MaxTokens
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, wireTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case llm.RoleSystem:
			system = append(system, m.Text())
		case llm.RoleUser, llm.RoleAssistant:
			wm, err := toWireMessage(m)
			if err != nil {
				return nil, err
			}
			out.Messages = append(out.Messages, wm)
		case llm.RoleTool:
			// Tool results travel as user-role tool_result blocks.
			wm := wireMessage{Role: "user"}
			for _, p := range m.Content {
				if p.Kind != llm.ContentToolResult || p.ToolResult == nil {
					continue
				}
				wm.Content = append(wm.Content, wireBlock{
					Type:      "tool_result",
					ToolUseID: p.ToolResult.ToolCallID,
					Content:   p.ToolResult.Content,
					IsError:   p.ToolResult.IsError,
				})
			}
			if len(wm.Content) > 0 {
				out.Messages = append(out.Messages, wm)
			}
		default:
			return nil, fmt.Errorf("anthropic: unsupported role %q", m.Role)
		}
	}
	out.System = strings.Join(system, "\n\n")
	return json.Marshal(out)
}

func toWireMessage(m llm.Message) (wireMessage, error) {
	wm := wireMessage{Role: string(m.Role)}
	for _, p := range m.Content {
		switch p.Kind {
		case llm.ContentText:
			wm.Content = append(wm.Content, wireBlock{Type: "text", Text: p.Text})
		case llm.ContentToolCall:
			if p.ToolCall == nil {
				continue
			}
			input := p.ToolCall.Arguments
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			wm.Content = append(wm.Content, wireBlock{
				Type:  "tool_use",
				ID:    p.ToolCall.ID,
				Name:  p.ToolCall.Name,
				Input: input,
			})
		default:
			return wireMessage{}, fmt.Errorf("anthropic: unsupported %s block in %s message", p.Kind, m.Role)
		}
	}
	return wm, nil
}

type wireResponse struct {
	ID         string      `json:"id"`
	Model      string      `json:"model"`
	StopReason string      `json:"stop_reason"`
	Content    []wireBlock `json:"content"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func parseResponse(raw []byte) (llm.Response, error) {
	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return llm.Response{}, fmt.Errorf("anthropic: malformed response body: %w", err)
	}

	msg := llm.Message{Role: llm.RoleAssistant}
	for _, b := range wr.Content {
		switch b.Type {
		case "text":
			msg.Content = append(msg.Content, llm.ContentPart{Kind: llm.ContentText, Text: b.Text})
		case "tool_use":
			msg.Content = append(msg.Content, llm.ContentPart{
				Kind: llm.ContentToolCall,
				ToolCall: &llm.ToolCallData{
					ID:        b.ID,
					Name:      b.Name,
					Arguments: b.Input,
				},
			})
		}
	}

	return llm.Response{
		Model:   wr.Model,
		ID:      wr.ID,
		Message: msg,
		Finish:  llm.NormalizeFinishReason(wr.StopReason),
		Usage:   llm.Usage{InputTokens: wr.Usage.InputTokens, OutputTokens: wr.Usage.OutputTokens},
	}, nil
}

// errorMessage extracts error.message from an API error body, falling back
// to the raw body.
func errorMessage(raw []byte) string {
	var body struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		return body.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 500 {
		s = s[:500]
	}
	return s
}
