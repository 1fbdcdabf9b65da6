package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/kandev/orchestratord/internal/logging"
)

// wireMessage mirrors the line-delimited JSON protocol the upstream agent
// service speaks: one JSON object per line, fields populated according
// to Type, the same shape an interactive coding-agent CLI emits over
// stdout, carried here over an HTTP streaming response body instead of a
// child process's stdout pipe.
type wireMessage struct {
	Type    string `json:"type"`
	Content struct {
		Type      string         `json:"type"`
		Text      string         `json:"text,omitempty"`
		ID        string         `json:"id,omitempty"`
		Name      string         `json:"name,omitempty"`
		Input     map[string]any `json:"input,omitempty"`
		ToolUseID string         `json:"tool_use_id,omitempty"`
		Content   string         `json:"content,omitempty"`
		IsError   bool           `json:"is_error,omitempty"`
	} `json:"content,omitempty"`
	Usage *struct {
		InputTokens  int64   `json:"input_tokens"`
		OutputTokens int64   `json:"output_tokens"`
		CostUsd      float64 `json:"cost_usd"`
	} `json:"usage,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

// LiveAdapter talks to an out-of-process agent service over HTTP,
// streaming newline-delimited JSON responses.
type LiveAdapter struct {
	baseURL      string
	sharedSecret string
	httpClient   *http.Client
	log          *logging.Logger

	mu       sync.Mutex
	canceled map[string]context.CancelFunc
}

// NewLiveAdapter creates a LiveAdapter pointed at an agent service.
func NewLiveAdapter(baseURL, sharedSecret string, httpClient *http.Client, log *logging.Logger) *LiveAdapter {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &LiveAdapter{
		baseURL:      baseURL,
		sharedSecret: sharedSecret,
		httpClient:   httpClient,
		log:          log,
		canceled:     make(map[string]context.CancelFunc),
	}
}

func (a *LiveAdapter) Kind() string { return "live" }

func (a *LiveAdapter) CreateSession(ctx context.Context, cfg SessionConfig) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":   cfg.Model,
		"workDir": cfg.WorkDir,
		"labels":  cfg.Labels,
	})
	if err != nil {
		return "", fmt.Errorf("marshal session config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/sessions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	a.setAuth(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return "", fmt.Errorf("create session: upstream status %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode session response: %w", err)
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("create session: empty sessionId in response")
	}
	return out.SessionID, nil
}

func (a *LiveAdapter) SendPrompt(ctx context.Context, sessionID, prompt, model, directory string) (<-chan StreamItem, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    prompt,
		"model":     model,
		"directory": directory,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal prompt: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.canceled[sessionID] = cancel
	a.mu.Unlock()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.baseURL+"/sessions/"+sessionID+"/prompt", bytes.NewReader(body))
	if err != nil {
		cancel()
		return nil, err
	}
	a.setAuth(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("send prompt: %w", err)
	}
	if resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("send prompt: upstream status %d", resp.StatusCode)
	}

	out := make(chan StreamItem, 8)
	go a.readStream(resp.Body, cancel, out)
	return out, nil
}

func (a *LiveAdapter) readStream(body io.ReadCloser, cancel context.CancelFunc, out chan<- StreamItem) {
	defer cancel()
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg wireMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			if a.log != nil {
				a.log.Warn("adapter: malformed stream line", zap.Error(err))
			}
			continue
		}

		chunk, done := translateWireMessage(&msg)
		if chunk != nil {
			out <- StreamItem{Chunk: chunk}
		}
		if done {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		out <- StreamItem{Err: fmt.Errorf("stream read: %w", err)}
	}
}

func translateWireMessage(msg *wireMessage) (*AssistantChunk, bool) {
	if msg.Error != "" {
		return &AssistantChunk{Kind: ChunkFinish, FinishReason: "error: " + msg.Error}, true
	}

	switch msg.Content.Type {
	case "text":
		return &AssistantChunk{Kind: ChunkText, Text: msg.Content.Text}, false
	case "tool_use":
		return &AssistantChunk{Kind: ChunkToolCall, ToolCall: &ToolCall{
			ID: msg.Content.ID, Name: msg.Content.Name, Input: msg.Content.Input,
		}}, false
	case "tool_result":
		return &AssistantChunk{Kind: ChunkToolResult, ToolResult: &ToolResult{
			ToolUseID: msg.Content.ToolUseID, Content: msg.Content.Content, IsError: msg.Content.IsError,
		}}, false
	}

	if msg.Usage != nil {
		return &AssistantChunk{Kind: ChunkUsage, Usage: &Usage{
			InputTokens: msg.Usage.InputTokens, OutputTokens: msg.Usage.OutputTokens, CostUsdDelta: msg.Usage.CostUsd,
		}}, false
	}

	if msg.Type == "result" || msg.StopReason != "" {
		reason := msg.StopReason
		if reason == "" {
			reason = "end_turn"
		}
		return &AssistantChunk{Kind: ChunkFinish, FinishReason: reason}, true
	}

	return nil, false
}

func (a *LiveAdapter) CancelSession(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	cancel := a.canceled[sessionID]
	delete(a.canceled, sessionID)
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, a.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return nil
	}
	a.setAuth(req)
	resp, err := a.httpClient.Do(req)
	if err != nil {
		// Best-effort: cancellation is idempotent and must never block the
		// engine on a flaky upstream.
		return nil
	}
	defer resp.Body.Close()
	return nil
}

func (a *LiveAdapter) setAuth(req *http.Request) {
	if a.sharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+a.sharedSecret)
	}
}
