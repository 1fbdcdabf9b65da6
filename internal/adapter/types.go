// Package adapter defines the AgentAdapter contract the engine drives to
// create sessions, stream assistant output, and cancel in-flight work. A
// live HTTP-backed implementation and a deterministic mock both satisfy
// the same interface so the engine can run against either.
package adapter

import "context"

// ChunkKind identifies which field of AssistantChunk is populated.
type ChunkKind string

const (
	ChunkText       ChunkKind = "text"
	ChunkToolCall   ChunkKind = "tool_call"
	ChunkToolResult ChunkKind = "tool_result"
	ChunkUsage      ChunkKind = "usage"
	ChunkFinish     ChunkKind = "finish"
)

// ToolCall is carried by a tool_call chunk.
type ToolCall struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input,omitempty"`
}

// ToolResult is carried by a tool_result chunk, matched back to its
// ToolCall by ID.
type ToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
	IsError   bool   `json:"isError,omitempty"`
}

// Usage is carried by a usage chunk. It is a delta, but the running
// total for a response is cumulative per the adapter contract.
type Usage struct {
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	CostUsdDelta float64 `json:"costUsdDelta"`
}

// AssistantChunk is one unit of a sendPrompt stream.
type AssistantChunk struct {
	Kind ChunkKind `json:"kind"`

	Text         string      `json:"text,omitempty"`
	ToolCall     *ToolCall   `json:"toolCall,omitempty"`
	ToolResult   *ToolResult `json:"toolResult,omitempty"`
	Usage        *Usage      `json:"usage,omitempty"`
	FinishReason string      `json:"finishReason,omitempty"`
}

// StreamItem is delivered on a SendPrompt channel: exactly one of Chunk
// or Err is set. The channel is closed after a finish chunk or an Err,
// whichever comes first.
type StreamItem struct {
	Chunk *AssistantChunk
	Err   error
}

// SessionConfig parameterizes CreateSession.
type SessionConfig struct {
	Model   string
	WorkDir string
	Labels  map[string]string
}

// AgentAdapter is the external contract the engine drives. Implementations
// must preserve chunk order per session; session creation is not retried
// across run boundaries by the engine, so CreateSession should fail fast
// rather than silently degrade.
type AgentAdapter interface {
	// Kind identifies the adapter variant: "live" or "mock".
	Kind() string

	// CreateSession starts a new agent session and returns its id.
	CreateSession(ctx context.Context, cfg SessionConfig) (string, error)

	// SendPrompt streams the agent's response to prompt. The returned
	// channel is closed once a finish chunk or an error has been sent.
	SendPrompt(ctx context.Context, sessionID, prompt, model, directory string) (<-chan StreamItem, error)

	// CancelSession best-effort cancels any in-flight work for sessionID.
	// It is idempotent: canceling an unknown or already-canceled session
	// is not an error.
	CancelSession(ctx context.Context, sessionID string) error
}
