// Package llm defines the consumed LLM capability (§6 EXTERNAL INTERFACES):
// the core never talks to a model provider directly, only through this
// interface. A reference HTTP adapter lives in the top-level llmclient
// package for tests and examples; it is never imported here or from
// internal/reasoning or internal/agentloop.
package llm

import "context"

// Message is one turn in a chat-style conversation.
type Message struct {
	Role    string `json:"role"` // "system" | "user" | "assistant" | "tool"
	Content string `json:"content"`
}

// Tool is a tool/function definition offered to the model for a Chat call.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"` // JSON schema
}

// ToolCall is one invocation the model asked for in a ChatResponse.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ChatResponse is what Chat returns: free text plus zero or more requested
// tool calls.
type ChatResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the consumed capability. The orchestrator (C7) only ever needs
// Complete for its single-shot, schema-constrained calls; the agent loop
// (C8) needs Chat for its tool-calling turns. A single adapter backed by a
// real provider typically implements both.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	Chat(ctx context.Context, messages []Message, tools []Tool) (ChatResponse, error)
}
