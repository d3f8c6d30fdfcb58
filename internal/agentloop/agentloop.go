// Package agentloop owns the Agent Loop (C8): the alternative entry point
// for free-form queries that don't go through the five-phase investigation
// lifecycle. One Agent.Run call is a bounded, single-threaded-cooperative
// tool-calling conversation with the injected LLM, fanning tool calls from a
// single turn out concurrently before rejoining.
package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/manthan787/runbookai/internal/config"
	"github.com/manthan787/runbookai/internal/knowledge"
	"github.com/manthan787/runbookai/internal/llm"
	"github.com/manthan787/runbookai/internal/metrics"
	"github.com/manthan787/runbookai/internal/scratchpad"
	"github.com/manthan787/runbookai/internal/toolkit"
)

// EventKind is the tagged-variant discriminator for Event.
type EventKind string

const (
	EventToolCalling EventKind = "tool_calling"
	EventToolResult  EventKind = "tool_result"
	EventDone        EventKind = "done"
	EventError       EventKind = "error"
)

// Citation is one deduplicated knowledge source surfaced alongside the final
// answer.
type Citation struct {
	DocumentID string
	Title      string
	SourceURL  string
}

// Event is one message on the stream returned by Run. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	ToolName string
	Params   map[string]interface{}
	Result   interface{}

	Err error

	Answer    string
	Citations []Citation
}

// Deps are the Agent's consumed collaborators.
type Deps struct {
	LLM       llm.Client
	Tools     toolkit.Executor
	Knowledge knowledge.Retriever

	// ToolDefs is offered to the LLM alongside the two built-in drill-down
	// tools (get_full_result, list_results), which the Agent itself
	// implements against the scratchpad rather than forwarding to Tools.
	ToolDefs []toolkit.Definition

	// SystemPrompt is static instructions (role, tone, constraints)
	// prepended before any retrieved knowledge.
	SystemPrompt string

	// Metrics receives an AgentIterations observation once a run reaches a
	// terminal event. A nil Metrics disables the observation.
	Metrics *metrics.Metrics
}

// Agent runs the tool-calling loop. One instance is stateless across runs
// and safe to reuse concurrently.
type Agent struct {
	deps                   Deps
	maxIterations          int
	contextThresholdTokens int
}

// New returns an Agent. cfg's ContextThresholdTokens bounds the scratchpad's
// retained token total before Compact is invoked between turns, and
// MaxAgentIterations bounds the tool-calling loop.
func New(deps Deps, cfg config.Config) *Agent {
	return &Agent{deps: deps, maxIterations: cfg.MaxAgentIterations, contextThresholdTokens: cfg.ContextThresholdTokens}
}

const eventBufferSize = 64

// Run starts one conversation for query (optionally anchored to incidentID)
// and returns its event stream. The channel is closed after the run's last
// event, which is done or error. When the final synthesis call fails, an
// error event is sent and is followed by a done event whose answer is the
// last tool-free turn's own text.
func (a *Agent) Run(ctx context.Context, query, incidentID string) <-chan Event {
	events := make(chan Event, eventBufferSize)
	go a.run(ctx, query, incidentID, events)
	return events
}

func (a *Agent) run(ctx context.Context, query, incidentID string, events chan<- Event) {
	defer close(events)

	pad := scratchpad.New()
	systemPrompt := a.deps.SystemPrompt
	var citations []Citation

	if a.deps.Knowledge != nil {
		res, err := a.deps.Knowledge.Retrieve(ctx, knowledge.Query{Text: query, IncidentID: incidentID})
		if err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("agentloop: knowledge retrieve: %w", err)}
			a.recordIterations(0)
			return
		}
		systemPrompt = strings.TrimSpace(systemPrompt + "\n\n" + formatKnowledge(res))
		citations = collectCitations(res)
	}

	tools := buildToolList(a.deps.ToolDefs)
	messages := []llm.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: query},
	}

	iteration := 0
	for ; iteration < a.maxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("agentloop: cancelled: %w", err)}
			a.recordIterations(iteration)
			return
		}

		resp, err := a.deps.LLM.Chat(ctx, messages, tools)
		if err != nil {
			events <- Event{Kind: EventError, Err: fmt.Errorf("agentloop: chat: %w", err)}
			a.recordIterations(iteration)
			return
		}

		if len(resp.ToolCalls) == 0 {
			answer := a.synthesize(ctx, messages, resp, events)
			events <- Event{Kind: EventDone, Answer: appendCitations(answer, citations), Citations: citations}
			a.recordIterations(iteration + 1)
			return
		}

		if resp.Content != "" {
			messages = append(messages, llm.Message{Role: "assistant", Content: resp.Content})
		}

		for _, summary := range a.executeToolCalls(ctx, resp.ToolCalls, pad, events) {
			messages = append(messages, llm.Message{Role: "tool", Content: summary})
		}

		if pad.TotalTokens() > a.contextThresholdTokens {
			pad.Compact(a.contextThresholdTokens)
		}
	}

	events <- Event{Kind: EventError, Err: fmt.Errorf("agentloop: exceeded max iterations (%d) without a final answer", a.maxIterations)}
	a.recordIterations(iteration)
}

func (a *Agent) recordIterations(n int) {
	if a.deps.Metrics != nil {
		a.deps.Metrics.AgentIterations.Observe(float64(n))
	}
}

// synthesize issues the second, tool-free LLM call required once the model
// stops requesting tools: the accumulated conversation is handed back with
// an explicit instruction to produce a final answer, rather than trusting
// the no-tool-calls turn's own text as the answer.
func (a *Agent) synthesize(ctx context.Context, messages []llm.Message, resp llm.ChatResponse, events chan<- Event) string {
	msgs := make([]llm.Message, len(messages), len(messages)+2)
	copy(msgs, messages)
	if resp.Content != "" {
		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Content})
	}
	msgs = append(msgs, llm.Message{
		Role:    "user",
		Content: "Synthesize a final answer to the original question using only the evidence gathered above. Be concise and specific.",
	})

	final, err := a.deps.LLM.Chat(ctx, msgs, nil)
	if err != nil {
		events <- Event{Kind: EventError, Err: fmt.Errorf("agentloop: synthesize: %w", err)}
		return resp.Content
	}
	return final.Content
}

// executeToolCalls fans calls out concurrently and joins before returning,
// matching the spec's "fanned out concurrently, joined before the next LLM
// step." Results are assigned by call index, not completion order, so the
// returned slice always mirrors the model's requested order regardless of
// goroutine scheduling.
func (a *Agent) executeToolCalls(ctx context.Context, calls []llm.ToolCall, pad *scratchpad.Scratchpad, events chan<- Event) []string {
	results := make([]string, len(calls))

	if len(calls) == 1 {
		results[0] = a.executeOne(ctx, calls[0], pad, events)
		return results
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, call llm.ToolCall) {
			defer wg.Done()
			results[idx] = a.executeOne(ctx, call, pad, events)
		}(i, call)
	}
	wg.Wait()
	return results
}

// executeOne runs a single tool call. get_full_result and list_results are
// intercepted here against the scratchpad directly, since the scratchpad,
// not the injected Executor, is their required dependency. Any other name
// is forwarded to Tools.Execute; a tool error is recorded as evidence text
// rather than aborting the run.
func (a *Agent) executeOne(ctx context.Context, call llm.ToolCall, pad *scratchpad.Scratchpad, events chan<- Event) string {
	events <- Event{Kind: EventToolCalling, ToolName: call.Name, Params: call.Arguments}

	switch call.Name {
	case toolkit.ToolGetFullResult:
		id, _ := call.Arguments["id"].(string)
		full, ok := pad.Get(id)
		if !ok {
			msg := fmt.Sprintf("no result found for id %q (evicted or unknown)", id)
			events <- Event{Kind: EventToolResult, ToolName: call.Name, Result: msg}
			return msg
		}
		events <- Event{Kind: EventToolResult, ToolName: call.Name, Result: full}
		return fmt.Sprintf("%v", full)

	case toolkit.ToolListResults:
		entries := pad.Entries()
		var b strings.Builder
		for _, e := range entries {
			fmt.Fprintf(&b, "[%s] %s: %s\n", e.ID, e.ToolName, e.Summary)
		}
		events <- Event{Kind: EventToolResult, ToolName: call.Name, Result: entries}
		return b.String()

	default:
		result, err := a.deps.Tools.Execute(ctx, call.Name, call.Arguments)
		if err != nil {
			msg := fmt.Sprintf("tool %s failed: %s", call.Name, err.Error())
			pad.Record(call.Name, call.Arguments, msg, false)
			events <- Event{Kind: EventToolResult, ToolName: call.Name, Err: err}
			return msg
		}
		id := pad.Record(call.Name, call.Arguments, result, false)
		events <- Event{Kind: EventToolResult, ToolName: call.Name, Result: result}
		return fmt.Sprintf("[%s] %s", id, scratchpad.Summarize(result))
	}
}

func buildToolList(defs []toolkit.Definition) []llm.Tool {
	out := make([]llm.Tool, 0, len(defs)+2)
	for _, d := range defs {
		out = append(out, llm.Tool{Name: d.Name, Description: d.Description, Parameters: d.InputSchema})
	}
	out = append(out,
		llm.Tool{
			Name:        toolkit.ToolGetFullResult,
			Description: "Retrieve the full, untruncated result for a previously returned scratchpad id.",
			Parameters: map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{"id": map[string]interface{}{"type": "string"}},
				"required":   []string{"id"},
			},
		},
		llm.Tool{
			Name:        toolkit.ToolListResults,
			Description: "List every scratchpad entry recorded so far, including evicted ones.",
			Parameters:  map[string]interface{}{"type": "object", "properties": map[string]interface{}{}},
		},
	)
	return out
}

func formatKnowledge(res knowledge.Result) string {
	var b strings.Builder
	b.WriteString("Relevant knowledge:\n")
	writeBucket(&b, "Runbooks", res.Runbooks)
	writeBucket(&b, "Postmortems", res.Postmortems)
	writeBucket(&b, "Architecture notes", res.Architecture)
	writeBucket(&b, "Known issues", res.KnownIssues)
	return b.String()
}

func writeBucket(b *strings.Builder, label string, chunks []knowledge.Chunk) {
	if len(chunks) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, c := range chunks {
		fmt.Fprintf(b, "- %s: %s\n", c.Title, c.Content)
	}
}

// collectCitations dedupes knowledge chunks across all buckets by
// DocumentID, preserving first-seen order.
func collectCitations(res knowledge.Result) []Citation {
	seen := make(map[string]bool)
	var out []Citation
	add := func(chunks []knowledge.Chunk) {
		for _, c := range chunks {
			key := c.DocumentID
			if key == "" {
				key = c.ID
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, Citation{DocumentID: key, Title: c.Title, SourceURL: c.SourceURL})
		}
	}
	add(res.Runbooks)
	add(res.Postmortems)
	add(res.Architecture)
	add(res.KnownIssues)
	return out
}

func appendCitations(answer string, citations []Citation) string {
	if len(citations) == 0 {
		return answer
	}
	var b strings.Builder
	b.WriteString(answer)
	b.WriteString("\n\nSources:\n")
	for _, c := range citations {
		if c.SourceURL != "" {
			fmt.Fprintf(&b, "- %s (%s)\n", c.Title, c.SourceURL)
		} else {
			fmt.Fprintf(&b, "- %s\n", c.Title)
		}
	}
	return b.String()
}
