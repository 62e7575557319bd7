// Package planneradapter produces and revises Plans and compresses
// history chunks via an LLM (spec §4.7), grounded on the same
// chat-completions transport as the executor adapter but parsing a JSON
// plan document out of the response content rather than a tool call,
// since the planner's output is a whole structured document rather than
// a single function invocation.
package planneradapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cua-agent/cua-agent/internal/llmclient"
	"github.com/cua-agent/cua-agent/internal/memory"
	"github.com/cua-agent/cua-agent/internal/plan"
)

const minSteps = 3
const maxSteps = 7

const systemPrompt = `You are the planner for a desktop-automation agent. Given a user task, recent episode
summaries, related semantic memories, and an initial screenshot, produce a plan: a JSON array of 3 to 7
steps. Each step is an object with fields: id (integer, 1-based, sequential), description (action-oriented,
imperative), success_criteria (visually checkable), status (always "pending" except the first step, which
is "in_progress"), recovery_steps (array of strings, may be empty), sub_steps (array of strings, may be
empty). Respond with ONLY the JSON array, no surrounding prose.`

const reviseSystemPrompt = `You are revising an in-progress plan for a desktop-automation agent given the
current plan, the last 40 history events, and the current screenshot. Mark steps visibly satisfied as
"done", mark steps that are blocked as "failed" with a one-line note appended, and ensure exactly one
remaining step is "in_progress". Respond with ONLY the revised JSON array of steps, same schema as before
(id, description, success_criteria, status, notes, recovery_steps, sub_steps).`

const summarizeSystemPrompt = `Compress the given window of agent history events into a single concise
line that preserves what mattered (what was attempted, what changed, what failed). Respond with only that
one line.`

// stepWire is the on-wire shape of one planner step, matching plan.Step's
// JSON tags.
type stepWire struct {
	ID              int      `json:"id"`
	Description     string   `json:"description"`
	SuccessCriteria string   `json:"success_criteria"`
	Status          string   `json:"status"`
	Notes           []string `json:"notes,omitempty"`
	ExpectedState   string   `json:"expected_state,omitempty"`
	RecoverySteps   []string `json:"recovery_steps,omitempty"`
	SubSteps        []string `json:"sub_steps,omitempty"`
}

// Adapter drives the planner LLM role.
type Adapter struct {
	client *llmclient.Client
	model  string
}

// New builds an Adapter over a shared llmclient.Client.
func New(client *llmclient.Client, model string) *Adapter {
	return &Adapter{client: client, model: model}
}

// CreatePlanRequest carries the planner's grounding context (spec §4.7).
type CreatePlanRequest struct {
	UserPrompt    string
	RecentEpisodes []memory.Episode
	SemanticItems  []memory.SemanticMemoryItem
	ScreenshotB64  string
}

// CreatePlan produces a fresh 3-7 step Plan.
func (a *Adapter) CreatePlan(ctx context.Context, planID string, req CreatePlanRequest) (*plan.Plan, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "User task: %s\n\n", req.UserPrompt)
	if len(req.RecentEpisodes) > 0 {
		b.WriteString("Recent episodes:\n")
		for _, ep := range req.RecentEpisodes {
			fmt.Fprintf(&b, "  - (%s) %s: %s\n", ep.Outcome, ep.UserPrompt, ep.Summary)
		}
	}
	if len(req.SemanticItems) > 0 {
		b.WriteString("Related semantic memory:\n")
		for _, it := range req.SemanticItems {
			fmt.Fprintf(&b, "  - %s\n", it.Text)
		}
	}

	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
	if req.ScreenshotB64 != "" {
		messages = append(messages, llmclient.Message{Role: "user", Content: "data:image/png;base64," + req.ScreenshotB64})
	}

	steps, err := a.requestSteps(ctx, messages)
	if err != nil {
		return nil, err
	}
	if len(steps) < minSteps || len(steps) > maxSteps {
		return nil, fmt.Errorf("planner returned %d steps, want %d-%d", len(steps), minSteps, maxSteps)
	}
	return plan.New(planID, req.UserPrompt, steps)
}

// RevisePlan asks the planner to revise an in-progress plan given recent
// history and the current screenshot (spec §4.9 step 1).
func (a *Adapter) RevisePlan(ctx context.Context, current *plan.Plan, last40History []string, screenshotB64 string) (*plan.Plan, error) {
	payload, err := json.Marshal(current.Steps)
	if err != nil {
		return nil, fmt.Errorf("marshal current plan: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Current plan:\n%s\n\nRecent history:\n", payload)
	for _, line := range last40History {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	messages := []llmclient.Message{
		{Role: "system", Content: reviseSystemPrompt},
		{Role: "user", Content: b.String()},
	}
	if screenshotB64 != "" {
		messages = append(messages, llmclient.Message{Role: "user", Content: "data:image/png;base64," + screenshotB64})
	}

	steps, err := a.requestSteps(ctx, messages)
	if err != nil {
		return nil, err
	}
	revised := &plan.Plan{ID: current.ID, UserPrompt: current.UserPrompt, Steps: steps, CreatedAt: current.CreatedAt}
	if err := revised.Normalize(); err != nil {
		return nil, fmt.Errorf("revised plan invalid: %w", err)
	}
	return revised, nil
}

// SummarizeHistoryChunk compresses a history window into one line (spec
// §4.7, §4.9 step 2: triggered once |history| > 60).
func (a *Adapter) SummarizeHistoryChunk(ctx context.Context, chunk []string) (string, error) {
	resp, err := a.client.Chat(ctx, llmclient.ChatRequest{
		Model: a.model,
		Messages: []llmclient.Message{
			{Role: "system", Content: summarizeSystemPrompt},
			{Role: "user", Content: strings.Join(chunk, "\n")},
		},
		Temperature: 0,
		MaxTokens:   120,
	})
	if err != nil {
		return "", fmt.Errorf("summarize history chunk: %w", err)
	}
	return strings.TrimSpace(resp.Content()), nil
}

func (a *Adapter) requestSteps(ctx context.Context, messages []llmclient.Message) ([]plan.Step, error) {
	resp, err := a.client.Chat(ctx, llmclient.ChatRequest{Model: a.model, Messages: messages, Temperature: 0.3, MaxTokens: 2048})
	if err != nil {
		return nil, fmt.Errorf("planner request: %w", err)
	}

	raw := extractJSON(resp.Content())
	var wire []stepWire
	if err := json.Unmarshal([]byte(raw), &wire); err != nil {
		return nil, fmt.Errorf("parse planner response: %w", err)
	}

	steps := make([]plan.Step, len(wire))
	for i, w := range wire {
		steps[i] = plan.Step{
			ID:              w.ID,
			Description:     w.Description,
			SuccessCriteria: w.SuccessCriteria,
			Status:          plan.Status(w.Status),
			Notes:           w.Notes,
			ExpectedState:   w.ExpectedState,
			RecoverySteps:   w.RecoverySteps,
			SubSteps:        w.SubSteps,
		}
	}
	return steps, nil
}

// extractJSON strips a surrounding code fence or prose the model may add
// despite instructions, isolating the outermost JSON array.
func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start == -1 || end == -1 || end < start {
		return content
	}
	return content[start : end+1]
}
