// Package reflectoradapter judges whether the current step has
// completed, suggests unblock hints, and describes a frame for semantic
// memory seeding (spec §4.8), parsing structured JSON out of chat
// content in the same style as the planner adapter.
package reflectoradapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cua-agent/cua-agent/internal/llmclient"
	"github.com/cua-agent/cua-agent/internal/plan"
)

// FailureType enumerates the reflector's failure classification.
type FailureType string

const (
	FailureNone           FailureType = ""
	FailureVisualMismatch FailureType = "visual_mismatch"
	FailureBlockedByPopup FailureType = "blocked_by_popup"
	FailureNoChange       FailureType = "no_change"
	FailureErrorMessage   FailureType = "error_message"
)

// Status enumerates the reflector's step verdict.
type Status string

const (
	StatusSuccess    Status = "success"
	StatusIncomplete Status = "incomplete"
	StatusFailed     Status = "failed"
)

// Evaluation is the reflector's judgment of the current step (spec §4.8).
type Evaluation struct {
	IsComplete  bool        `json:"is_complete"`
	Status      Status      `json:"status"`
	FailureType FailureType `json:"failure_type"`
	Reason      string      `json:"reason"`
}

// conservativeFallback is returned whenever the reflector's response
// cannot be parsed or the request fails: any uncertainty yields
// incomplete (spec §4.8 "conservative: any uncertainty yields incomplete").
var conservativeFallback = Evaluation{IsComplete: false, Status: StatusIncomplete, Reason: "reflector response unavailable"}

const evaluateSystemPrompt = `You judge whether the current step of a desktop-automation plan has been
completed, given the step, recent history, and the latest screenshot. Respond with ONLY a JSON object:
{"is_complete": bool, "status": "success"|"incomplete"|"failed", "failure_type":
"visual_mismatch"|"blocked_by_popup"|"no_change"|"error_message"|"", "reason": string}. If you are not
confident the step visibly completed, set is_complete=false and status="incomplete".`

const hintSystemPrompt = `Given the current step and recent history of a stuck desktop-automation agent,
suggest one concise hint (20 words or fewer) to unblock it. Respond with only the hint text.`

const describeSystemPrompt = `Describe the given screenshot in 1-2 sentences, focused on what state the
application or desktop is in. This description seeds long-term semantic memory, so name concrete UI
elements and their state rather than speaking generically.`

// Adapter drives the reflector LLM role.
type Adapter struct {
	client *llmclient.Client
	model  string
}

// New builds an Adapter over a shared llmclient.Client.
func New(client *llmclient.Client, model string) *Adapter {
	return &Adapter{client: client, model: model}
}

// EvaluateStep judges the current step against recent history and the
// latest frame. On any request or parse failure it returns the
// conservative incomplete fallback rather than an error, since the
// orchestrator must always have *some* verdict to act on.
func (a *Adapter) EvaluateStep(ctx context.Context, step *plan.Step, recentHistory []string, screenshotB64 string) Evaluation {
	var b strings.Builder
	if step != nil {
		fmt.Fprintf(&b, "Current step [%d]: %s\nSuccess criteria: %s\n\n", step.ID, step.Description, step.SuccessCriteria)
	}
	b.WriteString("Recent history:\n")
	for _, line := range recentHistory {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	messages := []llmclient.Message{
		{Role: "system", Content: evaluateSystemPrompt},
		{Role: "user", Content: b.String()},
	}
	if screenshotB64 != "" {
		messages = append(messages, llmclient.Message{Role: "user", Content: "data:image/png;base64," + screenshotB64})
	}

	resp, err := a.client.Chat(ctx, llmclient.ChatRequest{Model: a.model, Messages: messages, Temperature: 0, MaxTokens: 300})
	if err != nil {
		return conservativeFallback
	}

	var eval Evaluation
	if err := json.Unmarshal([]byte(extractJSON(resp.Content())), &eval); err != nil {
		return conservativeFallback
	}
	if eval.Status == "" {
		return conservativeFallback
	}
	return eval
}

// SuggestHint returns a short unblock hint (spec §4.8: "≤ 20 words").
func (a *Adapter) SuggestHint(ctx context.Context, step *plan.Step, recentHistory []string) (string, error) {
	var b strings.Builder
	if step != nil {
		fmt.Fprintf(&b, "Current step: %s\n\n", step.Description)
	}
	b.WriteString("Recent history:\n")
	for _, line := range recentHistory {
		b.WriteString("  ")
		b.WriteString(line)
		b.WriteString("\n")
	}

	resp, err := a.client.Chat(ctx, llmclient.ChatRequest{
		Model: a.model,
		Messages: []llmclient.Message{
			{Role: "system", Content: hintSystemPrompt},
			{Role: "user", Content: b.String()},
		},
		Temperature: 0.5,
		MaxTokens:   60,
	})
	if err != nil {
		return "", fmt.Errorf("suggest hint: %w", err)
	}
	return strings.TrimSpace(resp.Content()), nil
}

// DescribeImage produces a 1-2 sentence description of a frame, used to
// seed semantic memory on step completion (spec §4.8, §4.9 step 13).
func (a *Adapter) DescribeImage(ctx context.Context, screenshotB64 string) (string, error) {
	resp, err := a.client.Chat(ctx, llmclient.ChatRequest{
		Model: a.model,
		Messages: []llmclient.Message{
			{Role: "system", Content: describeSystemPrompt},
			{Role: "user", Content: "data:image/png;base64," + screenshotB64},
		},
		Temperature: 0.3,
		MaxTokens:   120,
	})
	if err != nil {
		return "", fmt.Errorf("describe image: %w", err)
	}
	return strings.TrimSpace(resp.Content()), nil
}

func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start == -1 || end == -1 || end < start {
		return content
	}
	return content[start : end+1]
}
