// Package executoradapter builds the per-iteration LLM request that
// proposes the next Action and parses its response back into the
// tagged union (spec §4.6), grounded on the teacher's single-tool-call
// request/parse shape for OpenAI-compatible chat completions
// (itsneelabh-gomind/ai/providers/openai).
package executoradapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/llmclient"
	"github.com/cua-agent/cua-agent/internal/plan"
)

// LoopState is the loop-state summary the executor needs each turn
// (spec §4.6: "current step id/status, failure count, repeat counters,
// notebook contents").
type LoopState struct {
	StepID               int
	StepStatus           plan.Status
	FailureCount         int64
	RepeatSameAction      int
	RepeatWithoutChange   int
	Notebook              []string
}

// Request is everything the executor needs to propose one Action.
type Request struct {
	UserPrompt    string
	CurrentStep   *plan.Step
	UpcomingSteps []plan.Step
	LoopState     LoopState
	TreeSummary   []string
	TagManifest   []string
	ScreenshotB64 string
	Hint          string
}

// Adapter proposes actions via an OpenAI-compatible chat-completions
// endpoint with four tools: computer, shell, notebook, browser.
type Adapter struct {
	client *llmclient.Client
	model  string
}

// New builds an Adapter over a shared llmclient.Client.
func New(client *llmclient.Client, model string) *Adapter {
	return &Adapter{client: client, model: model}
}

const systemPrompt = `You control a desktop computer to accomplish a user's task, one action at a time.
You see a screenshot with numbered overlay tags and an accessibility-tree summary. Refer to elements
either by (x, y) pixel coordinates or by element_id from the tag manifest. Never fabricate an
element_id that is not in the manifest. Prefer the tool call that makes the most visible progress on
the current plan step; if the step already looks complete, it is fine to emit no tool call. Destructive
or irreversible actions (disk erasure, formatting, running untrusted scripts) will be intercepted by a
safety layer regardless of what you request, so do not avoid them out of caution alone.`

// Propose sends one chat-completions request and parses the first tool
// call into a normalized Action. A response with no tool call yields
// Noop, which the orchestrator treats as a stop signal (spec §4.6).
func (a *Adapter) Propose(ctx context.Context, req Request) (action.Action, error) {
	resp, err := a.client.Chat(ctx, llmclient.ChatRequest{
		Model:       a.model,
		Messages:    buildMessages(req),
		Tools:       tools(),
		Temperature: 0.2,
		MaxTokens:   1024,
	})
	if err != nil {
		return action.Action{}, fmt.Errorf("executor request: %w", err)
	}

	call, ok := resp.FirstToolCall()
	if !ok {
		return action.Noop("executor returned no tool call"), nil
	}
	return parseToolCall(call)
}

func buildMessages(req Request) []llmclient.Message {
	var b strings.Builder
	b.WriteString("User task: ")
	b.WriteString(req.UserPrompt)
	b.WriteString("\n\n")

	if req.CurrentStep != nil {
		fmt.Fprintf(&b, "Current step [%d] (%s): %s\nSuccess criteria: %s\n",
			req.CurrentStep.ID, req.CurrentStep.Status, req.CurrentStep.Description, req.CurrentStep.SuccessCriteria)
		if len(req.CurrentStep.RecoverySteps) > 0 {
			fmt.Fprintf(&b, "Recovery hints: %s\n", strings.Join(req.CurrentStep.RecoverySteps, "; "))
		}
	} else {
		b.WriteString("No step is currently in progress.\n")
	}
	if len(req.UpcomingSteps) > 0 {
		b.WriteString("Upcoming steps:\n")
		for _, s := range req.UpcomingSteps {
			fmt.Fprintf(&b, "  [%d] %s\n", s.ID, s.Description)
		}
	}

	fmt.Fprintf(&b, "\nLoop state: failure_count=%d repeat_same_action=%d repeat_without_change=%d\n",
		req.LoopState.FailureCount, req.LoopState.RepeatSameAction, req.LoopState.RepeatWithoutChange)
	if len(req.LoopState.Notebook) > 0 {
		b.WriteString("Notebook:\n")
		for _, n := range req.LoopState.Notebook {
			fmt.Fprintf(&b, "  - %s\n", n)
		}
	}

	if len(req.TreeSummary) > 0 {
		b.WriteString("\nAccessibility tree (pruned):\n")
		b.WriteString(strings.Join(req.TreeSummary, "\n"))
		b.WriteString("\n")
	}
	if len(req.TagManifest) > 0 {
		b.WriteString("\nOverlay tag manifest:\n")
		b.WriteString(strings.Join(req.TagManifest, "\n"))
		b.WriteString("\n")
	}
	if req.Hint != "" {
		fmt.Fprintf(&b, "\nHint: %s\n", req.Hint)
	}

	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: b.String()},
	}
	if req.ScreenshotB64 != "" {
		messages = append(messages, llmclient.Message{
			Role:    "user",
			Content: "data:image/png;base64," + req.ScreenshotB64,
		})
	}
	return messages
}

func tools() []llmclient.Tool {
	return []llmclient.Tool{
		{Type: "function", Function: llmclient.ToolFunction{
			Name:        "computer",
			Description: "Perform a pointer, keyboard, clipboard, app-launch, inspection, skill-replay, or wait action on the desktop.",
			Parameters:  computerSchema,
		}},
		{Type: "function", Function: llmclient.ToolFunction{
			Name:        "shell",
			Description: "Run a shell command inside the sandboxed workspace root.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{"command": map[string]any{"type": "string"}},
				"required":   []string{"command"},
			},
		}},
		{Type: "function", Function: llmclient.ToolFunction{
			Name:        "notebook",
			Description: "Add or clear a note in the agent's scratch notebook.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"notebook_op": map[string]any{"type": "string", "enum": []string{"add_note", "clear_notes"}},
					"content":     map[string]any{"type": "string"},
				},
				"required": []string{"notebook_op"},
			},
		}},
		{Type: "function", Function: llmclient.ToolFunction{
			Name:        "browser",
			Description: "Drive the browser: navigate, read content/links/DOM, fill a form, click an element, run JavaScript, or traverse history.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"browser_op": map[string]any{"type": "string"},
					"url":        map[string]any{"type": "string"},
					"javascript": map[string]any{"type": "string"},
					"element_id": map[string]any{"type": "integer"},
				},
				"required": []string{"browser_op"},
			},
		}},
	}
}

var computerSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"type":        map[string]any{"type": "string"},
		"x":           map[string]any{"type": "integer"},
		"y":           map[string]any{"type": "integer"},
		"target_x":    map[string]any{"type": "integer"},
		"target_y":    map[string]any{"type": "integer"},
		"element_id":  map[string]any{"type": "integer"},
		"radius":      map[string]any{"type": "integer"},
		"axis":        map[string]any{"type": "string"},
		"amount":      map[string]any{"type": "integer"},
		"text":        map[string]any{"type": "string"},
		"keys":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"app_name":    map[string]any{"type": "string"},
		"clipboard_mode": map[string]any{"type": "string"},
		"skill_id":    map[string]any{"type": "string"},
		"skill_name":  map[string]any{"type": "string"},
		"seconds":     map[string]any{"type": "number"},
		"phantom_mode": map[string]any{"type": "boolean"},
		"verify_after": map[string]any{"type": "boolean"},
		"actions":     map[string]any{"type": "array"},
	},
	"required": []string{"type"},
}

// parseToolCall maps a tool call's arguments onto the normalized Action
// union by tool name, then validates it.
func parseToolCall(call llmclient.ToolCall) (action.Action, error) {
	var a action.Action
	switch call.Function.Name {
	case "computer":
		if err := json.Unmarshal([]byte(call.Function.Arguments), &a); err != nil {
			return action.Action{}, fmt.Errorf("parse computer tool args: %w", err)
		}
		if a.Type == "" {
			return action.Action{}, fmt.Errorf("computer tool call missing type")
		}
		if len(a.Actions) > 0 {
			a.Type = action.TypeMacroActions
		}
	case "shell":
		var args struct {
			Command string `json:"command"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return action.Action{}, fmt.Errorf("parse shell tool args: %w", err)
		}
		a = action.Action{Type: action.TypeSandboxShell, Command: args.Command}
	case "notebook":
		var args struct {
			NotebookOp action.NotebookOp `json:"notebook_op"`
			Content    string            `json:"content"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return action.Action{}, fmt.Errorf("parse notebook tool args: %w", err)
		}
		a = action.Action{Type: action.TypeNotebookOp, NotebookOp: args.NotebookOp, Content: args.Content}
	case "browser":
		var args struct {
			BrowserOp  action.BrowserOp  `json:"browser_op"`
			URL        string            `json:"url"`
			JavaScript string            `json:"javascript"`
			ElementID  int               `json:"element_id"`
			FormFields []action.FormField `json:"form_fields"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return action.Action{}, fmt.Errorf("parse browser tool args: %w", err)
		}
		a = action.Action{
			Type: action.TypeBrowserOp, BrowserOp: args.BrowserOp, URL: args.URL,
			JavaScript: args.JavaScript, ElementID: args.ElementID, FormFields: args.FormFields,
		}
	default:
		return action.Action{}, fmt.Errorf("unrecognized tool call %q", call.Function.Name)
	}

	if err := a.Validate(); err != nil {
		return action.Action{}, fmt.Errorf("proposed action invalid: %w", err)
	}
	return a, nil
}
