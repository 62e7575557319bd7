// Package router implements the Action Router (spec §4.3): it enriches a
// proposed action with ambient context, consults the Policy Engine,
// resolves element_id marks against the most recent overlay manifest,
// and dispatches by execution channel to the Computer Adapter.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/computer"
	"github.com/cua-agent/cua-agent/internal/overlay"
	"github.com/cua-agent/cua-agent/internal/policy"
	"github.com/cua-agent/cua-agent/internal/redact"
	"github.com/cua-agent/cua-agent/internal/skill"
)

// SkillLookup resolves a run_skill reference to its stored action list and
// records usage (spec §4.3 "run_skill").
type SkillLookup interface {
	Resolve(idOrName string) (skill.ProceduralSkill, bool)
	RecordUsage(fingerprint string)
}

// Router dispatches actions by execution channel.
type Router struct {
	adapter computer.Adapter
	policy  *policy.Engine
	skills  SkillLookup

	manifest    overlay.Manifest
	ambient     policy.AmbientContext
	cyborgMode  bool
	notebookAdd func(content, source string)
	notebookClr func()
}

// New builds a Router over a Computer Adapter, Policy Engine, and skill
// lookup. cyborgMode enables the DevTools-unavailable HID fallback for
// browser_op (spec §4.3).
func New(adapter computer.Adapter, eng *policy.Engine, skills SkillLookup, cyborgMode bool) *Router {
	return &Router{adapter: adapter, policy: eng, skills: skills, cyborgMode: cyborgMode}
}

// SetManifest installs the overlay manifest the current iteration
// produced, used to resolve element_id references.
func (r *Router) SetManifest(m overlay.Manifest) { r.manifest = m }

// SetAmbientContext installs the foreground app/window/browser-domain
// context the Policy Engine's spatial and bundle-id rules need.
func (r *Router) SetAmbientContext(ctx policy.AmbientContext) { r.ambient = ctx }

// SetNotebookHandlers wires the notebook_op side channel into the State
// Tracker (spec §4.9 step 6: notebook_op mutates state without routing
// through the adapter).
func (r *Router) SetNotebookHandlers(add func(content, source string), clear func()) {
	r.notebookAdd = add
	r.notebookClr = clear
}

// ErrUnresolvedMark is returned when an element_id cannot be resolved
// against the current manifest (spec §4.9 step 5).
var ErrUnresolvedMark = fmt.Errorf("element_id does not resolve against the current overlay manifest; request a fresh inspect_ui")

// Dispatch enriches, policy-checks, resolves, and executes one action.
// side-channel ops are a true `continue`: the caller should NOT advance
// dedup/repeat counters on such a dispatch.
func (r *Router) Dispatch(ctx context.Context, a action.Action) (action.Result, error) {
	if err := a.Validate(); err != nil {
		return action.Fail(err.Error(), nil), nil
	}

	if resolved, ok, err := r.resolveElementID(a); err != nil {
		return action.Result{}, err
	} else if ok {
		a = resolved
	}

	if a.Type == action.TypeNotebookOp {
		return r.dispatchNotebook(a), nil
	}

	decision := r.policy.Evaluate(a, r.ambient)
	switch decision.Verdict {
	case policy.Deny:
		return action.Fail(decision.Reason, nil), nil
	case policy.AllowHITL:
		return action.Fail(action.ReasonHumanRequired, map[string]any{"policy_reason": decision.Reason}), nil
	}

	return r.dispatch(ctx, a)
}

func (r *Router) dispatchNotebook(a action.Action) action.Result {
	switch a.NotebookOp {
	case action.NotebookAdd:
		if r.notebookAdd != nil {
			r.notebookAdd(a.Content, "agent")
		}
		return action.Ok("note added", nil)
	case action.NotebookClear:
		if r.notebookClr != nil {
			r.notebookClr()
		}
		return action.Ok("notes cleared", nil)
	default:
		return action.Fail(fmt.Sprintf("unknown notebook_op %q", a.NotebookOp), nil)
	}
}

// resolveElementID replaces an element_id reference with the center of
// its overlay tag's frame. It only fires for variants whose element_id is
// set and whose (x,y) is unset.
func (r *Router) resolveElementID(a action.Action) (action.Action, bool, error) {
	if a.ElementID == 0 || a.X != 0 || a.Y != 0 {
		return a, false, nil
	}
	x, y, ok := r.manifest.Resolve(a.ElementID)
	if !ok {
		return a, false, ErrUnresolvedMark
	}
	a.X, a.Y = x, y
	return a, true, nil
}

func (r *Router) dispatch(ctx context.Context, a action.Action) (action.Result, error) {
	switch a.Type {
	case action.TypeNoop, action.TypeCaptureOnly:
		return action.Ok("", nil), nil

	case action.TypeWait:
		select {
		case <-ctx.Done():
			return action.Result{}, ctx.Err()
		case <-time.After(time.Duration(a.Seconds * float64(time.Second))):
		}
		return action.Ok("", nil), nil

	case action.TypeInspectUI:
		return r.adapter.GetActiveWindowTree(ctx, 4)

	case action.TypeProbeUI:
		return r.adapter.ProbeElement(ctx, a.X, a.Y, a.Radius)

	case action.TypeClipboardOp:
		result, err := r.adapter.Execute(ctx, a)
		if err != nil || a.ClipboardMode != action.ClipboardRead {
			return result, err
		}
		return redactClipboardResult(result), nil

	case action.TypeMacroActions:
		return r.dispatchMacro(ctx, a)

	case action.TypeBrowserOp:
		return r.dispatchBrowser(ctx, a)

	case action.TypeRunSkill:
		return r.dispatchRunSkill(ctx, a)

	case action.TypeMouseMove, action.TypeLeftClick, action.TypeRightClick, action.TypeDoubleClick,
		action.TypeDragAndDrop, action.TypeSelectArea, action.TypeHover, action.TypeScroll,
		action.TypeType, action.TypeKey, action.TypeOpenApp, action.TypeSandboxShell:
		return r.adapter.Execute(ctx, a)

	default:
		return action.Fail(fmt.Sprintf("unrecognized action type %q", a.Type), nil), nil
	}
}

// dispatchMacro iterates sub-actions under the same router, aborting on
// the first failure (spec §4.3). Nested macros are already rejected by
// Action.Validate.
func (r *Router) dispatchMacro(ctx context.Context, a action.Action) (action.Result, error) {
	results := make([]map[string]any, 0, len(a.Actions))
	for i, sub := range a.Actions {
		res, err := r.Dispatch(ctx, sub)
		if err != nil {
			return action.Result{}, fmt.Errorf("macro_actions[%d]: %w", i, err)
		}
		results = append(results, map[string]any{"success": res.Success, "reason": res.Reason})
		if !res.Success {
			return action.Fail(fmt.Sprintf("macro_actions[%d] failed: %s", i, res.Reason), map[string]any{"results": results}), nil
		}
	}
	return action.Ok("macro_actions completed", map[string]any{"results": results}), nil
}

// dispatchBrowser routes to the browser driver via the adapter; on a
// DevTools-unavailable signal with Cyborg mode enabled, it synthesizes an
// equivalent HID macro and retries once (spec §4.3).
func (r *Router) dispatchBrowser(ctx context.Context, a action.Action) (action.Result, error) {
	result, err := r.adapter.Execute(ctx, a)
	if err != nil {
		return result, err
	}
	if result.Success || !r.cyborgMode || !strings.Contains(strings.ToLower(result.Reason), "devtools unavailable") {
		return result, nil
	}
	fallback, ok := synthesizeHIDMacro(a)
	if !ok {
		return result, nil
	}
	return r.dispatchMacro(ctx, fallback)
}

// synthesizeHIDMacro builds the Cyborg-mode HID equivalent of a
// navigate browser_op: ctrl+L, type the URL, press enter.
func synthesizeHIDMacro(a action.Action) (action.Action, bool) {
	if a.BrowserOp != action.BrowserNavigate || a.URL == "" {
		return action.Action{}, false
	}
	return action.Action{
		Type: action.TypeMacroActions,
		Actions: []action.Action{
			{Type: action.TypeKey, Keys: []string{"ctrl", "l"}},
			{Type: action.TypeType, Text: a.URL},
			{Type: action.TypeKey, Keys: []string{"enter"}},
		},
	}, true
}

// dispatchRunSkill looks up the skill by id or name, records usage, and
// re-enters the router as a synthetic macro_actions (spec §4.3).
func (r *Router) dispatchRunSkill(ctx context.Context, a action.Action) (action.Result, error) {
	ref := a.SkillID
	if ref == "" {
		ref = a.SkillName
	}
	if r.skills == nil {
		return action.Fail("skill store not configured", nil), nil
	}
	s, ok := r.skills.Resolve(ref)
	if !ok {
		return action.Fail(fmt.Sprintf("skill %q not found", ref), nil), nil
	}
	r.skills.RecordUsage(s.Fingerprint)
	macro := action.Action{Type: action.TypeMacroActions, Actions: s.Actions}
	return r.dispatchMacro(ctx, macro)
}

func redactClipboardResult(result action.Result) action.Result {
	content, _ := result.Metadata["clipboard"].(string)
	scan := redact.Scan(content)
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["clipboard"] = scan.Content
	if scan.Redacted {
		result.Metadata["redacted"] = true
		result.Metadata["redact_reason"] = scan.Reason
	}
	return result
}
