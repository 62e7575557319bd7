package orchestrator

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/changedetect"
	"github.com/cua-agent/cua-agent/internal/executoradapter"
	"github.com/cua-agent/cua-agent/internal/llmclient"
	"github.com/cua-agent/cua-agent/internal/memory"
	"github.com/cua-agent/cua-agent/internal/overlay"
	"github.com/cua-agent/cua-agent/internal/plan"
	"github.com/cua-agent/cua-agent/internal/reflectoradapter"
	"github.com/cua-agent/cua-agent/internal/router"
	"github.com/cua-agent/cua-agent/internal/skill"
	"github.com/cua-agent/cua-agent/internal/state"
)

// iterate runs one pass of the per-task engine (spec §4.9) and reports
// whether the task loop should stop.
func (o *Orchestrator) iterate(ctx context.Context, ts *taskState) bool {
	// Step 1: replan guard — a step the reflector just failed gets one
	// chance at a revised plan before the executor tries again blind.
	if ts.lastStepFailed && ts.replanBudget > 0 {
		if o.tryReplan(ctx, ts) {
			ts.replanBudget--
		}
		ts.lastStepFailed = false
	}

	// Step 2: context compression once the flat history grows past 60
	// entries, collapsing the oldest 20 into one summary line.
	if hist := ts.tracker.History(); len(hist) > 60 {
		chunk := hist
		if len(chunk) > 20 {
			chunk = chunk[:20]
		}
		if summary, err := o.planner.SummarizeHistoryChunk(ctx, chunk); err == nil && strings.TrimSpace(summary) != "" {
			ts.tracker.CompressHistory(len(chunk), summary)
		}
	}

	// Step 3: semantic grounding — fetch, prune, and flatten the
	// accessibility tree into an overlay manifest for this turn.
	var groundedTree *overlay.Node
	var summaryLines []string
	var manifest overlay.Manifest
	if res, err := o.computer.GetActiveWindowTree(ctx, 4); err == nil {
		if node, ok := treeFromResult(res); ok {
			pruned := overlay.Prune(node, 120, 4)
			groundedTree = &pruned
			summaryLines = treeSummary(pruned)
			manifest = overlay.NewManifest(pruned, 40)
		}
	}
	o.router.SetManifest(manifest)
	ambient := ambientContextFrom(groundedTree, "", ts.lastBrowserDomain)
	o.router.SetAmbientContext(ambient)

	// Step 4: propose the next action.
	step := ts.plan.CurrentStep()
	req := executoradapter.Request{
		UserPrompt:    ts.plan.UserPrompt,
		CurrentStep:   step,
		UpcomingSteps: ts.plan.UpcomingSteps(3),
		LoopState: executoradapter.LoopState{
			StepID:              stepID(step),
			StepStatus:          stepStatus(step),
			FailureCount:        int64(ts.tracker.FailureCount()),
			RepeatSameAction:    ts.repeatSameAction,
			RepeatWithoutChange: ts.repeatWithoutChange,
			Notebook:            notebookStrings(ts.tracker.Notes()),
		},
		TreeSummary:   summaryLines,
		TagManifest:   manifest.Describe(),
		ScreenshotB64: ts.prevCapture.ImageBase64,
		Hint:          ts.pendingHint,
	}
	ts.pendingHint = ""
	proposed, err := o.executor.Propose(ctx, req)
	if err != nil {
		proposed = action.Noop("executor request failed: " + err.Error())
	}

	// A noop is the executor's signal that there is nothing left to do
	// right now; the orchestrator treats it as the task's stop condition
	// rather than routing it through the adapter.
	if proposed.Type == action.TypeNoop {
		ts.tracker.AppendHistory("noop: " + proposed.Reason)
		return true
	}

	// Step 6: notebook_op is a pure side channel — it never reaches the
	// Computer Adapter and never touches dedup/repeat/change accounting.
	if proposed.Type == action.TypeNotebookOp {
		res, _ := o.router.Dispatch(ctx, proposed)
		ts.tracker.AppendHistory(fmt.Sprintf("notebook_op=%s success=%t", proposed.NotebookOp, res.Success))
		return false
	}

	// Step 7: hotkey/open_app dedup guards.
	skip := false
	var result action.Result
	switch {
	case proposed.Type == action.TypeKey && proposed.HotkeyCombo() != "":
		combo := proposed.HotkeyCombo()
		ts.hotkeyCounts[combo]++
		if ts.hotkeyCounts[combo] > o.settings.HotkeyDedupThreshold {
			result = action.Fail(action.ReasonDeduped, nil)
			skip = true
		}
	case proposed.Type == action.TypeOpenApp:
		name := strings.ToLower(strings.TrimSpace(proposed.AppName))
		if ts.openAppSeen[name] {
			result = action.Fail(action.ReasonDeduped, nil)
			skip = true
		} else {
			ts.openAppSeen[name] = true
		}
	}

	// Step 5/8: resolve element_id and execute via the Router.
	if !skip {
		var dispatchErr error
		result, dispatchErr = o.router.Dispatch(ctx, proposed)
		if dispatchErr != nil {
			if dispatchErr == router.ErrUnresolvedMark {
				ts.tracker.AppendHistory("unresolved element_id; requesting fresh inspect_ui")
				ts.pendingHint = "that element_id is no longer valid; call inspect_ui again before acting"
				return false
			}
			if ctx.Err() != nil {
				return true
			}
			result = action.Fail(dispatchErr.Error(), nil)
		}
	}
	ts.tracker.RecordAction(proposed, result)
	if proposed.Type == action.TypeBrowserOp {
		ts.tracker.RecordBrowserResult(proposed.BrowserOp, result)
		if proposed.BrowserOp == action.BrowserNavigate && result.Success {
			ts.lastBrowserDomain = domainOf(proposed.URL)
		}
	}

	// Step 9: settle delay before re-perceiving, only for dispatched
	// actions that asked to be verified.
	if !skip && proposed.VerifyAfter {
		delay := o.settings.VerifyDelay()
		if o.settings.SettleDelay() > delay {
			delay = o.settings.SettleDelay()
		}
		if proposed.IsSpotlightCombo() {
			delay += o.settings.SpotlightExtraDelay()
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(delay):
		}
	}

	// Steps 10-11: re-perceive and run the Change Detector, or assume
	// change optimistically when verification was skipped.
	var changeResult changedetect.Result
	curCapture := ts.prevCapture
	if !skip && proposed.VerifyAfter {
		if cap, err := o.computer.CaptureWithHash(ctx); err == nil {
			curCapture = cap
		}
		var curTree *overlay.Node
		if res, err := o.computer.GetActiveWindowTree(ctx, 4); err == nil {
			if node, ok := treeFromResult(res); ok {
				pruned := overlay.Prune(node, 120, 4)
				curTree = &pruned
			}
		}
		ssim, _ := o.computer.StructuralSimilarity(ctx, ts.prevCapture.ImageBase64, curCapture.ImageBase64)
		changeResult = changedetect.Detect(changedetect.Input{
			PrevAXTree:   ts.prevAXTree,
			CurAXTree:    curTree,
			SSIM:         ssim,
			PHashHamming: hammingHex(ts.prevCapture.PerceptualHash, curCapture.PerceptualHash),
		}, o.changeThresholds())
		ts.prevAXTree = curTree

		ts.seq++
		ts.tracker.RecordObservation(action.Observation{
			ImageRef:         saveObservationImage(ts.imagesDir, ts.seq, curCapture.ImageBase64),
			Timestamp:        time.Now(),
			ChangedSinceLast: changeResult.Changed,
			PHash:            curCapture.PerceptualHash,
			HashDistance:     hammingHex(ts.prevCapture.PerceptualHash, curCapture.PerceptualHash),
		})
	} else if !skip {
		changeResult = changedetect.Optimistic()
	}
	ts.prevCapture = curCapture

	// Step 11 (cont.): visual-stagnation streak, tracked only for
	// actions that are expected to move the UI.
	if !skip && isInteractive(proposed.Type) {
		if changeResult.Changed {
			ts.lowChangeStreak = 0
		} else {
			ts.lowChangeStreak++
		}
	}

	// Step 7 (cont.): any visible change clears the hotkey/open_app dedup
	// ledgers, not just step completion (spec §4.9 step 7, §8 property 3).
	if changeResult.Changed {
		ts.hotkeyCounts = map[string]int{}
		ts.openAppSeen = map[string]bool{}
	}

	// Step 12: oscillatory-cycle detection over the signature history.
	sig := proposed.Signature()
	ts.sigHistory = append(ts.sigHistory, sig)
	if len(ts.sigHistory) > 12 {
		ts.sigHistory = ts.sigHistory[len(ts.sigHistory)-12:]
	}
	cyclic := detectCycle(ts.sigHistory)

	// Step 13: reflector step evaluation and plan advance/fail.
	if o.reflector != nil && !skip && step != nil {
		recent := sortedHistoryTail(ts.tracker.History(), 20)
		eval := o.reflector.EvaluateStep(ctx, step, recent, curCapture.ImageBase64)
		switch {
		case eval.Status == reflectoradapter.StatusFailed:
			_ = ts.plan.FailCurrent(eval.Reason)
			ts.lastStepFailed = true
			ts.tracker.RecordStuckReason(string(eval.FailureType))
		case eval.IsComplete:
			o.seedSemanticMemory(ctx, ts, step, curCapture.ImageBase64)
			_ = ts.plan.Advance()
			ts.lowChangeStreak = 0
			ts.repeatSameAction = 0
			ts.repeatWithoutChange = 0
			ts.sigHistory = nil
		}
	}

	if ts.plan.IsComplete() {
		return true
	}

	// Step 14: repeat-action / repeat-without-change accounting.
	if ts.lastSignature == sig {
		ts.repeatSameAction++
		if !changeResult.Changed {
			ts.repeatWithoutChange++
		} else {
			ts.repeatWithoutChange = 0
		}
	} else {
		ts.repeatSameAction = 0
		ts.repeatWithoutChange = 0
	}
	ts.lastSignature = sig

	// Step 15: nudge the executor away from blind global shortcuts.
	if proposed.IsGlobalShortcut() && !changeResult.Changed {
		ts.pendingHint = "try clicking a visible UI element instead of a global shortcut"
	}

	// Step 16: stuck-recovery.
	stuckReason := ""
	switch {
	case ts.lowChangeStreak >= o.settings.LowChangeStreakThreshold:
		stuckReason = "visual_stagnation"
	case cyclic:
		stuckReason = "oscillatory_loop"
	case ts.repeatSameAction >= o.settings.RepeatSameActionThreshold:
		stuckReason = "repeat_same_action"
	case ts.repeatWithoutChange >= o.settings.RepeatWithoutChangeThreshold:
		stuckReason = "repeat_without_change"
	}
	if stuckReason != "" {
		ts.tracker.RecordStuckReason(stuckReason)
		if !o.attemptRecovery(ctx, ts, step) {
			ts.haltReason = state.HaltReason("stuck:" + stuckReason)
			return true
		}
		ts.lowChangeStreak = 0
		ts.repeatSameAction = 0
		ts.repeatWithoutChange = 0
		ts.sigHistory = nil
	}

	// Step 17: mine a skill from a macro that visibly made progress.
	if !skip && result.Success && proposed.Type == action.TypeMacroActions && changeResult.Changed {
		o.mineSkill(ts, proposed, step)
	}

	return false
}

// attemptRecovery spends the hint and replan budgets in order, reporting
// whether either produced a change the next iteration can act on (spec
// §4.9 step 16).
func (o *Orchestrator) attemptRecovery(ctx context.Context, ts *taskState, step *plan.Step) bool {
	progressed := false
	if ts.hintBudget > 0 && o.reflector != nil {
		recent := sortedHistoryTail(ts.tracker.History(), 20)
		if hint, err := o.reflector.SuggestHint(ctx, step, recent); err == nil && strings.TrimSpace(hint) != "" {
			ts.pendingHint = hint
			ts.hintBudget--
			progressed = true
		}
	}
	if ts.replanBudget > 0 {
		if o.tryReplan(ctx, ts) {
			ts.replanBudget--
			progressed = true
		}
	}
	return progressed
}

func (o *Orchestrator) tryReplan(ctx context.Context, ts *taskState) bool {
	last40 := sortedHistoryTail(ts.tracker.History(), 40)
	revised, err := o.planner.RevisePlan(ctx, ts.plan, last40, ts.prevCapture.ImageBase64)
	if err != nil || revised == nil {
		return false
	}
	ts.plan = revised
	ts.tracker.AppendHistory("plan revised")
	return true
}

// seedSemanticMemory describes the frame at step completion and persists
// it as a semantic memory item, embedding and upserting it into the
// local vector cache when embeddings are enabled (spec §4.9 step 13).
func (o *Orchestrator) seedSemanticMemory(ctx context.Context, ts *taskState, step *plan.Step, screenshotB64 string) {
	if o.reflector == nil || o.semantic == nil {
		return
	}
	desc, err := o.reflector.DescribeImage(ctx, screenshotB64)
	if err != nil || strings.TrimSpace(desc) == "" {
		return
	}
	saved, err := o.semantic.Save(memory.SemanticMemoryItem{
		Text:     desc,
		Metadata: map[string]any{"step_id": step.ID, "episode_id": ts.episodeID},
	})
	if err != nil || o.embedder == nil || o.vectors == nil {
		return
	}
	resp, err := o.embedder.Embed(ctx, llmclient.EmbeddingRequest{Input: []string{desc}})
	if err != nil || len(resp.Data) == 0 {
		return
	}
	_ = o.vectors.Upsert(ctx, saved.ID, desc, resp.Data[0].Embedding)
}

// mineSkill persists a successful, visibly-effective macro as a reusable
// ProceduralSkill (spec §4.9 step 17, §3 skill-mining condition).
func (o *Orchestrator) mineSkill(ts *taskState, a action.Action, step *plan.Step) {
	if o.skills == nil {
		return
	}
	sk := skill.ProceduralSkill{
		Name:         fmt.Sprintf("macro_%d_actions", len(a.Actions)),
		Description:  "macro mined from a successful, visibly effective run",
		Actions:      a.Actions,
		SourcePrompt: ts.plan.UserPrompt,
	}
	if step != nil {
		sk.PlanStepID = step.ID
		sk.Tags = []string{fmt.Sprintf("step:%d", step.ID)}
	}
	_, _ = o.skills.Save(sk)
}

func stepID(s *plan.Step) int {
	if s == nil {
		return 0
	}
	return s.ID
}

func stepStatus(s *plan.Step) plan.Status {
	if s == nil {
		return plan.StatusDone
	}
	return s.Status
}

func notebookStrings(notes []action.Note) []string {
	out := make([]string, len(notes))
	for i, n := range notes {
		out[i] = n.Content
	}
	return out
}

// isInteractive reports whether an action type is expected to move the
// UI, and so should count toward the visual-stagnation streak (spec
// §4.9 step 11).
func isInteractive(t action.Type) bool {
	switch t {
	case action.TypeWait, action.TypeNotebookOp, action.TypeNoop, action.TypeInspectUI, action.TypeProbeUI:
		return false
	default:
		return true
	}
}

// detectCycle reports whether the most recent k signatures exactly
// repeat the k before them, for k in [2,5] (spec §4.9 step 12:
// "oscillatory_loop").
func detectCycle(sig []string) bool {
	for k := 2; k <= 5; k++ {
		if len(sig) < 2*k {
			continue
		}
		a := sig[len(sig)-k:]
		b := sig[len(sig)-2*k : len(sig)-k]
		equal := true
		for i := range a {
			if a[i] != b[i] {
				equal = false
				break
			}
		}
		if equal {
			return true
		}
	}
	return false
}

// hammingHex returns the bitwise Hamming distance between two
// hex-encoded perceptual hashes. Mismatched or undecodable inputs fall
// back to equality comparison so the pixel-histogram stage still has a
// sane signal to work with.
func hammingHex(a, b string) int {
	da, erra := hex.DecodeString(a)
	db, errb := hex.DecodeString(b)
	if erra != nil || errb != nil || len(da) != len(db) {
		if a == b {
			return 0
		}
		return 64
	}
	dist := 0
	for i := range da {
		x := da[i] ^ db[i]
		for x != 0 {
			dist += int(x & 1)
			x >>= 1
		}
	}
	return dist
}

// changeThresholds builds the Change Detector's thresholds from the
// configured settings (SSIM_CHANGE_THRESHOLD, phash threshold), rather
// than the package defaults, so those env vars actually take effect
// (spec §4.1, §6).
func (o *Orchestrator) changeThresholds() changedetect.Thresholds {
	t := changedetect.DefaultThresholds()
	if o.settings.SSIMChangeThreshold > 0 {
		t.SSIM = o.settings.SSIMChangeThreshold
	}
	if o.settings.PHashThreshold > 0 {
		t.PHash = o.settings.PHashThreshold
	}
	return t
}

// domainOf extracts the host component of a URL for the Policy Engine's
// sensitive-domain rule, without pulling in net/url's full surface for a
// single field.
func domainOf(rawURL string) string {
	s := rawURL
	if i := strings.Index(s, "://"); i >= 0 {
		s = s[i+3:]
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.Index(s, "@"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, ":"); i >= 0 {
		s = s[:i]
	}
	return s
}
