package orchestrator

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/computer"
	"github.com/cua-agent/cua-agent/internal/computer/fakecomputer"
	"github.com/cua-agent/cua-agent/internal/config"
	"github.com/cua-agent/cua-agent/internal/executoradapter"
	"github.com/cua-agent/cua-agent/internal/memory"
	"github.com/cua-agent/cua-agent/internal/plan"
	"github.com/cua-agent/cua-agent/internal/planneradapter"
	"github.com/cua-agent/cua-agent/internal/policy"
	"github.com/cua-agent/cua-agent/internal/reflectoradapter"
	"github.com/cua-agent/cua-agent/internal/skill"
)

// scriptedExecutor replays a fixed sequence of Actions, then falls back
// to Noop once exhausted so a forgotten assertion does not spin forever.
type scriptedExecutor struct {
	actions []action.Action
	calls   int
}

func (e *scriptedExecutor) Propose(ctx context.Context, req executoradapter.Request) (action.Action, error) {
	if e.calls >= len(e.actions) {
		return action.Noop("script exhausted"), nil
	}
	a := e.actions[e.calls]
	e.calls++
	return a, nil
}

// stubPlanner returns a fixed initial plan and counts revise calls.
type stubPlanner struct {
	initial *plan.Plan
	revised int
}

func (p *stubPlanner) CreatePlan(ctx context.Context, planID string, req planneradapter.CreatePlanRequest) (*plan.Plan, error) {
	return p.initial, nil
}

func (p *stubPlanner) RevisePlan(ctx context.Context, current *plan.Plan, last40History []string, screenshotB64 string) (*plan.Plan, error) {
	p.revised++
	return current, nil
}

func (p *stubPlanner) SummarizeHistoryChunk(ctx context.Context, chunk []string) (string, error) {
	return "summary of " + string(rune(len(chunk))), nil
}

// scriptedReflector replays a fixed sequence of Evaluations.
type scriptedReflector struct {
	evals []reflectoradapter.Evaluation
	calls int
}

func (r *scriptedReflector) EvaluateStep(ctx context.Context, step *plan.Step, recentHistory []string, screenshotB64 string) reflectoradapter.Evaluation {
	if r.calls >= len(r.evals) {
		return reflectoradapter.Evaluation{Status: reflectoradapter.StatusIncomplete}
	}
	e := r.evals[r.calls]
	r.calls++
	return e
}

func (r *scriptedReflector) SuggestHint(ctx context.Context, step *plan.Step, recentHistory []string) (string, error) {
	return "try a different element", nil
}

func (r *scriptedReflector) DescribeImage(ctx context.Context, screenshotB64 string) (string, error) {
	return "a window is open", nil
}

// testSettings returns Defaults with thresholds tightened so tests don't
// need dozens of iterations to exercise stuck/halt paths, rooted at a
// fresh temp memory directory.
func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s := config.Defaults()
	s.MemoryRoot = t.TempDir()
	s.EnableReflection = false
	s.EnableEmbeddings = false
	return s
}

func onePendingStepPlan(t *testing.T, description string) *plan.Plan {
	t.Helper()
	p, err := plan.New("plan_test", "do the thing", []plan.Step{
		{ID: 1, Description: description, SuccessCriteria: "the action visibly took effect", Status: plan.StatusInProgress},
	})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return p
}

func alreadyCompletePlan(t *testing.T) *plan.Plan {
	t.Helper()
	p, err := plan.New("plan_done", "already satisfied", []plan.Step{
		{ID: 1, Description: "no-op", SuccessCriteria: "n/a", Status: plan.StatusDone},
	})
	if err != nil {
		t.Fatalf("build plan: %v", err)
	}
	return p
}

// S1: an immediate noop ends the task with zero dispatched actions and a
// success outcome (spec §8 scenario S1).
func TestRunTask_ImmediateNoopSucceedsWithZeroActions(t *testing.T) {
	settings := testSettings(t)
	planner := &stubPlanner{initial: alreadyCompletePlan(t)}
	executor := &scriptedExecutor{actions: []action.Action{action.Noop("nothing to do")}}

	o := New(Deps{
		Computer: fakecomputer.New(),
		Policy:   policy.New(policy.DefaultRules()),
		Executor: executor,
		Planner:  planner,
		Skills:   skill.New(filepath.Join(settings.MemoryRoot, "skills")),
		Episodes: memory.NewEpisodeStore(filepath.Join(settings.MemoryRoot, "episodes")),
		Settings: settings,
	})

	ep, err := o.RunTask(context.Background(), "already satisfied task")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if ep.Outcome != memory.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", ep.Outcome)
	}
	if executor.calls != 1 {
		t.Fatalf("executor called %d times, want exactly 1", executor.calls)
	}

	logBytes, err := os.ReadFile(ep.RawLogPath)
	if err != nil {
		t.Fatalf("read episode log: %v", err)
	}
	log := string(logBytes)
	if !strings.Contains(log, "user_prompt:") || !strings.Contains(log, "noop:") {
		t.Fatalf("episode log missing expected lines:\n%s", log)
	}
}

// S2: a single successful click that the reflector judges complete
// advances the plan to completion and mines no skill, since skill
// mining only fires for macro_actions (spec §8 scenario S2).
func TestRunTask_SingleClickAdvancesPlanWithoutMiningSkill(t *testing.T) {
	settings := testSettings(t)
	settings.EnableReflection = true

	comp := fakecomputer.New()
	comp.AddElement(fakecomputer.Element{Role: "button", Title: "OK", Frame: computer.Frame{X: 100, Y: 100, W: 40, H: 20}})

	planner := &stubPlanner{initial: onePendingStepPlan(t, "click the OK button")}
	executor := &scriptedExecutor{actions: []action.Action{
		{Type: action.TypeLeftClick, X: 110, Y: 105, VerifyAfter: false},
	}}
	reflector := &scriptedReflector{evals: []reflectoradapter.Evaluation{
		{IsComplete: true, Status: reflectoradapter.StatusSuccess},
	}}

	skillsDir := filepath.Join(settings.MemoryRoot, "skills")
	skills := skill.New(skillsDir)

	o := New(Deps{
		Computer:  comp,
		Policy:    policy.New(policy.DefaultRules()),
		Executor:  executor,
		Planner:   planner,
		Reflector: reflector,
		Skills:    skills,
		Episodes:  memory.NewEpisodeStore(filepath.Join(settings.MemoryRoot, "episodes")),
		Settings:  settings,
	})

	ep, err := o.RunTask(context.Background(), "click OK")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if ep.Outcome != memory.OutcomeSuccess {
		t.Fatalf("outcome = %q, want success", ep.Outcome)
	}
	if !ep.Plan.IsComplete() {
		t.Fatalf("plan did not reach completion")
	}

	mined, err := skills.List()
	if err != nil {
		t.Fatalf("list skills: %v", err)
	}
	if len(mined) != 0 {
		t.Fatalf("expected no mined skills for a single non-macro action, got %d", len(mined))
	}
}

// S4: a policy-denied action fails without halting the task, and the
// denial is counted toward failure_count (mixed outcome), never silently
// dropped (spec §8 scenario S4).
func TestRunTask_PolicyDenialCountsAsFailureAndContinues(t *testing.T) {
	settings := testSettings(t)

	rules := policy.DefaultRules()
	rules.BlockedActions = append(rules.BlockedActions, "open_app")

	planner := &stubPlanner{initial: onePendingStepPlan(t, "open the blocked app")}
	executor := &scriptedExecutor{actions: []action.Action{
		{Type: action.TypeOpenApp, AppName: "blocked-app"},
		action.Noop("giving up after denial"),
	}}

	o := New(Deps{
		Computer: fakecomputer.New(),
		Policy:   policy.New(rules),
		Executor: executor,
		Planner:  planner,
		Skills:   skill.New(filepath.Join(settings.MemoryRoot, "skills")),
		Episodes: memory.NewEpisodeStore(filepath.Join(settings.MemoryRoot, "episodes")),
		Settings: settings,
	})

	ep, err := o.RunTask(context.Background(), "open the blocked app")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if ep.Outcome != memory.OutcomeMixed {
		t.Fatalf("outcome = %q, want mixed", ep.Outcome)
	}

	logBytes, err := os.ReadFile(ep.RawLogPath)
	if err != nil {
		t.Fatalf("read episode log: %v", err)
	}
	if !strings.Contains(string(logBytes), "is blocked") {
		t.Fatalf("episode log does not record the policy denial:\n%s", logBytes)
	}
}

// S5: a successful macro that visibly changed the screen is mined as a
// reusable skill, and replaying the same macro again reuses the same
// fingerprint and increments usage_count rather than duplicating the
// entry (spec §8 scenario S5).
func TestRunTask_SuccessfulMacroMinesSkillAndReuseIncrementsUsage(t *testing.T) {
	settings := testSettings(t)

	comp := fakecomputer.New()
	comp.AddElement(fakecomputer.Element{Role: "field", Title: "Name", Frame: computer.Frame{X: 10, Y: 10, W: 100, H: 20}})
	comp.AddElement(fakecomputer.Element{Role: "button", Title: "Submit", Frame: computer.Frame{X: 10, Y: 40, W: 80, H: 20}})

	macro := action.Action{
		Type:        action.TypeMacroActions,
		VerifyAfter: true,
		Actions: []action.Action{
			{Type: action.TypeLeftClick, X: 50, Y: 15},
			{Type: action.TypeLeftClick, X: 40, Y: 45},
		},
	}

	skillsDir := filepath.Join(settings.MemoryRoot, "skills")
	skills := skill.New(skillsDir)
	episodes := memory.NewEpisodeStore(filepath.Join(settings.MemoryRoot, "episodes"))

	runOnce := func() memory.Episode {
		planner := &stubPlanner{initial: onePendingStepPlan(t, "submit the form")}
		executor := &scriptedExecutor{actions: []action.Action{macro, action.Noop("done")}}
		o := New(Deps{
			Computer: comp,
			Policy:   policy.New(policy.DefaultRules()),
			Executor: executor,
			Planner:  planner,
			Skills:   skills,
			Episodes: episodes,
			Settings: settings,
		})
		ep, err := o.RunTask(context.Background(), "submit the form")
		if err != nil {
			t.Fatalf("RunTask: %v", err)
		}
		return ep
	}

	runOnce()
	mined, err := skills.List()
	if err != nil {
		t.Fatalf("list skills: %v", err)
	}
	if len(mined) != 1 {
		t.Fatalf("expected exactly 1 mined skill, got %d", len(mined))
	}
	if mined[0].UsageCount != 0 {
		t.Fatalf("freshly mined skill should start at usage_count 0, got %d", mined[0].UsageCount)
	}

	runOnce()
	mined, err = skills.List()
	if err != nil {
		t.Fatalf("list skills: %v", err)
	}
	if len(mined) != 1 {
		t.Fatalf("replaying the identical macro should reuse the fingerprint, not add a second entry; got %d", len(mined))
	}
	if mined[0].UsageCount != 1 {
		t.Fatalf("usage_count after one re-save = %d, want 1", mined[0].UsageCount)
	}
}

// S3/S6: an action that never visibly changes anything and never
// changes signature drives repeat_same_action past threshold; recovery
// first spends the replan budget, and once that budget is exhausted the
// task halts rather than spinning forever (spec §8 scenarios S3, S6).
func TestRunTask_RepeatedActionReplansThenHalts(t *testing.T) {
	settings := testSettings(t)
	settings.RepeatSameActionThreshold = 2
	settings.ReplanBudget = 1
	settings.HintBudget = 0
	settings.MaxSteps = 100
	settings.MaxFailures = 100

	comp := fakecomputer.New()
	comp.AddElement(fakecomputer.Element{Role: "button", Title: "Noop button", Frame: computer.Frame{X: 0, Y: 0, W: 10, H: 10}})

	planner := &stubPlanner{initial: onePendingStepPlan(t, "press the stuck button")}
	stuckAction := action.Action{Type: action.TypeLeftClick, X: 5, Y: 5, VerifyAfter: false}
	actions := make([]action.Action, 0, 10)
	for i := 0; i < 8; i++ {
		actions = append(actions, stuckAction)
	}
	executor := &scriptedExecutor{actions: actions}

	o := New(Deps{
		Computer: comp,
		Policy:   policy.New(policy.DefaultRules()),
		Executor: executor,
		Planner:  planner,
		Skills:   skill.New(filepath.Join(settings.MemoryRoot, "skills")),
		Episodes: memory.NewEpisodeStore(filepath.Join(settings.MemoryRoot, "episodes")),
		Settings: settings,
	})

	ep, err := o.RunTask(context.Background(), "press the stuck button")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}
	if planner.revised != 1 {
		t.Fatalf("replan budget should be spent exactly once before halting, got %d replans", planner.revised)
	}
	if ep.Outcome != memory.OutcomeIncomplete {
		t.Fatalf("outcome = %q, want incomplete (plan never finished, no dispatch failures)", ep.Outcome)
	}
	if ep.Plan.IsComplete() {
		t.Fatalf("plan should not have completed; the loop should have halted on repeated stagnation")
	}
}

// hashComputer is a minimal computer.Adapter whose perceptual hash per
// capture is scripted, so the Change Detector's verdict is controlled
// precisely rather than inferred from fakecomputer's always-distinct
// frame payloads. The accessibility tree and SSIM are held constant
// (SSIM unavailable) so only the phash signal decides "changed".
type hashComputer struct {
	hashes []string // one per CaptureWithHash call; last value repeats once exhausted
	calls  int
}

func (c *hashComputer) nextHash() string {
	i := c.calls
	c.calls++
	if i >= len(c.hashes) {
		i = len(c.hashes) - 1
	}
	return c.hashes[i]
}

func (c *hashComputer) RunHealthChecks(ctx context.Context) error { return nil }

func (c *hashComputer) CaptureWithHash(ctx context.Context) (computer.Capture, error) {
	h := c.nextHash()
	return computer.Capture{
		ImageBase64:    base64.StdEncoding.EncodeToString([]byte(h)),
		PerceptualHash: h,
	}, nil
}

func (c *hashComputer) HasChanged(ctx context.Context, prevB64, curB64 string, threshold int) (bool, error) {
	return prevB64 != curB64, nil
}

func (c *hashComputer) StructuralSimilarity(ctx context.Context, prevB64, curB64 string) (*float64, error) {
	return nil, nil
}

func (c *hashComputer) DetectUIElements(ctx context.Context, imageB64 string) ([]computer.UIElement, error) {
	return nil, nil
}

func (c *hashComputer) GetActiveWindowTree(ctx context.Context, maxDepth int) (action.Result, error) {
	tree := map[string]any{"role": "AXWindow", "title": "constant-window", "children": []map[string]any{}}
	return action.Ok("", map[string]any{"tree": tree}), nil
}

func (c *hashComputer) ProbeElement(ctx context.Context, x, y, radius int) (action.Result, error) {
	return action.Fail("no element under point", nil), nil
}

func (c *hashComputer) Execute(ctx context.Context, a action.Action) (action.Result, error) {
	return action.Ok("", nil), nil
}

func (c *hashComputer) Display(ctx context.Context) (computer.Display, error) {
	return computer.Display{LogicalW: 1280, LogicalH: 800, PhysicalW: 1280, PhysicalH: 800, Scale: 1}, nil
}

// Any visible change clears the hotkey/open_app dedup ledgers, not just
// step completion (spec §4.9 step 7, §8 property 3). A repeated hotkey
// dedups starting at its 3rd invocation; a different, visibly effective
// action in between must reset the ledger so the hotkey is not
// immediately re-deduped afterward.
func TestRunTask_VisibleChangeClearsHotkeyDedupLedger(t *testing.T) {
	settings := testSettings(t)
	settings.HotkeyDedupThreshold = 2
	settings.RepeatSameActionThreshold = 1000
	settings.RepeatWithoutChangeThreshold = 1000
	settings.LowChangeStreakThreshold = 1000
	settings.ReplanBudget = 0
	settings.HintBudget = 0
	settings.MaxSteps = 100
	settings.MaxFailures = 100
	settings.VerifyDelayMS = 0
	settings.SettleDelayMS = 0
	settings.SpotlightExtraDelayMS = 0

	comp := &hashComputer{hashes: []string{
		"00", // initial capture
		"00", // iter1 (key): no change
		"00", // iter2 (key): no change
		// iter3 (key) is deduped, no capture is taken
		"ff", // iter4 (left_click): visible change
		"ff", // iter5 (key): no change vs iter4
	}}

	hotkey := action.Action{Type: action.TypeKey, Keys: []string{"cmd", "space"}, VerifyAfter: true}
	click := action.Action{Type: action.TypeLeftClick, X: 5, Y: 5, VerifyAfter: true}
	executor := &scriptedExecutor{actions: []action.Action{hotkey, hotkey, hotkey, click, hotkey}}
	planner := &stubPlanner{initial: onePendingStepPlan(t, "press the hotkey repeatedly")}

	o := New(Deps{
		Computer: comp,
		Policy:   policy.New(policy.DefaultRules()),
		Executor: executor,
		Planner:  planner,
		Skills:   skill.New(filepath.Join(settings.MemoryRoot, "skills")),
		Episodes: memory.NewEpisodeStore(filepath.Join(settings.MemoryRoot, "episodes")),
		Settings: settings,
	})

	ep, err := o.RunTask(context.Background(), "press the hotkey repeatedly")
	if err != nil {
		t.Fatalf("RunTask: %v", err)
	}

	log := ""
	if ep.RawLogPath != "" {
		if b, rerr := os.ReadFile(ep.RawLogPath); rerr == nil {
			log = string(b)
		}
	}
	dedupCount := strings.Count(log, action.ReasonDeduped)
	if dedupCount != 1 {
		t.Fatalf("expected exactly 1 deduped hotkey invocation (3rd, before the intervening change); got %d\nlog:\n%s", dedupCount, log)
	}
}

// The Change Detector's thresholds must come from Settings
// (SSIM_CHANGE_THRESHOLD, phash_threshold), not the package defaults,
// or those config fields are decorative (spec §4.1, §6).
func TestOrchestrator_ChangeThresholdsComeFromSettings(t *testing.T) {
	settings := config.Defaults()
	settings.SSIMChangeThreshold = 0.5
	settings.PHashThreshold = 7

	o := New(Deps{
		Computer: &hashComputer{hashes: []string{"00"}},
		Policy:   policy.New(policy.DefaultRules()),
		Executor: &scriptedExecutor{},
		Planner:  &stubPlanner{},
		Settings: settings,
	})

	got := o.changeThresholds()
	if got.SSIM != 0.5 {
		t.Fatalf("SSIM threshold = %v, want 0.5 (from Settings.SSIMChangeThreshold)", got.SSIM)
	}
	if got.PHash != 7 {
		t.Fatalf("phash threshold = %v, want 7 (from Settings.PHashThreshold)", got.PHash)
	}
}
