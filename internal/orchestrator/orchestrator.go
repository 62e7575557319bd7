// Package orchestrator implements the Orchestrator (spec §4.9): the
// per-task iteration engine that captures, grounds, proposes, routes,
// verifies, advances the plan, detects stalls, and replans until the
// plan completes or a halt condition fires. It is the one component that
// wires every other package (action, plan, overlay, changedetect,
// policy, router, state, skill, memory, the three LLM adapters, and the
// Computer Adapter contract) into a single deterministic loop, mirroring
// how the teacher's internal/commands/run.go wires store, actions, and
// config into one command without owning any of their internals itself.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/computer"
	"github.com/cua-agent/cua-agent/internal/config"
	"github.com/cua-agent/cua-agent/internal/cuaerr"
	"github.com/cua-agent/cua-agent/internal/executoradapter"
	"github.com/cua-agent/cua-agent/internal/llmclient"
	"github.com/cua-agent/cua-agent/internal/memory"
	"github.com/cua-agent/cua-agent/internal/memory/vectorindex"
	"github.com/cua-agent/cua-agent/internal/overlay"
	"github.com/cua-agent/cua-agent/internal/plan"
	"github.com/cua-agent/cua-agent/internal/planneradapter"
	"github.com/cua-agent/cua-agent/internal/policy"
	"github.com/cua-agent/cua-agent/internal/reflectoradapter"
	"github.com/cua-agent/cua-agent/internal/router"
	"github.com/cua-agent/cua-agent/internal/skill"
	"github.com/cua-agent/cua-agent/internal/state"
)

// Executor is the subset of executoradapter.Adapter the Orchestrator
// depends on; satisfied structurally, which lets tests substitute a
// scripted stub without a live LLM transport.
type Executor interface {
	Propose(ctx context.Context, req executoradapter.Request) (action.Action, error)
}

// Planner is the subset of planneradapter.Adapter the Orchestrator depends on.
type Planner interface {
	CreatePlan(ctx context.Context, planID string, req planneradapter.CreatePlanRequest) (*plan.Plan, error)
	RevisePlan(ctx context.Context, current *plan.Plan, last40History []string, screenshotB64 string) (*plan.Plan, error)
	SummarizeHistoryChunk(ctx context.Context, chunk []string) (string, error)
}

// Reflector is the subset of reflectoradapter.Adapter the Orchestrator
// depends on. A nil Reflector disables step verification (ENABLE_REFLECTION=0).
type Reflector interface {
	EvaluateStep(ctx context.Context, step *plan.Step, recentHistory []string, screenshotB64 string) reflectoradapter.Evaluation
	SuggestHint(ctx context.Context, step *plan.Step, recentHistory []string) (string, error)
	DescribeImage(ctx context.Context, screenshotB64 string) (string, error)
}

// Embedder requests vector embeddings for a batch of inputs, satisfied by
// *llmclient.Client. A nil Embedder disables semantic search and skips
// skill/episode embedding (ENABLE_EMBEDDINGS=0).
type Embedder interface {
	Embed(ctx context.Context, req llmclient.EmbeddingRequest) (llmclient.EmbeddingResponse, error)
}

// Deps bundles every collaborator the Orchestrator wires together. Only
// Computer, Executor, and Planner are required; the rest degrade gracefully
// to the behavior their owning feature flag describes.
type Deps struct {
	Computer  computer.Adapter
	Policy    *policy.Engine
	Executor  Executor
	Planner   Planner
	Reflector Reflector // nil if disabled
	Skills    *skill.Store
	Episodes  *memory.EpisodeStore
	Semantic  *memory.SemanticStore
	Vectors   *vectorindex.Index // nil if no local vector cache
	Embedder  Embedder           // nil if disabled
	Settings  config.Settings
}

// Orchestrator drives one task at a time (spec §5: "single-threaded
// cooperative"; no internal parallelism, no shared mutable state across
// concurrent invocations beyond the append-mostly external stores).
type Orchestrator struct {
	computer  computer.Adapter
	router    *router.Router
	executor  Executor
	planner   Planner
	reflector Reflector
	skills    *skill.Store
	episodes  *memory.EpisodeStore
	semantic  *memory.SemanticStore
	vectors   *vectorindex.Index
	embedder  Embedder
	settings  config.Settings
}

// New wires a fresh Orchestrator. The Action Router is constructed here
// (not injected) since it is a pure function of Computer+Policy+Skills
// that no caller should need to vary independently.
func New(d Deps) *Orchestrator {
	r := router.New(d.Computer, d.Policy, d.Skills, d.Settings.EnableHID)
	return &Orchestrator{
		computer:  d.Computer,
		router:    r,
		executor:  d.Executor,
		planner:   d.Planner,
		reflector: d.Reflector,
		skills:    d.Skills,
		episodes:  d.Episodes,
		semantic:  d.Semantic,
		vectors:   d.Vectors,
		embedder:  d.Embedder,
		settings:  d.Settings,
	}
}

// taskState is everything the iteration loop mutates across iterations.
// It is owned exclusively by one RunTask invocation (spec §3 "Ownership
// and lifecycle": "The Orchestrator exclusively owns the current Plan and
// StateTracker for the duration of a task").
type taskState struct {
	episodeID string
	plan      *plan.Plan
	tracker   *state.Tracker
	imagesDir string

	prevCapture computer.Capture
	prevAXTree  *overlay.Node
	seq         int

	hotkeyCounts map[string]int
	openAppSeen  map[string]bool

	lowChangeStreak     int
	repeatSameAction    int
	repeatWithoutChange int
	lastSignature       string
	lastStepFailed      bool
	sigHistory          []string

	replanBudget int
	hintBudget   int
	pendingHint  string

	lastBrowserDomain string
	haltReason        state.HaltReason
}

// RunTask drives one user-prompted task end to end: health check, initial
// capture, planning, the iteration loop, and episode persistence (spec §4.9).
func (o *Orchestrator) RunTask(ctx context.Context, userPrompt string) (memory.Episode, error) {
	if err := o.computer.RunHealthChecks(ctx); err != nil {
		return memory.Episode{}, cuaerr.Wrap(cuaerr.CodeHealthCheck,
			"computer adapter health check failed",
			"grant screen recording and accessibility permissions, then relaunch",
			map[string]string{"phase": "startup"}, err)
	}

	episodeID := "episode_" + uuid.NewString()
	imagesDir := filepath.Join(os.TempDir(), "cua-agent", episodeID)
	defer cleanupImages(imagesDir)

	tracker := state.NewTracker(episodeID, state.DefaultLimits(),
		o.settings.MaxSteps, o.settings.MaxFailures, o.settings.MaxWallClockSeconds)
	tracker.AppendHistory("user_prompt:" + userPrompt)

	initial, err := o.computer.CaptureWithHash(ctx)
	if err != nil {
		return memory.Episode{}, cuaerr.Wrap(cuaerr.CodeDriverFailure, "initial capture failed", "retry the task", nil, err)
	}

	pl, err := o.createPlan(ctx, userPrompt, initial.ImageBase64)
	if err != nil {
		pl = fallbackPlan(userPrompt)
	}
	tracker.AppendHistory(fmt.Sprintf("plan initialized: %d steps", len(pl.Steps)))

	ts := &taskState{
		episodeID:    episodeID,
		plan:         pl,
		tracker:      tracker,
		imagesDir:    imagesDir,
		prevCapture:  initial,
		hotkeyCounts: map[string]int{},
		openAppSeen:  map[string]bool{},
		replanBudget: o.settings.ReplanBudget,
		hintBudget:   o.settings.HintBudget,
	}
	o.router.SetNotebookHandlers(ts.tracker.AddNote, ts.tracker.ClearNotes)

	for {
		if halt, reason := tracker.ShouldHalt(); halt {
			ts.haltReason = reason
			break
		}
		if ctx.Err() != nil {
			ts.haltReason = "cancelled"
			break
		}
		stop := o.iterate(ctx, ts)
		if stop {
			break
		}
	}

	return o.finish(ctx, ts, userPrompt)
}

func (o *Orchestrator) createPlan(ctx context.Context, userPrompt, screenshotB64 string) (*plan.Plan, error) {
	var recent []memory.Episode
	if o.episodes != nil {
		recent, _ = o.episodes.Recent(3)
	}
	items := o.topKSemantic(ctx, userPrompt, 5)
	return o.planner.CreatePlan(ctx, "plan_"+uuid.NewString(), planneradapter.CreatePlanRequest{
		UserPrompt:     userPrompt,
		RecentEpisodes: recent,
		SemanticItems:  items,
		ScreenshotB64:  screenshotB64,
	})
}

// fallbackPlan is the conservative two-step plan returned when the
// planner request itself fails (spec §7: "planner -> minimal two-step
// fallback plan").
func fallbackPlan(userPrompt string) *plan.Plan {
	steps := []plan.Step{
		{ID: 1, Description: "Observe the current screen state relevant to: " + userPrompt, SuccessCriteria: "A screenshot and accessibility tree have been captured", Status: plan.StatusInProgress},
		{ID: 2, Description: "Attempt the requested action directly: " + userPrompt, SuccessCriteria: "The visible UI reflects the requested outcome", Status: plan.StatusPending},
	}
	p, err := plan.New("plan_fallback_"+uuid.NewString(), userPrompt, steps)
	if err != nil {
		// Normalize never fails on an already-well-formed two-step plan; a
		// failure here is a programmer error, not a runtime branch.
		panic(err)
	}
	return p
}

// topKSemantic embeds the query and searches the local vector cache,
// returning nil (not an error) when embeddings are disabled or the cache
// is empty — semantic grounding is best-effort (spec §4.7 "top-k semantic
// memory items (k=5)").
func (o *Orchestrator) topKSemantic(ctx context.Context, query string, k int) []memory.SemanticMemoryItem {
	if o.embedder == nil || o.vectors == nil || o.semantic == nil {
		return nil
	}
	resp, err := o.embedder.Embed(ctx, llmclient.EmbeddingRequest{Input: []string{query}})
	if err != nil || len(resp.Data) == 0 {
		return nil
	}
	matches, err := o.vectors.Search(ctx, resp.Data[0].Embedding, k)
	if err != nil {
		return nil
	}
	out := make([]memory.SemanticMemoryItem, 0, len(matches))
	for _, m := range matches {
		if item, ok := o.semantic.Get(m.ItemID); ok {
			out = append(out, item)
		}
	}
	return out
}

// finish writes the episode log, asks the planner for a closing summary,
// classifies the outcome, and persists the Episode (spec §4.9 "At task end").
func (o *Orchestrator) finish(ctx context.Context, ts *taskState, userPrompt string) (memory.Episode, error) {
	history := ts.tracker.History()
	logPath, err := writeEpisodeLog(ts.episodeID, o.settings, history)
	if err != nil {
		logPath = ""
	}

	summary := o.summarize(ctx, history)

	outcome := memory.OutcomeIncomplete
	switch {
	case ts.plan.IsComplete() && ts.tracker.FailureCount() == 0:
		outcome = memory.OutcomeSuccess
	case ts.tracker.FailureCount() > 0:
		outcome = memory.OutcomeMixed
	}

	ep := memory.Episode{
		ID:         ts.episodeID,
		UserPrompt: userPrompt,
		Plan:       *ts.plan,
		Outcome:    outcome,
		Summary:    summary,
		RawLogPath: logPath,
	}
	if o.episodes == nil {
		return ep, nil
	}
	return o.episodes.Save(ep)
}

func (o *Orchestrator) summarize(ctx context.Context, history []string) string {
	if len(history) == 0 {
		return ""
	}
	window := history
	if len(window) > 80 {
		window = window[len(window)-80:]
	}
	summary, err := o.planner.SummarizeHistoryChunk(ctx, window)
	if err != nil || strings.TrimSpace(summary) == "" {
		return fmt.Sprintf("%d events recorded; no closing summary available", len(history))
	}
	return summary
}

func writeEpisodeLog(episodeID string, s config.Settings, history []string) (string, error) {
	root, err := s.ResolveMemoryRoot()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(root, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create episode log dir: %w", err)
	}
	path := filepath.Join(dir, episodeID+".log")
	if err := os.WriteFile(path, []byte(strings.Join(history, "\n")+"\n"), 0o644); err != nil { //nolint:gosec
		return "", fmt.Errorf("write episode log: %w", err)
	}
	return path, nil
}

// cleanupImages deletes the per-task observation image directory at task
// end, since no part of the Episode schema references individual frame
// paths (spec §9c: "deletion on task end unless the episode explicitly
// references the path").
func cleanupImages(dir string) {
	_ = os.RemoveAll(dir)
}

// saveObservationImage off-loads a base64 frame to a temp file and
// returns its path, so only the reference is retained in memory (spec §3).
func saveObservationImage(dir string, seq int, b64 string) string {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ""
	}
	path := filepath.Join(dir, fmt.Sprintf("frame-%04d.b64", seq))
	if err := os.WriteFile(path, []byte(b64), 0o600); err != nil {
		return ""
	}
	return path
}

// sortedHistoryTail returns the last n entries of a slice, oldest first.
func sortedHistoryTail(h []string, n int) []string {
	if len(h) <= n {
		return h
	}
	return h[len(h)-n:]
}
