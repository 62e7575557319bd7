// Package state implements the State Tracker (spec §4.4): bounded
// history, notebook, observation ring, action log, stuck/repeat counters,
// and the halt-condition disjunction the orchestrator checks every
// iteration.
package state

import (
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/pkg/memory"
)

// Limits bounds every ring the tracker maintains.
type Limits struct {
	HistoryCapacity      int
	ActionsCapacity      int
	ObservationsCapacity int
	NotebookCapacity     int
}

// DefaultLimits mirrors the capacities implied by spec §4.9 (history
// compression triggers above 60 entries, so the ring is sized generously
// above that).
func DefaultLimits() Limits {
	return Limits{HistoryCapacity: 200, ActionsCapacity: 200, ObservationsCapacity: 50, NotebookCapacity: 100}
}

// HaltReason names why the loop must stop (spec §4.4 halt condition).
type HaltReason string

const (
	HaltNone        HaltReason = ""
	HaltMaxSteps    HaltReason = "max_steps"
	HaltMaxFailures HaltReason = "max_failures"
	HaltWallClock   HaltReason = "max_wall_clock_seconds"
)

// ActionRecord is one entry in the action log.
type ActionRecord struct {
	Action    action.Action
	Result    action.Result
	Timestamp time.Time
}

// Tracker is the per-task State Tracker. It is owned exclusively by one
// orchestrator invocation (spec §3 "Ownership and lifecycle").
type Tracker struct {
	episodeID string
	notebook  memory.Store

	history      *ring[string]
	actions      *ring[ActionRecord]
	observations *ring[action.Observation]
	stuckReasons *ring[string]

	steps        int64
	failureCount int64
	startedAt    time.Time

	notebookSeq  int
	notebookMeta []noteMeta

	maxSteps            int
	maxFailures         int
	maxWallClockSeconds int
}

// NewTracker builds a Tracker for one episode/task.
func NewTracker(episodeID string, limits Limits, maxSteps, maxFailures, maxWallClockSeconds int) *Tracker {
	return &Tracker{
		episodeID:           episodeID,
		notebook:            memory.NewLRU(limits.NotebookCapacity),
		history:             newRing[string](limits.HistoryCapacity),
		actions:             newRing[ActionRecord](limits.ActionsCapacity),
		observations:        newRing[action.Observation](limits.ObservationsCapacity),
		stuckReasons:        newRing[string](16),
		startedAt:           time.Now(),
		maxSteps:            maxSteps,
		maxFailures:         maxFailures,
		maxWallClockSeconds: maxWallClockSeconds,
	}
}

// RecordAction appends a compact action summary to history and, unless the
// failure reason is the dedup sentinel, increments failure_count on an
// unsuccessful result (spec §4.4).
func (t *Tracker) RecordAction(a action.Action, result action.Result) {
	t.actions.push(ActionRecord{Action: a, Result: result, Timestamp: time.Now()})
	t.AppendHistory(fmt.Sprintf("action=%s success=%t reason=%s", a.Signature(), result.Success, result.Reason))
	if !result.Success && result.Reason != action.ReasonDeduped {
		atomic.AddInt64(&t.failureCount, 1)
	}
	atomic.AddInt64(&t.steps, 1)
}

// AppendHistory appends a raw line to the flat event log.
func (t *Tracker) AppendHistory(line string) {
	t.history.push(line)
}

// RecordBrowserResult formats and appends a browser ActionResult to
// history, truncated to 1200 chars so the executor can read it on the
// next turn (spec §4.4).
func (t *Tracker) RecordBrowserResult(op action.BrowserOp, result action.Result) {
	line := fmt.Sprintf("browser_op=%s success=%t reason=%s", op, result.Success, result.Reason)
	if len(line) > 1200 {
		line = line[:1200]
	}
	t.AppendHistory(line)
}

// RecordObservation appends a frame reference to the observation ring.
func (t *Tracker) RecordObservation(o action.Observation) {
	t.observations.push(o)
}

// History returns the full bounded event log, oldest first.
func (t *Tracker) History() []string { return t.history.items() }

// Actions returns the bounded action log, oldest first.
func (t *Tracker) Actions() []ActionRecord { return t.actions.items() }

// Observations returns the bounded observation ring, oldest first.
func (t *Tracker) Observations() []action.Observation { return t.observations.items() }

// CompressHistory collapses the oldest n history entries into one summary
// line (spec §4.9 step 2, §4.7 summarize_history_chunk): "oldest window
// first" per the supplemented-feature note in SPEC_FULL.md.
func (t *Tracker) CompressHistory(n int, summary string) {
	t.history.replaceFront(n, summary)
}

// AddNote appends a note to the bounded notebook.
func (t *Tracker) AddNote(content, source string) {
	t.notebookSeq++
	_ = t.notebook.Set("notebook", t.episodeID, strconv.Itoa(t.notebookSeq), content)
	t.notebookMeta = append(t.notebookMeta, noteMeta{seq: t.notebookSeq, source: source})
}

// noteMeta tracks the source field per note, since pkg/memory.Entry has no
// source column; appended as a parallel slice indexed by sequence.
type noteMeta struct {
	seq    int
	source string
}

// Notes returns the current notebook contents as spec §3 Note values,
// oldest first. pkg/memory.List returns entries most-recently-used first,
// so the result is re-sorted by sequence number.
func (t *Tracker) Notes() []action.Note {
	entries := t.notebook.List("notebook", t.episodeID)
	sourceBySeq := make(map[int]string, len(t.notebookMeta))
	for _, m := range t.notebookMeta {
		sourceBySeq[m.seq] = m.source
	}
	out := make([]action.Note, 0, len(entries))
	for _, e := range entries {
		seq, _ := strconv.Atoi(e.Key)
		out = append(out, action.Note{Content: e.Value, Source: sourceBySeq[seq], Timestamp: e.CreatedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ClearNotes empties the notebook (notebook_op=clear_notes, spec §3).
func (t *Tracker) ClearNotes() {
	for _, e := range t.notebook.List("notebook", t.episodeID) {
		t.notebook.Delete("notebook", t.episodeID, e.Key)
	}
	t.notebookMeta = nil
}

// RecordStuckReason appends a stuck reason (spec §4.9 step 16).
func (t *Tracker) RecordStuckReason(reason string) {
	t.stuckReasons.push(reason)
}

// StuckReasons returns all recorded stuck reasons, oldest first.
func (t *Tracker) StuckReasons() []string { return t.stuckReasons.items() }

// Steps, FailureCount, StartedAt expose the tracker's counters.
func (t *Tracker) Steps() int { return int(atomic.LoadInt64(&t.steps)) }
func (t *Tracker) FailureCount() int { return int(atomic.LoadInt64(&t.failureCount)) }
func (t *Tracker) StartedAt() time.Time { return t.startedAt }

// ShouldHalt evaluates the halt-condition disjunction from spec §4.4 and
// §8 property 2: max_steps, max_failures, or max_wall_clock_seconds,
// whichever triggers first.
func (t *Tracker) ShouldHalt() (bool, HaltReason) {
	if t.Steps() >= t.maxSteps {
		return true, HaltMaxSteps
	}
	if t.FailureCount() >= t.maxFailures {
		return true, HaltMaxFailures
	}
	if time.Since(t.startedAt) >= time.Duration(t.maxWallClockSeconds)*time.Second {
		return true, HaltWallClock
	}
	return false, HaltNone
}
