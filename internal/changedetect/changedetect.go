// Package changedetect implements the multi-signal Change Detector
// (spec §4.1): it blends an accessibility-tree diff, SSIM, perceptual-hash
// Hamming distance, and a pixel-histogram fallback into a single
// "changed" bit, in a fixed order that lets the cheapest and most
// specific signal dominate.
package changedetect

import "github.com/cua-agent/cua-agent/internal/overlay"

// Input bundles every signal the detector may use. Not all fields need be
// populated; the decision rule in Detect degrades gracefully.
type Input struct {
	PrevAXTree *overlay.Node
	CurAXTree  *overlay.Node

	SSIM     *float64 // nil if unavailable
	PHashHamming int

	// PixelHistogramRatio is the fraction of pixels that differ beyond a
	// noise threshold between frames, used only when neither tree diff nor
	// SSIM is available.
	PixelHistogramRatio float64
}

// Thresholds configures the decision rule (spec §4.1 defaults: T_ssim=0.985,
// T_phash=1; pixel-histogram fallback ratio 0.01).
type Thresholds struct {
	SSIM               float64
	PHash              int
	PixelHistogramRatio float64
}

// DefaultThresholds returns the spec's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{SSIM: 0.985, PHash: 1, PixelHistogramRatio: 0.01}
}

// Signal names the decision-rule branch that determined the result, useful
// for logging and for stall-accounting ("no AX change" in spec §4.9 step 11).
type Signal string

const (
	SignalAXTreeDiff  Signal = "ax_tree_diff"
	SignalSSIM        Signal = "ssim"
	SignalPHash       Signal = "phash"
	SignalPixelFallback Signal = "pixel_histogram"
	SignalOptimistic  Signal = "optimistic_skip"
)

// Result is the detector's verdict plus which signal decided it.
type Result struct {
	Changed bool
	Signal  Signal
}

// Detect applies the ordered decision rule from spec §4.1:
//  1. AX trees both present and differ -> changed.
//  2. Else SSIM available and < threshold -> changed.
//  3. Else phash hamming distance > threshold -> changed.
//  4. Else pixel-histogram ratio >= threshold -> changed, else unchanged.
func Detect(in Input, th Thresholds) Result {
	if in.PrevAXTree != nil && in.CurAXTree != nil {
		if !overlay.CanonicalEqual(*in.PrevAXTree, *in.CurAXTree) {
			return Result{Changed: true, Signal: SignalAXTreeDiff}
		}
		// AX trees present and identical: the rule still proceeds to the
		// remaining signals only as tie-breakers when the trees matched but
		// the caller wants pixel-level confirmation; per the spec's ordered
		// rule, a tree match does not short-circuit to false — it simply
		// does not trigger "changed" from this branch, so fall through.
	}
	if in.SSIM != nil {
		if *in.SSIM < th.SSIM {
			return Result{Changed: true, Signal: SignalSSIM}
		}
		return Result{Changed: false, Signal: SignalSSIM}
	}
	if in.PHashHamming > th.PHash {
		return Result{Changed: true, Signal: SignalPHash}
	}
	if in.PixelHistogramRatio >= th.PixelHistogramRatio {
		return Result{Changed: true, Signal: SignalPixelFallback}
	}
	return Result{Changed: false, Signal: SignalPixelFallback}
}

// Optimistic returns the assumed result when verify_after=false (spec §4.1:
// "the detector is skipped and changed=true is assumed").
func Optimistic() Result {
	return Result{Changed: true, Signal: SignalOptimistic}
}
