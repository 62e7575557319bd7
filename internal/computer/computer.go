// Package computer defines the Computer Adapter contract (spec §6): the
// platform FFI surface the core depends on for screen capture, HID
// injection, accessibility-tree walking, and change signals. Concrete
// per-OS backends live outside this package; fakecomputer provides an
// in-process reference implementation for tests and the no-display CLI
// mode.
package computer

import (
	"context"

	"github.com/cua-agent/cua-agent/internal/action"
)

// Display describes the physical/logical screen geometry (spec §6
// "display (property)").
type Display struct {
	LogicalW  int
	LogicalH  int
	PhysicalW int
	PhysicalH int
	Scale     float64
}

// UIElement is one entry returned by DetectUIElements.
type UIElement struct {
	Role   string
	Title  string
	Frame  Frame
	Source string
}

// Frame is a logical-point rectangle.
type Frame struct {
	X, Y, W, H int
}

// Capture is the result of CaptureWithHash: a base64-encoded image plus
// its perceptual hash.
type Capture struct {
	ImageBase64     string
	PerceptualHash  string
}

// WindowTree is the accessibility tree of the active window, rooted at
// GetActiveWindowTree's max_depth boundary.
type WindowTree struct {
	Role     string
	Title    string
	Frame    Frame
	Children []WindowTree
}

// Adapter is the Computer Adapter contract (spec §6 table). It is
// long-lived, shared by reference, and safe for concurrent read-only
// calls; Execute serializes writes to the shared pointer/clipboard/focus
// singletons at the caller's discretion (the router owns that
// serialization, not the adapter).
type Adapter interface {
	// RunHealthChecks validates OS permissions (screen recording,
	// accessibility) and driver availability. A non-nil error is
	// unrecoverable and aborts the task before the loop starts.
	RunHealthChecks(ctx context.Context) error

	// CaptureWithHash takes a fresh framebuffer snapshot and its
	// perceptual hash.
	CaptureWithHash(ctx context.Context) (Capture, error)

	// HasChanged reports whether two captures differ by at least
	// threshold (perceptual-hash Hamming distance, spec §4.1).
	HasChanged(ctx context.Context, prevB64, curB64 string, threshold int) (bool, error)

	// StructuralSimilarity returns the SSIM between two captures, or nil
	// when the adapter cannot compute it (spec §4.1 fallback chain).
	StructuralSimilarity(ctx context.Context, prevB64, curB64 string) (*float64, error)

	// DetectUIElements runs the platform's element-detection pass over a
	// captured frame (used to enrich the overlay beyond the AX tree).
	DetectUIElements(ctx context.Context, imageB64 string) ([]UIElement, error)

	// GetActiveWindowTree walks the accessibility tree of the
	// foreground window up to maxDepth. The tree is carried in
	// Result.Metadata["tree"] (spec §6: "ActionResult with {tree}").
	GetActiveWindowTree(ctx context.Context, maxDepth int) (action.Result, error)

	// ProbeElement samples the element at (x,y) and, when radius > 0, a
	// cross of four neighbors (spec §4: "probe_ui" routing).
	ProbeElement(ctx context.Context, x, y, radius int) (action.Result, error)

	// Execute dispatches one already-policy-checked, already-resolved
	// action to the platform driver and returns its result.
	Execute(ctx context.Context, a action.Action) (action.Result, error)

	// Display returns the current screen geometry.
	Display(ctx context.Context) (Display, error)
}
