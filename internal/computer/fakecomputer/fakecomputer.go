// Package fakecomputer is an in-process reference implementation of the
// computer.Adapter contract. It backs unit tests and the CLI's
// no-display mode: instead of driving a real desktop it maintains a tiny
// synthetic scene graph that the router can click, type into, and
// screenshot deterministically.
package fakecomputer

import (
	"context"
	"crypto/sha1" //nolint:gosec // content hash, not a security boundary
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/computer"
)

// Element is one node in the fake scene graph.
type Element struct {
	Role  string
	Title string
	Frame computer.Frame
	Text  string // accumulated typed text, for TypeText assertions
}

// Adapter is a deterministic, in-memory computer.Adapter.
type Adapter struct {
	mu sync.Mutex

	display   computer.Display
	elements  []Element
	clipboard string

	frameSeq   int
	lastAction action.Action

	healthy         bool
	unhealthyReason string
}

// New builds a fake adapter with a default 1280x800 logical display and
// no elements. Use AddElement to seed a scene.
func New() *Adapter {
	return &Adapter{
		display: computer.Display{LogicalW: 1280, LogicalH: 800, PhysicalW: 1280, PhysicalH: 800, Scale: 1},
		healthy: true,
	}
}

// AddElement seeds the scene graph with a clickable/typable element.
func (a *Adapter) AddElement(e Element) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.elements = append(a.elements, e)
}

// SetUnhealthy makes RunHealthChecks fail, simulating a missing OS
// permission (spec §7 "permission missing").
func (a *Adapter) SetUnhealthy(reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.healthy = false
	a.unhealthyReason = reason
}

func (a *Adapter) RunHealthChecks(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.healthy {
		return fmt.Errorf("computer adapter unhealthy: %s", a.unhealthyReason)
	}
	return nil
}

func (a *Adapter) CaptureWithHash(ctx context.Context) (computer.Capture, error) {
	a.mu.Lock()
	a.frameSeq++
	seq := a.frameSeq
	a.mu.Unlock()

	payload := []byte(fmt.Sprintf("frame-%d", seq))
	sum := sha1.Sum(payload) //nolint:gosec
	return computer.Capture{
		ImageBase64:    base64.StdEncoding.EncodeToString(payload),
		PerceptualHash: hex.EncodeToString(sum[:8]),
	}, nil
}

func (a *Adapter) HasChanged(ctx context.Context, prevB64, curB64 string, threshold int) (bool, error) {
	return prevB64 != curB64, nil
}

func (a *Adapter) StructuralSimilarity(ctx context.Context, prevB64, curB64 string) (*float64, error) {
	v := 0.0
	if prevB64 == curB64 {
		v = 1.0
	}
	return &v, nil
}

func (a *Adapter) DetectUIElements(ctx context.Context, imageB64 string) ([]computer.UIElement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]computer.UIElement, 0, len(a.elements))
	for _, e := range a.elements {
		out = append(out, computer.UIElement{Role: e.Role, Title: e.Title, Frame: e.Frame, Source: "fake"})
	}
	return out, nil
}

func (a *Adapter) GetActiveWindowTree(ctx context.Context, maxDepth int) (action.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	children := make([]map[string]any, 0, len(a.elements))
	for _, e := range a.elements {
		children = append(children, map[string]any{
			"role": e.Role, "title": e.Title,
			"frame": map[string]int{"x": e.Frame.X, "y": e.Frame.Y, "w": e.Frame.W, "h": e.Frame.H},
		})
	}
	tree := map[string]any{"role": "AXWindow", "title": "fake-window", "children": children}
	return action.Ok("", map[string]any{"tree": tree}), nil
}

// ProbeElement finds the element whose frame contains (x,y); when radius
// > 0 it also samples a cross of four neighbors (spec §4 "probe_ui").
func (a *Adapter) ProbeElement(ctx context.Context, x, y, radius int) (action.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	points := [][2]int{{x, y}}
	if radius > 0 {
		points = append(points, [2]int{x - radius, y}, [2]int{x + radius, y}, [2]int{x, y - radius}, [2]int{x, y + radius})
	}
	var hits []map[string]any
	for _, p := range points {
		for _, e := range a.elements {
			if contains(e.Frame, p[0], p[1]) {
				hits = append(hits, map[string]any{"role": e.Role, "title": e.Title})
				break
			}
		}
	}
	if len(hits) == 0 {
		return action.Fail("no element under point", nil), nil
	}
	return action.Ok("", map[string]any{"elements": hits}), nil
}

func contains(f computer.Frame, x, y int) bool {
	return x >= f.X && x < f.X+f.W && y >= f.Y && y < f.Y+f.H
}

// Execute applies a single action to the fake scene graph. It recognizes
// left_click/type/key/clipboard_op and treats everything else as a
// successful no-op, which is sufficient to drive the router's tests
// without a real display.
func (a *Adapter) Execute(ctx context.Context, act action.Action) (action.Result, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAction = act

	switch act.Type {
	case action.TypeLeftClick, action.TypeRightClick, action.TypeDoubleClick, action.TypeHover:
		x, y := act.X, act.Y
		if act.ElementID != 0 {
			// Resolution to coordinates is the router's job; fakecomputer
			// accepts whatever it was handed.
		}
		for i := range a.elements {
			if contains(a.elements[i].Frame, x, y) {
				return action.Ok("clicked "+a.elements[i].Title, nil), nil
			}
		}
		return action.Fail("no element under point", nil), nil
	case action.TypeType:
		if len(a.elements) == 0 {
			return action.Fail("no focused element", nil), nil
		}
		a.elements[len(a.elements)-1].Text += act.Text
		return action.Ok("", nil), nil
	case action.TypeClipboardOp:
		switch act.ClipboardMode {
		case action.ClipboardWrite:
			a.clipboard = act.Text
		case action.ClipboardClear:
			a.clipboard = ""
		case action.ClipboardRead:
			return action.Ok("", map[string]any{"clipboard": a.clipboard}), nil
		}
		return action.Ok("", nil), nil
	case action.TypeWait, action.TypeCaptureOnly, action.TypeNoop:
		return action.Ok("", nil), nil
	default:
		return action.Ok("", nil), nil
	}
}

func (a *Adapter) Display(ctx context.Context) (computer.Display, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.display, nil
}

// LastAction returns the most recently executed action, for assertions.
func (a *Adapter) LastAction() action.Action {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastAction
}

// Clipboard returns the current fake clipboard contents, for assertions.
func (a *Adapter) Clipboard() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clipboard
}
