// Package overlay implements the Set-of-Mark grounding step (spec §3
// OverlayTag, §4.9 step 3): flattening an accessibility tree into numbered
// bounding boxes the executor can refer to by integer id.
package overlay

import "fmt"

// Frame is a bounding box in logical points.
type Frame struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Center returns the midpoint of the frame, used to resolve an element_id
// reference to concrete coordinates (spec §4.9 step 5).
func (f Frame) Center() (int, int) {
	return f.X + f.W/2, f.Y + f.H/2
}

// Tag is one numbered, semantically grounded element (spec §3 OverlayTag).
type Tag struct {
	ID    int    `json:"id"`
	Role  string `json:"role"`
	Label string `json:"label"`
	Frame Frame  `json:"frame"`
}

// Node is a pruned accessibility-tree node prior to flattening: it may
// carry children, while a Tag is always a leaf-level flattened entry.
type Node struct {
	Role     string `json:"role"`
	Label    string `json:"label"`
	Frame    *Frame `json:"frame,omitempty"`
	Children []Node `json:"children,omitempty"`
}

// Manifest is the numbered tag list produced for one capture, keyed by ID
// for O(1) element_id resolution.
type Manifest struct {
	Tags  []Tag
	byID  map[int]Tag
}

// NewManifest flattens a pruned AX tree into a Manifest, assigning IDs
// 1..N in traversal order (spec §3: "Assigned in traversal order per
// capture"), skipping nodes without a frame (nothing to draw a box
// around) and stopping once maxTags leaf frames have been collected
// (spec §4.9 step 3: "≤ 40 frame-bearing nodes").
func NewManifest(root Node, maxTags int) Manifest {
	m := Manifest{byID: make(map[int]Tag)}
	next := 1
	var walk func(n Node)
	walk = func(n Node) {
		if next > maxTags {
			return
		}
		if n.Frame != nil {
			t := Tag{ID: next, Role: n.Role, Label: n.Label, Frame: *n.Frame}
			m.Tags = append(m.Tags, t)
			m.byID[next] = t
			next++
		}
		for _, c := range n.Children {
			if next > maxTags {
				return
			}
			walk(c)
		}
	}
	walk(root)
	return m
}

// Resolve looks up a tag by element_id, returning the frame center.
func (m Manifest) Resolve(elementID int) (x, y int, ok bool) {
	t, found := m.byID[elementID]
	if !found {
		return 0, 0, false
	}
	x, y = t.Frame.Center()
	return x, y, true
}

// Describe renders a compact, numbered manifest listing for the executor
// prompt (spec §4.6: "a manifest of numbered overlay tags with logical-point
// frames").
func (m Manifest) Describe() []string {
	out := make([]string, 0, len(m.Tags))
	for _, t := range m.Tags {
		label := t.Label
		if label == "" {
			label = t.Role
		}
		out = append(out, fmt.Sprintf("[%d] %s (%s) @ (%d,%d,%d,%d)", t.ID, label, t.Role, t.Frame.X, t.Frame.Y, t.Frame.W, t.Frame.H))
	}
	return out
}
