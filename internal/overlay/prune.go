package overlay

// interactiveRoles mirrors the original implementation's fixed set of
// AX roles treated as interactive regardless of label (spec §4.9 step 3,
// grounded on original_source/cua_agent/utils/ax_pruning.py).
var interactiveRoles = map[string]bool{
	"AXButton":    true,
	"AXTextField": true,
	"AXTextArea":  true,
	"AXLink":      true,
	"AXCheckBox":  true,
	"AXComboBox":  true,
	"AXMenuItem":  true,
}

// Prune returns a pruned copy of an accessibility tree keeping only
// interactive/labeled/frame-bearing nodes, dropping deep or empty
// branches, bounded by maxNodes and maxDepth (spec §4.9 step 3: "depth ≤
// 4, ≤ 120 nodes"; §4.6: "depth ≤ 4, node budget ≈ 80").
func Prune(root Node, maxNodes, maxDepth int) Node {
	kept := 0
	var walk func(n Node, depth int) (Node, bool)
	walk = func(n Node, depth int) (Node, bool) {
		if kept >= maxNodes || depth > maxDepth {
			return Node{}, false
		}
		var children []Node
		for _, c := range n.Children {
			if kept >= maxNodes {
				break
			}
			if pruned, ok := walk(c, depth+1); ok {
				children = append(children, pruned)
			}
		}
		if !keep(n) && len(children) == 0 {
			return Node{}, false
		}
		kept++
		out := Node{Role: n.Role, Label: n.Label, Frame: n.Frame, Children: children}
		return out, true
	}
	pruned, ok := walk(root, 0)
	if !ok {
		return Node{}
	}
	return pruned
}

func keep(n Node) bool {
	if interactiveRoles[n.Role] {
		return true
	}
	if n.Label != "" {
		return true
	}
	if n.Frame != nil && n.Frame.W > 0 && n.Frame.H > 0 {
		return true
	}
	return false
}

// CountNodes returns the total node count in a tree, used by tests and by
// the planner adapter's context-sizing.
func CountNodes(n Node) int {
	count := 1
	for _, c := range n.Children {
		count += CountNodes(c)
	}
	return count
}

// CanonicalEqual reports whether two trees are structurally identical
// (spec §4.1: "If AX trees are both present and their canonical JSON
// serializations differ"). Implemented as a direct structural comparison
// rather than round-tripping through JSON, which is equivalent for this
// type and avoids allocation in the hot change-detection path.
func CanonicalEqual(a, b Node) bool {
	if a.Role != b.Role || a.Label != b.Label {
		return false
	}
	if (a.Frame == nil) != (b.Frame == nil) {
		return false
	}
	if a.Frame != nil && *a.Frame != *b.Frame {
		return false
	}
	if len(a.Children) != len(b.Children) {
		return false
	}
	for i := range a.Children {
		if !CanonicalEqual(a.Children[i], b.Children[i]) {
			return false
		}
	}
	return true
}
