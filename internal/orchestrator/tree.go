package orchestrator

import (
	"github.com/cua-agent/cua-agent/internal/action"
	"github.com/cua-agent/cua-agent/internal/overlay"
	"github.com/cua-agent/cua-agent/internal/policy"
)

// parseAXTree converts the untyped map the Computer Adapter returns in
// Result.Metadata["tree"] (spec §6) into an overlay.Node tree. It accepts
// both a literal map[string]any child list (what a JSON-decoded real
// backend response looks like, with frame coordinates surfacing as
// float64) and fakecomputer's []map[string]any shortcut, since nothing in
// the Computer Adapter contract pins down which one a given backend uses.
func parseAXTree(raw any) (overlay.Node, bool) {
	m, ok := asMap(raw)
	if !ok {
		return overlay.Node{}, false
	}
	node := overlay.Node{Role: asString(m["role"])}
	if label := asString(m["title"]); label != "" {
		node.Label = label
	}
	if label := asString(m["label"]); label != "" {
		node.Label = label
	}
	if fr, ok := asMap(m["frame"]); ok {
		f := overlay.Frame{X: asInt(fr["x"]), Y: asInt(fr["y"]), W: asInt(fr["w"]), H: asInt(fr["h"])}
		node.Frame = &f
	}
	for _, c := range asSlice(m["children"]) {
		if child, ok := parseAXTree(c); ok {
			node.Children = append(node.Children, child)
		}
	}
	return node, true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[string]int:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = vv
		}
		return out, true
	default:
		return nil, false
	}
}

func asSlice(v any) []any {
	switch t := v.(type) {
	case []any:
		return t
	case []map[string]any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = c
		}
		return out
	default:
		return nil
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

// treeFromResult extracts and parses the AX tree carried in an
// inspect_ui/GetActiveWindowTree result, tolerating an unsuccessful or
// malformed result by returning (nil, false) rather than erroring: AX
// grounding is best-effort (spec §4.9 step 3 degrades gracefully when the
// tree is unavailable).
func treeFromResult(res action.Result) (*overlay.Node, bool) {
	if res.Metadata == nil {
		return nil, false
	}
	raw, ok := res.Metadata["tree"]
	if !ok {
		return nil, false
	}
	node, ok := parseAXTree(raw)
	if !ok {
		return nil, false
	}
	return &node, true
}

// treeSummary renders a pruned tree as compact lines for the executor
// prompt (spec §4.6: "accessibility-tree summary").
func treeSummary(root overlay.Node) []string {
	var out []string
	var walk func(n overlay.Node, depth int)
	walk = func(n overlay.Node, depth int) {
		label := n.Label
		if label == "" {
			label = n.Role
		}
		indent := ""
		for i := 0; i < depth; i++ {
			indent += "  "
		}
		out = append(out, indent+n.Role+": "+label)
		for _, c := range n.Children {
			walk(c, depth+1)
		}
	}
	walk(root, 0)
	return out
}

// ambientContextFrom derives the Policy Engine's AmbientContext from the
// foreground window's AX root and the most recent browser navigation
// (spec §4.3 "enrich the action with ambient context"). The Computer
// Adapter contract has no dedicated "foreground app" call, so the window
// title is the best available proxy for ActiveAppBundleID; a real
// per-OS backend may return a bundle identifier there instead.
func ambientContextFrom(root *overlay.Node, targetAppName, browserDomain string) policy.AmbientContext {
	ctx := policy.AmbientContext{TargetAppBundleID: targetAppName, BrowserDomain: browserDomain}
	if root != nil {
		ctx.ActiveAppBundleID = root.Label
		if ctx.ActiveAppBundleID == "" {
			ctx.ActiveAppBundleID = root.Role
		}
	}
	return ctx
}
