// Package policy implements the Policy Engine (spec §4.2): it evaluates a
// proposed action against a set of rules loaded from YAML merged with
// defaults, short-circuiting on the first matching rule in a fixed order.
package policy

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cua-agent/cua-agent/internal/action"
)

// Verdict is the Policy Engine's decision for a proposed action.
type Verdict string

const (
	Allow     Verdict = "allow"
	AllowHITL Verdict = "allow+hitl"
	Deny      Verdict = "deny"
)

// Decision is the full evaluation result: a Verdict plus the human-readable
// reason that identified the matching rule.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// ExclusionZone is a rectangle (in logical points) where actions are denied.
type ExclusionZone struct {
	X     int    `yaml:"x"`
	Y     int    `yaml:"y"`
	W     int    `yaml:"w"`
	H     int    `yaml:"h"`
	Label string `yaml:"label"`
}

func (z ExclusionZone) contains(x, y int) bool {
	return x >= z.X && x < z.X+z.W && y >= z.Y && y < z.Y+z.H
}

// Rules is the on-disk safety-rules schema (spec §6 "Safety rules").
type Rules struct {
	BlockedActions        []string                   `yaml:"blocked_actions"`
	BlockedBundleIDs       []string                  `yaml:"blocked_bundle_ids"`
	HITLActions            []string                  `yaml:"hitl_actions"`
	SensitiveDomains       []string                   `yaml:"sensitive_domains"`
	AllowedShellBasenames  []string                   `yaml:"allowed_shell_basenames"` // legacy, superseded by ShellAllowlist
	ExclusionZones         []ExclusionZone            `yaml:"exclusion_zones"`
	ShellAllowlist         map[string][]string        `yaml:"shell_allowlist"` // abs_path -> allowed argv0 subcommands, "*" = all
}

// DefaultRules returns the built-in defaults merged under any user-supplied
// rules file (spec §4.2: "Rules load from a YAML file merged with defaults").
func DefaultRules() Rules {
	return Rules{
		HITLActions:      []string{"erase_disk", "format_disk", "run_javascript"},
		SensitiveDomains: []string{"chase.com", "bankofamerica.com", "paypal.com"},
	}
}

// LoadRules reads a YAML rules file and merges it on top of DefaultRules.
// A missing file is not an error; it just yields the defaults.
func LoadRules(path string) (Rules, error) {
	rules := DefaultRules()
	b, err := os.ReadFile(path) //nolint:gosec // G304: path is operator-supplied config location
	if os.IsNotExist(err) {
		return rules, nil
	}
	if err != nil {
		return Rules{}, fmt.Errorf("read rules file: %w", err)
	}
	var fileRules Rules
	if err := yaml.Unmarshal(b, &fileRules); err != nil {
		return Rules{}, fmt.Errorf("parse rules file: %w", err)
	}
	rules.BlockedActions = append(rules.BlockedActions, fileRules.BlockedActions...)
	rules.BlockedBundleIDs = append(rules.BlockedBundleIDs, fileRules.BlockedBundleIDs...)
	rules.HITLActions = append(rules.HITLActions, fileRules.HITLActions...)
	rules.SensitiveDomains = append(rules.SensitiveDomains, fileRules.SensitiveDomains...)
	rules.AllowedShellBasenames = append(rules.AllowedShellBasenames, fileRules.AllowedShellBasenames...)
	rules.ExclusionZones = append(rules.ExclusionZones, fileRules.ExclusionZones...)
	if len(fileRules.ShellAllowlist) > 0 {
		if rules.ShellAllowlist == nil {
			rules.ShellAllowlist = make(map[string][]string)
		}
		for k, v := range fileRules.ShellAllowlist {
			rules.ShellAllowlist[k] = v
		}
	}
	return rules, nil
}

// Engine evaluates actions against a Rules set.
type Engine struct {
	rules Rules
}

// New builds an Engine from an already-loaded Rules set.
func New(rules Rules) *Engine {
	return &Engine{rules: rules}
}

var riskyJSTokens = []string{"fetch(", "document.cookie", "eval(", "localStorage", "ws://"}

var destructiveShellPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\b`),
	regexp.MustCompile(`del\s+/s\b`),
	regexp.MustCompile(`format\s+`),
	regexp.MustCompile(`\.(sh|bat|ps1|cmd)\s*$`),
}

// AmbientContext carries the information outside the action itself that
// rules 4 and 5 need (spec §4.2: "active app / target app identifier",
// and the shell PATH lookup).
type AmbientContext struct {
	ActiveAppBundleID string
	TargetAppBundleID string
	BrowserDomain     string
}

// Evaluate runs the ordered rule set from spec §4.2, short-circuiting on
// the first match (spec §8 property 6: "the first matching rule...
// determines the outcome; matches later in the order never override an
// earlier deny").
func (e *Engine) Evaluate(a action.Action, ctx AmbientContext) Decision {
	// 1. blocked_actions (by type or command)
	for _, blocked := range e.rules.BlockedActions {
		if blocked == string(a.Type) || (a.Type == action.TypeSandboxShell && blocked == a.Command) {
			return Decision{Verdict: Deny, Reason: fmt.Sprintf("action type or command %q is blocked", blocked)}
		}
	}

	// 2. run_javascript on a sensitive domain, or containing risky tokens
	if a.Type == action.TypeBrowserOp && a.BrowserOp == action.BrowserRunJavaScript {
		for _, d := range e.rules.SensitiveDomains {
			if ctx.BrowserDomain != "" && strings.EqualFold(ctx.BrowserDomain, d) {
				return Decision{Verdict: Deny, Reason: fmt.Sprintf("run_javascript denied on sensitive domain %q", d)}
			}
		}
		for _, tok := range riskyJSTokens {
			if strings.Contains(a.JavaScript, tok) {
				return Decision{Verdict: AllowHITL, Reason: fmt.Sprintf("run_javascript contains risky token %q", tok)}
			}
		}
	}

	// 3. spatial exclusion
	if x, y, ok := coordinatesOf(a); ok {
		for _, z := range e.rules.ExclusionZones {
			if z.contains(x, y) {
				return Decision{Verdict: Deny, Reason: fmt.Sprintf("coordinates (%d,%d) fall in exclusion zone %q", x, y, z.Label)}
			}
		}
	}

	// 4. sandbox_shell allowlist
	if a.Type == action.TypeSandboxShell {
		if verdict, reason := e.evaluateShell(a.Command); verdict == Deny {
			return Decision{Verdict: Deny, Reason: reason}
		}
	}

	// 5. blocked_bundle_ids
	for _, id := range e.rules.BlockedBundleIDs {
		if id != "" && (id == ctx.ActiveAppBundleID || id == ctx.TargetAppBundleID) {
			return Decision{Verdict: Deny, Reason: fmt.Sprintf("app %q is blocked", id)}
		}
	}

	// 6. hitl_actions
	for _, h := range e.rules.HITLActions {
		if h == string(a.Type) || (a.Type == action.TypeBrowserOp && h == string(a.BrowserOp)) {
			return Decision{Verdict: AllowHITL, Reason: fmt.Sprintf("action %q requires human confirmation", h)}
		}
	}

	// 7. destructive shell patterns
	if a.Type == action.TypeSandboxShell {
		for _, re := range destructiveShellPatterns {
			if re.MatchString(a.Command) {
				return Decision{Verdict: AllowHITL, Reason: fmt.Sprintf("command matches destructive pattern %q", re.String())}
			}
		}
	}

	return Decision{Verdict: Allow, Reason: "no rule matched"}
}

// coordinatesOf extracts the primary coordinate pair a rule should test
// against exclusion zones, preferring (target_x,target_y) when present
// (drag_and_drop's destination matters as much as its origin).
func coordinatesOf(a action.Action) (int, int, bool) {
	if a.TargetX != 0 || a.TargetY != 0 {
		return a.TargetX, a.TargetY, true
	}
	if a.X != 0 || a.Y != 0 {
		return a.X, a.Y, true
	}
	return 0, 0, false
}

// evaluateShell tokenizes the command, resolves the executable to an
// absolute path via PATH, and requires that path be present in the
// allowlist map (spec §4.2 rule 4).
func (e *Engine) evaluateShell(command string) (Verdict, string) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return Deny, "empty command"
	}
	argv0 := fields[0]
	absPath := argv0
	if !filepath.IsAbs(argv0) {
		resolved, err := exec.LookPath(argv0)
		if err != nil {
			return Deny, fmt.Sprintf("command %q not found on PATH", argv0)
		}
		absPath = resolved
	}
	allowedSubcommands, ok := e.rules.ShellAllowlist[absPath]
	if !ok {
		return Deny, fmt.Sprintf("command path %q not allowlisted", absPath)
	}
	if len(allowedSubcommands) == 1 && allowedSubcommands[0] == "*" {
		return Allow, ""
	}
	if len(fields) < 2 {
		return Deny, fmt.Sprintf("command %q requires a subcommand", absPath)
	}
	sub := fields[1]
	for _, s := range allowedSubcommands {
		if s == sub {
			return Allow, ""
		}
	}
	return Deny, fmt.Sprintf("subcommand %q of %q not allowlisted", sub, absPath)
}
