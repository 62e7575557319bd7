package policy

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cua-agent/cua-agent/internal/action"
)

func TestEvaluate_BlockedActionDenied(t *testing.T) {
	rules := DefaultRules()
	rules.BlockedActions = []string{"open_app"}
	e := New(rules)
	d := e.Evaluate(action.Action{Type: action.TypeOpenApp, AppName: "Finder"}, AmbientContext{})
	assert.Equal(t, Deny, d.Verdict)
}

func TestEvaluate_ExclusionZoneDenied(t *testing.T) {
	rules := DefaultRules()
	rules.ExclusionZones = []ExclusionZone{{X: 0, Y: 0, W: 100, H: 100, Label: "trash"}}
	e := New(rules)
	d := e.Evaluate(action.Action{Type: action.TypeLeftClick, X: 50, Y: 50}, AmbientContext{})
	assert.Equal(t, Deny, d.Verdict)
	assert.Contains(t, d.Reason, "trash")
}

func TestEvaluate_HITLActionRequiresConfirmation(t *testing.T) {
	e := New(DefaultRules())
	d := e.Evaluate(action.Action{Type: action.TypeBrowserOp, BrowserOp: action.BrowserRunJavaScript, JavaScript: "console.log(1)"}, AmbientContext{})
	assert.Equal(t, AllowHITL, d.Verdict)
}

func TestEvaluate_RiskyJSTokenIsHITL(t *testing.T) {
	e := New(DefaultRules())
	d := e.Evaluate(action.Action{Type: action.TypeBrowserOp, BrowserOp: action.BrowserRunJavaScript, JavaScript: "fetch('http://evil')"}, AmbientContext{})
	assert.Equal(t, AllowHITL, d.Verdict)
}

func TestEvaluate_SensitiveDomainDenied(t *testing.T) {
	rules := DefaultRules()
	e := New(rules)
	d := e.Evaluate(action.Action{Type: action.TypeBrowserOp, BrowserOp: action.BrowserRunJavaScript, JavaScript: "x=1"}, AmbientContext{BrowserDomain: "chase.com"})
	assert.Equal(t, Deny, d.Verdict)
}

func TestEvaluate_BlockedBundleIDDenied(t *testing.T) {
	rules := DefaultRules()
	rules.BlockedBundleIDs = []string{"com.apple.Terminal"}
	e := New(rules)
	d := e.Evaluate(action.Action{Type: action.TypeLeftClick, X: 1, Y: 1}, AmbientContext{ActiveAppBundleID: "com.apple.Terminal"})
	assert.Equal(t, Deny, d.Verdict)
}

func TestEvaluate_DestructiveShellPatternIsHITL(t *testing.T) {
	rules := DefaultRules()
	echoPath, err := exec.LookPath("rm")
	require.NoError(t, err)
	rules.ShellAllowlist = map[string][]string{echoPath: {"*"}}
	e := New(rules)
	d := e.Evaluate(action.Action{Type: action.TypeSandboxShell, Command: "rm -rf /"}, AmbientContext{})
	assert.Equal(t, AllowHITL, d.Verdict)
}

func TestEvaluate_ShellNotAllowlistedDenied(t *testing.T) {
	e := New(DefaultRules())
	d := e.Evaluate(action.Action{Type: action.TypeSandboxShell, Command: "rm -rf /"}, AmbientContext{})
	assert.Equal(t, Deny, d.Verdict)
}

func TestEvaluate_ShellAllowlistedSubcommandAllowed(t *testing.T) {
	gitPath, err := exec.LookPath("git")
	if err != nil {
		t.Skip("git not on PATH")
	}
	rules := DefaultRules()
	rules.ShellAllowlist = map[string][]string{gitPath: {"status"}}
	e := New(rules)
	d := e.Evaluate(action.Action{Type: action.TypeSandboxShell, Command: "git status"}, AmbientContext{})
	assert.Equal(t, Allow, d.Verdict)
}

func TestEvaluate_PlainActionAllowed(t *testing.T) {
	e := New(DefaultRules())
	d := e.Evaluate(action.Action{Type: action.TypeWait, Seconds: 1}, AmbientContext{})
	assert.Equal(t, Allow, d.Verdict)
}

func TestEvaluate_OrderingFirstMatchWins(t *testing.T) {
	// blocked_actions (rule 1) should win even if the same type is also
	// listed in hitl_actions (rule 6).
	rules := DefaultRules()
	rules.BlockedActions = []string{"open_app"}
	rules.HITLActions = append(rules.HITLActions, "open_app")
	e := New(rules)
	d := e.Evaluate(action.Action{Type: action.TypeOpenApp, AppName: "Finder"}, AmbientContext{})
	assert.Equal(t, Deny, d.Verdict)
}

func TestLoadRules_MissingFileReturnsDefaults(t *testing.T) {
	rules, err := LoadRules("/nonexistent/path/rules.yaml")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules().HITLActions, rules.HITLActions)
}
