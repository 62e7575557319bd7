// Package cuaerr defines the enriched-error contract shared by the
// orchestration core and the CLI output envelope.
package cuaerr

// RecoverableError is implemented by errors that carry structured context and
// a remediation hint. internal/output mirrors this interface locally (see
// that package) to avoid an import cycle, the same split the teacher repo
// uses between internal/models and internal/output.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// Enriched is a concrete RecoverableError usable directly or via errors.As.
type Enriched struct {
	Code    string
	Ctx     map[string]string
	Action  string
	Message string
	Wrapped error
}

func (e *Enriched) Error() string {
	if e.Wrapped != nil {
		return e.Message + ": " + e.Wrapped.Error()
	}
	return e.Message
}

func (e *Enriched) Unwrap() error { return e.Wrapped }

func (e *Enriched) ErrorCode() string { return e.Code }

func (e *Enriched) Context() map[string]string { return e.Ctx }

func (e *Enriched) SuggestedAction() string { return e.Action }

// New builds an Enriched error with no wrapped cause.
func New(code, message, action string, ctx map[string]string) *Enriched {
	return &Enriched{Code: code, Message: message, Action: action, Ctx: ctx}
}

// Wrap builds an Enriched error around an existing error.
func Wrap(code, message, action string, ctx map[string]string, err error) *Enriched {
	return &Enriched{Code: code, Message: message, Action: action, Ctx: ctx, Wrapped: err}
}

// Known error codes surfaced to the CLI and to orchestrator logs.
const (
	CodeHealthCheck      = "health_check_failed"
	CodeAdapterMissing   = "adapter_missing"
	CodePolicyDenied     = "policy_denied"
	CodeHumanRequired    = "human_confirmation_required"
	CodeDedup            = "hotkey_deduped"
	CodeDriverFailure    = "driver_failure"
	CodeLLMFailure       = "llm_request_failed"
	CodeBadToolCall      = "bad_tool_call"
	CodeStuck            = "stuck"
	CodeUnresolvedMark   = "unresolved_element_id"
	CodeMacroNested      = "macro_nesting_rejected"
	CodeInvalidAction    = "invalid_action"
)
