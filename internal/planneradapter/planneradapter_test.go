package planneradapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cua-agent/cua-agent/internal/llmclient"
	"github.com/cua-agent/cua-agent/internal/plan"
)

func serverWithContent(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := llmclient.ChatResponse{Choices: []llmclient.Choice{{Message: llmclient.Message{Role: "assistant", Content: content}}}}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
}

const fourStepPlan = `[
	{"id":1,"description":"open settings","success_criteria":"settings window visible","status":"in_progress","recovery_steps":[],"sub_steps":[]},
	{"id":2,"description":"click network","success_criteria":"network pane visible","status":"pending","recovery_steps":[],"sub_steps":[]},
	{"id":3,"description":"toggle wifi","success_criteria":"wifi toggled on","status":"pending","recovery_steps":[],"sub_steps":[]},
	{"id":4,"description":"close settings","success_criteria":"settings window closed","status":"pending","recovery_steps":[],"sub_steps":[]}
]`

func TestCreatePlan_ParsesStepsWithinBounds(t *testing.T) {
	srv := serverWithContent(t, fourStepPlan)
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	p, err := a.CreatePlan(context.Background(), "plan-1", CreatePlanRequest{UserPrompt: "turn on wifi"})
	require.NoError(t, err)
	assert.Len(t, p.Steps, 4)
	assert.Equal(t, plan.StatusInProgress, p.Steps[0].Status)
}

func TestCreatePlan_ToleratesCodeFence(t *testing.T) {
	srv := serverWithContent(t, "```json\n"+fourStepPlan+"\n```")
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	p, err := a.CreatePlan(context.Background(), "plan-1", CreatePlanRequest{UserPrompt: "turn on wifi"})
	require.NoError(t, err)
	assert.Len(t, p.Steps, 4)
}

func TestCreatePlan_RejectsTooFewSteps(t *testing.T) {
	srv := serverWithContent(t, `[{"id":1,"description":"a","success_criteria":"b","status":"in_progress"}]`)
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	_, err := a.CreatePlan(context.Background(), "plan-1", CreatePlanRequest{UserPrompt: "x"})
	require.Error(t, err)
}

func TestRevisePlan_NormalizesExactlyOneInProgress(t *testing.T) {
	revised := `[
		{"id":1,"description":"open settings","success_criteria":"x","status":"done"},
		{"id":2,"description":"click network","success_criteria":"x","status":"in_progress"},
		{"id":3,"description":"toggle wifi","success_criteria":"x","status":"pending"}
	]`
	srv := serverWithContent(t, revised)
	defer srv.Close()

	current, err := plan.New("plan-1", "turn on wifi", []plan.Step{
		{ID: 1, Description: "open settings", SuccessCriteria: "x", Status: plan.StatusInProgress},
		{ID: 2, Description: "click network", SuccessCriteria: "x", Status: plan.StatusPending},
		{ID: 3, Description: "toggle wifi", SuccessCriteria: "x", Status: plan.StatusPending},
	})
	require.NoError(t, err)

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	out, err := a.RevisePlan(context.Background(), current, []string{"clicked settings icon"}, "")
	require.NoError(t, err)
	assert.Equal(t, plan.StatusDone, out.Steps[0].Status)
	assert.Equal(t, 1, out.CurrentStepIndex)
}

func TestSummarizeHistoryChunk_ReturnsTrimmedLine(t *testing.T) {
	srv := serverWithContent(t, "  opened settings, clicked network, no errors  \n")
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	line, err := a.SummarizeHistoryChunk(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, "opened settings, clicked network, no errors", line)
}
