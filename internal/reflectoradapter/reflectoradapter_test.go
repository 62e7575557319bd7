package reflectoradapter

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

func TestEvaluateStep_ParsesCompleteVerdict(t *testing.T) {
	srv := serverWithContent(t, `{"is_complete":true,"status":"success","failure_type":"","reason":"wifi toggle now on"}`)
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	eval := a.EvaluateStep(context.Background(), &plan.Step{ID: 1, Description: "toggle wifi"}, nil, "")
	assert.True(t, eval.IsComplete)
	assert.Equal(t, StatusSuccess, eval.Status)
}

func TestEvaluateStep_RequestFailureFallsBackToConservativeIncomplete(t *testing.T) {
	a := New(llmclient.New("http://127.0.0.1:1", "k", 200*time.Millisecond), "m")
	eval := a.EvaluateStep(context.Background(), nil, nil, "")
	assert.False(t, eval.IsComplete)
	assert.Equal(t, StatusIncomplete, eval.Status)
}

func TestEvaluateStep_UnparsableResponseFallsBackToConservativeIncomplete(t *testing.T) {
	srv := serverWithContent(t, "not json at all")
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	eval := a.EvaluateStep(context.Background(), nil, nil, "")
	assert.Equal(t, StatusIncomplete, eval.Status)
}

func TestSuggestHint_ReturnsTrimmedText(t *testing.T) {
	srv := serverWithContent(t, "  try clicking the visible Wi-Fi toggle directly  ")
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	hint, err := a.SuggestHint(context.Background(), &plan.Step{Description: "toggle wifi"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "try clicking the visible Wi-Fi toggle directly", hint)
}

func TestDescribeImage_ReturnsDescription(t *testing.T) {
	srv := serverWithContent(t, "The settings window is open with the network pane visible.")
	defer srv.Close()

	a := New(llmclient.New(srv.URL, "k", 5*time.Second), "m")
	desc, err := a.DescribeImage(context.Background(), "Zm9v")
	require.NoError(t, err)
	assert.Contains(t, desc, "settings window")
}
