package steps

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentgate-io/agentgate/internal/llm"
	"github.com/agentgate-io/agentgate/internal/workflow"
	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// fakeModel returns a scripted response and records every request it saw.
type fakeModel struct {
	mu   sync.Mutex
	reqs []llm.Request
	text string
	err  error
}

func (m *fakeModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.reqs = append(m.reqs, req)
	m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	return &llm.Response{Text: m.text, Model: "fake"}, nil
}

func (m *fakeModel) lastPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.reqs) == 0 {
		return ""
	}
	return m.reqs[len(m.reqs)-1].Prompt
}

type streamRecorder struct {
	types []string
}

func (r *streamRecorder) fn() workflow.StreamFunc {
	return func(ctx context.Context, eventType string, payload map[string]any) {
		r.types = append(r.types, eventType)
	}
}

func newState(request string) *workflow.State {
	return workflow.NewState("run-1", "th-1", "alice", request)
}

func TestTriageWritesClassificationAndAreas(t *testing.T) {
	model := &fakeModel{text: "Performance question. Touches: data, reporting."}
	rec := &streamRecorder{}
	st := newState("why is my pipeline slow?")

	tr := &Triage{Model: model}
	require.NoError(t, tr.Execute(context.Background(), st, "run-1", rec.fn()))

	out, ok := st.Data["triage"].(map[string]any)
	require.True(t, ok, "triage wrote no output")
	assert.Equal(t, model.text, out["classification"])
	assert.Equal(t, []string{"data", "reporting"}, out["areas"])
	assert.Contains(t, rec.types, protocol.TypeAgentThinking)
}

func TestDetectAreas(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"touches Data and OPTIMIZATION", []string{"data", "optimization"}},
		{"pure actions request", []string{"actions"}},
		{"data, optimization, actions, reporting", []string{"data", "optimization", "actions", "reporting"}},
		{"nothing relevant here", nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, detectAreas(tt.text), "input %q", tt.text)
	}
}

func TestWantsArea(t *testing.T) {
	st := newState("x")
	st.Data["triage"] = map[string]any{
		"classification": "c",
		"areas":          []string{"data", "reporting"},
	}

	assert.True(t, WantsArea("data")(st))
	assert.True(t, WantsArea("reporting")(st))
	assert.False(t, WantsArea("optimization")(st))
	assert.False(t, WantsArea("actions")(st))
}

func TestWantsAreaDefaultsOpen(t *testing.T) {
	// Missing or malformed triage output must not silently disable steps.
	st := newState("x")
	assert.True(t, WantsArea("data")(st), "no triage output")

	st.Data["triage"] = "not a map"
	assert.True(t, WantsArea("data")(st), "malformed triage output")

	st.Data["triage"] = map[string]any{"areas": "not a slice"}
	assert.True(t, WantsArea("data")(st), "malformed areas")
}

func TestModelErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
	}{
		{"network timeout", &net.DNSError{Err: "timeout", IsTimeout: true}, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"api rejection", errors.New("invalid request"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			model := &fakeModel{err: tt.err}
			rec := &streamRecorder{}
			st := newState("x")

			err := (&Triage{Model: model}).Execute(context.Background(), st, "run-1", rec.fn())
			require.Error(t, err)

			var se *workflow.StepError
			require.ErrorAs(t, err, &se)
			assert.Equal(t, "triage", se.Step)
			assert.Equal(t, "model_call", se.Code)
			assert.Equal(t, tt.wantTransient, se.Transient)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestDataPromptCarriesTriageContext(t *testing.T) {
	model := &fakeModel{text: "42 widgets per hour"}
	rec := &streamRecorder{}
	st := newState("how many widgets?")
	st.Data["triage"] = map[string]any{"classification": "counting question"}

	require.NoError(t, (&Data{Model: model}).Execute(context.Background(), st, "run-1", rec.fn()))

	prompt := model.lastPrompt()
	assert.Contains(t, prompt, "how many widgets?")
	assert.Contains(t, prompt, "counting question")

	out := st.Data["data"].(map[string]any)
	assert.Equal(t, "42 widgets per hour", out["summary"])
}

func TestReportingComposesFromAllPriorSteps(t *testing.T) {
	model := &fakeModel{text: "final answer"}
	rec := &streamRecorder{}
	st := newState("request text")
	st.Data["triage"] = map[string]any{"classification": "triage out"}
	st.Data["data"] = map[string]any{"summary": "data out"}
	st.Data["optimization"] = map[string]any{"recommendations": "opt out"}
	st.Data["actions"] = map[string]any{"plan": "plan out"}

	require.NoError(t, (&Reporting{Model: model}).Execute(context.Background(), st, "run-1", rec.fn()))

	prompt := model.lastPrompt()
	for _, fragment := range []string{"request text", "triage out", "data out", "opt out", "plan out"} {
		assert.Contains(t, prompt, fragment)
	}
	assert.Equal(t, "final answer", st.Data["reporting"].(map[string]any)["report"])
}

func TestContextualPromptSkipsMissingSteps(t *testing.T) {
	st := newState("req")
	st.Data["triage"] = map[string]any{"classification": "t"}
	// "data" never ran.

	prompt := contextualPrompt(st, "triage", "data")
	assert.Contains(t, prompt, "req")
	assert.Contains(t, prompt, "t")
	assert.NotContains(t, prompt, "data summary")
}

func TestPipelineShape(t *testing.T) {
	model := &fakeModel{text: "x"}
	steps := Pipeline(model)
	require.Len(t, steps, 5)

	names := make([]string, len(steps))
	for i, s := range steps {
		names[i] = s.Handler.Name()
	}
	assert.Equal(t, []string{"triage", "data", "optimization", "actions", "reporting"}, names)

	assert.True(t, steps[0].Critical, "triage must be critical")
	assert.True(t, steps[4].Critical, "reporting must be critical")
	for _, i := range []int{1, 2, 3} {
		assert.False(t, steps[i].Critical)
		assert.NotNil(t, steps[i].When, "middle steps are gated by triage")
	}
}
