// Package steps contains the workflow step handlers. Each handler is a thin
// prompt wrapper over the shared model: it reads prior step outputs from the
// workflow state, asks the model, and writes its own output back under its
// step name.
package steps

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/agentgate-io/agentgate/internal/llm"
	"github.com/agentgate-io/agentgate/internal/workflow"
	"github.com/agentgate-io/agentgate/pkg/protocol"
)

// complete asks the model and classifies the failure. Network-level errors
// and context deadlines are transient; everything else is permanent.
func complete(ctx context.Context, model llm.Model, step string, req llm.Request) (*llm.Response, error) {
	resp, err := model.Complete(ctx, req)
	if err != nil {
		return nil, workflow.NewStepError(step, "model_call", isTransient(err), err)
	}
	return resp, nil
}

func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// thinking emits an agent_thinking progress event for the step.
func thinking(ctx context.Context, stream workflow.StreamFunc, message string) {
	stream(ctx, protocol.TypeAgentThinking, map[string]any{"message": message})
}

// Triage classifies the request and decides which downstream work applies.
// It runs first and is critical: without a classification the rest of the
// pipeline has nothing to act on.
type Triage struct {
	Model llm.Model
}

func (t *Triage) Name() string { return "triage" }

func (t *Triage) Execute(ctx context.Context, st *workflow.State, runID string, stream workflow.StreamFunc) error {
	thinking(ctx, stream, "classifying request")

	resp, err := complete(ctx, t.Model, t.Name(), llm.Request{
		System: "You are a triage agent. Classify the user's request and list " +
			"which of these areas it touches: data, optimization, actions, reporting. " +
			"Answer with a short classification followed by the area names.",
		Prompt: st.Request,
	})
	if err != nil {
		return err
	}

	st.Data[t.Name()] = map[string]any{
		"classification": resp.Text,
		"areas":          detectAreas(resp.Text),
	}
	return nil
}

// detectAreas extracts the downstream area names from the triage output.
func detectAreas(text string) []string {
	lower := strings.ToLower(text)
	var areas []string
	for _, a := range []string{"data", "optimization", "actions", "reporting"} {
		if strings.Contains(lower, a) {
			areas = append(areas, a)
		}
	}
	return areas
}

// WantsArea returns a step condition that is true when triage flagged the
// given area. Usable as Step.When; runs the step if triage produced nothing.
func WantsArea(area string) func(*workflow.State) bool {
	return func(st *workflow.State) bool {
		out, ok := st.Data["triage"].(map[string]any)
		if !ok {
			return true
		}
		areas, ok := out["areas"].([]string)
		if !ok {
			return true
		}
		for _, a := range areas {
			if a == area {
				return true
			}
		}
		return false
	}
}

// Data gathers and summarizes the facts the request needs.
type Data struct {
	Model llm.Model
}

func (d *Data) Name() string { return "data" }

func (d *Data) Execute(ctx context.Context, st *workflow.State, runID string, stream workflow.StreamFunc) error {
	thinking(ctx, stream, "gathering data")

	resp, err := complete(ctx, d.Model, d.Name(), llm.Request{
		System: "You are a data analysis agent. Summarize the facts and figures " +
			"relevant to the user's request. Be concise and concrete.",
		Prompt: contextualPrompt(st, "triage"),
	})
	if err != nil {
		return err
	}

	st.Data[d.Name()] = map[string]any{"summary": resp.Text}
	return nil
}

// Optimization proposes improvements based on the gathered data.
type Optimization struct {
	Model llm.Model
}

func (o *Optimization) Name() string { return "optimization" }

func (o *Optimization) Execute(ctx context.Context, st *workflow.State, runID string, stream workflow.StreamFunc) error {
	thinking(ctx, stream, "evaluating optimizations")

	resp, err := complete(ctx, o.Model, o.Name(), llm.Request{
		System: "You are an optimization agent. Given the request and the data " +
			"summary, propose concrete improvements ranked by expected impact.",
		Prompt: contextualPrompt(st, "triage", "data"),
	})
	if err != nil {
		return err
	}

	st.Data[o.Name()] = map[string]any{"recommendations": resp.Text}
	return nil
}

// Actions turns recommendations into an executable action list.
type Actions struct {
	Model llm.Model
}

func (a *Actions) Name() string { return "actions" }

func (a *Actions) Execute(ctx context.Context, st *workflow.State, runID string, stream workflow.StreamFunc) error {
	thinking(ctx, stream, "planning actions")

	resp, err := complete(ctx, a.Model, a.Name(), llm.Request{
		System: "You are an action planning agent. Turn the recommendations into " +
			"a numbered list of specific actions with owners and expected outcomes.",
		Prompt: contextualPrompt(st, "triage", "data", "optimization"),
	})
	if err != nil {
		return err
	}

	st.Data[a.Name()] = map[string]any{"plan": resp.Text}
	return nil
}

// Reporting composes the final user-facing answer from all prior outputs.
// It runs last and is critical: the run's result is its output.
type Reporting struct {
	Model llm.Model
}

func (r *Reporting) Name() string { return "reporting" }

func (r *Reporting) Execute(ctx context.Context, st *workflow.State, runID string, stream workflow.StreamFunc) error {
	thinking(ctx, stream, "composing report")

	resp, err := complete(ctx, r.Model, r.Name(), llm.Request{
		System: "You are a reporting agent. Compose a clear final answer for the " +
			"user from the work done so far. Address the original request directly.",
		Prompt: contextualPrompt(st, "triage", "data", "optimization", "actions"),
	})
	if err != nil {
		return err
	}

	st.Data[r.Name()] = map[string]any{"report": resp.Text}
	return nil
}

// contextualPrompt builds a prompt from the original request plus the named
// prior step outputs, skipping steps that did not run.
func contextualPrompt(st *workflow.State, priorSteps ...string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Request: %s\n", st.Request)
	for _, name := range priorSteps {
		out, ok := st.Data[name].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range out {
			if s, ok := v.(string); ok {
				fmt.Fprintf(&b, "\n%s %s:\n%s\n", name, k, s)
			}
		}
	}
	return b.String()
}

// Pipeline builds the default ordered step list over one shared model.
func Pipeline(model llm.Model) []workflow.Step {
	return []workflow.Step{
		{Handler: &Triage{Model: model}, Critical: true},
		{Handler: &Data{Model: model}, When: WantsArea("data")},
		{Handler: &Optimization{Model: model}, When: WantsArea("optimization")},
		{Handler: &Actions{Model: model}, When: WantsArea("actions")},
		{Handler: &Reporting{Model: model}, Critical: true},
	}
}
