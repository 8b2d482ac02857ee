package advice

import (
	"errors"
	"io"
	"strings"
	"testing"

	"stockdesk/internal/sse"
)

func ev(event, data string) sse.Frame {
	return sse.Frame{Event: event, Data: []byte(data)}
}

func TestAggregatorUpsertKeepsPosition(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.Apply(ev(EventProgress, `{"step":"resolve","stepIndex":0,"totalSteps":10,"percent":0,"status":"running"}`))
	a.Apply(ev(EventProgress, `{"step":"fetch","stepIndex":1,"totalSteps":10,"percent":10,"status":"running"}`))
	a.Apply(ev(EventProgress, `{"step":"resolve","stepIndex":0,"totalSteps":10,"percent":20,"status":"ok"}`))

	snap := a.Snapshot()
	if len(snap.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(snap.Steps))
	}
	if snap.Steps[0].Step != "resolve" || snap.Steps[0].Percent != 20 || snap.Steps[0].Status != StatusDone {
		t.Errorf("step 0 = %+v, want resolve at 20%% done", snap.Steps[0])
	}
	if snap.Steps[1].Step != "fetch" {
		t.Errorf("step 1 = %+v, want fetch", snap.Steps[1])
	}
	// The latest frame is authoritative for the overall values.
	if snap.OverallPercent != 20 || snap.CurrentStep != "resolve" {
		t.Errorf("overall = %d%% %q, want 20%% resolve", snap.OverallPercent, snap.CurrentStep)
	}
}

func TestAggregatorSameStepDifferentIndex(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.Apply(ev(EventProgress, `{"step":"scan","stepIndex":0,"percent":5}`))
	a.Apply(ev(EventProgress, `{"step":"scan","stepIndex":1,"percent":15}`))
	if n := len(a.Snapshot().Steps); n != 2 {
		t.Errorf("got %d steps, want 2 distinct keys", n)
	}
}

func TestAggregatorCompletedScenario(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.Apply(ev(EventProgress, `{"step":"fetch","stepIndex":0,"percent":10,"status":"running"}`))
	a.Apply(ev(EventProgress, `{"step":"fetch","stepIndex":0,"percent":100,"status":"done"}`))
	a.Apply(ev(EventDone, `{"success":true,"sessionId":42}`))

	snap := a.Snapshot()
	out := snap.Outcome
	if out.Kind != Completed || out.SessionID != 42 || out.FullText != "" {
		t.Fatalf("outcome = %v, want completed(42, \"\")", out)
	}
	if len(snap.Steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(snap.Steps))
	}
	if s := snap.Steps[0]; s.Percent != 100 || s.Status != StatusDone {
		t.Errorf("step = %+v, want 100%% done", s)
	}
}

func TestAggregatorAdviceText(t *testing.T) {
	var texts []string
	a := NewAggregator(func(s string) { texts = append(texts, s) }, nil)
	a.Apply(ev(EventAdviceChunk, `{"text":"<think>hmm</think>"}`))
	a.Apply(ev(EventAdviceChunk, `{"text":"Buy."}`))
	a.Apply(ev(EventAdviceChunk, `{}`))
	a.Apply(ev(EventDone, `{"success":true,"sessionId":7}`))

	if strings.Join(texts, "|") != "<think>hmm</think>|<think>hmm</think>Buy." {
		t.Errorf("text snapshots = %q", texts)
	}
	out := a.Outcome()
	if out.Kind != Completed || out.FullText != "<think>hmm</think>Buy." {
		t.Errorf("outcome = %+v", out)
	}
}

func TestAggregatorStepFailed(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.Apply(ev(EventProgress, `{"step":"Price sub-agent","stepIndex":0,"totalSteps":10,"percent":0,"status":"ok"}`))
	a.Apply(ev(EventStepFailed, `{"step":"Price sub-agent","message":"Summary failed"}`))
	a.Apply(ev(EventStepFailed, `{"step":"Price sub-agent","message":"Summary failed"}`))

	steps := a.Snapshot().Steps
	if len(steps) != 3 {
		t.Fatalf("got %d steps, want 3 (failures append)", len(steps))
	}
	for i, s := range steps[1:] {
		if s.Status != StatusFailed || s.StepIndex != i+1 || s.TotalSteps != DefaultTotalSteps || s.Message != "Summary failed" {
			t.Errorf("failed step %d = %+v", i+1, s)
		}
	}
	if steps[0].Status != StatusDone {
		t.Errorf("original step was replaced: %+v", steps[0])
	}
}

func TestAggregatorDoneFailures(t *testing.T) {
	tests := []struct {
		name string
		data string
		code string
	}{
		{"explicit failure", `{"success":false,"reason":"symbol_not_resolved"}`, "symbol_not_resolved"},
		{"success without session", `{"success":true}`, ""},
		{"null session", `{"success":true,"sessionId":null}`, ""},
		{"fractional session", `{"success":true,"sessionId":4.5}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAggregator(nil, nil)
			a.Apply(ev(EventDone, tt.data))
			out := a.Outcome()
			if out.Kind != Failed || out.Failure != FailureServer || out.Reason != PipelineFailed {
				t.Errorf("outcome = %+v, want server failure", out)
			}
			if out.Code != tt.code {
				t.Errorf("code = %q, want %q", out.Code, tt.code)
			}
			if a.Snapshot().OverallPercent != 100 {
				t.Errorf("percent = %d, want 100 after done", a.Snapshot().OverallPercent)
			}
		})
	}
}

func TestAggregatorIgnoresAfterTerminal(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.Apply(ev(EventDone, `{"success":true,"sessionId":1}`))
	before := a.Snapshot()

	if a.Apply(ev(EventProgress, `{"step":"late","stepIndex":9,"percent":3}`)) {
		t.Error("progress after done was applied")
	}
	if a.Apply(ev(EventAdviceChunk, `{"text":"late"}`)) {
		t.Error("chunk after done was applied")
	}
	if a.Apply(ev(EventDone, `{"success":false}`)) {
		t.Error("second done was applied")
	}

	after := a.Snapshot()
	if len(after.Steps) != len(before.Steps) || after.Outcome != before.Outcome || after.Text != before.Text {
		t.Errorf("state changed after terminal: %+v -> %+v", before, after)
	}
}

func TestAggregatorIgnoresUnknownAndMalformed(t *testing.T) {
	a := NewAggregator(nil, nil)
	frames := []sse.Frame{
		ev("heartbeat", `{}`),
		ev("", `{"text":"x"}`),
		ev(EventProgress, `[1,2,3]`),
		ev(EventProgress, `{"step":5}`),
		ev(EventDone, `"yes"`),
	}
	for _, f := range frames {
		if a.Apply(f) {
			t.Errorf("Apply(%s %s) changed state", f.Event, f.Data)
		}
	}
	if a.Outcome().Terminal() || len(a.Snapshot().Steps) != 0 {
		t.Errorf("state changed: %+v", a.Snapshot())
	}
}

func TestAggregatorFinish(t *testing.T) {
	t.Run("clean close without done", func(t *testing.T) {
		a := NewAggregator(nil, nil)
		a.Apply(ev(EventProgress, `{"step":"fetch","stepIndex":0,"percent":40}`))
		out := a.Finish(io.EOF)
		if out.Kind != Failed || out.Failure != FailureTransport || out.Reason != StreamIncomplete {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("transport error hides detail", func(t *testing.T) {
		a := NewAggregator(nil, nil)
		out := a.Finish(errors.New("dial tcp 10.0.0.3:8000: connection refused"))
		if out.Kind != Failed || out.Failure != FailureTransport || out.Reason != GenericFailure {
			t.Errorf("outcome = %+v", out)
		}
		if strings.Contains(out.Reason, "10.0.0.3") {
			t.Error("reason leaks transport detail")
		}
	})

	t.Run("after done is a no-op", func(t *testing.T) {
		a := NewAggregator(nil, nil)
		a.Apply(ev(EventDone, `{"success":true,"sessionId":3}`))
		out := a.Finish(errors.New("reset"))
		if out.Kind != Completed || out.SessionID != 3 {
			t.Errorf("outcome = %+v, want completed", out)
		}
	})
}

func TestAggregatorNeverCompletesWithoutSuccess(t *testing.T) {
	inputs := [][]sse.Frame{
		{ev(EventDone, `{"success":false}`)},
		{ev(EventDone, `{"success":false,"sessionId":9}`)},
		{ev(EventProgress, `{"step":"x","stepIndex":0,"percent":100,"status":"done"}`)},
		{},
	}
	for i, frames := range inputs {
		a := NewAggregator(nil, nil)
		for _, f := range frames {
			a.Apply(f)
		}
		if out := a.Finish(nil); out.Kind == Completed {
			t.Errorf("input %d completed: %+v", i, out)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.Apply(ev(EventProgress, `{"step":"fetch","stepIndex":0,"percent":10}`))
	snap := a.Snapshot()
	snap.Steps[0].Percent = 99
	if a.Snapshot().Steps[0].Percent != 10 {
		t.Error("mutating a snapshot changed the aggregator")
	}
}

func TestParseStatus(t *testing.T) {
	tests := map[string]Status{
		"running": StatusRunning,
		"ok":      StatusDone,
		"OK ":     StatusDone,
		"done":    StatusDone,
		"failed":  StatusFailed,
		"error":   StatusFailed,
		"":        StatusRunning,
		"weird":   StatusRunning,
	}
	for in, want := range tests {
		if got := ParseStatus(in); got != want {
			t.Errorf("ParseStatus(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPercentClamped(t *testing.T) {
	a := NewAggregator(nil, nil)
	a.Apply(ev(EventProgress, `{"step":"a","stepIndex":0,"percent":140}`))
	if p := a.Snapshot().OverallPercent; p != 100 {
		t.Errorf("percent = %d, want 100", p)
	}
	a.Apply(ev(EventProgress, `{"step":"a","stepIndex":0,"percent":-3}`))
	if p := a.Snapshot().OverallPercent; p != 0 {
		t.Errorf("percent = %d, want 0", p)
	}
	a.Apply(ev(EventProgress, `{"step":"a","stepIndex":0,"percent":94.6}`))
	if p := a.Snapshot().OverallPercent; p != 95 {
		t.Errorf("percent = %d, want 95", p)
	}
}
