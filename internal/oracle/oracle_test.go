package oracle

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/llm/llmtest"
)

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"bare", `{"a":1}`, `{"a":1}`},
		{"surrounded", "Sure! Here you go:\n```json\n{\"cell\": 7}\n```\nanything else?", `{"cell": 7}`},
		{"nested", `x {"a":{"b":2},"c":3} {"d":4}`, `{"a":{"b":2},"c":3}`},
		{"brace in string", `{"reason":"use } carefully","x":"\"{"}`, `{"reason":"use } carefully","x":"\"{"}`},
		{"quote in prose", `the "best" guess is {"cell":3}`, `{"cell":3}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ExtractJSON(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ExtractJSON("no json here {")
	assert.Error(t, err)
}

func TestDecodeValidatesShape(t *testing.T) {
	var res CellIdentificationResult
	require.NoError(t, Decode(`result: {"cell": 20, "status": "found", "confidence": "high", "reason": "button"}`, cellSchema, &res))
	assert.Equal(t, 20, res.Cell)
	assert.Equal(t, StatusFound, res.Status)

	for _, bad := range []string{
		`{"cell": "twenty", "status": "found"}`,
		`{"cell": 3, "status": "maybe"}`,
		`{"status": "found"}`,
		`I could not find it.`,
	} {
		err := Decode(bad, cellSchema, &res)
		require.Error(t, err, bad)
		assert.ErrorIs(t, err, ErrParse)
		var pe *ParseError
		assert.ErrorAs(t, err, &pe)
	}
}

func TestIdentifyCellSendsBothImages(t *testing.T) {
	fake := llmtest.Text(`{"cell": 15, "status": "found", "confidence": "medium", "reason": "ok"}`)
	o := New(fake, zerolog.Nop()).WithModel("vision-large")

	res, err := o.IdentifyCell(context.Background(), CellQuery{
		Description: "Submit button",
		Image:       []byte("clean"),
		GridImage:   []byte("grid"),
		GridSize:    6,
		Refinement:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, 15, res.Cell)

	reqs := fake.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "vision-large", reqs[0].Model)
	require.Len(t, reqs[0].Images, 2)
	assert.Equal(t, []byte("clean"), reqs[0].Images[0].Data)
	assert.Equal(t, []byte("grid"), reqs[0].Images[1].Data)
	assert.Contains(t, reqs[0].Prompt, "Submit button")
	assert.Contains(t, reqs[0].Prompt, "zoomed crop")
	assert.Contains(t, reqs[0].Prompt, "36")
}

func TestIdentifyCellAcceptsNullCell(t *testing.T) {
	fake := llmtest.Text(`{"cell": null, "status": "not_found", "confidence": "none", "reason": "no such button on screen"}`)
	res, err := New(fake, zerolog.Nop()).IdentifyCell(context.Background(), CellQuery{
		Description: "Submit button",
		Image:       []byte("clean"),
		GridImage:   []byte("grid"),
		GridSize:    6,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Cell)
	assert.Equal(t, StatusNotFound, res.Status)
	assert.Equal(t, "no such button on screen", res.Reason)
}

func TestDecideNextNormalizesAction(t *testing.T) {
	fake := llmtest.Text(
		`{"action": " Click ", "target": "OK button", "reason": "confirm"}`,
		`{"action": "teleport", "reason": "?"}`,
	)
	o := New(fake, zerolog.Nop())
	in := DecisionInput{Goal: "g", Plan: "p", Step: 1, MaxSteps: 20, History: []PastAction{{Action: "press", Data: "enter", Observation: "nothing"}}}

	dec, err := o.DecideNext(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, ActionClick, dec.Action)
	assert.False(t, dec.Finished())
	assert.Contains(t, fake.Requests()[0].Prompt, `"observation":"nothing"`)

	_, err = o.DecideNext(context.Background(), in)
	assert.ErrorIs(t, err, ErrParse)
}

func TestTransportErrorIsNotParseError(t *testing.T) {
	o := New(llmtest.New(llmtest.Reply{Err: errors.New("connection reset")}), zerolog.Nop())
	_, err := o.Verify(context.Background(), "click OK", "dialog closes", []byte("png"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrParse)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestCancelledContextSkipsCall(t *testing.T) {
	fake := llmtest.Text(`{"feasible": true}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(fake, zerolog.Nop()).ValidatePlan(ctx, "g", []byte("png"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, fake.Calls())
}

func TestReasoningGoesToDebugLog(t *testing.T) {
	hub := events.NewHub(8)
	ch, stop := hub.Subscribe("r")
	defer stop()
	ctx := events.WithEmitter(context.Background(), events.NewEmitter(hub, "r", true))

	fake := llmtest.New(llmtest.Reply{Reasoning: "the dialog is gone", Content: `{"success": true, "observation": "closed"}`})
	res, err := New(fake, zerolog.Nop()).Verify(ctx, "click OK", "dialog closes", []byte("png"))
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, ch, 1)
	e := <-ch
	assert.Equal(t, "reasoning", e.LogType)
	assert.Equal(t, "the dialog is gone", e.Content)
}

func TestModelAndTemperatureOverrides(t *testing.T) {
	fake := llmtest.Text(`{"success": true, "observation": "ok"}`, `{"success": true, "observation": "ok"}`)
	base := New(fake, zerolog.Nop())
	tuned := base.WithModel(" claude-opus ").WithTemperature(0.7)

	_, err := tuned.Verify(context.Background(), "click", "menu opens", []byte("png"))
	require.NoError(t, err)
	_, err = base.Verify(context.Background(), "click", "menu opens", []byte("png"))
	require.NoError(t, err)

	reqs := fake.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "claude-opus", reqs[0].Model)
	assert.InDelta(t, 0.7, reqs[0].Temperature, 1e-6)
	assert.Empty(t, reqs[1].Model)
	assert.InDelta(t, DefaultTemperature, reqs[1].Temperature, 1e-6)
	assert.Equal(t, "claude-opus", tuned.Model())
}
