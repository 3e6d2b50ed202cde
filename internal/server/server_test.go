package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/agent"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/runs"
)

// signalHub reports every subscription so tests can publish only after the
// websocket handler is listening.
type signalHub struct {
	*events.Hub
	subscribed chan string
}

func (h *signalHub) Subscribe(runID string) (<-chan events.Event, func()) {
	ch, unsub := h.Hub.Subscribe(runID)
	h.subscribed <- runID
	return ch, unsub
}

type fixture struct {
	srv     *httptest.Server
	reg     *runs.Registry
	hub     *signalHub
	proceed chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hub:     &signalHub{Hub: events.NewHub(16), subscribed: make(chan string, 1)},
		proceed: make(chan struct{}),
	}
	f.reg = runs.NewRegistry(func(ctx context.Context, id string, req runs.Request) agent.Result {
		select {
		case <-f.proceed:
		case <-ctx.Done():
			return agent.Result{Outcome: agent.OutcomeCancelled, Message: context.Cause(ctx).Error()}
		}
		em := events.From(ctx)
		em.Step("info", "working on "+req.Goal)
		em.Result("success", "done")
		return agent.Result{Outcome: agent.OutcomeCompleted, Success: true}
	}, f.hub, zerolog.Nop())
	f.srv = httptest.NewServer(New(f.reg, f.hub, zerolog.Nop()).Handler())
	t.Cleanup(func() {
		f.srv.Close()
		_ = f.reg.Shutdown(context.Background())
	})
	return f
}

func (f *fixture) start(t *testing.T, body string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Post(f.srv.URL+"/runs", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestStartConflictAndCancel(t *testing.T) {
	f := newFixture(t)

	resp, out := f.start(t, `{"goal": "open settings", "runId": "run-1"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "run-1", out["runId"])

	resp, out = f.start(t, `{"goal": "another"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "run-1", out["runId"])

	active, err := http.Get(f.srv.URL + "/runs/active")
	require.NoError(t, err)
	active.Body.Close()
	assert.Equal(t, http.StatusOK, active.StatusCode)

	cancel := func(id string) bool {
		req, _ := http.NewRequest(http.MethodDelete, f.srv.URL+"/runs/"+id, nil)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]bool
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return out["cancelled"]
	}
	assert.False(t, cancel("run-2"))
	assert.True(t, cancel("run-1"))

	run, ok := f.reg.Active()
	if ok {
		ctx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		res, err := run.Wait(ctx)
		require.NoError(t, err)
		assert.Equal(t, agent.OutcomeCancelled, res.Outcome)
	}
}

func TestStartRejectsBadBodies(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.start(t, `{"goal": "  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.start(t, `{"goal": "x", "unknown": 1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	none, err := http.Get(f.srv.URL + "/runs/active")
	require.NoError(t, err)
	none.Body.Close()
	assert.Equal(t, http.StatusNotFound, none.StatusCode)
}

func TestEventStreamClosesAfterResult(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.start(t, `{"goal": "open settings", "runId": "run-ws"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/runs/run-ws/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	select {
	case id := <-f.hub.subscribed:
		require.Equal(t, "run-ws", id)
	case <-ctx.Done():
		t.Fatal("handler never subscribed")
	}
	close(f.proceed)

	var step, result events.Event
	require.NoError(t, wsjson.Read(ctx, conn, &step))
	assert.Equal(t, events.KindStep, step.Kind)
	assert.Equal(t, "working on open settings", step.Message)

	require.NoError(t, wsjson.Read(ctx, conn, &result))
	assert.Equal(t, events.KindResult, result.Kind)
	assert.Equal(t, "run-ws", result.RunID)

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}

func TestEventStreamUnknownRun(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.srv.URL + "/runs/nope/events")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(f.srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestListenAndServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		errc <- ListenAndServe(ctx, "127.0.0.1:0", http.NotFoundHandler(), time.Second, zerolog.Nop())
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}

// finishedRuns reports a run as active after it has already ended.
type finishedRuns struct {
	*runs.Registry
	run *runs.Run
}

func (f finishedRuns) Active() (*runs.Run, bool) { return f.run, true }

func TestEventStreamClosesWhenRunAlreadyFinished(t *testing.T) {
	hub := events.NewHub(4)
	reg := runs.NewRegistry(func(context.Context, string, runs.Request) agent.Result {
		return agent.Result{Outcome: agent.OutcomeCompleted, Success: true}
	}, hub, zerolog.Nop())
	run, err := reg.Start(context.Background(), runs.Request{Goal: "g", RunID: "run-gone"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err = run.Wait(ctx)
	require.NoError(t, err)

	srv := httptest.NewServer(New(finishedRuns{Registry: reg, run: run}, hub, zerolog.Nop()).Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/runs/run-gone/events"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	_, _, err = conn.Read(ctx)
	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(err))
}
