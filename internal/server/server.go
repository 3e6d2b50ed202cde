// Package server exposes the run registry over HTTP: start and cancel runs,
// stream their events over a websocket, and serve metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/events"
	"github.com/polzovatel/ai-agent-for-desktop-vision/internal/runs"
)

const (
	maxRequestBody = 64 << 10
	writeTimeout   = 10 * time.Second
)

// Runs is the registry surface the API needs.
type Runs interface {
	Start(ctx context.Context, req runs.Request) (*runs.Run, error)
	Cancel(runID string) bool
	Active() (*runs.Run, bool)
}

// Subscriber hands out per-run event feeds.
type Subscriber interface {
	Subscribe(runID string) (<-chan events.Event, func())
}

type Server struct {
	runs   Runs
	feed   Subscriber
	logger zerolog.Logger
	mux    *http.ServeMux
}

func New(r Runs, feed Subscriber, logger zerolog.Logger) *Server {
	s := &Server{
		runs:   r,
		feed:   feed,
		logger: logger.With().Str("comp", "server").Logger(),
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /runs", s.handleStart)
	s.mux.HandleFunc("GET /runs/active", s.handleActive)
	s.mux.HandleFunc("DELETE /runs/{id}", s.handleCancel)
	s.mux.HandleFunc("GET /runs/{id}/events", s.handleEvents)
	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

type startResponse struct {
	RunID string `json:"runId"`
}

type errorResponse struct {
	Error string `json:"error"`
	RunID string `json:"runId,omitempty"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req runs.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return
	}

	run, err := s.runs.Start(r.Context(), req)
	switch {
	case errors.Is(err, runs.ErrRunInProgress):
		resp := errorResponse{Error: err.Error()}
		if active, ok := s.runs.Active(); ok {
			resp.RunID = active.ID
		}
		writeJSON(w, http.StatusConflict, resp)
		return
	case errors.Is(err, runs.ErrEmptyGoal):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	case err != nil:
		s.logger.Error().Err(err).Msg("start run")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{RunID: run.ID})
}

func (s *Server) handleActive(w http.ResponseWriter, _ *http.Request) {
	run, ok := s.runs.Active()
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "no active run"})
		return
	}
	writeJSON(w, http.StatusOK, struct {
		RunID     string    `json:"runId"`
		Goal      string    `json:"goal"`
		StartedAt time.Time `json:"startedAt"`
	}{run.ID, run.Request.Goal, run.StartedAt})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.runs.Cancel(id)})
}

// handleEvents streams the events of an active run as JSON text messages and
// closes the socket after the result event.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	run, ok := s.runs.Active()
	if !ok || run.ID != id {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "run is not active", RunID: id})
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("run_id", id).Msg("websocket accept")
		return
	}
	defer conn.CloseNow()

	feed, unsubscribe := s.feed.Subscribe(id)
	defer unsubscribe()
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case <-run.Done():
			// The result may have been published before we subscribed or
			// dropped on a full buffer; flush what is queued and hang up.
		drain:
			for {
				select {
				case ev, ok := <-feed:
					if !ok || !s.send(ctx, conn, id, ev) {
						break drain
					}
				default:
					break drain
				}
			}
			conn.Close(websocket.StatusNormalClosure, "run finished")
			return
		case ev, ok := <-feed:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "feed closed")
				return
			}
			if !s.send(ctx, conn, id, ev) {
				return
			}
			if ev.Kind == events.KindResult {
				conn.Close(websocket.StatusNormalClosure, "run finished")
				return
			}
		}
	}
}

// send writes one event and reports whether the socket is still usable.
func (s *Server) send(ctx context.Context, conn *websocket.Conn, id string, ev events.Event) bool {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := wsjson.Write(wctx, conn, ev); err != nil {
		s.logger.Debug().Err(err).Str("run_id", id).Msg("websocket write")
		return false
	}
	return true
}

// ListenAndServe serves h on addr until ctx is done, then shuts down within
// grace.
func ListenAndServe(ctx context.Context, addr string, h http.Handler, grace time.Duration, logger zerolog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
