package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/config"
	"github.com/hochfrequenz/limitwatch/internal/controller"
	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/notify"
)

const limitLine = "Claude usage limit exceeded. Please wait 2 hours before continuing."

func newTestServer(t *testing.T) (*Server, *controller.Controller) {
	t.Helper()
	cfg := config.Default()
	cfg.General.StateDir = t.TempDir()
	cfg.General.DatabasePath = ":memory:"
	cfg.Notifications.Desktop = false

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctrl, err := controller.New(controller.Options{
		Config:   cfg,
		Logger:   logger,
		Notifier: notify.NoopNotifier{},
	})
	if err != nil {
		t.Fatalf("controller.New() error: %v", err)
	}
	t.Cleanup(func() { ctrl.Close() })
	return NewServer(ctrl, logger, ":0"), ctrl
}

func doRequest(t *testing.T, s *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	return w
}

func startSimulated(t *testing.T, ctrl *controller.Controller) *domain.Session {
	t.Helper()
	sess, err := ctrl.StartSession(controller.StartOptions{Simulate: true})
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	return sess
}

func TestStatusHandler(t *testing.T) {
	s, ctrl := newTestServer(t)
	startSimulated(t, ctrl)
	if _, err := ctrl.QueueAdd("write release notes", ""); err != nil {
		t.Fatalf("QueueAdd() error: %v", err)
	}

	w := doRequest(t, s, "GET", "/api/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}

	var ov controller.Overview
	if err := json.NewDecoder(w.Body).Decode(&ov); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(ov.Sessions) != 1 {
		t.Errorf("Sessions = %d, want 1", len(ov.Sessions))
	}
	if ov.QueueLength != 1 {
		t.Errorf("QueueLength = %d, want 1", ov.QueueLength)
	}
}

func TestSessionsHandler_CreateAndList(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/sessions", startRequest{Simulate: true})
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var sess domain.Session
	if err := json.NewDecoder(w.Body).Decode(&sess); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if sess.Status != domain.SessionActive {
		t.Errorf("Status = %v, want active", sess.Status)
	}
	if !sess.Simulated {
		t.Error("Session should be simulated")
	}

	w = doRequest(t, s, "GET", "/api/sessions", nil)
	var views []*controller.SessionView
	json.NewDecoder(w.Body).Decode(&views)
	if len(views) != 1 {
		t.Errorf("Session count = %d, want 1", len(views))
	}
}

func TestSessionsHandler_BadBody(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/api/sessions", strings.NewReader("{broken"))
	w := httptest.NewRecorder()
	s.mux.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Status = %d, want 400", w.Code)
	}
}

func TestSessionHandler_NotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, "GET", "/api/sessions/sess_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET status = %d, want 404", w.Code)
	}
	w = doRequest(t, s, "POST", "/api/sessions/sess_missing/stop", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("POST stop status = %d, want 404", w.Code)
	}
}

func TestSessionHandler_StopWaitingConflict(t *testing.T) {
	s, ctrl := newTestServer(t)
	sess := startSimulated(t, ctrl)
	if err := ctrl.InjectOutput(sess.ID, limitLine); err != nil {
		t.Fatalf("InjectOutput() error: %v", err)
	}

	w := doRequest(t, s, "POST", "/api/sessions/"+sess.ID+"/stop", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("Status = %d, want 409", w.Code)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if !strings.Contains(resp["error"], "not allowed in current state") {
		t.Errorf("Error = %q, want a transition rejection", resp["error"])
	}

	w = doRequest(t, s, "POST", "/api/sessions/"+sess.ID+"/stop?force=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Forced stop status = %d, want 200: %s", w.Code, w.Body.String())
	}

	v, _ := ctrl.Session(sess.ID)
	if v.Session.Status != domain.SessionStopped {
		t.Errorf("Session status = %v, want stopped", v.Session.Status)
	}
}

func TestSessionHandler_InjectAndInput(t *testing.T) {
	s, ctrl := newTestServer(t)
	sess := startSimulated(t, ctrl)

	w := doRequest(t, s, "POST", "/api/sessions/"+sess.ID+"/inject", injectRequest{Line: "compiling module graph"})
	if w.Code != http.StatusOK {
		t.Fatalf("Inject status = %d, want 200: %s", w.Code, w.Body.String())
	}
	w = doRequest(t, s, "POST", "/api/sessions/"+sess.ID+"/input", inputRequest{Text: "continue"})
	if w.Code != http.StatusOK {
		t.Fatalf("Input status = %d, want 200: %s", w.Code, w.Body.String())
	}
	w = doRequest(t, s, "POST", "/api/sessions/"+sess.ID+"/inject", injectRequest{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Empty inject status = %d, want 400", w.Code)
	}

	w = doRequest(t, s, "GET", "/api/sessions/"+sess.ID, nil)
	var view controller.SessionView
	json.NewDecoder(w.Body).Decode(&view)
	found := false
	for _, line := range view.RecentOutput {
		if line == "compiling module graph" {
			found = true
		}
	}
	if !found {
		t.Errorf("RecentOutput = %v, want the injected line", view.RecentOutput)
	}
}

func TestSessionHandler_UnknownAction(t *testing.T) {
	s, ctrl := newTestServer(t)
	sess := startSimulated(t, ctrl)

	w := doRequest(t, s, "POST", "/api/sessions/"+sess.ID+"/promote", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("Status = %d, want 404", w.Code)
	}
}

func TestEventsHandler(t *testing.T) {
	s, ctrl := newTestServer(t)
	sess := startSimulated(t, ctrl)
	ctrl.InjectOutput(sess.ID, limitLine)

	w := doRequest(t, s, "GET", "/api/events?session_id="+sess.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var events []*domain.DetectionEvent
	json.NewDecoder(w.Body).Decode(&events)
	if len(events) != 1 {
		t.Fatalf("Events = %d, want 1", len(events))
	}
	if events[0].SessionID != sess.ID {
		t.Errorf("SessionID = %q, want %q", events[0].SessionID, sess.ID)
	}

	// The exact-phrase match scores 0.95, so a 0.99 floor hides it
	w = doRequest(t, s, "GET", "/api/events?min_confidence=0.99", nil)
	events = nil
	json.NewDecoder(w.Body).Decode(&events)
	if len(events) != 0 {
		t.Errorf("Filtered events = %d, want 0", len(events))
	}

	w = doRequest(t, s, "GET", "/api/events?since=yesterday", nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("Bad since status = %d, want 400", w.Code)
	}
}

func TestQueueHandlers(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, "POST", "/api/queue", queueAddRequest{Description: "tidy the changelog"})
	if w.Code != http.StatusOK {
		t.Fatalf("Add status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var task domain.QueuedTask
	json.NewDecoder(w.Body).Decode(&task)
	if !strings.HasPrefix(task.ID, "queue_") {
		t.Errorf("Task ID = %q, want queue_ prefix", task.ID)
	}

	w = doRequest(t, s, "POST", "/api/queue", queueAddRequest{Description: "x", Template: "no-such-template"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("Unknown template status = %d, want 400", w.Code)
	}

	w = doRequest(t, s, "GET", "/api/queue", nil)
	var tasks []*domain.QueuedTask
	json.NewDecoder(w.Body).Decode(&tasks)
	if len(tasks) != 1 {
		t.Fatalf("Queue length = %d, want 1", len(tasks))
	}

	w = doRequest(t, s, "POST", "/api/queue/remove", queueRemoveRequest{Indices: []int{1}})
	if w.Code != http.StatusOK {
		t.Fatalf("Remove status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var removed []*domain.QueuedTask
	json.NewDecoder(w.Body).Decode(&removed)
	if len(removed) != 1 || removed[0].Description != "tidy the changelog" {
		t.Errorf("Removed = %+v, want the queued task", removed)
	}

	w = doRequest(t, s, "POST", "/api/queue/clear", nil)
	var cleared map[string]int
	json.NewDecoder(w.Body).Decode(&cleared)
	if cleared["cleared"] != 0 {
		t.Errorf("Cleared = %d, want 0", cleared["cleared"])
	}
}

func TestTemplatesHandler(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, "GET", "/api/templates", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var templates []map[string]interface{}
	json.NewDecoder(w.Body).Decode(&templates)
	if len(templates) == 0 {
		t.Error("Expected built-in templates")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t)

	for _, tc := range []struct {
		method, path string
	}{
		{"POST", "/api/status"},
		{"DELETE", "/api/queue"},
		{"GET", "/api/queue/clear"},
		{"PUT", "/api/sessions"},
	} {
		w := doRequest(t, s, tc.method, tc.path, nil)
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tc.method, tc.path, w.Code)
		}
	}
}

func TestSSEHub_BroadcastAndShutdown(t *testing.T) {
	hub := NewSSEHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	client := make(chan SSEEvent, 1)
	hub.register <- client

	hub.Broadcast(SSEEvent{Type: "detection", Data: "x"})
	select {
	case ev := <-client:
		if ev.Type != "detection" {
			t.Errorf("Type = %q, want detection", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("broadcast never arrived")
	}

	cancel()
	select {
	case _, open := <-client:
		if open {
			t.Error("Expected the client channel to close on shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("client channel not closed after shutdown")
	}

	// Dropped, not blocked, once the hub is gone
	hub.Broadcast(SSEEvent{Type: "late"})
}
