package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/controller"
	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/history"
	"github.com/hochfrequenz/limitwatch/internal/taskqueue"
)

type startRequest struct {
	Command  string   `json:"command"`
	Args     []string `json:"args"`
	WorkDir  string   `json:"work_dir"`
	Simulate bool     `json:"simulate"`
}

type inputRequest struct {
	Text string `json:"text"`
}

type injectRequest struct {
	Line string `json:"line"`
}

type queueAddRequest struct {
	Description string `json:"description"`
	Template    string `json:"template,omitempty"`
}

type queueRemoveRequest struct {
	Indices []int `json:"indices"`
}

// errorStatus maps controller errors onto HTTP codes. Handlers resolve
// unknown sessions to 404 before calling an operation, so an ErrProcess
// here means the operation clashed with the session's current state.
func errorStatus(err error) int {
	var ite *domain.InvalidTransitionError
	if errors.As(err, &ite) {
		return http.StatusConflict
	}
	switch domain.KindOf(err) {
	case domain.ErrTask:
		return http.StatusBadRequest
	case domain.ErrProcess:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, s.ctrl.Overview())
	}
}

func (s *Server) sessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, s.ctrl.Sessions())

		case http.MethodPost:
			var req startRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			sess, err := s.ctrl.StartSession(controller.StartOptions{
				Command:  req.Command,
				Args:     req.Args,
				WorkDir:  req.WorkDir,
				Simulate: req.Simulate,
			})
			if err != nil {
				writeError(w, errorStatus(err), err.Error())
				return
			}
			writeJSON(w, sess)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

// sessionHandler serves /api/sessions/{id} and the POST actions
// /stop, /input, /inject and /complete below it.
func (s *Server) sessionHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
		if rest == "" {
			writeError(w, http.StatusBadRequest, "session id required")
			return
		}
		id := rest
		action := ""
		if idx := strings.Index(rest, "/"); idx >= 0 {
			id = rest[:idx]
			action = rest[idx+1:]
		}

		if _, ok := s.ctrl.Session(id); !ok {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}

		switch action {
		case "":
			if r.Method != http.MethodGet {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			view, _ := s.ctrl.Session(id)
			writeJSON(w, view)

		case "stop":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			q := r.URL.Query()
			force := q.Get("force") == "1" || q.Get("force") == "true"
			kill := q.Get("kill") == "1" || q.Get("kill") == "true"
			if err := s.ctrl.StopSession(id, force, kill); err != nil {
				writeError(w, errorStatus(err), err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "stopped"})

		case "input":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var req inputRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
				writeError(w, http.StatusBadRequest, "text required")
				return
			}
			if err := s.ctrl.SendInput(id, req.Text); err != nil {
				writeError(w, errorStatus(err), err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "sent"})

		case "inject":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			var req injectRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Line == "" {
				writeError(w, http.StatusBadRequest, "line required")
				return
			}
			if err := s.ctrl.InjectOutput(id, req.Line); err != nil {
				writeError(w, errorStatus(err), err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "injected"})

		case "complete":
			if r.Method != http.MethodPost {
				writeError(w, http.StatusMethodNotAllowed, "method not allowed")
				return
			}
			if err := s.ctrl.ForceComplete(id); err != nil {
				writeError(w, errorStatus(err), err.Error())
				return
			}
			writeJSON(w, map[string]string{"status": "completed"})

		default:
			writeError(w, http.StatusNotFound, "unknown action")
		}
	}
}

func (s *Server) eventsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		opts := history.EventListOptions{SessionID: q.Get("session_id")}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				opts.Limit = n
			}
		}
		if v := q.Get("min_confidence"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				opts.MinConfidence = f
			}
		}
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			opts.Since = t
		}

		events, err := s.ctrl.Events(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if events == nil {
			events = []*domain.DetectionEvent{}
		}
		writeJSON(w, events)
	}
}

func (s *Server) restartsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		opts := history.RestartListOptions{SessionID: q.Get("session_id")}
		if v := q.Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				opts.Limit = n
			}
		}
		if v := q.Get("since"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				writeError(w, http.StatusBadRequest, "since must be RFC3339")
				return
			}
			opts.Since = t
		}

		restarts, err := s.ctrl.Restarts(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if restarts == nil {
			restarts = []*history.RestartAttempt{}
		}
		writeJSON(w, restarts)
	}
}

func (s *Server) queueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, s.ctrl.QueueList())

		case http.MethodPost:
			var req queueAddRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			task, err := s.ctrl.QueueAdd(req.Description, req.Template)
			if err != nil {
				writeError(w, errorStatus(err), err.Error())
				return
			}
			writeJSON(w, task)

		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func (s *Server) queueRemoveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req queueRemoveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Indices) == 0 {
			writeError(w, http.StatusBadRequest, "indices required")
			return
		}
		removed, err := s.ctrl.QueueRemove(req.Indices)
		if err != nil {
			writeError(w, errorStatus(err), err.Error())
			return
		}
		writeJSON(w, removed)
	}
}

func (s *Server) queueClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, map[string]int{"cleared": s.ctrl.QueueClear()})
	}
}

func (s *Server) templatesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, taskqueue.Templates())
	}
}
