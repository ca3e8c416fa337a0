package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/hochfrequenz/limitwatch/internal/config"
	"github.com/hochfrequenz/limitwatch/internal/controller"
	"github.com/hochfrequenz/limitwatch/internal/domain"
	"github.com/hochfrequenz/limitwatch/internal/history"
)

// apiClient talks to a running daemon's control API
type apiClient struct {
	base string
	hc   *http.Client
}

// statusError is a non-2xx answer from the daemon
type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string { return e.msg }

func newClient(cfg *config.Config) *apiClient {
	host := cfg.Web.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &apiClient{
		base: fmt.Sprintf("http://%s:%d", host, cfg.Web.Port),
		hc:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *apiClient) get(path string, out interface{}) error {
	resp, err := c.hc.Get(c.base + path)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is limitwatch running?)", c.base)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) post(path string, body, out interface{}) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	resp, err := c.hc.Post(c.base+path, "application/json", rd)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is limitwatch running?)", c.base)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if body.Error == "" {
		body.Error = resp.Status
	}
	return &statusError{code: resp.StatusCode, msg: body.Error}
}

func (c *apiClient) overview() (*controller.Overview, error) {
	var ov controller.Overview
	if err := c.get("/api/status", &ov); err != nil {
		return nil, err
	}
	return &ov, nil
}

func (c *apiClient) stopSession(id string, force, kill bool) error {
	q := url.Values{}
	if force {
		q.Set("force", "1")
	}
	if kill {
		q.Set("kill", "1")
	}
	path := "/api/sessions/" + id + "/stop"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	return c.post(path, nil, nil)
}

func (c *apiClient) sendInput(id, text string) error {
	return c.post("/api/sessions/"+id+"/input",
		map[string]string{"text": text}, nil)
}

func (c *apiClient) injectOutput(id, line string) error {
	return c.post("/api/sessions/"+id+"/inject",
		map[string]string{"line": line}, nil)
}

func (c *apiClient) forceComplete(id string) error {
	return c.post("/api/sessions/"+id+"/complete", nil, nil)
}

func (c *apiClient) queueAdd(description, template string) (*domain.QueuedTask, error) {
	req := map[string]string{"description": description}
	if template != "" {
		req["template"] = template
	}
	var task domain.QueuedTask
	if err := c.post("/api/queue", req, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *apiClient) queueList() ([]*domain.QueuedTask, error) {
	var tasks []*domain.QueuedTask
	if err := c.get("/api/queue", &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

func (c *apiClient) queueRemove(indices []int) ([]*domain.QueuedTask, error) {
	var removed []*domain.QueuedTask
	if err := c.post("/api/queue/remove",
		map[string][]int{"indices": indices}, &removed); err != nil {
		return nil, err
	}
	return removed, nil
}

func (c *apiClient) queueClear() (int, error) {
	var resp map[string]int
	if err := c.post("/api/queue/clear", nil, &resp); err != nil {
		return 0, err
	}
	return resp["cleared"], nil
}

func (c *apiClient) events(sessionID string, limit int) ([]*domain.DetectionEvent, error) {
	path := fmt.Sprintf("/api/events?limit=%d", limit)
	if sessionID != "" {
		path += "&session_id=" + sessionID
	}
	var events []*domain.DetectionEvent
	if err := c.get(path, &events); err != nil {
		return nil, err
	}
	return events, nil
}

func (c *apiClient) restarts(sessionID string, limit int) ([]*history.RestartAttempt, error) {
	path := fmt.Sprintf("/api/restarts?limit=%d", limit)
	if sessionID != "" {
		path += "&session_id=" + sessionID
	}
	var restarts []*history.RestartAttempt
	if err := c.get(path, &restarts); err != nil {
		return nil, err
	}
	return restarts, nil
}
