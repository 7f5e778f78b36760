// Package client is the Go client for the TaskDash server. It mirrors the
// owner's task list locally and keeps it synchronized: every mutation goes
// through the HTTP surface, and the websocket listener re-fetches the
// authoritative list whenever another session changes something.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"taskdash/internal/models"
	"taskdash/internal/realtime"
	"taskdash/internal/task"
)

// ErrNotFound is returned for a task that does not exist or is not owned by
// the authenticated user; the server does not distinguish the two.
var ErrNotFound = errors.New("task not found")

type pendingKey struct {
	kind   realtime.Kind
	taskID int64
}

// Client talks to one TaskDash server on behalf of one authenticated user.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *log.Logger

	mu      sync.Mutex
	tasks   []models.Task
	pending map[pendingKey]int
	ready   bool
}

// New builds a client for the server at baseURL using an issued auth token.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  log.Default(),
		pending: make(map[pendingKey]int),
	}
}

// Login authenticates against the server and returns a ready client.
func Login(ctx context.Context, baseURL, username, password string) (*Client, error) {
	c := New(baseURL, "")
	var resp struct {
		AuthToken string `json:"auth_token"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/api/users/login",
		map[string]string{"username": username, "password": password}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.AuthToken == "" {
		return nil, errors.New("login response missing auth token")
	}
	c.token = resp.AuthToken
	return c, nil
}

// Ready reports whether a Listen call is connected and has completed its
// initial fetch, i.e. the local view is live.
func (c *Client) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Tasks returns a copy of the current local view.
func (c *Client) Tasks() []models.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// List fetches the owner's tasks and replaces the local view. Safe to call
// redundantly; the result is whatever the store authorizes, nothing more.
func (c *Client) List(ctx context.Context) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.doJSON(ctx, http.MethodGet, "/api/tasks", nil, &tasks); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.tasks = tasks
	c.mu.Unlock()
	return tasks, nil
}

// Create adds a task and applies it to the local view optimistically; the
// server's own signal for this mutation is then consumed as a no-op. The new
// task id is not known before the request, so the echoed signal can beat the
// response here: when that happens the refetch has already placed the task in
// the view, and nothing is recorded or applied.
func (c *Client) Create(ctx context.Context, fields task.CreateFields) (*models.Task, error) {
	var t models.Task
	if err := c.doJSON(ctx, http.MethodPost, "/api/tasks", fields, &t); err != nil {
		return nil, err
	}
	c.mu.Lock()
	if !c.hasTaskLocked(t.ID) {
		c.pending[pendingKey{kind: realtime.KindCreated, taskID: t.ID}]++
		c.tasks = append([]models.Task{t}, c.tasks...)
	}
	c.mu.Unlock()
	return &t, nil
}

// Update patches a task with the supplied fields. The pending mark goes in
// before the request: the server publishes the change event ahead of writing
// the response, so the echoed signal can arrive first.
func (c *Client) Update(ctx context.Context, taskID int64, fields task.UpdateFields) (*models.Task, error) {
	key := pendingKey{kind: realtime.KindUpdated, taskID: taskID}
	c.markPending(key)
	var t models.Task
	path := fmt.Sprintf("/api/tasks/%d", taskID)
	if err := c.doJSON(ctx, http.MethodPut, path, fields, &t); err != nil {
		c.unmarkPending(key)
		return nil, err
	}
	c.mu.Lock()
	for i := range c.tasks {
		if c.tasks[i].ID == t.ID {
			c.tasks[i] = t
			break
		}
	}
	c.mu.Unlock()
	return &t, nil
}

// Delete removes a task. Pending bookkeeping works as in Update.
func (c *Client) Delete(ctx context.Context, taskID int64) error {
	key := pendingKey{kind: realtime.KindDeleted, taskID: taskID}
	c.markPending(key)
	path := fmt.Sprintf("/api/tasks/%d", taskID)
	if err := c.doJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		c.unmarkPending(key)
		return err
	}
	c.mu.Lock()
	kept := c.tasks[:0]
	for _, t := range c.tasks {
		if t.ID != taskID {
			kept = append(kept, t)
		}
	}
	c.tasks = kept
	c.mu.Unlock()
	return nil
}

func (c *Client) markPending(key pendingKey) {
	c.mu.Lock()
	c.pending[key]++
	c.mu.Unlock()
}

// unmarkPending withdraws the mark of a failed mutation. If the echoed signal
// already consumed it there is nothing left to undo.
func (c *Client) unmarkPending(key pendingKey) {
	c.mu.Lock()
	if c.pending[key] > 0 {
		c.pending[key]--
		if c.pending[key] == 0 {
			delete(c.pending, key)
		}
	}
	c.mu.Unlock()
}

// hasTaskLocked reports whether the view holds the task. Caller holds mu.
func (c *Client) hasTaskLocked(id int64) bool {
	for _, t := range c.tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

// Listen connects the real-time channel and blocks, reconciling the local
// view on every signal, until the context is canceled or the channel closes.
// An initial List runs first so a fresh listener starts from authoritative
// state.
func (c *Client) Listen(ctx context.Context) error {
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws?token=" + c.token
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial realtime channel: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if _, err := c.List(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ready = false
		c.mu.Unlock()
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var sig realtime.Signal
		if err := json.Unmarshal(data, &sig); err != nil {
			c.logger.Printf("client: bad signal payload: %v", err)
			continue
		}
		c.reconcile(ctx, sig)
	}
}

// reconcile re-fetches the full view unless the signal matches a mutation
// this client performed itself, which was already applied optimistically.
func (c *Client) reconcile(ctx context.Context, sig realtime.Signal) {
	key := pendingKey{kind: realtime.Kind(sig.Event), taskID: sig.TaskID}
	c.mu.Lock()
	if c.pending[key] > 0 {
		c.pending[key]--
		if c.pending[key] == 0 {
			delete(c.pending, key)
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if _, err := c.List(ctx); err != nil {
		c.logger.Printf("client: resync after %s signal failed: %v", sig.Event, err)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		var body struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, body.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
