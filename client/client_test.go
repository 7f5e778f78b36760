package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"taskdash/internal/api"
	"taskdash/internal/auth"
	"taskdash/internal/config"
	"taskdash/internal/models"
	"taskdash/internal/realtime"
	"taskdash/internal/storage"
	"taskdash/internal/task"
	"taskdash/internal/user"
)

func startServer(t *testing.T) (*httptest.Server, *realtime.Gateway) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: ":memory:"},
		},
	}
	db, err := storage.Open("sqlite3", cfg)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	// A pooled second connection would see a fresh in-memory database.
	db.SetMaxOpenConns(1)
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}

	gateway := realtime.NewGateway(0, log.New(os.Stderr, "[client-test] ", log.LstdFlags))
	handler := api.NewHandler(
		user.NewService(db),
		task.NewService(db, gateway),
		auth.NewService(db, nil, time.Hour),
		gateway,
	)
	router := gin.New()
	handler.RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		gateway.Close()
		db.Close()
	})
	return srv, gateway
}

func registerUser(t *testing.T, srv *httptest.Server, username string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]string{"username": username, "password": "pass123"})
	resp, err := http.Post(srv.URL+"/api/users/register", "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d", resp.StatusCode)
	}
}

func loginClient(t *testing.T, srv *httptest.Server, username string) *Client {
	t.Helper()
	c, err := Login(context.Background(), srv.URL, username, "pass123")
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return c
}

func startListener(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("listen: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// waitForListener blocks until the client's listener finished its initial
// sync and the server registered the session, so a following mutation is
// guaranteed to be signaled.
func waitForListener(t *testing.T, g *realtime.Gateway, c *Client, sessions int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Ready() && g.ClientCount() == sessions {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener never became ready (ready=%v sessions=%d)", c.Ready(), g.ClientCount())
}

func waitForView(t *testing.T, c *Client, desc string, ok func([]models.Task) bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if ok(c.Tasks()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("view never converged: %s (have %+v)", desc, c.Tasks())
}

// TestViewsConvergeAcrossSessions drives a mutation through one session and
// waits for a second session of the same owner to pick it up through the
// signal-then-refetch path, across the full create/update/delete lifecycle.
func TestViewsConvergeAcrossSessions(t *testing.T) {
	srv, gateway := startServer(t)
	registerUser(t, srv, "alice")

	observer := loginClient(t, srv, "alice")
	mutator := loginClient(t, srv, "alice")
	startListener(t, observer)
	waitForListener(t, gateway, observer, 1)

	created, err := mutator.Create(context.Background(), task.CreateFields{
		Title:    "shared task",
		Priority: models.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForView(t, observer, "created task visible", func(tasks []models.Task) bool {
		return len(tasks) == 1 && tasks[0].ID == created.ID
	})

	status := models.StatusCompleted
	if _, err := mutator.Update(context.Background(), created.ID, task.UpdateFields{Status: &status}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitForView(t, observer, "status update visible", func(tasks []models.Task) bool {
		return len(tasks) == 1 && tasks[0].Status == models.StatusCompleted
	})

	if err := mutator.Delete(context.Background(), created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitForView(t, observer, "deletion visible", func(tasks []models.Task) bool {
		return len(tasks) == 0
	})
}

// TestOwnMutationIsNoOp checks that a listening client does not duplicate or
// disturb its optimistically applied mutation when its own signal echoes back.
func TestOwnMutationIsNoOp(t *testing.T) {
	srv, gateway := startServer(t)
	registerUser(t, srv, "alice")

	c := loginClient(t, srv, "alice")
	startListener(t, c)
	waitForListener(t, gateway, c, 1)

	created, err := c.Create(context.Background(), task.CreateFields{Title: "mine"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// The echoed signal consumes the pending entry instead of refetching.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		drained := len(c.pending) == 0
		c.mu.Unlock()
		if drained {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	c.mu.Lock()
	if len(c.pending) != 0 {
		c.mu.Unlock()
		t.Fatalf("pending mutation never consumed")
	}
	c.mu.Unlock()

	tasks := c.Tasks()
	if len(tasks) != 1 || tasks[0].ID != created.ID {
		t.Fatalf("own mutation disturbed the view: %+v", tasks)
	}
}

func TestForeignOwnerStaysIsolated(t *testing.T) {
	srv, gateway := startServer(t)
	registerUser(t, srv, "alice")
	registerUser(t, srv, "bob")

	bob := loginClient(t, srv, "bob")
	startListener(t, bob)
	waitForListener(t, gateway, bob, 1)

	alice := loginClient(t, srv, "alice")
	if _, err := alice.Create(context.Background(), task.CreateFields{Title: "private"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	// Give any misrouted signal time to arrive.
	time.Sleep(300 * time.Millisecond)
	if tasks := bob.Tasks(); len(tasks) != 0 {
		t.Fatalf("alice's task leaked into bob's view: %+v", tasks)
	}
	if _, err := bob.List(context.Background()); err != nil {
		t.Fatalf("list: %v", err)
	}
	if tasks := bob.Tasks(); len(tasks) != 0 {
		t.Fatalf("store leaked foreign tasks: %+v", tasks)
	}
}

func TestMutationsAgainstForeignTasksReturnNotFound(t *testing.T) {
	srv, _ := startServer(t)
	registerUser(t, srv, "alice")
	registerUser(t, srv, "bob")

	bob := loginClient(t, srv, "bob")
	bobsTask, err := bob.Create(context.Background(), task.CreateFields{Title: "bobs"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	alice := loginClient(t, srv, "alice")
	title := "stolen"
	if _, err := alice.Update(context.Background(), bobsTask.ID, task.UpdateFields{Title: &title}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound updating foreign task, got %v", err)
	}
	if err := alice.Delete(context.Background(), bobsTask.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound deleting foreign task, got %v", err)
	}
	if err := alice.Delete(context.Background(), 99999); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing task, got %v", err)
	}
}

// signalFirstServer is a minimal task server that delivers the change signal
// on the websocket before writing the mutation's HTTP response — the ordering
// a real server produces because events publish at commit time, ahead of the
// response.
type signalFirstServer struct {
	t *testing.T

	mu     sync.Mutex
	tasks  []models.Task
	nextID int64
	lists  int

	wsMu sync.Mutex
	ws   *websocket.Conn
}

func newSignalFirstServer(t *testing.T) (*signalFirstServer, *httptest.Server) {
	t.Helper()
	s := &signalFirstServer{t: t, nextID: 1}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTask)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return s, srv
}

func (s *signalFirstServer) seed(task models.Task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	if task.ID >= s.nextID {
		s.nextID = task.ID + 1
	}
	s.mu.Unlock()
}

func (s *signalFirstServer) listCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lists
}

func (s *signalFirstServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	s.wsMu.Lock()
	s.ws = conn
	s.wsMu.Unlock()
	for {
		if _, _, err := conn.Read(r.Context()); err != nil {
			return
		}
	}
}

func (s *signalFirstServer) signal(event string, taskID int64) {
	s.wsMu.Lock()
	conn := s.ws
	s.wsMu.Unlock()
	if conn == nil {
		s.t.Errorf("no websocket session to signal")
		return
	}
	payload, _ := json.Marshal(realtime.Signal{Event: event, TaskID: taskID})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
		s.t.Errorf("signal write: %v", err)
	}
}

func (s *signalFirstServer) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		s.lists++
		out := make([]models.Task, len(s.tasks))
		copy(out, s.tasks)
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(out)
	case http.MethodPost:
		var fields task.CreateFields
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		now := time.Now().UTC()
		s.mu.Lock()
		created := models.Task{
			ID:        s.nextID,
			UserID:    1,
			Title:     fields.Title,
			Priority:  models.PriorityMedium,
			Status:    models.StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		s.nextID++
		s.tasks = append([]models.Task{created}, s.tasks...)
		before := s.lists
		s.mu.Unlock()

		s.signal("created", created.ID)
		// Hold the response until the listener's refetch landed.
		deadline := time.Now().Add(2 * time.Second)
		for s.listCount() == before && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *signalFirstServer) handleTask(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(strings.TrimPrefix(r.URL.Path, "/api/tasks/"), 10, 64)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var fields task.UpdateFields
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var updated *models.Task
		s.mu.Lock()
		for i := range s.tasks {
			if s.tasks[i].ID == id {
				if fields.Status != nil {
					s.tasks[i].Status = *fields.Status
				}
				if fields.Title != nil {
					s.tasks[i].Title = *fields.Title
				}
				s.tasks[i].UpdatedAt = time.Now().UTC()
				cp := s.tasks[i]
				updated = &cp
				break
			}
		}
		s.mu.Unlock()
		if updated == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.signal("updated", id)
		time.Sleep(100 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(updated)
	case http.MethodDelete:
		s.mu.Lock()
		kept := s.tasks[:0]
		for _, item := range s.tasks {
			if item.ID != id {
				kept = append(kept, item)
			}
		}
		s.tasks = kept
		s.mu.Unlock()
		s.signal("deleted", id)
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func waitReady(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Ready() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("listener never became ready")
}

func countTask(c *Client, id int64) int {
	n := 0
	for _, item := range c.Tasks() {
		if item.ID == id {
			n++
		}
	}
	return n
}

// TestEarlyEchoDoesNotDuplicateCreate pins the ordering where the client's
// own created signal arrives before the HTTP response: the triggered refetch
// already placed the task in the view, and the late response path must not
// add a second copy.
func TestEarlyEchoDoesNotDuplicateCreate(t *testing.T) {
	_, srv := newSignalFirstServer(t)
	c := New(srv.URL, "token")
	startListener(t, c)
	waitReady(t, c)

	created, err := c.Create(context.Background(), task.CreateFields{Title: "raced"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if countTask(c, created.ID) == 1 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	if n := countTask(c, created.ID); n != 1 {
		t.Fatalf("expected exactly one copy of task %d, have %d: %+v", created.ID, n, c.Tasks())
	}
}

// TestEarlyEchoConsumesPendingMark pins that update and delete record their
// mark before the request goes out, so an echo racing ahead of the response
// is absorbed without a redundant refetch and without leaking a mark that
// would later swallow a genuine foreign signal.
func TestEarlyEchoConsumesPendingMark(t *testing.T) {
	stub, srv := newSignalFirstServer(t)
	now := time.Now().UTC()
	stub.seed(models.Task{
		ID:        1,
		UserID:    1,
		Title:     "seeded",
		Priority:  models.PriorityMedium,
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	})

	c := New(srv.URL, "token")
	startListener(t, c)
	waitReady(t, c)

	before := stub.listCount()
	status := models.StatusCompleted
	if _, err := c.Update(context.Background(), 1, task.UpdateFields{Status: &status}); err != nil {
		t.Fatalf("update: %v", err)
	}
	waitForDrainedPending(t, c)
	if got := stub.listCount(); got != before {
		t.Fatalf("echoed update signal triggered %d refetches", got-before)
	}
	if tasks := c.Tasks(); len(tasks) != 1 || tasks[0].Status != models.StatusCompleted {
		t.Fatalf("view did not apply the update: %+v", tasks)
	}

	if err := c.Delete(context.Background(), 1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitForDrainedPending(t, c)
	if got := stub.listCount(); got != before {
		t.Fatalf("echoed delete signal triggered %d refetches", got-before)
	}
	if tasks := c.Tasks(); len(tasks) != 0 {
		t.Fatalf("view did not apply the delete: %+v", tasks)
	}
}

func waitForDrainedPending(t *testing.T, c *Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		drained := len(c.pending) == 0
		c.mu.Unlock()
		if drained {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pending marks never drained")
}

func TestLoginFailure(t *testing.T) {
	srv, _ := startServer(t)
	registerUser(t, srv, "alice")
	if _, err := Login(context.Background(), srv.URL, "alice", "wrong"); err == nil {
		t.Fatalf("expected login failure")
	}
	if _, err := Login(context.Background(), srv.URL, "nobody", "pass123"); err == nil {
		t.Fatalf("expected login failure for unknown user")
	}
}
