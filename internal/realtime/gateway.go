// Package realtime carries task change events from the store to the
// websocket sessions of the affected owner.
//
// The gateway keeps an owner-indexed registry of live sessions. A change
// event is fanned out only to the sessions authenticated as the event's
// owner; there is no global broadcast, so one user's client can never
// observe that another user acted.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultQueueSize = 256
	sessionQueueSize = 16
	writeTimeout     = 5 * time.Second
)

// Signal is the minimal outbound message telling a client to resynchronize.
// It never carries task content; the client re-fetches through the
// authorized read path.
type Signal struct {
	Event  string `json:"event"`
	TaskID int64  `json:"task_id"`
}

type session struct {
	userID int64
	conn   *websocket.Conn
	send   chan []byte
	stop   chan struct{}
	once   sync.Once
}

func (s *session) shutdown() {
	s.once.Do(func() { close(s.stop) })
}

// Gateway routes change events to the live sessions of the affected owner.
// It implements Notifier.
type Gateway struct {
	logger *log.Logger

	mu       sync.Mutex
	sessions map[int64]map[*session]struct{}

	queue chan Event
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once

	relayMu sync.Mutex
	relay   *relay
}

// NewGateway starts a gateway whose dispatch queue holds queueSize events
// (0 selects the default). Events are dispatched by a single goroutine, so
// one owner's sessions see that owner's events in publish order.
func NewGateway(queueSize int, logger *log.Logger) *Gateway {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	if logger == nil {
		logger = log.Default()
	}
	g := &Gateway{
		logger:   logger,
		sessions: make(map[int64]map[*session]struct{}),
		queue:    make(chan Event, queueSize),
		done:     make(chan struct{}),
	}
	g.wg.Add(1)
	go g.dispatchLoop()
	return g
}

// Publish hands a change event to the gateway. It never blocks: when the
// queue is full the event is dropped with a log line, never an error to the
// mutating caller.
func (g *Gateway) Publish(ev Event) {
	g.enqueue(ev)
	g.relayMu.Lock()
	r := g.relay
	g.relayMu.Unlock()
	if r != nil {
		r.publish(ev)
	}
}

func (g *Gateway) enqueue(ev Event) {
	select {
	case g.queue <- ev:
	case <-g.done:
	default:
		g.logger.Printf("realtime: dispatch queue full, dropping %s event for user %d", ev.Kind, ev.UserID)
	}
}

func (g *Gateway) dispatchLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.done:
			return
		case ev := <-g.queue:
			g.dispatch(ev)
		}
	}
}

// dispatch signals every live session of the event's owner and nobody else.
func (g *Gateway) dispatch(ev Event) {
	data, err := json.Marshal(Signal{Event: string(ev.Kind), TaskID: ev.TaskID})
	if err != nil {
		g.logger.Printf("realtime: marshal signal: %v", err)
		return
	}

	g.mu.Lock()
	targets := make([]*session, 0, len(g.sessions[ev.UserID]))
	for s := range g.sessions[ev.UserID] {
		targets = append(targets, s)
	}
	g.mu.Unlock()

	for _, s := range targets {
		select {
		case s.send <- data:
		case <-s.stop:
		default:
			// One slow session loses one signal; the rest are unaffected.
			g.logger.Printf("realtime: session queue full for user %d, dropping %s signal", ev.UserID, ev.Kind)
		}
	}
}

// HandleWebSocket upgrades the request to a websocket session for the
// already-authenticated userID and blocks until the channel closes. The
// session joins the owner's set only after the upgrade succeeds.
func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Printf("realtime: websocket upgrade failed: %v", err)
		return
	}

	s := &session{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sessionQueueSize),
		stop:   make(chan struct{}),
	}

	g.mu.Lock()
	set, ok := g.sessions[userID]
	if !ok {
		set = make(map[*session]struct{})
		g.sessions[userID] = set
	}
	set[s] = struct{}{}
	g.mu.Unlock()

	g.wg.Add(1)
	go g.writeLoop(s)

	g.logger.Printf("realtime: session connected for user %d", userID)
	g.readLoop(s)
	g.removeSession(s)
}

// readLoop drains inbound frames until the peer disconnects. Clients send
// nothing meaningful; reading only detects the close.
func (g *Gateway) readLoop(s *session) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.stop:
		case <-g.done:
		}
		cancel()
	}()
	for {
		if _, _, err := s.conn.Read(ctx); err != nil {
			return
		}
	}
}

func (g *Gateway) writeLoop(s *session) {
	defer g.wg.Done()
	defer g.removeSession(s)
	for {
		select {
		case <-g.done:
			return
		case <-s.stop:
			return
		case data := <-s.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := s.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				g.logger.Printf("realtime: signal delivery to user %d failed: %v", s.userID, err)
				return
			}
		}
	}
}

// removeSession drops the session from its owner's set. Safe to call more
// than once.
func (g *Gateway) removeSession(s *session) {
	g.mu.Lock()
	set, ok := g.sessions[s.userID]
	if ok {
		if _, live := set[s]; live {
			delete(set, s)
			if len(set) == 0 {
				delete(g.sessions, s.userID)
			}
			g.logger.Printf("realtime: session disconnected for user %d", s.userID)
		} else {
			ok = false
		}
	}
	g.mu.Unlock()

	s.shutdown()
	if ok {
		_ = s.conn.Close(websocket.StatusNormalClosure, "")
	}
}

// SessionCount reports the number of live sessions for one owner.
func (g *Gateway) SessionCount(userID int64) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions[userID])
}

// ClientCount reports the number of live sessions across all owners.
func (g *Gateway) ClientCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	total := 0
	for _, set := range g.sessions {
		total += len(set)
	}
	return total
}

// Close tears the gateway down: the relay detaches, the dispatch loop
// stops, and every live session is dropped.
func (g *Gateway) Close() {
	g.closeOnce.Do(func() {
		g.relayMu.Lock()
		if g.relay != nil {
			g.relay.stop()
			g.relay = nil
		}
		g.relayMu.Unlock()

		close(g.done)

		g.mu.Lock()
		var all []*session
		for _, set := range g.sessions {
			for s := range set {
				all = append(all, s)
			}
		}
		g.sessions = make(map[int64]map[*session]struct{})
		g.mu.Unlock()

		for _, s := range all {
			s.shutdown()
			_ = s.conn.Close(websocket.StatusGoingAway, "server shutting down")
		}

		g.wg.Wait()
	})
}
