// Package progress broadcasts StatusSnapshots to connected websocket
// clients, so a live dashboard can watch a run without polling the JSON
// artifact. Built on gorilla/websocket as a server-side upgrader and
// fan-out broadcaster rather than a client dialer.
package progress

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/erigontech/paralleltest/internal/config"
)

// writeTimeout bounds how long a single broadcast write may block a
// slow or dead client before the Broadcaster gives up on it.
const writeTimeout = 2 * time.Second

// upgrader has no origin restriction: this server is meant to run
// alongside a local test invocation, not to be exposed on a shared host.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Broadcaster fans out StatusSnapshots to every currently-connected
// websocket client. Safe for concurrent use: Sink is the function meant
// to be wired as RunConfig.ProgressSink.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// New constructs an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{clients: make(map[*websocket.Conn]struct{})}
}

// Handler upgrades an HTTP request to a websocket connection and
// registers it for broadcasts until the client disconnects.
func (b *Broadcaster) Handler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).Warn("progress websocket upgrade failed")
		return
	}

	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.clients, conn)
		b.mu.Unlock()
		_ = conn.Close()
	}()

	// Clients are pure subscribers; the only read loop's job is noticing
	// the socket closed so the connection can be deregistered promptly.
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// Sink pushes snapshot to every connected client. Wire this as
// RunConfig.ProgressSink. Dead or slow clients are dropped rather than
// allowed to stall the broadcast.
func (b *Broadcaster) Sink(snapshot config.StatusSnapshot) {
	payload, err := config.JSON.Marshal(snapshot)
	if err != nil {
		log.WithError(err).Warn("failed to marshal progress snapshot")
		return
	}

	b.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(b.clients))
	for c := range b.clients {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			b.mu.Lock()
			delete(b.clients, c)
			b.mu.Unlock()
			_ = c.Close()
		}
	}
}

// ClientCount reports how many clients are currently subscribed, for
// diagnostics.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
