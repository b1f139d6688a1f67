// Package feed exposes a measurements.TimeTagStream tap to external
// consumers over a websocket, broadcasting drained tags as JSON batches to
// every connected client. It is the one network edge this module serves
// directly rather than through natsclient, trimmed to what a tag tap
// actually needs: no NATS input, no ack/nack delivery protocol, no
// TLS/ACME, just best-effort broadcast with client ping/pong liveness.
package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tagtrace/tagstream/errors"
	"github.com/tagtrace/tagstream/metric"
	"github.com/tagtrace/tagstream/pkg/worker"
	"github.com/tagtrace/tagstream/tag"
)

const (
	pingInterval = 30 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 10 * time.Second
)

// Metrics holds the Prometheus collectors for a Server, matching the
// metric package's direct-construction style rather than the
// MetricsRegistrar indirection (there is nothing service-specific to
// register under; a feed.Server owns its collectors outright).
type Metrics struct {
	ClientsConnected prometheus.Gauge
	TagsSent         prometheus.Counter
	BatchesSent      prometheus.Counter
	SendErrors       prometheus.Counter
}

// NewMetrics builds a Metrics set and registers it with reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		ClientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "tagstream",
			Subsystem: "feed",
			Name:      "clients_connected",
			Help:      "Number of currently connected websocket clients.",
		}),
		TagsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagstream",
			Subsystem: "feed",
			Name:      "tags_sent_total",
			Help:      "Total tags broadcast to websocket clients.",
		}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagstream",
			Subsystem: "feed",
			Name:      "batches_sent_total",
			Help:      "Total broadcast batches sent.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tagstream",
			Subsystem: "feed",
			Name:      "send_errors_total",
			Help:      "Total client write failures (the failing client is dropped).",
		}),
	}
	reg.MustRegister(m.ClientsConnected, m.TagsSent, m.BatchesSent, m.SendErrors)
	return m
}

// Source is the tap a Server drains. measurements.TimeTagStream satisfies
// this directly.
type Source interface {
	Drain(max int) []tag.Tag
}

// batch is the wire shape of one broadcast message.
type batch struct {
	Tags []tag.Tag `json:"tags"`
}

// clientWrite is one fan-out write job: send data to conn, dropping the
// client via done on failure.
type clientWrite struct {
	conn *websocket.Conn
	done chan struct{}
	data []byte
}

// Server broadcasts batches drained from a Source to every connected
// websocket client at a fixed poll interval. A client that falls behind or
// disconnects is dropped; broadcast is best-effort, mirroring the tap's own
// drop-oldest semantics upstream. Fan-out writes run through a bounded
// worker pool so one slow client's write deadline can't delay delivery to
// the rest.
type Server struct {
	source       Source
	path         string
	drainMax     int
	pollInterval time.Duration
	metrics      *Metrics

	poolWorkers  int
	poolQueue    int
	poolRegistry *metric.MetricsRegistry
	workerPool   *worker.Pool[clientWrite]

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*websocket.Conn]chan struct{}

	httpServer *http.Server
}

// Option configures a Server at construction.
type Option func(*Server)

// WithDrainMax caps how many tags a Server drains from its Source per poll.
func WithDrainMax(n int) Option {
	return func(s *Server) { s.drainMax = n }
}

// WithPollInterval overrides the default broadcast poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) { s.pollInterval = d }
}

// WithMetrics attaches a Metrics set; broadcasts are unmetered without one.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithWorkerPool overrides the fan-out worker pool's size. The default is 4
// workers over a 1024-deep queue.
func WithWorkerPool(workers, queueSize int) Option {
	return func(s *Server) {
		s.poolWorkers = workers
		s.poolQueue = queueSize
	}
}

// WithPoolMetrics registers the fan-out worker pool's own queue-depth and
// throughput metrics with registry, under the "feed_broadcast" prefix.
func WithPoolMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.poolRegistry = registry }
}

// NewServer builds a Server broadcasting source's drained tags to clients
// that connect on path.
func NewServer(source Source, path string, opts ...Option) *Server {
	s := &Server{
		source:       source,
		path:         path,
		drainMax:     4096,
		pollInterval: 50 * time.Millisecond,
		poolWorkers:  4,
		poolQueue:    1024,
		clients:      make(map[*websocket.Conn]chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(_ *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	var poolOpts []worker.Option[clientWrite]
	if s.poolRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[clientWrite](s.poolRegistry, "feed_broadcast"))
	}
	s.workerPool = worker.NewPool(s.poolWorkers, s.poolQueue, s.writeClient, poolOpts...)
	return s
}

// writeClient is the worker pool's processor: it performs one client write
// and drops the client on failure.
func (s *Server) writeClient(_ context.Context, job clientWrite) error {
	job.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := job.conn.WriteMessage(websocket.TextMessage, job.data); err != nil {
		if s.metrics != nil {
			s.metrics.SendErrors.Inc()
		}
		s.removeClient(job.conn, job.done)
		return err
	}
	return nil
}

// Serve starts the HTTP/websocket listener on addr and the broadcast loop.
// It blocks until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}

	if err := s.workerPool.Start(ctx); err != nil {
		return errors.Wrap(err, "feed", "Serve", "start broadcast worker pool")
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- s.httpServer.ListenAndServe() }()

	go s.broadcastLoop(ctx)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAllClients()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "feed", "Serve", "shutdown http server")
		}
		if err := s.workerPool.Stop(writeWait); err != nil {
			return errors.WrapTransient(err, "feed", "Serve", "stop broadcast worker pool")
		}
		return nil
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return errors.WrapTransient(err, "feed", "Serve", "listen and serve")
		}
		return nil
	}
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.clients[conn] = done
	count := len(s.clients)
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.ClientsConnected.Set(float64(count))
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go s.readPump(conn, done)
}

// readPump discards client-sent frames (this feed is one-directional) and
// exists only to detect disconnects and keep the pong deadline alive.
func (s *Server) readPump(conn *websocket.Conn, done chan struct{}) {
	defer s.removeClient(conn, done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn, done chan struct{}) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		close(done)
	}
	count := len(s.clients)
	s.mu.Unlock()
	conn.Close()
	if s.metrics != nil {
		s.metrics.ClientsConnected.Set(float64(count))
	}
}

func (s *Server) closeAllClients() {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[*websocket.Conn]chan struct{})
	s.mu.Unlock()
	for conn, done := range clients {
		close(done)
		conn.Close()
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	pollTicker := time.NewTicker(s.pollInterval)
	defer pollTicker.Stop()
	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			s.drainAndBroadcast()
		case <-pingTicker.C:
			s.pingClients()
		}
	}
}

func (s *Server) drainAndBroadcast() {
	tags := s.source.Drain(s.drainMax)
	if len(tags) == 0 {
		return
	}
	data, err := json.Marshal(batch{Tags: tags})
	if err != nil {
		return
	}

	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	dones := make([]chan struct{}, 0, len(s.clients))
	for conn, done := range s.clients {
		conns = append(conns, conn)
		dones = append(dones, done)
	}
	s.mu.RUnlock()

	for i, conn := range conns {
		// Best-effort: a full queue means this client misses the batch,
		// same as a client that falls behind on its own drain cadence.
		_ = s.workerPool.Submit(clientWrite{conn: conn, done: dones[i], data: data})
	}
	if s.metrics != nil {
		s.metrics.BatchesSent.Inc()
		s.metrics.TagsSent.Add(float64(len(tags)))
	}
}

func (s *Server) pingClients() {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	dones := make([]chan struct{}, 0, len(s.clients))
	for conn, done := range s.clients {
		conns = append(conns, conn)
		dones = append(dones, done)
	}
	s.mu.RUnlock()

	for i, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
			s.removeClient(conn, dones[i])
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}
