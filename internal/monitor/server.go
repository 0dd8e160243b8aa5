package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"cloudsync/internal/notify"
)

// Server exposes the health surface over HTTP: GET /health for the
// aggregate view, GET /sources for per-source detail, and /events for a
// WebSocket stream of engine events. It also acts as a notify.Sink so
// events flow to stream subscribers through the ordinary notifier path.
type Server struct {
	builder *Builder
	logger  *slog.Logger

	httpSrv  *http.Server
	listener net.Listener

	mu   sync.Mutex
	subs map[chan notify.Event]struct{}
}

// subQueueDepth bounds each subscriber's backlog; slow consumers lose
// events rather than stalling the notifier.
const subQueueDepth = 64

// NewServer creates a monitor server bound to addr (loopback expected).
func NewServer(addr string, builder *Builder, logger *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		builder:  builder,
		logger:   logger,
		listener: ln,
		subs:     make(map[chan notify.Event]struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /sources", s.handleSources)
	mux.HandleFunc("/events", s.handleEvents)

	s.httpSrv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks serving requests until Shutdown.
func (s *Server) Serve() error {
	err := s.httpSrv.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops the server and disconnects stream subscribers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for ch := range s.subs {
		close(ch)
	}

	s.subs = make(map[chan notify.Event]struct{})
	s.mu.Unlock()

	return s.httpSrv.Shutdown(ctx)
}

// Emit implements notify.Sink by fanning the event out to subscribers.
func (s *Server) Emit(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Subscriber is not keeping up.
		}
	}

	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap, err := s.builder.Build(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	writeJSON(w, struct {
		GeneratedAt time.Time  `json:"generatedAt"`
		Aggregate   Aggregate  `json:"aggregate"`
		Supervisor  Supervisor `json:"supervisor"`
	}{snap.GeneratedAt, snap.Aggregate, snap.Supervisor})
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	snap, err := s.builder.Build(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	writeJSON(w, snap)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket accept failed", slog.String("error", err.Error()))

		return
	}

	defer conn.Close(websocket.StatusNormalClosure, "")

	ch := s.subscribe()
	defer s.unsubscribe(ch)

	ctx := r.Context()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, ev)
			cancel()

			if err != nil {
				return
			}
		}
	}
}

func (s *Server) subscribe() chan notify.Event {
	ch := make(chan notify.Event, subQueueDepth)

	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	return ch
}

func (s *Server) unsubscribe(ch chan notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subs[ch]; ok {
		delete(s.subs, ch)
		close(ch)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
