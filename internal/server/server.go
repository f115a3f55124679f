package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"dstream/internal/compute"
	"dstream/internal/config"
	"dstream/internal/dispatch"
	"dstream/internal/metrics"
	"dstream/internal/transport"
)

type sessionInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr"`
	Since      time.Time `json:"since"`
}

type Server struct {
	cfg        config.ServerConfig
	dispatcher *dispatch.Dispatcher
	resource   *compute.Resource
	opts       transport.Options
	started    time.Time

	mu       sync.Mutex
	sessions map[string]sessionInfo
}

func New(cfg config.ServerConfig, dispatcher *dispatch.Dispatcher, resource *compute.Resource) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		resource:   resource,
		opts:       transport.Options{Role: transport.RoleTransform},
		started:    time.Now(),
		sessions:   make(map[string]sessionInfo),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/config", s.handleConfig)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Run listens on the configured port until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("listening on ws://%s/ws", ln.Addr())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	sess, err := transport.Accept(w, r, s.opts)
	if err != nil {
		log.Printf("websocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	defer sess.Close()

	s.addSession(sess)
	defer s.removeSession(sess)
	log.Printf("session %s connected from %s", sess.ID(), sess.RemoteAddr())

	if err := s.dispatcher.Serve(r.Context(), sess); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("session %s ended: %v", sess.ID(), err)
		return
	}
	log.Printf("session %s closed", sess.ID())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"port":        s.cfg.Port,
		"encoding":    s.cfg.Encoding,
		"quality":     s.cfg.Quality,
		"input_size":  s.cfg.InputSize,
		"output_size": s.cfg.OutputSize,
		"preprocess":  s.cfg.Preprocess,
		"backend":     s.cfg.Backend,
	}
	if s.resource != nil {
		payload["params"] = s.resource.Params()
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	payload := map[string]any{
		"uptime_seconds": time.Since(s.started).Seconds(),
		"sessions":       s.sessionList(),
	}
	if s.dispatcher != nil {
		payload["counters"] = s.dispatcher.Counters()
	}
	if s.resource != nil {
		payload["compute_calls"] = s.resource.Calls()
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) addSession(sess *transport.Session) {
	s.mu.Lock()
	s.sessions[sess.ID()] = sessionInfo{ID: sess.ID(), RemoteAddr: sess.RemoteAddr(), Since: time.Now()}
	s.mu.Unlock()
	metrics.SessionOpened()
}

func (s *Server) removeSession(sess *transport.Session) {
	s.mu.Lock()
	delete(s.sessions, sess.ID())
	s.mu.Unlock()
	metrics.SessionClosed()
}

func (s *Server) sessionList() []sessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sessionInfo, 0, len(s.sessions))
	for _, info := range s.sessions {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Since.Before(out[j].Since) })
	return out
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
