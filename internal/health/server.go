package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bilal/openmon-agent/internal/communicator"
	"github.com/bilal/openmon-agent/internal/dispatcher"
	"github.com/bilal/openmon-agent/internal/queue"
	"github.com/rs/zerolog/log"
)

const maxFieldsBytes = 4 << 10

// Dispatcher is the part of the dispatcher the server exposes.
type Dispatcher interface {
	Send(id uint32, fields []byte) error
	Stats() dispatcher.Stats
}

// Server publishes agent health and holds the active error conditions.
type Server struct {
	addr    string
	running int32
	linkUp  int32

	mu         sync.Mutex
	conditions map[string]time.Time

	disp atomic.Pointer[Dispatcher]
	srv  *http.Server
}

func New(addr string) *Server {
	s := &Server{
		addr:       addr,
		conditions: make(map[string]time.Time),
	}
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) SetRunning(ok bool) {
	if ok {
		atomic.StoreInt32(&s.running, 1)
	} else {
		atomic.StoreInt32(&s.running, 0)
	}
}

func (s *Server) SetLinkUp(ok bool) {
	if ok {
		atomic.StoreInt32(&s.linkUp, 1)
	} else {
		atomic.StoreInt32(&s.linkUp, 0)
	}
}

// SetDispatcher enables /send and dispatcher stats.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.disp.Store(&d)
}

// SetCondition marks an error condition active. A condition already active
// keeps its original since.
func (s *Server) SetCondition(kind string, since time.Time) {
	s.mu.Lock()
	_, active := s.conditions[kind]
	if !active {
		s.conditions[kind] = since
	}
	s.mu.Unlock()

	if !active {
		log.Warn().Str("condition", kind).Time("since", since).Msg("error condition raised")
	}
}

func (s *Server) ClearCondition(kind string, since time.Time) {
	s.mu.Lock()
	_, active := s.conditions[kind]
	delete(s.conditions, kind)
	s.mu.Unlock()

	if active {
		log.Info().Str("condition", kind).Time("since", since).Msg("error condition cleared")
	}
}

// Conditions returns a copy of the active conditions.
func (s *Server) Conditions() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]time.Time, len(s.conditions))
	for k, v := range s.conditions {
		out[k] = v
	}
	return out
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/send", s.handleSend)
	return mux
}

func (s *Server) Serve() error {
	err := s.srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) dispatcher() Dispatcher {
	if p := s.disp.Load(); p != nil {
		return *p
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"running":    atomic.LoadInt32(&s.running) == 1,
		"link_up":    atomic.LoadInt32(&s.linkUp) == 1,
		"conditions": s.Conditions(),
	}
	if d := s.dispatcher(); d != nil {
		resp["dispatcher"] = d.Stats()
	}

	w.Header().Set("Content-Type", "application/json")
	if len(s.Conditions()) > 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}

// handleSend accepts POST /send?cid=<id> with a "p1=..&p2=.." body.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	d := s.dispatcher()
	if d == nil {
		http.Error(w, "dispatcher not available", http.StatusServiceUnavailable)
		return
	}

	cid, err := strconv.ParseUint(r.URL.Query().Get("cid"), 10, 32)
	if err != nil {
		http.Error(w, "invalid cid", http.StatusBadRequest)
		return
	}
	fields, err := io.ReadAll(io.LimitReader(r.Body, maxFieldsBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(fields) > maxFieldsBytes {
		http.Error(w, "fields too large", http.StatusRequestEntityTooLarge)
		return
	}

	switch err := d.Send(uint32(cid), fields); {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, communicator.ErrInvalidFields):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, dispatcher.ErrUnknownController):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, queue.ErrQueueFull):
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	default:
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	}
}
