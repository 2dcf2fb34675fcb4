package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/filigreedb/filigree/internal/rsm"
)

// HTTPServer exposes a host's RSM groups over HTTP: the raft transport
// endpoint, the client request endpoint, metrics and health.
type HTTPServer struct {
	host   *Host
	server *http.Server
	logger *zap.Logger
}

type raftFrame struct {
	Group   string          `json:"group"`
	Message json.RawMessage `json:"message"`
}

// NewHTTPServer builds the server listening at addr.
func NewHTTPServer(addr string, host *Host, metricsPath string, logger *zap.Logger) *HTTPServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s := &HTTPServer{host: host, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/internal/raft", s.handleRaft)
	r.Post("/internal/rsm", s.handleRsm)
	r.Get(metricsPath, promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	s.server = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests.
func (s *HTTPServer) ListenAndServe() error {
	s.logger.Info("http server listening", zap.String("addr", s.server.Addr))
	return s.server.ListenAndServe()
}

// Shutdown drains the server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleRaft(w http.ResponseWriter, r *http.Request) {
	var frame raftFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil {
		http.Error(w, fmt.Sprintf("decode frame: %v", err), http.StatusBadRequest)
		return
	}
	node, ok := s.host.Node(frame.Group)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown group %q", frame.Group), http.StatusNotFound)
		return
	}
	var m raftpb.Message
	if err := json.Unmarshal(frame.Message, &m); err != nil {
		http.Error(w, fmt.Sprintf("decode message: %v", err), http.StatusBadRequest)
		return
	}
	if err := node.Step(r.Context(), m); err != nil {
		http.Error(w, fmt.Sprintf("step: %v", err), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPServer) handleRsm(w http.ResponseWriter, r *http.Request) {
	var env rsm.Envelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, fmt.Sprintf("decode envelope: %v", err), http.StatusBadRequest)
		return
	}
	if env.Request == nil {
		http.Error(w, "envelope without request", http.StatusBadRequest)
		return
	}
	group := groupOf(string(env.To))
	node, ok := s.host.Node(group)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown group %q", group), http.StatusNotFound)
		return
	}

	resp := node.HandleRequest(r.Context(), *env.Request)
	reply := rsm.Envelope{
		MsgId:    env.MsgId,
		From:     env.To,
		To:       env.From,
		Response: &resp,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(reply); err != nil {
		s.logger.Warn("encode reply failed", zap.Error(err))
	}
}

// groupOf extracts the RSM group suffix of an address, defaulting to
// the coordinator group.
func groupOf(addr string) string {
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[i+1:]
	}
	return "coordinator"
}
