// Package transport implements the peer transport as HTTP+JSON:
// one route per RPC family, routed with gorilla/mux (decode JSON body, call
// into the domain object, encode JSON response, plain http.Error on
// failure).
package transport

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/divtxt/raftkv/raft"
)

// Server exposes a ConsensusNode's RPC handlers over HTTP.
type Server struct {
	node   *raft.ConsensusNode
	logger kitlog.Logger
}

// NewServer wraps node for HTTP serving.
func NewServer(node *raft.ConsensusNode, logger kitlog.Logger) *Server {
	if logger == nil {
		logger = kitlog.NewNopLogger()
	}
	return &Server{node: node, logger: kitlog.With(logger, "component", "transport.server")}
}

// Router returns a mux.Router with every peer RPC route registered, mounted
// under /raft/.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/raft/request-vote", s.handleRequestVote).Methods(http.MethodPost)
	r.HandleFunc("/raft/append-entries", s.handleAppendEntries).Methods(http.MethodPost)
	r.HandleFunc("/raft/install-snapshot", s.handleInstallSnapshot).Methods(http.MethodPost)
	return r
}

func (s *Server) handleRequestVote(w http.ResponseWriter, r *http.Request) {
	var rpc raft.RequestVote
	if err := json.NewDecoder(r.Body).Decode(&rpc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.node.HandleRequestVote(&rpc)
	if err != nil {
		level.Error(s.logger).Log("msg", "RequestVote handler failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleAppendEntries(w http.ResponseWriter, r *http.Request) {
	var rpc raft.AppendEntries
	if err := json.NewDecoder(r.Body).Decode(&rpc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.node.HandleAppendEntries(&rpc)
	if err != nil {
		level.Error(s.logger).Log("msg", "AppendEntries handler failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func (s *Server) handleInstallSnapshot(w http.ResponseWriter, r *http.Request) {
	var rpc raft.InstallSnapshot
	if err := json.NewDecoder(r.Body).Decode(&rpc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp, err := s.node.HandleInstallSnapshot(&rpc)
	if err != nil {
		level.Error(s.logger).Log("msg", "InstallSnapshot handler failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
