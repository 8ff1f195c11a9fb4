package service

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/divtxt/raftkv/raft"
)

// Server exposes a Service over HTTP+JSON, one route per Service operation,
// in the same decode-call-encode shape as transport.Server.
type Server struct {
	svc *Service
}

// NewServer wraps svc for HTTP serving.
func NewServer(svc *Service) *Server {
	return &Server{svc: svc}
}

// Router returns a mux.Router with every client-facing route registered,
// mounted under /service/.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/service/leader", s.handleGetLeader).Methods(http.MethodGet)
	r.HandleFunc("/service/configuration", s.handleGetConfiguration).Methods(http.MethodGet)
	r.HandleFunc("/service/commit-index", s.handleGetLeaderCommitIndex).Methods(http.MethodGet)
	r.HandleFunc("/service/replicate", s.handleReplicate).Methods(http.MethodPost)
	r.HandleFunc("/service/add-peers", s.handleAddPeers).Methods(http.MethodPost)
	r.HandleFunc("/service/remove-peers", s.handleRemovePeers).Methods(http.MethodPost)
	r.HandleFunc("/service/read", s.handleReadIndexGet).Methods(http.MethodPost)
	return r
}

func (s *Server) handleGetLeader(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.GetLeader())
}

func (s *Server) handleGetConfiguration(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.svc.GetConfiguration())
}

type commitIndexResponse struct {
	Index  raft.LogIndex
	Result raft.ResultCode
}

func (s *Server) handleGetLeaderCommitIndex(w http.ResponseWriter, r *http.Request) {
	index, result := s.svc.GetLeaderCommitIndex()
	writeJSON(w, commitIndexResponse{Index: index, Result: result})
}

type replicateRequest struct {
	Data []byte
}

type replicateResponse struct {
	Index  raft.LogIndex
	Result raft.ResultCode
	Error  string `json:",omitempty"`
}

func (s *Server) handleReplicate(w http.ResponseWriter, r *http.Request) {
	var req replicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	index, result, err := s.svc.Replicate(r.Context(), req.Data)
	resp := replicateResponse{Index: index, Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

type addPeersRequest struct {
	Peers []raft.Peer
}

type removePeersRequest struct {
	Ids []raft.ServerId
}

type resultResponse struct {
	Result raft.ResultCode
}

func (s *Server) handleAddPeers(w http.ResponseWriter, r *http.Request) {
	var req addPeersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, resultResponse{Result: s.svc.AddPeers(r.Context(), req.Peers)})
}

func (s *Server) handleRemovePeers(w http.ResponseWriter, r *http.Request) {
	var req removePeersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, resultResponse{Result: s.svc.RemovePeers(r.Context(), req.Ids)})
}

type readRequest struct {
	LeaderCommitIndex raft.LogIndex
	Key               []byte
	TimeoutMs         int64
}

type readResponse struct {
	Value []byte
	Error string `json:",omitempty"`
}

func (s *Server) handleReadIndexGet(w http.ResponseWriter, r *http.Request) {
	var req readRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	value, err := s.svc.ReadIndexGet(r.Context(), req.LeaderCommitIndex, req.Key, timeout)
	resp := readResponse{Value: value}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
