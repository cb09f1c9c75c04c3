package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/cbeuw/remoting/internal/multiplex"
	"github.com/cbeuw/remoting/internal/resume"
	"github.com/cbeuw/remoting/internal/rpc"
	gmux "github.com/gorilla/mux"
)

// SessionInfo describes an established session to the admin API
type SessionInfo struct {
	ID            uint64
	Remote        string `json:",omitempty"`
	Connected     bool
	DataMIME      string
	MetadataMIME  string
	ActiveStreams int
	Lease         bool
	Resumable     bool
	// Fingerprint identifies the resume token without revealing it
	Fingerprint string `json:",omitempty"`
	// positions of the resume buffer
	ImpliedPosition uint64 `json:",omitempty"`
	FirstAvailable  uint64 `json:",omitempty"`
}

func sessionInfoOf(sesh *multiplex.Session) SessionInfo {
	setup := sesh.Setup()
	info := SessionInfo{
		ID:            sesh.ID(),
		Connected:     sesh.Connected(),
		DataMIME:      setup.DataMIME,
		MetadataMIME:  setup.MetadataMIME,
		ActiveStreams: sesh.ActiveStreams(),
		Lease:         setup.Lease,
		Resumable:     setup.Resume,
	}
	if addr := sesh.RemoteAddr(); addr != nil {
		info.Remote = addr.String()
	}
	if buf := sesh.ResumeBuffer(); buf != nil {
		info.Fingerprint = resume.Fingerprint(buf.Token())
		info.ImpliedPosition = buf.ImpliedPosition()
		info.FirstAvailable = buf.FirstAvailable()
	}
	return info
}

type APIRouter struct {
	*gmux.Router
	acceptor *multiplex.Acceptor
	rpc      *rpc.Server
}

func APIRouterOf(acceptor *multiplex.Acceptor, rpcServer *rpc.Server) *APIRouter {
	ret := &APIRouter{
		acceptor: acceptor,
		rpc:      rpcServer,
	}
	ret.registerMux()
	return ret
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func (ar *APIRouter) registerMux() {
	ar.Router = gmux.NewRouter()
	ar.HandleFunc("/admin/sessions", ar.listSessionsHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{id}", ar.getSessionHlr).Methods("GET")
	ar.HandleFunc("/admin/sessions/{id}", ar.closeSessionHlr).Methods("DELETE")
	ar.HandleFunc("/admin/services", ar.listServicesHlr).Methods("GET")
	ar.Methods("OPTIONS").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Methods", "GET,DELETE,OPTIONS")
	})
	ar.Use(corsMiddleware)
}

func writeJSON(w http.ResponseWriter, v any) {
	resp, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (ar *APIRouter) listSessionsHlr(w http.ResponseWriter, r *http.Request) {
	sessions := ar.acceptor.Sessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, sesh := range sessions {
		infos = append(infos, sessionInfoOf(sesh))
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	writeJSON(w, infos)
}

func (ar *APIRouter) sessionOf(w http.ResponseWriter, r *http.Request) (*multiplex.Session, bool) {
	id, err := strconv.ParseUint(gmux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "session id must be a number", http.StatusBadRequest)
		return nil, false
	}
	sesh, ok := ar.acceptor.Session(id)
	if !ok {
		http.Error(w, "no such session", http.StatusNotFound)
		return nil, false
	}
	return sesh, true
}

func (ar *APIRouter) getSessionHlr(w http.ResponseWriter, r *http.Request) {
	sesh, ok := ar.sessionOf(w, r)
	if !ok {
		return
	}
	writeJSON(w, sessionInfoOf(sesh))
}

func (ar *APIRouter) closeSessionHlr(w http.ResponseWriter, r *http.Request) {
	sesh, ok := ar.sessionOf(w, r)
	if !ok {
		return
	}
	_ = sesh.Close()
	w.WriteHeader(http.StatusNoContent)
}

func (ar *APIRouter) listServicesHlr(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, ar.rpc.Services())
}
