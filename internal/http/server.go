package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"sequencer/pkg/raftadapter"
	"sequencer/pkg/seqerrors"
	"sequencer/pkg/seqlog"
	"sequencer/pkg/sequencer"
	"sequencer/pkg/snapshot"

	"github.com/go-chi/chi/v5"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	defaultLogPage         = 100
	maxLogPage             = 1000

	// statusClientClosedRequest is logged when the caller went away first.
	statusClientClosedRequest = 499
)

type iSequencer interface {
	SendEvent(ctx context.Context, payload string) ([]sequencer.Result, error)
	States() []sequencer.ReplicaInfo
	Replica(index int) (sequencer.ReplicaInfo, error)
	FailReplica(index int) error
	RestoreReplicaFromSnapshot(ctx context.Context, index int, dir string) error
	CatchupReplica(ctx context.Context, index int) (sequencer.CatchupReport, error)
	SnapshotAll(ctx context.Context, dir string) error
	OfferSnapshot(ctx context.Context, index int, pub snapshot.Publication) (int64, error)
	Log() seqlog.Log
}

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Handle(ctx context.Context, message raftpb.Message) error
}

// Server exposes the sequencer control API.
type Server struct {
	seq               iSequencer
	node              iRaftNode // set only with the raft log backend
	snapshotDir       string
	readHeaderTimeout time.Duration
	httpServer        *http.Server
	URL               string
	addr              string

	// background catch-ups
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewServer creates a new server instance
func NewServer(seq iSequencer, port, snapshotDir string) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		seq:               seq,
		snapshotDir:       snapshotDir,
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		bgCtx:             ctx,
		bgCancel:          cancel,
	}
}

// SetRaftNode enables raft ingress and leader redirects.
func (s *Server) SetRaftNode(node iRaftNode) {
	s.node = node
}

// SetAdvertiseURL is the URL peers and clients reach this node on.
func (s *Server) SetAdvertiseURL(u string) {
	s.URL = u
}

func (s *Server) SetReadHeaderTimeout(d time.Duration) {
	if d > 0 {
		s.readHeaderTimeout = d
	}
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server and waits for background catch-ups to return.
func (s *Server) Stop() error {
	defer func() {
		s.bgCancel()
		s.bg.Wait()
	}()

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", s.handleEvent)
		r.Post("/snapshots", s.handleSnapshotAll)
		r.Get("/log", s.handleLog)

		r.Get("/replicas", s.handleReplicas)
		r.Route("/replicas/{index}", func(r chi.Router) {
			r.Get("/", s.handleReplica)
			r.Post("/fail", s.handleFail)
			r.Post("/restore", s.handleRestore)
			r.Post("/catchup", s.handleCatchup)
			r.Get("/snapshot", s.handleReplicaSnapshot)
		})

		// raft ingress only with the raft backend
		if s.node != nil {
			r.Post(strings.TrimPrefix(raftadapter.RaftEndpoint, "/api"), s.handleRaft)
		}
	})

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.addr, "url", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeJSON(w, statusFor(err), NewErrorResponse(err.Error()))
}

// statusFor maps sequencer errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, seqerrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, seqerrors.ErrOutOfRange), errors.Is(err, seqerrors.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, seqerrors.ErrReplicaUnavailable):
		return http.StatusConflict
	case errors.Is(err, seqerrors.ErrUnrecognizedEvent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, seqerrors.ErrLogFull), errors.Is(err, seqerrors.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return statusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// redirectLeader sends writers to the raft leader so that the leader's
// replicas receive events through live dispatch.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node == nil || s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	if leaderAddr == "" || leaderAddr == s.URL {
		// leader unknown yet, or a redirect loop
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) replicaIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := chi.URLParam(r, "index")
	index, err := strconv.Atoi(raw)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(fmt.Sprintf("invalid replica index %q", raw)))
		return 0, false
	}
	return index, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to parse form"))
		return
	}

	event := r.FormValue("event")
	if event == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Missing event"))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		return
	}

	results, err := s.seq.SendEvent(r.Context(), event)
	if err != nil {
		resp := NewResultsResponse(results)
		resp.Status = StatusError
		resp.Error = err.Error()
		s.writeJSON(w, statusFor(err), resp)
		return
	}

	s.writeJSON(w, http.StatusOK, NewResultsResponse(results))
}

// handleLog pages through the sequenced log: ?from=<seq>&max=<n>.
func (s *Server) handleLog(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var from uint64
	if raw := q.Get("from"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(fmt.Sprintf("invalid from %q", raw)))
			return
		}
		from = v
	}

	limit := defaultLogPage
	if raw := q.Get("max"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(fmt.Sprintf("invalid max %q", raw)))
			return
		}
		limit = min(v, maxLogPage)
	}

	log := s.seq.Log()
	s.writeJSON(w, http.StatusOK, NewEntriesResponse(log.Length(), log.Entries(from, limit)))
}

func (s *Server) handleReplicas(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewReplicasResponse(s.seq.Log().Length(), s.seq.States()))
}

func (s *Server) handleReplica(w http.ResponseWriter, r *http.Request) {
	index, ok := s.replicaIndex(w, r)
	if !ok {
		return
	}
	info, err := s.seq.Replica(index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewReplicaResponse(info))
}

func (s *Server) handleFail(w http.ResponseWriter, r *http.Request) {
	index, ok := s.replicaIndex(w, r)
	if !ok {
		return
	}
	if err := s.seq.FailReplica(index); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	index, ok := s.replicaIndex(w, r)
	if !ok {
		return
	}
	if err := s.seq.RestoreReplicaFromSnapshot(r.Context(), index, s.snapshotDir); err != nil {
		s.writeError(w, err)
		return
	}
	info, err := s.seq.Replica(index)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewReplicaResponse(info))
}

// handleCatchup runs catch-up in the background and answers 202, or waits
// for the report with ?wait=true.
func (s *Server) handleCatchup(w http.ResponseWriter, r *http.Request) {
	index, ok := s.replicaIndex(w, r)
	if !ok {
		return
	}
	if _, err := s.seq.Replica(index); err != nil {
		s.writeError(w, err)
		return
	}

	if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); wait {
		rep, err := s.seq.CatchupReplica(r.Context(), index)
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, NewCatchupResponse(rep))
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		if _, err := s.seq.CatchupReplica(s.bgCtx, index); err != nil {
			slog.Error("background catch-up failed", "replica", index, "error", err)
		}
	}()
	s.writeJSON(w, http.StatusAccepted, NewAcceptedResponse())
}

func (s *Server) handleSnapshotAll(w http.ResponseWriter, r *http.Request) {
	if err := s.seq.SnapshotAll(r.Context(), s.snapshotDir); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleReplicaSnapshot(w http.ResponseWriter, r *http.Request) {
	index, ok := s.replicaIndex(w, r)
	if !ok {
		return
	}

	pub := snapshot.NewChanPublication(1)
	if _, err := s.seq.OfferSnapshot(r.Context(), index, pub); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(string(<-pub.C())))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	dec := json.NewDecoder(r.Body)
	var msg raftpb.Message
	if err := dec.Decode(&msg); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(err.Error()))
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
