package admin

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/review-agent/internal/agent/ingest"
	"github.com/review-agent/internal/storage"
	"github.com/review-agent/pkg/logger"
)

// Poller is the part of the ingestion scheduler the admin surface drives
type Poller interface {
	PollOwner(ctx context.Context, ownerID uint) (*ingest.OwnerResult, error)
	Running() bool
	LastCycle() *ingest.CycleResult
}

// Status is the body of GET /status
type Status struct {
	CycleRunning bool                `json:"cycle_running"`
	LastCycle    *ingest.CycleResult `json:"last_cycle,omitempty"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server serves health checks and the manual poll endpoint
type Server struct {
	poller Poller
	now    func() time.Time
	log    *logger.Logger
}

// NewServer creates a new admin server
func NewServer(poller Poller, log *logger.Logger) *Server {
	return &Server{
		poller: poller,
		now:    time.Now,
		log:    log.WithComponent("admin"),
	}
}

// Handler returns the admin routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /owners/{id}/poll", s.handlePoll)
	return mux
}

// ListenAndServe serves until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Msg("Admin server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Status{
		CycleRunning: s.poller.Running(),
		LastCycle:    s.poller.LastCycle(),
	})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid owner id"})
		return
	}

	result, err := s.poller.PollOwner(r.Context(), uint(id))
	if err != nil {
		var throttled *ingest.ThrottledError
		switch {
		case errors.As(err, &throttled):
			seconds := int(math.Ceil(throttled.RetryAfter(s.now()).Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			writeJSON(w, http.StatusTooManyRequests, errorBody{Error: err.Error()})
		case errors.Is(err, storage.ErrNotFound):
			writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		case errors.Is(err, ingest.ErrOwnerInactive):
			writeJSON(w, http.StatusConflict, errorBody{Error: err.Error()})
		default:
			s.log.Error().Err(err).Uint64("owner_id", id).Msg("Manual poll failed")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
