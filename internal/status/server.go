// Package status serves the controller state and operator commands over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/shiftd/internal/colortemp"
	"github.com/dokzlo13/shiftd/internal/control"
	"github.com/dokzlo13/shiftd/internal/gamma"
	"github.com/dokzlo13/shiftd/internal/geo"
	"github.com/dokzlo13/shiftd/internal/ledger"
)

const source = "http"

// Controller is the part of *control.Controller the server drives.
type Controller interface {
	Snapshot() control.Status
	SetMode(ctx context.Context, source string, mode control.Mode) error
	SetManualTemperature(ctx context.Context, source string, kelvin int) (int, error)
	ForceRecompute(ctx context.Context, source string) error
	UpdatePeriod(ctx context.Context, source string, p colortemp.Period) ([]colortemp.Issue, error)
	SelectBackend(ctx context.Context, source, name, selector string) error
}

// History lists ledger entries. *ledger.Ledger satisfies it.
type History interface {
	Find(q ledger.Query) ([]*ledger.Entry, error)
}

// Server is the HTTP status and command surface.
type Server struct {
	addr       string
	ctrl       Controller
	history    History // optional
	now        func() time.Time
	httpServer *http.Server
}

// NewServer creates a server for ctrl. history may be nil.
func NewServer(addr string, ctrl Controller, history History) *Server {
	return &Server{addr: addr, ctrl: ctrl, history: history, now: time.Now}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	api.HandleFunc("/sun", s.handleSun).Methods(http.MethodGet)
	api.HandleFunc("/history", s.handleHistory).Methods(http.MethodGet)
	api.HandleFunc("/mode", s.handleMode).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/temperature", s.handleTemperature).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/recompute", s.handleRecompute).Methods(http.MethodPost)
	api.HandleFunc("/period", s.handlePeriod).Methods(http.MethodPut, http.MethodPost)
	api.HandleFunc("/backend", s.handleBackend).Methods(http.MethodPut, http.MethodPost)

	return handlers.RecoveryHandler(handlers.PrintRecoveryStack(false))(handlers.CompressHandler(r))
}

// Run starts the server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", s.addr).Msg("Starting status server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Status server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports 503 while no backend is attached.
func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Snapshot()
	if st.Degraded {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": st.LastError})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "backend": st.Backend})
}

func (s *Server) handleState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Snapshot())
}

type sunResponse struct {
	Elevation float64        `json:"elevation"`
	Rising    bool           `json:"rising"`
	Times     geo.AstroTimes `json:"times"`
	Location  geo.Location   `json:"location"`
	Target    int            `json:"target"`
}

func (s *Server) handleSun(w http.ResponseWriter, _ *http.Request) {
	st := s.ctrl.Snapshot()
	loc := st.Location

	tz := time.UTC
	if loc.Timezone != "" {
		if l, err := time.LoadLocation(loc.Timezone); err == nil {
			tz = l
		}
	}
	now := s.now()
	elevation, err := geo.Elevation(now, loc.Latitude, loc.Longitude)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	rising, _ := geo.IsRising(now, loc.Latitude, loc.Longitude)

	writeJSON(w, http.StatusOK, sunResponse{
		Elevation: elevation,
		Rising:    rising,
		Times:     geo.Times(now.In(tz), loc.Latitude, loc.Longitude, tz),
		Location:  loc,
		Target:    st.Target,
	})
}

// handleHistory lists ledger entries, filtered by ?type, ?tick and ?since
// (RFC 3339), newest first, at most ?limit (default 50, max 1000).
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeError(w, http.StatusNotFound, errors.New("history is disabled"))
		return
	}
	params := r.URL.Query()
	q := ledger.Query{
		Type:   ledger.EventType(params.Get("type")),
		TickID: params.Get("tick"),
		Limit:  50,
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		q.Limit = min(n, 1000)
	}
	if v := params.Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("since must be an RFC 3339 timestamp"))
			return
		}
		q.Since = since
	}

	entries, err := s.history.Find(q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type modeRequest struct {
	Mode *control.Mode `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Mode == nil {
		writeError(w, http.StatusBadRequest, errors.New("mode is required"))
		return
	}
	log.Debug().Str("remote", r.RemoteAddr).Str("mode", req.Mode.String()).Msg("Mode requested")
	s.commandResult(w, s.ctrl.SetMode(r.Context(), source, *req.Mode), nil)
}

type temperatureRequest struct {
	Temperature *int `json:"temperature"`
}

func (s *Server) handleTemperature(w http.ResponseWriter, r *http.Request) {
	var req temperatureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Temperature == nil {
		writeError(w, http.StatusBadRequest, errors.New("temperature is required"))
		return
	}
	log.Debug().Str("remote", r.RemoteAddr).Int("temperature", *req.Temperature).Msg("Manual temperature requested")
	used, err := s.ctrl.SetManualTemperature(r.Context(), source, *req.Temperature)
	s.commandResult(w, err, map[string]any{"requested": *req.Temperature, "used": used})
}

func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	s.commandResult(w, s.ctrl.ForceRecompute(r.Context(), source), nil)
}

func (s *Server) handlePeriod(w http.ResponseWriter, r *http.Request) {
	// Start from the current period so partial bodies only change what they name
	p := s.ctrl.Snapshot().Period
	if !decode(w, r, &p) {
		return
	}
	issues, err := s.ctrl.UpdatePeriod(r.Context(), source, p)
	extra := map[string]any{}
	if len(issues) > 0 {
		extra["adjusted"] = issues
	}
	s.commandResult(w, err, extra)
}

type backendRequest struct {
	Name     string `json:"name"`
	Selector string `json:"selector"`
}

func (s *Server) handleBackend(w http.ResponseWriter, r *http.Request) {
	var req backendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	s.commandResult(w, s.ctrl.SelectBackend(r.Context(), source, req.Name, req.Selector), nil)
}

// commandResult writes the post-command status, with the HTTP code derived
// from err.
func (s *Server) commandResult(w http.ResponseWriter, err error, extra map[string]any) {
	body := map[string]any{"status": s.ctrl.Snapshot()}
	for k, v := range extra {
		body[k] = v
	}

	code := http.StatusOK
	if err != nil {
		body["error"] = err.Error()
		switch {
		case errors.Is(err, gamma.ErrBackendUnavailable), errors.Is(err, control.ErrStopped):
			code = http.StatusServiceUnavailable
		case errors.Is(err, gamma.ErrApplyFailed):
			code = http.StatusBadGateway
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			code = http.StatusGatewayTimeout
		default:
			code = http.StatusInternalServerError
		}
	}
	writeJSON(w, code, body)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}
