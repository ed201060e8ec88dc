package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"dsictl/internal/config"
	"dsictl/internal/dsi"
	"dsictl/internal/errcode"
	appLog "dsictl/internal/log"
	"dsictl/internal/schedule"
)

// Controller is the part of *dsi.Controller the API drives.
type Controller interface {
	Handle(dsi.Event) error
	RequestPowerState(dsi.PowerState) error
	Recover() error
	Status() dsi.Status
}

// Server provides the HTTP API over one panel controller.
type Server struct {
	cfg   *config.Config
	ctrl  Controller
	sched *schedule.Scheduler
	mux   *http.ServeMux
}

// NewServer constructs a new Server. sched may be nil.
func NewServer(cfg *config.Config, ctrl Controller, sched *schedule.Scheduler) *Server {
	s := &Server{
		cfg:   cfg,
		ctrl:  ctrl,
		sched: sched,
		mux:   http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	h := http.Handler(s.mux)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		return s.basicAuthMiddleware(h)
	}
	return h
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty credentials count as disabled.
	if s.cfg.BasicAuth.Username == "" || s.cfg.BasicAuth.Password == "" {
		return false
	}
	return true
}

// basicAuthMiddleware wraps all handlers except /health with HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="dsictl", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Serve runs the API on cfg.Listen until ctx is cancelled, then shuts the
// server down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)
	s.mux.HandleFunc("POST /api/event", s.handleEvent)
	s.mux.HandleFunc("POST /api/power", s.handlePower)
	s.mux.HandleFunc("POST /api/recover", s.handleRecover)
	s.mux.HandleFunc("GET /api/schedule", s.handleSchedule)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

// eventRequest is the body of POST /api/event, e.g.
// {"event": "panel_off", "state": "doze"}.
type eventRequest struct {
	Event string `json:"event"`
	dsi.EventArgs
}

// result mirrors the dispatcher's integer result plus the stable code.
type result struct {
	RC    int    `json:"rc"`
	Code  string `json:"code"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeResult(w, errcode.Wrap(errcode.InvalidArgument, "decode event", err))
		return
	}
	ev, err := dsi.NewEvent(req.Event, req.EventArgs)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, s.ctrl.Handle(ev))
}

func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeResult(w, errcode.Wrap(errcode.InvalidArgument, "decode power request", err))
		return
	}
	ps, err := dsi.ParsePowerState(req.State)
	if err != nil {
		writeResult(w, err)
		return
	}
	writeResult(w, s.ctrl.RequestPowerState(ps))
}

func (s *Server) handleRecover(w http.ResponseWriter, _ *http.Request) {
	writeResult(w, s.ctrl.Recover())
}

func (s *Server) handleSchedule(w http.ResponseWriter, _ *http.Request) {
	up := []schedule.Upcoming{}
	if s.sched != nil {
		up = append(up, s.sched.Upcoming()...)
	}
	writeJSON(w, http.StatusOK, up)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// writeResult reports err as {"rc", "code", "error"} with a status code
// matching its kind.
func writeResult(w http.ResponseWriter, err error) {
	code := errcode.Of(err)
	res := result{RC: code.RC(), Code: string(code)}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, httpStatus(code), res)
}

func httpStatus(c errcode.Code) int {
	switch c {
	case errcode.OK, errcode.AlreadyInState:
		return http.StatusOK
	case errcode.InvalidArgument:
		return http.StatusBadRequest
	case errcode.UnsupportedConfiguration:
		return http.StatusUnprocessableEntity
	case errcode.ResourceUnavailable:
		return http.StatusServiceUnavailable
	case errcode.HardwareTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}
