package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"parkwatch/internal/activity"
	"parkwatch/internal/config"
	"parkwatch/internal/engine"
	"parkwatch/internal/metrics"
	"parkwatch/internal/model"
	"parkwatch/internal/normalize"
	"parkwatch/internal/storage"
)

type EngineControl interface {
	Reset(ctx context.Context) (int, error)
	UpdateConfig(cfg *config.Config)
	Sweep(ctx context.Context) engine.SweepResult
	Tracked() []engine.Entry
	Started() time.Time
	SyncVehicle(ctx context.Context, v model.Vehicle, setState bool) (model.Vehicle, bool, error)
}

type Server struct {
	cfg      *config.Manager
	metrics  *metrics.Store
	activity *activity.Store
	store    storage.Store
	engine   EngineControl
	logger   *slog.Logger
	version  string
}

type Options struct {
	Config   *config.Manager
	Metrics  *metrics.Store
	Activity *activity.Store
	Store    storage.Store
	Engine   EngineControl
	Logger   *slog.Logger
	Version  string
}

type statusResponse struct {
	Status       string       `json:"status"`
	Time         string       `json:"time"`
	Started      string       `json:"started"`
	Version      string       `json:"version"`
	ConfigPath   string       `json:"config_path"`
	Mode         string       `json:"mode"`
	Restricted   string       `json:"restricted_zone"`
	OpenEpisodes int          `json:"open_episodes"`
	Ingest       ingestStatus `json:"ingest"`
	Storage      string       `json:"storage"`
	Notify       bool         `json:"notify"`
	Capture      bool         `json:"capture"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	TCPStream bool `json:"tcp_stream"`
	UDP       bool `json:"udp"`
	FileTail  bool `json:"file_tail"`
	Kafka     bool `json:"kafka"`
}

func NewServer(opts Options) *Server {
	return &Server{
		cfg:      opts.Config,
		metrics:  opts.Metrics,
		activity: opts.Activity,
		store:    opts.Store,
		engine:   opts.Engine,
		logger:   opts.Logger,
		version:  opts.Version,
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/activity", s.handleActivity)
	r.Route("/violations", func(vr chi.Router) {
		vr.Get("/active", s.handleActive)
		vr.Get("/history", s.handleHistory)
	})
	r.Route("/vehicles", func(vr chi.Router) {
		vr.Get("/", s.handleListVehicles)
		vr.Get("/{id}", s.handleGetVehicle)
		vr.Put("/{id}", s.handlePutVehicle)
	})
	r.Route("/admin", func(ar chi.Router) {
		ar.Post("/sweep", s.handleSweep)
		ar.Post("/restart", s.handleRestart)
		ar.Post("/clear", s.handleClear)
	})
	r.Get("/config/violation", s.handleGetViolationConfig)
	r.Post("/config/violation", s.handlePostViolationConfig)
	return r
}

// Start serves the API until ctx is cancelled. It returns nil when the API is
// disabled.
func Start(ctx context.Context, s *Server) *http.Server {
	if s == nil || s.cfg == nil {
		return nil
	}
	current := s.cfg.Get().API
	if !current.Enabled {
		if s.logger != nil {
			s.logger.Info("api disabled")
		}
		return nil
	}
	if s.logger != nil {
		s.logger.Info("api enabled", "addr", current.Addr)
	}
	httpServer := &http.Server{Addr: current.Addr, Handler: s.Routes(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.logger != nil {
				s.logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Mode:       cfg.Violation.Mode,
		Restricted: cfg.Violation.RestrictedZone,
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			UDP:       cfg.Ingest.UDP.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		Storage: cfg.Storage.Driver,
		Notify:  cfg.Notify.Enabled,
		Capture: cfg.Capture.Enabled,
	}
	if s.engine != nil {
		resp.Started = s.engine.Started().Format(time.RFC3339Nano)
		resp.OpenEpisodes = len(s.engine.Tracked())
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	counters := s.metrics.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"since":    s.metrics.Since().Format(time.RFC3339Nano),
		"counters": counters,
		"count":    len(counters),
	})
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var list []model.Activity
	switch {
	case q.Get("since") != "":
		ts, err := time.Parse(time.RFC3339, q.Get("since"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		list = s.activity.Since(ts)
	case q.Get("vehicle") != "":
		list = s.activity.ForVehicle(normalize.CleanIdentity(q.Get("vehicle")))
	default:
		list = s.activity.List(queryInt(r, "limit", 0))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"activity": list,
		"count":    len(list),
	})
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListActiveViolations(r.Context())
	if err != nil {
		s.internalError(w, "list active violations", err)
		return
	}
	resp := map[string]any{
		"violations": list,
		"count":      len(list),
	}
	if s.engine != nil {
		resp["tracked"] = s.engine.Tracked()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	vehicle := r.URL.Query().Get("vehicle")
	if vehicle != "" {
		vehicle = normalize.CleanIdentity(vehicle)
	}
	list, err := s.store.ListHistory(r.Context(), vehicle, queryInt(r, "limit", 100))
	if err != nil {
		s.internalError(w, "list history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"violations": list,
		"count":      len(list),
	})
}

func (s *Server) handleListVehicles(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.ListVehicles(r.Context())
	if err != nil {
		s.internalError(w, "list vehicles", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"vehicles": list,
		"count":    len(list),
	})
}

func (s *Server) handleGetVehicle(w http.ResponseWriter, r *http.Request) {
	id := normalize.CleanIdentity(chi.URLParam(r, "id"))
	v, err := s.store.LookupVehicle(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "vehicle not registered")
		return
	}
	if err != nil {
		s.internalError(w, "lookup vehicle", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type vehicleRequest struct {
	Name           string `json:"name"`
	ContactAddress string `json:"contact_address"`
	AuthorizedZone string `json:"authorized_zone"`
	State          string `json:"state"`
}

// handlePutVehicle syncs one entry of the vehicle directory. The stored
// location is kept unless the request sets it.
func (s *Server) handlePutVehicle(w http.ResponseWriter, r *http.Request) {
	id := normalize.CleanIdentity(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "vehicle id required")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	var req vehicleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if strings.TrimSpace(req.AuthorizedZone) == "" {
		writeError(w, http.StatusBadRequest, "authorized_zone required")
		return
	}

	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	v := model.Vehicle{
		ID:             id,
		Name:           strings.TrimSpace(req.Name),
		ContactAddress: strings.TrimSpace(req.ContactAddress),
		AuthorizedZone: strings.TrimSpace(req.AuthorizedZone),
	}
	setState := req.State != ""
	if setState {
		v.State = model.ParseLocationState(req.State)
	}
	stored, created, err := s.engine.SyncVehicle(r.Context(), v, setState)
	if err != nil {
		s.internalError(w, "sync vehicle", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, stored)
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	res := s.engine.Sweep(r.Context())
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if s.engine == nil {
		writeError(w, http.StatusServiceUnavailable, "engine not running")
		return
	}
	n, err := s.engine.Reset(r.Context())
	if err != nil {
		s.internalError(w, "reset engine", err)
		return
	}
	s.metrics.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "open_episodes": n})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.metrics.Clear()
		s.activity.Clear()
	case "activity":
		s.activity.Clear()
	case "metrics":
		s.metrics.Clear()
	default:
		writeError(w, http.StatusBadRequest, "target must be all, activity or metrics")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleGetViolationConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"violation": s.cfg.Get().Violation,
	})
}

func (s *Server) handlePostViolationConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	current := s.cfg.Get()
	next := *current
	// start from the current policy so partial updates keep the other fields
	if err := json.Unmarshal(body, &next.Violation); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.engine != nil {
		s.engine.UpdateConfig(&next)
	}
	if s.logger != nil {
		s.logger.Info("violation policy updated",
			"mode", next.Violation.Mode,
			"warning_delay", next.Violation.WarningDelay,
			"final_delay", next.Violation.FinalDelay,
			"cooldown", next.Violation.Cooldown,
		)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "violation": next.Violation})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	if s.logger != nil {
		s.logger.Error("api store error", "op", op, "err", err)
	}
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
