// Package api is the HTTP control surface of the copier: health and
// readiness probes, account and position introspection, and slave
// lifecycle management.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"mt5copier/internal/deploy"
	"mt5copier/internal/engine"
	"mt5copier/internal/models"
)

// EngineService is the slice of the engine the control surface
// consumes.
type EngineService interface {
	IsRunning() bool
	Status() engine.Status
	MasterState() models.AccountState
	ListSlaves() []engine.SlaveInfo
	GetSlave(name string) (engine.SlaveInfo, error)
	AddSlave(ctx context.Context, cfg models.SlaveConfig) error
	RemoveSlave(ctx context.Context, name string, closePositions bool) error
	EnableSlave(ctx context.Context, name string) error
	DisableSlave(ctx context.Context, name string, closePositions bool) error
	UpdateSlave(ctx context.Context, name string, update models.SlaveUpdate) (models.SlaveConfig, error)
	Reconnect(ctx context.Context, name string) error
	PositionMappings() []models.PositionMapping
	MappingsForMaster(ticket int64) []models.PositionMapping
	Stats() engine.MappingStats
}

// Deployer provisions and removes slave terminal containers. Nil
// disables the deploy endpoints.
type Deployer interface {
	CreateSlaveContainer(ctx context.Context, req deploy.SlaveRequest) (*deploy.SlaveDeployment, error)
	WaitForReady(ctx context.Context, name string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, name string) error
}

// Config holds the server's listen address.
type Config struct {
	Host string
	Port int
}

// Server serves the control surface over chi.
type Server struct {
	router   *chi.Mux
	server   *http.Server
	engine   EngineService
	deployer Deployer
	// Container provisioning is expensive; one deploy call at a time,
	// at most every 10 seconds.
	deployLimit *rate.Limiter
	log         *logrus.Logger
}

// NewServer builds the server and its routes.
func NewServer(cfg Config, eng EngineService, deployer Deployer, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.New()
	}
	s := &Server{
		router:      chi.NewRouter(),
		engine:      eng,
		deployer:    deployer,
		deployLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
		log:         log,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Get("/status", s.handleStatus)

	s.router.Route("/accounts", func(r chi.Router) {
		r.Get("/", s.handleAccounts)
		r.Route("/slaves", func(r chi.Router) {
			r.Get("/", s.handleListSlaves)
			r.Post("/", s.handleAddSlave)
			r.Put("/{name}", s.handleUpdateSlave)
			r.Delete("/{name}", s.handleRemoveSlave)
			r.Post("/{name}/enable", s.handleEnableSlave)
			r.Post("/{name}/disable", s.handleDisableSlave)
		})
		r.Get("/{name}", s.handleGetAccount)
		r.Post("/{name}/reconnect", s.handleReconnect)
	})

	s.router.Route("/positions", func(r chi.Router) {
		r.Get("/", s.handlePositions)
		r.Get("/stats", s.handlePositionStats)
		r.Get("/master/{ticket}", s.handlePositionsByMaster)
	})

	if s.deployer != nil {
		s.router.Route("/deploy", func(r chi.Router) {
			r.Post("/slave", s.handleDeploySlave)
			r.Delete("/slave/{name}", s.handleUndeploySlave)
		})
	}
}

// Start begins serving. Blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	s.log.WithField("addr", s.server.Addr).Info("control api listening")
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()

	slavesConnected := 0
	degraded := false
	for _, slave := range status.Slaves {
		if slave.State.Connected {
			slavesConnected++
		} else if slave.Config.Enabled {
			degraded = true
		}
	}

	health := "healthy"
	code := http.StatusOK
	switch {
	case !status.Master.Connected:
		health = "unhealthy"
		code = http.StatusServiceUnavailable
	case degraded:
		health = "degraded"
	}

	s.writeJSON(w, code, map[string]any{
		"status":           health,
		"running":          status.Running,
		"master_connected": status.Master.Connected,
		"slaves_connected": slavesConnected,
		"slaves_total":     len(status.Slaves),
		"active_mappings":  status.OpenMappings,
		"timestamp":        time.Now().Unix(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.engine.IsRunning() && s.engine.MasterState().Connected && s.anySlaveUp()
	code := http.StatusOK
	if !ready {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, map[string]any{"ready": ready})
}

func (s *Server) anySlaveUp() bool {
	for _, slave := range s.engine.ListSlaves() {
		if slave.Config.Enabled && slave.State.Connected {
			return true
		}
	}
	return false
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	for i := range status.Slaves {
		status.Slaves[i].Config = sanitize(status.Slaves[i].Config)
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"master": s.engine.MasterState(),
		"slaves": s.sanitizedSlaves(),
	})
}

func (s *Server) handleListSlaves(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.sanitizedSlaves())
}

func (s *Server) sanitizedSlaves() []engine.SlaveInfo {
	slaves := s.engine.ListSlaves()
	for i := range slaves {
		slaves[i].Config = sanitize(slaves[i].Config)
	}
	return slaves
}

func (s *Server) handleAddSlave(w http.ResponseWriter, r *http.Request) {
	var cfg models.SlaveConfig
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding slave config: %w", err))
		return
	}
	if err := s.engine.AddSlave(r.Context(), cfg); err != nil {
		s.writeServiceError(w, err)
		return
	}
	info, err := s.engine.GetSlave(cfg.Name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	info.Config = sanitize(info.Config)
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleUpdateSlave(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var update models.SlaveUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding slave update: %w", err))
		return
	}

	cfg, err := s.engine.UpdateSlave(r.Context(), name, update)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, sanitize(cfg))
}

func (s *Server) handleRemoveSlave(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	closePositions := r.URL.Query().Get("close_positions") == "true"

	if err := s.engine.RemoveSlave(r.Context(), name, closePositions); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"removed":          name,
		"closed_positions": closePositions,
	})
}

func (s *Server) handleEnableSlave(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.EnableSlave(r.Context(), name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"slave": name, "enabled": true})
}

func (s *Server) handleDisableSlave(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	closePositions := r.URL.Query().Get("close_positions") == "true"

	if err := s.engine.DisableSlave(r.Context(), name, closePositions); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"slave":            name,
		"enabled":          false,
		"closed_positions": closePositions,
	})
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if master := s.engine.MasterState(); master.Name == name {
		s.writeJSON(w, http.StatusOK, master)
		return
	}

	info, err := s.engine.GetSlave(name)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	info.Config = sanitize(info.Config)
	s.writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReconnect(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.engine.Reconnect(r.Context(), name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"slave": name, "reconnected": true})
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.PositionMappings())
}

func (s *Server) handlePositionStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handlePositionsByMaster(w http.ResponseWriter, r *http.Request) {
	ticket, err := strconv.ParseInt(chi.URLParam(r, "ticket"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid ticket: %w", err))
		return
	}

	mappings := s.engine.MappingsForMaster(ticket)
	// An unknown ticket is an answer, not an error: the caller is asking
	// whether the position is tracked.
	s.writeJSON(w, http.StatusOK, map[string]any{
		"master_ticket": ticket,
		"found":         len(mappings) > 0,
		"mappings":      mappings,
	})
}

// deployReadyTimeout bounds how long a deploy request waits for the
// bridge inside a freshly created container to come up.
const deployReadyTimeout = 60 * time.Second

func (s *Server) handleDeploySlave(w http.ResponseWriter, r *http.Request) {
	if !s.deployLimit.Allow() {
		s.writeError(w, http.StatusTooManyRequests, errors.New("deploy rate limit exceeded"))
		return
	}

	var req deploy.SlaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decoding deploy request: %w", err))
		return
	}

	dep, err := s.deployer.CreateSlaveContainer(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	// The container exists either way; a slow boot or a rejected
	// registration is reported, not rolled back.
	if err := s.deployer.WaitForReady(r.Context(), req.Name, deployReadyTimeout); err != nil {
		s.writeJSON(w, http.StatusCreated, map[string]any{
			"deployment": dep,
			"registered": false,
			"message":    fmt.Sprintf("container created but not ready: %v", err),
		})
		return
	}

	cfg := models.SlaveConfig{
		Name:     req.Name,
		Host:     "localhost",
		Port:     dep.Port,
		Enabled:  true,
		Login:    req.Login,
		Password: req.Password,
		Server:   req.Server,
	}
	if err := s.engine.AddSlave(r.Context(), cfg); err != nil {
		s.writeJSON(w, http.StatusCreated, map[string]any{
			"deployment": dep,
			"registered": false,
			"message":    fmt.Sprintf("container ready but registration failed: %v", err),
		})
		return
	}

	s.writeJSON(w, http.StatusCreated, map[string]any{
		"deployment": dep,
		"registered": true,
	})
}

func (s *Server) handleUndeploySlave(w http.ResponseWriter, r *http.Request) {
	if !s.deployLimit.Allow() {
		s.writeError(w, http.StatusTooManyRequests, errors.New("deploy rate limit exceeded"))
		return
	}

	name := chi.URLParam(r, "name")
	closePositions := r.URL.Query().Get("close_positions") == "true"

	// Deregister from the engine first so the copy loop stops before the
	// container goes away. A slave that was never registered is fine.
	deregistered := true
	if err := s.engine.RemoveSlave(r.Context(), name, closePositions); err != nil {
		if !strings.Contains(err.Error(), "not found") {
			s.writeServiceError(w, err)
			return
		}
		deregistered = false
	}

	if err := s.deployer.RemoveContainer(r.Context(), name); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"removed":      name,
		"deregistered": deregistered,
	})
}

// sanitize strips credentials before a config leaves the process.
func sanitize(cfg models.SlaveConfig) models.SlaveConfig {
	cfg.Password = ""
	return cfg
}

// writeServiceError maps engine errors onto status codes by their
// message shape: the engine has no typed error hierarchy.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "not found"):
		s.writeError(w, http.StatusNotFound, err)
	case strings.Contains(msg, "already exists"),
		strings.Contains(msg, "required"),
		strings.Contains(msg, "invalid"):
		s.writeError(w, http.StatusBadRequest, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	if code >= http.StatusInternalServerError {
		s.log.WithError(err).Error("request failed")
	}
	s.writeJSON(w, code, map[string]any{"error": err.Error()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.log.WithError(err).Error("encoding response failed")
	}
}
