// Package server exposes the pipeline's control and status surfaces
// over HTTP for the UI collaborator.
package server

import (
	"context"
	"net/http"
	"sync"

	"github.com/apex/log"
	"github.com/cockroachdb/errors"
	"github.com/labstack/echo/v4"

	"github.com/cwbudde/stemlive/pipeline"
	"github.com/cwbudde/stemlive/stem"
)

// Server wires the controller's control operations to HTTP routes.
type Server struct {
	echo *echo.Echo
	ctl  *pipeline.Controller
	log  log.Interface

	mu    sync.Mutex
	stats pipeline.ProcessingStats
	seen  bool
}

// New builds the route table on a fresh echo instance.
func New(ctl *pipeline.Controller, logger log.Interface) *Server {
	if logger == nil {
		logger = log.Log
	}
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{echo: e, ctl: ctl, log: logger}

	e.POST("/session/start", s.startSession)
	e.POST("/session/stop", s.stopSession)
	e.PUT("/mix/levels", s.setLevels)
	e.PUT("/mix/key", s.setKey)
	e.PUT("/mix/tempo", s.setTempo)
	e.PUT("/mix/mute", s.setMute)
	e.PUT("/mix/solo", s.setSolo)
	e.GET("/status", s.status)

	return s
}

// Serve runs the HTTP listener until Shutdown. It also drains the
// controller's stats channel so /status always reports the latest
// emission.
func (s *Server) Serve(addr string) error {
	go s.collectStats()
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "server")
	}
	return nil
}

// Shutdown stops the listener gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) collectStats() {
	for st := range s.ctl.Stats() {
		s.mu.Lock()
		s.stats = st
		s.seen = true
		s.mu.Unlock()
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (s *Server) startSession(c echo.Context) error {
	if err := s.ctl.Start(); err != nil {
		if errors.Is(err, pipeline.ErrSessionActive) {
			return c.JSON(http.StatusConflict, errorBody{Error: err.Error()})
		}
		s.log.WithError(err).Error("session start failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"state": s.ctl.State().String()})
}

func (s *Server) stopSession(c echo.Context) error {
	if err := s.ctl.Stop(); err != nil {
		s.log.WithError(err).Error("session stop failed")
		return c.JSON(http.StatusInternalServerError, errorBody{Error: err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"state": s.ctl.State().String()})
}

type levelsRequest struct {
	Levels map[string]float64 `json:"levels"`
}

func (s *Server) setLevels(c echo.Context) error {
	var req levelsRequest
	if err := c.Bind(&req); err != nil || len(req.Levels) == 0 {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "levels object required"})
	}
	for name, gain := range req.Levels {
		if err := s.ctl.SetGain(stem.Name(name), gain); err != nil {
			return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
		}
	}
	return c.NoContent(http.StatusNoContent)
}

type keyRequest struct {
	Semitones int `json:"semitones"`
}

func (s *Server) setKey(c echo.Context) error {
	var req keyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "semitones required"})
	}
	if err := s.ctl.SetKeyShift(req.Semitones); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

type tempoRequest struct {
	Factor float64 `json:"factor"`
}

func (s *Server) setTempo(c echo.Context) error {
	var req tempoRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "factor required"})
	}
	if err := s.ctl.SetTempoFactor(req.Factor); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

type flagRequest struct {
	Stem    string `json:"stem"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) setMute(c echo.Context) error {
	var req flagRequest
	if err := c.Bind(&req); err != nil || req.Stem == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "stem required"})
	}
	if err := s.ctl.SetMute(stem.Name(req.Stem), req.Enabled); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) setSolo(c echo.Context) error {
	var req flagRequest
	if err := c.Bind(&req); err != nil || req.Stem == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Error: "stem required"})
	}
	if err := s.ctl.SetSolo(stem.Name(req.Stem), req.Enabled); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Error: err.Error()})
	}
	return c.NoContent(http.StatusNoContent)
}

type statusResponse struct {
	State           string  `json:"state"`
	KeyShift        int     `json:"keyShift"`
	TempoFactor     float64 `json:"tempoFactor"`
	BufferSeconds   float64 `json:"bufferSeconds"`
	CPURatioPercent int     `json:"cpuRatioPercent"`
	OverrunCount    uint64  `json:"overrunCount"`
	LastError       string  `json:"lastError,omitempty"`
}

func (s *Server) status(c echo.Context) error {
	cfg := s.ctl.MixConfig()
	resp := statusResponse{
		State:       s.ctl.State().String(),
		KeyShift:    cfg.KeyShift(),
		TempoFactor: cfg.TempoFactor(),
	}
	s.mu.Lock()
	if s.seen {
		resp.BufferSeconds = s.stats.BufferSeconds
		resp.CPURatioPercent = s.stats.CPURatioPercent
		resp.OverrunCount = s.stats.OverrunCount
	}
	s.mu.Unlock()
	if err := s.ctl.LastError(); err != nil {
		resp.LastError = err.Error()
	}
	return c.JSON(http.StatusOK, resp)
}
