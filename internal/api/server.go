// Package api implements the control surface of spec §6's "abstract API":
// start, stop, set_phi_source, set_phi_manual, set_internal_rate,
// set_downmix_strategy, set_adaptive, calibrate_latency,
// set_compensation_offset_ms, adjust_compensation_ms, apply_preset, plus
// get_latest_metrics.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"chromafield/internal/mix"
	"chromafield/internal/phi"
	"chromafield/internal/pipeline"
	"chromafield/internal/ws"
)

// Server is the Echo application exposing pipeline control and telemetry.
type Server struct {
	echo *echo.Echo
	pipe *pipeline.Pipeline
}

// New constructs an Echo app with control + WebSocket routes bound to pipe.
func New(pipe *pipeline.Pipeline) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(requestLogger())

	s := &Server{echo: e, pipe: pipe}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

func requestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			slog.Info("http request",
				"method", c.Request().Method,
				"path", c.Request().URL.Path,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		}
	}
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/metrics/latest", s.handleLatestMetrics)
	s.echo.GET("/api/latency/latest", s.handleLatestLatency)
	s.echo.POST("/api/start", s.handleStart)
	s.echo.POST("/api/stop", s.handleStop)
	s.echo.POST("/api/phi/source", s.handleSetPhiSource)
	s.echo.POST("/api/phi/manual", s.handleSetPhiManual)
	s.echo.POST("/api/phi/internal-rate", s.handleSetInternalRate)
	s.echo.POST("/api/downmix", s.handleSetDownmixStrategy)
	s.echo.POST("/api/adaptive", s.handleSetAdaptive)
	s.echo.POST("/api/latency/calibrate", s.handleCalibrateLatency)
	s.echo.POST("/api/latency/compensation", s.handleSetCompensationOffset)
	s.echo.POST("/api/latency/compensation/adjust", s.handleAdjustCompensation)
	s.echo.POST("/api/preset", s.handleApplyPreset)
	ws.NewHandler(s.pipe.Bus()).Register(s.echo)
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		slog.Info("shutting down control api")
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		slog.Info("control api stopped")
		return nil
	}
}

type healthResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", State: s.pipe.State().String()})
}

func (s *Server) handleLatestMetrics(c echo.Context) error {
	return c.JSON(http.StatusOK, s.pipe.Bus().GetLatestMetrics())
}

func (s *Server) handleLatestLatency(c echo.Context) error {
	lf, ok := s.pipe.Bus().GetLatestLatency()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no latency frame published yet")
	}
	return c.JSON(http.StatusOK, lf)
}

type startRequest struct {
	Calibrate bool `json:"calibrate"`
}

func (s *Server) handleStart(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.pipe.Start(c.Request().Context(), req.Calibrate); err != nil {
		return translateErr(err)
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", State: s.pipe.State().String()})
}

func (s *Server) handleStop(c echo.Context) error {
	if err := s.pipe.Stop(); err != nil {
		return translateErr(err)
	}
	return c.JSON(http.StatusOK, healthResponse{Status: "ok", State: s.pipe.State().String()})
}

type phiSourceRequest struct {
	Source string `json:"source"`
}

func (s *Server) handleSetPhiSource(c echo.Context) error {
	var req phiSourceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	kind, err := phi.ParseSourceKind(req.Source)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.pipe.PhiController().SetSource(kind)
	return c.NoContent(http.StatusNoContent)
}

type phiManualRequest struct {
	Phase float64 `json:"phase"`
	Depth float64 `json:"depth"`
}

func (s *Server) handleSetPhiManual(c echo.Context) error {
	var req phiManualRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.pipe.PhiController().SetManual(req.Phase, req.Depth)
	return c.NoContent(http.StatusNoContent)
}

type internalRateRequest struct {
	Hz float64 `json:"hz"`
}

func (s *Server) handleSetInternalRate(c echo.Context) error {
	var req internalRateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.pipe.PhiController().SetInternalRate(req.Hz)
	return c.NoContent(http.StatusNoContent)
}

type downmixRequest struct {
	Strategy string `json:"strategy"`
}

func (s *Server) handleSetDownmixStrategy(c echo.Context) error {
	var req downmixRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	strat, err := mix.ParseStrategy(req.Strategy)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.pipe.SetDownmixStrategy(strat)
	return c.NoContent(http.StatusNoContent)
}

type adaptiveRequest struct {
	Enabled bool     `json:"enabled"`
	Gain    *float64 `json:"gain_k,omitempty"`
	Gamma   *float64 `json:"gain_gamma,omitempty"`
}

func (s *Server) handleSetAdaptive(c echo.Context) error {
	var req adaptiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	adaptive := s.pipe.Adaptive()
	adaptive.SetEnabled(req.Enabled)
	if req.Gain != nil || req.Gamma != nil {
		k, gamma := adaptive.Gains()
		if req.Gain != nil {
			k = *req.Gain
		}
		if req.Gamma != nil {
			gamma = *req.Gamma
		}
		adaptive.SetGains(k, gamma)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCalibrateLatency(c echo.Context) error {
	if err := s.pipe.CalibrateLatency(c.Request().Context()); err != nil {
		return translateErr(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type compensationRequest struct {
	Ms float64 `json:"ms"`
}

func (s *Server) handleSetCompensationOffset(c echo.Context) error {
	var req compensationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.pipe.SetCompensationOffsetMs(req.Ms)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAdjustCompensation(c echo.Context) error {
	var req compensationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.pipe.AdjustCompensationMs(req.Ms)
	return c.NoContent(http.StatusNoContent)
}

// presetRequest is a bulk parameter update (§6 apply_preset): each field
// applies independently and in the order below; the set as a whole is not
// atomic with respect to the audio thread, matching the individual atomic
// writes each setter already performs.
type presetRequest struct {
	DownmixStrategy      *string  `json:"downmix_strategy,omitempty"`
	PhiSource            *string  `json:"phi_source,omitempty"`
	PhiManualPhase       *float64 `json:"phi_manual_phase,omitempty"`
	PhiManualDepth       *float64 `json:"phi_manual_depth,omitempty"`
	AdaptiveEnabled      *bool    `json:"adaptive_enabled,omitempty"`
	CompensationOffsetMs *float64 `json:"compensation_offset_ms,omitempty"`
}

func (s *Server) handleApplyPreset(c echo.Context) error {
	var req presetRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	if req.DownmixStrategy != nil {
		strat, err := mix.ParseStrategy(*req.DownmixStrategy)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.pipe.SetDownmixStrategy(strat)
	}
	if req.PhiSource != nil {
		kind, err := phi.ParseSourceKind(*req.PhiSource)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.pipe.PhiController().SetSource(kind)
	}
	if req.PhiManualPhase != nil || req.PhiManualDepth != nil {
		phase := s.pipe.PhiController().ManualPhase()
		depth := s.pipe.PhiController().ManualDepth()
		if req.PhiManualPhase != nil {
			phase = *req.PhiManualPhase
		}
		if req.PhiManualDepth != nil {
			depth = *req.PhiManualDepth
		}
		s.pipe.PhiController().SetManual(phase, depth)
	}
	if req.AdaptiveEnabled != nil {
		s.pipe.Adaptive().SetEnabled(*req.AdaptiveEnabled)
	}
	if req.CompensationOffsetMs != nil {
		s.pipe.SetCompensationOffsetMs(*req.CompensationOffsetMs)
	}
	return c.NoContent(http.StatusNoContent)
}

func translateErr(err error) error {
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning), errors.Is(err, pipeline.ErrNotRunning), errors.Is(err, pipeline.ErrCalibrationInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
