// Package api exposes the expected-improvement estimator over HTTP. Every
// request carries the full GP description, so the server itself holds no
// model state, only the device runtime the estimates are dispatched to.
package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"

	"github.com/optlearn/optlearn/internal/device"
	"github.com/optlearn/optlearn/internal/ei"
	"github.com/optlearn/optlearn/internal/gp"
	"github.com/optlearn/optlearn/internal/logger"
	"github.com/optlearn/optlearn/internal/optimize"
	"github.com/optlearn/optlearn/internal/rng"
	"github.com/optlearn/optlearn/internal/version"
)

const defaultMCIterations = 100000

type Server struct {
	rt        device.Runtime
	deviceID  int
	defaultMC int
	log       logger.Logger
	seedFn    func() int64
}

// NewServer builds a server dispatching to the given runtime and device.
// defaultMC is the Monte Carlo budget used when a request does not set one;
// pass 0 for the built-in default.
func NewServer(rt device.Runtime, deviceID, defaultMC int, log logger.Logger) *Server {
	if defaultMC <= 0 {
		defaultMC = defaultMCIterations
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{
		rt:        rt,
		deviceID:  deviceID,
		defaultMC: defaultMC,
		log:       log,
		seedFn:    func() int64 { return time.Now().UnixNano() },
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.POST("/v1/gp/ei", s.handleExpectedImprovement)
	e.POST("/v1/gp/grad_ei", s.handleGradExpectedImprovement)
	e.POST("/v1/gp/next_points", s.handleNextPoints)
	e.GET("/healthz", s.handleHealth)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{
		Status:  "ok",
		Backend: s.rt.Name(),
		Version: version.String(),
	})
}

// modelFromRequest builds the GP and evaluator a request describes.
func (s *Server) modelFromRequest(hist GPHistoricalInfo, covInfo CovarianceInfo, dim, mcIterations int, bestSoFar *float64) (*ei.Evaluator, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("domain_info.dim must be positive")
	}
	h := covInfo.Hyperparameters
	if len(h) != dim+1 {
		return nil, fmt.Errorf("covariance_info.hyperparameters has %d entries, want %d (signal variance plus one length scale per dimension)", len(h), dim+1)
	}
	if ct := covInfo.CovarianceType; ct != "" && ct != "square_exponential" {
		return nil, fmt.Errorf("unsupported covariance_type %q", ct)
	}
	cov, err := gp.NewSquareExponential(h[0], h[1:])
	if err != nil {
		return nil, err
	}
	g := gp.New(cov, 0)
	for i, obs := range hist.PointsSampled {
		if err := g.Add(obs.Point, obs.Value, obs.ValueVar); err != nil {
			return nil, fmt.Errorf("points_sampled[%d]: %w", i, err)
		}
	}

	best := 0.0
	switch {
	case bestSoFar != nil:
		best = *bestSoFar
	default:
		v, ok := g.BestValue()
		if !ok {
			return nil, fmt.Errorf("best_so_far is required when points_sampled is empty")
		}
		best = v
	}
	if mcIterations <= 0 {
		mcIterations = s.defaultMC
	}
	return ei.NewEvaluator(g, s.rt, mcIterations, best, s.deviceID)
}

func (s *Server) stream(seed *int64) *rng.Uniform {
	if seed != nil {
		return rng.NewUniform(*seed)
	}
	return rng.NewUniform(s.seedFn())
}

func (s *Server) handleExpectedImprovement(c *echo.Context) error {
	req, err := decodeJSON[EIRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.PointsToEvaluate) == 0 {
		return writeBadRequest(c, "points_to_evaluate is required and must not be empty")
	}
	ev, err := s.modelFromRequest(req.GPHistoricalInfo, req.CovarianceInfo, req.DomainInfo.Dim, req.MCIterations, req.BestSoFar)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	beingSampled, err := flattenPoints(req.PointsBeingSampled, ev.Dim(), "points_being_sampled")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.PointsToEvaluate[0]) != ev.Dim() {
		return writeBadRequest(c, fmt.Sprintf("points_to_evaluate[0] has %d coordinates, want %d", len(req.PointsToEvaluate[0]), ev.Dim()))
	}

	requestID := uuid.NewString()
	s.log.Debug("evaluating expected improvement",
		"request_id", requestID,
		"points", len(req.PointsToEvaluate),
		"being_sampled", len(req.PointsBeingSampled),
		"mc_iterations", ev.NumMC())

	// One state serves the whole batch; only the candidate point changes.
	state, err := ei.NewState(ev, req.PointsToEvaluate[0], beingSampled, 1, len(req.PointsBeingSampled), ei.StateConfig{
		Rand: s.stream(req.Seed),
	})
	if err != nil {
		return writeServerError(c, err.Error())
	}
	defer state.Close()

	values := make([]float64, 0, len(req.PointsToEvaluate))
	for i, p := range req.PointsToEvaluate {
		if len(p) != ev.Dim() {
			return writeBadRequest(c, fmt.Sprintf("points_to_evaluate[%d] has %d coordinates, want %d", i, len(p), ev.Dim()))
		}
		if i > 0 {
			if err := state.UpdateCurrentPoint(ev, p); err != nil {
				return writeServerError(c, err.Error())
			}
		}
		v, err := ev.ComputeObjective(state)
		if err != nil {
			s.log.Error("expected improvement dispatch failed", "request_id", requestID, "error", err)
			return writeServerError(c, err.Error())
		}
		values = append(values, v)
	}
	return c.JSON(http.StatusOK, EIResponse{ExpectedImprovement: values})
}

func (s *Server) handleGradExpectedImprovement(c *echo.Context) error {
	req, err := decodeJSON[EIRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.PointsToEvaluate) == 0 {
		return writeBadRequest(c, "points_to_evaluate is required and must not be empty")
	}
	ev, err := s.modelFromRequest(req.GPHistoricalInfo, req.CovarianceInfo, req.DomainInfo.Dim, req.MCIterations, req.BestSoFar)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	beingSampled, err := flattenPoints(req.PointsBeingSampled, ev.Dim(), "points_being_sampled")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.PointsToEvaluate[0]) != ev.Dim() {
		return writeBadRequest(c, fmt.Sprintf("points_to_evaluate[0] has %d coordinates, want %d", len(req.PointsToEvaluate[0]), ev.Dim()))
	}

	requestID := uuid.NewString()
	s.log.Debug("evaluating expected improvement gradient",
		"request_id", requestID,
		"points", len(req.PointsToEvaluate),
		"mc_iterations", ev.NumMC())

	state, err := ei.NewState(ev, req.PointsToEvaluate[0], beingSampled, 1, len(req.PointsBeingSampled), ei.StateConfig{
		ConfigureForGradients: true,
		Rand:                  s.stream(req.Seed),
	})
	if err != nil {
		return writeServerError(c, err.Error())
	}
	defer state.Close()

	grads := make([][]float64, 0, len(req.PointsToEvaluate))
	for i, p := range req.PointsToEvaluate {
		if len(p) != ev.Dim() {
			return writeBadRequest(c, fmt.Sprintf("points_to_evaluate[%d] has %d coordinates, want %d", i, len(p), ev.Dim()))
		}
		if i > 0 {
			if err := state.UpdateCurrentPoint(ev, p); err != nil {
				return writeServerError(c, err.Error())
			}
		}
		g, err := ev.ComputeGradObjective(state)
		if err != nil {
			s.log.Error("gradient dispatch failed", "request_id", requestID, "error", err)
			return writeServerError(c, err.Error())
		}
		grads = append(grads, g)
	}
	return c.JSON(http.StatusOK, GradEIResponse{GradExpectedImprovement: grads})
}

func (s *Server) handleNextPoints(c *echo.Context) error {
	req, err := decodeJSON[NextPointsRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if req.NumToSample <= 0 {
		return writeBadRequest(c, "num_to_sample must be positive")
	}
	if len(req.DomainInfo.DomainBounds) != req.DomainInfo.Dim {
		return writeBadRequest(c, fmt.Sprintf("domain_info has %d bounds for dim %d", len(req.DomainInfo.DomainBounds), req.DomainInfo.Dim))
	}
	ev, err := s.modelFromRequest(req.GPHistoricalInfo, req.CovarianceInfo, req.DomainInfo.Dim, req.MCIterations, req.BestSoFar)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	beingSampled, err := flattenPoints(req.PointsBeingSampled, ev.Dim(), "points_being_sampled")
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	bounds := make([]optimize.Interval, len(req.DomainInfo.DomainBounds))
	for i, b := range req.DomainInfo.DomainBounds {
		bounds[i] = optimize.Interval{Min: b.Min, Max: b.Max}
	}
	domain, err := optimize.NewDomain(bounds)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}

	seed := s.seedFn()
	if req.Seed != nil {
		seed = *req.Seed
	}
	requestID := uuid.NewString()
	started := time.Now()
	res, err := optimize.NextPoints(c.Request().Context(), ev, domain, beingSampled, req.NumToSample, len(req.PointsBeingSampled), optimize.Config{
		Restarts: req.Restarts,
		Steps:    req.Steps,
		Seed:     seed,
	})
	if err != nil {
		s.log.Error("next points search failed", "request_id", requestID, "error", err)
		return writeServerError(c, err.Error())
	}
	s.log.Info("next points search finished",
		"request_id", requestID,
		"num_to_sample", req.NumToSample,
		"expected_improvement", res.ExpectedImprovement,
		"elapsed", time.Since(started))

	return c.JSON(http.StatusOK, NextPointsResponse{
		Points:              unflattenPoints(res.Points, ev.Dim()),
		ExpectedImprovement: res.ExpectedImprovement,
	})
}
