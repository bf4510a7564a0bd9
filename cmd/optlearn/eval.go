package main

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/optlearn/optlearn/internal/device"
	"github.com/optlearn/optlearn/internal/ei"
	"github.com/optlearn/optlearn/internal/gp"
	"github.com/optlearn/optlearn/internal/logger"
	"github.com/optlearn/optlearn/internal/rng"
)

// Problem is the YAML description the eval command consumes.
type Problem struct {
	Dim        int `yaml:"dim"`
	Covariance struct {
		SignalVariance float64   `yaml:"signal_variance"`
		LengthScales   []float64 `yaml:"length_scales"`
	} `yaml:"covariance"`
	PriorMean     float64 `yaml:"prior_mean"`
	PointsSampled []struct {
		Point    []float64 `yaml:"point"`
		Value    float64   `yaml:"value"`
		ValueVar float64   `yaml:"value_var"`
	} `yaml:"points_sampled"`
	PointsToEvaluate   [][]float64 `yaml:"points_to_evaluate"`
	PointsBeingSampled [][]float64 `yaml:"points_being_sampled"`
	BestSoFar          *float64    `yaml:"best_so_far"`
	Seed               *int64      `yaml:"seed"`
	Gradients          bool        `yaml:"gradients"`
}

type evalResult struct {
	ExpectedImprovement     []float64   `json:"expected_improvement"`
	GradExpectedImprovement [][]float64 `json:"grad_expected_improvement,omitempty"`
	Backend                 string      `json:"backend"`
	MCIterations            int         `json:"mc_iterations"`
}

func evalCmd() *cli.Command {
	var seed int64

	return &cli.Command{
		Name:      "eval",
		Usage:     "Evaluate expected improvement for a problem file",
		ArgsUsage: "<problem.yaml>",
		Flags: append(commonDeviceFlags(), append(loggingFlags(),
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "random seed (overrides the problem file)",
				Destination: &seed,
			})...),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyCommonConfig(cmd, LoadConfig())
			log := buildLogger()
			ctx = logger.WithContext(ctx, log)

			if cmd.Args().Len() != 1 {
				return fmt.Errorf("expected exactly one problem file argument")
			}
			problem, err := loadProblem(cmd.Args().First())
			if err != nil {
				return err
			}
			if cmd.IsSet("seed") {
				problem.Seed = &seed
			}

			res, err := evalProblem(problem, int(mcIterations), log)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
}

func loadProblem(path string) (*Problem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading problem file: %w", err)
	}
	var p Problem
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing problem file: %w", err)
	}
	if p.Dim <= 0 {
		return nil, fmt.Errorf("problem file: dim must be positive")
	}
	if len(p.PointsToEvaluate) == 0 {
		return nil, fmt.Errorf("problem file: points_to_evaluate is empty")
	}
	return &p, nil
}

func evalProblem(p *Problem, numMC int, log logger.Logger) (*evalResult, error) {
	backend, err := device.Normalize(backendName)
	if err != nil {
		return nil, err
	}
	rt, err := device.New(backend)
	if err != nil {
		return nil, err
	}
	log.Debug("selected device backend", "backend", rt.Name(), "device", deviceID)

	cov, err := gp.NewSquareExponential(p.Covariance.SignalVariance, p.Covariance.LengthScales)
	if err != nil {
		return nil, err
	}
	if cov.Dim() != p.Dim {
		return nil, fmt.Errorf("problem file: %d length scales for dim %d", cov.Dim(), p.Dim)
	}
	g := gp.New(cov, p.PriorMean)
	for i, obs := range p.PointsSampled {
		if err := g.Add(obs.Point, obs.Value, obs.ValueVar); err != nil {
			return nil, fmt.Errorf("points_sampled[%d]: %w", i, err)
		}
	}

	best := 0.0
	switch {
	case p.BestSoFar != nil:
		best = *p.BestSoFar
	default:
		v, ok := g.BestValue()
		if !ok {
			return nil, fmt.Errorf("problem file: best_so_far is required without observations")
		}
		best = v
	}

	ev, err := ei.NewEvaluator(g, rt, numMC, best, int(deviceID))
	if err != nil {
		return nil, err
	}

	var beingSampled []float64
	for i, bp := range p.PointsBeingSampled {
		if len(bp) != p.Dim {
			return nil, fmt.Errorf("points_being_sampled[%d] has %d coordinates, want %d", i, len(bp), p.Dim)
		}
		beingSampled = append(beingSampled, bp...)
	}

	stream := rng.NewUniform(42)
	if p.Seed != nil {
		stream = rng.NewUniform(*p.Seed)
	}
	state, err := ei.NewState(ev, p.PointsToEvaluate[0], beingSampled, 1, len(p.PointsBeingSampled), ei.StateConfig{
		ConfigureForGradients: p.Gradients,
		Rand:                  stream,
	})
	if err != nil {
		return nil, err
	}
	defer state.Close()

	res := &evalResult{
		Backend:      rt.Name(),
		MCIterations: ev.NumMC(),
	}
	for i, point := range p.PointsToEvaluate {
		if len(point) != p.Dim {
			return nil, fmt.Errorf("points_to_evaluate[%d] has %d coordinates, want %d", i, len(point), p.Dim)
		}
		if i > 0 {
			if err := state.UpdateCurrentPoint(ev, point); err != nil {
				return nil, err
			}
		}
		v, err := ev.ComputeObjective(state)
		if err != nil {
			return nil, err
		}
		res.ExpectedImprovement = append(res.ExpectedImprovement, v)
		if p.Gradients {
			grad, err := ev.ComputeGradObjective(state)
			if err != nil {
				return nil, err
			}
			res.GradExpectedImprovement = append(res.GradExpectedImprovement, grad)
		}
	}
	return res, nil
}
