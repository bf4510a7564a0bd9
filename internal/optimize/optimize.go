// Package optimize searches a bounded domain for the candidate batch that
// maximizes q,p-EI, using multistart projected gradient ascent. Restarts run
// concurrently, each with its own evaluation state and its own distinctly
// seeded random stream, as the evaluator's concurrency contract requires.
package optimize

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/optlearn/optlearn/internal/ei"
	"github.com/optlearn/optlearn/internal/rng"
)

// Interval is a closed interval of one coordinate.
type Interval struct {
	Min float64
	Max float64
}

// Domain is an axis-aligned box in R^dim.
type Domain struct {
	bounds []Interval
}

// NewDomain builds a domain from per-dimension bounds.
func NewDomain(bounds []Interval) (*Domain, error) {
	if len(bounds) == 0 {
		return nil, fmt.Errorf("optimize: empty domain")
	}
	for i, b := range bounds {
		if b.Max < b.Min {
			return nil, fmt.Errorf("optimize: bound %d has max %g < min %g", i, b.Max, b.Min)
		}
	}
	d := &Domain{bounds: make([]Interval, len(bounds))}
	copy(d.bounds, bounds)
	return d, nil
}

func (d *Domain) Dim() int { return len(d.bounds) }

// Sample writes a uniform random batch of numPoints points into dst.
func (d *Domain) Sample(dst []float64, numPoints int, r *rng.Uniform) {
	dim := d.Dim()
	for p := 0; p < numPoints; p++ {
		for i, b := range d.bounds {
			dst[p*dim+i] = b.Min + r.Float64()*(b.Max-b.Min)
		}
	}
}

// Clamp projects a batch back into the domain, coordinate by coordinate.
func (d *Domain) Clamp(points []float64) {
	dim := d.Dim()
	for p := 0; p*dim < len(points); p++ {
		for i, b := range d.bounds {
			v := points[p*dim+i]
			if v < b.Min {
				v = b.Min
			} else if v > b.Max {
				v = b.Max
			}
			points[p*dim+i] = v
		}
	}
}

// Config controls the multistart search.
type Config struct {
	Restarts    int     // independent starts (default 8)
	Steps       int     // gradient ascent steps per start (default 50)
	StepSize    float64 // ascent step scale (default 0.1)
	Seed        int64   // base seed; restart r uses Seed+r+1
	Concurrency int     // max restarts in flight (default all)
}

func (c Config) withDefaults() Config {
	if c.Restarts <= 0 {
		c.Restarts = 8
	}
	if c.Steps <= 0 {
		c.Steps = 50
	}
	if c.StepSize <= 0 {
		c.StepSize = 0.1
	}
	if c.Concurrency <= 0 {
		c.Concurrency = c.Restarts
	}
	return c
}

// Result is the best batch found and its estimated EI.
type Result struct {
	Points              []float64
	ExpectedImprovement float64
}

// NextPoints runs the multistart search for a batch of numToSample points,
// with pointsBeingSampled held fixed as the "p" subset. The evaluator is
// shared read-only across restarts; every restart owns its state.
func NextPoints(ctx context.Context, ev *ei.Evaluator, d *Domain, pointsBeingSampled []float64, numToSample, numBeingSampled int, cfg Config) (Result, error) {
	if d.Dim() != ev.Dim() {
		return Result{}, fmt.Errorf("optimize: domain dim %d, evaluator dim %d", d.Dim(), ev.Dim())
	}
	cfg = cfg.withDefaults()
	dim := ev.Dim()

	var (
		mu   sync.Mutex
		best Result
	)
	best.ExpectedImprovement = -1

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Concurrency)
	for r := 0; r < cfg.Restarts; r++ {
		g.Go(func() error {
			stream := rng.NewUniform(cfg.Seed + int64(r) + 1)
			start := make([]float64, numToSample*dim)
			d.Sample(start, numToSample, stream)

			state, err := ei.NewState(ev, start, pointsBeingSampled, numToSample, numBeingSampled, ei.StateConfig{
				ConfigureForGradients: true,
				Rand:                  stream,
			})
			if err != nil {
				return err
			}
			defer state.Close()

			current := make([]float64, len(start))
			copy(current, start)
			for step := 0; step < cfg.Steps; step++ {
				if err := ctx.Err(); err != nil {
					return err
				}
				grad, err := ev.ComputeGradObjective(state)
				if err != nil {
					return err
				}
				for i := range current {
					current[i] += cfg.StepSize * grad[i]
				}
				d.Clamp(current)
				if err := state.UpdateCurrentPoint(ev, current); err != nil {
					return err
				}
			}
			value, err := ev.ComputeObjective(state)
			if err != nil {
				return err
			}

			mu.Lock()
			if value > best.ExpectedImprovement {
				best.ExpectedImprovement = value
				best.Points = append([]float64(nil), current...)
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}
	return best, nil
}
