// Package rng provides the seeded uniform stream that feeds the Monte Carlo
// simulation. Each evaluation state must hold its own generator with a seed
// distinct from every other concurrently active state; identically seeded
// streams correlate the simulated paths and bias the estimate.
package rng

import "math/rand"

// Uniform is a seeded source of uniform draws on the open interval (0, 1).
// It advances with every draw and can be reseeded to replay a stream.
// Not safe for concurrent use; give each goroutine its own instance.
type Uniform struct {
	src  *rand.Rand
	seed int64
}

// NewUniform returns a generator seeded with seed.
func NewUniform(seed int64) *Uniform {
	return &Uniform{
		src:  rand.New(rand.NewSource(seed)),
		seed: seed,
	}
}

// Float64 returns the next uniform draw in (0, 1). Zero is rejected so the
// result is always a valid argument to an inverse CDF.
func (u *Uniform) Float64() float64 {
	for {
		v := u.src.Float64()
		if v > 0 {
			return v
		}
	}
}

// Uint64 returns the next 64 raw bits from the stream. Used to derive the
// per-dispatch seed handed to the device kernels.
func (u *Uniform) Uint64() uint64 {
	return u.src.Uint64()
}

// Reseed resets the stream to the given seed.
func (u *Uniform) Reseed(seed int64) {
	u.src.Seed(seed)
	u.seed = seed
}

// LastSeed reports the seed the stream was most recently set to. The stream
// itself may have advanced since.
func (u *Uniform) LastSeed() int64 {
	return u.seed
}
