package manager

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Noise corrupts an observation term in place.
type Noise interface {
	Apply(data *mat.Dense, rnd *rand.Rand)
	String() string
}

// UniformNoise adds a sample from U[Min, Max) to every element.
type UniformNoise struct {
	Min float64
	Max float64
}

func (n UniformNoise) Apply(data *mat.Dense, rnd *rand.Rand) {
	if n.Max <= n.Min {
		return
	}
	dist := distuv.Uniform{Min: n.Min, Max: n.Max, Src: rnd}
	data.Apply(func(_, _ int, v float64) float64 { return v + dist.Rand() }, data)
}

func (n UniformNoise) String() string {
	return fmt.Sprintf("uniform(%g, %g)", n.Min, n.Max)
}

// GaussianNoise adds a sample from N(Mean, Std²) to every element.
type GaussianNoise struct {
	Mean float64
	Std  float64
}

func (n GaussianNoise) Apply(data *mat.Dense, rnd *rand.Rand) {
	if n.Std <= 0 {
		if n.Mean != 0 {
			data.Apply(func(_, _ int, v float64) float64 { return v + n.Mean }, data)
		}
		return
	}
	dist := distuv.Normal{Mu: n.Mean, Sigma: n.Std, Src: rnd}
	data.Apply(func(_, _ int, v float64) float64 { return v + dist.Rand() }, data)
}

func (n GaussianNoise) String() string {
	return fmt.Sprintf("gaussian(%g, %g)", n.Mean, n.Std)
}
