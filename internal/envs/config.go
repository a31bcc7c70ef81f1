package envs

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/spatial/r1"

	"vecenv/internal/manager"
	"vecenv/internal/scene"
	"vecenv/internal/sim"
)

// ResetCfg perturbs the default state restored on reset. JointPosNoise, when
// set, adds a uniform sample to every joint position of every entity.
type ResetCfg struct {
	JointPosNoise *r1.Interval
}

// Config is validated once at construction and never mutated afterwards.
// Scene and Backend are used only when the environment opens its own
// simulation context.
type Config struct {
	Scene   scene.Config
	Backend sim.BackendFactory

	PhysicsDT  float64
	Decimation int
	// EpisodeLengthSteps takes precedence over EpisodeLengthS when positive.
	EpisodeLengthS     float64
	EpisodeLengthSteps int
	Seed               uint64

	Actions      []manager.ActionTermCfg
	Observations []manager.ObservationGroupCfg
	Events       []manager.EventTermCfg
	Rewards      []manager.RewardTermCfg
	Terminations []manager.TerminationTermCfg
	Reset        ResetCfg

	Logger *log.Logger
}

func (c Config) Validate() error {
	if c.PhysicsDT <= 0 || math.IsNaN(c.PhysicsDT) || math.IsInf(c.PhysicsDT, 0) {
		return fmt.Errorf("%w: physics dt must be positive, got %g", manager.ErrConfig, c.PhysicsDT)
	}
	if c.Decimation < 1 {
		return fmt.Errorf("%w: decimation must be at least 1, got %d", manager.ErrConfig, c.Decimation)
	}
	if c.EpisodeLengthS < 0 || c.EpisodeLengthSteps < 0 {
		return fmt.Errorf("%w: episode length must be non-negative", manager.ErrConfig)
	}
	if n := c.Reset.JointPosNoise; n != nil && n.Min > n.Max {
		return fmt.Errorf("%w: reset joint noise [%g, %g] is empty", manager.ErrConfig, n.Min, n.Max)
	}
	return nil
}

func (c Config) validateRL() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.MaxEpisodeLength() <= 0 {
		return fmt.Errorf("%w: RL environments need a positive episode length", manager.ErrConfig)
	}
	return nil
}

// StepDT is the control period: physics dt times decimation.
func (c Config) StepDT() float64 {
	return c.PhysicsDT * float64(c.Decimation)
}

// MaxEpisodeLength is the episode length in environment steps.
func (c Config) MaxEpisodeLength() int {
	if c.EpisodeLengthSteps > 0 {
		return c.EpisodeLengthSteps
	}
	if c.EpisodeLengthS <= 0 || c.StepDT() <= 0 {
		return 0
	}
	return int(math.Ceil(c.EpisodeLengthS/c.StepDT() - 1e-9))
}
