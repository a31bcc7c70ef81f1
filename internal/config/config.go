// Package config loads environment files. A file names its terms by their
// registered function and is turned into an envs.Config over the cart-pole
// scene. JSON files are accepted since JSON is valid YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"gonum.org/v1/gonum/spatial/r1"
	"gopkg.in/yaml.v3"

	"vecenv/internal/cartpole"
	"vecenv/internal/envs"
	"vecenv/internal/manager"
	"vecenv/internal/mdp"
	"vecenv/internal/physics"
	"vecenv/internal/sim"
)

const DefaultGroup = "policy"

type File struct {
	NumEnvs         int         `yaml:"num_envs"`
	EnvSpacing      float64     `yaml:"env_spacing"`
	PhysicsDT       float64     `yaml:"physics_dt"`
	Decimation      int         `yaml:"decimation"`
	EpisodeLength   int         `yaml:"episode_length"`
	EpisodeLengthS  float64     `yaml:"episode_length_s"`
	Seed            uint64      `yaml:"seed"`
	ResetJointNoise []float64   `yaml:"reset_joint_noise"`
	Groups          []GroupSpec `yaml:"groups"`
	Terms           []TermSpec  `yaml:"terms"`
}

// GroupSpec overrides the defaults of an observation group. Groups named only
// by their terms concatenate and are not corrupted.
type GroupSpec struct {
	Name             string `yaml:"name"`
	ConcatenateTerms *bool  `yaml:"concatenate_terms"`
	EnableCorruption bool   `yaml:"enable_corruption"`
}

// TermSpec is one term entry. Function defaults to Name.
type TermSpec struct {
	Name       string         `yaml:"name"`
	Capability string         `yaml:"capability"`
	Function   string         `yaml:"function"`
	Group      string         `yaml:"group"`
	Mode       string         `yaml:"mode"`
	Interval   int            `yaml:"interval"`
	Weight     *float64       `yaml:"weight"`
	Scale      float64        `yaml:"scale"`
	TimeOut    bool           `yaml:"time_out"`
	Clip       []float64      `yaml:"clip"`
	Noise      *NoiseSpec     `yaml:"noise"`
	Params     map[string]any `yaml:"params"`
}

type NoiseSpec struct {
	Type string  `yaml:"type"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Mean float64 `yaml:"mean"`
	Std  float64 `yaml:"std"`
}

func Load(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	f, err := Parse(data)
	if err != nil {
		return File{}, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes an environment file. Unknown keys are rejected.
func Parse(data []byte) (File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return File{}, fmt.Errorf("%w: empty environment file", manager.ErrConfig)
		}
		return File{}, fmt.Errorf("%w: %v", manager.ErrConfig, err)
	}
	return f, nil
}

// RL reports whether the file declares rewards or terminations.
func (f File) RL() bool {
	for _, t := range f.Terms {
		c, err := manager.ParseCapability(t.Capability)
		if err == nil && (c == manager.CapabilityReward || c == manager.CapabilityTermination) {
			return true
		}
	}
	return false
}

// Build resolves every term through the term registry. A nil backend selects
// the default cart-pole backend.
func (f File) Build(backend sim.BackendFactory, logger *log.Logger) (envs.Config, error) {
	if backend == nil {
		backend = sim.CartPoleBackend(physics.DefaultCartPoleParams())
	}
	cfg := envs.Config{
		Scene:              cartpole.SceneConfig(f.NumEnvs, f.EnvSpacing),
		Backend:            backend,
		PhysicsDT:          f.PhysicsDT,
		Decimation:         f.Decimation,
		EpisodeLengthS:     f.EpisodeLengthS,
		EpisodeLengthSteps: f.EpisodeLength,
		Seed:               f.Seed,
		Logger:             logger,
	}
	if len(f.ResetJointNoise) > 0 {
		noise, err := interval("reset_joint_noise", f.ResetJointNoise)
		if err != nil {
			return envs.Config{}, err
		}
		cfg.Reset.JointPosNoise = &noise
	}

	groups := map[string]*manager.ObservationGroupCfg{}
	var order []string
	group := func(name string) *manager.ObservationGroupCfg {
		if g, ok := groups[name]; ok {
			return g
		}
		groups[name] = &manager.ObservationGroupCfg{Name: name, ConcatenateTerms: true}
		order = append(order, name)
		return groups[name]
	}
	for _, gs := range f.Groups {
		if gs.Name == "" {
			return envs.Config{}, fmt.Errorf("%w: observation group without a name", manager.ErrConfig)
		}
		g := group(gs.Name)
		if gs.ConcatenateTerms != nil {
			g.ConcatenateTerms = *gs.ConcatenateTerms
		}
		g.EnableCorruption = gs.EnableCorruption
	}

	for i, ts := range f.Terms {
		if err := f.addTerm(&cfg, group, ts); err != nil {
			return envs.Config{}, fmt.Errorf("terms[%d] %s: %w", i, ts.Name, err)
		}
	}
	for _, name := range order {
		cfg.Observations = append(cfg.Observations, *groups[name])
	}
	return cfg, nil
}

func (f File) addTerm(cfg *envs.Config, group func(string) *manager.ObservationGroupCfg, ts TermSpec) error {
	if strings.TrimSpace(ts.Name) == "" {
		return fmt.Errorf("%w: term without a name", manager.ErrConfig)
	}
	capability, err := manager.ParseCapability(ts.Capability)
	if err != nil {
		return err
	}
	function := ts.Function
	if function == "" {
		function = ts.Name
	}
	params := mdp.Params{}
	for k, v := range ts.Params {
		params[k] = v
	}
	if capability == manager.CapabilityAction && ts.Scale != 0 {
		if _, ok := params["scale"]; !ok {
			params["scale"] = ts.Scale
		}
	}
	term, err := mdp.BuildTerm(capability, function, params)
	if err != nil {
		return fmt.Errorf("%w: %w", manager.ErrConfig, err)
	}

	switch capability {
	case manager.CapabilityAction:
		cfg.Actions = append(cfg.Actions, manager.ActionTermCfg{Name: ts.Name, Term: term.(manager.ActionTerm)})
	case manager.CapabilityObservation:
		oc := manager.ObservationTermCfg{Name: ts.Name, Term: term.(manager.ObservationTerm), Scale: ts.Scale}
		if len(ts.Clip) > 0 {
			clip, err := interval("clip", ts.Clip)
			if err != nil {
				return err
			}
			oc.Clip = &clip
		}
		if ts.Noise != nil {
			if oc.Noise, err = ts.Noise.build(); err != nil {
				return err
			}
		}
		name := ts.Group
		if name == "" {
			name = DefaultGroup
		}
		g := group(name)
		g.Terms = append(g.Terms, oc)
	case manager.CapabilityEvent:
		mode, err := manager.ParseEventMode(ts.Mode)
		if err != nil {
			return err
		}
		cfg.Events = append(cfg.Events, manager.EventTermCfg{
			Name: ts.Name, Term: term.(manager.EventTerm), Mode: mode, IntervalSteps: ts.Interval,
		})
	case manager.CapabilityReward:
		if ts.Weight == nil {
			return fmt.Errorf("%w: reward needs a weight", manager.ErrConfig)
		}
		cfg.Rewards = append(cfg.Rewards, manager.RewardTermCfg{Name: ts.Name, Term: term.(manager.RewardTerm), Weight: *ts.Weight})
	case manager.CapabilityTermination:
		cfg.Terminations = append(cfg.Terminations, manager.TerminationTermCfg{
			Name: ts.Name, Term: term.(manager.TerminationTerm), TimeOut: ts.TimeOut,
		})
	}
	return nil
}

func (n NoiseSpec) build() (manager.Noise, error) {
	switch strings.ToLower(n.Type) {
	case "uniform":
		if n.Min > n.Max {
			return nil, fmt.Errorf("%w: uniform noise min %g exceeds max %g", manager.ErrConfig, n.Min, n.Max)
		}
		return manager.UniformNoise{Min: n.Min, Max: n.Max}, nil
	case "gaussian", "normal":
		if n.Std < 0 {
			return nil, fmt.Errorf("%w: gaussian noise std %g is negative", manager.ErrConfig, n.Std)
		}
		return manager.GaussianNoise{Mean: n.Mean, Std: n.Std}, nil
	default:
		return nil, fmt.Errorf("%w: unknown noise type %q", manager.ErrConfig, n.Type)
	}
}

func interval(key string, v []float64) (r1.Interval, error) {
	if len(v) != 2 {
		return r1.Interval{}, fmt.Errorf("%w: %s must be [min, max], got %d entries", manager.ErrConfig, key, len(v))
	}
	if v[0] > v[1] {
		return r1.Interval{}, fmt.Errorf("%w: %s min %g exceeds max %g", manager.ErrConfig, key, v[0], v[1])
	}
	return r1.Interval{Min: v[0], Max: v[1]}, nil
}
