package scene

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"

	"vecenv/internal/physics"
)

var (
	ErrUnknownEntity = errors.New("unknown scene entity")
	ErrUnknownJoint  = errors.New("unknown joint")
	ErrUnknownBody   = errors.New("unknown body")
)

// AssetProvider spawns one articulation per instance under a namespaced path.
type AssetProvider interface {
	Spawn(spec physics.ArticulationSpec, pathPattern string) (physics.Handle, error)
}

// Simulator is a backend that can also author its own assets.
type Simulator interface {
	physics.Backend
	AssetProvider
}

type EntityCfg struct {
	PathPattern string
	Spec        physics.ArticulationSpec
}

type Config struct {
	NumEnvs    int
	EnvSpacing float64
	Entities   []EntityCfg
}

func (c Config) Validate() error {
	if c.NumEnvs <= 0 {
		return fmt.Errorf("num envs must be positive, got %d", c.NumEnvs)
	}
	if c.EnvSpacing < 0 || math.IsNaN(c.EnvSpacing) {
		return fmt.Errorf("env spacing must be non-negative, got %f", c.EnvSpacing)
	}
	if len(c.Entities) == 0 {
		return errors.New("scene requires at least one entity")
	}
	seen := make(map[string]struct{}, len(c.Entities))
	for _, e := range c.Entities {
		if err := e.Spec.Validate(); err != nil {
			return err
		}
		if !strings.Contains(e.PathPattern, physics.EnvNamespace) {
			return fmt.Errorf("entity %s path %q must contain %s", e.Spec.Name, e.PathPattern, physics.EnvNamespace)
		}
		if _, ok := seen[e.Spec.Name]; ok {
			return fmt.Errorf("duplicate scene entity: %s", e.Spec.Name)
		}
		seen[e.Spec.Name] = struct{}{}
	}
	return nil
}

// GridOrigins lays n instances out on a near-square grid centred on the world
// origin, spacing metres apart.
func GridOrigins(n int, spacing float64) []r3.Vec {
	if n <= 0 {
		return nil
	}
	rows := int(math.Ceil(math.Sqrt(float64(n))))
	cols := int(math.Ceil(float64(n) / float64(rows)))
	origins := make([]r3.Vec, n)
	for k := range origins {
		i, j := k/cols, k%cols
		origins[k] = r3.Vec{
			X: -(float64(i) - float64(rows-1)/2) * spacing,
			Y: (float64(j) - float64(cols-1)/2) * spacing,
		}
	}
	return origins
}

// Entity mirrors one articulation's joint state for every instance.
type Entity struct {
	Name            string
	Handle          physics.Handle
	Spec            physics.ArticulationSpec
	JointPos        *mat.Dense
	JointVel        *mat.Dense
	DefaultJointPos *mat.Dense
	DefaultJointVel *mat.Dense
}

func (e *Entity) NumJoints() int {
	return len(e.Handle.JointNames)
}

// FindJoints resolves joint name patterns to indices in articulation order.
// Patterns are full-match regular expressions; no patterns selects all joints.
func (e *Entity) FindJoints(patterns []string) ([]int, []string, error) {
	ids, names, err := match(e.Handle.JointNames, patterns)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: entity %s: %v", ErrUnknownJoint, e.Name, err)
	}
	return ids, names, nil
}

func (e *Entity) FindBodies(patterns []string) ([]int, []string, error) {
	ids, names, err := match(e.Handle.BodyNames, patterns)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: entity %s: %v", ErrUnknownBody, e.Name, err)
	}
	return ids, names, nil
}

type Scene struct {
	numEnvs  int
	origins  []r3.Vec
	backend  physics.Backend
	entities map[string]*Entity
	order    []string
}

// New spawns every configured entity through sim and primes the state buffers.
// origins must hold one entry per instance.
func New(cfg Config, origins []r3.Vec, sim Simulator) (*Scene, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if sim == nil {
		return nil, errors.New("scene requires a simulator")
	}
	if len(origins) != cfg.NumEnvs {
		return nil, fmt.Errorf("scene has %d origins for %d instances", len(origins), cfg.NumEnvs)
	}
	s := &Scene{
		numEnvs:  cfg.NumEnvs,
		origins:  append([]r3.Vec(nil), origins...),
		backend:  sim,
		entities: make(map[string]*Entity, len(cfg.Entities)),
	}
	for _, ec := range cfg.Entities {
		handle, err := sim.Spawn(ec.Spec, ec.PathPattern)
		if err != nil {
			return nil, fmt.Errorf("spawn %s: %w", ec.Spec.Name, err)
		}
		if handle.NumEnvs != cfg.NumEnvs {
			return nil, fmt.Errorf("entity %s spawned %d instances, want %d", ec.Spec.Name, handle.NumEnvs, cfg.NumEnvs)
		}
		joints := len(handle.JointNames)
		ent := &Entity{
			Name:            ec.Spec.Name,
			Handle:          handle,
			Spec:            ec.Spec,
			JointPos:        mat.NewDense(cfg.NumEnvs, joints, nil),
			JointVel:        mat.NewDense(cfg.NumEnvs, joints, nil),
			DefaultJointPos: mat.NewDense(cfg.NumEnvs, joints, nil),
			DefaultJointVel: mat.NewDense(cfg.NumEnvs, joints, nil),
		}
		for i := 0; i < cfg.NumEnvs; i++ {
			ent.DefaultJointPos.SetRow(i, ec.Spec.DefaultJointPos)
			ent.DefaultJointVel.SetRow(i, ec.Spec.DefaultJointVel)
		}
		s.entities[ent.Name] = ent
		s.order = append(s.order, ent.Name)
	}
	if err := s.Update(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scene) NumEnvs() int {
	return s.numEnvs
}

func (s *Scene) Origin(i int) r3.Vec {
	return s.origins[i]
}

func (s *Scene) Origins() []r3.Vec {
	return append([]r3.Vec(nil), s.origins...)
}

func (s *Scene) Backend() physics.Backend {
	return s.backend
}

func (s *Scene) Entity(name string) (*Entity, error) {
	ent, ok := s.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, name)
	}
	return ent, nil
}

// Entities returns the entity names in spawn order.
func (s *Scene) Entities() []string {
	return append([]string(nil), s.order...)
}

// Update refreshes every entity buffer from the backend.
func (s *Scene) Update() error {
	for _, name := range s.order {
		ent := s.entities[name]
		pos, vel, err := s.backend.JointState(name)
		if err != nil {
			return fmt.Errorf("read joint state %s: %w", name, err)
		}
		ent.JointPos.Copy(pos)
		ent.JointVel.Copy(vel)
	}
	return nil
}

// UpdateRows refreshes only the listed instance rows; all other rows keep
// their current values.
func (s *Scene) UpdateRows(envIDs []int) error {
	if len(envIDs) == 0 {
		return nil
	}
	for _, name := range s.order {
		ent := s.entities[name]
		pos, vel, err := s.backend.JointState(name)
		if err != nil {
			return fmt.Errorf("read joint state %s: %w", name, err)
		}
		for _, i := range envIDs {
			ent.JointPos.SetRow(i, pos.RawRowView(i))
			ent.JointVel.SetRow(i, vel.RawRowView(i))
		}
	}
	return nil
}

// ResetRows restores the backend default state of every entity for envIDs.
func (s *Scene) ResetRows(envIDs []int) error {
	if len(envIDs) == 0 {
		return nil
	}
	for _, name := range s.order {
		if err := s.backend.RestoreDefaultState(name, envIDs); err != nil {
			return fmt.Errorf("restore %s: %w", name, err)
		}
	}
	return nil
}

// AllEnvIDs lists 0..NumEnvs-1.
func (s *Scene) AllEnvIDs() []int {
	ids := make([]int, s.numEnvs)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
