package mdp

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r1"

	"vecenv/internal/manager"
)

var (
	ErrTermExists   = errors.New("term already registered")
	ErrTermNotFound = errors.New("term not found")
	ErrParams       = errors.New("invalid term parameters")
)

// TermFactory builds an unbound term from file parameters.
type TermFactory func(p Params) (manager.Term, error)

type TermSpec struct {
	Capability manager.Capability
	Name       string
	Factory    TermFactory
}

type termKey struct {
	capability manager.Capability
	name       string
}

var termRegistry = struct {
	mu sync.RWMutex
	m  map[termKey]TermFactory
}{
	m: make(map[termKey]TermFactory),
}

func init() {
	initializeBuiltInTerms()
}

func initializeBuiltInTerms() {
	obs := func(name string, build func(AssetQuery) manager.Term) {
		MustRegisterTerm(TermSpec{Capability: manager.CapabilityObservation, Name: name, Factory: func(p Params) (manager.Term, error) {
			asset, err := p.Asset()
			if err != nil {
				return nil, err
			}
			return build(asset), nil
		}})
	}
	obs("joint_pos_rel", func(a AssetQuery) manager.Term { return NewJointPosRel(a) })
	obs("joint_vel_rel", func(a AssetQuery) manager.Term { return NewJointVelRel(a) })
	obs("joint_pos", func(a AssetQuery) manager.Term { return NewJointPos(a) })
	obs("joint_vel", func(a AssetQuery) manager.Term { return NewJointVel(a) })
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityObservation, Name: "last_action", Factory: func(Params) (manager.Term, error) {
		return &LastAction{}, nil
	}})

	MustRegisterTerm(TermSpec{Capability: manager.CapabilityAction, Name: "joint_effort", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		scale, err := p.Float("scale", 1)
		if err != nil {
			return nil, err
		}
		return NewJointEffortAction(asset, scale), nil
	}})

	MustRegisterTerm(TermSpec{Capability: manager.CapabilityEvent, Name: "reset_joints_by_offset", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		position, err := p.Interval("position_range", r1.Interval{})
		if err != nil {
			return nil, err
		}
		velocity, err := p.Interval("velocity_range", r1.Interval{})
		if err != nil {
			return nil, err
		}
		return NewResetJointsByOffset(asset, position, velocity), nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityEvent, Name: "reset_root_state_to_default", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		return NewResetRootStateToDefault(asset), nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityEvent, Name: "randomize_rigid_body_mass", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		massRange, err := p.Interval("mass_distribution_params", r1.Interval{})
		if err != nil {
			return nil, err
		}
		op, err := p.String("operation", string(MassAdd))
		if err != nil {
			return nil, err
		}
		return NewRandomizeRigidBodyMass(asset, massRange, MassOperation(op)), nil
	}})

	MustRegisterTerm(TermSpec{Capability: manager.CapabilityReward, Name: "is_alive", Factory: func(Params) (manager.Term, error) {
		return IsAlive{}, nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityReward, Name: "is_terminated", Factory: func(Params) (manager.Term, error) {
		return IsTerminated{}, nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityReward, Name: "joint_pos_target_l2", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		target, err := p.Float("target", 0)
		if err != nil {
			return nil, err
		}
		return NewJointPosTargetL2(asset, target), nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityReward, Name: "joint_vel_l1", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		return NewJointVelL1(asset), nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityReward, Name: "action_rate_l2", Factory: func(Params) (manager.Term, error) {
		return ActionRateL2{}, nil
	}})

	MustRegisterTerm(TermSpec{Capability: manager.CapabilityTermination, Name: "time_out", Factory: func(Params) (manager.Term, error) {
		return TimeOut{}, nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityTermination, Name: "joint_pos_out_of_manual_limit", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		if _, ok := p["bounds"]; !ok {
			return nil, fmt.Errorf("%w: bounds is required", ErrParams)
		}
		bounds, err := p.Interval("bounds", r1.Interval{})
		if err != nil {
			return nil, err
		}
		return NewJointPosOutOfManualLimit(asset, bounds), nil
	}})
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityTermination, Name: "joint_pos_out_of_limit", Factory: func(p Params) (manager.Term, error) {
		asset, err := p.Asset()
		if err != nil {
			return nil, err
		}
		return NewJointPosOutOfLimit(asset), nil
	}})
}

func RegisterTerm(spec TermSpec) error {
	if spec.Name == "" {
		return errors.New("term name is required")
	}
	if spec.Factory == nil {
		return errors.New("term factory is required")
	}

	termRegistry.mu.Lock()
	defer termRegistry.mu.Unlock()

	key := termKey{capability: spec.Capability, name: spec.Name}
	if _, exists := termRegistry.m[key]; exists {
		return fmt.Errorf("%w: %s %s", ErrTermExists, spec.Capability, spec.Name)
	}
	termRegistry.m[key] = spec.Factory
	return nil
}

func MustRegisterTerm(spec TermSpec) {
	if err := RegisterTerm(spec); err != nil {
		panic(err)
	}
}

// BuildTerm constructs the named term and checks it implements capability.
func BuildTerm(capability manager.Capability, name string, p Params) (manager.Term, error) {
	termRegistry.mu.RLock()
	factory, ok := termRegistry.m[termKey{capability: capability, name: name}]
	termRegistry.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrTermNotFound, capability, name)
	}
	term, err := factory(p)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", capability, name, err)
	}
	var implements bool
	switch capability {
	case manager.CapabilityObservation:
		_, implements = term.(manager.ObservationTerm)
	case manager.CapabilityAction:
		_, implements = term.(manager.ActionTerm)
	case manager.CapabilityEvent:
		_, implements = term.(manager.EventTerm)
	case manager.CapabilityReward:
		_, implements = term.(manager.RewardTerm)
	case manager.CapabilityTermination:
		_, implements = term.(manager.TerminationTerm)
	}
	if !implements {
		return nil, fmt.Errorf("%s %s does not implement its capability", capability, name)
	}
	return term, nil
}

// ListTerms returns the registered names for capability in sorted order.
func ListTerms(capability manager.Capability) []string {
	termRegistry.mu.RLock()
	defer termRegistry.mu.RUnlock()

	var names []string
	for key := range termRegistry.m {
		if key.capability == capability {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

func resetTermRegistryForTests() {
	termRegistry.mu.Lock()
	termRegistry.m = make(map[termKey]TermFactory)
	termRegistry.mu.Unlock()
	initializeBuiltInTerms()
}
