package physics

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"
)

// EnvNamespace is the placeholder expanded to one prim namespace per instance.
const EnvNamespace = "{ENV_REGEX_NS}"

var (
	ErrUnknownEntity = errors.New("entity not spawned")
	ErrEntityExists  = errors.New("entity already spawned")
	ErrShape         = errors.New("tensor shape mismatch")
	ErrEnvIndex      = errors.New("instance index out of range")
	ErrClosed        = errors.New("physics backend closed")
)

// Backend is the batched simulation the environment engine steps. All tensors
// are row-per-instance; writes taking envIDs touch only those rows.
type Backend interface {
	Advance(dt float64) error
	JointState(entity string) (pos, vel *mat.Dense, err error)
	SetJointState(entity string, envIDs, jointIDs []int, pos, vel *mat.Dense) error
	SetActuationTarget(entity string, dofs []int, values *mat.Dense) error
	RestoreDefaultState(entity string, envIDs []int) error
	Close() error
}

// BodyMassWriter is an optional backend capability used by mass randomization.
type BodyMassWriter interface {
	BodyMasses(entity string) (*mat.Dense, error)
	SetBodyMasses(entity string, envIDs, bodyIDs []int, values *mat.Dense) error
}

// RootStateReader is an optional backend capability exposing root positions.
type RootStateReader interface {
	RootPositions(entity string) ([]r3.Vec, error)
}

// ArticulationSpec describes one articulated asset replicated in every instance.
type ArticulationSpec struct {
	Name            string
	JointNames      []string
	BodyNames       []string
	DefaultJointPos []float64
	DefaultJointVel []float64
	DefaultRootPos  r3.Vec
	JointLimits     []r1.Interval
	BodyMasses      []float64
}

func (s ArticulationSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errors.New("articulation name is required")
	}
	joints := len(s.JointNames)
	if joints == 0 {
		return fmt.Errorf("articulation %s declares no joints", s.Name)
	}
	if len(s.DefaultJointPos) != joints || len(s.DefaultJointVel) != joints {
		return fmt.Errorf("articulation %s default joint state must have %d entries", s.Name, joints)
	}
	if len(s.JointLimits) != 0 && len(s.JointLimits) != joints {
		return fmt.Errorf("articulation %s joint limits must have %d entries", s.Name, joints)
	}
	if len(s.BodyMasses) != len(s.BodyNames) {
		return fmt.Errorf("articulation %s body masses must have %d entries", s.Name, len(s.BodyNames))
	}
	seen := make(map[string]struct{}, joints)
	for _, name := range s.JointNames {
		if _, ok := seen[name]; ok {
			return fmt.Errorf("articulation %s duplicate joint %s", s.Name, name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Limit returns the soft position limit of joint j, unbounded when none is set.
func (s ArticulationSpec) Limit(j int) r1.Interval {
	if j < 0 || j >= len(s.JointLimits) {
		return unbounded()
	}
	return s.JointLimits[j]
}

// Handle identifies a spawned articulation.
type Handle struct {
	Name        string
	PathPattern string
	NumEnvs     int
	JointNames  []string
	BodyNames   []string
}

// PrimPath expands the handle's path pattern for instance i.
func (h Handle) PrimPath(i int) string {
	return strings.ReplaceAll(h.PathPattern, EnvNamespace, fmt.Sprintf("/World/envs/env_%d", i))
}
