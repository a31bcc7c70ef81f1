package mdp

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/stat/distuv"

	"vecenv/internal/manager"
	"vecenv/internal/physics"
)

// ResetJointsByOffset sets joints to their defaults plus uniform offsets drawn
// from PositionRange and VelocityRange, then clamps positions to the joint
// limits.
type ResetJointsByOffset struct {
	boundAsset
	PositionRange r1.Interval
	VelocityRange r1.Interval
}

func NewResetJointsByOffset(asset AssetQuery, position, velocity r1.Interval) *ResetJointsByOffset {
	return &ResetJointsByOffset{boundAsset: boundAsset{Asset: asset}, PositionRange: position, VelocityRange: velocity}
}

func (e *ResetJointsByOffset) Bind(env manager.Env) error {
	if e.PositionRange.Min > e.PositionRange.Max || e.VelocityRange.Min > e.VelocityRange.Max {
		return errors.New("reset offset ranges must satisfy min <= max")
	}
	return e.bindAsset(env)
}

func (e *ResetJointsByOffset) Apply(env manager.Env, envIDs []int) error {
	if len(envIDs) == 0 {
		return nil
	}
	ent := e.entity()
	joints := e.joints()
	posDist := distuv.Uniform{Min: e.PositionRange.Min, Max: e.PositionRange.Max, Src: env.Rand()}
	velDist := distuv.Uniform{Min: e.VelocityRange.Min, Max: e.VelocityRange.Max, Src: env.Rand()}

	pos := mat.NewDense(len(envIDs), len(joints), nil)
	vel := mat.NewDense(len(envIDs), len(joints), nil)
	for row, i := range envIDs {
		for col, j := range joints {
			limit := ent.Spec.Limit(j)
			p := ent.DefaultJointPos.At(i, j) + sample(posDist)
			pos.Set(row, col, math.Max(limit.Min, math.Min(limit.Max, p)))
			vel.Set(row, col, ent.DefaultJointVel.At(i, j)+sample(velDist))
		}
	}
	return env.Scene().Backend().SetJointState(ent.Name, envIDs, joints, pos, vel)
}

// ResetRootStateToDefault restores the articulation's default root pose,
// offset by each instance origin, together with its default joint state.
type ResetRootStateToDefault struct {
	boundAsset
}

func NewResetRootStateToDefault(asset AssetQuery) *ResetRootStateToDefault {
	return &ResetRootStateToDefault{boundAsset{Asset: asset}}
}

func (e *ResetRootStateToDefault) Bind(env manager.Env) error { return e.bindAsset(env) }

func (e *ResetRootStateToDefault) Apply(env manager.Env, envIDs []int) error {
	if len(envIDs) == 0 {
		return nil
	}
	return env.Scene().Backend().RestoreDefaultState(e.entity().Name, envIDs)
}

type MassOperation string

const (
	MassAdd   MassOperation = "add"
	MassScale MassOperation = "scale"
	MassAbs   MassOperation = "abs"
)

// RandomizeRigidBodyMass draws a value from MassRange per instance and body
// and combines it with the default body mass according to Operation.
type RandomizeRigidBodyMass struct {
	boundAsset
	MassRange r1.Interval
	Operation MassOperation
	writer    physics.BodyMassWriter
}

func NewRandomizeRigidBodyMass(asset AssetQuery, massRange r1.Interval, op MassOperation) *RandomizeRigidBodyMass {
	return &RandomizeRigidBodyMass{boundAsset: boundAsset{Asset: asset}, MassRange: massRange, Operation: op}
}

func (e *RandomizeRigidBodyMass) Bind(env manager.Env) error {
	switch e.Operation {
	case MassAdd, MassScale, MassAbs:
	case "":
		e.Operation = MassAdd
	default:
		return fmt.Errorf("unknown mass operation %q", e.Operation)
	}
	if e.MassRange.Min > e.MassRange.Max {
		return errors.New("mass range must satisfy min <= max")
	}
	if err := e.bindAsset(env); err != nil {
		return err
	}
	writer, ok := env.Scene().Backend().(physics.BodyMassWriter)
	if !ok {
		return errors.New("physics backend cannot write body masses")
	}
	e.writer = writer
	return nil
}

func (e *RandomizeRigidBodyMass) Apply(env manager.Env, envIDs []int) error {
	if len(envIDs) == 0 {
		return nil
	}
	ent := e.entity()
	bodies := e.resolved.BodyIDs
	dist := distuv.Uniform{Min: e.MassRange.Min, Max: e.MassRange.Max, Src: env.Rand()}
	values := mat.NewDense(len(envIDs), len(bodies), nil)
	for row := range envIDs {
		for col, b := range bodies {
			base := ent.Spec.BodyMasses[b]
			s := sample(dist)
			switch e.Operation {
			case MassAdd:
				values.Set(row, col, base+s)
			case MassScale:
				values.Set(row, col, base*s)
			case MassAbs:
				values.Set(row, col, s)
			}
		}
	}
	return e.writer.SetBodyMasses(ent.Name, envIDs, bodies, values)
}

// sample draws from d, or returns Min for a degenerate range.
func sample(d distuv.Uniform) float64 {
	if d.Max <= d.Min {
		return d.Min
	}
	return d.Rand()
}
