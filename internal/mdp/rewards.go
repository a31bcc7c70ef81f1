package mdp

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"vecenv/internal/manager"
)

var errNoTerminations = errors.New("reward requires a termination manager")

// IsAlive is 1 for instances that did not terminate this step. Time-outs
// count as alive.
type IsAlive struct{}

func (IsAlive) Bind(env manager.Env) error {
	if env.TerminationManager() == nil {
		return errNoTerminations
	}
	return nil
}

func (IsAlive) Compute(env manager.Env) (*mat.VecDense, error) {
	terminated := env.TerminationManager().Terminated()
	out := mat.NewVecDense(len(terminated), nil)
	for i, done := range terminated {
		if !done {
			out.SetVec(i, 1)
		}
	}
	return out, nil
}

// IsTerminated is 1 for instances that terminated for a reason other than a
// time-out this step.
type IsTerminated struct{}

func (IsTerminated) Bind(env manager.Env) error {
	if env.TerminationManager() == nil {
		return errNoTerminations
	}
	return nil
}

func (IsTerminated) Compute(env manager.Env) (*mat.VecDense, error) {
	terminated := env.TerminationManager().Terminated()
	out := mat.NewVecDense(len(terminated), nil)
	for i, done := range terminated {
		if done {
			out.SetVec(i, 1)
		}
	}
	return out, nil
}

// JointPosTargetL2 penalizes the squared distance of the wrapped joint
// positions from Target.
type JointPosTargetL2 struct {
	boundAsset
	Target float64
}

func NewJointPosTargetL2(asset AssetQuery, target float64) *JointPosTargetL2 {
	return &JointPosTargetL2{boundAsset: boundAsset{Asset: asset}, Target: target}
}

func (r *JointPosTargetL2) Bind(env manager.Env) error { return r.bindAsset(env) }

func (r *JointPosTargetL2) Compute(manager.Env) (*mat.VecDense, error) {
	pos := selectCols(r.entity().JointPos, r.joints())
	return rowReduce(pos, func(row []float64) float64 {
		sum := 0.0
		for _, v := range row {
			d := wrapToPi(v) - r.Target
			sum += d * d
		}
		return sum
	}), nil
}

// JointVelL1 penalizes the absolute joint velocities.
type JointVelL1 struct {
	boundAsset
}

func NewJointVelL1(asset AssetQuery) *JointVelL1 {
	return &JointVelL1{boundAsset{Asset: asset}}
}

func (r *JointVelL1) Bind(env manager.Env) error { return r.bindAsset(env) }

func (r *JointVelL1) Compute(manager.Env) (*mat.VecDense, error) {
	vel := selectCols(r.entity().JointVel, r.joints())
	return rowReduce(vel, func(row []float64) float64 {
		sum := 0.0
		for _, v := range row {
			sum += math.Abs(v)
		}
		return sum
	}), nil
}

// ActionRateL2 penalizes the squared change of the action between steps.
type ActionRateL2 struct{}

func (ActionRateL2) Bind(env manager.Env) error {
	if env.ActionManager() == nil {
		return errors.New("action rate requires an action manager")
	}
	return nil
}

func (ActionRateL2) Compute(env manager.Env) (*mat.VecDense, error) {
	am := env.ActionManager()
	diff := mat.DenseCopyOf(am.Action())
	diff.Sub(diff, am.PrevAction())
	return rowReduce(diff, func(row []float64) float64 {
		sum := 0.0
		for _, v := range row {
			sum += v * v
		}
		return sum
	}), nil
}
