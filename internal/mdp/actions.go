package mdp

import (
	"gonum.org/v1/gonum/mat"

	"vecenv/internal/manager"
)

// JointEffortAction scales its action slice and writes it as joint effort
// targets. A zero Scale is treated as 1.
type JointEffortAction struct {
	boundAsset
	Scale  float64
	scaled *mat.Dense
}

func NewJointEffortAction(asset AssetQuery, scale float64) *JointEffortAction {
	return &JointEffortAction{boundAsset: boundAsset{Asset: asset}, Scale: scale}
}

func (a *JointEffortAction) Bind(env manager.Env) error {
	if err := a.bindAsset(env); err != nil {
		return err
	}
	if a.Scale == 0 {
		a.Scale = 1
	}
	a.scaled = mat.NewDense(env.NumEnvs(), len(a.joints()), nil)
	return nil
}

func (a *JointEffortAction) Dim() int { return len(a.joints()) }

func (a *JointEffortAction) Apply(env manager.Env, actions mat.Matrix) error {
	a.scaled.Scale(a.Scale, actions)
	return env.Scene().Backend().SetActuationTarget(a.entity().Name, a.joints(), a.scaled)
}

// Processed is the scaled effort written on the last Apply.
func (a *JointEffortAction) Processed() *mat.Dense {
	return a.scaled
}
