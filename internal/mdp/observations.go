package mdp

import (
	"errors"

	"gonum.org/v1/gonum/mat"

	"vecenv/internal/manager"
)

// JointPosRel is the joint position relative to the default joint position.
type JointPosRel struct {
	boundAsset
}

func NewJointPosRel(asset AssetQuery) *JointPosRel {
	return &JointPosRel{boundAsset{Asset: asset}}
}

func (o *JointPosRel) Bind(env manager.Env) error { return o.bindAsset(env) }
func (o *JointPosRel) Dim() int                   { return len(o.joints()) }

func (o *JointPosRel) Compute(manager.Env) (*mat.Dense, error) {
	ent := o.entity()
	out := selectCols(ent.JointPos, o.joints())
	out.Sub(out, selectCols(ent.DefaultJointPos, o.joints()))
	return out, nil
}

// JointVelRel is the joint velocity relative to the default joint velocity.
type JointVelRel struct {
	boundAsset
}

func NewJointVelRel(asset AssetQuery) *JointVelRel {
	return &JointVelRel{boundAsset{Asset: asset}}
}

func (o *JointVelRel) Bind(env manager.Env) error { return o.bindAsset(env) }
func (o *JointVelRel) Dim() int                   { return len(o.joints()) }

func (o *JointVelRel) Compute(manager.Env) (*mat.Dense, error) {
	ent := o.entity()
	out := selectCols(ent.JointVel, o.joints())
	out.Sub(out, selectCols(ent.DefaultJointVel, o.joints()))
	return out, nil
}

type JointPos struct {
	boundAsset
}

func NewJointPos(asset AssetQuery) *JointPos {
	return &JointPos{boundAsset{Asset: asset}}
}

func (o *JointPos) Bind(env manager.Env) error { return o.bindAsset(env) }
func (o *JointPos) Dim() int                   { return len(o.joints()) }

func (o *JointPos) Compute(manager.Env) (*mat.Dense, error) {
	return selectCols(o.entity().JointPos, o.joints()), nil
}

type JointVel struct {
	boundAsset
}

func NewJointVel(asset AssetQuery) *JointVel {
	return &JointVel{boundAsset{Asset: asset}}
}

func (o *JointVel) Bind(env manager.Env) error { return o.bindAsset(env) }
func (o *JointVel) Dim() int                   { return len(o.joints()) }

func (o *JointVel) Compute(manager.Env) (*mat.Dense, error) {
	return selectCols(o.entity().JointVel, o.joints()), nil
}

// LastAction observes the raw action of the previous step.
type LastAction struct {
	dim int
}

func (o *LastAction) Bind(env manager.Env) error {
	if env.ActionManager() == nil {
		return errors.New("last action requires an action manager")
	}
	o.dim = env.ActionManager().TotalDim()
	return nil
}

func (o *LastAction) Dim() int { return o.dim }

func (o *LastAction) Compute(env manager.Env) (*mat.Dense, error) {
	return mat.DenseCopyOf(env.ActionManager().Action()), nil
}
