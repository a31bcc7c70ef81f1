package mdp

import (
	"errors"

	"gonum.org/v1/gonum/spatial/r1"

	"vecenv/internal/manager"
)

// TimeOut fires once an instance's episode counter reaches the maximum
// episode length.
type TimeOut struct{}

func (TimeOut) Bind(env manager.Env) error {
	if env.MaxEpisodeLength() <= 0 {
		return errors.New("time out requires a positive episode length")
	}
	return nil
}

func (TimeOut) Compute(env manager.Env) ([]bool, error) {
	limit := env.MaxEpisodeLength()
	steps := env.EpisodeStep()
	out := make([]bool, len(steps))
	for i, s := range steps {
		out[i] = s >= limit
	}
	return out, nil
}

// JointPosOutOfManualLimit fires when any selected joint leaves Bounds.
type JointPosOutOfManualLimit struct {
	boundAsset
	Bounds r1.Interval
}

func NewJointPosOutOfManualLimit(asset AssetQuery, bounds r1.Interval) *JointPosOutOfManualLimit {
	return &JointPosOutOfManualLimit{boundAsset: boundAsset{Asset: asset}, Bounds: bounds}
}

func (t *JointPosOutOfManualLimit) Bind(env manager.Env) error {
	if t.Bounds.Min > t.Bounds.Max {
		return errors.New("joint bounds must satisfy min <= max")
	}
	return t.bindAsset(env)
}

func (t *JointPosOutOfManualLimit) Compute(manager.Env) ([]bool, error) {
	pos := t.entity().JointPos
	rows, _ := pos.Dims()
	out := make([]bool, rows)
	for i := 0; i < rows; i++ {
		for _, j := range t.joints() {
			if v := pos.At(i, j); v < t.Bounds.Min || v > t.Bounds.Max {
				out[i] = true
				break
			}
		}
	}
	return out, nil
}

// JointPosOutOfLimit fires when any selected joint reaches or passes the
// articulation's own joint limits. The backend clamps joints at their limits,
// so reaching one counts.
type JointPosOutOfLimit struct {
	boundAsset
}

func NewJointPosOutOfLimit(asset AssetQuery) *JointPosOutOfLimit {
	return &JointPosOutOfLimit{boundAsset{Asset: asset}}
}

func (t *JointPosOutOfLimit) Bind(env manager.Env) error { return t.bindAsset(env) }

func (t *JointPosOutOfLimit) Compute(manager.Env) ([]bool, error) {
	ent := t.entity()
	rows, _ := ent.JointPos.Dims()
	out := make([]bool, rows)
	for i := 0; i < rows; i++ {
		for _, j := range t.joints() {
			limit := ent.Spec.Limit(j)
			if v := ent.JointPos.At(i, j); v <= limit.Min || v >= limit.Max {
				out[i] = true
				break
			}
		}
	}
	return out, nil
}
