// Package mdp holds the built-in observation, action, event, reward and
// termination terms for articulated scenes.
package mdp

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"

	"vecenv/internal/manager"
	"vecenv/internal/scene"
)

// DefaultAsset is the entity terms bind to when no asset is named.
const DefaultAsset = "robot"

var errNoScene = errors.New("environment has no scene")

// AssetQuery selects the entity, joints and bodies a term operates on. An
// empty name means DefaultAsset.
type AssetQuery = scene.EntityQuery

// boundAsset is embedded by terms that read or write one articulation.
type boundAsset struct {
	Asset    AssetQuery
	resolved scene.ResolvedEntity
}

func (b *boundAsset) bindAsset(env manager.Env) error {
	if env.Scene() == nil {
		return errNoScene
	}
	query := b.Asset
	if query.Name == "" {
		query.Name = DefaultAsset
	}
	resolved, err := query.Resolve(env.Scene())
	if err != nil {
		return err
	}
	b.resolved = resolved
	return nil
}

func (b *boundAsset) entity() *scene.Entity {
	return b.resolved.Entity
}

func (b *boundAsset) joints() []int {
	return b.resolved.JointIDs
}

// selectCols copies the listed columns of src into a new [rows, len(cols)] matrix.
func selectCols(src *mat.Dense, cols []int) *mat.Dense {
	rows, _ := src.Dims()
	out := mat.NewDense(rows, len(cols), nil)
	for i := 0; i < rows; i++ {
		row := src.RawRowView(i)
		dst := out.RawRowView(i)
		for k, j := range cols {
			dst[k] = row[j]
		}
	}
	return out
}

// rowReduce applies fn to each row of m and collects the results.
func rowReduce(m *mat.Dense, fn func(row []float64) float64) *mat.VecDense {
	rows, _ := m.Dims()
	out := mat.NewVecDense(rows, nil)
	for i := 0; i < rows; i++ {
		out.SetVec(i, fn(m.RawRowView(i)))
	}
	return out
}

func wrapToPi(angle float64) float64 {
	wrapped := math.Mod(angle+math.Pi, 2*math.Pi)
	if wrapped < 0 {
		wrapped += 2 * math.Pi
	}
	return wrapped - math.Pi
}
