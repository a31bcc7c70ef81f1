package manager

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
)

// ObservationTermCfg post-processes a term's output in the order noise, clip,
// scale. Noise is applied only when the owning group enables corruption. A
// zero Scale leaves values unscaled.
type ObservationTermCfg struct {
	Name  string
	Term  ObservationTerm
	Noise Noise
	Clip  *r1.Interval
	Scale float64
}

type ObservationGroupCfg struct {
	Name             string
	Terms            []ObservationTermCfg
	ConcatenateTerms bool
	EnableCorruption bool
}

// GroupObservation holds one group's result: Tensor for concatenating groups,
// Terms otherwise. Order lists term names in declaration order either way.
type GroupObservation struct {
	Tensor *mat.Dense
	Terms  map[string]*mat.Dense
	Order  []string
}

type Observations map[string]GroupObservation

type obsTerm struct {
	cfg ObservationTermCfg
	dim int
}

type obsGroup struct {
	name    string
	terms   []obsTerm
	concat  bool
	corrupt bool
	dim     int
}

type ObservationManager struct {
	numEnvs int
	groups  []obsGroup
}

func NewObservationManager(env Env, cfgs []ObservationGroupCfg) (*ObservationManager, error) {
	m := &ObservationManager{numEnvs: env.NumEnvs()}
	groupNames := termNames{}
	for _, gc := range cfgs {
		if err := groupNames.add("observation group", gc.Name); err != nil {
			return nil, err
		}
		if len(gc.Terms) == 0 {
			return nil, fmt.Errorf("%w: observation group %s has no terms", ErrConfig, gc.Name)
		}
		g := obsGroup{name: gc.Name, concat: gc.ConcatenateTerms, corrupt: gc.EnableCorruption}
		seen := termNames{}
		for _, tc := range gc.Terms {
			if err := seen.add("observation", tc.Name); err != nil {
				return nil, err
			}
			if err := bindTerm(env, "observation", tc.Name, tc.Term); err != nil {
				return nil, err
			}
			dim := tc.Term.Dim()
			if dim <= 0 {
				return nil, fmt.Errorf("%w: observation term %s has dimension %d", ErrConfig, tc.Name, dim)
			}
			if tc.Clip != nil && tc.Clip.Min > tc.Clip.Max {
				return nil, fmt.Errorf("%w: observation term %s clip [%g, %g] is empty", ErrConfig, tc.Name, tc.Clip.Min, tc.Clip.Max)
			}
			g.terms = append(g.terms, obsTerm{cfg: tc, dim: dim})
			g.dim += dim
		}
		m.groups = append(m.groups, g)
	}
	return m, nil
}

func (m *ObservationManager) GroupNames() []string {
	names := make([]string, len(m.groups))
	for i, g := range m.groups {
		names[i] = g.name
	}
	return names
}

// GroupDim is the concatenated width of group, or 0 if it does not exist.
func (m *ObservationManager) GroupDim(group string) int {
	for _, g := range m.groups {
		if g.name == group {
			return g.dim
		}
	}
	return 0
}

func (m *ObservationManager) GroupTermNames(group string) []string {
	for _, g := range m.groups {
		if g.name == group {
			names := make([]string, len(g.terms))
			for i, t := range g.terms {
				names[i] = t.cfg.Name
			}
			return names
		}
	}
	return nil
}

func (m *ObservationManager) GroupTermDims(group string) []int {
	for _, g := range m.groups {
		if g.name == group {
			dims := make([]int, len(g.terms))
			for i, t := range g.terms {
				dims[i] = t.dim
			}
			return dims
		}
	}
	return nil
}

// Compute evaluates every group. Results are freshly allocated and never alias
// term or scene buffers.
func (m *ObservationManager) Compute(env Env) (Observations, error) {
	out := make(Observations, len(m.groups))
	for _, g := range m.groups {
		obs := GroupObservation{Order: make([]string, 0, len(g.terms))}
		if g.concat {
			obs.Tensor = mat.NewDense(m.numEnvs, g.dim, nil)
		} else {
			obs.Terms = make(map[string]*mat.Dense, len(g.terms))
		}
		offset := 0
		for _, t := range g.terms {
			value, err := m.computeTerm(env, g, t)
			if err != nil {
				return nil, err
			}
			if g.concat {
				obs.Tensor.Slice(0, m.numEnvs, offset, offset+t.dim).(*mat.Dense).Copy(value)
			} else {
				obs.Terms[t.cfg.Name] = value
			}
			obs.Order = append(obs.Order, t.cfg.Name)
			offset += t.dim
		}
		out[g.name] = obs
	}
	return out, nil
}

func (m *ObservationManager) computeTerm(env Env, g obsGroup, t obsTerm) (*mat.Dense, error) {
	raw, err := t.cfg.Term.Compute(env)
	if err != nil {
		return nil, &TermError{Manager: "observation", Term: t.cfg.Name, Err: err}
	}
	if raw == nil {
		return nil, &TermError{Manager: "observation", Term: t.cfg.Name, Err: fmt.Errorf("%w: nil tensor", ErrTermOutput)}
	}
	if r, c := raw.Dims(); r != m.numEnvs || c != t.dim {
		return nil, &TermError{
			Manager: "observation",
			Term:    t.cfg.Name,
			Err:     fmt.Errorf("%w: got [%d, %d], want [%d, %d]", ErrTermOutput, r, c, m.numEnvs, t.dim),
		}
	}
	value := mat.DenseCopyOf(raw)
	if g.corrupt && t.cfg.Noise != nil {
		t.cfg.Noise.Apply(value, env.Rand())
	}
	if clip := t.cfg.Clip; clip != nil {
		value.Apply(func(_, _ int, v float64) float64 {
			return math.Max(clip.Min, math.Min(clip.Max, v))
		}, value)
	}
	if s := t.cfg.Scale; s != 0 && s != 1 {
		value.Scale(s, value)
	}
	return value, nil
}

func (m *ObservationManager) String() string {
	var b strings.Builder
	for _, g := range m.groups {
		rows := make([][]string, len(g.terms))
		for i, t := range g.terms {
			noise := "-"
			if g.corrupt && t.cfg.Noise != nil {
				noise = t.cfg.Noise.String()
			}
			rows[i] = []string{strconv.Itoa(i), t.cfg.Name, strconv.Itoa(t.dim), noise}
		}
		title := fmt.Sprintf("Active Observation Terms in Group: '%s' (shape: %d, concatenate: %t)", g.name, g.dim, g.concat)
		b.WriteString(renderTable(title, []string{"Index", "Name", "Shape", "Noise"}, rows))
	}
	return b.String()
}
