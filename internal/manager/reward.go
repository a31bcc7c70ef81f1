package manager

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

type RewardTermCfg struct {
	Name   string
	Term   RewardTerm
	Weight float64
}

// RewardManager sums weighted reward terms. Terms with weight 0 are never
// evaluated.
type RewardManager struct {
	numEnvs int
	terms   []RewardTermCfg
	// episodeSums[k] accumulates weighted term k per instance.
	episodeSums []*mat.VecDense
	total       *mat.VecDense
}

func NewRewardManager(env Env, cfgs []RewardTermCfg) (*RewardManager, error) {
	m := &RewardManager{numEnvs: env.NumEnvs(), total: mat.NewVecDense(env.NumEnvs(), nil)}
	seen := termNames{}
	for _, cfg := range cfgs {
		if err := seen.add("reward", cfg.Name); err != nil {
			return nil, err
		}
		if err := bindTerm(env, "reward", cfg.Name, cfg.Term); err != nil {
			return nil, err
		}
		m.terms = append(m.terms, cfg)
		m.episodeSums = append(m.episodeSums, mat.NewVecDense(m.numEnvs, nil))
	}
	return m, nil
}

func (m *RewardManager) TermNames() []string {
	names := make([]string, len(m.terms))
	for i, t := range m.terms {
		names[i] = t.Name
	}
	return names
}

// Compute returns Σ weight·term for the current step as a new vector.
func (m *RewardManager) Compute(env Env) (*mat.VecDense, error) {
	m.total.Zero()
	for k, t := range m.terms {
		if t.Weight == 0 {
			continue
		}
		value, err := t.Term.Compute(env)
		if err != nil {
			return nil, &TermError{Manager: "reward", Term: t.Name, Err: err}
		}
		if value == nil || value.Len() != m.numEnvs {
			got := 0
			if value != nil {
				got = value.Len()
			}
			return nil, &TermError{
				Manager: "reward",
				Term:    t.Name,
				Err:     fmt.Errorf("%w: got %d values, want %d", ErrTermOutput, got, m.numEnvs),
			}
		}
		m.total.AddScaledVec(m.total, t.Weight, value)
		m.episodeSums[k].AddScaledVec(m.episodeSums[k], t.Weight, value)
	}
	return mat.VecDenseCopyOf(m.total), nil
}

// EpisodeReturns is the accumulated weighted reward of each instance in envIDs
// since its last reset.
func (m *RewardManager) EpisodeReturns(envIDs []int) []float64 {
	out := make([]float64, len(envIDs))
	for j, i := range envIDs {
		for _, sums := range m.episodeSums {
			out[j] += sums.AtVec(i)
		}
	}
	return out
}

// Reset reports the mean episode sum per term over envIDs under
// "Episode_Reward/<term>" and zeroes those instances.
func (m *RewardManager) Reset(envIDs []int) map[string]float64 {
	log := make(map[string]float64, len(m.terms))
	if len(envIDs) == 0 {
		return log
	}
	values := make([]float64, len(envIDs))
	for k, t := range m.terms {
		for j, i := range envIDs {
			values[j] = m.episodeSums[k].AtVec(i)
			m.episodeSums[k].SetVec(i, 0)
		}
		log["Episode_Reward/"+t.Name] = floats.Sum(values) / float64(len(envIDs))
	}
	return log
}

func (m *RewardManager) String() string {
	rows := make([][]string, len(m.terms))
	for i, t := range m.terms {
		rows[i] = []string{strconv.Itoa(i), t.Name, strconv.FormatFloat(t.Weight, 'g', -1, 64)}
	}
	return renderTable("Active Reward Terms", []string{"Index", "Name", "Weight"}, rows)
}
