package manager

import (
	"fmt"
	"strconv"
)

// TerminationTermCfg marks time-out terms, which feed truncation instead of
// termination.
type TerminationTermCfg struct {
	Name    string
	Term    TerminationTerm
	TimeOut bool
}

type TerminationManager struct {
	numEnvs    int
	terms      []TerminationTermCfg
	termDones  [][]bool
	terminated []bool
	truncated  []bool
}

func NewTerminationManager(env Env, cfgs []TerminationTermCfg) (*TerminationManager, error) {
	n := env.NumEnvs()
	m := &TerminationManager{
		numEnvs:    n,
		terminated: make([]bool, n),
		truncated:  make([]bool, n),
	}
	seen := termNames{}
	for _, cfg := range cfgs {
		if err := seen.add("termination", cfg.Name); err != nil {
			return nil, err
		}
		if err := bindTerm(env, "termination", cfg.Name, cfg.Term); err != nil {
			return nil, err
		}
		m.terms = append(m.terms, cfg)
		m.termDones = append(m.termDones, make([]bool, n))
	}
	return m, nil
}

func (m *TerminationManager) TermNames() []string {
	names := make([]string, len(m.terms))
	for i, t := range m.terms {
		names[i] = t.Name
	}
	return names
}

// Compute evaluates every term and returns copies of the terminated and
// truncated flags.
func (m *TerminationManager) Compute(env Env) ([]bool, []bool, error) {
	clear(m.terminated)
	clear(m.truncated)
	for k, t := range m.terms {
		value, err := t.Term.Compute(env)
		if err != nil {
			return nil, nil, &TermError{Manager: "termination", Term: t.Name, Err: err}
		}
		if len(value) != m.numEnvs {
			return nil, nil, &TermError{
				Manager: "termination",
				Term:    t.Name,
				Err:     fmt.Errorf("%w: got %d flags, want %d", ErrTermOutput, len(value), m.numEnvs),
			}
		}
		copy(m.termDones[k], value)
		dst := m.terminated
		if t.TimeOut {
			dst = m.truncated
		}
		for i, done := range value {
			if done {
				dst[i] = true
			}
		}
	}
	return m.Terminated(), m.TimeOuts(), nil
}

func (m *TerminationManager) Terminated() []bool {
	return append([]bool(nil), m.terminated...)
}

func (m *TerminationManager) TimeOuts() []bool {
	return append([]bool(nil), m.truncated...)
}

// Dones is terminated OR truncated per instance.
func (m *TerminationManager) Dones() []bool {
	out := make([]bool, m.numEnvs)
	for i := range out {
		out[i] = m.terminated[i] || m.truncated[i]
	}
	return out
}

// DoneIDs lists the instances whose episode ended on the last Compute.
func (m *TerminationManager) DoneIDs() []int {
	var ids []int
	for i := 0; i < m.numEnvs; i++ {
		if m.terminated[i] || m.truncated[i] {
			ids = append(ids, i)
		}
	}
	return ids
}

// Reset counts, per term, how many of envIDs it ended under
// "Episode_Termination/<term>", then clears the flags of envIDs.
func (m *TerminationManager) Reset(envIDs []int) map[string]float64 {
	log := make(map[string]float64, len(m.terms))
	if len(envIDs) == 0 {
		return log
	}
	for k, t := range m.terms {
		count := 0
		for _, i := range envIDs {
			if m.termDones[k][i] {
				count++
			}
			m.termDones[k][i] = false
		}
		log["Episode_Termination/"+t.Name] = float64(count)
	}
	for _, i := range envIDs {
		m.terminated[i] = false
		m.truncated[i] = false
	}
	return log
}

func (m *TerminationManager) String() string {
	rows := make([][]string, len(m.terms))
	for i, t := range m.terms {
		rows[i] = []string{strconv.Itoa(i), t.Name, strconv.FormatBool(t.TimeOut)}
	}
	return renderTable("Active Termination Terms", []string{"Index", "Name", "Time Out"}, rows)
}
