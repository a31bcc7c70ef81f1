package manager

import (
	"fmt"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

type ActionTermCfg struct {
	Name string
	Term ActionTerm
}

// ActionManager splits the batched action tensor across its terms in
// declaration order.
type ActionManager struct {
	numEnvs    int
	names      []string
	terms      []ActionTerm
	dims       []int
	total      int
	action     *mat.Dense
	prevAction *mat.Dense
}

func NewActionManager(env Env, cfgs []ActionTermCfg) (*ActionManager, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("%w: at least one action term is required", ErrConfig)
	}
	m := &ActionManager{numEnvs: env.NumEnvs()}
	seen := termNames{}
	for _, cfg := range cfgs {
		if err := seen.add("action", cfg.Name); err != nil {
			return nil, err
		}
		if err := bindTerm(env, "action", cfg.Name, cfg.Term); err != nil {
			return nil, err
		}
		dim := cfg.Term.Dim()
		if dim <= 0 {
			return nil, fmt.Errorf("%w: action term %s has dimension %d", ErrConfig, cfg.Name, dim)
		}
		m.names = append(m.names, cfg.Name)
		m.terms = append(m.terms, cfg.Term)
		m.dims = append(m.dims, dim)
		m.total += dim
	}
	m.action = mat.NewDense(m.numEnvs, m.total, nil)
	m.prevAction = mat.NewDense(m.numEnvs, m.total, nil)
	return m, nil
}

func (m *ActionManager) TotalDim() int {
	return m.total
}

func (m *ActionManager) TermNames() []string {
	return append([]string(nil), m.names...)
}

func (m *ActionManager) TermDims() []int {
	return append([]int(nil), m.dims...)
}

// Action is the raw action of the current step. The returned matrix is owned
// by the manager.
func (m *ActionManager) Action() *mat.Dense {
	return m.action
}

func (m *ActionManager) PrevAction() *mat.Dense {
	return m.prevAction
}

// Process validates action, records it and forwards each term's columns.
func (m *ActionManager) Process(env Env, action mat.Matrix) error {
	if action == nil {
		return fmt.Errorf("%w: nil action", ErrActionShape)
	}
	r, c := action.Dims()
	if r != m.numEnvs || c != m.total {
		return fmt.Errorf("%w: got [%d, %d], want [%d, %d]", ErrActionShape, r, c, m.numEnvs, m.total)
	}
	m.prevAction.Copy(m.action)
	m.action.Copy(action)

	offset := 0
	for i, term := range m.terms {
		slice := m.action.Slice(0, m.numEnvs, offset, offset+m.dims[i])
		if err := term.Apply(env, slice); err != nil {
			return &TermError{Manager: "action", Term: m.names[i], Err: err}
		}
		offset += m.dims[i]
	}
	return nil
}

// Reset zeroes the current and previous action of envIDs only.
func (m *ActionManager) Reset(envIDs []int) {
	zero := make([]float64, m.total)
	for _, i := range envIDs {
		m.action.SetRow(i, zero)
		m.prevAction.SetRow(i, zero)
	}
}

func (m *ActionManager) String() string {
	rows := make([][]string, len(m.names))
	for i, name := range m.names {
		rows[i] = []string{strconv.Itoa(i), name, strconv.Itoa(m.dims[i])}
	}
	title := fmt.Sprintf("Active Action Terms (shape: %d)", m.total)
	return renderTable(title, []string{"Index", "Name", "Dimension"}, rows)
}
