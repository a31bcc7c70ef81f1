package envs

import (
	"gonum.org/v1/gonum/mat"

	"vecenv/internal/manager"
	"vecenv/internal/sim"
)

type StepResult struct {
	Observations manager.Observations
	Reward       *mat.VecDense
	Terminated   []bool
	Truncated    []bool
	Diagnostics  Diagnostics
}

// RLEnv adds rewards, terminations and automatic partial resets to BaseEnv.
type RLEnv struct {
	*BaseEnv
}

func NewRLEnv(simCtx *sim.Context, cfg Config) (*RLEnv, error) {
	if err := cfg.validateRL(); err != nil {
		return nil, err
	}
	base, err := newBase(simCtx, cfg, true)
	if err != nil {
		return nil, err
	}
	return &RLEnv{BaseEnv: base}, nil
}

func OpenRLEnv(cfg Config) (*RLEnv, error) {
	if err := cfg.validateRL(); err != nil {
		return nil, err
	}
	simCtx, err := sim.Open(sim.Config{Scene: cfg.Scene, Backend: cfg.Backend, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	base, err := newBase(simCtx, cfg, true)
	if err != nil {
		_ = simCtx.Close()
		return nil, err
	}
	return &RLEnv{BaseEnv: base}, nil
}

// Step advances every instance by one control period. Instances whose episode
// ended are reset before Step returns; their rows of Observations show the
// post-reset state while Diagnostics.TerminalObservations keeps the terminal
// read. Rows of all other instances are identical in both.
func (e *RLEnv) Step(action *mat.Dense) (StepResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return StepResult{}, err
	}
	e.state = StateStepping
	defer func() { e.state = StateIdle }()

	result, err := e.step(action)
	if err != nil {
		return StepResult{}, e.fail(err)
	}
	return result, nil
}

func (e *RLEnv) step(action *mat.Dense) (StepResult, error) {
	if err := e.process(action); err != nil {
		return StepResult{}, err
	}
	if err := e.simulate(); err != nil {
		return StepResult{}, err
	}

	pre, err := e.observations.Compute(e)
	if err != nil {
		return StepResult{}, err
	}
	terminated, truncated, err := e.terminations.Compute(e)
	if err != nil {
		return StepResult{}, err
	}
	reward, err := e.rewards.Compute(e)
	if err != nil {
		return StepResult{}, err
	}

	ids := e.scheduler.Select(terminated, truncated)
	diag := Diagnostics{Log: map[string]float64{}}
	if len(ids) > 0 {
		e.state = StateResetting
		if diag, err = e.resetRows(ids); err != nil {
			return StepResult{}, err
		}
		diag.TerminalObservations = pre
	}
	diag.TimeOuts = append([]bool(nil), truncated...)

	fired, err := e.applyInterval()
	if err != nil {
		return StepResult{}, err
	}
	diag.IntervalEventsFired = fired

	obs := pre
	switch {
	case fired:
		if obs, err = e.observations.Compute(e); err != nil {
			return StepResult{}, err
		}
	case len(ids) > 0:
		post, err := e.observations.Compute(e)
		if err != nil {
			return StepResult{}, err
		}
		obs = spliceRows(pre, post, ids)
	}

	return StepResult{
		Observations: obs,
		Reward:       reward,
		Terminated:   terminated,
		Truncated:    truncated,
		Diagnostics:  diag,
	}, nil
}

// spliceRows returns a copy of pre whose rows envIDs are taken from post.
func spliceRows(pre, post manager.Observations, envIDs []int) manager.Observations {
	out := make(manager.Observations, len(pre))
	for name, group := range pre {
		fresh := post[name]
		merged := manager.GroupObservation{Order: group.Order}
		if group.Tensor != nil {
			merged.Tensor = mergeRows(group.Tensor, fresh.Tensor, envIDs)
		}
		if group.Terms != nil {
			merged.Terms = make(map[string]*mat.Dense, len(group.Terms))
			for term, value := range group.Terms {
				merged.Terms[term] = mergeRows(value, fresh.Terms[term], envIDs)
			}
		}
		out[name] = merged
	}
	return out
}

func mergeRows(pre, post *mat.Dense, envIDs []int) *mat.Dense {
	out := mat.DenseCopyOf(pre)
	for _, i := range envIDs {
		out.SetRow(i, post.RawRowView(i))
	}
	return out
}
