package cartpole

import (
	"gonum.org/v1/gonum/mat"

	"vecenv/internal/envs"
	"vecenv/internal/manager"
)

// rollout hides whether the driver steps a base or an RL environment.
type rollout struct {
	baseEnv *envs.BaseEnv
	rlEnv   *envs.RLEnv
}

type stepOutput struct {
	obs        manager.Observations
	reward     *mat.VecDense
	terminated []bool
	diag       envs.Diagnostics
}

func openRollout(cfg envs.Config, rl bool) (*rollout, error) {
	if rl {
		env, err := envs.OpenRLEnv(cfg)
		if err != nil {
			return nil, err
		}
		return &rollout{baseEnv: env.BaseEnv, rlEnv: env}, nil
	}
	env, err := envs.OpenBaseEnv(cfg)
	if err != nil {
		return nil, err
	}
	return &rollout{baseEnv: env}, nil
}

func (r *rollout) base() *envs.BaseEnv { return r.baseEnv }

func (r *rollout) step(action *mat.Dense) (stepOutput, error) {
	if r.rlEnv != nil {
		res, err := r.rlEnv.Step(action)
		if err != nil {
			return stepOutput{}, err
		}
		return stepOutput{obs: res.Observations, reward: res.Reward, terminated: res.Terminated, diag: res.Diagnostics}, nil
	}
	obs, diag, err := r.baseEnv.Step(action)
	if err != nil {
		return stepOutput{}, err
	}
	return stepOutput{obs: obs, diag: diag}, nil
}

func (r *rollout) Close() error {
	return r.baseEnv.Close()
}
