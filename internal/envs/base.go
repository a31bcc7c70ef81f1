package envs

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand/v2"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"vecenv/internal/manager"
	"vecenv/internal/scene"
	"vecenv/internal/sim"
)

var (
	ErrClosed   = errors.New("environment closed")
	ErrPoisoned = errors.New("environment poisoned by an earlier term failure")
)

type State int

const (
	StateIdle State = iota
	StateStepping
	StateResetting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStepping:
		return "stepping"
	case StateResetting:
		return "resetting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Diagnostics describes what happened to the batch during a step or reset.
// Per-episode slices are aligned with ResetEnvIDs.
type Diagnostics struct {
	Log            map[string]float64
	ResetEnvIDs    []int
	EpisodeLengths []int
	EpisodeReturns []float64
	// TimeOuts is the full-batch truncation mask of the step.
	TimeOuts []bool
	// TerminalObservations is the pre-reset read of the step; set only when
	// instances were reset.
	TerminalObservations manager.Observations
	IntervalEventsFired  bool
}

// BaseEnv steps a batch of instances through actions, physics, events and
// observations. Rewards and terminations are added by RLEnv.
type BaseEnv struct {
	mu sync.Mutex

	cfg       Config
	simCtx    *sim.Context
	scene     *scene.Scene
	logger    *log.Logger
	rnd       *rand.Rand
	scheduler *ResetScheduler

	actions      *manager.ActionManager
	observations *manager.ObservationManager
	events       *manager.EventManager
	rewards      *manager.RewardManager
	terminations *manager.TerminationManager

	commonStep int
	maxEpLen   int
	state      State
	poisoned   error
	closed     bool
}

// NewBaseEnv builds the managers against simCtx, fires startup events and
// performs one full reset. The environment takes ownership of simCtx.
func NewBaseEnv(simCtx *sim.Context, cfg Config) (*BaseEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e, err := newBase(simCtx, cfg, false)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// OpenBaseEnv opens a simulation context from cfg.Scene and builds a BaseEnv
// on it.
func OpenBaseEnv(cfg Config) (*BaseEnv, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	simCtx, err := sim.Open(sim.Config{Scene: cfg.Scene, Backend: cfg.Backend, Logger: cfg.Logger})
	if err != nil {
		return nil, err
	}
	e, err := newBase(simCtx, cfg, false)
	if err != nil {
		_ = simCtx.Close()
		return nil, err
	}
	return e, nil
}

func newBase(simCtx *sim.Context, cfg Config, rl bool) (*BaseEnv, error) {
	if simCtx == nil || !simCtx.IsOpen() {
		return nil, sim.ErrClosed
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	sc := simCtx.Scene()
	e := &BaseEnv{
		cfg:       cfg,
		simCtx:    simCtx,
		scene:     sc,
		logger:    logger,
		rnd:       rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		scheduler: NewResetScheduler(sc.NumEnvs()),
		maxEpLen:  cfg.MaxEpisodeLength(),
	}

	var err error
	if e.actions, err = manager.NewActionManager(e, cfg.Actions); err != nil {
		return nil, err
	}
	if rl {
		if e.terminations, err = manager.NewTerminationManager(e, cfg.Terminations); err != nil {
			return nil, err
		}
		if e.rewards, err = manager.NewRewardManager(e, cfg.Rewards); err != nil {
			return nil, err
		}
	} else if len(cfg.Rewards) > 0 || len(cfg.Terminations) > 0 {
		return nil, fmt.Errorf("%w: rewards and terminations need an RL environment", manager.ErrConfig)
	}
	if e.observations, err = manager.NewObservationManager(e, cfg.Observations); err != nil {
		return nil, err
	}
	if e.events, err = manager.NewEventManager(e, cfg.Events); err != nil {
		return nil, err
	}

	logger.Printf("environment: num_envs=%d physics_dt=%g decimation=%d step_dt=%g max_episode_length=%d",
		sc.NumEnvs(), cfg.PhysicsDT, cfg.Decimation, cfg.StepDT(), e.maxEpLen)
	logger.Print(e.actions.String())
	logger.Print(e.observations.String())
	logger.Print(e.events.String())
	if rl {
		logger.Print(e.terminations.String())
		logger.Print(e.rewards.String())
	}

	if err := e.events.ApplyStartup(e); err != nil {
		return nil, err
	}
	if err := e.scene.Update(); err != nil {
		return nil, err
	}
	if _, err := e.resetAll(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *BaseEnv) NumEnvs() int                                    { return e.scene.NumEnvs() }
func (e *BaseEnv) Scene() *scene.Scene                             { return e.scene }
func (e *BaseEnv) PhysicsDT() float64                              { return e.cfg.PhysicsDT }
func (e *BaseEnv) StepDT() float64                                 { return e.cfg.StepDT() }
func (e *BaseEnv) CommonStep() int                                 { return e.commonStep }
func (e *BaseEnv) EpisodeStep() []int                              { return e.scheduler.Steps() }
func (e *BaseEnv) MaxEpisodeLength() int                           { return e.maxEpLen }
func (e *BaseEnv) ActionManager() *manager.ActionManager           { return e.actions }
func (e *BaseEnv) TerminationManager() *manager.TerminationManager { return e.terminations }
func (e *BaseEnv) Rand() *rand.Rand                                { return e.rnd }

func (e *BaseEnv) ObservationManager() *manager.ObservationManager { return e.observations }
func (e *BaseEnv) EventManager() *manager.EventManager             { return e.events }
func (e *BaseEnv) RewardManager() *manager.RewardManager           { return e.rewards }

// State reports the step-loop state. Outside Step and Reset it is always idle.
func (e *BaseEnv) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Reset resets every instance and returns fresh observations. A successful
// reset clears a poisoned environment.
func (e *BaseEnv) Reset() (manager.Observations, Diagnostics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, Diagnostics{}, ErrClosed
	}
	diag, err := e.resetAll()
	if err != nil {
		e.poisoned = err
		return nil, Diagnostics{}, err
	}
	obs, err := e.observations.Compute(e)
	if err != nil {
		e.poisoned = err
		return nil, Diagnostics{}, err
	}
	e.poisoned = nil
	return obs, diag, nil
}

// Step applies action, advances physics by one control period, fires due
// interval events and returns the new observations.
func (e *BaseEnv) Step(action *mat.Dense) (manager.Observations, Diagnostics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.ready(); err != nil {
		return nil, Diagnostics{}, err
	}
	e.state = StateStepping
	defer func() { e.state = StateIdle }()

	if err := e.process(action); err != nil {
		return nil, Diagnostics{}, e.fail(err)
	}
	if err := e.simulate(); err != nil {
		return nil, Diagnostics{}, e.fail(err)
	}
	diag := Diagnostics{Log: map[string]float64{}}
	fired, err := e.applyInterval()
	if err != nil {
		return nil, Diagnostics{}, e.fail(err)
	}
	diag.IntervalEventsFired = fired
	obs, err := e.observations.Compute(e)
	if err != nil {
		return nil, Diagnostics{}, e.fail(err)
	}
	return obs, diag, nil
}

// Close releases the simulation context. Later calls fail with ErrClosed.
func (e *BaseEnv) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.logger.Printf("environment closed after %d steps", e.commonStep)
	return e.simCtx.Close()
}

func (e *BaseEnv) ready() error {
	if e.closed {
		return ErrClosed
	}
	if e.poisoned != nil {
		return fmt.Errorf("%w: %v", ErrPoisoned, e.poisoned)
	}
	return nil
}

// fail poisons the environment unless err left every buffer untouched.
func (e *BaseEnv) fail(err error) error {
	if !errors.Is(err, manager.ErrActionShape) {
		e.poisoned = err
	}
	return err
}

func (e *BaseEnv) process(action *mat.Dense) error {
	if action == nil {
		return fmt.Errorf("%w: nil action", manager.ErrActionShape)
	}
	return e.actions.Process(e, action)
}

// simulate runs the decimated physics loop and counts the completed step.
func (e *BaseEnv) simulate() error {
	backend := e.scene.Backend()
	for k := 0; k < e.cfg.Decimation; k++ {
		if err := backend.Advance(e.cfg.PhysicsDT); err != nil {
			return fmt.Errorf("physics sub-step %d: %w", k, err)
		}
	}
	if err := e.scene.Update(); err != nil {
		return err
	}
	e.commonStep++
	e.scheduler.Advance()
	return nil
}

func (e *BaseEnv) applyInterval() (bool, error) {
	fired, err := e.events.ApplyInterval(e, e.commonStep)
	if err != nil {
		return fired, err
	}
	if fired {
		if err := e.scene.Update(); err != nil {
			return fired, err
		}
	}
	return fired, nil
}

func (e *BaseEnv) resetAll() (Diagnostics, error) {
	e.state = StateResetting
	defer func() { e.state = StateIdle }()
	return e.resetRows(e.scene.AllEnvIDs())
}

// resetRows restores envIDs and clears all per-instance manager state for
// them. No other instance is read or written.
func (e *BaseEnv) resetRows(envIDs []int) (Diagnostics, error) {
	diag := Diagnostics{Log: map[string]float64{}}
	if len(envIDs) == 0 {
		return diag, nil
	}
	diag.ResetEnvIDs = append([]int(nil), envIDs...)
	if e.rewards != nil {
		diag.EpisodeReturns = e.rewards.EpisodeReturns(envIDs)
	}

	if err := e.scene.ResetRows(envIDs); err != nil {
		return diag, err
	}
	if err := e.perturbJoints(envIDs); err != nil {
		return diag, err
	}
	if err := e.events.ApplyReset(e, envIDs); err != nil {
		return diag, err
	}

	e.actions.Reset(envIDs)
	if e.rewards != nil {
		for k, v := range e.rewards.Reset(envIDs) {
			diag.Log[k] = v
		}
	}
	if e.terminations != nil {
		for k, v := range e.terminations.Reset(envIDs) {
			diag.Log[k] = v
		}
	}
	diag.EpisodeLengths = e.scheduler.Clear(envIDs)
	return diag, e.scene.UpdateRows(envIDs)
}

func (e *BaseEnv) perturbJoints(envIDs []int) error {
	noise := e.cfg.Reset.JointPosNoise
	if noise == nil || noise.Max <= noise.Min {
		return nil
	}
	dist := distuv.Uniform{Min: noise.Min, Max: noise.Max, Src: e.rnd}
	backend := e.scene.Backend()
	for _, name := range e.scene.Entities() {
		ent, err := e.scene.Entity(name)
		if err != nil {
			return err
		}
		joints := ent.NumJoints()
		pos, _, err := backend.JointState(name)
		if err != nil {
			return err
		}
		rows := mat.NewDense(len(envIDs), joints, nil)
		for r, i := range envIDs {
			for j := 0; j < joints; j++ {
				rows.Set(r, j, pos.At(i, j)+dist.Rand())
			}
		}
		all := make([]int, joints)
		for j := range all {
			all[j] = j
		}
		if err := backend.SetJointState(name, envIDs, all, rows, nil); err != nil {
			return err
		}
	}
	return nil
}
