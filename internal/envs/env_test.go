package envs

import (
	"bytes"
	"errors"
	"log"
	"math"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"

	"vecenv/internal/manager"
	"vecenv/internal/mdp"
	"vecenv/internal/physics"
	"vecenv/internal/scene"
	"vecenv/internal/sim"
)

var (
	cartJoint = mdp.AssetQuery{Name: "robot", JointNames: []string{"slider_to_cart"}}
	poleJoint = mdp.AssetQuery{Name: "robot", JointNames: []string{"cart_to_pole"}}
)

func testScene(n int) scene.Config {
	return scene.Config{
		NumEnvs:    n,
		EnvSpacing: 4,
		Entities: []scene.EntityCfg{{
			PathPattern: "{ENV_REGEX_NS}/Robot",
			Spec: physics.ArticulationSpec{
				Name:            "robot",
				JointNames:      []string{"slider_to_cart", "cart_to_pole"},
				BodyNames:       []string{"cart", "pole"},
				DefaultJointPos: []float64{0, 0},
				DefaultJointVel: []float64{0, 0},
				DefaultRootPos:  r3.Vec{Z: 2},
				JointLimits:     []r1.Interval{{Min: -4, Max: 4}, {Min: math.Inf(-1), Max: math.Inf(1)}},
				BodyMasses:      []float64{1, 0.1},
			},
		}},
	}
}

func frictionless() sim.BackendFactory {
	params := physics.DefaultCartPoleParams()
	params.CartFriction = 0
	params.PoleFriction = 0
	return sim.CartPoleBackend(params)
}

func policyGroup() []manager.ObservationGroupCfg {
	return []manager.ObservationGroupCfg{{
		Name:             "policy",
		ConcatenateTerms: true,
		Terms: []manager.ObservationTermCfg{
			{Name: "joint_pos_rel", Term: mdp.NewJointPosRel(mdp.AssetQuery{Name: "robot"})},
			{Name: "joint_vel_rel", Term: mdp.NewJointVelRel(mdp.AssetQuery{Name: "robot"})},
		},
	}}
}

func rlConfig(n, episodeSteps int) Config {
	return Config{
		Scene:              testScene(n),
		Backend:            frictionless(),
		PhysicsDT:          1.0 / 120.0,
		Decimation:         2,
		EpisodeLengthSteps: episodeSteps,
		Seed:               42,
		Actions: []manager.ActionTermCfg{
			{Name: "joint_effort", Term: mdp.NewJointEffortAction(cartJoint, 100)},
		},
		Observations: policyGroup(),
		Rewards: []manager.RewardTermCfg{
			{Name: "alive", Term: mdp.IsAlive{}, Weight: 1},
			{Name: "terminating", Term: mdp.IsTerminated{}, Weight: -2},
		},
		Terminations: []manager.TerminationTermCfg{
			{Name: "time_out", Term: mdp.TimeOut{}, TimeOut: true},
		},
	}
}

func openRL(t *testing.T, cfg Config) *RLEnv {
	t.Helper()
	env, err := OpenRLEnv(cfg)
	if err != nil {
		t.Fatalf("open rl env: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })
	return env
}

func TestTruncationAfterEpisodeLength(t *testing.T) {
	env := openRL(t, rlConfig(2, 5))
	zeros := mat.NewDense(2, 1, nil)

	for step := 1; step <= 4; step++ {
		res, err := env.Step(zeros)
		if err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
		if !cmp.Equal(res.Truncated, []bool{false, false}) || !cmp.Equal(res.Terminated, []bool{false, false}) {
			t.Fatalf("step %d: unexpected flags %v %v", step, res.Terminated, res.Truncated)
		}
		if !cmp.Equal(env.EpisodeStep(), []int{step, step}) {
			t.Fatalf("step %d: unexpected counters %v", step, env.EpisodeStep())
		}
	}

	res, err := env.Step(zeros)
	if err != nil {
		t.Fatalf("step 5: %v", err)
	}
	if !cmp.Equal(res.Truncated, []bool{true, true}) || !cmp.Equal(res.Terminated, []bool{false, false}) {
		t.Fatalf("step 5: expected truncation only, got terminated=%v truncated=%v", res.Terminated, res.Truncated)
	}
	if !cmp.Equal(res.Reward.RawVector().Data, []float64{1, 1}) {
		t.Fatalf("time-outs are not failures, got reward %v", res.Reward.RawVector().Data)
	}
	diag := res.Diagnostics
	if !cmp.Equal(diag.ResetEnvIDs, []int{0, 1}) || !cmp.Equal(diag.EpisodeLengths, []int{5, 5}) {
		t.Fatalf("unexpected reset diagnostics ids=%v lengths=%v", diag.ResetEnvIDs, diag.EpisodeLengths)
	}
	if !cmp.Equal(diag.EpisodeReturns, []float64{5, 5}) {
		t.Fatalf("unexpected episode returns %v", diag.EpisodeReturns)
	}
	if diag.Log["Episode_Termination/time_out"] != 2 || diag.Log["Episode_Reward/alive"] != 5 {
		t.Fatalf("unexpected log %v", diag.Log)
	}
	if !cmp.Equal(env.EpisodeStep(), []int{0, 0}) {
		t.Fatalf("expected counters zeroed by the automatic reset, got %v", env.EpisodeStep())
	}

	if _, err := env.Step(zeros); err != nil {
		t.Fatalf("step 6: %v", err)
	}
	if _, _, err := env.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if !cmp.Equal(env.EpisodeStep(), []int{0, 0}) {
		t.Fatalf("expected reset to zero counters, got %v", env.EpisodeStep())
	}
	if env.CommonStep() != 6 {
		t.Fatalf("reset must not rewind the global step, got %d", env.CommonStep())
	}
}

func TestTerminationResetsOnlyTerminatedInstance(t *testing.T) {
	cfg := rlConfig(3, 100)
	cfg.Terminations = append(cfg.Terminations, manager.TerminationTermCfg{
		Name: "cart_out_of_bounds",
		Term: mdp.NewJointPosOutOfManualLimit(cartJoint, r1.Interval{Min: -3, Max: 3}),
	})
	env := openRL(t, cfg)

	vel := mat.NewDense(3, 1, []float64{0.5, 30, -0.5})
	pos := mat.NewDense(3, 1, []float64{0, 2.1, 0})
	if err := env.Scene().Backend().SetJointState("robot", []int{0, 1, 2}, []int{0}, pos, vel); err != nil {
		t.Fatalf("set joint state: %v", err)
	}
	if err := env.Scene().Update(); err != nil {
		t.Fatalf("update: %v", err)
	}

	zeros := mat.NewDense(3, 1, nil)
	res, err := env.Step(zeros)
	if err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if !cmp.Equal(res.Terminated, []bool{false, false, false}) {
		t.Fatalf("step 1: unexpected termination %v", res.Terminated)
	}

	res, err = env.Step(zeros)
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if !cmp.Equal(res.Terminated, []bool{false, true, false}) || !cmp.Equal(res.Truncated, []bool{false, false, false}) {
		t.Fatalf("step 2: unexpected flags terminated=%v truncated=%v", res.Terminated, res.Truncated)
	}
	if !cmp.Equal(res.Reward.RawVector().Data, []float64{1, -2, 1}) {
		t.Fatalf("step 2: unexpected reward %v", res.Reward.RawVector().Data)
	}

	terminal := res.Diagnostics.TerminalObservations["policy"].Tensor
	current := res.Observations["policy"].Tensor
	for _, i := range []int{0, 2} {
		if !cmp.Equal(terminal.RawRowView(i), current.RawRowView(i)) {
			t.Fatalf("instance %d changed by another instance's reset: %v vs %v", i, terminal.RawRowView(i), current.RawRowView(i))
		}
	}
	if terminal.At(1, 0) <= 3 {
		t.Fatalf("terminal read should show the cart past the bound, got %f", terminal.At(1, 0))
	}
	if !cmp.Equal(current.RawRowView(1), []float64{0, 0, 0, 0}) {
		t.Fatalf("reset instance should observe its default state, got %v", current.RawRowView(1))
	}
	if !cmp.Equal(res.Diagnostics.ResetEnvIDs, []int{1}) || !cmp.Equal(env.EpisodeStep(), []int{2, 0, 2}) {
		t.Fatalf("unexpected reset bookkeeping ids=%v counters=%v", res.Diagnostics.ResetEnvIDs, env.EpisodeStep())
	}
	if res.Diagnostics.Log["Episode_Termination/cart_out_of_bounds"] != 1 {
		t.Fatalf("unexpected termination log %v", res.Diagnostics.Log)
	}
}

type subsetRecorder struct {
	calls [][]int
}

func (r *subsetRecorder) Bind(manager.Env) error { return nil }
func (r *subsetRecorder) Apply(_ manager.Env, envIDs []int) error {
	r.calls = append(r.calls, append([]int(nil), envIDs...))
	return nil
}

func TestEventsThroughTheStepLoop(t *testing.T) {
	cfg := rlConfig(3, 100)
	cfg.Terminations = append(cfg.Terminations, manager.TerminationTermCfg{
		Name: "cart_out_of_bounds",
		Term: mdp.NewJointPosOutOfManualLimit(cartJoint, r1.Interval{Min: -3, Max: 3}),
	})
	startup := &subsetRecorder{}
	reset := &subsetRecorder{}
	interval := &subsetRecorder{}
	cfg.Events = []manager.EventTermCfg{
		{Name: "startup", Term: startup, Mode: manager.ModeStartup},
		{Name: "reset", Term: reset, Mode: manager.ModeReset},
		{Name: "interval", Term: interval, Mode: manager.ModeInterval, IntervalSteps: 3},
	}
	env := openRL(t, cfg)

	if len(startup.calls) != 1 || len(reset.calls) != 1 || !cmp.Equal(reset.calls[0], []int{0, 1, 2}) {
		t.Fatalf("construction should fire startup once and one full reset, got %v %v", startup.calls, reset.calls)
	}

	pos := mat.NewDense(1, 1, []float64{3.5})
	if err := env.Scene().Backend().SetJointState("robot", []int{2}, []int{0}, pos, nil); err != nil {
		t.Fatalf("set joint state: %v", err)
	}
	zeros := mat.NewDense(3, 1, nil)
	for step := 1; step <= 10; step++ {
		if _, err := env.Step(zeros); err != nil {
			t.Fatalf("step %d: %v", step, err)
		}
	}
	if len(reset.calls) != 2 || !cmp.Equal(reset.calls[1], []int{2}) {
		t.Fatalf("reset events must receive only the reset subset, got %v", reset.calls)
	}
	if got := env.EventManager().FireCount("interval"); got != 3 {
		t.Fatalf("expected floor(10/3)=3 interval firings, got %d", got)
	}
	if len(startup.calls) != 1 {
		t.Fatalf("startup events must fire once, got %d", len(startup.calls))
	}
}

type failingReward struct {
	fail bool
}

func (r *failingReward) Bind(manager.Env) error { return nil }
func (r *failingReward) Compute(env manager.Env) (*mat.VecDense, error) {
	if r.fail {
		return nil, errors.New("sensor dropout")
	}
	return mat.NewVecDense(env.NumEnvs(), nil), nil
}

func TestErrorsPoisonUntilReset(t *testing.T) {
	cfg := rlConfig(2, 10)
	flaky := &failingReward{}
	cfg.Rewards = append(cfg.Rewards, manager.RewardTermCfg{Name: "flaky", Term: flaky, Weight: 1})
	env := openRL(t, cfg)

	if _, err := env.Step(mat.NewDense(2, 3, nil)); !errors.Is(err, manager.ErrActionShape) {
		t.Fatalf("expected action shape error, got %v", err)
	}
	if _, err := env.Step(nil); !errors.Is(err, manager.ErrActionShape) {
		t.Fatalf("expected nil action shape error, got %v", err)
	}
	if _, err := env.Step(mat.NewDense(2, 1, nil)); err != nil {
		t.Fatalf("shape errors must not poison the environment: %v", err)
	}

	flaky.fail = true
	_, err := env.Step(mat.NewDense(2, 1, nil))
	var termErr *manager.TermError
	if !errors.As(err, &termErr) || termErr.Manager != "reward" || termErr.Term != "flaky" {
		t.Fatalf("expected reward term error, got %v", err)
	}
	flaky.fail = false
	if _, err := env.Step(mat.NewDense(2, 1, nil)); !errors.Is(err, ErrPoisoned) {
		t.Fatalf("expected poisoned environment, got %v", err)
	}
	if _, _, err := env.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := env.Step(mat.NewDense(2, 1, nil)); err != nil {
		t.Fatalf("step after reset: %v", err)
	}

	if err := env.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := env.Step(mat.NewDense(2, 1, nil)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if _, _, err := env.Reset(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected closed error from reset, got %v", err)
	}
	if env.State() != StateIdle {
		t.Fatalf("unexpected state %s", env.State())
	}
}

func TestConfigurationErrorsPreventConstruction(t *testing.T) {
	cases := map[string]func(*Config){
		"unknown joint": func(c *Config) {
			c.Actions = []manager.ActionTermCfg{{Name: "a", Term: mdp.NewJointEffortAction(mdp.AssetQuery{JointNames: []string{"elbow"}}, 1)}}
		},
		"unknown entity": func(c *Config) {
			c.Observations[0].Terms[0].Term = mdp.NewJointPos(mdp.AssetQuery{Name: "ghost"})
		},
		"duplicate reward": func(c *Config) {
			c.Rewards = append(c.Rewards, c.Rewards[0])
		},
		"no actions":     func(c *Config) { c.Actions = nil },
		"bad decimation": func(c *Config) { c.Decimation = 0 },
		"no episode":     func(c *Config) { c.EpisodeLengthSteps = 0 },
	}
	for name, mutate := range cases {
		cfg := rlConfig(2, 5)
		cfg.Observations = policyGroup()
		mutate(&cfg)
		if _, err := OpenRLEnv(cfg); !errors.Is(err, manager.ErrConfig) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}

	cfg := rlConfig(2, 5)
	cfg.Actions = []manager.ActionTermCfg{{Name: "a", Term: mdp.NewJointEffortAction(mdp.AssetQuery{JointNames: []string{"elbow"}}, 1)}}
	if _, err := OpenRLEnv(cfg); !errors.Is(err, scene.ErrUnknownJoint) {
		t.Fatalf("expected underlying joint error to stay matchable, got %v", err)
	}

	base := rlConfig(2, 5)
	if _, err := OpenBaseEnv(base); !errors.Is(err, manager.ErrConfig) {
		t.Fatalf("base env must reject rewards, got %v", err)
	}
}

func TestBaseEnvStartupEventsAndResetNoise(t *testing.T) {
	var buf bytes.Buffer
	noise := r1.Interval{Min: 0, Max: 0.1}
	cfg := Config{
		Scene:      testScene(4),
		PhysicsDT:  0.005,
		Decimation: 4,
		Seed:       3,
		Actions: []manager.ActionTermCfg{
			{Name: "joint_effort", Term: mdp.NewJointEffortAction(cartJoint, 5)},
		},
		Observations: policyGroup(),
		Events: []manager.EventTermCfg{{
			Name: "add_pole_mass",
			Term: mdp.NewRandomizeRigidBodyMass(mdp.AssetQuery{Name: "robot", BodyNames: []string{"pole"}}, r1.Interval{Min: 0.1, Max: 0.5}, mdp.MassAdd),
			Mode: manager.ModeStartup,
		}},
		Reset:  ResetCfg{JointPosNoise: &noise},
		Logger: log.New(&buf, "", 0),
	}
	env, err := OpenBaseEnv(cfg)
	if err != nil {
		t.Fatalf("open base env: %v", err)
	}
	t.Cleanup(func() { _ = env.Close() })

	masses, err := env.Scene().Backend().(physics.BodyMassWriter).BodyMasses("robot")
	if err != nil {
		t.Fatalf("masses: %v", err)
	}
	for i := 0; i < 4; i++ {
		if m := masses.At(i, 1); m < 0.2 || m >= 0.6 {
			t.Fatalf("instance %d pole mass %f not randomized at startup", i, m)
		}
	}

	obs, diag, err := env.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if len(diag.ResetEnvIDs) != 4 {
		t.Fatalf("expected full-batch reset, got %v", diag.ResetEnvIDs)
	}
	policy := obs["policy"].Tensor
	for i := 0; i < 4; i++ {
		for j := 0; j < 2; j++ {
			if v := policy.At(i, j); v < 0 || v >= 0.1 {
				t.Fatalf("instance %d joint %d position %f outside reset noise", i, j, v)
			}
		}
	}

	for step := 0; step < 3; step++ {
		if _, _, err := env.Step(mat.NewDense(4, 1, []float64{1, -1, 0.5, 0})); err != nil {
			t.Fatalf("step: %v", err)
		}
	}
	if env.CommonStep() != 3 || env.StepDT() != 0.02 {
		t.Fatalf("unexpected step bookkeeping common=%d dt=%g", env.CommonStep(), env.StepDT())
	}
	if env.TerminationManager() != nil || env.RewardManager() != nil {
		t.Fatal("base env has no rewards or terminations")
	}
	for _, want := range []string{"Active Action Terms", "Active Observation Terms in Group: 'policy'", "Active Event Terms in Mode: 'startup'"} {
		if !strings.Contains(buf.String(), want) {
			t.Fatalf("expected %q in construction log:\n%s", want, buf.String())
		}
	}
}

func TestMaxEpisodeLengthFromSeconds(t *testing.T) {
	cfg := Config{PhysicsDT: 1.0 / 120.0, Decimation: 2, EpisodeLengthS: 5}
	if got := cfg.MaxEpisodeLength(); got != 300 {
		t.Fatalf("expected 300 steps, got %d", got)
	}
	cfg.EpisodeLengthSteps = 7
	if got := cfg.MaxEpisodeLength(); got != 7 {
		t.Fatalf("explicit step length must win, got %d", got)
	}
	if (Config{PhysicsDT: 0.01, Decimation: 1}).MaxEpisodeLength() != 0 {
		t.Fatal("no episode length configured should report 0")
	}
}

func TestResetSchedulerSelectsAndClears(t *testing.T) {
	s := NewResetScheduler(4)
	s.Advance()
	s.Advance()
	ids := s.Select([]bool{false, true, false, false}, []bool{false, true, true, false})
	if !cmp.Equal(ids, []int{1, 2}) {
		t.Fatalf("unexpected selection %v", ids)
	}
	if lengths := s.Clear(ids); !cmp.Equal(lengths, []int{2, 2}) {
		t.Fatalf("unexpected lengths %v", lengths)
	}
	if !cmp.Equal(s.Steps(), []int{2, 0, 0, 2}) {
		t.Fatalf("unexpected counters %v", s.Steps())
	}
}
