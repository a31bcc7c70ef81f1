package mdp

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"

	"vecenv/internal/manager"
	"vecenv/internal/physics"
	"vecenv/internal/scene"
)

type testEnv struct {
	sc      *scene.Scene
	world   *physics.CartPoleWorld
	episode []int
	maxLen  int
	actions *manager.ActionManager
	terms   *manager.TerminationManager
	rnd     *rand.Rand
}

func (e *testEnv) NumEnvs() int                                    { return e.sc.NumEnvs() }
func (e *testEnv) Scene() *scene.Scene                             { return e.sc }
func (e *testEnv) PhysicsDT() float64                              { return 0.01 }
func (e *testEnv) StepDT() float64                                 { return 0.02 }
func (e *testEnv) CommonStep() int                                 { return 0 }
func (e *testEnv) EpisodeStep() []int                              { return e.episode }
func (e *testEnv) MaxEpisodeLength() int                           { return e.maxLen }
func (e *testEnv) ActionManager() *manager.ActionManager           { return e.actions }
func (e *testEnv) TerminationManager() *manager.TerminationManager { return e.terms }
func (e *testEnv) Rand() *rand.Rand                                { return e.rnd }

func newTestEnv(t *testing.T, n int) *testEnv {
	t.Helper()
	spec := physics.ArticulationSpec{
		Name:            "robot",
		JointNames:      []string{"slider_to_cart", "cart_to_pole"},
		BodyNames:       []string{"cart", "pole"},
		DefaultJointPos: []float64{0, 0},
		DefaultJointVel: []float64{0, 0},
		DefaultRootPos:  r3.Vec{Z: 2},
		JointLimits:     []r1.Interval{{Min: -4, Max: 4}, {Min: math.Inf(-1), Max: math.Inf(1)}},
		BodyMasses:      []float64{1, 0.1},
	}
	cfg := scene.Config{NumEnvs: n, EnvSpacing: 4, Entities: []scene.EntityCfg{{PathPattern: "{ENV_REGEX_NS}/Robot", Spec: spec}}}
	origins := scene.GridOrigins(n, cfg.EnvSpacing)
	world, err := physics.NewCartPoleWorld(origins, physics.DefaultCartPoleParams())
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	sc, err := scene.New(cfg, origins, world)
	if err != nil {
		t.Fatalf("new scene: %v", err)
	}
	t.Cleanup(func() { _ = world.Close() })
	return &testEnv{sc: sc, world: world, episode: make([]int, n), maxLen: 5, rnd: rand.New(rand.NewPCG(7, 11))}
}

func (e *testEnv) setJoints(t *testing.T, pos, vel []float64) {
	t.Helper()
	n := e.NumEnvs()
	var p, v *mat.Dense
	if pos != nil {
		p = mat.NewDense(n, 2, pos)
	}
	if vel != nil {
		v = mat.NewDense(n, 2, vel)
	}
	if err := e.world.SetJointState("robot", e.sc.AllEnvIDs(), []int{0, 1}, p, v); err != nil {
		t.Fatalf("set joint state: %v", err)
	}
	if err := e.sc.Update(); err != nil {
		t.Fatalf("update scene: %v", err)
	}
}

func TestJointObservationsSelectJoints(t *testing.T) {
	env := newTestEnv(t, 2)
	env.setJoints(t, []float64{1, 2, 3, 4}, []float64{-1, -2, -3, -4})

	rel := NewJointPosRel(AssetQuery{JointNames: []string{"cart_to_pole"}})
	if err := rel.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if rel.Dim() != 1 {
		t.Fatalf("expected dim 1, got %d", rel.Dim())
	}
	got, _ := rel.Compute(env)
	if !mat.Equal(got, mat.NewDense(2, 1, []float64{2, 4})) {
		t.Fatalf("unexpected joint_pos_rel:\n%v", mat.Formatted(got))
	}

	vel := NewJointVel(AssetQuery{})
	if err := vel.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	got, _ = vel.Compute(env)
	if !mat.Equal(got, mat.NewDense(2, 2, []float64{-1, -2, -3, -4})) {
		t.Fatalf("unexpected joint_vel:\n%v", mat.Formatted(got))
	}

	got.Set(0, 0, 99)
	ent, _ := env.sc.Entity("robot")
	if ent.JointVel.At(0, 0) != -1 {
		t.Fatal("observation must not alias scene buffers")
	}

	bad := NewJointPos(AssetQuery{JointNames: []string{"wheel"}})
	if err := bad.Bind(env); !errors.Is(err, scene.ErrUnknownJoint) {
		t.Fatalf("expected unknown joint error, got %v", err)
	}
}

func TestJointEffortActionScalesAndActuates(t *testing.T) {
	env := newTestEnv(t, 2)
	act := NewJointEffortAction(AssetQuery{JointNames: []string{"slider_to_cart"}}, 100)
	am, err := manager.NewActionManager(env, []manager.ActionTermCfg{{Name: "joint_effort", Term: act}})
	if err != nil {
		t.Fatalf("new action manager: %v", err)
	}
	env.actions = am
	if err := am.Process(env, mat.NewDense(2, 1, []float64{0.5, -0.25})); err != nil {
		t.Fatalf("process: %v", err)
	}
	if !mat.Equal(act.Processed(), mat.NewDense(2, 1, []float64{50, -25})) {
		t.Fatalf("unexpected processed action:\n%v", mat.Formatted(act.Processed()))
	}
	if err := env.world.Advance(0.01); err != nil {
		t.Fatalf("advance: %v", err)
	}
	pos, _, _ := env.world.JointState("robot")
	if pos.At(0, 0) <= 0 || pos.At(1, 0) >= 0 {
		t.Fatalf("expected carts pushed in opposite directions, got %v", mat.Formatted(pos))
	}

	last := &LastAction{}
	if err := last.Bind(env); err != nil || last.Dim() != 1 {
		t.Fatalf("bind last action: dim=%d err=%v", last.Dim(), err)
	}
	rate := ActionRateL2{}
	if err := rate.Bind(env); err != nil {
		t.Fatalf("bind action rate: %v", err)
	}
	r, _ := rate.Compute(env)
	if !cmp.Equal(r.RawVector().Data, []float64{0.25, 0.0625}) {
		t.Fatalf("unexpected action rate %v", r.RawVector().Data)
	}
}

func TestResetJointsByOffsetTouchesOnlySubset(t *testing.T) {
	env := newTestEnv(t, 3)
	env.setJoints(t, []float64{1, 1, 2, 2, 3, 3}, nil)

	ev := NewResetJointsByOffset(AssetQuery{JointNames: []string{"slider_to_cart"}}, r1.Interval{Min: -0.5, Max: 0.5}, r1.Interval{Min: 2, Max: 2})
	if err := ev.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := ev.Apply(env, []int{1}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	pos, vel, _ := env.world.JointState("robot")
	if p := pos.At(1, 0); p < -0.5 || p >= 0.5 {
		t.Fatalf("offset %f outside range", p)
	}
	if pos.At(1, 1) != 2 || vel.At(1, 0) != 2 || vel.At(1, 1) != 0 {
		t.Fatalf("unexpected reset row: pos=%v vel=%v", pos.RawRowView(1), vel.RawRowView(1))
	}
	for _, i := range []int{0, 2} {
		want := float64(i + 1)
		if pos.At(i, 0) != want || pos.At(i, 1) != want {
			t.Fatalf("row %d changed: %v", i, pos.RawRowView(i))
		}
	}

	clamped := NewResetJointsByOffset(AssetQuery{JointNames: []string{"slider_to_cart"}}, r1.Interval{Min: 10, Max: 10}, r1.Interval{})
	if err := clamped.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := clamped.Apply(env, []int{0}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	pos, _, _ = env.world.JointState("robot")
	if pos.At(0, 0) != 4 {
		t.Fatalf("expected clamp to joint limit, got %f", pos.At(0, 0))
	}
}

func TestRandomizeRigidBodyMassAddsToDefaults(t *testing.T) {
	env := newTestEnv(t, 3)
	ev := NewRandomizeRigidBodyMass(AssetQuery{BodyNames: []string{"pole"}}, r1.Interval{Min: 0.1, Max: 0.5}, MassAdd)
	if err := ev.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := ev.Apply(env, []int{0, 2}); err != nil {
			t.Fatalf("apply: %v", err)
		}
	}
	masses, _ := env.world.BodyMasses("robot")
	for _, i := range []int{0, 2} {
		if m := masses.At(i, 1); m < 0.2 || m >= 0.6 {
			t.Fatalf("instance %d pole mass %f outside [0.2, 0.6)", i, m)
		}
		if masses.At(i, 0) != 1 {
			t.Fatalf("cart mass must stay untouched, got %f", masses.At(i, 0))
		}
	}
	if masses.At(1, 1) != 0.1 {
		t.Fatalf("instance outside subset changed: %f", masses.At(1, 1))
	}

	bad := NewRandomizeRigidBodyMass(AssetQuery{}, r1.Interval{Min: 1, Max: 2}, "multiply")
	if err := bad.Bind(env); err == nil {
		t.Fatal("expected unknown operation error")
	}
}

func TestRewardTerms(t *testing.T) {
	env := newTestEnv(t, 2)
	env.setJoints(t, []float64{0, 2*math.Pi + 0.5, 0, -0.25}, []float64{1, -2, -0.5, 0})

	pole := NewJointPosTargetL2(AssetQuery{JointNames: []string{"cart_to_pole"}}, 0)
	if err := pole.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	v, _ := pole.Compute(env)
	if math.Abs(v.AtVec(0)-0.25) > 1e-12 || math.Abs(v.AtVec(1)-0.0625) > 1e-12 {
		t.Fatalf("unexpected wrapped L2 %v", v.RawVector().Data)
	}

	velL1 := NewJointVelL1(AssetQuery{})
	if err := velL1.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	v, _ = velL1.Compute(env)
	if !cmp.Equal(v.RawVector().Data, []float64{3, 0.5}) {
		t.Fatalf("unexpected L1 %v", v.RawVector().Data)
	}

	if err := (IsAlive{}).Bind(env); err == nil {
		t.Fatal("is_alive must require a termination manager")
	}
	bounds := NewJointPosOutOfManualLimit(AssetQuery{JointNames: []string{"cart_to_pole"}}, r1.Interval{Min: -3, Max: 3})
	tm, err := manager.NewTerminationManager(env, []manager.TerminationTermCfg{{Name: "pole_out", Term: bounds}})
	if err != nil {
		t.Fatalf("new termination manager: %v", err)
	}
	env.terms = tm
	if _, _, err := tm.Compute(env); err != nil {
		t.Fatalf("compute terminations: %v", err)
	}
	alive, _ := IsAlive{}.Compute(env)
	dead, _ := IsTerminated{}.Compute(env)
	if !cmp.Equal(alive.RawVector().Data, []float64{0, 1}) || !cmp.Equal(dead.RawVector().Data, []float64{1, 0}) {
		t.Fatalf("unexpected alive=%v terminated=%v", alive.RawVector().Data, dead.RawVector().Data)
	}
}

func TestTerminationTerms(t *testing.T) {
	env := newTestEnv(t, 3)
	env.episode = []int{4, 5, 6}
	if err := (TimeOut{}).Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	out, _ := TimeOut{}.Compute(env)
	if !cmp.Equal(out, []bool{false, true, true}) {
		t.Fatalf("unexpected time outs %v", out)
	}

	env.setJoints(t, []float64{-3.5, 0, 2.9, 0, 4, 0}, nil)
	manual := NewJointPosOutOfManualLimit(AssetQuery{JointNames: []string{"slider_to_cart"}}, r1.Interval{Min: -3, Max: 3})
	if err := manual.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	out, _ = manual.Compute(env)
	if !cmp.Equal(out, []bool{true, false, true}) {
		t.Fatalf("unexpected manual limit flags %v", out)
	}

	soft := NewJointPosOutOfLimit(AssetQuery{})
	if err := soft.Bind(env); err != nil {
		t.Fatalf("bind: %v", err)
	}
	out, _ = soft.Compute(env)
	if !cmp.Equal(out, []bool{false, false, true}) {
		t.Fatalf("unexpected soft limit flags %v", out)
	}

	env.maxLen = 0
	if err := (TimeOut{}).Bind(env); err == nil {
		t.Fatal("expected time out to require an episode length")
	}
}

func TestRegistryBuildsTermsFromParams(t *testing.T) {
	t.Cleanup(resetTermRegistryForTests)

	term, err := BuildTerm(manager.CapabilityEvent, "reset_joints_by_offset", Params{
		"joint_names":    []any{"cart_to_pole"},
		"position_range": []any{-0.25, 0.25},
		"velocity_range": map[string]any{"min": -1, "max": 1},
	})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	ev, ok := term.(*ResetJointsByOffset)
	if !ok {
		t.Fatalf("unexpected term type %T", term)
	}
	if ev.PositionRange != (r1.Interval{Min: -0.25, Max: 0.25}) || ev.VelocityRange != (r1.Interval{Min: -1, Max: 1}) {
		t.Fatalf("unexpected ranges %+v %+v", ev.PositionRange, ev.VelocityRange)
	}
	if diff := cmp.Diff([]string{"cart_to_pole"}, ev.Asset.JointNames); diff != "" {
		t.Fatalf("unexpected joints:\n%s", diff)
	}

	act, err := BuildTerm(manager.CapabilityAction, "joint_effort", Params{"scale": 100})
	if err != nil {
		t.Fatalf("build action: %v", err)
	}
	if act.(*JointEffortAction).Scale != 100 {
		t.Fatalf("unexpected scale %v", act.(*JointEffortAction).Scale)
	}

	if _, err := BuildTerm(manager.CapabilityReward, "joint_effort", nil); !errors.Is(err, ErrTermNotFound) {
		t.Fatalf("expected not found across capabilities, got %v", err)
	}
	if _, err := BuildTerm(manager.CapabilityTermination, "joint_pos_out_of_manual_limit", Params{}); !errors.Is(err, ErrParams) {
		t.Fatalf("expected missing bounds error, got %v", err)
	}
	if _, err := BuildTerm(manager.CapabilityEvent, "reset_joints_by_offset", Params{"position_range": []any{1, 0}}); !errors.Is(err, ErrParams) {
		t.Fatalf("expected inverted range error, got %v", err)
	}

	err = RegisterTerm(TermSpec{Capability: manager.CapabilityReward, Name: "is_alive", Factory: func(Params) (manager.Term, error) { return IsAlive{}, nil }})
	if !errors.Is(err, ErrTermExists) {
		t.Fatalf("expected duplicate registration error, got %v", err)
	}
	MustRegisterTerm(TermSpec{Capability: manager.CapabilityReward, Name: "custom_alive", Factory: func(Params) (manager.Term, error) { return IsAlive{}, nil }})
	want := []string{"action_rate_l2", "custom_alive", "is_alive", "is_terminated", "joint_pos_target_l2", "joint_vel_l1"}
	if diff := cmp.Diff(want, ListTerms(manager.CapabilityReward)); diff != "" {
		t.Fatalf("unexpected reward names (-want +got):\n%s", diff)
	}
}
