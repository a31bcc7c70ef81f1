// Package cartpole holds the cart-pole task configurations: the articulation,
// its scene and the manager setups of the base and RL environments.
package cartpole

import (
	"math"

	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"

	"vecenv/internal/envs"
	"vecenv/internal/manager"
	"vecenv/internal/mdp"
	"vecenv/internal/physics"
	"vecenv/internal/scene"
	"vecenv/internal/sim"
)

const (
	RobotName = "robot"
	RobotPath = physics.EnvNamespace + "/Robot"
	CartJoint = "slider_to_cart"
	PoleJoint = "cart_to_pole"
	CartBody  = "cart"
	PoleBody  = "pole"
)

var (
	robot = mdp.AssetQuery{Name: RobotName}
	cart  = mdp.AssetQuery{Name: RobotName, JointNames: []string{CartJoint}}
	pole  = mdp.AssetQuery{Name: RobotName, JointNames: []string{PoleJoint}}
)

// ArticulationSpec describes the cart-pole: a cart on a rail limited to ±4 m
// and a freely rotating pole, rooted 2 m above the instance origin.
func ArticulationSpec() physics.ArticulationSpec {
	return physics.ArticulationSpec{
		Name:            RobotName,
		JointNames:      []string{CartJoint, PoleJoint},
		BodyNames:       []string{CartBody, PoleBody},
		DefaultJointPos: []float64{0, 0},
		DefaultJointVel: []float64{0, 0},
		DefaultRootPos:  r3.Vec{Z: 2},
		JointLimits: []r1.Interval{
			{Min: -4, Max: 4},
			{Min: math.Inf(-1), Max: math.Inf(1)},
		},
		BodyMasses: []float64{1.0, 0.1},
	}
}

func SceneConfig(numEnvs int, spacing float64) scene.Config {
	return scene.Config{
		NumEnvs:    numEnvs,
		EnvSpacing: spacing,
		Entities:   []scene.EntityCfg{{PathPattern: RobotPath, Spec: ArticulationSpec()}},
	}
}

func policyObservations() []manager.ObservationGroupCfg {
	return []manager.ObservationGroupCfg{{
		Name:             "policy",
		ConcatenateTerms: true,
		Terms: []manager.ObservationTermCfg{
			{Name: "joint_pos_rel", Term: mdp.NewJointPosRel(robot)},
			{Name: "joint_vel_rel", Term: mdp.NewJointVelRel(robot)},
		},
	}}
}

// RLEnvConfig balances the pole by pushing the cart. Episodes last 5 s and end
// early when the cart leaves (-3, 3).
func RLEnvConfig(numEnvs int) envs.Config {
	return envs.Config{
		Scene:          SceneConfig(numEnvs, 4.0),
		Backend:        sim.CartPoleBackend(physics.DefaultCartPoleParams()),
		PhysicsDT:      1.0 / 120.0,
		Decimation:     2,
		EpisodeLengthS: 5,
		Actions: []manager.ActionTermCfg{
			{Name: "joint_effort", Term: mdp.NewJointEffortAction(cart, 100)},
		},
		Observations: policyObservations(),
		Events: []manager.EventTermCfg{
			{
				Name: "reset_cart_position",
				Mode: manager.ModeReset,
				Term: mdp.NewResetJointsByOffset(cart,
					r1.Interval{Min: -1.0, Max: 1.0},
					r1.Interval{Min: -0.5, Max: 0.5}),
			},
			{
				Name: "reset_pole_position",
				Mode: manager.ModeReset,
				Term: mdp.NewResetJointsByOffset(pole,
					r1.Interval{Min: -0.25 * math.Pi, Max: 0.25 * math.Pi},
					r1.Interval{Min: -0.25 * math.Pi, Max: 0.25 * math.Pi}),
			},
		},
		Rewards: []manager.RewardTermCfg{
			{Name: "alive", Term: mdp.IsAlive{}, Weight: 1.0},
			{Name: "terminating", Term: mdp.IsTerminated{}, Weight: -2.0},
			{Name: "pole_pos", Term: mdp.NewJointPosTargetL2(pole, 0), Weight: -1.0},
			{Name: "cart_vel", Term: mdp.NewJointVelL1(cart), Weight: -0.01},
			{Name: "pole_vel", Term: mdp.NewJointVelL1(pole), Weight: -0.005},
		},
		Terminations: []manager.TerminationTermCfg{
			{Name: "time_out", Term: mdp.TimeOut{}, TimeOut: true},
			{
				Name: "cart_out_of_bounds",
				Term: mdp.NewJointPosOutOfManualLimit(cart, r1.Interval{Min: -3.0, Max: 3.0}),
			},
		},
	}
}

// BaseEnvConfig drives the cart with small efforts, adds a random mass to the
// pole once at startup and re-samples joint offsets on every reset.
func BaseEnvConfig(numEnvs int) envs.Config {
	return envs.Config{
		Scene:      SceneConfig(numEnvs, 2.5),
		Backend:    sim.CartPoleBackend(physics.DefaultCartPoleParams()),
		PhysicsDT:  0.005,
		Decimation: 4,
		Actions: []manager.ActionTermCfg{
			{Name: "joint_effort", Term: mdp.NewJointEffortAction(cart, 5.0)},
		},
		Observations: policyObservations(),
		Events: []manager.EventTermCfg{
			{
				Name: "add_pole_mass",
				Mode: manager.ModeStartup,
				Term: mdp.NewRandomizeRigidBodyMass(
					mdp.AssetQuery{Name: RobotName, BodyNames: []string{PoleBody}},
					r1.Interval{Min: 0.1, Max: 0.5}, mdp.MassAdd),
			},
			{
				Name: "reset_cart_position",
				Mode: manager.ModeReset,
				Term: mdp.NewResetJointsByOffset(cart,
					r1.Interval{Min: -0.1, Max: 1.0},
					r1.Interval{Min: -0.1, Max: 0.1}),
			},
			{
				Name: "reset_pole_position",
				Mode: manager.ModeReset,
				Term: mdp.NewResetJointsByOffset(pole,
					r1.Interval{Min: -0.1 * math.Pi, Max: 1.0 * math.Pi},
					r1.Interval{Min: -0.1 * math.Pi, Max: 0.1 * math.Pi}),
			},
		},
	}
}

// SceneEnvConfig is the bare interactive scene: every joint takes the raw
// effort scaled by 5, the observation is the absolute joint state and resets
// restore the default state plus up to 0.1 of joint position noise.
func SceneEnvConfig(numEnvs int) envs.Config {
	return envs.Config{
		Scene:      SceneConfig(numEnvs, 2.0),
		Backend:    sim.CartPoleBackend(physics.DefaultCartPoleParams()),
		PhysicsDT:  0.01,
		Decimation: 1,
		Actions: []manager.ActionTermCfg{
			{Name: "joint_effort", Term: mdp.NewJointEffortAction(robot, 5.0)},
		},
		Observations: []manager.ObservationGroupCfg{{
			Name:             "policy",
			ConcatenateTerms: true,
			Terms: []manager.ObservationTermCfg{
				{Name: "joint_pos", Term: mdp.NewJointPos(robot)},
				{Name: "joint_vel", Term: mdp.NewJointVel(robot)},
			},
		}},
		Reset: envs.ResetCfg{JointPosNoise: &r1.Interval{Min: 0, Max: 0.1}},
	}
}
