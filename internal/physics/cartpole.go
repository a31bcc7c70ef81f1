package physics

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r1"
	"gonum.org/v1/gonum/spatial/r3"
)

// CartPoleParams are the physical constants shared by every cart-pole instance.
type CartPoleParams struct {
	Gravity        float64
	PoleHalfLength float64
	CartFriction   float64
	PoleFriction   float64
	// MaxEffort clamps actuation targets per joint; zero or missing entries are unbounded.
	MaxEffort []float64
}

func DefaultCartPoleParams() CartPoleParams {
	return CartPoleParams{
		Gravity:        -9.81,
		PoleHalfLength: 0.5,
		CartFriction:   0.0005,
		PoleFriction:   0.000002,
		MaxEffort:      []float64{400, 0},
	}
}

// CartPoleWorld integrates a batch of cart-pole articulations on one timeline.
// Every spawned articulation has exactly two joints (prismatic cart slider,
// revolute pole hinge) and two bodies (cart, pole).
type CartPoleWorld struct {
	params  CartPoleParams
	origins []r3.Vec
	arts    map[string]*articulation
	order   []string
	elapsed float64
	steps   int
	closed  bool
}

type articulation struct {
	spec   ArticulationSpec
	handle Handle
	root   []r3.Vec
	pos    *mat.Dense
	vel    *mat.Dense
	effort *mat.Dense
	mass   *mat.Dense
}

func NewCartPoleWorld(origins []r3.Vec, params CartPoleParams) (*CartPoleWorld, error) {
	if len(origins) == 0 {
		return nil, errors.New("cart-pole world requires at least one instance")
	}
	if params.PoleHalfLength <= 0 {
		return nil, fmt.Errorf("pole half length must be positive, got %f", params.PoleHalfLength)
	}
	return &CartPoleWorld{
		params:  params,
		origins: append([]r3.Vec(nil), origins...),
		arts:    make(map[string]*articulation),
	}, nil
}

func (w *CartPoleWorld) NumEnvs() int {
	return len(w.origins)
}

func (w *CartPoleWorld) Origins() []r3.Vec {
	return append([]r3.Vec(nil), w.origins...)
}

// Elapsed reports simulated seconds and the number of Advance calls.
func (w *CartPoleWorld) Elapsed() (float64, int) {
	return w.elapsed, w.steps
}

func (w *CartPoleWorld) Spawn(spec ArticulationSpec, pathPattern string) (Handle, error) {
	if w.closed {
		return Handle{}, ErrClosed
	}
	if err := spec.Validate(); err != nil {
		return Handle{}, err
	}
	if len(spec.JointNames) != 2 || len(spec.BodyNames) != 2 {
		return Handle{}, fmt.Errorf("cart-pole articulation %s needs 2 joints and 2 bodies, got %d and %d",
			spec.Name, len(spec.JointNames), len(spec.BodyNames))
	}
	for i, m := range spec.BodyMasses {
		if m <= 0 {
			return Handle{}, fmt.Errorf("articulation %s body %s has non-positive mass", spec.Name, spec.BodyNames[i])
		}
	}
	if _, exists := w.arts[spec.Name]; exists {
		return Handle{}, fmt.Errorf("%w: %s", ErrEntityExists, spec.Name)
	}

	n := len(w.origins)
	a := &articulation{
		spec: spec,
		handle: Handle{
			Name:        spec.Name,
			PathPattern: pathPattern,
			NumEnvs:     n,
			JointNames:  append([]string(nil), spec.JointNames...),
			BodyNames:   append([]string(nil), spec.BodyNames...),
		},
		root:   make([]r3.Vec, n),
		pos:    mat.NewDense(n, 2, nil),
		vel:    mat.NewDense(n, 2, nil),
		effort: mat.NewDense(n, 2, nil),
		mass:   mat.NewDense(n, 2, nil),
	}
	for i := 0; i < n; i++ {
		a.mass.SetRow(i, spec.BodyMasses)
		a.restore(i, w.origins[i])
	}
	w.arts[spec.Name] = a
	w.order = append(w.order, spec.Name)
	return a.handle, nil
}

func (a *articulation) restore(i int, origin r3.Vec) {
	a.root[i] = r3.Add(origin, a.spec.DefaultRootPos)
	a.pos.SetRow(i, a.spec.DefaultJointPos)
	a.vel.SetRow(i, a.spec.DefaultJointVel)
	a.effort.SetRow(i, []float64{0, 0})
}

func (w *CartPoleWorld) Advance(dt float64) error {
	if w.closed {
		return ErrClosed
	}
	if dt <= 0 || math.IsNaN(dt) {
		return fmt.Errorf("physics dt must be positive, got %f", dt)
	}
	for _, name := range w.order {
		a := w.arts[name]
		n, _ := a.pos.Dims()
		for i := 0; i < n; i++ {
			w.integrate(a, i, dt)
		}
	}
	w.elapsed += dt
	w.steps++
	return nil
}

func (w *CartPoleWorld) integrate(a *articulation, i int, dt float64) {
	p := w.params
	l := p.PoleHalfLength
	cartMass := a.mass.At(i, 0)
	poleMass := a.mass.At(i, 1)

	x := a.pos.At(i, 0)
	theta := a.pos.At(i, 1)
	xDot := a.vel.At(i, 0)
	thetaDot := a.vel.At(i, 1)
	force := clampEffort(a.effort.At(i, 0), p.MaxEffort, 0)
	torque := clampEffort(a.effort.At(i, 1), p.MaxEffort, 1)

	cos, sin := math.Cos(theta), math.Sin(theta)
	effMass := poleMass * (1 - 0.75*cos*cos)
	effForce := poleMass*l*thetaDot*thetaDot*sin +
		0.75*poleMass*cos*((p.PoleFriction*thetaDot)/(poleMass*l)+p.Gravity*sin)

	xAcc := (force - p.CartFriction*sgn(xDot) + effForce) / (cartMass + effMass)
	thetaAcc := -(3.0/(4.0*l))*(xAcc*cos+p.Gravity*sin+(p.PoleFriction*thetaDot)/(poleMass*l)) +
		torque/(poleMass*l*l*4.0/3.0)

	xDot += dt * xAcc
	thetaDot += dt * thetaAcc
	x += dt * xDot
	theta += dt * thetaDot

	x, xDot = clampJoint(x, xDot, a.spec.Limit(0))
	theta, thetaDot = clampJoint(theta, thetaDot, a.spec.Limit(1))

	a.pos.Set(i, 0, x)
	a.pos.Set(i, 1, theta)
	a.vel.Set(i, 0, xDot)
	a.vel.Set(i, 1, thetaDot)
}

func (w *CartPoleWorld) JointState(entity string) (*mat.Dense, *mat.Dense, error) {
	a, err := w.lookup(entity)
	if err != nil {
		return nil, nil, err
	}
	return mat.DenseCopyOf(a.pos), mat.DenseCopyOf(a.vel), nil
}

func (w *CartPoleWorld) SetJointState(entity string, envIDs, jointIDs []int, pos, vel *mat.Dense) error {
	a, err := w.lookup(entity)
	if err != nil {
		return err
	}
	if err := w.checkRows(envIDs); err != nil {
		return err
	}
	if err := checkCols(jointIDs, 2); err != nil {
		return err
	}
	for _, m := range []*mat.Dense{pos, vel} {
		if m == nil {
			continue
		}
		r, c := m.Dims()
		if r != len(envIDs) || c != len(jointIDs) {
			return fmt.Errorf("%w: joint state got [%d, %d], want [%d, %d]", ErrShape, r, c, len(envIDs), len(jointIDs))
		}
	}
	for row, env := range envIDs {
		for col, j := range jointIDs {
			if pos != nil {
				a.pos.Set(env, j, pos.At(row, col))
			}
			if vel != nil {
				a.vel.Set(env, j, vel.At(row, col))
			}
		}
	}
	return nil
}

func (w *CartPoleWorld) SetActuationTarget(entity string, dofs []int, values *mat.Dense) error {
	a, err := w.lookup(entity)
	if err != nil {
		return err
	}
	if err := checkCols(dofs, 2); err != nil {
		return err
	}
	n := len(w.origins)
	r, c := values.Dims()
	if r != n || c != len(dofs) {
		return fmt.Errorf("%w: actuation target got [%d, %d], want [%d, %d]", ErrShape, r, c, n, len(dofs))
	}
	for i := 0; i < n; i++ {
		for col, j := range dofs {
			a.effort.Set(i, j, values.At(i, col))
		}
	}
	return nil
}

func (w *CartPoleWorld) RestoreDefaultState(entity string, envIDs []int) error {
	a, err := w.lookup(entity)
	if err != nil {
		return err
	}
	if err := w.checkRows(envIDs); err != nil {
		return err
	}
	for _, i := range envIDs {
		a.restore(i, w.origins[i])
	}
	return nil
}

func (w *CartPoleWorld) BodyMasses(entity string) (*mat.Dense, error) {
	a, err := w.lookup(entity)
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(a.mass), nil
}

func (w *CartPoleWorld) SetBodyMasses(entity string, envIDs, bodyIDs []int, values *mat.Dense) error {
	a, err := w.lookup(entity)
	if err != nil {
		return err
	}
	if err := w.checkRows(envIDs); err != nil {
		return err
	}
	if err := checkCols(bodyIDs, 2); err != nil {
		return err
	}
	r, c := values.Dims()
	if r != len(envIDs) || c != len(bodyIDs) {
		return fmt.Errorf("%w: body masses got [%d, %d], want [%d, %d]", ErrShape, r, c, len(envIDs), len(bodyIDs))
	}
	for row, env := range envIDs {
		for col, b := range bodyIDs {
			m := values.At(row, col)
			if m <= 0 {
				return fmt.Errorf("body mass must be positive, got %f for instance %d", m, env)
			}
			a.mass.Set(env, b, m)
		}
	}
	return nil
}

func (w *CartPoleWorld) RootPositions(entity string) ([]r3.Vec, error) {
	a, err := w.lookup(entity)
	if err != nil {
		return nil, err
	}
	return append([]r3.Vec(nil), a.root...), nil
}

func (w *CartPoleWorld) Close() error {
	w.closed = true
	w.arts = make(map[string]*articulation)
	w.order = nil
	return nil
}

func (w *CartPoleWorld) lookup(entity string) (*articulation, error) {
	if w.closed {
		return nil, ErrClosed
	}
	a, ok := w.arts[entity]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	return a, nil
}

func (w *CartPoleWorld) checkRows(envIDs []int) error {
	for _, i := range envIDs {
		if i < 0 || i >= len(w.origins) {
			return fmt.Errorf("%w: %d", ErrEnvIndex, i)
		}
	}
	return nil
}

func checkCols(ids []int, width int) error {
	for _, j := range ids {
		if j < 0 || j >= width {
			return fmt.Errorf("%w: column %d outside [0, %d)", ErrShape, j, width)
		}
	}
	return nil
}

func clampEffort(v float64, limits []float64, j int) float64 {
	if j >= len(limits) || limits[j] <= 0 {
		return v
	}
	return math.Max(-limits[j], math.Min(limits[j], v))
}

func clampJoint(pos, vel float64, limit r1.Interval) (float64, float64) {
	if pos < limit.Min {
		return limit.Min, 0
	}
	if pos > limit.Max {
		return limit.Max, 0
	}
	return pos, vel
}

func unbounded() r1.Interval {
	return r1.Interval{Min: math.Inf(-1), Max: math.Inf(1)}
}

func sgn(v float64) float64 {
	if v > 0 {
		return 1
	}
	if v < 0 {
		return -1
	}
	return 0
}
