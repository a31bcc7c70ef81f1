package manager

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"text/tabwriter"

	"gonum.org/v1/gonum/mat"

	"vecenv/internal/scene"
)

var (
	ErrConfig        = errors.New("invalid environment configuration")
	ErrDuplicateTerm = fmt.Errorf("%w: duplicate term name", ErrConfig)
	ErrActionShape   = fmt.Errorf("%w: action shape mismatch", ErrConfig)
	ErrTermOutput    = errors.New("term output has wrong shape")
)

// TermError reports a term that failed while the environment was stepping or
// resetting.
type TermError struct {
	Manager string
	Term    string
	Err     error
}

func (e *TermError) Error() string {
	return fmt.Sprintf("%s term %s: %v", e.Manager, e.Term, e.Err)
}

func (e *TermError) Unwrap() error {
	return e.Err
}

type Capability int

const (
	CapabilityObservation Capability = iota
	CapabilityAction
	CapabilityEvent
	CapabilityReward
	CapabilityTermination
)

func (c Capability) String() string {
	switch c {
	case CapabilityObservation:
		return "observation"
	case CapabilityAction:
		return "action"
	case CapabilityEvent:
		return "event"
	case CapabilityReward:
		return "reward"
	case CapabilityTermination:
		return "termination"
	default:
		return fmt.Sprintf("capability(%d)", int(c))
	}
}

func ParseCapability(name string) (Capability, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "observation", "observations":
		return CapabilityObservation, nil
	case "action", "actions":
		return CapabilityAction, nil
	case "event", "events":
		return CapabilityEvent, nil
	case "reward", "rewards":
		return CapabilityReward, nil
	case "termination", "terminations":
		return CapabilityTermination, nil
	default:
		return 0, fmt.Errorf("%w: unknown capability %q", ErrConfig, name)
	}
}

// Env is the view of the environment that terms and managers read from.
type Env interface {
	NumEnvs() int
	Scene() *scene.Scene
	PhysicsDT() float64
	StepDT() float64
	CommonStep() int
	// EpisodeStep returns the per-instance episode counters. Callers must not
	// modify the slice.
	EpisodeStep() []int
	MaxEpisodeLength() int
	ActionManager() *ActionManager
	TerminationManager() *TerminationManager
	Rand() *rand.Rand
}

// Term is bound once against the environment before it is evaluated.
type Term interface {
	Bind(env Env) error
}

type ObservationTerm interface {
	Term
	Dim() int
	Compute(env Env) (*mat.Dense, error)
}

type ActionTerm interface {
	Term
	Dim() int
	// Apply receives the term's [num_envs, Dim()] slice of the raw action.
	Apply(env Env, actions mat.Matrix) error
}

type EventTerm interface {
	Term
	Apply(env Env, envIDs []int) error
}

type RewardTerm interface {
	Term
	Compute(env Env) (*mat.VecDense, error)
}

type TerminationTerm interface {
	Term
	Compute(env Env) ([]bool, error)
}

type termNames map[string]struct{}

func (n termNames) add(manager, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: %s term name is required", ErrConfig, manager)
	}
	if _, ok := n[name]; ok {
		return fmt.Errorf("%w: %s term %s", ErrDuplicateTerm, manager, name)
	}
	n[name] = struct{}{}
	return nil
}

func bindTerm(env Env, manager, name string, term Term) error {
	if term == nil {
		return fmt.Errorf("%w: %s term %s has no computation", ErrConfig, manager, name)
	}
	if err := term.Bind(env); err != nil {
		return fmt.Errorf("%w: %s term %s: %w", ErrConfig, manager, name, err)
	}
	return nil
}

func renderTable(title string, header []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", title)
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(header, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	_ = w.Flush()
	return b.String()
}
