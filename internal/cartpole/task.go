package cartpole

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"vecenv/internal/envs"
)

var ErrUnknownTask = errors.New("unknown task")

// Task is a named environment setup together with the defaults its rollout
// driver uses.
type Task struct {
	Name           string
	Description    string
	RL             bool
	DefaultNumEnvs int
	// ResetEvery is the number of steps between full resets issued by the
	// rollout driver.
	ResetEvery int
	Config     func(numEnvs int) envs.Config
}

const (
	TaskRL    = "cartpole-rl"
	TaskBase  = "cartpole-base"
	TaskScene = "cartpole-scene"
)

var tasks = map[string]Task{
	TaskRL: {
		Name:           TaskRL,
		Description:    "balance the pole; rewards, terminations and automatic resets",
		RL:             true,
		DefaultNumEnvs: 16,
		ResetEvery:     500,
		Config:         RLEnvConfig,
	},
	TaskBase: {
		Name:           TaskBase,
		Description:    "effort-driven cart with startup pole mass randomization",
		DefaultNumEnvs: 16,
		ResetEvery:     300,
		Config:         BaseEnvConfig,
	},
	TaskScene: {
		Name:           TaskScene,
		Description:    "interactive scene with raw efforts on every joint",
		DefaultNumEnvs: 2,
		ResetEvery:     500,
		Config:         SceneEnvConfig,
	},
}

// LookupTask resolves name, or any of its aliases, to a task.
func LookupTask(name string) (Task, error) {
	task, ok := tasks[NormalizeTaskName(name)]
	if !ok {
		return Task{}, fmt.Errorf("%w: %q", ErrUnknownTask, name)
	}
	return task, nil
}

func TaskNames() []string {
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NormalizeTaskName canonicalizes task names and their aliases. Names that
// match no task are returned lower-cased and dash-separated.
func NormalizeTaskName(name string) string {
	normalized := strings.TrimSpace(strings.ToLower(name))
	normalized = strings.ReplaceAll(normalized, "_", "-")
	normalized = strings.ReplaceAll(normalized, " ", "-")
	normalized = strings.Trim(normalized, "-")
	if normalized == "" {
		return ""
	}
	for _, candidate := range aliasCandidates(normalized) {
		if canonical, ok := canonicalTaskName(candidate); ok {
			return canonical
		}
	}
	return normalized
}

func aliasCandidates(normalized string) []string {
	candidates := []string{normalized}
	trimmed := strings.TrimPrefix(normalized, "isaac-")
	trimmed = strings.TrimSuffix(trimmed, "-v0")
	trimmed = strings.Trim(trimmed, "-")
	if trimmed != "" && trimmed != normalized {
		candidates = append(candidates, trimmed)
	}
	return candidates
}

func canonicalTaskName(alias string) (string, bool) {
	compact := strings.ReplaceAll(alias, "-", "")
	switch compact {
	case "cartpolerl", "cartpole", "rl", "managerbasedrl", "cartpolemanagerbasedrl":
		return TaskRL, true
	case "cartpolebase", "base", "managerbased", "cartpolemanagerbased":
		return TaskBase, true
	case "cartpolescene", "scene", "interactivescene", "cartpoleinteractivescene":
		return TaskScene, true
	default:
		return "", false
	}
}
