package manager

import (
	"fmt"
	"strconv"
	"strings"
)

type EventMode int

const (
	ModeStartup EventMode = iota
	ModeReset
	ModeInterval
)

func (m EventMode) String() string {
	switch m {
	case ModeStartup:
		return "startup"
	case ModeReset:
		return "reset"
	case ModeInterval:
		return "interval"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseEventMode(name string) (EventMode, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "startup":
		return ModeStartup, nil
	case "reset":
		return ModeReset, nil
	case "interval":
		return ModeInterval, nil
	default:
		return 0, fmt.Errorf("%w: unknown event mode %q", ErrConfig, name)
	}
}

// EventTermCfg binds an event to its firing mode. IntervalSteps is used only
// by interval events and must be positive for them.
type EventTermCfg struct {
	Name          string
	Term          EventTerm
	Mode          EventMode
	IntervalSteps int
}

type EventManager struct {
	numEnvs     int
	terms       []EventTermCfg
	startupDone bool
	fires       map[string]int
}

func NewEventManager(env Env, cfgs []EventTermCfg) (*EventManager, error) {
	m := &EventManager{numEnvs: env.NumEnvs(), fires: make(map[string]int, len(cfgs))}
	seen := termNames{}
	for _, cfg := range cfgs {
		if err := seen.add("event", cfg.Name); err != nil {
			return nil, err
		}
		switch cfg.Mode {
		case ModeStartup, ModeReset:
		case ModeInterval:
			if cfg.IntervalSteps <= 0 {
				return nil, fmt.Errorf("%w: interval event %s needs a positive interval, got %d", ErrConfig, cfg.Name, cfg.IntervalSteps)
			}
		default:
			return nil, fmt.Errorf("%w: event %s has unknown mode %d", ErrConfig, cfg.Name, int(cfg.Mode))
		}
		if err := bindTerm(env, "event", cfg.Name, cfg.Term); err != nil {
			return nil, err
		}
		m.terms = append(m.terms, cfg)
	}
	return m, nil
}

// TermNames lists the events of mode in declaration order.
func (m *EventManager) TermNames(mode EventMode) []string {
	var names []string
	for _, t := range m.terms {
		if t.Mode == mode {
			names = append(names, t.Name)
		}
	}
	return names
}

// FireCount reports how many times the named event has been applied.
func (m *EventManager) FireCount(name string) int {
	return m.fires[name]
}

// ApplyStartup fires startup events for every instance. Later calls are no-ops.
func (m *EventManager) ApplyStartup(env Env) error {
	if m.startupDone {
		return nil
	}
	m.startupDone = true
	return m.apply(env, ModeStartup, allIDs(m.numEnvs))
}

// ApplyReset fires reset events for exactly envIDs.
func (m *EventManager) ApplyReset(env Env, envIDs []int) error {
	if len(envIDs) == 0 {
		return nil
	}
	return m.apply(env, ModeReset, envIDs)
}

// ApplyInterval fires every interval event whose period divides commonStep.
// Step 0 never fires. It reports whether any event fired.
func (m *EventManager) ApplyInterval(env Env, commonStep int) (bool, error) {
	if commonStep <= 0 {
		return false, nil
	}
	fired := false
	var ids []int
	for _, t := range m.terms {
		if t.Mode != ModeInterval || commonStep%t.IntervalSteps != 0 {
			continue
		}
		if ids == nil {
			ids = allIDs(m.numEnvs)
		}
		if err := t.Term.Apply(env, ids); err != nil {
			return fired, &TermError{Manager: "event", Term: t.Name, Err: err}
		}
		m.fires[t.Name]++
		fired = true
	}
	return fired, nil
}

func (m *EventManager) apply(env Env, mode EventMode, envIDs []int) error {
	for _, t := range m.terms {
		if t.Mode != mode {
			continue
		}
		if err := t.Term.Apply(env, envIDs); err != nil {
			return &TermError{Manager: "event", Term: t.Name, Err: err}
		}
		m.fires[t.Name]++
	}
	return nil
}

func (m *EventManager) String() string {
	var b strings.Builder
	for _, mode := range []EventMode{ModeStartup, ModeReset, ModeInterval} {
		var rows [][]string
		for _, t := range m.terms {
			if t.Mode != mode {
				continue
			}
			row := []string{strconv.Itoa(len(rows)), t.Name}
			if mode == ModeInterval {
				row = append(row, strconv.Itoa(t.IntervalSteps))
			}
			rows = append(rows, row)
		}
		if len(rows) == 0 {
			continue
		}
		header := []string{"Index", "Name"}
		if mode == ModeInterval {
			header = append(header, "Interval steps")
		}
		b.WriteString(renderTable(fmt.Sprintf("Active Event Terms in Mode: '%s'", mode), header, rows))
	}
	return b.String()
}

func allIDs(n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = i
	}
	return ids
}
