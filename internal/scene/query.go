package scene

import (
	"fmt"
	"regexp"
	"strings"
)

// EntityQuery names an entity and optionally narrows it to joints or bodies.
type EntityQuery struct {
	Name       string
	JointNames []string
	BodyNames  []string
}

// ResolvedEntity is an EntityQuery bound against a concrete scene.
type ResolvedEntity struct {
	Entity   *Entity
	JointIDs []int
	BodyIDs  []int
}

func (q EntityQuery) String() string {
	var b strings.Builder
	b.WriteString(q.Name)
	if len(q.JointNames) > 0 {
		fmt.Fprintf(&b, " joints=%v", q.JointNames)
	}
	if len(q.BodyNames) > 0 {
		fmt.Fprintf(&b, " bodies=%v", q.BodyNames)
	}
	return b.String()
}

func (q EntityQuery) Resolve(s *Scene) (ResolvedEntity, error) {
	ent, err := s.Entity(q.Name)
	if err != nil {
		return ResolvedEntity{}, err
	}
	jointIDs, _, err := ent.FindJoints(q.JointNames)
	if err != nil {
		return ResolvedEntity{}, err
	}
	bodyIDs, _, err := ent.FindBodies(q.BodyNames)
	if err != nil {
		return ResolvedEntity{}, err
	}
	return ResolvedEntity{Entity: ent, JointIDs: jointIDs, BodyIDs: bodyIDs}, nil
}

func match(names, patterns []string) ([]int, []string, error) {
	if len(patterns) == 0 {
		ids := make([]int, len(names))
		for i := range ids {
			ids[i] = i
		}
		return ids, append([]string(nil), names...), nil
	}
	compiled := make([]*regexp.Regexp, len(patterns))
	hits := make([]bool, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, nil, fmt.Errorf("pattern %q: %v", p, err)
		}
		compiled[i] = re
	}

	var ids []int
	var matched []string
	for i, name := range names {
		for k, re := range compiled {
			if re.MatchString(name) {
				hits[k] = true
				ids = append(ids, i)
				matched = append(matched, name)
				break
			}
		}
	}
	for k, hit := range hits {
		if !hit {
			// A pattern that only overlaps an earlier pattern still counts.
			for _, name := range names {
				if compiled[k].MatchString(name) {
					hit = true
					break
				}
			}
			if !hit {
				return nil, nil, fmt.Errorf("no match for %q in %v", patterns[k], names)
			}
		}
	}
	return ids, matched, nil
}
