package mdp

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r1"
)

// Params are term parameters as decoded from an environment file.
type Params map[string]any

// Asset reads the "asset", "joint_names" and "body_names" keys.
func (p Params) Asset() (AssetQuery, error) {
	name, err := p.String("asset", "")
	if err != nil {
		return AssetQuery{}, err
	}
	joints, err := p.Strings("joint_names")
	if err != nil {
		return AssetQuery{}, err
	}
	bodies, err := p.Strings("body_names")
	if err != nil {
		return AssetQuery{}, err
	}
	return AssetQuery{Name: name, JointNames: joints, BodyNames: bodies}, nil
}

func (p Params) String(key, def string) (string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%w: %s must be a string, got %T", ErrParams, key, raw)
	}
	return s, nil
}

// Strings accepts a single string or a list of strings.
func (p Params) Strings(key string) ([]string, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return nil, nil
	}
	switch v := raw.(type) {
	case string:
		return []string{v}, nil
	case []string:
		return append([]string(nil), v...), nil
	case []any:
		out := make([]string, len(v))
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: %s[%d] must be a string, got %T", ErrParams, key, i, item)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %s must be a list of strings, got %T", ErrParams, key, raw)
	}
}

func (p Params) Float(key string, def float64) (float64, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	v, ok := toFloat(raw)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrParams, key, raw)
	}
	return v, nil
}

// Interval accepts [min, max] or {min: .., max: ..}.
func (p Params) Interval(key string, def r1.Interval) (r1.Interval, error) {
	raw, ok := p[key]
	if !ok || raw == nil {
		return def, nil
	}
	var lo, hi any
	switch v := raw.(type) {
	case []any:
		if len(v) != 2 {
			return r1.Interval{}, fmt.Errorf("%w: %s must have two entries, got %d", ErrParams, key, len(v))
		}
		lo, hi = v[0], v[1]
	case []float64:
		if len(v) != 2 {
			return r1.Interval{}, fmt.Errorf("%w: %s must have two entries, got %d", ErrParams, key, len(v))
		}
		return r1.Interval{Min: v[0], Max: v[1]}, nil
	case map[string]any:
		lo, hi = v["min"], v["max"]
	default:
		return r1.Interval{}, fmt.Errorf("%w: %s must be [min, max], got %T", ErrParams, key, raw)
	}
	minV, okMin := toFloat(lo)
	maxV, okMax := toFloat(hi)
	if !okMin || !okMax {
		return r1.Interval{}, fmt.Errorf("%w: %s bounds must be numbers", ErrParams, key)
	}
	if minV > maxV {
		return r1.Interval{}, fmt.Errorf("%w: %s min %g exceeds max %g", ErrParams, key, minV, maxV)
	}
	return r1.Interval{Min: minV, Max: maxV}, nil
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}
