package transform

import (
	"fmt"

	"github.com/withObsrvr/obsrvr-volume-copier/internal/grid"
)

// Params holds stage parameters as decoded from YAML or flags.
type Params map[string]any

// Float returns a numeric parameter.
func (p Params) Float(key string, def float64) (float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	f, ok := toFloat(v)
	if !ok {
		return 0, fmt.Errorf("%w: %s must be a number, got %T", ErrInvalidParams, key, v)
	}
	return f, nil
}

// Bool returns a boolean parameter.
func (p Params) Bool(key string, def bool) (bool, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: %s must be a bool, got %T", ErrInvalidParams, key, v)
	}
	return b, nil
}

// Floats3 returns a three element numeric list.
func (p Params) Floats3(key string, def [3]float64) ([3]float64, error) {
	v, ok := p[key]
	if !ok {
		return def, nil
	}
	var out [3]float64
	switch list := v.(type) {
	case []any:
		if len(list) != 3 {
			return out, fmt.Errorf("%w: %s needs 3 values, got %d", ErrInvalidParams, key, len(list))
		}
		for i, e := range list {
			f, ok := toFloat(e)
			if !ok {
				return out, fmt.Errorf("%w: %s[%d] must be a number", ErrInvalidParams, key, i)
			}
			out[i] = f
		}
	case []float64:
		if len(list) != 3 {
			return out, fmt.Errorf("%w: %s needs 3 values, got %d", ErrInvalidParams, key, len(list))
		}
		copy(out[:], list)
	case [3]float64:
		out = list
	default:
		return out, fmt.Errorf("%w: %s must be a list, got %T", ErrInvalidParams, key, v)
	}
	return out, nil
}

// Vec3 returns a three element integer list.
func (p Params) Vec3(key string, def grid.Vec3) (grid.Vec3, error) {
	if v, ok := p[key].(grid.Vec3); ok {
		return v, nil
	}
	f, err := p.Floats3(key, [3]float64{float64(def[0]), float64(def[1]), float64(def[2])})
	if err != nil {
		return grid.Vec3{}, err
	}
	var out grid.Vec3
	for i, x := range f {
		if x != float64(int64(x)) {
			return grid.Vec3{}, fmt.Errorf("%w: %s[%d] must be an integer", ErrInvalidParams, key, i)
		}
		out[i] = int64(x)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	default:
		return 0, false
	}
}
