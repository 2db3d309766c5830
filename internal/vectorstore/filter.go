package vectorstore

import (
	"fmt"
	"strings"
)

// Filter is a conjunction of payload conditions.
type Filter struct {
	Must []Condition
}

// Condition matches one payload field by equality, membership or numeric range.
// Exactly one of Value, Any or Range is set.
type Condition struct {
	Key   string
	Value any
	Any   []any
	Range *Range
}

type Range struct {
	GT  *float64
	GTE *float64
	LT  *float64
	LTE *float64
}

func Eq(key string, value any) Condition {
	return Condition{Key: key, Value: value}
}

func In[T any](key string, values ...T) Condition {
	anyValues := make([]any, len(values))
	for i, v := range values {
		anyValues[i] = v
	}
	return Condition{Key: key, Any: anyValues}
}

func LessThan(key string, v float64) Condition {
	return Condition{Key: key, Range: &Range{LT: &v}}
}

func AtLeast(key string, v float64) Condition {
	return Condition{Key: key, Range: &Range{GTE: &v}}
}

// And returns a new filter with extra conditions appended.
func (f Filter) And(conds ...Condition) Filter {
	must := make([]Condition, 0, len(f.Must)+len(conds))
	must = append(must, f.Must...)
	must = append(must, conds...)
	return Filter{Must: must}
}

func (c Condition) validate() error {
	if strings.TrimSpace(c.Key) == "" {
		return fmt.Errorf("condition key is required")
	}
	set := 0
	if c.Value != nil {
		set++
	}
	if c.Any != nil {
		set++
	}
	if c.Range != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("condition on %q must set exactly one of value, any, range", c.Key)
	}
	return nil
}

// Match evaluates the filter against a decoded payload.
func (f Filter) Match(payload map[string]any) (bool, error) {
	for _, c := range f.Must {
		if err := c.validate(); err != nil {
			return false, err
		}
		ok, err := c.match(payload[c.Key])
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (c Condition) match(got any) (bool, error) {
	switch {
	case c.Value != nil:
		return valuesEqual(c.Value, got), nil
	case c.Any != nil:
		for _, want := range c.Any {
			if valuesEqual(want, got) {
				return true, nil
			}
		}
		return false, nil
	default:
		n, ok := toFloat(got)
		if !ok {
			return false, nil
		}
		r := c.Range
		if r.GT != nil && !(n > *r.GT) {
			return false, nil
		}
		if r.GTE != nil && !(n >= *r.GTE) {
			return false, nil
		}
		if r.LT != nil && !(n < *r.LT) {
			return false, nil
		}
		if r.LTE != nil && !(n <= *r.LTE) {
			return false, nil
		}
		return true, nil
	}
}

func valuesEqual(want, got any) bool {
	if got == nil {
		return false
	}
	if wn, ok := toFloat(want); ok {
		gn, ok := toFloat(got)
		return ok && wn == gn
	}
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case bool:
		g, ok := got.(bool)
		return ok && g == w
	default:
		return fmt.Sprint(want) == fmt.Sprint(got)
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// qdrantFilter renders the filter in Qdrant's JSON shape.
func (f Filter) qdrantFilter() (map[string]any, error) {
	must := make([]any, 0, len(f.Must))
	for _, c := range f.Must {
		if err := c.validate(); err != nil {
			return nil, err
		}
		switch {
		case c.Value != nil:
			must = append(must, map[string]any{"key": c.Key, "match": map[string]any{"value": c.Value}})
		case c.Any != nil:
			for _, v := range c.Any {
				if _, isNum := toFloat(v); !isNum {
					if _, isStr := v.(string); !isStr {
						return nil, fmt.Errorf("membership on %q supports only strings and integers, got %T", c.Key, v)
					}
				}
			}
			must = append(must, map[string]any{"key": c.Key, "match": map[string]any{"any": c.Any}})
		default:
			rng := map[string]any{}
			if c.Range.GT != nil {
				rng["gt"] = *c.Range.GT
			}
			if c.Range.GTE != nil {
				rng["gte"] = *c.Range.GTE
			}
			if c.Range.LT != nil {
				rng["lt"] = *c.Range.LT
			}
			if c.Range.LTE != nil {
				rng["lte"] = *c.Range.LTE
			}
			must = append(must, map[string]any{"key": c.Key, "range": rng})
		}
	}
	if len(must) == 0 {
		return nil, nil
	}
	return map[string]any{"must": must}, nil
}
