package scpi

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

type RuleKind int

const (
	RuleRange RuleKind = iota
	RuleEnum
	RuleBool
)

var boolLiterals = sets.NewString("ON", "OFF", "1", "0")

// Rule is a parameter validation descriptor attached to a parameterized
// command. Rules are parsed once at registration time; Check runs on every
// captured argument.
type Rule struct {
	Kind   RuleKind
	Min    float64
	Max    float64
	Values []string
}

// ParseRule parses the `range:MIN,MAX` / `enum:V1,V2,...` / `bool` grammar
// used by the Validation column of instrument definitions. An empty spec
// yields a nil rule.
func ParseRule(spec string) (*Rule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	switch {
	case strings.HasPrefix(spec, "range:"):
		bounds := strings.SplitN(strings.TrimPrefix(spec, "range:"), ",", 2)
		if len(bounds) != 2 {
			return nil, fmt.Errorf("range rule %q needs two bounds", spec)
		}
		min, err := strconv.ParseFloat(strings.TrimSpace(bounds[0]), 64)
		if err != nil {
			return nil, fmt.Errorf("range rule %q: bad lower bound: %v", spec, err)
		}
		max, err := strconv.ParseFloat(strings.TrimSpace(bounds[1]), 64)
		if err != nil {
			return nil, fmt.Errorf("range rule %q: bad upper bound: %v", spec, err)
		}
		return &Rule{Kind: RuleRange, Min: min, Max: max}, nil
	case strings.HasPrefix(spec, "enum:"):
		raw := strings.Split(strings.TrimPrefix(spec, "enum:"), ",")
		values := make([]string, 0, len(raw))
		for _, v := range raw {
			if v = strings.ToUpper(strings.TrimSpace(v)); v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("enum rule %q has no values", spec)
		}
		return &Rule{Kind: RuleEnum, Values: values}, nil
	case spec == "bool":
		return &Rule{Kind: RuleBool}, nil
	default:
		return nil, fmt.Errorf("unknown validation rule %q", spec)
	}
}

// Check validates one captured argument. A nil return means the argument is
// acceptable; otherwise the returned error belongs on the error queue.
func (r *Rule) Check(arg string) *Error {
	if r == nil {
		return nil
	}
	switch r.Kind {
	case RuleRange:
		value, err := strconv.ParseFloat(strings.TrimSpace(arg), 64)
		if err != nil {
			return errDataType(arg)
		}
		if value < r.Min || value > r.Max {
			return errOutOfRange(r.Min, r.Max, value)
		}
	case RuleEnum:
		upper := strings.ToUpper(strings.TrimSpace(arg))
		for _, v := range r.Values {
			if upper == v {
				return nil
			}
		}
		return errNotAllowed(r.Values, arg)
	case RuleBool:
		if !boolLiterals.Has(strings.ToUpper(strings.TrimSpace(arg))) {
			return errInvalidBool(arg)
		}
	}
	return nil
}
