package probe

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

var ErrUnknownRule = errors.New("unknown compound rule")

// Rule combines the up states of a compound's children into the compound's
// own up state.
type Rule interface {
	Name() string
	Evaluate(up []bool) bool
}

type ruleFunc struct {
	name string
	fn   func(up []bool) bool
}

func (r ruleFunc) Name() string            { return r.name }
func (r ruleFunc) Evaluate(up []bool) bool { return r.fn(up) }

// NewRule adapts a plain function to Rule.
func NewRule(name string, fn func(up []bool) bool) Rule {
	return ruleFunc{name: name, fn: fn}
}

func countDown(up []bool) int {
	down := 0
	for _, v := range up {
		if !v {
			down++
		}
	}
	return down
}

var (
	// AllDown is down only when every child is down.
	AllDown = NewRule("all-down", func(up []bool) bool {
		return countDown(up) < len(up)
	})
	// AnyDown is down as soon as one child is down.
	AnyDown = NewRule("any-down", func(up []bool) bool {
		return countDown(up) == 0
	})
	// MajorityDown is down when more than half of the children are down.
	MajorityDown = NewRule("majority-down", func(up []bool) bool {
		return 2*countDown(up) <= len(up)
	})
)

var (
	rulesMu sync.RWMutex
	rules   = map[string]Rule{
		AllDown.Name():      AllDown,
		AnyDown.Name():      AnyDown,
		MajorityDown.Name(): MajorityDown,
	}
)

func LookupRule(name string) (Rule, error) {
	rulesMu.RLock()
	defer rulesMu.RUnlock()
	r, ok := rules[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownRule, name)
	}
	return r, nil
}

// RegisterRule adds r to the registry. Names must be unique.
func RegisterRule(r Rule) error {
	if r == nil || r.Name() == "" {
		return errors.New("rule must have a name")
	}
	rulesMu.Lock()
	defer rulesMu.Unlock()
	if _, exists := rules[r.Name()]; exists {
		return fmt.Errorf("rule %q already registered", r.Name())
	}
	rules[r.Name()] = r
	return nil
}

func RuleNames() []string {
	rulesMu.RLock()
	defer rulesMu.RUnlock()
	names := make([]string, 0, len(rules))
	for name := range rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
