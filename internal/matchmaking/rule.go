package matchmaking

import (
	"fmt"
	"sort"

	"github.com/mossy-p/session-coordinator/internal/apperr"
)

const (
	RuleOpen          = "open"
	RuleComplementary = "complementary"

	ClassAny = "any"
)

// Rule is a symmetric compatibility relation over declared classes. A
// wildcard class, when set, is compatible with every class including itself.
type Rule struct {
	name     string
	classes  map[string]map[string]bool
	fallback string
	wildcard string
}

// NewRule declares classes and the pairs of classes that may be matched.
// Pairs are symmetric; a class paired with itself is self-compatible.
func NewRule(name string, classes []string, wildcard string, pairs ...[2]string) (*Rule, error) {
	r := &Rule{name: name, classes: make(map[string]map[string]bool), wildcard: wildcard}
	for _, c := range classes {
		r.classes[c] = make(map[string]bool)
	}
	if wildcard != "" {
		if _, ok := r.classes[wildcard]; !ok {
			return nil, fmt.Errorf("wildcard class %q is not declared", wildcard)
		}
		r.fallback = wildcard
	} else if len(classes) > 0 {
		r.fallback = classes[0]
	}
	for _, p := range pairs {
		a, aok := r.classes[p[0]]
		b, bok := r.classes[p[1]]
		if !aok || !bok {
			return nil, fmt.Errorf("pair %v uses an undeclared class", p)
		}
		a[p[1]] = true
		b[p[0]] = true
	}
	for c := range r.classes {
		if wildcard != "" {
			r.classes[c][wildcard] = true
			r.classes[wildcard][c] = true
		}
	}
	return r, nil
}

func mustRule(r *Rule, err error) *Rule {
	if err != nil {
		panic(err)
	}
	return r
}

// OpenRule pairs anyone with anyone through a single "any" class.
func OpenRule() *Rule {
	return mustRule(NewRule(RuleOpen, []string{ClassAny}, ClassAny))
}

// ComplementaryRule pairs male with female and other with other. The "any"
// class matches every class.
func ComplementaryRule() *Rule {
	return mustRule(NewRule(RuleComplementary,
		[]string{ClassAny, "male", "female", "other"},
		ClassAny,
		[2]string{"male", "female"},
		[2]string{"other", "other"},
	))
}

// RuleByName returns a preset rule.
func RuleByName(name string) (*Rule, error) {
	switch name {
	case "", RuleOpen:
		return OpenRule(), nil
	case RuleComplementary:
		return ComplementaryRule(), nil
	}
	return nil, fmt.Errorf("unknown match rule %q", name)
}

func (r *Rule) Name() string {
	return r.name
}

// Normalize maps an empty class to the default one and rejects undeclared classes.
func (r *Rule) Normalize(class string) (string, error) {
	if class == "" {
		return r.fallback, nil
	}
	if _, ok := r.classes[class]; !ok {
		return "", apperr.Validation(fmt.Sprintf("unknown compatibility class %q", class))
	}
	return class, nil
}

// Compatible lists the classes class may be paired with, sorted.
func (r *Rule) Compatible(class string) []string {
	set := r.classes[class]
	out := make([]string, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

func (r *Rule) Matches(a, b string) bool {
	return r.classes[a][b]
}
