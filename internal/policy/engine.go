// Package policy implements the stateless proxy-call authorization
// predicate: an ordered list of glob rules evaluated first-match-wins,
// defaulting to deny.
package policy

import (
	"fmt"

	"github.com/gobwas/glob"
)

// Effect is the outcome of a matched rule.
type Effect uint8

const (
	Deny Effect = iota
	Allow
)

// String returns the human-readable name of the effect.
func (e Effect) String() string {
	if e == Allow {
		return "ALLOW"
	}
	return "DENY"
}

// Rule is one entry of the ordered proxy-call allow-list.
type Rule struct {
	CallerGlob     string
	TargetGlob     string
	BusNameGlob    string
	ObjectPathGlob string
	InterfaceGlob  string
	MethodGlob     string
	Effect         Effect
}

// Call is the (caller, target, bus, path, iface, method) tuple a proxy call
// is evaluated against.
type Call struct {
	Caller    string
	Target    string
	Bus       string
	Path      string
	Interface string
	Method    string
}

// compiledRule pairs each glob field with its compiled matcher. A nil
// matcher means the original pattern was empty, which matches anything.
type compiledRule struct {
	caller, target, bus, path, iface, method glob.Glob
	effect                                   Effect
}

// Engine evaluates Calls against a fixed, ordered rule list.
type Engine struct {
	rules []compiledRule
}

// New compiles rules into an Engine. Rules are evaluated in the given order;
// the first rule whose every field matches wins. An empty pattern matches
// any value in that field, per the "empty pattern means match anything"
// contract.
func New(rules []Rule) (*Engine, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		cr := compiledRule{effect: r.Effect}

		var err error
		if cr.caller, err = compileField(r.CallerGlob); err != nil {
			return nil, fmt.Errorf("rule %d caller_glob %q: %w", i, r.CallerGlob, err)
		}
		if cr.target, err = compileField(r.TargetGlob); err != nil {
			return nil, fmt.Errorf("rule %d target_glob %q: %w", i, r.TargetGlob, err)
		}
		if cr.bus, err = compileField(r.BusNameGlob); err != nil {
			return nil, fmt.Errorf("rule %d bus_name_glob %q: %w", i, r.BusNameGlob, err)
		}
		if cr.path, err = compileField(r.ObjectPathGlob); err != nil {
			return nil, fmt.Errorf("rule %d object_path_glob %q: %w", i, r.ObjectPathGlob, err)
		}
		if cr.iface, err = compileField(r.InterfaceGlob); err != nil {
			return nil, fmt.Errorf("rule %d interface_glob %q: %w", i, r.InterfaceGlob, err)
		}
		if cr.method, err = compileField(r.MethodGlob); err != nil {
			return nil, fmt.Errorf("rule %d method_glob %q: %w", i, r.MethodGlob, err)
		}

		compiled = append(compiled, cr)
	}

	return &Engine{rules: compiled}, nil
}

// compileField compiles a single shell-style glob pattern. An empty pattern
// returns a nil matcher, interpreted by matchField as "match anything".
func compileField(pattern string) (glob.Glob, error) {
	if pattern == "" {
		return nil, nil
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func matchField(g glob.Glob, value string) bool {
	if g == nil {
		return true
	}
	return g.Match(value)
}

// Evaluate returns the effect of the first matching rule, or Deny if no
// rule matches.
func (e *Engine) Evaluate(call Call) Effect {
	for _, r := range e.rules {
		if matchField(r.caller, call.Caller) &&
			matchField(r.target, call.Target) &&
			matchField(r.bus, call.Bus) &&
			matchField(r.path, call.Path) &&
			matchField(r.iface, call.Interface) &&
			matchField(r.method, call.Method) {
			return r.effect
		}
	}
	return Deny
}
