package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// A rule is a CEL expression evaluated against every call of one action.
// It sees three variables:
//
//	target  string               the envelope Target
//	data    dyn                  the decoded Data value, null when absent
//	tags    map(string, string)  the envelope Tags
//
// and must yield a bool. False or an evaluation error denies the call.
type rule struct {
	expr string
	prg  cel.Program
}

var ruleEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("target", cel.StringType),
		cel.Variable("data", cel.DynType),
		cel.Variable("tags", cel.MapType(cel.StringType, cel.StringType)),
	)
})

// RuleError is returned by CheckRule when a call is denied.
type RuleError struct {
	Action string
	Expr   string
	Err    error
}

func (e *RuleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("rule %q: %v", e.Expr, e.Err)
	}
	return fmt.Sprintf("rule %q not satisfied", e.Expr)
}

func (e *RuleError) Unwrap() error { return e.Err }

// SetRule compiles expr and attaches it to action. An empty expr removes the
// rule.
func (p *ActionPolicy) SetRule(action, expr string) error {
	if expr == "" {
		delete(p.rules, action)
		return nil
	}
	env, err := ruleEnv()
	if err != nil {
		return fmt.Errorf("policy rule environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return fmt.Errorf("policy rule compile failed for %q: %w", action, iss.Err())
	}
	if t := ast.OutputType(); !t.IsExactType(cel.BoolType) && !t.IsExactType(cel.DynType) {
		return fmt.Errorf("policy rule for %q must be boolean, got %s", action, ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("policy rule program failed for %q: %w", action, err)
	}
	p.rules[action] = &rule{expr: expr, prg: prg}
	return nil
}

// CheckRule evaluates the rule registered for action, if any. data must be a
// decoded JSON value.
func (p *ActionPolicy) CheckRule(action, target string, data any, tags map[string]string) error {
	r, ok := p.rules[action]
	if !ok {
		return nil
	}
	if tags == nil {
		tags = map[string]string{}
	}
	out, _, err := r.prg.Eval(map[string]any{
		"target": target,
		"data":   data,
		"tags":   tags,
	})
	if err != nil {
		return &RuleError{Action: action, Expr: r.expr, Err: err}
	}
	if allowed, ok := out.Value().(bool); !ok || !allowed {
		return &RuleError{Action: action, Expr: r.expr}
	}
	return nil
}
