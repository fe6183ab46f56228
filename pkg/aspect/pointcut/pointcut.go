// Package pointcut implements a small expression language for selecting
// interception targets.
//
//	name("Get.*") && kind(method) && !public
//	scope("shop\..*") || name("Checkout")
//
// Designators:
//   - name("re"): the scope-relative qualified name starts with a match of re
//   - scope("re"): the dotted path of the declaring scope starts with a match of re
//   - kind(k, ...): the target kind is one of function, method, callable,
//     constructor or native
//   - public: the target name is exported
//   - true, false
//
// Operators are ! (highest), && and || (lowest), with parentheses for
// grouping.
package pointcut

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxNodes bounds the size of a compiled expression.
const MaxNodes = 256

var kinds = map[string]bool{
	"function":    true,
	"method":      true,
	"callable":    true,
	"constructor": true,
	"native":      true,
}

// Subject is the view of a candidate target an expression is evaluated
// against.
type Subject struct {
	Name      string // declared name
	Qualified string // name relative to the scope being searched
	Kind      string
	Scope     string // dotted path of the declaring scope
	Public    bool
}

// Pointcut is a compiled expression. It is immutable and safe for concurrent
// use.
type Pointcut struct {
	source  string
	root    Expression
	regexps map[*StringLiteral]*regexp.Regexp
}

// Compile parses and checks an expression.
func Compile(src string) (*Pointcut, error) {
	p := New(NewLexer(src))
	root := p.ParseExpression()
	if len(p.Errors()) > 0 {
		return nil, fmt.Errorf("parse errors: %s", strings.Join(p.Errors(), "; "))
	}

	if n := CountNodes(root); n > MaxNodes {
		return nil, fmt.Errorf("pointcut complexity (%d nodes) exceeds limit (%d)", n, MaxNodes)
	}

	pc := &Pointcut{
		source:  src,
		root:    root,
		regexps: make(map[*StringLiteral]*regexp.Regexp),
	}
	if err := pc.check(root); err != nil {
		return nil, err
	}
	return pc, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(src string) *Pointcut {
	pc, err := Compile(src)
	if err != nil {
		panic(fmt.Sprintf("pointcut: Compile(%q): %v", src, err))
	}
	return pc
}

// check validates designators and compiles their patterns.
func (pc *Pointcut) check(node Expression) error {
	switch node := node.(type) {
	case *Identifier:
		switch node.Value {
		case "public", "true", "false":
			return nil
		case "name", "scope", "kind":
			return fmt.Errorf("%s needs an argument", node.Value)
		}
		return fmt.Errorf("unknown designator %q", node.Value)

	case *StringLiteral:
		return fmt.Errorf("unexpected string %s", node)

	case *PrefixExpression:
		return pc.check(node.Right)

	case *InfixExpression:
		if err := pc.check(node.Left); err != nil {
			return err
		}
		return pc.check(node.Right)

	case *CallExpression:
		return pc.checkCall(node)
	}
	return fmt.Errorf("unsupported expression %T", node)
}

func (pc *Pointcut) checkCall(call *CallExpression) error {
	switch call.Function.Value {
	case "name", "scope":
		if len(call.Arguments) != 1 {
			return fmt.Errorf("%s takes one pattern, got %d arguments", call.Function.Value, len(call.Arguments))
		}
		lit, ok := call.Arguments[0].(*StringLiteral)
		if !ok {
			return fmt.Errorf("%s takes a quoted pattern", call.Function.Value)
		}
		re, err := regexp.Compile(`^(?:` + lit.Value + `)`)
		if err != nil {
			return fmt.Errorf("%s(%s): %w", call.Function.Value, lit, err)
		}
		pc.regexps[lit] = re
		return nil

	case "kind":
		if len(call.Arguments) == 0 {
			return fmt.Errorf("kind needs at least one kind")
		}
		for _, arg := range call.Arguments {
			k := kindArg(arg)
			if !kinds[k] {
				return fmt.Errorf("unknown kind %s", arg)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown designator %q", call.Function.Value)
}

func kindArg(arg Expression) string {
	switch arg := arg.(type) {
	case *Identifier:
		return arg.Value
	case *StringLiteral:
		return arg.Value
	}
	return ""
}

// Match reports whether s satisfies the expression.
func (pc *Pointcut) Match(s Subject) bool {
	return pc.eval(pc.root, s)
}

func (pc *Pointcut) eval(node Expression, s Subject) bool {
	switch node := node.(type) {
	case *Identifier:
		switch node.Value {
		case "public":
			return s.Public
		case "true":
			return true
		}
		return false

	case *PrefixExpression:
		return !pc.eval(node.Right, s)

	case *InfixExpression:
		switch node.Operator {
		case "&&":
			return pc.eval(node.Left, s) && pc.eval(node.Right, s)
		case "||":
			return pc.eval(node.Left, s) || pc.eval(node.Right, s)
		}
		return false

	case *CallExpression:
		switch node.Function.Value {
		case "name":
			return pc.regexps[node.Arguments[0].(*StringLiteral)].MatchString(s.Qualified)
		case "scope":
			return pc.regexps[node.Arguments[0].(*StringLiteral)].MatchString(s.Scope)
		case "kind":
			for _, arg := range node.Arguments {
				if kindArg(arg) == s.Kind {
					return true
				}
			}
		}
		return false
	}
	return false
}

// String returns the fully parenthesized form of the expression.
func (pc *Pointcut) String() string {
	return pc.root.String()
}

// Source returns the text the pointcut was compiled from.
func (pc *Pointcut) Source() string {
	return pc.source
}
