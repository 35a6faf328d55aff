// Package pipeline executes pipeline definitions as a state machine over a
// mutable payload. Runs execute concurrently; each is owned by one goroutine
// and observed through immutable snapshots.
package pipeline

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
	"unicode"
)

// ErrBadExpression marks a condition that uses syntax outside the permitted
// subset. Evaluation never executes arbitrary code: no calls, no indexing,
// no host access.
var ErrBadExpression = errors.New("unsupported expression")

// EvalCondition evaluates a step condition against the payload and reports
// its truthiness. An empty expression is false.
func EvalCondition(expr string, payload map[string]any) (bool, error) {
	v, err := Eval(expr, payload)
	if err != nil {
		return false, err
	}
	return truthy(v), nil
}

// Eval evaluates a restricted expression: literals, payload identifiers,
// dotted payload paths, comparisons, and/or/not, and + - * arithmetic.
// Unknown identifiers evaluate to null.
func Eval(expr string, payload map[string]any) (any, error) {
	trimmed := strings.TrimSpace(expr)
	if trimmed == "" {
		return false, nil
	}

	node, err := parser.ParseExpr(rewriteExpr(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadExpression, err)
	}
	return evalNode(node, payload)
}

// rewriteExpr converts the word operators and/or/not to Go syntax and
// single-quoted string literals to double-quoted ones. Quoted content is
// left untouched.
func rewriteExpr(expr string) string {
	var sb strings.Builder
	runes := []rune(expr)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case r == '"':
			j := i + 1
			for j < len(runes) && runes[j] != '"' {
				if runes[j] == '\\' {
					j++
				}
				j++
			}
			if j < len(runes) {
				j++
			}
			sb.WriteString(string(runes[i:j]))
			i = j

		case r == '\'':
			j := i + 1
			var content []rune
			for j < len(runes) && runes[j] != '\'' {
				if runes[j] == '\\' && j+1 < len(runes) {
					content = append(content, runes[j], runes[j+1])
					j += 2
					continue
				}
				content = append(content, runes[j])
				j++
			}
			if j < len(runes) {
				j++
			}
			sb.WriteByte('"')
			sb.WriteString(strings.ReplaceAll(string(content), `"`, `\"`))
			sb.WriteByte('"')
			i = j

		case unicode.IsLetter(r) || r == '_':
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j]) || runes[j] == '_') {
				j++
			}
			word := string(runes[i:j])
			switch word {
			case "and":
				sb.WriteString("&&")
			case "or":
				sb.WriteString("||")
			case "not":
				sb.WriteString("!")
			default:
				sb.WriteString(word)
			}
			i = j

		default:
			sb.WriteRune(r)
			i++
		}
	}
	return sb.String()
}

func evalNode(node ast.Expr, payload map[string]any) (any, error) {
	switch n := node.(type) {
	case *ast.BasicLit:
		switch n.Kind {
		case token.INT, token.FLOAT:
			f, err := strconv.ParseFloat(n.Value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: bad number %q", ErrBadExpression, n.Value)
			}
			return f, nil
		case token.STRING:
			s, err := strconv.Unquote(n.Value)
			if err != nil {
				return nil, fmt.Errorf("%w: bad string %s", ErrBadExpression, n.Value)
			}
			return s, nil
		}
		return nil, fmt.Errorf("%w: %s literal", ErrBadExpression, n.Kind)

	case *ast.Ident:
		switch n.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "null", "nil", "None":
			return nil, nil
		}
		return payload[n.Name], nil

	case *ast.SelectorExpr:
		switch n.X.(type) {
		case *ast.Ident, *ast.SelectorExpr:
		default:
			return nil, fmt.Errorf("%w: selector base must be a payload path", ErrBadExpression)
		}
		base, err := evalNode(n.X, payload)
		if err != nil {
			return nil, err
		}
		m, ok := base.(map[string]any)
		if !ok {
			return nil, nil
		}
		return m[n.Sel.Name], nil

	case *ast.ParenExpr:
		return evalNode(n.X, payload)

	case *ast.UnaryExpr:
		v, err := evalNode(n.X, payload)
		if err != nil {
			return nil, err
		}
		switch n.Op {
		case token.NOT:
			return !truthy(v), nil
		case token.SUB:
			f, ok := toNumber(v)
			if !ok {
				return nil, fmt.Errorf("%w: negating a non-number", ErrBadExpression)
			}
			return -f, nil
		}
		return nil, fmt.Errorf("%w: unary %s", ErrBadExpression, n.Op)

	case *ast.BinaryExpr:
		return evalBinary(n, payload)
	}

	return nil, fmt.Errorf("%w: %T", ErrBadExpression, node)
}

func evalBinary(n *ast.BinaryExpr, payload map[string]any) (any, error) {
	// Boolean operators short-circuit.
	switch n.Op {
	case token.LAND:
		left, err := evalNode(n.X, payload)
		if err != nil {
			return nil, err
		}
		if !truthy(left) {
			return false, nil
		}
		right, err := evalNode(n.Y, payload)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil

	case token.LOR:
		left, err := evalNode(n.X, payload)
		if err != nil {
			return nil, err
		}
		if truthy(left) {
			return true, nil
		}
		right, err := evalNode(n.Y, payload)
		if err != nil {
			return nil, err
		}
		return truthy(right), nil
	}

	left, err := evalNode(n.X, payload)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(n.Y, payload)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case token.EQL:
		return looseEqual(left, right), nil
	case token.NEQ:
		return !looseEqual(left, right), nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		return compareOrder(n.Op, left, right)
	case token.ADD:
		if ls, lok := left.(string); lok {
			if rs, rok := right.(string); rok {
				return ls + rs, nil
			}
		}
		return arith(n.Op, left, right)
	case token.SUB, token.MUL:
		return arith(n.Op, left, right)
	}

	return nil, fmt.Errorf("%w: operator %s", ErrBadExpression, n.Op)
}

func arith(op token.Token, left, right any) (any, error) {
	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: %s on non-numbers", ErrBadExpression, op)
	}
	switch op {
	case token.ADD:
		return lf + rf, nil
	case token.SUB:
		return lf - rf, nil
	case token.MUL:
		return lf * rf, nil
	}
	return nil, fmt.Errorf("%w: operator %s", ErrBadExpression, op)
}

func compareOrder(op token.Token, left, right any) (any, error) {
	if lf, lok := toNumber(left); lok {
		if rf, rok := toNumber(right); rok {
			switch op {
			case token.LSS:
				return lf < rf, nil
			case token.LEQ:
				return lf <= rf, nil
			case token.GTR:
				return lf > rf, nil
			case token.GEQ:
				return lf >= rf, nil
			}
		}
	}
	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			switch op {
			case token.LSS:
				return ls < rs, nil
			case token.LEQ:
				return ls <= rs, nil
			case token.GTR:
				return ls > rs, nil
			case token.GEQ:
				return ls >= rs, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: cannot order %T against %T", ErrBadExpression, left, right)
}

// looseEqual compares across numeric types; values of different shapes are
// unequal rather than an error.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
		return false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	}
	return false
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	}
	return 0, false
}

// truthy follows loose semantics: null, false, zero, empty string, and
// empty collections are false; everything else is true.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case map[string]any:
		return len(t) > 0
	case []any:
		return len(t) > 0
	case []string:
		return len(t) > 0
	}
	if f, ok := toNumber(v); ok {
		return f != 0
	}
	return true
}
