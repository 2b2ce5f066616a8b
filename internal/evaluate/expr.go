package evaluate

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"strconv"
	"strings"
)

// ErrUnsupportedExpr reports an expression outside the evaluable whitelist.
var ErrUnsupportedExpr = errors.New("unsupported expression")

// EvalExpr evaluates a boolean/comparison/arithmetic expression against
// explicit bindings. Only a strict node whitelist is accepted: binary and
// unary operators, parentheses, identifiers and basic literals. There are no
// calls, no indexing, no selectors and no ambient names beyond true/false.
func EvalExpr(src string, bindings map[string]any) (any, error) {
	node, err := parser.ParseExpr(src)
	if err != nil {
		return nil, fmt.Errorf("parse expression: %w", err)
	}
	return evalNode(node, bindings)
}

// EvalBool evaluates src and requires a boolean result.
func EvalBool(src string, bindings map[string]any) (bool, error) {
	v, err := EvalExpr(src, bindings)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("%w: non-boolean result %T", ErrUnsupportedExpr, v)
	}
	return b, nil
}

func evalNode(node ast.Expr, bindings map[string]any) (any, error) {
	switch n := node.(type) {
	case *ast.ParenExpr:
		return evalNode(n.X, bindings)
	case *ast.BasicLit:
		return evalLit(n)
	case *ast.Ident:
		switch n.Name {
		case "true":
			return true, nil
		case "false":
			return false, nil
		case "nil":
			return nil, nil
		}
		v, ok := bindings[n.Name]
		if !ok {
			return nil, fmt.Errorf("%w: unbound identifier %q", ErrUnsupportedExpr, n.Name)
		}
		return v, nil
	case *ast.UnaryExpr:
		return evalUnary(n, bindings)
	case *ast.BinaryExpr:
		return evalBinary(n, bindings)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedExpr, node)
	}
}

func evalLit(lit *ast.BasicLit) (any, error) {
	switch lit.Kind {
	case token.INT, token.FLOAT:
		f, err := strconv.ParseFloat(lit.Value, 64)
		if err != nil {
			return nil, fmt.Errorf("parse number %q: %w", lit.Value, err)
		}
		return f, nil
	case token.STRING:
		s, err := strconv.Unquote(lit.Value)
		if err != nil {
			return nil, fmt.Errorf("parse string %s: %w", lit.Value, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: literal kind %s", ErrUnsupportedExpr, lit.Kind)
	}
}

func evalUnary(n *ast.UnaryExpr, bindings map[string]any) (any, error) {
	v, err := evalNode(n.X, bindings)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case token.NOT:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: ! on %T", ErrUnsupportedExpr, v)
		}
		return !b, nil
	case token.SUB:
		f, ok := asFloat(v)
		if !ok {
			return nil, fmt.Errorf("%w: - on %T", ErrUnsupportedExpr, v)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("%w: unary %s", ErrUnsupportedExpr, n.Op)
	}
}

func evalBinary(n *ast.BinaryExpr, bindings map[string]any) (any, error) {
	// Short-circuit logical operators before evaluating the right side.
	if n.Op == token.LAND || n.Op == token.LOR {
		lv, err := evalNode(n.X, bindings)
		if err != nil {
			return nil, err
		}
		lb, ok := lv.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T", ErrUnsupportedExpr, n.Op, lv)
		}
		if n.Op == token.LAND && !lb {
			return false, nil
		}
		if n.Op == token.LOR && lb {
			return true, nil
		}
		rv, err := evalNode(n.Y, bindings)
		if err != nil {
			return nil, err
		}
		rb, ok := rv.(bool)
		if !ok {
			return nil, fmt.Errorf("%w: %s on %T", ErrUnsupportedExpr, n.Op, rv)
		}
		return rb, nil
	}

	lv, err := evalNode(n.X, bindings)
	if err != nil {
		return nil, err
	}
	rv, err := evalNode(n.Y, bindings)
	if err != nil {
		return nil, err
	}

	switch n.Op {
	case token.EQL:
		return looseEqual(lv, rv), nil
	case token.NEQ:
		return !looseEqual(lv, rv), nil
	case token.LSS, token.LEQ, token.GTR, token.GEQ:
		lf, lok := asFloat(lv)
		rf, rok := asFloat(rv)
		if lok && rok {
			switch n.Op {
			case token.LSS:
				return lf < rf, nil
			case token.LEQ:
				return lf <= rf, nil
			case token.GTR:
				return lf > rf, nil
			default:
				return lf >= rf, nil
			}
		}
		ls, lsok := lv.(string)
		rs, rsok := rv.(string)
		if lsok && rsok {
			switch n.Op {
			case token.LSS:
				return ls < rs, nil
			case token.LEQ:
				return ls <= rs, nil
			case token.GTR:
				return ls > rs, nil
			default:
				return ls >= rs, nil
			}
		}
		return nil, fmt.Errorf("%w: %s on %T and %T", ErrUnsupportedExpr, n.Op, lv, rv)
	case token.ADD:
		if lf, ok := asFloat(lv); ok {
			if rf, ok := asFloat(rv); ok {
				return lf + rf, nil
			}
		}
		if ls, ok := lv.(string); ok {
			if rs, ok := rv.(string); ok {
				return ls + rs, nil
			}
		}
		return nil, fmt.Errorf("%w: + on %T and %T", ErrUnsupportedExpr, lv, rv)
	case token.SUB, token.MUL, token.QUO, token.REM:
		lf, lok := asFloat(lv)
		rf, rok := asFloat(rv)
		if !lok || !rok {
			return nil, fmt.Errorf("%w: %s on %T and %T", ErrUnsupportedExpr, n.Op, lv, rv)
		}
		switch n.Op {
		case token.SUB:
			return lf - rf, nil
		case token.MUL:
			return lf * rf, nil
		case token.QUO:
			if rf == 0 {
				return nil, errors.New("division by zero")
			}
			return lf / rf, nil
		default:
			if rf == 0 {
				return nil, errors.New("modulo by zero")
			}
			return float64(int64(lf) % int64(rf)), nil
		}
	default:
		return nil, fmt.Errorf("%w: operator %s", ErrUnsupportedExpr, n.Op)
	}
}

// asFloat coerces any numeric kind to float64.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// looseEqual compares across numeric kinds and stringified forms the way
// generated criteria expect.
func looseEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			return af == bf
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			return ab == bb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
