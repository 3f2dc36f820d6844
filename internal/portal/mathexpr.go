package portal

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
)

var (
	ErrEmptyExpression = errors.New("expression is empty")
	ErrDivisionByZero  = errors.New("division by zero")
	ErrNotFinite       = errors.New("result is not a finite number")
)

const maxExpressionLength = 512

// Evaluate computes an arithmetic expression over float64 with the usual
// precedence: parentheses, unary minus, right-associative ^, then * /, then
// + -. The result is rounded to 10 decimal places so 0.1+0.2 prints as 0.3.
func Evaluate(expression string) (float64, error) {
	if len(expression) > maxExpressionLength {
		return 0, fmt.Errorf("expression longer than %d characters", maxExpressionLength)
	}
	if strings.TrimSpace(expression) == "" {
		return 0, ErrEmptyExpression
	}
	for i, r := range expression {
		if !isArithmeticRune(r) {
			return 0, fmt.Errorf("unexpected %q at position %d", r, i+1)
		}
	}

	var divisionByZero bool
	divide := func(params ...any) (any, error) {
		dividend, ok := asFloat(params[0])
		divisor, ok2 := asFloat(params[1])
		if !ok || !ok2 {
			return nil, fmt.Errorf("division needs numbers, got %T and %T", params[0], params[1])
		}
		if divisor == 0 {
			divisionByZero = true
			return nil, ErrDivisionByZero
		}
		return dividend / divisor, nil
	}

	program, err := expr.Compile(expression,
		expr.Function(divideFunc, divide, new(func(float64, float64) float64)),
		expr.Patch(floatArithmetic{}),
	)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}

	output, err := expr.Run(program, nil)
	if err != nil {
		if divisionByZero {
			return 0, ErrDivisionByZero
		}
		return 0, fmt.Errorf("invalid expression: %w", err)
	}

	value, ok := asFloat(output)
	if !ok {
		return 0, fmt.Errorf("expression does not evaluate to a number")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, ErrNotFinite
	}
	return normalize(value), nil
}

const divideFunc = "div"

// floatArithmetic makes every literal a float64 so integer overflow and
// integer division never apply, and routes / through divideFunc so a zero
// divisor is reported instead of producing Inf.
type floatArithmetic struct{}

func (floatArithmetic) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IntegerNode:
		ast.Patch(node, &ast.FloatNode{Value: float64(n.Value)})
	case *ast.BinaryNode:
		if n.Operator == "/" {
			ast.Patch(node, &ast.CallNode{
				Callee:    &ast.IdentifierNode{Value: divideFunc},
				Arguments: []ast.Node{n.Left, n.Right},
			})
		}
	}
}

// isArithmeticRune admits digits, the decimal point, exponent markers, the
// supported operators and whitespace. Identifiers, strings and the rest of
// the expression language never reach the compiler.
func isArithmeticRune(r rune) bool {
	switch {
	case r >= '0' && r <= '9':
		return true
	case r == ' ' || r == '\t' || r == '\n' || r == '\r':
		return true
	}
	return strings.ContainsRune(".eE+-*/^()", r)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func normalize(v float64) float64 {
	const scale = 1e10
	if math.Abs(v) >= 1e15 {
		return v
	}
	rounded := math.Round(v*scale) / scale
	if rounded == 0 {
		return 0
	}
	return rounded
}
