package tools

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/expr-lang/expr"
)

var calcEnv = map[string]any{
	"pi": math.Pi,
	"e":  math.E,
}

var calcFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"log":   math.Log10,
	"ln":    math.Log,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
}

var calcOptions = func() []expr.Option {
	opts := []expr.Option{expr.Env(calcEnv), expr.DisableAllBuiltins()}
	for name, fn := range calcFuncs {
		opts = append(opts, expr.Function(name, unaryFunc(name, fn)))
	}
	return opts
}()

func unaryFunc(name string, fn func(float64) float64) func(params ...any) (any, error) {
	return func(params ...any) (any, error) {
		if len(params) != 1 {
			return nil, fmt.Errorf("%s takes one argument, got %d", name, len(params))
		}
		x, err := toFloat(params[0])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return fn(x), nil
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return 0, fmt.Errorf("%v is not a number", v)
}

// Evaluate computes an arithmetic expression. Supported: numbers, + - * /,
// integer %, ^ (or **), parentheses, unary sign, the constants pi and e, and
// single-argument functions sqrt abs sin cos tan log ln floor ceil round.
func Evaluate(input string) (float64, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return 0, errors.New("empty expression")
	}
	program, err := expr.Compile(input, calcOptions...)
	if err != nil {
		return 0, err
	}
	out, err := expr.Run(program, calcEnv)
	if err != nil {
		return 0, err
	}
	v, err := toFloat(out)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

// FormatNumber renders a result without trailing zeros.
func FormatNumber(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', 15, 64)
}
