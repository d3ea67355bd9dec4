package cel

import (
	"context"
	"fmt"
	"strconv"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// LatestVariable is the name bound to the matching component of the latest version.
const LatestVariable = "latest"

// Expression represents a compiled CEL expression producing an integer.
type Expression struct {
	expr string
	prog cel.Program
}

// Option is a function that configures the CEL expression.
type Option func(*options)

type options struct {
	variables []string
}

// WithIntVariables declares additional integer variables usable by the expression.
func WithIntVariables(vars ...string) Option {
	return func(o *options) {
		o.variables = append(o.variables, vars...)
	}
}

// NewIntExpression compiles expr with the integer variable `latest` declared and checks that the
// expression yields an integer.
func NewIntExpression(expr string, opts ...Option) (*Expression, error) {
	o := options{variables: []string{LatestVariable}}
	for _, opt := range opts {
		opt(&o)
	}

	envOpts := []cel.EnvOption{
		cel.HomogeneousAggregateLiterals(),
		cel.EagerlyValidateDeclarations(true),
		cel.CrossTypeNumericComparisons(true),
	}

	for _, name := range o.variables {
		envOpts = append(envOpts, cel.Variable(name, cel.IntType))
	}

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to parse the CEL expression '%s': %s", expr, issues.String())
	}

	if !ast.OutputType().IsExactType(cel.IntType) {
		return nil, fmt.Errorf("CEL expression output type mismatch: expected %s, got %s",
			cel.IntType, ast.OutputType())
	}

	prog, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize), cel.InterruptCheckFrequency(100))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Expression{
		expr: expr,
		prog: prog,
	}, nil
}

// NewIntExpressionFromValue accepts the raw configuration value, which may already be a number.
func NewIntExpressionFromValue(value any, opts ...Option) (*Expression, error) {
	switch typed := value.(type) {
	case string:
		return NewIntExpression(typed, opts...)
	case int:
		return NewIntExpression(strconv.Itoa(typed), opts...)
	case int64:
		return NewIntExpression(strconv.FormatInt(typed, 10), opts...)
	case uint64:
		return NewIntExpression(strconv.FormatUint(typed, 10), opts...)
	default:
		return nil, fmt.Errorf("unsupported expression value %v of type %T", value, value)
	}
}

// String returns the original CEL expression string.
func (e *Expression) String() string {
	return e.expr
}

// EvaluateInt evaluates the expression with the given integer bindings.
func (e *Expression) EvaluateInt(ctx context.Context, vars map[string]int64) (int64, error) {
	data := make(map[string]any, len(vars))
	for name, value := range vars {
		data[name] = value
	}

	val, _, err := e.prog.ContextEval(ctx, data)
	if err != nil {
		return 0, fmt.Errorf("failed to evaluate the CEL expression '%s': %w", e.expr, err)
	}

	result, ok := val.(types.Int)
	if !ok {
		return 0, fmt.Errorf("failed to evaluate CEL expression as integer: '%s'", e.expr)
	}

	return int64(result), nil
}

// EvaluateLatest evaluates the expression with `latest` bound to the given value.
func (e *Expression) EvaluateLatest(ctx context.Context, latest int64) (int64, error) {
	return e.EvaluateInt(ctx, map[string]int64{LatestVariable: latest})
}
