package retention

import (
	"context"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	zerr "github.com/regprune/regprune/errors"
	zcel "github.com/regprune/regprune/pkg/cel"
)

// ComponentExpression is a `where` or `preserve` entry: one expression, or inclusive {min, max} bounds.
type ComponentExpression struct {
	Value   *zcel.Expression
	Min     *zcel.Expression
	Max     *zcel.Expression
	IsRange bool
}

func (ce *ComponentExpression) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		expr, err := compileNode(node)
		if err != nil {
			return err
		}

		ce.Value = expr
	case yaml.MappingNode:
		if err := checkMappingKeys(node, "min", "max"); err != nil {
			return err
		}

		var bounds struct {
			Min yaml.Node `yaml:"min"`
			Max yaml.Node `yaml:"max"`
		}

		if err := node.Decode(&bounds); err != nil {
			return err
		}

		var err error

		if ce.Min, err = compileNode(&bounds.Min); err != nil {
			return err
		}

		if ce.Max, err = compileNode(&bounds.Max); err != nil {
			return err
		}

		ce.IsRange = true
	default:
		return fmt.Errorf("%w: line %d: expected an expression or {min, max}", zerr.ErrBadExpression, node.Line)
	}

	return nil
}

// compileNode returns nil for an absent or null node.
func compileNode(node *yaml.Node) (*zcel.Expression, error) {
	if node.IsZero() || node.Tag == "!!null" {
		return nil, nil //nolint:nilnil
	}

	var value any
	if err := node.Decode(&value); err != nil {
		return nil, err
	}

	expr, err := zcel.NewIntExpressionFromValue(value)
	if err != nil {
		return nil, fmt.Errorf("%w: line %d: %w", zerr.ErrBadExpression, node.Line, err)
	}

	return expr, nil
}

// Predicate returns the filter for a version component, with `latest` bound to the latest core's component.
func (ce *ComponentExpression) Predicate(ctx context.Context, latest int64) (func(int64) bool, error) {
	if !ce.IsRange {
		if ce.Value == nil {
			return func(int64) bool { return true }, nil
		}

		want, err := ce.Value.EvaluateLatest(ctx, latest)
		if err != nil {
			return nil, err
		}

		return func(value int64) bool { return value == want }, nil
	}

	lower, hasLower, err := evaluateBound(ctx, ce.Min, latest)
	if err != nil {
		return nil, err
	}

	upper, hasUpper, err := evaluateBound(ctx, ce.Max, latest)
	if err != nil {
		return nil, err
	}

	return func(value int64) bool {
		return (!hasLower || value >= lower) && (!hasUpper || value <= upper)
	}, nil
}

// Count evaluates a preserve entry.
func (ce *ComponentExpression) Count(ctx context.Context, latest int64) (int64, error) {
	if ce.IsRange || ce.Value == nil {
		return 0, fmt.Errorf("%w: preserve needs a single expression", zerr.ErrBadExpression)
	}

	return ce.Value.EvaluateLatest(ctx, latest)
}

func (ce *ComponentExpression) String() string {
	if !ce.IsRange {
		return exprString(ce.Value)
	}

	return fmt.Sprintf("{min: %s, max: %s}", exprString(ce.Min), exprString(ce.Max))
}

func exprString(expr *zcel.Expression) string {
	if expr == nil {
		return "~"
	}

	return expr.String()
}

func evaluateBound(ctx context.Context, expr *zcel.Expression, latest int64) (int64, bool, error) {
	if expr == nil {
		return 0, false, nil
	}

	value, err := expr.EvaluateLatest(ctx, latest)
	if err != nil {
		return 0, false, err
	}

	return value, true, nil
}

// checkMappingKeys rejects keys of a mapping node outside known.
func checkMappingKeys(node *yaml.Node, known ...string) error {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if key := node.Content[i].Value; !slices.Contains(known, key) {
			return fmt.Errorf("%w: line %d: unknown key %q", zerr.ErrBadConfig, node.Content[i].Line, key)
		}
	}

	return nil
}
