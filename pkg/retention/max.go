package retention

import (
	"context"
	"fmt"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/retention/types"
)

const MaxKind = "max"

type maxSettings struct {
	MaxItems *int `yaml:"max_items"`
}

// MaxSelector keeps the first MaxItems tags of its input, everything when unset.
type MaxSelector struct {
	MaxItems *int
}

func NewMaxSelector(maxItems *int) MaxSelector {
	return MaxSelector{MaxItems: maxItems}
}

func newMaxSelector(settings types.SelectorSettings) (types.Selector, error) {
	var parsed maxSettings

	if err := decodeSettings(settings, &parsed, "max_items"); err != nil {
		return nil, err
	}

	if err := validateMaxItems(settings.Name, parsed.MaxItems); err != nil {
		return nil, err
	}

	return NewMaxSelector(parsed.MaxItems), nil
}

func (ms MaxSelector) Kind() string {
	return MaxKind
}

func (ms MaxSelector) Select(_ context.Context, tags []string) ([]string, []string, error) {
	return capItems(tags, ms.MaxItems), []string{}, nil
}

// capItems returns at most maxItems leading items, all of them for a nil cap.
func capItems[T any](items []T, maxItems *int) []T {
	if maxItems == nil || *maxItems >= len(items) {
		return items
	}

	return items[:max(*maxItems, 0)]
}

func validateMaxItems(name string, maxItems *int) error {
	if maxItems != nil && *maxItems < 0 {
		return fmt.Errorf("%w: cleaner %q: max_items must not be negative", zerr.ErrBadConfig, name)
	}

	return nil
}

func decodeSettings(settings types.SelectorSettings, out any, known ...string) error {
	if unknown := settings.Config.UnknownKeys(known...); len(unknown) > 0 {
		return fmt.Errorf("%w: cleaner %q: unknown keys %v", zerr.ErrBadConfig, settings.Name, unknown)
	}

	if err := settings.Config.Decode(out); err != nil {
		return fmt.Errorf("%w: cleaner %q: %w", zerr.ErrBadConfig, settings.Name, err)
	}

	return nil
}
