package retention

import (
	"context"
	"fmt"
	"sort"

	"github.com/maruel/natural"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/retention/types"
)

const PatternKind = "pattern"

type patternSettings struct {
	Pattern  string `yaml:"pattern"`
	MaxItems *int   `yaml:"max_items"`
}

type keyedTag struct {
	tag string
	key string
}

// PatternSelector judges tags recognized by a pattern group, newest sort key first.
type PatternSelector struct {
	Group    string
	matcher  *PatternMatcher
	maxItems *int
}

func NewPatternSelector(group string, matcher *PatternMatcher, maxItems *int) PatternSelector {
	return PatternSelector{Group: group, matcher: matcher, maxItems: maxItems}
}

func newPatternSelector(settings types.SelectorSettings) (types.Selector, error) {
	var parsed patternSettings

	if err := decodeSettings(settings, &parsed, "pattern", "max_items"); err != nil {
		return nil, err
	}

	if err := validateMaxItems(settings.Name, parsed.MaxItems); err != nil {
		return nil, err
	}

	group, ok := settings.Patterns.Get(parsed.Pattern)
	if !ok {
		return nil, fmt.Errorf("%w: cleaner %q references %q", zerr.ErrUnknownPatternGroup, settings.Name,
			parsed.Pattern)
	}

	matcher, err := NewPatternMatcher(group)
	if err != nil {
		return nil, fmt.Errorf("%w: pattern group %q: %w", zerr.ErrBadConfig, parsed.Pattern, err)
	}

	return NewPatternSelector(parsed.Pattern, matcher, parsed.MaxItems), nil
}

func (ps PatternSelector) Kind() string {
	return PatternKind
}

func (ps PatternSelector) Select(_ context.Context, tags []string) ([]string, []string, error) {
	matched := make([]keyedTag, 0, len(tags))
	unmatched := make([]string, 0)

	for _, tag := range tags {
		key, ok, excluded := ps.matcher.Match(tag)
		if !ok {
			unmatched = append(unmatched, tag)

			continue
		}

		if excluded {
			continue
		}

		matched = append(matched, keyedTag{tag: tag, key: key})
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return natural.Less(matched[j].key, matched[i].key)
	})

	kept := make([]string, 0, len(matched))
	for _, item := range capItems(matched, ps.maxItems) {
		kept = append(kept, item.tag)
	}

	return kept, unmatched, nil
}
