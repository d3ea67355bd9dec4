package retention

import (
	"context"
	"fmt"
	"slices"

	"gopkg.in/yaml.v3"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/common"
	"github.com/regprune/regprune/pkg/retention/types"
)

const SemVerKind = "semver"

// ComponentExpressions holds one optional expression per version component.
type ComponentExpressions [3]*ComponentExpression

func (ce *ComponentExpressions) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: line %d: expected a mapping of major, minor and patch", zerr.ErrBadConfig, node.Line)
	}

	if err := checkMappingKeys(node, componentNames[:]...); err != nil {
		return err
	}

	var components struct {
		Major *ComponentExpression `yaml:"major"`
		Minor *ComponentExpression `yaml:"minor"`
		Patch *ComponentExpression `yaml:"patch"`
	}

	if err := node.Decode(&components); err != nil {
		return err
	}

	*ce = ComponentExpressions{components.Major, components.Minor, components.Patch}

	return nil
}

// RetentionGroup claims the version cores matching Where and keeps Preserve of them per component tier.
type RetentionGroup struct {
	Name     string               `yaml:"-"`
	Where    ComponentExpressions `yaml:"where"`
	Preserve ComponentExpressions `yaml:"preserve"`
	MaxItems *int                 `yaml:"max_items"`
}

func (rg *RetentionGroup) UnmarshalYAML(node *yaml.Node) error {
	if err := checkMappingKeys(node, "where", "preserve", "max_items"); err != nil {
		return err
	}

	type plain RetentionGroup

	return node.Decode((*plain)(rg))
}

type semVerSettings struct {
	MaxItems *int                              `yaml:"max_items"`
	Groups   common.OrderedMap[RetentionGroup] `yaml:"groups"`
}

// SemVerSelector judges tags which are strict semantic versions, grouped by version core.
type SemVerSelector struct {
	groups   []RetentionGroup
	maxItems *int
}

func NewSemVerSelector(groups []RetentionGroup, maxItems *int) SemVerSelector {
	return SemVerSelector{groups: groups, maxItems: maxItems}
}

func newSemVerSelector(settings types.SelectorSettings) (types.Selector, error) {
	var parsed semVerSettings

	if err := decodeSettings(settings, &parsed, "max_items", "groups"); err != nil {
		return nil, err
	}

	if err := validateMaxItems(settings.Name, parsed.MaxItems); err != nil {
		return nil, err
	}

	groups := make([]RetentionGroup, 0, len(parsed.Groups))

	for _, entry := range parsed.Groups {
		group := entry.Value
		group.Name = entry.Key

		if err := validateMaxItems(settings.Name+"/"+group.Name, group.MaxItems); err != nil {
			return nil, err
		}

		for idx, preserve := range group.Preserve {
			if preserve != nil && (preserve.IsRange || preserve.Value == nil) {
				return nil, fmt.Errorf("%w: cleaner %q: group %q: preserve.%s must be a single expression",
					zerr.ErrBadExpression, settings.Name, group.Name, componentNames[idx])
			}
		}

		groups = append(groups, group)
	}

	return NewSemVerSelector(groups, parsed.MaxItems), nil
}

func (ss SemVerSelector) Kind() string {
	return SemVerKind
}

func (ss SemVerSelector) Select(ctx context.Context, tags []string) ([]string, []string, error) {
	candidates, unparsed := GetCandidates(tags)
	if len(candidates) == 0 {
		return []string{}, unparsed, nil
	}

	latest := candidates[0].Core
	unclaimed := candidates
	selected := make([]*Candidate, 0, len(candidates))

	for _, group := range ss.groups {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		matched, rest, err := group.match(ctx, unclaimed, latest)
		if err != nil {
			return nil, nil, err
		}

		unclaimed = rest

		kept, err := group.preserve(ctx, matched, latest)
		if err != nil {
			return nil, nil, err
		}

		selected = append(selected, capItems(kept, group.MaxItems)...)
	}

	slices.SortFunc(selected, func(a, b *Candidate) int {
		return compareCores(b.Core, a.Core)
	})

	keptTags := make([]string, 0, len(tags))
	for _, candidate := range capItems(selected, ss.maxItems) {
		keptTags = append(keptTags, candidate.Tags...)
	}

	return keptTags, unparsed, nil
}

// match splits candidates into the ones satisfying every `where` predicate and the others, order kept.
func (rg RetentionGroup) match(ctx context.Context, candidates []*Candidate, latest versionCore,
) ([]*Candidate, []*Candidate, error) {
	predicates := make([]func(int64) bool, len(rg.Where))

	for idx, where := range rg.Where {
		if where == nil {
			continue
		}

		predicate, err := where.Predicate(ctx, latest[idx])
		if err != nil {
			return nil, nil, fmt.Errorf("group %q: where.%s: %w", rg.Name, componentNames[idx], err)
		}

		predicates[idx] = predicate
	}

	matched := make([]*Candidate, 0)
	rest := make([]*Candidate, 0, len(candidates))

	for _, candidate := range candidates {
		if matchesAll(predicates, candidate.Core) {
			matched = append(matched, candidate)
		} else {
			rest = append(rest, candidate)
		}
	}

	return matched, rest, nil
}

func matchesAll(predicates []func(int64) bool, core versionCore) bool {
	for idx, predicate := range predicates {
		if predicate != nil && !predicate(core[idx]) {
			return false
		}
	}

	return true
}

// preserve keeps, for each component with a preserve count, the highest cores of every bucket sharing
// the components before it. Kept cores are not counted again by the following components.
func (rg RetentionGroup) preserve(ctx context.Context, matched []*Candidate, latest versionCore,
) ([]*Candidate, error) {
	considered := matched
	kept := make([]*Candidate, 0, len(matched))

	for idx, preserve := range rg.Preserve {
		if preserve == nil {
			continue
		}

		count, err := preserve.Count(ctx, latest[idx])
		if err != nil {
			return nil, fmt.Errorf("group %q: preserve.%s: %w", rg.Name, componentNames[idx], err)
		}

		perBucket := make(map[versionCore]int64)
		remaining := make([]*Candidate, 0, len(considered))

		for _, candidate := range considered {
			bucket := candidate.Core.prefix(idx)
			if perBucket[bucket] < count {
				perBucket[bucket]++

				kept = append(kept, candidate)

				continue
			}

			remaining = append(remaining, candidate)
		}

		considered = remaining
	}

	slices.SortFunc(kept, func(a, b *Candidate) int {
		return compareCores(b.Core, a.Core)
	})

	return kept, nil
}
