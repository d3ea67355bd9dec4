package types

import (
	"context"

	"github.com/regprune/regprune/pkg/api/config"
)

// Selector judges the tags it recognizes and passes the others on to the next stage.
// Input tags found in neither kept nor passthrough are deleted by the stage.
type Selector interface {
	Kind() string
	Select(ctx context.Context, tags []string) (kept, passthrough []string, err error)
}

// Stage is a named selector of a repository policy.
type Stage struct {
	Name     string
	Selector Selector
}

// SelectorSettings is what a selector constructor gets to build a configured instance.
type SelectorSettings struct {
	Name     string
	Config   config.SelectorConfig
	Patterns config.PatternGroups
}

type SelectorConstructor func(settings SelectorSettings) (Selector, error)

type PolicyManager interface {
	GetRepoPolicy(repo string) (RepositoryPolicy, error)
}

type RepositoryPolicy interface {
	Name() string
	Matches(repo string) bool
	SelectTags(ctx context.Context, repo string, tags []string) ([]string, error)
}
