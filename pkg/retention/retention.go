package retention

import (
	"context"
	"fmt"

	"github.com/gobwas/glob"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/config"
	zcommon "github.com/regprune/regprune/pkg/common"
	zlog "github.com/regprune/regprune/pkg/log"
	"github.com/regprune/regprune/pkg/retention/types"
)

const (
	// reasons for deletion.
	rejectedStrFormat = "rejected by %s cleaner"
	// reasons for retention.
	keptStrFormat = "kept by %s cleaner"
	notJudged     = "not judged by any cleaner"
)

// RepositoryPolicy binds repository globs to an ordered chain of selectors.
// Globs are compiled without separators: `*` also matches `/`.
type RepositoryPolicy struct {
	name     string
	paths    []string
	matchers []glob.Glob
	stages   []types.Stage
	log      zlog.Logger
}

func NewRepositoryPolicy(name string, paths []string, stages []types.Stage, log zlog.Logger) *RepositoryPolicy {
	matchers := make([]glob.Glob, 0, len(paths))

	for _, path := range paths {
		matcher, err := glob.Compile(path)
		if err != nil {
			log.Warn().Err(err).Str("module", "retention").Str("policy", name).Str("path", path).
				Msg("ignoring invalid repository glob")

			continue
		}

		matchers = append(matchers, matcher)
	}

	return &RepositoryPolicy{
		name:     name,
		paths:    paths,
		matchers: matchers,
		stages:   stages,
		log:      log,
	}
}

func (p *RepositoryPolicy) Name() string {
	return p.name
}

func (p *RepositoryPolicy) Paths() []string {
	return p.paths
}

func (p *RepositoryPolicy) Stages() []types.Stage {
	return p.stages
}

func (p *RepositoryPolicy) Matches(repo string) bool {
	for _, matcher := range p.matchers {
		if matcher.Match(repo) {
			return true
		}
	}

	return false
}

// SelectTags runs the selector chain over tags and returns the tags to delete, highest first.
// Each stage only sees the tags previous stages passed through, the ones left at the end are kept.
func (p *RepositoryPolicy) SelectTags(ctx context.Context, repo string, tags []string) ([]string, error) {
	candidates := zcommon.SortedDescending(tags)
	deleted := make([]string, 0)

	for _, stage := range p.stages {
		if zcommon.IsContextDone(ctx) {
			return nil, ctx.Err()
		}

		kept, passthrough, err := stage.Selector.Select(ctx, candidates)
		if err != nil {
			return nil, fmt.Errorf("policy %q: cleaner %q: %w", p.name, stage.Name, err)
		}

		rejected := zcommon.Difference(candidates, passthrough, kept)

		for _, tag := range kept {
			p.logAction(repo, tag, "keep", fmt.Sprintf(keptStrFormat, stage.Name))
		}

		for _, tag := range rejected {
			p.logAction(repo, tag, "delete", fmt.Sprintf(rejectedStrFormat, stage.Name))
		}

		deleted = append(deleted, rejected...)
		candidates = passthrough
	}

	for _, tag := range candidates {
		p.logAction(repo, tag, "keep", notJudged)
	}

	return zcommon.SortedDescending(deleted), nil
}

func (p *RepositoryPolicy) logAction(repo, tag, decision, reason string) {
	event := p.log.Debug()
	if decision == "delete" {
		event = p.log.Info()
	}

	event.Str("module", "retention").
		Str("policy", p.name).
		Str("repository", repo).
		Str("tag", tag).
		Str("decision", decision).
		Str("reason", reason).Msg("applied policy")
}

// PolicyManager resolves the repository policies of a configuration, first matching policy wins.
type PolicyManager struct {
	policies []*RepositoryPolicy
	log      zlog.Logger
}

// NewPolicyManager builds every policy of the configuration, so that configuration errors surface
// before any registry is contacted.
func NewPolicyManager(cfg *config.Config, factory *SelectorFactory, log zlog.Logger) (*PolicyManager, error) {
	policies := make([]*RepositoryPolicy, 0, len(cfg.Repositories))

	for _, entry := range cfg.Repositories {
		stages := make([]types.Stage, 0, len(entry.Value.Cleaners))

		for _, cleaner := range entry.Value.Cleaners {
			selector, err := factory.New(cleaner.Key, cleaner.Value, cfg.Patterns)
			if err != nil {
				log.Error().Err(err).Str("module", "retention").Str("policy", entry.Key).
					Str("cleaner", cleaner.Key).Msg("failed to create cleaner")

				return nil, fmt.Errorf("policy %q: %w", entry.Key, err)
			}

			stages = append(stages, types.Stage{Name: cleaner.Key, Selector: selector})
		}

		policies = append(policies, NewRepositoryPolicy(entry.Key, entry.Value.Paths, stages, log))
	}

	return &PolicyManager{policies: policies, log: log}, nil
}

func (m *PolicyManager) Policies() []*RepositoryPolicy {
	return m.policies
}

func (m *PolicyManager) GetRepoPolicy(repo string) (types.RepositoryPolicy, error) {
	for _, policy := range m.policies {
		if policy.Matches(repo) {
			return policy, nil
		}
	}

	return nil, zerr.ErrRetentionPolicyNotFound
}
