package untagger

import (
	"context"
	"errors"
	"fmt"

	godigest "github.com/opencontainers/go-digest"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/constants"
	zcommon "github.com/regprune/regprune/pkg/common"
	zlog "github.com/regprune/regprune/pkg/log"
	"github.com/regprune/regprune/pkg/registry"
	"github.com/regprune/regprune/pkg/retention/types"
)

// RegistryClient is the part of the registry API needed to list and untag images.
type RegistryClient interface {
	URL() string
	Check(ctx context.Context) error
	Catalog(ctx context.Context) ([]string, error)
	Tags(ctx context.Context, repo string) ([]string, error)
	GetManifest(ctx context.Context, repo, reference string) (registry.Manifest, error)
	PutManifest(ctx context.Context, repo, reference, mediaType string, content []byte) (godigest.Digest, error)
	DeleteManifest(ctx context.Context, repo string, digest godigest.Digest) error
	UploadSentinel(ctx context.Context, repo, tag string) (godigest.Digest, error)
}

// RepositoryTags is a repository with its tags as listed by the registry.
type RepositoryTags struct {
	Name string
	Tags []string
}

// RepositoryReport describes what a cleaning pass decided for one repository.
type RepositoryReport struct {
	Name    string
	Policy  string
	Tags    int
	Deleted []string
}

type Report struct {
	Pretend      bool
	Scanned      int
	Repositories []RepositoryReport
}

// DeletedTags counts the tags removed, or which would be removed in pretend mode.
func (r Report) DeletedTags() int {
	count := 0
	for _, repo := range r.Repositories {
		count += len(repo.Deleted)
	}

	return count
}

// Untagger removes the tags selected by repository policies from a registry.
// Repositories are processed one after the other, the first failure stops the run.
type Untagger struct {
	client   RegistryClient
	policies types.PolicyManager
	log      zlog.Logger
}

func New(client RegistryClient, policies types.PolicyManager, log zlog.Logger) *Untagger {
	return &Untagger{
		client:   client,
		policies: policies,
		log:      log,
	}
}

// Clean runs every repository of the catalog through its policy.
func (u *Untagger) Clean(ctx context.Context, pretend bool) (Report, error) {
	report := Report{Pretend: pretend, Repositories: []RepositoryReport{}}

	if err := u.client.Check(ctx); err != nil {
		return report, err
	}

	repos, err := u.client.Catalog(ctx)
	if err != nil {
		return report, err
	}

	for _, repo := range repos {
		if zcommon.IsContextDone(ctx) {
			return report, ctx.Err()
		}

		report.Scanned++

		repoReport, handled, err := u.CleanRepository(ctx, repo, pretend)
		if err != nil {
			u.log.Error().Err(err).Str("module", "untagger").Str("repository", repo).
				Msg("failed to clean repository")

			return report, err
		}

		if handled {
			report.Repositories = append(report.Repositories, repoReport)
		}
	}

	u.log.Info().Str("module", "untagger").Int("scanned", report.Scanned).Int("deleted", report.DeletedTags()).
		Bool("pretend", pretend).Msg("finished cleaning registry")

	return report, nil
}

// CleanRepository computes and applies the deletions of a single repository.
// It reports false when no policy applies to repo.
func (u *Untagger) CleanRepository(ctx context.Context, repo string, pretend bool,
) (RepositoryReport, bool, error) {
	report := RepositoryReport{Name: repo, Deleted: []string{}}

	policy, err := u.policies.GetRepoPolicy(repo)
	if err != nil {
		if errors.Is(err, zerr.ErrRetentionPolicyNotFound) {
			u.log.Info().Str("module", "untagger").Str("repository", repo).Msg("no cleaner found for repository")

			return report, false, nil
		}

		return report, false, err
	}

	report.Policy = policy.Name()

	tags, err := u.client.Tags(ctx, repo)
	if err != nil {
		return report, true, err
	}

	report.Tags = len(tags)

	u.log.Info().Str("module", "untagger").Str("repository", repo).Str("policy", policy.Name()).
		Msg("using cleaner for repository")

	if len(tags) == 0 {
		u.log.Info().Str("module", "untagger").Str("repository", repo).Msg("found empty repository")

		return report, true, nil
	}

	deleted, err := policy.SelectTags(ctx, repo, tags)
	if err != nil {
		return report, true, err
	}

	if len(deleted) == 0 {
		return report, true, nil
	}

	report.Deleted = deleted

	if pretend {
		for _, tag := range deleted {
			u.log.Info().Str("module", "untagger").Str("repository", repo).Str("tag", tag).Msg("would delete")
		}

		return report, true, nil
	}

	return report, true, u.DeleteTags(ctx, repo, deleted)
}

// DeleteTags points every tag at a freshly uploaded sentinel image, then deletes the sentinel by digest
// which drops all of those tags at once.
func (u *Untagger) DeleteTags(ctx context.Context, repo string, tags []string) error {
	sentinel, err := u.client.UploadSentinel(ctx, repo, constants.SentinelTag)
	if err != nil {
		return fmt.Errorf("failed to upload sentinel image to %s: %w", repo, err)
	}

	cache := make(map[string]registry.Manifest)

	for _, tag := range tags {
		if tag == constants.SentinelTag {
			continue
		}

		if err := u.retag(ctx, cache, repo, constants.SentinelTag, tag); err != nil {
			return err
		}

		u.log.Debug().Str("module", "untagger").Str("repository", repo).Str("tag", tag).
			Str("digest", sentinel.String()).Msg("moved tag to sentinel image")
	}

	if err := u.client.DeleteManifest(ctx, repo, sentinel); err != nil {
		return fmt.Errorf("failed to delete sentinel image %s@%s: %w", repo, sentinel, err)
	}

	u.log.Info().Str("module", "untagger").Str("repository", repo).Strs("tags", tags).Msg("deleted tags")

	return nil
}

// retag makes target point at the manifest of source, manifests are fetched once per source.
func (u *Untagger) retag(ctx context.Context, cache map[string]registry.Manifest, repo, source, target string,
) error {
	manifest, found := cache[source]
	if !found {
		var err error

		manifest, err = u.client.GetManifest(ctx, repo, source)
		if err != nil {
			return fmt.Errorf("failed to get manifest %s:%s: %w", repo, source, err)
		}

		cache[source] = manifest
	}

	if _, err := u.client.PutManifest(ctx, repo, target, manifest.MediaType, manifest.Content); err != nil {
		return fmt.Errorf("failed to tag %s:%s: %w", repo, target, err)
	}

	return nil
}

// ListRepos returns every repository of the catalog with its tags.
func (u *Untagger) ListRepos(ctx context.Context) ([]RepositoryTags, error) {
	repos, err := u.client.Catalog(ctx)
	if err != nil {
		return nil, err
	}

	result := make([]RepositoryTags, 0, len(repos))

	for _, repo := range repos {
		tags, err := u.client.Tags(ctx, repo)
		if err != nil {
			return nil, err
		}

		result = append(result, RepositoryTags{Name: repo, Tags: tags})
	}

	return result, nil
}
