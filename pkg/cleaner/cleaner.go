package cleaner

import (
	"context"
	"time"

	"github.com/regprune/regprune/pkg/api/config"
	zlog "github.com/regprune/regprune/pkg/log"
	"github.com/regprune/regprune/pkg/monitoring"
	"github.com/regprune/regprune/pkg/native"
	"github.com/regprune/regprune/pkg/registry"
	"github.com/regprune/regprune/pkg/retention"
	"github.com/regprune/regprune/pkg/storage/gc"
	"github.com/regprune/regprune/pkg/untagger"
)

// Result is the outcome of a cleaning run.
type Result struct {
	untagger.Report

	// RemovedRepositories is only filled when the native registry storage was swept.
	RemovedRepositories []string
}

// Cleaner runs the untagger against the configured registry. With a native registry the daemon is
// started for the duration of the run, then its storage is garbage collected and swept.
type Cleaner struct {
	untagger   *untagger.Untagger
	policies   *retention.PolicyManager
	supervisor *native.Supervisor
	sweeper    gc.Sweeper
	metrics    *monitoring.Metrics
	textfile   string
	log        zlog.Logger
}

// New resolves every repository policy of cfg, no registry is contacted.
func New(cfg *config.Config, metrics *monitoring.Metrics, log zlog.Logger) (*Cleaner, error) {
	policies, err := retention.NewPolicyManager(cfg, retention.NewSelectorFactory(), log)
	if err != nil {
		return nil, err
	}

	client, err := registry.NewClient(cfg.RegistryURL(), cfg.Registry.User, cfg.Registry.Password, log)
	if err != nil {
		return nil, err
	}

	if metrics == nil {
		metrics = monitoring.NewMetrics()
	}

	cleaner := &Cleaner{
		untagger: untagger.New(client, policies, log),
		policies: policies,
		metrics:  metrics,
		textfile: cfg.Metrics.Textfile,
		log:      log,
	}

	if cfg.Native.Enabled {
		cleaner.supervisor = native.NewSupervisor(cfg.Native, log)
		cleaner.sweeper = gc.NewSweeper(cfg.Native.Data, log)
	}

	return cleaner, nil
}

func (c *Cleaner) Policies() []*retention.RepositoryPolicy {
	return c.policies.Policies()
}

func (c *Cleaner) Native() bool {
	return c.supervisor != nil
}

func (c *Cleaner) Metrics() *monitoring.Metrics {
	return c.metrics
}

// Clean deletes the tags rejected by the repository policies. Unless pretending, the storage of a
// native registry is then garbage collected, emptied repositories are removed and the storage is
// garbage collected once more to release their blobs.
func (c *Cleaner) Clean(ctx context.Context, pretend bool) (Result, error) {
	start := time.Now()
	result := Result{RemovedRepositories: []string{}}

	err := c.withRegistry(ctx, func(ctx context.Context) error {
		report, err := c.untagger.Clean(ctx, pretend)
		result.Report = report

		return err
	})

	c.recordReport(result.Report)

	if err == nil && !pretend && c.Native() {
		result.RemovedRepositories, err = c.collect(ctx)
	}

	c.metrics.ObserveRun(start, time.Now())

	if textErr := c.writeMetrics(); err == nil {
		err = textErr
	}

	if err != nil {
		c.log.Error().Err(err).Str("module", "cleaner").Msg("cleaning failed")

		return result, err
	}

	c.log.Info().Str("module", "cleaner").Int("scanned", result.Scanned).Int("deleted", result.DeletedTags()).
		Int("removed", len(result.RemovedRepositories)).Bool("pretend", pretend).Msg("cleaning finished")

	return result, nil
}

// ListRepos returns the tags of every repository of the registry.
func (c *Cleaner) ListRepos(ctx context.Context) ([]untagger.RepositoryTags, error) {
	var repos []untagger.RepositoryTags

	err := c.withRegistry(ctx, func(ctx context.Context) error {
		var err error

		repos, err = c.untagger.ListRepos(ctx)

		return err
	})

	return repos, err
}

// withRegistry calls fn while the registry is reachable, starting the native daemon if needed.
func (c *Cleaner) withRegistry(ctx context.Context, fn func(ctx context.Context) error) error {
	if !c.Native() {
		return fn(ctx)
	}

	return c.supervisor.Run(ctx, fn)
}

func (c *Cleaner) collect(ctx context.Context) ([]string, error) {
	if err := c.garbageCollect(ctx); err != nil {
		return []string{}, err
	}

	removed, err := c.sweeper.RemoveRepositoriesWithoutTags()
	c.metrics.AddRepositoriesRemoved(len(removed))

	if err != nil {
		return removed, err
	}

	return removed, c.garbageCollect(ctx)
}

func (c *Cleaner) garbageCollect(ctx context.Context) error {
	err := c.supervisor.GarbageCollect(ctx)
	c.metrics.IncGarbageCollectRuns(err)

	return err
}

func (c *Cleaner) recordReport(report untagger.Report) {
	c.metrics.AddRepositoriesScanned(report.Scanned)

	for _, repo := range report.Repositories {
		c.metrics.AddTagsDeleted(repo.Name, report.Pretend, len(repo.Deleted))
	}
}

func (c *Cleaner) writeMetrics() error {
	if c.textfile == "" {
		return nil
	}

	if err := c.metrics.WriteTextfile(c.textfile); err != nil {
		c.log.Error().Err(err).Str("module", "cleaner").Str("path", c.textfile).Msg("failed to write metrics")

		return err
	}

	return nil
}
