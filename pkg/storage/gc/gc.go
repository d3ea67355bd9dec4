package gc

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	glob "github.com/bmatcuk/doublestar/v4"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/constants"
	zcommon "github.com/regprune/regprune/pkg/common"
	zlog "github.com/regprune/regprune/pkg/log"
	zreg "github.com/regprune/regprune/pkg/regexp"
)

// directories a repository owns below its own directory, anything else belongs to nested repositories.
var repositoryDirs = []string{constants.ManifestsDir, constants.LayersDir, constants.UploadsDir} //nolint:gochecknoglobals

// Sweeper removes repositories left without tags from the filesystem storage of a registry.
type Sweeper struct {
	rootDir string
	log     zlog.Logger
}

func NewSweeper(dataDir string, log zlog.Logger) Sweeper {
	return Sweeper{
		rootDir: filepath.Join(dataDir, filepath.FromSlash(constants.RepositoriesDir)),
		log:     log,
	}
}

func (s Sweeper) RootDir() string {
	return s.rootDir
}

/*
RemoveRepositoriesWithoutTags deletes every repository whose tag index is empty and returns their names.
It is only safe after the registry garbage collector removed the manifests of those repositories.
There is no rollback.
*/
func (s Sweeper) RemoveRepositoriesWithoutTags() ([]string, error) {
	removed := make([]string, 0)

	if !zcommon.DirExists(s.rootDir) {
		s.log.Info().Str("module", "gc").Str("path", s.rootDir).Msg("no repositories found in storage")

		return removed, nil
	}

	repos, err := s.Repositories()
	if err != nil {
		return removed, err
	}

	// nested repositories first, their parents are then judged on what is left
	sort.SliceStable(repos, func(i, j int) bool {
		return strings.Count(repos[i], "/") > strings.Count(repos[j], "/")
	})

	for _, repo := range repos {
		hasTags, err := s.HasTags(repo)
		if err != nil {
			return removed, err
		}

		if hasTags {
			continue
		}

		s.log.Info().Str("module", "gc").Str("repository", repo).Msg("removing data for repository")

		if err := s.RemoveRepository(repo); err != nil {
			s.log.Error().Err(err).Str("module", "gc").Str("repository", repo).Msg("failed to remove repository")

			return removed, err
		}

		removed = append(removed, repo)
	}

	sort.Strings(removed)

	return removed, nil
}

// Repositories lists the repositories having a tag index, sorted by name.
func (s Sweeper) Repositories() ([]string, error) {
	matches, err := glob.Glob(os.DirFS(s.rootDir), "**/"+constants.TagsDir)
	if err != nil {
		return nil, err
	}

	repos := make([]string, 0, len(matches))

	for _, match := range matches {
		if !zcommon.DirExists(filepath.Join(s.rootDir, filepath.FromSlash(match))) {
			continue
		}

		repo := path.Dir(path.Dir(match))

		if !zreg.IsRepositoryName(repo) {
			s.log.Warn().Str("module", "gc").Str("path", match).Msg("skipping tag index outside of a repository")

			continue
		}

		repos = append(repos, repo)
	}

	sort.Strings(repos)

	return repos, nil
}

func (s Sweeper) HasTags(repo string) (bool, error) {
	entries, err := os.ReadDir(s.tagsDir(repo))
	if err != nil {
		if os.IsNotExist(err) {
			return false, fmt.Errorf("%w: %s", zerr.ErrRepoNotFound, repo)
		}

		return false, err
	}

	return len(entries) > 0, nil
}

// RemoveRepository deletes the data of repo. When nested repositories still live below it, only the
// directories owned by repo itself are deleted.
func (s Sweeper) RemoveRepository(repo string) error {
	dir := s.repoDir(repo)

	if !zcommon.DirExists(dir) {
		return fmt.Errorf("%w: %s", zerr.ErrRepoNotFound, repo)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	nested := false

	for _, entry := range entries {
		if !zcommon.Contains(repositoryDirs, entry.Name()) {
			nested = true

			break
		}
	}

	if !nested {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}

		return s.removeEmptyParents(dir)
	}

	s.log.Info().Str("module", "gc").Str("repository", repo).Msg("keeping nested repositories")

	for _, name := range repositoryDirs {
		if err := os.RemoveAll(filepath.Join(dir, name)); err != nil {
			return err
		}
	}

	return nil
}

// removeEmptyParents deletes the directories left empty between dir and the repositories root.
func (s Sweeper) removeEmptyParents(dir string) error {
	for parent := filepath.Dir(dir); parent != s.rootDir && strings.HasPrefix(parent, s.rootDir); {
		entries, err := os.ReadDir(parent)
		if err != nil || len(entries) > 0 {
			return err
		}

		if err := os.Remove(parent); err != nil {
			return err
		}

		parent = filepath.Dir(parent)
	}

	return nil
}

func (s Sweeper) repoDir(repo string) string {
	return filepath.Join(s.rootDir, filepath.FromSlash(repo))
}

func (s Sweeper) tagsDir(repo string) string {
	return filepath.Join(s.repoDir(repo), filepath.FromSlash(constants.TagsDir))
}
