package cleaner_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/config"
	"github.com/regprune/regprune/pkg/api/constants"
	"github.com/regprune/regprune/pkg/cleaner"
	zlog "github.com/regprune/regprune/pkg/log"
	tcommon "github.com/regprune/regprune/pkg/test/common"
	"github.com/regprune/regprune/pkg/test/mocks"
)

const policies = `
repositories:
  apps:
    paths: ["app"]
    cleaners:
      newest:
        type: max
        max_items: 1
  retired:
    paths: ["old/**", "old"]
    cleaners:
      nothing:
        type: max
        max_items: 0
`

// TestMain lets the test binary act as the registry daemon when re-executed by the supervisor.
func TestMain(m *testing.M) {
	if os.Getenv(mocks.FakeDaemonEnv) == "1" {
		os.Exit(mocks.RunFakeDaemon(os.Args[1:]))
	}

	os.Exit(m.Run())
}

type nativeSetup struct {
	cfg      *config.Config
	data     string
	repos    string
	textfile string
	logs     *tcommon.ThreadSafeLogBuffer
}

func newNativeSetup(t *testing.T, mode string) nativeSetup {
	t.Helper()

	t.Setenv(mocks.FakeDaemonEnv, "1")
	t.Setenv(mocks.FakeDaemonModeEnv, mode)

	dir := t.TempDir()
	data := filepath.Join(dir, "data")
	textfile := filepath.Join(dir, "regprune.prom")

	doc := fmt.Sprintf("native:\n  enabled: true\n  binary: %q\n  data: %q\n  address: %q\n  config: %q\n"+
		"metrics:\n  textfile: %q\n%s",
		os.Args[0], data, "127.0.0.1:"+tcommon.GetFreePort(), filepath.Join(dir, "registry-config.yaml"),
		textfile, policies)

	cfg := config.New()
	So(config.LoadFromBuffer([]byte(doc), cfg), ShouldBeNil)

	repos := filepath.Join(data, filepath.FromSlash(constants.RepositoriesDir))

	store := func(repo string, tags ...string) {
		dirs := []string{
			repo + "/" + constants.TagsDir,
			repo + "/" + constants.LayersDir + "/sha256",
		}

		for _, tag := range tags {
			dirs = append(dirs, repo+"/"+constants.TagsDir+"/"+tag+"/current")
		}

		So(tcommon.MakeDirs(repos, dirs...), ShouldBeNil)
	}

	store("app", "1", "2", "3")
	store("old", "x")
	store("keep", "k")
	store("gone")

	return nativeSetup{
		cfg:      cfg,
		data:     data,
		repos:    repos,
		textfile: textfile,
		logs:     tcommon.NewThreadSafeLogBuffer(),
	}
}

func (s nativeSetup) storedRepositories() []string {
	dirs, err := tcommon.ListDirs(s.repos)
	So(err, ShouldBeNil)

	repos := make([]string, 0)

	for _, dir := range dirs {
		if strings.HasSuffix(dir, "/"+constants.TagsDir) {
			repos = append(repos, strings.TrimSuffix(dir, "/"+constants.TagsDir))
		}
	}

	return repos
}

func (s nativeSetup) storedTags(repo string) []string {
	entries, err := os.ReadDir(filepath.Join(s.repos, repo, filepath.FromSlash(constants.TagsDir)))
	So(err, ShouldBeNil)

	tags := make([]string, 0, len(entries))
	for _, entry := range entries {
		tags = append(tags, entry.Name())
	}

	return tags
}

func (s nativeSetup) garbageCollections() int {
	content, err := os.ReadFile(filepath.Join(s.data, mocks.GarbageCollectLog))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}

	So(err, ShouldBeNil)

	return strings.Count(string(content), "collected")
}

func TestNativeClean(t *testing.T) {
	ctx := context.Background()

	Convey("Clean a native registry", t, func() {
		setup := newNativeSetup(t, "")

		regCleaner, err := cleaner.New(setup.cfg, nil, zlog.NewLoggerWithWriter("debug", setup.logs))
		So(err, ShouldBeNil)
		So(regCleaner.Native(), ShouldBeTrue)
		So(regCleaner.Policies(), ShouldHaveLength, 2)

		result, err := regCleaner.Clean(ctx, false)
		So(err, ShouldBeNil)
		So(result.Scanned, ShouldEqual, 4)
		So(result.DeletedTags(), ShouldEqual, 3)
		So(result.RemovedRepositories, ShouldResemble, []string{"gone", "old"})

		So(setup.storedRepositories(), ShouldResemble, []string{"app", "keep"})
		So(setup.storedTags("app"), ShouldResemble, []string{"3"})
		So(setup.storedTags("keep"), ShouldResemble, []string{"k"})
		So(setup.garbageCollections(), ShouldEqual, 2)

		metrics := regCleaner.Metrics().Registry()
		count, err := testutil.GatherAndCount(metrics, "regprune_tags_deleted_total")
		So(err, ShouldBeNil)
		So(count, ShouldEqual, 2)

		content, err := os.ReadFile(setup.textfile)
		So(err, ShouldBeNil)
		So(string(content), ShouldContainSubstring, "regprune_repositories_scanned_total 4")
		So(string(content), ShouldContainSubstring, "regprune_repositories_removed_total 2")
		So(string(content), ShouldContainSubstring, `regprune_garbage_collect_runs_total{result="success"} 2`)

		logs := setup.logs.String()
		So(logs, ShouldContainSubstring, "registry is ready")
		So(logs, ShouldContainSubstring, "cleaning finished")

		_, err = os.Stat(setup.cfg.Native.Config)
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)

		Convey("List the repositories left", func() {
			repos, err := regCleaner.ListRepos(ctx)
			So(err, ShouldBeNil)
			So(repos, ShouldHaveLength, 2)
			So(repos[0].Name, ShouldEqual, "app")
			So(repos[0].Tags, ShouldResemble, []string{"3"})
			So(repos[1].Name, ShouldEqual, "keep")
		})
	})

	Convey("Pretending leaves the storage alone", t, func() {
		setup := newNativeSetup(t, "")

		regCleaner, err := cleaner.New(setup.cfg, nil, zlog.NewNopLogger())
		So(err, ShouldBeNil)

		result, err := regCleaner.Clean(ctx, true)
		So(err, ShouldBeNil)
		So(result.Pretend, ShouldBeTrue)
		So(result.DeletedTags(), ShouldEqual, 3)
		So(result.RemovedRepositories, ShouldBeEmpty)

		So(setup.storedRepositories(), ShouldResemble, []string{"app", "gone", "keep", "old"})
		So(setup.storedTags("app"), ShouldResemble, []string{"1", "2", "3"})
		So(setup.garbageCollections(), ShouldEqual, 0)
	})

	Convey("The registry does not start", t, func() {
		setup := newNativeSetup(t, "crash")

		regCleaner, err := cleaner.New(setup.cfg, nil, zlog.NewNopLogger())
		So(err, ShouldBeNil)

		_, err = regCleaner.Clean(ctx, false)
		So(errors.Is(err, zerr.ErrDaemonExited), ShouldBeTrue)
		So(setup.garbageCollections(), ShouldEqual, 0)
		So(setup.storedRepositories(), ShouldHaveLength, 4)

		_, err = regCleaner.ListRepos(ctx)
		So(errors.Is(err, zerr.ErrDaemonExited), ShouldBeTrue)
	})

	Convey("Garbage collection fails", t, func() {
		setup := newNativeSetup(t, "gc-fail")

		regCleaner, err := cleaner.New(setup.cfg, nil, zlog.NewNopLogger())
		So(err, ShouldBeNil)

		result, err := regCleaner.Clean(ctx, false)
		So(errors.Is(err, zerr.ErrGarbageCollect), ShouldBeTrue)
		So(result.DeletedTags(), ShouldEqual, 3)
		So(result.RemovedRepositories, ShouldBeEmpty)

		// tags are gone, the sweep never ran
		So(setup.storedRepositories(), ShouldResemble, []string{"app", "gone", "keep", "old"})

		content, err := os.ReadFile(setup.textfile)
		So(err, ShouldBeNil)
		So(string(content), ShouldContainSubstring, `regprune_garbage_collect_runs_total{result="failure"} 1`)

		_, err = os.Stat(setup.cfg.Native.Config)
		So(errors.Is(err, os.ErrNotExist), ShouldBeTrue)
	})
}

func TestRemoteClean(t *testing.T) {
	ctx := context.Background()

	newRemote := func(doc string) (*mocks.Registry, *cleaner.Cleaner) {
		reg := mocks.NewRegistry()
		baseURL := reg.Start(tcommon.GetFreePort())
		t.Cleanup(reg.Stop)

		cfg := config.New()
		So(config.LoadFromBuffer([]byte("registry:\n  url: "+baseURL+"\nnative:\n  enabled: false\n"+doc), cfg),
			ShouldBeNil)

		regCleaner, err := cleaner.New(cfg, nil, zlog.NewNopLogger())
		So(err, ShouldBeNil)
		So(regCleaner.Native(), ShouldBeFalse)

		return reg, regCleaner
	}

	Convey("Clean a remote registry", t, func() {
		reg, regCleaner := newRemote(policies)
		reg.PushTags("app", "1", "2")
		reg.PushTags("old/tool", "latest")

		result, err := regCleaner.Clean(ctx, false)
		So(err, ShouldBeNil)
		So(result.Scanned, ShouldEqual, 2)
		So(result.DeletedTags(), ShouldEqual, 2)
		So(result.RemovedRepositories, ShouldBeEmpty)
		So(reg.Tags("app"), ShouldResemble, []string{"2"})
		So(reg.Tags("old/tool"), ShouldBeEmpty)

		repos, err := regCleaner.ListRepos(ctx)
		So(err, ShouldBeNil)
		So(repos, ShouldHaveLength, 2)
	})

	Convey("Dry run against a remote registry", t, func() {
		reg, regCleaner := newRemote(policies)
		reg.PushTags("app", "1", "2")

		result, err := regCleaner.Clean(ctx, true)
		So(err, ShouldBeNil)
		So(result.Repositories[0].Deleted, ShouldResemble, []string{"1"})
		So(reg.MutatingCalls(), ShouldEqual, 0)
	})

	Convey("Remote failures are returned", t, func() {
		reg, regCleaner := newRemote(policies)
		reg.PushTags("app", "1", "2")
		reg.Stop()

		_, err := regCleaner.Clean(ctx, false)
		So(errors.Is(err, zerr.ErrRegistryUnreachable), ShouldBeTrue)
	})
}

func TestNew(t *testing.T) {
	Convey("Unknown selector types are rejected before contacting the registry", t, func() {
		cfg := config.New()
		doc := "repositories:\n  broken:\n    paths: ['**']\n    cleaners:\n      odd: {type: oldest}\n"
		So(config.LoadFromBuffer([]byte(doc), cfg), ShouldBeNil)

		_, err := cleaner.New(cfg, nil, zlog.NewNopLogger())
		So(errors.Is(err, zerr.ErrUnknownSelectorType), ShouldBeTrue)
	})
}
