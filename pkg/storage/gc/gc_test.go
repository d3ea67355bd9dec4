package gc_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/constants"
	zlog "github.com/regprune/regprune/pkg/log"
	"github.com/regprune/regprune/pkg/storage/gc"
	tcommon "github.com/regprune/regprune/pkg/test/common"
)

// makeRepository lays out a repository with the given tags the way the registry stores it.
func makeRepository(root, repo string, tags ...string) {
	dirs := []string{
		repo + "/" + constants.TagsDir,
		repo + "/" + constants.LayersDir + "/sha256",
		repo + "/" + constants.ManifestsDir + "/revisions/sha256",
	}

	for _, tag := range tags {
		dirs = append(dirs, repo+"/"+constants.TagsDir+"/"+tag+"/current")
	}

	So(tcommon.MakeDirs(root, dirs...), ShouldBeNil)
}

func TestSweeper(t *testing.T) {
	Convey("Remove repositories without tags", t, func() {
		dataDir := t.TempDir()

		var buffer bytes.Buffer

		sweeper := gc.NewSweeper(dataDir, zlog.NewLoggerWithWriter("info", &buffer))
		root := sweeper.RootDir()
		So(root, ShouldEqual, filepath.Join(dataDir, "docker", "registry", "v2", "repositories"))

		makeRepository(root, "app", "1.0.0")
		makeRepository(root, "dead")
		makeRepository(root, "team/dead")
		makeRepository(root, "team/alive", "latest")

		repos, err := sweeper.Repositories()
		So(err, ShouldBeNil)
		So(repos, ShouldResemble, []string{"app", "dead", "team/alive", "team/dead"})

		hasTags, err := sweeper.HasTags("app")
		So(err, ShouldBeNil)
		So(hasTags, ShouldBeTrue)

		removed, err := sweeper.RemoveRepositoriesWithoutTags()
		So(err, ShouldBeNil)
		So(removed, ShouldResemble, []string{"dead", "team/dead"})

		dirs, err := tcommon.ListDirs(root)
		So(err, ShouldBeNil)
		So(dirs, ShouldNotContain, "dead")
		So(dirs, ShouldNotContain, "team/dead")
		So(dirs, ShouldContain, "app/_manifests/tags/1.0.0")
		So(dirs, ShouldContain, "team/alive/_manifests/tags/latest")
		So(buffer.String(), ShouldContainSubstring, "removing data for repository")

		Convey("A second pass has nothing to remove", func() {
			removed, err := sweeper.RemoveRepositoriesWithoutTags()
			So(err, ShouldBeNil)
			So(removed, ShouldBeEmpty)
		})
	})

	Convey("Nested repositories", t, func() {
		sweeper := gc.NewSweeper(t.TempDir(), zlog.NewNopLogger())
		root := sweeper.RootDir()

		Convey("Parents keep the nested repositories which still have tags", func() {
			makeRepository(root, "parent")
			makeRepository(root, "parent/child", "v1")

			removed, err := sweeper.RemoveRepositoriesWithoutTags()
			So(err, ShouldBeNil)
			So(removed, ShouldResemble, []string{"parent"})

			dirs, err := tcommon.ListDirs(root)
			So(err, ShouldBeNil)
			So(tcommon.DirsUnder(dirs, "parent"), ShouldNotContain, constants.ManifestsDir)
			So(tcommon.DirsUnder(dirs, "parent"), ShouldNotContain, constants.LayersDir)
			So(dirs, ShouldContain, "parent/child/_manifests/tags/v1")
		})

		Convey("Dead parents of dead nested repositories are removed entirely", func() {
			makeRepository(root, "parent")
			makeRepository(root, "parent/child")

			removed, err := sweeper.RemoveRepositoriesWithoutTags()
			So(err, ShouldBeNil)
			So(removed, ShouldResemble, []string{"parent", "parent/child"})

			dirs, err := tcommon.ListDirs(root)
			So(err, ShouldBeNil)
			So(dirs, ShouldBeEmpty)
		})

		Convey("Namespaces left empty are removed", func() {
			makeRepository(root, "org/team/app")

			removed, err := sweeper.RemoveRepositoriesWithoutTags()
			So(err, ShouldBeNil)
			So(removed, ShouldResemble, []string{"org/team/app"})

			dirs, err := tcommon.ListDirs(root)
			So(err, ShouldBeNil)
			So(dirs, ShouldBeEmpty)
		})
	})

	Convey("Storage without repositories", t, func() {
		sweeper := gc.NewSweeper(t.TempDir(), zlog.NewNopLogger())

		removed, err := sweeper.RemoveRepositoriesWithoutTags()
		So(err, ShouldBeNil)
		So(removed, ShouldBeEmpty)

		_, err = sweeper.HasTags("missing")
		So(errors.Is(err, zerr.ErrRepoNotFound), ShouldBeTrue)

		err = sweeper.RemoveRepository("missing")
		So(errors.Is(err, zerr.ErrRepoNotFound), ShouldBeTrue)
	})

	Convey("Tag indexes outside valid repository names are ignored", t, func() {
		sweeper := gc.NewSweeper(t.TempDir(), zlog.NewNopLogger())
		root := sweeper.RootDir()

		So(tcommon.MakeDirs(root, "Invalid/"+constants.TagsDir), ShouldBeNil)

		removed, err := sweeper.RemoveRepositoriesWithoutTags()
		So(err, ShouldBeNil)
		So(removed, ShouldBeEmpty)

		_, err = os.Stat(filepath.Join(root, "Invalid"))
		So(err, ShouldBeNil)
	})
}
