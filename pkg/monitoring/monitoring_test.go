package monitoring_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/regprune/regprune/pkg/monitoring"
)

func TestMetrics(t *testing.T) {
	Convey("Record a run", t, func() {
		metrics := monitoring.NewMetrics()

		metrics.AddRepositoriesScanned(3)
		metrics.AddTagsDeleted("app", false, 2)
		metrics.AddTagsDeleted("app", false, 1)
		metrics.AddTagsDeleted("tool", true, 4)
		metrics.AddRepositoriesRemoved(1)
		metrics.IncGarbageCollectRuns(nil)
		metrics.IncGarbageCollectRuns(errors.New("exit status 1"))

		start := time.Unix(1000, 0)
		metrics.ObserveRun(start, start.Add(90*time.Second))

		count, err := testutil.GatherAndCount(metrics.Registry(), "regprune_tags_deleted_total")
		So(err, ShouldBeNil)
		So(count, ShouldEqual, 2)

		count, err = testutil.GatherAndCount(metrics.Registry(), "regprune_garbage_collect_runs_total")
		So(err, ShouldBeNil)
		So(count, ShouldEqual, 2)

		Convey("Export them as a textfile", func() {
			path := filepath.Join(t.TempDir(), "regprune.prom")

			So(metrics.WriteTextfile(path), ShouldBeNil)

			content, err := os.ReadFile(path)
			So(err, ShouldBeNil)

			text := string(content)
			So(text, ShouldContainSubstring, "regprune_repositories_scanned_total 3")
			So(text, ShouldContainSubstring, `regprune_tags_deleted_total{pretend="false",repository="app"} 3`)
			So(text, ShouldContainSubstring, `regprune_tags_deleted_total{pretend="true",repository="tool"} 4`)
			So(text, ShouldContainSubstring, "regprune_repositories_removed_total 1")
			So(text, ShouldContainSubstring, `regprune_garbage_collect_runs_total{result="failure"} 1`)
			So(text, ShouldContainSubstring, `regprune_garbage_collect_runs_total{result="success"} 1`)
			So(text, ShouldContainSubstring, "regprune_last_run_timestamp_seconds 1090")
			So(text, ShouldContainSubstring, "regprune_last_run_duration_seconds 90")
		})

		Convey("Unwritable destinations fail", func() {
			err := metrics.WriteTextfile(filepath.Join(t.TempDir(), "missing", "regprune.prom"))
			So(err, ShouldNotBeNil)
		})
	})
}
