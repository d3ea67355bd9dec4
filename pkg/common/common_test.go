package common_test

import (
	"context"
	"os"
	"path"
	"strings"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
	"gopkg.in/yaml.v3"

	"github.com/regprune/regprune/pkg/common"
)

func TestCommon(t *testing.T) {
	Convey("test Contains()", t, func() {
		first := []string{"apple", "biscuit"}
		So(common.Contains(first, "apple"), ShouldBeTrue)
		So(common.Contains(first, "peach"), ShouldBeFalse)
		So(common.Contains([]string{}, "apple"), ShouldBeFalse)
	})

	Convey("test Difference()", t, func() {
		base := []string{"5", "4", "3", "2", "1"}
		So(common.Difference(base, []string{"4"}, []string{"1", "9"}), ShouldResemble, []string{"5", "3", "2"})
		So(common.Difference(base), ShouldResemble, base)
		So(common.Difference(nil, base), ShouldBeEmpty)
	})

	Convey("test SortedDescending()", t, func() {
		input := []string{"1", "10", "2", "latest"}
		So(common.SortedDescending(input), ShouldResemble, []string{"latest", "2", "10", "1"})
		So(input, ShouldResemble, []string{"1", "10", "2", "latest"})
	})

	Convey("test DirExists()", t, func() {
		dir := t.TempDir()
		file := path.Join(dir, "file")
		So(os.WriteFile(file, []byte("x"), 0o600), ShouldBeNil)

		So(common.DirExists(dir), ShouldBeTrue)
		So(common.DirExists(file), ShouldBeFalse)
		So(common.DirExists(path.Join(dir, "missing")), ShouldBeFalse)
		So(common.DirExists(string([]byte{0xff})), ShouldBeFalse)
		So(common.DirExists(path.Join(dir, strings.Repeat("a", 4096))), ShouldBeFalse)
	})

	Convey("test IsContextDone()", t, func() {
		ctx, cancel := context.WithCancel(context.Background())
		So(common.IsContextDone(ctx), ShouldBeFalse)
		cancel()
		So(common.IsContextDone(ctx), ShouldBeTrue)
	})
}

func TestOrderedMap(t *testing.T) {
	Convey("OrderedMap keeps document order", t, func() {
		var doc struct {
			Items common.OrderedMap[int] `yaml:"items"`
		}

		err := yaml.Unmarshal([]byte("items:\n  zeta: 1\n  alpha: 2\n  Mid: 3\n"), &doc)
		So(err, ShouldBeNil)
		So(doc.Items.Keys(), ShouldResemble, []string{"zeta", "alpha", "Mid"})

		value, ok := doc.Items.Get("alpha")
		So(ok, ShouldBeTrue)
		So(value, ShouldEqual, 2)

		_, ok = doc.Items.Get("missing")
		So(ok, ShouldBeFalse)
	})

	Convey("OrderedMap accepts null and rejects other kinds", t, func() {
		var doc struct {
			Items common.OrderedMap[string] `yaml:"items"`
		}

		So(yaml.Unmarshal([]byte("items: ~\n"), &doc), ShouldBeNil)
		So(doc.Items, ShouldBeEmpty)

		err := yaml.Unmarshal([]byte("items: [a, b]\n"), &doc)
		So(err, ShouldNotBeNil)
		So(err.Error(), ShouldContainSubstring, "expected a mapping, got sequence")
	})

	Convey("OrderedMap rejects duplicate keys", t, func() {
		var items common.OrderedMap[string]

		err := yaml.Unmarshal([]byte("a: x\nb: y\na: z\n"), &items)
		So(err, ShouldNotBeNil)
	})
}
