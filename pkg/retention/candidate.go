package retention

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/Masterminds/semver/v3"
)

const (
	majorComponent = iota
	minorComponent
	patchComponent
)

var componentNames = [...]string{"major", "minor", "patch"} //nolint:gochecknoglobals

// versionCore is the major.minor.patch triple of a version, pre-release and build metadata aside.
type versionCore [3]int64

// newVersionCore fails when a component does not fit the integers seen by expressions.
func newVersionCore(version *semver.Version) (versionCore, bool) {
	components := [3]uint64{version.Major(), version.Minor(), version.Patch()}

	var core versionCore

	for idx, component := range components {
		if component > math.MaxInt64 {
			return versionCore{}, false
		}

		core[idx] = int64(component)
	}

	return core, true
}

func (vc versionCore) String() string {
	return fmt.Sprintf("%d.%d.%d", vc[majorComponent], vc[minorComponent], vc[patchComponent])
}

// prefix identifies the bucket of a core when preserving component idx.
func (vc versionCore) prefix(idx int) versionCore {
	var bucket versionCore

	copy(bucket[:idx], vc[:idx])

	return bucket
}

func compareCores(a, b versionCore) int {
	return slices.Compare(a[:], b[:])
}

// Candidate is a version core and every tag parsing to it.
type Candidate struct {
	Core versionCore
	Tags []string
}

type parsedTag struct {
	tag     string
	version *semver.Version
	core    versionCore
}

// GetCandidates parses tags as strict semantic versions and groups them by version core, highest core first.
// Tags which are not semantic versions, or whose components overflow int64, are returned unchanged in unparsed.
func GetCandidates(tags []string) ([]*Candidate, []string) {
	parsed := make([]parsedTag, 0, len(tags))
	unparsed := make([]string, 0)

	for _, tag := range tags {
		version, err := semver.StrictNewVersion(tag)
		if err != nil {
			unparsed = append(unparsed, tag)

			continue
		}

		core, ok := newVersionCore(version)
		if !ok {
			unparsed = append(unparsed, tag)

			continue
		}

		parsed = append(parsed, parsedTag{tag: tag, version: version, core: core})
	}

	slices.SortStableFunc(parsed, func(a, b parsedTag) int {
		if order := b.version.Compare(a.version); order != 0 {
			return order
		}

		return cmp.Compare(b.tag, a.tag)
	})

	candidates := make([]*Candidate, 0)

	for _, item := range parsed {
		core := item.core

		if last := len(candidates) - 1; last >= 0 && candidates[last].Core == core {
			candidates[last].Tags = append(candidates[last].Tags, item.tag)

			continue
		}

		candidates = append(candidates, &Candidate{Core: core, Tags: []string{item.tag}})
	}

	return candidates, unparsed
}
