package retention

import (
	"fmt"
	"sort"
	"sync"

	zerr "github.com/regprune/regprune/errors"
	"github.com/regprune/regprune/pkg/api/config"
	"github.com/regprune/regprune/pkg/retention/types"
)

// SelectorFactory builds selectors from configuration by kind.
// Kinds must be registered before policies are resolved.
type SelectorFactory struct {
	lock         sync.RWMutex
	constructors map[string]types.SelectorConstructor
}

// NewSelectorFactory returns a factory knowing the max, pattern and semver kinds.
func NewSelectorFactory() *SelectorFactory {
	factory := &SelectorFactory{constructors: make(map[string]types.SelectorConstructor)}

	factory.Register(MaxKind, newMaxSelector)
	factory.Register(PatternKind, newPatternSelector)
	factory.Register(SemVerKind, newSemVerSelector)

	return factory
}

func (f *SelectorFactory) Register(kind string, constructor types.SelectorConstructor) {
	f.lock.Lock()
	defer f.lock.Unlock()

	f.constructors[kind] = constructor
}

func (f *SelectorFactory) Kinds() []string {
	f.lock.RLock()
	defer f.lock.RUnlock()

	kinds := make([]string, 0, len(f.constructors))
	for kind := range f.constructors {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)

	return kinds
}

func (f *SelectorFactory) New(name string, selectorConfig config.SelectorConfig, patterns config.PatternGroups,
) (types.Selector, error) {
	f.lock.RLock()
	constructor, ok := f.constructors[selectorConfig.Type]
	f.lock.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: cleaner %q has type %q, known types are %v", zerr.ErrUnknownSelectorType,
			name, selectorConfig.Type, f.Kinds())
	}

	return constructor(types.SelectorSettings{Name: name, Config: selectorConfig, Patterns: patterns})
}
